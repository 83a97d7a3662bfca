package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"roadassist/internal/dispatch"
	"roadassist/internal/model"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	s, err := NewServer()
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	// collapse the simulated waits so lifecycle tests run in milliseconds
	s.Delays = dispatch.Delays{
		Search:   time.Millisecond,
		Quote:    time.Millisecond,
		Revision: time.Millisecond,
		Rematch:  time.Millisecond,
		Close:    20 * time.Millisecond,
		Start:    time.Millisecond,
		Complete: 20 * time.Millisecond,
	}
	return s
}

// slowServer keeps the lifecycle parked in its first state so tests can
// inspect it without racing the scheduler.
func slowServer(t *testing.T) *Server {
	t.Helper()
	s, err := NewServer()
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	s.Delays = dispatch.Delays{
		Search: time.Hour, Quote: time.Hour, Revision: time.Hour,
		Rematch: time.Hour, Close: time.Hour, Start: time.Hour, Complete: time.Hour,
	}
	return s
}

func seedEmployee(t *testing.T, s *Server, name string, sts ...model.ServiceType) model.Employee {
	t.Helper()
	in := model.EmployeeInput{Name: name, Specialties: sts}
	b, _ := json.Marshal(in)
	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/v1/employees", bytes.NewReader(b))
	req.Header.Set("Content-Type", "application/json")
	s.EmployeesHandler(rr, req)
	if rr.Code != http.StatusCreated {
		t.Fatalf("create employee: %d %s", rr.Code, rr.Body.String())
	}
	var e model.Employee
	if err := json.Unmarshal(rr.Body.Bytes(), &e); err != nil {
		t.Fatalf("decode employee: %v", err)
	}
	return e
}

func createRequest(t *testing.T, s *Server, requester string, st model.ServiceType) model.ServiceRequest {
	t.Helper()
	body, _ := json.Marshal(model.CreateRequestInput{ServiceType: st, Location: model.GeoPoint{Lat: 52.1, Lng: 4.3}})
	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/v1/requests", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Requester-Id", requester)
	s.RequestsHandler(rr, req)
	if rr.Code != http.StatusCreated {
		t.Fatalf("create request: %d %s", rr.Code, rr.Body.String())
	}
	var out model.ServiceRequest
	if err := json.Unmarshal(rr.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode request: %v", err)
	}
	return out
}

func getCurrent(s *Server, requester string) (int, model.ServiceRequest) {
	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/v1/requests/current", nil)
	req.Header.Set("X-Requester-Id", requester)
	s.CurrentRequestHandler(rr, req)
	var out model.ServiceRequest
	_ = json.Unmarshal(rr.Body.Bytes(), &out)
	return rr.Code, out
}

func postCurrent(s *Server, requester, action string) *httptest.ResponseRecorder {
	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/v1/requests/current/"+action, nil)
	req.Header.Set("X-Requester-Id", requester)
	s.CurrentRequestHandler(rr, req)
	return rr
}

func waitStatus(t *testing.T, s *Server, requester string, want model.Status) model.ServiceRequest {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	var last model.ServiceRequest
	for time.Now().Before(deadline) {
		code, cur := getCurrent(s, requester)
		if code == 200 {
			last = cur
			if cur.Status == want {
				return cur
			}
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("request never reached %s; last seen: %+v", want, last)
	return last
}

func waitGone(t *testing.T, s *Server, requester string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if code, _ := getCurrent(s, requester); code == http.StatusNotFound {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("request never discarded")
}

func TestHealthReady(t *testing.T) {
	s := newTestServer(t)
	rr := httptest.NewRecorder()
	s.HealthHandler(rr, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rr.Code != 200 {
		t.Fatalf("health: got %d", rr.Code)
	}
	rr = httptest.NewRecorder()
	s.ReadyHandler(rr, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rr.Code != 200 {
		t.Fatalf("ready: got %d", rr.Code)
	}
}

func TestEmployeesCreateListPatch(t *testing.T) {
	s := newTestServer(t)
	e := seedEmployee(t, s, "Jan", model.ServiceFlatTyre, model.ServiceCarBattery)

	rr := httptest.NewRecorder()
	s.EmployeesHandler(rr, httptest.NewRequest(http.MethodGet, "/v1/employees?serviceType=flat-tyre", nil))
	if rr.Code != 200 {
		t.Fatalf("list: %d", rr.Code)
	}
	var lst struct {
		Items []model.Employee `json:"items"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &lst); err != nil || len(lst.Items) != 1 {
		t.Fatalf("list decode: %v items=%+v", err, lst.Items)
	}

	// patch availability off; the available filter must hide the employee
	avail := false
	pb, _ := json.Marshal(model.EmployeeInput{Available: &avail})
	rr = httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPatch, "/v1/employees/"+e.ID, bytes.NewReader(pb))
	s.EmployeeByIDHandler(rr, req)
	if rr.Code != 200 {
		t.Fatalf("patch: %d %s", rr.Code, rr.Body.String())
	}
	rr = httptest.NewRecorder()
	s.EmployeesHandler(rr, httptest.NewRequest(http.MethodGet, "/v1/employees?serviceType=flat-tyre&available=true", nil))
	var lst2 struct {
		Items []model.Employee `json:"items"`
	}
	_ = json.Unmarshal(rr.Body.Bytes(), &lst2)
	if len(lst2.Items) != 0 {
		t.Fatalf("unavailable employee still listed: %+v", lst2.Items)
	}
}

func TestEmployeeLocationPing(t *testing.T) {
	s := newTestServer(t)
	e := seedEmployee(t, s, "Jan", model.ServiceTowTruck)
	loc, _ := json.Marshal(model.GeoPoint{Lat: 51.9, Lng: 4.5})
	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/v1/employees/"+e.ID+"/location", bytes.NewReader(loc))
	s.EmployeeByIDHandler(rr, req)
	if rr.Code != http.StatusAccepted {
		t.Fatalf("ping: %d %s", rr.Code, rr.Body.String())
	}
	rr = httptest.NewRecorder()
	s.EmployeeByIDHandler(rr, httptest.NewRequest(http.MethodGet, "/v1/employees/"+e.ID+"/location", nil))
	if rr.Code != 200 {
		t.Fatalf("get location: %d", rr.Code)
	}
	var ping LocationPing
	if err := json.Unmarshal(rr.Body.Bytes(), &ping); err != nil || ping.Location.Lat != 51.9 {
		t.Fatalf("location: %v %+v", err, ping)
	}
}

func TestRequestValidation(t *testing.T) {
	s := newTestServer(t)
	body := []byte(`{"serviceType":"submarine-rescue","location":{"lat":0,"lng":0}}`)
	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/v1/requests", bytes.NewReader(body))
	s.RequestsHandler(rr, req)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("bad type: %d", rr.Code)
	}
	body = []byte(`{"serviceType":"flat-tyre","location":{"lat":123,"lng":0}}`)
	rr = httptest.NewRecorder()
	s.RequestsHandler(rr, httptest.NewRequest(http.MethodPost, "/v1/requests", bytes.NewReader(body)))
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("bad lat: %d", rr.Code)
	}
}

func TestRequestLifecycleAccept(t *testing.T) {
	s := newTestServer(t)
	seedEmployee(t, s, "Jan", model.ServiceFlatTyre)

	created := createRequest(t, s, "u1", model.ServiceFlatTyre)
	if created.Status != model.StatusSearching {
		t.Fatalf("created status %s", created.Status)
	}

	cur := waitStatus(t, s, "u1", model.StatusQuoteReceived)
	if cur.Employee == nil || cur.Quote == nil {
		t.Fatalf("quote state incomplete: %+v", cur)
	}
	if cur.Quote.Amount < 30 || cur.Quote.Amount > 49 {
		t.Fatalf("flat tyre quote %d outside expected range", cur.Quote.Amount)
	}

	if rr := postCurrent(s, "u1", "accept"); rr.Code != 200 {
		t.Fatalf("accept: %d %s", rr.Code, rr.Body.String())
	}
	waitStatus(t, s, "u1", model.StatusInProgress)
	waitGone(t, s, "u1")

	// completed request lands in history
	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/v1/requests/history", nil)
	req.Header.Set("X-Requester-Id", "u1")
	s.HistoryHandler(rr, req)
	if rr.Code != 200 {
		t.Fatalf("history: %d", rr.Code)
	}
	var hist struct {
		Items []model.ServiceRequest `json:"items"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &hist); err != nil || len(hist.Items) != 1 {
		t.Fatalf("history decode: %v items=%+v", err, hist.Items)
	}
	if hist.Items[0].Status != model.StatusCompleted {
		t.Fatalf("history status %s", hist.Items[0].Status)
	}
}

func TestRequestDeclineTwiceExhaustsPool(t *testing.T) {
	s := newTestServer(t)
	seedEmployee(t, s, "Jan", model.ServiceOutOfFuel)

	createRequest(t, s, "u1", model.ServiceOutOfFuel)
	waitStatus(t, s, "u1", model.StatusQuoteReceived)

	if rr := postCurrent(s, "u1", "decline"); rr.Code != 200 {
		t.Fatalf("first decline: %d", rr.Code)
	}
	cur := waitStatus(t, s, "u1", model.StatusQuoteRevised)
	if cur.Quote == nil || !cur.Quote.Revised || cur.Quote.Amount != 20 {
		t.Fatalf("revised quote: %+v", cur.Quote)
	}
	if !cur.HasRevision {
		t.Fatal("hasReceivedRevision should be set")
	}

	if rr := postCurrent(s, "u1", "decline"); rr.Code != 200 {
		t.Fatalf("second decline: %d", rr.Code)
	}
	// only employee is now blacklisted: search finds nobody and auto-closes
	waitGone(t, s, "u1")
}

func TestRequestSingleFlight(t *testing.T) {
	s := slowServer(t)
	createRequest(t, s, "u1", model.ServiceTowTruck)

	body, _ := json.Marshal(model.CreateRequestInput{ServiceType: model.ServiceTowTruck, Location: model.GeoPoint{}})
	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/v1/requests", bytes.NewReader(body))
	req.Header.Set("X-Requester-Id", "u1")
	s.RequestsHandler(rr, req)
	if rr.Code != http.StatusConflict {
		t.Fatalf("second create: %d, want 409", rr.Code)
	}

	// a different requester is unaffected
	createRequest(t, s, "u2", model.ServiceTowTruck)
}

func TestRequestCancel(t *testing.T) {
	s := slowServer(t)
	createRequest(t, s, "u1", model.ServiceCarBattery)
	if rr := postCurrent(s, "u1", "cancel"); rr.Code != 200 {
		t.Fatalf("cancel: %d", rr.Code)
	}
	if code, _ := getCurrent(s, "u1"); code != http.StatusNotFound {
		t.Fatalf("current after cancel: %d", code)
	}
	if rr := postCurrent(s, "u1", "cancel"); rr.Code != http.StatusNotFound {
		t.Fatalf("second cancel: %d, want 404", rr.Code)
	}
}

func TestCreateEnqueuesWebhook(t *testing.T) {
	s := slowServer(t)
	subBody := []byte(`{"url":"https://example.invalid/webhook","events":["request.created"],"secret":"shh"}`)
	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/v1/subscriptions", bytes.NewReader(subBody))
	req.Header.Set("Content-Type", "application/json")
	s.SubscriptionsHandler(rr, req)
	if rr.Code != http.StatusCreated {
		t.Fatalf("create sub: %d %s", rr.Code, rr.Body.String())
	}

	createRequest(t, s, "u1", model.ServiceFlatTyre)

	rr = httptest.NewRecorder()
	s.WebhookDeliveriesHandler(rr, httptest.NewRequest(http.MethodGet, "/v1/admin/webhook-deliveries?limit=5", nil))
	if rr.Code != 200 {
		t.Fatalf("deliveries: %d", rr.Code)
	}
	var dres struct {
		Items []map[string]any `json:"items"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &dres); err != nil {
		t.Fatalf("decode deliveries: %v", err)
	}
	if len(dres.Items) == 0 {
		t.Fatal("expected at least one delivery")
	}
	if et, _ := dres.Items[0]["eventType"].(string); et != "request.created" {
		t.Fatalf("eventType %q", et)
	}
}

func TestReplacementCreateEmitsCreatedWebhook(t *testing.T) {
	s := newTestServer(t)
	// park the unserviceable request in auto-close so the next create
	// has to replace it
	s.Delays.Close = time.Hour

	subBody := []byte(`{"url":"https://example.invalid/webhook","events":["request.created"],"secret":"shh"}`)
	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/v1/subscriptions", bytes.NewReader(subBody))
	req.Header.Set("Content-Type", "application/json")
	s.SubscriptionsHandler(rr, req)
	if rr.Code != http.StatusCreated {
		t.Fatalf("create sub: %d %s", rr.Code, rr.Body.String())
	}

	// empty roster: the first request ends unserviceable and waits on close
	createRequest(t, s, "u1", model.ServiceTowTruck)
	waitStatus(t, s, "u1", model.StatusNoEmployee)

	second := createRequest(t, s, "u1", model.ServiceTowTruck)
	if second.Status != model.StatusSearching {
		t.Fatalf("replacement status %s", second.Status)
	}

	rr = httptest.NewRecorder()
	s.WebhookDeliveriesHandler(rr, httptest.NewRequest(http.MethodGet, "/v1/admin/webhook-deliveries?limit=10", nil))
	if rr.Code != 200 {
		t.Fatalf("deliveries: %d", rr.Code)
	}
	var dres struct {
		Items []map[string]any `json:"items"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &dres); err != nil {
		t.Fatalf("decode deliveries: %v", err)
	}
	created := 0
	for _, it := range dres.Items {
		if et, _ := it["eventType"].(string); et == "request.created" {
			created++
		}
	}
	if created != 2 {
		t.Fatalf("want 2 request.created deliveries, got %d of %d", created, len(dres.Items))
	}
}

func TestStatsRequiresStaff(t *testing.T) {
	s := newTestServer(t)
	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/v1/admin/requests/stats", nil)
	req.Header.Set("X-Role", "customer")
	s.RequestStatsHandler(rr, req)
	if rr.Code != 403 {
		t.Fatalf("customer stats: %d", rr.Code)
	}
	rr = httptest.NewRecorder()
	s.RequestStatsHandler(rr, httptest.NewRequest(http.MethodGet, "/v1/admin/requests/stats", nil))
	if rr.Code != 200 {
		t.Fatalf("admin stats: %d", rr.Code)
	}
}

// sseRecorder is a minimal ResponseWriter that implements http.Flusher
// and captures writes for SSE tests.
type sseRecorder struct {
	hdr  http.Header
	buf  bytes.Buffer
	code int
}

func (r *sseRecorder) Header() http.Header {
	if r.hdr == nil {
		r.hdr = http.Header{}
	}
	return r.hdr
}
func (r *sseRecorder) WriteHeader(c int)           { r.code = c }
func (r *sseRecorder) Write(p []byte) (int, error) { return r.buf.Write(p) }
func (r *sseRecorder) Flush()                      {}

func TestRequestEventsSSE(t *testing.T) {
	s := slowServer(t)
	created := createRequest(t, s, "u1", model.ServiceFlatTyre)

	sseReq := httptest.NewRequest(http.MethodGet, "/v1/requests/current/events/stream", nil)
	sseReq.Header.Set("X-Requester-Id", "u1")
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	sseReq = sseReq.WithContext(ctx)

	rec := &sseRecorder{}
	done := make(chan struct{})
	go func() {
		s.CurrentRequestHandler(rec, sseReq)
		close(done)
	}()

	// give the handler time to subscribe, then publish
	time.Sleep(50 * time.Millisecond)
	s.Broker.Publish(created.ID, SSEEvent{Type: "quote.issued", Data: map[string]any{"requestId": created.ID}})

	deadline := time.Now().Add(500 * time.Millisecond)
	for time.Now().Before(deadline) {
		if bytes.Contains(rec.buf.Bytes(), []byte("event: quote.issued")) {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if !bytes.Contains(rec.buf.Bytes(), []byte("event: request.snapshot")) {
		t.Fatalf("missing initial snapshot. Body: %s", rec.buf.String())
	}
	if !bytes.Contains(rec.buf.Bytes(), []byte("event: quote.issued")) {
		t.Fatalf("SSE did not contain expected event. Body: %s", rec.buf.String())
	}
	cancel()
	select {
	case <-done:
	case <-time.After(200 * time.Millisecond):
		t.Fatal("handler did not exit after cancel")
	}
}
