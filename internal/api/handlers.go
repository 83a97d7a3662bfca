package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"roadassist/internal/dispatch"
	"roadassist/internal/model"
	"roadassist/internal/store"
)

// RequestsHandler handles POST /v1/requests
func (s *Server) RequestsHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var in model.CreateRequestInput
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeProblem(w, http.StatusBadRequest, "Invalid JSON", err.Error(), r.URL.Path)
		return
	}
	if err := validateCreateRequest(in); err != nil {
		writeProblem(w, http.StatusBadRequest, "Invalid request", err.Error(), r.URL.Path)
		return
	}
	p := s.getPrincipal(r)
	requester := requesterFrom(r, p)
	in.RequesterID = requester
	co := s.coordinatorFor(p.Tenant, requester)
	if _, err := co.CreateRequest(r.Context(), in); err != nil {
		writeDispatchProblem(w, r, err, "Create request failed")
		return
	}
	writeJSON(w, http.StatusCreated, co.Current())
}

// CurrentRequestHandler handles /v1/requests/current and its subpaths:
// GET  /v1/requests/current
// POST /v1/requests/current/accept
// POST /v1/requests/current/decline
// POST /v1/requests/current/cancel
// GET  /v1/requests/current/events/stream  (SSE)
func (s *Server) CurrentRequestHandler(w http.ResponseWriter, r *http.Request) {
	p := s.getPrincipal(r)
	requester := requesterFrom(r, p)
	co := s.coordinatorFor(p.Tenant, requester)

	rest := strings.TrimPrefix(r.URL.Path, "/v1/requests/current")
	rest = strings.TrimPrefix(rest, "/")
	switch rest {
	case "":
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		cur := co.Current()
		if cur == nil {
			writeProblem(w, http.StatusNotFound, "No active request", "", r.URL.Path)
			return
		}
		writeJSON(w, http.StatusOK, cur)
	case "accept":
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		if err := co.AcceptQuote(r.Context()); err != nil {
			writeDispatchProblem(w, r, err, "Accept failed")
			return
		}
		writeJSON(w, http.StatusOK, co.Current())
	case "decline":
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		if err := co.DeclineQuote(r.Context()); err != nil {
			writeDispatchProblem(w, r, err, "Decline failed")
			return
		}
		writeJSON(w, http.StatusOK, co.Current())
	case "cancel":
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		if err := co.CancelRequest(r.Context()); err != nil {
			writeDispatchProblem(w, r, err, "Cancel failed")
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": string(model.StatusCancelled)})
	case "events/stream":
		s.streamRequestEvents(w, r, co)
	default:
		writeProblem(w, http.StatusNotFound, "Not Found", "", r.URL.Path)
	}
}

// streamRequestEvents serves the SSE feed for the caller's in-flight request.
func (s *Server) streamRequestEvents(w http.ResponseWriter, r *http.Request, co *dispatch.Coordinator) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	cur := co.Current()
	if cur == nil {
		writeProblem(w, http.StatusNotFound, "No active request", "", r.URL.Path)
		return
	}
	id := cur.ID
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeProblem(w, http.StatusInternalServerError, "Streaming unsupported", "", r.URL.Path)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	ch := s.Broker.Subscribe(id)
	defer s.Broker.Unsubscribe(id, ch)
	// initial snapshot so a late subscriber sees current state
	b, _ := json.Marshal(cur)
	fmt.Fprintf(w, "event: request.snapshot\n")
	fmt.Fprintf(w, "data: %s\n\n", string(b))
	flusher.Flush()
	notify := r.Context().Done()
	for {
		select {
		case <-notify:
			return
		case evt := <-ch:
			b, _ := json.Marshal(evt.Data)
			fmt.Fprintf(w, "event: %s\n", evt.Type)
			fmt.Fprintf(w, "data: %s\n\n", string(b))
			flusher.Flush()
			if evt.Type == "request.closed" {
				return
			}
		case <-time.After(15 * time.Second):
			fmt.Fprintf(w, "event: heartbeat\n")
			fmt.Fprintf(w, "data: {\"requestId\":\"%s\",\"ts\":\"%s\"}\n\n", id, time.Now().Format(time.RFC3339))
			flusher.Flush()
		}
	}
}

// HistoryHandler handles GET /v1/requests/history
func (s *Server) HistoryHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	p := s.getPrincipal(r)
	requester := requesterFrom(r, p)
	if v := r.URL.Query().Get("requesterId"); v != "" && p.IsStaff() {
		requester = v
	}
	cursor := r.URL.Query().Get("cursor")
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		fmt.Sscanf(v, "%d", &limit)
	}
	items, next, err := s.Store.ListHistory(r.Context(), requester, cursor, limit)
	if err != nil {
		writeProblem(w, http.StatusInternalServerError, "List history failed", err.Error(), r.URL.Path)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items, "nextCursor": next})
}

// RequestStatsHandler handles GET /v1/admin/requests/stats
func (s *Server) RequestStatsHandler(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/v1/admin/requests/stats" || r.Method != http.MethodGet {
		writeProblem(w, http.StatusNotFound, "Not Found", "", r.URL.Path)
		return
	}
	p := s.getPrincipal(r)
	if !p.IsStaff() {
		writeProblem(w, 403, "Forbidden", "staff required", r.URL.Path)
		return
	}
	stats, err := s.Store.RequestStats(r.Context())
	if err != nil {
		writeProblem(w, http.StatusInternalServerError, "Stats failed", err.Error(), r.URL.Path)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// EmployeesHandler handles POST/GET /v1/employees
func (s *Server) EmployeesHandler(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		p := s.getPrincipal(r)
		if !p.IsStaff() {
			writeProblem(w, 403, "Forbidden", "staff required", r.URL.Path)
			return
		}
		var in model.EmployeeInput
		if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
			writeProblem(w, http.StatusBadRequest, "Invalid JSON", err.Error(), r.URL.Path)
			return
		}
		if err := validateEmployeeInput(in); err != nil {
			writeProblem(w, http.StatusBadRequest, "Invalid employee", err.Error(), r.URL.Path)
			return
		}
		emp, err := s.Store.CreateEmployee(r.Context(), in)
		if err != nil {
			writeProblem(w, http.StatusInternalServerError, "Create employee failed", err.Error(), r.URL.Path)
			return
		}
		writeJSON(w, http.StatusCreated, emp)
	case http.MethodGet:
		serviceType := model.ServiceType(r.URL.Query().Get("serviceType"))
		if serviceType != "" && !serviceType.Valid() {
			writeProblem(w, http.StatusBadRequest, "Invalid serviceType", string(serviceType), r.URL.Path)
			return
		}
		if v := r.URL.Query().Get("available"); v == "true" || v == "1" {
			if serviceType == "" {
				writeProblem(w, http.StatusBadRequest, "Missing serviceType", "available filter requires serviceType", r.URL.Path)
				return
			}
			items, err := s.Store.ListAvailable(r.Context(), serviceType)
			if err != nil {
				writeProblem(w, http.StatusInternalServerError, "List employees failed", err.Error(), r.URL.Path)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"items": items})
			return
		}
		cursor := r.URL.Query().Get("cursor")
		limit := 100
		if v := r.URL.Query().Get("limit"); v != "" {
			fmt.Sscanf(v, "%d", &limit)
		}
		items, next, err := s.Store.ListEmployees(r.Context(), serviceType, cursor, limit)
		if err != nil {
			writeProblem(w, http.StatusInternalServerError, "List employees failed", err.Error(), r.URL.Path)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"items": items, "nextCursor": next})
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

// EmployeeByIDHandler handles /v1/employees/{id} and /v1/employees/{id}/location
func (s *Server) EmployeeByIDHandler(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/v1/employees/")
	if rest == r.URL.Path || rest == "" {
		writeProblem(w, http.StatusNotFound, "Not Found", "missing id", r.URL.Path)
		return
	}
	parts := strings.Split(rest, "/")
	id := parts[0]
	if len(parts) > 1 && parts[1] == "location" {
		s.employeeLocation(w, r, id)
		return
	}
	switch r.Method {
	case http.MethodGet:
		emp, err := s.Store.GetEmployee(r.Context(), id)
		if err != nil {
			writeStoreProblem(w, r, err, "Employee not found")
			return
		}
		writeJSON(w, http.StatusOK, emp)
	case http.MethodPatch:
		p := s.getPrincipal(r)
		if !(p.IsStaff() || p.EmployeeID == id) {
			writeProblem(w, 403, "Forbidden", "staff or owning employee required", r.URL.Path)
			return
		}
		var in model.EmployeeInput
		if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
			writeProblem(w, http.StatusBadRequest, "Invalid JSON", err.Error(), r.URL.Path)
			return
		}
		emp, err := s.Store.PatchEmployee(r.Context(), id, in)
		if err != nil {
			writeStoreProblem(w, r, err, "Update employee failed")
			return
		}
		writeJSON(w, http.StatusOK, emp)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (s *Server) employeeLocation(w http.ResponseWriter, r *http.Request, id string) {
	switch r.Method {
	case http.MethodPost:
		p := s.getPrincipal(r)
		if !(p.IsStaff() || p.EmployeeID == id) {
			writeProblem(w, 403, "Forbidden", "staff or owning employee required", r.URL.Path)
			return
		}
		var loc model.GeoPoint
		if err := json.NewDecoder(r.Body).Decode(&loc); err != nil {
			writeProblem(w, http.StatusBadRequest, "Invalid JSON", err.Error(), r.URL.Path)
			return
		}
		if err := validateGeoPoint(loc); err != nil {
			writeProblem(w, http.StatusBadRequest, "Invalid location", err.Error(), r.URL.Path)
			return
		}
		ts := time.Now().UTC()
		s.Locations.Set(id, loc, ts)
		if _, err := s.Store.PatchEmployee(r.Context(), id, model.EmployeeInput{Location: &loc}); err != nil {
			writeStoreProblem(w, r, err, "Update location failed")
			return
		}
		writeJSON(w, http.StatusAccepted, LocationPing{EmployeeID: id, Location: loc, ReportedAt: ts})
	case http.MethodGet:
		if ping, ok := s.Locations.Get(id); ok {
			writeJSON(w, http.StatusOK, ping)
			return
		}
		emp, err := s.Store.GetEmployee(r.Context(), id)
		if err != nil {
			writeStoreProblem(w, r, err, "Employee not found")
			return
		}
		writeJSON(w, http.StatusOK, LocationPing{EmployeeID: id, Location: emp.Location})
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

// SubscriptionsHandler handles POST/GET /v1/subscriptions
func (s *Server) SubscriptionsHandler(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		p := s.getPrincipal(r)
		if !p.IsAdmin() {
			writeProblem(w, 403, "Forbidden", "admin required", r.URL.Path)
			return
		}
		var req model.SubscriptionRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeProblem(w, http.StatusBadRequest, "Invalid JSON", err.Error(), r.URL.Path)
			return
		}
		if req.TenantID == "" {
			req.TenantID = p.Tenant
		}
		if req.URL == "" || len(req.Events) == 0 {
			writeProblem(w, http.StatusBadRequest, "Invalid subscription", "url and events required", r.URL.Path)
			return
		}
		sub, err := s.Store.CreateSubscription(r.Context(), req)
		if err != nil {
			writeProblem(w, http.StatusInternalServerError, "Create subscription failed", err.Error(), r.URL.Path)
			return
		}
		writeJSON(w, http.StatusCreated, sub)
	case http.MethodGet:
		p := s.getPrincipal(r)
		if !p.IsAdmin() {
			writeProblem(w, 403, "Forbidden", "admin required", r.URL.Path)
			return
		}
		cursor := r.URL.Query().Get("cursor")
		limit := 100
		if v := r.URL.Query().Get("limit"); v != "" {
			fmt.Sscanf(v, "%d", &limit)
		}
		items, next, err := s.Store.ListSubscriptions(r.Context(), p.Tenant, cursor, limit)
		if err != nil {
			writeProblem(w, 500, "List subscriptions failed", err.Error(), r.URL.Path)
			return
		}
		writeJSON(w, 200, map[string]any{"items": items, "nextCursor": next})
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

// SubscriptionByIDHandler handles DELETE /v1/subscriptions/{id}
func (s *Server) SubscriptionByIDHandler(w http.ResponseWriter, r *http.Request) {
	if !strings.HasPrefix(r.URL.Path, "/v1/subscriptions/") {
		writeProblem(w, 404, "Not Found", "", r.URL.Path)
		return
	}
	if r.Method != http.MethodDelete {
		w.WriteHeader(405)
		return
	}
	p := s.getPrincipal(r)
	if !p.IsAdmin() {
		writeProblem(w, 403, "Forbidden", "admin required", r.URL.Path)
		return
	}
	id := strings.TrimPrefix(r.URL.Path, "/v1/subscriptions/")
	if err := s.Store.DeleteSubscription(r.Context(), p.Tenant, id); err != nil {
		writeStoreProblem(w, r, err, "Delete subscription failed")
		return
	}
	w.WriteHeader(204)
}

// WebhookDeliveriesHandler handles GET /v1/admin/webhook-deliveries
func (s *Server) WebhookDeliveriesHandler(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/v1/admin/webhook-deliveries" {
		writeProblem(w, 404, "Not Found", "", r.URL.Path)
		return
	}
	p := s.getPrincipal(r)
	if !p.IsAdmin() {
		writeProblem(w, 403, "Forbidden", "admin required", r.URL.Path)
		return
	}
	if r.Method != http.MethodGet {
		w.WriteHeader(405)
		return
	}
	status := r.URL.Query().Get("status")
	cursor := r.URL.Query().Get("cursor")
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		fmt.Sscanf(v, "%d", &limit)
	}
	items, next, err := s.Store.ListWebhookDeliveries(r.Context(), p.Tenant, status, cursor, limit)
	if err != nil {
		writeProblem(w, 500, "List deliveries failed", err.Error(), r.URL.Path)
		return
	}
	writeJSON(w, 200, map[string]any{"items": items, "nextCursor": next})
}

// WebhookDeliveryRetryHandler handles POST /v1/admin/webhook-deliveries/{id}/retry
func (s *Server) WebhookDeliveryRetryHandler(w http.ResponseWriter, r *http.Request) {
	if !strings.HasPrefix(r.URL.Path, "/v1/admin/webhook-deliveries/") || !strings.HasSuffix(r.URL.Path, "/retry") {
		writeProblem(w, 404, "Not Found", "", r.URL.Path)
		return
	}
	if r.Method != http.MethodPost {
		w.WriteHeader(405)
		return
	}
	p := s.getPrincipal(r)
	if !p.IsAdmin() {
		writeProblem(w, 403, "Forbidden", "admin required", r.URL.Path)
		return
	}
	id := strings.TrimSuffix(strings.TrimPrefix(r.URL.Path, "/v1/admin/webhook-deliveries/"), "/retry")
	if err := s.Store.RetryWebhookDelivery(r.Context(), p.Tenant, id); err != nil {
		writeStoreProblem(w, r, err, "Retry delivery failed")
		return
	}
	writeJSON(w, 202, map[string]int{"accepted": 1})
}

// WebhookDLQHandler handles GET (list) and POST (requeue) /v1/admin/webhook-dlq
func (s *Server) WebhookDLQHandler(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/v1/admin/webhook-dlq" {
		writeProblem(w, 404, "Not Found", "", r.URL.Path)
		return
	}
	p := s.getPrincipal(r)
	if !p.IsAdmin() {
		writeProblem(w, 403, "Forbidden", "admin required", r.URL.Path)
		return
	}
	switch r.Method {
	case http.MethodGet:
		cursor := r.URL.Query().Get("cursor")
		limit := 100
		if v := r.URL.Query().Get("limit"); v != "" {
			fmt.Sscanf(v, "%d", &limit)
		}
		items, next, err := s.Store.ListWebhookDLQ(r.Context(), p.Tenant, cursor, limit)
		if err != nil {
			writeProblem(w, 500, "List DLQ failed", err.Error(), r.URL.Path)
			return
		}
		writeJSON(w, 200, map[string]any{"items": items, "nextCursor": next})
	case http.MethodPost:
		var req struct {
			IDs []string `json:"ids"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeProblem(w, 400, "Invalid JSON", err.Error(), r.URL.Path)
			return
		}
		if len(req.IDs) == 0 {
			writeProblem(w, 400, "Missing ids", "", r.URL.Path)
			return
		}
		accepted := 0
		for _, id := range req.IDs {
			if err := s.Store.RequeueWebhookDLQ(r.Context(), p.Tenant, id); err == nil {
				accepted++
			}
		}
		writeJSON(w, 202, map[string]int{"accepted": accepted})
	default:
		w.WriteHeader(405)
	}
}

func (s *Server) HealthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, 200, map[string]string{"status": "ok"})
}

func (s *Server) ReadyHandler(w http.ResponseWriter, r *http.Request) {
	// Check DB connectivity when using Postgres store
	type pinger interface{ Ping(ctx context.Context) error }
	if pg, ok := s.Store.(pinger); ok {
		ctx, cancel := context.WithTimeout(r.Context(), 500*time.Millisecond)
		defer cancel()
		if err := pg.Ping(ctx); err != nil {
			writeProblem(w, 503, "Not Ready", err.Error(), r.URL.Path)
			return
		}
	}
	writeJSON(w, 200, map[string]string{"status": "ready"})
}

// writeDispatchProblem maps coordinator errors onto problem responses.
func writeDispatchProblem(w http.ResponseWriter, r *http.Request, err error, title string) {
	switch {
	case errors.Is(err, dispatch.ErrRequestActive):
		writeProblem(w, http.StatusConflict, title, err.Error(), r.URL.Path)
	case errors.Is(err, dispatch.ErrNoActiveRequest):
		writeProblem(w, http.StatusNotFound, title, err.Error(), r.URL.Path)
	case errors.Is(err, dispatch.ErrNoQuote), errors.Is(err, dispatch.ErrTerminalState):
		writeProblem(w, http.StatusConflict, title, err.Error(), r.URL.Path)
	default:
		writeProblem(w, http.StatusBadRequest, title, err.Error(), r.URL.Path)
	}
}

func writeStoreProblem(w http.ResponseWriter, r *http.Request, err error, title string) {
	if errors.Is(err, store.ErrNotFound) {
		writeProblem(w, http.StatusNotFound, title, err.Error(), r.URL.Path)
		return
	}
	writeProblem(w, http.StatusInternalServerError, title, err.Error(), r.URL.Path)
}
