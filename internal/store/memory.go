package store

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"roadassist/internal/model"
)

// Memory is a simple in-memory store used when no DATABASE_URL is set.
type Memory struct {
	mu        sync.Mutex
	employees map[string]model.Employee // id -> employee
	empOrder  []string                  // insertion order for stable listing
	history   map[string][]model.ServiceRequest // requesterId -> completed requests
	subs      map[string][]model.Subscription   // tenant -> subscriptions
	// Webhook queue state
	deliveries         map[string]*memDelivery
	deliveriesByTenant map[string][]string
	dlq                []map[string]any
}

func NewMemory() *Memory {
	return &Memory{
		employees:          map[string]model.Employee{},
		history:            map[string][]model.ServiceRequest{},
		subs:               map[string][]model.Subscription{},
		deliveries:         map[string]*memDelivery{},
		deliveriesByTenant: map[string][]string{},
		dlq:                []map[string]any{},
	}
}

// memDelivery augments WebhookDelivery with scheduling/metrics
type memDelivery struct {
	WebhookDelivery
	NextAttemptAt time.Time
	LastError     string
	ResponseCode  int
	LatencyMs     int
	DeliveredAt   *time.Time
}

func (m *Memory) CreateEmployee(ctx context.Context, in model.EmployeeInput) (model.Employee, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := model.Employee{ID: uuid.New().String(), Name: in.Name, Specialties: in.Specialties, Available: true}
	if in.Location != nil {
		e.Location = *in.Location
	}
	if in.Available != nil {
		e.Available = *in.Available
	}
	m.employees[e.ID] = e
	m.empOrder = append(m.empOrder, e.ID)
	return e, nil
}

func (m *Memory) GetEmployee(ctx context.Context, id string) (model.Employee, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.employees[id]
	if !ok {
		return model.Employee{}, ErrNotFound
	}
	return e, nil
}

func (m *Memory) ListEmployees(ctx context.Context, serviceType model.ServiceType, cursor string, limit int) ([]model.Employee, string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	start := 0
	if cursor != "" {
		for i, id := range m.empOrder {
			if id == cursor {
				start = i + 1
				break
			}
		}
	}
	if limit <= 0 {
		limit = 100
	}
	out := []model.Employee{}
	var next string
	for i := start; i < len(m.empOrder) && len(out) < limit; i++ {
		e := m.employees[m.empOrder[i]]
		if serviceType == "" || e.CanServe(serviceType) {
			out = append(out, e)
		}
		next = m.empOrder[i]
	}
	if len(out) < limit {
		next = ""
	}
	return out, next, nil
}

func (m *Memory) PatchEmployee(ctx context.Context, id string, in model.EmployeeInput) (model.Employee, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.employees[id]
	if !ok {
		return model.Employee{}, ErrNotFound
	}
	if in.Name != "" {
		e.Name = in.Name
	}
	if in.Location != nil {
		e.Location = *in.Location
	}
	if in.Specialties != nil {
		e.Specialties = in.Specialties
	}
	if in.Available != nil {
		e.Available = *in.Available
	}
	m.employees[id] = e
	return e, nil
}

func (m *Memory) ListAvailable(ctx context.Context, serviceType model.ServiceType) ([]model.Employee, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []model.Employee{}
	for _, id := range m.empOrder {
		e := m.employees[id]
		if e.Available && e.CanServe(serviceType) {
			out = append(out, e)
		}
	}
	return out, nil
}

func (m *Memory) Reserve(ctx context.Context, employeeID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.employees[employeeID]
	if !ok {
		return false, ErrNotFound
	}
	if !e.Available {
		return false, nil
	}
	e.Available = false
	m.employees[employeeID] = e
	return true, nil
}

func (m *Memory) Release(ctx context.Context, employeeID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.employees[employeeID]
	if !ok {
		return ErrNotFound
	}
	e.Available = true
	m.employees[employeeID] = e
	return nil
}

func (m *Memory) RecordCompletion(ctx context.Context, r *model.ServiceRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.history[r.RequesterID] = append(m.history[r.RequesterID], *r.Clone())
	return nil
}

func (m *Memory) ListHistory(ctx context.Context, requesterID, cursor string, limit int) ([]model.ServiceRequest, string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	list := m.history[requesterID]
	start := 0
	if cursor != "" {
		for i := range list {
			if list[i].ID == cursor {
				start = i + 1
				break
			}
		}
	}
	if limit <= 0 {
		limit = 100
	}
	end := start + limit
	if end > len(list) {
		end = len(list)
	}
	items := append([]model.ServiceRequest(nil), list[start:end]...)
	next := ""
	if end < len(list) {
		next = list[end-1].ID
	}
	return items, next, nil
}

func (m *Memory) RequestStats(ctx context.Context) (map[string]any, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	total := 0
	byType := map[string]int{}
	declines := 0
	for _, list := range m.history {
		for _, r := range list {
			total++
			byType[string(r.ServiceType)]++
			declines += r.DeclineCount
		}
	}
	return map[string]any{"completed": total, "byServiceType": byType, "totalDeclines": declines}, nil
}

func (m *Memory) CreateSubscription(ctx context.Context, req model.SubscriptionRequest) (model.Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := model.Subscription{ID: uuid.New().String(), TenantID: req.TenantID, URL: req.URL, Events: req.Events, Secret: req.Secret}
	m.subs[req.TenantID] = append(m.subs[req.TenantID], s)
	return s, nil
}

func (m *Memory) GetSubscriptionsForEvent(ctx context.Context, tenantID, eventType string) ([]model.Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.Subscription
	for _, s := range m.subs[tenantID] {
		for _, e := range s.Events {
			if e == eventType {
				out = append(out, s)
				break
			}
		}
	}
	return out, nil
}

func (m *Memory) ListSubscriptions(ctx context.Context, tenantID, cursor string, limit int) ([]model.Subscription, string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	list := m.subs[tenantID]
	start := 0
	if cursor != "" {
		for i := range list {
			if list[i].ID == cursor {
				start = i + 1
				break
			}
		}
	}
	if limit <= 0 {
		limit = 100
	}
	end := start + limit
	if end > len(list) {
		end = len(list)
	}
	items := append([]model.Subscription(nil), list[start:end]...)
	next := ""
	if end < len(list) {
		next = list[end-1].ID
	}
	return items, next, nil
}

func (m *Memory) DeleteSubscription(ctx context.Context, tenantID, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	arr := m.subs[tenantID]
	out := make([]model.Subscription, 0, len(arr))
	for _, s := range arr {
		if s.ID != id {
			out = append(out, s)
		}
	}
	m.subs[tenantID] = out
	return nil
}

// Webhook deliveries
func (m *Memory) EnqueueWebhook(ctx context.Context, tenantID, subscriptionID, eventType, url, secret string, payload []byte) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := uuid.New().String()
	d := &memDelivery{WebhookDelivery: WebhookDelivery{ID: id, TenantID: tenantID, SubscriptionID: subscriptionID, EventType: eventType, URL: url, Secret: secret, Payload: payload, Status: "pending", Attempts: 0}, NextAttemptAt: time.Now()}
	m.deliveries[id] = d
	m.deliveriesByTenant[tenantID] = append(m.deliveriesByTenant[tenantID], id)
	return id, nil
}

func (m *Memory) FetchDueWebhookDeliveries(ctx context.Context, limit int) ([]WebhookDelivery, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	out := []WebhookDelivery{}
	for _, id := range m.iterDeliveryIDs() {
		d := m.deliveries[id]
		if d == nil {
			continue
		}
		if (d.Status == "pending" || d.Status == "retry") && !d.NextAttemptAt.After(now) {
			out = append(out, d.WebhookDelivery)
			if limit > 0 && len(out) >= limit {
				break
			}
		}
	}
	return out, nil
}

func (m *Memory) MarkWebhookDelivery(ctx context.Context, id string, success bool, nextAttemptAt *time.Time, lastError string, responseCode int, latencyMs int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d := m.deliveries[id]
	if d == nil {
		return nil
	}
	d.Attempts++
	d.ResponseCode = responseCode
	d.LatencyMs = latencyMs
	if success {
		d.Status = "delivered"
		now := time.Now()
		d.DeliveredAt = &now
	} else {
		d.Status = "retry"
		d.LastError = lastError
		if nextAttemptAt != nil {
			d.NextAttemptAt = *nextAttemptAt
		} else {
			d.NextAttemptAt = time.Now().Add(1 * time.Minute)
		}
	}
	return nil
}

func (m *Memory) FailWebhookDelivery(ctx context.Context, id string, lastError string, responseCode int, latencyMs int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d := m.deliveries[id]
	if d != nil {
		d.Status = "failed"
	}
	m.dlq = append(m.dlq, map[string]any{"id": id, "lastError": lastError, "responseCode": responseCode, "latencyMs": latencyMs})
	return nil
}

func (m *Memory) ListWebhookDeliveries(ctx context.Context, tenantID, status, cursor string, limit int) ([]map[string]any, string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []map[string]any{}
	for _, id := range m.deliveriesByTenant[tenantID] {
		d := m.deliveries[id]
		if d == nil {
			continue
		}
		if status == "" || d.Status == status {
			item := map[string]any{"id": d.ID, "eventType": d.EventType, "status": d.Status, "attempts": d.Attempts, "url": d.URL}
			if !d.NextAttemptAt.IsZero() {
				item["nextAttemptAt"] = d.NextAttemptAt
			}
			if d.LastError != "" {
				item["lastError"] = d.LastError
			}
			out = append(out, item)
		}
	}
	return out, "", nil
}

func (m *Memory) RetryWebhookDelivery(ctx context.Context, tenantID, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d := m.deliveries[id]
	if d != nil && d.TenantID == tenantID {
		d.Status = "pending"
		d.NextAttemptAt = time.Now()
	}
	return nil
}

func (m *Memory) ListWebhookDLQ(ctx context.Context, tenantID, cursor string, limit int) ([]map[string]any, string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := append([]map[string]any(nil), m.dlq...)
	if out == nil {
		out = []map[string]any{}
	}
	return out, "", nil
}

func (m *Memory) RequeueWebhookDLQ(ctx context.Context, tenantID, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d := m.deliveries[id]
	if d != nil && d.TenantID == tenantID {
		d.Status = "pending"
		d.NextAttemptAt = time.Now()
	}
	kept := m.dlq[:0]
	for _, row := range m.dlq {
		if row["id"] != id {
			kept = append(kept, row)
		}
	}
	m.dlq = kept
	return nil
}

// helper: iterate delivery IDs by tenant order
func (m *Memory) iterDeliveryIDs() []string {
	ids := []string{}
	for _, lst := range m.deliveriesByTenant {
		ids = append(ids, lst...)
	}
	return ids
}
