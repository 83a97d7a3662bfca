package store

import (
	"context"
	"errors"
	"time"

	"roadassist/internal/model"
)

// Store is the persistence interface used by the API server. It also serves
// the dispatch package as its roster and history collaborators.
type Store interface {
	// Employee roster
	CreateEmployee(ctx context.Context, in model.EmployeeInput) (model.Employee, error)
	GetEmployee(ctx context.Context, id string) (model.Employee, error)
	ListEmployees(ctx context.Context, serviceType model.ServiceType, cursor string, limit int) ([]model.Employee, string, error)
	PatchEmployee(ctx context.Context, id string, in model.EmployeeInput) (model.Employee, error)
	ListAvailable(ctx context.Context, serviceType model.ServiceType) ([]model.Employee, error)
	// Reserve flips availability off if and only if the employee is currently
	// available. Concurrent matches against one employee resolve here.
	Reserve(ctx context.Context, employeeID string) (bool, error)
	Release(ctx context.Context, employeeID string) error

	// Request history
	RecordCompletion(ctx context.Context, r *model.ServiceRequest) error
	ListHistory(ctx context.Context, requesterID, cursor string, limit int) ([]model.ServiceRequest, string, error)
	RequestStats(ctx context.Context) (map[string]any, error)

	// Webhook subscriptions
	CreateSubscription(ctx context.Context, req model.SubscriptionRequest) (model.Subscription, error)
	GetSubscriptionsForEvent(ctx context.Context, tenantID, eventType string) ([]model.Subscription, error)
	ListSubscriptions(ctx context.Context, tenantID, cursor string, limit int) ([]model.Subscription, string, error)
	DeleteSubscription(ctx context.Context, tenantID, id string) error

	// Webhook deliveries
	EnqueueWebhook(ctx context.Context, tenantID, subscriptionID, eventType, url, secret string, payload []byte) (string, error)
	FetchDueWebhookDeliveries(ctx context.Context, limit int) ([]WebhookDelivery, error)
	MarkWebhookDelivery(ctx context.Context, id string, success bool, nextAttemptAt *time.Time, lastError string, responseCode int, latencyMs int) error
	FailWebhookDelivery(ctx context.Context, id string, lastError string, responseCode int, latencyMs int) error
	ListWebhookDeliveries(ctx context.Context, tenantID, status, cursor string, limit int) ([]map[string]any, string, error)
	RetryWebhookDelivery(ctx context.Context, tenantID, id string) error

	// Dead-letter queue
	ListWebhookDLQ(ctx context.Context, tenantID, cursor string, limit int) ([]map[string]any, string, error)
	RequeueWebhookDLQ(ctx context.Context, tenantID, id string) error
}

var ErrNotFound = errors.New("not found")
