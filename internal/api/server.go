package api

import (
	"context"
	"log"
	"math/rand"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"roadassist/internal/auth"
	"roadassist/internal/config"
	"roadassist/internal/dispatch"
	"roadassist/internal/metrics"
	"roadassist/internal/model"
	"roadassist/internal/store"
	"roadassist/internal/webhooks"
)

type Server struct {
	Store  store.Store
	Pub    *webhooks.Publisher
	Auth   *auth.Verifier
	Broker EventBroker

	// Locations caches last-seen employee positions for dispatch proximity.
	Locations *LocationCache

	// Delays and Selector are fixed at server start and apply to every
	// coordinator created afterwards.
	Delays   dispatch.Delays
	Selector dispatch.Selector

	mu     sync.Mutex
	sched  *dispatch.TimerScheduler
	coords map[string]*dispatch.Coordinator // tenant|requesterId
}

// NewServer creates a Server. If DATABASE_URL is unset, uses in-memory store.
func NewServer() (*Server, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	var s store.Store
	if strings.TrimSpace(cfg.DatabaseURL) == "" {
		s = store.NewMemory()
	} else {
		sp, err := store.NewPostgres(cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		// Run migrations (dev helper)
		if os.Getenv("DB_MIGRATE") != "false" {
			_ = sp.MigrateDir("db/migrations")
		}
		s = sp
	}
	var broker EventBroker
	if cfg.RedisURL != "" {
		if rb, err := NewRedisBroker(cfg.RedisURL); err == nil {
			broker = rb
		} else {
			log.Printf("redis broker unavailable, falling back to in-memory: %v", err)
			broker = NewBroker()
		}
	} else {
		broker = NewBroker()
	}
	sel := dispatch.RandomSelector(rand.NewSource(time.Now().UnixNano()))
	if os.Getenv("MATCH_POLICY") == "nearest" {
		sel = dispatch.NearestSelector()
	}
	metrics.RegisterDefault()
	return &Server{
		Store:     s,
		Pub:       webhooks.NewPublisher(s),
		Auth:      auth.NewVerifier(cfg.AuthMode),
		Broker:    broker,
		Locations: NewLocationCache(),
		Delays:    dispatch.DefaultDelays(),
		Selector:  sel,
		sched:     dispatch.NewTimerScheduler(),
		coords:    map[string]*dispatch.Coordinator{},
	}, nil
}

func (s *Server) withTenant(r *http.Request) (context.Context, string) {
	p := s.getPrincipal(r)
	ctx := context.WithValue(r.Context(), ctxKeyTenant{}, p.Tenant)
	return ctx, p.Tenant
}

type ctxKeyTenant struct{}

// requesterFrom identifies the caller's request slot. Authenticated callers
// are keyed by subject; anonymous dev traffic shares one slot per tenant.
func requesterFrom(r *http.Request, p Principal) string {
	if v := r.Header.Get("X-Requester-Id"); v != "" {
		return v
	}
	if p.EmployeeID != "" {
		return p.EmployeeID
	}
	return "anonymous"
}

// coordinatorFor returns the lifecycle coordinator owning this requester's
// single request slot, creating it on first use.
func (s *Server) coordinatorFor(tenant, requesterID string) *dispatch.Coordinator {
	key := tenant + "|" + requesterID
	s.mu.Lock()
	defer s.mu.Unlock()
	if co, ok := s.coords[key]; ok {
		return co
	}
	co := dispatch.New(dispatch.Config{
		Matcher:   &dispatch.Matcher{Roster: s.Store, Select: s.Selector},
		Quotes:    dispatch.NewNegotiator(nil, nil),
		History:   s.Store,
		Scheduler: s.sched,
		Delays:    s.Delays,
	})
	s.watchLifecycle(tenant, requesterID, co)
	s.coords[key] = co
	return co
}

// watchLifecycle fans coordinator snapshots out to the SSE broker, webhook
// publisher and metrics. It runs inside the coordinator's notification path,
// so it must not call back into the coordinator.
func (s *Server) watchLifecycle(tenant, requesterID string, co *dispatch.Coordinator) {
	var prev *model.ServiceRequest
	co.Subscribe(func(cur *model.ServiceRequest) {
		if cur == nil {
			if prev != nil {
				s.Broker.Publish(prev.ID, SSEEvent{Type: "request.closed", Data: map[string]any{"requestId": prev.ID}})
			}
			prev = nil
			return
		}
		data := requestEventData(requesterID, cur)
		evt := transitionEvent(prev, cur)
		if evt == "" {
			s.Broker.Publish(cur.ID, SSEEvent{Type: "request.updated", Data: data})
			prev = cur
			return
		}
		metrics.RequestTransitions.WithLabelValues(string(cur.ServiceType), string(cur.Status)).Inc()
		if cur.Quote != nil && (evt == webhooks.EventQuoteIssued || evt == webhooks.EventQuoteRevised) {
			metrics.QuoteAmounts.WithLabelValues(string(cur.ServiceType), strconv.FormatBool(cur.Quote.Revised)).Observe(float64(cur.Quote.Amount))
		}
		s.Broker.Publish(cur.ID, SSEEvent{Type: evt, Data: data})
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		s.Pub.Emit(ctx, tenant, evt, data)
		cancel()
		prev = cur
	})
}

// transitionEvent names the externally visible event for a snapshot change,
// or "" for internal churn (such as re-entering the search after a strike).
func transitionEvent(prev, cur *model.ServiceRequest) string {
	if prev == nil {
		return webhooks.EventRequestCreated
	}
	if prev.Status == cur.Status {
		if prev.Employee == nil && cur.Employee != nil {
			return webhooks.EventRequestMatched
		}
		return ""
	}
	switch cur.Status {
	case model.StatusQuoteReceived:
		return webhooks.EventQuoteIssued
	case model.StatusQuoteRevised:
		return webhooks.EventQuoteRevised
	case model.StatusAccepted:
		return webhooks.EventRequestAccepted
	case model.StatusInProgress:
		return webhooks.EventRequestInProgress
	case model.StatusCompleted:
		return webhooks.EventRequestCompleted
	case model.StatusCancelled:
		return webhooks.EventRequestCancelled
	case model.StatusNoEmployee:
		return webhooks.EventRequestUnserviceable
	}
	return ""
}

func requestEventData(requesterID string, r *model.ServiceRequest) map[string]any {
	return map[string]any{
		"requestId":   r.ID,
		"requesterId": requesterID,
		"status":      string(r.Status),
		"request":     r,
	}
}

// NewWebhookWorker creates a background worker for webhook deliveries.
func (s *Server) NewWebhookWorker() *webhooks.Worker {
	return webhooks.NewWorker(s.Store)
}
