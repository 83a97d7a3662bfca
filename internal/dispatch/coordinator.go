// Package dispatch implements the service-request lifecycle: employee
// matching, quote negotiation and the state machine coordinating them.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"

	"roadassist/internal/model"
)

var (
	// ErrRequestActive is returned when a request is created while another is
	// still in flight on the same coordinator.
	ErrRequestActive = errors.New("dispatch: a service request is already active")
	// ErrNoActiveRequest is returned by decision calls with nothing in flight.
	ErrNoActiveRequest = errors.New("dispatch: no active service request")
	// ErrNoQuote is returned when accepting or declining without a quote
	// awaiting decision.
	ErrNoQuote = errors.New("dispatch: no quote awaiting decision")
	// ErrTerminalState is returned for decisions against a finished request.
	ErrTerminalState = errors.New("dispatch: request already in a terminal state")
)

// History records completed requests. Failures are logged, never surfaced.
type History interface {
	RecordCompletion(ctx context.Context, r *model.ServiceRequest) error
}

// Delays are the simulated suspension points of the lifecycle. Jitter values
// add a uniform random extension to the base delay.
type Delays struct {
	Search       time.Duration
	SearchJitter time.Duration
	Quote        time.Duration
	QuoteJitter  time.Duration
	Revision     time.Duration
	Rematch      time.Duration
	Close        time.Duration
	Start        time.Duration
	Complete     time.Duration
}

// DefaultDelays are the production timings of the dispatch flow.
func DefaultDelays() Delays {
	return Delays{
		Search:       2 * time.Second,
		SearchJitter: time.Second,
		Quote:        time.Second,
		QuoteJitter:  time.Second,
		Revision:     1500 * time.Millisecond,
		Rematch:      2 * time.Second,
		Close:        3 * time.Second,
		Start:        2 * time.Second,
		Complete:     8 * time.Second,
	}
}

// Config wires a Coordinator. Matcher, Quotes, History and Scheduler are
// required; zero Delays fall back to DefaultDelays.
type Config struct {
	Matcher   *Matcher
	Quotes    *Negotiator
	History   History
	Scheduler Scheduler
	Delays    Delays
	Now       func() time.Time
	Rand      rand.Source
}

// Coordinator owns at most one in-flight service request and drives it
// through searching, quoting, negotiation and completion. One coordinator
// serves one requester session; it is not a process-wide singleton.
type Coordinator struct {
	mu      sync.Mutex
	matcher *Matcher
	quotes  *Negotiator
	history History
	sched   Scheduler
	delays  Delays
	now     func() time.Time
	rnd     *rand.Rand

	cur     *model.ServiceRequest
	subs    map[int]func(*model.ServiceRequest)
	nextSub int
}

func New(cfg Config) *Coordinator {
	d := cfg.Delays
	if d == (Delays{}) {
		d = DefaultDelays()
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	src := cfg.Rand
	if src == nil {
		src = rand.NewSource(time.Now().UnixNano())
	}
	return &Coordinator{
		matcher: cfg.Matcher,
		quotes:  cfg.Quotes,
		history: cfg.History,
		sched:   cfg.Scheduler,
		delays:  d,
		now:     now,
		rnd:     rand.New(src),
		subs:    map[int]func(*model.ServiceRequest){},
	}
}

// Subscribe registers a listener called synchronously with a deep copy of the
// request (or nil once it is discarded) on every transition. Listeners run
// under the coordinator lock and must not call back into the coordinator.
func (c *Coordinator) Subscribe(fn func(*model.ServiceRequest)) func() {
	c.mu.Lock()
	c.nextSub++
	id := c.nextSub
	c.subs[id] = fn
	c.mu.Unlock()
	return func() {
		c.mu.Lock()
		delete(c.subs, id)
		c.mu.Unlock()
	}
}

// Current returns a snapshot of the in-flight request, or nil.
func (c *Coordinator) Current() *model.ServiceRequest {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cur.Clone()
}

// CreateRequest starts a new service request. Only one request may be in
// flight per coordinator: a second create while one is active is rejected.
func (c *Coordinator) CreateRequest(ctx context.Context, in model.CreateRequestInput) (string, error) {
	if !in.ServiceType.Valid() {
		return "", fmt.Errorf("dispatch: unknown service type %q", in.ServiceType)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cur != nil {
		if !c.cur.Status.Terminal() {
			return "", ErrRequestActive
		}
		// finished request still waiting on auto-close; close it out so
		// subscribers see the discard before the replacement appears
		c.sched.CancelAll(c.cur.ID)
		c.cur = nil
		c.publishLocked()
	}
	now := c.now().UTC()
	r := &model.ServiceRequest{
		ID:          uuid.New().String(),
		ServiceType: in.ServiceType,
		Status:      model.StatusSearching,
		Location:    in.Location,
		RequesterID: in.RequesterID,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	c.cur = r
	c.publishLocked()
	id := r.ID
	c.sched.After(id, c.jitter(c.delays.Search, c.delays.SearchJitter), func() { c.runSearch(id) })
	return id, nil
}

// AcceptQuote accepts the pending quote and begins the service.
func (c *Coordinator) AcceptQuote(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.decisionGuardLocked(); err != nil {
		return err
	}
	id := c.cur.ID
	c.setStatusLocked(model.StatusAccepted)
	c.sched.After(id, c.delays.Start, func() { c.beginService(id) })
	return nil
}

// DeclineQuote applies the two-strikes policy: the first decline against an
// assignment earns a revised quote from the same employee; any further decline
// blacklists the employee and re-enters search.
func (c *Coordinator) DeclineQuote(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.decisionGuardLocked(); err != nil {
		return err
	}
	r := c.cur
	id := r.ID
	r.DeclineCount++
	if !r.HasRevision {
		r.HasRevision = true
		r.UpdatedAt = c.now().UTC()
		c.publishLocked()
		c.sched.After(id, c.delays.Revision, func() { c.issueQuote(id, true) })
		return nil
	}
	// second strike: exclude this employee for the rest of the request.
	// A revision timer from the first decline may still be pending; drop it
	// so it cannot fire against the next assignment.
	c.sched.CancelAll(id)
	emp := r.Employee
	r.Blacklist = append(r.Blacklist, emp.ID)
	r.Employee = nil
	r.Quote = nil
	r.HasRevision = false
	c.releaseEmployee(emp.ID)
	c.setStatusLocked(model.StatusSearching)
	c.sched.After(id, c.delays.Rematch, func() { c.runSearch(id) })
	return nil
}

// CancelRequest cancels the in-flight request from any non-terminal state and
// stops every pending scheduled callback tied to it.
func (c *Coordinator) CancelRequest(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cur == nil {
		return ErrNoActiveRequest
	}
	if c.cur.Status.Terminal() {
		return ErrTerminalState
	}
	id := c.cur.ID
	c.sched.CancelAll(id)
	if emp := c.cur.Employee; emp != nil {
		c.releaseEmployee(emp.ID)
	}
	c.setStatusLocked(model.StatusCancelled)
	c.cur = nil
	c.publishLocked()
	return nil
}

func (c *Coordinator) decisionGuardLocked() error {
	if c.cur == nil {
		return ErrNoActiveRequest
	}
	if c.cur.Status.Terminal() {
		return ErrTerminalState
	}
	if c.cur.Quote == nil || (c.cur.Status != model.StatusQuoteReceived && c.cur.Status != model.StatusQuoteRevised) {
		return ErrNoQuote
	}
	return nil
}

// runSearch matches an employee for the request, blacklisting candidates that
// decline the notification, until one accepts or the pool is exhausted.
func (c *Coordinator) runSearch(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	r := c.cur
	if r == nil || r.ID != id || r.Status != model.StatusSearching {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for {
		cand, err := c.matcher.FindCandidate(ctx, r)
		if err != nil {
			log.Printf("dispatch: employee search failed for %s: %v", id, err)
			c.sched.After(id, c.delays.Rematch, func() { c.runSearch(id) })
			return
		}
		if cand == nil {
			c.setStatusLocked(model.StatusNoEmployee)
			c.sched.After(id, c.delays.Close, func() { c.discard(id) })
			return
		}
		ok, err := c.matcher.NotifyCandidate(ctx, *cand, r)
		if err != nil {
			log.Printf("dispatch: notify %s failed for %s: %v", cand.ID, id, err)
			c.sched.After(id, c.delays.Rematch, func() { c.runSearch(id) })
			return
		}
		if !ok {
			r.Blacklist = append(r.Blacklist, cand.ID)
			continue
		}
		r.Employee = &model.AssignedEmployee{ID: cand.ID, Name: cand.Name}
		r.UpdatedAt = c.now().UTC()
		c.publishLocked()
		c.sched.After(id, c.jitter(c.delays.Quote, c.delays.QuoteJitter), func() { c.issueQuote(id, false) })
		return
	}
}

// issueQuote generates and attaches a quote, transitioning to quote_received
// or quote_revised.
func (c *Coordinator) issueQuote(id string, revised bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	r := c.cur
	if r == nil || r.ID != id || r.Employee == nil {
		return
	}
	if revised {
		if r.Status != model.StatusQuoteReceived {
			return
		}
	} else if r.Status != model.StatusSearching {
		return
	}
	q := c.quotes.GenerateQuote(r.ServiceType, revised)
	r.Quote = &q
	if revised {
		c.setStatusLocked(model.StatusQuoteRevised)
	} else {
		c.setStatusLocked(model.StatusQuoteReceived)
	}
}

// beginService moves an accepted request into in_progress and schedules
// completion.
func (c *Coordinator) beginService(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	r := c.cur
	if r == nil || r.ID != id || r.Status != model.StatusAccepted {
		return
	}
	c.setStatusLocked(model.StatusInProgress)
	c.sched.After(id, c.delays.Complete, func() { c.complete(id) })
}

// complete finishes the request, records it to history exactly once, then
// discards it so the coordinator can serve the next request.
func (c *Coordinator) complete(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	r := c.cur
	if r == nil || r.ID != id || r.Status != model.StatusInProgress {
		return
	}
	c.sched.CancelAll(id)
	if emp := r.Employee; emp != nil {
		c.releaseEmployee(emp.ID)
	}
	c.setStatusLocked(model.StatusCompleted)
	snapshot := r.Clone()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.history.RecordCompletion(ctx, snapshot); err != nil {
		log.Printf("dispatch: record completion %s: %v", id, err)
	}
	c.cur = nil
	c.publishLocked()
}

// discard drops a request that ended without service (auto-close after
// no_employee_available). Subscribers observe nil.
func (c *Coordinator) discard(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cur == nil || c.cur.ID != id || c.cur.Status != model.StatusNoEmployee {
		return
	}
	c.sched.CancelAll(id)
	c.cur = nil
	c.publishLocked()
}

func (c *Coordinator) releaseEmployee(employeeID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.matcher.Roster.Release(ctx, employeeID); err != nil {
		log.Printf("dispatch: release employee %s: %v", employeeID, err)
	}
}

func (c *Coordinator) setStatusLocked(s model.Status) {
	c.cur.Status = s
	c.cur.UpdatedAt = c.now().UTC()
	c.publishLocked()
}

func (c *Coordinator) publishLocked() {
	snap := c.cur.Clone()
	for _, fn := range c.subs {
		fn(snap)
	}
}

func (c *Coordinator) jitter(base, spread time.Duration) time.Duration {
	if spread <= 0 {
		return base
	}
	return base + time.Duration(c.rnd.Int63n(int64(spread)))
}
