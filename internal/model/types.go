package model

import "time"

// ServiceType identifies the kind of roadside assistance requested.
type ServiceType string

const (
	ServiceFlatTyre   ServiceType = "flat-tyre"
	ServiceOutOfFuel  ServiceType = "out-of-fuel"
	ServiceCarBattery ServiceType = "car-battery"
	ServiceOtherCar   ServiceType = "other-car-problems"
	ServiceTowTruck   ServiceType = "tow-truck"
)

// ServiceTypes lists every dispatchable service type.
var ServiceTypes = []ServiceType{ServiceFlatTyre, ServiceOutOfFuel, ServiceCarBattery, ServiceOtherCar, ServiceTowTruck}

// BasePrices holds the starting price per service type, currency-agnostic units.
var BasePrices = map[ServiceType]int{
	ServiceFlatTyre:   40,
	ServiceOutOfFuel:  30,
	ServiceCarBattery: 60,
	ServiceOtherCar:   50,
	ServiceTowTruck:   100,
}

// Valid reports whether t is a dispatchable service type.
func (t ServiceType) Valid() bool {
	_, ok := BasePrices[t]
	return ok
}

// Status is the lifecycle state of a service request.
type Status string

const (
	StatusSearching     Status = "searching"
	StatusNoEmployee    Status = "no_employee_available"
	StatusQuoteReceived Status = "quote_received"
	StatusQuoteRevised  Status = "quote_revised"
	StatusAccepted      Status = "accepted"
	StatusInProgress    Status = "in_progress"
	StatusCompleted     Status = "completed"
	StatusCancelled     Status = "cancelled"
)

// Terminal reports whether no further transition is possible from s.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled || s == StatusNoEmployee
}

type GeoPoint struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// Quote is a priced offer from the assigned employee. Immutable once issued;
// replaced wholesale on revision, never patched.
type Quote struct {
	Amount   int       `json:"amount"`
	Revised  bool      `json:"isRevised"`
	IssuedAt time.Time `json:"issuedAt"`
}

// AssignedEmployee is the matched employee as seen on a request.
type AssignedEmployee struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// ServiceRequest is one customer ask, owned and mutated only by the dispatch
// coordinator.
type ServiceRequest struct {
	ID           string            `json:"id"`
	ServiceType  ServiceType       `json:"serviceType"`
	Status       Status            `json:"status"`
	Location     GeoPoint          `json:"requesterLocation"`
	RequesterID  string            `json:"requesterId"`
	Quote        *Quote            `json:"currentQuote,omitempty"`
	DeclineCount int               `json:"declineCount"`
	HasRevision  bool              `json:"hasReceivedRevision"`
	Blacklist    []string          `json:"blacklistedEmployees,omitempty"`
	Employee     *AssignedEmployee `json:"assignedEmployee,omitempty"`
	CreatedAt    time.Time         `json:"createdAt"`
	UpdatedAt    time.Time         `json:"updatedAt"`
}

// Blacklisted reports whether employee id is excluded for this request.
func (r *ServiceRequest) Blacklisted(id string) bool {
	for _, b := range r.Blacklist {
		if b == id {
			return true
		}
	}
	return false
}

// Clone returns a deep copy safe to hand to subscribers.
func (r *ServiceRequest) Clone() *ServiceRequest {
	if r == nil {
		return nil
	}
	cp := *r
	cp.Blacklist = append([]string(nil), r.Blacklist...)
	if r.Quote != nil {
		q := *r.Quote
		cp.Quote = &q
	}
	if r.Employee != nil {
		e := *r.Employee
		cp.Employee = &e
	}
	return &cp
}

// Employee is a roster member able to serve one or more service types.
type Employee struct {
	ID          string        `json:"id"`
	Name        string        `json:"name"`
	Location    GeoPoint      `json:"location"`
	Specialties []ServiceType `json:"specialties"`
	Available   bool          `json:"isAvailable"`
}

// CanServe reports whether the employee's specialty set covers t.
func (e Employee) CanServe(t ServiceType) bool {
	for _, s := range e.Specialties {
		if s == t {
			return true
		}
	}
	return false
}

// EmployeeInput is the roster admin write model.
type EmployeeInput struct {
	Name        string        `json:"name"`
	Location    *GeoPoint     `json:"location,omitempty"`
	Specialties []ServiceType `json:"specialties,omitempty"`
	Available   *bool         `json:"isAvailable,omitempty"`
}

// CreateRequestInput is the inbound payload for creating a service request.
type CreateRequestInput struct {
	ServiceType ServiceType `json:"serviceType"`
	Location    GeoPoint    `json:"location"`
	RequesterID string      `json:"requesterId,omitempty"`
}

// SubscriptionRequest registers a webhook endpoint for event types.
type SubscriptionRequest struct {
	TenantID string   `json:"tenantId"`
	URL      string   `json:"url"`
	Events   []string `json:"events"`
	Secret   string   `json:"secret"`
}

type Subscription struct {
	ID       string   `json:"id"`
	TenantID string   `json:"tenantId"`
	URL      string   `json:"url"`
	Events   []string `json:"events"`
	Secret   string   `json:"secret,omitempty"`
}
