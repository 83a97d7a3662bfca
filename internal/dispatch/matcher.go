package dispatch

import (
	"context"
	"math"
	"math/rand"

	"roadassist/internal/model"
)

// Roster is the employee roster collaborator. Concurrent reservation of the
// same employee is resolved here (compare-and-set on availability), not by the
// coordinator.
type Roster interface {
	ListAvailable(ctx context.Context, t model.ServiceType) ([]model.Employee, error)
	Reserve(ctx context.Context, employeeID string) (bool, error)
	Release(ctx context.Context, employeeID string) error
}

// Selector picks one employee from a non-empty qualifying set.
type Selector func(req *model.ServiceRequest, cands []model.Employee) model.Employee

// RandomSelector returns a uniform-random selector seeded from src.
func RandomSelector(src rand.Source) Selector {
	r := rand.New(src)
	return func(_ *model.ServiceRequest, cands []model.Employee) model.Employee {
		return cands[r.Intn(len(cands))]
	}
}

// NearestSelector picks the qualifying employee closest to the requester.
func NearestSelector() Selector {
	return func(req *model.ServiceRequest, cands []model.Employee) model.Employee {
		best := cands[0]
		bd := haversineKm(req.Location, best.Location)
		for _, c := range cands[1:] {
			if d := haversineKm(req.Location, c.Location); d < bd {
				best, bd = c, d
			}
		}
		return best
	}
}

func haversineKm(a, b model.GeoPoint) float64 {
	const r = 6371.0
	la1 := a.Lat * math.Pi / 180
	la2 := b.Lat * math.Pi / 180
	dla := (b.Lat - a.Lat) * math.Pi / 180
	dln := (b.Lng - a.Lng) * math.Pi / 180
	h := math.Sin(dla/2)*math.Sin(dla/2) + math.Cos(la1)*math.Cos(la2)*math.Sin(dln/2)*math.Sin(dln/2)
	return 2 * r * math.Asin(math.Sqrt(h))
}

// Matcher selects an available, non-blacklisted employee for a request.
type Matcher struct {
	Roster Roster
	Select Selector
	// Notify dispatches the request to the candidate and reports acceptance.
	// A false return is a normal outcome: the caller blacklists the candidate
	// and retries. When nil, acceptance is the roster reservation itself.
	Notify func(ctx context.Context, e model.Employee, r *model.ServiceRequest) (bool, error)
}

// FindCandidate returns a qualifying employee for the request, or nil when the
// qualifying set is empty. An empty result is expected, not an error.
func (m *Matcher) FindCandidate(ctx context.Context, r *model.ServiceRequest) (*model.Employee, error) {
	avail, err := m.Roster.ListAvailable(ctx, r.ServiceType)
	if err != nil {
		return nil, err
	}
	cands := make([]model.Employee, 0, len(avail))
	for _, e := range avail {
		if !e.Available || !e.CanServe(r.ServiceType) || r.Blacklisted(e.ID) {
			continue
		}
		cands = append(cands, e)
	}
	if len(cands) == 0 {
		return nil, nil
	}
	picked := m.Select(r, cands)
	return &picked, nil
}

// NotifyCandidate offers the request to the employee. Acceptance reserves the
// employee on the roster; a lost reservation race reads as a decline.
func (m *Matcher) NotifyCandidate(ctx context.Context, e model.Employee, r *model.ServiceRequest) (bool, error) {
	if m.Notify != nil {
		return m.Notify(ctx, e, r)
	}
	return m.Roster.Reserve(ctx, e.ID)
}
