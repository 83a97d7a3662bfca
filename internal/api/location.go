package api

import (
	"sync"
	"time"

	"roadassist/internal/model"
)

// LocationCache keeps the most recent reported position per employee. Pings
// land here first; the roster row is updated out of band so a burst of pings
// does not hammer the store.
type LocationCache struct {
	mu   sync.Mutex
	last map[string]LocationPing
}

type LocationPing struct {
	EmployeeID string         `json:"employeeId"`
	Location   model.GeoPoint `json:"location"`
	ReportedAt time.Time      `json:"reportedAt"`
}

func NewLocationCache() *LocationCache {
	return &LocationCache{last: map[string]LocationPing{}}
}

func (c *LocationCache) Set(employeeID string, at model.GeoPoint, ts time.Time) {
	c.mu.Lock()
	c.last[employeeID] = LocationPing{EmployeeID: employeeID, Location: at, ReportedAt: ts}
	c.mu.Unlock()
}

func (c *LocationCache) Get(employeeID string) (LocationPing, bool) {
	c.mu.Lock()
	p, ok := c.last[employeeID]
	c.mu.Unlock()
	return p, ok
}
