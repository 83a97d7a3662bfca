// Package api implements HTTP handlers and helpers for the roadside
// assistance dispatch service.
package api

import (
	"net/http"
	"strings"
)

type Principal struct {
	Tenant     string
	Role       string // admin, support, employee, customer
	EmployeeID string
}

// getPrincipal extracts tenant and role from JWT or headers.
// - If Authorization: Bearer is present, uses configured verifier (dev/hmac/jwks).
// - Else falls back to headers for dev.
func (s *Server) getPrincipal(r *http.Request) Principal {
	authz := r.Header.Get("Authorization")
	if strings.HasPrefix(strings.ToLower(authz), "bearer ") && s.Auth != nil {
		tok := strings.TrimSpace(authz[len("Bearer "):])
		if pr, err := s.Auth.Verify(tok); err == nil {
			return Principal{Tenant: pr.Tenant, Role: pr.Role, EmployeeID: pr.EmployeeID}
		}
	}
	tenant := r.Header.Get("X-Tenant-Id")
	role := r.Header.Get("X-Role")
	employeeID := r.Header.Get("X-Employee-Id")
	if tenant == "" {
		tenant = "t_demo"
	}
	if role == "" {
		role = "admin"
	}
	return Principal{Tenant: tenant, Role: role, EmployeeID: employeeID}
}

// IsAdmin reports whether the principal has the admin role.
func (p Principal) IsAdmin() bool { return p.Role == "admin" }

// IsStaff reports whether the principal works one of the back-office portals.
func (p Principal) IsStaff() bool { return p.Role == "admin" || p.Role == "support" }
