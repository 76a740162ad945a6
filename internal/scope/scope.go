// Package scope decides which tenants a caller may see and turns that
// decision into a SQL fragment every console query composes with.
//
// A nil *Scope is unrestricted: it is what internal callers pass after they
// have already authorised the request.
package scope

import (
	"context"
	"net"
	"strings"

	"github.com/vesaa/talonops/internal/models"
	"go.uber.org/zap"
)

// Scope is the per-request authorisation result.
// ClientIDs == nil means "no restriction"; an empty, non-nil slice means
// "no access". Only meaningful when IsAdmin is false.
type Scope struct {
	IsAdmin   bool   `json:"is_admin"`
	ClientIDs []uint `json:"client_ids"`
}

// Admin returns an unrestricted scope.
func Admin() *Scope {
	return &Scope{IsAdmin: true}
}

// None returns a scope that matches nothing.
func None() *Scope {
	return &Scope{IsAdmin: false, ClientIDs: []uint{}}
}

// Unrestricted reports whether s lets the caller see every tenant.
func (s *Scope) Unrestricted() bool {
	return s == nil || s.IsAdmin
}

// Allows reports whether clientID is in scope. A nil clientID (unassigned)
// is only visible to unrestricted scopes.
func (s *Scope) Allows(clientID *uint) bool {
	if s.Unrestricted() {
		return true
	}
	if clientID == nil {
		return false
	}
	for _, id := range s.ClientIDs {
		if id == *clientID {
			return true
		}
	}
	return false
}

// User is the authenticated caller, if any.
type User struct {
	ID   uint
	Role models.Role
}

// AssignmentLookup returns the client ids explicitly assigned to a user.
type AssignmentLookup interface {
	ClientIDsForUser(ctx context.Context, userID uint) ([]uint, error)
}

// DeviceLookup returns a device's client id. found is false when the device
// does not exist.
type DeviceLookup interface {
	DeviceClientID(ctx context.Context, deviceID string) (clientID *uint, found bool, err error)
}

// Resolver computes scopes. Lookup failures always fail closed.
type Resolver struct {
	assignments AssignmentLookup
	devices     DeviceLookup
	logger      *zap.Logger
}

// NewResolver creates a Resolver.
func NewResolver(assignments AssignmentLookup, devices DeviceLookup, logger *zap.Logger) *Resolver {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Resolver{assignments: assignments, devices: devices, logger: logger}
}

// TrustedLocalOrigin reports whether addr is the loopback console origin:
// 127.0.0.1, ::1 or ::ffff:127.0.0.1, with or without a port.
// Requests from it are treated as admin without authentication.
func TrustedLocalOrigin(addr string) bool {
	host := strings.TrimSpace(addr)
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	host = strings.TrimSuffix(strings.TrimPrefix(host, "["), "]")
	ip := net.ParseIP(host)
	if ip == nil {
		return false
	}
	// Equal treats ::ffff:127.0.0.1 and 127.0.0.1 as the same address.
	return ip.Equal(net.IPv4(127, 0, 0, 1)) || ip.Equal(net.IPv6loopback)
}

// Resolve derives the scope for a caller. user may be nil.
func (r *Resolver) Resolve(ctx context.Context, callerAddr string, user *User) *Scope {
	if TrustedLocalOrigin(callerAddr) {
		return Admin()
	}
	if user == nil {
		return None()
	}
	if user.Role == models.RoleAdmin {
		return Admin()
	}
	if r.assignments == nil {
		return None()
	}

	ids, err := r.assignments.ClientIDsForUser(ctx, user.ID)
	if err != nil {
		r.logger.Warn("client assignment lookup failed; denying access",
			zap.Uint("user_id", user.ID), zap.Error(err))
		return None()
	}
	if ids == nil {
		ids = []uint{}
	}
	return &Scope{IsAdmin: false, ClientIDs: ids}
}

// Filter renders s as a WHERE fragment over the client_id column.
// alias, when non-empty, qualifies the column ("d" -> "d.client_id").
func Filter(s *Scope, alias string) (string, []any) {
	if s.Unrestricted() {
		return "1=1", nil
	}
	if len(s.ClientIDs) == 0 {
		return "0=1", nil
	}

	column := "client_id"
	if alias != "" {
		column = alias + ".client_id"
	}
	marks := strings.TrimSuffix(strings.Repeat("?,", len(s.ClientIDs)), ",")
	params := make([]any, len(s.ClientIDs))
	for i, id := range s.ClientIDs {
		params[i] = id
	}
	return column + " IN (" + marks + ")", params
}

// IsDeviceInScope reports whether deviceID belongs to a tenant in s.
func (r *Resolver) IsDeviceInScope(ctx context.Context, deviceID string, s *Scope) bool {
	if s.Unrestricted() {
		return true
	}
	if len(s.ClientIDs) == 0 || r.devices == nil {
		return false
	}

	clientID, found, err := r.devices.DeviceClientID(ctx, deviceID)
	if err != nil {
		r.logger.Warn("device scope lookup failed; denying access",
			zap.String("device_id", deviceID), zap.Error(err))
		return false
	}
	if !found {
		return false
	}
	return s.Allows(clientID)
}
