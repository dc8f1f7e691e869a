package models

import (
	"fmt"
	"strings"
)

// ConnectionID identifies one live transport session. It is generated by the
// transport layer and never reused.
type ConnectionID string

// DriverIdentity is the caller-supplied label of a physical vehicle, stable
// across reconnects (e.g. "Bus 1").
type DriverIdentity string

// Role is assigned once per connection by an explicit join.
type Role string

const (
	RoleNone     Role = ""
	RoleDriver   Role = "driver"
	RoleObserver Role = "observer"
	RoleAdmin    Role = "admin"
)

// ObserverRoles are the roles that receive broadcast presence events.
var ObserverRoles = []Role{RoleObserver, RoleAdmin}

// ParseRole accepts the wire names used by clients. "student" is the name the
// rider app joins with and maps to RoleObserver.
func ParseRole(raw string) (Role, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "driver":
		return RoleDriver, nil
	case "observer", "student":
		return RoleObserver, nil
	case "admin":
		return RoleAdmin, nil
	default:
		return RoleNone, fmt.Errorf("unknown role %q: %w", raw, ErrMalformedInput)
	}
}

// IsObserver reports whether the role receives broadcasts.
func (r Role) IsObserver() bool {
	return r == RoleObserver || r == RoleAdmin
}

// String returns "unjoined" for RoleNone so it reads well in logs and labels.
func (r Role) String() string {
	if r == RoleNone {
		return "unjoined"
	}
	return string(r)
}

// ForceStopTarget names the driver an admin wants to stop. Exactly one of the
// fields is normally set; a bare string from the wire is tried as a
// connection first and as an identity second.
type ForceStopTarget struct {
	Connection ConnectionID
	Identity   DriverIdentity
}

// IsZero reports whether no target was supplied.
func (t ForceStopTarget) IsZero() bool {
	return t.Connection == "" && t.Identity == ""
}
