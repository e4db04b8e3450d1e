package model

import "strings"

// Role identifies which side of a session a connection speaks for.
type Role string

const (
	RoleFront Role = "front"
	RoleGM    Role = "gm"
)

// Roles lists every role in a stable order.
var Roles = []Role{RoleFront, RoleGM}

// String returns the string representation of the role.
func (r Role) String() string {
	return string(r)
}

// IsValid checks whether the role is a known value.
func (r Role) IsValid() bool {
	switch r {
	case RoleFront, RoleGM:
		return true
	}
	return false
}

// Counterpart returns the opposite role. A gm message is gated on the
// front being online and vice versa.
func (r Role) Counterpart() Role {
	if r == RoleGM {
		return RoleFront
	}
	return RoleGM
}

// ParseRole maps a client-supplied value onto a role. Anything that is not
// "gm" is treated as the front display.
func ParseRole(s string) Role {
	if strings.EqualFold(strings.TrimSpace(s), string(RoleGM)) {
		return RoleGM
	}
	return RoleFront
}

// Status is the liveness of one role within a session.
type Status string

const (
	StatusOnline  Status = "online"
	StatusOffline Status = "offline"
)

// String returns the string representation of the status.
func (s Status) String() string {
	return string(s)
}

// IsValid checks whether the status is a known value.
func (s Status) IsValid() bool {
	switch s {
	case StatusOnline, StatusOffline:
		return true
	}
	return false
}
