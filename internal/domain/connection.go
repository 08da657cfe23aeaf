// Package domain contains the entities of the signaling core, just meta-data
// and identifiers. No transport or lifecycle logic here.
package domain

import "errors"

const MaxDisplayNameLen = 64

var ErrUnauthorizedRole = errors.New("unauthorized role claim")

// ConnID identifies one live transport connection. A new one is minted per
// websocket, so it changes across reconnects.
type ConnID string

// VisitorID is the stable identifier a visitor keeps across reconnects.
// It is supplied by the caller, never minted here.
type VisitorID string

type Role string

const (
	RoleUnassigned Role = "unassigned"
	RoleOwner      Role = "owner"
	RoleVisitor    Role = "visitor"
)

func (r Role) Valid() bool {
	switch r {
	case RoleUnassigned, RoleOwner, RoleVisitor:
		return true
	}
	return false
}

// Connection is the registry's record for one live connection. Constructed at
// registration and mutated only through the registry API.
type Connection struct {
	ID      ConnID
	Role    Role
	Visitor VisitorID // set only when Role == RoleVisitor
	CallID  CallID    // set only while participating in a call session
}
