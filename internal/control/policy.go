package control

import (
	"entitysync/internal/session"
	"entitysync/internal/world"
)

// DenyReason classifies why an authorization was refused.
type DenyReason string

const (
	ReasonForbidden DenyReason = "forbidden"
	ReasonNotFound  DenyReason = "notFound"
)

// Decision is the outcome of one authorization check.
type Decision struct {
	Allowed      bool
	Reason       DenyReason
	ControlledBy session.ConnID
}

func Allow() Decision {
	return Decision{Allowed: true}
}

func DenyForbidden(by session.ConnID) Decision {
	return Decision{Reason: ReasonForbidden, ControlledBy: by}
}

func DenyNotFound() Decision {
	return Decision{Reason: ReasonNotFound}
}

// Policy decides whether a requester may act on an entity. Exactly one
// policy occupies the engine's policy slot; ExclusiveControl is one
// implementation of it, not a stacked second layer.
type Policy interface {
	Decide(table *Table, requester session.ConnID, entity world.Entity) Decision
}

// PolicyFunc adapts a plain decision function into a Policy.
type PolicyFunc func(table *Table, requester session.ConnID, entity world.Entity) Decision

func (f PolicyFunc) Decide(table *Table, requester session.ConnID, entity world.Entity) Decision {
	if f == nil {
		return Allow()
	}
	return f(table, requester, entity)
}

// AllowAll authorizes every requester.
type AllowAll struct{}

func (AllowAll) Decide(*Table, session.ConnID, world.Entity) Decision {
	return Allow()
}

// ServerOnly refuses every client; only the server identity mutates state.
// The server short-circuit in Table.Authorize means this policy never sees
// the server itself.
type ServerOnly struct{}

func (ServerOnly) Decide(_ *Table, requester session.ConnID, _ world.Entity) Decision {
	return DenyForbidden(session.ServerConn)
}

// ExclusiveControl authorizes by ownership rows: uncontrolled entities are
// open to everyone, controlled ones only to their owner. With
// PropagateToChildren the nearest explicitly controlled ancestor decides,
// so controlling a system implicitly covers its descendants.
type ExclusiveControl struct {
	PropagateToChildren bool
}

func (p ExclusiveControl) Decide(table *Table, requester session.ConnID, entity world.Entity) Decision {
	owner, holder, found := table.Controller(entity, p.PropagateToChildren)
	if !found {
		return Allow()
	}
	if owner == requester {
		table.Touch(holder)
		return Allow()
	}
	return DenyForbidden(owner)
}
