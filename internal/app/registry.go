package app

import (
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/calltower/switchboard/internal/core"
	"github.com/calltower/switchboard/internal/domain"
)

type connEntry struct {
	rec    domain.Connection
	signal core.SignalConnection
}

// Registry is the authoritative map from connection id to role, visitor
// binding and current call id. It emits no events of its own; side effects
// are observable only through subsequent broadcast or relay calls.
type Registry struct {
	mu    sync.RWMutex
	conns map[domain.ConnID]*connEntry
}

func NewRegistry() *Registry {
	return &Registry{conns: make(map[domain.ConnID]*connEntry)}
}

// Add tracks a freshly accepted transport connection in the unassigned role.
func (r *Registry) Add(id domain.ConnID, sig core.SignalConnection) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.conns[id] = &connEntry{
		rec:    domain.Connection{ID: id, Role: domain.RoleUnassigned},
		signal: sig,
	}
	log.Info().Str("module", "app.registry").Str("conn", string(id)).Msg("connection added")
}

// Register assigns role and visitor binding. Idempotent: re-registering the
// same connection updates both. The authed flag comes from the authentication
// collaborator; an owner claim without it leaves the connection unassigned.
func (r *Registry) Register(id domain.ConnID, role domain.Role, visitor domain.VisitorID, authed bool) (domain.Connection, error) {
	if role == domain.RoleOwner && !authed {
		log.Warn().Str("module", "app.registry").Str("conn", string(id)).Msg("owner role claim without auth, ignoring")
		return domain.Connection{}, domain.ErrUnauthorizedRole
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.conns[id]
	if !ok {
		return domain.Connection{}, domain.ErrMalformedTarget
	}
	e.rec.Role = role
	if role == domain.RoleVisitor {
		e.rec.Visitor = visitor
	} else {
		e.rec.Visitor = ""
	}
	log.Info().Str("module", "app.registry").Str("conn", string(id)).Str("role", string(role)).Msg("connection registered")
	return e.rec, nil
}

// Get returns a copy of the connection record.
func (r *Registry) Get(id domain.ConnID) (domain.Connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if e, ok := r.conns[id]; ok {
		return e.rec, true
	}
	return domain.Connection{}, false
}

// Signal returns the transport endpoint of a live connection.
func (r *Registry) Signal(id domain.ConnID) (core.SignalConnection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if e, ok := r.conns[id]; ok {
		return e.signal, true
	}
	return nil, false
}

// connSnap pairs a connection id with its transport for fan-out.
type connSnap struct {
	ID     domain.ConnID
	Signal core.SignalConnection
}

// Owners snapshots every connection currently holding the owner role.
func (r *Registry) Owners() []connSnap {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]connSnap, 0, len(r.conns))
	for id, e := range r.conns {
		if e.rec.Role == domain.RoleOwner {
			out = append(out, connSnap{ID: id, Signal: e.signal})
		}
	}
	return out
}

// VisitorChannel snapshots every connection bound to a visitor id. A visitor
// may reconnect under a new connection id, so addressing goes by visitor id.
func (r *Registry) VisitorChannel(visitor domain.VisitorID) []connSnap {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]connSnap, 0, 1)
	for id, e := range r.conns {
		if e.rec.Role == domain.RoleVisitor && e.rec.Visitor == visitor {
			out = append(out, connSnap{ID: id, Signal: e.signal})
		}
	}
	return out
}

// SetCall binds the connection to its active call session.
func (r *Registry) SetCall(id domain.ConnID, call domain.CallID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.conns[id]
	if !ok {
		return false
	}
	e.rec.CallID = call
	return true
}

// ClearCall unbinds the connection from a call session. A no-op when the
// connection is gone or meanwhile bound to a different session.
func (r *Registry) ClearCall(id domain.ConnID, call domain.CallID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.conns[id]; ok && e.rec.CallID == call {
		e.rec.CallID = ""
	}
}

// Drop removes the connection and returns its last-known call id so the
// caller can trigger session teardown. Called exactly once per disconnect.
func (r *Registry) Drop(id domain.ConnID) (domain.CallID, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.conns[id]
	if !ok {
		return "", false
	}
	delete(r.conns, id)
	log.Info().Str("module", "app.registry").Str("conn", string(id)).Msg("connection dropped")
	return e.rec.CallID, true
}

// Len reports the number of live connections.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}
