package app

import (
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/calltower/switchboard/internal/core"
	"github.com/calltower/switchboard/internal/domain"
)

// ErrAlreadyClaimed is the first-claim-wins rejection for a losing claim.
var ErrAlreadyClaimed = errors.New("call already claimed")

// CallStore owns the live call session records. All mutations on a given
// session id are serialized behind one mutex, so create/claim/remove are
// linearizable as the relay requires.
type CallStore struct {
	mu    sync.Mutex
	calls map[domain.CallID]*domain.Call
	clock core.Clock
}

func NewCallStore(clock core.Clock) *CallStore {
	return &CallStore{
		calls: make(map[domain.CallID]*domain.Call),
		clock: clock,
	}
}

// Create allocates a fresh session in ringing state and returns a copy.
func (s *CallStore) Create(initiator domain.ConnID, name string, visitor domain.VisitorID, media domain.MediaMode) domain.Call {
	c := &domain.Call{
		ID:            domain.NewCallID(),
		InitiatorConn: initiator,
		InitiatorName: name,
		Visitor:       visitor,
		Media:         media,
		Status:        domain.StatusRinging,
		CreatedAt:     s.clock.Now(),
	}
	s.mu.Lock()
	s.calls[c.ID] = c
	s.mu.Unlock()
	log.Info().Str("module", "app.calls").Str("call", c.ID.String()).Str("media", string(media)).Msg("call created")
	return *c
}

// Get returns a copy of the session record.
func (s *CallStore) Get(id domain.CallID) (domain.Call, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.calls[id]; ok {
		return *c, true
	}
	return domain.Call{}, false
}

// Claim atomically binds the owner connection and moves ringing -> connecting.
// Exactly one concurrent claim can win; losers observe ErrAlreadyClaimed, or
// ErrSessionGone if the session was meanwhile removed.
func (s *CallStore) Claim(id domain.CallID, owner domain.ConnID) (domain.Call, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.calls[id]
	if !ok {
		return domain.Call{}, domain.ErrSessionGone
	}
	if c.OwnerConn != "" || c.Status != domain.StatusRinging {
		if c.OwnerConn != "" && c.Status == domain.StatusRinging {
			// A claimed call must have left ringing in the same critical
			// section. Seeing otherwise means the store lost its atomicity.
			log.Panic().Str("module", "app.calls").Str("call", id.String()).Msg("invariant violation: claimed call still ringing")
		}
		return *c, ErrAlreadyClaimed
	}
	c.OwnerConn = owner
	c.Status = domain.StatusConnecting
	log.Info().Str("module", "app.calls").Str("call", id.String()).Str("owner_conn", string(owner)).Msg("call claimed")
	return *c, nil
}

// Advance moves the session status strictly forward. Reverse or sideways
// moves are rejected without touching the record.
func (s *CallStore) Advance(id domain.CallID, next domain.CallStatus) (domain.Call, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.calls[id]
	if !ok {
		return domain.Call{}, domain.ErrSessionGone
	}
	if !c.Status.CanAdvance(next) {
		return *c, domain.ErrSessionGone
	}
	c.Status = next
	return *c, nil
}

// Remove deletes the session. Idempotent: a duplicate removal (racing
// disconnect and decline, reaper vs. hangup) reports ok=false, no error.
func (s *CallStore) Remove(id domain.CallID) (domain.Call, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.calls[id]
	if !ok {
		return domain.Call{}, false
	}
	delete(s.calls, id)
	log.Info().Str("module", "app.calls").Str("call", id.String()).Msg("call removed")
	return *c, true
}

// Expired returns the ids of sessions created before the cutoff. The reaper
// gets this iterate capability instead of raw map access so the store's
// invariants hold under sweep-triggered removal.
func (s *CallStore) Expired(cutoff time.Time) []domain.CallID {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.CallID
	for id, c := range s.calls {
		if c.CreatedAt.Before(cutoff) {
			out = append(out, id)
		}
	}
	return out
}

// Len reports the number of live sessions.
func (s *CallStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.calls)
}
