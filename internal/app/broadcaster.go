package app

import (
	"encoding/json"

	"github.com/rs/zerolog/log"

	"github.com/calltower/switchboard/internal/core"
	"github.com/calltower/switchboard/internal/domain"
)

// Broadcaster delivers an encoded event to a single connection, the owner
// group, or a visitor's channel. Delivery is best-effort and at-most-once:
// no retry, no acknowledgment. A dead target drops the event with a log line.
type Broadcaster struct {
	reg *Registry
}

func NewBroadcaster(reg *Registry) *Broadcaster {
	return &Broadcaster{reg: reg}
}

func (b *Broadcaster) encode(v any) (core.Frame, bool) {
	data, err := json.Marshal(v)
	if err != nil {
		log.Error().Err(err).Str("module", "app.cast").Msg("event marshal")
		return nil, false
	}
	return core.Frame(data), true
}

// ToConn sends one event to one connection. Returns ErrMalformedTarget when
// the connection cannot be resolved.
func (b *Broadcaster) ToConn(id domain.ConnID, v any) error {
	frame, ok := b.encode(v)
	if !ok {
		return nil
	}
	sig, ok := b.reg.Signal(id)
	if !ok {
		log.Warn().Str("module", "app.cast").Str("conn", string(id)).Msg("target not resolvable, dropping event")
		return domain.ErrMalformedTarget
	}
	if err := sig.TrySend(frame); err != nil {
		log.Warn().Err(err).Str("module", "app.cast").Str("conn", string(id)).Msg("send failed, dropping event")
	}
	return nil
}

// ToOwners fans out to every connection registered with the owner role and
// reports how many were reached.
func (b *Broadcaster) ToOwners(v any) int {
	frame, ok := b.encode(v)
	if !ok {
		return 0
	}
	sent := 0
	for _, snap := range b.reg.Owners() {
		if err := snap.Signal.TrySend(frame); err != nil {
			log.Warn().Err(err).Str("module", "app.cast").Str("conn", string(snap.ID)).Msg("owner send failed, dropping event")
			continue
		}
		sent++
	}
	return sent
}

// ToVisitor fans out to every connection currently bound to the visitor id.
func (b *Broadcaster) ToVisitor(visitor domain.VisitorID, v any) int {
	frame, ok := b.encode(v)
	if !ok {
		return 0
	}
	sent := 0
	for _, snap := range b.reg.VisitorChannel(visitor) {
		if err := snap.Signal.TrySend(frame); err != nil {
			log.Warn().Err(err).Str("module", "app.cast").Str("conn", string(snap.ID)).Msg("visitor send failed, dropping event")
			continue
		}
		sent++
	}
	return sent
}
