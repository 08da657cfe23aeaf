package app

import (
	"context"
	"encoding/json"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog/log"

	"github.com/calltower/switchboard/internal/core"
	"github.com/calltower/switchboard/internal/domain"
)

// Outbound event types.
const (
	EvtRinging       = "ringing"
	EvtIncomingCall  = "incoming-call"
	EvtCallAnswered  = "call-answered"
	EvtCreateOffer   = "create-offer"
	EvtCallDeclined  = "call-declined"
	EvtCallCancelled = "call-cancelled"
	EvtCallEnded     = "call-ended"
	EvtTyping        = "typing"
	EvtReadReceipt   = "read-receipt"
)

// CallEvent is the wire shape of every call-control event.
type CallEvent struct {
	Type       string           `json:"type"`
	CallID     domain.CallID    `json:"call_id"`
	CallerName string           `json:"caller_name,omitempty"`
	Media      domain.MediaMode `json:"media,omitempty"`
	Visitor    domain.VisitorID `json:"visitor_id,omitempty"`
	Target     domain.ConnID    `json:"target,omitempty"`
	Reason     domain.EndReason `json:"reason,omitempty"`
}

// SignalEvent carries a forwarded negotiation payload. The payload is opaque:
// the relay only addresses it, never inspects it.
type SignalEvent struct {
	Type    string          `json:"type"`
	CallID  domain.CallID   `json:"call_id"`
	From    domain.ConnID   `json:"from"`
	Payload json.RawMessage `json:"payload"`
}

// ChatEvent carries ephemeral typing/read-receipt signals. Never persisted.
type ChatEvent struct {
	Type           string           `json:"type"`
	ConversationID string           `json:"conversation_id"`
	Visitor        domain.VisitorID `json:"visitor_id,omitempty"`
	State          string           `json:"state,omitempty"`
	MessageID      string           `json:"message_id,omitempty"`
}

// Relay is the signaling state machine. It mutates registry/store state
// synchronously, emits peer events through the broadcaster, and hands
// notification side effects to collaborators without waiting on them.
type Relay struct {
	Registry *Registry
	Calls    *CallStore
	Cast     *Broadcaster
	Notify   core.Notifier
	Convos   core.ConversationResolver
}

func NewRelay(reg *Registry, calls *CallStore, cast *Broadcaster, notify core.Notifier, convos core.ConversationResolver) *Relay {
	return &Relay{Registry: reg, Calls: calls, Cast: cast, Notify: notify, Convos: convos}
}

// notify dispatches a fire-and-forget notification. A collaborator failure
// is the collaborator's problem; it never reaches the state machine.
func (r *Relay) notify(ev core.NotificationEvent) {
	if r.Notify == nil {
		return
	}
	go r.Notify.Notify(context.Background(), ev)
}

// Register assigns the connection's role. Owner claims pass through the
// authentication collaborator's verdict (authed).
func (r *Relay) Register(conn domain.ConnID, role domain.Role, visitor domain.VisitorID, authed bool) (domain.Connection, error) {
	return r.Registry.Register(conn, role, visitor, authed)
}

// InitiateCall creates a ringing session for a visitor connection, notifies
// the owner group and acks the initiator.
func (r *Relay) InitiateCall(conn domain.ConnID, callerName string, media domain.MediaMode) (domain.Call, error) {
	rec, ok := r.Registry.Get(conn)
	if !ok {
		return domain.Call{}, domain.ErrMalformedTarget
	}
	if rec.Role != domain.RoleVisitor {
		return domain.Call{}, domain.ErrUnauthorizedRole
	}
	if rec.CallID != "" {
		return domain.Call{}, domain.ErrDuplicateSession
	}
	if len(callerName) > domain.MaxDisplayNameLen {
		cut := domain.MaxDisplayNameLen
		for cut > 0 && !utf8.RuneStart(callerName[cut]) {
			cut--
		}
		callerName = callerName[:cut]
	}
	if media != domain.MediaVideo {
		media = domain.MediaVoice
	}

	call := r.Calls.Create(conn, callerName, rec.Visitor, media)
	r.Registry.SetCall(conn, call.ID)

	r.Cast.ToOwners(CallEvent{
		Type:       EvtIncomingCall,
		CallID:     call.ID,
		CallerName: call.InitiatorName,
		Media:      call.Media,
		Visitor:    call.Visitor,
	})
	_ = r.Cast.ToConn(conn, CallEvent{Type: EvtRinging, CallID: call.ID})

	kind := core.NotifyIncomingCall
	if media == domain.MediaVideo {
		kind = core.NotifyIncomingVideoCall
	}
	r.notify(core.NotificationEvent{Kind: kind, DisplayName: call.InitiatorName, CallID: call.ID})

	return call, nil
}

// AnswerCall claims the session for an owner connection. First claim wins;
// the answering side is instructed to produce the negotiation offer, keeping
// the owner device authoritative for the first negotiation message.
func (r *Relay) AnswerCall(conn domain.ConnID, id domain.CallID) error {
	rec, ok := r.Registry.Get(conn)
	if !ok {
		return domain.ErrMalformedTarget
	}
	if rec.Role != domain.RoleOwner {
		return domain.ErrUnauthorizedRole
	}
	if rec.CallID != "" && rec.CallID != id {
		if _, live := r.Calls.Get(rec.CallID); live {
			return domain.ErrDuplicateSession
		}
		// Stale binding to a session torn down mid-answer; drop it so the
		// connection can answer again.
		r.Registry.ClearCall(conn, rec.CallID)
	}

	call, err := r.Calls.Claim(id, conn)
	if err != nil {
		return err
	}
	r.Registry.SetCall(conn, call.ID)
	if _, live := r.Calls.Get(call.ID); !live {
		// The session was removed between claim and bind (racing decline,
		// initiator disconnect, reaper). Its teardown ran unbind before this
		// connection was bound, so the binding must be cleared here.
		r.Registry.ClearCall(conn, call.ID)
		return domain.ErrSessionGone
	}

	_ = r.Cast.ToConn(call.InitiatorConn, CallEvent{Type: EvtCallAnswered, CallID: call.ID})
	_ = r.Cast.ToConn(conn, CallEvent{Type: EvtCreateOffer, CallID: call.ID, Target: call.InitiatorConn})
	return nil
}

// DeclineCall removes the session and tells the initiator.
func (r *Relay) DeclineCall(conn domain.ConnID, id domain.CallID) error {
	call, ok := r.Calls.Remove(id)
	if !ok {
		return domain.ErrSessionGone
	}
	r.unbind(call)
	_ = r.Cast.ToConn(call.InitiatorConn, CallEvent{Type: EvtCallDeclined, CallID: call.ID, Reason: domain.ReasonDeclined})
	log.Info().Str("module", "app.relay").Str("call", call.ID.String()).Str("conn", string(conn)).Msg("call declined")
	return nil
}

// CancelCall removes the session on behalf of its initiator and tells the
// owner group the ring is over.
func (r *Relay) CancelCall(conn domain.ConnID, id domain.CallID) error {
	call, ok := r.Calls.Get(id)
	if !ok {
		return domain.ErrSessionGone
	}
	if call.InitiatorConn != conn {
		return domain.ErrUnauthorizedRole
	}
	call, ok = r.Calls.Remove(id)
	if !ok {
		return domain.ErrSessionGone
	}
	r.unbind(call)
	r.Cast.ToOwners(CallEvent{Type: EvtCallCancelled, CallID: call.ID, Reason: domain.ReasonCancelled})
	return nil
}

// Forward relays an opaque negotiation payload (offer/answer/ice-candidate)
// to the named target connection. The first forwarded answer marks the
// session connected from the signaling plane's point of view.
func (r *Relay) Forward(conn domain.ConnID, kind string, id domain.CallID, target domain.ConnID, payload json.RawMessage) error {
	call, ok := r.Calls.Get(id)
	if !ok {
		return domain.ErrSessionGone
	}
	if !call.IsParticipant(conn) {
		return domain.ErrUnauthorizedRole
	}
	if target == "" || !call.IsParticipant(target) {
		return domain.ErrMalformedTarget
	}

	if kind == "answer" && call.Status == domain.StatusConnecting {
		// Racing a terminal transition here is fine, the forward below is
		// already best-effort.
		_, _ = r.Calls.Advance(id, domain.StatusConnected)
	}

	return r.Cast.ToConn(target, SignalEvent{Type: kind, CallID: id, From: conn, Payload: payload})
}

// EndCall removes the session and broadcasts call-ended to whichever
// participants are assigned.
func (r *Relay) EndCall(conn domain.ConnID, id domain.CallID) error {
	call, ok := r.Calls.Remove(id)
	if !ok {
		return domain.ErrSessionGone
	}
	r.unbind(call)
	ev := CallEvent{Type: EvtCallEnded, CallID: call.ID, Reason: domain.ReasonEnded}
	for _, p := range call.Participants() {
		_ = r.Cast.ToConn(p, ev)
	}
	log.Info().Str("module", "app.relay").Str("call", call.ID.String()).Str("conn", string(conn)).Msg("call ended")
	return nil
}

// OnDisconnect resolves any session the dropped connection participated in.
// It is the only cancellation signal in the core and must be called exactly
// once per disconnect.
func (r *Relay) OnDisconnect(conn domain.ConnID) {
	callID, ok := r.Registry.Drop(conn)
	if !ok || callID == "" {
		return
	}
	call, ok := r.Calls.Remove(callID)
	if !ok {
		// Already torn down by a racing transition.
		return
	}
	ev := CallEvent{Type: EvtCallEnded, CallID: call.ID, Reason: domain.ReasonPeerGone}
	for _, p := range call.Participants() {
		if p == conn {
			continue
		}
		r.Registry.ClearCall(p, call.ID)
		_ = r.Cast.ToConn(p, ev)
	}
	log.Info().Str("module", "app.relay").Str("call", call.ID.String()).Str("conn", string(conn)).Msg("call torn down on disconnect")
}

// ReapExpired force-ends every session older than maxAge. Sessions removed
// by a normal transition between sweep-start and processing are skipped.
func (r *Relay) ReapExpired(now time.Time, maxAge time.Duration) int {
	reaped := 0
	for _, id := range r.Calls.Expired(now.Add(-maxAge)) {
		call, ok := r.Calls.Remove(id)
		if !ok {
			continue
		}
		r.unbind(call)
		ev := CallEvent{Type: EvtCallEnded, CallID: call.ID, Reason: domain.ReasonTimeout}
		for _, p := range call.Participants() {
			_ = r.Cast.ToConn(p, ev)
		}
		log.Warn().Str("module", "app.relay").Str("call", call.ID.String()).Msg("call reaped after max lifetime")
		reaped++
	}
	return reaped
}

// Typing forwards an ephemeral typing signal between the owner group and a
// visitor channel.
func (r *Relay) Typing(conn domain.ConnID, conversation string, visitor domain.VisitorID, state string) error {
	return r.forwardChat(conn, visitor, ChatEvent{Type: EvtTyping, ConversationID: conversation, State: state})
}

// ReadReceipt forwards a message-read notification the same way.
func (r *Relay) ReadReceipt(conn domain.ConnID, conversation string, visitor domain.VisitorID, messageID string) error {
	return r.forwardChat(conn, visitor, ChatEvent{Type: EvtReadReceipt, ConversationID: conversation, MessageID: messageID})
}

func (r *Relay) forwardChat(conn domain.ConnID, visitor domain.VisitorID, ev ChatEvent) error {
	rec, ok := r.Registry.Get(conn)
	if !ok {
		return domain.ErrMalformedTarget
	}
	switch rec.Role {
	case domain.RoleVisitor:
		ev.Visitor = rec.Visitor
		if ev.ConversationID == "" {
			if err := r.resolveConversation(rec.Visitor, &ev); err != nil {
				return err
			}
		}
		r.Cast.ToOwners(ev)
		return nil
	case domain.RoleOwner:
		if visitor == "" {
			return domain.ErrMalformedTarget
		}
		ev.Visitor = visitor
		if ev.ConversationID == "" {
			if err := r.resolveConversation(visitor, &ev); err != nil {
				return err
			}
		}
		r.Cast.ToVisitor(visitor, ev)
		return nil
	default:
		return domain.ErrUnauthorizedRole
	}
}

func (r *Relay) resolveConversation(visitor domain.VisitorID, ev *ChatEvent) error {
	if r.Convos == nil {
		return domain.ErrMalformedTarget
	}
	id, err := r.Convos.Resolve(visitor)
	if err != nil {
		log.Warn().Err(err).Str("module", "app.relay").Str("visitor", string(visitor)).Msg("conversation resolve failed, dropping signal")
		return domain.ErrMalformedTarget
	}
	ev.ConversationID = id
	return nil
}

// unbind clears call back-references from both participant records.
func (r *Relay) unbind(call domain.Call) {
	for _, p := range call.Participants() {
		r.Registry.ClearCall(p, call.ID)
	}
}
