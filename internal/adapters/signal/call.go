package signal

import (
	"encoding/json"

	"github.com/rs/zerolog/log"

	"github.com/calltower/switchboard/internal/domain"
)

func (ctl *Controller) handleInitiate(
	connID domain.ConnID,
	conn *wsSignalConn,
	data []byte,
) {
	type initiatePayload struct {
		Type       string `json:"type"`
		CallerName string `json:"caller_name"`
		Media      string `json:"media"`
	}
	var p initiatePayload
	if err := json.Unmarshal(data, &p); err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("bad initiate payload")
		ctl.sendErrorCode(conn, "bad_payload", "malformed initiate payload")
		return
	}

	if _, err := ctl.Relay.InitiateCall(connID, p.CallerName, domain.MediaMode(p.Media)); err != nil {
		log.Warn().Err(err).Str("module", "signal").Str("conn", string(connID)).Msg("initiate rejected")
		ctl.sendError(conn, err)
	}
}

// callRef is the shared shape of answer/decline/cancel/end payloads.
type callRef struct {
	Type   string        `json:"type"`
	CallID domain.CallID `json:"call_id"`
}

func (ctl *Controller) decodeCallRef(conn *wsSignalConn, data []byte) (callRef, bool) {
	var p callRef
	if err := json.Unmarshal(data, &p); err != nil || p.CallID == "" {
		log.Error().Str("module", "signal").Msg("bad call payload")
		ctl.sendErrorCode(conn, "bad_payload", "call_id required")
		return callRef{}, false
	}
	return p, true
}

func (ctl *Controller) handleAnswer(connID domain.ConnID, conn *wsSignalConn, data []byte) {
	p, ok := ctl.decodeCallRef(conn, data)
	if !ok {
		return
	}
	if err := ctl.Relay.AnswerCall(connID, p.CallID); err != nil {
		log.Warn().Err(err).Str("module", "signal").Str("call", p.CallID.String()).Msg("answer rejected")
		ctl.sendError(conn, err)
	}
}

func (ctl *Controller) handleDecline(connID domain.ConnID, conn *wsSignalConn, data []byte) {
	p, ok := ctl.decodeCallRef(conn, data)
	if !ok {
		return
	}
	if err := ctl.Relay.DeclineCall(connID, p.CallID); err != nil {
		ctl.sendError(conn, err)
	}
}

func (ctl *Controller) handleCancel(connID domain.ConnID, conn *wsSignalConn, data []byte) {
	p, ok := ctl.decodeCallRef(conn, data)
	if !ok {
		return
	}
	if err := ctl.Relay.CancelCall(connID, p.CallID); err != nil {
		ctl.sendError(conn, err)
	}
}

func (ctl *Controller) handleEnd(connID domain.ConnID, conn *wsSignalConn, data []byte) {
	p, ok := ctl.decodeCallRef(conn, data)
	if !ok {
		return
	}
	if err := ctl.Relay.EndCall(connID, p.CallID); err != nil {
		ctl.sendError(conn, err)
	}
}

// handleNegotiation forwards offer/answer/ice-candidate payloads untouched.
func (ctl *Controller) handleNegotiation(
	connID domain.ConnID,
	conn *wsSignalConn,
	kind string,
	data []byte,
) {
	type negotiationPayload struct {
		Type    string          `json:"type"`
		CallID  domain.CallID   `json:"call_id"`
		Target  domain.ConnID   `json:"target"`
		Payload json.RawMessage `json:"payload"`
	}
	var p negotiationPayload
	if err := json.Unmarshal(data, &p); err != nil || p.CallID == "" {
		log.Error().Str("module", "signal").Str("kind", kind).Msg("bad negotiation payload")
		ctl.sendErrorCode(conn, "bad_payload", "call_id required")
		return
	}

	if err := ctl.Relay.Forward(connID, kind, p.CallID, p.Target, p.Payload); err != nil {
		log.Warn().Err(err).Str("module", "signal").Str("kind", kind).Str("call", p.CallID.String()).Msg("forward rejected")
		ctl.sendError(conn, err)
	}
}
