package signal

import (
	"encoding/json"

	"github.com/rs/zerolog/log"

	"github.com/calltower/switchboard/internal/domain"
)

func (ctl *Controller) handleTyping(
	connID domain.ConnID,
	conn *wsSignalConn,
	data []byte,
) {
	type typingPayload struct {
		Type           string `json:"type"`
		ConversationID string `json:"conversation_id"`
		Visitor        string `json:"visitor_id"`
		State          string `json:"state"`
	}
	var p typingPayload
	if err := json.Unmarshal(data, &p); err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("bad typing payload")
		return
	}

	if err := ctl.Relay.Typing(connID, p.ConversationID, domain.VisitorID(p.Visitor), p.State); err != nil {
		// Ephemeral signals are dropped quietly on rejection.
		log.Warn().Err(err).Str("module", "signal").Str("conn", string(connID)).Msg("typing dropped")
	}
}

func (ctl *Controller) handleReadReceipt(
	connID domain.ConnID,
	conn *wsSignalConn,
	data []byte,
) {
	type receiptPayload struct {
		Type           string `json:"type"`
		ConversationID string `json:"conversation_id"`
		Visitor        string `json:"visitor_id"`
		MessageID      string `json:"message_id"`
	}
	var p receiptPayload
	if err := json.Unmarshal(data, &p); err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("bad read-receipt payload")
		return
	}

	if err := ctl.Relay.ReadReceipt(connID, p.ConversationID, domain.VisitorID(p.Visitor), p.MessageID); err != nil {
		log.Warn().Err(err).Str("module", "signal").Str("conn", string(connID)).Msg("read-receipt dropped")
	}
}
