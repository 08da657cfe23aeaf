package signal

import (
	"encoding/json"
	"errors"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/calltower/switchboard/internal/domain"
)

func (ctl *Controller) handleRegister(
	connID domain.ConnID,
	ownerAuthed bool,
	conn *wsSignalConn,
	data []byte,
) {
	type registerPayload struct {
		Type    string `json:"type"`
		Role    string `json:"role"`
		Visitor string `json:"visitor_id"`
		Token   string `json:"token,omitempty"`
	}
	var p registerPayload
	if err := json.Unmarshal(data, &p); err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("bad register payload")
		ctl.sendErrorCode(conn, "bad_payload", "malformed register payload")
		return
	}

	role := domain.Role(p.Role)
	if !role.Valid() || role == domain.RoleUnassigned {
		ctl.sendErrorCode(conn, "bad_role", "role must be owner or visitor")
		return
	}

	// Visitors without a stable id get a fresh one; they echo it back on
	// reconnect to keep their channel address.
	visitor := domain.VisitorID(p.Visitor)
	if role == domain.RoleVisitor && visitor == "" {
		visitor = domain.VisitorID(uuid.NewString())
	}

	authed := ownerAuthed
	if !authed && p.Token != "" && ctl.Auth != nil {
		authed = ctl.Auth.Authorize(p.Token)
	}

	rec, err := ctl.Relay.Register(connID, role, visitor, authed)
	if err != nil {
		// An unauthorized owner claim is logged, never surfaced; the
		// connection simply stays unassigned.
		if errors.Is(err, domain.ErrUnauthorizedRole) {
			return
		}
		ctl.sendError(conn, err)
		return
	}

	ctl.sendJSON(conn, struct {
		Type    string           `json:"type"`
		ConnID  domain.ConnID    `json:"conn_id"`
		Role    domain.Role      `json:"role"`
		Visitor domain.VisitorID `json:"visitor_id,omitempty"`
	}{
		Type:    "registered",
		ConnID:  rec.ID,
		Role:    rec.Role,
		Visitor: rec.Visitor,
	})
}
