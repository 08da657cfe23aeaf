package signal

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/calltower/switchboard/internal/app"
	"github.com/calltower/switchboard/internal/domain"
)

const writeWait = 5 * time.Second

func (ctl *Controller) writePump(ctx context.Context, c *wsSignalConn) {
	ticker := time.NewTicker(ctl.cfg.PingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			log.Info().Str("module", "signal").Msg("writePump ctx done")
			return
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				log.Warn().Err(err).Str("module", "signal").Msg("writePump ping")
				return
			}
		case data, ok := <-c.send:
			if !ok {
				return
			}
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				log.Error().Err(err).Str("module", "signal").Msg("writePump set deadline")
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Error().Err(err).Str("module", "signal").Msg("writePump write error")
				return
			}
		}
	}
}

func (ctl *Controller) readPump(ctx context.Context, connID domain.ConnID, ownerAuthed bool, c *wsSignalConn) {
	defer func() {
		log.Info().Str("module", "signal").Str("conn", string(connID)).Msg("readPump closing")
		c.Close()
		ctl.limiter.Forget(connID)
		ctl.Relay.OnDisconnect(connID)
	}()

	c.conn.SetReadLimit(ctl.cfg.ReadLimit)
	readWait := ctl.cfg.PingPeriod + writeWait
	_ = c.conn.SetReadDeadline(time.Now().Add(readWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(readWait))
	})

	for {
		select {
		case <-ctx.Done():
			log.Info().Str("module", "signal").Str("conn", string(connID)).Msg("readPump ctx done")
			return
		default:
			_, data, err := c.conn.ReadMessage()
			if err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					log.Warn().Err(err).Str("module", "signal").Str("conn", string(connID)).Msg("readPump read error")
				}
				return
			}
			ctl.handleFrame(connID, ownerAuthed, c, data)
		}
	}
}

func (ctl *Controller) handleFrame(connID domain.ConnID, ownerAuthed bool, c *wsSignalConn, data []byte) {
	if !ctl.limiter.Allow(connID) {
		log.Warn().Str("module", "signal").Str("conn", string(connID)).Msg("rate limit exceeded, dropping frame")
		return
	}

	var env struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &env); err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("bad json")
		return
	}

	switch env.Type {
	case "register":
		ctl.handleRegister(connID, ownerAuthed, c, data)
	case "initiate-call":
		ctl.handleInitiate(connID, c, data)
	case "answer-call":
		ctl.handleAnswer(connID, c, data)
	case "decline-call":
		ctl.handleDecline(connID, c, data)
	case "cancel-call":
		ctl.handleCancel(connID, c, data)
	case "end-call":
		ctl.handleEnd(connID, c, data)
	case "offer", "answer", "ice-candidate":
		ctl.handleNegotiation(connID, c, env.Type, data)
	case "typing":
		ctl.handleTyping(connID, c, data)
	case "read-receipt":
		ctl.handleReadReceipt(connID, c, data)
	case "ping":
		ctl.handlePing(c)
	default:
		log.Warn().Str("module", "signal").Str("type", env.Type).Msg("unknown signal")
	}
}

func (ctl *Controller) sendJSON(c *wsSignalConn, v any) {
	b, err := json.Marshal(v)
	if err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("sendJSON marshal")
		return
	}
	_ = c.TrySend(b)
}

func (ctl *Controller) handlePing(c *wsSignalConn) {
	ctl.sendJSON(c, map[string]any{"type": "pong"})
}

// sendError surfaces a recoverable rejection to the acting connection.
func (ctl *Controller) sendError(c *wsSignalConn, err error) {
	ctl.sendErrorCode(c, errorCode(err), err.Error())
}

func (ctl *Controller) sendErrorCode(c *wsSignalConn, code, message string) {
	ctl.sendJSON(c, map[string]any{
		"type":    "error",
		"code":    code,
		"message": message,
	})
}

func errorCode(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, domain.ErrSessionGone):
		return "session_gone"
	case errors.Is(err, app.ErrAlreadyClaimed):
		return "call_taken"
	case errors.Is(err, domain.ErrDuplicateSession):
		return "duplicate_session"
	case errors.Is(err, domain.ErrMalformedTarget):
		return "malformed_target"
	case errors.Is(err, domain.ErrUnauthorizedRole):
		return "rejected"
	default:
		return "internal"
	}
}
