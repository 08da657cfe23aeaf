// Package signal is the websocket transport boundary of the relay core.
// It decodes inbound events, dispatches them to the relay, and owns the
// per-connection read/write pumps.
package signal

import (
	"context"
	"errors"
	"net/http"
	"sync"

	"github.com/gin-contrib/sessions"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/calltower/switchboard/internal/app"
	"github.com/calltower/switchboard/internal/config"
	"github.com/calltower/switchboard/internal/core"
	"github.com/calltower/switchboard/internal/domain"
)

var ErrBackpressure = errors.New("backpressure")

// sessionAuthKey is the cookie-session flag set by the owner login endpoint.
const sessionAuthKey = "owner_authed"

type Controller struct {
	Relay   *app.Relay
	Auth    core.OwnerAuthenticator
	cfg     *config.Config
	limiter *ConnRateLimiter
}

func NewController(relay *app.Relay, auth core.OwnerAuthenticator, cfg *config.Config) *Controller {
	return &Controller{
		Relay:   relay,
		Auth:    auth,
		cfg:     cfg,
		limiter: NewConnRateLimiter(cfg.MsgRateLimit, cfg.MsgRateWindow, core.SystemClock{}),
	}
}

type wsSignalConn struct {
	conn *websocket.Conn
	send chan core.Frame

	mu     sync.RWMutex
	closed bool
}

func (c *wsSignalConn) TrySend(f core.Frame) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return errors.New("connection closed")
	}
	select {
	case c.send <- f:
	default:
		return ErrBackpressure
	}
	return nil
}

func (c *wsSignalConn) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	close(c.send)
	_ = c.conn.Close()
	c.mu.Unlock()
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// HandleWS upgrades the request and runs the connection until disconnect.
func (ctl *Controller) HandleWS(ctx context.Context, c *gin.Context) {
	connID := domain.ConnID(uuid.NewString())

	// Owner identity established over the cookie session carries into the
	// websocket; a register frame may alternatively present the token.
	ownerAuthed := false
	if v, ok := sessions.Default(c).Get(sessionAuthKey).(bool); ok {
		ownerAuthed = v
	}

	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("ws upgrade")
		return
	}
	log.Info().Str("module", "signal").Str("conn", string(connID)).Bool("owner_authed", ownerAuthed).Msg("new WS connection")

	conn := &wsSignalConn{
		conn: ws,
		send: make(chan core.Frame, 32),
	}
	ctl.Relay.Registry.Add(connID, conn)

	go ctl.writePump(ctx, conn)
	go ctl.readPump(ctx, connID, ownerAuthed, conn)
}
