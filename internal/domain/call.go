package domain

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"time"
)

var (
	ErrSessionGone      = errors.New("call session gone")
	ErrDuplicateSession = errors.New("connection already in a call session")
	ErrMalformedTarget  = errors.New("malformed relay target")
)

type CallID string

// NewCallID mints a process-unique, unguessable session id from the current
// nanosecond timestamp plus 8 random bytes.
func NewCallID() CallID {
	buf := make([]byte, 8)
	_, _ = rand.Read(buf)
	return CallID(fmt.Sprintf("%d-%s", time.Now().UnixNano(), hex.EncodeToString(buf)))
}

func (id CallID) String() string { return string(id) }

type MediaMode string

const (
	MediaVoice MediaMode = "voice"
	MediaVideo MediaMode = "video"
)

type CallStatus string

const (
	StatusRinging    CallStatus = "ringing"
	StatusConnecting CallStatus = "connecting"
	StatusConnected  CallStatus = "connected"
	StatusEnded      CallStatus = "ended"
	StatusDeclined   CallStatus = "declined"
	StatusCancelled  CallStatus = "cancelled"
	StatusTimedOut   CallStatus = "timed_out"
)

// statusRank orders the state machine. All terminal states share a rank:
// they are equivalent for cleanup and only differ in the peer event payload.
func (s CallStatus) statusRank() int {
	switch s {
	case StatusRinging:
		return 0
	case StatusConnecting:
		return 1
	case StatusConnected:
		return 2
	default:
		return 3
	}
}

func (s CallStatus) Terminal() bool { return s.statusRank() == 3 }

// CanAdvance reports whether moving from s to next goes strictly forward.
// No transition ever re-enters ringing.
func (s CallStatus) CanAdvance(next CallStatus) bool {
	return next.statusRank() > s.statusRank()
}

// EndReason is carried on call-ended events so peers can tell a hangup from
// a dropped connection or a reaper sweep.
type EndReason string

const (
	ReasonEnded     EndReason = "ended"
	ReasonDeclined  EndReason = "declined"
	ReasonCancelled EndReason = "cancelled"
	ReasonPeerGone  EndReason = "peer-disconnected"
	ReasonTimeout   EndReason = "timeout"
)

// Call is one signaling transaction between a visitor connection and an owner
// connection. The store is the sole owner of the record; connections keep only
// a CallID back-reference.
type Call struct {
	ID            CallID
	InitiatorConn ConnID
	InitiatorName string
	Visitor       VisitorID
	Media         MediaMode
	Status        CallStatus
	OwnerConn     ConnID // empty until claimed
	CreatedAt     time.Time
}

// Participants returns the connection ids currently bound to the call,
// initiator first. At most two, by invariant.
func (c *Call) Participants() []ConnID {
	out := make([]ConnID, 0, 2)
	if c.InitiatorConn != "" {
		out = append(out, c.InitiatorConn)
	}
	if c.OwnerConn != "" {
		out = append(out, c.OwnerConn)
	}
	return out
}

// Peer returns the other participant for a given participant conn, if any.
func (c *Call) Peer(conn ConnID) (ConnID, bool) {
	switch conn {
	case c.InitiatorConn:
		if c.OwnerConn != "" {
			return c.OwnerConn, true
		}
	case c.OwnerConn:
		if c.InitiatorConn != "" {
			return c.InitiatorConn, true
		}
	}
	return "", false
}

// IsParticipant reports whether conn is currently bound to the call.
func (c *Call) IsParticipant(conn ConnID) bool {
	return conn != "" && (conn == c.InitiatorConn || conn == c.OwnerConn)
}
