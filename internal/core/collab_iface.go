package core

import (
	"context"
	"time"

	"github.com/calltower/switchboard/internal/domain"
)

// Clock lets time-dependent components be driven by tests.
type Clock interface {
	Now() time.Time
}

// SystemClock is the real clock used outside tests.
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now() }

// OwnerAuthenticator answers whether a credential establishes owner identity.
// The relay never sees how (token, cookie session, ...), only the verdict.
type OwnerAuthenticator interface {
	Authorize(token string) bool
}

// ConversationResolver maps a visitor to the persistence layer's conversation
// id when the sender did not supply one. The core never persists anything.
type ConversationResolver interface {
	Resolve(visitor domain.VisitorID) (string, error)
}

type NotificationKind string

const (
	NotifyIncomingCall      NotificationKind = "incoming-call"
	NotifyIncomingVideoCall NotificationKind = "incoming-video-call"
	NotifyNewMessage        NotificationKind = "new-message"
)

// NotificationEvent is the small payload handed to push/email/PSTN bridges.
type NotificationEvent struct {
	Kind           NotificationKind
	DisplayName    string
	CallID         domain.CallID
	ConversationID string
}

// Notifier receives fire-and-forget delivery requests. Implementations must
// swallow their own failures; the relay never waits on or inspects the result.
type Notifier interface {
	Notify(ctx context.Context, ev NotificationEvent)
}
