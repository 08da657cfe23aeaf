// Package notify holds the fire-and-forget notification collaborators
// (push, email, PSTN bridge). The relay never waits on them.
package notify

import (
	"context"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/calltower/switchboard/internal/core"
	"github.com/calltower/switchboard/internal/domain"
)

// LogNotifier records delivery requests in the log. Stand-in for the real
// push/email/PSTN bridges, which plug in behind the same interface.
type LogNotifier struct{}

func NewLogNotifier() *LogNotifier { return &LogNotifier{} }

func (n *LogNotifier) Notify(_ context.Context, ev core.NotificationEvent) {
	log.Info().
		Str("module", "notify").
		Str("kind", string(ev.Kind)).
		Str("display_name", ev.DisplayName).
		Str("call", ev.CallID.String()).
		Str("conversation", ev.ConversationID).
		Msg("notification dispatched")
}

// conversationNS namespaces the deterministic visitor -> conversation mapping.
var conversationNS = uuid.MustParse("9f2d1c51-74f5-4df1-a5c6-2f3a87e0b1de")

// StaticConversationResolver derives a stable conversation id from the
// visitor id. The persistence layer uses the same derivation, so both sides
// agree without a lookup round-trip.
type StaticConversationResolver struct{}

func NewStaticConversationResolver() *StaticConversationResolver {
	return &StaticConversationResolver{}
}

func (StaticConversationResolver) Resolve(visitor domain.VisitorID) (string, error) {
	if visitor == "" {
		return "", domain.ErrMalformedTarget
	}
	return uuid.NewSHA1(conversationNS, []byte(visitor)).String(), nil
}
