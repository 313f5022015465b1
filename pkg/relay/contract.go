//go:generate go run go.uber.org/mock/mockgen -source=contract.go -destination=mocks/mock_contract.go -package=mocks
package relay

import (
	"context"

	"github.com/NicolasHaas/gorelay/pkg/model"
)

// ClientCallback is the handle the relay uses to push events to one connected
// session. Implementations must honor ctx and return ErrSessionGone once their
// connection is closed.
type ClientCallback interface {
	ReceiveMessage(ctx context.Context, text string) error
	UserJoined(ctx context.Context, nickname string) error
	UserLeft(ctx context.Context, nickname string) error
}

// PresenceListener is told about sessions joining and leaving, after the
// registry has been updated.
type PresenceListener interface {
	OnJoin(ctx context.Context, who model.Identity)
	OnLeave(ctx context.Context, who model.Identity)
}

// SubscriptionObserver is told about subscription changes after they are stored.
type SubscriptionObserver interface {
	OnSubscribe(ctx context.Context, user model.User, chat model.Chat) error
	OnUnsubscribe(ctx context.Context, user model.User, chat model.Chat) error
}

// TranscriptWriter persists the transcript of an ended chat and returns where it went.
// RemoveTranscript discards a transcript whose chat could not be ended, so
// that a later stop can write it again.
type TranscriptWriter interface {
	WriteTranscript(chatID int64, content string) (string, error)
	RemoveTranscript(path string) error
}
