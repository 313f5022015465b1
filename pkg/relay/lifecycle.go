package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/NicolasHaas/gorelay/pkg/datastore"
	"github.com/NicolasHaas/gorelay/pkg/model"
)

type LifecycleConfig struct {
	// AutoStop ends a chat once no connected session belongs to one of its subscribers.
	AutoStop bool
	// Now is the clock used for end times. Defaults to time.Now.
	Now func() time.Time
	// OnStopped, if set, runs after a chat has been ended, whoever stopped it.
	OnStopped func(ctx context.Context, chat model.Chat)
}

// Lifecycle starts and stops chats and keeps the running transcript of each
// active chat in memory.
type Lifecycle struct {
	store    datastore.DataStore
	subs     *Subscriptions
	presence *Presence
	writer   TranscriptWriter
	cfg      LifecycleConfig
	logger   *slog.Logger

	stopMu sync.Mutex // serializes StopChat

	mu          sync.Mutex
	transcripts map[int64][]string
	ended       map[int64]struct{} // stopped here; Record drops their lines
}

func NewLifecycle(store datastore.DataStore, subs *Subscriptions, presence *Presence, writer TranscriptWriter, cfg LifecycleConfig, logger *slog.Logger) *Lifecycle {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Lifecycle{
		store:       store,
		subs:        subs,
		presence:    presence,
		writer:      writer,
		cfg:         cfg,
		logger:      logger,
		transcripts: make(map[int64][]string),
		ended:       make(map[int64]struct{}),
	}
}

// StartChat creates a new active chat.
func (l *Lifecycle) StartChat(ctx context.Context) (*model.Chat, error) {
	chat := &model.Chat{}
	if err := l.store.CreateChat(ctx, chat); err != nil {
		return nil, persistenceErr("start chat", err)
	}
	l.logger.InfoContext(ctx, "chat started", "chat", chat.ID)
	return chat, nil
}

// StopChat writes the transcript and ends the chat. A chat ends at most once;
// later calls return ErrAlreadyEnded and leave the stored end time and
// transcript untouched.
func (l *Lifecycle) StopChat(ctx context.Context, chatID int64, transcript string) error {
	l.stopMu.Lock()
	defer l.stopMu.Unlock()

	chat, err := l.store.GetChat(ctx, chatID)
	if err != nil {
		return persistenceErr("stop chat", err)
	}
	if chat == nil {
		return fmt.Errorf("relay: stop chat %d: %w", chatID, ErrNotFound)
	}
	if chat.Ended() {
		return fmt.Errorf("relay: stop chat %d: %w", chatID, ErrAlreadyEnded)
	}

	path, err := l.writer.WriteTranscript(chatID, transcript)
	if err != nil {
		return persistenceErr("write transcript", err)
	}

	end := l.cfg.Now().UTC()
	updated, err := l.store.EndChat(ctx, chatID, end, path)
	if err != nil || !updated {
		// The chat is still active, or someone else ended it; either way
		// this transcript must not stay behind.
		if rmErr := l.writer.RemoveTranscript(path); rmErr != nil {
			l.logger.WarnContext(ctx, "discard transcript", "chat", chatID, "path", path, "err", rmErr)
		}
		if err != nil {
			return persistenceErr("stop chat", err)
		}
		return fmt.Errorf("relay: stop chat %d: %w", chatID, ErrAlreadyEnded)
	}

	l.mu.Lock()
	delete(l.transcripts, chatID)
	l.ended[chatID] = struct{}{}
	l.mu.Unlock()

	chat.EndTime = end
	chat.TranscriptPath = path
	l.logger.InfoContext(ctx, "chat stopped", "chat", chatID, "transcript", path)
	if l.cfg.OnStopped != nil {
		l.cfg.OnStopped(ctx, *chat)
	}
	return nil
}

// StopWithTranscript stops a chat using the buffered transcript.
func (l *Lifecycle) StopWithTranscript(ctx context.Context, chatID int64) error {
	return l.StopChat(ctx, chatID, l.Transcript(chatID))
}

// Record appends msg to its chat's transcript buffer. Lines for a chat that
// was already stopped are dropped.
func (l *Lifecycle) Record(msg model.Message) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.ended[msg.ChatID]; ok {
		return
	}
	l.transcripts[msg.ChatID] = append(l.transcripts[msg.ChatID], msg.Line())
}

// Transcript returns the buffered transcript of a chat.
func (l *Lifecycle) Transcript(chatID int64) string {
	l.mu.Lock()
	defer l.mu.Unlock()
	lines := l.transcripts[chatID]
	if len(lines) == 0 {
		return ""
	}
	return strings.Join(lines, "\n") + "\n"
}

func (l *Lifecycle) OnJoin(context.Context, model.Identity) {}

// OnLeave stops the active chats of the leaving user that no connected
// session can still post into.
func (l *Lifecycle) OnLeave(ctx context.Context, who model.Identity) {
	if !l.cfg.AutoStop {
		return
	}

	var chatIDs []int64
	for sub, err := range l.subs.ListByUser(ctx, who.UserID) {
		if err != nil {
			l.logger.WarnContext(ctx, "auto-stop: list subscriptions", "user", who.UserID, "err", err)
			return
		}
		chatIDs = append(chatIDs, sub.ChatID)
	}

	for _, chatID := range chatIDs {
		orphaned, err := l.orphaned(ctx, chatID)
		if err != nil {
			l.logger.WarnContext(ctx, "auto-stop: check participants", "chat", chatID, "err", err)
			continue
		}
		if !orphaned {
			continue
		}
		err = l.StopWithTranscript(ctx, chatID)
		switch {
		case err == nil:
			l.logger.InfoContext(ctx, "chat auto-stopped", "chat", chatID, "last_session", who.SessionID)
		case errors.Is(err, ErrAlreadyEnded):
		default:
			l.logger.WarnContext(ctx, "auto-stop failed", "chat", chatID, "err", err)
		}
	}
}

// orphaned reports whether chatID is active and no connected session belongs
// to one of its subscribers.
func (l *Lifecycle) orphaned(ctx context.Context, chatID int64) (bool, error) {
	chat, err := l.store.GetChat(ctx, chatID)
	if err != nil {
		return false, persistenceErr("load chat", err)
	}
	if chat == nil || chat.Ended() {
		return false, nil
	}

	subscribers, err := l.subs.Subscribers(ctx, chatID)
	if err != nil {
		return false, err
	}
	subscribed := make(map[int64]struct{}, len(subscribers))
	for _, id := range subscribers {
		subscribed[id] = struct{}{}
	}
	for _, m := range l.presence.Snapshot() {
		if _, ok := subscribed[m.UserID]; ok {
			return false, nil
		}
	}
	return true, nil
}
