package relay_test

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/NicolasHaas/gorelay/pkg/datastore"
	"github.com/NicolasHaas/gorelay/pkg/model"
	"github.com/NicolasHaas/gorelay/pkg/relay"
)

var errBoom = errors.New("boom")

func discardLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

// recorder is a ClientCallback that keeps everything it receives.
type recorder struct {
	mu       sync.Mutex
	messages []string
	joined   []string
	left     []string
}

func (r *recorder) ReceiveMessage(_ context.Context, text string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.messages = append(r.messages, text)
	return nil
}

func (r *recorder) UserJoined(_ context.Context, nickname string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.joined = append(r.joined, nickname)
	return nil
}

func (r *recorder) UserLeft(_ context.Context, nickname string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.left = append(r.left, nickname)
	return nil
}

func (r *recorder) Messages() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.messages...)
}

func (r *recorder) Joined() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.joined...)
}

func (r *recorder) Left() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.left...)
}

type fixture struct {
	relay *relay.Relay
	store *datastore.MemoryStore
	dir   string
}

func newFixture(t *testing.T, autoStop bool) *fixture {
	t.Helper()
	store := datastore.NewMemory()
	dir := t.TempDir()
	r := relay.New(relay.Options{
		Store:         store,
		Transcripts:   relay.NewFileTranscriptWriter(dir),
		AutoStopChats: autoStop,
		Logger:        discardLogger(),
	})
	return &fixture{relay: r, store: store, dir: dir}
}

func (f *fixture) user(t *testing.T, username string) model.User {
	t.Helper()
	u := &model.User{Username: username, Nickname: username}
	require.NoError(t, f.store.CreateUser(context.Background(), u))
	return *u
}

func (f *fixture) chat(t *testing.T) model.Chat {
	t.Helper()
	ch := &model.Chat{}
	require.NoError(t, f.store.CreateChat(context.Background(), ch))
	return *ch
}

func (f *fixture) connect(t *testing.T, u model.User, cb relay.ClientCallback) model.Identity {
	t.Helper()
	who, err := f.relay.Connect(context.Background(), u, cb)
	require.NoError(t, err)
	return who
}

func (f *fixture) subscribe(t *testing.T, u model.User, ch model.Chat) {
	t.Helper()
	require.NoError(t, f.relay.Subscriptions.Subscribe(context.Background(), u.ID, ch.ID))
}

// failingStore makes selected datastore operations fail.
type failingStore struct {
	datastore.DataStore
	failCreateSubscription bool
	failCreateChat         bool
	failHasSubscription    bool
	failEndChat            int // number of EndChat calls left to fail
	skipEndChat            bool
	// endBeforeSubscribe ends the chat right before the subscription insert.
	endBeforeSubscribe bool
}

func (s *failingStore) EndChat(ctx context.Context, id int64, endTime time.Time, transcriptPath string) (bool, error) {
	if s.failEndChat > 0 {
		s.failEndChat--
		return false, errBoom
	}
	if s.skipEndChat {
		return false, nil
	}
	return s.DataStore.EndChat(ctx, id, endTime, transcriptPath)
}

func (s *failingStore) CreateSubscription(ctx context.Context, userID, chatID int64) (bool, error) {
	if s.failCreateSubscription {
		return false, errBoom
	}
	if s.endBeforeSubscribe {
		if _, err := s.DataStore.EndChat(ctx, chatID, time.Now(), "ended.txt"); err != nil {
			return false, err
		}
	}
	return s.DataStore.CreateSubscription(ctx, userID, chatID)
}

func (s *failingStore) CreateChat(ctx context.Context, chat *model.Chat) error {
	if s.failCreateChat {
		return errBoom
	}
	return s.DataStore.CreateChat(ctx, chat)
}

func (s *failingStore) HasSubscription(ctx context.Context, userID, chatID int64) (bool, error) {
	if s.failHasSubscription {
		return false, errBoom
	}
	return s.DataStore.HasSubscription(ctx, userID, chatID)
}

// presenceFunc adapts two funcs to relay.PresenceListener.
type presenceFunc struct {
	onJoin  func(context.Context, model.Identity)
	onLeave func(context.Context, model.Identity)
}

func (p presenceFunc) OnJoin(ctx context.Context, who model.Identity) {
	if p.onJoin != nil {
		p.onJoin(ctx, who)
	}
}

func (p presenceFunc) OnLeave(ctx context.Context, who model.Identity) {
	if p.onLeave != nil {
		p.onLeave(ctx, who)
	}
}
