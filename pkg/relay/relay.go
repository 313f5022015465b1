// Package relay is the chat relay core: who is connected, who may post where,
// and how messages reach the connected sessions.
package relay

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/samber/lo"

	"github.com/NicolasHaas/gorelay/pkg/datastore"
	"github.com/NicolasHaas/gorelay/pkg/model"
)

// Options configures a Relay. Store and Transcripts are required.
type Options struct {
	Store       datastore.DataStore
	Transcripts TranscriptWriter

	DeliveryTimeout time.Duration
	DeliveryWorkers int
	// AutoStopChats ends a chat when its last connected subscriber leaves.
	AutoStopChats bool
	// PresenceLines adds a text line to every join and leave event.
	PresenceLines bool

	// OnReport, if set, sees every fan-out result (used for metrics).
	OnReport func(kind string, report DeliveryReport)
	// OnChatEnded, if set, runs after a chat was stopped and its end announced,
	// whether the stop was explicit or automatic.
	OnChatEnded func(ctx context.Context, chat model.Chat)
	Now         func() time.Time
	Logger      *slog.Logger
}

// Relay wires the registry, dispatcher, subscriptions and chat lifecycle
// together and exposes the operations a transport needs.
type Relay struct {
	Presence      *Presence
	Dispatcher    *Dispatcher
	Observers     *ObserverHub
	Subscriptions *Subscriptions
	Lifecycle     *Lifecycle

	store   datastore.DataStore
	now     func() time.Time
	onEnded func(ctx context.Context, chat model.Chat)
	logger  *slog.Logger
}

func New(opts Options) *Relay {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	logger := opts.Logger

	r := &Relay{
		store:   opts.Store,
		now:     opts.Now,
		onEnded: opts.OnChatEnded,
		logger:  logger,
	}
	r.Presence = NewPresence(logger.With("component", "presence"))
	r.Dispatcher = NewDispatcher(r.Presence, DispatcherConfig{
		Timeout:       opts.DeliveryTimeout,
		Workers:       opts.DeliveryWorkers,
		OnReport:      opts.OnReport,
		PresenceLines: opts.PresenceLines,
	}, logger.With("component", "dispatcher"))
	r.Observers = NewObserverHub(logger.With("component", "observers"))
	r.Subscriptions = NewSubscriptions(opts.Store, r.Observers, logger.With("component", "subscriptions"))
	r.Lifecycle = NewLifecycle(opts.Store, r.Subscriptions, r.Presence, opts.Transcripts, LifecycleConfig{
		AutoStop:  opts.AutoStopChats,
		Now:       opts.Now,
		OnStopped: r.announceStopped,
	}, logger.With("component", "lifecycle"))

	r.Presence.AddListener(r.Dispatcher)
	r.Presence.AddListener(r.Lifecycle)
	return r
}

// Connect registers a new session for user and returns its identity.
func (r *Relay) Connect(ctx context.Context, user model.User, cb ClientCallback) (model.Identity, error) {
	who := model.Identity{
		SessionID: uuid.NewString(),
		Nickname:  user.DisplayName(),
		UserID:    user.ID,
		JoinedAt:  r.now().UTC(),
	}
	if err := r.Presence.Join(ctx, who, cb); err != nil {
		return model.Identity{}, err
	}
	return who, nil
}

// Disconnect removes a session. Unknown sessions return ErrNotFound.
func (r *Relay) Disconnect(ctx context.Context, sessionID string) error {
	return r.Presence.Leave(ctx, sessionID)
}

// Post sends text into a chat. The sender must be connected, the message valid,
// the chat active and the sender's user subscribed; only then is anything
// delivered. The sender's own session does not get its message back.
func (r *Relay) Post(ctx context.Context, sessionID string, chatID int64, text string) (DeliveryReport, error) {
	sender, err := r.session("post", sessionID)
	if err != nil {
		return DeliveryReport{}, err
	}

	msg := model.Message{
		ChatID:         chatID,
		SenderSession:  sessionID,
		SenderNickname: sender.Nickname,
		Body:           text,
		SentAt:         r.now(),
	}
	if err := msg.Validate(); err != nil {
		return DeliveryReport{}, fmt.Errorf("relay: post: %w: %w", ErrInvalidMessage, err)
	}

	chat, err := r.store.GetChat(ctx, chatID)
	if err != nil {
		return DeliveryReport{}, persistenceErr("post", err)
	}
	if chat == nil {
		return DeliveryReport{}, fmt.Errorf("relay: post to chat %d: %w", chatID, ErrNotFound)
	}
	if chat.Ended() {
		return DeliveryReport{}, fmt.Errorf("relay: post to chat %d: %w", chatID, ErrAlreadyEnded)
	}

	ok, err := r.Subscriptions.IsSubscribed(ctx, sender.UserID, chatID)
	if err != nil {
		return DeliveryReport{}, err
	}
	if !ok {
		return DeliveryReport{}, fmt.Errorf("relay: post to chat %d: %w", chatID, ErrNotSubscribed)
	}

	subscribers, err := r.Subscriptions.Subscribers(ctx, chatID)
	if err != nil {
		return DeliveryReport{}, err
	}
	r.Lifecycle.Record(msg)
	return r.Dispatcher.Broadcast(ctx, ChatLine(msg), ToUsers(subscribers...), Excluding(sessionID)), nil
}

// Whisper sends a private message to every other session using nickname.
func (r *Relay) Whisper(ctx context.Context, sessionID, nickname, text string) (DeliveryReport, error) {
	sender, err := r.session("whisper", sessionID)
	if err != nil {
		return DeliveryReport{}, err
	}
	msg := model.Message{
		SenderSession:  sessionID,
		SenderNickname: sender.Nickname,
		Body:           text,
		SentAt:         r.now(),
		Private:        true,
	}
	if err := msg.Validate(); err != nil {
		return DeliveryReport{}, fmt.Errorf("relay: whisper: %w: %w", ErrInvalidMessage, err)
	}
	return r.Dispatcher.SendPrivate(ctx, sessionID, nickname, msg.Line())
}

// Subscribe subscribes the session's user to a chat.
func (r *Relay) Subscribe(ctx context.Context, sessionID string, chatID int64) error {
	sender, err := r.session("subscribe", sessionID)
	if err != nil {
		return err
	}
	return r.Subscriptions.Subscribe(ctx, sender.UserID, chatID)
}

// Unsubscribe removes the session's user from a chat.
func (r *Relay) Unsubscribe(ctx context.Context, sessionID string, chatID int64) error {
	sender, err := r.session("unsubscribe", sessionID)
	if err != nil {
		return err
	}
	return r.Subscriptions.Unsubscribe(ctx, sender.UserID, chatID)
}

// StartChat creates a chat and announces it to every connected session.
func (r *Relay) StartChat(ctx context.Context) (*model.Chat, error) {
	chat, err := r.Lifecycle.StartChat(ctx)
	if err != nil {
		return nil, err
	}
	r.Dispatcher.Broadcast(ctx, NewChatNotice(chat.ID))
	return chat, nil
}

// StopChat ends a chat with its buffered transcript.
func (r *Relay) StopChat(ctx context.Context, chatID int64) error {
	return r.Lifecycle.StopWithTranscript(ctx, chatID)
}

// Chats lists every chat, active and ended.
func (r *Relay) Chats(ctx context.Context) ([]model.Chat, error) {
	chats, err := r.store.ListChats(ctx)
	if err != nil {
		return nil, persistenceErr("list chats", err)
	}
	return chats, nil
}

// Members returns the connected sessions whose user is subscribed to chatID.
func (r *Relay) Members(ctx context.Context, chatID int64) ([]Member, error) {
	subscribers, err := r.Subscriptions.Subscribers(ctx, chatID)
	if err != nil {
		return nil, err
	}
	return lo.Filter(r.Presence.Snapshot(), func(m Member, _ int) bool {
		return lo.Contains(subscribers, m.UserID)
	}), nil
}

func (r *Relay) session(op, sessionID string) (Member, error) {
	m, ok := r.Presence.Lookup(sessionID)
	if !ok {
		return Member{}, fmt.Errorf("relay: %s: session %s: %w", op, sessionID, ErrNotFound)
	}
	return m, nil
}

func (r *Relay) announceStopped(ctx context.Context, chat model.Chat) {
	subscribers, err := r.Subscriptions.Subscribers(ctx, chat.ID)
	if err != nil {
		r.logger.WarnContext(ctx, "announce chat end", "chat", chat.ID, "err", err)
	} else {
		r.Dispatcher.Broadcast(ctx, ChatEndedNotice(chat.ID), ToUsers(subscribers...))
	}
	if r.onEnded != nil {
		r.onEnded(ctx, chat)
	}
}

// ChatLine is the text delivered for a chat post.
func ChatLine(msg model.Message) string {
	return fmt.Sprintf("(chat %d) %s", msg.ChatID, msg.Line())
}

func NewChatNotice(chatID int64) string {
	return fmt.Sprintf("A new chat (ID: %d) has been created. Subscribe to join the conversation!", chatID)
}

func ChatEndedNotice(chatID int64) string {
	return fmt.Sprintf("Chat %d has ended.", chatID)
}

func JoinedLine(nickname string) string {
	return nickname + " has joined the chat."
}

func LeftLine(nickname string) string {
	return nickname + " has left the chat."
}
