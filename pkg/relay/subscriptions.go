package relay

import (
	"context"
	"fmt"
	"iter"
	"log/slog"

	"github.com/NicolasHaas/gorelay/pkg/datastore"
	"github.com/NicolasHaas/gorelay/pkg/model"
)

// Subscriptions manages which users may post into which chats. Every change is
// written to the datastore first and then announced on the ObserverHub.
type Subscriptions struct {
	store  datastore.DataStore
	hub    *ObserverHub
	logger *slog.Logger
}

func NewSubscriptions(store datastore.DataStore, hub *ObserverHub, logger *slog.Logger) *Subscriptions {
	if logger == nil {
		logger = slog.Default()
	}
	return &Subscriptions{store: store, hub: hub, logger: logger}
}

// Subscribe adds the (user, chat) subscription. Ended chats cannot be joined.
func (s *Subscriptions) Subscribe(ctx context.Context, userID, chatID int64) error {
	user, chat, err := s.load(ctx, "subscribe", userID, chatID)
	if err != nil {
		return err
	}
	if chat.Ended() {
		return fmt.Errorf("relay: subscribe user %d to chat %d: %w", userID, chatID, ErrAlreadyEnded)
	}

	created, err := s.store.CreateSubscription(ctx, userID, chatID)
	if err != nil {
		return persistenceErr("subscribe", err)
	}
	if !created {
		// The insert only lands on an active chat, so a miss is either a
		// duplicate or a chat that ended after it was loaded.
		return s.subscribeMiss(ctx, userID, chatID)
	}

	s.logger.InfoContext(ctx, "subscribed", "user", userID, "chat", chatID)
	s.hub.NotifySubscribed(ctx, *user, *chat)
	return nil
}

func (s *Subscriptions) subscribeMiss(ctx context.Context, userID, chatID int64) error {
	chat, err := s.store.GetChat(ctx, chatID)
	if err != nil {
		return persistenceErr("subscribe", err)
	}
	switch {
	case chat == nil:
		return fmt.Errorf("relay: subscribe user %d to chat %d: %w", userID, chatID, ErrNotFound)
	case chat.Ended():
		return fmt.Errorf("relay: subscribe user %d to chat %d: %w", userID, chatID, ErrAlreadyEnded)
	default:
		return fmt.Errorf("relay: subscribe user %d to chat %d: %w", userID, chatID, ErrAlreadySubscribed)
	}
}

// Unsubscribe removes the (user, chat) subscription.
func (s *Subscriptions) Unsubscribe(ctx context.Context, userID, chatID int64) error {
	user, chat, err := s.load(ctx, "unsubscribe", userID, chatID)
	if err != nil {
		return err
	}

	deleted, err := s.store.DeleteSubscription(ctx, userID, chatID)
	if err != nil {
		return persistenceErr("unsubscribe", err)
	}
	if !deleted {
		return fmt.Errorf("relay: unsubscribe user %d from chat %d: %w", userID, chatID, ErrNotSubscribed)
	}

	s.logger.InfoContext(ctx, "unsubscribed", "user", userID, "chat", chatID)
	s.hub.NotifyUnsubscribed(ctx, *user, *chat)
	return nil
}

// IsSubscribed reports whether the user currently holds a subscription to the chat.
func (s *Subscriptions) IsSubscribed(ctx context.Context, userID, chatID int64) (bool, error) {
	ok, err := s.store.HasSubscription(ctx, userID, chatID)
	if err != nil {
		return false, persistenceErr("check subscription", err)
	}
	return ok, nil
}

// ListByChat yields the chat's subscriptions. Each range queries the datastore again.
func (s *Subscriptions) ListByChat(ctx context.Context, chatID int64) iter.Seq2[model.Subscription, error] {
	return s.list(func() ([]model.Subscription, error) {
		return s.store.ListSubscriptionsByChat(ctx, chatID)
	})
}

// ListByUser yields the user's subscriptions. Each range queries the datastore again.
func (s *Subscriptions) ListByUser(ctx context.Context, userID int64) iter.Seq2[model.Subscription, error] {
	return s.list(func() ([]model.Subscription, error) {
		return s.store.ListSubscriptionsByUser(ctx, userID)
	})
}

// Subscribers returns the IDs of the users subscribed to chatID.
func (s *Subscriptions) Subscribers(ctx context.Context, chatID int64) ([]int64, error) {
	var ids []int64
	for sub, err := range s.ListByChat(ctx, chatID) {
		if err != nil {
			return nil, err
		}
		ids = append(ids, sub.UserID)
	}
	return ids, nil
}

func (s *Subscriptions) list(query func() ([]model.Subscription, error)) iter.Seq2[model.Subscription, error] {
	return func(yield func(model.Subscription, error) bool) {
		subs, err := query()
		if err != nil {
			yield(model.Subscription{}, persistenceErr("list subscriptions", err))
			return
		}
		for _, sub := range subs {
			if !yield(sub, nil) {
				return
			}
		}
	}
}

func (s *Subscriptions) load(ctx context.Context, op string, userID, chatID int64) (*model.User, *model.Chat, error) {
	user, err := s.store.GetUserByID(ctx, userID)
	if err != nil {
		return nil, nil, persistenceErr(op, err)
	}
	if user == nil {
		return nil, nil, fmt.Errorf("relay: %s: user %d: %w", op, userID, ErrNotFound)
	}
	chat, err := s.store.GetChat(ctx, chatID)
	if err != nil {
		return nil, nil, persistenceErr(op, err)
	}
	if chat == nil {
		return nil, nil, fmt.Errorf("relay: %s: chat %d: %w", op, chatID, ErrNotFound)
	}
	return user, chat, nil
}
