package relay

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/NicolasHaas/gorelay/pkg/model"
)

// ObserverToken identifies a registered SubscriptionObserver.
type ObserverToken uint64

// ObserverHub fans subscription changes out to registered observers. The hub
// does not own its observers; each one removes itself with its token.
type ObserverHub struct {
	mu        sync.Mutex
	next      ObserverToken
	observers []registeredObserver
	logger    *slog.Logger
}

type registeredObserver struct {
	token    ObserverToken
	observer SubscriptionObserver
}

func NewObserverHub(logger *slog.Logger) *ObserverHub {
	if logger == nil {
		logger = slog.Default()
	}
	return &ObserverHub{logger: logger}
}

// AddObserver registers o and returns the token that removes it.
func (h *ObserverHub) AddObserver(o SubscriptionObserver) ObserverToken {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.next++
	h.observers = append(h.observers, registeredObserver{token: h.next, observer: o})
	return h.next
}

// RemoveObserver unregisters the observer behind token.
func (h *ObserverHub) RemoveObserver(token ObserverToken) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	for i, ro := range h.observers {
		if ro.token == token {
			h.observers = append(h.observers[:i:i], h.observers[i+1:]...)
			return nil
		}
	}
	return fmt.Errorf("relay: remove observer %d: %w", token, ErrNotFound)
}

// Len returns the number of registered observers.
func (h *ObserverHub) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.observers)
}

func (h *ObserverHub) NotifySubscribed(ctx context.Context, user model.User, chat model.Chat) {
	h.notify(ctx, "subscribe", user, chat, func(o SubscriptionObserver) error {
		return o.OnSubscribe(ctx, user, chat)
	})
}

func (h *ObserverHub) NotifyUnsubscribed(ctx context.Context, user model.User, chat model.Chat) {
	h.notify(ctx, "unsubscribe", user, chat, func(o SubscriptionObserver) error {
		return o.OnUnsubscribe(ctx, user, chat)
	})
}

func (h *ObserverHub) notify(ctx context.Context, event string, user model.User, chat model.Chat, call func(SubscriptionObserver) error) {
	h.mu.Lock()
	observers := append([]registeredObserver(nil), h.observers...)
	h.mu.Unlock()

	for _, ro := range observers {
		if err := h.safeCall(ro.observer, call); err != nil {
			h.logger.WarnContext(ctx, "observer failed",
				"event", event, "observer", ro.token, "user", user.ID, "chat", chat.ID, "err", err)
		}
	}
}

func (h *ObserverHub) safeCall(o SubscriptionObserver, call func(SubscriptionObserver) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("observer panic: %v", r)
		}
	}()
	return call(o)
}
