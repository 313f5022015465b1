package datastore

import (
	"context"
	"time"

	"github.com/NicolasHaas/gorelay/pkg/model"
)

type DataProviderFactory interface {
	NonTx() DataStore
	Tx(context.Context) (DataStoreTx, error)
}

type DataStoreTx interface {
	DataStore
	Rollback() error
	Commit() error
}

// DataStore defines the persistence interface for users, chats and subscriptions.
// Implementations include the default SQLite store and an in-memory store for tests.
// Lookups return (nil, nil) when the row does not exist.
type DataStore interface {
	ConfigReadProvider

	UserReadProvider
	UserWriteProvider

	ChatReadProvider
	ChatWriteProvider

	SubscriptionReadProvider
	SubscriptionWriteProvider
}

// Compile-time checks.
var (
	_ DataProviderFactory = (*ProviderFactory)(nil)
	_ DataProviderFactory = (*MemoryStore)(nil)
)

type ConfigReadProvider interface {
	Close() error
}

type UserReadProvider interface {
	GetUserByUsername(ctx context.Context, username string) (*model.User, error)
	GetUserByID(ctx context.Context, id int64) (*model.User, error)
	ListUsers(ctx context.Context) ([]model.User, error)
}

type UserWriteProvider interface {
	CreateUser(ctx context.Context, user *model.User) error
	// UpdateUser stores the nickname, avatar path and password hash of an
	// existing user. It reports false when there is no user with that ID.
	UpdateUser(ctx context.Context, user *model.User) (bool, error)
	// DeleteUser removes a user together with its subscriptions. It reports
	// false when there was no such user.
	DeleteUser(ctx context.Context, id int64) (bool, error)
}

type ChatReadProvider interface {
	GetChat(ctx context.Context, id int64) (*model.Chat, error)
	ListChats(ctx context.Context) ([]model.Chat, error)
}

type ChatWriteProvider interface {
	// CreateChat stores a new active chat and assigns its ID and StartTime.
	CreateChat(ctx context.Context, chat *model.Chat) error
	// EndChat stamps end time and transcript path on a chat that is still active.
	// It reports false when the chat is missing or already ended; nothing is
	// written in that case.
	EndChat(ctx context.Context, id int64, endTime time.Time, transcriptPath string) (bool, error)
}

type SubscriptionReadProvider interface {
	HasSubscription(ctx context.Context, userID, chatID int64) (bool, error)
	ListSubscriptionsByUser(ctx context.Context, userID int64) ([]model.Subscription, error)
	ListSubscriptionsByChat(ctx context.Context, chatID int64) ([]model.Subscription, error)
}

type SubscriptionWriteProvider interface {
	// CreateSubscription adds the edge only while the chat exists and is active.
	// It reports false when nothing was written: the edge already existed or
	// the chat is missing or ended.
	CreateSubscription(ctx context.Context, userID, chatID int64) (bool, error)
	// DeleteSubscription reports false when there was no edge to delete.
	DeleteSubscription(ctx context.Context, userID, chatID int64) (bool, error)
}
