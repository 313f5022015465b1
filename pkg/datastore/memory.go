package datastore

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/NicolasHaas/gorelay/pkg/model"
)

// MemoryStore provides an in-memory DataStore implementation for tests.
// It mirrors SQLite behavior for validation, uniqueness and conditional updates.
//
// A transaction works on a copy of the state. Commit publishes the copy, or
// fails with ErrTxConflict when both the transaction and someone outside it
// wrote in the meantime, much like SQLite reports a busy snapshot.
type MemoryStore struct {
	mu  sync.RWMutex
	now func() time.Time
	st  *memoryState
}

type subKey struct {
	userID int64
	chatID int64
}

// ErrTxConflict is returned by MemoryStore transactions whose Commit would
// overwrite writes made outside the transaction.
var ErrTxConflict = errors.New("datastore: transaction conflicts with a concurrent write")

type memoryState struct {
	version    uint64 // bumped by every write
	nextUserID int64
	nextChatID int64

	usersByID       map[int64]model.User
	usersByUsername map[string]int64
	chatsByID       map[int64]model.Chat
	subs            map[subKey]model.Subscription
}

func (st *memoryState) clone() *memoryState {
	return &memoryState{
		version:         st.version,
		nextUserID:      st.nextUserID,
		nextChatID:      st.nextChatID,
		usersByID:       maps.Clone(st.usersByID),
		usersByUsername: maps.Clone(st.usersByUsername),
		chatsByID:       maps.Clone(st.chatsByID),
		subs:            maps.Clone(st.subs),
	}
}

// NewMemory creates a MemoryStore using time.Now().UTC().
func NewMemory() *MemoryStore {
	return NewMemoryWithClock(func() time.Time { return time.Now().UTC() })
}

// NewMemoryWithClock creates a MemoryStore with a custom clock.
func NewMemoryWithClock(now func() time.Time) *MemoryStore {
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &MemoryStore{
		now: now,
		st: &memoryState{
			nextUserID:      1,
			nextChatID:      1,
			usersByID:       make(map[int64]model.User),
			usersByUsername: make(map[string]int64),
			chatsByID:       make(map[int64]model.Chat),
			subs:            make(map[subKey]model.Subscription),
		},
	}
}

// NonTx returns the store itself.
func (s *MemoryStore) NonTx() DataStore {
	return s
}

// Tx works on a copy of the current state; Commit publishes the copy.
func (s *MemoryStore) Tx(_ context.Context) (DataStoreTx, error) {
	s.mu.RLock()
	st := s.st.clone()
	s.mu.RUnlock()
	return &memoryTx{
		MemoryStore: &MemoryStore{now: s.now, st: st},
		parent:      s,
		base:        st.version,
	}, nil
}

type memoryTx struct {
	*MemoryStore
	parent *MemoryStore
	base   uint64 // parent version the copy was taken at
	done   bool
}

func (t *memoryTx) Commit() error {
	if t.done {
		return fmt.Errorf("datastore: commit: transaction already finished")
	}
	t.done = true
	t.MemoryStore.mu.RLock()
	st := t.MemoryStore.st
	t.MemoryStore.mu.RUnlock()

	if st.version == t.base {
		return nil // read-only
	}

	t.parent.mu.Lock()
	defer t.parent.mu.Unlock()
	if t.parent.st.version != t.base {
		return fmt.Errorf("datastore: commit: %w", ErrTxConflict)
	}
	t.parent.st = st
	return nil
}

func (t *memoryTx) Rollback() error {
	if t.done {
		return fmt.Errorf("datastore: rollback: transaction already finished")
	}
	t.done = true
	return nil
}

// Close is a no-op for MemoryStore.
func (s *MemoryStore) Close() error {
	return nil
}

func (s *MemoryStore) stamp() time.Time {
	return s.now().UTC().Truncate(time.Second)
}

// CreateUser creates a new user and fills in its ID and CreatedAt.
func (s *MemoryStore) CreateUser(_ context.Context, user *model.User) error {
	if err := user.Validate(); err != nil {
		return fmt.Errorf("datastore: create user: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.st.usersByUsername[user.Username]; exists {
		return fmt.Errorf("datastore: create user: constraint failed: UNIQUE constraint failed: users.username")
	}
	user.ID = s.st.nextUserID
	user.CreatedAt = s.stamp()
	s.st.version++
	s.st.nextUserID++
	s.st.usersByID[user.ID] = *user
	s.st.usersByUsername[user.Username] = user.ID
	return nil
}

// GetUserByUsername retrieves a user by username.
func (s *MemoryStore) GetUserByUsername(_ context.Context, username string) (*model.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.st.usersByUsername[username]
	if !ok {
		return nil, nil
	}
	u := s.st.usersByID[id]
	return &u, nil
}

// GetUserByID retrieves a user by ID.
func (s *MemoryStore) GetUserByID(_ context.Context, id int64) (*model.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.st.usersByID[id]
	if !ok {
		return nil, nil
	}
	return &u, nil
}

// UpdateUser writes the mutable profile fields of an existing user.
func (s *MemoryStore) UpdateUser(_ context.Context, user *model.User) (bool, error) {
	if err := user.Validate(); err != nil {
		return false, fmt.Errorf("datastore: update user: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.st.usersByID[user.ID]
	if !ok {
		return false, nil
	}
	u.Nickname = user.Nickname
	u.AvatarPath = user.AvatarPath
	u.PasswordHash = user.PasswordHash
	s.st.usersByID[user.ID] = u
	s.st.version++
	return true, nil
}

// DeleteUser removes a user and its subscriptions.
func (s *MemoryStore) DeleteUser(_ context.Context, id int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.st.usersByID[id]
	if !ok {
		return false, nil
	}
	delete(s.st.usersByID, id)
	delete(s.st.usersByUsername, u.Username)
	maps.DeleteFunc(s.st.subs, func(k subKey, _ model.Subscription) bool {
		return k.userID == id
	})
	s.st.version++
	return true, nil
}

// ListUsers returns all users.
func (s *MemoryStore) ListUsers(_ context.Context) ([]model.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	users := slices.Collect(maps.Values(s.st.usersByID))
	sort.Slice(users, func(i, j int) bool {
		return users[i].ID < users[j].ID
	})
	return users, nil
}

// CreateChat stores an active chat and fills in its ID and StartTime.
func (s *MemoryStore) CreateChat(_ context.Context, chat *model.Chat) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	chat.ID = s.st.nextChatID
	chat.StartTime = s.stamp()
	chat.EndTime = time.Time{}
	chat.TranscriptPath = ""
	s.st.version++
	s.st.nextChatID++
	s.st.chatsByID[chat.ID] = *chat
	return nil
}

// EndChat ends a chat only if it is still active.
func (s *MemoryStore) EndChat(_ context.Context, id int64, endTime time.Time, transcriptPath string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch, ok := s.st.chatsByID[id]
	if !ok || ch.Ended() {
		return false, nil
	}
	ch.EndTime = endTime.UTC().Truncate(time.Second)
	ch.TranscriptPath = transcriptPath
	s.st.chatsByID[id] = ch
	s.st.version++
	return true, nil
}

// GetChat retrieves a chat by ID.
func (s *MemoryStore) GetChat(_ context.Context, id int64) (*model.Chat, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ch, ok := s.st.chatsByID[id]
	if !ok {
		return nil, nil
	}
	return &ch, nil
}

// ListChats returns all chats, oldest first.
func (s *MemoryStore) ListChats(_ context.Context) ([]model.Chat, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	chats := slices.Collect(maps.Values(s.st.chatsByID))
	sort.Slice(chats, func(i, j int) bool {
		return chats[i].ID < chats[j].ID
	})
	return chats, nil
}

// CreateSubscription adds the (user, chat) edge; false if it already existed.
func (s *MemoryStore) CreateSubscription(_ context.Context, userID, chatID int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.st.usersByID[userID]; !ok {
		return false, fmt.Errorf("datastore: create subscription: constraint failed: FOREIGN KEY constraint failed")
	}
	if ch, ok := s.st.chatsByID[chatID]; !ok || ch.Ended() {
		return false, nil
	}
	key := subKey{userID: userID, chatID: chatID}
	if _, exists := s.st.subs[key]; exists {
		return false, nil
	}
	s.st.subs[key] = model.Subscription{UserID: userID, ChatID: chatID, CreatedAt: s.stamp()}
	s.st.version++
	return true, nil
}

// DeleteSubscription removes the (user, chat) edge; false if there was none.
func (s *MemoryStore) DeleteSubscription(_ context.Context, userID, chatID int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := subKey{userID: userID, chatID: chatID}
	if _, exists := s.st.subs[key]; !exists {
		return false, nil
	}
	delete(s.st.subs, key)
	s.st.version++
	return true, nil
}

// HasSubscription reports whether the (user, chat) edge exists.
func (s *MemoryStore) HasSubscription(_ context.Context, userID, chatID int64) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.st.subs[subKey{userID: userID, chatID: chatID}]
	return ok, nil
}

// ListSubscriptionsByUser returns the user's subscriptions ordered by chat ID.
func (s *MemoryStore) ListSubscriptionsByUser(_ context.Context, userID int64) ([]model.Subscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var subs []model.Subscription
	for key, sub := range s.st.subs {
		if key.userID == userID {
			subs = append(subs, sub)
		}
	}
	sort.Slice(subs, func(i, j int) bool {
		return subs[i].ChatID < subs[j].ChatID
	})
	return subs, nil
}

// ListSubscriptionsByChat returns the chat's subscriptions ordered by user ID.
func (s *MemoryStore) ListSubscriptionsByChat(_ context.Context, chatID int64) ([]model.Subscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var subs []model.Subscription
	for key, sub := range s.st.subs {
		if key.chatID == chatID {
			subs = append(subs, sub)
		}
	}
	sort.Slice(subs, func(i, j int) bool {
		return subs[i].UserID < subs[j].UserID
	})
	return subs, nil
}
