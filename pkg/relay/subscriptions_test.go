package relay_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/NicolasHaas/gorelay/pkg/datastore"
	"github.com/NicolasHaas/gorelay/pkg/model"
	"github.com/NicolasHaas/gorelay/pkg/relay"
	"github.com/NicolasHaas/gorelay/pkg/relay/mocks"
)

func newSubscriptions(t *testing.T, store datastore.DataStore) (*relay.Subscriptions, *relay.ObserverHub) {
	t.Helper()
	hub := relay.NewObserverHub(discardLogger())
	return relay.NewSubscriptions(store, hub, discardLogger()), hub
}

func seed(t *testing.T, store datastore.DataStore) (model.User, model.Chat) {
	t.Helper()
	ctx := context.Background()
	u := &model.User{Username: "alice", Nickname: "alice"}
	require.NoError(t, store.CreateUser(ctx, u))
	ch := &model.Chat{}
	require.NoError(t, store.CreateChat(ctx, ch))
	return *u, *ch
}

func TestSubscriptions_SubscribeNotifiesObserverAfterWrite(t *testing.T) {
	ctx := context.Background()
	ctrl := gomock.NewController(t)
	store := datastore.NewMemory()
	subs, hub := newSubscriptions(t, store)
	user, chat := seed(t, store)

	obs := mocks.NewMockSubscriptionObserver(ctrl)
	obs.EXPECT().OnSubscribe(gomock.Any(), user, chat).DoAndReturn(
		func(ctx context.Context, u model.User, c model.Chat) error {
			// The edge is already stored when observers run.
			ok, err := store.HasSubscription(ctx, u.ID, c.ID)
			require.NoError(t, err)
			require.True(t, ok)
			return nil
		}).Times(1)
	hub.AddObserver(obs)

	require.NoError(t, subs.Subscribe(ctx, user.ID, chat.ID))
}

func TestSubscriptions_SubscribeTwiceKeepsOneRow(t *testing.T) {
	ctx := context.Background()
	ctrl := gomock.NewController(t)
	store := datastore.NewMemory()
	subs, hub := newSubscriptions(t, store)
	user, chat := seed(t, store)

	obs := mocks.NewMockSubscriptionObserver(ctrl)
	obs.EXPECT().OnSubscribe(gomock.Any(), gomock.Any(), gomock.Any()).Return(nil).Times(1)
	hub.AddObserver(obs)

	require.NoError(t, subs.Subscribe(ctx, user.ID, chat.ID))
	err := subs.Subscribe(ctx, user.ID, chat.ID)

	require.ErrorIs(t, err, relay.ErrAlreadySubscribed)
	require.ErrorIs(t, err, relay.ErrAlreadyExists)
	rows, err := store.ListSubscriptionsByChat(ctx, chat.ID)
	require.NoError(t, err)
	require.Len(t, rows, 1)
}

func TestSubscriptions_SubscribeRejections(t *testing.T) {
	ctx := context.Background()

	tcases := map[string]struct {
		prepare func(t *testing.T, store *datastore.MemoryStore, user model.User, chat model.Chat) (int64, int64)
		wantErr error
	}{
		"missing_chat": {
			prepare: func(_ *testing.T, _ *datastore.MemoryStore, user model.User, _ model.Chat) (int64, int64) {
				return user.ID, 999
			},
			wantErr: relay.ErrNotFound,
		},
		"missing_user": {
			prepare: func(_ *testing.T, _ *datastore.MemoryStore, _ model.User, chat model.Chat) (int64, int64) {
				return 999, chat.ID
			},
			wantErr: relay.ErrNotFound,
		},
		"ended_chat": {
			prepare: func(t *testing.T, store *datastore.MemoryStore, user model.User, chat model.Chat) (int64, int64) {
				ok, err := store.EndChat(ctx, chat.ID, time.Now(), "x")
				require.NoError(t, err)
				require.True(t, ok)
				return user.ID, chat.ID
			},
			wantErr: relay.ErrAlreadyEnded,
		},
	}

	for name, tc := range tcases {
		t.Run(name, func(t *testing.T) {
			ctrl := gomock.NewController(t)
			store := datastore.NewMemory()
			subs, hub := newSubscriptions(t, store)
			hub.AddObserver(mocks.NewMockSubscriptionObserver(ctrl)) // must not be called
			user, chat := seed(t, store)

			userID, chatID := tc.prepare(t, store, user, chat)
			require.ErrorIs(t, subs.Subscribe(ctx, userID, chatID), tc.wantErr)
		})
	}
}

func TestSubscriptions_ChatEndingDuringSubscribe(t *testing.T) {
	ctx := context.Background()
	ctrl := gomock.NewController(t)
	store := &failingStore{DataStore: datastore.NewMemory(), endBeforeSubscribe: true}
	subs, hub := newSubscriptions(t, store)
	user, chat := seed(t, store)
	hub.AddObserver(mocks.NewMockSubscriptionObserver(ctrl)) // no calls expected

	err := subs.Subscribe(ctx, user.ID, chat.ID)

	require.ErrorIs(t, err, relay.ErrAlreadyEnded)
	ok, err := store.HasSubscription(ctx, user.ID, chat.ID)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestSubscriptions_UnsubscribeAbsent(t *testing.T) {
	ctx := context.Background()
	ctrl := gomock.NewController(t)
	store := datastore.NewMemory()
	subs, hub := newSubscriptions(t, store)
	hub.AddObserver(mocks.NewMockSubscriptionObserver(ctrl))
	user, chat := seed(t, store)

	err := subs.Unsubscribe(ctx, user.ID, chat.ID)

	require.ErrorIs(t, err, relay.ErrNotSubscribed)
	require.ErrorIs(t, err, relay.ErrNotFound)
}

func TestSubscriptions_UnsubscribeNotifiesObserver(t *testing.T) {
	ctx := context.Background()
	ctrl := gomock.NewController(t)
	store := datastore.NewMemory()
	subs, hub := newSubscriptions(t, store)
	user, chat := seed(t, store)

	obs := mocks.NewMockSubscriptionObserver(ctrl)
	gomock.InOrder(
		obs.EXPECT().OnSubscribe(gomock.Any(), user, chat).Return(nil),
		obs.EXPECT().OnUnsubscribe(gomock.Any(), user, chat).Return(nil),
	)
	hub.AddObserver(obs)

	require.NoError(t, subs.Subscribe(ctx, user.ID, chat.ID))
	require.NoError(t, subs.Unsubscribe(ctx, user.ID, chat.ID))

	ok, err := subs.IsSubscribed(ctx, user.ID, chat.ID)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestSubscriptions_PersistenceFailureSkipsObservers(t *testing.T) {
	ctx := context.Background()
	ctrl := gomock.NewController(t)
	mem := datastore.NewMemory()
	user, chat := seed(t, mem)
	subs, hub := newSubscriptions(t, &failingStore{DataStore: mem, failCreateSubscription: true})
	hub.AddObserver(mocks.NewMockSubscriptionObserver(ctrl))

	err := subs.Subscribe(ctx, user.ID, chat.ID)

	require.ErrorIs(t, err, relay.ErrPersistence)
	require.ErrorIs(t, err, errBoom)
}

func TestSubscriptions_ListsAreRestartable(t *testing.T) {
	ctx := context.Background()
	store := datastore.NewMemory()
	subs, _ := newSubscriptions(t, store)
	alice, chat := seed(t, store)
	bob := &model.User{Username: "bob"}
	require.NoError(t, store.CreateUser(ctx, bob))

	byChat := subs.ListByChat(ctx, chat.ID)
	collect := func() []int64 {
		var ids []int64
		for sub, err := range byChat {
			require.NoError(t, err)
			ids = append(ids, sub.UserID)
		}
		return ids
	}

	require.Empty(t, collect())
	require.NoError(t, subs.Subscribe(ctx, alice.ID, chat.ID))
	require.Equal(t, []int64{alice.ID}, collect())
	require.NoError(t, subs.Subscribe(ctx, bob.ID, chat.ID))
	require.Equal(t, []int64{alice.ID, bob.ID}, collect())

	var chats []int64
	for sub, err := range subs.ListByUser(ctx, bob.ID) {
		require.NoError(t, err)
		chats = append(chats, sub.ChatID)
	}
	require.Equal(t, []int64{chat.ID}, chats)
}
