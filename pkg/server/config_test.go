package server

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/NicolasHaas/gorelay/pkg/crypto"
	"github.com/NicolasHaas/gorelay/pkg/datastore"
)

const seedYAML = `
users:
  - username: alice
    password: wonderland
    nickname: Alice
    avatar: avatars/alice.png
  - username: bob
    password: builder
chats:
  - subscribers: [alice, bob]
  - subscribers: [bob]
  - {}
`

func TestImportSeed(t *testing.T) {
	ctx := context.Background()
	st := datastore.NewMemory()

	require.NoError(t, ImportSeedFromYAML(ctx, []byte(seedYAML), st))

	alice, err := st.GetUserByUsername(ctx, "alice")
	require.NoError(t, err)
	require.NotNil(t, alice)
	assert.Equal(t, "Alice", alice.Nickname)
	assert.Equal(t, "avatars/alice.png", alice.AvatarPath)
	require.NoError(t, crypto.VerifyPassword("wonderland", alice.PasswordHash))

	chats, err := st.ListChats(ctx)
	require.NoError(t, err)
	require.Len(t, chats, 3)

	subs, err := st.ListSubscriptionsByChat(ctx, chats[0].ID)
	require.NoError(t, err)
	assert.Len(t, subs, 2)
	subs, err = st.ListSubscriptionsByChat(ctx, chats[2].ID)
	require.NoError(t, err)
	assert.Empty(t, subs)

	// Re-applying the seed neither duplicates chats nor resets passwords.
	require.NoError(t, ImportSeedFromYAML(ctx, []byte(`
users:
  - username: alice
    password: changed
`), st))
	require.NoError(t, ImportSeedFromYAML(ctx, []byte(seedYAML), st))
	chats, err = st.ListChats(ctx)
	require.NoError(t, err)
	assert.Len(t, chats, 3)
	alice, err = st.GetUserByUsername(ctx, "alice")
	require.NoError(t, err)
	assert.NoError(t, crypto.VerifyPassword("wonderland", alice.PasswordHash))
}

func TestImportSeedIsAtomic(t *testing.T) {
	ctx := context.Background()
	st := datastore.NewMemory()

	err := ImportSeedFromYAML(ctx, []byte(`
users:
  - username: alice
    password: pw
chats:
  - subscribers: [alice, mallory]
`), st)
	require.ErrorContains(t, err, "mallory")

	users, err := st.ListUsers(ctx)
	require.NoError(t, err)
	assert.Empty(t, users)
	chats, err := st.ListChats(ctx)
	require.NoError(t, err)
	assert.Empty(t, chats)
}

func TestImportSeedRejectsBadInput(t *testing.T) {
	ctx := context.Background()
	tests := map[string]string{
		"not yaml":         "users: [",
		"missing password": "users:\n  - username: alice\n",
		"bad username":     "users:\n  - username: 'a b'\n    password: pw\n",
	}
	for name, data := range tests {
		t.Run(name, func(t *testing.T) {
			assert.Error(t, ImportSeedFromYAML(ctx, []byte(data), datastore.NewMemory()))
		})
	}
}

func TestExportYAML(t *testing.T) {
	ctx := context.Background()
	st := datastore.NewMemory()
	require.NoError(t, ImportSeedFromYAML(ctx, []byte(seedYAML), st))

	data, err := ExportUsersYAML(ctx, st)
	require.NoError(t, err)
	var users UsersExport
	require.NoError(t, yaml.Unmarshal(data, &users))
	require.Len(t, users.Users, 2)
	assert.Equal(t, "alice", users.Users[0].Username)
	assert.Equal(t, "avatars/alice.png", users.Users[0].Avatar)
	assert.NotContains(t, string(data), "argon2id")

	chats, err := st.ListChats(ctx)
	require.NoError(t, err)
	ended, err := st.EndChat(ctx, chats[1].ID, chats[1].StartTime, "transcripts/chat_2.txt")
	require.NoError(t, err)
	require.True(t, ended)

	data, err = ExportChatsYAML(ctx, st)
	require.NoError(t, err)
	var export ChatsExport
	require.NoError(t, yaml.Unmarshal(data, &export))
	require.Len(t, export.Chats, 3)
	assert.Equal(t, []string{"alice", "bob"}, export.Chats[0].Subscribers)
	assert.Equal(t, "active", export.Chats[0].State)
	assert.Equal(t, "ended", export.Chats[1].State)
	assert.Equal(t, "transcripts/chat_2.txt", export.Chats[1].TranscriptPath)
	assert.NotEmpty(t, export.Chats[1].EndTime)
}
