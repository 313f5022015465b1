package client_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/NicolasHaas/gorelay/pkg/client"
)

func TestSettingsRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.yaml")

	assert.Equal(t, client.DefaultSettings(), client.LoadSettings(path))

	s := client.DefaultSettings()
	s.Nickname = "Al"
	s.DefaultChat = 7
	s.Timestamps = false
	require.NoError(t, s.Save(path))

	assert.Equal(t, s, client.LoadSettings(path))
}

func TestSettingsCorruptFileFallsBack(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.yaml")
	require.NoError(t, os.WriteFile(path, []byte("nickname: [unterminated"), 0o600))

	assert.Equal(t, client.DefaultSettings(), client.LoadSettings(path))
}

func TestBookmarks(t *testing.T) {
	path := filepath.Join(t.TempDir(), "servers.yaml")
	bs := client.NewBookmarkStore(path)
	require.NoError(t, bs.Load())
	assert.Nil(t, bs.MostRecent())

	assert.True(t, bs.Add(client.Bookmark{Name: "home", Addr: "localhost:9700", Username: "alice", LastUsed: 10}))
	assert.True(t, bs.Add(client.Bookmark{Name: "web", Addr: "ws://relay/ws", Username: "alice", LastUsed: 5}))
	assert.False(t, bs.Add(client.Bookmark{Name: "home2", Addr: "localhost:9700", Username: "alice", LastUsed: 1}))
	assert.True(t, bs.Touch("ws://relay/ws", "alice", 20))
	assert.False(t, bs.Touch("ws://relay/ws", "bob", 30))
	require.NoError(t, bs.Save())

	reloaded := client.NewBookmarkStore(path)
	require.NoError(t, reloaded.Load())
	require.Len(t, reloaded.Bookmarks, 2)
	assert.Equal(t, "home2", reloaded.Find("localhost:9700").Name)
	assert.Equal(t, "ws://relay/ws", reloaded.Find("web").Addr)
	assert.Nil(t, reloaded.Find("nowhere"))
	assert.Equal(t, "web", reloaded.MostRecent().Name)
}
