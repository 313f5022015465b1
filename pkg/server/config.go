package server

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/NicolasHaas/gorelay/pkg/crypto"
	"github.com/NicolasHaas/gorelay/pkg/datastore"
	"github.com/NicolasHaas/gorelay/pkg/model"
)

// SeedUser is an account in a seed file. Password is plain text and is
// hashed on import.
type SeedUser struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	Nickname string `yaml:"nickname,omitempty"`
	Avatar   string `yaml:"avatar,omitempty"`
}

// SeedChat is a chat in a seed file with the usernames subscribed to it.
type SeedChat struct {
	Subscribers []string `yaml:"subscribers,omitempty"`
}

// SeedConfig is the top-level YAML seed.
type SeedConfig struct {
	Users []SeedUser `yaml:"users"`
	Chats []SeedChat `yaml:"chats,omitempty"`
}

// UserYAML represents a user in YAML export.
type UserYAML struct {
	ID        int64  `yaml:"id"`
	Username  string `yaml:"username"`
	Nickname  string `yaml:"nickname,omitempty"`
	Avatar    string `yaml:"avatar,omitempty"`
	CreatedAt string `yaml:"created_at"`
}

// UsersExport is the top-level YAML for user export.
type UsersExport struct {
	Users []UserYAML `yaml:"users"`
}

// ChatYAML represents a chat in YAML export.
type ChatYAML struct {
	ID             int64    `yaml:"id"`
	State          string   `yaml:"state"`
	StartTime      string   `yaml:"start_time"`
	EndTime        string   `yaml:"end_time,omitempty"`
	TranscriptPath string   `yaml:"transcript_path,omitempty"`
	Subscribers    []string `yaml:"subscribers,omitempty"`
}

// ChatsExport is the top-level YAML for chat export.
type ChatsExport struct {
	Chats []ChatYAML `yaml:"chats"`
}

// LoadSeedFromYAML reads a seed file and applies it to the store.
func LoadSeedFromYAML(ctx context.Context, path string, st datastore.DataProviderFactory) error {
	data, err := os.ReadFile(path) //nolint:gosec // path from server config
	if err != nil {
		return fmt.Errorf("read seed: %w", err)
	}
	return ImportSeedFromYAML(ctx, data, st)
}

// ImportSeedFromYAML applies a seed in one transaction. Users are created
// when missing; existing accounts keep their password. Chats are only created
// on a store that has none, so restarting with the same seed does not
// duplicate them.
func ImportSeedFromYAML(ctx context.Context, data []byte, st datastore.DataProviderFactory) error {
	var seed SeedConfig
	if err := yaml.Unmarshal(data, &seed); err != nil {
		return fmt.Errorf("parse seed: %w", err)
	}

	tx, err := st.Tx(ctx)
	if err != nil {
		return fmt.Errorf("seed: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	ids := make(map[string]int64, len(seed.Users))
	for _, su := range seed.Users {
		id, err := ensureUser(ctx, tx, su)
		if err != nil {
			return fmt.Errorf("seed user %q: %w", su.Username, err)
		}
		ids[su.Username] = id
	}

	existing, err := tx.ListChats(ctx)
	if err != nil {
		return fmt.Errorf("seed: list chats: %w", err)
	}
	createdChats := 0
	if len(existing) == 0 {
		for i, sc := range seed.Chats {
			chat := &model.Chat{}
			if err := tx.CreateChat(ctx, chat); err != nil {
				return fmt.Errorf("seed chat #%d: %w", i+1, err)
			}
			createdChats++
			for _, name := range sc.Subscribers {
				uid, err := lookupUserID(ctx, tx, ids, name)
				if err != nil {
					return fmt.Errorf("seed chat #%d: %w", i+1, err)
				}
				if _, err := tx.CreateSubscription(ctx, uid, chat.ID); err != nil {
					return fmt.Errorf("seed chat #%d subscribe %q: %w", i+1, name, err)
				}
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("seed: commit: %w", err)
	}
	slog.Info("imported seed", "users", len(seed.Users), "chats", createdChats)
	return nil
}

func ensureUser(ctx context.Context, tx datastore.DataStoreTx, su SeedUser) (int64, error) {
	existing, err := tx.GetUserByUsername(ctx, su.Username)
	if err != nil {
		return 0, err
	}
	if existing != nil {
		return existing.ID, nil
	}
	if su.Password == "" {
		return 0, fmt.Errorf("password required")
	}
	hash, err := crypto.HashPassword(su.Password)
	if err != nil {
		return 0, err
	}
	u := &model.User{Username: su.Username, PasswordHash: hash, Nickname: su.Nickname, AvatarPath: su.Avatar}
	if err := tx.CreateUser(ctx, u); err != nil {
		return 0, err
	}
	return u.ID, nil
}

func lookupUserID(ctx context.Context, tx datastore.DataStoreTx, ids map[string]int64, username string) (int64, error) {
	if id, ok := ids[username]; ok {
		return id, nil
	}
	u, err := tx.GetUserByUsername(ctx, username)
	if err != nil {
		return 0, err
	}
	if u == nil {
		return 0, fmt.Errorf("unknown user %q", username)
	}
	return u.ID, nil
}

// ExportUsersYAML exports all users as YAML. Password hashes are not exported.
func ExportUsersYAML(ctx context.Context, st datastore.DataStore) ([]byte, error) {
	users, err := st.ListUsers(ctx)
	if err != nil {
		return nil, err
	}

	export := UsersExport{}
	for _, u := range users {
		export.Users = append(export.Users, UserYAML{
			ID:        u.ID,
			Username:  u.Username,
			Nickname:  u.Nickname,
			Avatar:    u.AvatarPath,
			CreatedAt: u.CreatedAt.UTC().Format(time.RFC3339),
		})
	}
	return yaml.Marshal(&export)
}

// ExportChatsYAML exports all chats with the usernames subscribed to them.
func ExportChatsYAML(ctx context.Context, st datastore.DataStore) ([]byte, error) {
	chats, err := st.ListChats(ctx)
	if err != nil {
		return nil, err
	}
	users, err := st.ListUsers(ctx)
	if err != nil {
		return nil, err
	}
	names := make(map[int64]string, len(users))
	for _, u := range users {
		names[u.ID] = u.Username
	}

	export := ChatsExport{}
	for _, c := range chats {
		subs, err := st.ListSubscriptionsByChat(ctx, c.ID)
		if err != nil {
			return nil, err
		}
		entry := ChatYAML{
			ID:             c.ID,
			State:          c.State().String(),
			StartTime:      c.StartTime.UTC().Format(time.RFC3339),
			TranscriptPath: c.TranscriptPath,
		}
		if c.Ended() {
			entry.EndTime = c.EndTime.UTC().Format(time.RFC3339)
		}
		for _, sub := range subs {
			entry.Subscribers = append(entry.Subscribers, names[sub.UserID])
		}
		export.Chats = append(export.Chats, entry)
	}
	return yaml.Marshal(&export)
}
