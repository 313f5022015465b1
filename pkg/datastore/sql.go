// Package datastore provides persistence for users, chats and subscriptions.
package datastore

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"time"

	_ "modernc.org/sqlite"

	"github.com/NicolasHaas/gorelay/pkg/model"
)

const dbTimeLayout = "2006-01-02 15:04:05"

type DB interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type baseProvider struct {
	DB
}

func (p *baseProvider) Close() error {
	return nil
}

type nonTxProvider struct {
	baseProvider
}

type txProvider struct {
	baseProvider
	tx *sql.Tx
}

func (c *txProvider) Rollback() error {
	return c.tx.Rollback()
}

func (c *txProvider) Commit() error {
	return c.tx.Commit()
}

// ProviderFactory hands out SQLite-backed providers, with or without a transaction.
type ProviderFactory struct {
	DB *sql.DB
}

func (sf *ProviderFactory) NonTx() DataStore {
	return &nonTxProvider{
		baseProvider: baseProvider{
			DB: sf.DB,
		},
	}
}

func (sf *ProviderFactory) Tx(ctx context.Context) (DataStoreTx, error) {
	tx, err := sf.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("datastore: begin tx: %w", err)
	}

	return &txProvider{
		baseProvider: baseProvider{
			DB: tx,
		},
		tx: tx,
	}, nil
}

// NewProviderFactory opens (or creates) a SQLite database and runs migrations.
// Pragmas go through the DSN so that every pooled connection gets them.
func NewProviderFactory(dbPath string) (*ProviderFactory, error) {
	q := url.Values{}
	q.Add("_pragma", "journal_mode(WAL)")
	q.Add("_pragma", "foreign_keys(1)")
	// avoid "database is locked" under concurrency
	q.Add("_pragma", "busy_timeout(5000)")

	db, err := sql.Open("sqlite", "file:"+dbPath+"?"+q.Encode())
	if err != nil {
		return nil, fmt.Errorf("datastore: open DB: %w", err)
	}
	if err := db.PingContext(context.Background()); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("datastore: ping DB: %w", err)
	}

	s := &ProviderFactory{DB: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("datastore: migrate: %w", err)
	}
	return s, nil
}

// Close closes the database connection.
func (s *ProviderFactory) Close() error {
	return s.DB.Close()
}

func (s *ProviderFactory) migrate() error {
	const schema = `
	CREATE TABLE IF NOT EXISTS users (
		id            INTEGER PRIMARY KEY AUTOINCREMENT,
		username      TEXT    NOT NULL UNIQUE CHECK(length(username) > 0 AND length(username) <= 32),
		password_hash TEXT    NOT NULL DEFAULT '',
		nickname      TEXT    NOT NULL DEFAULT '',
		avatar_path   TEXT    NOT NULL DEFAULT '',
		created_at    TEXT    NOT NULL DEFAULT (datetime('now'))
	);

	CREATE TABLE IF NOT EXISTS chats (
		id              INTEGER PRIMARY KEY AUTOINCREMENT,
		start_time      TEXT    NOT NULL,
		end_time        TEXT,
		transcript_path TEXT    NOT NULL DEFAULT ''
	);

	CREATE TABLE IF NOT EXISTS subscriptions (
		user_id    INTEGER NOT NULL REFERENCES users(id) ON DELETE CASCADE,
		chat_id    INTEGER NOT NULL REFERENCES chats(id) ON DELETE CASCADE,
		created_at TEXT    NOT NULL DEFAULT (datetime('now')),
		UNIQUE (user_id, chat_id)
	);
	`
	ctx := context.Background()
	if err := s.ensureSchemaMigrations(ctx); err != nil {
		return err
	}
	currentVersion, err := s.getSchemaVersion(ctx)
	if err != nil {
		return err
	}

	migrations := []struct {
		version      int
		statements   []string
		ignoreErrors bool
	}{
		{
			version:    1,
			statements: []string{schema},
		},
		{
			version: 2,
			statements: []string{
				"CREATE INDEX IF NOT EXISTS idx_subscriptions_chat ON subscriptions (chat_id)",
			},
		},
	}

	for _, m := range migrations {
		if m.version <= currentVersion {
			continue
		}
		for _, stmt := range m.statements {
			if err := s.execMigration(ctx, stmt, m.ignoreErrors); err != nil {
				return err
			}
		}
		if err := s.setSchemaVersion(ctx, m.version); err != nil {
			return err
		}
	}
	return nil
}

func (s *ProviderFactory) ensureSchemaMigrations(ctx context.Context) error {
	if _, err := s.DB.ExecContext(ctx, "CREATE TABLE IF NOT EXISTS schema_migrations (version INTEGER NOT NULL)"); err != nil {
		return fmt.Errorf("datastore: create schema_migrations: %w", err)
	}
	var count int
	if err := s.DB.QueryRowContext(ctx, "SELECT COUNT(*) FROM schema_migrations").Scan(&count); err != nil {
		return fmt.Errorf("datastore: check schema_migrations: %w", err)
	}
	if count == 0 {
		if _, err := s.DB.ExecContext(ctx, "INSERT INTO schema_migrations (version) VALUES (0)"); err != nil {
			return fmt.Errorf("datastore: init schema_migrations: %w", err)
		}
	}
	return nil
}

func (s *ProviderFactory) getSchemaVersion(ctx context.Context) (int, error) {
	var version int
	if err := s.DB.QueryRowContext(ctx, "SELECT version FROM schema_migrations LIMIT 1").Scan(&version); err != nil {
		return 0, fmt.Errorf("datastore: read schema version: %w", err)
	}
	return version, nil
}

func (s *ProviderFactory) setSchemaVersion(ctx context.Context, version int) error {
	if _, err := s.DB.ExecContext(ctx, "UPDATE schema_migrations SET version = ?", version); err != nil {
		return fmt.Errorf("datastore: update schema version: %w", err)
	}
	return nil
}

func (s *ProviderFactory) execMigration(ctx context.Context, stmt string, ignoreErrors bool) error {
	if _, err := s.DB.ExecContext(ctx, stmt); err != nil {
		if ignoreErrors {
			return nil
		}
		return fmt.Errorf("datastore: migrate: %w", err)
	}
	return nil
}

func formatDBTime(t time.Time) string {
	return t.UTC().Format(dbTimeLayout)
}

func parseDBTime(value string) (time.Time, error) {
	return time.ParseInLocation(dbTimeLayout, value, time.UTC)
}

// dbNow is the current time at the precision the schema stores.
func dbNow() time.Time {
	return time.Now().UTC().Truncate(time.Second)
}

type rowScanner interface {
	Scan(dest ...any) error
}

// ---- Users ----

const userColumns = "id, username, password_hash, nickname, avatar_path, created_at"

// CreateUser inserts a user and fills in its ID and CreatedAt.
func (s *baseProvider) CreateUser(ctx context.Context, user *model.User) error {
	if err := user.Validate(); err != nil {
		return fmt.Errorf("datastore: create user: %w", err)
	}
	createdAt := dbNow()
	res, err := s.ExecContext(ctx,
		"INSERT INTO users (username, password_hash, nickname, avatar_path, created_at) VALUES (?, ?, ?, ?, ?)",
		user.Username, user.PasswordHash, user.Nickname, user.AvatarPath, formatDBTime(createdAt))
	if err != nil {
		return fmt.Errorf("datastore: create user: %w", err)
	}
	user.ID, _ = res.LastInsertId()
	user.CreatedAt = createdAt
	return nil
}

func scanUser(row rowScanner) (*model.User, error) {
	u := &model.User{}
	var createdAt string
	if err := row.Scan(&u.ID, &u.Username, &u.PasswordHash, &u.Nickname, &u.AvatarPath, &createdAt); err != nil {
		return nil, err
	}
	parsed, err := parseDBTime(createdAt)
	if err != nil {
		return nil, err
	}
	u.CreatedAt = parsed
	return u, nil
}

// GetUserByUsername retrieves a user by username.
func (s *baseProvider) GetUserByUsername(ctx context.Context, username string) (*model.User, error) {
	u, err := scanUser(s.QueryRowContext(ctx, "SELECT "+userColumns+" FROM users WHERE username = ?", username))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("datastore: get user: %w", err)
	}
	return u, nil
}

// GetUserByID retrieves a user by ID.
func (s *baseProvider) GetUserByID(ctx context.Context, id int64) (*model.User, error) {
	u, err := scanUser(s.QueryRowContext(ctx, "SELECT "+userColumns+" FROM users WHERE id = ?", id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("datastore: get user: %w", err)
	}
	return u, nil
}

// UpdateUser writes the mutable profile fields of an existing user.
func (s *baseProvider) UpdateUser(ctx context.Context, user *model.User) (bool, error) {
	if err := user.Validate(); err != nil {
		return false, fmt.Errorf("datastore: update user: %w", err)
	}
	res, err := s.ExecContext(ctx,
		"UPDATE users SET nickname = ?, avatar_path = ?, password_hash = ? WHERE id = ?",
		user.Nickname, user.AvatarPath, user.PasswordHash, user.ID)
	if err != nil {
		return false, fmt.Errorf("datastore: update user: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("datastore: update user: %w", err)
	}
	return n == 1, nil
}

// DeleteUser removes a user; ON DELETE CASCADE drops its subscriptions.
func (s *baseProvider) DeleteUser(ctx context.Context, id int64) (bool, error) {
	res, err := s.ExecContext(ctx, "DELETE FROM users WHERE id = ?", id)
	if err != nil {
		return false, fmt.Errorf("datastore: delete user: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("datastore: delete user: %w", err)
	}
	return n == 1, nil
}

// ListUsers returns all users.
func (s *baseProvider) ListUsers(ctx context.Context) ([]model.User, error) {
	rows, err := s.QueryContext(ctx, "SELECT "+userColumns+" FROM users ORDER BY id")
	if err != nil {
		return nil, fmt.Errorf("datastore: list users: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var users []model.User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, fmt.Errorf("datastore: scan user: %w", err)
		}
		users = append(users, *u)
	}
	return users, rows.Err()
}

// ---- Chats ----

const chatColumns = "id, start_time, end_time, transcript_path"

// CreateChat inserts an active chat and fills in its ID and StartTime.
func (s *baseProvider) CreateChat(ctx context.Context, chat *model.Chat) error {
	start := dbNow()
	res, err := s.ExecContext(ctx, "INSERT INTO chats (start_time) VALUES (?)", formatDBTime(start))
	if err != nil {
		return fmt.Errorf("datastore: create chat: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("datastore: create chat: %w", err)
	}
	chat.ID = id
	chat.StartTime = start
	chat.EndTime = time.Time{}
	chat.TranscriptPath = ""
	return nil
}

// EndChat marks an active chat as ended. The WHERE clause keeps the first end
// time and transcript path; a second call updates nothing.
func (s *baseProvider) EndChat(ctx context.Context, id int64, endTime time.Time, transcriptPath string) (bool, error) {
	res, err := s.ExecContext(ctx,
		"UPDATE chats SET end_time = ?, transcript_path = ? WHERE id = ? AND end_time IS NULL",
		formatDBTime(endTime), transcriptPath, id)
	if err != nil {
		return false, fmt.Errorf("datastore: end chat: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("datastore: end chat: %w", err)
	}
	return n == 1, nil
}

func scanChat(row rowScanner) (*model.Chat, error) {
	ch := &model.Chat{}
	var start string
	var end sql.NullString
	if err := row.Scan(&ch.ID, &start, &end, &ch.TranscriptPath); err != nil {
		return nil, err
	}
	parsed, err := parseDBTime(start)
	if err != nil {
		return nil, err
	}
	ch.StartTime = parsed
	if end.Valid {
		parsed, err := parseDBTime(end.String)
		if err != nil {
			return nil, err
		}
		ch.EndTime = parsed
	}
	return ch, nil
}

// GetChat retrieves a chat by ID.
func (s *baseProvider) GetChat(ctx context.Context, id int64) (*model.Chat, error) {
	ch, err := scanChat(s.QueryRowContext(ctx, "SELECT "+chatColumns+" FROM chats WHERE id = ?", id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("datastore: get chat: %w", err)
	}
	return ch, nil
}

// ListChats returns all chats, oldest first.
func (s *baseProvider) ListChats(ctx context.Context) ([]model.Chat, error) {
	rows, err := s.QueryContext(ctx, "SELECT "+chatColumns+" FROM chats ORDER BY id")
	if err != nil {
		return nil, fmt.Errorf("datastore: list chats: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var chats []model.Chat
	for rows.Next() {
		ch, err := scanChat(rows)
		if err != nil {
			return nil, fmt.Errorf("datastore: scan chat: %w", err)
		}
		chats = append(chats, *ch)
	}
	return chats, rows.Err()
}

// ---- Subscriptions ----

// CreateSubscription adds the (user, chat) edge. The insert selects from the
// active chat row, so a missing or ended chat writes nothing, and the UNIQUE
// constraint turns a duplicate into a no-op. Both are reported as false.
func (s *baseProvider) CreateSubscription(ctx context.Context, userID, chatID int64) (bool, error) {
	res, err := s.ExecContext(ctx,
		`INSERT OR IGNORE INTO subscriptions (user_id, chat_id, created_at)
		 SELECT ?, id, ? FROM chats WHERE id = ? AND end_time IS NULL`,
		userID, formatDBTime(dbNow()), chatID)
	if err != nil {
		return false, fmt.Errorf("datastore: create subscription: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("datastore: create subscription: %w", err)
	}
	return n == 1, nil
}

// DeleteSubscription removes the (user, chat) edge.
func (s *baseProvider) DeleteSubscription(ctx context.Context, userID, chatID int64) (bool, error) {
	res, err := s.ExecContext(ctx, "DELETE FROM subscriptions WHERE user_id = ? AND chat_id = ?", userID, chatID)
	if err != nil {
		return false, fmt.Errorf("datastore: delete subscription: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("datastore: delete subscription: %w", err)
	}
	return n > 0, nil
}

// HasSubscription reports whether the (user, chat) edge exists.
func (s *baseProvider) HasSubscription(ctx context.Context, userID, chatID int64) (bool, error) {
	var count int
	err := s.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM subscriptions WHERE user_id = ? AND chat_id = ?", userID, chatID).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("datastore: check subscription: %w", err)
	}
	return count > 0, nil
}

// ListSubscriptionsByUser returns the user's subscriptions ordered by chat ID.
func (s *baseProvider) ListSubscriptionsByUser(ctx context.Context, userID int64) ([]model.Subscription, error) {
	return s.listSubscriptions(ctx,
		"SELECT user_id, chat_id, created_at FROM subscriptions WHERE user_id = ? ORDER BY chat_id", userID)
}

// ListSubscriptionsByChat returns the chat's subscriptions ordered by user ID.
func (s *baseProvider) ListSubscriptionsByChat(ctx context.Context, chatID int64) ([]model.Subscription, error) {
	return s.listSubscriptions(ctx,
		"SELECT user_id, chat_id, created_at FROM subscriptions WHERE chat_id = ? ORDER BY user_id", chatID)
}

func (s *baseProvider) listSubscriptions(ctx context.Context, query string, arg int64) ([]model.Subscription, error) {
	rows, err := s.QueryContext(ctx, query, arg)
	if err != nil {
		return nil, fmt.Errorf("datastore: list subscriptions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var subs []model.Subscription
	for rows.Next() {
		var sub model.Subscription
		var createdAt string
		if err := rows.Scan(&sub.UserID, &sub.ChatID, &createdAt); err != nil {
			return nil, fmt.Errorf("datastore: scan subscription: %w", err)
		}
		parsed, err := parseDBTime(createdAt)
		if err != nil {
			return nil, fmt.Errorf("datastore: scan subscription: %w", err)
		}
		sub.CreatedAt = parsed
		subs = append(subs, sub)
	}
	return subs, rows.Err()
}
