package model

import "time"

// Identity describes one connected session (in-memory only). SessionID is
// the only key; several sessions may share a nickname.
type Identity struct {
	SessionID string
	Nickname  string
	UserID    int64
	JoinedAt  time.Time
}
