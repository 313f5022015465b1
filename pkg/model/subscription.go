package model

import "time"

// Subscription is the permission edge that lets a user post into a chat.
// There is at most one per (UserID, ChatID) pair.
type Subscription struct {
	UserID    int64     `json:"user_id"`
	ChatID    int64     `json:"chat_id"`
	CreatedAt time.Time `json:"created_at"`
}
