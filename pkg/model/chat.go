package model

import "time"

// ChatState is the lifecycle state of a chat. Active -> Ended is one-way.
type ChatState int

const (
	ChatActive ChatState = iota
	ChatEnded
)

func (s ChatState) String() string {
	switch s {
	case ChatActive:
		return "active"
	case ChatEnded:
		return "ended"
	default:
		return "unknown"
	}
}

// Chat is a durable conversation. EndTime is zero while the chat is active.
type Chat struct {
	ID             int64     `json:"id"`
	StartTime      time.Time `json:"start_time"`
	EndTime        time.Time `json:"end_time,omitempty"`
	TranscriptPath string    `json:"transcript_path,omitempty"`
}

// State derives the lifecycle state from EndTime.
func (c *Chat) State() ChatState {
	if c.EndTime.IsZero() {
		return ChatActive
	}
	return ChatEnded
}

// Ended reports whether the chat reached its terminal state.
func (c *Chat) Ended() bool {
	return c.State() == ChatEnded
}
