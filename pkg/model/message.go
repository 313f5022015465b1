package model

import (
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"
)

const MessageMaxBodyLength = 2000

var ErrMessageBodyTooLong = fmt.Errorf("message body exceeds %d characters", MessageMaxBodyLength)
var ErrMessageBodyEmpty = errors.New("message body cannot be empty")

// Message is a single line of chat text on its way through the dispatcher.
type Message struct {
	ChatID         int64     `json:"chat_id,omitempty"`
	SenderSession  string    `json:"sender_session"`
	SenderNickname string    `json:"sender_nickname"`
	Body           string    `json:"body"`
	SentAt         time.Time `json:"sent_at"`
	Private        bool      `json:"private,omitempty"`
}

func (m *Message) Validate() error {
	if strings.TrimSpace(m.Body) == "" {
		return ErrMessageBodyEmpty
	} else if utf8.RuneCountInString(m.Body) > MessageMaxBodyLength {
		return ErrMessageBodyTooLong
	}

	return nil
}

// Line renders the message the way it is delivered and stored in transcripts.
func (m *Message) Line() string {
	prefix := ""
	if m.Private {
		prefix = "(private) "
	}
	return fmt.Sprintf("[%s] %s%s: %s", m.SentAt.Format("15:04:05"), prefix, m.SenderNickname, m.Body)
}
