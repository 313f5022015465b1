package model

import (
	"strings"
	"testing"
	"time"
)

func TestValidateUsername(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantErr error
	}{
		{"valid simple", "alice", nil},
		{"valid with numbers", "user123", nil},
		{"valid with underscore", "my_user", nil},
		{"valid with hyphen", "my-user", nil},
		{"valid max length", strings.Repeat("a", MaxUsernameLength), nil},
		{"empty", "", ErrUsernameEmpty},
		{"too long", strings.Repeat("a", MaxUsernameLength+1), ErrUsernameTooLong},
		{"contains space", "has space", ErrUsernameInvalidChars},
		{"contains dot", "user.name", ErrUsernameInvalidChars},
		{"contains @", "user@name", ErrUsernameInvalidChars},
		{"unicode letter", "ñoño", ErrUsernameInvalidChars},
		{"newline", "user\nname", ErrUsernameInvalidChars},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateUsername(tt.input)
			if err != tt.wantErr {
				t.Errorf("ValidateUsername(%q) = %v, want %v", tt.input, err, tt.wantErr)
			}
		})
	}
}

func TestValidateNickname(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantErr error
	}{
		{"plain", "Alice", nil},
		{"with space", "Alice B", nil},
		{"unicode", "ñoño", nil},
		{"max length", strings.Repeat("é", MaxNicknameLength), nil},
		{"empty", "", ErrNicknameEmpty},
		{"blank", "   ", ErrNicknameEmpty},
		{"too long", strings.Repeat("é", MaxNicknameLength+1), ErrNicknameTooLong},
		{"bell", "ali\ace", ErrNicknameInvalidChars},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := ValidateNickname(tt.input); err != tt.wantErr {
				t.Errorf("ValidateNickname(%q) = %v, want %v", tt.input, err, tt.wantErr)
			}
		})
	}
}

func TestValidateAvatarPath(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantErr error
	}{
		{"empty", "", nil},
		{"unix path", "/home/alice/me.png", nil},
		{"max length", strings.Repeat("a", MaxAvatarPathLength), nil},
		{"too long", strings.Repeat("a", MaxAvatarPathLength+1), ErrAvatarPathTooLong},
		{"newline", "me\n.png", ErrAvatarPathInvalidChars},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := ValidateAvatarPath(tt.input); err != tt.wantErr {
				t.Errorf("ValidateAvatarPath(%q) = %v, want %v", tt.input, err, tt.wantErr)
			}
		})
	}

	u := User{Username: "alice", AvatarPath: "bad\x00path"}
	if err := u.Validate(); err != ErrAvatarPathInvalidChars {
		t.Errorf("User.Validate() = %v, want %v", err, ErrAvatarPathInvalidChars)
	}
}

func TestUserDisplayName(t *testing.T) {
	u := User{Username: "alice"}
	if got := u.DisplayName(); got != "alice" {
		t.Errorf("DisplayName() = %q, want %q", got, "alice")
	}
	u.Nickname = "Al"
	if got := u.DisplayName(); got != "Al" {
		t.Errorf("DisplayName() = %q, want %q", got, "Al")
	}
}

func TestChatState(t *testing.T) {
	ch := Chat{ID: 7, StartTime: time.Now()}
	if ch.State() != ChatActive || ch.Ended() {
		t.Fatalf("new chat: state = %s, want active", ch.State())
	}
	ch.EndTime = ch.StartTime.Add(time.Minute)
	if ch.State() != ChatEnded || !ch.Ended() {
		t.Fatalf("stopped chat: state = %s, want ended", ch.State())
	}
	if got := ChatState(42).String(); got != "unknown" {
		t.Errorf("ChatState(42).String() = %q, want unknown", got)
	}
}

func TestMessageValidate(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		wantErr error
	}{
		{"ok", "hi", nil},
		{"max", strings.Repeat("x", MessageMaxBodyLength), nil},
		{"empty", "", ErrMessageBodyEmpty},
		{"whitespace", " \t ", ErrMessageBodyEmpty},
		{"too long", strings.Repeat("x", MessageMaxBodyLength+1), ErrMessageBodyTooLong},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := Message{Body: tt.body}
			if err := m.Validate(); err != tt.wantErr {
				t.Errorf("Validate(%q) = %v, want %v", tt.body, err, tt.wantErr)
			}
		})
	}
}

func TestMessageLine(t *testing.T) {
	at := time.Date(2026, 1, 2, 13, 4, 5, 0, time.UTC)
	m := Message{SenderNickname: "alice", Body: "hi", SentAt: at}
	if got, want := m.Line(), "[13:04:05] alice: hi"; got != want {
		t.Errorf("Line() = %q, want %q", got, want)
	}
	m.Private = true
	if got, want := m.Line(), "[13:04:05] (private) alice: hi"; got != want {
		t.Errorf("Line() = %q, want %q", got, want)
	}
}
