package model

import (
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"
)

const (
	MaxUsernameLength   = 32
	MaxNicknameLength   = 32
	MaxAvatarPathLength = 255
)

var ErrUsernameEmpty = errors.New("username must not be empty")
var ErrUsernameTooLong = fmt.Errorf("username must not exceed %d characters", MaxUsernameLength)
var ErrUsernameInvalidChars = errors.New("username must contain only alphanumeric characters, underscores, or hyphens")
var ErrNicknameEmpty = errors.New("nickname must not be empty")
var ErrNicknameTooLong = fmt.Errorf("nickname must not exceed %d characters", MaxNicknameLength)
var ErrNicknameInvalidChars = errors.New("nickname must not contain control characters")
var ErrAvatarPathTooLong = fmt.Errorf("avatar path must not exceed %d characters", MaxAvatarPathLength)
var ErrAvatarPathInvalidChars = errors.New("avatar path must not contain control characters")

// User represents a registered user. The relay core only reads ID and Nickname;
// the rest belongs to account management.
type User struct {
	ID           int64     `json:"id"`
	Username     string    `json:"username"`
	PasswordHash string    `json:"-"`
	Nickname     string    `json:"nickname"`
	AvatarPath   string    `json:"avatar_path,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

// DisplayName returns the nickname, falling back to the username.
func (u *User) DisplayName() string {
	if u.Nickname != "" {
		return u.Nickname
	}
	return u.Username
}

// Validate checks the username, nickname and avatar path of a user about to be stored.
func (u *User) Validate() error {
	if err := ValidateUsername(u.Username); err != nil {
		return err
	}
	if u.Nickname != "" {
		if err := ValidateNickname(u.Nickname); err != nil {
			return err
		}
	}
	return ValidateAvatarPath(u.AvatarPath)
}

// ValidateUsername checks that a username is 1-32 ASCII alphanumeric, underscore,
// or hyphen characters. Returns nil on success or a descriptive error.
func ValidateUsername(name string) error {
	if len(name) == 0 {
		return ErrUsernameEmpty
	}
	if len(name) > MaxUsernameLength {
		return ErrUsernameTooLong
	}
	for _, r := range name {
		if (r < 'a' || r > 'z') && (r < 'A' || r > 'Z') && (r < '0' || r > '9') && r != '_' && r != '-' {
			return ErrUsernameInvalidChars
		}
	}
	return nil
}

// ValidateNickname allows any printable text up to MaxNicknameLength runes.
// Nicknames are display names, so spaces and unicode letters are fine.
func ValidateNickname(nick string) error {
	if strings.TrimSpace(nick) == "" {
		return ErrNicknameEmpty
	}
	if utf8.RuneCountInString(nick) > MaxNicknameLength {
		return ErrNicknameTooLong
	}
	for _, r := range nick {
		if unicode.IsControl(r) {
			return ErrNicknameInvalidChars
		}
	}
	return nil
}

// ValidateAvatarPath accepts an empty path or up to MaxAvatarPathLength
// characters without control characters. The file itself is never opened.
func ValidateAvatarPath(path string) error {
	if len(path) > MaxAvatarPathLength {
		return ErrAvatarPathTooLong
	}
	for _, r := range path {
		if unicode.IsControl(r) {
			return ErrAvatarPathInvalidChars
		}
	}
	return nil
}
