// Package pb holds the JSON control-plane message types shared by server and client.
package pb

// ControlMessage wraps all control plane messages.
type ControlMessage struct {
	// Only one of these fields should be set.
	AuthRequest       *AuthRequest          `json:"auth_request,omitempty"`
	AuthResponse      *AuthResponse         `json:"auth_response,omitempty"`
	ListChats         *ListChatsRequest     `json:"list_chats,omitempty"`
	ChatList          *ChatList             `json:"chat_list,omitempty"`
	StartChat         *StartChatRequest     `json:"start_chat,omitempty"`
	StopChat          *StopChatRequest      `json:"stop_chat,omitempty"`
	Subscribe         *SubscribeRequest     `json:"subscribe,omitempty"`
	Unsubscribe       *SubscribeRequest     `json:"unsubscribe,omitempty"`
	Post              *PostRequest          `json:"post,omitempty"`
	Whisper           *WhisperRequest       `json:"whisper,omitempty"`
	UpdateProfile     *UpdateProfileRequest `json:"update_profile,omitempty"`
	ListUsers         *ListUsersRequest     `json:"list_users,omitempty"`
	UserList          *UserList             `json:"user_list,omitempty"`
	DeleteUser        *DeleteUserRequest    `json:"delete_user,omitempty"`
	ChatStarted       *ChatInfo             `json:"chat_started,omitempty"`
	ChatEnded         *ChatInfo             `json:"chat_ended,omitempty"`
	MessageEvent      *MessageEvent         `json:"message_event,omitempty"`
	PresenceEvent     *PresenceEvent        `json:"presence_event,omitempty"`
	SubscriptionEvent *SubscriptionEvent    `json:"subscription_event,omitempty"`
	ErrorResponse     *ErrorResponse        `json:"error_response,omitempty"`
	Ack               *Ack                  `json:"ack,omitempty"`
	Ping              *Ping                 `json:"ping,omitempty"`
	Pong              *Pong                 `json:"pong,omitempty"`
}

// ----- Auth -----

type AuthRequest struct {
	Username string `json:"username" validate:"required,max=32"`
	Password string `json:"password" validate:"required,max=256"`
	Nickname string `json:"nickname,omitempty" validate:"omitempty,max=32"`
	Register bool   `json:"register,omitempty"` // create the account if it does not exist
}

type AuthResponse struct {
	SessionID string     `json:"session_id"`
	UserID    int64      `json:"user_id"`
	Nickname  string     `json:"nickname"`
	Chats     []ChatInfo `json:"chats"`
}

// ----- Users -----

// UpdateProfileRequest changes the caller's own profile. Omitted fields keep
// their value; an empty nickname falls back to the username.
type UpdateProfileRequest struct {
	Nickname   *string `json:"nickname,omitempty" validate:"omitempty,max=32"`
	AvatarPath *string `json:"avatar_path,omitempty" validate:"omitempty,max=255"`
	Password   *string `json:"password,omitempty" validate:"omitempty,max=256"`
}

type ListUsersRequest struct{}

type UserInfo struct {
	ID         int64  `json:"id"`
	Username   string `json:"username"`
	Nickname   string `json:"nickname"`
	AvatarPath string `json:"avatar_path,omitempty"`
	Online     bool   `json:"online"`
}

type UserList struct {
	Users []UserInfo `json:"users"`
}

// DeleteUserRequest removes an account and disconnects its sessions. Admin only.
type DeleteUserRequest struct {
	Username string `json:"username" validate:"required,max=32"`
}

// ----- Chats -----

type ChatInfo struct {
	ID             int64  `json:"id"`
	StartTime      int64  `json:"start_time"`
	EndTime        int64  `json:"end_time,omitempty"` // 0 while active
	Active         bool   `json:"active"`
	TranscriptPath string `json:"transcript_path,omitempty"`
	Subscribed     bool   `json:"subscribed"`
}

type ListChatsRequest struct{}

type ChatList struct {
	Chats []ChatInfo `json:"chats"`
}

type StartChatRequest struct{}

type StopChatRequest struct {
	ChatID int64 `json:"chat_id" validate:"required,gt=0"`
}

type SubscribeRequest struct {
	ChatID int64 `json:"chat_id" validate:"required,gt=0"`
}

type PostRequest struct {
	ChatID int64  `json:"chat_id" validate:"required,gt=0"`
	Text   string `json:"text" validate:"required,max=8000"`
}

type WhisperRequest struct {
	To   string `json:"to" validate:"required,max=32"`
	Text string `json:"text" validate:"required,max=8000"`
}

// ----- Events -----

type MessageEvent struct {
	Text      string `json:"text"`
	Timestamp int64  `json:"timestamp"`
}

type PresenceEvent struct {
	Nickname string `json:"nickname"`
	Joined   bool   `json:"joined"`
}

type SubscriptionEvent struct {
	UserID     int64  `json:"user_id"`
	Nickname   string `json:"nickname"`
	ChatID     int64  `json:"chat_id"`
	Subscribed bool   `json:"subscribed"`
}

// ----- Generic -----

// Error codes carried by ErrorResponse.
const (
	CodeBadRequest   int32 = 400
	CodeUnauthorized int32 = 401
	CodeForbidden    int32 = 403
	CodeNotFound     int32 = 404
	CodeConflict     int32 = 409
	CodeGone         int32 = 410
	CodeInternal     int32 = 500
	CodeUnavailable  int32 = 503
)

type ErrorResponse struct {
	Code    int32  `json:"code"`
	Message string `json:"message"`
}

// Ack confirms a request that has no other response.
type Ack struct {
	Op string `json:"op"`
}

type Ping struct {
	Timestamp int64 `json:"timestamp"`
}

type Pong struct {
	Timestamp int64 `json:"timestamp"`
}
