package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/samber/lo"

	"github.com/NicolasHaas/gorelay/pkg/protocol"
	pb "github.com/NicolasHaas/gorelay/pkg/protocol/pb"
)

// State represents the client's connection state.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return "unknown"
	}
}

var (
	ErrNotConnected     = errors.New("client: not connected")
	ErrAlreadyConnected = errors.New("client: already connected")
)

// DefaultRequestTimeout bounds how long a request waits for its reply.
const DefaultRequestTimeout = 10 * time.Second

// Credentials identify the account to log in with.
type Credentials struct {
	Username string
	Password string
	Nickname string // optional, overrides the stored nickname for this session
	Register bool   // create the account if it does not exist
}

// Engine is the client engine: one connection, request/reply calls on top
// of it, and callbacks for server events.
//
// The server answers requests in order, so replies (ack, error_response,
// chat_list, chat_started, user_list, pong) are matched to the single request in
// flight. Everything else is an event.
type Engine struct {
	mu sync.RWMutex

	state     State
	sessionID string
	userID    int64
	username  string
	nickname  string
	chats     []pb.ChatInfo

	control *ControlClient
	reqMu   sync.Mutex // one request in flight
	replies chan *pb.ControlMessage

	RequestTimeout time.Duration

	// Callbacks for UI updates
	OnStateChange  func(state State)
	OnMessage      func(text string, ts int64)
	OnPresence     func(nickname string, joined bool)
	OnSubscription func(ev pb.SubscriptionEvent)
	OnChatEnded    func(chat pb.ChatInfo)
	OnDisconnect   func(reason string)
}

// NewEngine creates a new client engine.
func NewEngine() *Engine {
	return &Engine{
		state:          StateDisconnected,
		replies:        make(chan *pb.ControlMessage, 1),
		RequestTimeout: DefaultRequestTimeout,
	}
}

// Connect dials addr, authenticates and starts receiving events.
func (e *Engine) Connect(ctx context.Context, addr string, creds Credentials) error {
	e.mu.Lock()
	if e.state != StateDisconnected {
		e.mu.Unlock()
		return ErrAlreadyConnected
	}
	e.state = StateConnecting
	e.mu.Unlock()

	e.notifyStateChange(StateConnecting)

	ctrl, err := NewControlClient(ctx, addr)
	if err != nil {
		e.setState(StateDisconnected)
		return err
	}

	authResp, err := ctrl.Authenticate(&pb.AuthRequest{
		Username: creds.Username,
		Password: creds.Password,
		Nickname: creds.Nickname,
		Register: creds.Register,
	})
	if err != nil {
		_ = ctrl.Close()
		e.setState(StateDisconnected)
		return err
	}

	slog.Info("authenticated",
		"session", authResp.SessionID,
		"user", creds.Username,
		"nickname", authResp.Nickname,
	)

	e.mu.Lock()
	e.control = ctrl
	e.sessionID = authResp.SessionID
	e.userID = authResp.UserID
	e.username = creds.Username
	e.nickname = authResp.Nickname
	e.chats = authResp.Chats
	e.state = StateConnected
	e.mu.Unlock()

	ctrl.SetEventHandler(e.handleEvent)
	ctrl.StartReceiving()
	e.notifyStateChange(StateConnected)

	go func() {
		<-ctrl.Done()
		e.handleDisconnect(ctrl, "connection lost")
	}()
	return nil
}

// handleEvent routes replies to the waiting request and events to callbacks.
func (e *Engine) handleEvent(msg *pb.ControlMessage) {
	switch {
	case msg.Ack != nil, msg.ErrorResponse != nil, msg.ChatList != nil, msg.ChatStarted != nil, msg.Pong != nil, msg.UserList != nil:
		select {
		case e.replies <- msg:
		default:
			slog.Debug("dropping unexpected reply")
		}

	case msg.MessageEvent != nil:
		if e.OnMessage != nil {
			e.OnMessage(msg.MessageEvent.Text, msg.MessageEvent.Timestamp)
		}

	case msg.PresenceEvent != nil:
		if e.OnPresence != nil {
			e.OnPresence(msg.PresenceEvent.Nickname, msg.PresenceEvent.Joined)
		}

	case msg.SubscriptionEvent != nil:
		ev := *msg.SubscriptionEvent
		if ev.UserID == e.UserID() {
			e.updateChat(ev.ChatID, func(c *pb.ChatInfo) { c.Subscribed = ev.Subscribed })
		}
		if e.OnSubscription != nil {
			e.OnSubscription(ev)
		}

	case msg.ChatEnded != nil:
		ended := *msg.ChatEnded
		e.updateChat(ended.ID, func(c *pb.ChatInfo) {
			c.Active = false
			c.EndTime = ended.EndTime
			c.TranscriptPath = ended.TranscriptPath
		})
		if e.OnChatEnded != nil {
			e.OnChatEnded(ended)
		}
	}
}

// request sends msg and waits for its reply. An error_response becomes a
// *ServerError.
func (e *Engine) request(ctx context.Context, msg *pb.ControlMessage) (*pb.ControlMessage, error) {
	e.mu.RLock()
	ctrl := e.control
	e.mu.RUnlock()
	if ctrl == nil {
		return nil, ErrNotConnected
	}

	e.reqMu.Lock()
	defer e.reqMu.Unlock()

	// Drop a reply that arrived after its request timed out.
	select {
	case <-e.replies:
	default:
	}

	if err := ctrl.Send(msg); err != nil {
		return nil, fmt.Errorf("client: send: %w", err)
	}

	if e.RequestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.RequestTimeout)
		defer cancel()
	}

	select {
	case reply := <-e.replies:
		if r := reply.ErrorResponse; r != nil {
			return nil, &ServerError{Code: r.Code, Message: r.Message}
		}
		return reply, nil
	case <-ctrl.Done():
		return nil, ErrNotConnected
	case <-ctx.Done():
		return nil, fmt.Errorf("client: waiting for reply: %w", ctx.Err())
	}
}

func (e *Engine) expectAck(ctx context.Context, op string, msg *pb.ControlMessage) error {
	reply, err := e.request(ctx, msg)
	if err != nil {
		return err
	}
	if reply.Ack == nil || reply.Ack.Op != op {
		return fmt.Errorf("client: %s: unexpected reply", op)
	}
	return nil
}

// ListChats fetches the chat list and refreshes the cached copy.
func (e *Engine) ListChats(ctx context.Context) ([]pb.ChatInfo, error) {
	reply, err := e.request(ctx, &pb.ControlMessage{ListChats: &pb.ListChatsRequest{}})
	if err != nil {
		return nil, err
	}
	if reply.ChatList == nil {
		return nil, fmt.Errorf("client: %s: unexpected reply", protocol.OpListChats)
	}
	e.mu.Lock()
	e.chats = reply.ChatList.Chats
	e.mu.Unlock()
	return e.Chats(), nil
}

// StartChat asks the server to create a chat.
func (e *Engine) StartChat(ctx context.Context) (pb.ChatInfo, error) {
	reply, err := e.request(ctx, &pb.ControlMessage{StartChat: &pb.StartChatRequest{}})
	if err != nil {
		return pb.ChatInfo{}, err
	}
	if reply.ChatStarted == nil {
		return pb.ChatInfo{}, fmt.Errorf("client: %s: unexpected reply", protocol.OpStartChat)
	}
	info := *reply.ChatStarted
	e.mu.Lock()
	e.chats = append(e.chats, info)
	e.mu.Unlock()
	return info, nil
}

// StopChat ends a chat and has its transcript written.
func (e *Engine) StopChat(ctx context.Context, chatID int64) error {
	return e.expectAck(ctx, protocol.OpStopChat, &pb.ControlMessage{StopChat: &pb.StopChatRequest{ChatID: chatID}})
}

// Subscribe subscribes this user to a chat.
func (e *Engine) Subscribe(ctx context.Context, chatID int64) error {
	return e.expectAck(ctx, protocol.OpSubscribe, &pb.ControlMessage{Subscribe: &pb.SubscribeRequest{ChatID: chatID}})
}

// Unsubscribe removes this user from a chat.
func (e *Engine) Unsubscribe(ctx context.Context, chatID int64) error {
	return e.expectAck(ctx, protocol.OpUnsubscribe, &pb.ControlMessage{Unsubscribe: &pb.SubscribeRequest{ChatID: chatID}})
}

// Post sends text into a chat this user is subscribed to.
func (e *Engine) Post(ctx context.Context, chatID int64, text string) error {
	return e.expectAck(ctx, protocol.OpPost, &pb.ControlMessage{Post: &pb.PostRequest{ChatID: chatID, Text: text}})
}

// Whisper sends a private message to every session using nickname.
func (e *Engine) Whisper(ctx context.Context, nickname, text string) error {
	return e.expectAck(ctx, protocol.OpWhisper, &pb.ControlMessage{Whisper: &pb.WhisperRequest{To: nickname, Text: text}})
}

// UpdateProfile changes this user's profile. Nil fields are left as they are.
// A new nickname also becomes this session's nickname.
func (e *Engine) UpdateProfile(ctx context.Context, req pb.UpdateProfileRequest) error {
	if err := e.expectAck(ctx, protocol.OpUpdateProfile, &pb.ControlMessage{UpdateProfile: &req}); err != nil {
		return err
	}
	if req.Nickname != nil {
		e.mu.Lock()
		e.nickname = lo.CoalesceOrEmpty(*req.Nickname, e.username)
		e.mu.Unlock()
	}
	return nil
}

// ListUsers returns every registered account. Admin only.
func (e *Engine) ListUsers(ctx context.Context) ([]pb.UserInfo, error) {
	reply, err := e.request(ctx, &pb.ControlMessage{ListUsers: &pb.ListUsersRequest{}})
	if err != nil {
		return nil, err
	}
	if reply.UserList == nil {
		return nil, fmt.Errorf("client: %s: unexpected reply", protocol.OpListUsers)
	}
	return reply.UserList.Users, nil
}

// DeleteUser removes an account and drops its sessions. Admin only.
func (e *Engine) DeleteUser(ctx context.Context, username string) error {
	return e.expectAck(ctx, protocol.OpDeleteUser, &pb.ControlMessage{DeleteUser: &pb.DeleteUserRequest{Username: username}})
}

// Ping measures the round trip to the server.
func (e *Engine) Ping(ctx context.Context) (time.Duration, error) {
	start := time.Now()
	reply, err := e.request(ctx, &pb.ControlMessage{Ping: &pb.Ping{Timestamp: start.UnixNano()}})
	if err != nil {
		return 0, err
	}
	if reply.Pong == nil {
		return 0, fmt.Errorf("client: %s: unexpected reply", protocol.OpPing)
	}
	return time.Since(start), nil
}

// Disconnect disconnects from the server.
func (e *Engine) Disconnect() {
	e.mu.RLock()
	ctrl := e.control
	e.mu.RUnlock()
	e.handleDisconnect(ctrl, "user disconnected")
}

// GetState returns the current connection state.
func (e *Engine) GetState() State {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.state
}

// SessionID returns the id the server assigned to this connection.
func (e *Engine) SessionID() string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.sessionID
}

func (e *Engine) UserID() int64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.userID
}

// Nickname returns the display name used for this session.
func (e *Engine) Nickname() string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.nickname
}

// Chats returns the cached chat list.
func (e *Engine) Chats() []pb.ChatInfo {
	e.mu.RLock()
	defer e.mu.RUnlock()
	result := make([]pb.ChatInfo, len(e.chats))
	copy(result, e.chats)
	return result
}

// Chat returns the cached entry for chatID.
func (e *Engine) Chat(chatID int64) (pb.ChatInfo, bool) {
	return lo.Find(e.Chats(), func(c pb.ChatInfo) bool { return c.ID == chatID })
}

func (e *Engine) updateChat(chatID int64, fn func(*pb.ChatInfo)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for i := range e.chats {
		if e.chats[i].ID == chatID {
			fn(&e.chats[i])
			return
		}
	}
}

// handleDisconnect tears down ctrl if it is still the active connection.
func (e *Engine) handleDisconnect(ctrl *ControlClient, reason string) {
	e.mu.Lock()
	if e.state == StateDisconnected || ctrl == nil || e.control != ctrl {
		e.mu.Unlock()
		return
	}
	e.state = StateDisconnected
	e.control = nil
	e.sessionID = ""
	e.mu.Unlock()

	_ = ctrl.Close()

	slog.Info("disconnected", "reason", reason)
	e.notifyStateChange(StateDisconnected)
	if e.OnDisconnect != nil {
		e.OnDisconnect(reason)
	}
}

func (e *Engine) setState(state State) {
	e.mu.Lock()
	e.state = state
	e.mu.Unlock()
	e.notifyStateChange(state)
}

func (e *Engine) notifyStateChange(state State) {
	if e.OnStateChange != nil {
		e.OnStateChange(state)
	}
}
