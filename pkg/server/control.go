package server

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode"

	"github.com/samber/lo"

	"github.com/NicolasHaas/gorelay/pkg/crypto"
	"github.com/NicolasHaas/gorelay/pkg/model"
	"github.com/NicolasHaas/gorelay/pkg/protocol"
	pb "github.com/NicolasHaas/gorelay/pkg/protocol/pb"
	"github.com/NicolasHaas/gorelay/pkg/relay"
)

var (
	errAuthFailed      = errors.New("authentication failed")
	errRegistrationOff = errors.New("registration is disabled on this server")
	errAdminOnly       = errors.New("admin only")
)

// StartControl starts the TCP/TLS control listener.
func (s *Server) StartControl() error {
	cert, err := loadOrGenerateTLS(s.cfg, s.logger)
	if err != nil {
		return fmt.Errorf("server: tls: %w", err)
	}

	tlsCfg := &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS13,
	}

	ln, err := tls.Listen("tcp", s.cfg.ControlAddr, tlsCfg)
	if err != nil {
		return fmt.Errorf("server: listen control: %w", err)
	}
	s.controlLn = ln
	s.logger.Info("control plane listening", "addr", ln.Addr().String())

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for {
			conn, err := ln.Accept()
			if err != nil {
				select {
				case <-s.ctx.Done():
					return
				default:
					s.logger.Error("accept error", "err", err)
					time.Sleep(50 * time.Millisecond)
					continue
				}
			}
			s.wg.Add(1)
			go func() {
				defer s.wg.Done()
				s.serveConn(newStreamConn(conn))
			}()
		}
	}()

	return nil
}

// serveConn runs one client session: authenticate, register with the relay,
// then handle requests until the connection drops.
func (s *Server) serveConn(fc frameConn) {
	defer func() { _ = fc.Close() }()

	remote := fc.RemoteAddr()
	s.metrics.TotalConnections.Add(1)
	s.metrics.ActiveConnections.Add(1)
	defer s.metrics.ActiveConnections.Add(-1)
	s.logger.Debug("new control connection", "remote", remote)

	// First message must be an auth request.
	_ = fc.SetReadDeadline(time.Now().Add(s.cfg.AuthTimeout))
	msg, err := fc.ReadMessage()
	if err != nil {
		s.logger.Debug("auth read failed", "remote", remote, "err", err)
		return
	}
	_ = fc.SetReadDeadline(time.Time{})

	cc := newClientConn(fc, s.cfg.WriteTimeout)
	defer func() { _ = cc.Close() }()

	if msg.AuthRequest == nil {
		cc.sendError(s.ctx, pb.CodeUnauthorized, "first message must be auth_request")
		return
	}
	if _, err := protocol.ValidateRequest(msg); err != nil {
		cc.sendError(s.ctx, pb.CodeBadRequest, err.Error())
		return
	}

	user, err := s.authenticate(s.ctx, msg.AuthRequest)
	if err != nil {
		s.metrics.FailedAuths.Add(1)
		s.logger.Info("authentication rejected", "remote", remote, "user", msg.AuthRequest.Username, "err", err)
		cc.sendError(s.ctx, authErrorCode(err), err.Error())
		return
	}

	who, err := s.relay.Connect(s.ctx, *user, cc)
	if err != nil {
		cc.sendError(s.ctx, errorCode(err), err.Error())
		return
	}
	s.setConn(who.SessionID, cc)
	defer func() {
		s.removeConn(who.SessionID)
		if err := s.relay.Disconnect(context.Background(), who.SessionID); err != nil && !errors.Is(err, relay.ErrNotFound) {
			s.logger.Warn("disconnect failed", "session", who.SessionID, "err", err)
		}
		s.metrics.TotalDisconnects.Add(1)
		s.logger.Info("client disconnected", "user", user.Username, "session", who.SessionID)
	}()

	s.metrics.SuccessfulAuths.Add(1)
	chats, err := s.chatInfos(s.ctx, user.ID)
	if err != nil {
		s.logger.Warn("list chats for auth response", "err", err)
	}
	if err := cc.send(s.ctx, &pb.ControlMessage{
		AuthResponse: &pb.AuthResponse{
			SessionID: who.SessionID,
			UserID:    user.ID,
			Nickname:  who.Nickname,
			Chats:     chats,
		},
	}); err != nil {
		s.logger.Debug("auth response write failed", "err", err)
		return
	}

	s.logger.Info("client authenticated", "user", user.Username, "nickname", who.Nickname, "session", who.SessionID)

	sess := &session{Identity: who, username: user.Username, admin: s.isAdmin(user.Username), conn: cc}
	for {
		select {
		case <-s.ctx.Done():
			return
		default:
		}

		msg, err := fc.ReadMessage()
		if err != nil {
			if !isClosedErr(err) {
				s.logger.Debug("read error", "session", who.SessionID, "err", err)
			}
			return
		}
		s.handleMessage(s.ctx, sess, msg)
	}
}

// session is the server-side view of one authenticated connection.
type session struct {
	model.Identity
	username string
	admin    bool
	conn     *clientConn
}

// authenticate resolves the account for req, creating it when registration
// is allowed. A nickname in the request overrides the stored one for this
// session only.
func (s *Server) authenticate(ctx context.Context, req *pb.AuthRequest) (*model.User, error) {
	if err := model.ValidateUsername(req.Username); err != nil {
		return nil, fmt.Errorf("%w: %w", relay.ErrInvalidMessage, err)
	}
	if req.Nickname != "" {
		if err := model.ValidateNickname(req.Nickname); err != nil {
			return nil, fmt.Errorf("%w: %w", relay.ErrInvalidMessage, err)
		}
	}

	tx, err := s.store.Tx(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: begin: %w", relay.ErrPersistence, err)
	}
	defer func() { _ = tx.Rollback() }()

	user, err := tx.GetUserByUsername(ctx, req.Username)
	if err != nil {
		return nil, fmt.Errorf("%w: load user: %w", relay.ErrPersistence, err)
	}

	if user == nil {
		if !req.Register {
			return nil, errAuthFailed
		}
		if !s.cfg.AllowRegistration {
			return nil, errRegistrationOff
		}
		hash, err := crypto.HashPassword(req.Password)
		if err != nil {
			return nil, err
		}
		user = &model.User{Username: req.Username, PasswordHash: hash, Nickname: req.Nickname}
		if err := tx.CreateUser(ctx, user); err != nil {
			return nil, fmt.Errorf("%w: create user: %w", relay.ErrPersistence, err)
		}
		if err := tx.Commit(); err != nil {
			return nil, fmt.Errorf("%w: commit: %w", relay.ErrPersistence, err)
		}
		s.logger.Info("registered user", "user", user.Username, "id", user.ID)
		return user, nil
	}

	if err := crypto.VerifyPassword(req.Password, user.PasswordHash); err != nil {
		return nil, errAuthFailed
	}
	if req.Nickname != "" {
		user.Nickname = req.Nickname
	}
	return user, nil
}

// handleMessage dispatches a control message to the appropriate handler.
func (s *Server) handleMessage(ctx context.Context, sess *session, msg *pb.ControlMessage) {
	op, err := protocol.ValidateRequest(msg)
	if err != nil {
		sess.conn.sendError(ctx, pb.CodeBadRequest, err.Error())
		return
	}

	switch op {
	case protocol.OpListChats:
		chats, err := s.chatInfos(ctx, sess.UserID)
		if err != nil {
			s.replyError(ctx, sess, op, err)
			return
		}
		_ = sess.conn.send(ctx, &pb.ControlMessage{ChatList: &pb.ChatList{Chats: chats}})

	case protocol.OpStartChat:
		chat, err := s.relay.StartChat(ctx)
		if err != nil {
			s.replyError(ctx, sess, op, err)
			return
		}
		s.metrics.ChatsStarted.Add(1)
		info := chatInfo(*chat, false)
		_ = sess.conn.send(ctx, &pb.ControlMessage{ChatStarted: &info})

	case protocol.OpStopChat:
		if err := s.relay.StopChat(ctx, msg.StopChat.ChatID); err != nil {
			s.replyError(ctx, sess, op, err)
			return
		}
		s.ack(ctx, sess, op)

	case protocol.OpSubscribe:
		if err := s.relay.Subscribe(ctx, sess.SessionID, msg.Subscribe.ChatID); err != nil {
			s.replyError(ctx, sess, op, err)
			return
		}
		s.ack(ctx, sess, op)

	case protocol.OpUnsubscribe:
		if err := s.relay.Unsubscribe(ctx, sess.SessionID, msg.Unsubscribe.ChatID); err != nil {
			s.replyError(ctx, sess, op, err)
			return
		}
		s.ack(ctx, sess, op)

	case protocol.OpPost:
		if _, err := s.relay.Post(ctx, sess.SessionID, msg.Post.ChatID, sanitizeText(msg.Post.Text)); err != nil {
			s.replyError(ctx, sess, op, err)
			return
		}
		s.metrics.MessagesPosted.Add(1)
		s.ack(ctx, sess, op)

	case protocol.OpWhisper:
		if _, err := s.relay.Whisper(ctx, sess.SessionID, msg.Whisper.To, sanitizeText(msg.Whisper.Text)); err != nil {
			s.replyError(ctx, sess, op, err)
			return
		}
		s.metrics.PrivateMessages.Add(1)
		s.ack(ctx, sess, op)

	case protocol.OpUpdateProfile:
		user, err := s.updateProfile(ctx, sess, msg.UpdateProfile)
		if err != nil {
			s.replyError(ctx, sess, op, err)
			return
		}
		if msg.UpdateProfile.Nickname != nil {
			sess.Nickname = user.DisplayName()
		}
		s.ack(ctx, sess, op)

	case protocol.OpListUsers:
		if !sess.admin {
			s.replyError(ctx, sess, op, errAdminOnly)
			return
		}
		users, err := s.relay.Users(ctx)
		if err != nil {
			s.replyError(ctx, sess, op, err)
			return
		}
		_ = sess.conn.send(ctx, &pb.ControlMessage{UserList: &pb.UserList{Users: lo.Map(users, func(u model.User, _ int) pb.UserInfo {
			return pb.UserInfo{
				ID:         u.ID,
				Username:   u.Username,
				Nickname:   u.DisplayName(),
				AvatarPath: u.AvatarPath,
				Online:     len(s.relay.Presence.ByUser(u.ID)) > 0,
			}
		})}})

	case protocol.OpDeleteUser:
		if !sess.admin {
			s.replyError(ctx, sess, op, errAdminOnly)
			return
		}
		gone, err := s.deleteUser(ctx, msg.DeleteUser.Username)
		if err != nil {
			s.replyError(ctx, sess, op, err)
		} else {
			s.ack(ctx, sess, op)
		}
		// The relay already let these sessions go, even on a failed delete.
		s.closeSessions(gone)

	case protocol.OpPing:
		_ = sess.conn.send(ctx, &pb.ControlMessage{Pong: &pb.Pong{Timestamp: msg.Ping.Timestamp}})

	case protocol.OpAuth:
		sess.conn.sendError(ctx, pb.CodeBadRequest, "already authenticated")
	}
}

// updateProfile applies req to the session's account. A new password is
// hashed before it reaches the relay.
func (s *Server) updateProfile(ctx context.Context, sess *session, req *pb.UpdateProfileRequest) (model.User, error) {
	upd := relay.ProfileUpdate{Nickname: req.Nickname, AvatarPath: req.AvatarPath}
	if req.Password != nil {
		if *req.Password == "" {
			return model.User{}, fmt.Errorf("%w: password must not be empty", relay.ErrInvalidMessage)
		}
		hash, err := crypto.HashPassword(*req.Password)
		if err != nil {
			return model.User{}, err
		}
		upd.PasswordHash = &hash
	}
	user, err := s.relay.UpdateProfile(ctx, sess.SessionID, upd)
	if err != nil {
		return model.User{}, err
	}
	s.logger.Info("profile updated", "user", user.Username, "session", sess.SessionID)
	return user, nil
}

func (s *Server) deleteUser(ctx context.Context, username string) ([]string, error) {
	user, err := s.store.NonTx().GetUserByUsername(ctx, username)
	if err != nil {
		return nil, fmt.Errorf("%w: load user: %w", relay.ErrPersistence, err)
	}
	if user == nil {
		return nil, fmt.Errorf("user %q: %w", username, relay.ErrNotFound)
	}
	gone, err := s.relay.DeleteUser(ctx, user.ID)
	if err != nil {
		return gone, err
	}
	s.logger.Info("user deleted", "user", username, "sessions", len(gone))
	return gone, nil
}

func (s *Server) ack(ctx context.Context, sess *session, op string) {
	_ = sess.conn.send(ctx, &pb.ControlMessage{Ack: &pb.Ack{Op: op}})
}

func (s *Server) replyError(ctx context.Context, sess *session, op string, err error) {
	code := errorCode(err)
	if code >= pb.CodeInternal {
		s.logger.Error("request failed", "op", op, "session", sess.SessionID, "err", err)
	} else {
		s.logger.Debug("request rejected", "op", op, "session", sess.SessionID, "err", err)
	}
	sess.conn.sendError(ctx, code, err.Error())
}

// errorCode maps relay errors to error_response codes. ErrNotSubscribed is
// checked before ErrNotFound because it wraps it.
func errorCode(err error) int32 {
	switch {
	case errors.Is(err, errAdminOnly):
		return pb.CodeForbidden
	case errors.Is(err, relay.ErrInvalidMessage):
		return pb.CodeBadRequest
	case errors.Is(err, relay.ErrNotSubscribed):
		return pb.CodeForbidden
	case errors.Is(err, relay.ErrNotFound), errors.Is(err, relay.ErrRecipientOffline):
		return pb.CodeNotFound
	case errors.Is(err, relay.ErrAlreadyExists):
		return pb.CodeConflict
	case errors.Is(err, relay.ErrAlreadyEnded):
		return pb.CodeGone
	case errors.Is(err, relay.ErrPersistence):
		return pb.CodeUnavailable
	default:
		return pb.CodeInternal
	}
}

func authErrorCode(err error) int32 {
	switch {
	case errors.Is(err, errAuthFailed), errors.Is(err, errRegistrationOff):
		return pb.CodeUnauthorized
	default:
		return errorCode(err)
	}
}

// chatInfos lists every chat, marking the ones userID is subscribed to.
func (s *Server) chatInfos(ctx context.Context, userID int64) ([]pb.ChatInfo, error) {
	chats, err := s.relay.Chats(ctx)
	if err != nil {
		return nil, err
	}
	subscribed := make(map[int64]bool)
	for sub, err := range s.relay.Subscriptions.ListByUser(ctx, userID) {
		if err != nil {
			return nil, err
		}
		subscribed[sub.ChatID] = true
	}
	return lo.Map(chats, func(c model.Chat, _ int) pb.ChatInfo {
		return chatInfo(c, subscribed[c.ID])
	}), nil
}

func chatInfo(c model.Chat, subscribed bool) pb.ChatInfo {
	info := pb.ChatInfo{
		ID:             c.ID,
		StartTime:      c.StartTime.Unix(),
		Active:         !c.Ended(),
		TranscriptPath: c.TranscriptPath,
		Subscribed:     subscribed,
	}
	if c.Ended() {
		info.EndTime = c.EndTime.Unix()
	}
	return info
}

// sanitizeText flattens newlines to spaces and strips every other control
// character, so one post is one transcript line.
func sanitizeText(s string) string {
	return strings.Map(func(r rune) rune {
		if r == '\n' || r == '\r' {
			return ' '
		}
		if unicode.IsControl(r) {
			return -1
		}
		return r
	}, s)
}
