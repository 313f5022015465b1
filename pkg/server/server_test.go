package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/NicolasHaas/gorelay/pkg/datastore"
	"github.com/NicolasHaas/gorelay/pkg/protocol"
	pb "github.com/NicolasHaas/gorelay/pkg/protocol/pb"
	"github.com/NicolasHaas/gorelay/pkg/relay"
)

const waitTimeout = 3 * time.Second

type nopConn struct{}

func (c *nopConn) Read(_ []byte) (int, error)         { return 0, io.EOF }
func (c *nopConn) Write(p []byte) (int, error)        { return len(p), nil }
func (c *nopConn) Close() error                       { return nil }
func (c *nopConn) LocalAddr() net.Addr                { return &net.IPAddr{} }
func (c *nopConn) RemoteAddr() net.Addr               { return &net.IPAddr{} }
func (c *nopConn) SetDeadline(_ time.Time) error      { return nil }
func (c *nopConn) SetReadDeadline(_ time.Time) error  { return nil }
func (c *nopConn) SetWriteDeadline(_ time.Time) error { return nil }

type failingConn struct{ nopConn }

func (c *failingConn) Write(_ []byte) (int, error) { return 0, net.ErrClosed }

func newTestServer(t *testing.T, mutate ...func(*Config)) (*Server, *datastore.MemoryStore) {
	t.Helper()
	st := datastore.NewMemory()
	cfg := DefaultConfig()
	cfg.HTTPAddr = ""
	cfg.TranscriptDir = t.TempDir()
	cfg.DeliveryTimeout = time.Second
	cfg.MetricsInterval = 0
	for _, m := range mutate {
		m(&cfg)
	}
	srv, err := New(cfg, Dependencies{Store: st, Logger: slog.New(slog.DiscardHandler)})
	require.NoError(t, err)
	t.Cleanup(srv.Shutdown)
	return srv, st
}

// testClient talks to serveConn over an in-memory pipe.
type testClient struct {
	t    *testing.T
	conn net.Conn
	msgs chan *pb.ControlMessage
}

func dial(t *testing.T, srv *Server) *testClient {
	t.Helper()
	serverSide, clientSide := net.Pipe()
	srv.wg.Add(1)
	go func() {
		defer srv.wg.Done()
		srv.serveConn(newStreamConn(serverSide))
	}()

	c := &testClient{t: t, conn: clientSide, msgs: make(chan *pb.ControlMessage, 128)}
	go func() {
		defer close(c.msgs)
		for {
			msg, err := protocol.ReadControlMessage(clientSide)
			if err != nil {
				return
			}
			c.msgs <- msg
		}
	}()
	t.Cleanup(func() { _ = clientSide.Close() })
	return c
}

func (c *testClient) send(msg *pb.ControlMessage) {
	c.t.Helper()
	require.NoError(c.t, protocol.WriteControlMessage(c.conn, msg))
}

// waitFor skips messages until match returns true.
func (c *testClient) waitFor(what string, match func(*pb.ControlMessage) bool) *pb.ControlMessage {
	c.t.Helper()
	timeout := time.After(waitTimeout)
	for {
		select {
		case msg, ok := <-c.msgs:
			if !ok {
				c.t.Fatalf("connection closed while waiting for %s", what)
			}
			if match(msg) {
				return msg
			}
		case <-timeout:
			c.t.Fatalf("timed out waiting for %s", what)
		}
	}
}

func (c *testClient) waitAck(op string) {
	c.t.Helper()
	msg := c.waitFor("ack "+op, func(m *pb.ControlMessage) bool {
		return m.Ack != nil || m.ErrorResponse != nil
	})
	require.Nil(c.t, msg.ErrorResponse, "op %s", op)
	require.Equal(c.t, op, msg.Ack.Op)
}

func (c *testClient) waitError() *pb.ErrorResponse {
	c.t.Helper()
	return c.waitFor("error_response", func(m *pb.ControlMessage) bool {
		return m.ErrorResponse != nil
	}).ErrorResponse
}

func (c *testClient) waitText(substr string) string {
	c.t.Helper()
	return c.waitFor("message containing "+substr, func(m *pb.ControlMessage) bool {
		return m.MessageEvent != nil && strings.Contains(m.MessageEvent.Text, substr)
	}).MessageEvent.Text
}

func (c *testClient) waitClosed() {
	c.t.Helper()
	timeout := time.After(waitTimeout)
	for {
		select {
		case _, ok := <-c.msgs:
			if !ok {
				return
			}
		case <-timeout:
			c.t.Fatal("connection was not closed")
		}
	}
}

func (c *testClient) auth(username, password string, register bool) *pb.ControlMessage {
	c.t.Helper()
	c.send(&pb.ControlMessage{AuthRequest: &pb.AuthRequest{
		Username: username,
		Password: password,
		Register: register,
	}})
	return c.waitFor("auth result", func(m *pb.ControlMessage) bool {
		return m.AuthResponse != nil || m.ErrorResponse != nil
	})
}

func login(t *testing.T, srv *Server, username string) (*testClient, *pb.AuthResponse) {
	t.Helper()
	c := dial(t, srv)
	msg := c.auth(username, "pw-"+username, true)
	require.NotNil(t, msg.AuthResponse, "auth %s: %+v", username, msg.ErrorResponse)
	return c, msg.AuthResponse
}

func (c *testClient) startChat() int64 {
	c.t.Helper()
	c.send(&pb.ControlMessage{StartChat: &pb.StartChatRequest{}})
	msg := c.waitFor("chat_started", func(m *pb.ControlMessage) bool {
		return m.ChatStarted != nil || m.ErrorResponse != nil
	})
	require.NotNil(c.t, msg.ChatStarted, "start chat: %+v", msg.ErrorResponse)
	return msg.ChatStarted.ID
}

func (c *testClient) subscribe(chatID int64) {
	c.t.Helper()
	c.send(&pb.ControlMessage{Subscribe: &pb.SubscribeRequest{ChatID: chatID}})
	c.waitAck(protocol.OpSubscribe)
}

func TestAuthRegisterThenLogin(t *testing.T) {
	srv, _ := newTestServer(t)

	first, resp := login(t, srv, "alice")
	require.NotEmpty(t, resp.SessionID)
	require.Equal(t, "alice", resp.Nickname)
	_ = first.conn.Close()

	wrong := dial(t, srv)
	msg := wrong.auth("alice", "nope", false)
	require.NotNil(t, msg.ErrorResponse)
	assert.Equal(t, pb.CodeUnauthorized, msg.ErrorResponse.Code)
	wrong.waitClosed()

	again := dial(t, srv)
	msg = again.auth("alice", "pw-alice", false)
	require.NotNil(t, msg.AuthResponse)
	assert.Equal(t, resp.UserID, msg.AuthResponse.UserID)
	assert.NotEqual(t, resp.SessionID, msg.AuthResponse.SessionID)

	assert.Equal(t, int64(2), srv.Metrics().SuccessfulAuths.Load())
	assert.Equal(t, int64(1), srv.Metrics().FailedAuths.Load())
}

func TestAuthNicknameOverridesForSession(t *testing.T) {
	srv, _ := newTestServer(t)
	c := dial(t, srv)
	c.send(&pb.ControlMessage{AuthRequest: &pb.AuthRequest{
		Username: "alice", Password: "pw", Nickname: "Al", Register: true,
	}})
	msg := c.waitFor("auth_response", func(m *pb.ControlMessage) bool { return m.AuthResponse != nil })
	assert.Equal(t, "Al", msg.AuthResponse.Nickname)
}

func TestFirstMessageMustBeAuth(t *testing.T) {
	srv, _ := newTestServer(t)
	c := dial(t, srv)

	c.send(&pb.ControlMessage{Ping: &pb.Ping{Timestamp: 1}})

	errResp := c.waitError()
	assert.Equal(t, pb.CodeUnauthorized, errResp.Code)
	c.waitClosed()
}

func TestRegistrationDisabled(t *testing.T) {
	srv, _ := newTestServer(t, func(cfg *Config) { cfg.AllowRegistration = false })
	c := dial(t, srv)

	msg := c.auth("alice", "pw", true)

	require.NotNil(t, msg.ErrorResponse)
	assert.Equal(t, pb.CodeUnauthorized, msg.ErrorResponse.Code)
}

func TestAuthRejectsInvalidUsername(t *testing.T) {
	srv, _ := newTestServer(t)
	c := dial(t, srv)

	msg := c.auth("no spaces", "pw", true)

	require.NotNil(t, msg.ErrorResponse)
	assert.Equal(t, pb.CodeBadRequest, msg.ErrorResponse.Code)
}

func TestPostReachesSubscribersWithoutEcho(t *testing.T) {
	srv, _ := newTestServer(t)
	alice, _ := login(t, srv, "alice")
	bob, _ := login(t, srv, "bob")
	carol, _ := login(t, srv, "carol")

	chatID := alice.startChat()
	bob.waitText(relay.NewChatNotice(chatID))
	carol.waitText(relay.NewChatNotice(chatID))

	alice.subscribe(chatID)
	bob.subscribe(chatID)

	alice.send(&pb.ControlMessage{Post: &pb.PostRequest{ChatID: chatID, Text: "hello\x1b[31m there"}})
	alice.waitAck(protocol.OpPost)

	got := bob.waitText("hello")
	assert.Contains(t, got, fmt.Sprintf("(chat %d)", chatID))
	assert.Contains(t, got, "alice: hello[31m there")

	// carol is not subscribed: her next message is the pong, not the post
	carol.send(&pb.ControlMessage{Ping: &pb.Ping{Timestamp: 42}})
	msg := carol.waitFor("pong or post", func(m *pb.ControlMessage) bool {
		return m.Pong != nil || (m.MessageEvent != nil && strings.Contains(m.MessageEvent.Text, "hello"))
	})
	assert.NotNil(t, msg.Pong)

	// alice gets no echo of her own post
	alice.send(&pb.ControlMessage{Ping: &pb.Ping{Timestamp: 43}})
	msg = alice.waitFor("pong or echo", func(m *pb.ControlMessage) bool {
		return m.Pong != nil || (m.MessageEvent != nil && strings.Contains(m.MessageEvent.Text, "hello"))
	})
	assert.NotNil(t, msg.Pong)

	assert.Equal(t, int64(1), srv.Metrics().MessagesPosted.Load())
}

func TestPostRequiresSubscription(t *testing.T) {
	srv, _ := newTestServer(t)
	alice, _ := login(t, srv, "alice")
	chatID := alice.startChat()

	alice.send(&pb.ControlMessage{Post: &pb.PostRequest{ChatID: chatID, Text: "hi"}})

	assert.Equal(t, pb.CodeForbidden, alice.waitError().Code)
}

func TestRequestValidation(t *testing.T) {
	srv, _ := newTestServer(t)
	alice, _ := login(t, srv, "alice")

	tests := map[string]*pb.ControlMessage{
		"no request":      {},
		"zero chat id":    {Subscribe: &pb.SubscribeRequest{}},
		"empty post text": {Post: &pb.PostRequest{ChatID: 1}},
		"two requests":    {Ping: &pb.Ping{}, ListChats: &pb.ListChatsRequest{}},
	}
	for name, msg := range tests {
		alice.send(msg)
		assert.Equal(t, pb.CodeBadRequest, alice.waitError().Code, name)
	}
}

func TestWhisper(t *testing.T) {
	srv, _ := newTestServer(t)
	alice, _ := login(t, srv, "alice")
	bob, _ := login(t, srv, "bob")

	alice.send(&pb.ControlMessage{Whisper: &pb.WhisperRequest{To: "bob", Text: "psst"}})
	alice.waitAck(protocol.OpWhisper)
	assert.Contains(t, bob.waitText("psst"), "(private) alice: psst")

	alice.send(&pb.ControlMessage{Whisper: &pb.WhisperRequest{To: "ghost", Text: "psst"}})
	assert.Equal(t, pb.CodeNotFound, alice.waitError().Code)
}

func TestPresenceEvents(t *testing.T) {
	srv, _ := newTestServer(t)
	alice, _ := login(t, srv, "alice")
	bob, _ := login(t, srv, "bob")

	alice.waitFor("bob joined", func(m *pb.ControlMessage) bool {
		return m.PresenceEvent != nil && m.PresenceEvent.Joined && m.PresenceEvent.Nickname == "bob"
	})

	_ = bob.conn.Close()
	alice.waitFor("bob left", func(m *pb.ControlMessage) bool {
		return m.PresenceEvent != nil && !m.PresenceEvent.Joined && m.PresenceEvent.Nickname == "bob"
	})
}

func TestSubscriptionEvents(t *testing.T) {
	srv, _ := newTestServer(t)
	alice, _ := login(t, srv, "alice")
	bob, bobAuth := login(t, srv, "bob")

	chatID := alice.startChat()
	alice.subscribe(chatID)
	bob.subscribe(chatID)

	ev := alice.waitFor("bob subscribed", func(m *pb.ControlMessage) bool {
		return m.SubscriptionEvent != nil && m.SubscriptionEvent.UserID == bobAuth.UserID
	}).SubscriptionEvent
	assert.True(t, ev.Subscribed)
	assert.Equal(t, chatID, ev.ChatID)

	bob.send(&pb.ControlMessage{Unsubscribe: &pb.SubscribeRequest{ChatID: chatID}})
	bob.waitAck(protocol.OpUnsubscribe)
	ev = alice.waitFor("bob unsubscribed", func(m *pb.ControlMessage) bool {
		return m.SubscriptionEvent != nil && !m.SubscriptionEvent.Subscribed
	}).SubscriptionEvent
	assert.Equal(t, bobAuth.UserID, ev.UserID)

	bob.send(&pb.ControlMessage{Unsubscribe: &pb.SubscribeRequest{ChatID: chatID}})
	assert.Equal(t, pb.CodeForbidden, bob.waitError().Code)

	assert.Equal(t, int64(2), srv.Metrics().Subscribes.Load())
	assert.Equal(t, int64(1), srv.Metrics().Unsubscribes.Load())
}

func TestStopChat(t *testing.T) {
	srv, st := newTestServer(t)
	alice, _ := login(t, srv, "alice")
	bob, _ := login(t, srv, "bob")

	chatID := alice.startChat()
	alice.subscribe(chatID)
	bob.subscribe(chatID)
	alice.send(&pb.ControlMessage{Post: &pb.PostRequest{ChatID: chatID, Text: "last words"}})
	alice.waitAck(protocol.OpPost)

	bob.send(&pb.ControlMessage{StopChat: &pb.StopChatRequest{ChatID: chatID}})
	bob.waitAck(protocol.OpStopChat)

	ended := alice.waitFor("chat_ended", func(m *pb.ControlMessage) bool { return m.ChatEnded != nil }).ChatEnded
	assert.Equal(t, chatID, ended.ID)
	assert.False(t, ended.Active)
	require.NotEmpty(t, ended.TranscriptPath)

	content, err := os.ReadFile(ended.TranscriptPath)
	require.NoError(t, err)
	assert.Contains(t, string(content), "alice: last words")

	chat, err := st.GetChat(context.Background(), chatID)
	require.NoError(t, err)
	assert.True(t, chat.Ended())

	bob.send(&pb.ControlMessage{StopChat: &pb.StopChatRequest{ChatID: chatID}})
	assert.Equal(t, pb.CodeGone, bob.waitError().Code)

	bob.send(&pb.ControlMessage{Subscribe: &pb.SubscribeRequest{ChatID: chatID}})
	assert.Equal(t, pb.CodeGone, bob.waitError().Code)

	assert.Equal(t, int64(1), srv.Metrics().ChatsStopped.Load())
}

func TestLastSubscriberDisconnectEndsChat(t *testing.T) {
	srv, st := newTestServer(t)
	alice, _ := login(t, srv, "alice")
	_, _ = login(t, srv, "bob")

	chatID := alice.startChat()
	alice.subscribe(chatID)

	_ = alice.conn.Close()

	require.Eventually(t, func() bool {
		chat, err := st.GetChat(context.Background(), chatID)
		return err == nil && chat != nil && chat.Ended()
	}, waitTimeout, 10*time.Millisecond)
	assert.Equal(t, int64(1), srv.Metrics().ChatsStopped.Load())
}

func TestAutoStopDisabledKeepsChat(t *testing.T) {
	srv, st := newTestServer(t, func(cfg *Config) { cfg.AutoStopChats = false })
	alice, _ := login(t, srv, "alice")
	chatID := alice.startChat()
	alice.subscribe(chatID)

	_ = alice.conn.Close()
	require.Eventually(t, func() bool {
		return srv.Metrics().TotalDisconnects.Load() == 1
	}, waitTimeout, 10*time.Millisecond)

	chat, err := st.GetChat(context.Background(), chatID)
	require.NoError(t, err)
	assert.False(t, chat.Ended())
}

func TestListChatsMarksSubscriptions(t *testing.T) {
	srv, _ := newTestServer(t)
	alice, _ := login(t, srv, "alice")
	first := alice.startChat()
	second := alice.startChat()
	alice.subscribe(second)

	alice.send(&pb.ControlMessage{ListChats: &pb.ListChatsRequest{}})
	list := alice.waitFor("chat_list", func(m *pb.ControlMessage) bool { return m.ChatList != nil }).ChatList

	require.Len(t, list.Chats, 2)
	assert.Equal(t, first, list.Chats[0].ID)
	assert.False(t, list.Chats[0].Subscribed)
	assert.Equal(t, second, list.Chats[1].ID)
	assert.True(t, list.Chats[1].Subscribed)
	assert.True(t, list.Chats[1].Active)
}

func TestClientConnAfterClose(t *testing.T) {
	cc := newClientConn(newStreamConn(&nopConn{}), time.Second)
	ctx := context.Background()
	require.NoError(t, cc.ReceiveMessage(ctx, "hi"))

	require.NoError(t, cc.Close())
	require.NoError(t, cc.Close())

	assert.ErrorIs(t, cc.ReceiveMessage(ctx, "hi"), relay.ErrSessionGone)
	assert.ErrorIs(t, cc.UserJoined(ctx, "bob"), relay.ErrDeliveryFailure)
}

func TestClientConnWriteFailureCloses(t *testing.T) {
	cc := newClientConn(newStreamConn(&failingConn{}), time.Second)
	ctx := context.Background()

	err := cc.UserLeft(ctx, "bob")
	require.ErrorIs(t, err, relay.ErrSessionGone)
	require.ErrorIs(t, err, net.ErrClosed)
	assert.True(t, cc.closed.Load())
}

func TestErrorCode(t *testing.T) {
	tests := []struct {
		err  error
		want int32
	}{
		{relay.ErrInvalidMessage, pb.CodeBadRequest},
		{fmt.Errorf("post: %w", relay.ErrNotSubscribed), pb.CodeForbidden},
		{relay.ErrNotFound, pb.CodeNotFound},
		{relay.ErrRecipientOffline, pb.CodeNotFound},
		{relay.ErrAlreadySubscribed, pb.CodeConflict},
		{relay.ErrDuplicateSession, pb.CodeConflict},
		{relay.ErrAlreadyEnded, pb.CodeGone},
		{fmt.Errorf("%w: disk", relay.ErrPersistence), pb.CodeUnavailable},
		{errAdminOnly, pb.CodeForbidden},
		{errors.New("other"), pb.CodeInternal},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, errorCode(tt.err), "errorCode(%v)", tt.err)
	}
	assert.Equal(t, pb.CodeUnauthorized, authErrorCode(errAuthFailed))
}

func TestSanitizeText(t *testing.T) {
	tests := map[string]string{
		"hello":         "hello",
		"a\nb\r\nc":     "a b  c",
		"null\x00byte":  "nullbyte",
		"bell\a":        "bell",
		"\x1b[2Jclear":  "[2Jclear",
		"unicode ñ 日本語": "unicode ñ 日本語",
	}
	for in, want := range tests {
		assert.Equal(t, want, sanitizeText(in), "sanitizeText(%q)", in)
	}
}

func TestWebSocketSession(t *testing.T) {
	srv, _ := newTestServer(t)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	_ = resp.Body.Close()
	t.Cleanup(func() { _ = conn.Close() })

	require.NoError(t, conn.WriteJSON(&pb.ControlMessage{AuthRequest: &pb.AuthRequest{
		Username: "webby", Password: "pw", Register: true,
	}}))
	_ = conn.SetReadDeadline(time.Now().Add(waitTimeout))

	var msg pb.ControlMessage
	require.NoError(t, conn.ReadJSON(&msg))
	require.NotNil(t, msg.AuthResponse, "%+v", msg.ErrorResponse)
	assert.Equal(t, "webby", msg.AuthResponse.Nickname)

	tcp, _ := login(t, srv, "alice")
	tcp.send(&pb.ControlMessage{Whisper: &pb.WhisperRequest{To: "webby", Text: "over the bridge"}})
	tcp.waitAck(protocol.OpWhisper)

	for {
		var ev pb.ControlMessage
		require.NoError(t, conn.ReadJSON(&ev))
		if ev.MessageEvent != nil {
			assert.Contains(t, ev.MessageEvent.Text, "over the bridge")
			break
		}
	}
}

func TestWebSocketRejectsForeignOrigin(t *testing.T) {
	srv, _ := newTestServer(t, func(cfg *Config) { cfg.AllowedOrigins = "https://chat.example.com" })
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	_, resp, err := websocket.DefaultDialer.Dial(url, http.Header{"Origin": []string{"https://evil.example.com"}})
	require.Error(t, err)
	require.NotNil(t, resp)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestOriginPolicy(t *testing.T) {
	tests := []struct {
		name    string
		list    string
		origin  string
		host    string
		allowed bool
	}{
		{"no origin header", "https://a.example", "", "relay:9701", true},
		{"listed", "https://a.example, https://b.example", "https://B.example", "relay:9701", true},
		{"not listed", "https://a.example", "https://c.example", "relay:9701", false},
		{"wildcard", "*", "https://c.example", "relay:9701", true},
		{"same host by default", "", "http://relay:9701", "relay:9701", true},
		{"other host by default", "", "http://elsewhere", "relay:9701", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "http://"+tt.host+"/ws", nil)
			r.Host = tt.host
			if tt.origin != "" {
				r.Header.Set("Origin", tt.origin)
			}
			assert.Equal(t, tt.allowed, newOriginPolicy(tt.list).check(r))
		})
	}
}

func TestHTTPEndpoints(t *testing.T) {
	srv, _ := newTestServer(t)
	h := srv.Handler()

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	_, _ = login(t, srv, "alice")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	body := rec.Body.String()
	assert.Contains(t, body, "# TYPE gorelay_posts_total counter")
	assert.Contains(t, body, "gorelay_sessions_active 1\n")
	assert.Contains(t, body, "gorelay_auth_success_total 1\n")

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/ws", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}
