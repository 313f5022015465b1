package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/NicolasHaas/gorelay/pkg/protocol"
	pb "github.com/NicolasHaas/gorelay/pkg/protocol/pb"
	"github.com/NicolasHaas/gorelay/pkg/relay"
)

// frameConn carries whole control messages. The TLS listener and the
// WebSocket endpoint both implement it so they can share one session loop.
type frameConn interface {
	ReadMessage() (*pb.ControlMessage, error)
	WriteMessage(msg *pb.ControlMessage) error
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	RemoteAddr() string
	Close() error
}

// streamConn frames messages on a byte stream with a length prefix.
type streamConn struct {
	conn net.Conn
}

func newStreamConn(conn net.Conn) *streamConn {
	return &streamConn{conn: conn}
}

func (c *streamConn) ReadMessage() (*pb.ControlMessage, error) {
	return protocol.ReadControlMessage(c.conn)
}

func (c *streamConn) WriteMessage(msg *pb.ControlMessage) error {
	return protocol.WriteControlMessage(c.conn, msg)
}

func (c *streamConn) SetReadDeadline(t time.Time) error  { return c.conn.SetReadDeadline(t) }
func (c *streamConn) SetWriteDeadline(t time.Time) error { return c.conn.SetWriteDeadline(t) }
func (c *streamConn) RemoteAddr() string                 { return c.conn.RemoteAddr().String() }
func (c *streamConn) Close() error                       { return c.conn.Close() }

// wsConn sends one JSON text frame per message.
type wsConn struct {
	conn *websocket.Conn
}

func newWSConn(conn *websocket.Conn) *wsConn {
	conn.SetReadLimit(protocol.MaxControlMessage)
	return &wsConn{conn: conn}
}

func (c *wsConn) ReadMessage() (*pb.ControlMessage, error) {
	kind, data, err := c.conn.ReadMessage()
	if err != nil {
		return nil, err
	}
	if kind != websocket.TextMessage {
		return nil, fmt.Errorf("protocol: unexpected websocket frame type %d", kind)
	}
	return protocol.Unmarshal(data)
}

func (c *wsConn) WriteMessage(msg *pb.ControlMessage) error {
	data, err := protocol.Marshal(msg)
	if err != nil {
		return err
	}
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

func (c *wsConn) SetReadDeadline(t time.Time) error  { return c.conn.SetReadDeadline(t) }
func (c *wsConn) SetWriteDeadline(t time.Time) error { return c.conn.SetWriteDeadline(t) }
func (c *wsConn) RemoteAddr() string                 { return c.conn.RemoteAddr().String() }
func (c *wsConn) Close() error                       { return c.conn.Close() }

// clientConn is the relay.ClientCallback of one authenticated connection.
// Writes are serialized; once closed every call returns relay.ErrSessionGone.
type clientConn struct {
	fc           frameConn
	writeTimeout time.Duration

	mu     sync.Mutex
	closed atomic.Bool
}

var _ relay.ClientCallback = (*clientConn)(nil)

func newClientConn(fc frameConn, writeTimeout time.Duration) *clientConn {
	return &clientConn{fc: fc, writeTimeout: writeTimeout}
}

func (c *clientConn) ReceiveMessage(ctx context.Context, text string) error {
	return c.send(ctx, &pb.ControlMessage{
		MessageEvent: &pb.MessageEvent{Text: text, Timestamp: time.Now().Unix()},
	})
}

func (c *clientConn) UserJoined(ctx context.Context, nickname string) error {
	return c.send(ctx, &pb.ControlMessage{
		PresenceEvent: &pb.PresenceEvent{Nickname: nickname, Joined: true},
	})
}

func (c *clientConn) UserLeft(ctx context.Context, nickname string) error {
	return c.send(ctx, &pb.ControlMessage{
		PresenceEvent: &pb.PresenceEvent{Nickname: nickname, Joined: false},
	})
}

// send writes msg before the earlier of ctx's deadline and the write timeout.
// A failed write closes the connection so the read loop ends the session.
func (c *clientConn) send(ctx context.Context, msg *pb.ControlMessage) error {
	if c.closed.Load() {
		return relay.ErrSessionGone
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed.Load() {
		return relay.ErrSessionGone
	}

	var deadline time.Time
	if c.writeTimeout > 0 {
		deadline = time.Now().Add(c.writeTimeout)
	}
	if d, ok := ctx.Deadline(); ok && (deadline.IsZero() || d.Before(deadline)) {
		deadline = d
	}
	_ = c.fc.SetWriteDeadline(deadline)

	if err := c.fc.WriteMessage(msg); err != nil {
		_ = c.Close()
		return fmt.Errorf("%w: %w", relay.ErrSessionGone, err)
	}
	return nil
}

// sendError writes an error response. Failures are ignored; the read loop
// notices a dead connection on its own.
func (c *clientConn) sendError(ctx context.Context, code int32, message string) {
	_ = c.send(ctx, &pb.ControlMessage{
		ErrorResponse: &pb.ErrorResponse{Code: code, Message: message},
	})
}

// Close may run concurrently with send; closing the underlying connection
// unblocks a pending write.
func (c *clientConn) Close() error {
	if c.closed.Swap(true) {
		return nil
	}
	return c.fc.Close()
}

// isClosedErr reports errors that mean the peer or the server closed the connection.
func isClosedErr(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, net.ErrClosed) ||
		websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway)
}
