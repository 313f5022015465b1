// Package client implements the GoRelay client networking.
package client

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strings"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/NicolasHaas/gorelay/pkg/protocol"
	pb "github.com/NicolasHaas/gorelay/pkg/protocol/pb"
)

// EventHandler is a callback for incoming control messages.
type EventHandler func(msg *pb.ControlMessage)

// ServerError is an error_response sent by the server.
type ServerError struct {
	Code    int32
	Message string
}

func (e *ServerError) Error() string {
	return fmt.Sprintf("server error %d: %s", e.Code, e.Message)
}

// transport moves whole control messages.
type transport interface {
	read() (*pb.ControlMessage, error)
	write(msg *pb.ControlMessage) error
	close() error
}

type tlsTransport struct{ conn net.Conn }

func (t *tlsTransport) read() (*pb.ControlMessage, error) { return protocol.ReadControlMessage(t.conn) }
func (t *tlsTransport) write(msg *pb.ControlMessage) error {
	return protocol.WriteControlMessage(t.conn, msg)
}
func (t *tlsTransport) close() error { return t.conn.Close() }

type wsTransport struct{ conn *websocket.Conn }

func (t *wsTransport) read() (*pb.ControlMessage, error) {
	_, data, err := t.conn.ReadMessage()
	if err != nil {
		return nil, err
	}
	return protocol.Unmarshal(data)
}

func (t *wsTransport) write(msg *pb.ControlMessage) error {
	data, err := protocol.Marshal(msg)
	if err != nil {
		return err
	}
	return t.conn.WriteMessage(websocket.TextMessage, data)
}

func (t *wsTransport) close() error { return t.conn.Close() }

// ControlClient manages the control plane connection. addr is either a
// host:port of the TLS listener or a ws:// / wss:// URL of the /ws endpoint.
type ControlClient struct {
	tr      transport
	mu      sync.Mutex
	handler EventHandler
	done    chan struct{}
}

// NewControlClient connects to the server's control plane.
func NewControlClient(ctx context.Context, addr string) (*ControlClient, error) {
	var tr transport
	if strings.HasPrefix(addr, "ws://") || strings.HasPrefix(addr, "wss://") {
		dialer := websocket.Dialer{
			TLSClientConfig: &tls.Config{
				InsecureSkipVerify: true, //nolint:gosec // self-signed server certs (TOFU model)
				MinVersion:         tls.VersionTLS13,
			},
		}
		conn, resp, err := dialer.DialContext(ctx, addr, nil)
		if resp != nil && resp.Body != nil {
			_ = resp.Body.Close()
		}
		if err != nil {
			return nil, fmt.Errorf("client: connect websocket: %w", err)
		}
		conn.SetReadLimit(protocol.MaxControlMessage)
		tr = &wsTransport{conn: conn}
	} else {
		tlsCfg := &tls.Config{
			InsecureSkipVerify: true, //nolint:gosec // self-signed server certs (TOFU model)
			MinVersion:         tls.VersionTLS13,
		}
		dialer := &tls.Dialer{Config: tlsCfg}
		conn, err := dialer.DialContext(ctx, "tcp", addr)
		if err != nil {
			return nil, fmt.Errorf("client: connect control: %w", err)
		}
		tr = &tlsTransport{conn: conn}
	}

	return &ControlClient{
		tr:   tr,
		done: make(chan struct{}),
	}, nil
}

// SetEventHandler sets the callback for incoming control messages.
// It must be called before StartReceiving.
func (c *ControlClient) SetEventHandler(handler EventHandler) {
	c.handler = handler
}

// Send sends a control message to the server.
func (c *ControlClient) Send(msg *pb.ControlMessage) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.tr.write(msg)
}

// Authenticate sends an auth request and returns the auth response. Events
// that arrive before the response are dropped.
func (c *ControlClient) Authenticate(req *pb.AuthRequest) (*pb.AuthResponse, error) {
	if err := c.Send(&pb.ControlMessage{AuthRequest: req}); err != nil {
		return nil, fmt.Errorf("client: send auth: %w", err)
	}

	for {
		msg, err := c.tr.read()
		if err != nil {
			return nil, fmt.Errorf("client: read auth response: %w", err)
		}
		switch {
		case msg.ErrorResponse != nil:
			return nil, &ServerError{Code: msg.ErrorResponse.Code, Message: msg.ErrorResponse.Message}
		case msg.AuthResponse != nil:
			return msg.AuthResponse, nil
		}
	}
}

// StartReceiving starts a goroutine that reads incoming control messages
// and dispatches them to the event handler.
func (c *ControlClient) StartReceiving() {
	go func() {
		defer close(c.done)
		for {
			msg, err := c.tr.read()
			if err != nil {
				if isClosedErr(err) {
					slog.Debug("control connection closed")
					return
				}
				slog.Error("control read error", "err", err)
				return
			}
			if c.handler != nil {
				c.handler(msg)
			}
		}
	}()
}

// Close closes the control connection.
func (c *ControlClient) Close() error {
	return c.tr.close()
}

// Done returns a channel that's closed when the connection is lost.
func (c *ControlClient) Done() <-chan struct{} {
	return c.done
}

func isClosedErr(err error) bool {
	return errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, net.ErrClosed) ||
		websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway)
}
