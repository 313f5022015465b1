// Package protocol defines control message framing and request validation.
package protocol

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/go-playground/validator/v10"

	pb "github.com/NicolasHaas/gorelay/pkg/protocol/pb"
)

// MaxControlMessage is the maximum control message size (64KB).
const MaxControlMessage = 65536

var (
	ErrTooLarge      = errors.New("protocol: message too large")
	ErrNoRequest     = errors.New("protocol: no request field set")
	ErrManyRequests  = errors.New("protocol: more than one request field set")
	ErrInvalidFields = errors.New("protocol: invalid request")
)

var validate = validator.New()

// Request operation names, as used in Ack.Op.
const (
	OpAuth        = "auth_request"
	OpListChats   = "list_chats"
	OpStartChat   = "start_chat"
	OpStopChat    = "stop_chat"
	OpSubscribe   = "subscribe"
	OpUnsubscribe = "unsubscribe"
	OpPost        = "post"
	OpWhisper     = "whisper"
	OpPing        = "ping"

	OpUpdateProfile = "update_profile"
	OpListUsers     = "list_users"
	OpDeleteUser    = "delete_user"
)

// Marshal encodes msg as JSON, enforcing MaxControlMessage.
func Marshal(msg *pb.ControlMessage) ([]byte, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("protocol: marshal: %w", err)
	}
	if len(data) > MaxControlMessage {
		return nil, fmt.Errorf("%w: %d bytes", ErrTooLarge, len(data))
	}
	return data, nil
}

// Unmarshal decodes one JSON control message.
func Unmarshal(data []byte) (*pb.ControlMessage, error) {
	if len(data) > MaxControlMessage {
		return nil, fmt.Errorf("%w: %d bytes", ErrTooLarge, len(data))
	}
	msg := &pb.ControlMessage{}
	if err := json.Unmarshal(data, msg); err != nil {
		return nil, fmt.Errorf("protocol: unmarshal: %w", err)
	}
	return msg, nil
}

// WriteControlMessage writes a length-prefixed JSON control message to a writer.
// Format: [4-byte big-endian length][JSON payload]
func WriteControlMessage(w io.Writer, msg *pb.ControlMessage) error {
	data, err := Marshal(msg)
	if err != nil {
		return err
	}

	buf := make([]byte, 4+len(data))
	binary.BigEndian.PutUint32(buf, uint32(len(data))) //nolint:gosec // length already bounds-checked above
	copy(buf[4:], data)
	if _, err := w.Write(buf); err != nil {
		return fmt.Errorf("protocol: write: %w", err)
	}
	return nil
}

// ReadControlMessage reads a length-prefixed JSON control message from a reader.
func ReadControlMessage(r io.Reader) (*pb.ControlMessage, error) {
	lenBuf := make([]byte, 4)
	if _, err := io.ReadFull(r, lenBuf); err != nil {
		return nil, fmt.Errorf("protocol: read length: %w", err)
	}
	length := binary.BigEndian.Uint32(lenBuf)
	if length > MaxControlMessage {
		return nil, fmt.Errorf("%w: %d bytes", ErrTooLarge, length)
	}

	data := make([]byte, length)
	if _, err := io.ReadFull(r, data); err != nil {
		return nil, fmt.Errorf("protocol: read payload: %w", err)
	}
	return Unmarshal(data)
}

// RequestOp returns the operation name of the single request carried by msg.
func RequestOp(msg *pb.ControlMessage) (string, error) {
	ops := make([]string, 0, 1)
	add := func(set bool, op string) {
		if set {
			ops = append(ops, op)
		}
	}
	add(msg.AuthRequest != nil, OpAuth)
	add(msg.ListChats != nil, OpListChats)
	add(msg.StartChat != nil, OpStartChat)
	add(msg.StopChat != nil, OpStopChat)
	add(msg.Subscribe != nil, OpSubscribe)
	add(msg.Unsubscribe != nil, OpUnsubscribe)
	add(msg.Post != nil, OpPost)
	add(msg.Whisper != nil, OpWhisper)
	add(msg.Ping != nil, OpPing)
	add(msg.UpdateProfile != nil, OpUpdateProfile)
	add(msg.ListUsers != nil, OpListUsers)
	add(msg.DeleteUser != nil, OpDeleteUser)

	switch len(ops) {
	case 0:
		return "", ErrNoRequest
	case 1:
		return ops[0], nil
	default:
		return "", fmt.Errorf("%w: %v", ErrManyRequests, ops)
	}
}

// ValidateRequest checks that msg carries exactly one request and that the
// request's fields satisfy their constraints. It returns the operation name.
func ValidateRequest(msg *pb.ControlMessage) (string, error) {
	op, err := RequestOp(msg)
	if err != nil {
		return "", err
	}
	if err := validate.Struct(msg); err != nil {
		return op, fmt.Errorf("%w: %w", ErrInvalidFields, err)
	}
	return op, nil
}
