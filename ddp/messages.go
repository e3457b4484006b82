package ddp

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"
)

// Message types
const (
	MsgConnect   = "connect"
	MsgConnected = "connected"
	MsgPing      = "ping"
	MsgPong      = "pong"
	MsgSub       = "sub"
	MsgUnsub     = "unsub"
	MsgNoSub     = "nosub"
	MsgReady     = "ready"
	MsgAdded     = "added"
	MsgChanged   = "changed"
	MsgRemoved   = "removed"
	MsgMethod    = "method"
	MsgResult    = "result"
	MsgUpdated   = "updated"
)

// ErrProtocol an inbound message could not be understood
var ErrProtocol = errors.New("protocol error")

// ===============================================================================
// Inbound messages

// InboundMessage a decoded client to server message
type InboundMessage interface {
	// MessageType the "msg" tag of the message
	MessageType() string
}

// ConnectMessage client handshake
type ConnectMessage struct {
	Version string   `json:"version,omitempty"`
	Support []string `json:"support,omitempty"`
	Session string   `json:"session,omitempty"`
}

// PingMessage client liveness check
type PingMessage struct {
	ID string `json:"id,omitempty"`
}

// SubMessage start a subscription
type SubMessage struct {
	ID     string            `json:"id" validate:"required"`
	Name   string            `json:"name" validate:"required"`
	Params []json.RawMessage `json:"params,omitempty"`
}

// UnsubMessage stop a subscription
type UnsubMessage struct {
	ID string `json:"id" validate:"required"`
}

// MethodMessage invoke a method
type MethodMessage struct {
	ID     string            `json:"id" validate:"required"`
	Method string            `json:"method" validate:"required"`
	Params []json.RawMessage `json:"params,omitempty"`
}

// MessageType implements InboundMessage
func (m *ConnectMessage) MessageType() string { return MsgConnect }

// MessageType implements InboundMessage
func (m *PingMessage) MessageType() string { return MsgPing }

// MessageType implements InboundMessage
func (m *SubMessage) MessageType() string { return MsgSub }

// MessageType implements InboundMessage
func (m *UnsubMessage) MessageType() string { return MsgUnsub }

// MessageType implements InboundMessage
func (m *MethodMessage) MessageType() string { return MsgMethod }

type envelope struct {
	Msg string `json:"msg"`
}

// MessageDecoder decodes and validates inbound frames
type MessageDecoder struct {
	validate *validator.Validate
}

// NewMessageDecoder define a new MessageDecoder
func NewMessageDecoder() *MessageDecoder {
	return &MessageDecoder{validate: validator.New()}
}

// Decode parse one inbound frame. Malformed frames, frames missing required
// fields, and unknown message types are reported as ErrProtocol.
func (d *MessageDecoder) Decode(frame []byte) (InboundMessage, error) {
	var env envelope
	if err := json.Unmarshal(frame, &env); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrProtocol, err.Error())
	}
	var msg InboundMessage
	switch env.Msg {
	case MsgConnect:
		msg = &ConnectMessage{}
	case MsgPing:
		msg = &PingMessage{}
	case MsgSub:
		msg = &SubMessage{}
	case MsgUnsub:
		msg = &UnsubMessage{}
	case MsgMethod:
		msg = &MethodMessage{}
	case "":
		return nil, fmt.Errorf("%w: missing msg", ErrProtocol)
	default:
		return nil, fmt.Errorf("%w: unknown msg '%s'", ErrProtocol, env.Msg)
	}
	if err := json.Unmarshal(frame, msg); err != nil {
		return nil, fmt.Errorf("%w: %s %s", ErrProtocol, env.Msg, err.Error())
	}
	if err := d.validate.Struct(msg); err != nil {
		return nil, fmt.Errorf("%w: %s %s", ErrProtocol, env.Msg, err.Error())
	}
	return msg, nil
}

// ===============================================================================
// Outbound messages

// OutboundMessage a server to client message
type OutboundMessage interface {
	// MessageType the "msg" tag of the message
	MessageType() string
}

// ConnectedMessage handshake ACK
type ConnectedMessage struct {
	Msg     string `json:"msg"`
	Session string `json:"session"`
}

// PongMessage liveness ACK
type PongMessage struct {
	Msg string `json:"msg"`
	ID  string `json:"id,omitempty"`
}

// DocumentMessage added / changed / removed document delta
type DocumentMessage struct {
	Msg        string          `json:"msg"`
	Collection string          `json:"collection"`
	ID         string          `json:"id"`
	Fields     json.RawMessage `json:"fields,omitempty"`
}

// ReadyMessage initial snapshot of subscriptions are complete
type ReadyMessage struct {
	Msg  string   `json:"msg"`
	Subs []string `json:"subs"`
}

// NoSubMessage subscription rejected or ended
type NoSubMessage struct {
	Msg   string        `json:"msg"`
	ID    string        `json:"id"`
	Error *ErrorPayload `json:"error,omitempty"`
}

// ResultMessage method return value
type ResultMessage struct {
	Msg    string        `json:"msg"`
	ID     string        `json:"id"`
	Result interface{}   `json:"result,omitempty"`
	Error  *ErrorPayload `json:"error,omitempty"`
}

// UpdatedMessage effects of methods are now visible
type UpdatedMessage struct {
	Msg     string   `json:"msg"`
	Methods []string `json:"methods"`
}

// MessageType implements OutboundMessage
func (m *ConnectedMessage) MessageType() string { return m.Msg }

// MessageType implements OutboundMessage
func (m *PongMessage) MessageType() string { return m.Msg }

// MessageType implements OutboundMessage
func (m *DocumentMessage) MessageType() string { return m.Msg }

// MessageType implements OutboundMessage
func (m *ReadyMessage) MessageType() string { return m.Msg }

// MessageType implements OutboundMessage
func (m *NoSubMessage) MessageType() string { return m.Msg }

// MessageType implements OutboundMessage
func (m *ResultMessage) MessageType() string { return m.Msg }

// MessageType implements OutboundMessage
func (m *UpdatedMessage) MessageType() string { return m.Msg }
