// Package protocol defines the socket envelope shared by the server and the
// client. The Type field selects the shape of Data.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/example/campus-messaging/domain/message"
)

// MaxFrameSize is the largest inbound socket frame accepted, in bytes.
const MaxFrameSize = 16 * 1024

// Inbound envelope types (client -> server).
const (
	TypeJoinConversation  = "join_conversation"
	TypeLeaveConversation = "leave_conversation"
	TypeSendMessage       = "send_message"
	TypeTypingStart       = "typing_start"
	TypeTypingStop        = "typing_stop"
	TypePing              = "ping"
)

// Outbound envelope types (server -> client).
const (
	TypeConnectionEstablished = "connection_established"
	TypeNewMessage            = "new_message"
	TypeUserTyping            = "user_typing"
	TypeUserStoppedTyping     = "user_stopped_typing"
	TypePong                  = "pong"
	TypeSystemMessage         = "system_message"
	TypeError                 = "error"
	TypeMessagesRead          = "messages_read"
)

// Error codes carried in Error payloads.
const (
	CodeInvalidFrame      = "invalid_frame"
	CodeUnknownType       = "unknown_type"
	CodeFrameTooLarge     = "frame_too_large"
	CodeInvalidMessage    = "invalid_message"
	CodePersistenceFailed = "persistence_failed"
	CodeForbidden         = "forbidden"
)

var (
	// ErrFrameTooLarge is returned for frames above MaxFrameSize.
	ErrFrameTooLarge = errors.New("frame too large")
	// ErrMalformed is returned for frames that are not a valid envelope.
	ErrMalformed = errors.New("malformed envelope")
	// ErrUnknownType is returned for envelopes with an unrecognized type.
	ErrUnknownType = errors.New("unknown envelope type")
)

// Envelope is the wire format in both directions.
type Envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// ProtocolError describes a frame that was rejected.
type ProtocolError struct {
	Code string
	Type string
	Err  error
}

func (e *ProtocolError) Error() string {
	if e.Type != "" {
		return fmt.Sprintf("protocol error (%s): %v", e.Type, e.Err)
	}
	return fmt.Sprintf("protocol error: %v", e.Err)
}

func (e *ProtocolError) Unwrap() error {
	return e.Err
}

// ConversationRef addresses a conversation for join, leave and typing frames.
type ConversationRef struct {
	ConversationID string `json:"conversation_id"`
}

// SendMessage is the payload of a send_message frame and of the HTTP
// send endpoint.
type SendMessage struct {
	ReceiverID     string       `json:"receiver_id"`
	ConversationID string       `json:"conversation_id,omitempty"`
	Body           string       `json:"body"`
	Kind           message.Kind `json:"kind,omitempty"`
	ClientID       string       `json:"client_id,omitempty"`
}

// NewMessage is pushed for every persisted message.
type NewMessage struct {
	Message  message.Message `json:"message"`
	ClientID string          `json:"client_id,omitempty"`
}

// Typing is pushed for typing_start and typing_stop.
type Typing struct {
	ConversationID string `json:"conversation_id"`
	UserID         string `json:"user_id"`
}

// Pong answers an application ping.
type Pong struct {
	Timestamp time.Time `json:"timestamp"`
}

// ConnectionEstablished is the first frame sent after registration.
type ConnectionEstablished struct {
	UserID       string    `json:"user_id"`
	ConnectionID string    `json:"connection_id"`
	ServerTime   time.Time `json:"server_time"`
}

// SystemMessage is an out-of-band announcement.
type SystemMessage struct {
	Body   string    `json:"body"`
	SentAt time.Time `json:"sent_at"`
}

// Error reports a rejected frame or a failed send.
type Error struct {
	Code     string `json:"code"`
	Message  string `json:"message"`
	ClientID string `json:"client_id,omitempty"`
}

// MessagesRead is pushed to a sender when the receiver reads messages.
type MessagesRead struct {
	ConversationID string    `json:"conversation_id"`
	ReaderID       string    `json:"reader_id"`
	MessageIDs     []string  `json:"message_ids"`
	ReadAt         time.Time `json:"read_at"`
}

var inboundTypes = map[string]bool{
	TypeJoinConversation:  true,
	TypeLeaveConversation: true,
	TypeSendMessage:       true,
	TypeTypingStart:       true,
	TypeTypingStop:        true,
	TypePing:              true,
}

// IsInbound reports whether t is a type the server accepts.
func IsInbound(t string) bool {
	return inboundTypes[t]
}

// New builds an envelope with data encoded as JSON.
func New(t string, data any) (Envelope, error) {
	if data == nil {
		return Envelope{Type: t}, nil
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return Envelope{}, fmt.Errorf("failed to encode %s payload: %w", t, err)
	}
	return Envelope{Type: t, Data: raw}, nil
}

// Marshal builds an envelope and encodes it.
func Marshal(t string, data any) ([]byte, error) {
	env, err := New(t, data)
	if err != nil {
		return nil, err
	}
	return json.Marshal(env)
}

// Parse decodes any envelope without checking its type.
func Parse(frame []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(frame, &env); err != nil {
		return Envelope{}, &ProtocolError{Code: CodeInvalidFrame, Err: fmt.Errorf("%w: %v", ErrMalformed, err)}
	}
	if env.Type == "" {
		return Envelope{}, &ProtocolError{Code: CodeInvalidFrame, Err: fmt.Errorf("%w: missing type", ErrMalformed)}
	}
	return env, nil
}

// DecodeInbound validates an inbound frame and returns its envelope.
// Oversized frames are rejected, not truncated.
func DecodeInbound(frame []byte) (Envelope, error) {
	if len(frame) > MaxFrameSize {
		return Envelope{}, &ProtocolError{Code: CodeFrameTooLarge, Err: ErrFrameTooLarge}
	}
	env, err := Parse(frame)
	if err != nil {
		return Envelope{}, err
	}
	if !IsInbound(env.Type) {
		return Envelope{}, &ProtocolError{Code: CodeUnknownType, Type: env.Type, Err: ErrUnknownType}
	}
	return env, nil
}

// Bind decodes the envelope payload into dest.
func (e Envelope) Bind(dest any) error {
	if len(e.Data) == 0 {
		return &ProtocolError{Code: CodeInvalidFrame, Type: e.Type, Err: fmt.Errorf("%w: missing data", ErrMalformed)}
	}
	if err := json.Unmarshal(e.Data, dest); err != nil {
		return &ProtocolError{Code: CodeInvalidFrame, Type: e.Type, Err: fmt.Errorf("%w: %v", ErrMalformed, err)}
	}
	return nil
}
