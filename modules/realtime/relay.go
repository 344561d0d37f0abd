package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/example/campus-messaging/domain/message"
	"github.com/example/campus-messaging/protocol"
	"github.com/go-monolith/mono/pkg/types"
)

// MessageStore is the append side of the storage collaborator.
type MessageStore interface {
	Append(ctx context.Context, msg *message.Message) (*message.Message, error)
}

// ValidationError rejects a send request before anything is persisted.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// PersistenceError reports that a message could not be stored. Nothing
// was fanned out.
type PersistenceError struct {
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("failed to persist message: %v", e.Err)
}

func (e *PersistenceError) Unwrap() error {
	return e.Err
}

// RelayResult is the outcome of a successful relay.
type RelayResult struct {
	Message     message.Message
	DeliveredTo []string
}

// Relay is the single write path for new messages: persist, then notify.
type Relay struct {
	store    MessageStore
	registry *Registry
	rooms    *Rooms
	logger   types.Logger
}

// NewRelay creates a Relay.
func NewRelay(store MessageStore, registry *Registry, rooms *Rooms, logger types.Logger) *Relay {
	return &Relay{
		store:    store,
		registry: registry,
		rooms:    rooms,
		logger:   logger,
	}
}

// Relay validates req, persists it and fans the canonical message out to
// the conversation room, then directly to a registered receiver or sender
// who is not in the room. Fan-out failures are logged per recipient.
func (r *Relay) Relay(ctx context.Context, senderID string, req protocol.SendMessage) (*RelayResult, error) {
	msg, err := r.validate(senderID, req)
	if err != nil {
		return nil, err
	}
	if r.store == nil {
		return nil, &PersistenceError{Err: fmt.Errorf("store not configured")}
	}

	saved, err := r.store.Append(ctx, msg)
	if err != nil {
		r.logger.Warn("Persist failed, skipping fan-out", "sender_id", senderID, "error", err)
		return nil, &PersistenceError{Err: err}
	}

	env, err := protocol.New(protocol.TypeNewMessage, protocol.NewMessage{Message: *saved, ClientID: req.ClientID})
	if err != nil {
		// The message is stored; clients will pick it up on their next fetch.
		r.logger.Error("Failed to build new_message", "message_id", saved.ID, "error", err)
		return &RelayResult{Message: *saved}, nil
	}

	delivered := r.rooms.Broadcast(saved.ConversationID, env, "")

	for _, userID := range []string{saved.ReceiverID, saved.SenderID} {
		if r.rooms.IsMember(saved.ConversationID, userID) {
			continue
		}
		if r.push(userID, env) {
			delivered = append(delivered, userID)
		}
	}

	return &RelayResult{Message: *saved, DeliveredTo: delivered}, nil
}

func (r *Relay) validate(senderID string, req protocol.SendMessage) (*message.Message, error) {
	if senderID == "" {
		return nil, &ValidationError{Field: "sender_id", Reason: "is required"}
	}
	if req.ReceiverID == "" {
		return nil, &ValidationError{Field: "receiver_id", Reason: "is required"}
	}
	if !message.ValidUserID(senderID) {
		return nil, &ValidationError{Field: "sender_id", Reason: "is not a valid user id"}
	}
	if !message.ValidUserID(req.ReceiverID) {
		return nil, &ValidationError{Field: "receiver_id", Reason: "is not a valid user id"}
	}
	if req.ReceiverID == senderID {
		return nil, &ValidationError{Field: "receiver_id", Reason: "must differ from sender"}
	}
	if strings.TrimSpace(req.Body) == "" {
		return nil, &ValidationError{Field: "body", Reason: "is required"}
	}
	if len(req.Body) > message.MaxBodyLength {
		return nil, &ValidationError{Field: "body", Reason: fmt.Sprintf("exceeds %d bytes", message.MaxBodyLength)}
	}

	kind := req.Kind
	if kind == "" {
		kind = message.KindText
	}
	if !kind.Valid() {
		return nil, &ValidationError{Field: "kind", Reason: fmt.Sprintf("unsupported kind %q", kind)}
	}

	conversationID := message.ConversationID(senderID, req.ReceiverID)
	if req.ConversationID != "" && req.ConversationID != conversationID {
		return nil, &ValidationError{Field: "conversation_id", Reason: "does not match participants"}
	}

	return &message.Message{
		SenderID:       senderID,
		ReceiverID:     req.ReceiverID,
		ConversationID: conversationID,
		Body:           req.Body,
		Kind:           kind,
	}, nil
}

func (r *Relay) push(userID string, env protocol.Envelope) bool {
	conn, ok := r.registry.Get(userID)
	if !ok {
		return false
	}
	data, err := json.Marshal(env)
	if err != nil {
		return false
	}
	if err := conn.write(data); err != nil {
		r.logger.Warn("Direct push failed", "user_id", userID, "error", err)
		return false
	}
	return true
}
