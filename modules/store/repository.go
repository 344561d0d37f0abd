package store

import (
	"context"
	"errors"
	"time"

	"github.com/example/campus-messaging/domain/message"
	"github.com/google/uuid"
)

// Query limits for List.
const (
	DefaultListLimit = 50
	MaxListLimit     = 100
)

var (
	// ErrNotFound is returned when a message does not exist.
	ErrNotFound = errors.New("message not found")
	// ErrDuplicateID is returned when a message id is already stored.
	ErrDuplicateID = errors.New("message id already exists")
	// ErrInvalidQuery is returned when a list query names no participant
	// and no conversation.
	ErrInvalidQuery = errors.New("list query requires a participant or conversation")
)

// ListQuery selects messages for a participant, a conversation, or both.
//
// With a zero Since the most recent Limit messages are returned. Otherwise
// the oldest Limit messages after the cursor are returned. The cursor is
// the (CreatedAt, ID) of the last message a caller saw; with an empty
// SinceID it excludes everything created at Since. Results are always in
// ascending (created_at, id) order, ids compared bytewise.
type ListQuery struct {
	ParticipantID  string    `json:"participant_id,omitempty"`
	ConversationID string    `json:"conversation_id,omitempty"`
	Since          time.Time `json:"since,omitempty"`
	SinceID        string    `json:"since_id,omitempty"`
	Limit          int       `json:"limit,omitempty"`
}

// Covers reports whether the cursor is at or past w, which means no
// message up to w is still ahead of the caller.
func (q ListQuery) Covers(w Watermark) bool {
	if q.Since.IsZero() {
		return false
	}
	if !w.At.Equal(q.Since) {
		return w.At.Before(q.Since)
	}
	return q.SinceID == "" || w.ID <= q.SinceID
}

// Normalize applies the default and maximum limit.
func (q ListQuery) Normalize() ListQuery {
	if q.Limit <= 0 {
		q.Limit = DefaultListLimit
	}
	if q.Limit > MaxListLimit {
		q.Limit = MaxListLimit
	}
	return q
}

func (q ListQuery) validate() error {
	if q.ParticipantID == "" && q.ConversationID == "" {
		return ErrInvalidQuery
	}
	return nil
}

// Repository is the append-only message storage contract.
type Repository interface {
	// Append persists msg, assigning an id and timestamp when they are empty.
	Append(ctx context.Context, msg *message.Message) error
	List(ctx context.Context, query ListQuery) ([]*message.Message, error)
	// MarkRead flags unread messages addressed to readerID and returns the
	// messages that changed.
	MarkRead(ctx context.Context, ids []string, readerID string) ([]*message.Message, error)
	Ping(ctx context.Context) error
	Close() error
}

// prepare fills server-assigned fields before a write.
func prepare(msg *message.Message) {
	if msg.ID == "" {
		msg.ID = uuid.New().String()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now()
	}
	// Postgres keeps microseconds; truncating keeps cursors identical across drivers.
	msg.CreatedAt = msg.CreatedAt.UTC().Truncate(time.Microsecond)
	if msg.Kind == "" {
		msg.Kind = message.KindText
	}
	if msg.ConversationID == "" {
		msg.ConversationID = message.ConversationID(msg.SenderID, msg.ReceiverID)
	}
}

func reverse(msgs []*message.Message) {
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
}
