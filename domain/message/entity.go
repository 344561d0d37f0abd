package message

import (
	"strings"
	"time"
)

// Kind identifies the payload kind of a message.
type Kind string

// Supported message kinds.
const (
	KindText Kind = "text"
)

// Valid reports whether k is a kind the server accepts.
func (k Kind) Valid() bool {
	switch k {
	case KindText:
		return true
	default:
		return false
	}
}

// MaxBodyLength is the maximum message body size in bytes.
const MaxBodyLength = 4096

// Message is a persisted direct message between two users.
type Message struct {
	ID             string    `json:"id" gorm:"primaryKey;size:36"`
	SenderID       string    `json:"sender_id" gorm:"size:64;not null;index"`
	ReceiverID     string    `json:"receiver_id" gorm:"size:64;not null;index"`
	ConversationID string    `json:"conversation_id" gorm:"size:160;not null;index"`
	Body           string    `json:"body" gorm:"type:text;not null"`
	Kind           Kind      `json:"kind" gorm:"size:16;not null;default:text"`
	CreatedAt      time.Time `json:"created_at" gorm:"not null;index"`
	Read           bool      `json:"read" gorm:"column:is_read;not null;default:false"`
}

// TableName overrides the GORM table name.
func (Message) TableName() string {
	return "messages"
}

// Involves reports whether userID is the sender or receiver.
func (m *Message) Involves(userID string) bool {
	return m.SenderID == userID || m.ReceiverID == userID
}

// ConversationSeparator joins the two participant ids of a conversation.
// User ids may not contain it, so a conversation id names exactly one pair.
const ConversationSeparator = "_"

// MaxUserIDLength is the longest user id accepted.
const MaxUserIDLength = 64

// ValidUserID reports whether id can take part in a conversation.
func ValidUserID(id string) bool {
	return id != "" && len(id) <= MaxUserIDLength && !strings.Contains(id, ConversationSeparator)
}

// ConversationID returns the conversation identifier for two participants.
// The result does not depend on argument order.
func ConversationID(a, b string) string {
	if b < a {
		a, b = b, a
	}
	return a + ConversationSeparator + b
}

// Counterpart returns the other participant of conversationID when userID
// is one of its two participants.
func Counterpart(conversationID, userID string) (string, bool) {
	if !ValidUserID(userID) {
		return "", false
	}
	first, second, ok := strings.Cut(conversationID, ConversationSeparator)
	if !ok || !ValidUserID(first) || !ValidUserID(second) || first >= second {
		return "", false
	}
	switch userID {
	case first:
		return second, true
	case second:
		return first, true
	}
	return "", false
}
