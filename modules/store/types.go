package store

import (
	"time"

	"github.com/example/campus-messaging/domain/message"
)

// Service names registered in the store module's container.
const (
	ServiceAppendMessage = "append-message"
	ServiceListMessages  = "list-messages"
	ServiceMarkRead      = "mark-read"
)

// AppendMessageRequest is the request for the append-message service.
type AppendMessageRequest struct {
	Message message.Message `json:"message"`
}

// AppendMessageResponse is the response for the append-message service.
type AppendMessageResponse struct {
	Message message.Message `json:"message"`
}

// ListMessagesRequest is the request for the list-messages service.
type ListMessagesRequest struct {
	ParticipantID  string    `json:"participant_id,omitempty"`
	ConversationID string    `json:"conversation_id,omitempty"`
	Since          time.Time `json:"since,omitempty"`
	SinceID        string    `json:"since_id,omitempty"`
	Limit          int       `json:"limit,omitempty"`
}

// ListMessagesResponse is the response for the list-messages service.
type ListMessagesResponse struct {
	Messages []message.Message `json:"messages"`
	CacheHit bool              `json:"cache_hit"`
}

// MarkReadRequest is the request for the mark-read service.
type MarkReadRequest struct {
	ReaderID   string   `json:"reader_id"`
	MessageIDs []string `json:"message_ids"`
}

// MarkReadResponse is the response for the mark-read service.
type MarkReadResponse struct {
	Updated    int      `json:"updated"`
	MessageIDs []string `json:"message_ids"`
}
