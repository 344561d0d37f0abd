package api

import (
	"time"

	"github.com/example/campus-messaging/domain/message"
)

// SendMessageRequest is the API request to send a message.
type SendMessageRequest struct {
	ReceiverID     string       `json:"receiver_id"`
	ConversationID string       `json:"conversation_id,omitempty"`
	Body           string       `json:"body"`
	Kind           message.Kind `json:"kind,omitempty"`
	ClientID       string       `json:"client_id,omitempty"`
}

// SendMessageResponse is the API response for a stored message.
type SendMessageResponse struct {
	Message  message.Message `json:"message"`
	ClientID string          `json:"client_id,omitempty"`
}

// MessageListResponse is the API response for a polling fetch.
type MessageListResponse struct {
	Messages    []message.Message `json:"messages"`
	NextSince   time.Time         `json:"next_since"`
	NextSinceID string            `json:"next_since_id,omitempty"`
}

// MarkReadRequest is the API request to mark messages read.
type MarkReadRequest struct {
	MessageIDs []string `json:"message_ids"`
}

// MarkReadResponse is the API response for mark-read.
type MarkReadResponse struct {
	Updated int `json:"updated"`
}

// AnnouncementRequest is the API request for a system announcement.
type AnnouncementRequest struct {
	Body string `json:"body"`
}

// AnnouncementResponse reports how many connections got the announcement.
type AnnouncementResponse struct {
	Delivered int `json:"delivered"`
}

// PresenceResponse is the API response for a reachability check.
type PresenceResponse struct {
	UserID string `json:"user_id"`
	Online bool   `json:"online"`
}

// ErrorResponse is the API error response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// HealthResponse is the API health check response.
type HealthResponse struct {
	Status  string         `json:"status"`
	Details map[string]any `json:"details,omitempty"`
}
