package events

import (
	"time"

	"github.com/go-monolith/mono/pkg/helper"
)

// MessagesReadEvent is emitted when a receiver marks messages from one
// conversation as read.
type MessagesReadEvent struct {
	ConversationID string    `json:"conversation_id"`
	ReaderID       string    `json:"reader_id"`
	SenderID       string    `json:"sender_id"`
	MessageIDs     []string  `json:"message_ids"`
	ReadAt         time.Time `json:"read_at"`
}

// MessagesReadV1 is the typed event definition for read receipts.
// Subject: events.store.v1.messages-read
var MessagesReadV1 = helper.EventDefinition[MessagesReadEvent](
	"store", "MessagesRead", "v1",
)
