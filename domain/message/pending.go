package message

import "time"

// PendingMessage is an optimistic, client-side record that has not been
// confirmed by the server yet. ClientID is a temporary identifier.
type PendingMessage struct {
	ClientID       string    `json:"client_id"`
	ReceiverID     string    `json:"receiver_id"`
	ConversationID string    `json:"conversation_id"`
	Body           string    `json:"body"`
	Kind           Kind      `json:"kind"`
	CreatedAt      time.Time `json:"created_at"`
	Attempts       int       `json:"attempts"`
}

// ConfirmedMessage is a pending message that the server persisted.
type ConfirmedMessage struct {
	ClientID string  `json:"client_id"`
	Message  Message `json:"message"`
}

// FailedMessage is the terminal state of a pending message that could not
// be delivered.
type FailedMessage struct {
	Pending  PendingMessage `json:"pending"`
	Reason   string         `json:"reason"`
	FailedAt time.Time      `json:"failed_at"`
}

// Confirm returns the confirmed state for p.
func (p PendingMessage) Confirm(msg Message) ConfirmedMessage {
	return ConfirmedMessage{ClientID: p.ClientID, Message: msg}
}

// Fail returns the failed state for p.
func (p PendingMessage) Fail(reason string, at time.Time) FailedMessage {
	return FailedMessage{Pending: p, Reason: reason, FailedAt: at}
}

// WithAttempt returns a copy of p with the attempt counter incremented.
func (p PendingMessage) WithAttempt() PendingMessage {
	p.Attempts++
	return p
}
