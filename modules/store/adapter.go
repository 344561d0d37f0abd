package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/example/campus-messaging/domain/message"
	"github.com/go-monolith/mono"
	"github.com/go-monolith/mono/pkg/helper"
)

// StorePort is the storage collaborator as seen by other modules.
type StorePort interface {
	Append(ctx context.Context, msg *message.Message) (*message.Message, error)
	List(ctx context.Context, query ListQuery) ([]message.Message, error)
	MarkRead(ctx context.Context, readerID string, ids []string) (int, error)
}

// StoreAdapter implements StorePort using the service container.
type StoreAdapter struct {
	container mono.ServiceContainer
}

// NewStoreAdapter creates a new StoreAdapter.
func NewStoreAdapter(container mono.ServiceContainer) StorePort {
	if container == nil {
		panic("store: ServiceContainer is nil")
	}
	return &StoreAdapter{container: container}
}

// Append persists a message and returns the canonical copy.
func (a *StoreAdapter) Append(ctx context.Context, msg *message.Message) (*message.Message, error) {
	req := AppendMessageRequest{Message: *msg}
	var resp AppendMessageResponse
	if err := helper.CallRequestReplyService(
		ctx,
		a.container,
		ServiceAppendMessage,
		json.Marshal,
		json.Unmarshal,
		&req,
		&resp,
	); err != nil {
		return nil, fmt.Errorf("failed to append message: %w", err)
	}
	return &resp.Message, nil
}

// List fetches messages for a participant or conversation.
func (a *StoreAdapter) List(ctx context.Context, query ListQuery) ([]message.Message, error) {
	req := ListMessagesRequest{
		ParticipantID:  query.ParticipantID,
		ConversationID: query.ConversationID,
		Since:          query.Since,
		SinceID:        query.SinceID,
		Limit:          query.Limit,
	}
	var resp ListMessagesResponse
	if err := helper.CallRequestReplyService(
		ctx,
		a.container,
		ServiceListMessages,
		json.Marshal,
		json.Unmarshal,
		&req,
		&resp,
	); err != nil {
		return nil, fmt.Errorf("failed to list messages: %w", err)
	}
	return resp.Messages, nil
}

// MarkRead flags messages as read and returns how many changed.
func (a *StoreAdapter) MarkRead(ctx context.Context, readerID string, ids []string) (int, error) {
	req := MarkReadRequest{ReaderID: readerID, MessageIDs: ids}
	var resp MarkReadResponse
	if err := helper.CallRequestReplyService(
		ctx,
		a.container,
		ServiceMarkRead,
		json.Marshal,
		json.Unmarshal,
		&req,
		&resp,
	); err != nil {
		return 0, fmt.Errorf("failed to mark messages read: %w", err)
	}
	return resp.Updated, nil
}
