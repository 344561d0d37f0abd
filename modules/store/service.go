package store

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/example/campus-messaging/domain/message"
	"github.com/example/campus-messaging/events"
	"golang.org/x/sync/singleflight"
)

// Service implements the storage collaborator on top of a Repository and an
// optional InboxCache.
type Service struct {
	repo    Repository
	cache   *InboxCache
	sfGroup singleflight.Group // Collapses identical concurrent polls
	now     func() time.Time
}

// NewService creates a new Service. cache may be nil.
func NewService(repo Repository, cache *InboxCache) *Service {
	return &Service{
		repo:  repo,
		cache: cache,
		now:   time.Now,
	}
}

// Append persists msg and raises the inbox watermark of both participants.
func (s *Service) Append(ctx context.Context, msg *message.Message) (*message.Message, error) {
	if msg.SenderID == "" || msg.ReceiverID == "" {
		return nil, fmt.Errorf("failed to append message: sender and receiver are required")
	}
	if err := s.repo.Append(ctx, msg); err != nil {
		return nil, err
	}

	// The watermark moves only after the write is durable.
	if s.cache != nil {
		for _, userID := range []string{msg.SenderID, msg.ReceiverID} {
			if err := s.cache.Touch(ctx, userID, Watermark{At: msg.CreatedAt, ID: msg.ID}); err != nil {
				log.Printf("[store] Warning: failed to touch watermark for %s: %v", userID, err)
			}
		}
	}
	return msg, nil
}

// List returns messages for query. The boolean reports whether the answer
// came from the watermark cache.
func (s *Service) List(ctx context.Context, query ListQuery) ([]*message.Message, bool, error) {
	query = query.Normalize()

	// Step 1: an incremental poll at or past the watermark has nothing new.
	if s.cache != nil && query.ParticipantID != "" && !query.Since.IsZero() {
		latest, found, err := s.cache.Latest(ctx, query.ParticipantID)
		if err != nil {
			log.Printf("[store] Cache error for %s: %v", query.ParticipantID, err)
		}
		if found && query.Covers(latest) {
			return []*message.Message{}, true, nil
		}
	}

	// Step 2: query the repository, sharing the result between identical polls.
	sfKey := fmt.Sprintf("list:%s:%s:%d:%s:%d",
		query.ParticipantID, query.ConversationID, query.Since.UnixMicro(), query.SinceID, query.Limit)
	// Followers share the leader's query, so the leader's cancellation
	// must not reach it.
	shared := context.WithoutCancel(ctx)
	val, err, _ := s.sfGroup.Do(sfKey, func() (any, error) {
		return s.repo.List(shared, query)
	})
	if err != nil {
		return nil, false, err
	}

	msgs, _ := val.([]*message.Message)
	if msgs == nil {
		msgs = []*message.Message{}
	}
	return msgs, false, nil
}

// MarkRead flags messages as read by readerID and returns one receipt
// per conversation and sender.
func (s *Service) MarkRead(ctx context.Context, ids []string, readerID string) ([]events.MessagesReadEvent, error) {
	changed, err := s.repo.MarkRead(ctx, ids, readerID)
	if err != nil {
		return nil, err
	}
	return groupReceipts(changed, readerID, s.now().UTC()), nil
}

// Ping checks the repository and, when configured, the cache.
func (s *Service) Ping(ctx context.Context) error {
	if err := s.repo.Ping(ctx); err != nil {
		return fmt.Errorf("repository: %w", err)
	}
	if s.cache != nil {
		if err := s.cache.Ping(ctx); err != nil {
			return fmt.Errorf("cache: %w", err)
		}
	}
	return nil
}

func groupReceipts(msgs []*message.Message, readerID string, at time.Time) []events.MessagesReadEvent {
	var receipts []events.MessagesReadEvent
	index := make(map[string]int)
	for _, msg := range msgs {
		key := msg.ConversationID + "|" + msg.SenderID
		i, ok := index[key]
		if !ok {
			receipts = append(receipts, events.MessagesReadEvent{
				ConversationID: msg.ConversationID,
				ReaderID:       readerID,
				SenderID:       msg.SenderID,
				ReadAt:         at,
			})
			i = len(receipts) - 1
			index[key] = i
		}
		receipts[i].MessageIDs = append(receipts[i].MessageIDs, msg.ID)
	}
	return receipts
}
