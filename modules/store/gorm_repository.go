package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/example/campus-messaging/domain/message"
	"gorm.io/gorm"
)

// GormRepository stores messages through GORM. It is used with SQLite.
type GormRepository struct {
	db *gorm.DB
}

// NewGormRepository creates a new GORM-backed repository.
func NewGormRepository(db *gorm.DB) *GormRepository {
	return &GormRepository{db: db}
}

// Migrate creates or updates the messages table.
func (r *GormRepository) Migrate() error {
	if err := r.db.AutoMigrate(&message.Message{}); err != nil {
		return fmt.Errorf("failed to migrate messages: %w", err)
	}
	return nil
}

// Append saves a new message.
func (r *GormRepository) Append(ctx context.Context, msg *message.Message) error {
	prepare(msg)
	if err := r.db.WithContext(ctx).Create(msg).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return ErrDuplicateID
		}
		return fmt.Errorf("failed to append message: %w", err)
	}
	return nil
}

// FindByID retrieves a message by its ID.
func (r *GormRepository) FindByID(ctx context.Context, id string) (*message.Message, error) {
	var msg message.Message
	if err := r.db.WithContext(ctx).First(&msg, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to find message: %w", err)
	}
	return &msg, nil
}

// List returns messages matching query in ascending order.
func (r *GormRepository) List(ctx context.Context, query ListQuery) ([]*message.Message, error) {
	if err := query.validate(); err != nil {
		return nil, err
	}
	query = query.Normalize()

	q := r.db.WithContext(ctx).Model(&message.Message{})
	if query.ParticipantID != "" {
		q = q.Where("(sender_id = ? OR receiver_id = ?)", query.ParticipantID, query.ParticipantID)
	}
	if query.ConversationID != "" {
		q = q.Where("conversation_id = ?", query.ConversationID)
	}

	var msgs []*message.Message
	if query.Since.IsZero() {
		if err := q.Order("created_at DESC, id DESC").Limit(query.Limit).Find(&msgs).Error; err != nil {
			return nil, fmt.Errorf("failed to list messages: %w", err)
		}
		reverse(msgs)
		return msgs, nil
	}

	since := query.Since.UTC()
	if query.SinceID != "" {
		q = q.Where("(created_at > ? OR (created_at = ? AND id > ?))", since, since, query.SinceID)
	} else {
		q = q.Where("created_at > ?", since)
	}
	err := q.Order("created_at ASC, id ASC").
		Limit(query.Limit).
		Find(&msgs).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list messages: %w", err)
	}
	return msgs, nil
}

// MarkRead flags unread messages addressed to readerID.
func (r *GormRepository) MarkRead(ctx context.Context, ids []string, readerID string) ([]*message.Message, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	var changed []*message.Message
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("id IN ? AND receiver_id = ? AND is_read = ?", ids, readerID, false).
			Order("created_at ASC").
			Find(&changed).Error; err != nil {
			return err
		}
		if len(changed) == 0 {
			return nil
		}

		changedIDs := make([]string, 0, len(changed))
		for _, msg := range changed {
			changedIDs = append(changedIDs, msg.ID)
			msg.Read = true
		}
		return tx.Model(&message.Message{}).Where("id IN ?", changedIDs).Update("is_read", true).Error
	})
	if err != nil {
		return nil, fmt.Errorf("failed to mark messages read: %w", err)
	}
	return changed, nil
}

// Ping verifies the database connection.
func (r *GormRepository) Ping(ctx context.Context) error {
	sqlDB, err := r.db.DB()
	if err != nil {
		return fmt.Errorf("failed to get database connection: %w", err)
	}
	return sqlDB.PingContext(ctx)
}

// Close closes the underlying connection pool.
func (r *GormRepository) Close() error {
	sqlDB, err := r.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
