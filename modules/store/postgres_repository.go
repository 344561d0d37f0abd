package store

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/example/campus-messaging/domain/message"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS messages (
	id              TEXT COLLATE "C" PRIMARY KEY,
	sender_id       TEXT NOT NULL,
	receiver_id     TEXT NOT NULL,
	conversation_id TEXT NOT NULL,
	body            TEXT NOT NULL,
	kind            TEXT NOT NULL DEFAULT 'text',
	created_at      TIMESTAMPTZ NOT NULL,
	is_read         BOOLEAN NOT NULL DEFAULT FALSE
);
CREATE INDEX IF NOT EXISTS idx_messages_conversation_created ON messages (conversation_id, created_at);
CREATE INDEX IF NOT EXISTS idx_messages_sender_created ON messages (sender_id, created_at);
CREATE INDEX IF NOT EXISTS idx_messages_receiver_created ON messages (receiver_id, created_at);
`

const messageColumns = "id, sender_id, receiver_id, conversation_id, body, kind, created_at, is_read"

// PostgresRepository stores messages in PostgreSQL through a pgx pool.
type PostgresRepository struct {
	pool *pgxpool.Pool
}

// NewPostgresRepository creates a new pgx-backed repository.
func NewPostgresRepository(pool *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{pool: pool}
}

// Migrate creates the messages table and its indexes.
func (r *PostgresRepository) Migrate(ctx context.Context) error {
	if _, err := r.pool.Exec(ctx, postgresSchema); err != nil {
		return fmt.Errorf("failed to migrate messages: %w", err)
	}
	return nil
}

// Append saves a new message.
func (r *PostgresRepository) Append(ctx context.Context, msg *message.Message) error {
	prepare(msg)
	_, err := r.pool.Exec(ctx,
		`INSERT INTO messages (`+messageColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		msg.ID, msg.SenderID, msg.ReceiverID, msg.ConversationID, msg.Body, string(msg.Kind), msg.CreatedAt, msg.Read,
	)
	if err != nil {
		if isPgDuplicateKeyError(err) {
			return ErrDuplicateID
		}
		return fmt.Errorf("failed to append message: %w", err)
	}
	return nil
}

// FindByID retrieves a message by its ID.
func (r *PostgresRepository) FindByID(ctx context.Context, id string) (*message.Message, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+messageColumns+` FROM messages WHERE id = $1`, id)
	msg, err := scanMessage(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to find message: %w", err)
	}
	return msg, nil
}

// List returns messages matching query in ascending order.
func (r *PostgresRepository) List(ctx context.Context, query ListQuery) ([]*message.Message, error) {
	if err := query.validate(); err != nil {
		return nil, err
	}
	query = query.Normalize()

	var (
		conds []string
		args  []any
	)
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}
	if query.ParticipantID != "" {
		p := arg(query.ParticipantID)
		conds = append(conds, "(sender_id = "+p+" OR receiver_id = "+p+")")
	}
	if query.ConversationID != "" {
		conds = append(conds, "conversation_id = "+arg(query.ConversationID))
	}

	order := "created_at DESC, id DESC"
	if !query.Since.IsZero() {
		since := arg(query.Since.UTC())
		if query.SinceID != "" {
			conds = append(conds, "(created_at > "+since+" OR (created_at = "+since+" AND id > "+arg(query.SinceID)+"))")
		} else {
			conds = append(conds, "created_at > "+since)
		}
		order = "created_at ASC, id ASC"
	}

	sql := `SELECT ` + messageColumns + ` FROM messages WHERE ` + strings.Join(conds, " AND ") +
		` ORDER BY ` + order + ` LIMIT ` + arg(query.Limit)

	rows, err := r.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list messages: %w", err)
	}
	msgs, err := collectMessages(rows)
	if err != nil {
		return nil, fmt.Errorf("failed to list messages: %w", err)
	}
	if query.Since.IsZero() {
		reverse(msgs)
	}
	return msgs, nil
}

// MarkRead flags unread messages addressed to readerID.
func (r *PostgresRepository) MarkRead(ctx context.Context, ids []string, readerID string) ([]*message.Message, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	rows, err := r.pool.Query(ctx,
		`UPDATE messages SET is_read = TRUE
		 WHERE id = ANY($1) AND receiver_id = $2 AND is_read = FALSE
		 RETURNING `+messageColumns,
		ids, readerID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to mark messages read: %w", err)
	}
	msgs, err := collectMessages(rows)
	if err != nil {
		return nil, fmt.Errorf("failed to mark messages read: %w", err)
	}
	return msgs, nil
}

// Ping verifies the pool can reach the database.
func (r *PostgresRepository) Ping(ctx context.Context) error {
	return r.pool.Ping(ctx)
}

// Close closes the pool.
func (r *PostgresRepository) Close() error {
	r.pool.Close()
	return nil
}

func scanMessage(row pgx.Row) (*message.Message, error) {
	var (
		msg  message.Message
		kind string
	)
	if err := row.Scan(
		&msg.ID, &msg.SenderID, &msg.ReceiverID, &msg.ConversationID,
		&msg.Body, &kind, &msg.CreatedAt, &msg.Read,
	); err != nil {
		return nil, err
	}
	msg.Kind = message.Kind(kind)
	msg.CreatedAt = msg.CreatedAt.UTC()
	return &msg, nil
}

func collectMessages(rows pgx.Rows) ([]*message.Message, error) {
	defer rows.Close()
	var msgs []*message.Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, msg)
	}
	return msgs, rows.Err()
}

// isPgDuplicateKeyError checks if error is a PostgreSQL unique violation.
func isPgDuplicateKeyError(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}
