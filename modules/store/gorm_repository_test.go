package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/example/campus-messaging/domain/message"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// setupTestDB creates an in-memory SQLite database for testing.
func setupTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
	})
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}

	// Every pooled connection to ":memory:" would see its own database.
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to get test database handle: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	if err := db.AutoMigrate(&message.Message{}); err != nil {
		t.Fatalf("failed to migrate test database: %v", err)
	}

	return db
}

// seed appends messages between alice and bob one millisecond apart.
func seed(t *testing.T, repo Repository, base time.Time, bodies ...string) []*message.Message {
	t.Helper()

	var out []*message.Message
	for i, body := range bodies {
		sender, receiver := "alice", "bob"
		if i%2 == 1 {
			sender, receiver = receiver, sender
		}
		msg := &message.Message{
			SenderID:   sender,
			ReceiverID: receiver,
			Body:       body,
			CreatedAt:  base.Add(time.Duration(i) * time.Millisecond),
		}
		if err := repo.Append(context.Background(), msg); err != nil {
			t.Fatalf("Append(%q) error = %v", body, err)
		}
		out = append(out, msg)
	}
	return out
}

func TestGormRepository_Append(t *testing.T) {
	repo := NewGormRepository(setupTestDB(t))
	ctx := context.Background()

	msg := &message.Message{SenderID: "bob", ReceiverID: "alice", Body: "hello"}
	if err := repo.Append(ctx, msg); err != nil {
		t.Fatalf("Append() error = %v", err)
	}

	if msg.ID == "" {
		t.Error("Append() did not assign an ID")
	}
	if msg.CreatedAt.IsZero() {
		t.Error("Append() did not assign CreatedAt")
	}
	if msg.ConversationID != "alice_bob" {
		t.Errorf("ConversationID = %q, want alice_bob", msg.ConversationID)
	}
	if msg.Kind != message.KindText {
		t.Errorf("Kind = %q, want text", msg.Kind)
	}

	found, err := repo.FindByID(ctx, msg.ID)
	if err != nil {
		t.Fatalf("FindByID() error = %v", err)
	}
	if found.Body != "hello" || found.Read {
		t.Errorf("FindByID() = %+v", found)
	}
}

func TestGormRepository_Append_DuplicateID(t *testing.T) {
	repo := NewGormRepository(setupTestDB(t))
	ctx := context.Background()

	first := &message.Message{ID: "fixed", SenderID: "a", ReceiverID: "b", Body: "1"}
	if err := repo.Append(ctx, first); err != nil {
		t.Fatalf("Append() error = %v", err)
	}

	second := &message.Message{ID: "fixed", SenderID: "a", ReceiverID: "b", Body: "2"}
	if err := repo.Append(ctx, second); !errors.Is(err, ErrDuplicateID) {
		t.Errorf("Append() duplicate error = %v, want ErrDuplicateID", err)
	}
}

func TestGormRepository_FindByID_NotFound(t *testing.T) {
	repo := NewGormRepository(setupTestDB(t))

	if _, err := repo.FindByID(context.Background(), "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("FindByID() error = %v, want ErrNotFound", err)
	}
}

func TestGormRepository_List(t *testing.T) {
	repo := NewGormRepository(setupTestDB(t))
	base := time.Date(2024, 9, 1, 12, 0, 0, 0, time.UTC)
	msgs := seed(t, repo, base, "m0", "m1", "m2", "m3", "m4")

	// Unrelated conversation.
	other := &message.Message{SenderID: "carol", ReceiverID: "dave", Body: "x", CreatedAt: base.Add(time.Second)}
	if err := repo.Append(context.Background(), other); err != nil {
		t.Fatalf("Append() error = %v", err)
	}

	tests := []struct {
		name  string
		query ListQuery
		want  []string
	}{
		{
			name:  "latest for participant",
			query: ListQuery{ParticipantID: "bob", Limit: 3},
			want:  []string{"m2", "m3", "m4"},
		},
		{
			name:  "since cursor pages forward",
			query: ListQuery{ParticipantID: "alice", Since: msgs[1].CreatedAt, Limit: 2},
			want:  []string{"m2", "m3"},
		},
		{
			name:  "conversation filter",
			query: ListQuery{ConversationID: "alice_bob", Since: msgs[3].CreatedAt},
			want:  []string{"m4"},
		},
		{
			name:  "nothing newer",
			query: ListQuery{ParticipantID: "alice", Since: msgs[4].CreatedAt},
			want:  nil,
		},
		{
			name:  "other conversation isolated",
			query: ListQuery{ParticipantID: "carol"},
			want:  []string{"x"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := repo.List(context.Background(), tt.query)
			if err != nil {
				t.Fatalf("List() error = %v", err)
			}
			if len(got) != len(tt.want) {
				t.Fatalf("List() returned %d messages, want %d", len(got), len(tt.want))
			}
			for i, msg := range got {
				if msg.Body != tt.want[i] {
					t.Errorf("List()[%d].Body = %q, want %q", i, msg.Body, tt.want[i])
				}
			}
		})
	}
}

func TestGormRepository_List_SameTimestampPages(t *testing.T) {
	checkSameTimestampPages(t, NewGormRepository(setupTestDB(t)), "alice", "bob")
}

// checkSameTimestampPages stores three messages on one microsecond and
// pages through them two at a time with the (created_at, id) cursor.
func checkSameTimestampPages(t *testing.T, repo Repository, sender, receiver string) {
	t.Helper()
	ctx := context.Background()
	at := time.Date(2024, 9, 1, 12, 0, 0, 0, time.UTC)

	for _, id := range []string{"tie-c", "tie-a", "tie-b"} {
		msg := &message.Message{ID: id + "-" + receiver, SenderID: sender, ReceiverID: receiver, Body: id, CreatedAt: at}
		if err := repo.Append(ctx, msg); err != nil {
			t.Fatalf("Append(%q) error = %v", id, err)
		}
	}

	first, err := repo.List(ctx, ListQuery{ParticipantID: receiver, Since: at.Add(-time.Millisecond), Limit: 2})
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if got := bodies(first); len(got) != 2 || got[0] != "tie-a" || got[1] != "tie-b" {
		t.Fatalf("List() first page = %v, want [tie-a tie-b]", got)
	}

	last := first[len(first)-1]
	second, err := repo.List(ctx, ListQuery{ParticipantID: receiver, Since: last.CreatedAt, SinceID: last.ID, Limit: 2})
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if got := bodies(second); len(got) != 1 || got[0] != "tie-c" {
		t.Errorf("List() second page = %v, want [tie-c]", got)
	}

	// Without an id the cursor excludes the whole microsecond.
	none, err := repo.List(ctx, ListQuery{ParticipantID: receiver, Since: at, Limit: 2})
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(none) != 0 {
		t.Errorf("List() timestamp-only cursor = %v, want none", bodies(none))
	}
}

func TestGormRepository_List_InvalidQuery(t *testing.T) {
	repo := NewGormRepository(setupTestDB(t))

	if _, err := repo.List(context.Background(), ListQuery{}); !errors.Is(err, ErrInvalidQuery) {
		t.Errorf("List() error = %v, want ErrInvalidQuery", err)
	}
}

func TestGormRepository_MarkRead(t *testing.T) {
	repo := NewGormRepository(setupTestDB(t))
	ctx := context.Background()
	msgs := seed(t, repo, time.Date(2024, 9, 1, 12, 0, 0, 0, time.UTC), "to-bob", "to-alice", "to-bob-2")

	ids := []string{msgs[0].ID, msgs[1].ID, msgs[2].ID}

	// Only messages addressed to the reader change.
	changed, err := repo.MarkRead(ctx, ids, "bob")
	if err != nil {
		t.Fatalf("MarkRead() error = %v", err)
	}
	if len(changed) != 2 {
		t.Fatalf("MarkRead() changed %d messages, want 2", len(changed))
	}
	for _, msg := range changed {
		if msg.ReceiverID != "bob" || !msg.Read {
			t.Errorf("unexpected changed message %+v", msg)
		}
	}

	// Marking again is a no-op.
	changed, err = repo.MarkRead(ctx, ids, "bob")
	if err != nil {
		t.Fatalf("MarkRead() second call error = %v", err)
	}
	if len(changed) != 0 {
		t.Errorf("MarkRead() second call changed %d messages, want 0", len(changed))
	}

	stored, err := repo.FindByID(ctx, msgs[1].ID)
	if err != nil {
		t.Fatalf("FindByID() error = %v", err)
	}
	if stored.Read {
		t.Error("message addressed to alice should still be unread")
	}
}
