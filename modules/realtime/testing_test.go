package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/example/campus-messaging/domain/message"
	"github.com/example/campus-messaging/protocol"
	"github.com/go-monolith/mono/pkg/types"
	"github.com/gofiber/contrib/websocket"
)

// mockLogger implements types.Logger for testing
type mockLogger struct{}

func (m *mockLogger) Debug(_ string, _ ...any) {}
func (m *mockLogger) Info(_ string, _ ...any)  {}
func (m *mockLogger) Warn(_ string, _ ...any)  {}
func (m *mockLogger) Error(_ string, _ ...any) {}
func (m *mockLogger) With(_ ...any) types.Logger {
	return m
}
func (m *mockLogger) WithModule(_ string) types.Logger {
	return m
}
func (m *mockLogger) WithError(_ error) types.Logger {
	return m
}

func newMockLogger() types.Logger {
	return &mockLogger{}
}

// fakeTransport records frames written to a connection.
type fakeTransport struct {
	mu       sync.Mutex
	frames   [][]byte
	pings    int
	closed   bool
	closeMsg []byte
	failPing bool
	failSend bool
}

func (f *fakeTransport) WriteMessage(_ int, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failSend {
		return errors.New("broken pipe")
	}
	f.frames = append(f.frames, append([]byte(nil), data...))
	return nil
}

func (f *fakeTransport) WriteControl(messageType int, data []byte, _ time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	switch messageType {
	case websocket.PingMessage:
		if f.failPing {
			return errors.New("broken pipe")
		}
		f.pings++
	case websocket.CloseMessage:
		f.closeMsg = append([]byte(nil), data...)
	}
	return nil
}

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeTransport) envelopes(t *testing.T) []protocol.Envelope {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()

	out := make([]protocol.Envelope, 0, len(f.frames))
	for _, frame := range f.frames {
		var env protocol.Envelope
		if err := json.Unmarshal(frame, &env); err != nil {
			t.Fatalf("frame is not an envelope: %v", err)
		}
		out = append(out, env)
	}
	return out
}

// ofType returns the envelopes of type typ.
func (f *fakeTransport) ofType(t *testing.T, typ string) []protocol.Envelope {
	t.Helper()
	var out []protocol.Envelope
	for _, env := range f.envelopes(t) {
		if env.Type == typ {
			out = append(out, env)
		}
	}
	return out
}

func (f *fakeTransport) frameCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.frames)
}

func (f *fakeTransport) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func (f *fakeTransport) reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.frames = nil
}

// memoryStore is an in-memory MessageStore.
type memoryStore struct {
	mu       sync.Mutex
	messages []message.Message
	err      error
	seq      int
}

func (s *memoryStore) Append(_ context.Context, msg *message.Message) (*message.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	s.seq++
	saved := *msg
	if saved.ID == "" {
		saved.ID = fmt.Sprintf("msg-%d", s.seq)
	}
	saved.CreatedAt = time.Date(2026, 1, 1, 0, 0, s.seq, 0, time.UTC)
	s.messages = append(s.messages, saved)
	return &saved, nil
}

func (s *memoryStore) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.messages)
}

func newTestConn(userID string) (*Connection, *fakeTransport) {
	ft := &fakeTransport{}
	return NewConnection(userID, ft, time.Now()), ft
}
