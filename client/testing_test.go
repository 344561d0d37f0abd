package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/example/campus-messaging/domain/message"
	"github.com/example/campus-messaging/protocol"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
)

var testEpoch = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConfig(clk clock.Clock) Config {
	return Config{
		ServerURL:   "http://campus.test",
		Token:       "token-alice",
		PollingOnly: true,
		DrainPause:  -1,
		Clock:       clk,
		Logger:      discardLogger(),
	}
}

func testMessage(seq int) message.Message {
	return message.Message{
		ID:             fmt.Sprintf("msg-%d", seq),
		SenderID:       "bob",
		ReceiverID:     "alice",
		ConversationID: message.ConversationID("alice", "bob"),
		Body:           fmt.Sprintf("hello %d", seq),
		Kind:           message.KindText,
		CreatedAt:      testEpoch.Add(time.Duration(seq) * time.Second),
	}
}

// fakeFetcher returns queued batches in order and then empty results.
type fakeFetcher struct {
	mu      sync.Mutex
	batches [][]message.Message
	err     error
	calls   int
	cursors []Cursor
	// release, when set, holds every fetch until closed. The context is
	// ignored to simulate a request that resolves after cancellation.
	release chan struct{}
}

func (f *fakeFetcher) Fetch(_ context.Context, cursor Cursor, _ int) ([]message.Message, error) {
	f.mu.Lock()
	f.calls++
	f.cursors = append(f.cursors, cursor)
	release := f.release
	f.mu.Unlock()

	if release != nil {
		<-release
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	if len(f.batches) == 0 {
		return nil, nil
	}
	batch := f.batches[0]
	f.batches = f.batches[1:]
	return batch, nil
}

func (f *fakeFetcher) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func (f *fakeFetcher) lastCursor() Cursor {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.cursors) == 0 {
		return Cursor{}
	}
	return f.cursors[len(f.cursors)-1]
}

// fakeSender stores every send. err, when set, fails them all.
type fakeSender struct {
	mu   sync.Mutex
	sent []message.PendingMessage
	err  error
	seq  int
}

func (f *fakeSender) Send(_ context.Context, pending message.PendingMessage) (*message.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, pending)
	if f.err != nil {
		return nil, f.err
	}
	f.seq++
	return &message.Message{
		ID:             fmt.Sprintf("srv-%d", f.seq),
		SenderID:       "alice",
		ReceiverID:     pending.ReceiverID,
		ConversationID: message.ConversationID("alice", pending.ReceiverID),
		Body:           pending.Body,
		Kind:           pending.Kind,
		CreatedAt:      pending.CreatedAt,
	}, nil
}

func (f *fakeSender) bodies() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.sent))
	for _, p := range f.sent {
		out = append(out, p.Body)
	}
	return out
}

func (f *fakeSender) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

// fakeSocket is an in-memory socket. Frames pushed by the test are read
// by the client; frames written by the client are recorded.
type fakeSocket struct {
	frames chan []byte
	done   chan struct{}

	mu       sync.Mutex
	written  [][]byte
	closed   bool
	closeErr error
}

func newFakeSocket() *fakeSocket {
	return &fakeSocket{
		frames: make(chan []byte, 16),
		done:   make(chan struct{}),
	}
}

func (s *fakeSocket) ReadMessage() (int, []byte, error) {
	select {
	case data := <-s.frames:
		return websocket.TextMessage, data, nil
	case <-s.done:
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.closeErr != nil {
			return 0, nil, s.closeErr
		}
		return 0, nil, errors.New("use of closed network connection")
	}
}

func (s *fakeSocket) WriteMessage(_ int, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errors.New("use of closed network connection")
	}
	s.written = append(s.written, append([]byte(nil), data...))
	return nil
}

func (s *fakeSocket) Close() error {
	s.serverClose(nil)
	return nil
}

// serverClose ends the read loop with err.
func (s *fakeSocket) serverClose(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	s.closeErr = err
	close(s.done)
}

func (s *fakeSocket) push(t *testing.T, typ string, data any) {
	t.Helper()
	frame, err := protocol.Marshal(typ, data)
	require.NoError(t, err)
	s.frames <- frame
}

func (s *fakeSocket) envelopes(t *testing.T) []protocol.Envelope {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]protocol.Envelope, 0, len(s.written))
	for _, frame := range s.written {
		var env protocol.Envelope
		require.NoError(t, json.Unmarshal(frame, &env))
		out = append(out, env)
	}
	return out
}

// fakeDialer hands out sockets in order, then fails.
type fakeDialer struct {
	mu      sync.Mutex
	sockets []*fakeSocket
	calls   int
	urls    []string
}

func (d *fakeDialer) Dial(_ context.Context, rawURL string, _ http.Header) (SocketConn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls++
	d.urls = append(d.urls, rawURL)
	if len(d.sockets) == 0 {
		return nil, errors.New("connection refused")
	}
	s := d.sockets[0]
	d.sockets = d.sockets[1:]
	return s, nil
}

func (d *fakeDialer) callCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls
}

// collector gathers delivered batches.
type collector struct {
	mu      sync.Mutex
	batches [][]message.Message
}

func (c *collector) onMessage(batch []message.Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.batches = append(c.batches, append([]message.Message(nil), batch...))
}

func (c *collector) ids() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []string
	for _, batch := range c.batches {
		for _, m := range batch {
			out = append(out, m.ID)
		}
	}
	return out
}

func (c *collector) sizes() []int {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]int, 0, len(c.batches))
	for _, batch := range c.batches {
		out = append(out, len(batch))
	}
	return out
}
