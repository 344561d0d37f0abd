package realtime

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/example/campus-messaging/protocol"
	"github.com/gofiber/contrib/websocket"
	"github.com/google/uuid"
)

// ErrConnectionClosed is returned when writing to a closed connection.
var ErrConnectionClosed = errors.New("connection closed")

const controlWriteTimeout = time.Second

// Transport is the write side of a socket. *websocket.Conn satisfies it.
type Transport interface {
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	Close() error
}

// Connection is a live, authenticated transport session for one user.
type Connection struct {
	ID          string
	UserID      string
	ConnectedAt time.Time

	transport Transport
	writeMu   sync.Mutex
	alive     atomic.Bool
	lastPong  atomic.Int64
	closed    atomic.Bool
}

// NewConnection wraps t for userID. A new connection starts alive.
func NewConnection(userID string, t Transport, now time.Time) *Connection {
	c := &Connection{
		ID:          uuid.New().String(),
		UserID:      userID,
		ConnectedAt: now,
		transport:   t,
	}
	c.alive.Store(true)
	c.lastPong.Store(now.UnixNano())
	return c
}

// Send encodes env and writes it as a text frame.
func (c *Connection) Send(env protocol.Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("failed to encode envelope: %w", err)
	}
	return c.write(data)
}

// SendEvent builds an envelope of type t and writes it.
func (c *Connection) SendEvent(t string, payload any) error {
	env, err := protocol.New(t, payload)
	if err != nil {
		return err
	}
	return c.Send(env)
}

func (c *Connection) write(data []byte) error {
	if c.closed.Load() {
		return ErrConnectionClosed
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.transport.WriteMessage(websocket.TextMessage, data)
}

// Ping sends a liveness probe.
func (c *Connection) Ping(now time.Time) error {
	if c.closed.Load() {
		return ErrConnectionClosed
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.transport.WriteControl(websocket.PingMessage, nil, now.Add(controlWriteTimeout))
}

// MarkAlive records a liveness response.
func (c *Connection) MarkAlive(now time.Time) {
	c.lastPong.Store(now.UnixNano())
	c.alive.Store(true)
}

// Alive reports whether the connection answered since the last probe.
func (c *Connection) Alive() bool {
	return c.alive.Load()
}

// LastPong returns the time of the last liveness response.
func (c *Connection) LastPong() time.Time {
	return time.Unix(0, c.lastPong.Load())
}

// Closed reports whether Close was called.
func (c *Connection) Closed() bool {
	return c.closed.Load()
}

// unconfirm flips alive to false. It returns false when the connection
// had not answered the previous probe.
func (c *Connection) unconfirm() bool {
	return c.alive.CompareAndSwap(true, false)
}

// Close sends a close frame with code and reason, then closes the
// transport. Only the first call has an effect.
func (c *Connection) Close(code int, reason string) {
	if !c.closed.CompareAndSwap(false, true) {
		return
	}
	c.writeMu.Lock()
	_ = c.transport.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, reason), time.Now().Add(controlWriteTimeout))
	c.writeMu.Unlock()
	_ = c.transport.Close()
}
