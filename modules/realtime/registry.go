package realtime

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/example/campus-messaging/protocol"
	"github.com/go-monolith/mono/pkg/types"
	"github.com/gofiber/contrib/websocket"
)

// ReasonReplaced is the close reason sent to a connection superseded by a
// newer one for the same user.
const ReasonReplaced = "replaced by newer connection"

// Registry maps authenticated user ids to their live connection. A user
// has at most one registered connection; the newest one wins.
//
// The registry never verifies credentials. Callers register only user ids
// they have already authenticated.
type Registry struct {
	mu     sync.RWMutex
	conns  map[string]*Connection
	logger types.Logger
}

// NewRegistry creates an empty Registry.
func NewRegistry(logger types.Logger) *Registry {
	return &Registry{
		conns:  make(map[string]*Connection),
		logger: logger,
	}
}

// Register makes conn the fan-out target for its user. A previous
// connection for the same user is swapped out and closed.
func (r *Registry) Register(conn *Connection) *Connection {
	r.mu.Lock()
	old := r.conns[conn.UserID]
	r.conns[conn.UserID] = conn
	r.mu.Unlock()

	if old != nil && old != conn {
		r.logger.Info("Replacing connection", "user_id", conn.UserID, "old", old.ID, "new", conn.ID)
		old.Close(websocket.CloseNormalClosure, ReasonReplaced)
		return old
	}
	r.logger.Debug("Connection registered", "user_id", conn.UserID, "connection_id", conn.ID)
	return nil
}

// Deregister removes the mapping for userID.
func (r *Registry) Deregister(userID string) {
	r.mu.Lock()
	delete(r.conns, userID)
	r.mu.Unlock()
}

// DeregisterConn removes conn only if it is still the registered
// connection for its user. It reports whether it removed anything.
func (r *Registry) DeregisterConn(conn *Connection) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if current, ok := r.conns[conn.UserID]; ok && current == conn {
		delete(r.conns, conn.UserID)
		return true
	}
	return false
}

// IsReachable reports whether userID has a registered connection.
func (r *Registry) IsReachable(userID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.conns[userID]
	return ok
}

// Get returns the registered connection for userID.
func (r *Registry) Get(userID string) (*Connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	conn, ok := r.conns[userID]
	return conn, ok
}

// Snapshot returns the registered connections at this instant.
func (r *Registry) Snapshot() []*Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()

	conns := make([]*Connection, 0, len(r.conns))
	for _, conn := range r.conns {
		conns = append(conns, conn)
	}
	return conns
}

// Count returns the number of registered connections.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// BroadcastSystem sends an announcement to every registered connection.
// Individual failures are logged and skipped. It returns how many
// connections the announcement was written to.
func (r *Registry) BroadcastSystem(body string, now time.Time) int {
	env, err := protocol.New(protocol.TypeSystemMessage, protocol.SystemMessage{Body: body, SentAt: now})
	if err != nil {
		r.logger.Error("Failed to build system message", "error", err)
		return 0
	}
	data, err := json.Marshal(env)
	if err != nil {
		r.logger.Error("Failed to encode system message", "error", err)
		return 0
	}

	sent := 0
	for _, conn := range r.Snapshot() {
		if err := conn.write(data); err != nil {
			r.logger.Warn("System message not delivered", "user_id", conn.UserID, "error", err)
			continue
		}
		sent++
	}
	return sent
}

// CloseAll closes and removes every connection.
func (r *Registry) CloseAll(code int, reason string) {
	r.mu.Lock()
	conns := r.conns
	r.conns = make(map[string]*Connection)
	r.mu.Unlock()

	for _, conn := range conns {
		conn.Close(code, reason)
	}
}
