package realtime

import (
	"context"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/go-monolith/mono/pkg/types"
	"github.com/gofiber/contrib/websocket"
)

// DefaultLivenessInterval is the time between liveness sweeps.
const DefaultLivenessInterval = 30 * time.Second

// ReasonLivenessTimeout is the close reason for evicted connections.
const ReasonLivenessTimeout = "liveness timeout"

// Monitor evicts connections that stop answering liveness probes. Each
// sweep either evicts a connection that did not answer the previous probe
// or marks it unconfirmed and probes it again.
type Monitor struct {
	registry *Registry
	rooms    *Rooms
	interval time.Duration
	clock    clock.Clock
	logger   types.Logger
}

// NewMonitor creates a Monitor.
func NewMonitor(registry *Registry, rooms *Rooms, interval time.Duration, clk clock.Clock, logger types.Logger) *Monitor {
	if interval <= 0 {
		interval = DefaultLivenessInterval
	}
	return &Monitor{
		registry: registry,
		rooms:    rooms,
		interval: interval,
		clock:    clk,
		logger:   logger,
	}
}

// Interval returns the sweep period.
func (m *Monitor) Interval() time.Duration {
	return m.interval
}

// Run sweeps every interval until ctx is done.
func (m *Monitor) Run(ctx context.Context) {
	ticker := m.clock.Ticker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if evicted := m.Sweep(); len(evicted) > 0 {
				m.logger.Info("Liveness sweep evicted connections", "count", len(evicted))
			}
		}
	}
}

// Sweep runs one liveness pass and returns the evicted user ids.
func (m *Monitor) Sweep() []string {
	now := m.clock.Now()

	var evicted []string
	for _, conn := range m.registry.Snapshot() {
		if !conn.unconfirm() {
			m.evict(conn)
			evicted = append(evicted, conn.UserID)
			continue
		}
		if err := conn.Ping(now); err != nil {
			m.logger.Warn("Liveness probe failed", "user_id", conn.UserID, "error", err)
			m.evict(conn)
			evicted = append(evicted, conn.UserID)
		}
	}
	return evicted
}

func (m *Monitor) evict(conn *Connection) {
	if m.registry.DeregisterConn(conn) {
		m.rooms.LeaveAll(conn.UserID)
	}
	conn.Close(websocket.CloseGoingAway, ReasonLivenessTimeout)
	m.logger.Info("Evicted dead connection", "user_id", conn.UserID, "connection_id", conn.ID,
		"last_pong", conn.LastPong().Format(time.RFC3339))
}
