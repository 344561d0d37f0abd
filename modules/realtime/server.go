package realtime

import (
	"context"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/example/campus-messaging/events"
	"github.com/example/campus-messaging/protocol"
	"github.com/go-monolith/mono/pkg/types"
)

// Server bundles the registry, rooms, relay and liveness monitor. One
// Server is constructed per process and shared by reference.
type Server struct {
	registry *Registry
	rooms    *Rooms
	relay    *Relay
	monitor  *Monitor
	clock    clock.Clock
	logger   types.Logger
}

// Option configures a Server.
type Option func(*serverOptions)

type serverOptions struct {
	clock    clock.Clock
	interval time.Duration
}

// WithClock sets the clock used for liveness and timestamps.
func WithClock(clk clock.Clock) Option {
	return func(o *serverOptions) {
		o.clock = clk
	}
}

// WithLivenessInterval sets the liveness sweep period.
func WithLivenessInterval(d time.Duration) Option {
	return func(o *serverOptions) {
		o.interval = d
	}
}

// NewServer creates a Server that persists through store. store may be
// nil and set later with SetStore.
func NewServer(store MessageStore, logger types.Logger, opts ...Option) *Server {
	o := serverOptions{
		clock:    clock.New(),
		interval: DefaultLivenessInterval,
	}
	for _, opt := range opts {
		opt(&o)
	}

	registry := NewRegistry(logger)
	rooms := NewRooms(registry, logger)
	return &Server{
		registry: registry,
		rooms:    rooms,
		relay:    NewRelay(store, registry, rooms, logger),
		monitor:  NewMonitor(registry, rooms, o.interval, o.clock, logger),
		clock:    o.clock,
		logger:   logger,
	}
}

// SetStore sets the storage collaborator used by the relay.
func (s *Server) SetStore(store MessageStore) {
	s.relay.store = store
}

// Registry returns the connection registry.
func (s *Server) Registry() *Registry {
	return s.registry
}

// Rooms returns the room manager.
func (s *Server) Rooms() *Rooms {
	return s.rooms
}

// Monitor returns the liveness monitor.
func (s *Server) Monitor() *Monitor {
	return s.monitor
}

// Open registers an authenticated transport for userID, replacing any
// previous connection, and greets it with connection_established.
func (s *Server) Open(userID string, t Transport) *Session {
	conn := NewConnection(userID, t, s.clock.Now())
	s.registry.Register(conn)

	if err := conn.SendEvent(protocol.TypeConnectionEstablished, protocol.ConnectionEstablished{
		UserID:       userID,
		ConnectionID: conn.ID,
		ServerTime:   s.clock.Now().UTC(),
	}); err != nil {
		s.logger.Warn("Failed to greet connection", "user_id", userID, "error", err)
	}

	s.logger.Info("Connection opened", "user_id", userID, "connection_id", conn.ID)
	return &Session{server: s, conn: conn}
}

// Relay persists and fans out a message sent by senderID.
func (s *Server) Relay(ctx context.Context, senderID string, req protocol.SendMessage) (*RelayResult, error) {
	return s.relay.Relay(ctx, senderID, req)
}

// BroadcastSystem sends an announcement to every connection.
func (s *Server) BroadcastSystem(body string) int {
	return s.registry.BroadcastSystem(body, s.clock.Now().UTC())
}

// IsReachable reports whether userID has a live connection.
func (s *Server) IsReachable(userID string) bool {
	return s.registry.IsReachable(userID)
}

// PushReadReceipt notifies the original sender that messages were read.
func (s *Server) PushReadReceipt(event events.MessagesReadEvent) bool {
	conn, ok := s.registry.Get(event.SenderID)
	if !ok {
		return false
	}
	err := conn.SendEvent(protocol.TypeMessagesRead, protocol.MessagesRead{
		ConversationID: event.ConversationID,
		ReaderID:       event.ReaderID,
		MessageIDs:     event.MessageIDs,
		ReadAt:         event.ReadAt,
	})
	if err != nil {
		s.logger.Warn("Read receipt not delivered", "user_id", event.SenderID, "error", err)
		return false
	}
	return true
}

// RunLiveness runs the liveness monitor until ctx is done.
func (s *Server) RunLiveness(ctx context.Context) {
	s.monitor.Run(ctx)
}

// Shutdown closes every connection.
func (s *Server) Shutdown(code int, reason string) {
	s.registry.CloseAll(code, reason)
}
