package realtime

import (
	"context"
	"fmt"
	"sync"

	"github.com/example/campus-messaging/events"
	"github.com/example/campus-messaging/modules/store"
	"github.com/go-monolith/mono"
	"github.com/go-monolith/mono/pkg/helper"
	"github.com/go-monolith/mono/pkg/types"
	"github.com/gofiber/contrib/websocket"
)

// ReasonShutdown is the close reason sent to clients on server stop.
const ReasonShutdown = "server shutting down"

// RealtimeModule owns the in-memory delivery core and its liveness loop.
type RealtimeModule struct {
	server *Server
	logger types.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Compile-time interface checks.
var _ mono.Module = (*RealtimeModule)(nil)
var _ mono.DependentModule = (*RealtimeModule)(nil)
var _ mono.EventConsumerModule = (*RealtimeModule)(nil)
var _ mono.HealthCheckableModule = (*RealtimeModule)(nil)

// NewModule creates a RealtimeModule. The message store is attached when
// the store dependency is resolved.
func NewModule(logger types.Logger, opts ...Option) *RealtimeModule {
	moduleLogger := logger.WithModule("realtime")
	return &RealtimeModule{
		server: NewServer(nil, moduleLogger, opts...),
		logger: moduleLogger,
	}
}

// Name returns the module name.
func (m *RealtimeModule) Name() string {
	return "realtime"
}

// Dependencies returns the list of module dependencies.
func (m *RealtimeModule) Dependencies() []string {
	return []string{"store"}
}

// SetDependencyServiceContainer receives service containers from dependencies.
func (m *RealtimeModule) SetDependencyServiceContainer(dependency string, container mono.ServiceContainer) {
	switch dependency {
	case "store":
		m.server.SetStore(store.NewStoreAdapter(container))
	}
}

// Server returns the delivery core for the API module to use.
func (m *RealtimeModule) Server() *Server {
	return m.server
}

// Start launches the liveness monitor.
func (m *RealtimeModule) Start(_ context.Context) error {
	ctx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.server.RunLiveness(ctx)
	}()

	m.logger.Info("Realtime module started", "liveness_interval", m.server.Monitor().Interval().String())
	return nil
}

// Stop halts the liveness monitor and closes every connection.
func (m *RealtimeModule) Stop(_ context.Context) error {
	count := m.server.Registry().Count()
	if m.cancel != nil {
		m.cancel()
		m.wg.Wait()
	}
	m.server.Shutdown(websocket.CloseGoingAway, ReasonShutdown)
	m.logger.Info("Realtime module stopped", "closed_connections", count)
	return nil
}

// Health returns the health status.
func (m *RealtimeModule) Health(_ context.Context) mono.HealthStatus {
	return mono.HealthStatus{
		Healthy: true,
		Message: "operational",
		Details: map[string]any{
			"connections": m.server.Registry().Count(),
			"rooms":       m.server.Rooms().Count(),
		},
	}
}

// RegisterEventConsumers registers event handlers.
func (m *RealtimeModule) RegisterEventConsumers(registry mono.EventRegistry) error {
	if err := helper.RegisterTypedEventConsumer(
		registry, events.MessagesReadV1, m.handleMessagesRead, m,
	); err != nil {
		return fmt.Errorf("failed to register MessagesRead consumer: %w", err)
	}
	m.logger.Info("Registered event consumers", "events", "MessagesRead")
	return nil
}

func (m *RealtimeModule) handleMessagesRead(_ context.Context, event events.MessagesReadEvent, _ *mono.Msg) error {
	if !m.server.PushReadReceipt(event) {
		m.logger.Debug("Read receipt sender offline", "sender_id", event.SenderID,
			"conversation_id", event.ConversationID)
	}
	return nil
}
