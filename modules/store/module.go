package store

import (
	"context"
	"encoding/json"
	"fmt"
	"log"

	"github.com/example/campus-messaging/config"
	"github.com/example/campus-messaging/domain/message"
	"github.com/example/campus-messaging/events"
	"github.com/go-monolith/mono"
	"github.com/go-monolith/mono/pkg/helper"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// StoreModule owns message persistence and exposes it as services.
type StoreModule struct {
	cfg      config.StoreConfig
	repo     Repository
	cache    *InboxCache
	service  *Service
	eventBus mono.EventBus
}

// Compile-time interface checks.
var _ mono.Module = (*StoreModule)(nil)
var _ mono.ServiceProviderModule = (*StoreModule)(nil)
var _ mono.HealthCheckableModule = (*StoreModule)(nil)
var _ mono.EventBusAwareModule = (*StoreModule)(nil)
var _ mono.EventEmitterModule = (*StoreModule)(nil)

// NewModule creates a new StoreModule.
func NewModule(cfg config.StoreConfig) *StoreModule {
	return &StoreModule{cfg: cfg}
}

// NewModuleWithRepository creates a StoreModule around an existing
// repository, skipping database setup on Start.
func NewModuleWithRepository(repo Repository) *StoreModule {
	return &StoreModule{
		repo:    repo,
		service: NewService(repo, nil),
	}
}

// Name returns the module name.
func (m *StoreModule) Name() string {
	return "store"
}

// SetEventBus receives the EventBus from the framework.
func (m *StoreModule) SetEventBus(bus mono.EventBus) {
	m.eventBus = bus
}

// EmitEvents declares the events this module can emit.
func (m *StoreModule) EmitEvents() []mono.BaseEventDefinition {
	return []mono.BaseEventDefinition{
		events.MessagesReadV1.ToBase(),
	}
}

// Start opens the database and, when configured, the Redis cache.
func (m *StoreModule) Start(ctx context.Context) error {
	if m.service != nil {
		log.Println("[store] Module started with injected repository")
		return nil
	}

	repo, err := m.openRepository(ctx)
	if err != nil {
		return err
	}
	m.repo = repo

	if m.cfg.RedisAddr != "" {
		client := redis.NewClient(&redis.Options{
			Addr:     m.cfg.RedisAddr,
			Password: m.cfg.RedisPassword,
		})
		if err := client.Ping(ctx).Err(); err != nil {
			log.Printf("[store] Warning: Redis at %s unreachable, running without cache: %v", m.cfg.RedisAddr, err)
			_ = client.Close()
		} else {
			m.cache = NewInboxCache(client, "inbox:latest:", m.cfg.CacheTTL)
			log.Printf("[store] Inbox cache enabled (redis: %s, ttl: %s)", m.cfg.RedisAddr, m.cfg.CacheTTL)
		}
	}

	m.service = NewService(m.repo, m.cache)
	log.Printf("[store] Module started (driver: %s)", m.cfg.Driver)
	return nil
}

func (m *StoreModule) openRepository(ctx context.Context) (Repository, error) {
	switch m.cfg.Driver {
	case "postgres":
		pool, err := pgxpool.New(ctx, m.cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to create connection pool: %w", err)
		}
		if err := pool.Ping(ctx); err != nil {
			pool.Close()
			return nil, fmt.Errorf("failed to ping database: %w", err)
		}
		repo := NewPostgresRepository(pool)
		if err := repo.Migrate(ctx); err != nil {
			pool.Close()
			return nil, err
		}
		return repo, nil

	case "sqlite", "":
		db, err := gorm.Open(sqlite.Open(m.cfg.DBPath), &gorm.Config{
			Logger:         logger.Default.LogMode(logger.Silent),
			TranslateError: true,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}
		repo := NewGormRepository(db)
		if err := repo.Migrate(); err != nil {
			_ = repo.Close()
			return nil, err
		}
		return repo, nil

	default:
		return nil, fmt.Errorf("unsupported database driver %q", m.cfg.Driver)
	}
}

// Stop closes the cache and the database.
func (m *StoreModule) Stop(_ context.Context) error {
	if m.cache != nil {
		if err := m.cache.Close(); err != nil {
			log.Printf("[store] Warning: failed to close cache: %v", err)
		}
	}
	if m.repo != nil {
		if err := m.repo.Close(); err != nil {
			log.Printf("[store] Warning: failed to close repository: %v", err)
		}
	}
	log.Println("[store] Module stopped")
	return nil
}

// Health returns the health status of the module.
func (m *StoreModule) Health(ctx context.Context) mono.HealthStatus {
	if m.service == nil {
		return mono.HealthStatus{
			Healthy: false,
			Message: "store not initialized",
		}
	}

	if err := m.service.Ping(ctx); err != nil {
		return mono.HealthStatus{
			Healthy: false,
			Message: fmt.Sprintf("ping failed: %v", err),
		}
	}

	details := map[string]any{
		"driver": m.cfg.Driver,
	}
	if m.cache != nil {
		details["cache"] = m.cache.Stats()
	}
	return mono.HealthStatus{
		Healthy: true,
		Message: "operational",
		Details: details,
	}
}

// RegisterServices registers request-reply services in the service container.
func (m *StoreModule) RegisterServices(container mono.ServiceContainer) error {
	if err := helper.RegisterTypedRequestReplyService(
		container, ServiceAppendMessage, json.Unmarshal, json.Marshal, m.handleAppend,
	); err != nil {
		return fmt.Errorf("failed to register %s service: %w", ServiceAppendMessage, err)
	}

	if err := helper.RegisterTypedRequestReplyService(
		container, ServiceListMessages, json.Unmarshal, json.Marshal, m.handleList,
	); err != nil {
		return fmt.Errorf("failed to register %s service: %w", ServiceListMessages, err)
	}

	if err := helper.RegisterTypedRequestReplyService(
		container, ServiceMarkRead, json.Unmarshal, json.Marshal, m.handleMarkRead,
	); err != nil {
		return fmt.Errorf("failed to register %s service: %w", ServiceMarkRead, err)
	}

	log.Printf("[store] Registered services: %s, %s, %s", ServiceAppendMessage, ServiceListMessages, ServiceMarkRead)
	return nil
}

func (m *StoreModule) handleAppend(ctx context.Context, req AppendMessageRequest, _ *mono.Msg) (AppendMessageResponse, error) {
	msg := req.Message
	saved, err := m.service.Append(ctx, &msg)
	if err != nil {
		return AppendMessageResponse{}, err
	}
	return AppendMessageResponse{Message: *saved}, nil
}

func (m *StoreModule) handleList(ctx context.Context, req ListMessagesRequest, _ *mono.Msg) (ListMessagesResponse, error) {
	msgs, hit, err := m.service.List(ctx, ListQuery{
		ParticipantID:  req.ParticipantID,
		ConversationID: req.ConversationID,
		Since:          req.Since,
		SinceID:        req.SinceID,
		Limit:          req.Limit,
	})
	if err != nil {
		return ListMessagesResponse{}, err
	}

	resp := ListMessagesResponse{
		Messages: make([]message.Message, 0, len(msgs)),
		CacheHit: hit,
	}
	for _, msg := range msgs {
		resp.Messages = append(resp.Messages, *msg)
	}
	return resp, nil
}

func (m *StoreModule) handleMarkRead(ctx context.Context, req MarkReadRequest, _ *mono.Msg) (MarkReadResponse, error) {
	receipts, err := m.service.MarkRead(ctx, req.MessageIDs, req.ReaderID)
	if err != nil {
		return MarkReadResponse{}, err
	}

	resp := MarkReadResponse{MessageIDs: []string{}}
	for _, receipt := range receipts {
		resp.Updated += len(receipt.MessageIDs)
		resp.MessageIDs = append(resp.MessageIDs, receipt.MessageIDs...)
		m.publishReceipt(receipt)
	}
	return resp, nil
}

func (m *StoreModule) publishReceipt(receipt events.MessagesReadEvent) {
	if m.eventBus == nil {
		return
	}
	if err := events.MessagesReadV1.Publish(m.eventBus, receipt, nil); err != nil {
		log.Printf("[store] Warning: failed to publish MessagesRead for %s: %v", receipt.ConversationID, err)
	}
}
