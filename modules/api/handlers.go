package api

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strconv"
	"strings"
	"time"

	"github.com/example/campus-messaging/domain/message"
	"github.com/example/campus-messaging/modules/realtime"
	"github.com/example/campus-messaging/modules/store"
	"github.com/example/campus-messaging/protocol"
	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
)

const (
	maxReadBatch        = 500
	maxAnnouncementSize = 1024

	// Frames between MaxFrameSize and socketReadLimit get a frame_too_large
	// reply; larger ones close the socket.
	socketReadLimit = 2 * protocol.MaxFrameSize

	reasonAuthRequired = "authentication required"
)

// setupRoutes configures all HTTP routes.
func (m *APIModule) setupRoutes(app *fiber.App) {
	// Health check
	app.Get("/health", m.healthHandler)

	// WebSocket endpoint. Credentials are checked before the upgrade and the
	// outcome is handed to the socket handler through Locals.
	app.Use("/ws", func(c *fiber.Ctx) error {
		if !websocket.IsWebSocketUpgrade(c) {
			return fiber.ErrUpgradeRequired
		}
		if token := bearerOrQueryToken(c); token != "" {
			if userID, err := m.authAdapter.Verify(c.UserContext(), token); err == nil {
				c.Locals(UserContextKey, userID)
			}
		}
		return c.Next()
	})
	app.Get("/ws/messages", websocket.New(m.handleWebSocket))

	// REST API v1
	api := app.Group("/api/v1", AuthMiddleware(m.authAdapter))

	api.Get("/messages", m.listMessages)
	api.Post("/messages", m.sendMessage)
	api.Post("/messages/read", m.markRead)
	api.Post("/announcements", m.announce)
	api.Get("/presence/:userId", m.presence)
}

// healthHandler handles GET /health.
func (m *APIModule) healthHandler(c *fiber.Ctx) error {
	return c.JSON(HealthResponse{
		Status: "healthy",
		Details: map[string]any{
			"module":      "api",
			"connections": m.server.Registry().Count(),
			"rooms":       m.server.Rooms().Count(),
		},
	})
}

// listMessages handles GET /api/v1/messages, the polling fetch.
func (m *APIModule) listMessages(c *fiber.Ctx) error {
	userID := currentUser(c)

	since, err := parseSince(c.Query("since"))
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(ErrorResponse{
			Error:   "validation_error",
			Message: err.Error(),
		})
	}

	// since_id breaks ties between messages on the same microsecond.
	sinceID := c.Query("since_id")
	if sinceID != "" && since.IsZero() {
		return c.Status(fiber.StatusBadRequest).JSON(ErrorResponse{
			Error:   "validation_error",
			Message: "since_id requires since",
		})
	}

	limit := store.DefaultListLimit
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = min(parsed, store.MaxListLimit)
		}
	}

	conversationID := c.Query("conversation_id")
	if conversationID != "" {
		if _, ok := message.Counterpart(conversationID, userID); !ok {
			return c.Status(fiber.StatusForbidden).JSON(ErrorResponse{
				Error:   "forbidden",
				Message: "Not a participant of this conversation",
			})
		}
	}

	messages, err := m.storeAdapter.List(c.UserContext(), store.ListQuery{
		ParticipantID:  userID,
		ConversationID: conversationID,
		Since:          since,
		SinceID:        sinceID,
		Limit:          limit,
	})
	if err != nil {
		log.Printf("[api] Failed to list messages for %s: %v", userID, err)
		return c.Status(fiber.StatusServiceUnavailable).JSON(ErrorResponse{
			Error:   "list_failed",
			Message: "Failed to fetch messages",
		})
	}

	nextSince, nextSinceID := since, sinceID
	if len(messages) > 0 {
		last := messages[len(messages)-1]
		nextSince, nextSinceID = last.CreatedAt, last.ID
	}
	if messages == nil {
		messages = []message.Message{}
	}

	return c.JSON(MessageListResponse{
		Messages:    messages,
		NextSince:   nextSince,
		NextSinceID: nextSinceID,
	})
}

// sendMessage handles POST /api/v1/messages, the fallback send path.
func (m *APIModule) sendMessage(c *fiber.Ctx) error {
	var req SendMessageRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(ErrorResponse{
			Error:   "invalid_request",
			Message: "Invalid request body",
		})
	}

	result, err := m.server.Relay(c.UserContext(), currentUser(c), protocol.SendMessage{
		ReceiverID:     req.ReceiverID,
		ConversationID: req.ConversationID,
		Body:           req.Body,
		Kind:           req.Kind,
		ClientID:       req.ClientID,
	})
	if err != nil {
		var validationErr *realtime.ValidationError
		if errors.As(err, &validationErr) {
			return c.Status(fiber.StatusBadRequest).JSON(ErrorResponse{
				Error:   "validation_error",
				Message: validationErr.Error(),
			})
		}
		log.Printf("[api] Failed to send message: %v", err)
		return c.Status(fiber.StatusServiceUnavailable).JSON(ErrorResponse{
			Error:   "send_failed",
			Message: "Message could not be stored, retry later",
		})
	}

	return c.Status(fiber.StatusCreated).JSON(SendMessageResponse{
		Message:  result.Message,
		ClientID: req.ClientID,
	})
}

// markRead handles POST /api/v1/messages/read.
func (m *APIModule) markRead(c *fiber.Ctx) error {
	var req MarkReadRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(ErrorResponse{
			Error:   "invalid_request",
			Message: "Invalid request body",
		})
	}
	if len(req.MessageIDs) == 0 {
		return c.Status(fiber.StatusBadRequest).JSON(ErrorResponse{
			Error:   "validation_error",
			Message: "message_ids is required",
		})
	}
	if len(req.MessageIDs) > maxReadBatch {
		return c.Status(fiber.StatusBadRequest).JSON(ErrorResponse{
			Error:   "validation_error",
			Message: fmt.Sprintf("At most %d message ids per request", maxReadBatch),
		})
	}

	updated, err := m.storeAdapter.MarkRead(c.UserContext(), currentUser(c), req.MessageIDs)
	if err != nil {
		log.Printf("[api] Failed to mark messages read: %v", err)
		return c.Status(fiber.StatusServiceUnavailable).JSON(ErrorResponse{
			Error:   "mark_read_failed",
			Message: "Failed to mark messages read",
		})
	}

	return c.JSON(MarkReadResponse{Updated: updated})
}

// announce handles POST /api/v1/announcements.
func (m *APIModule) announce(c *fiber.Ctx) error {
	if !m.cfg.IsAdmin(currentUser(c)) {
		return c.Status(fiber.StatusForbidden).JSON(ErrorResponse{
			Error:   "forbidden",
			Message: "Announcements require an admin account",
		})
	}

	var req AnnouncementRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(ErrorResponse{
			Error:   "invalid_request",
			Message: "Invalid request body",
		})
	}
	if strings.TrimSpace(req.Body) == "" || len(req.Body) > maxAnnouncementSize {
		return c.Status(fiber.StatusBadRequest).JSON(ErrorResponse{
			Error:   "validation_error",
			Message: fmt.Sprintf("Announcement body must be 1-%d bytes", maxAnnouncementSize),
		})
	}

	delivered := m.server.BroadcastSystem(req.Body)
	log.Printf("[api] Announcement from %s delivered to %d connections", currentUser(c), delivered)
	return c.JSON(AnnouncementResponse{Delivered: delivered})
}

// presence handles GET /api/v1/presence/:userId.
func (m *APIModule) presence(c *fiber.Ctx) error {
	userID := c.Params("userId")
	return c.JSON(PresenceResponse{
		UserID: userID,
		Online: m.server.IsReachable(userID),
	})
}

// handleWebSocket handles WebSocket connections at /ws/messages.
func (m *APIModule) handleWebSocket(c *websocket.Conn) {
	userID, _ := c.Locals(UserContextKey).(string)
	if userID == "" {
		_ = c.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, reasonAuthRequired),
			time.Now().Add(time.Second))
		_ = c.Close()
		log.Printf("[api] Rejected unauthenticated WebSocket client")
		return
	}

	c.SetReadLimit(socketReadLimit)

	session := m.server.Open(userID, c)
	defer session.Close()

	c.SetPongHandler(func(string) error {
		session.MarkAlive()
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	for {
		_, data, err := c.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Printf("[api] Client %s closed connection", userID)
			} else if !session.Conn().Closed() {
				log.Printf("[api] Read error from %s: %v", userID, err)
			}
			return
		}
		session.HandleFrame(ctx, data)
	}
}

// parseSince accepts RFC 3339 timestamps or unix milliseconds.
func parseSince(raw string) (time.Time, error) {
	if raw == "" {
		return time.Time{}, nil
	}
	if ms, err := strconv.ParseInt(raw, 10, 64); err == nil {
		if ms <= 0 {
			return time.Time{}, nil
		}
		return time.UnixMilli(ms).UTC(), nil
	}
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("since must be RFC 3339 or unix milliseconds")
	}
	return t.UTC(), nil
}
