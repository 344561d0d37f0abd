package api

import (
	"strings"

	"github.com/example/campus-messaging/modules/auth"
	"github.com/gofiber/fiber/v2"
)

const (
	// UserContextKey is the key used to store the authenticated user id in
	// the Fiber context.
	UserContextKey = "user_id"
)

// AuthMiddleware creates a middleware that validates bearer tokens.
func AuthMiddleware(authAdapter auth.AuthPort) fiber.Handler {
	return func(c *fiber.Ctx) error {
		authHeader := c.Get("Authorization")
		if authHeader == "" {
			return c.Status(fiber.StatusUnauthorized).JSON(ErrorResponse{
				Error:   "unauthorized",
				Message: "Authorization header is required",
			})
		}

		if !strings.HasPrefix(authHeader, "Bearer ") {
			return c.Status(fiber.StatusUnauthorized).JSON(ErrorResponse{
				Error:   "unauthorized",
				Message: "Invalid authorization header format. Use: Bearer <token>",
			})
		}

		token := strings.TrimPrefix(authHeader, "Bearer ")
		if token == "" {
			return c.Status(fiber.StatusUnauthorized).JSON(ErrorResponse{
				Error:   "unauthorized",
				Message: "Token is required",
			})
		}

		userID, err := authAdapter.Verify(c.UserContext(), token)
		if err != nil {
			return c.Status(fiber.StatusUnauthorized).JSON(ErrorResponse{
				Error:   "unauthorized",
				Message: "Invalid or expired token",
			})
		}

		c.Locals(UserContextKey, userID)
		return c.Next()
	}
}

// currentUser returns the user id set by AuthMiddleware.
func currentUser(c *fiber.Ctx) string {
	userID, _ := c.Locals(UserContextKey).(string)
	return userID
}

// bearerOrQueryToken returns the socket credential. Browsers cannot set
// headers on a WebSocket handshake, so the query parameter is accepted too.
func bearerOrQueryToken(c *fiber.Ctx) string {
	if token := c.Query("token"); token != "" {
		return token
	}
	return strings.TrimPrefix(c.Get("Authorization"), "Bearer ")
}
