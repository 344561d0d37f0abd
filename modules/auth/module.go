package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"

	"github.com/example/campus-messaging/config"
	"github.com/go-monolith/mono"
	"github.com/go-monolith/mono/pkg/helper"
)

// AuthModule verifies bearer credentials issued by the campus identity
// provider. It does not manage accounts.
type AuthModule struct {
	jwt *JWTManager
	cfg config.AuthConfig
}

// Compile-time interface checks.
var _ mono.Module = (*AuthModule)(nil)
var _ mono.ServiceProviderModule = (*AuthModule)(nil)
var _ mono.HealthCheckableModule = (*AuthModule)(nil)

// NewModule creates a new AuthModule.
func NewModule(cfg config.AuthConfig) *AuthModule {
	return &AuthModule{
		jwt: NewJWTManager(cfg),
		cfg: cfg,
	}
}

// Name returns the module name.
func (m *AuthModule) Name() string {
	return "auth"
}

// Start initializes the auth module.
func (m *AuthModule) Start(_ context.Context) error {
	if m.cfg.SecretKey == "" {
		return fmt.Errorf("jwt secret is not configured")
	}
	log.Printf("[auth] Module started (issuer: %s)", m.cfg.Issuer)
	return nil
}

// Stop shuts down the module.
func (m *AuthModule) Stop(_ context.Context) error {
	log.Println("[auth] Module stopped")
	return nil
}

// Health returns the health status of the module.
func (m *AuthModule) Health(_ context.Context) mono.HealthStatus {
	return mono.HealthStatus{
		Healthy: m.cfg.SecretKey != "",
		Message: "operational",
		Details: map[string]any{
			"issuer":           m.cfg.Issuer,
			"access_token_ttl": m.cfg.AccessTokenDuration.String(),
		},
	}
}

// Manager returns the token manager.
func (m *AuthModule) Manager() *JWTManager {
	return m.jwt
}

// RegisterServices registers request-reply services in the service container.
func (m *AuthModule) RegisterServices(container mono.ServiceContainer) error {
	if err := helper.RegisterTypedRequestReplyService(
		container,
		ServiceValidateToken,
		json.Unmarshal,
		json.Marshal,
		m.handleValidateToken,
	); err != nil {
		return fmt.Errorf("failed to register validate-token service: %w", err)
	}

	log.Printf("[auth] Registered services: %s", ServiceValidateToken)
	return nil
}

// handleValidateToken verifies a token. Invalid tokens are a normal
// response, not a service error.
func (m *AuthModule) handleValidateToken(_ context.Context, req ValidateTokenRequest, _ *mono.Msg) (ValidateTokenResponse, error) {
	userID, err := m.jwt.Verify(req.Token)
	if err != nil {
		return ValidateTokenResponse{
			Valid:   false,
			Expired: errors.Is(err, ErrExpiredToken),
			Error:   err.Error(),
		}, nil
	}

	return ValidateTokenResponse{
		Valid:  true,
		UserID: userID,
	}, nil
}
