package auth

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/go-monolith/mono"
	"github.com/go-monolith/mono/pkg/helper"
)

// AuthPort is the identity collaborator: it turns a credential into the
// user it names.
type AuthPort interface {
	Verify(ctx context.Context, token string) (string, error)
}

// AuthAdapter implements AuthPort using the service container.
type AuthAdapter struct {
	container mono.ServiceContainer
}

// NewAuthAdapter creates a new AuthAdapter.
func NewAuthAdapter(container mono.ServiceContainer) *AuthAdapter {
	return &AuthAdapter{
		container: container,
	}
}

// Verify validates an access token. It returns an error wrapping
// ErrInvalidToken or ErrExpiredToken when the credential is rejected.
func (a *AuthAdapter) Verify(ctx context.Context, token string) (string, error) {
	req := ValidateTokenRequest{Token: token}
	var resp ValidateTokenResponse

	if err := helper.CallRequestReplyService(
		ctx,
		a.container,
		ServiceValidateToken,
		json.Marshal,
		json.Unmarshal,
		&req,
		&resp,
	); err != nil {
		return "", fmt.Errorf("validate-token request failed: %w", err)
	}

	if !resp.Valid {
		if resp.Expired {
			return "", fmt.Errorf("token validation failed: %w", ErrExpiredToken)
		}
		return "", fmt.Errorf("token validation failed: %w", ErrInvalidToken)
	}

	return resp.UserID, nil
}

// LocalVerifier implements AuthPort directly on a JWTManager.
type LocalVerifier struct {
	jwt *JWTManager
}

// NewLocalVerifier creates an AuthPort that verifies in-process.
func NewLocalVerifier(m *JWTManager) *LocalVerifier {
	return &LocalVerifier{jwt: m}
}

// Verify validates an access token.
func (v *LocalVerifier) Verify(_ context.Context, token string) (string, error) {
	return v.jwt.Verify(token)
}
