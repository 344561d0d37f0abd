package auth

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/example/campus-messaging/config"
	"github.com/golang-jwt/jwt/v5"
)

func testConfig() config.AuthConfig {
	return config.AuthConfig{
		SecretKey:           "test-secret-key",
		Issuer:              "test-issuer",
		AccessTokenDuration: 15 * time.Minute,
	}
}

func TestJWTManager_GenerateAndVerify(t *testing.T) {
	manager := NewJWTManager(testConfig())

	token, err := manager.GenerateAccessToken("user-123")
	if err != nil {
		t.Fatalf("GenerateAccessToken() error = %v", err)
	}
	if token == "" {
		t.Fatal("GenerateAccessToken() returned empty token")
	}

	userID, err := manager.Verify(token)
	if err != nil {
		t.Fatalf("Verify() error = %v", err)
	}
	if userID != "user-123" {
		t.Errorf("Verify() = %q, want user-123", userID)
	}

	claims, err := manager.ValidateToken(token)
	if err != nil {
		t.Fatalf("ValidateToken() error = %v", err)
	}
	if claims.Issuer != "test-issuer" {
		t.Errorf("claims.Issuer = %q", claims.Issuer)
	}
}

func TestJWTManager_Verify_Rejects(t *testing.T) {
	manager := NewJWTManager(testConfig())

	otherSecret := testConfig()
	otherSecret.SecretKey = "different-secret"
	foreign, err := NewJWTManager(otherSecret).GenerateAccessToken("user-123")
	if err != nil {
		t.Fatalf("GenerateAccessToken() error = %v", err)
	}

	expiredCfg := testConfig()
	expiredCfg.AccessTokenDuration = time.Nanosecond
	expired, err := NewJWTManager(expiredCfg).GenerateAccessToken("user-123")
	if err != nil {
		t.Fatalf("GenerateAccessToken() error = %v", err)
	}
	time.Sleep(10 * time.Millisecond)

	refresh, err := jwt.NewWithClaims(jwt.SigningMethodHS256, JWTClaims{
		UserID:    "user-123",
		TokenType: "refresh",
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "user-123",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}).SignedString([]byte("test-secret-key"))
	if err != nil {
		t.Fatalf("SignedString() error = %v", err)
	}

	separator, err := jwt.NewWithClaims(jwt.SigningMethodHS256, JWTClaims{
		UserID:    "a_b",
		TokenType: tokenTypeAccess,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "a_b",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}).SignedString([]byte("test-secret-key"))
	if err != nil {
		t.Fatalf("SignedString() error = %v", err)
	}

	tests := []struct {
		name    string
		token   string
		wantErr error
	}{
		{"empty", "", ErrInvalidToken},
		{"garbage", "not-a-jwt", ErrInvalidToken},
		{"wrong secret", foreign, ErrInvalidToken},
		{"expired", expired, ErrExpiredToken},
		{"wrong token type", refresh, ErrInvalidToken},
		{"conversation separator in user id", separator, ErrInvalidToken},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := manager.Verify(tt.token)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("Verify() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestJWTManager_GenerateAccessToken_InvalidUser(t *testing.T) {
	manager := NewJWTManager(testConfig())
	for _, userID := range []string{"", "a_b"} {
		if _, err := manager.GenerateAccessToken(userID); !errors.Is(err, ErrInvalidUserID) {
			t.Errorf("GenerateAccessToken(%q) error = %v, want %v", userID, err, ErrInvalidUserID)
		}
	}
}

func TestAuthModule_handleValidateToken(t *testing.T) {
	m := NewModule(testConfig())

	token, err := m.Manager().GenerateAccessToken("user-9")
	if err != nil {
		t.Fatalf("GenerateAccessToken() error = %v", err)
	}

	resp, err := m.handleValidateToken(context.Background(), ValidateTokenRequest{Token: token}, nil)
	if err != nil {
		t.Fatalf("handleValidateToken() error = %v", err)
	}
	if !resp.Valid || resp.UserID != "user-9" {
		t.Errorf("handleValidateToken() = %+v", resp)
	}

	resp, err = m.handleValidateToken(context.Background(), ValidateTokenRequest{Token: "bad"}, nil)
	if err != nil {
		t.Fatalf("handleValidateToken() error = %v", err)
	}
	if resp.Valid || resp.Error == "" {
		t.Errorf("handleValidateToken() for bad token = %+v", resp)
	}
}

func TestAuthModule_Start_RequiresSecret(t *testing.T) {
	cfg := testConfig()
	cfg.SecretKey = ""
	if err := NewModule(cfg).Start(context.Background()); err == nil {
		t.Error("Start() without secret should fail")
	}
}

func TestLocalVerifier(t *testing.T) {
	manager := NewJWTManager(testConfig())
	token, _ := manager.GenerateAccessToken("user-1")

	userID, err := NewLocalVerifier(manager).Verify(context.Background(), token)
	if err != nil || userID != "user-1" {
		t.Errorf("Verify() = %q, %v", userID, err)
	}
}
