package auth

import (
	"errors"
	"time"

	"github.com/example/campus-messaging/config"
	"github.com/example/campus-messaging/domain/message"
	"github.com/golang-jwt/jwt/v5"
)

var (
	// ErrInvalidToken is returned when the token is invalid.
	ErrInvalidToken = errors.New("invalid token")
	// ErrExpiredToken is returned when the token has expired.
	ErrExpiredToken = errors.New("token has expired")
	// ErrInvalidUserID is returned when a token is requested for an id that
	// cannot take part in a conversation.
	ErrInvalidUserID = errors.New("invalid user id")
)

const tokenTypeAccess = "access"

// JWTClaims represents the custom claims for access tokens.
type JWTClaims struct {
	UserID    string `json:"user_id"`
	TokenType string `json:"token_type"`
	jwt.RegisteredClaims
}

// JWTManager signs and verifies HS256 access tokens.
type JWTManager struct {
	config config.AuthConfig
}

// NewJWTManager creates a new JWTManager with the given configuration.
func NewJWTManager(cfg config.AuthConfig) *JWTManager {
	if cfg.AccessTokenDuration <= 0 {
		cfg.AccessTokenDuration = 15 * time.Minute
	}
	return &JWTManager{config: cfg}
}

// GenerateAccessToken issues an access token naming userID.
func (m *JWTManager) GenerateAccessToken(userID string) (string, error) {
	if !message.ValidUserID(userID) {
		return "", ErrInvalidUserID
	}
	now := time.Now()
	claims := JWTClaims{
		UserID:    userID,
		TokenType: tokenTypeAccess,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    m.config.Issuer,
			Subject:   userID,
			ExpiresAt: jwt.NewNumericDate(now.Add(m.config.AccessTokenDuration)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(m.config.SecretKey))
}

// ValidateToken validates the token and returns the claims if valid.
func (m *JWTManager) ValidateToken(tokenString string) (*JWTClaims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &JWTClaims{}, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrInvalidToken
		}
		return []byte(m.config.SecretKey), nil
	})

	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpiredToken
		}
		return nil, ErrInvalidToken
	}

	claims, ok := token.Claims.(*JWTClaims)
	if !ok || !token.Valid {
		return nil, ErrInvalidToken
	}

	return claims, nil
}

// Verify checks an access token and returns the user it names.
func (m *JWTManager) Verify(tokenString string) (string, error) {
	if tokenString == "" {
		return "", ErrInvalidToken
	}
	claims, err := m.ValidateToken(tokenString)
	if err != nil {
		return "", err
	}
	if claims.TokenType != tokenTypeAccess || !message.ValidUserID(claims.UserID) || claims.Subject != claims.UserID {
		return "", ErrInvalidToken
	}
	return claims.UserID, nil
}
