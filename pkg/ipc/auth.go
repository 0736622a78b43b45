package ipc

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrNoToken      = errors.New("no authentication token provided")
	ErrInvalidToken = errors.New("invalid authentication token")
	ErrExpiredToken = errors.New("token has expired")
)

const sessionTokenTTL = 24 * time.Hour

// SessionClaims are the JWT claims carried by a session token. A token grants
// access to exactly one session.
type SessionClaims struct {
	SessionID string `json:"session_id"`
	jwt.RegisteredClaims
}

// TokenManager issues and validates per-session JWT tokens. A nil manager
// disables authentication, which is only acceptable on a loopback bind.
type TokenManager struct {
	secretKey []byte
}

// NewTokenManager creates a token manager with the given signing secret.
func NewTokenManager(secretKey string) *TokenManager {
	return &TokenManager{secretKey: []byte(secretKey)}
}

// GenerateToken issues a token scoped to one session.
func (tm *TokenManager) GenerateToken(sessionID string) (string, error) {
	now := time.Now()
	claims := &SessionClaims{
		SessionID: sessionID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   sessionID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(sessionTokenTTL)),
			NotBefore: jwt.NewNumericDate(now),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(tm.secretKey)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}

// ValidateToken validates a token and returns its claims.
func (tm *TokenManager) ValidateToken(tokenString string) (*SessionClaims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &SessionClaims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return tm.secretKey, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpiredToken
		}
		return nil, ErrInvalidToken
	}

	claims, ok := token.Claims.(*SessionClaims)
	if !ok || !token.Valid {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// authorize extracts and validates the session token from a request. The
// token comes from the Authorization header, or from the token query
// parameter for websocket upgrades where headers are not available.
func (s *Server) authorize(r *http.Request, sessionID string) error {
	if s.tokens == nil {
		return nil
	}

	tokenString := ""
	if header := r.Header.Get("Authorization"); header != "" {
		parts := strings.SplitN(header, " ", 2)
		if len(parts) == 2 && parts[0] == "Bearer" {
			tokenString = strings.TrimSpace(parts[1])
		}
	}
	if tokenString == "" {
		tokenString = strings.TrimSpace(r.URL.Query().Get("token"))
	}
	if tokenString == "" {
		return ErrNoToken
	}

	claims, err := s.tokens.ValidateToken(tokenString)
	if err != nil {
		return err
	}
	if sessionID != "" && claims.SessionID != sessionID {
		return ErrInvalidToken
	}
	return nil
}
