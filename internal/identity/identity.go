// Package identity tracks who the session is acting as. Tokens are
// HS256 JWTs whose subject is the user ID; the daemon validates them
// locally and holds the current identity for the rest of the stack.
package identity

import (
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	"github.com/connexa/chatsync/internal/backend"
	"github.com/connexa/chatsync/internal/bus"
)

// Issue mints a token for a user. Used by the dev server's login
// endpoint and by tests.
func Issue(secret []byte, userID string, ttl time.Duration) (string, error) {
	claims := jwt.RegisteredClaims{
		Subject:   userID,
		IssuedAt:  jwt.NewNumericDate(time.Now()),
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(ttl)),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
}

// Verify validates a token and returns its subject.
func Verify(secret []byte, token string) (string, error) {
	parsed, err := jwt.ParseWithClaims(token, &jwt.RegisteredClaims{},
		func(*jwt.Token) (any, error) { return secret, nil },
		jwt.WithValidMethods([]string{"HS256"}))
	if err != nil {
		return "", backend.WrapError(backend.PermissionDenied, "invalid token", err)
	}
	claims, ok := parsed.Claims.(*jwt.RegisteredClaims)
	if !ok || claims.Subject == "" {
		return "", backend.NewError(backend.PermissionDenied, "token carries no subject")
	}
	return claims.Subject, nil
}

// Provider holds the session's current identity.
type Provider struct {
	secret []byte
	bus    *bus.Bus
	logger *zap.Logger

	mu     sync.RWMutex
	userID string
}

// NewProvider creates an identity provider validating against secret.
func NewProvider(secret string, b *bus.Bus, logger *zap.Logger) *Provider {
	return &Provider{secret: []byte(secret), bus: b, logger: logger}
}

// SignIn validates the token and adopts its subject as the current
// user.
func (p *Provider) SignIn(token string) (string, error) {
	userID, err := Verify(p.secret, token)
	if err != nil {
		return "", err
	}

	p.mu.Lock()
	p.userID = userID
	p.mu.Unlock()

	if p.logger != nil {
		p.logger.Info("signed in", zap.String("user_id", userID))
	}
	if p.bus != nil {
		p.bus.Publish(bus.New("identity.signed_in", userID))
	}
	return userID, nil
}

// SignOut clears the current identity.
func (p *Provider) SignOut() {
	p.mu.Lock()
	userID := p.userID
	p.userID = ""
	p.mu.Unlock()

	if userID == "" {
		return
	}
	if p.logger != nil {
		p.logger.Info("signed out", zap.String("user_id", userID))
	}
	if p.bus != nil {
		p.bus.Publish(bus.New("identity.signed_out", userID))
	}
}

// CurrentUser returns the signed-in user ID, if any.
func (p *Provider) CurrentUser() (string, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.userID, p.userID != ""
}
