// Package auth implements password authentication and bearer-token issuance
// for connections that opt into the wire protocol's handshake/auth step.
package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/cuemby/docstore/internal/dberr"
)

// session is an issued token and its expiry.
type session struct {
	Token     string
	CreatedAt time.Time
	ExpiresAt time.Time
}

// Authenticator validates the configured master password and issues and
// checks bearer tokens for subsequent requests on a connection.
type Authenticator struct {
	mu             sync.RWMutex
	passwordHash   [32]byte
	hasPassword    bool
	tokenLifetime  time.Duration
	sessions       map[string]*session
}

// New constructs an Authenticator for the given master password (empty
// disables password checks; every Authenticate call then succeeds) and the
// configured token lifetime in hours.
func New(masterPassword string, tokenExpirationHours int) *Authenticator {
	a := &Authenticator{
		tokenLifetime: time.Duration(tokenExpirationHours) * time.Hour,
		sessions:      make(map[string]*session),
	}
	if masterPassword != "" {
		a.passwordHash = sha256.Sum256([]byte(masterPassword))
		a.hasPassword = true
	}
	return a
}

// Required reports whether the deployment requires authentication at all.
func (a *Authenticator) Required() bool {
	return a.hasPassword
}

// Authenticate checks password against the configured master password using
// a constant-time comparison and, on success, issues a new bearer token.
func (a *Authenticator) Authenticate(password string) (string, error) {
	if !a.hasPassword {
		return a.issueToken()
	}
	given := sha256.Sum256([]byte(password))
	if subtle.ConstantTimeCompare(given[:], a.passwordHash[:]) != 1 {
		return "", dberr.New(dberr.AuthFailed, "invalid password")
	}
	return a.issueToken()
}

func (a *Authenticator) issueToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate auth token: %w", err)
	}
	token := hex.EncodeToString(buf)
	now := time.Now()

	a.mu.Lock()
	a.sessions[token] = &session{Token: token, CreatedAt: now, ExpiresAt: now.Add(a.tokenLifetime)}
	a.mu.Unlock()

	return token, nil
}

// Validate checks that token is known and unexpired.
func (a *Authenticator) Validate(token string) error {
	if !a.hasPassword {
		return nil
	}
	a.mu.RLock()
	s, ok := a.sessions[token]
	a.mu.RUnlock()
	if !ok {
		return dberr.New(dberr.AuthFailed, "unknown or revoked token")
	}
	if time.Now().After(s.ExpiresAt) {
		a.mu.Lock()
		delete(a.sessions, token)
		a.mu.Unlock()
		return dberr.New(dberr.AuthFailed, "token expired")
	}
	return nil
}

// Revoke removes a token, e.g. on an explicit client logout.
func (a *Authenticator) Revoke(token string) {
	a.mu.Lock()
	delete(a.sessions, token)
	a.mu.Unlock()
}

// CleanupExpired removes every expired session; intended to be called from
// a periodic sweep alongside the cache and cursor sweepers.
func (a *Authenticator) CleanupExpired() {
	now := time.Now()
	a.mu.Lock()
	defer a.mu.Unlock()
	for token, s := range a.sessions {
		if now.After(s.ExpiresAt) {
			delete(a.sessions, token)
		}
	}
}

// ActiveSessions returns the number of currently valid tokens.
func (a *Authenticator) ActiveSessions() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.sessions)
}
