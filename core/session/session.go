// Package session holds the authenticated identity every remote operation
// runs under.
package session

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"hpc-orchestrator/core/errs"
)

// Session is an authenticated principal with a bearer token.
// A nil *Session is treated as "not logged in".
type Session struct {
	Principal string
	Token     string
	ExpiresAt time.Time // Zero means no expiry

	mu          sync.RWMutex
	invalidated bool
}

// New creates a session. ttl <= 0 creates a session without expiry.
func New(principal, token string, ttl time.Duration) (*Session, error) {
	if strings.TrimSpace(principal) == "" || strings.TrimSpace(token) == "" {
		return nil, errs.Newf(errs.KindAuthentication, "session.New", "principal and token are required")
	}
	s := &Session{Principal: principal, Token: token}
	if ttl > 0 {
		s.ExpiresAt = time.Now().Add(ttl)
	}
	return s, nil
}

// Valid reports whether the session can be used at the given instant
func (s *Session) Valid(now time.Time) bool {
	if s == nil {
		return false
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.invalidated {
		return false
	}
	return s.ExpiresAt.IsZero() || now.Before(s.ExpiresAt)
}

// Invalidate revokes the session; every later Require fails
func (s *Session) Invalidate() {
	if s == nil {
		return
	}
	s.mu.Lock()
	s.invalidated = true
	s.mu.Unlock()
}

// String implements fmt.Stringer without leaking the token
func (s *Session) String() string {
	if s == nil {
		return "session(none)"
	}
	return fmt.Sprintf("session(%s)", s.Principal)
}

// Require returns an authentication error unless s is usable now
func Require(s *Session, op string) error {
	if s == nil {
		return errs.Newf(errs.KindAuthentication, op, "no active session")
	}
	if !s.Valid(time.Now()) {
		return errs.Newf(errs.KindAuthentication, op, "session for %s is expired or invalidated", s.Principal)
	}
	return nil
}
