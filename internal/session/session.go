// Package session holds the client's authentication state with an explicit
// lifecycle instead of ambient globals.
package session

import (
	"errors"
	"sync"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"

	"github.com/deskflow/helpdesk/internal/domain"
)

// Claims mirrors the payload issued by the ticket service.
type Claims struct {
	UserID string      `json:"uid"`
	Name   string      `json:"name"`
	Role   domain.Role `json:"role"`
	jwt.RegisteredClaims
}

// InvalidateFunc is notified when the session is invalidated; route is
// the location the caller should return to after logging in again.
type InvalidateFunc func(route string)

// SessionContext owns the bearer token and the current actor.
type SessionContext struct {
	mu        sync.RWMutex
	token     string
	actor     domain.Actor
	expiresAt time.Time
	redirect  string
	hooks     []InvalidateFunc
}

// New returns an empty, unauthenticated session.
func New() *SessionContext {
	return &SessionContext{}
}

// Init stores a token and the actor it belongs to.
func (s *SessionContext) Init(token string, actor domain.Actor) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.token = token
	s.actor = actor
	s.expiresAt = time.Time{}
}

// InitFromToken stores the token and derives the actor from its claims.
// The signature is not verified here; the service does that on every call.
func (s *SessionContext) InitFromToken(token string) error {
	claims := &Claims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return err
	}
	userID := claims.UserID
	if userID == "" {
		userID = claims.Subject
	}
	if userID == "" {
		return errors.New("token carries no subject")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.token = token
	s.actor = domain.Actor{ID: userID, Name: claims.Name, Role: claims.Role}
	s.expiresAt = time.Time{}
	if claims.ExpiresAt != nil {
		s.expiresAt = claims.ExpiresAt.Time
	}
	return nil
}

// Token returns the bearer token or "" when unauthenticated.
func (s *SessionContext) Token() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.token
}

// Actor returns the current principal.
func (s *SessionContext) Actor() domain.Actor {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.actor
}

// ExpiresAt returns the token expiry when known.
func (s *SessionContext) ExpiresAt() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.expiresAt
}

// Authenticated reports whether a token is present.
func (s *SessionContext) Authenticated() bool {
	return s.Token() != ""
}

// Clear drops the token and actor.
func (s *SessionContext) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.token = ""
	s.actor = domain.Actor{}
	s.expiresAt = time.Time{}
}

// Invalidate clears the session, remembers route and notifies hooks.
func (s *SessionContext) Invalidate(route string) {
	s.mu.Lock()
	s.token = ""
	s.actor = domain.Actor{}
	s.expiresAt = time.Time{}
	if route != "" {
		s.redirect = route
	}
	hooks := append([]InvalidateFunc(nil), s.hooks...)
	s.mu.Unlock()

	for _, hook := range hooks {
		hook(route)
	}
}

// OnInvalidate registers a hook run after every invalidation.
func (s *SessionContext) OnInvalidate(fn InvalidateFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hooks = append(s.hooks, fn)
}

// RedirectAfterLogin returns the remembered route once and forgets it.
func (s *SessionContext) RedirectAfterLogin() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	route := s.redirect
	s.redirect = ""
	return route
}
