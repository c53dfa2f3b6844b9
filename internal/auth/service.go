// Package auth turns browser sessions into principals. Requests without a
// valid session act as the guest principal.
package auth

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"turntable/internal/config"
	"turntable/pkg/models"
)

var (
	ErrAuthDisabled       = errors.New("authentication is disabled")
	ErrInvalidCredentials = errors.New("invalid credentials")
)

// Service provides sign-in and principal lookup
type Service struct {
	config         *config.AuthConfig
	userStore      *UserStore
	sessionManager *SessionManager
	enabled        bool
}

// NewService creates the authentication service. With auth disabled every
// request is a guest.
func NewService(cfg *config.AuthConfig) (*Service, error) {
	if !cfg.Enabled {
		return &Service{config: cfg}, nil
	}

	duration, err := time.ParseDuration(cfg.SessionDuration)
	if err != nil {
		return nil, fmt.Errorf("invalid session duration: %w", err)
	}

	userStore, err := NewUserStore(cfg.UsersFilePath)
	if err != nil {
		return nil, fmt.Errorf("failed to create user store: %w", err)
	}

	return newService(cfg, userStore, NewSessionManager(duration, cfg.SecureCookies)), nil
}

func newService(cfg *config.AuthConfig, users *UserStore, sessions *SessionManager) *Service {
	return &Service{
		config:         cfg,
		userStore:      users,
		sessionManager: sessions,
		enabled:        true,
	}
}

// IsEnabled returns whether authentication is enabled
func (s *Service) IsEnabled() bool {
	return s.enabled
}

// Login checks credentials and starts a session
func (s *Service) Login(username, password string) (*Session, error) {
	if !s.enabled {
		return nil, ErrAuthDisabled
	}

	if !s.userStore.Authenticate(username, password) {
		return nil, ErrInvalidCredentials
	}

	session, err := s.sessionManager.CreateSession(username)
	if err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}
	return session, nil
}

// Logout ends a session
func (s *Service) Logout(sessionID string) {
	if !s.enabled {
		return
	}
	s.sessionManager.DeleteSession(sessionID)
}

// Principal resolves the identity behind a request. Missing, unknown or
// expired sessions yield the guest principal.
func (s *Service) Principal(r *http.Request) models.Principal {
	if !s.enabled {
		return models.Guest()
	}
	session, ok := s.sessionManager.GetSessionFromRequest(r)
	if !ok {
		return models.Guest()
	}
	s.sessionManager.RefreshSession(session.ID)
	return s.userStore.Principal(session.Username)
}

// IsAdmin reports whether the request belongs to an admin account
func (s *Service) IsAdmin(r *http.Request) bool {
	if !s.enabled {
		return false
	}
	session, ok := s.sessionManager.GetSessionFromRequest(r)
	return ok && s.userStore.IsAdmin(session.Username)
}

// Sessions returns the session manager, nil when auth is disabled
func (s *Service) Sessions() *SessionManager {
	return s.sessionManager
}

// Close stops background session cleanup
func (s *Service) Close() {
	if s.sessionManager != nil {
		s.sessionManager.Close()
	}
}
