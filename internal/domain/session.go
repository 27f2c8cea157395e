package domain

import (
	"errors"
	"sync"
	"time"
)

// SessionState is the handshake state of a connection.
type SessionState int

const (
	StateConnected SessionState = iota
	StateAuthenticated
	StateClosed
)

func (s SessionState) String() string {
	switch s {
	case StateConnected:
		return "connected"
	case StateAuthenticated:
		return "authenticated"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

var (
	ErrAlreadyAuthenticated = errors.New("session already authenticated")
	ErrSessionClosed        = errors.New("session closed")
)

type Session struct {
	ID        string
	CreatedAt time.Time

	mu     sync.RWMutex
	userID int64
	state  SessionState
}

func NewSession(id string) *Session {
	return &Session{
		ID:        id,
		state:     StateConnected,
		CreatedAt: time.Now(),
	}
}

// Authenticate moves Connected -> Authenticated.
func (s *Session) Authenticate(userID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.state {
	case StateAuthenticated:
		return ErrAlreadyAuthenticated
	case StateClosed:
		return ErrSessionClosed
	}
	s.userID = userID
	s.state = StateAuthenticated
	return nil
}

// Close moves the session to Closed and returns the state it left.
// Closing twice returns StateClosed the second time.
func (s *Session) Close() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev := s.state
	s.state = StateClosed
	return prev
}

func (s *Session) State() SessionState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

func (s *Session) IsAuthenticated() bool {
	return s.State() == StateAuthenticated
}

// UserID is zero until the session is authenticated.
func (s *Session) UserID() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.userID
}
