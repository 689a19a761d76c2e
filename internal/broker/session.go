package broker

import (
	"sort"
	"sync"
	"time"

	"chat-broker/pkg/logger"
	"chat-broker/pkg/models"
)

// Conn is the transport half of a session.
type Conn interface {
	// Enqueue hands a frame to the connection's outbound queue without
	// blocking. It returns false when the queue is full.
	Enqueue(env models.Envelope) bool
	// Close tears the transport down. It must be safe to call more than once.
	Close()
}

type State int

const (
	StateConnecting State = iota
	StateAuthenticated
	StateJoined
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateAuthenticated:
		return "authenticated"
	case StateJoined:
		return "joined"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Session is one live transport connection.
type Session struct {
	ID   string
	conn Conn
	log  *logger.Logger

	mu         sync.Mutex
	state      State
	identity   models.Identity
	rooms      map[string]struct{}
	lastActive time.Time
}

func newSession(id string, conn Conn, now time.Time, log *logger.Logger) *Session {
	return &Session{
		ID:         id,
		conn:       conn,
		log:        log.With("session_id", id),
		state:      StateConnecting,
		rooms:      make(map[string]struct{}),
		lastActive: now,
	}
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) Identity() models.Identity {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.identity
}

// Rooms returns the channel ids the session is joined to, sorted.
func (s *Session) Rooms() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.rooms))
	for id := range s.rooms {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (s *Session) inRoom(channelID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.rooms[channelID]
	return ok
}

// user returns the bound user id, or ErrUnauthenticated/ErrSessionClosed.
func (s *Session) user() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.state {
	case StateAuthenticated, StateJoined:
		return s.identity.UserID, nil
	case StateClosed:
		return "", ErrSessionClosed
	default:
		return "", ErrUnauthenticated
	}
}

func (s *Session) touch(now time.Time) {
	s.mu.Lock()
	if now.After(s.lastActive) {
		s.lastActive = now
	}
	s.mu.Unlock()
}

func (s *Session) idleSince() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActive
}

// deliver enqueues env and reports whether the session kept up.
func (s *Session) deliver(env models.Envelope) bool {
	if s.State() == StateClosed {
		return true
	}
	return s.conn.Enqueue(env)
}
