package chat

import (
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"
)

var (
	// ErrAlreadyExists is returned when creating a session whose id is taken.
	ErrAlreadyExists = errors.New("session already exists")
	// ErrNotFound is returned when the target session was never created.
	ErrNotFound = errors.New("session not found")
	// ErrNotAMember is returned when a non-member posts to a session.
	ErrNotAMember = errors.New("user is not a member of the session")
)

// Message is one immutable entry of a session's log.
type Message struct {
	UserID    string
	Body      string
	CreatedAt time.Time
}

// Store holds every session known to a worker. The zero value is not usable;
// construct one with NewStore. Store is safe for concurrent use: the session
// map is guarded by a store-wide lock and each session carries its own lock
// around its member list and log.
type Store struct {
	mu       sync.RWMutex
	sessions map[string]*session
	now      func() time.Time
}

type session struct {
	mu       sync.Mutex
	members  []string
	messages []Message
	lastTime time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithClock overrides the time source used to stamp appended messages.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// NewStore returns an empty Store.
func NewStore(opts ...Option) *Store {
	s := &Store{
		sessions: make(map[string]*session),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Create registers sessionID with userID as its only member.
func (s *Store) Create(userID, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.sessions[sessionID]; exists {
		return fmt.Errorf("create %q: %w", sessionID, ErrAlreadyExists)
	}
	s.sessions[sessionID] = &session{members: []string{userID}}
	return nil
}

// Join adds userID to the session's members. Joining twice is not an error:
// joined reports false and the member list is left untouched.
func (s *Store) Join(userID, sessionID string) (joined bool, err error) {
	sess, err := s.lookup(sessionID)
	if err != nil {
		return false, err
	}

	sess.mu.Lock()
	defer sess.mu.Unlock()

	if slices.Contains(sess.members, userID) {
		return false, nil
	}
	sess.members = append(sess.members, userID)
	return true, nil
}

// Send appends a message authored by userID. The timestamp is taken while the
// session lock is held so log order and timestamp order agree.
func (s *Store) Send(userID, sessionID, body string) (Message, error) {
	sess, err := s.lookup(sessionID)
	if err != nil {
		return Message{}, err
	}

	sess.mu.Lock()
	defer sess.mu.Unlock()

	if !slices.Contains(sess.members, userID) {
		return Message{}, fmt.Errorf("send to %q as %q: %w", sessionID, userID, ErrNotAMember)
	}

	ts := s.now()
	if ts.Before(sess.lastTime) {
		// Wall clock stepped backwards; keep the log non-decreasing.
		ts = sess.lastTime
	}
	sess.lastTime = ts

	msg := Message{UserID: userID, Body: body, CreatedAt: ts}
	sess.messages = append(sess.messages, msg)
	return msg, nil
}

// Messages returns a snapshot of the session's log in append order.
func (s *Store) Messages(sessionID string) ([]Message, error) {
	sess, err := s.lookup(sessionID)
	if err != nil {
		return nil, err
	}

	sess.mu.Lock()
	defer sess.mu.Unlock()
	return slices.Clone(sess.messages), nil
}

// Members returns the session's members in join order.
func (s *Store) Members(sessionID string) ([]string, error) {
	sess, err := s.lookup(sessionID)
	if err != nil {
		return nil, err
	}

	sess.mu.Lock()
	defer sess.mu.Unlock()
	return slices.Clone(sess.members), nil
}

// Len reports the number of sessions.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

func (s *Store) lookup(sessionID string) (*session, error) {
	s.mu.RLock()
	sess, ok := s.sessions[sessionID]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("session %q: %w", sessionID, ErrNotFound)
	}
	return sess, nil
}
