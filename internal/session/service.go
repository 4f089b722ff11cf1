package session

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"
)

// ErrNotFound is returned when a session id is unknown.
var ErrNotFound = errors.New("session not found")

// Service manages the in-memory session table.
//
// The map operations (Create/Get/Delete/List) are safe for concurrent use.
// The *Session values handed out are not internally locked: callers must not
// run concurrent chats against the same session.
type Service struct {
	mu         sync.RWMutex
	sessions   map[string]*Session
	maxHistory int
}

// NewService creates an empty session service. maxHistory applies to all
// created sessions; zero means DefaultMaxHistory.
func NewService(maxHistory int) *Service {
	if maxHistory <= 0 {
		maxHistory = DefaultMaxHistory
	}
	return &Service{
		sessions:   make(map[string]*Session),
		maxHistory: maxHistory,
	}
}

// Create makes a new session with a fresh id.
func (s *Service) Create(ownerID, systemPrompt string) *Session {
	now := time.Now()
	sess := &Session{
		ID:           newID(),
		OwnerID:      ownerID,
		SystemPrompt: systemPrompt,
		MaxHistory:   s.maxHistory,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	s.mu.Lock()
	s.sessions[sess.ID] = sess
	s.mu.Unlock()
	return sess
}

// Get returns the session with the given id.
func (s *Service) Get(id string) (*Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[id]
	if !ok {
		return nil, fmt.Errorf("session: %w: %q", ErrNotFound, id)
	}
	return sess, nil
}

// Delete removes the session with the given id.
func (s *Service) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[id]; !ok {
		return fmt.Errorf("session: %w: %q", ErrNotFound, id)
	}
	delete(s.sessions, id)
	return nil
}

// List returns all sessions ordered by creation time, oldest first.
func (s *Service) List() []*Session {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		out = append(out, sess)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// Count returns the number of live sessions.
func (s *Service) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

// newID returns a random 128-bit hex session id.
func newID() string {
	var b [16]byte
	if _, err := rand.Read(b[:]); err != nil {
		// crypto/rand only fails when the OS entropy source is broken.
		panic(fmt.Sprintf("session: id generation: %v", err))
	}
	return hex.EncodeToString(b[:])
}
