// Package session keeps per-browser detection history for the web UIs.
package session

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

const CookieName = "meter_session"

type Entry struct {
	Index   int       `json:"index"`
	Image   []byte    `json:"-"`
	Reading string    `json:"reading"`
	Created time.Time `json:"created"`
}

type Session struct {
	ID string

	mu         sync.Mutex
	history    []Entry
	next       int
	lastActive time.Time
}

// Store holds sessions in memory. History per session is capped at
// maxHistory entries, oldest first out; indexes are never reused.
type Store struct {
	mu         sync.RWMutex
	sessions   map[string]*Session
	maxHistory int
	ttl        time.Duration
	now        func() time.Time

	// OnEvict is called, outside the store lock, for every evicted session.
	OnEvict func(id string)
}

func NewStore(maxHistory int, ttl time.Duration) *Store {
	if maxHistory <= 0 {
		maxHistory = 50
	}
	return &Store{
		sessions:   make(map[string]*Session),
		maxHistory: maxHistory,
		ttl:        ttl,
		now:        time.Now,
	}
}

// Get returns an existing session and marks it active.
func (s *Store) Get(id string) (*Session, bool) {
	s.mu.RLock()
	sess, ok := s.sessions[id]
	s.mu.RUnlock()
	if ok {
		sess.touch(s.now())
	}
	return sess, ok
}

// Ensure returns the session for id, creating a fresh one (with a new id)
// when id is empty or unknown.
func (s *Store) Ensure(id string) (sess *Session, created bool) {
	if sess, ok := s.Get(id); ok {
		return sess, false
	}
	sess = &Session{ID: uuid.NewString(), lastActive: s.now()}
	s.mu.Lock()
	s.sessions[sess.ID] = sess
	s.mu.Unlock()
	return sess, true
}

func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

// Append records a detection in session id. Unknown sessions are ignored.
func (s *Store) Append(id string, image []byte, reading string) (Entry, bool) {
	sess, ok := s.Get(id)
	if !ok {
		return Entry{}, false
	}
	return sess.add(image, reading, s.maxHistory, s.now()), true
}

// Evict removes sessions idle for longer than the store ttl.
func (s *Store) Evict() int {
	if s.ttl <= 0 {
		return 0
	}
	cutoff := s.now().Add(-s.ttl)
	var evicted []string
	s.mu.Lock()
	for id, sess := range s.sessions {
		if sess.idleSince().Before(cutoff) {
			delete(s.sessions, id)
			evicted = append(evicted, id)
		}
	}
	s.mu.Unlock()
	if s.OnEvict != nil {
		for _, id := range evicted {
			s.OnEvict(id)
		}
	}
	return len(evicted)
}

// StartJanitor evicts idle sessions every interval until ctx is done.
func (s *Store) StartJanitor(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.Evict()
			}
		}
	}()
}

func (sess *Session) touch(t time.Time) {
	sess.mu.Lock()
	sess.lastActive = t
	sess.mu.Unlock()
}

func (sess *Session) idleSince() time.Time {
	sess.mu.Lock()
	defer sess.mu.Unlock()
	return sess.lastActive
}

func (sess *Session) add(image []byte, reading string, limit int, t time.Time) Entry {
	sess.mu.Lock()
	defer sess.mu.Unlock()
	e := Entry{Index: sess.next, Image: image, Reading: reading, Created: t}
	sess.next++
	sess.history = append(sess.history, e)
	if over := len(sess.history) - limit; over > 0 {
		sess.history = append([]Entry(nil), sess.history[over:]...)
	}
	return e
}

// History returns a copy of the entries, oldest first.
func (sess *Session) History() []Entry {
	sess.mu.Lock()
	defer sess.mu.Unlock()
	return append([]Entry(nil), sess.history...)
}

func (sess *Session) Entry(index int) (Entry, bool) {
	sess.mu.Lock()
	defer sess.mu.Unlock()
	for _, e := range sess.history {
		if e.Index == index {
			return e, true
		}
	}
	return Entry{}, false
}
