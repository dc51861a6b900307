package activity

import (
	"sort"
	"sync"
	"time"

	"github.com/mindspace-dev/mindspace-store/pkg/schema"
	"github.com/mindspace-dev/mindspace-store/pkg/storage"
)

// Session is the per-user state of one caller: who they are, the last
// history view they read and when their cache was last reconciled.
type Session struct {
	UserID string

	mu       sync.Mutex
	last     *schema.UserRecord
	lastSync time.Time
}

// NewSession validates userID and returns an empty session.
func NewSession(userID string) (*Session, error) {
	if err := storage.ValidateID(userID); err != nil {
		return nil, err
	}
	return &Session{UserID: userID}, nil
}

// LastHistory returns the cached view from the last GetHistory, or nil
// when a write has happened since.
func (s *Session) LastHistory() *schema.UserRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last
}

func (s *Session) LastSync() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastSync
}

func (s *Session) remember(rec *schema.UserRecord) {
	s.mu.Lock()
	s.last = rec
	s.mu.Unlock()
}

func (s *Session) forget() {
	s.remember(nil)
}

func (s *Session) synced(at time.Time) {
	s.mu.Lock()
	s.lastSync = at
	s.mu.Unlock()
}

// DefaultSessionIdle is how long an unused session is kept by Sessions.
const DefaultSessionIdle = 24 * time.Hour

// Sessions hands out one Session per user and forgets users that have been
// idle for longer than MaxIdle.
type Sessions struct {
	MaxIdle time.Duration

	mu    sync.Mutex
	m     map[string]*Session
	used  map[string]time.Time
	clock func() time.Time
}

func NewSessions() *Sessions {
	return &Sessions{
		MaxIdle: DefaultSessionIdle,
		m:       make(map[string]*Session),
		used:    make(map[string]time.Time),
		clock:   time.Now,
	}
}

// Get returns the user's session, creating it on first use.
func (s *Sessions) Get(userID string) (*Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.m[userID]
	if !ok {
		var err error
		if sess, err = NewSession(userID); err != nil {
			return nil, err
		}
		s.m[userID] = sess
	}
	s.used[userID] = s.clock()
	return sess, nil
}

// All returns every open session ordered by user ID.
func (s *Sessions) All() []*Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Session, 0, len(s.m))
	for _, sess := range s.m {
		out = append(out, sess)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out
}

// EvictIdle drops sessions not handed out for MaxIdle and returns how many
// were dropped. Their local entries stay on disk and are merged when the
// user comes back or on the next full sync.
func (s *Sessions) EvictIdle() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.MaxIdle <= 0 {
		return 0
	}
	now := s.clock()
	n := 0
	for id, at := range s.used {
		if now.Sub(at) > s.MaxIdle {
			delete(s.used, id)
			delete(s.m, id)
			n++
		}
	}
	return n
}
