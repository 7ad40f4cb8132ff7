// Package uploads keeps the per-session model/product image sets.
//
// Entries preserve insertion order so indices stay stable during a
// generation batch; removal shifts later indices, which is safe because
// batches snapshot image bytes at start and never re-read the sets.
package uploads

import (
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Kind distinguishes the two upload sets.
type Kind string

const (
	KindModel   Kind = "model"
	KindProduct Kind = "product"
)

// ParseKind validates the `type` form field.
func ParseKind(s string) (Kind, error) {
	switch Kind(s) {
	case KindModel, KindProduct:
		return Kind(s), nil
	default:
		return "", fmt.Errorf("invalid image type %q, must be 'model' or 'product'", s)
	}
}

// Entry is one preprocessed upload.
type Entry struct {
	ID          string    `json:"id"`
	FileName    string    `json:"fileName"`
	ContentType string    `json:"contentType"`
	Size        int       `json:"size"`
	AddedAt     time.Time `json:"addedAt"`

	data []byte
}

// Session holds one client's upload sets.
type Session struct {
	ID string

	mu                sync.Mutex
	models            []Entry
	products          []Entry
	aspectAutoApplied bool
	createdAt         time.Time
	lastActivity      time.Time
}

// Add appends a preprocessed image and returns its index.
func (s *Session) Add(kind Kind, fileName, contentType string, data []byte) (Entry, int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	owned := make([]byte, len(data))
	copy(owned, data)

	entry := Entry{
		ID:          uuid.NewString(),
		FileName:    fileName,
		ContentType: contentType,
		Size:        len(owned),
		AddedAt:     time.Now(),
		data:        owned,
	}

	var index int
	if kind == KindModel {
		s.models = append(s.models, entry)
		index = len(s.models) - 1
	} else {
		s.products = append(s.products, entry)
		index = len(s.products) - 1
	}
	s.lastActivity = time.Now()
	return entry, index
}

// MarkAspectApplied records that the session already auto-selected an
// aspect ratio from its first model image. Returns false if it was already
// marked.
func (s *Session) MarkAspectApplied() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.aspectAutoApplied {
		return false
	}
	s.aspectAutoApplied = true
	return true
}

// Remove drops the entry at index, shifting later indices down.
func (s *Session) Remove(kind Kind, index int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	set := &s.products
	if kind == KindModel {
		set = &s.models
	}
	if index < 0 || index >= len(*set) {
		return fmt.Errorf("index %d out of range for %s set of %d", index, kind, len(*set))
	}
	*set = append((*set)[:index], (*set)[index+1:]...)
	s.lastActivity = time.Now()
	return nil
}

// Clear empties both sets.
func (s *Session) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.models = nil
	s.products = nil
	s.lastActivity = time.Now()
}

// List returns entry metadata in insertion order.
func (s *Session) List(kind Kind) []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	set := s.products
	if kind == KindModel {
		set = s.models
	}
	out := make([]Entry, len(set))
	copy(out, set)
	return out
}

// Count returns the current size of a set.
func (s *Session) Count(kind Kind) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if kind == KindModel {
		return len(s.models)
	}
	return len(s.products)
}

// Snapshot copies out the raw bytes of a set. Jobs own these copies, so a
// later Remove never invalidates an in-flight batch.
func (s *Session) Snapshot(kind Kind) [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	set := s.products
	if kind == KindModel {
		set = s.models
	}
	out := make([][]byte, len(set))
	for i, e := range set {
		data := make([]byte, len(e.data))
		copy(data, e.data)
		out[i] = data
	}
	return out
}

// Store owns all live sessions.
type Store struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

func NewStore() *Store {
	return &Store{sessions: make(map[string]*Session)}
}

// CreateSession registers a new empty session.
func (st *Store) CreateSession() *Session {
	now := time.Now()
	session := &Session{
		ID:           uuid.NewString(),
		createdAt:    now,
		lastActivity: now,
	}

	st.mu.Lock()
	st.sessions[session.ID] = session
	st.mu.Unlock()

	log.Printf("✅ Created upload session: %s", session.ID)
	return session
}

// Get looks up a session by id.
func (st *Store) Get(id string) (*Session, bool) {
	st.mu.RLock()
	defer st.mu.RUnlock()
	s, ok := st.sessions[id]
	return s, ok
}

// StartCleanupRoutine periodically drops expired and inactive sessions.
func (st *Store) StartCleanupRoutine() {
	go func() {
		ticker := time.NewTicker(30 * time.Minute)
		defer ticker.Stop()

		for range ticker.C {
			st.cleanupExpiredSessions()
		}
	}()
	log.Printf("🔄 Started upload session cleanup routine (every 30min)")
}

func (st *Store) cleanupExpiredSessions() {
	st.mu.Lock()
	defer st.mu.Unlock()

	now := time.Now()
	expiredThreshold := 24 * time.Hour
	inactiveThreshold := 2 * time.Hour

	cleaned := 0
	for id, session := range st.sessions {
		session.mu.Lock()
		isExpired := now.Sub(session.createdAt) > expiredThreshold
		isInactive := now.Sub(session.lastActivity) > inactiveThreshold
		session.mu.Unlock()

		if isExpired || isInactive {
			delete(st.sessions, id)
			cleaned++
		}
	}

	if cleaned > 0 {
		log.Printf("🧹 Cleaned up %d expired/inactive upload sessions (remaining: %d)", cleaned, len(st.sessions))
	}
}
