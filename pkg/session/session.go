// Package session binds HTTP requests to authenticated subjects: it
// extracts session ids from bearer headers or cookies, looks up session
// records with expiry-on-access, and maps records to plan subjects.
package session

import (
	"context"
	"errors"
	"net/http"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/JudgeZ/AI-Agent-Tool-sub003/pkg/models"
)

var (
	// ErrNotFound is returned when no session exists for the id.
	ErrNotFound = errors.New("session not found")
)

// sessionIDPattern accepts uuid-shaped ids and opaque tokens of a fixed
// alphabet, length-bounded.
var sessionIDPattern = regexp.MustCompile(`^[A-Za-z0-9-]{16,64}$`)

// ValidSessionID reports whether id has an acceptable shape.
func ValidSessionID(id string) bool {
	return sessionIDPattern.MatchString(id)
}

// Record is one stored session.
type Record struct {
	ID        string
	UserID    string
	Email     string
	Name      string
	TenantID  string
	Roles     []string
	Scopes    []string
	Claims    map[string]any
	ExpiresAt time.Time
}

// Expired reports whether the record has lapsed at now.
func (r *Record) Expired(now time.Time) bool {
	return !r.ExpiresAt.IsZero() && now.After(r.ExpiresAt)
}

// Store holds session records. Implementations evict expired entries on
// every access.
type Store interface {
	Get(ctx context.Context, id string) (*Record, error)
	Put(ctx context.Context, rec *Record) error
	Delete(ctx context.Context, id string) error
}

// MemoryStore is the in-process session store.
type MemoryStore struct {
	mu       sync.Mutex
	sessions map[string]*Record
	now      func() time.Time
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions: make(map[string]*Record),
		now:      time.Now,
	}
}

// Get implements Store. Expired entries are evicted and reported missing.
func (s *MemoryStore) Get(_ context.Context, id string) (*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	rec, ok := s.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	if rec.Expired(now) {
		delete(s.sessions, id)
		return nil, ErrNotFound
	}
	return cloneRecord(rec), nil
}

// Put implements Store. Storing also sweeps any other expired entries.
func (s *MemoryStore) Put(_ context.Context, rec *Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	for id, existing := range s.sessions {
		if existing.Expired(now) {
			delete(s.sessions, id)
		}
	}
	s.sessions[rec.ID] = cloneRecord(rec)
	return nil
}

// Delete implements Store.
func (s *MemoryStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, id)
	return nil
}

func cloneRecord(rec *Record) *Record {
	out := *rec
	out.Roles = append([]string(nil), rec.Roles...)
	out.Scopes = append([]string(nil), rec.Scopes...)
	if rec.Claims != nil {
		out.Claims = make(map[string]any, len(rec.Claims))
		for k, v := range rec.Claims {
			out.Claims[k] = v
		}
	}
	return &out
}

// ExtractSessionID pulls a session id from the Authorization bearer header
// or the named cookie, preferring the header. Malformed ids are discarded.
func ExtractSessionID(r *http.Request, cookieName string) string {
	if auth := r.Header.Get("Authorization"); auth != "" {
		if token, ok := strings.CutPrefix(auth, "Bearer "); ok {
			token = strings.TrimSpace(token)
			if ValidSessionID(token) {
				return token
			}
		}
	}
	if cookieName != "" {
		if cookie, err := r.Cookie(cookieName); err == nil {
			if ValidSessionID(cookie.Value) {
				return cookie.Value
			}
		}
	}
	return ""
}

// ToPlanSubject maps a session record to the subject attached to plans.
// Display names and raw claims stay behind; roles and scopes are cloned.
func ToPlanSubject(rec *Record) *models.Subject {
	if rec == nil {
		return nil
	}
	return &models.Subject{
		SessionID: rec.ID,
		TenantID:  rec.TenantID,
		UserID:    rec.UserID,
		Email:     rec.Email,
		Roles:     append([]string(nil), rec.Roles...),
		Scopes:    append([]string(nil), rec.Scopes...),
	}
}
