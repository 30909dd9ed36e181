// Package audit mirrors outbound provider, CMS and backend calls into a
// small rotating log with secrets masked. Recording is best effort and
// never fails the caller.
package audit

import (
	"context"
	"slices"
	"sync"
	"time"
)

// Entry is one recorded request/response pair.
type Entry struct {
	ID           string            `json:"id"`
	Method       string            `json:"method"`
	URL          string            `json:"url"`
	Headers      map[string]string `json:"headers,omitempty"`
	RequestBody  string            `json:"request_body,omitempty"`
	Status       int               `json:"status"`
	ResponseBody string            `json:"response_body,omitempty"`
	Timestamp    time.Time         `json:"timestamp"`
}

// Store persists entries. Implementations order "oldest" by insertion.
type Store interface {
	Count(ctx context.Context) (int, error)
	DeleteOldest(ctx context.Context, n int) error
	Insert(ctx context.Context, e Entry) error
	// List returns up to limit entries, newest first. A limit <= 0 lists all.
	List(ctx context.Context, limit int) ([]Entry, error)
}

// MemoryStore keeps entries in process memory.
type MemoryStore struct {
	mu      sync.Mutex
	entries []Entry
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) Count(context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries), nil
}

func (s *MemoryStore) DeleteOldest(_ context.Context, n int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n <= 0 {
		return nil
	}
	if n >= len(s.entries) {
		s.entries = nil
		return nil
	}
	s.entries = append([]Entry(nil), s.entries[n:]...)
	return nil
}

func (s *MemoryStore) Insert(_ context.Context, e Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, e)
	return nil
}

func (s *MemoryStore) List(_ context.Context, limit int) ([]Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Entry, len(s.entries))
	copy(out, s.entries)
	slices.Reverse(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
