package oauth

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"fmt"

	"github.com/PjihoonBritannia/britannia-global-nexus-sub000/storage"
)

// StateStore keeps the single CSRF nonce of the current browser. A new
// nonce overwrites the previous one, invalidating any flow still in flight.
type StateStore struct {
	durable  storage.Durable
	newNonce func() string
}

// NewStateStore binds a state store to durable storage.
func NewStateStore(durable storage.Durable) *StateStore {
	return &StateStore{durable: durable, newNonce: newNonce}
}

// Generate creates and persists a fresh nonce.
func (s *StateStore) Generate() (string, error) {
	state := s.newNonce()
	if err := s.durable.Set(storage.KeyOAuthState, state); err != nil {
		return "", fmt.Errorf("persist state: %w", err)
	}
	return state, nil
}

// Verify reports whether received matches the stored nonce. It does not
// consume the nonce.
func (s *StateStore) Verify(received string) bool {
	if received == "" {
		return false
	}
	stored, ok := s.durable.Get(storage.KeyOAuthState)
	if !ok || stored == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(stored), []byte(received)) == 1
}

// Clear deletes the stored nonce.
func (s *StateStore) Clear() error {
	return s.durable.Delete(storage.KeyOAuthState)
}

func newNonce() string {
	return randomSegment() + randomSegment()
}

func randomSegment() string {
	buf := make([]byte, 12)
	// crypto/rand.Read never returns an error on supported platforms.
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}
