// Package storage provides per-browser key/value storage that survives a full
// page navigation. The OAuth flow and the session bridge only talk to the
// Durable interface; the site binds it to signed cookies, tests bind it to
// memory and the operator CLI binds it to the OS keyring.
package storage

import (
	"errors"
	"sort"
	"sync"
)

// ErrValueTooLarge is returned by Set when the backing store cannot hold the value.
var ErrValueTooLarge = errors.New("value too large for storage")

// Well-known keys shared by the OAuth flow and the session bridge.
const (
	KeyOAuthState     = "wp_oauth_state"
	KeyOAuthRetry     = "wp_oauth_retry"
	KeyProviderUser   = "wp_user"
	KeyProviderToken  = "wp_access_token"
	KeyProviderAdmin  = "wp_is_admin"
	KeyBackendSession = "sb_auth_token"
	KeyFlash          = "flash"
)

// ProviderKeys lists the keys holding a persisted provider session.
var ProviderKeys = []string{KeyProviderUser, KeyProviderToken, KeyProviderAdmin}

// Durable is last-write-wins key/value storage scoped to one browser.
type Durable interface {
	Get(key string) (string, bool)
	Set(key, value string) error
	Delete(key string) error
}

// Memory is an in-process Durable used by tests and short-lived tools.
type Memory struct {
	mu     sync.RWMutex
	values map[string]string
}

// NewMemory returns an empty store.
func NewMemory() *Memory {
	return &Memory{values: make(map[string]string)}
}

// Get returns the stored value for key.
func (m *Memory) Get(key string) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.values[key]
	return v, ok
}

// Set stores value under key, replacing any previous value.
func (m *Memory) Set(key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.values[key] = value
	return nil
}

// Delete removes key. Deleting a missing key is not an error.
func (m *Memory) Delete(key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.values, key)
	return nil
}

// Keys returns the stored keys in sorted order.
func (m *Memory) Keys() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	keys := make([]string, 0, len(m.values))
	for k := range m.values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// DeleteAll removes every key and returns the first error encountered.
func DeleteAll(d Durable, keys ...string) error {
	var first error
	for _, k := range keys {
		if err := d.Delete(k); err != nil && first == nil {
			first = err
		}
	}
	return first
}
