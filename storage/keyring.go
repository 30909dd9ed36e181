package storage

import (
	"errors"
	"fmt"

	"github.com/zalando/go-keyring"
)

// DefaultKeyringService is the keychain service name used by the operator CLI.
const DefaultKeyringService = "britannia.site.workspace"

// Keyring is Durable storage in the operating system keychain.
type Keyring struct {
	service string
}

// NewKeyring returns keychain-backed storage under service.
func NewKeyring(service string) *Keyring {
	if service == "" {
		service = DefaultKeyringService
	}
	return &Keyring{service: service}
}

// Get returns the keychain secret stored for key.
func (k *Keyring) Get(key string) (string, bool) {
	v, err := keyring.Get(k.service, key)
	if err != nil {
		return "", false
	}
	return v, true
}

// Set stores value in the keychain.
func (k *Keyring) Set(key, value string) error {
	if err := keyring.Set(k.service, key, value); err != nil {
		if errors.Is(err, keyring.ErrSetDataTooBig) {
			return fmt.Errorf("store %s in keychain: %w", key, ErrValueTooLarge)
		}
		return fmt.Errorf("store %s in keychain: %w", key, err)
	}
	return nil
}

// Delete removes key from the keychain. Missing keys are ignored.
func (k *Keyring) Delete(key string) error {
	if err := keyring.Delete(k.service, key); err != nil && !errors.Is(err, keyring.ErrNotFound) {
		return fmt.Errorf("delete %s from keychain: %w", key, err)
	}
	return nil
}
