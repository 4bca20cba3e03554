package session

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/zalando/go-keyring"
)

// SecretStore is the secure credential store the session is persisted to.
type SecretStore interface {
	Get(key string) (string, bool, error)
	Set(key, value string) error
	// Remove deletes key; removing a missing key is not an error.
	Remove(key string) error
}

// KeyringStore keeps secrets in the OS credential store (Keychain, Secret
// Service or Windows Credential Manager) under a single service name.
type KeyringStore struct {
	service string
}

// NewKeyringStore scopes secrets to service.
func NewKeyringStore(service string) (*KeyringStore, error) {
	if strings.TrimSpace(service) == "" {
		return nil, errors.New("session: keyring service required")
	}
	return &KeyringStore{service: service}, nil
}

func (s *KeyringStore) Get(key string) (string, bool, error) {
	value, err := keyring.Get(s.service, key)
	if err != nil {
		if errors.Is(err, keyring.ErrNotFound) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("session: keyring get %s: %w", key, err)
	}
	return value, true, nil
}

func (s *KeyringStore) Set(key, value string) error {
	if err := keyring.Set(s.service, key, value); err != nil {
		return fmt.Errorf("session: keyring set %s: %w", key, err)
	}
	return nil
}

func (s *KeyringStore) Remove(key string) error {
	if err := keyring.Delete(s.service, key); err != nil && !errors.Is(err, keyring.ErrNotFound) {
		return fmt.Errorf("session: keyring delete %s: %w", key, err)
	}
	return nil
}

// MemoryStore is an in-process SecretStore for tests and ephemeral runs.
type MemoryStore struct {
	mu     sync.Mutex
	values map[string]string
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{values: make(map[string]string)}
}

func (s *MemoryStore) Get(key string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	value, ok := s.values[key]
	return value, ok, nil
}

func (s *MemoryStore) Set(key, value string) error {
	s.mu.Lock()
	s.values[key] = value
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) Remove(key string) error {
	s.mu.Lock()
	delete(s.values, key)
	s.mu.Unlock()
	return nil
}
