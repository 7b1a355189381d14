// Package nonce provides single use handshake nonce stores.
package nonce

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	identity "github.com/goliatone/go-identity"
)

// ErrNonceInUse is returned by Remember when the nonce is still live.
var ErrNonceInUse = errors.New("nonce already in use")

// MemoryStore keeps nonces in process memory. It fits single instance
// deployments and tests.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]time.Time
	now     func() time.Time
}

var _ identity.NonceStore = (*MemoryStore)(nil)

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		entries: make(map[string]time.Time),
		now:     time.Now,
	}
}

// Remember stores nonce until ttl elapses. Reusing a live nonce is an error.
func (s *MemoryStore) Remember(_ context.Context, nonce string, ttl time.Duration) error {
	if nonce == "" {
		return fmt.Errorf("nonce: empty value")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	s.sweep(now)
	if _, live := s.entries[nonce]; live {
		return fmt.Errorf("%w: %s", ErrNonceInUse, nonce)
	}
	s.entries[nonce] = now.Add(ttl)
	return nil
}

// Consume removes nonce and reports whether it was present and not expired.
func (s *MemoryStore) Consume(_ context.Context, nonce string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	expires, ok := s.entries[nonce]
	if !ok {
		return false, nil
	}
	delete(s.entries, nonce)
	return s.now().Before(expires), nil
}

// Len returns the number of live entries.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sweep(s.now())
	return len(s.entries)
}

func (s *MemoryStore) sweep(now time.Time) {
	for k, exp := range s.entries {
		if !now.Before(exp) {
			delete(s.entries, k)
		}
	}
}
