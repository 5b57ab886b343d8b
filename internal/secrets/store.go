// Package secrets holds identity secret keys behind a small key-value
// interface. Only references are stored alongside identities; the secret
// material lives in one of the Store implementations.
package secrets

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/google/uuid"
)

// ErrNotFound is returned for an unknown reference.
var ErrNotFound = errors.New("secret not found")

// Store is the secret backend consumed by the identity service.
type Store interface {
	Get(ctx context.Context, ref string) (string, error)
	// Save stores secret under ref, or under a new reference when ref is
	// empty, and returns the reference used.
	Save(ctx context.Context, secret, ref string) (string, error)
	Delete(ctx context.Context, ref string) error
	List(ctx context.Context) ([]string, error)
}

func newRef(ref string) string {
	if ref != "" {
		return ref
	}
	return uuid.NewString()
}

// Memory keeps secrets in process memory. Intended for tests and ephemeral
// runs.
type Memory struct {
	mu sync.RWMutex
	m  map[string]string
}

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory { return &Memory{m: map[string]string{}} }

func (s *Memory) Get(_ context.Context, ref string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.m[ref]
	if !ok {
		return "", ErrNotFound
	}
	return v, nil
}

func (s *Memory) Save(_ context.Context, secret, ref string) (string, error) {
	ref = newRef(ref)
	s.mu.Lock()
	s.m[ref] = secret
	s.mu.Unlock()
	return ref, nil
}

func (s *Memory) Delete(_ context.Context, ref string) error {
	s.mu.Lock()
	delete(s.m, ref)
	s.mu.Unlock()
	return nil
}

func (s *Memory) List(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.m))
	for k := range s.m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out, nil
}
