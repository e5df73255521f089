package storage

import (
	"context"
	"sync"
)

type memoryStore struct {
	mu     sync.Mutex
	scopes map[string][]Record
	closed bool
}

// NewMemory returns a process-local store.
func NewMemory() Store {
	return &memoryStore{scopes: map[string][]Record{}}
}

func (s *memoryStore) Load(ctx context.Context, scope string) ([]Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	return append([]Record(nil), s.scopes[scope]...), nil
}

func (s *memoryStore) Update(ctx context.Context, scope string, fn UpdateFunc) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	next, err := fn(append([]Record(nil), s.scopes[scope]...))
	if err != nil {
		return err
	}
	s.scopes[scope] = dedupe(next)
	return nil
}

func (s *memoryStore) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}
