package memory

import (
	"context"
	"sync"

	"github.com/angelmondragon/compositor-backend/pkg/storage"
)

// Store keeps content in process memory. Used for local runs and tests.
type Store struct {
	mu      sync.RWMutex
	prefix  string
	objects map[string][]byte
	puts    int
}

var _ storage.ContentStore = (*Store)(nil)

func NewStore(prefix string) *Store {
	return &Store{prefix: prefix, objects: map[string][]byte{}}
}

func (s *Store) Put(ctx context.Context, data []byte, _ string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	key := storage.ContentKey(s.prefix, data)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.puts++
	if _, ok := s.objects[key]; !ok {
		s.objects[key] = append([]byte(nil), data...)
	}
	return key, nil
}

func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, ok := s.objects[key]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return append([]byte(nil), data...), nil
}

func (s *Store) Ping(ctx context.Context) error {
	return ctx.Err()
}

// Puts reports how many Put calls the store has served.
func (s *Store) Puts() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.puts
}

// Len reports how many distinct objects are stored.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.objects)
}
