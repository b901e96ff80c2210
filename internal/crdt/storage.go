package crdt

import (
	"context"
	"errors"
	"sort"
	"sync"
)

// ErrNotFound is returned by Storage when no document is stored under an id.
var ErrNotFound = errors.New("document not found")

// Storage persists saved documents.
type Storage interface {
	Load(ctx context.Context, id DocumentID) ([]byte, error)
	Save(ctx context.Context, id DocumentID, data []byte) error
	Remove(ctx context.Context, id DocumentID) error
	List(ctx context.Context) ([]DocumentID, error)
	Close() error
}

// MemoryStorage keeps documents in process memory.
type MemoryStorage struct {
	mu   sync.Mutex
	docs map[DocumentID][]byte
}

// NewMemoryStorage returns an empty in-memory storage.
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{docs: map[DocumentID][]byte{}}
}

func (s *MemoryStorage) Load(_ context.Context, id DocumentID) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.docs[id]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), data...), nil
}

func (s *MemoryStorage) Save(_ context.Context, id DocumentID, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.docs[id] = append([]byte(nil), data...)
	return nil
}

func (s *MemoryStorage) Remove(_ context.Context, id DocumentID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.docs, id)
	return nil
}

func (s *MemoryStorage) List(_ context.Context) ([]DocumentID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]DocumentID, 0, len(s.docs))
	for id := range s.docs {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

func (s *MemoryStorage) Close() error {
	return nil
}
