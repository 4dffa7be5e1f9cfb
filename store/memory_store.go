package store

import (
	"context"
	"sort"
	"sync"
)

// MemoryStore is an in-memory implementation of Store.
// Suitable for development and testing; contents do not survive restart.
type MemoryStore struct {
	collections map[string]map[string][]byte
	mu          sync.RWMutex
	closed      bool
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		collections: make(map[string]map[string][]byte),
	}
}

// Close closes the store.
func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// Ping checks if the store is healthy.
func (s *MemoryStore) Ping(ctx context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrStoreClosed
	}
	return nil
}

// Put writes a document.
func (s *MemoryStore) Put(ctx context.Context, collection, id string, data []byte) error {
	if collection == "" || id == "" {
		return ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStoreClosed
	}

	coll, ok := s.collections[collection]
	if !ok {
		coll = make(map[string][]byte)
		s.collections[collection] = coll
	}
	coll[id] = cloneBytes(data)
	return nil
}

// Get retrieves a document by id.
func (s *MemoryStore) Get(ctx context.Context, collection, id string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrStoreClosed
	}

	data, ok := s.collections[collection][id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneBytes(data), nil
}

// Query returns matching documents ordered by id.
func (s *MemoryStore) Query(ctx context.Context, collection string, filter Filter) ([]Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrStoreClosed
	}

	coll := s.collections[collection]
	records := make([]Record, 0, len(coll))
	for id, data := range coll {
		if filter == nil || filter(id, data) {
			records = append(records, Record{ID: id, Data: cloneBytes(data)})
		}
	}
	sort.Slice(records, func(i, j int) bool { return records[i].ID < records[j].ID })
	return records, nil
}

// Update applies fn under the store lock, serializing concurrent writers.
func (s *MemoryStore) Update(ctx context.Context, collection, id string, fn UpdateFunc) error {
	if collection == "" || id == "" || fn == nil {
		return ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStoreClosed
	}

	var current []byte
	if data, ok := s.collections[collection][id]; ok {
		current = cloneBytes(data)
	}

	next, err := fn(current)
	if err != nil {
		return err
	}

	coll, ok := s.collections[collection]
	if !ok {
		coll = make(map[string][]byte)
		s.collections[collection] = coll
	}
	coll[id] = cloneBytes(next)
	return nil
}

// Delete removes a document.
func (s *MemoryStore) Delete(ctx context.Context, collection, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStoreClosed
	}

	coll := s.collections[collection]
	if _, ok := coll[id]; !ok {
		return ErrNotFound
	}
	delete(coll, id)
	return nil
}

func cloneBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}

// Ensure MemoryStore implements Store.
var _ Store = (*MemoryStore)(nil)
