package store

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

// FileStore is a file-based implementation of Store.
// Suitable for single-node production deployments. Each collection is kept
// as one JSON file; every write persists the touched collection with an
// atomic temp-file-plus-rename, so a crash never exposes a partial write.
type FileStore struct {
	baseDir     string
	collections map[string]map[string]json.RawMessage
	mu          sync.RWMutex
	closed      bool
}

// NewFileStore creates a new file-based store rooted at baseDir.
func NewFileStore(baseDir string) (*FileStore, error) {
	if err := os.MkdirAll(baseDir, 0755); err != nil {
		return nil, &StorageError{Op: "init", Err: err}
	}

	s := &FileStore{
		baseDir:     baseDir,
		collections: make(map[string]map[string]json.RawMessage),
	}

	if err := s.loadFromDisk(); err != nil {
		return nil, &StorageError{Op: "load", Err: err}
	}
	return s, nil
}

// loadFromDisk loads all collection files into memory.
func (s *FileStore) loadFromDisk() error {
	entries, err := os.ReadDir(s.baseDir)
	if err != nil {
		return err
	}

	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}

		data, err := os.ReadFile(filepath.Join(s.baseDir, name))
		if err != nil {
			return err
		}

		docs := make(map[string]json.RawMessage)
		if err := json.Unmarshal(data, &docs); err != nil {
			return fmt.Errorf("corrupt collection file %s: %w", name, err)
		}
		s.collections[strings.TrimSuffix(name, ".json")] = docs
	}
	return nil
}

// saveCollection persists one collection to disk atomically.
// Caller must hold the write lock.
func (s *FileStore) saveCollection(collection string) error {
	docs := s.collections[collection]
	data, err := json.MarshalIndent(docs, "", "  ")
	if err != nil {
		return &StorageError{Op: "marshal", Err: err}
	}

	path := filepath.Join(s.baseDir, collection+".json")
	tempPath := path + ".tmp"

	if err := os.WriteFile(tempPath, data, 0644); err != nil {
		return &StorageError{Op: "write", Err: err}
	}
	if err := os.Rename(tempPath, path); err != nil {
		return &StorageError{Op: "rename", Err: err}
	}
	return nil
}

// Close flushes all collections and closes the store.
func (s *FileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true

	for collection := range s.collections {
		if err := s.saveCollection(collection); err != nil {
			return err
		}
	}
	return nil
}

// Ping checks if the store is healthy.
func (s *FileStore) Ping(ctx context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrStoreClosed
	}
	return nil
}

// Put writes a document and persists its collection.
func (s *FileStore) Put(ctx context.Context, collection, id string, data []byte) error {
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
		coll = make(map[string]json.RawMessage)
		s.collections[collection] = coll
	}
	coll[id] = cloneBytes(data)

	return s.saveCollection(collection)
}

// Get retrieves a document by id.
func (s *FileStore) Get(ctx context.Context, collection, id string) ([]byte, error) {
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
func (s *FileStore) Query(ctx context.Context, collection string, filter Filter) ([]Record, error) {
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

// Update applies fn under the store lock and persists on success.
func (s *FileStore) Update(ctx context.Context, collection, id string, fn UpdateFunc) error {
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
		coll = make(map[string]json.RawMessage)
		s.collections[collection] = coll
	}
	coll[id] = cloneBytes(next)

	return s.saveCollection(collection)
}

// Delete removes a document and persists its collection.
func (s *FileStore) Delete(ctx context.Context, collection, id string) error {
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

	return s.saveCollection(collection)
}

// Ensure FileStore implements Store.
var _ Store = (*FileStore)(nil)
