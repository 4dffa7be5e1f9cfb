package store

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"
)

// maxCASAttempts bounds the optimistic retry loop in Update before giving up
// with ErrConflict.
const maxCASAttempts = 64

// RedisStore is a Redis-based implementation of Store.
// Suitable for distributed production deployments. Documents are plain keys;
// a per-collection set tracks membership so Query can enumerate. Update uses
// WATCH-based optimistic transactions for the single-writer guarantee.
type RedisStore struct {
	client    *redis.Client
	keyPrefix string
}

// NewRedisStore creates a new Redis-based store.
func NewRedisStore(cfg RedisConfig) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: cfg.PoolSize,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, &StorageError{Op: "connect", Err: err}
	}

	keyPrefix := cfg.KeyPrefix
	if keyPrefix == "" {
		keyPrefix = "trinity:"
	}

	return &RedisStore{client: client, keyPrefix: keyPrefix}, nil
}

// NewRedisStoreWithClient wraps an existing client. Used in tests.
func NewRedisStoreWithClient(client *redis.Client, keyPrefix string) *RedisStore {
	if keyPrefix == "" {
		keyPrefix = "trinity:"
	}
	return &RedisStore{client: client, keyPrefix: keyPrefix}
}

func (s *RedisStore) docKey(collection, id string) string {
	return s.keyPrefix + collection + ":" + id
}

func (s *RedisStore) collKey(collection string) string {
	return s.keyPrefix + "coll:" + collection
}

// Close closes the store.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

// Ping checks if the store is healthy.
func (s *RedisStore) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return &StorageError{Op: "ping", Err: err}
	}
	return nil
}

// Put writes a document and registers it in the collection set.
func (s *RedisStore) Put(ctx context.Context, collection, id string, data []byte) error {
	if collection == "" || id == "" {
		return ErrInvalidInput
	}

	pipe := s.client.TxPipeline()
	pipe.Set(ctx, s.docKey(collection, id), data, 0)
	pipe.SAdd(ctx, s.collKey(collection), id)
	if _, err := pipe.Exec(ctx); err != nil {
		return &StorageError{Op: "put", Err: err}
	}
	return nil
}

// Get retrieves a document by id.
func (s *RedisStore) Get(ctx context.Context, collection, id string) ([]byte, error) {
	data, err := s.client.Get(ctx, s.docKey(collection, id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, &StorageError{Op: "get", Err: err}
	}
	return data, nil
}

// Query returns matching documents ordered by id. The filter runs client-side.
func (s *RedisStore) Query(ctx context.Context, collection string, filter Filter) ([]Record, error) {
	ids, err := s.client.SMembers(ctx, s.collKey(collection)).Result()
	if err != nil {
		return nil, &StorageError{Op: "query", Err: err}
	}
	sort.Strings(ids)

	records := make([]Record, 0, len(ids))
	for _, id := range ids {
		data, err := s.client.Get(ctx, s.docKey(collection, id)).Bytes()
		if errors.Is(err, redis.Nil) {
			// Membership set can briefly lead the document on delete.
			continue
		}
		if err != nil {
			return nil, &StorageError{Op: "query", Err: err}
		}
		if filter == nil || filter(id, data) {
			records = append(records, Record{ID: id, Data: data})
		}
	}
	return records, nil
}

// Update applies fn inside a WATCH-based optimistic transaction, retrying on
// concurrent modification up to maxCASAttempts.
func (s *RedisStore) Update(ctx context.Context, collection, id string, fn UpdateFunc) error {
	if collection == "" || id == "" || fn == nil {
		return ErrInvalidInput
	}

	key := s.docKey(collection, id)

	var fnErr error
	txFn := func(tx *redis.Tx) error {
		current, err := tx.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			current = nil
		} else if err != nil {
			return err
		}

		next, err := fn(current)
		if err != nil {
			fnErr = err
			return err
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, next, 0)
			pipe.SAdd(ctx, s.collKey(collection), id)
			return nil
		})
		return err
	}

	for attempt := 0; attempt < maxCASAttempts; attempt++ {
		fnErr = nil
		err := s.client.Watch(ctx, txFn, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err == nil {
			return nil
		}
		// Errors raised by fn (aborts, domain refusals) are not storage
		// failures and must reach the caller unwrapped.
		if fnErr != nil && errors.Is(err, fnErr) {
			return fnErr
		}
		return &StorageError{Op: "update", Err: err}
	}
	return ErrConflict
}

// Delete removes a document and its collection membership.
func (s *RedisStore) Delete(ctx context.Context, collection, id string) error {
	removed, err := s.client.SRem(ctx, s.collKey(collection), id).Result()
	if err != nil {
		return &StorageError{Op: "delete", Err: err}
	}
	if removed == 0 {
		return ErrNotFound
	}
	if err := s.client.Del(ctx, s.docKey(collection, id)).Err(); err != nil {
		return &StorageError{Op: "delete", Err: err}
	}
	return nil
}

// Ensure RedisStore implements Store.
var _ Store = (*RedisStore)(nil)
