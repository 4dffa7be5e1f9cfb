// Package store provides durable document storage for the Trinity
// coordination core.
//
// Every piece of shared mutable state in the system (message leases, budget
// counters, question state transitions) lives in a Store and is mutated only
// through Update, the atomic read-modify-write primitive. No component holds
// a lock across an I/O boundary.
//
// Supported backends:
// - Memory: for development and testing (default)
// - File: for single-node production deployments
// - Redis: for distributed production deployments
// - SQL: sqlite, mysql or postgres via gorm
package store

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Common errors.
var (
	ErrNotFound     = errors.New("not found")
	ErrStoreClosed  = errors.New("store is closed")
	ErrInvalidInput = errors.New("invalid input")

	// ErrConflict is returned when an optimistic concurrency check failed
	// after exhausting retries. Callers may retry the whole operation.
	ErrConflict = errors.New("concurrent modification conflict")

	// ErrAbort can be returned by an UpdateFunc to abandon the update
	// without writing. Update returns ErrAbort unchanged so callers can
	// distinguish "lost the race" from real failures.
	ErrAbort = errors.New("update aborted")
)

// StorageError wraps a transient backend failure. Callers should treat it as
// retryable; no partial-write corruption is ever exposed behind one.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// IsTransient reports whether err is a retryable storage failure.
func IsTransient(err error) bool {
	var se *StorageError
	return errors.As(err, &se)
}

// Record is a single document returned by Query.
type Record struct {
	ID   string
	Data []byte
}

// Filter selects documents during Query. A nil Filter matches everything.
type Filter func(id string, data []byte) bool

// UpdateFunc transforms a document inside an atomic read-modify-write.
// current is nil when the document does not exist yet. The returned bytes
// replace the document; return ErrAbort to leave it untouched.
type UpdateFunc func(current []byte) ([]byte, error)

// Store is the durable document storage contract.
//
// Writes are durable before Put/Update return success, and reads reflect all
// prior successful writes from any process.
type Store interface {
	// Put writes a document, replacing any existing one with the same id.
	Put(ctx context.Context, collection, id string, data []byte) error

	// Get retrieves a document by id. Returns ErrNotFound if absent.
	Get(ctx context.Context, collection, id string) ([]byte, error)

	// Query returns all documents in a collection matching the filter,
	// ordered by id.
	Query(ctx context.Context, collection string, filter Filter) ([]Record, error)

	// Update applies fn to the document under an atomic read-modify-write.
	// Concurrent Updates on the same (collection, id) are serialized; a
	// single-writer guarantee all higher layers rely on for leases and
	// counters.
	Update(ctx context.Context, collection, id string, fn UpdateFunc) error

	// Delete removes a document. Deleting a missing document returns
	// ErrNotFound.
	Delete(ctx context.Context, collection, id string) error

	// Ping checks if the store is healthy.
	Ping(ctx context.Context) error

	// Close closes the store and releases resources.
	Close() error
}

// Type selects the storage backend.
type Type string

const (
	TypeMemory Type = "memory"
	TypeFile   Type = "file"
	TypeRedis  Type = "redis"
	TypeSQL    Type = "sql"
)

// RedisConfig contains Redis-specific configuration.
type RedisConfig struct {
	// Addr is the Redis server address (host:port).
	Addr string `json:"addr" yaml:"addr"`

	// Password is the Redis password (optional).
	Password string `json:"password" yaml:"password"`

	// DB is the Redis database number.
	DB int `json:"db" yaml:"db"`

	// PoolSize is the connection pool size.
	PoolSize int `json:"pool_size" yaml:"pool_size"`

	// KeyPrefix is the prefix for all Redis keys.
	KeyPrefix string `json:"key_prefix" yaml:"key_prefix"`
}

// SQLConfig contains SQL-specific configuration.
type SQLConfig struct {
	// Driver is one of "sqlite", "mysql", "postgres".
	Driver string `json:"driver" yaml:"driver"`

	// DSN is the driver-specific data source name.
	DSN string `json:"dsn" yaml:"dsn"`

	// MaxOpenConns caps open connections (0 means driver default).
	MaxOpenConns int `json:"max_open_conns" yaml:"max_open_conns"`

	// MaxIdleConns caps idle connections.
	MaxIdleConns int `json:"max_idle_conns" yaml:"max_idle_conns"`

	// ConnMaxLifetime bounds connection reuse.
	ConnMaxLifetime time.Duration `json:"conn_max_lifetime" yaml:"conn_max_lifetime"`
}

// Config is the base configuration for all store implementations.
type Config struct {
	// Type is the storage backend type.
	Type Type `json:"type" yaml:"type"`

	// BaseDir is the base directory for file-based storage.
	BaseDir string `json:"base_dir" yaml:"base_dir"`

	// Redis configuration (only used when Type is "redis").
	Redis RedisConfig `json:"redis" yaml:"redis"`

	// SQL configuration (only used when Type is "sql").
	SQL SQLConfig `json:"sql" yaml:"sql"`

	// OpTimeout bounds every store operation.
	OpTimeout time.Duration `json:"op_timeout" yaml:"op_timeout"`
}

// DefaultConfig returns the default store configuration.
func DefaultConfig() Config {
	return Config{
		Type:    TypeFile,
		BaseDir: "./data/trinity",
		Redis: RedisConfig{
			Addr:      "localhost:6379",
			DB:        0,
			PoolSize:  10,
			KeyPrefix: "trinity:",
		},
		SQL: SQLConfig{
			Driver:          "sqlite",
			DSN:             "file:trinity.db?cache=shared",
			MaxOpenConns:    20,
			MaxIdleConns:    5,
			ConnMaxLifetime: time.Hour,
		},
		OpTimeout: 5 * time.Second,
	}
}
