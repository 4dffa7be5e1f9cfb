package store

import (
	"fmt"
)

// New creates a Store based on the configuration.
func New(cfg Config) (Store, error) {
	switch cfg.Type {
	case TypeMemory, "":
		return NewMemoryStore(), nil
	case TypeFile:
		return NewFileStore(cfg.BaseDir)
	case TypeRedis:
		return NewRedisStore(cfg.Redis)
	case TypeSQL:
		return NewSQLStore(cfg.SQL)
	default:
		return nil, fmt.Errorf("unsupported store type: %s", cfg.Type)
	}
}
