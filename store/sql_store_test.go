package store

import (
	"path/filepath"
	"testing"
)

func TestSQLStoreSQLite(t *testing.T) {
	dsn := filepath.Join(t.TempDir(), "trinity.db")
	s, err := NewSQLStore(SQLConfig{Driver: "sqlite", DSN: dsn, MaxOpenConns: 1})
	if err != nil {
		t.Fatalf("NewSQLStore failed: %v", err)
	}
	defer s.Close()
	runStoreSuite(t, s)
}
