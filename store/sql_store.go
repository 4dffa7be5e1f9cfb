package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

// document is the single-table schema backing SQLStore.
type document struct {
	Collection string `gorm:"primaryKey;size:128"`
	DocID      string `gorm:"primaryKey;size:128;column:doc_id"`
	Data       []byte
	UpdatedAt  time.Time
}

func (document) TableName() string { return "trinity_documents" }

// SQLStore is a SQL implementation of Store built on gorm.
// The dialector is chosen by config: sqlite for single-node deployments,
// mysql or postgres for shared ones. Update runs in a transaction with a
// row lock, giving the same single-writer guarantee as the other backends.
type SQLStore struct {
	db *gorm.DB
}

// NewSQLStore opens a SQL-backed store using the configured driver.
func NewSQLStore(cfg SQLConfig) (*SQLStore, error) {
	var dialector gorm.Dialector
	switch cfg.Driver {
	case "sqlite", "":
		dialector = sqlite.Open(cfg.DSN)
	case "mysql":
		dialector = mysql.Open(cfg.DSN)
	case "postgres":
		dialector = postgres.Open(cfg.DSN)
	default:
		return nil, fmt.Errorf("unsupported sql driver: %s", cfg.Driver)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, &StorageError{Op: "connect", Err: err}
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, &StorageError{Op: "connect", Err: err}
	}
	if cfg.MaxOpenConns > 0 {
		sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		sqlDB.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	if err := db.AutoMigrate(&document{}); err != nil {
		return nil, &StorageError{Op: "migrate", Err: err}
	}

	return &SQLStore{db: db}, nil
}

// Close closes the underlying connection pool.
func (s *SQLStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Ping checks if the store is healthy.
func (s *SQLStore) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return &StorageError{Op: "ping", Err: err}
	}
	if err := sqlDB.PingContext(ctx); err != nil {
		return &StorageError{Op: "ping", Err: err}
	}
	return nil
}

// Put upserts a document.
func (s *SQLStore) Put(ctx context.Context, collection, id string, data []byte) error {
	if collection == "" || id == "" {
		return ErrInvalidInput
	}

	doc := document{Collection: collection, DocID: id, Data: data, UpdatedAt: time.Now()}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "collection"}, {Name: "doc_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"data", "updated_at"}),
	}).Create(&doc).Error
	if err != nil {
		return &StorageError{Op: "put", Err: err}
	}
	return nil
}

// Get retrieves a document by id.
func (s *SQLStore) Get(ctx context.Context, collection, id string) ([]byte, error) {
	var doc document
	err := s.db.WithContext(ctx).
		Where("collection = ? AND doc_id = ?", collection, id).
		First(&doc).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, &StorageError{Op: "get", Err: err}
	}
	return doc.Data, nil
}

// Query returns matching documents ordered by id. The filter runs client-side.
func (s *SQLStore) Query(ctx context.Context, collection string, filter Filter) ([]Record, error) {
	var docs []document
	err := s.db.WithContext(ctx).
		Where("collection = ?", collection).
		Order("doc_id").
		Find(&docs).Error
	if err != nil {
		return nil, &StorageError{Op: "query", Err: err}
	}

	records := make([]Record, 0, len(docs))
	for _, doc := range docs {
		if filter == nil || filter(doc.DocID, doc.Data) {
			records = append(records, Record{ID: doc.DocID, Data: doc.Data})
		}
	}
	return records, nil
}

// Update applies fn in a transaction holding a row lock on the document.
func (s *SQLStore) Update(ctx context.Context, collection, id string, fn UpdateFunc) error {
	if collection == "" || id == "" || fn == nil {
		return ErrInvalidInput
	}

	var fnErr error
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var doc document
		var current []byte

		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("collection = ? AND doc_id = ?", collection, id).
			First(&doc).Error
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			current = nil
		case err != nil:
			return err
		default:
			current = doc.Data
		}

		next, err := fn(current)
		if err != nil {
			fnErr = err
			return err
		}

		out := document{Collection: collection, DocID: id, Data: next, UpdatedAt: time.Now()}
		return tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "collection"}, {Name: "doc_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"data", "updated_at"}),
		}).Create(&out).Error
	})

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

// Delete removes a document.
func (s *SQLStore) Delete(ctx context.Context, collection, id string) error {
	res := s.db.WithContext(ctx).
		Where("collection = ? AND doc_id = ?", collection, id).
		Delete(&document{})
	if res.Error != nil {
		return &StorageError{Op: "delete", Err: res.Error}
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// Ensure SQLStore implements Store.
var _ Store = (*SQLStore)(nil)
