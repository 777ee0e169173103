package db

import (
	"context"
	"database/sql"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/pedroluizchagas/celebra-capital-sub002/internal/clock"
	apperrors "github.com/pedroluizchagas/celebra-capital-sub002/internal/errors"
	"github.com/pedroluizchagas/celebra-capital-sub002/internal/logging"
	"github.com/pedroluizchagas/celebra-capital-sub002/internal/models"
)

// RecordStore is the record persistence used by the sync orchestrator.
// This interface allows mocking for testing.
type RecordStore interface {
	// Put inserts or replaces a record. Atomic per record.
	Put(ctx context.Context, collection string, rec *models.QueuedRecord) error

	// Get returns the record, or an ErrNotFound error.
	Get(ctx context.Context, collection, id string) (*models.QueuedRecord, error)

	// GetAll returns every record of the collection ordered by creation.
	GetAll(ctx context.Context, collection string) ([]*models.QueuedRecord, error)

	// GetByStatus returns the records of the collection in status.
	GetByStatus(ctx context.Context, collection string, status models.SyncStatus) ([]*models.QueuedRecord, error)

	// Delete removes a record. Deleting an absent record is not an error.
	Delete(ctx context.Context, collection, id string) error

	// Count returns the number of records per status.
	Count(ctx context.Context, collection string) (map[models.SyncStatus]int, error)

	// DeviceID returns the durable device identity.
	DeviceID(ctx context.Context) (string, error)
}

// Options configures a Store.
type Options struct {
	// MaxRecordsPerCollection emulates a platform quota. Zero disables it.
	MaxRecordsPerCollection int

	Clock  clock.Clock
	Logger *logging.Logger
}

// Store is the persistent store over SQLite. Records live in a single
// table keyed by (collection, id); a collection exists once a record has
// been written to it.
type Store struct {
	db         *DB
	clock      clock.Clock
	log        *logging.Logger
	maxRecords int
	closed     atomic.Bool

	// Prepared statements are cached on first use.
	stmtCache sync.Map // map[string]*sql.Stmt

	deviceMu sync.Mutex
}

var _ RecordStore = (*Store)(nil)

// OpenStore opens (creating if needed) the store file in dataDir and
// applies pending migrations.
func OpenStore(dataDir string, opts Options) (*Store, error) {
	database, err := Open(filepath.Join(dataDir, StoreFile))
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrStorageUnavailable, "open store", err)
	}
	store, err := NewStore(database, opts)
	if err != nil {
		database.Close()
		return nil, err
	}
	return store, nil
}

// NewStore migrates database and returns a Store over it.
func NewStore(database *DB, opts Options) (*Store, error) {
	if err := NewEmbeddedMigrator(database.DB).Up(); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrMigration, "migrate store", err)
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.Logger == nil {
		opts.Logger = logging.Get()
	}
	return &Store{
		db:         database,
		clock:      opts.Clock,
		log:        opts.Logger.Component("store"),
		maxRecords: opts.MaxRecordsPerCollection,
	}, nil
}

// Close closes cached statements and the database. Further calls fail with
// ErrStorageUnavailable.
func (s *Store) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	s.stmtCache.Range(func(key, value interface{}) bool {
		value.(*sql.Stmt).Close()
		return true
	})
	return s.db.Close()
}

func (s *Store) available() error {
	if s.closed.Load() {
		return apperrors.New(apperrors.ErrStorageUnavailable, "store is closed")
	}
	return nil
}

// prepare gets or creates a prepared statement from cache.
func (s *Store) prepare(ctx context.Context, query string) (*sql.Stmt, error) {
	if stmt, ok := s.stmtCache.Load(query); ok {
		return stmt.(*sql.Stmt), nil
	}

	stmt, err := s.db.PrepareContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare statement: %w", err)
	}

	actual, loaded := s.stmtCache.LoadOrStore(query, stmt)
	if loaded {
		stmt.Close()
		return actual.(*sql.Stmt), nil
	}
	return stmt, nil
}

// withTx runs fn in a transaction, committing when it returns nil.
func (s *Store) withTx(ctx context.Context, op string, fn func(tx *sql.Tx) error) error {
	if err := s.available(); err != nil {
		return err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return classify(op, err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return classify(op, err)
	}
	return classify(op, tx.Commit())
}

// =====================================================
// Record Operations
// =====================================================

const upsertRecord = `
INSERT INTO records (collection, id, kind, status, attempts, created_at, data)
VALUES (?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(collection, id) DO UPDATE SET
	kind = excluded.kind,
	status = excluded.status,
	attempts = excluded.attempts,
	data = excluded.data
`

// Put inserts or replaces rec in collection. The record's kind must belong
// to collection. Exceeding the configured quota fails with
// ErrQuotaExceeded and writes nothing.
func (s *Store) Put(ctx context.Context, collection string, rec *models.QueuedRecord) error {
	if rec == nil || rec.ID == "" {
		return apperrors.New(apperrors.ErrInvalid, "record id is required")
	}
	if rec.Collection() != collection {
		return apperrors.New(apperrors.ErrInvalid,
			fmt.Sprintf("%s record cannot be stored in %s", rec.Kind(), collection))
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrInvalid, "encode record", err)
	}

	return s.withTx(ctx, "put record", func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			"INSERT OR IGNORE INTO collections (name, created_at) VALUES (?, ?)",
			collection, s.clock.Now().UnixMilli()); err != nil {
			return err
		}

		if s.maxRecords > 0 {
			if err := s.checkQuota(ctx, tx, collection, rec.ID); err != nil {
				return err
			}
		}

		_, err := tx.ExecContext(ctx, upsertRecord,
			collection, rec.ID, string(rec.Kind()), string(rec.SyncMetadata.Status),
			rec.SyncMetadata.Attempts, rec.SyncMetadata.CreatedAt, data)
		return err
	})
}

func (s *Store) checkQuota(ctx context.Context, tx *sql.Tx, collection, id string) error {
	var exists, count int
	err := tx.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM records WHERE collection = ? AND id = ?", collection, id).Scan(&exists)
	if err != nil {
		return err
	}
	if exists > 0 {
		return nil
	}
	err = tx.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM records WHERE collection = ?", collection).Scan(&count)
	if err != nil {
		return err
	}
	if count >= s.maxRecords {
		s.log.Warn("collection quota reached", map[string]interface{}{
			"collection": collection,
			"limit":      s.maxRecords,
		})
		return apperrors.New(apperrors.ErrQuotaExceeded,
			fmt.Sprintf("collection %s holds %d records", collection, count))
	}
	return nil
}

// Get returns the record with id, or an ErrNotFound error.
func (s *Store) Get(ctx context.Context, collection, id string) (*models.QueuedRecord, error) {
	if err := s.available(); err != nil {
		return nil, err
	}
	stmt, err := s.prepare(ctx, "SELECT data FROM records WHERE collection = ? AND id = ?")
	if err != nil {
		return nil, classify("get record", err)
	}

	var data []byte
	err = stmt.QueryRowContext(ctx, collection, id).Scan(&data)
	if stderrors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.New(apperrors.ErrNotFound, fmt.Sprintf("%s/%s not found", collection, id))
	}
	if err != nil {
		return nil, classify("get record", err)
	}
	return decodeRecord(data)
}

// GetAll returns every record of collection, oldest first. An unknown
// collection yields an empty result.
func (s *Store) GetAll(ctx context.Context, collection string) ([]*models.QueuedRecord, error) {
	return s.query(ctx, "get records",
		"SELECT data FROM records WHERE collection = ? ORDER BY created_at, id", collection)
}

// GetByStatus returns the records of collection in status, oldest first.
func (s *Store) GetByStatus(ctx context.Context, collection string, status models.SyncStatus) ([]*models.QueuedRecord, error) {
	return s.query(ctx, "get records by status",
		"SELECT data FROM records WHERE collection = ? AND status = ? ORDER BY created_at, id",
		collection, string(status))
}

func (s *Store) query(ctx context.Context, op, query string, args ...interface{}) ([]*models.QueuedRecord, error) {
	if err := s.available(); err != nil {
		return nil, err
	}
	stmt, err := s.prepare(ctx, query)
	if err != nil {
		return nil, classify(op, err)
	}
	rows, err := stmt.QueryContext(ctx, args...)
	if err != nil {
		return nil, classify(op, err)
	}
	defer rows.Close()

	records := []*models.QueuedRecord{}
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, classify(op, err)
		}
		rec, err := decodeRecord(data)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, classify(op, rows.Err())
}

func decodeRecord(data []byte) (*models.QueuedRecord, error) {
	var rec models.QueuedRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrInternal, "decode stored record", err)
	}
	return &rec, nil
}

// Delete removes the record with id from collection.
func (s *Store) Delete(ctx context.Context, collection, id string) error {
	return s.withTx(ctx, "delete record", func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, "DELETE FROM records WHERE collection = ? AND id = ?", collection, id)
		return err
	})
}

// Count returns the number of records per status in collection.
func (s *Store) Count(ctx context.Context, collection string) (map[models.SyncStatus]int, error) {
	if err := s.available(); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx,
		"SELECT status, COUNT(*) FROM records WHERE collection = ? GROUP BY status", collection)
	if err != nil {
		return nil, classify("count records", err)
	}
	defer rows.Close()

	counts := map[models.SyncStatus]int{}
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, classify("count records", err)
		}
		counts[models.SyncStatus(status)] = n
	}
	return counts, classify("count records", rows.Err())
}

// Collections lists the collections created so far.
func (s *Store) Collections(ctx context.Context) ([]string, error) {
	if err := s.available(); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, "SELECT name FROM collections ORDER BY name")
	if err != nil {
		return nil, classify("list collections", err)
	}
	defer rows.Close()

	names := []string{}
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, classify("list collections", err)
		}
		names = append(names, name)
	}
	return names, classify("list collections", rows.Err())
}
