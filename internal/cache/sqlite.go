package cache

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"path/filepath"

	"github.com/klauspost/compress/zstd"

	"github.com/pedroluizchagas/celebra-capital-sub002/internal/clock"
	"github.com/pedroluizchagas/celebra-capital-sub002/internal/db"
	apperrors "github.com/pedroluizchagas/celebra-capital-sub002/internal/errors"
)

// StorageFile is the cache database file name inside the data directory.
// It is separate from the persistent store so wiping the cache never
// touches queued records.
const StorageFile = "cache.db"

//go:embed migrations/*.sql
var migrations embed.FS

// Encoder and decoder are safe for concurrent use and reused across calls.
var (
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error
	zstdEncoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic("cache: zstd encoder initialization failed: " + err.Error())
	}
	zstdDecoder, err = zstd.NewReader(nil)
	if err != nil {
		panic("cache: zstd decoder initialization failed: " + err.Error())
	}
}

// compress returns the zstd form of body, or false when compression does
// not shrink it.
func compress(body []byte) ([]byte, bool) {
	if len(body) == 0 {
		return body, false
	}
	compressed := zstdEncoder.EncodeAll(body, nil)
	if len(compressed) >= len(body) {
		return body, false
	}
	return compressed, true
}

func decompress(data []byte, size int) ([]byte, error) {
	result, err := zstdDecoder.DecodeAll(data, make([]byte, 0, size))
	if err != nil {
		return nil, fmt.Errorf("zstd decompress: %w", err)
	}
	if len(result) != size {
		return nil, fmt.Errorf("zstd decompress: got %d bytes, expected %d", len(result), size)
	}
	return result, nil
}

// SQLiteStorage is a Storage persisted in its own SQLite file. Insertion
// order is a monotonically increasing sequence number per write.
type SQLiteStorage struct {
	db    *db.DB
	clock clock.Clock
}

// OpenSQLiteStorage opens the cache database in dataDir. A nil clk uses
// the wall clock.
func OpenSQLiteStorage(dataDir string, clk clock.Clock) (*SQLiteStorage, error) {
	if clk == nil {
		clk = clock.Real()
	}
	database, err := db.Open(filepath.Join(dataDir, StorageFile))
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrStorageUnavailable, "open cache storage", err)
	}
	if err := db.NewMigrator(database.DB, migrations, "migrations").Up(); err != nil {
		database.Close()
		return nil, apperrors.Wrap(apperrors.ErrMigration, "migrate cache storage", err)
	}
	return &SQLiteStorage{db: database, clock: clk}, nil
}

// Close closes the database.
func (s *SQLiteStorage) Close() error {
	return s.db.Close()
}

// Open implements Storage.
func (s *SQLiteStorage) Open(ctx context.Context, name string) (Cache, error) {
	_, err := s.db.ExecContext(ctx,
		"INSERT OR IGNORE INTO cache_names (name, created_at) VALUES (?, ?)", name, s.clock.Now().UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("open cache %s: %w", name, err)
	}
	return &sqliteCache{db: s.db, name: name}, nil
}

// Delete implements Storage.
func (s *SQLiteStorage) Delete(ctx context.Context, name string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, "DELETE FROM cache_entries WHERE namespace = ?", name); err != nil {
		return fmt.Errorf("delete cache %s: %w", name, err)
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM cache_names WHERE name = ?", name); err != nil {
		return fmt.Errorf("delete cache %s: %w", name, err)
	}
	return tx.Commit()
}

// Names implements Storage.
func (s *SQLiteStorage) Names(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT name FROM cache_names ORDER BY name")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	names := []string{}
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

type sqliteCache struct {
	db   *db.DB
	name string
}

func (c *sqliteCache) Match(ctx context.Context, key string) (*Entry, error) {
	var (
		status     int
		header     []byte
		body       []byte
		compressed bool
		size       int
	)
	err := c.db.QueryRowContext(ctx,
		"SELECT status, header, body, compressed, size FROM cache_entries WHERE namespace = ? AND key = ?",
		c.name, key).Scan(&status, &header, &body, &compressed, &size)
	if stderrors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("match %s: %w", key, err)
	}

	entry := &Entry{Key: key, Status: status}
	if err := json.Unmarshal(header, &entry.Header); err != nil {
		return nil, fmt.Errorf("decode header of %s: %w", key, err)
	}
	if compressed {
		if body, err = decompress(body, size); err != nil {
			return nil, err
		}
	}
	entry.Body = body
	return entry, nil
}

func (c *sqliteCache) Put(ctx context.Context, entry *Entry) error {
	header, err := json.Marshal(entry.Header)
	if err != nil {
		return fmt.Errorf("encode header of %s: %w", entry.Key, err)
	}
	body, compressed := compress(entry.Body)

	_, err = c.db.ExecContext(ctx, `
		INSERT INTO cache_entries (namespace, key, seq, status, header, body, compressed, size)
		VALUES (?, ?, (SELECT COALESCE(MAX(seq), 0) + 1 FROM cache_entries), ?, ?, ?, ?, ?)
		ON CONFLICT(namespace, key) DO UPDATE SET
			seq = excluded.seq,
			status = excluded.status,
			header = excluded.header,
			body = excluded.body,
			compressed = excluded.compressed,
			size = excluded.size`,
		c.name, entry.Key, entry.Status, header, body, compressed, len(entry.Body))
	if err != nil {
		return fmt.Errorf("put %s: %w", entry.Key, err)
	}
	return nil
}

func (c *sqliteCache) Delete(ctx context.Context, key string) error {
	_, err := c.db.ExecContext(ctx, "DELETE FROM cache_entries WHERE namespace = ? AND key = ?", c.name, key)
	return err
}

func (c *sqliteCache) Keys(ctx context.Context) ([]string, error) {
	rows, err := c.db.QueryContext(ctx,
		"SELECT key FROM cache_entries WHERE namespace = ? ORDER BY seq", c.name)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	keys := []string{}
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, err
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}
