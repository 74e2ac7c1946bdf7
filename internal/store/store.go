// Package store keeps the durable per-collection copy of replicated records
// in SQLite, together with each collection's last-applied checkpoint.
//
// When the database cannot be opened the store runs degraded: every mutation
// is a no-op and every read is empty, so callers keep working in memory.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"livesync/internal/config"
	"livesync/internal/logging"
	"livesync/internal/protocol"

	"github.com/samber/lo"

	_ "github.com/mattn/go-sqlite3"
	_ "modernc.org/sqlite"
)

// Store is the SQLite-backed durable store.
type Store struct {
	cfg      config.StoreConfig
	prefetch []string

	mu        sync.RWMutex
	db        *sql.DB
	loaded    bool
	supported bool
}

// New creates a new Store. Nothing is opened until Load.
func New(cfg config.StoreConfig, prefetch []string) *Store {
	if cfg.Driver == "" {
		cfg.Driver = config.DriverModernc
	}
	return &Store{
		cfg:      cfg,
		prefetch: lo.Uniq(prefetch),
	}
}

// Load opens the database, migrates it and registers the prefetch
// partitions. Any storage failure switches the store to degraded mode
// instead of returning an error; only ctx cancellation is returned.
func (s *Store) Load(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.loaded {
		return nil
	}
	s.loaded = true

	db, err := s.open(ctx)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			s.loaded = false
			return ctxErr
		}
		logging.Get(logging.CategoryStore).Warn("durable storage unavailable, running in memory only: %v", err)
		return nil
	}

	s.db = db
	s.supported = true
	logging.Store("store loaded: driver=%s path=%s partitions=%v", s.cfg.Driver, s.cfg.Path, s.prefetch)
	return nil
}

func (s *Store) open(ctx context.Context) (*sql.DB, error) {
	if s.cfg.Disabled {
		return nil, errors.New("store disabled by configuration")
	}
	if s.cfg.Path == "" {
		return nil, errors.New("no database path configured")
	}

	if err := os.MkdirAll(filepath.Dir(s.cfg.Path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}

	db, err := sql.Open(s.cfg.Driver, s.cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if _, err := db.ExecContext(ctx, "PRAGMA busy_timeout = 5000"); err != nil {
		logging.StoreDebug("failed to set busy_timeout: %v", err)
	}
	if _, err := db.ExecContext(ctx, "PRAGMA journal_mode = WAL"); err != nil {
		logging.StoreDebug("failed to set journal_mode=WAL: %v", err)
	}

	if err := runMigrations(db, s.cfg.Driver); err != nil {
		db.Close()
		return nil, err
	}

	for _, name := range s.prefetch {
		if _, err := db.ExecContext(ctx, insertPartition, name); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to register partition %s: %w", name, err)
		}
	}
	return db, nil
}

// IsSupported reports whether durable storage is available.
func (s *Store) IsSupported() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.supported
}

// handle returns the database, or nil in degraded mode.
func (s *Store) handle() *sql.DB {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.supported {
		return nil
	}
	return s.db
}

const (
	insertPartition = `INSERT OR IGNORE INTO partitions (collection) VALUES (?)`

	// Existing rows win ties.
	upsertRecord = `
	INSERT INTO records (collection, id, updated_at, data) VALUES (?, ?, ?, ?)
	ON CONFLICT (collection, id) DO UPDATE
		SET updated_at = excluded.updated_at, data = excluded.data
		WHERE excluded.updated_at > records.updated_at`

	// A stored record newer than the removal survives it.
	deleteRecord = `DELETE FROM records WHERE collection = ? AND id = ? AND updated_at <= ?`

	upsertCheckpoint = `
	INSERT INTO collection_versions (collection, version) VALUES (?, ?)
	ON CONFLICT (collection) DO UPDATE SET version = excluded.version`
)

// FetchCollectionVersions returns collection -> last-applied checkpoint.
// It returns nil in degraded mode and when no checkpoint exists yet.
func (s *Store) FetchCollectionVersions(ctx context.Context) (map[string]int64, error) {
	db := s.handle()
	if db == nil {
		return nil, nil
	}

	rows, err := db.QueryContext(ctx, `SELECT collection, version FROM collection_versions`)
	if err != nil {
		return nil, fmt.Errorf("failed to query checkpoints: %w", err)
	}
	defer rows.Close()

	var versions map[string]int64
	for rows.Next() {
		var name string
		var version int64
		if err := rows.Scan(&name, &version); err != nil {
			return nil, fmt.Errorf("failed to scan checkpoint: %w", err)
		}
		if versions == nil {
			versions = make(map[string]int64)
		}
		versions[name] = version
	}
	return versions, rows.Err()
}

// SetItems applies a batch in one transaction: guarded upserts, guarded
// deletes, then the checkpoint when one is given.
func (s *Store) SetItems(ctx context.Context, collection string, items []protocol.Record, removed map[string]int64, checkpoint *int64) error {
	db := s.handle()
	if db == nil {
		return nil
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, insertPartition, collection); err != nil {
		return fmt.Errorf("failed to register partition %s: %w", collection, err)
	}

	for _, item := range items {
		if err := putRecord(ctx, tx, collection, item); err != nil {
			return err
		}
	}

	ids := lo.Keys(removed)
	sort.Strings(ids)
	for _, id := range ids {
		if _, err := tx.ExecContext(ctx, deleteRecord, collection, id, removed[id]); err != nil {
			return fmt.Errorf("failed to delete %s/%s: %w", collection, id, err)
		}
	}

	if checkpoint != nil {
		if _, err := tx.ExecContext(ctx, upsertCheckpoint, collection, *checkpoint); err != nil {
			return fmt.Errorf("failed to write checkpoint for %s: %w", collection, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit %s batch: %w", collection, err)
	}
	logging.StoreDebug("applied batch to %s: %d items, %d removals", collection, len(items), len(removed))
	return nil
}

// SetItem upserts one record under the same version guard as SetItems.
func (s *Store) SetItem(ctx context.Context, collection string, item protocol.Record) error {
	return s.SetItems(ctx, collection, []protocol.Record{item}, nil, nil)
}

// DeleteItem removes one record unless the stored copy is newer than version.
func (s *Store) DeleteItem(ctx context.Context, collection, id string, version int64) error {
	return s.SetItems(ctx, collection, nil, map[string]int64{id: version}, nil)
}

func putRecord(ctx context.Context, tx *sql.Tx, collection string, item protocol.Record) error {
	data, err := protocol.Marshal(item)
	if err != nil {
		return fmt.Errorf("failed to encode %s/%s: %w", collection, item.ID, err)
	}
	if _, err := tx.ExecContext(ctx, upsertRecord, collection, item.ID, item.UpdatedAt, data); err != nil {
		return fmt.Errorf("failed to write %s/%s: %w", collection, item.ID, err)
	}
	return nil
}

// RemoveCollection deletes a collection's records, partition and checkpoint.
func (s *Store) RemoveCollection(ctx context.Context, name string) error {
	db := s.handle()
	if db == nil {
		return nil
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	for _, stmt := range []string{
		`DELETE FROM records WHERE collection = ?`,
		`DELETE FROM partitions WHERE collection = ?`,
		`DELETE FROM collection_versions WHERE collection = ?`,
	} {
		if _, err := tx.ExecContext(ctx, stmt, name); err != nil {
			return fmt.Errorf("failed to remove collection %s: %w", name, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit removal of %s: %w", name, err)
	}
	logging.Store("removed collection %s", name)
	return nil
}

// ReadCollection returns every stored record of a collection keyed by id.
// Unknown collections and degraded mode give an empty map.
func (s *Store) ReadCollection(ctx context.Context, name string) (map[string]protocol.Record, error) {
	out := make(map[string]protocol.Record)
	db := s.handle()
	if db == nil {
		return out, nil
	}

	rows, err := db.QueryContext(ctx, `SELECT id, data FROM records WHERE collection = ?`, name)
	if err != nil {
		return out, fmt.Errorf("failed to read collection %s: %w", name, err)
	}
	defer rows.Close()

	for rows.Next() {
		var id string
		var data []byte
		if err := rows.Scan(&id, &data); err != nil {
			return out, fmt.Errorf("failed to scan %s row: %w", name, err)
		}
		var rec protocol.Record
		if err := protocol.Unmarshal(data, &rec); err != nil {
			logging.Get(logging.CategoryStore).Warn("skipping unreadable record %s/%s: %v", name, id, err)
			continue
		}
		out[id] = rec
	}
	return out, rows.Err()
}

// PrefetchCollections reads several collections at once.
func (s *Store) PrefetchCollections(ctx context.Context, names []string) (map[string]map[string]protocol.Record, error) {
	out := make(map[string]map[string]protocol.Record, len(names))
	for _, name := range lo.Uniq(names) {
		records, err := s.ReadCollection(ctx, name)
		if err != nil {
			return out, err
		}
		out[name] = records
	}
	return out, nil
}

// Collections lists the registered partitions in name order.
func (s *Store) Collections(ctx context.Context) ([]string, error) {
	db := s.handle()
	if db == nil {
		return nil, nil
	}

	rows, err := db.QueryContext(ctx, `SELECT collection FROM partitions ORDER BY collection`)
	if err != nil {
		return nil, fmt.Errorf("failed to list partitions: %w", err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("failed to scan partition: %w", err)
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

// Close closes the database. The store is degraded afterwards.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.supported = false
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	if err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}
	return nil
}
