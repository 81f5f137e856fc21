// The SQLite storage keeps the cache stores of one origin in a single database file, so captured responses
// survive agent restarts the way a browser keeps its cache storage across page loads.
// Every store keeps a bloom filter of its keys in memory: fallback lookups of never-stored requests are answered
// without touching the database.

package storage

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/bits-and-blooms/bloom/v3"
	_ "github.com/mattn/go-sqlite3"
	"github.com/nobletooth/alliopro/pkg/utils"
)

var (
	storageBackend = flag.String("storage_backend", "sqlite", "Persistent cache storage backend: sqlite/memory.")
	storageDir     = flag.String("storage_dir", "./data", "Directory holding one SQLite cache database per origin.")
	bloomCapacity  = flag.Int("storage_bloom_capacity", 10_000,
		"Expected number of entries per cache store; sizes the negative lookup bloom filter.")
)

const bloomFalsePositiveRate = 0.01

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS stores (
	name       TEXT PRIMARY KEY,
	created_at INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS entries (
	store       TEXT NOT NULL REFERENCES stores(name) ON DELETE CASCADE,
	request_key TEXT NOT NULL,
	response    BLOB NOT NULL,
	stored_at   INTEGER NOT NULL,
	PRIMARY KEY (store, request_key)
);
CREATE TABLE IF NOT EXISTS installed_stores (
	store        TEXT PRIMARY KEY REFERENCES stores(name) ON DELETE CASCADE,
	installed_at INTEGER NOT NULL
);`

// NewFromFlags opens the Storage selected by -storage_backend for the given origin.
func NewFromFlags(origin *url.URL) (Storage, error) {
	switch strings.ToLower(*storageBackend) {
	case "memory":
		return NewMemory(), nil
	case "sqlite":
		if *storageDir == "" {
			return nil, errors.New("--storage_dir flag is required")
		}
		if err := os.MkdirAll(*storageDir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create storage dir %s: %w", *storageDir, err)
		}
		return NewSQLite(OriginDatabasePath(*storageDir, origin))
	default:
		return nil, fmt.Errorf("unknown storage backend '%s'", *storageBackend)
	}
}

// OriginDatabasePath returns the database file of `origin` inside `dir`, e.g. "https_alliopro.example_443.sqlite3".
func OriginDatabasePath(dir string, origin *url.URL) string {
	port := origin.Port()
	if port == "" {
		port = "80"
		if origin.Scheme == "https" {
			port = "443"
		}
	}
	replacer := strings.NewReplacer("/", "_", "\\", "_", ":", "_")
	name := replacer.Replace(fmt.Sprintf("%s_%s_%s", origin.Scheme, origin.Hostname(), port))
	return filepath.Join(dir, name+".sqlite3")
}

// SQLite is a Storage backed by a SQLite database file.
type SQLite struct { // Implements Storage.
	db  *sql.DB
	now func() time.Time

	mux     sync.Mutex
	filters map[ /*store*/ string]*keyFilter // Bloom filters of opened stores.
}

var _ Storage = (*SQLite)(nil)

// keyFilter is a bloom filter of the keys written to one store.
type keyFilter struct {
	mux     sync.Mutex
	filter  *bloom.BloomFilter
	deleted bool // Set once the store is deleted; its handles fail from then on.
}

func (f *keyFilter) markDeleted() {
	f.mux.Lock()
	defer f.mux.Unlock()
	f.deleted = true
}

func (f *keyFilter) isDeleted() bool {
	f.mux.Lock()
	defer f.mux.Unlock()
	return f.deleted
}

func (f *keyFilter) add(key RequestKey) {
	f.mux.Lock()
	defer f.mux.Unlock()
	f.filter.AddString(key.String())
}

func (f *keyFilter) mayContain(key RequestKey) bool {
	f.mux.Lock()
	defer f.mux.Unlock()
	return f.filter.TestString(key.String())
}

// NewSQLite opens (creating if needed) the database at `path`.
func NewSQLite(path string) (*SQLite, error) {
	db, err := sql.Open("sqlite3", "file:"+path+"?_busy_timeout=5000&_journal_mode=WAL&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database %s: %w", path, err)
	}
	// One connection serializes writers; SQLite allows a single writer anyway.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create sqlite schema: %w", err)
	}
	slog.Debug("Opened SQLite cache storage.", "path", path)
	return &SQLite{db: db, now: time.Now, filters: make(map[string]*keyFilter)}, nil
}

// loadFilter builds the bloom filter of `name` from the keys already in the database.
func (s *SQLite) loadFilter(ctx context.Context, name string) (*keyFilter, error) {
	s.mux.Lock()
	defer s.mux.Unlock()

	if filter, exists := s.filters[name]; exists {
		return filter, nil
	}
	filter := &keyFilter{filter: bloom.NewWithEstimates(uint(max(*bloomCapacity, 1)), bloomFalsePositiveRate)}
	rows, err := s.db.QueryContext(ctx, "SELECT request_key FROM entries WHERE store = ?", name)
	if err != nil {
		return nil, fmt.Errorf("failed to scan keys of store %s: %w", name, err)
	}
	defer func() { _ = rows.Close() }()
	for rows.Next() {
		var rawKey string
		if err := rows.Scan(&rawKey); err != nil {
			return nil, fmt.Errorf("failed to scan key of store %s: %w", name, err)
		}
		filter.filter.AddString(rawKey)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to scan keys of store %s: %w", name, err)
	}
	s.filters[name] = filter
	return filter, nil
}

func (s *SQLite) Open(ctx context.Context, name string) (Store, error) {
	if err := validateName(name); err != nil {
		return nil, err
	}
	if _, err := s.db.ExecContext(ctx, "INSERT OR IGNORE INTO stores (name, created_at) VALUES (?, ?)",
		name, s.now().UnixNano()); err != nil {
		return nil, fmt.Errorf("failed to open store %s: %w", name, err)
	}
	filter, err := s.loadFilter(ctx, name)
	if err != nil {
		return nil, err
	}
	return &sqliteStore{name: name, storage: s, filter: filter}, nil
}

func (s *SQLite) Names(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT name FROM stores ORDER BY created_at, rowid")
	if err != nil {
		return nil, fmt.Errorf("failed to list stores: %w", err)
	}
	defer func() { _ = rows.Close() }()
	names := make([]string, 0)
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("failed to scan store name: %w", err)
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

func (s *SQLite) Delete(ctx context.Context, name string) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("failed to begin delete of store %s: %w", name, err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, "DELETE FROM entries WHERE store = ?", name); err != nil {
		return false, fmt.Errorf("failed to delete entries of store %s: %w", name, err)
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM installed_stores WHERE store = ?", name); err != nil {
		return false, fmt.Errorf("failed to delete install marker of store %s: %w", name, err)
	}
	result, err := tx.ExecContext(ctx, "DELETE FROM stores WHERE name = ?", name)
	if err != nil {
		return false, fmt.Errorf("failed to delete store %s: %w", name, err)
	}
	deleted, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to delete store %s: %w", name, err)
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("failed to commit delete of store %s: %w", name, err)
	}

	s.mux.Lock()
	if filter, exists := s.filters[name]; exists {
		filter.markDeleted()
		delete(s.filters, name)
	}
	s.mux.Unlock()
	return deleted > 0, nil
}

func (s *SQLite) MarkInstalled(ctx context.Context, name string) error {
	result, err := s.db.ExecContext(ctx,
		"INSERT OR REPLACE INTO installed_stores (store, installed_at) SELECT name, ? FROM stores WHERE name = ?",
		s.now().UnixNano(), name)
	if err != nil {
		return fmt.Errorf("failed to mark store %s installed: %w", name, err)
	}
	marked, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to mark store %s installed: %w", name, err)
	}
	if marked == 0 {
		return fmt.Errorf("%w: %s", ErrStoreNotFound, name)
	}
	return nil
}

func (s *SQLite) Installed(ctx context.Context, name string) (bool, error) {
	var installed int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM installed_stores WHERE store = ?",
		name).Scan(&installed); err != nil {
		return false, fmt.Errorf("failed to check install of store %s: %w", name, err)
	}
	return installed > 0, nil
}

func (s *SQLite) Close() error {
	return s.db.Close()
}

// sqliteStore is a handle to one store of an SQLite storage.
type sqliteStore struct { // Implements Store.
	name    string
	storage *SQLite
	filter  *keyFilter
}

func (s *sqliteStore) Name() string {
	return s.name
}

// putTx writes the given entries inside `tx`. The store must still exist.
func (s *sqliteStore) putTx(ctx context.Context, tx *sql.Tx, entries []Entry) error {
	var exists int
	err := tx.QueryRowContext(ctx, "SELECT COUNT(*) FROM stores WHERE name = ?", s.name).Scan(&exists)
	if err != nil {
		return fmt.Errorf("failed to check store %s: %w", s.name, err)
	}
	if exists == 0 {
		return fmt.Errorf("%w: %s", ErrStoreNotFound, s.name)
	}
	storedAt := s.storage.now()
	for _, entry := range entries {
		if entry.Response == nil {
			return fmt.Errorf("nil response for %s", entry.Key)
		}
		stored := *entry.Response
		stored.StoredAt = storedAt
		if _, err := tx.ExecContext(ctx,
			"INSERT OR REPLACE INTO entries (store, request_key, response, stored_at) VALUES (?, ?, ?, ?)",
			s.name, entry.Key.String(), packResponse(&stored), storedAt.UnixNano()); err != nil {
			return fmt.Errorf("failed to put %s into store %s: %w", entry.Key, s.name, err)
		}
	}
	return nil
}

func (s *sqliteStore) Put(ctx context.Context, key RequestKey, resp *Response) error {
	return s.PutAll(ctx, []Entry{{Key: key, Response: resp}})
}

func (s *sqliteStore) PutAll(ctx context.Context, entries []Entry) error {
	if s.filter.isDeleted() {
		return fmt.Errorf("%w: %s", ErrStoreNotFound, s.name)
	}
	tx, err := s.storage.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin put into store %s: %w", s.name, err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := s.putTx(ctx, tx, entries); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit put into store %s: %w", s.name, err)
	}
	for _, entry := range entries {
		s.filter.add(entry.Key)
	}
	return nil
}

func (s *sqliteStore) Match(ctx context.Context, key RequestKey) (*Response, bool, error) {
	if s.filter.isDeleted() {
		return nil, false, fmt.Errorf("%w: %s", ErrStoreNotFound, s.name)
	}
	if !s.filter.mayContain(key) {
		return nil, false, nil
	}
	var packed []byte
	err := s.storage.db.QueryRowContext(ctx,
		"SELECT response FROM entries WHERE store = ? AND request_key = ?", s.name, key.String()).Scan(&packed)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to match %s in store %s: %w", key, s.name, err)
	}
	resp, err := unpackResponse(packed)
	if err != nil {
		utils.RaiseInvariant("sqlite", "corrupted_response", "Failed to unpack a stored response.",
			"store", s.name, "key", key.String(), "error", err)
		return nil, false, fmt.Errorf("failed to unpack %s in store %s: %w", key, s.name, err)
	}
	return resp, true, nil
}

func (s *sqliteStore) Keys(ctx context.Context) ([]RequestKey, error) {
	if s.filter.isDeleted() {
		return nil, fmt.Errorf("%w: %s", ErrStoreNotFound, s.name)
	}
	rows, err := s.storage.db.QueryContext(ctx,
		"SELECT request_key FROM entries WHERE store = ? ORDER BY request_key", s.name)
	if err != nil {
		return nil, fmt.Errorf("failed to list keys of store %s: %w", s.name, err)
	}
	defer func() { _ = rows.Close() }()
	keys := make([]RequestKey, 0)
	for rows.Next() {
		var rawKey string
		if err := rows.Scan(&rawKey); err != nil {
			return nil, fmt.Errorf("failed to scan key of store %s: %w", s.name, err)
		}
		key, err := ParseRequestKey(rawKey)
		if err != nil {
			return nil, fmt.Errorf("failed to parse key of store %s: %w", s.name, err)
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}
