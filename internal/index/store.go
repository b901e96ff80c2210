package index

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/aidanlsb/echo/internal/sqlutil"
)

var (
	// ErrStoreLocked indicates another process holds the index directory.
	ErrStoreLocked = errors.New("index store is locked by another process")
)

// StoreVersion is the current store schema version.
const StoreVersion = 1

// StoredIndex is one persisted index: the blob plus its sidecar.
type StoredIndex struct {
	Identifier string
	Kind       Kind
	Data       []byte
	UpdatedAt  time.Time
}

// Store persists serialized indexes and per-document bookkeeping in SQLite.
type Store struct {
	db   *sql.DB
	lock *storeLock
}

// OpenStore opens or creates the store under dir and takes an exclusive
// lock on it.
func OpenStore(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create index directory: %w", err)
	}
	lock, err := acquireStoreLock(dir)
	if err != nil {
		return nil, err
	}
	db, err := sql.Open("sqlite", filepath.Join(dir, "index.db"))
	if err != nil {
		_ = lock.Release()
		return nil, fmt.Errorf("failed to open index store: %w", err)
	}
	s := &Store{db: db, lock: lock}
	if err := s.initialize(); err != nil {
		db.Close()
		_ = lock.Release()
		return nil, err
	}
	return s, nil
}

// OpenMemoryStore opens a store that lives only as long as the process.
func OpenMemoryStore() (*Store, error) {
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		return nil, err
	}
	// Every connection to :memory: is a separate database.
	db.SetMaxOpenConns(1)
	s := &Store{db: db}
	if err := s.initialize(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) initialize() error {
	const ddl = `
	CREATE TABLE IF NOT EXISTS indexes (
		identifier TEXT PRIMARY KEY,
		kind TEXT NOT NULL,
		data BLOB NOT NULL,
		updated_at INTEGER NOT NULL
	);
	CREATE TABLE IF NOT EXISTS index_meta (
		document_id TEXT PRIMARY KEY,
		dirty INTEGER NOT NULL DEFAULT 1,
		updated_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_index_meta_dirty ON index_meta(dirty);
	CREATE TABLE IF NOT EXISTS store_info (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);
	`
	if _, err := s.db.Exec(ddl); err != nil {
		return fmt.Errorf("failed to initialize index store: %w", err)
	}
	_, err := s.db.Exec(`INSERT INTO store_info (key, value) VALUES ('version', ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`, fmt.Sprint(StoreVersion))
	if err != nil {
		return fmt.Errorf("failed to record store version: %w", err)
	}
	return nil
}

// Close closes the database and releases the directory lock.
func (s *Store) Close() error {
	return errors.Join(s.db.Close(), s.lock.Release())
}

// SaveIndex writes or replaces a serialized index.
func (s *Store) SaveIndex(ctx context.Context, identifier string, kind Kind, data []byte) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO indexes (identifier, kind, data, updated_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(identifier) DO UPDATE SET kind = excluded.kind, data = excluded.data, updated_at = excluded.updated_at`,
		identifier, kind.String(), data, time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to save index %s: %w", identifier, err)
	}
	return nil
}

// RemoveIndex deletes a serialized index.
func (s *Store) RemoveIndex(ctx context.Context, identifier string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM indexes WHERE identifier = ?`, identifier)
	return err
}

// LoadIndexes returns every persisted index ordered by identifier.
func (s *Store) LoadIndexes(ctx context.Context) ([]StoredIndex, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT identifier, kind, data, updated_at FROM indexes ORDER BY identifier`)
	if err != nil {
		return nil, fmt.Errorf("failed to list indexes: %w", err)
	}
	return sqlutil.ScanRows(rows, func(rows *sql.Rows) (StoredIndex, error) {
		var si StoredIndex
		var kind string
		var updated int64
		if err := rows.Scan(&si.Identifier, &kind, &si.Data, &updated); err != nil {
			return StoredIndex{}, err
		}
		k, err := ParseKind(kind)
		if err != nil {
			return StoredIndex{}, err
		}
		si.Kind = k
		si.UpdatedAt = time.UnixMilli(updated)
		return si, nil
	})
}

// MarkDirty records that documents changed since the indexes were saved.
func (s *Store) MarkDirty(ctx context.Context, ids ...string) error {
	return s.setDirty(ctx, ids, true)
}

// MarkClean records that the saved indexes cover the documents.
func (s *Store) MarkClean(ctx context.Context, ids ...string) error {
	return s.setDirty(ctx, ids, false)
}

func (s *Store) setDirty(ctx context.Context, ids []string, dirty bool) error {
	if len(ids) == 0 {
		return nil
	}
	now := time.Now().UnixMilli()
	flag := 0
	if dirty {
		flag = 1
	}
	return sqlutil.InTx(ctx, s.db, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO index_meta (document_id, dirty, updated_at) VALUES (?, ?, ?)
			ON CONFLICT(document_id) DO UPDATE SET dirty = excluded.dirty, updated_at = excluded.updated_at`)
		if err != nil {
			return err
		}
		defer stmt.Close()
		for _, id := range ids {
			if _, err := stmt.ExecContext(ctx, id, flag, now); err != nil {
				return fmt.Errorf("failed to update index metadata for %s: %w", id, err)
			}
		}
		return nil
	})
}

// DirtyDocuments returns the documents changed since the last save.
func (s *Store) DirtyDocuments(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT document_id FROM index_meta WHERE dirty = 1 ORDER BY document_id`)
	if err != nil {
		return nil, err
	}
	return sqlutil.ScanRows(rows, func(rows *sql.Rows) (string, error) {
		var id string
		err := rows.Scan(&id)
		return id, err
	})
}

// ForgetDocuments drops the bookkeeping for ids.
func (s *Store) ForgetDocuments(ctx context.Context, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	placeholders, args := sqlutil.InArgs(ids)
	_, err := s.db.ExecContext(ctx, `DELETE FROM index_meta WHERE document_id IN (`+placeholders+`)`, args...)
	return err
}

type storeLock struct {
	file *os.File
}

func acquireStoreLock(dir string) (*storeLock, error) {
	f, err := os.OpenFile(filepath.Join(dir, "index.lock"), os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open index lock: %w", err)
	}
	if err := lockExclusive(f); err != nil {
		f.Close()
		if wouldBlock(err) {
			return nil, ErrStoreLocked
		}
		return nil, fmt.Errorf("failed to acquire index lock: %w", err)
	}
	return &storeLock{file: f}, nil
}

func (l *storeLock) Release() error {
	if l == nil || l.file == nil {
		return nil
	}
	unlockErr := unlock(l.file)
	closeErr := l.file.Close()
	l.file = nil
	return errors.Join(unlockErr, closeErr)
}
