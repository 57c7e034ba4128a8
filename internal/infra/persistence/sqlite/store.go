// Package sqlite provides a SQLite-backed persistent store that keeps the
// in-memory transactional semantics and snapshots every table to SQLite.
package sqlite

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"

	"github.com/cockroachdb/errors"
	_ "modernc.org/sqlite" // pure go sqlite driver

	"entitykit/internal/infra/persistence/memory"
	"entitykit/internal/infra/persistence/snapshot"
	"entitykit/pkg/domain"
)

// Compile-time contract assertion ensuring the store satisfies the domain interface.
var _ domain.PersistentStore = (*Store)(nil)

const defaultPath = "entitykit.db"

// Store persists the in-memory state to a single SQLite table as JSON blobs,
// one bucket per table. Every commit writes the full state before it becomes current.
type Store struct {
	*memory.Store
	db   *sql.DB
	path string
}

// NewStore constructs a snapshotting SQLite-backed persistent store.
func NewStore(path string, engine *domain.RulesEngine) (*Store, error) {
	if path == "" {
		path = defaultPath
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil && !errors.Is(err, os.ErrExist) {
		return nil, errors.Wrap(err, "create dirs")
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errors.Wrap(err, "open sqlite")
	}
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS state (
		bucket TEXT PRIMARY KEY,
		payload BLOB NOT NULL
	)`); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "create state table")
	}
	s := &Store{Store: memory.NewStore(engine), db: db, path: path}
	if err := s.load(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) load() error {
	rows, err := s.db.Query(`SELECT bucket, payload FROM state`)
	if err != nil {
		return errors.Wrap(err, "select state")
	}
	defer func() { _ = rows.Close() }()
	buckets := make(map[string][]byte)
	for rows.Next() {
		var bucket string
		var payload []byte
		if err := rows.Scan(&bucket, &payload); err != nil {
			return errors.Wrap(err, "scan")
		}
		buckets[bucket] = payload
	}
	if err := rows.Err(); err != nil {
		return errors.Wrap(err, "iterate state")
	}
	if len(buckets) == 0 {
		return nil
	}
	snap, err := snapshot.Decode(buckets)
	if err != nil {
		return err
	}
	s.ImportState(snap)
	return nil
}

// persist writes snap as the complete state. It is the memory store's
// CommitFunc, so the live state only changes once the write succeeded.
func (s *Store) persist(ctx context.Context, snap memory.Snapshot) (retErr error) {
	buckets, err := snapshot.Encode(snap)
	if err != nil {
		return err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "begin tx")
	}
	defer func() {
		if retErr != nil {
			_ = tx.Rollback()
		}
	}()
	if _, err := tx.ExecContext(ctx, `DELETE FROM state`); err != nil {
		return errors.Wrap(err, "clear state")
	}
	for _, b := range buckets {
		if _, err := tx.ExecContext(ctx, `INSERT INTO state(bucket,payload) VALUES(?,?) ON CONFLICT(bucket) DO UPDATE SET payload=excluded.payload`, b.Name, b.Payload); err != nil {
			return errors.Wrapf(err, "upsert %s", b.Name)
		}
	}
	if err := tx.Commit(); err != nil {
		return errors.Wrap(err, "commit")
	}
	return nil
}

// RunInTransaction applies fn and writes the resulting snapshot before the
// new state is committed.
func (s *Store) RunInTransaction(ctx context.Context, fn func(domain.Transaction) error) (domain.Result, error) {
	return s.Store.RunInTransactionWithCommit(ctx, fn, s.persist)
}

// Restore replaces the state and writes it through to SQLite.
func (s *Store) Restore(ctx context.Context, snap memory.Snapshot) error {
	return s.Store.RestoreWithCommit(ctx, snap, s.persist)
}

// Close releases the underlying database handle.
func (s *Store) Close() error { return s.db.Close() }

// DB exposes the underlying sql.DB for integration testing hooks.
func (s *Store) DB() *sql.DB { return s.db }

// Path returns the configured database path.
func (s *Store) Path() string { return s.path }
