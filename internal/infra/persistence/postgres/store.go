// Package postgres provides a Postgres-backed persistent store that mirrors the
// in-memory semantics and snapshots every table into a JSONB bucket.
package postgres

import (
	"context"
	"database/sql"
	"sync"

	"github.com/cockroachdb/errors"
	_ "github.com/jackc/pgx/v5/stdlib" // register pgx as a database/sql driver

	"entitykit/internal/infra/persistence/memory"
	"entitykit/internal/infra/persistence/snapshot"
	"entitykit/pkg/domain"
)

// Compile-time contract assertion ensuring the store satisfies the domain interface.
var _ domain.PersistentStore = (*Store)(nil)

const (
	defaultDriver = "pgx"
	defaultDSN    = "postgres://localhost/entitykit?sslmode=disable"
)

var (
	sqlOpen = sql.Open
	openMu  sync.Mutex
)

// Store persists state to Postgres while reusing the in-memory implementation for transactions.
type Store struct {
	*memory.Store
	db *sql.DB
}

// NewStore opens a Postgres-backed store using the provided DSN (falls back to defaultDSN).
// It ensures the snapshot table exists and hydrates the in-memory store from any existing snapshot.
func NewStore(ctx context.Context, dsn string, engine *domain.RulesEngine) (*Store, error) {
	if dsn == "" {
		dsn = defaultDSN
	}
	openMu.Lock()
	db, err := sqlOpen(defaultDriver, dsn)
	openMu.Unlock()
	if err != nil {
		return nil, errors.Wrap(err, "open postgres")
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "ping postgres")
	}
	if err := ensureStateTable(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}
	snap, err := loadSnapshot(ctx, db)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	mem := memory.NewStore(engine)
	mem.ImportState(snap)
	return &Store{Store: mem, db: db}, nil
}

// RunInTransaction applies fn and writes the resulting snapshot before the
// new state is committed.
func (s *Store) RunInTransaction(ctx context.Context, fn func(domain.Transaction) error) (domain.Result, error) {
	return s.Store.RunInTransactionWithCommit(ctx, fn, s.persist)
}

// Restore replaces the state and writes it through to Postgres.
func (s *Store) Restore(ctx context.Context, snap memory.Snapshot) error {
	return s.Store.RestoreWithCommit(ctx, snap, s.persist)
}

// Close releases the underlying database handle.
func (s *Store) Close() error { return s.db.Close() }

func ensureStateTable(ctx context.Context, db *sql.DB) error {
	ddl := `CREATE TABLE IF NOT EXISTS state (
		bucket TEXT PRIMARY KEY,
		payload JSONB NOT NULL
	)`
	if _, err := db.ExecContext(ctx, ddl); err != nil {
		return errors.Wrap(err, "ensure state table")
	}
	return nil
}

func loadSnapshot(ctx context.Context, db *sql.DB) (memory.Snapshot, error) {
	rows, err := db.QueryContext(ctx, `SELECT bucket, payload FROM state`)
	if err != nil {
		return memory.Snapshot{}, errors.Wrap(err, "select state")
	}
	defer func() { _ = rows.Close() }()

	buckets := make(map[string][]byte)
	for rows.Next() {
		var bucket string
		var payload []byte
		if err := rows.Scan(&bucket, &payload); err != nil {
			return memory.Snapshot{}, errors.Wrap(err, "scan state")
		}
		buckets[bucket] = payload
	}
	if err := rows.Err(); err != nil {
		return memory.Snapshot{}, errors.Wrap(err, "iterate state")
	}
	return snapshot.Decode(buckets)
}

// persist writes snap as the complete state. It is the memory store's
// CommitFunc, so the live state only changes once the write succeeded.
func (s *Store) persist(ctx context.Context, snap memory.Snapshot) error {
	buckets, err := snapshot.Encode(snap)
	if err != nil {
		return err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "begin tx")
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()
	if _, err := tx.ExecContext(ctx, `DELETE FROM state`); err != nil {
		return errors.Wrap(err, "clear state")
	}
	for _, b := range buckets {
		if _, err := tx.ExecContext(ctx, `INSERT INTO state(bucket,payload) VALUES($1,$2) ON CONFLICT(bucket) DO UPDATE SET payload=EXCLUDED.payload`, b.Name, b.Payload); err != nil {
			return errors.Wrapf(err, "upsert %s", b.Name)
		}
	}
	if err := tx.Commit(); err != nil {
		return errors.Wrap(err, "commit")
	}
	committed = true
	return nil
}

// OverrideSQLOpen swaps the sqlOpen function for tests and returns a restore function.
func OverrideSQLOpen(fn func(driverName, dataSourceName string) (*sql.DB, error)) func() {
	openMu.Lock()
	defer openMu.Unlock()
	prev := sqlOpen
	sqlOpen = fn
	return func() {
		openMu.Lock()
		defer openMu.Unlock()
		sqlOpen = prev
	}
}
