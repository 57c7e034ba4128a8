package domain

import "context"

// TransactionView provides read-only access to a consistent set of tables.
type TransactionView interface {
	// Get returns a copy of the row stored under key, if any.
	Get(table, key string) (Row, bool)
	// Scan returns copies of all rows of a table ordered by key string.
	Scan(table string) []Row
	// Tables lists tables holding at least one row or sequence.
	Tables() []string
}

// Transaction exposes the row operations that a persistence implementation
// must support within an atomic scope.
type Transaction interface {
	TransactionView
	Snapshot() TransactionView
	Insert(table, key string, row Row) error
	Update(table, key string, row Row) error
	Delete(table, key string) error
	// NextID advances and returns the table's identifier sequence.
	NextID(table string) int64
}

// PersistentStore is a minimal abstraction over durable backends.
type PersistentStore interface {
	RunInTransaction(ctx context.Context, fn func(Transaction) error) (Result, error)
	View(ctx context.Context, fn func(TransactionView) error) error
}
