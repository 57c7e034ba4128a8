// Package memory provides an in-memory implementation of the row store used
// for tests, ephemeral environments and as the transactional core of the
// snapshotting sqlite and postgres backends.
package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/cockroachdb/errors"

	"entitykit/pkg/domain"
)

// Compile-time contract assertion ensuring memory.Store adheres to the domain persistence interface.
var _ domain.PersistentStore = (*Store)(nil)

type (
	// Row aliases domain.Row for in-memory persistence operations.
	Row = domain.Row
	// Change aliases domain.Change captured in transactions.
	Change = domain.Change
	// Result aliases domain.Result summarizing rule evaluation.
	Result = domain.Result
	// RulesEngine aliases domain.RulesEngine used to evaluate rules.
	RulesEngine = domain.RulesEngine
	// Transaction aliases domain.Transaction representing a mutable unit of work.
	Transaction = domain.Transaction
	// TransactionView aliases domain.TransactionView providing read-only state.
	TransactionView = domain.TransactionView
)

type memoryState struct {
	tables    map[string]map[string]Row
	sequences map[string]int64
}

// Snapshot captures a point-in-time clone of the store state.
type Snapshot struct {
	Tables    map[string]map[string]Row `json:"tables"`
	Sequences map[string]int64          `json:"sequences"`
}

func newMemoryState() memoryState {
	return memoryState{
		tables:    make(map[string]map[string]Row),
		sequences: make(map[string]int64),
	}
}

func (s memoryState) clone() memoryState {
	out := memoryState{
		tables:    make(map[string]map[string]Row, len(s.tables)),
		sequences: make(map[string]int64, len(s.sequences)),
	}
	for table, rows := range s.tables {
		cp := make(map[string]Row, len(rows))
		for k, r := range rows {
			cp[k] = r.Clone()
		}
		out.tables[table] = cp
	}
	for table, seq := range s.sequences {
		out.sequences[table] = seq
	}
	return out
}

func snapshotFromMemoryState(state memoryState) Snapshot {
	cloned := state.clone()
	return Snapshot{Tables: cloned.tables, Sequences: cloned.sequences}
}

func memoryStateFromSnapshot(s Snapshot) memoryState {
	state := memoryState{tables: s.Tables, sequences: s.Sequences}
	state = state.clone()
	for table, rows := range state.tables {
		if len(rows) == 0 {
			delete(state.tables, table)
		}
	}
	return state
}

// Store provides an in-memory transactional row store.
type Store struct {
	mu     sync.RWMutex
	state  memoryState
	engine *RulesEngine
}

// CommitFunc durably writes a state about to become current. It runs under the
// store lock; an error aborts the commit and leaves the state untouched.
type CommitFunc func(ctx context.Context, snap Snapshot) error

// NewStore constructs an in-memory store backed by the provided rules engine.
func NewStore(engine *RulesEngine) *Store {
	if engine == nil {
		engine = domain.NewRulesEngine()
	}
	return &Store{
		state:  newMemoryState(),
		engine: engine,
	}
}

// ExportState clones the current store state for external persistence.
func (s *Store) ExportState() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return snapshotFromMemoryState(s.state)
}

// ImportState replaces the store state with the provided snapshot.
func (s *Store) ImportState(snapshot Snapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = memoryStateFromSnapshot(snapshot)
}

// Restore replaces the store state with snapshot.
func (s *Store) Restore(ctx context.Context, snapshot Snapshot) error {
	return s.RestoreWithCommit(ctx, snapshot, nil)
}

// RestoreWithCommit replaces the store state with snapshot once commit has
// accepted it.
func (s *Store) RestoreWithCommit(ctx context.Context, snapshot Snapshot, commit CommitFunc) error {
	state := memoryStateFromSnapshot(snapshot)
	s.mu.Lock()
	defer s.mu.Unlock()
	if commit != nil {
		if err := commit(ctx, snapshotFromMemoryState(state)); err != nil {
			return err
		}
	}
	s.state = state
	return nil
}

// RulesEngine exposes the currently configured engine.
func (s *Store) RulesEngine() *RulesEngine {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.engine
}

// transaction represents a mutation set applied to a private copy of the state.
type transaction struct {
	state   memoryState
	changes []Change
}

type transactionView struct {
	state *memoryState
}

func newTransactionView(state *memoryState) TransactionView {
	return transactionView{state: state}
}

// Get returns a copy of the row stored under key.
func (v transactionView) Get(table, key string) (Row, bool) {
	row, ok := v.state.tables[table][key]
	if !ok {
		return nil, false
	}
	return row.Clone(), true
}

// Scan returns all rows of table ordered by key string.
func (v transactionView) Scan(table string) []Row {
	rows := v.state.tables[table]
	keys := make([]string, 0, len(rows))
	for k := range rows {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]Row, 0, len(keys))
	for _, k := range keys {
		out = append(out, rows[k].Clone())
	}
	return out
}

// Tables lists every table that holds rows or a sequence.
func (v transactionView) Tables() []string {
	seen := make(map[string]struct{}, len(v.state.tables)+len(v.state.sequences))
	for t, rows := range v.state.tables {
		if len(rows) > 0 {
			seen[t] = struct{}{}
		}
	}
	for t := range v.state.sequences {
		seen[t] = struct{}{}
	}
	out := make([]string, 0, len(seen))
	for t := range seen {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// RunInTransaction executes fn within a transactional copy of the store state.
// Rules are evaluated against the post-transaction view before committing.
func (s *Store) RunInTransaction(ctx context.Context, fn func(tx Transaction) error) (Result, error) {
	return s.RunInTransactionWithCommit(ctx, fn, nil)
}

// RunInTransactionWithCommit is RunInTransaction with commit invoked on the
// new state after rules pass and before it becomes visible.
func (s *Store) RunInTransactionWithCommit(ctx context.Context, fn func(tx Transaction) error, commit CommitFunc) (Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx := &transaction{state: s.state.clone()}

	if err := fn(tx); err != nil {
		return Result{}, err
	}

	var result Result
	if s.engine != nil && len(tx.changes) > 0 {
		view := newTransactionView(&tx.state)
		res, err := s.engine.Evaluate(ctx, view, tx.changes)
		if err != nil {
			return Result{}, errors.Wrap(err, "evaluate rules")
		}
		result = res
		if res.HasBlocking() {
			return res, domain.RuleViolationError{Result: res}
		}
	}

	if commit != nil {
		if err := commit(ctx, snapshotFromMemoryState(tx.state)); err != nil {
			return result, err
		}
	}
	s.state = tx.state
	return result, nil
}

// View executes fn against a read-only snapshot of the store state.
func (s *Store) View(_ context.Context, fn func(TransactionView) error) error {
	s.mu.RLock()
	snapshot := s.state.clone()
	s.mu.RUnlock()
	return fn(newTransactionView(&snapshot))
}

func (tx *transaction) recordChange(change Change) {
	tx.changes = append(tx.changes, change)
}

// Snapshot returns a read-only view over the transactional state.
func (tx *transaction) Snapshot() TransactionView {
	return newTransactionView(&tx.state)
}

func (tx *transaction) Get(table, key string) (Row, bool) {
	return newTransactionView(&tx.state).Get(table, key)
}

func (tx *transaction) Scan(table string) []Row {
	return newTransactionView(&tx.state).Scan(table)
}

func (tx *transaction) Tables() []string {
	return newTransactionView(&tx.state).Tables()
}

// Insert stores a new row under key.
func (tx *transaction) Insert(table, key string, row Row) error {
	rows, ok := tx.state.tables[table]
	if !ok {
		rows = make(map[string]Row)
		tx.state.tables[table] = rows
	}
	if _, exists := rows[key]; exists {
		return errors.Wrapf(domain.ErrRowExists, "%s %s", table, key)
	}
	rows[key] = row.Clone()
	tx.recordChange(Change{Table: table, Action: domain.ActionCreate, Key: key, After: row.Clone()})
	return nil
}

// Update replaces the row stored under key.
func (tx *transaction) Update(table, key string, row Row) error {
	current, ok := tx.state.tables[table][key]
	if !ok {
		return errors.Wrapf(domain.ErrRowNotFound, "%s %s", table, key)
	}
	tx.state.tables[table][key] = row.Clone()
	tx.recordChange(Change{Table: table, Action: domain.ActionUpdate, Key: key, Before: current, After: row.Clone()})
	return nil
}

// Delete removes the row stored under key.
func (tx *transaction) Delete(table, key string) error {
	current, ok := tx.state.tables[table][key]
	if !ok {
		return errors.Wrapf(domain.ErrRowNotFound, "%s %s", table, key)
	}
	delete(tx.state.tables[table], key)
	tx.recordChange(Change{Table: table, Action: domain.ActionDelete, Key: key, Before: current})
	return nil
}

// NextID advances the table sequence.
func (tx *transaction) NextID(table string) int64 {
	tx.state.sequences[table]++
	return tx.state.sequences[table]
}

// Count returns the number of rows stored in table.
func (s *Store) Count(table string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.state.tables[table])
}
