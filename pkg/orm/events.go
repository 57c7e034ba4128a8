package orm

import (
	"context"
	"time"

	"entitykit/pkg/domain"
)

// ScopeView is the read-only view of a session handed to pre-flush callbacks.
type ScopeView interface {
	ID() string
	Contains(entity any) bool
	ManagedCount() int
	PendingInserts() int
}

// PreFlushArgs is passed to pre-flush listeners and entity callbacks.
type PreFlushArgs struct {
	Scope ScopeView
}

// PreFlushListener runs once per flush before entity callbacks.
type PreFlushListener func(ctx context.Context, args PreFlushArgs) error

// FlushStats summarizes the rows written by one flush.
type FlushStats struct {
	Inserted int
	Updated  int
	Deleted  int
	// Tables counts written rows per table and action.
	Tables map[string]map[domain.Action]int
}

// Empty reports whether the flush wrote nothing.
func (s FlushStats) Empty() bool { return s.Inserted+s.Updated+s.Deleted == 0 }

func (s *FlushStats) record(table string, action domain.Action) {
	if s.Tables == nil {
		s.Tables = make(map[string]map[domain.Action]int)
	}
	if s.Tables[table] == nil {
		s.Tables[table] = make(map[domain.Action]int)
	}
	s.Tables[table][action]++
	switch action {
	case domain.ActionCreate:
		s.Inserted++
	case domain.ActionUpdate:
		s.Updated++
	case domain.ActionDelete:
		s.Deleted++
	}
}

// Observer receives flush outcomes, typically to export metrics.
type Observer interface {
	ObserveFlush(ctx context.Context, stats FlushStats, elapsed time.Duration, err error)
}

type nopObserver struct{}

func (nopObserver) ObserveFlush(context.Context, FlushStats, time.Duration, error) {}
