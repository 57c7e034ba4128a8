package memory

import (
	"context"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"entitykit/pkg/domain"
)

func TestStoreRunInTransactionAndSnapshots(t *testing.T) {
	store := NewStore(nil)
	ctx := context.Background()
	_, err := store.RunInTransaction(ctx, func(tx domain.Transaction) error {
		if _, ok := tx.Get("shops", "id=1"); ok {
			t.Fatalf("expected missing row lookup")
		}
		id := tx.NextID("shops")
		require.Equal(t, int64(1), id)
		require.NoError(t, tx.Insert("shops", "id=1", domain.Row{"id": id}))
		view := tx.Snapshot()
		require.Len(t, view.Scan("shops"), 1)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, store.Count("shops"))

	snapshot := store.ExportState()
	store.ImportState(Snapshot{})
	assert.Equal(t, 0, store.Count("shops"))
	require.NoError(t, store.Restore(ctx, snapshot))
	assert.Equal(t, 1, store.Count("shops"))
	assert.Equal(t, int64(1), snapshot.Sequences["shops"])
	assert.NotNil(t, store.RulesEngine())
}

func TestStoreRollsBackOnError(t *testing.T) {
	store := NewStore(nil)
	ctx := context.Background()
	boom := errors.New("boom")
	_, err := store.RunInTransaction(ctx, func(tx domain.Transaction) error {
		tx.NextID("shops")
		require.NoError(t, tx.Insert("shops", "id=1", domain.Row{"id": int64(1)}))
		return boom
	})
	require.ErrorIs(t, err, boom)
	assert.Equal(t, 0, store.Count("shops"))
	assert.Empty(t, store.ExportState().Sequences)
}

func TestStoreRuleViolation(t *testing.T) {
	store := NewStore(domain.NewRulesEngine())
	store.RulesEngine().Register(blockingRule{})
	_, err := store.RunInTransaction(context.Background(), func(tx domain.Transaction) error {
		return tx.Insert("shops", "id=1", domain.Row{"id": int64(1)})
	})
	var violation domain.RuleViolationError
	require.ErrorAs(t, err, &violation)
	assert.True(t, violation.Result.HasBlocking())
	assert.Equal(t, 0, store.Count("shops"))
}

type blockingRule struct{}

func (blockingRule) Name() string { return "block" }

func (blockingRule) Evaluate(_ context.Context, _ domain.RuleView, changes []domain.Change) (domain.Result, error) {
	res := domain.Result{}
	for _, c := range changes {
		res.Merge(domain.Result{Violations: []domain.Violation{{Rule: "block", Severity: domain.SeverityBlock, Table: c.Table, Key: c.Key}}})
	}
	return res, nil
}

func TestRowOperationErrors(t *testing.T) {
	store := NewStore(nil)
	ctx := context.Background()
	_, err := store.RunInTransaction(ctx, func(tx domain.Transaction) error {
		require.ErrorIs(t, tx.Update("offers", "id=1", domain.Row{}), domain.ErrRowNotFound)
		require.ErrorIs(t, tx.Delete("offers", "id=1"), domain.ErrRowNotFound)
		require.NoError(t, tx.Insert("offers", "id=1", domain.Row{"id": int64(1), "name": "Test"}))
		require.ErrorIs(t, tx.Insert("offers", "id=1", domain.Row{"id": int64(1)}), domain.ErrRowExists)
		require.NoError(t, tx.Update("offers", "id=1", domain.Row{"id": int64(1), "name": "Renamed"}))
		row, ok := tx.Get("offers", "id=1")
		require.True(t, ok)
		assert.Equal(t, "Renamed", row["name"])
		return nil
	})
	require.NoError(t, err)

	_, err = store.RunInTransaction(ctx, func(tx domain.Transaction) error {
		return tx.Delete("offers", "id=1")
	})
	require.NoError(t, err)
	assert.Equal(t, 0, store.Count("offers"))
}

func TestViewIsolatedFromCallerMutation(t *testing.T) {
	store := NewStore(nil)
	ctx := context.Background()
	_, err := store.RunInTransaction(ctx, func(tx domain.Transaction) error {
		return tx.Insert("offers", "id=1", domain.Row{"id": int64(1), "name": "Test"})
	})
	require.NoError(t, err)

	require.NoError(t, store.View(ctx, func(v domain.TransactionView) error {
		row, ok := v.Get("offers", "id=1")
		require.True(t, ok)
		row["name"] = "mutated"
		assert.Equal(t, []string{"offers"}, v.Tables())
		return nil
	}))
	require.NoError(t, store.View(ctx, func(v domain.TransactionView) error {
		rows := v.Scan("offers")
		require.Len(t, rows, 1)
		assert.Equal(t, "Test", rows[0]["name"])
		return nil
	}))
}

func TestCommitFuncGuardsStateChange(t *testing.T) {
	store := NewStore(nil)
	ctx := context.Background()
	insert := func(tx domain.Transaction) error {
		id := tx.NextID("shops")
		return tx.Insert("shops", domain.FormatKey([]string{"id"}, []any{id}), domain.Row{"id": id})
	}

	_, err := store.RunInTransactionWithCommit(ctx, insert, func(context.Context, Snapshot) error {
		return errors.New("disk full")
	})
	require.Error(t, err)
	assert.Equal(t, 0, store.Count("shops"))
	assert.Zero(t, store.ExportState().Sequences["shops"])

	var committed Snapshot
	_, err = store.RunInTransactionWithCommit(ctx, insert, func(_ context.Context, snap Snapshot) error {
		committed = snap
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, store.Count("shops"))
	assert.Len(t, committed.Tables["shops"], 1)
	assert.Equal(t, int64(1), committed.Sequences["shops"])

	err = store.RestoreWithCommit(ctx, Snapshot{}, func(context.Context, Snapshot) error {
		return errors.New("disk full")
	})
	require.Error(t, err)
	assert.Equal(t, 1, store.Count("shops"))
	require.NoError(t, store.RestoreWithCommit(ctx, Snapshot{}, nil))
	assert.Equal(t, 0, store.Count("shops"))
}
