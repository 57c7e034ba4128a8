package orm

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"entitykit/internal/infra/persistence/memory"
	"entitykit/pkg/domain"
)

func newBookSession(t *testing.T, fetch FetchMode) (*Session, *memory.Store) {
	t.Helper()
	r := NewRegistry()
	require.NoError(t, r.Register(authorMapping(), bookMapping(fetch)))
	engine := domain.NewRulesEngine()
	store := memory.NewStore(engine)
	s, err := NewSession(r, store)
	require.NoError(t, err)
	engine.Register(ConstraintRules(r)...)
	return s, store
}

func seedBook(t *testing.T, s *Session) (*author, *book) {
	t.Helper()
	a := &author{Name: "Le Guin"}
	title := "The Dispossessed"
	b := &book{Author: RefTo(a), Title: &title}
	require.NoError(t, s.Persist(b))
	require.NoError(t, s.Persist(a))
	require.NoError(t, s.Flush(context.Background()))
	s.Clear()
	return a, b
}

func TestHydrateLazyAssociation(t *testing.T) {
	ctx := context.Background()
	s, _ := newBookSession(t, FetchLazy)
	a, b := seedBook(t, s)
	require.Equal(t, int64(1), a.ID)
	require.Equal(t, int64(1), b.ID)

	loaded, err := Find[book](ctx, s, b.ID)
	require.NoError(t, err)
	require.False(t, loaded.Author.Resolved())
	require.Nil(t, loaded.Editor)
	require.Equal(t, "The Dispossessed", *loaded.Title)
	require.Equal(t, "id=1", loaded.Author.Key().String())

	got, err := loaded.Author.Get(ctx)
	require.NoError(t, err)
	require.Equal(t, "Le Guin", got.Name)
	again, err := Find[author](ctx, s, 1)
	require.NoError(t, err)
	require.Same(t, got, again)
}

func TestHydrateEagerAssociation(t *testing.T) {
	ctx := context.Background()
	s, _ := newBookSession(t, FetchEager)
	_, b := seedBook(t, s)

	loaded, err := Find[book](ctx, s, b.ID)
	require.NoError(t, err)
	require.True(t, loaded.Author.Resolved())
	got, ok := loaded.Author.Peek()
	require.True(t, ok)
	require.Equal(t, "Le Guin", got.Name)
}

func TestHydrateDoesNotOverwriteLoadedInstance(t *testing.T) {
	ctx := context.Background()
	s, store := newBookSession(t, FetchLazy)
	_, b := seedBook(t, s)

	loaded, err := Find[book](ctx, s, b.ID)
	require.NoError(t, err)
	changed := "Changed"
	loaded.Title = &changed

	var row domain.Row
	require.NoError(t, store.View(ctx, func(tx domain.TransactionView) error {
		row, _ = tx.Get("book", "id=1")
		return nil
	}))
	inst, err := s.hydrate(ctx, s.registry.byName["Book"], row)
	require.NoError(t, err)
	require.Same(t, loaded, inst)
	require.Equal(t, "Changed", *loaded.Title)
}

func TestNullableAssociationCanBeCleared(t *testing.T) {
	ctx := context.Background()
	s, _ := newBookSession(t, FetchLazy)
	_, b := seedBook(t, s)

	loaded, err := Find[book](ctx, s, b.ID)
	require.NoError(t, err)
	editor, err := GetReference[author](s, 1)
	require.NoError(t, err)
	loaded.Editor = editor
	require.NoError(t, s.Flush(ctx))
	s.Clear()

	loaded, err = Find[book](ctx, s, b.ID)
	require.NoError(t, err)
	require.NotNil(t, loaded.Editor)
	require.Same(t, loaded.Author, loaded.Editor)

	loaded.Editor = nil
	require.NoError(t, s.Flush(ctx))
	s.Clear()
	loaded, err = Find[book](ctx, s, b.ID)
	require.NoError(t, err)
	require.Nil(t, loaded.Editor)

	loaded.Author = nil
	require.Error(t, s.Flush(ctx))
}
