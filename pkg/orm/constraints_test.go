package orm_test

import (
	"context"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/require"

	"entitykit/internal/models/ticket"
	"entitykit/pkg/domain"
	"entitykit/pkg/orm"
)

func violationOf(t *testing.T, err error) domain.Violation {
	t.Helper()
	var rv domain.RuleViolationError
	require.True(t, errors.As(err, &rv), "expected rule violation, got %v", err)
	require.True(t, rv.Result.HasBlocking())
	return rv.Result.Violations[0]
}

func TestConstraintRulesNames(t *testing.T) {
	reg, err := ticket.Registry()
	require.NoError(t, err)
	var names []string
	for _, r := range orm.ConstraintRules(reg) {
		names = append(names, r.Name())
	}
	require.Equal(t, []string{orm.RuleNotNull, orm.RuleForeignKey, orm.RuleOneToOneUnique}, names)
}

func TestOneToOneTargetsAreUnique(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	shop, offer, _ := f.seed(t)

	second := ticket.NewAcceptanceItem(shop, offer)
	require.NoError(t, f.session.Persist(second))
	v := violationOf(t, f.session.Flush(ctx))
	require.Equal(t, orm.RuleOneToOneUnique, v.Rule)
	require.Equal(t, "acceptance_item", v.Table)
	require.Zero(t, second.ID)
	require.Equal(t, 1, f.store.Count("acceptance_item"))
}

func TestNotNullJoinColumns(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	shop, offer, _ := f.seed(t)

	other := ticket.NewOffer(shop, 2)
	require.NoError(t, f.session.Persist(other))
	item := &ticket.AcceptanceItem{Shop: orm.RefTo(shop)}
	require.NoError(t, f.session.Persist(item))
	v := violationOf(t, f.session.Flush(ctx))
	require.Equal(t, orm.RuleNotNull, v.Rule)
	require.Contains(t, v.Message, "productoffer_id")

	item.Offer = orm.RefTo(other)
	require.NoError(t, f.session.Flush(ctx))
	require.Equal(t, 2, f.store.Count("acceptance_item"))
	require.NotEqual(t, offer.ID, other.ID)
}
