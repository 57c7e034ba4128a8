package orm_test

import (
	"context"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"entitykit/internal/infra/persistence/memory"
	"entitykit/internal/models/ticket"
	"entitykit/pkg/domain"
	"entitykit/pkg/orm"
)

type recordingObserver struct {
	stats []orm.FlushStats
	errs  []error
}

func (o *recordingObserver) ObserveFlush(_ context.Context, stats orm.FlushStats, _ time.Duration, err error) {
	o.stats = append(o.stats, stats)
	o.errs = append(o.errs, err)
}

func (o *recordingObserver) last() orm.FlushStats { return o.stats[len(o.stats)-1] }

type fixture struct {
	registry *orm.Registry
	store    *memory.Store
	session  *orm.Session
	observer *recordingObserver
}

func newFixture(t *testing.T, opts ...orm.SessionOption) *fixture {
	t.Helper()
	reg, err := ticket.Registry()
	require.NoError(t, err)
	engine := domain.NewRulesEngine()
	engine.Register(orm.ConstraintRules(reg)...)
	store := memory.NewStore(engine)
	obs := &recordingObserver{}
	opts = append([]orm.SessionOption{
		orm.WithLogger(zaptest.NewLogger(t).Sugar()),
		orm.WithObserver(obs),
	}, opts...)
	s, err := orm.NewSession(reg, store, opts...)
	require.NoError(t, err)
	return &fixture{registry: reg, store: store, session: s, observer: obs}
}

// seed persists a shop with offer 1 and an acceptance item for it.
func (f *fixture) seed(t *testing.T) (*ticket.Shop, *ticket.Offer, *ticket.AcceptanceItem) {
	t.Helper()
	shop := &ticket.Shop{}
	offer := ticket.NewOffer(shop, 1)
	item := ticket.NewAcceptanceItem(shop, offer)
	for _, e := range []any{shop, offer, item} {
		require.NoError(t, f.session.Persist(e))
	}
	require.NoError(t, f.session.Flush(context.Background()))
	return shop, offer, item
}

func TestReferenceQueryAndFindShareOneInstance(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	s := f.session
	shop, _, item := f.seed(t)
	require.Equal(t, int64(1), shop.ID)
	require.Equal(t, int64(1), item.ID)
	s.Clear()

	ref, err := orm.GetReference[ticket.Offer](s, orm.K{"shop": shop.ID, "id": 1})
	require.NoError(t, err)
	require.False(t, ref.Resolved())
	offer, err := ref.Get(ctx)
	require.NoError(t, err)
	offer.Name = "Test 2"

	q, err := s.CreateQueryBuilder().
		Select("ai").
		From(ticket.AcceptanceItemEntity, "ai").
		Where("ai.id = :item").
		SetParameter("item", item.ID).
		GetQuery()
	require.NoError(t, err)
	queried, err := orm.GetOneOrNullResult[ticket.AcceptanceItem](ctx, q)
	require.NoError(t, err)
	require.NotNil(t, queried)

	reloaded, err := orm.Find[ticket.AcceptanceItem](ctx, s, item.ID)
	require.NoError(t, err)
	require.Same(t, queried, reloaded)

	sku := "test"
	reloaded.SKU = &sku
	viaItem, err := queried.Offer.Get(ctx)
	require.NoError(t, err)
	viaItem.Name = "321"
	require.NoError(t, s.Flush(ctx))

	require.Same(t, ref, reloaded.Offer)
	resolved, err := reloaded.Offer.Get(ctx)
	require.NoError(t, err)
	require.Same(t, offer, resolved)
	require.Equal(t, "321", offer.Name)

	stats := f.observer.last()
	assert.Equal(t, 2, stats.Updated)
	assert.Equal(t, 1, stats.Tables["offer"][domain.ActionUpdate])
	assert.Equal(t, 1, stats.Tables["acceptance_item"][domain.ActionUpdate])

	s.Clear()
	stored, err := orm.Find[ticket.Offer](ctx, s, orm.K{"shop": shop.ID, "id": 1})
	require.NoError(t, err)
	require.Equal(t, "321", stored.Name)
	storedItem, err := orm.Find[ticket.AcceptanceItem](ctx, s, item.ID)
	require.NoError(t, err)
	require.NotNil(t, storedItem.SKU)
	require.Equal(t, "test", *storedItem.SKU)
}

func TestFindReturnsManagedInstance(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	shop, offer, _ := f.seed(t)

	found, err := orm.Find[ticket.Offer](ctx, f.session, orm.K{"shop": shop.ID, "id": 1})
	require.NoError(t, err)
	require.Same(t, offer, found)

	f.session.Clear()
	first, err := orm.Find[ticket.Shop](ctx, f.session, shop.ID)
	require.NoError(t, err)
	second, err := orm.Find[ticket.Shop](ctx, f.session, int64(1))
	require.NoError(t, err)
	require.Same(t, first, second)
	require.NotSame(t, shop, first)

	_, err = orm.Find[ticket.Shop](ctx, f.session, 42)
	require.ErrorIs(t, err, orm.ErrNotFound)
}

func TestReferencesToInsertedEntitiesBecomeCanonical(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	shop, offer, item := f.seed(t)

	ref, err := orm.GetReference[ticket.Offer](f.session, orm.K{"shop": shop.ID, "id": offer.ID})
	require.NoError(t, err)
	require.True(t, ref.Resolved())
	require.Same(t, ref, item.Offer)
	got, err := ref.Get(ctx)
	require.NoError(t, err)
	require.Same(t, offer, got)
}

func TestReferenceBeforePersistResolvesToPersistedEntity(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	shop := &ticket.Shop{}
	require.NoError(t, f.session.Persist(shop))
	require.NoError(t, f.session.Flush(ctx))

	ref, err := orm.GetReference[ticket.Offer](f.session, orm.K{"shop": shop.ID, "id": 7})
	require.NoError(t, err)
	offer := ticket.NewOffer(shop, 7)
	require.NoError(t, f.session.Persist(offer))
	got, ok := ref.Peek()
	require.True(t, ok)
	require.Same(t, offer, got)
	require.NoError(t, f.session.Flush(ctx))
	require.Equal(t, 1, f.store.Count("offer"))
}

func TestFlushReleasesReferenceTakenOverByDuplicate(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	s := f.session
	shop, offer, item := f.seed(t)
	offer.Name = "stored"
	require.NoError(t, s.Flush(ctx))
	s.Clear()

	ref, err := orm.GetReference[ticket.Offer](s, orm.K{"shop": shop.ID, "id": 1})
	require.NoError(t, err)
	dup := ticket.NewOffer(shop, 1)
	require.NoError(t, s.Persist(dup))
	peeked, ok := ref.Peek()
	require.True(t, ok)
	require.Same(t, dup, peeked)

	err = s.Flush(ctx)
	require.ErrorIs(t, err, orm.ErrIdentityConflict)
	require.False(t, s.Contains(dup))
	require.False(t, ref.Resolved())
	require.ErrorIs(t, s.Detach(dup), orm.ErrNotManaged)
	require.Equal(t, 1, f.store.Count("offer"))

	got, err := ref.Get(ctx)
	require.NoError(t, err)
	require.NotSame(t, dup, got)
	require.Equal(t, "stored", got.Name)

	found, err := orm.Find[ticket.Offer](ctx, s, orm.K{"shop": shop.ID, "id": 1})
	require.NoError(t, err)
	require.Same(t, got, found)

	reloaded, err := orm.Find[ticket.AcceptanceItem](ctx, s, item.ID)
	require.NoError(t, err)
	require.Same(t, ref, reloaded.Offer)
	require.NoError(t, s.Flush(ctx))
}

func TestDetachingAdoptedEntityRestoresPlaceholder(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	s := f.session
	shop := &ticket.Shop{}
	require.NoError(t, s.Persist(shop))
	require.NoError(t, s.Flush(ctx))

	ref, err := orm.GetReference[ticket.Offer](s, orm.K{"shop": shop.ID, "id": 7})
	require.NoError(t, err)

	first := ticket.NewOffer(shop, 7)
	require.NoError(t, s.Persist(first))
	require.NoError(t, s.Detach(first))
	require.False(t, ref.Resolved())
	require.Equal(t, 0, s.Scope().PendingInserts())

	second := ticket.NewOffer(shop, 7)
	require.NoError(t, s.Persist(second))
	require.NoError(t, s.Remove(second))
	require.False(t, ref.Resolved())
	require.NoError(t, s.Flush(ctx))
	require.Equal(t, 0, f.store.Count("offer"))
	_, err = ref.Get(ctx)
	require.ErrorIs(t, err, orm.ErrNotFound)

	third := ticket.NewOffer(shop, 7)
	require.NoError(t, s.Persist(third))
	again, err := orm.GetReference[ticket.Offer](s, orm.K{"shop": shop.ID, "id": 7})
	require.NoError(t, err)
	require.Same(t, ref, again)
	require.NoError(t, s.Flush(ctx))
	require.Equal(t, 1, f.store.Count("offer"))
	got, err := ref.Get(ctx)
	require.NoError(t, err)
	require.Same(t, third, got)
}

func TestClearDetachesUnresolvedReferences(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	shop, _, _ := f.seed(t)
	f.session.Clear()

	ref, err := orm.GetReference[ticket.Shop](f.session, shop.ID)
	require.NoError(t, err)
	f.session.Clear()

	_, err = ref.Get(ctx)
	require.ErrorIs(t, err, orm.ErrDetachedReference)

	unmanaged := &orm.Ref[ticket.Shop]{}
	_, err = unmanaged.Get(ctx)
	require.ErrorIs(t, err, orm.ErrDetachedReference)
}

func TestPersistRejectsDuplicateIdentity(t *testing.T) {
	f := newFixture(t)
	shop, _, _ := f.seed(t)

	dup := ticket.NewOffer(shop, 1)
	err := f.session.Persist(dup)
	require.ErrorIs(t, err, orm.ErrIdentityConflict)
	require.False(t, f.session.Contains(dup))
}

func TestPersistRejectsUnregisteredTypes(t *testing.T) {
	f := newFixture(t)
	type unknown struct{ ID int64 }
	require.ErrorIs(t, f.session.Persist(&unknown{}), orm.ErrUnknownEntity)
	require.ErrorIs(t, f.session.Remove(&ticket.Shop{}), orm.ErrNotManaged)
}

func TestFlushRejectsUnpersistedRelation(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	shop := &ticket.Shop{}
	offer := ticket.NewOffer(shop, 1)
	require.NoError(t, f.session.Persist(offer))

	err := f.session.Flush(ctx)
	require.ErrorIs(t, err, orm.ErrUnpersistedRelation)
	require.Equal(t, 0, f.store.Count("offer"))
	require.ErrorIs(t, f.observer.errs[len(f.observer.errs)-1], orm.ErrUnpersistedRelation)
}

func TestFailedFlushRollsBackGeneratedIdentifiers(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	missing, err := orm.GetReference[ticket.Shop](f.session, 99)
	require.NoError(t, err)

	shop := &ticket.Shop{}
	offer := &ticket.Offer{Shop: missing, ID: 1, Name: "orphan"}
	require.NoError(t, f.session.Persist(shop))
	require.NoError(t, f.session.Persist(offer))

	err = f.session.Flush(ctx)
	var violation domain.RuleViolationError
	require.True(t, errors.As(err, &violation))
	require.Equal(t, orm.RuleForeignKey, violation.Result.Violations[0].Rule)
	require.Zero(t, shop.ID)
	require.True(t, f.session.Contains(shop))
	require.Equal(t, 0, f.store.Count("shop"))

	offer.Shop = orm.RefTo(shop)
	require.NoError(t, f.session.Flush(ctx))
	require.Equal(t, int64(1), shop.ID)
	require.Equal(t, 1, f.store.Count("offer"))
}

func TestFlushWritesOnlyChangedRows(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	shop, _, _ := f.seed(t)
	require.Equal(t, 3, f.observer.last().Inserted)
	f.session.Clear()

	offer, err := orm.Find[ticket.Offer](ctx, f.session, orm.K{"shop": shop.ID, "id": 1})
	require.NoError(t, err)
	require.NoError(t, f.session.Flush(ctx))
	require.True(t, f.observer.last().Empty())

	offer.Name = "renamed"
	require.NoError(t, f.session.Flush(ctx))
	require.Equal(t, 1, f.observer.last().Updated)
	require.NoError(t, f.session.Flush(ctx))
	require.True(t, f.observer.last().Empty())
}

func TestFlushRejectsIdentifierChange(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	_, offer, _ := f.seed(t)

	offer.ID = 2
	require.ErrorIs(t, f.session.Flush(ctx), orm.ErrIdentifierChanged)
}

func TestRemove(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	shop, offer, item := f.seed(t)

	require.NoError(t, f.session.Remove(offer))
	require.False(t, f.session.Contains(offer))
	_, err := orm.Find[ticket.Offer](ctx, f.session, orm.K{"shop": shop.ID, "id": 1})
	require.ErrorIs(t, err, orm.ErrNotFound)

	err = f.session.Flush(ctx)
	var violation domain.RuleViolationError
	require.True(t, errors.As(err, &violation))
	require.Equal(t, orm.RuleForeignKey, violation.Result.Violations[0].Rule)

	require.NoError(t, f.session.Remove(item))
	require.NoError(t, f.session.Flush(ctx))
	require.Equal(t, 2, f.observer.last().Deleted)
	require.Equal(t, 0, f.store.Count("offer"))
	require.Equal(t, 0, f.store.Count("acceptance_item"))
	require.Equal(t, 1, f.store.Count("shop"))

	again := &ticket.Shop{}
	require.NoError(t, f.session.Persist(again))
	require.NoError(t, f.session.Remove(again))
	require.False(t, f.session.Contains(again))
	require.NoError(t, f.session.Flush(ctx))
	require.Equal(t, 1, f.store.Count("shop"))
}

func TestPersistCancelsRemoval(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	_, _, item := f.seed(t)

	require.NoError(t, f.session.Remove(item))
	require.NoError(t, f.session.Persist(item))
	require.True(t, f.session.Contains(item))
	require.NoError(t, f.session.Flush(ctx))
	require.Equal(t, 1, f.store.Count("acceptance_item"))
}

func TestDetachStopsTracking(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	shop, offer, _ := f.seed(t)

	require.NoError(t, f.session.Detach(offer))
	offer.Name = "ignored"
	require.NoError(t, f.session.Flush(ctx))

	reloaded, err := orm.Find[ticket.Offer](ctx, f.session, orm.K{"shop": shop.ID, "id": 1})
	require.NoError(t, err)
	require.NotSame(t, offer, reloaded)
	require.Equal(t, ticket.DefaultOfferName, reloaded.Name)
}

func TestPreFlushListenersRunBeforeEntityCallbacks(t *testing.T) {
	ctx := context.Background()
	var pending []int
	f := newFixture(t, orm.WithPreFlushListener(func(_ context.Context, args orm.PreFlushArgs) error {
		pending = append(pending, args.Scope.PendingInserts())
		return nil
	}))
	f.seed(t)
	require.Equal(t, []int{3}, pending)

	boom := errors.New("boom")
	g := newFixture(t, orm.WithPreFlushListener(func(context.Context, orm.PreFlushArgs) error { return boom }))
	require.NoError(t, g.session.Persist(&ticket.Shop{}))
	require.ErrorIs(t, g.session.Flush(ctx), boom)
	require.Equal(t, 0, g.store.Count("shop"))
}

func TestSessionScope(t *testing.T) {
	f := newFixture(t)
	scope := f.session.Scope()
	require.Equal(t, f.session.ID(), scope.ID())
	shop := &ticket.Shop{}
	require.NoError(t, f.session.Persist(shop))
	require.Equal(t, 1, scope.PendingInserts())
	require.Equal(t, 0, scope.ManagedCount())
	require.True(t, scope.Contains(shop))
	require.NoError(t, f.session.Flush(context.Background()))
	require.Equal(t, 0, scope.PendingInserts())
	require.Equal(t, 1, scope.ManagedCount())
}
