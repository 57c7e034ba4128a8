package ticket

import (
	"context"

	"github.com/cockroachdb/errors"

	"entitykit/pkg/domain"
	"entitykit/pkg/orm"
)

// IdentityReport describes one run of CheckIdentity.
type IdentityReport struct {
	ShopID int64
	ItemID int64
	// SameHandle reports whether the reloaded item's offer is the reference
	// handed out before the item was loaded.
	SameHandle bool
	// SameInstance reports whether both resolve to one Offer instance.
	SameInstance bool
	OfferName    string
}

// OK reports whether every identity expectation held.
func (r IdentityReport) OK() bool { return r.SameHandle && r.SameInstance }

// CheckIdentity seeds a shop, offer and acceptance item in store, clears the
// session, then reaches the offer through a reference, a query and a find and
// reports whether all three paths share one instance. Mutations made through
// each path are flushed before the comparison.
func CheckIdentity(ctx context.Context, reg *orm.Registry, store domain.PersistentStore, opts ...orm.SessionOption) (IdentityReport, error) {
	s, err := orm.NewSession(reg, store, opts...)
	if err != nil {
		return IdentityReport{}, err
	}
	shop := &Shop{}
	offer := NewOffer(shop, 1)
	item := NewAcceptanceItem(shop, offer)
	for _, e := range []any{shop, offer, item} {
		if err := s.Persist(e); err != nil {
			return IdentityReport{}, err
		}
	}
	if err := s.Flush(ctx); err != nil {
		return IdentityReport{}, errors.Wrap(err, "seed")
	}
	report := IdentityReport{ShopID: shop.ID, ItemID: item.ID}
	s.Clear()

	ref, err := orm.GetReference[Offer](s, orm.K{"shop": shop.ID, "id": offer.ID})
	if err != nil {
		return report, err
	}
	referenced, err := ref.Get(ctx)
	if err != nil {
		return report, err
	}
	referenced.Name = "Test 2"

	q, err := s.CreateQueryBuilder().
		Select("ai").
		From(AcceptanceItemEntity, "ai").
		Where("ai.id = :item").
		SetParameter("item", item.ID).
		GetQuery()
	if err != nil {
		return report, err
	}
	queried, err := orm.GetOneOrNullResult[AcceptanceItem](ctx, q)
	if err != nil {
		return report, err
	}
	if queried == nil {
		return report, errors.Wrapf(orm.ErrNotFound, "acceptance item %d", item.ID)
	}
	reloaded, err := orm.Find[AcceptanceItem](ctx, s, item.ID)
	if err != nil {
		return report, err
	}

	sku := "test"
	reloaded.SKU = &sku
	viaItem, err := queried.Offer.Get(ctx)
	if err != nil {
		return report, err
	}
	viaItem.Name = "321"
	if err := s.Flush(ctx); err != nil {
		return report, err
	}

	report.SameHandle = reloaded.Offer == ref
	resolved, err := reloaded.Offer.Get(ctx)
	if err != nil {
		return report, err
	}
	report.SameInstance = resolved == referenced && viaItem == referenced
	report.OfferName = resolved.Name
	return report, nil
}
