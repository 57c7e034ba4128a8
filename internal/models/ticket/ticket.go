// Package ticket holds the shop, offer and acceptance item entities used to
// exercise identity resolution across references, queries and lookups.
package ticket

import (
	"context"

	"entitykit/pkg/orm"
)

// Entity names.
const (
	ShopEntity           = "Shop"
	OfferEntity          = "Offer"
	AcceptanceItemEntity = "AcceptanceItem"
)

// DefaultOfferName is the display name of a new offer.
const DefaultOfferName = "Test"

// Shop is identified by a generated integer.
type Shop struct {
	ID int64
}

// Offer is identified by its shop and its own id.
type Offer struct {
	Shop *orm.Ref[Shop]
	ID   int64
	Name string
}

// NewOffer returns an offer of shop with the default name.
func NewOffer(shop *Shop, id int64) *Offer {
	return &Offer{Shop: orm.RefTo(shop), ID: id, Name: DefaultOfferName}
}

// AcceptanceItem accepts one offer of a shop.
type AcceptanceItem struct {
	ID    int64
	Shop  *orm.Ref[Shop]
	Offer *orm.Ref[Offer]
	SKU   *string
}

// NewAcceptanceItem returns an item accepting offer in shop.
func NewAcceptanceItem(shop *Shop, offer *Offer) *AcceptanceItem {
	return &AcceptanceItem{Shop: orm.RefTo(shop), Offer: orm.RefTo(offer)}
}

// preFlush reads the offer name into a filtered list. The list is not kept.
func (a *AcceptanceItem) preFlush(ctx context.Context, _ orm.PreFlushArgs) error {
	offer, err := a.Offer.Get(ctx)
	if err != nil || offer == nil {
		return err
	}
	_ = filterNames([]string{offer.Name}, func(n string) bool { return n != "" })
	return nil
}

func filterNames(names []string, keep func(string) bool) []string {
	out := names[:0:0]
	for _, n := range names {
		if keep(n) {
			out = append(out, n)
		}
	}
	return out
}

// ShopMapping maps Shop to the shop table.
func ShopMapping() *orm.EntityMetadata {
	return orm.Entity[Shop](ShopEntity, "shop",
		orm.Field("id", "id", orm.TypeInteger, func(s *Shop) *int64 { return &s.ID }, orm.ID()),
		orm.GeneratedValue[Shop](orm.GeneratorAuto),
	)
}

// OfferMapping maps Offer to the offer table with a (shop_id, id) key.
func OfferMapping() *orm.EntityMetadata {
	return orm.Entity[Offer](OfferEntity, "offer",
		orm.ManyToOne("shop", func(o *Offer) **orm.Ref[Shop] { return &o.Shop },
			[]orm.JoinColumn{orm.JoinOn("shop_id", "id")}, orm.ID()),
		orm.Field("id", "id", orm.TypeInteger, func(o *Offer) *int64 { return &o.ID }, orm.ID()),
		orm.Field("name", "name", orm.TypeString, func(o *Offer) *string { return &o.Name }, orm.Length(255)),
	)
}

// AcceptanceItemMapping maps AcceptanceItem to the acceptance_item table.
func AcceptanceItemMapping() *orm.EntityMetadata {
	return orm.Entity[AcceptanceItem](AcceptanceItemEntity, "acceptance_item",
		orm.Field("id", "id", orm.TypeInteger, func(a *AcceptanceItem) *int64 { return &a.ID }, orm.ID()),
		orm.GeneratedValue[AcceptanceItem](orm.GeneratorAuto),
		orm.ManyToOne("shop", func(a *AcceptanceItem) **orm.Ref[Shop] { return &a.Shop },
			[]orm.JoinColumn{orm.JoinOn("shop_id", "id").NotNull()}),
		orm.OneToOne("offer", func(a *AcceptanceItem) **orm.Ref[Offer] { return &a.Offer },
			[]orm.JoinColumn{
				orm.JoinOn("shop_id", "shop_id"),
				orm.JoinOn("productoffer_id", "id").NotNull(),
			},
			orm.Fetch(orm.FetchExtraLazy)),
		orm.Field("sku", "sku", orm.TypeString, func(a *AcceptanceItem) **string { return &a.SKU }, orm.Nullable(), orm.Length(255)),
		orm.PreFlush(func(ctx context.Context, a *AcceptanceItem, args orm.PreFlushArgs) error {
			return a.preFlush(ctx, args)
		}),
	)
}

// Register adds the ticket entities to r.
func Register(r *orm.Registry) error {
	return r.Register(ShopMapping(), OfferMapping(), AcceptanceItemMapping())
}

// Registry returns a built registry holding the ticket entities.
func Registry() (*orm.Registry, error) {
	r := orm.NewRegistry()
	if err := Register(r); err != nil {
		return nil, err
	}
	if err := r.Build(); err != nil {
		return nil, err
	}
	return r, nil
}
