// Package company holds the contract entities whose mapping is supplied by a
// static loading hook instead of a mapping function.
package company

import "entitykit/pkg/orm"

// FixContractEntity is the registered name of FixContract.
const FixContractEntity = "FixContract"

// Contract is a priced agreement.
type Contract interface {
	CalculatePrice() int64
}

// FixContract is a contract with a fixed price.
type FixContract struct {
	ID        int64
	Completed bool
	FixPrice  int64
}

var _ Contract = (*FixContract)(nil)

// CalculatePrice returns the fixed price.
func (c *FixContract) CalculatePrice() int64 { return c.FixPrice }

// LoadMetadata describes the FixContract mapping.
func (FixContract) LoadMetadata(b *orm.Builder[FixContract]) {
	b.Apply(
		orm.Field("id", "id", orm.TypeInteger, func(c *FixContract) *int64 { return &c.ID }, orm.ID()),
		orm.GeneratedValue[FixContract](orm.GeneratorAuto),
		orm.Field("completed", "completed", orm.TypeBoolean, func(c *FixContract) *bool { return &c.Completed }),
		orm.Field("fixPrice", "fix_price", orm.TypeInteger, func(c *FixContract) *int64 { return &c.FixPrice }),
	)
}

// Register adds the company entities to r.
func Register(r *orm.Registry) error {
	return orm.RegisterLoader[FixContract](r, FixContractEntity, "company_contracts", FixContract{})
}
