package orm

import (
	"context"
	"reflect"
)

// GeneratorType selects how identifiers are assigned on insert.
type GeneratorType string

const (
	// GeneratorNone leaves identifiers to application code.
	GeneratorNone GeneratorType = "none"
	// GeneratorAuto draws integer identifiers from the store's table sequence.
	GeneratorAuto GeneratorType = "auto"
)

// FetchMode selects when an association target is loaded.
type FetchMode string

const (
	FetchLazy      FetchMode = "lazy"
	FetchExtraLazy FetchMode = "extra_lazy"
	FetchEager     FetchMode = "eager"
)

// AssociationKind is the cardinality of a single-valued association.
type AssociationKind string

const (
	KindManyToOne AssociationKind = "many_to_one"
	KindOneToOne  AssociationKind = "one_to_one"
)

// FieldMapping maps one struct field to one column.
type FieldMapping struct {
	FieldName string     `validate:"required"`
	Column    string     `validate:"required"`
	Type      ColumnType `validate:"required,oneof=integer smallint bigint string text boolean float datetime"`
	Length    int        `validate:"gte=0"`
	Nullable  bool
	ID        bool

	get func(entity any) any
	set func(entity any, v any) error
}

// JoinColumn pairs a local foreign-key column with the target column it references.
type JoinColumn struct {
	Name             string `validate:"required"`
	ReferencedColumn string `validate:"required"`
	Nullable         bool
}

// JoinOn returns a nullable join column, the default for associations.
func JoinOn(name, referencedColumn string) JoinColumn {
	return JoinColumn{Name: name, ReferencedColumn: referencedColumn, Nullable: true}
}

// NotNull returns a copy of the join column that rejects null values.
func (j JoinColumn) NotNull() JoinColumn {
	j.Nullable = false
	return j
}

// AssociationMapping maps a Ref field to a target entity through join columns.
type AssociationMapping struct {
	FieldName   string          `validate:"required"`
	Kind        AssociationKind `validate:"required,oneof=many_to_one one_to_one"`
	Fetch       FetchMode       `validate:"required,oneof=lazy extra_lazy eager"`
	JoinColumns []JoinColumn    `validate:"required,min=1,dive"`
	ID          bool
	// Target is the registered name of the target entity, resolved by Registry.Build.
	Target string

	target     *EntityMetadata
	targetType reflect.Type
	get        func(entity any) refHandle
	set        func(entity any, h refHandle)
}

// Nullable reports whether every join column accepts null.
func (a *AssociationMapping) Nullable() bool {
	for _, jc := range a.JoinColumns {
		if !jc.Nullable {
			return false
		}
	}
	return true
}

// TargetMetadata returns the resolved target entity.
func (a *AssociationMapping) TargetMetadata() *EntityMetadata { return a.target }

// idPart is one component of an entity identifier.
type idPart struct {
	name   string
	column string
	typ    ColumnType
	field  *FieldMapping
	assoc  *AssociationMapping
}

// EntityMetadata is the complete mapping of one entity type.
type EntityMetadata struct {
	Name         string                `validate:"required"`
	Table        string                `validate:"required"`
	Generator    GeneratorType         `validate:"required,oneof=none auto"`
	Fields       []*FieldMapping       `validate:"dive"`
	Associations []*AssociationMapping `validate:"dive"`

	typ         reflect.Type
	newInstance func() any
	newRef      func() refHandle
	preFlush    []func(ctx context.Context, entity any, args PreFlushArgs) error
	identifier  []string
	idParts     []idPart
	rank        int
}

// Type returns the pointer type of the mapped struct.
func (m *EntityMetadata) Type() reflect.Type { return m.typ }

// IdentifierColumns returns the primary key columns in identifier order.
func (m *EntityMetadata) IdentifierColumns() []string {
	cols := make([]string, len(m.idParts))
	for i, p := range m.idParts {
		cols[i] = p.column
	}
	return cols
}

// Identifier returns the identifier field names in declaration order.
func (m *EntityMetadata) Identifier() []string {
	out := make([]string, len(m.identifier))
	copy(out, m.identifier)
	return out
}

// Field returns the field mapping named name.
func (m *EntityMetadata) Field(name string) (*FieldMapping, bool) {
	for _, f := range m.Fields {
		if f.FieldName == name {
			return f, true
		}
	}
	return nil, false
}

// Association returns the association mapping named name.
func (m *EntityMetadata) Association(name string) (*AssociationMapping, bool) {
	for _, a := range m.Associations {
		if a.FieldName == name {
			return a, true
		}
	}
	return nil, false
}

// ColumnType returns the storage type of a column owned by the entity,
// following join columns to the referenced target column.
func (m *EntityMetadata) ColumnType(column string) (ColumnType, bool) {
	for _, f := range m.Fields {
		if f.Column == column {
			return f.Type, true
		}
	}
	for _, a := range m.Associations {
		for _, jc := range a.JoinColumns {
			if jc.Name == column && a.target != nil {
				return a.target.ColumnType(jc.ReferencedColumn)
			}
		}
	}
	return "", false
}

// HasPreFlush reports whether the entity declares pre-flush callbacks.
func (m *EntityMetadata) HasPreFlush() bool { return len(m.preFlush) > 0 }

// Builder assembles EntityMetadata for the struct type T.
type Builder[T any] struct {
	meta *EntityMetadata
}

// MappingOption configures an entity mapping.
type MappingOption[T any] func(*Builder[T])

// NewBuilder starts a mapping for T stored in table.
func NewBuilder[T any](name, table string) *Builder[T] {
	return &Builder[T]{meta: &EntityMetadata{
		Name:        name,
		Table:       table,
		Generator:   GeneratorNone,
		typ:         reflect.TypeOf((*T)(nil)),
		newInstance: func() any { return new(T) },
		newRef:      func() refHandle { return &Ref[T]{} },
	}}
}

// Apply applies mapping options in order.
func (b *Builder[T]) Apply(opts ...MappingOption[T]) *Builder[T] {
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Metadata returns the assembled mapping.
func (b *Builder[T]) Metadata() *EntityMetadata { return b.meta }

// Entity maps T to table under the registered name.
func Entity[T any](name, table string, opts ...MappingOption[T]) *EntityMetadata {
	return NewBuilder[T](name, table).Apply(opts...).Metadata()
}

// Mod adjusts a field or association mapping.
type Mod func(*mods)

type mods struct {
	id       bool
	nullable bool
	length   int
	fetch    FetchMode
}

// ID marks the field or association as part of the identifier.
func ID() Mod { return func(m *mods) { m.id = true } }

// Nullable allows null values in the column.
func Nullable() Mod { return func(m *mods) { m.nullable = true } }

// Length sets the maximum length of a string column.
func Length(n int) Mod { return func(m *mods) { m.length = n } }

// Fetch sets the association fetch mode.
func Fetch(mode FetchMode) Mod { return func(m *mods) { m.fetch = mode } }

func applyMods(opts []Mod) mods {
	m := mods{fetch: FetchLazy}
	for _, o := range opts {
		o(&m)
	}
	return m
}

// Field maps the struct field addressed by ptr to column. V is one of the
// supported scalar types or a pointer to one for nullable columns.
func Field[T, V any](name, column string, typ ColumnType, ptr func(*T) *V, opts ...Mod) MappingOption[T] {
	return func(b *Builder[T]) {
		m := applyMods(opts)
		fm := &FieldMapping{
			FieldName: name,
			Column:    column,
			Type:      typ,
			Length:    m.length,
			Nullable:  m.nullable,
			ID:        m.id,
			get:       func(e any) any { return valueOf(any(*ptr(e.(*T)))) },
			set:       func(e any, v any) error { return assign(ptr(e.(*T)), v) },
		}
		b.meta.Fields = append(b.meta.Fields, fm)
		if m.id {
			b.meta.identifier = append(b.meta.identifier, name)
		}
	}
}

// ManyToOne maps a reference to R through the given join columns.
func ManyToOne[T, R any](name string, ptr func(*T) **Ref[R], joins []JoinColumn, opts ...Mod) MappingOption[T] {
	return association[T, R](KindManyToOne, name, ptr, joins, opts)
}

// OneToOne maps a unique reference to R through the given join columns.
func OneToOne[T, R any](name string, ptr func(*T) **Ref[R], joins []JoinColumn, opts ...Mod) MappingOption[T] {
	return association[T, R](KindOneToOne, name, ptr, joins, opts)
}

func association[T, R any](kind AssociationKind, name string, ptr func(*T) **Ref[R], joins []JoinColumn, opts []Mod) MappingOption[T] {
	return func(b *Builder[T]) {
		m := applyMods(opts)
		am := &AssociationMapping{
			FieldName:   name,
			Kind:        kind,
			Fetch:       m.fetch,
			JoinColumns: append([]JoinColumn(nil), joins...),
			ID:          m.id,
			targetType:  reflect.TypeOf((*R)(nil)),
			get: func(e any) refHandle {
				r := *ptr(e.(*T))
				if r == nil {
					return nil
				}
				return r
			},
			set: func(e any, h refHandle) {
				if h == nil {
					*ptr(e.(*T)) = nil
					return
				}
				*ptr(e.(*T)) = h.(*Ref[R])
			},
		}
		if m.id {
			for i := range am.JoinColumns {
				am.JoinColumns[i].Nullable = false
			}
			b.meta.identifier = append(b.meta.identifier, name)
		}
		b.meta.Associations = append(b.meta.Associations, am)
	}
}

// GeneratedValue selects the identifier generation strategy.
func GeneratedValue[T any](g GeneratorType) MappingOption[T] {
	return func(b *Builder[T]) { b.meta.Generator = g }
}

// PreFlush registers a lifecycle callback invoked for every loaded or new
// instance of T before a flush computes its change sets.
func PreFlush[T any](fn func(ctx context.Context, entity *T, args PreFlushArgs) error) MappingOption[T] {
	return func(b *Builder[T]) {
		b.meta.preFlush = append(b.meta.preFlush, func(ctx context.Context, e any, args PreFlushArgs) error {
			return fn(ctx, e.(*T), args)
		})
	}
}

// MetadataLoader is implemented by entity types that describe their own
// mapping through a static loading hook.
type MetadataLoader[T any] interface {
	LoadMetadata(b *Builder[T])
}
