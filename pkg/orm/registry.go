package orm

import (
	"reflect"
	"sort"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/go-playground/validator/v10"
)

var (
	validate     *validator.Validate
	validateOnce sync.Once
)

func getValidator() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New()
	})
	return validate
}

// Registry holds the mappings of all entity types known to sessions.
type Registry struct {
	mu     sync.RWMutex
	byType map[reflect.Type]*EntityMetadata
	byName map[string]*EntityMetadata
	order  []*EntityMetadata
	built  bool
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		byType: make(map[reflect.Type]*EntityMetadata),
		byName: make(map[string]*EntityMetadata),
	}
}

// Register adds mappings. Registering after Build requires another Build.
func (r *Registry) Register(metas ...*EntityMetadata) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range metas {
		if m == nil {
			return errors.Wrap(ErrInvalidMapping, "nil metadata")
		}
		if _, dup := r.byName[m.Name]; dup {
			return errors.Wrapf(ErrInvalidMapping, "entity %q registered twice", m.Name)
		}
		if _, dup := r.byType[m.typ]; dup {
			return errors.Wrapf(ErrInvalidMapping, "type %s registered twice", m.typ)
		}
		r.byName[m.Name] = m
		r.byType[m.typ] = m
		r.order = append(r.order, m)
	}
	r.built = false
	return nil
}

// RegisterLoader registers T using its static LoadMetadata hook.
func RegisterLoader[T any](r *Registry, name, table string, loader MetadataLoader[T]) error {
	b := NewBuilder[T](name, table)
	loader.LoadMetadata(b)
	return r.Register(b.Metadata())
}

// Build validates every mapping, resolves association targets, computes
// identifiers and the insert commit order. It must succeed before sessions use the registry.
func (r *Registry) Build() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	v := getValidator()
	tables := make(map[string]string, len(r.order))
	for _, m := range r.order {
		if err := v.Struct(m); err != nil {
			return errors.Wrapf(errors.Mark(err, ErrInvalidMapping), "entity %q", m.Name)
		}
		if other, dup := tables[m.Table]; dup {
			return errors.Wrapf(ErrInvalidMapping, "entities %q and %q share table %q", other, m.Name, m.Table)
		}
		tables[m.Table] = m.Name
		for _, a := range m.Associations {
			target, ok := r.byType[a.targetType]
			if !ok {
				return errors.Wrapf(ErrInvalidMapping, "%s.%s targets unregistered type %s", m.Name, a.FieldName, a.targetType)
			}
			a.target = target
			a.Target = target.Name
		}
	}
	for _, m := range r.order {
		if err := checkColumns(m); err != nil {
			return err
		}
	}
	// identifiers of association targets must exist before join columns are checked
	resolved := make(map[*EntityMetadata]bool, len(r.order))
	for range r.order {
		progress := false
		for _, m := range r.order {
			if resolved[m] || !idTargetsResolved(m, resolved) {
				continue
			}
			if err := resolveIdentifier(m); err != nil {
				return err
			}
			resolved[m] = true
			progress = true
		}
		if !progress {
			break
		}
	}
	for _, m := range r.order {
		if !resolved[m] {
			return errors.Wrapf(ErrInvalidMapping, "entity %q has a circular identifier", m.Name)
		}
	}
	for _, m := range r.order {
		for _, a := range m.Associations {
			if err := checkJoinColumns(m, a); err != nil {
				return err
			}
		}
	}
	order, err := commitOrder(r.order)
	if err != nil {
		return err
	}
	for i, m := range order {
		m.rank = i
	}
	r.built = true
	return nil
}

func checkColumns(m *EntityMetadata) error {
	fieldNames := make(map[string]struct{})
	columns := make(map[string]string)
	for _, f := range m.Fields {
		if _, dup := fieldNames[f.FieldName]; dup {
			return errors.Wrapf(ErrInvalidMapping, "%s: duplicate field %q", m.Name, f.FieldName)
		}
		fieldNames[f.FieldName] = struct{}{}
		if other, dup := columns[f.Column]; dup {
			return errors.Wrapf(ErrInvalidMapping, "%s: column %q mapped by %q and %q", m.Name, f.Column, other, f.FieldName)
		}
		columns[f.Column] = f.FieldName
		if f.ID && f.Nullable {
			return errors.Wrapf(ErrInvalidMapping, "%s: identifier field %q cannot be nullable", m.Name, f.FieldName)
		}
	}
	for _, a := range m.Associations {
		if _, dup := fieldNames[a.FieldName]; dup {
			return errors.Wrapf(ErrInvalidMapping, "%s: duplicate field %q", m.Name, a.FieldName)
		}
		fieldNames[a.FieldName] = struct{}{}
		// join columns may be shared between associations, never with a plain field
		for _, jc := range a.JoinColumns {
			if other, dup := columns[jc.Name]; dup {
				return errors.Wrapf(ErrInvalidMapping, "%s: join column %q collides with field %q", m.Name, jc.Name, other)
			}
		}
	}
	if len(m.identifier) == 0 {
		return errors.Wrapf(ErrInvalidMapping, "%s: no identifier", m.Name)
	}
	return nil
}

func idTargetsResolved(m *EntityMetadata, resolved map[*EntityMetadata]bool) bool {
	for _, a := range m.Associations {
		if a.ID && a.target != m && !resolved[a.target] {
			return false
		}
	}
	return true
}

func resolveIdentifier(m *EntityMetadata) error {
	parts := make([]idPart, 0, len(m.identifier))
	for _, name := range m.identifier {
		if f, ok := m.Field(name); ok {
			parts = append(parts, idPart{name: name, column: f.Column, typ: f.Type, field: f})
			continue
		}
		a, _ := m.Association(name)
		if len(a.JoinColumns) != 1 {
			return errors.Wrapf(ErrInvalidMapping, "%s: identifier association %q needs exactly one join column", m.Name, name)
		}
		if a.target == m {
			return errors.Wrapf(ErrInvalidMapping, "%s: identifier association %q references itself", m.Name, name)
		}
		jc := a.JoinColumns[0]
		typ, ok := a.target.ColumnType(jc.ReferencedColumn)
		if !ok {
			return errors.Wrapf(ErrInvalidMapping, "%s.%s references unknown column %s.%s", m.Name, name, a.target.Name, jc.ReferencedColumn)
		}
		parts = append(parts, idPart{name: name, column: jc.Name, typ: typ, assoc: a})
	}
	if m.Generator == GeneratorAuto {
		if len(parts) != 1 || parts[0].field == nil || !parts[0].typ.IsInteger() {
			return errors.Wrapf(ErrInvalidMapping, "%s: generated identifiers must be a single integer field", m.Name)
		}
	}
	m.idParts = parts
	return nil
}

func checkJoinColumns(m *EntityMetadata, a *AssociationMapping) error {
	want := a.target.IdentifierColumns()
	got := make([]string, 0, len(a.JoinColumns))
	for _, jc := range a.JoinColumns {
		got = append(got, jc.ReferencedColumn)
	}
	sort.Strings(want)
	sort.Strings(got)
	if len(want) != len(got) {
		return errors.Wrapf(ErrInvalidMapping, "%s.%s: join columns must reference exactly %v of %s", m.Name, a.FieldName, want, a.target.Name)
	}
	for i := range want {
		if want[i] != got[i] {
			return errors.Wrapf(ErrInvalidMapping, "%s.%s: join columns must reference exactly %v of %s", m.Name, a.FieldName, want, a.target.Name)
		}
	}
	return nil
}

// For returns the mapping of entity, which must be a pointer to a registered struct.
func (r *Registry) For(entity any) (*EntityMetadata, error) {
	if entity == nil {
		return nil, errors.Wrap(ErrUnknownEntity, "nil entity")
	}
	return r.forType(reflect.TypeOf(entity))
}

func (r *Registry) forType(t reflect.Type) (*EntityMetadata, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if !r.built {
		return nil, ErrRegistryNotBuilt
	}
	m, ok := r.byType[t]
	if !ok {
		return nil, errors.Wrapf(ErrUnknownEntity, "%s", t)
	}
	return m, nil
}

// MetadataFor returns the mapping registered for *T.
func MetadataFor[T any](r *Registry) (*EntityMetadata, error) {
	return r.forType(reflect.TypeOf((*T)(nil)))
}

// ByName returns the mapping registered under name.
func (r *Registry) ByName(name string) (*EntityMetadata, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.byName[name]
	return m, ok
}

// All returns every mapping in commit order once built, registration order otherwise.
func (r *Registry) All() []*EntityMetadata {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*EntityMetadata, len(r.order))
	copy(out, r.order)
	if r.built {
		sort.SliceStable(out, func(i, j int) bool { return out[i].rank < out[j].rank })
	}
	return out
}

// Built reports whether Build succeeded since the last registration.
func (r *Registry) Built() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.built
}
