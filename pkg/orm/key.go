package orm

import (
	"github.com/cockroachdb/errors"

	"entitykit/pkg/domain"
)

// K addresses a composite identifier by identifier field name. Column names
// are accepted as well.
type K map[string]any

// Key is a canonical entity identifier: ordered identifier columns with
// values normalized to their column types.
type Key struct {
	columns []string
	values  []any
}

// Columns returns the identifier columns in identifier order.
func (k Key) Columns() []string { return append([]string(nil), k.columns...) }

// Value returns the value of one identifier column.
func (k Key) Value(column string) (any, bool) {
	for i, c := range k.columns {
		if c == column {
			return k.values[i], true
		}
	}
	return nil, false
}

// IsZero reports whether the key is unset.
func (k Key) IsZero() bool { return len(k.columns) == 0 }

// String renders the storage primary key.
func (k Key) String() string { return domain.FormatKey(k.columns, k.values) }

// keyFromID converts a caller supplied identifier into a canonical key. A
// bare value is accepted for single-part identifiers.
func keyFromID(m *EntityMetadata, id any) (Key, error) {
	switch v := id.(type) {
	case Key:
		return keyFromValues(m, func(p idPart) (any, bool) { return v.Value(p.column) })
	case K:
		if len(v) != len(m.idParts) {
			return Key{}, errors.Wrapf(ErrInvalidKey, "%s expects %v", m.Name, m.Identifier())
		}
		return keyFromValues(m, func(p idPart) (any, bool) {
			if val, ok := v[p.name]; ok {
				return val, true
			}
			val, ok := v[p.column]
			return val, ok
		})
	case map[string]any:
		return keyFromID(m, K(v))
	}
	if len(m.idParts) != 1 {
		return Key{}, errors.Wrapf(ErrInvalidKey, "%s has a composite identifier %v", m.Name, m.Identifier())
	}
	return keyFromValues(m, func(idPart) (any, bool) { return id, true })
}

func keyFromValues(m *EntityMetadata, lookup func(idPart) (any, bool)) (Key, error) {
	k := Key{columns: make([]string, len(m.idParts)), values: make([]any, len(m.idParts))}
	for i, p := range m.idParts {
		raw, ok := lookup(p)
		if !ok || raw == nil {
			return Key{}, errors.Wrapf(ErrInvalidKey, "%s: missing %q", m.Name, p.name)
		}
		if h, isRef := raw.(refHandle); isRef && p.assoc != nil {
			hk, ok, err := keyOfHandle(p.assoc, h)
			if err != nil {
				return Key{}, err
			}
			if !ok {
				return Key{}, errors.Wrapf(ErrInvalidKey, "%s: %q has no identifier", m.Name, p.name)
			}
			raw, _ = hk.Value(p.assoc.JoinColumns[0].ReferencedColumn)
		}
		v, err := p.typ.Convert(valueOf(raw))
		if err != nil {
			return Key{}, errors.Wrapf(errors.Mark(err, ErrInvalidKey), "%s.%s", m.Name, p.name)
		}
		k.columns[i] = p.column
		k.values[i] = v
	}
	return k, nil
}

// keyFromRow reads the identifier of a stored row.
func keyFromRow(m *EntityMetadata, row domain.Row) (Key, error) {
	return keyFromValues(m, func(p idPart) (any, bool) {
		v, ok := row[p.column]
		return v, ok
	})
}

// targetKeyFromRow reads the key of an association target from the join
// columns of a stored row. ok is false when the join columns are null.
func targetKeyFromRow(a *AssociationMapping, row domain.Row) (Key, bool, error) {
	byRef := make(map[string]any, len(a.JoinColumns))
	for _, jc := range a.JoinColumns {
		v := row[jc.Name]
		if v == nil {
			return Key{}, false, nil
		}
		byRef[jc.ReferencedColumn] = v
	}
	k, err := keyFromValues(a.target, func(p idPart) (any, bool) {
		v, ok := byRef[p.column]
		return v, ok
	})
	if err != nil {
		return Key{}, false, err
	}
	return k, true, nil
}

// keyOf computes the identifier of an entity instance. ok is false when the
// identifier is not assigned yet.
func keyOf(m *EntityMetadata, entity any) (Key, bool, error) {
	k := Key{columns: make([]string, len(m.idParts)), values: make([]any, len(m.idParts))}
	for i, p := range m.idParts {
		var raw any
		if p.field != nil {
			raw = p.field.get(entity)
		} else {
			hk, ok, err := keyOfHandle(p.assoc, p.assoc.get(entity))
			if err != nil || !ok {
				return Key{}, false, err
			}
			raw, _ = hk.Value(p.assoc.JoinColumns[0].ReferencedColumn)
		}
		if raw == nil {
			return Key{}, false, nil
		}
		v, err := p.typ.Convert(raw)
		if err != nil {
			return Key{}, false, errors.Wrapf(errors.Mark(err, ErrInvalidKey), "%s.%s", m.Name, p.name)
		}
		if m.Generator == GeneratorAuto && v == int64(0) {
			return Key{}, false, nil
		}
		k.columns[i] = p.column
		k.values[i] = v
	}
	return k, true, nil
}

// keyOfHandle returns the target key of an association value, taken from the
// ref itself or computed from the instance it resolves to.
func keyOfHandle(a *AssociationMapping, h refHandle) (Key, bool, error) {
	if h == nil {
		return Key{}, false, nil
	}
	if k, ok := h.refKey(); ok {
		return k, true, nil
	}
	inst := h.instance()
	if inst == nil {
		return Key{}, false, nil
	}
	return keyOf(a.target, inst)
}

// toRow flattens an entity into its column values. Join columns shared by
// several associations must agree.
func toRow(m *EntityMetadata, entity any) (domain.Row, error) {
	row := make(domain.Row, len(m.Fields)+len(m.Associations))
	for _, f := range m.Fields {
		v, err := f.Type.Convert(f.get(entity))
		if err != nil {
			return nil, errors.Wrapf(err, "%s.%s", m.Name, f.FieldName)
		}
		row[f.Column] = v
	}
	for _, a := range m.Associations {
		k, ok, err := keyOfHandle(a, a.get(entity))
		if err != nil {
			return nil, err
		}
		for _, jc := range a.JoinColumns {
			var v any
			if ok {
				v, _ = k.Value(jc.ReferencedColumn)
			}
			prev, set := row[jc.Name]
			switch {
			case !set || prev == nil:
				row[jc.Name] = v
			case v == nil:
			case domain.FormatValue(prev) != domain.FormatValue(v):
				return nil, errors.Wrapf(ErrInvalidMapping, "%s: associations disagree on join column %q", m.Name, jc.Name)
			}
		}
	}
	return row, nil
}
