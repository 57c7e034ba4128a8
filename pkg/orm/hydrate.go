package orm

import (
	"context"

	"github.com/cockroachdb/errors"

	"entitykit/pkg/domain"
)

// hydrate turns a stored row into the managed instance for its identity. An
// instance already present in the identity map wins over the row.
func (s *Session) hydrate(ctx context.Context, meta *EntityMetadata, row domain.Row) (any, error) {
	key, err := keyFromRow(meta, row)
	if err != nil {
		return nil, errors.Wrapf(err, "hydrate %s", meta.Name)
	}
	ik := identityKey(meta, key)
	e, ok := s.identity[ik]
	if ok && e.instance != nil {
		return e.instance, nil
	}
	inst := meta.newInstance()
	for _, f := range meta.Fields {
		v, err := f.Type.Convert(row[f.Column])
		if err != nil {
			return nil, errors.Wrapf(err, "hydrate %s.%s", meta.Name, f.FieldName)
		}
		if err := f.set(inst, v); err != nil {
			return nil, errors.Wrapf(err, "hydrate %s.%s", meta.Name, f.FieldName)
		}
	}
	type eager struct {
		meta *EntityMetadata
		key  Key
	}
	var pending []eager
	for _, a := range meta.Associations {
		tk, set, err := targetKeyFromRow(a, row)
		if err != nil {
			return nil, errors.Wrapf(err, "hydrate %s.%s", meta.Name, a.FieldName)
		}
		if !set {
			a.set(inst, nil)
			continue
		}
		a.set(inst, s.reference(a.target, tk))
		if a.Fetch == FetchEager {
			pending = append(pending, eager{meta: a.target, key: tk})
		}
	}
	if !ok {
		e = &entry{meta: meta, key: key, hasKey: true}
		s.identity[ik] = e
	}
	e.state = stateManaged
	e.instance = inst
	s.instances[inst] = e
	s.loadOrder = append(s.loadOrder, e)
	if e.ref != nil {
		e.ref.resolveTo(inst)
	}
	original, err := toRow(meta, inst)
	if err != nil {
		return nil, err
	}
	e.original = original
	for _, p := range pending {
		if _, err := s.find(ctx, p.meta, p.key); err != nil {
			return nil, errors.Wrapf(err, "eager load from %s", meta.Name)
		}
	}
	s.log.Debugw("entity loaded", "entity", meta.Name, "key", key.String())
	return inst, nil
}
