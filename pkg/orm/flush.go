package orm

import (
	"context"
	"sort"
	"time"

	"github.com/cockroachdb/errors"

	"entitykit/pkg/domain"
)

type writeOp struct {
	e   *entry
	key Key
	row domain.Row
}

// Flush runs pre-flush callbacks and writes all pending inserts, updates and
// deletes in one store transaction. On failure the session is left as it was
// before the call, apart from changes made by callbacks. A new entity that
// took over an outstanding reference to a row the store already holds is
// detached, its reference is released, and the flush fails with
// ErrIdentityConflict.
func (s *Session) Flush(ctx context.Context) error {
	start := time.Now()
	stats, err := s.flush(ctx)
	elapsed := time.Since(start)
	s.observer.ObserveFlush(ctx, stats, elapsed, err)
	if err != nil {
		s.log.Warnw("flush failed", "error", err, "duration_ms", elapsed.Milliseconds())
		return err
	}
	s.log.Debugw("flush completed",
		"inserted", stats.Inserted,
		"updated", stats.Updated,
		"deleted", stats.Deleted,
		"duration_ms", elapsed.Milliseconds(),
	)
	return nil
}

func (s *Session) flush(ctx context.Context) (FlushStats, error) {
	if err := s.runPreFlush(ctx); err != nil {
		return FlushStats{}, err
	}
	if err := s.releaseStoredAdoptions(ctx); err != nil {
		return FlushStats{}, err
	}
	if err := s.checkRelations(); err != nil {
		return FlushStats{}, err
	}

	inserts := append([]*entry(nil), s.inserts...)
	sort.SliceStable(inserts, func(i, j int) bool { return inserts[i].meta.rank < inserts[j].meta.rank })
	var removals []*entry
	for _, e := range s.loadOrder {
		if e.state == stateRemoved {
			removals = append(removals, e)
		}
	}
	sort.SliceStable(removals, func(i, j int) bool { return removals[i].meta.rank > removals[j].meta.rank })

	var (
		stats     FlushStats
		inserted  []writeOp
		updated   []writeOp
		generated []*entry
	)
	_, err := s.store.RunInTransaction(ctx, func(tx domain.Transaction) error {
		stats, inserted, updated, generated = FlushStats{}, nil, nil, nil
		for _, e := range inserts {
			if err := assignGenerated(tx, e, &generated); err != nil {
				return err
			}
			key, ok, err := keyOf(e.meta, e.instance)
			if err != nil {
				return err
			}
			if !ok {
				return errors.Wrapf(ErrInvalidKey, "%s: identifier not assigned", e.meta.Name)
			}
			row, err := toRow(e.meta, e.instance)
			if err != nil {
				return err
			}
			if err := tx.Insert(e.meta.Table, key.String(), row); err != nil {
				return errors.Wrapf(err, "insert %s %s", e.meta.Name, key)
			}
			inserted = append(inserted, writeOp{e: e, key: key, row: row})
			stats.record(e.meta.Table, domain.ActionCreate)
		}
		for _, e := range s.loadOrder {
			if e.state != stateManaged {
				continue
			}
			row, err := toRow(e.meta, e.instance)
			if err != nil {
				return err
			}
			if !changed(e.original, row) {
				continue
			}
			key, ok, err := keyOf(e.meta, e.instance)
			if err != nil {
				return err
			}
			if !ok || key.String() != e.key.String() {
				return errors.Wrapf(ErrIdentifierChanged, "%s %s", e.meta.Name, e.key)
			}
			if err := tx.Update(e.meta.Table, key.String(), row); err != nil {
				return errors.Wrapf(err, "update %s %s", e.meta.Name, key)
			}
			updated = append(updated, writeOp{e: e, key: key, row: row})
			stats.record(e.meta.Table, domain.ActionUpdate)
		}
		for _, e := range removals {
			if err := tx.Delete(e.meta.Table, e.key.String()); err != nil {
				return errors.Wrapf(err, "delete %s %s", e.meta.Name, e.key)
			}
			stats.record(e.meta.Table, domain.ActionDelete)
		}
		return nil
	})
	if err != nil {
		for _, e := range generated {
			_ = e.meta.idParts[0].field.set(e.instance, int64(0))
		}
		return FlushStats{}, err
	}

	for _, op := range inserted {
		s.adopt(op)
	}
	s.inserts = nil
	for _, op := range updated {
		op.e.original = op.row
	}
	for _, e := range removals {
		s.forget(e)
	}
	s.canonicalizeRefs()
	return stats, nil
}

// releaseStoredAdoptions detaches adopted entities whose row already exists,
// giving their placeholder back to the stored row.
func (s *Session) releaseStoredAdoptions(ctx context.Context) error {
	var adopted []*entry
	for _, e := range s.inserts {
		if e.adopted {
			adopted = append(adopted, e)
		}
	}
	if len(adopted) == 0 {
		return nil
	}
	var stored []*entry
	err := s.store.View(ctx, func(tx domain.TransactionView) error {
		for _, e := range adopted {
			if _, ok := tx.Get(e.meta.Table, e.key.String()); ok {
				stored = append(stored, e)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	if len(stored) == 0 {
		return nil
	}
	for _, e := range stored {
		s.release(e)
	}
	e := stored[0]
	return errors.Wrapf(ErrIdentityConflict, "%s %s is already stored", e.meta.Name, e.key)
}

func (s *Session) runPreFlush(ctx context.Context) error {
	args := PreFlushArgs{Scope: s.Scope()}
	for _, fn := range s.listeners {
		if err := fn(ctx, args); err != nil {
			return errors.Wrap(err, "pre-flush listener")
		}
	}
	targets := append([]*entry(nil), s.inserts...)
	for _, e := range s.loadOrder {
		if e.state == stateManaged {
			targets = append(targets, e)
		}
	}
	for _, e := range targets {
		for _, fn := range e.meta.preFlush {
			if err := fn(ctx, e.instance, args); err != nil {
				return errors.Wrapf(err, "pre-flush %s", e.meta.Name)
			}
		}
	}
	return nil
}

// checkRelations rejects associations resolved to instances the session does
// not track, since their identifiers cannot be trusted.
func (s *Session) checkRelations() error {
	check := func(e *entry) error {
		for _, a := range e.meta.Associations {
			h := a.get(e.instance)
			if h == nil {
				continue
			}
			if _, bound := h.refKey(); bound {
				continue
			}
			target := h.instance()
			if target == nil {
				continue
			}
			if te, ok := s.instances[target]; !ok || te.state == stateRemoved {
				return errors.Wrapf(ErrUnpersistedRelation, "%s.%s", e.meta.Name, a.FieldName)
			}
		}
		return nil
	}
	for _, e := range s.inserts {
		if err := check(e); err != nil {
			return err
		}
	}
	for _, e := range s.loadOrder {
		if e.state != stateManaged {
			continue
		}
		if err := check(e); err != nil {
			return err
		}
	}
	return nil
}

func assignGenerated(tx domain.Transaction, e *entry, generated *[]*entry) error {
	if e.meta.Generator != GeneratorAuto {
		return nil
	}
	if _, ok, err := keyOf(e.meta, e.instance); err != nil || ok {
		return err
	}
	id := tx.NextID(e.meta.Table)
	if err := e.meta.idParts[0].field.set(e.instance, id); err != nil {
		return errors.Wrapf(err, "assign %s identifier", e.meta.Name)
	}
	*generated = append(*generated, e)
	return nil
}

func changed(before, after domain.Row) bool {
	if len(before) != len(after) {
		return true
	}
	for col, v := range after {
		prev, ok := before[col]
		if !ok || domain.FormatValue(prev) != domain.FormatValue(v) {
			return true
		}
	}
	return false
}

// adopt moves an inserted entity into the identity map.
func (s *Session) adopt(op writeOp) {
	e := op.e
	if e.hasKey && e.key.String() != op.key.String() {
		stale := identityKey(e.meta, e.key)
		if s.identity[stale] == e {
			delete(s.identity, stale)
		}
	}
	e.state = stateManaged
	e.adopted = false
	e.key = op.key
	e.hasKey = true
	e.original = op.row
	ik := identityKey(e.meta, op.key)
	if existing, ok := s.identity[ik]; ok && existing != e && existing.instance == nil {
		e.ref = existing.ref
		e.ref.resolveTo(e.instance)
	}
	s.identity[ik] = e
	s.loadOrder = append(s.loadOrder, e)
}

// canonicalizeRefs replaces refs built with RefTo by the canonical ref of the
// managed entity they point at.
func (s *Session) canonicalizeRefs() {
	for _, e := range s.loadOrder {
		for _, a := range e.meta.Associations {
			h := a.get(e.instance)
			if h == nil {
				continue
			}
			if _, bound := h.refKey(); bound {
				continue
			}
			target := h.instance()
			if target == nil {
				continue
			}
			if te, ok := s.instances[target]; ok && te.hasKey {
				a.set(e.instance, s.refFor(te))
			}
		}
	}
}
