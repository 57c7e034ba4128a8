package orm

import (
	"context"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"entitykit/pkg/domain"
)

type entityState int

const (
	stateNew entityState = iota
	stateManaged
	stateRemoved
)

// entry is one identity map slot. An entry without instance is a placeholder
// created for a reference that has not been loaded yet. A pending entity that
// took over a placeholder is adopted until its insert is flushed.
type entry struct {
	meta     *EntityMetadata
	state    entityState
	key      Key
	hasKey   bool
	adopted  bool
	ref      refHandle
	instance any
	original domain.Row
}

func identityKey(m *EntityMetadata, k Key) string { return m.Name + "|" + k.String() }

// Session is a unit of work over a store. It guarantees at most one instance
// per persisted identity and is not safe for concurrent use.
type Session struct {
	id        string
	registry  *Registry
	store     domain.PersistentStore
	log       *zap.SugaredLogger
	observer  Observer
	listeners []PreFlushListener

	gen       uint64
	identity  map[string]*entry
	instances map[any]*entry
	loadOrder []*entry
	inserts   []*entry
}

// SessionOption configures a Session.
type SessionOption func(*Session)

// WithLogger sets the session logger.
func WithLogger(log *zap.SugaredLogger) SessionOption {
	return func(s *Session) {
		if log != nil {
			s.log = log
		}
	}
}

// WithObserver reports flush outcomes to o.
func WithObserver(o Observer) SessionOption {
	return func(s *Session) {
		if o != nil {
			s.observer = o
		}
	}
}

// WithPreFlushListener appends a listener run at the start of every flush.
func WithPreFlushListener(fn PreFlushListener) SessionOption {
	return func(s *Session) { s.listeners = append(s.listeners, fn) }
}

// NewSession opens a unit of work. The registry is built when needed.
func NewSession(registry *Registry, store domain.PersistentStore, opts ...SessionOption) (*Session, error) {
	if registry == nil || store == nil {
		return nil, errors.New("orm: registry and store are required")
	}
	if !registry.Built() {
		if err := registry.Build(); err != nil {
			return nil, errors.Wrap(err, "build registry")
		}
	}
	s := &Session{
		id:       uuid.NewString(),
		registry: registry,
		store:    store,
		log:      zap.NewNop().Sugar(),
		observer: nopObserver{},
	}
	for _, opt := range opts {
		opt(s)
	}
	s.log = s.log.With("session_id", s.id)
	s.reset()
	return s, nil
}

func (s *Session) reset() {
	s.identity = make(map[string]*entry)
	s.instances = make(map[any]*entry)
	s.loadOrder = nil
	s.inserts = nil
}

// ID returns the session identifier.
func (s *Session) ID() string { return s.id }

// Registry returns the mappings used by the session.
func (s *Session) Registry() *Registry { return s.registry }

// Persist schedules a new entity for insertion on the next flush. Persisting
// a managed entity is a no-op; persisting a removed one cancels the removal.
func (s *Session) Persist(entity any) error {
	meta, err := s.registry.For(entity)
	if err != nil {
		return err
	}
	if e, ok := s.instances[entity]; ok {
		if e.state == stateRemoved {
			e.state = stateManaged
		}
		return nil
	}
	key, hasKey, err := keyOf(meta, entity)
	if err != nil {
		return err
	}
	e := &entry{meta: meta, state: stateNew, instance: entity, key: key, hasKey: hasKey}
	if hasKey {
		ik := identityKey(meta, key)
		if existing, ok := s.identity[ik]; ok {
			if existing.instance != nil {
				return errors.Wrapf(ErrIdentityConflict, "%s %s", meta.Name, key)
			}
			// a reference to this key was handed out before the entity existed
			e = existing
			e.state = stateNew
			e.adopted = true
			e.instance = entity
			if e.ref != nil {
				e.ref.resolveTo(entity)
			}
		}
		s.identity[ik] = e
	}
	s.instances[entity] = e
	s.inserts = append(s.inserts, e)
	return nil
}

// Remove schedules a managed entity for deletion. Removing a new entity
// cancels its insertion.
func (s *Session) Remove(entity any) error {
	e, ok := s.instances[entity]
	if !ok {
		return errors.Wrapf(ErrNotManaged, "%T", entity)
	}
	switch e.state {
	case stateNew:
		s.forget(e)
	case stateManaged:
		e.state = stateRemoved
	}
	return nil
}

// Contains reports whether entity is managed or scheduled for insertion.
func (s *Session) Contains(entity any) bool {
	e, ok := s.instances[entity]
	return ok && e.state != stateRemoved
}

// Detach stops tracking entity. Pending changes to it are not flushed.
func (s *Session) Detach(entity any) error {
	e, ok := s.instances[entity]
	if !ok {
		return errors.Wrapf(ErrNotManaged, "%T", entity)
	}
	s.forget(e)
	return nil
}

// Clear detaches every entity. Unresolved references handed out earlier can
// no longer be loaded.
func (s *Session) Clear() {
	s.gen++
	s.reset()
	s.log.Debugw("session cleared")
}

func (s *Session) forget(e *entry) {
	if e.adopted && e.state == stateNew {
		s.release(e)
		return
	}
	delete(s.instances, e.instance)
	if e.hasKey {
		ik := identityKey(e.meta, e.key)
		if s.identity[ik] == e {
			delete(s.identity, ik)
		}
	}
	s.inserts = removeEntry(s.inserts, e)
	s.loadOrder = removeEntry(s.loadOrder, e)
}

// release turns an adopted pending entry back into the placeholder it took
// over. The slot keeps its reference, which loads from the store again.
func (s *Session) release(e *entry) {
	delete(s.instances, e.instance)
	e.instance = nil
	e.original = nil
	e.adopted = false
	e.state = stateManaged
	if e.ref != nil {
		e.ref.unresolve()
	}
	s.inserts = removeEntry(s.inserts, e)
	s.loadOrder = removeEntry(s.loadOrder, e)
}

func removeEntry(list []*entry, e *entry) []*entry {
	for i, x := range list {
		if x == e {
			return append(list[:i], list[i+1:]...)
		}
	}
	return list
}

// Find returns the entity of type T with the given identifier, from the
// identity map when present and from the store otherwise.
func Find[T any](ctx context.Context, s *Session, id any) (*T, error) {
	meta, err := MetadataFor[T](s.registry)
	if err != nil {
		return nil, err
	}
	key, err := keyFromID(meta, id)
	if err != nil {
		return nil, err
	}
	inst, err := s.find(ctx, meta, key)
	if err != nil {
		return nil, err
	}
	return inst.(*T), nil
}

// GetReference returns the canonical reference to the entity of type T with
// the given identifier without reading the store.
func GetReference[T any](s *Session, id any) (*Ref[T], error) {
	meta, err := MetadataFor[T](s.registry)
	if err != nil {
		return nil, err
	}
	key, err := keyFromID(meta, id)
	if err != nil {
		return nil, err
	}
	return s.reference(meta, key).(*Ref[T]), nil
}

func (s *Session) find(ctx context.Context, meta *EntityMetadata, key Key) (any, error) {
	if e, ok := s.identity[identityKey(meta, key)]; ok && e.instance != nil {
		if e.state == stateRemoved {
			return nil, errors.Wrapf(ErrNotFound, "%s %s is scheduled for removal", meta.Name, key)
		}
		return e.instance, nil
	}
	var (
		row   domain.Row
		found bool
	)
	err := s.store.View(ctx, func(tx domain.TransactionView) error {
		row, found = tx.Get(meta.Table, key.String())
		return nil
	})
	if err != nil {
		return nil, errors.Wrapf(err, "load %s %s", meta.Name, key)
	}
	if !found {
		return nil, errors.Wrapf(ErrNotFound, "%s %s", meta.Name, key)
	}
	return s.hydrate(ctx, meta, row)
}

// reference returns the canonical ref of the identity map slot for key,
// creating a placeholder slot when the entity is unknown.
func (s *Session) reference(meta *EntityMetadata, key Key) refHandle {
	ik := identityKey(meta, key)
	e, ok := s.identity[ik]
	if !ok {
		e = &entry{meta: meta, state: stateManaged, key: key, hasKey: true}
		s.identity[ik] = e
	}
	return s.refFor(e)
}

func (s *Session) refFor(e *entry) refHandle {
	if e.ref != nil {
		return e.ref
	}
	ref := e.meta.newRef()
	gen, meta, key := s.gen, e.meta, e.key
	ref.bind(key, func(ctx context.Context) (any, error) {
		if s.gen != gen {
			return nil, errors.Wrapf(ErrDetachedReference, "%s %s", meta.Name, key)
		}
		return s.find(ctx, meta, key)
	})
	if e.instance != nil {
		ref.resolveTo(e.instance)
	}
	e.ref = ref
	return ref
}

// Scope returns a read-only view of the session.
func (s *Session) Scope() ScopeView { return scopeView{s: s} }

type scopeView struct{ s *Session }

func (v scopeView) ID() string { return v.s.id }

func (v scopeView) Contains(entity any) bool { return v.s.Contains(entity) }

func (v scopeView) ManagedCount() int {
	n := 0
	for _, e := range v.s.loadOrder {
		if e.state == stateManaged {
			n++
		}
	}
	return n
}

func (v scopeView) PendingInserts() int { return len(v.s.inserts) }
