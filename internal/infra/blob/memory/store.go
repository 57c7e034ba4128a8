// Package memory implements an in-memory blob Store.
package memory

import (
	"bytes"
	"context"
	"io"
	"maps"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/errors"

	"entitykit/internal/blob/core"
)

// object is a stored blob. Metadata is never shared with callers.
type object struct {
	data        []byte
	contentType string
	metadata    map[string]string
	modified    time.Time
}

func (o object) describe(key string) core.Info {
	return core.Info{
		Key:          key,
		Size:         int64(len(o.data)),
		ContentType:  o.contentType,
		Metadata:     maps.Clone(o.metadata),
		LastModified: o.modified,
	}
}

// Store implements core.Store backed by process memory.
type Store struct {
	mu   sync.RWMutex
	objs map[string]object
	now  func() time.Time
}

// New returns an in-memory blob store.
func New() *Store {
	return &Store{objs: make(map[string]object), now: func() time.Time { return time.Now().UTC() }}
}

// Driver returns the blob driver identifier.
func (s *Store) Driver() core.Driver { return core.DriverMemory }

// Put stores a new blob; errors if key exists.
func (s *Store) Put(_ context.Context, key string, r io.Reader, opts core.PutOptions) (core.Info, error) {
	b, err := io.ReadAll(r)
	if err != nil {
		return core.Info{}, errors.Wrapf(err, "read blob %s", key)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.objs[key]; exists {
		return core.Info{}, errors.Wrapf(core.ErrExists, "%s", key)
	}
	obj := object{data: b, contentType: opts.ContentType, metadata: maps.Clone(opts.Metadata), modified: s.now()}
	s.objs[key] = obj
	return obj.describe(key), nil
}

// Get returns blob metadata and a read closer to its content.
func (s *Store) Get(_ context.Context, key string) (core.Info, io.ReadCloser, error) {
	s.mu.RLock()
	obj, ok := s.objs[key]
	s.mu.RUnlock()
	if !ok {
		return core.Info{}, nil, errors.Wrapf(core.ErrNotFound, "%s", key)
	}
	return obj.describe(key), io.NopCloser(bytes.NewReader(bytes.Clone(obj.data))), nil
}

// Head returns blob metadata only.
func (s *Store) Head(_ context.Context, key string) (core.Info, error) {
	s.mu.RLock()
	obj, ok := s.objs[key]
	s.mu.RUnlock()
	if !ok {
		return core.Info{}, errors.Wrapf(core.ErrNotFound, "%s", key)
	}
	return obj.describe(key), nil
}

// Delete removes the blob returning true if it existed.
func (s *Store) Delete(_ context.Context, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.objs[key]
	delete(s.objs, key)
	return ok, nil
}

// List returns all blobs matching prefix.
func (s *Store) List(_ context.Context, prefix string) ([]core.Info, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]core.Info, 0, len(s.objs))
	for k, v := range s.objs {
		if strings.HasPrefix(k, prefix) {
			out = append(out, v.describe(k))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}
