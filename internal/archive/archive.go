// Package archive writes store snapshots to blob storage and restores them.
//
// An archive is one JSON object per snapshot mapping bucket names (tables and
// the sequence bucket) to their payloads, in the format shared with the
// durable row stores.
package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"entitykit/internal/blob"
	"entitykit/internal/infra/persistence/memory"
	"entitykit/internal/infra/persistence/snapshot"
	"entitykit/internal/logger"
)

const (
	keyLayout   = "20060102T150405.000000000Z"
	keySuffix   = ".json"
	contentType = "application/json"
)

// ErrNoSnapshots is returned by Restore when the archive is empty.
var ErrNoSnapshots = errors.New("no snapshots archived")

// Restorer is a store whose complete state can be exported and replaced.
type Restorer interface {
	ExportState() memory.Snapshot
	Restore(ctx context.Context, snap memory.Snapshot) error
}

// Archiver stores snapshots under a key prefix of a blob store.
type Archiver struct {
	blobs  blob.Store
	prefix string
	log    *zap.SugaredLogger
	now    func() time.Time
}

// Option configures an Archiver.
type Option func(*Archiver)

// WithLogger sets the archive logger.
func WithLogger(log *zap.SugaredLogger) Option {
	return func(a *Archiver) {
		if log != nil {
			a.log = log
		}
	}
}

// WithClock overrides the clock used to name snapshots.
func WithClock(now func() time.Time) Option {
	return func(a *Archiver) { a.now = now }
}

// New returns an Archiver writing below prefix.
func New(blobs blob.Store, prefix string, opts ...Option) *Archiver {
	a := &Archiver{
		blobs:  blobs,
		prefix: prefix,
		log:    zap.NewNop().Sugar(),
		now:    func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Backup exports src and stores it as a new snapshot.
func (a *Archiver) Backup(ctx context.Context, src Restorer) (blob.Info, error) {
	snap := src.ExportState()
	buckets, err := snapshot.Encode(snap)
	if err != nil {
		return blob.Info{}, err
	}
	doc := make(map[string]json.RawMessage, len(buckets))
	for _, b := range buckets {
		doc[b.Name] = b.Payload
	}
	data, err := json.Marshal(doc)
	if err != nil {
		return blob.Info{}, errors.Wrap(err, "encode snapshot")
	}
	key := a.prefix + a.now().UTC().Format(keyLayout) + keySuffix
	info, err := a.blobs.Put(ctx, key, bytes.NewReader(data), blob.PutOptions{
		ContentType: contentType,
		Metadata:    map[string]string{"tables": strconv.Itoa(len(snap.Tables))},
	})
	if err != nil {
		return blob.Info{}, errors.Wrapf(err, "store snapshot %s", key)
	}
	a.log.Infow("snapshot archived",
		logger.FieldKey, key,
		logger.FieldCount, len(snap.Tables),
		logger.FieldDriver, string(a.blobs.Driver()),
	)
	return info, nil
}

// List returns archived snapshots, oldest first.
func (a *Archiver) List(ctx context.Context) ([]blob.Info, error) {
	all, err := a.blobs.List(ctx, a.prefix)
	if err != nil {
		return nil, errors.Wrap(err, "list snapshots")
	}
	out := all[:0]
	for _, info := range all {
		if strings.HasSuffix(info.Key, keySuffix) {
			out = append(out, info)
		}
	}
	return out, nil
}

// Restore replaces the state of dst with the snapshot stored at key, or the
// most recent snapshot when key is empty. It returns the restored key.
func (a *Archiver) Restore(ctx context.Context, dst Restorer, key string) (string, error) {
	if key == "" {
		infos, err := a.List(ctx)
		if err != nil {
			return "", err
		}
		if len(infos) == 0 {
			return "", errors.WithHint(ErrNoSnapshots, "run a backup first")
		}
		key = infos[len(infos)-1].Key
	} else if !strings.HasPrefix(key, a.prefix) {
		key = a.prefix + key
	}
	_, rc, err := a.blobs.Get(ctx, key)
	if err != nil {
		return "", errors.Wrapf(err, "load snapshot %s", key)
	}
	defer rc.Close()
	data, err := io.ReadAll(rc)
	if err != nil {
		return "", errors.Wrapf(err, "read snapshot %s", key)
	}
	var doc map[string]json.RawMessage
	if err := json.Unmarshal(data, &doc); err != nil {
		return "", errors.Wrapf(err, "decode snapshot %s", key)
	}
	buckets := make(map[string][]byte, len(doc))
	for name, payload := range doc {
		buckets[name] = payload
	}
	snap, err := snapshot.Decode(buckets)
	if err != nil {
		return "", errors.Wrapf(err, "decode snapshot %s", key)
	}
	if err := dst.Restore(ctx, snap); err != nil {
		return "", errors.Wrapf(err, "restore snapshot %s", key)
	}
	a.log.Infow("snapshot restored", logger.FieldKey, key, logger.FieldCount, len(snap.Tables))
	return key, nil
}
