package memory

import (
	"bytes"
	"context"
	"io"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/require"

	"entitykit/internal/blob/core"
)

func TestStoreLifecycle(t *testing.T) {
	store := New()
	ctx := context.Background()
	require.Equal(t, core.DriverMemory, store.Driver())

	_, err := store.Head(ctx, "missing")
	require.ErrorIs(t, err, core.ErrNotFound)
	_, _, err = store.Get(ctx, "missing")
	require.ErrorIs(t, err, core.ErrNotFound)
	ok, err := store.Delete(ctx, "missing")
	require.NoError(t, err)
	require.False(t, ok)

	meta := map[string]string{"a": "1"}
	info, err := store.Put(ctx, "snapshots/1.json", bytes.NewReader([]byte("v")), core.PutOptions{ContentType: "application/json", Metadata: meta})
	require.NoError(t, err)
	require.Equal(t, int64(1), info.Size)
	meta["a"] = "changed"

	_, err = store.Put(ctx, "snapshots/1.json", bytes.NewReader([]byte("v2")), core.PutOptions{})
	require.ErrorIs(t, err, core.ErrExists)

	got, rc, err := store.Get(ctx, "snapshots/1.json")
	require.NoError(t, err)
	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	require.Equal(t, "v", string(data))
	require.Equal(t, "1", got.Metadata["a"])
	got.Metadata["a"] = "mutated"
	head, err := store.Head(ctx, "snapshots/1.json")
	require.NoError(t, err)
	require.Equal(t, "1", head.Metadata["a"])

	_, err = store.Put(ctx, "other", bytes.NewReader(nil), core.PutOptions{})
	require.NoError(t, err)
	list, err := store.List(ctx, "snapshots/")
	require.NoError(t, err)
	require.Len(t, list, 1)
	all, err := store.List(ctx, "")
	require.NoError(t, err)
	require.Equal(t, "other", all[0].Key)

	ok, err = store.Delete(ctx, "other")
	require.NoError(t, err)
	require.True(t, ok)
}

type failingReader struct{}

func (failingReader) Read([]byte) (int, error) { return 0, errors.New("fail") }

func TestStorePutReadError(t *testing.T) {
	_, err := New().Put(context.Background(), "bad", failingReader{}, core.PutOptions{})
	require.Error(t, err)
}
