package s3

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"testing"

	"github.com/stretchr/testify/require"

	"entitykit/internal/blob/core"
)

func TestStoreBasicFlow(t *testing.T) {
	store := NewMockForTests()
	ctx := context.Background()
	require.Equal(t, core.DriverS3, store.Driver())

	info, err := store.Put(ctx, "folder/file.json", bytes.NewReader([]byte("hello")), core.PutOptions{
		ContentType: "application/json",
		Metadata:    map[string]string{"tables": "3"},
	})
	require.NoError(t, err)
	require.Equal(t, "folder/file.json", info.Key)
	require.Equal(t, "application/json", info.ContentType)
	require.Equal(t, int64(5), info.Size)
	require.Equal(t, "etag", info.ETag)
	require.Equal(t, "3", info.Metadata["tables"])

	_, err = store.Put(ctx, "folder/file.json", bytes.NewReader([]byte("ignored")), core.PutOptions{})
	require.ErrorIs(t, err, core.ErrExists)

	_, rc, err := store.Get(ctx, "folder/file.json")
	require.NoError(t, err)
	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	require.NoError(t, rc.Close())
	require.Equal(t, "hello", string(data))

	list, err := store.List(ctx, "folder/")
	require.NoError(t, err)
	require.Len(t, list, 1)
	empty, err := store.List(ctx, "none/")
	require.NoError(t, err)
	require.Empty(t, empty)

	ok, err := store.Delete(ctx, "folder/file.json")
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = store.Delete(ctx, "folder/file.json")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestStoreMissingKeys(t *testing.T) {
	store := NewMockForTests()
	ctx := context.Background()
	_, err := store.Head(ctx, "nope")
	require.ErrorIs(t, err, core.ErrNotFound)
	_, _, err = store.Get(ctx, "nope")
	require.ErrorIs(t, err, core.ErrNotFound)
}

func TestStoreListPaginates(t *testing.T) {
	store, err := newWithTransport(newFakeS3(2))
	require.NoError(t, err)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		_, err := store.Put(ctx, fmt.Sprintf("snap/%02d", i), bytes.NewReader([]byte("x")), core.PutOptions{})
		require.NoError(t, err)
	}
	list, err := store.List(ctx, "snap/")
	require.NoError(t, err)
	require.Len(t, list, 5)
	require.Equal(t, "snap/00", list[0].Key)
	require.Equal(t, "snap/04", list[4].Key)
}

func TestNew(t *testing.T) {
	t.Setenv("AWS_ACCESS_KEY_ID", "AKIA")
	t.Setenv("AWS_SECRET_ACCESS_KEY", "SECRET")
	s, err := New(context.Background(), Config{Bucket: "bkt", Endpoint: mockEndpoint, PathStyle: true})
	require.NoError(t, err)
	require.Equal(t, core.DriverS3, s.Driver())

	_, err = New(context.Background(), Config{})
	require.Error(t, err)
}

func TestFromHeadDefaults(t *testing.T) {
	etag := "\"etagval\""
	info := fromHead("k", 10, nil, &etag, map[string]string{"x": "y"}, nil)
	require.Equal(t, "etagval", info.ETag)
	require.Empty(t, info.ContentType)
	require.False(t, info.LastModified.IsZero())
}

func TestDecodeChunked(t *testing.T) {
	_, ok := decodeChunked([]byte("not-chunked"))
	require.False(t, ok)
	_, ok = decodeChunked([]byte("5\r\nabc\r\n0\r\n"))
	require.False(t, ok)
	b, ok := decodeChunked([]byte("5\r\nhello\r\n0\r\nx-amz-checksum-crc32:abc\r\n\r\n"))
	require.True(t, ok)
	require.Equal(t, "hello", string(b))
}

func TestFakeUnsupportedMethod(t *testing.T) {
	req, err := http.NewRequest(http.MethodPatch, mockEndpoint+"/bucket/key", nil)
	require.NoError(t, err)
	resp, err := newFakeS3(0).RoundTrip(req)
	require.NoError(t, err)
	require.Equal(t, http.StatusNotImplemented, resp.StatusCode)
}
