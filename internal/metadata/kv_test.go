package metadata

import (
	"context"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testKVContract exercises the behaviour every KV implementation must share.
func testKVContract(t *testing.T, kv KV) {
	ctx := context.Background()

	_, err := kv.Get(ctx, "a/missing")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, kv.Put(ctx, "a/2", []byte("two")))
	require.NoError(t, kv.Put(ctx, "a/1", []byte("one")))
	require.NoError(t, kv.Put(ctx, "b/1", []byte("other")))

	v, err := kv.Get(ctx, "a/1")
	require.NoError(t, err)
	assert.Equal(t, "one", string(v))

	require.NoError(t, kv.Put(ctx, "a/1", []byte("uno")))
	v, err = kv.Get(ctx, "a/1")
	require.NoError(t, err)
	assert.Equal(t, "uno", string(v))

	entries, err := kv.List(ctx, "a/")
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "a/1", entries[0].Key)
	assert.Equal(t, "a/2", entries[1].Key)
	assert.Equal(t, "two", string(entries[1].Value))

	require.NoError(t, kv.Delete(ctx, "a/1"))
	require.NoError(t, kv.Delete(ctx, "a/1"))
	_, err = kv.Get(ctx, "a/1")
	assert.ErrorIs(t, err, ErrNotFound)

	entries, err = kv.List(ctx, "missing/")
	require.NoError(t, err)
	assert.Empty(t, entries)

	testKVRevisions(t, kv)
}

func testKVRevisions(t *testing.T, kv KV) {
	ctx := context.Background()

	_, _, err := kv.GetRevision(ctx, "r/missing")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, kv.PutIfRevision(ctx, "r/missing", []byte("x"), 1), ErrConflict)

	require.NoError(t, kv.Put(ctx, "r/1", []byte("v1")))
	v, rev, err := kv.GetRevision(ctx, "r/1")
	require.NoError(t, err)
	assert.Equal(t, "v1", string(v))
	assert.Positive(t, rev)

	// Guarded write succeeds at the current revision.
	require.NoError(t, kv.PutIfRevision(ctx, "r/1", []byte("v2"), rev))
	v, rev2, err := kv.GetRevision(ctx, "r/1")
	require.NoError(t, err)
	assert.Equal(t, "v2", string(v))
	assert.Greater(t, rev2, rev)

	// A stale revision is rejected and leaves the value alone.
	assert.ErrorIs(t, kv.PutIfRevision(ctx, "r/1", []byte("stale"), rev), ErrConflict)
	v, err = kv.Get(ctx, "r/1")
	require.NoError(t, err)
	assert.Equal(t, "v2", string(v))

	// A deleted key is never recreated.
	require.NoError(t, kv.Delete(ctx, "r/1"))
	assert.ErrorIs(t, kv.PutIfRevision(ctx, "r/1", []byte("back"), rev2), ErrConflict)
	_, err = kv.Get(ctx, "r/1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryKV(t *testing.T) {
	testKVContract(t, NewMemoryKV())
}

func TestMemoryKV_CopiesValues(t *testing.T) {
	kv := NewMemoryKV()
	ctx := context.Background()

	buf := []byte("abc")
	require.NoError(t, kv.Put(ctx, "k", buf))
	buf[0] = 'x'

	v, err := kv.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "abc", string(v))
}

func TestMemoryKV_CancelledContext(t *testing.T) {
	kv := NewMemoryKV()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	assert.ErrorIs(t, kv.Put(ctx, "k", nil), context.Canceled)
	_, err := kv.List(ctx, "")
	assert.ErrorIs(t, err, context.Canceled)
}

// TestEtcdKV runs against a live etcd when SHARDVAULT_TEST_ETCD is set,
// e.g. SHARDVAULT_TEST_ETCD=localhost:2379.
func TestEtcdKV(t *testing.T) {
	endpoints := os.Getenv("SHARDVAULT_TEST_ETCD")
	if endpoints == "" {
		t.Skip("SHARDVAULT_TEST_ETCD not set")
	}

	prefix := "/shardvault-test/" + uuid.NewString() + "/"
	kv, err := NewEtcdKV(EtcdOptions{
		Endpoints:   strings.Split(endpoints, ","),
		DialTimeout: 3 * time.Second,
		Prefix:      prefix,
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx := context.Background()
		entries, _ := kv.List(ctx, "")
		for _, e := range entries {
			_ = kv.Delete(ctx, e.Key)
		}
		_ = kv.Close()
	})

	testKVContract(t, kv)
}

func TestNewEtcdKV_NoEndpoints(t *testing.T) {
	_, err := NewEtcdKV(EtcdOptions{})
	assert.Error(t, err)
}
