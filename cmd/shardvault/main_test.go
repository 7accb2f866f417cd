package main

import (
	"bytes"
	"context"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"syscall"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shardvault/shardvault/internal/config"
	"github.com/shardvault/shardvault/internal/healing"
	"github.com/shardvault/shardvault/internal/metadata"
	"github.com/shardvault/shardvault/internal/nodes"
	"github.com/shardvault/shardvault/internal/storage"
	"github.com/shardvault/shardvault/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestApp(t *testing.T) *app {
	t.Helper()
	return newTestAppWith(t, nil)
}

// newTestAppWith builds a three node disk app. wrap, when set, decorates
// each node's store.
func newTestAppWith(t *testing.T, wrap func(index int, store storage.ObjectStore) storage.ObjectStore) *app {
	t.Helper()
	t.Setenv("SHARDVAULT_TEST", "1")

	cfg := &config.Config{
		Nodes: config.NodesConfig{
			Endpoints: []string{"localhost:9000", "localhost:9001", "localhost:9002"},
			Backend:   config.BackendDisk,
			DataDir:   t.TempDir(),
		},
		Storage: config.StorageConfig{
			Bucket:       "files",
			ProbeTimeout: "1s",
		},
		Metadata: config.MetadataConfig{Backend: config.MetadataMemory},
	}

	factory := clientFactory(cfg)
	if wrap != nil {
		disk := factory
		factory = func(index int, node nodes.Node) (storage.ObjectStore, error) {
			store, err := disk(index, node)
			if err != nil {
				return nil, err
			}
			return wrap(index, store), nil
		}
	}

	a, err := newAppWithFactory(cfg, factory, zerolog.Nop(), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })

	for _, st := range a.replicas.EnsureBucket(context.Background()) {
		require.True(t, st.Success, st.Error)
	}
	return a
}

func writeInput(t *testing.T, name, content string) string {
	t.Helper()
	dir, cleanup := testutil.TempDir(t)
	t.Cleanup(cleanup)
	return testutil.TempFile(t, dir, name, content)
}

func TestNewApp_UnknownMetadataBackend(t *testing.T) {
	cfg := &config.Config{
		Nodes: config.NodesConfig{
			Endpoints: []string{"localhost:9000"},
			Backend:   config.BackendDisk,
			DataDir:   t.TempDir(),
		},
		Storage:  config.StorageConfig{Bucket: "files"},
		Metadata: config.MetadataConfig{Backend: "redis"},
	}
	_, err := newApp(cfg, zerolog.Nop(), nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "redis")
}

func TestNewApp_NoNodes(t *testing.T) {
	cfg := &config.Config{
		Nodes:    config.NodesConfig{Backend: config.BackendDisk, DataDir: t.TempDir()},
		Storage:  config.StorageConfig{Bucket: "files"},
		Metadata: config.MetadataConfig{Backend: config.MetadataMemory},
	}
	_, err := newApp(cfg, zerolog.Nop(), nil)
	require.Error(t, err)
}

func TestPutGetRoundTrip(t *testing.T) {
	a := newTestApp(t)
	ctx := context.Background()
	path := writeInput(t, "notes.txt", "hello shardvault")

	var out bytes.Buffer
	rec, err := runPut(ctx, a, &out, path, putOptions{owner: "alice"})
	require.NoError(t, err)
	assert.Contains(t, out.String(), "Uploaded notes.txt")
	assert.Equal(t, "notes.txt", rec.Name)
	assert.Equal(t, "alice", rec.Owner)
	assert.Equal(t, int64(16), rec.Size)
	assert.True(t, strings.HasPrefix(rec.ContentType, "text/plain"))
	require.Len(t, rec.Locations, 1)
	assert.Equal(t, 0, rec.Locations[0].NodeIndex)

	stored, err := a.catalog.GetFile(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, rec.ObjectKey, stored.ObjectKey)

	// By file id to stdout.
	out.Reset()
	require.NoError(t, runGet(ctx, a, &out, rec.ID, ""))
	assert.Equal(t, "hello shardvault", out.String())

	// By object key to a file.
	dest := filepath.Join(t.TempDir(), "copy.txt")
	out.Reset()
	require.NoError(t, runGet(ctx, a, &out, rec.ObjectKey, dest))
	data, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, "hello shardvault", string(data))
}

func TestPut_ExplicitKey(t *testing.T) {
	a := newTestApp(t)
	path := writeInput(t, "build.tar", "tarball")

	rec, err := runPut(context.Background(), a, &bytes.Buffer{}, path, putOptions{key: "build-latest", contentType: "application/x-tar"})
	require.NoError(t, err)
	assert.Equal(t, "build-latest", rec.ObjectKey)
	assert.Equal(t, "application/x-tar", rec.ContentType)
}

func TestPut_MissingFile(t *testing.T) {
	a := newTestApp(t)
	_, err := runPut(context.Background(), a, &bytes.Buffer{}, filepath.Join(t.TempDir(), "nope"), putOptions{})
	require.Error(t, err)
}

func TestGet_Missing(t *testing.T) {
	a := newTestApp(t)
	err := runGet(context.Background(), a, &bytes.Buffer{}, "does-not-exist", "")
	require.Error(t, err)
}

func TestLocateAndHeal(t *testing.T) {
	a := newTestApp(t)
	ctx := context.Background()
	path := writeInput(t, "a.bin", "payload")

	rec, err := runPut(ctx, a, &bytes.Buffer{}, path, putOptions{owner: "bob"})
	require.NoError(t, err)

	var out bytes.Buffer
	require.NoError(t, runLocate(ctx, a, &out, rec.ID))
	assert.Contains(t, out.String(), "present")
	assert.Contains(t, out.String(), "missing")
	assert.Contains(t, out.String(), "1 of 3 nodes hold")

	out.Reset()
	require.NoError(t, runHeal(ctx, a, &out))
	assert.Contains(t, out.String(), "Healed:      1")
	assert.Contains(t, out.String(), "Copies:      2")

	out.Reset()
	require.NoError(t, runLocate(ctx, a, &out, rec.ID))
	assert.Contains(t, out.String(), "3 of 3 nodes hold")
	assert.NotContains(t, out.String(), "missing")

	stored, err := a.catalog.GetFile(ctx, rec.ID)
	require.NoError(t, err)
	assert.Len(t, stored.Locations, 3)
}

func TestHeal_ReportsErrors(t *testing.T) {
	a := newTestApp(t)
	ctx := context.Background()

	// A record whose object was never written is an inconsistency.
	require.NoError(t, a.catalog.PutFile(ctx, &metadata.FileRecord{ID: "orphan", ObjectKey: "ghost"}))

	var out bytes.Buffer
	err := runHeal(ctx, a, &out)
	require.Error(t, err)
	assert.Contains(t, out.String(), "ghost")
}

func TestRm(t *testing.T) {
	a := newTestApp(t)
	ctx := context.Background()
	path := writeInput(t, "a.bin", "payload")

	rec, err := runPut(ctx, a, &bytes.Buffer{}, path, putOptions{})
	require.NoError(t, err)
	require.NoError(t, runHeal(ctx, a, &bytes.Buffer{}))

	var out bytes.Buffer
	require.NoError(t, runRm(ctx, a, &out, rec.ID))
	assert.Equal(t, 3, strings.Count(out.String(), " ok "))

	_, err = a.catalog.GetFile(ctx, rec.ID)
	assert.ErrorIs(t, err, metadata.ErrNotFound)

	locs, err := a.replicas.Locate(ctx, rec.ObjectKey)
	require.NoError(t, err)
	assert.Empty(t, locs)

	// Deleting again is harmless.
	require.NoError(t, runRm(ctx, a, &bytes.Buffer{}, rec.ObjectKey))
}

// unreachableRemoves refuses deletes while down is set.
type unreachableRemoves struct {
	storage.ObjectStore
	down *atomic.Bool
}

func (s unreachableRemoves) RemoveObject(ctx context.Context, bucket, key string) error {
	if s.down.Load() {
		return &net.OpError{Op: "dial", Net: "tcp", Err: syscall.ECONNREFUSED}
	}
	return s.ObjectStore.RemoveObject(ctx, bucket, key)
}

func TestRm_PartialKeepsRecordUntilEveryNodeDeletes(t *testing.T) {
	down := &atomic.Bool{}
	a := newTestAppWith(t, func(index int, store storage.ObjectStore) storage.ObjectStore {
		if index == 2 {
			return unreachableRemoves{ObjectStore: store, down: down}
		}
		return store
	})
	ctx := context.Background()

	rec, err := runPut(ctx, a, &bytes.Buffer{}, writeInput(t, "a.bin", "payload"), putOptions{})
	require.NoError(t, err)
	require.NoError(t, runHeal(ctx, a, &bytes.Buffer{}))

	down.Store(true)
	var out bytes.Buffer
	err = runRm(ctx, a, &out, rec.ID)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "deleted on 2 of 3 nodes")
	assert.Contains(t, out.String(), "failed")

	kept, err := a.catalog.GetFile(ctx, rec.ID)
	require.NoError(t, err)
	assert.True(t, kept.PendingDelete)
	require.Len(t, kept.Locations, 1)
	assert.Equal(t, 2, kept.Locations[0].NodeIndex)

	refs, skipped, err := a.catalog.ListObjects(ctx)
	require.NoError(t, err)
	assert.Empty(t, skipped)
	assert.Empty(t, refs)

	// Healing must not copy the survivor back.
	require.NoError(t, runHeal(ctx, a, &bytes.Buffer{}))
	locs, err := a.replicas.Locate(ctx, rec.ObjectKey)
	require.NoError(t, err)
	require.Len(t, locs, 1)
	assert.Equal(t, 9002, locs[0].Port)

	out.Reset()
	require.NoError(t, runLs(ctx, a, &out, ""))
	assert.Contains(t, out.String(), "(deleting)")

	down.Store(false)
	require.NoError(t, runRm(ctx, a, &bytes.Buffer{}, rec.ID))

	_, err = a.catalog.GetFile(ctx, rec.ID)
	assert.ErrorIs(t, err, metadata.ErrNotFound)
	locs, err = a.replicas.Locate(ctx, rec.ObjectKey)
	require.NoError(t, err)
	assert.Empty(t, locs)
}

func TestLs(t *testing.T) {
	a := newTestApp(t)
	ctx := context.Background()

	var out bytes.Buffer
	require.NoError(t, runLs(ctx, a, &out, ""))
	assert.Contains(t, out.String(), "No files found")

	_, err := runPut(ctx, a, &bytes.Buffer{}, writeInput(t, "one.txt", "1"), putOptions{owner: "alice"})
	require.NoError(t, err)
	_, err = runPut(ctx, a, &bytes.Buffer{}, writeInput(t, "two.txt", "2"), putOptions{owner: "bob"})
	require.NoError(t, err)

	out.Reset()
	require.NoError(t, runLs(ctx, a, &out, ""))
	assert.Contains(t, out.String(), "one.txt")
	assert.Contains(t, out.String(), "two.txt")

	out.Reset()
	require.NoError(t, runLs(ctx, a, &out, "bob"))
	assert.NotContains(t, out.String(), "one.txt")
	assert.Contains(t, out.String(), "two.txt")
}

func TestNodes(t *testing.T) {
	a := newTestApp(t)

	var out bytes.Buffer
	require.NoError(t, runNodes(context.Background(), a, &out))
	assert.Contains(t, out.String(), "localhost:9000")
	assert.Contains(t, out.String(), "3 of 3 nodes reachable")
}

func TestPrintSummary(t *testing.T) {
	var out bytes.Buffer
	printSummary(&out, healing.CycleSummary{
		Scanned:     4,
		Healed:      1,
		Copies:      2,
		BytesCopied: 2048,
		Duration:    1500 * time.Millisecond,
		Interrupted: true,
		Errors:      []string{"copy x to node 1: refused"},
	})
	s := out.String()
	assert.Contains(t, s, "Scanned:     4")
	assert.Contains(t, s, "2.0 kB")
	assert.Contains(t, s, "Interrupted")
	assert.Contains(t, s, "copy x to node 1: refused")
}

func TestVersionCommand(t *testing.T) {
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"version"})

	require.NoError(t, cmd.Execute())
	assert.Contains(t, out.String(), "shardvault dev")
}

func TestCommandsRegistered(t *testing.T) {
	cmd := newRootCmd()
	for _, name := range []string{"serve", "heal", "put", "get", "rm", "ls", "locate", "nodes", "version"} {
		sub, _, err := cmd.Find([]string{name})
		require.NoError(t, err, name)
		assert.Equal(t, name, sub.Name())
	}
}

func TestLoadApp_FromConfigFile(t *testing.T) {
	t.Setenv("SHARDVAULT_NODES", "")
	dir := t.TempDir()
	path := testutil.TempFile(t, dir, "shardvault.yaml", `
nodes:
  backend: disk
  data_dir: `+filepath.Join(dir, "data")+`
  host: localhost
  ports: [9000, 9001]
storage:
  bucket: files
metadata:
  backend: memory
`)

	cmd := newRootCmd()
	t.Cleanup(func() { cfgFile = "" })
	require.NoError(t, cmd.PersistentFlags().Set("config", path))
	a, err := loadApp(cmd)
	require.NoError(t, err)
	defer func() { _ = a.Close() }()

	assert.Len(t, a.nodes, 2)
	assert.Equal(t, "files", a.replicas.Bucket())
}

func TestLoadApp_InvalidConfig(t *testing.T) {
	dir := t.TempDir()
	path := testutil.TempFile(t, dir, "bad.yaml", "nodes:\n  backend: tape\n")

	cmd := newRootCmd()
	t.Cleanup(func() { cfgFile = "" })
	require.NoError(t, cmd.PersistentFlags().Set("config", path))
	_, err := loadApp(cmd)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid config")
}
