package metadata

import (
	"context"
	"sort"
	"strings"
	"sync"
)

type memoryEntry struct {
	value []byte
	rev   int64
}

// MemoryKV is an in-process KV for tests and single-process development.
// Revisions come from a store-wide counter, like etcd's.
type MemoryKV struct {
	mu   sync.RWMutex
	rev  int64
	data map[string]memoryEntry
}

// NewMemoryKV creates an empty in-memory store.
func NewMemoryKV() *MemoryKV {
	return &MemoryKV{data: make(map[string]memoryEntry)}
}

// put stores value (caller must hold the write lock).
func (m *MemoryKV) put(key string, value []byte) {
	m.rev++
	m.data[key] = memoryEntry{value: append([]byte(nil), value...), rev: m.rev}
}

func (m *MemoryKV) Put(ctx context.Context, key string, value []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.put(key, value)
	return nil
}

func (m *MemoryKV) Get(ctx context.Context, key string) ([]byte, error) {
	v, _, err := m.GetRevision(ctx, key)
	return v, err
}

func (m *MemoryKV) GetRevision(ctx context.Context, key string) ([]byte, int64, error) {
	if err := ctx.Err(); err != nil {
		return nil, 0, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.data[key]
	if !ok {
		return nil, 0, ErrNotFound
	}
	return append([]byte(nil), e.value...), e.rev, nil
}

func (m *MemoryKV) PutIfRevision(ctx context.Context, key string, value []byte, rev int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.data[key]
	if !ok || e.rev != rev {
		return ErrConflict
	}
	m.put(key, value)
	return nil
}

func (m *MemoryKV) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, key)
	return nil
}

func (m *MemoryKV) List(ctx context.Context, prefix string) ([]KeyValue, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]KeyValue, 0)
	for k, e := range m.data {
		if strings.HasPrefix(k, prefix) {
			out = append(out, KeyValue{Key: k, Value: append([]byte(nil), e.value...)})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

func (m *MemoryKV) Close() error {
	return nil
}
