package objectstore

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/zhangyunhao116/skipmap"
)

// Memory is an in-process Store backed by a concurrent ordered skip list.
type Memory struct {
	objects *skipmap.OrderedMap[string, []byte]
	shared  bool
	closed  atomic.Bool
}

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{objects: skipmap.New[string, []byte]()}
}

var (
	sharedMu     sync.Mutex
	sharedStores = map[string]*Memory{}
)

// SharedMemory returns the process-wide memory store registered under name,
// creating it on first use. Handles opened on the same name see the same data.
func SharedMemory(name string) *Memory {
	sharedMu.Lock()
	defer sharedMu.Unlock()
	m, ok := sharedStores[name]
	if !ok {
		m = NewMemory()
		m.shared = true
		sharedStores[name] = m
	}
	return m
}

func (m *Memory) Get(ctx context.Context, key string) ([]byte, error) {
	if err := m.check(ctx); err != nil {
		return nil, opError("get", key, err)
	}
	data, ok := m.objects.Load(key)
	if !ok {
		return nil, opError("get", key, ErrNotFound)
	}
	out := make([]byte, len(data))
	copy(out, data)
	return out, nil
}

func (m *Memory) PutIfAbsent(ctx context.Context, key string, data []byte) error {
	if err := m.check(ctx); err != nil {
		return opError("put", key, err)
	}
	payload := make([]byte, len(data))
	copy(payload, data)
	if _, loaded := m.objects.LoadOrStore(key, payload); loaded {
		return opError("put", key, ErrAlreadyExists)
	}
	return nil
}

func (m *Memory) List(ctx context.Context, prefix string) ([]string, error) {
	if err := m.check(ctx); err != nil {
		return nil, opError("list", prefix, err)
	}
	var keys []string
	m.objects.Range(func(key string, _ []byte) bool {
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
		return true
	})
	return keys, nil
}

// Close marks the store closed. Shared stores outlive their handles and
// ignore Close; use DropShared to discard one.
func (m *Memory) Close() error {
	if m.shared {
		return nil
	}
	m.closed.Store(true)
	return nil
}

// DropShared forgets the shared store registered under name.
func DropShared(name string) {
	sharedMu.Lock()
	defer sharedMu.Unlock()
	delete(sharedStores, name)
}

// Len reports the number of stored objects.
func (m *Memory) Len() int {
	return m.objects.Len()
}

func (m *Memory) check(ctx context.Context) error {
	if m.closed.Load() {
		return ErrClosed
	}
	return ctx.Err()
}
