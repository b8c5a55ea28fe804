package store

import (
	"context"
	"errors"
	"sort"
	"sync"
)

var errClosed = errors.New("backend closed")

type memRecord struct {
	value   []byte
	indexes Indexes
}

// MemoryBackend keeps records in process memory. Used by tests and
// ephemeral sessions.
type MemoryBackend struct {
	mu     sync.RWMutex
	data   map[string]map[string]memRecord
	closed bool
}

// NewMemoryBackend creates an empty in-memory backend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{data: make(map[string]map[string]memRecord)}
}

func (m *MemoryBackend) Get(_ context.Context, collection, key string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, unavailable(errClosed)
	}
	rec, ok := m.data[collection][key]
	if !ok {
		return nil, notFound(collection, key)
	}
	return append([]byte(nil), rec.value...), nil
}

func (m *MemoryBackend) Put(_ context.Context, collection, key string, value []byte, indexes Indexes) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return unavailable(errClosed)
	}
	coll, ok := m.data[collection]
	if !ok {
		coll = make(map[string]memRecord)
		m.data[collection] = coll
	}
	coll[key] = memRecord{
		value:   append([]byte(nil), value...),
		indexes: indexes.compact(),
	}
	return nil
}

func (m *MemoryBackend) Delete(_ context.Context, collection, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return unavailable(errClosed)
	}
	delete(m.data[collection], key)
	return nil
}

func (m *MemoryBackend) QueryByIndex(_ context.Context, collection, index, value string) ([]Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, unavailable(errClosed)
	}
	var out []Record
	for key, rec := range m.data[collection] {
		if v, ok := rec.indexes[index]; ok && v == value {
			out = append(out, Record{Key: key, Value: append([]byte(nil), rec.value...)})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

func (m *MemoryBackend) Ping(context.Context) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return unavailable(errClosed)
	}
	return nil
}

func (m *MemoryBackend) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}
