package cache

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
)

var (
	ErrNotFound       = errors.New("cache key not found")
	ErrQuotaExceeded  = errors.New("storage quota exceeded")
	ErrItemTooLarge   = errors.New("item exceeds size limit")
	ErrCorrupted      = errors.New("cached value is corrupted")
	ErrSchemaMismatch = errors.New("value does not match key schema")
)

// Backend is raw durable key/value storage shared by every terminal that
// points at it.
type Backend interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, keys ...string) error
	Keys(ctx context.Context, prefix string) ([]string, error)
	Close() error
}

// Sizer is implemented by backends that can report stored bytes cheaply.
type Sizer interface {
	Size(ctx context.Context, prefix string) (int64, error)
}

// QuotaReporter is implemented by backends that know their capacity.
type QuotaReporter interface {
	Quota(ctx context.Context) (int64, error)
}

type Memory struct {
	mu       sync.RWMutex
	data     map[string][]byte
	quota    int64
	used     int64
	failures int
	failWith error
}

// NewMemory returns an in-process backend. A positive quota caps the total
// bytes of keys and values.
func NewMemory(quota int64) *Memory {
	return &Memory{data: make(map[string][]byte), quota: quota}
}

func (m *Memory) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	val, ok := m.data[key]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), val...), nil
}

func (m *Memory) Set(_ context.Context, key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failures > 0 {
		m.failures--
		return m.failWith
	}
	next := m.used + int64(len(key)+len(value))
	if old, ok := m.data[key]; ok {
		next -= int64(len(key) + len(old))
	}
	if m.quota > 0 && next > m.quota {
		return ErrQuotaExceeded
	}
	m.data[key] = append([]byte(nil), value...)
	m.used = next
	return nil
}

func (m *Memory) Delete(_ context.Context, keys ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, key := range keys {
		if old, ok := m.data[key]; ok {
			m.used -= int64(len(key) + len(old))
			delete(m.data, key)
		}
	}
	return nil
}

func (m *Memory) Keys(_ context.Context, prefix string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	keys := make([]string, 0, len(m.data))
	for key := range m.data {
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

func (m *Memory) Size(_ context.Context, prefix string) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var total int64
	for key, val := range m.data {
		if strings.HasPrefix(key, prefix) {
			total += int64(len(key) + len(val))
		}
	}
	return total, nil
}

func (m *Memory) Quota(context.Context) (int64, error) {
	return m.quota, nil
}

// FailWrites makes the next n writes fail with err.
func (m *Memory) FailWrites(n int, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures = n
	m.failWith = err
}

func (m *Memory) Close() error {
	return nil
}
