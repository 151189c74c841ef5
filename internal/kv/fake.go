package kv

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemClient is an in-memory Client used by unit tests across packages that
// depend on kv.Client (C3, C4) — it lets those packages' tests run without a
// live Redis, matching this service's test-tooling convention of fakes
// rather than live external dependencies in unit tests.
type MemClient struct {
	mu      sync.Mutex
	values  map[string]memEntry
	zsets   map[string]map[string]float64
	closed  bool
}

type memEntry struct {
	data    []byte
	expires time.Time
}

// NewMemClient returns an empty in-memory Client.
func NewMemClient() *MemClient {
	return &MemClient{
		values: make(map[string]memEntry),
		zsets:  make(map[string]map[string]float64),
	}
}

func (m *MemClient) SetEX(_ context.Context, key string, value []byte, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := append([]byte(nil), value...)
	m.values[key] = memEntry{data: cp, expires: time.Now().Add(ttl)}
	return nil
}

func (m *MemClient) Get(_ context.Context, key string) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.values[key]
	if !ok {
		return nil, false, nil
	}
	if !e.expires.IsZero() && time.Now().After(e.expires) {
		delete(m.values, key)
		return nil, false, nil
	}
	return append([]byte(nil), e.data...), true, nil
}

func (m *MemClient) Del(_ context.Context, keys ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, k := range keys {
		delete(m.values, k)
	}
	return nil
}

func (m *MemClient) Expire(_ context.Context, key string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.values[key]; ok {
		e.expires = time.Now().Add(ttl)
		m.values[key] = e
	}
	return nil
}

func (m *MemClient) ZAdd(_ context.Context, key string, score float64, member string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	set, ok := m.zsets[key]
	if !ok {
		set = make(map[string]float64)
		m.zsets[key] = set
	}
	set[member] = score
	return nil
}

func (m *MemClient) ZRem(_ context.Context, key string, member string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if set, ok := m.zsets[key]; ok {
		delete(set, member)
	}
	return nil
}

func (m *MemClient) ZRevRangeWithScores(_ context.Context, key string, count int64) ([]ScoredMember, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	set := m.zsets[key]
	out := make([]ScoredMember, 0, len(set))
	for member, score := range set {
		out = append(out, ScoredMember{Member: member, Score: score})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	if count >= 0 && int64(len(out)) > count {
		out = out[:count]
	}
	return out, nil
}

func (m *MemClient) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// ZCardForTest reports the current member count of a zset, for assertions.
func (m *MemClient) ZCardForTest(key string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.zsets[key])
}
