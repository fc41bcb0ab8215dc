package kv

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/qcom/phoneauth/internal/clock"
)

type memEntry struct {
	value     []byte
	expiresAt time.Time // zero: no expiry
}

func (e memEntry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && !now.Before(e.expiresAt)
}

// Memory is a process-local Store. It is NOT durable and NOT shared between
// server processes: atomicity holds only inside one process. Use it for
// local development, tests, or as the labeled degradation target of
// Fallback.
type Memory struct {
	mu    sync.Mutex
	items map[string]memEntry
	clock clock.Clock
}

func NewMemory(c clock.Clock) *Memory {
	if c == nil {
		c = clock.System{}
	}
	return &Memory{
		items: make(map[string]memEntry),
		clock: c,
	}
}

// Durable reports false: data lives only as long as this process.
func (m *Memory) Durable() bool { return false }

// live returns the entry for key, evicting it when expired. Caller holds mu.
func (m *Memory) live(key string, now time.Time) (memEntry, bool) {
	e, ok := m.items[key]
	if !ok {
		return memEntry{}, false
	}
	if e.expired(now) {
		delete(m.items, key)
		return memEntry{}, false
	}
	return e, true
}

func (m *Memory) IncrAndExpire(_ context.Context, key string, window time.Duration) (int64, time.Duration, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock.Now()
	e, ok := m.live(key, now)
	if !ok {
		e = memEntry{value: []byte("0"), expiresAt: now.Add(window)}
	}
	n, err := strconv.ParseInt(string(e.value), 10, 64)
	if err != nil {
		n = 0
	}
	n++
	e.value = []byte(strconv.FormatInt(n, 10))
	if e.expiresAt.IsZero() {
		e.expiresAt = now.Add(window)
	}
	m.items[key] = e
	return n, e.expiresAt.Sub(now), nil
}

func (m *Memory) SetIfAbsent(_ context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock.Now()
	if _, ok := m.live(key, now); ok {
		return false, nil
	}
	m.items[key] = memEntry{value: clone(value), expiresAt: expiry(now, ttl)}
	return true, nil
}

func (m *Memory) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.live(key, m.clock.Now())
	if !ok {
		return nil, ErrNotFound
	}
	return clone(e.value), nil
}

func (m *Memory) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.items[key] = memEntry{value: clone(value), expiresAt: expiry(m.clock.Now(), ttl)}
	return nil
}

func (m *Memory) Del(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.items, key)
	return nil
}

func (m *Memory) TTL(_ context.Context, key string) (time.Duration, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock.Now()
	e, ok := m.live(key, now)
	if !ok {
		return 0, ErrNotFound
	}
	if e.expiresAt.IsZero() {
		return 0, nil
	}
	return e.expiresAt.Sub(now), nil
}

func expiry(now time.Time, ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return now.Add(ttl)
}

func clone(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
