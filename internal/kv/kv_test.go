package kv

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/qcom/phoneauth/internal/clock"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

func newRedisStoreTest(t *testing.T) (*Redis, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis start: %v", err)
	}
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() {
		_ = rdb.Close()
		mr.Close()
	})
	return NewRedis(rdb, "test:", 2*time.Second), mr
}

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func TestRedisIncrAndExpireArmsWindowOnce(t *testing.T) {
	store, mr := newRedisStoreTest(t)
	ctx := context.Background()

	n, ttl, err := store.IncrAndExpire(ctx, "rl:a", time.Minute)
	if err != nil {
		t.Fatalf("first incr: %v", err)
	}
	if n != 1 || ttl != time.Minute {
		t.Fatalf("expected count 1 ttl 1m, got %d %s", n, ttl)
	}

	mr.FastForward(20 * time.Second)
	n, ttl, err = store.IncrAndExpire(ctx, "rl:a", time.Minute)
	if err != nil {
		t.Fatalf("second incr: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected count 2, got %d", n)
	}
	if ttl > 40*time.Second || ttl <= 0 {
		t.Fatalf("expected window not to be re-armed, ttl=%s", ttl)
	}

	mr.FastForward(41 * time.Second)
	n, _, err = store.IncrAndExpire(ctx, "rl:a", time.Minute)
	if err != nil {
		t.Fatalf("incr after window: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected fresh window count 1, got %d", n)
	}
}

func TestRedisIncrAndExpireRearmsPersistentCounter(t *testing.T) {
	store, mr := newRedisStoreTest(t)
	ctx := context.Background()

	if err := mr.Set("test:rl:stuck", "7"); err != nil {
		t.Fatalf("seed: %v", err)
	}
	n, ttl, err := store.IncrAndExpire(ctx, "rl:stuck", time.Minute)
	if err != nil {
		t.Fatalf("incr: %v", err)
	}
	if n != 8 || ttl != time.Minute {
		t.Fatalf("expected 8 with re-armed window, got %d %s", n, ttl)
	}
	if mr.TTL("test:rl:stuck") <= 0 {
		t.Fatal("expected counter to carry an expiry")
	}
}

func TestRedisSetIfAbsentSingleCreator(t *testing.T) {
	store, _ := newRedisStoreTest(t)
	ctx := context.Background()

	const n = 32
	var created int32
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func() {
			defer wg.Done()
			ok, err := store.SetIfAbsent(ctx, "cd:+15550001111", []byte("1"), time.Minute)
			if err != nil {
				t.Errorf("setnx: %v", err)
				return
			}
			if ok {
				atomic.AddInt32(&created, 1)
			}
		}()
	}
	wg.Wait()

	if created != 1 {
		t.Fatalf("expected exactly one creator, got %d", created)
	}
	ttl, err := store.TTL(ctx, "cd:+15550001111")
	if err != nil {
		t.Fatalf("ttl: %v", err)
	}
	if ttl <= 0 || ttl > time.Minute {
		t.Fatalf("unexpected ttl %s", ttl)
	}
}

func TestRedisGetSetDel(t *testing.T) {
	store, _ := newRedisStoreTest(t)
	ctx := context.Background()

	if _, err := store.Get(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if _, err := store.TTL(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound from TTL, got %v", err)
	}
	if err := store.Set(ctx, "k", []byte("v"), 0); err != nil {
		t.Fatalf("set: %v", err)
	}
	got, err := store.Get(ctx, "k")
	if err != nil || string(got) != "v" {
		t.Fatalf("get: %q %v", got, err)
	}
	if ttl, err := store.TTL(ctx, "k"); err != nil || ttl != 0 {
		t.Fatalf("expected persistent key ttl 0, got %s %v", ttl, err)
	}
	if err := store.Del(ctx, "k"); err != nil {
		t.Fatalf("del: %v", err)
	}
	if _, err := store.Get(ctx, "k"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound after del, got %v", err)
	}
}

func TestMemoryWindowAndExpiry(t *testing.T) {
	clk := clock.NewManual(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	m := NewMemory(clk)
	ctx := context.Background()

	for want := int64(1); want <= 3; want++ {
		n, _, err := m.IncrAndExpire(ctx, "c", time.Minute)
		if err != nil || n != want {
			t.Fatalf("incr %d: got %d %v", want, n, err)
		}
	}
	clk.Advance(time.Minute)
	n, ttl, _ := m.IncrAndExpire(ctx, "c", time.Minute)
	if n != 1 || ttl != time.Minute {
		t.Fatalf("expected reset window, got %d %s", n, ttl)
	}

	ok, _ := m.SetIfAbsent(ctx, "marker", []byte("x"), 10*time.Second)
	if !ok {
		t.Fatal("expected first SetIfAbsent to win")
	}
	ok, _ = m.SetIfAbsent(ctx, "marker", []byte("y"), 10*time.Second)
	if ok {
		t.Fatal("expected second SetIfAbsent to lose")
	}
	clk.Advance(10 * time.Second)
	if _, err := m.Get(ctx, "marker"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected marker to expire, got %v", err)
	}
	if m.Durable() {
		t.Fatal("memory store must report non-durable")
	}
}

func TestFallbackServesLocallyWhenPrimaryDown(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis start: %v", err)
	}
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1, DialTimeout: 100 * time.Millisecond})
	defer rdb.Close()
	mr.Close()

	var degraded int32
	f := NewFallback(
		NewRedis(rdb, "", 200*time.Millisecond),
		NewMemory(nil),
		quietLogger(),
		func(string) { atomic.AddInt32(&degraded, 1) },
	)
	ctx := context.Background()

	ok, err := f.SetIfAbsent(ctx, "idem:k", []byte("v"), time.Minute)
	if err != nil || !ok {
		t.Fatalf("expected local SetIfAbsent to succeed, got %v %v", ok, err)
	}
	got, err := f.Get(ctx, "idem:k")
	if err != nil || string(got) != "v" {
		t.Fatalf("expected local value, got %q %v", got, err)
	}
	if atomic.LoadInt32(&degraded) < 2 {
		t.Fatalf("expected degradation hook to fire, got %d", degraded)
	}
}
