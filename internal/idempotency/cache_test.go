package idempotency

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/qcom/phoneauth/internal/clock"
	"github.com/qcom/phoneauth/internal/kv"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

var payload = []byte(`{"phone_number":"+15550001111","otp":"123456"}`)

func newTestCache(t *testing.T, opts Options) (*Cache, *miniredis.Miniredis) {
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
	return NewCache(kv.NewRedis(rdb, "test:", 2*time.Second), clock.System{}, quietLogger(), nil, opts), mr
}

func TestGuardConcurrentCallersShareOneExecution(t *testing.T) {
	cache, _ := newTestCache(t, Options{Wait: 3 * time.Second, PollInterval: 5 * time.Millisecond})
	ctx := context.Background()

	var executions int32
	op := func(context.Context) (Response, error) {
		n := atomic.AddInt32(&executions, 1)
		time.Sleep(50 * time.Millisecond)
		return Response{
			Status:  http.StatusCreated,
			Body:    []byte(fmt.Sprintf(`{"execution":%d}`, n)),
			Headers: http.Header{"Content-Type": {"application/json"}},
		}, nil
	}

	const n = 12
	results := make([]Response, n)
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func(i int) {
			defer wg.Done()
			resp, _, err := cache.Guard(ctx, "key-1", payload, time.Hour, op)
			if err != nil {
				t.Errorf("guard %d: %v", i, err)
				return
			}
			results[i] = resp
		}(i)
	}
	wg.Wait()

	if executions != 1 {
		t.Fatalf("expected one execution, got %d", executions)
	}
	for i := 1; i < n; i++ {
		if results[i].Status != results[0].Status || !bytes.Equal(results[i].Body, results[0].Body) {
			t.Fatalf("response %d differs: %+v vs %+v", i, results[i], results[0])
		}
		if results[i].Headers.Get("Content-Type") != "application/json" {
			t.Fatalf("response %d lost headers", i)
		}
	}
}

func TestGuardReplaysWithinTTL(t *testing.T) {
	cache, mr := newTestCache(t, Options{})
	ctx := context.Background()

	var executions int32
	op := func(context.Context) (Response, error) {
		atomic.AddInt32(&executions, 1)
		return Response{Status: http.StatusOK, Body: []byte("ok")}, nil
	}

	if _, replayed, err := cache.Guard(ctx, "k", payload, time.Minute, op); err != nil || replayed {
		t.Fatalf("first call: replayed=%v err=%v", replayed, err)
	}
	if _, replayed, err := cache.Guard(ctx, "k", payload, time.Minute, op); err != nil || !replayed {
		t.Fatalf("second call: replayed=%v err=%v", replayed, err)
	}
	if executions != 1 {
		t.Fatalf("expected one execution, got %d", executions)
	}

	mr.FastForward(time.Minute)
	if _, replayed, _ := cache.Guard(ctx, "k", payload, time.Minute, op); replayed {
		t.Fatal("entry should have expired")
	}
	if executions != 2 {
		t.Fatalf("expected re-execution after ttl, got %d", executions)
	}
}

func TestGuardDoesNotStoreFailures(t *testing.T) {
	cache, _ := newTestCache(t, Options{})
	ctx := context.Background()

	opErr := errors.New("boom")
	_, _, err := cache.Guard(ctx, "k", payload, time.Minute, func(context.Context) (Response, error) {
		return Response{}, opErr
	})
	if !errors.Is(err, opErr) {
		t.Fatalf("expected operation error, got %v", err)
	}

	resp, replayed, err := cache.Guard(ctx, "k", payload, time.Minute, func(context.Context) (Response, error) {
		return Response{Status: http.StatusTooManyRequests, Body: []byte("slow down")}, nil
	})
	if err != nil || replayed || resp.Status != http.StatusTooManyRequests {
		t.Fatalf("unexpected result %+v replayed=%v err=%v", resp, replayed, err)
	}

	var executed bool
	_, replayed, err = cache.Guard(ctx, "k", payload, time.Minute, func(context.Context) (Response, error) {
		executed = true
		return Response{Status: http.StatusOK}, nil
	})
	if err != nil || replayed || !executed {
		t.Fatalf("expected fresh execution after failures, replayed=%v executed=%v err=%v", replayed, executed, err)
	}
}

func TestGuardInFlight(t *testing.T) {
	cache, _ := newTestCache(t, Options{Wait: 30 * time.Millisecond, PollInterval: 5 * time.Millisecond})
	ctx := context.Background()

	started := make(chan struct{})
	finish := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _, _ = cache.Guard(ctx, "slow", payload, time.Minute, func(context.Context) (Response, error) {
			close(started)
			<-finish
			return Response{Status: http.StatusOK}, nil
		})
	}()
	<-started

	_, _, err := cache.Guard(ctx, "slow", payload, time.Minute, func(context.Context) (Response, error) {
		t.Error("loser must not execute")
		return Response{}, nil
	})
	if !errors.Is(err, ErrInFlight) {
		t.Fatalf("expected ErrInFlight, got %v", err)
	}
	close(finish)
	<-done
}

func TestGuardWithLocalFallback(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis start: %v", err)
	}
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1, DialTimeout: 100 * time.Millisecond})
	mr.Close()
	defer rdb.Close()

	var degraded int32
	store := kv.NewFallback(kv.NewRedis(rdb, "", 200*time.Millisecond), kv.NewMemory(nil), quietLogger(), func(string) {
		atomic.AddInt32(&degraded, 1)
	})
	cache := NewCache(store, nil, quietLogger(), nil, Options{})

	var executions int32
	op := func(context.Context) (Response, error) {
		atomic.AddInt32(&executions, 1)
		return Response{Status: http.StatusOK, Body: []byte("local")}, nil
	}
	ctx := context.Background()
	if _, _, err := cache.Guard(ctx, "k", payload, time.Minute, op); err != nil {
		t.Fatalf("first: %v", err)
	}
	resp, replayed, err := cache.Guard(ctx, "k", payload, time.Minute, op)
	if err != nil || !replayed || string(resp.Body) != "local" {
		t.Fatalf("expected local replay, got %+v replayed=%v err=%v", resp, replayed, err)
	}
	if executions != 1 || degraded == 0 {
		t.Fatalf("executions=%d degraded=%d", executions, degraded)
	}
}

func TestGuardRejectsKeyReuseWithDifferentPayload(t *testing.T) {
	cache, _ := newTestCache(t, Options{Wait: time.Second, PollInterval: 5 * time.Millisecond})
	ctx := context.Background()

	var executions int32
	op := func(context.Context) (Response, error) {
		n := atomic.AddInt32(&executions, 1)
		return Response{Status: http.StatusOK, Body: []byte(fmt.Sprintf("tokens-%d", n))}, nil
	}

	if _, _, err := cache.Guard(ctx, "k", payload, time.Minute, op); err != nil {
		t.Fatalf("first: %v", err)
	}
	other := []byte(`{"phone_number":"+15559999999","otp":"654321"}`)
	resp, replayed, err := cache.Guard(ctx, "k", other, time.Minute, op)
	if !errors.Is(err, ErrKeyReused) {
		t.Fatalf("expected ErrKeyReused, got %+v replayed=%v err=%v", resp, replayed, err)
	}
	if len(resp.Body) != 0 || executions != 1 {
		t.Fatalf("mismatched payload must not see or trigger a response: body=%q executions=%d", resp.Body, executions)
	}

	resp, replayed, err = cache.Guard(ctx, "k", payload, time.Minute, op)
	if err != nil || !replayed || string(resp.Body) != "tokens-1" {
		t.Fatalf("original payload must still replay: %+v replayed=%v err=%v", resp, replayed, err)
	}
}

func TestGuardRejectsKeyReuseWhilePending(t *testing.T) {
	cache, _ := newTestCache(t, Options{Wait: time.Second, PollInterval: 5 * time.Millisecond})
	ctx := context.Background()

	started := make(chan struct{})
	finish := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _, _ = cache.Guard(ctx, "k", payload, time.Minute, func(context.Context) (Response, error) {
			close(started)
			<-finish
			return Response{Status: http.StatusOK}, nil
		})
	}()
	<-started

	_, _, err := cache.Guard(ctx, "k", []byte("other"), time.Minute, func(context.Context) (Response, error) {
		t.Error("mismatched payload must not execute")
		return Response{}, nil
	})
	close(finish)
	<-done
	if !errors.Is(err, ErrKeyReused) {
		t.Fatalf("expected ErrKeyReused, got %v", err)
	}
}

func TestGuardSealsStoredResponse(t *testing.T) {
	cache, mr := newTestCache(t, Options{Secret: []byte("server-secret")})
	ctx := context.Background()

	secret := "refresh-token-value"
	if _, _, err := cache.Guard(ctx, "k", payload, time.Minute, func(context.Context) (Response, error) {
		return Response{Status: http.StatusOK, Body: []byte(`{"refresh_token":"` + secret + `"}`)}, nil
	}); err != nil {
		t.Fatalf("guard: %v", err)
	}

	raw, err := mr.Get("test:idem:k")
	if err != nil {
		t.Fatalf("stored entry: %v", err)
	}
	if strings.Contains(raw, secret) {
		t.Fatalf("stored entry exposes the response: %s", raw)
	}

	// A cache with another secret cannot match the entry.
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()
	foreign := NewCache(kv.NewRedis(rdb, "test:", time.Second), clock.System{}, quietLogger(), nil, Options{Wait: 50 * time.Millisecond})
	if _, _, err := foreign.Guard(ctx, "k", payload, time.Minute, func(context.Context) (Response, error) {
		return Response{Status: http.StatusOK}, nil
	}); !errors.Is(err, ErrKeyReused) {
		t.Fatalf("expected ErrKeyReused under another secret, got %v", err)
	}
}

func TestGuardWaitFollowsInjectedClock(t *testing.T) {
	clk := clock.NewManual(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis start: %v", err)
	}
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() {
		_ = rdb.Close()
		mr.Close()
	})
	cache := NewCache(kv.NewRedis(rdb, "test:", time.Second), clk, quietLogger(), nil, Options{
		Wait:         time.Hour,
		PollInterval: 5 * time.Millisecond,
	})
	ctx := context.Background()

	started := make(chan struct{})
	finish := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _, _ = cache.Guard(ctx, "k", payload, time.Minute, func(context.Context) (Response, error) {
			close(started)
			<-finish
			return Response{Status: http.StatusOK}, nil
		})
	}()
	<-started

	go func() {
		time.Sleep(20 * time.Millisecond)
		clk.Advance(2 * time.Hour)
	}()
	_, _, err = cache.Guard(ctx, "k", payload, time.Minute, func(context.Context) (Response, error) {
		t.Error("loser must not execute")
		return Response{}, nil
	})
	close(finish)
	<-done
	if !errors.Is(err, ErrInFlight) {
		t.Fatalf("expected ErrInFlight once the clock passed the wait budget, got %v", err)
	}
}
