package ratelimit

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
	"github.com/qcom/phoneauth/internal/kv"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func newLimiterTest(t *testing.T) (*Limiter, *Cooldown, *miniredis.Miniredis, *clock.Manual) {
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
	clk := clock.NewManual(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	store := kv.NewRedis(rdb, "", 2*time.Second)
	return NewLimiter(store, clk, quietLogger(), nil), NewCooldown(store, clk, quietLogger(), nil, false), mr, clk
}

func downStore(t *testing.T) kv.Store {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis start: %v", err)
	}
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1, DialTimeout: 100 * time.Millisecond})
	mr.Close()
	t.Cleanup(func() { _ = rdb.Close() })
	return kv.NewRedis(rdb, "", 200*time.Millisecond)
}

func TestAllowDeniesAfterLimitAndResetsAfterWindow(t *testing.T) {
	limiter, _, mr, clk := newLimiterTest(t)
	ctx := context.Background()
	rule := Rule{Name: "otp_phone", Limit: 3, Window: time.Minute}

	for i := 1; i <= 3; i++ {
		d, err := limiter.Allow(ctx, rule, "+15550001111")
		if err != nil {
			t.Fatalf("allow %d: %v", i, err)
		}
		if !d.Allowed {
			t.Fatalf("call %d should be allowed", i)
		}
		if d.Remaining != 3-i {
			t.Fatalf("call %d: expected remaining %d, got %d", i, 3-i, d.Remaining)
		}
	}

	d, err := limiter.Allow(ctx, rule, "+15550001111")
	if err != nil {
		t.Fatalf("allow 4: %v", err)
	}
	if d.Allowed {
		t.Fatal("the (N+1)-th call must be denied")
	}
	if got := d.RetryAfter(clk.Now()); got <= 0 || got > time.Minute {
		t.Fatalf("unexpected retry after %s", got)
	}

	mr.FastForward(time.Minute)
	clk.Advance(time.Minute)

	d, err = limiter.Allow(ctx, rule, "+15550001111")
	if err != nil {
		t.Fatalf("allow after window: %v", err)
	}
	if !d.Allowed || d.Remaining != 2 {
		t.Fatalf("expected fresh window with count 1, got %+v", d)
	}
}

func TestAllowScopesAreIndependent(t *testing.T) {
	limiter, _, _, _ := newLimiterTest(t)
	ctx := context.Background()
	rule := Rule{Name: "otp_ip", Limit: 1, Window: time.Minute}

	if d, _ := limiter.Allow(ctx, rule, "10.0.0.1"); !d.Allowed {
		t.Fatal("first ip should be allowed")
	}
	if d, _ := limiter.Allow(ctx, rule, "10.0.0.2"); !d.Allowed {
		t.Fatal("second ip has its own counter")
	}
	if d, _ := limiter.Allow(ctx, rule, "10.0.0.1"); d.Allowed {
		t.Fatal("first ip should now be limited")
	}
}

func TestAllowConcurrentNeverOverAdmits(t *testing.T) {
	limiter, _, _, _ := newLimiterTest(t)
	ctx := context.Background()
	rule := Rule{Name: "burst", Limit: 5, Window: time.Minute}

	const n = 40
	var admitted int32
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func() {
			defer wg.Done()
			d, err := limiter.Allow(ctx, rule, "shared")
			if err != nil {
				t.Errorf("allow: %v", err)
				return
			}
			if d.Allowed {
				atomic.AddInt32(&admitted, 1)
			}
		}()
	}
	wg.Wait()

	if admitted != 5 {
		t.Fatalf("expected exactly 5 admissions, got %d", admitted)
	}
}

func TestAllowFailurePolicy(t *testing.T) {
	store := downStore(t)
	limiter := NewLimiter(store, nil, quietLogger(), nil)
	ctx := context.Background()

	d, err := limiter.Allow(ctx, Rule{Name: "open", Limit: 1, Window: time.Minute}, "x")
	if err != nil {
		t.Fatalf("fail-open rule returned error: %v", err)
	}
	if !d.Allowed || !d.Degraded {
		t.Fatalf("expected degraded admission, got %+v", d)
	}

	_, err = limiter.Allow(ctx, Rule{Name: "closed", Limit: 1, Window: time.Minute, FailClosed: true}, "x")
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable for fail-closed rule, got %v", err)
	}
}

func TestMarkOnceExactlyOneWinner(t *testing.T) {
	_, cooldown, _, _ := newLimiterTest(t)
	ctx := context.Background()

	const n = 24
	var winners int32
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func() {
			defer wg.Done()
			m, err := cooldown.MarkOnce(ctx, "otp_send:+15550001111", time.Minute)
			if err != nil {
				t.Errorf("mark: %v", err)
				return
			}
			if m.Set {
				atomic.AddInt32(&winners, 1)
			} else if m.RetryAfter <= 0 || m.RetryAfter > time.Minute {
				t.Errorf("loser got retry after %s", m.RetryAfter)
			}
		}()
	}
	wg.Wait()

	if winners != 1 {
		t.Fatalf("expected one winner, got %d", winners)
	}
}

func TestMarkOnceExpiresAndRelease(t *testing.T) {
	_, cooldown, mr, _ := newLimiterTest(t)
	ctx := context.Background()

	if m, _ := cooldown.MarkOnce(ctx, "s", 60*time.Second); !m.Set {
		t.Fatal("expected first mark to be set")
	}
	mr.FastForward(15 * time.Second)
	m, _ := cooldown.MarkOnce(ctx, "s", 60*time.Second)
	if m.Set {
		t.Fatal("expected marker to block")
	}
	if m.RetryAfter != 45*time.Second {
		t.Fatalf("expected retry after 45s, got %s", m.RetryAfter)
	}

	if err := cooldown.Release(ctx, "s"); err != nil {
		t.Fatalf("release: %v", err)
	}
	if m, _ := cooldown.MarkOnce(ctx, "s", 60*time.Second); !m.Set {
		t.Fatal("expected mark after release")
	}

	mr.FastForward(60 * time.Second)
	if m, _ := cooldown.MarkOnce(ctx, "s", 60*time.Second); !m.Set {
		t.Fatal("expected mark after expiry")
	}
}

func TestMarkOnceFailOpen(t *testing.T) {
	cooldown := NewCooldown(downStore(t), nil, quietLogger(), nil, false)
	m, err := cooldown.MarkOnce(context.Background(), "s", time.Minute)
	if err != nil || !m.Set || !m.Degraded {
		t.Fatalf("expected degraded set, got %+v %v", m, err)
	}

	closed := NewCooldown(downStore(t), nil, quietLogger(), nil, true)
	if _, err := closed.MarkOnce(context.Background(), "s", time.Minute); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
}
