package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/qcom/phoneauth/internal/clock"
	"github.com/qcom/phoneauth/internal/kv"
	"github.com/qcom/phoneauth/internal/metrics"
	"github.com/sirupsen/logrus"
)

// Mark is the outcome of MarkOnce.
type Mark struct {
	// Set is true only for the caller that created the marker.
	Set        bool
	RetryAfter time.Duration
	Degraded   bool
}

// Cooldown guards actions that may run at most once per ttl for a scope.
type Cooldown struct {
	store      kv.Store
	clock      clock.Clock
	logger     *logrus.Logger
	metrics    *metrics.Metrics
	failClosed bool
}

func NewCooldown(store kv.Store, c clock.Clock, logger *logrus.Logger, m *metrics.Metrics, failClosed bool) *Cooldown {
	if c == nil {
		c = clock.System{}
	}
	return &Cooldown{
		store:      store,
		clock:      c,
		logger:     logger,
		metrics:    m,
		failClosed: failClosed,
	}
}

// MarkOnce creates the cooldown marker for scope if absent. Concurrent
// callers race on a single SET NX; exactly one observes Set=true.
func (c *Cooldown) MarkOnce(ctx context.Context, scope string, ttl time.Duration) (Mark, error) {
	if ttl <= 0 {
		return Mark{Set: true}, nil
	}
	key := cooldownKey(scope)
	value := []byte(c.clock.Now().Format(time.RFC3339Nano))

	for attempt := 0; attempt < 2; attempt++ {
		set, err := c.store.SetIfAbsent(ctx, key, value, ttl)
		if err != nil {
			return c.unavailable(err)
		}
		if set {
			return Mark{Set: true}, nil
		}

		remaining, err := c.store.TTL(ctx, key)
		if errors.Is(err, kv.ErrNotFound) {
			// Marker expired between the two calls; race for it again.
			continue
		}
		if err != nil {
			// The marker exists, so the action is blocked either way.
			return Mark{RetryAfter: ttl}, nil
		}
		if remaining <= 0 || remaining > ttl {
			remaining = ttl
		}
		return Mark{RetryAfter: remaining}, nil
	}
	return Mark{RetryAfter: ttl}, nil
}

// Release removes the marker so the next call is not blocked. Used when the
// guarded action failed after the marker was set.
func (c *Cooldown) Release(ctx context.Context, scope string) error {
	if err := c.store.Del(ctx, cooldownKey(scope)); err != nil {
		return fmt.Errorf("failed to release cooldown: %w", err)
	}
	return nil
}

func (c *Cooldown) unavailable(err error) (Mark, error) {
	if c.failClosed {
		c.logger.WithError(err).Error("Cooldown store unavailable, failing closed")
		return Mark{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	c.logger.WithError(err).WithField("degraded", true).Warn("Cooldown store unavailable, failing open")
	c.metrics.Degraded("cooldown")
	return Mark{Set: true, Degraded: true}, nil
}

func cooldownKey(scope string) string {
	return "cd:" + scope
}
