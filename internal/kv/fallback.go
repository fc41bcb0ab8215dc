package kv

import (
	"context"
	"errors"
	"time"

	"github.com/sirupsen/logrus"
)

// Fallback is the explicit degraded-mode adapter: it forwards to primary and,
// when primary reports ErrUnavailable, serves the call from a process-local
// Memory store instead. Results served from local are best effort and
// non-durable; only wire this where that is acceptable (local/dev).
type Fallback struct {
	primary    Store
	local      *Memory
	logger     *logrus.Logger
	onDegraded func(op string)
}

func NewFallback(primary Store, local *Memory, logger *logrus.Logger, onDegraded func(op string)) *Fallback {
	return &Fallback{
		primary:    primary,
		local:      local,
		logger:     logger,
		onDegraded: onDegraded,
	}
}

func (f *Fallback) degrade(op string, err error) bool {
	if !errors.Is(err, ErrUnavailable) {
		return false
	}
	f.logger.WithError(err).WithFields(logrus.Fields{
		"op":       op,
		"degraded": true,
	}).Warn("KV primary unavailable, serving from non-durable local store")
	if f.onDegraded != nil {
		f.onDegraded(op)
	}
	return true
}

func (f *Fallback) IncrAndExpire(ctx context.Context, key string, window time.Duration) (int64, time.Duration, error) {
	n, ttl, err := f.primary.IncrAndExpire(ctx, key, window)
	if err != nil && f.degrade("incr", err) {
		return f.local.IncrAndExpire(ctx, key, window)
	}
	return n, ttl, err
}

func (f *Fallback) SetIfAbsent(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	ok, err := f.primary.SetIfAbsent(ctx, key, value, ttl)
	if err != nil && f.degrade("setnx", err) {
		return f.local.SetIfAbsent(ctx, key, value, ttl)
	}
	return ok, err
}

func (f *Fallback) Get(ctx context.Context, key string) ([]byte, error) {
	b, err := f.primary.Get(ctx, key)
	if err != nil && f.degrade("get", err) {
		return f.local.Get(ctx, key)
	}
	return b, err
}

func (f *Fallback) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	err := f.primary.Set(ctx, key, value, ttl)
	if err != nil && f.degrade("set", err) {
		return f.local.Set(ctx, key, value, ttl)
	}
	return err
}

func (f *Fallback) Del(ctx context.Context, key string) error {
	err := f.primary.Del(ctx, key)
	if err != nil && f.degrade("del", err) {
		return f.local.Del(ctx, key)
	}
	// A key may have been written locally during an earlier outage.
	_ = f.local.Del(ctx, key)
	return err
}

func (f *Fallback) TTL(ctx context.Context, key string) (time.Duration, error) {
	d, err := f.primary.TTL(ctx, key)
	if err != nil && f.degrade("ttl", err) {
		return f.local.TTL(ctx, key)
	}
	return d, err
}
