// Package idempotency replays stored responses for repeated client requests
// that carry the same idempotency key.
package idempotency

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/qcom/phoneauth/internal/clock"
	"github.com/qcom/phoneauth/internal/kv"
	"github.com/qcom/phoneauth/internal/metrics"
	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/chacha20poly1305"
)

var (
	// ErrInFlight is returned to a caller that lost the claim on a key while
	// the winner has not produced a result within the wait budget.
	ErrInFlight = errors.New("idempotent request still in flight")
	// ErrUnavailable is returned when the store cannot record the claim.
	ErrUnavailable = errors.New("idempotency store unavailable")
	// ErrKeyReused is returned when a key is presented with a payload other
	// than the one it was first used with.
	ErrKeyReused = errors.New("idempotency key reused with a different payload")
)

const (
	statePending = "pending"
	stateDone    = "done"
)

// Response is the serializable result of a guarded operation.
type Response struct {
	Status  int         `json:"status"`
	Body    []byte      `json:"body"`
	Headers http.Header `json:"headers,omitempty"`
}

// Success reports whether the response belongs to the class that is stored
// and replayed.
func (r Response) Success() bool {
	return r.Status >= 200 && r.Status < 300
}

// entry is what the store holds per key. The response is sealed under a key
// derived from the request payload, so a store read alone does not reveal
// the tokens it carries.
type entry struct {
	State       string `json:"state"`
	Fingerprint string `json:"fingerprint"`
	Sealed      []byte `json:"sealed,omitempty"`
}

// Operation produces the response for a first-seen key.
type Operation func(ctx context.Context) (Response, error)

type Options struct {
	// LockTTL bounds how long a pending claim survives a crashed winner.
	LockTTL time.Duration
	// Wait is how long a losing caller polls for the winner's result.
	Wait         time.Duration
	PollInterval time.Duration
	// Secret is mixed into payload fingerprints and sealing keys.
	Secret []byte
}

type Cache struct {
	store   kv.Store
	clock   clock.Clock
	logger  *logrus.Logger
	metrics *metrics.Metrics
	opts    Options
}

func NewCache(store kv.Store, c clock.Clock, logger *logrus.Logger, m *metrics.Metrics, opts Options) *Cache {
	if c == nil {
		c = clock.System{}
	}
	if opts.LockTTL <= 0 {
		opts.LockTTL = 30 * time.Second
	}
	if opts.Wait <= 0 {
		opts.Wait = 5 * time.Second
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 25 * time.Millisecond
	}
	return &Cache{
		store:   store,
		clock:   c,
		logger:  logger,
		metrics: m,
		opts:    opts,
	}
}

// Guard executes op at most once per key within ttl. The first caller claims
// the key with a create-if-absent write and runs op; a success response
// replaces the claim and is replayed to every later caller presenting the
// same payload. A different payload under the same key fails with
// ErrKeyReused. Failed or non-success results release the claim so a retry
// executes again. The returned bool is true when the response is a replay.
func (c *Cache) Guard(ctx context.Context, key string, payload []byte, ttl time.Duration, op Operation) (Response, bool, error) {
	storeKey := "idem:" + key
	fp := c.derive("fingerprint", storeKey, payload)
	pending, _ := json.Marshal(entry{State: statePending, Fingerprint: hex.EncodeToString(fp)})

	deadline := c.clock.Now().Add(c.opts.Wait)
	for {
		won, err := c.store.SetIfAbsent(ctx, storeKey, pending, c.opts.LockTTL)
		if err != nil {
			c.logger.WithError(err).Error("Failed to claim idempotency key")
			c.metrics.Idempotency("unavailable")
			return Response{}, false, fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		if won {
			return c.execute(ctx, storeKey, payload, ttl, op)
		}

		resp, found, err := c.waitForResult(ctx, storeKey, payload, deadline)
		if err != nil {
			return Response{}, false, err
		}
		if found {
			c.metrics.Idempotency("replayed")
			return resp, true, nil
		}
		// The claim was released by a failed winner; race for it again.
	}
}

func (c *Cache) execute(ctx context.Context, storeKey string, payload []byte, ttl time.Duration, op Operation) (Response, bool, error) {
	resp, err := op(ctx)
	if err != nil || !resp.Success() {
		c.release(storeKey)
		c.metrics.Idempotency("not_stored")
		return resp, false, err
	}

	done, err := c.seal(storeKey, payload, resp)
	if err != nil {
		c.logger.WithError(err).Warn("Failed to seal idempotent response")
		c.release(storeKey)
		return resp, false, nil
	}
	// The side effect already happened; a failed write only costs replay.
	if err := c.store.Set(context.WithoutCancel(ctx), storeKey, done, ttl); err != nil {
		c.logger.WithError(err).Warn("Failed to store idempotent response")
		c.release(storeKey)
	}
	c.metrics.Idempotency("executed")
	return resp, false, nil
}

// waitForResult polls until the winner stores a result, the claim disappears
// (found=false) or the deadline passes.
func (c *Cache) waitForResult(ctx context.Context, storeKey string, payload []byte, deadline time.Time) (Response, bool, error) {
	fp := hex.EncodeToString(c.derive("fingerprint", storeKey, payload))
	ticker := time.NewTicker(c.opts.PollInterval)
	defer ticker.Stop()

	for {
		raw, err := c.store.Get(ctx, storeKey)
		switch {
		case errors.Is(err, kv.ErrNotFound):
			return Response{}, false, nil
		case err != nil:
			c.metrics.Idempotency("unavailable")
			return Response{}, false, fmt.Errorf("%w: %v", ErrUnavailable, err)
		}

		var e entry
		if err := json.Unmarshal(raw, &e); err != nil {
			return Response{}, false, fmt.Errorf("failed to decode idempotency entry: %w", err)
		}
		if !hmac.Equal([]byte(e.Fingerprint), []byte(fp)) {
			c.metrics.Idempotency("key_reused")
			return Response{}, false, ErrKeyReused
		}
		if e.State == stateDone {
			resp, err := c.open(storeKey, payload, e.Sealed)
			if err != nil {
				return Response{}, false, err
			}
			return resp, true, nil
		}

		if !c.clock.Now().Before(deadline) {
			c.metrics.Idempotency("in_flight")
			return Response{}, false, ErrInFlight
		}
		select {
		case <-ctx.Done():
			return Response{}, false, ctx.Err()
		case <-ticker.C:
		}
	}
}

// derive returns HMAC-SHA256(secret, label || storeKey || payload).
func (c *Cache) derive(label, storeKey string, payload []byte) []byte {
	mac := hmac.New(sha256.New, c.opts.Secret)
	mac.Write([]byte(label))
	mac.Write([]byte{0})
	mac.Write([]byte(storeKey))
	mac.Write([]byte{0})
	mac.Write(payload)
	return mac.Sum(nil)
}

// seal encodes a done entry whose response is encrypted as nonce || ciphertext.
func (c *Cache) seal(storeKey string, payload []byte, resp Response) ([]byte, error) {
	plain, err := json.Marshal(resp)
	if err != nil {
		return nil, fmt.Errorf("failed to encode response: %w", err)
	}
	aead, err := chacha20poly1305.New(c.derive("seal", storeKey, payload))
	if err != nil {
		return nil, fmt.Errorf("failed to build cipher: %w", err)
	}
	nonce := make([]byte, aead.NonceSize(), aead.NonceSize()+len(plain)+aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("failed to read nonce: %w", err)
	}
	return json.Marshal(entry{
		State:       stateDone,
		Fingerprint: hex.EncodeToString(c.derive("fingerprint", storeKey, payload)),
		Sealed:      aead.Seal(nonce, nonce, plain, []byte(storeKey)),
	})
}

func (c *Cache) open(storeKey string, payload, sealed []byte) (Response, error) {
	aead, err := chacha20poly1305.New(c.derive("seal", storeKey, payload))
	if err != nil {
		return Response{}, fmt.Errorf("failed to build cipher: %w", err)
	}
	if len(sealed) < aead.NonceSize() {
		return Response{}, errors.New("sealed idempotency response is too short")
	}
	plain, err := aead.Open(nil, sealed[:aead.NonceSize()], sealed[aead.NonceSize():], []byte(storeKey))
	if err != nil {
		return Response{}, fmt.Errorf("failed to open idempotency response: %w", err)
	}
	var resp Response
	if err := json.Unmarshal(plain, &resp); err != nil {
		return Response{}, fmt.Errorf("failed to decode idempotency response: %w", err)
	}
	return resp, nil
}

func (c *Cache) release(storeKey string) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := c.store.Del(ctx, storeKey); err != nil {
		c.logger.WithError(err).Warn("Failed to release idempotency claim")
	}
}
