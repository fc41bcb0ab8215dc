package middleware

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/qcom/phoneauth/internal/idempotency"
	"github.com/sirupsen/logrus"
)

const (
	IdempotencyKeyHeader = "Idempotency-Key"
	ReplayedHeader       = "Idempotent-Replayed"

	maxIdempotencyKeyLen = 255
	maxIdempotentBody    = 1 << 20
)

// Idempotency replays the stored response for a repeated Idempotency-Key.
// Keys are scoped by method and path, so the same key on two endpoints
// guards two operations. A key is bound to the body it was first sent with;
// reusing it with another body is rejected with 422. Requests without the
// header pass through.
func Idempotency(cache *idempotency.Cache, ttl time.Duration, logger *logrus.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get(IdempotencyKeyHeader)
			if key == "" {
				next.ServeHTTP(w, r)
				return
			}
			if len(key) > maxIdempotencyKeyLen {
				respondWithError(w, http.StatusBadRequest, "INVALID_REQUEST", "Idempotency-Key is too long")
				return
			}

			body, err := io.ReadAll(io.LimitReader(r.Body, maxIdempotentBody+1))
			if err != nil {
				respondWithError(w, http.StatusBadRequest, "INVALID_REQUEST", "Failed to read request body")
				return
			}
			if len(body) > maxIdempotentBody {
				respondWithError(w, http.StatusRequestEntityTooLarge, "INVALID_REQUEST", "Request body is too large")
				return
			}

			scoped := r.Method + " " + r.URL.Path + " " + key
			resp, replayed, err := cache.Guard(r.Context(), scoped, body, ttl, func(ctx context.Context) (idempotency.Response, error) {
				rec := newCapture()
				req := r.WithContext(ctx)
				req.Body = io.NopCloser(bytes.NewReader(body))
				next.ServeHTTP(rec, req)
				return rec.response(), nil
			})
			switch {
			case errors.Is(err, idempotency.ErrKeyReused):
				respondWithError(w, http.StatusUnprocessableEntity, "IDEMPOTENCY_KEY_REUSED", "Idempotency-Key was already used with a different request")
				return
			case errors.Is(err, idempotency.ErrInFlight):
				respondWithError(w, http.StatusConflict, "IDEMPOTENCY_IN_FLIGHT", "A request with this key is still being processed")
				return
			case err != nil:
				logger.WithError(err).Error("Idempotency guard failed")
				respondWithError(w, http.StatusServiceUnavailable, "SYSTEM_ERROR", "Internal error, try again later")
				return
			}

			for name, values := range resp.Headers {
				for _, v := range values {
					w.Header().Add(name, v)
				}
			}
			if replayed {
				w.Header().Set(ReplayedHeader, "true")
			}
			w.WriteHeader(resp.Status)
			_, _ = w.Write(resp.Body)
		})
	}
}

// capture buffers a handler's response so it can be stored before it is
// written to the client.
type capture struct {
	header http.Header
	status int
	body   bytes.Buffer
}

func newCapture() *capture {
	return &capture{header: make(http.Header)}
}

func (c *capture) Header() http.Header { return c.header }

func (c *capture) WriteHeader(status int) {
	if c.status == 0 {
		c.status = status
	}
}

func (c *capture) Write(p []byte) (int, error) {
	if c.status == 0 {
		c.status = http.StatusOK
	}
	return c.body.Write(p)
}

func (c *capture) response() idempotency.Response {
	status := c.status
	if status == 0 {
		status = http.StatusOK
	}
	return idempotency.Response{
		Status:  status,
		Body:    c.body.Bytes(),
		Headers: c.header.Clone(),
	}
}
