package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/qcom/phoneauth/internal/db"
)

var (
	ErrNotFound = errors.New("record not found")
	// ErrRefreshReuse means the presented refresh token is unknown or was
	// already revoked.
	ErrRefreshReuse = errors.New("refresh token reuse detected")
	// ErrRefreshExpired means the refresh token is known and unrevoked but
	// past its expiry.
	ErrRefreshExpired = errors.New("refresh token expired")
	// ErrRotationAmbiguous means the rotation transaction may or may not have
	// committed.
	ErrRotationAmbiguous = errors.New("refresh rotation outcome unknown")
)

// SQLStore holds the pool shared by the relational repositories and applies
// the placeholder dialect and the per-call timeout.
type SQLStore struct {
	db      *sql.DB
	driver  string
	timeout time.Duration
}

func NewSQLStore(conn *sql.DB, driver string, timeout time.Duration) *SQLStore {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &SQLStore{
		db:      conn,
		driver:  driver,
		timeout: timeout,
	}
}

func (s *SQLStore) q(query string) string {
	return db.Rebind(s.driver, query)
}

func (s *SQLStore) ctx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.timeout)
}

func toMillis(t time.Time) int64 {
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

func fromNullMillis(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := fromMillis(v.Int64)
	return &t
}
