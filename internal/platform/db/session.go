package db

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog/log"
)

type contextKey string

const dbConnKey contextKey = "db_conn"

// SessionRole is the database role row-level security policies are written for.
const SessionRole = "companion_user"

// SubjectFunc returns the user id a request's queries run as, or "" to keep
// the pool's own service role.
type SubjectFunc func(c echo.Context) string

// SessionMiddleware pins one pooled connection to the request and switches it
// to SessionRole with app.current_user_id set to the caller, so every query
// issued through ConnFromContext is filtered by the caller's policies. The
// session settings are reset before the connection goes back to the pool.
// Requests with an empty subject pass through without a pinned connection.
func SessionMiddleware(pool *pgxpool.Pool, subject SubjectFunc) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			userID := subject(c)
			if userID == "" {
				return next(c)
			}

			ctx := c.Request().Context()
			conn, err := AcquireSession(ctx, pool, userID)
			if errors.Is(err, errAcquire) {
				return echo.NewHTTPError(http.StatusServiceUnavailable, "database unavailable")
			}
			if err != nil {
				return echo.NewHTTPError(http.StatusInternalServerError, "session setup failed")
			}
			defer ReleaseSession(conn)

			c.SetRequest(c.Request().WithContext(WithConn(ctx, conn)))
			return next(c)
		}
	}
}

var errAcquire = errors.New("acquire connection")

// AcquireSession takes a connection from pool and switches it to SessionRole
// acting as userID. The caller must hand it back with ReleaseSession.
func AcquireSession(ctx context.Context, pool *pgxpool.Pool, userID string) (*pgxpool.Conn, error) {
	conn, err := pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errAcquire, err)
	}
	if _, err := conn.Exec(ctx, "SET ROLE "+SessionRole); err != nil {
		ReleaseSession(conn)
		return nil, fmt.Errorf("set role: %w", err)
	}
	if _, err := conn.Exec(ctx, "SELECT set_config('app.current_user_id', $1, false)", userID); err != nil {
		ReleaseSession(conn)
		return nil, fmt.Errorf("set current user: %w", err)
	}
	return conn, nil
}

// ReleaseSession clears the caller's settings. A connection whose reset
// fails is destroyed instead of being returned to the pool.
func ReleaseSession(conn *pgxpool.Conn) {
	ctx := context.Background()
	_, err := conn.Exec(ctx, "RESET ROLE; SELECT set_config('app.current_user_id', '', false)")
	if err != nil {
		log.Warn().Err(err).Msg("session reset failed, dropping connection")
		_ = conn.Conn().Close(ctx)
	}
	conn.Release()
}

// WithConn stores a request-scoped connection on ctx.
func WithConn(ctx context.Context, conn *pgxpool.Conn) context.Context {
	return context.WithValue(ctx, dbConnKey, conn)
}

// ConnFromContext retrieves the request-scoped database connection from context.
func ConnFromContext(ctx context.Context) *pgxpool.Conn {
	conn, _ := ctx.Value(dbConnKey).(*pgxpool.Conn)
	return conn
}
