package db

import (
	"context"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
)

// PoolStats is the pool snapshot reported by /health/db.
type PoolStats struct {
	TotalConns    int32  `json:"total_conns"`
	IdleConns     int32  `json:"idle_conns"`
	AcquiredConns int32  `json:"acquired_conns"`
	MaxConns      int32  `json:"max_conns"`
	EmptyAcquires int64  `json:"empty_acquires"`
	AcquireWait   string `json:"acquire_wait"`
}

func GetPoolStats(pool *pgxpool.Pool) PoolStats {
	stat := pool.Stat()
	return PoolStats{
		TotalConns:    stat.TotalConns(),
		IdleConns:     stat.IdleConns(),
		AcquiredConns: stat.AcquiredConns(),
		MaxConns:      stat.MaxConns(),
		EmptyAcquires: stat.EmptyAcquireCount(),
		AcquireWait:   stat.AcquireDuration().String(),
	}
}

// DBHealth is the /health/db body. SchemaVersion is the highest applied
// migration, 0 when none has run.
type DBHealth struct {
	Success       bool      `json:"success"`
	Status        string    `json:"status"`
	SchemaVersion int       `json:"schema_version"`
	Pool          PoolStats `json:"pool"`
	Error         string    `json:"error,omitempty"`
}

func schemaVersion(ctx context.Context, pool *pgxpool.Pool) (int, error) {
	var exists bool
	if err := pool.QueryRow(ctx, `SELECT to_regclass('_migrations') IS NOT NULL`).Scan(&exists); err != nil || !exists {
		return 0, err
	}
	var v int
	err := pool.QueryRow(ctx, `SELECT COALESCE(MAX(version), 0) FROM _migrations`).Scan(&v)
	return v, err
}

// HealthHandler serves /health/db.
func HealthHandler(pool *pgxpool.Pool) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx, cancel := context.WithTimeout(c.Request().Context(), 3*time.Second)
		defer cancel()

		body := DBHealth{Pool: GetPoolStats(pool)}
		version, err := schemaVersion(ctx, pool)
		if err != nil {
			body.Status = "unavailable"
			body.Error = "database unreachable"
			return c.JSON(http.StatusServiceUnavailable, body)
		}
		body.Success = true
		body.Status = "healthy"
		body.SchemaVersion = version
		return c.JSON(http.StatusOK, body)
	}
}
