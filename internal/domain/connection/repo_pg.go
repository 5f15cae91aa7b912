package connection

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/oncocompanion/companion/internal/domain/careaccess"
	"github.com/oncocompanion/companion/internal/platform/db"
)

type queryable interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

const connCols = `id, user_id, provider, connection_token, status, connected_at,
	last_sync_at, revoked_at, metadata, created_at, updated_at`

type storePG struct{ pool *pgxpool.Pool }

// NewStorePG returns the request-scoped store. Queries run on the connection
// pinned by db.SessionMiddleware when there is one.
func NewStorePG(pool *pgxpool.Pool) Store {
	return &storePG{pool: pool}
}

func (r *storePG) conn(ctx context.Context) queryable {
	if c := db.ConnFromContext(ctx); c != nil {
		return c
	}
	return r.pool
}

func (r *storePG) Upsert(ctx context.Context, c *ExternalConnection) error {
	if c.Metadata == nil {
		c.Metadata = map[string]any{}
	}
	err := r.conn(ctx).QueryRow(ctx, `
		INSERT INTO external_connection (user_id, provider, connection_token, status, connected_at, metadata)
		VALUES ($1, $2, $3, 'active', $4, $5)
		ON CONFLICT (user_id, provider) DO UPDATE SET
			connection_token = EXCLUDED.connection_token,
			status = 'active',
			connected_at = EXCLUDED.connected_at,
			metadata = EXCLUDED.metadata,
			revoked_at = NULL,
			updated_at = NOW()
		RETURNING id, last_sync_at, created_at, updated_at`,
		c.UserID, c.Provider, c.Token, c.ConnectedAt, c.Metadata,
	).Scan(&c.ID, &c.LastSyncAt, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return fmt.Errorf("upsert connection: %w", err)
	}
	c.Status = StatusActive
	c.RevokedAt = nil
	return nil
}

func (r *storePG) FindActive(ctx context.Context, userID uuid.UUID, provider Provider) (*ExternalConnection, error) {
	return findActive(ctx, r.conn(ctx), userID, provider)
}

func (r *storePG) MarkSynced(ctx context.Context, id uuid.UUID, at time.Time) error {
	_, err := r.conn(ctx).Exec(ctx,
		`UPDATE external_connection SET last_sync_at = $2, updated_at = NOW() WHERE id = $1`, id, at)
	return err
}

func (r *storePG) Revoke(ctx context.Context, id uuid.UUID, at time.Time) error {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE external_connection SET status = 'revoked', revoked_at = $2, updated_at = NOW()
		WHERE id = $1 AND status = 'active'`, id, at)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotConnected
	}
	return nil
}

// grantedPG always uses the pool, whose role is not subject to the
// per-user row policies.
type grantedPG struct{ pool *pgxpool.Pool }

func NewGrantedReaderPG(pool *pgxpool.Pool) GrantedReader {
	return &grantedPG{pool: pool}
}

func (r *grantedPG) FindActiveFor(ctx context.Context, grant careaccess.Grant, provider Provider) (*ExternalConnection, error) {
	if !grant.Valid() {
		return nil, careaccess.ErrNoAccess
	}
	return findActive(ctx, r.pool, grant.PatientID(), provider)
}

func (r *grantedPG) MarkSyncedFor(ctx context.Context, grant careaccess.Grant, id uuid.UUID, at time.Time) error {
	if !grant.Valid() {
		return careaccess.ErrNoAccess
	}
	_, err := r.pool.Exec(ctx, `
		UPDATE external_connection SET last_sync_at = $3, updated_at = NOW()
		WHERE id = $1 AND user_id = $2`, id, grant.PatientID(), at)
	return err
}

func findActive(ctx context.Context, q queryable, userID uuid.UUID, provider Provider) (*ExternalConnection, error) {
	var c ExternalConnection
	err := q.QueryRow(ctx, `SELECT `+connCols+` FROM external_connection
		WHERE user_id = $1 AND provider = $2 AND status = 'active'`, userID, provider).Scan(
		&c.ID, &c.UserID, &c.Provider, &c.Token, &c.Status, &c.ConnectedAt,
		&c.LastSyncAt, &c.RevokedAt, &c.Metadata, &c.CreatedAt, &c.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotConnected
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}
