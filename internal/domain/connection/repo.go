package connection

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/oncocompanion/companion/internal/domain/careaccess"
)

// Store reads and writes connections as the calling user. Row policies limit
// it to the caller's own rows.
type Store interface {
	// Upsert creates or reactivates the (user, provider) row and fills in
	// the generated fields of c.
	Upsert(ctx context.Context, c *ExternalConnection) error
	// FindActive returns ErrNotConnected when no active row exists.
	FindActive(ctx context.Context, userID uuid.UUID, provider Provider) (*ExternalConnection, error)
	MarkSynced(ctx context.Context, id uuid.UUID, at time.Time) error
	Revoke(ctx context.Context, id uuid.UUID, at time.Time) error
}

// GrantedReader reads another user's connection with service credentials.
// Each call is scoped to the patient named by the grant and refuses an
// invalid one.
type GrantedReader interface {
	FindActiveFor(ctx context.Context, grant careaccess.Grant, provider Provider) (*ExternalConnection, error)
	MarkSyncedFor(ctx context.Context, grant careaccess.Grant, id uuid.UUID, at time.Time) error
}
