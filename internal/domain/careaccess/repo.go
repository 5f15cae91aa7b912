package careaccess

import (
	"context"

	"github.com/google/uuid"
)

type Repository interface {
	// HasActiveAccess defers to the database policy function.
	HasActiveAccess(ctx context.Context, doctorID, patientID uuid.UUID) (bool, error)
	ListPatients(ctx context.Context, doctorID uuid.UUID, limit, offset int) ([]*Access, int, error)
}
