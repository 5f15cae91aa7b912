package careaccess

import (
	"time"

	"github.com/google/uuid"
)

const (
	StatusActive  = "active"
	StatusRevoked = "revoked"
)

// Access is one doctor to patient relationship.
type Access struct {
	ID        uuid.UUID  `db:"id" json:"id"`
	DoctorID  uuid.UUID  `db:"doctor_id" json:"doctor_id"`
	PatientID uuid.UUID  `db:"patient_id" json:"patient_id"`
	Status    string     `db:"status" json:"status"`
	GrantedAt time.Time  `db:"granted_at" json:"granted_at"`
	RevokedAt *time.Time `db:"revoked_at" json:"revoked_at,omitempty"`
}
