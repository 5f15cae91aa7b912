// Package careaccess answers whether a physician may read a patient's data.
// A positive answer is handed out as a Grant, the only value accepted by
// readers that bypass the patient-scoped row policies.
package careaccess

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

var ErrNoAccess = errors.New("no active care relationship with this patient")

// Grant proves doctor has active access to patient at the time it was
// issued. The zero Grant is invalid.
type Grant struct {
	doctorID  uuid.UUID
	patientID uuid.UUID
}

func (g Grant) Valid() bool {
	return g.doctorID != uuid.Nil && g.patientID != uuid.Nil
}

func (g Grant) DoctorID() uuid.UUID  { return g.doctorID }
func (g Grant) PatientID() uuid.UUID { return g.patientID }

type Service struct {
	repo Repository
}

func NewService(repo Repository) *Service {
	return &Service{repo: repo}
}

// Authorize returns a Grant when doctorID has active access to patientID,
// ErrNoAccess otherwise.
func (s *Service) Authorize(ctx context.Context, doctorID, patientID uuid.UUID) (Grant, error) {
	if doctorID == uuid.Nil || patientID == uuid.Nil {
		return Grant{}, ErrNoAccess
	}
	ok, err := s.repo.HasActiveAccess(ctx, doctorID, patientID)
	if err != nil {
		return Grant{}, fmt.Errorf("check care access: %w", err)
	}
	if !ok {
		return Grant{}, ErrNoAccess
	}
	return Grant{doctorID: doctorID, patientID: patientID}, nil
}

func (s *Service) ListPatients(ctx context.Context, doctorID uuid.UUID, limit, offset int) ([]*Access, int, error) {
	return s.repo.ListPatients(ctx, doctorID, limit, offset)
}
