package connection

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// Provider identifies a partner system.
type Provider string

const ProviderMinhaCaderneta Provider = "minha_caderneta"

// DefaultProvider is assumed when a request names none.
const DefaultProvider = ProviderMinhaCaderneta

func (p Provider) Valid() bool {
	return p == ProviderMinhaCaderneta
}

type Status string

const (
	StatusActive  Status = "active"
	StatusRevoked Status = "revoked"
)

// ExternalConnection maps to the external_connection table. There is at most
// one row per (user, provider); revoked rows are kept.
type ExternalConnection struct {
	ID          uuid.UUID      `db:"id" json:"id"`
	UserID      uuid.UUID      `db:"user_id" json:"user_id"`
	Provider    Provider       `db:"provider" json:"provider"`
	Token       string         `db:"connection_token" json:"-"`
	Status      Status         `db:"status" json:"status"`
	ConnectedAt time.Time      `db:"connected_at" json:"connected_at"`
	LastSyncAt  *time.Time     `db:"last_sync_at" json:"last_sync_at,omitempty"`
	RevokedAt   *time.Time     `db:"revoked_at" json:"revoked_at,omitempty"`
	Metadata    map[string]any `db:"metadata" json:"metadata"`
	CreatedAt   time.Time      `db:"created_at" json:"created_at"`
	UpdatedAt   time.Time      `db:"updated_at" json:"updated_at"`
}

type AlertLevel string

const (
	AlertInfo     AlertLevel = "info"
	AlertWarning  AlertLevel = "warning"
	AlertCritical AlertLevel = "critical"
)

// ParseAlertLevel maps free-form partner severities onto the three levels.
// Anything unrecognised is info.
func ParseAlertLevel(s string) AlertLevel {
	s = strings.ToLower(strings.TrimSpace(s))
	switch AlertLevel(s) {
	case AlertWarning, AlertCritical:
		return AlertLevel(s)
	}
	switch s {
	case "high", "error", "danger", "urgent":
		return AlertCritical
	case "medium", "warn", "attention":
		return AlertWarning
	}
	return AlertInfo
}

type ClinicalAlert struct {
	ID        string     `json:"id"`
	Source    string     `json:"source"`
	Level     AlertLevel `json:"level"`
	Message   string     `json:"message"`
	CreatedAt time.Time  `json:"created_at"`
}

// Vaccine status buckets used by the summary counters.
const (
	VaccineUpToDate = "up_to_date"
	VaccinePending  = "pending"
	VaccineOverdue  = "overdue"
)

type VaccineRecord struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Date   string `json:"date,omitempty"`
	Dose   string `json:"dose,omitempty"`
	Status string `json:"status,omitempty"`
}

// VaccinationSummary is the canonical shape of a partner sync.
type VaccinationSummary struct {
	Provider    Provider        `json:"provider"`
	PatientID   uuid.UUID       `json:"patient_id"`
	Total       int             `json:"total"`
	UpToDate    int             `json:"up_to_date"`
	Pending     int             `json:"pending"`
	Overdue     int             `json:"overdue"`
	LastUpdated time.Time       `json:"last_updated"`
	Alerts      []ClinicalAlert `json:"alerts"`
	Items       []VaccineRecord `json:"items"`
}

// Request bodies.

type InitiateRequest struct {
	Provider Provider `json:"provider"`
}

type InitiateResult struct {
	Provider     Provider  `json:"provider"`
	AuthorizeURL string    `json:"authorize_url"`
	State        string    `json:"state"`
	ExpiresAt    time.Time `json:"expires_at"`
}

type CompleteRequest struct {
	UserID   string   `json:"user_id"`
	Provider Provider `json:"provider"`
	State    string   `json:"state,omitempty"`
}

type SyncRequest struct {
	PatientID *uuid.UUID `json:"patient_id,omitempty"`
	Provider  Provider   `json:"provider"`
}

type DisconnectRequest struct {
	Provider Provider `json:"provider"`
}
