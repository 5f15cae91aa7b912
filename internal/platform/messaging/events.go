package messaging

import (
	"time"

	"github.com/google/uuid"
)

// Routing keys published to the events exchange.
const (
	EventConnectionEstablished = "connection.established"
	EventConnectionSynced      = "connection.synced"
	EventConnectionRevoked     = "connection.revoked"
	EventTreatmentPlanCreated  = "treatment_plan.created"
)

const ServiceName = "companion-server"

// Event is the envelope for every published message.
type Event struct {
	EventType   string    `json:"event_type"`
	EventID     string    `json:"event_id"`
	Timestamp   time.Time `json:"timestamp"`
	ServiceName string    `json:"service_name"`
	Data        any       `json:"data"`
}

func NewEvent(eventType string, data any) Event {
	return Event{
		EventType:   eventType,
		EventID:     uuid.NewString(),
		Timestamp:   time.Now().UTC(),
		ServiceName: ServiceName,
		Data:        data,
	}
}

// ConnectionEventData carries no partner token.
type ConnectionEventData struct {
	ConnectionID string     `json:"connection_id"`
	UserID       string     `json:"user_id"`
	Provider     string     `json:"provider"`
	Status       string     `json:"status"`
	ActorID      string     `json:"actor_id,omitempty"`
	LastSyncAt   *time.Time `json:"last_sync_at,omitempty"`
}

type TreatmentPlanCreatedData struct {
	PlanID        string    `json:"plan_id"`
	PatientID     string    `json:"patient_id"`
	RegimenName   string    `json:"regimen_name"`
	PlannedCycles int       `json:"planned_cycles"`
	StartDate     time.Time `json:"start_date"`
	CreatedBy     string    `json:"created_by"`
}
