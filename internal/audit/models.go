package audit

import "time"

// Event is an immutable, append-only record of a pipeline outcome or an
// operator action.
//
// Invariants:
// - Events are never updated or deleted.
// - server_name is required: several pollers may share one sink.
// - actor and ip capture are best-effort; do not block the pipelines on audit failures.
type Event struct {
	ID         string `json:"id" db:"id"`
	ServerName string `json:"server_name" db:"server_name"`

	// Type indicates the business category of the audit record.
	Type EventType `json:"type" db:"type"`

	// RunID ties the event to one pipeline batch.
	RunID string `json:"run_id,omitempty" db:"run_id"`

	// Target identifiers (optional, depending on the event type).
	JobID   string `json:"job_id,omitempty" db:"job_id"`
	Sidecar string `json:"sidecar,omitempty" db:"sidecar"`
	Stage   string `json:"stage,omitempty" db:"stage"`

	// ActorUserID is the operator causing the event (admin actions only).
	ActorUserID string `json:"actor_user_id,omitempty" db:"actor_user_id"`
	ActorRole   string `json:"actor_role,omitempty" db:"actor_role"`
	IPAddress   string `json:"ip_address,omitempty" db:"ip_address"`

	// Message is a short human-readable description for internal ops.
	Message string `json:"message,omitempty" db:"message"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

type EventType string

const (
	EventTypeDispatched    EventType = "fax_dispatched"
	EventTypeFailed        EventType = "fax_failed"
	EventTypeIngested      EventType = "fax_ingested"
	EventTypeCleanupFailed EventType = "cleanup_failed"
	EventTypeRequeued      EventType = "job_requeued"
)
