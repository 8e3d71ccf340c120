package fax

import "time"

// Job is an outgoing fax row.
//
// The payload is written once by the submission path and never mutated here.
// Only State is driven by this service (see JobState).
type Job struct {
	ID              int64    `json:"id" db:"id"`
	Payload         []byte   `json:"-" db:"fax_data"`
	Filename        string   `json:"filename" db:"filename"`
	RoutingNumberID int64    `json:"outgoing_number_id" db:"outgoing_number_id"`
	Destination     string   `json:"to" db:"to"`
	State           JobState `json:"state" db:"state"`
}

// JobState is the lifecycle state of an outgoing fax.
//
// created -> processing -> processed is the happy path. processed is a claim
// checkpoint: the row stays for audit and is never deleted by this service.
type JobState string

const (
	JobStateCreated    JobState = "created"
	JobStateProcessing JobState = "processing"
	JobStateProcessed  JobState = "processed"
	JobStateError      JobState = "error"
)

// RoutingNumber is a dialable trunk number used as caller identity and trunk selector.
// Read-only from this service's perspective.
type RoutingNumber struct {
	ID         int64  `json:"id" db:"id"`
	FullNumber string `json:"full_number" db:"full_number"`
	// HeaderPPID is the optional P-Preferred-Identity header value. Empty means unset.
	HeaderPPID string `json:"header_ppid,omitempty" db:"header_ppid"`
	EndpointID string `json:"ps_endpoints_id" db:"ps_endpoints_id"`
	IsFax      bool   `json:"is_fax" db:"is_fax"`
}

// IncomingRecord is the row persisted for one received fax.
// It is created exactly once per inbound artifact and never updated afterwards.
type IncomingRecord struct {
	TenantID        string        `json:"tenant_id" db:"tenant_id"`
	ServerID        int64         `json:"iaxfriends_id" db:"iaxfriends_id"`
	Filename        string        `json:"filename" db:"filename"`
	State           IncomingState `json:"state" db:"state"`
	ReceivedAt      time.Time     `json:"received_at" db:"received_at"`
	Sender          string        `json:"from" db:"from"`
	RoutingNumberID int64         `json:"incoming_number_id" db:"incoming_number_id"`
	Payload         []byte        `json:"-" db:"fax_data"`
}

type IncomingState string

const (
	IncomingStateUnread IncomingState = "unread"
)
