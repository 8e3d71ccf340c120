package audit

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// Repository is the persistence contract for audit events.
// It is append-only; there are no Update/Delete methods.
type Repository interface {
	Append(ctx context.Context, e Event) error
}

// Service records internal audit information for one server.
// Callers should treat audit logging as best-effort.
type Service struct {
	repo       Repository
	serverName string
	clock      func() time.Time
}

func NewService(repo Repository, serverName string) *Service {
	return &Service{repo: repo, serverName: serverName, clock: time.Now}
}

var ErrInvalidEvent = errors.New("audit: invalid event")

func (s *Service) Append(ctx context.Context, e Event) error {
	if s.repo == nil {
		return errors.New("audit: repository not configured")
	}
	if e.ServerName == "" {
		e.ServerName = s.serverName
	}
	if e.ServerName == "" || e.Type == "" {
		return ErrInvalidEvent
	}

	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = s.clock().UTC()
	}
	return s.repo.Append(ctx, e)
}

// LogDispatched records a call file handed to the dialer.
func (s *Service) LogDispatched(ctx context.Context, runID, jobID, callFile string) error {
	return s.Append(ctx, Event{
		Type:    EventTypeDispatched,
		RunID:   runID,
		JobID:   jobID,
		Stage:   "handoff",
		Message: callFile,
	})
}

// LogFailed records a job or artifact that stopped at stage.
// Exactly one of jobID and sidecar is expected to be set.
func (s *Service) LogFailed(ctx context.Context, runID, jobID, sidecar, stage string, cause error) error {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	return s.Append(ctx, Event{
		Type:    EventTypeFailed,
		RunID:   runID,
		JobID:   jobID,
		Sidecar: sidecar,
		Stage:   stage,
		Message: msg,
	})
}

// LogIngested records an inbound fax persisted to the store.
func (s *Service) LogIngested(ctx context.Context, runID, sidecar, filename string) error {
	return s.Append(ctx, Event{
		Type:    EventTypeIngested,
		RunID:   runID,
		Sidecar: sidecar,
		Stage:   "persist",
		Message: filename,
	})
}

// LogCleanupFailed records a spool file left behind after a successful step.
func (s *Service) LogCleanupFailed(ctx context.Context, runID, jobID, sidecar string, cause error) error {
	return s.Append(ctx, Event{
		Type:    EventTypeCleanupFailed,
		RunID:   runID,
		JobID:   jobID,
		Sidecar: sidecar,
		Stage:   "cleanup",
		Message: cause.Error(),
	})
}

// LogRequeue records an operator moving a job back to created.
func (s *Service) LogRequeue(ctx context.Context, jobID, actorUserID, actorRole, ip string) error {
	return s.Append(ctx, Event{
		Type:        EventTypeRequeued,
		JobID:       jobID,
		ActorUserID: actorUserID,
		ActorRole:   actorRole,
		IPAddress:   ip,
		Message:     "job requeued",
	})
}
