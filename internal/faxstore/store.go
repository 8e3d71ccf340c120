// Package faxstore is the relational side of the fax pipelines: claiming
// outgoing jobs, driving their state, routing lookups and inbound inserts.
package faxstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"time"

	"faxbridge/internal/fax"
	"faxbridge/internal/routing"
	"faxbridge/pkg/utils"
)

// faxCapable is how trunk_numbers.is_fax marks fax-capable numbers.
const faxCapable = "yes"

// ErrStateConflict means the job was not in a state the requested transition
// may start from, or the caller no longer holds the job's claim. For a claim it
// means another poller got there first.
var ErrStateConflict = errors.New("faxstore: job state conflict")

// DefaultStaleClaimAfter is how old a processing claim must be before Requeue may take it back.
const DefaultStaleClaimAfter = 15 * time.Minute

// transitions lists the legal predecessor states of each target state.
var transitions = map[fax.JobState][]fax.JobState{
	fax.JobStateProcessing: {fax.JobStateCreated},
	fax.JobStateProcessed:  {fax.JobStateProcessing},
	fax.JobStateError:      {fax.JobStateProcessing, fax.JobStateProcessed},
	fax.JobStateCreated:    {fax.JobStateProcessing, fax.JobStateError},
}

func canTransition(from, to fax.JobState) bool {
	for _, s := range transitions[to] {
		if s == from {
			return true
		}
	}
	return false
}

// lockedJob is the claim bookkeeping of a row read under FOR UPDATE.
type lockedJob struct {
	State fax.JobState
	Token string
	// Stale is true when the claim is older than the store's stale window.
	Stale bool
}

// checkTransition decides whether the locked row may move to target for the
// caller holding token. Claims record a token; processed and error only
// follow from the same token; created only follows processing once the claim is stale.
func checkTransition(jobID int64, row lockedJob, to fax.JobState, token string) error {
	if !canTransition(row.State, to) {
		return fmt.Errorf("%w: job %d is %s, cannot move to %s", ErrStateConflict, jobID, row.State, to)
	}
	switch to {
	case fax.JobStateProcessed, fax.JobStateError:
		if row.Token != token {
			return fmt.Errorf("%w: job %d is claimed by another run", ErrStateConflict, jobID)
		}
	case fax.JobStateCreated:
		if row.State == fax.JobStateProcessing && !row.Stale {
			return fmt.Errorf("%w: job %d is still being processed", ErrStateConflict, jobID)
		}
	}
	return nil
}

// Store implements the job store on database/sql (pgx driver).
type Store struct {
	db              *sql.DB
	pingTimeout     time.Duration
	staleClaimAfter time.Duration
}

// New returns a store on db. staleClaimAfter <= 0 uses DefaultStaleClaimAfter.
func New(db *sql.DB, staleClaimAfter time.Duration) *Store {
	if staleClaimAfter <= 0 {
		staleClaimAfter = DefaultStaleClaimAfter
	}
	return &Store{db: db, pingTimeout: 3 * time.Second, staleClaimAfter: staleClaimAfter}
}

// ClaimCreatedJobs lists the created jobs owned by serverName. The read takes
// no lock: exclusivity is decided by TransitionState to processing.
func (s *Store) ClaimCreatedJobs(ctx context.Context, serverName string) ([]fax.Job, error) {
	jobs, err := listCreatedJobs(ctx, s.db, serverName)
	if err != nil {
		return nil, classify("list created jobs", err)
	}
	return jobs, nil
}

// TransitionState moves a job to the target state inside one transaction.
// The row is locked and the update is conditional on the observed state, so of
// several concurrent claimers exactly one succeeds; the rest get ErrStateConflict.
//
// token names the claim. Moving to processing stores it; moving to processed
// or error requires the row to still carry it, so a run whose claim was taken
// back can never finish or fail a job someone else owns now. Moving to created
// ignores it.
func (s *Store) TransitionState(ctx context.Context, jobID int64, to fax.JobState, token string) error {
	if _, ok := transitions[to]; !ok {
		return fmt.Errorf("faxstore: unknown target state %q", to)
	}
	if to != fax.JobStateCreated && token == "" {
		return fmt.Errorf("faxstore: claim token required to move job %d to %s", jobID, to)
	}
	err := utils.WithTx(ctx, s.db, func(ctx context.Context, tx *sql.Tx) error {
		row, err := lockJob(ctx, tx, jobID, s.staleClaimAfter)
		if err != nil {
			return err
		}
		if err := checkTransition(jobID, row, to, token); err != nil {
			return err
		}
		n, err := updateJobState(ctx, tx, jobID, row.State, to, token)
		if err != nil {
			return err
		}
		if n != 1 {
			return fmt.Errorf("%w: job %d changed concurrently", ErrStateConflict, jobID)
		}
		return nil
	})
	return classify("transition state", err)
}

// MarkFailed parks a job claimed under token in the error state for an operator to inspect.
func (s *Store) MarkFailed(ctx context.Context, jobID int64, token string) error {
	return s.TransitionState(ctx, jobID, fax.JobStateError, token)
}

// Requeue puts a failed job back into the claim set. A processing job is only
// taken back once its claim is older than the stale window; a processed job never.
func (s *Store) Requeue(ctx context.Context, jobID int64) error {
	return s.TransitionState(ctx, jobID, fax.JobStateCreated, "")
}

func (s *Store) InsertIncomingRecord(ctx context.Context, rec fax.IncomingRecord) error {
	err := utils.WithTx(ctx, s.db, func(ctx context.Context, tx *sql.Tx) error {
		return insertIncoming(ctx, tx, rec)
	})
	return classify("insert incoming record", err)
}

// LookupRoutingNumber resolves a routing number by id. Zero or several
// matches yield a NotFoundError.
func (s *Store) LookupRoutingNumber(ctx context.Context, numberID int64, requireFaxCapable bool) (fax.RoutingNumber, error) {
	where, args := "id = $1", []any{numberID}
	if requireFaxCapable {
		where, args = "id = $1 AND is_fax = $2", []any{numberID, faxCapable}
	}
	rows, err := selectRoutingNumbers(ctx, s.db, where, args...)
	if err != nil {
		return fax.RoutingNumber{}, classify("lookup routing number", err)
	}
	return exactlyOne(rows, "routing number", formatID(numberID))
}

// ResolveRoutingNumberByDialString finds the routing number for an inbound
// dial string, treating "+" and "00" prefixes as equivalent.
func (s *Store) ResolveRoutingNumberByDialString(ctx context.Context, dial string) (fax.RoutingNumber, error) {
	variants := routing.DialVariants(dial)
	if len(variants) == 0 {
		return fax.RoutingNumber{}, &fax.NotFoundError{Entity: "routing number", Key: dial}
	}
	rows, err := selectRoutingNumbers(ctx, s.db, "full_number = ANY($1)", variants)
	if err != nil {
		return fax.RoutingNumber{}, classify("resolve routing number", err)
	}
	return exactlyOne(rows, "routing number", dial)
}

func (s *Store) ResolveServerIdentity(ctx context.Context, name string) (int64, error) {
	ids, err := selectServerIDs(ctx, s.db, name)
	if err != nil {
		return 0, classify("resolve server identity", err)
	}
	if len(ids) != 1 {
		return 0, &fax.NotFoundError{Entity: "server", Key: name, Matches: len(ids)}
	}
	return ids[0], nil
}

// Ping is used by the heartbeat and the health endpoint.
func (s *Store) Ping(ctx context.Context) error {
	return utils.HealthCheck(ctx, s.db, s.pingTimeout)
}

func exactlyOne(rows []fax.RoutingNumber, entity, key string) (fax.RoutingNumber, error) {
	if len(rows) != 1 {
		return fax.RoutingNumber{}, &fax.NotFoundError{Entity: entity, Key: key, Matches: len(rows)}
	}
	return rows[0], nil
}

func formatID(id int64) string { return strconv.FormatInt(id, 10) }
