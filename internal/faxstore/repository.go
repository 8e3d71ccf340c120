package faxstore

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"faxbridge/internal/fax"
)

// Tables (owned by the telephony schema, consumed here):
// - faxes_outgoing  (id, iaxfriends_id, fax_data, filename, outgoing_number_id, "to", state,
//                    claim_token, claimed_at) - the last two are written by this service only
// - faxes_incoming  (tenant_id, iaxfriends_id, filename, state, received_at, "from", incoming_number_id, fax_data)
// - trunk_numbers   (id, full_number, header_ppid, ps_endpoints_id, is_fax 'yes'|'no')
// - iaxfriends      (id, name) - one row per processing server

// querier is satisfied by *sql.DB and *sql.Tx.
type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func listCreatedJobs(ctx context.Context, q querier, serverName string) ([]fax.Job, error) {
	const stmt = `
SELECT fo.id, fo.fax_data, fo.filename, fo.outgoing_number_id, fo."to", fo.state
FROM faxes_outgoing fo
INNER JOIN iaxfriends i ON i.id = fo.iaxfriends_id
WHERE i.name = $1 AND fo.state = $2
ORDER BY fo.id
`
	rows, err := q.QueryContext(ctx, stmt, serverName, fax.JobStateCreated)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []fax.Job
	for rows.Next() {
		var j fax.Job
		if err := rows.Scan(&j.ID, &j.Payload, &j.Filename, &j.RoutingNumberID, &j.Destination, &j.State); err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

func lockJob(ctx context.Context, tx *sql.Tx, jobID int64, staleAfter time.Duration) (lockedJob, error) {
	// Row lock serializes concurrent transitions of the same job across pollers.
	// Age is measured on the database clock so pollers with skewed clocks agree.
	const stmt = `
SELECT state,
       COALESCE(claim_token, ''),
       claimed_at IS NULL OR claimed_at < now() - make_interval(secs => $2)
FROM faxes_outgoing
WHERE id = $1
FOR UPDATE
`
	var row lockedJob
	err := tx.QueryRowContext(ctx, stmt, jobID, staleAfter.Seconds()).Scan(&row.State, &row.Token, &row.Stale)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return lockedJob{}, &fax.NotFoundError{Entity: "outgoing fax", Key: formatID(jobID)}
		}
		return lockedJob{}, err
	}
	return row, nil
}

func updateJobState(ctx context.Context, tx *sql.Tx, jobID int64, from, to fax.JobState, token string) (int64, error) {
	var (
		stmt string
		args = []any{jobID, from, to}
	)
	switch to {
	case fax.JobStateProcessing:
		stmt = `UPDATE faxes_outgoing SET state = $3, claim_token = $4, claimed_at = now() WHERE id = $1 AND state = $2`
		args = append(args, token)
	case fax.JobStateCreated:
		stmt = `UPDATE faxes_outgoing SET state = $3, claim_token = NULL, claimed_at = NULL WHERE id = $1 AND state = $2`
	default:
		stmt = `UPDATE faxes_outgoing SET state = $3 WHERE id = $1 AND state = $2 AND claim_token = $4`
		args = append(args, token)
	}
	res, err := tx.ExecContext(ctx, stmt, args...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func selectRoutingNumbers(ctx context.Context, q querier, where string, args ...any) ([]fax.RoutingNumber, error) {
	stmt := `
SELECT id, full_number, header_ppid, ps_endpoints_id, is_fax
FROM trunk_numbers
WHERE ` + where + `
`
	rows, err := q.QueryContext(ctx, stmt, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []fax.RoutingNumber
	for rows.Next() {
		var (
			n      fax.RoutingNumber
			header sql.NullString
			isFax  string
		)
		if err := rows.Scan(&n.ID, &n.FullNumber, &header, &n.EndpointID, &isFax); err != nil {
			return nil, err
		}
		n.HeaderPPID = header.String
		n.IsFax = isFax == faxCapable
		out = append(out, n)
	}
	return out, rows.Err()
}

func selectServerIDs(ctx context.Context, q querier, name string) ([]int64, error) {
	const stmt = `SELECT id FROM iaxfriends WHERE name = $1`
	rows, err := q.QueryContext(ctx, stmt, name)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func insertIncoming(ctx context.Context, tx *sql.Tx, r fax.IncomingRecord) error {
	const stmt = `
INSERT INTO faxes_incoming (
  tenant_id, iaxfriends_id, filename, state, received_at, "from", incoming_number_id, fax_data
) VALUES (
  $1,$2,$3,$4,$5,$6,$7,$8
)
`
	_, err := tx.ExecContext(ctx, stmt,
		r.TenantID,
		r.ServerID,
		r.Filename,
		r.State,
		r.ReceivedAt,
		r.Sender,
		r.RoutingNumberID,
		r.Payload,
	)
	return err
}
