// Package outgoing dispatches queued faxes to the dialer: claim, materialize,
// convert to TIFF, write the call file, mark processed, hand off.
package outgoing

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"faxbridge/internal/convert"
	"faxbridge/internal/fax"
	"faxbridge/internal/faxstore"
	"faxbridge/internal/spool"
	"faxbridge/internal/telephony"
	"faxbridge/pkg/logger"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// Name is the pipeline name used in reports and logs.
const Name = "outgoing"

// acceptedExt is the only document type the outbound converter handles.
const acceptedExt = ".pdf"

type Store interface {
	ClaimCreatedJobs(ctx context.Context, serverName string) ([]fax.Job, error)
	TransitionState(ctx context.Context, jobID int64, to fax.JobState, token string) error
	MarkFailed(ctx context.Context, jobID int64, token string) error
	LookupRoutingNumber(ctx context.Context, numberID int64, requireFaxCapable bool) (fax.RoutingNumber, error)
}

type Converter interface {
	Convert(ctx context.Context, inputPath string, target convert.Format) (string, error)
}

// Recorder receives per-job outcomes. *audit.Service implements it.
type Recorder interface {
	LogDispatched(ctx context.Context, runID, jobID, callFile string) error
	LogFailed(ctx context.Context, runID, jobID, sidecar, stage string, cause error) error
	LogCleanupFailed(ctx context.Context, runID, jobID, sidecar string, cause error) error
}

type Options struct {
	ServerName string
	Store      Store
	Converter  Converter
	Spool      *spool.Gateway

	// Audit is optional.
	Audit Recorder

	// MaxConcurrent caps jobs processed at once. <= 0 means unbounded.
	MaxConcurrent int
}

type Pipeline struct {
	opts  Options
	clock func() time.Time
}

func New(opts Options) (*Pipeline, error) {
	var errs []error
	if strings.TrimSpace(opts.ServerName) == "" {
		errs = append(errs, errors.New("outgoing: server name required"))
	}
	if opts.Store == nil {
		errs = append(errs, errors.New("outgoing: store required"))
	}
	if opts.Converter == nil {
		errs = append(errs, errors.New("outgoing: converter required"))
	}
	if opts.Spool == nil {
		errs = append(errs, errors.New("outgoing: spool required"))
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return &Pipeline{opts: opts, clock: time.Now}, nil
}

// Run processes every created job owned by this server. Jobs run
// concurrently and a failing job never stops its siblings. The returned
// error is set only when the batch itself could not start.
func (p *Pipeline) Run(ctx context.Context) (fax.BatchReport, error) {
	report := fax.BatchReport{RunID: uuid.NewString(), Pipeline: Name, StartedAt: p.clock().UTC()}
	ctx = logger.Attrs(ctx, "pipeline", Name, "run_id", report.RunID)

	if err := p.opts.Spool.EnsureDirs(); err != nil {
		return report, err
	}
	jobs, err := p.opts.Store.ClaimCreatedJobs(ctx, p.opts.ServerName)
	if err != nil {
		return report, fmt.Errorf("outgoing: list created jobs: %w", err)
	}

	results := make([]fax.Result, len(jobs))
	var g errgroup.Group
	if p.opts.MaxConcurrent > 0 {
		g.SetLimit(p.opts.MaxConcurrent)
	}
	for i, job := range jobs {
		g.Go(func() error {
			results[i] = p.process(ctx, report.RunID, job)
			return nil
		})
	}
	_ = g.Wait()

	report.Results = results
	report.FinishedAt = p.clock().UTC()
	logger.From(ctx).Info("outgoing batch finished",
		"jobs", len(jobs),
		"succeeded", report.Succeeded(),
		"failed", len(report.Failed()),
		"skipped", report.Skipped(),
	)
	return report, nil
}

func (p *Pipeline) process(ctx context.Context, runID string, job fax.Job) fax.Result {
	res := fax.Result{Key: strconv.FormatInt(job.ID, 10), Stage: fax.StageClaim}
	ctx = logger.Attrs(ctx, "job_id", job.ID)
	log := logger.From(ctx)

	if err := ctx.Err(); err != nil {
		// Not claimed yet; the next run picks it up.
		res.Skipped = true
		res.Warning = err
		return res
	}

	token := uuid.NewString()
	if err := p.opts.Store.TransitionState(ctx, job.ID, fax.JobStateProcessing, token); err != nil {
		if errors.Is(err, faxstore.ErrStateConflict) {
			log.Debug("job claimed elsewhere")
			res.Skipped = true
			return res
		}
		res.Err = err
		p.report(ctx, runID, res)
		return res
	}

	// Claimed: run to a terminal outcome even if the caller gives up.
	ctx = context.WithoutCancel(ctx)

	stage, out, warn, err := p.dispatch(ctx, job, token)
	res.Stage, res.Output, res.Warning = stage, out, warn
	if warn != nil && p.opts.Audit != nil {
		if aErr := p.opts.Audit.LogCleanupFailed(ctx, runID, res.Key, "", warn); aErr != nil {
			log.Warn("audit cleanup failure", "err", aErr)
		}
	}
	if err != nil {
		mErr := p.opts.Store.MarkFailed(ctx, job.ID, token)
		if errors.Is(mErr, faxstore.ErrStateConflict) {
			// Requeued and claimed again meanwhile; the job's outcome belongs to that run.
			log.Warn("claim lost before the job finished", "stage", stage, "err", err)
			res.Skipped = true
			res.Warning = fmt.Errorf("claim lost: %w", err)
			return res
		}
		if mErr != nil {
			log.Warn("mark job failed", "err", mErr)
		}
		res.Err = err
		p.report(ctx, runID, res)
		return res
	}

	log.Info("fax dispatched", "call_file", out)
	if p.opts.Audit != nil {
		if aErr := p.opts.Audit.LogDispatched(ctx, runID, res.Key, out); aErr != nil {
			log.Warn("audit dispatched", "err", aErr)
		}
	}
	return res
}

// dispatch runs steps 2 to 7 for a claimed job and returns the last stage
// reached, the handed-off call file path and any cleanup warning.
func (p *Pipeline) dispatch(ctx context.Context, job fax.Job, token string) (fax.Stage, string, error, error) {
	sp := p.opts.Spool
	log := logger.From(ctx)

	if !strings.EqualFold(filepath.Ext(job.Filename), acceptedExt) {
		return fax.StageMaterialize, "", nil, &fax.UnsupportedFormatError{Filename: job.Filename, Want: strings.TrimPrefix(acceptedExt, ".")}
	}
	// Prefixed with the job id so two jobs with the same filename never share files.
	docPath := sp.OutgoingPath(strconv.FormatInt(job.ID, 10) + "_" + filepath.Base(job.Filename))
	if err := sp.WriteFile(docPath, job.Payload); err != nil {
		return fax.StageMaterialize, "", nil, fmt.Errorf("write document: %w", err)
	}

	tiffPath, err := p.opts.Converter.Convert(ctx, docPath, convert.FormatTIFF)
	if err != nil {
		return fax.StageConvert, "", nil, err
	}

	number, err := p.opts.Store.LookupRoutingNumber(ctx, job.RoutingNumberID, true)
	if err != nil {
		return fax.StageDescriptor, "", nil, err
	}
	body, err := telephony.BuildCallFile(telephony.CallFileRequest{
		Routing:     number,
		JobID:       job.ID,
		FaxFile:     tiffPath,
		Destination: job.Destination,
	})
	if err != nil {
		return fax.StageDescriptor, "", nil, err
	}
	callPath := telephony.CallFilePath(tiffPath)
	if err := sp.WriteFile(callPath, []byte(body)); err != nil {
		return fax.StageDescriptor, "", nil, fmt.Errorf("write call file: %w", err)
	}

	if err := p.opts.Store.TransitionState(ctx, job.ID, fax.JobStateProcessed, token); err != nil {
		return fax.StageFinalize, "", nil, err
	}

	var warn error
	if err := sp.Remove(docPath); err != nil {
		warn = fmt.Errorf("remove document: %w", err)
		log.Warn("intermediate cleanup failed", "path", docPath, "err", err)
	}

	dst, err := sp.Handoff(callPath)
	if err != nil {
		return fax.StageHandoff, "", warn, err
	}
	return fax.StageHandoff, dst, warn, nil
}

func (p *Pipeline) report(ctx context.Context, runID string, res fax.Result) {
	log := logger.From(ctx)
	log.Error("fax job failed",
		"stage", res.Stage,
		"retryable", fax.IsRetryable(res.Err),
		"err", res.Err,
	)
	if p.opts.Audit == nil {
		return
	}
	if err := p.opts.Audit.LogFailed(ctx, runID, res.Key, "", string(res.Stage), res.Err); err != nil {
		log.Warn("audit failure", "err", err)
	}
}
