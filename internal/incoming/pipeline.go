// Package incoming ingests received faxes: it turns each sidecar + TIFF pair
// in the inbound directory into one unread faxes_incoming row.
package incoming

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"faxbridge/internal/convert"
	"faxbridge/internal/fax"
	"faxbridge/internal/spool"
	"faxbridge/pkg/logger"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

const Name = "incoming"

// ErrPartialArtifact means the sidecar names a document that is not there
// (yet). The artifact is left alone for a later run.
var ErrPartialArtifact = errors.New("incoming: document file missing")

type Store interface {
	ResolveServerIdentity(ctx context.Context, name string) (int64, error)
	ResolveRoutingNumberByDialString(ctx context.Context, dial string) (fax.RoutingNumber, error)
	InsertIncomingRecord(ctx context.Context, rec fax.IncomingRecord) error
}

type Converter interface {
	Convert(ctx context.Context, inputPath string, target convert.Format) (string, error)
}

// Recorder receives per-artifact outcomes. *audit.Service implements it.
type Recorder interface {
	LogIngested(ctx context.Context, runID, sidecar, filename string) error
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

	// MaxConcurrent caps artifacts processed at once. <= 0 means unbounded.
	MaxConcurrent int
}

type Pipeline struct {
	opts  Options
	clock func() time.Time
}

func New(opts Options) (*Pipeline, error) {
	var errs []error
	if strings.TrimSpace(opts.ServerName) == "" {
		errs = append(errs, errors.New("incoming: server name required"))
	}
	if opts.Store == nil {
		errs = append(errs, errors.New("incoming: store required"))
	}
	if opts.Converter == nil {
		errs = append(errs, errors.New("incoming: converter required"))
	}
	if opts.Spool == nil {
		errs = append(errs, errors.New("incoming: spool required"))
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return &Pipeline{opts: opts, clock: time.Now}, nil
}

// Run ingests every sidecar currently in the inbound directory. Artifacts are
// independent; the returned error is set only when the batch could not start.
func (p *Pipeline) Run(ctx context.Context) (fax.BatchReport, error) {
	report := fax.BatchReport{RunID: uuid.NewString(), Pipeline: Name, StartedAt: p.clock().UTC()}
	ctx = logger.Attrs(ctx, "pipeline", Name, "run_id", report.RunID)

	if err := p.opts.Spool.EnsureDirs(); err != nil {
		return report, err
	}
	sidecars, err := p.opts.Spool.ListSidecars()
	if err != nil {
		return report, err
	}

	results := make([]fax.Result, len(sidecars))
	var g errgroup.Group
	if p.opts.MaxConcurrent > 0 {
		g.SetLimit(p.opts.MaxConcurrent)
	}
	for i, sidecar := range sidecars {
		g.Go(func() error {
			results[i] = p.process(ctx, report.RunID, sidecar)
			return nil
		})
	}
	_ = g.Wait()

	report.Results = results
	report.FinishedAt = p.clock().UTC()
	logger.From(ctx).Info("incoming batch finished",
		"artifacts", len(sidecars),
		"succeeded", report.Succeeded(),
		"failed", len(report.Failed()),
		"skipped", report.Skipped(),
	)
	return report, nil
}

func (p *Pipeline) process(ctx context.Context, runID, sidecar string) fax.Result {
	res := fax.Result{Key: sidecar, Stage: fax.StageMetadata}
	ctx = logger.Attrs(ctx, "sidecar", filepath.Base(sidecar))
	log := logger.From(ctx)

	if err := ctx.Err(); err != nil {
		res.Skipped = true
		res.Warning = err
		return res
	}
	ctx = context.WithoutCancel(ctx)

	meta, err := p.readMetadata(sidecar)
	if err != nil {
		var mme *fax.MalformedMetadataError
		if errors.As(err, &mme) {
			if dst, qErr := p.opts.Spool.Quarantine(sidecar); qErr != nil {
				log.Warn("quarantine failed", "err", qErr)
			} else {
				log.Warn("sidecar quarantined", "path", dst)
			}
		}
		res.Err = err
		p.report(ctx, runID, res)
		return res
	}

	if _, err := os.Stat(meta.FaxFile); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			log.Warn("skipping partial artifact", "faxfile", meta.FaxFile)
			res.Skipped = true
			res.Warning = fmt.Errorf("%w: %s", ErrPartialArtifact, meta.FaxFile)
			return res
		}
		res.Err = err
		p.report(ctx, runID, res)
		return res
	}

	inFlight, err := p.opts.Spool.MarkInFlight(sidecar)
	if err != nil {
		res.Err = err
		p.report(ctx, runID, res)
		return res
	}

	stage, pdfPath, err := p.ingest(ctx, meta)
	res.Stage = stage
	if err != nil {
		if _, rErr := p.opts.Spool.Restore(inFlight); rErr != nil {
			log.Error("sidecar left in flight, rename it back to retry", "path", inFlight, "err", rErr)
			err = errors.Join(err, rErr)
		}
		res.Err = err
		p.report(ctx, runID, res)
		return res
	}
	filename := filepath.Base(pdfPath)
	res.Output = filename
	log.Info("fax ingested", "filename", filename)
	if p.opts.Audit != nil {
		if aErr := p.opts.Audit.LogIngested(ctx, runID, sidecar, filename); aErr != nil {
			log.Warn("audit ingested", "err", aErr)
		}
	}

	// The row is durable from here on and the sidecar is no longer listed. A
	// cleanup failure is reported, never treated as a failed ingestion.
	res.Stage = fax.StageCleanup
	if err := p.opts.Spool.Remove(inFlight, meta.FaxFile, pdfPath); err != nil {
		res.Err = fmt.Errorf("cleanup after persist: %w", err)
		log.Error("artifact cleanup failed", "err", err)
		if p.opts.Audit != nil {
			if aErr := p.opts.Audit.LogCleanupFailed(ctx, runID, "", sidecar, err); aErr != nil {
				log.Warn("audit cleanup failure", "err", aErr)
			}
		}
	}
	return res
}

func (p *Pipeline) readMetadata(sidecar string) (Metadata, error) {
	data, err := os.ReadFile(sidecar)
	if err != nil {
		return Metadata{}, fmt.Errorf("read sidecar: %w", err)
	}
	return ParseMetadata(sidecar, data, p.opts.Spool.FaxInDir)
}

// ingest runs identity resolution, conversion, read and insert. It returns
// the stage reached and the converted document path.
func (p *Pipeline) ingest(ctx context.Context, meta Metadata) (fax.Stage, string, error) {
	serverID, err := p.opts.Store.ResolveServerIdentity(ctx, p.opts.ServerName)
	if err != nil {
		return fax.StageIdentity, "", err
	}
	number, err := p.opts.Store.ResolveRoutingNumberByDialString(ctx, meta.To)
	if err != nil {
		return fax.StageIdentity, "", err
	}

	pdfPath, err := p.opts.Converter.Convert(ctx, meta.FaxFile, convert.FormatPDF)
	if err != nil {
		return fax.StageConvert, "", err
	}
	payload, err := os.ReadFile(pdfPath)
	if err != nil {
		return fax.StageRead, "", fmt.Errorf("read converted document: %w", err)
	}

	err = p.opts.Store.InsertIncomingRecord(ctx, fax.IncomingRecord{
		TenantID:        string(meta.Tenant),
		ServerID:        serverID,
		Filename:        filepath.Base(pdfPath),
		State:           fax.IncomingStateUnread,
		ReceivedAt:      meta.ReceivedAt(),
		Sender:          meta.From,
		RoutingNumberID: number.ID,
		Payload:         payload,
	})
	if err != nil {
		return fax.StagePersist, "", err
	}
	return fax.StagePersist, pdfPath, nil
}

func (p *Pipeline) report(ctx context.Context, runID string, res fax.Result) {
	log := logger.From(ctx)
	log.Error("inbound fax failed",
		"stage", res.Stage,
		"retryable", fax.IsRetryable(res.Err),
		"err", res.Err,
	)
	if p.opts.Audit == nil {
		return
	}
	if err := p.opts.Audit.LogFailed(ctx, runID, "", res.Key, string(res.Stage), res.Err); err != nil {
		log.Warn("audit failure", "err", err)
	}
}
