package supervisor

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"faxbridge/internal/fax"
	"faxbridge/pkg/logger"
)

// Runner is one pipeline. outgoing.Pipeline and incoming.Pipeline implement it.
type Runner interface {
	Run(ctx context.Context) (fax.BatchReport, error)
}

type LoopOptions struct {
	// Pipelines run in order on every pass.
	Pipelines []Runner
	Interval  time.Duration

	// Hostname and HostFilter gate the loop: with a non-empty filter the loop
	// only works on hosts whose name contains it.
	Hostname   string
	HostFilter string

	Status *Status
}

// Loop drives the pipelines: one pass, then Interval of rest, until the
// context ends or a batch cannot start.
type Loop struct {
	opts LoopOptions
}

func NewLoop(opts LoopOptions) *Loop {
	if opts.Interval <= 0 {
		opts.Interval = 10 * time.Second
	}
	if opts.Status == nil {
		opts.Status = NewStatus()
	}
	return &Loop{opts: opts}
}

func (l *Loop) Status() *Status { return l.opts.Status }

// Enabled reports whether the host filter admits this host.
func (l *Loop) Enabled() bool {
	return l.opts.HostFilter == "" || strings.Contains(l.opts.Hostname, l.opts.HostFilter)
}

// Run blocks until ctx is cancelled (returns nil) or a pass fails at batch
// level (returns that error). Per-job failures only show up in reports.
func (l *Loop) Run(ctx context.Context) error {
	log := logger.From(ctx)
	if !l.Enabled() {
		// Idle rather than exit so a process manager does not restart us in a loop.
		log.Warn("host filter does not match, idling", "hostname", l.opts.Hostname, "host_filter", l.opts.HostFilter)
		l.opts.Status.setIdle(true)
		<-ctx.Done()
		return nil
	}

	log.Info("pipeline loop started", "interval", l.opts.Interval.String())
	timer := time.NewTimer(0)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			log.Info("pipeline loop stopping", "reason", ctx.Err())
			return nil
		case <-timer.C:
			if _, err := l.RunOnce(ctx); err != nil {
				if ctx.Err() != nil && errors.Is(err, ctx.Err()) {
					return nil
				}
				return err
			}
			timer.Reset(l.opts.Interval)
		}
	}
}

// RunOnce runs every pipeline once, in order, and records the reports.
func (l *Loop) RunOnce(ctx context.Context) ([]fax.BatchReport, error) {
	reports := make([]fax.BatchReport, 0, len(l.opts.Pipelines))
	for _, p := range l.opts.Pipelines {
		report, err := p.Run(ctx)
		if err != nil {
			l.opts.Status.recordError(err)
			return reports, fmt.Errorf("%s pipeline: %w", pipelineName(report), err)
		}
		l.opts.Status.record(report)
		reports = append(reports, report)
	}
	return reports, nil
}

func pipelineName(r fax.BatchReport) string {
	if r.Pipeline == "" {
		return "unnamed"
	}
	return r.Pipeline
}

// Status is the loop state exposed on the ops endpoint.
type Status struct {
	mu        sync.RWMutex
	idle      bool
	lastError string
	lastRun   map[string]fax.BatchReport
}

func NewStatus() *Status {
	return &Status{lastRun: map[string]fax.BatchReport{}}
}

// StatusSnapshot is a copy of Status safe to serialize.
type StatusSnapshot struct {
	Idle      bool                       `json:"idle"`
	LastError string                     `json:"last_error,omitempty"`
	LastRun   map[string]PipelineSummary `json:"last_run"`
}

type PipelineSummary struct {
	RunID      string       `json:"run_id"`
	StartedAt  time.Time    `json:"started_at"`
	FinishedAt time.Time    `json:"finished_at"`
	Total      int          `json:"total"`
	Succeeded  int          `json:"succeeded"`
	Skipped    int          `json:"skipped"`
	Failures   []FailedItem `json:"failures,omitempty"`
}

type FailedItem struct {
	Key   string `json:"key"`
	Stage string `json:"stage"`
	Error string `json:"error"`
}

func (s *Status) setIdle(v bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.idle = v
}

func (s *Status) record(r fax.BatchReport) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastRun[r.Pipeline] = r
	s.lastError = ""
}

func (s *Status) recordError(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastError = err.Error()
}

func (s *Status) Snapshot() StatusSnapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := StatusSnapshot{Idle: s.idle, LastError: s.lastError, LastRun: make(map[string]PipelineSummary, len(s.lastRun))}
	for name, r := range s.lastRun {
		sum := PipelineSummary{
			RunID:      r.RunID,
			StartedAt:  r.StartedAt,
			FinishedAt: r.FinishedAt,
			Total:      len(r.Results),
			Succeeded:  r.Succeeded(),
			Skipped:    r.Skipped(),
		}
		for _, f := range r.Failed() {
			sum.Failures = append(sum.Failures, FailedItem{Key: f.Key, Stage: string(f.Stage), Error: f.Err.Error()})
		}
		out.LastRun[name] = sum
	}
	return out
}
