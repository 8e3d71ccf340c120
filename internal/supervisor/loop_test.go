package supervisor

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"faxbridge/internal/fax"
)

type fakeRunner struct {
	name  string
	calls atomic.Int64
	err   error
	res   []fax.Result
}

func (r *fakeRunner) Run(ctx context.Context) (fax.BatchReport, error) {
	r.calls.Add(1)
	rep := fax.BatchReport{Pipeline: r.name, RunID: "run-" + r.name}
	if r.err != nil {
		return rep, r.err
	}
	rep.Results = r.res
	return rep, nil
}

func TestLoop_RunOnceRunsPipelinesInOrder(t *testing.T) {
	out := &fakeRunner{name: "outgoing", res: []fax.Result{
		{Key: "1", Stage: fax.StageHandoff},
		{Key: "2", Stage: fax.StageConvert, Err: errors.New("gs exited 1")},
		{Key: "3", Stage: fax.StageClaim, Skipped: true},
	}}
	in := &fakeRunner{name: "incoming"}
	l := NewLoop(LoopOptions{Pipelines: []Runner{out, in}})

	reports, err := l.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("run once: %v", err)
	}
	if len(reports) != 2 || reports[0].Pipeline != "outgoing" || reports[1].Pipeline != "incoming" {
		t.Fatalf("unexpected reports %+v", reports)
	}

	snap := l.Status().Snapshot()
	sum := snap.LastRun["outgoing"]
	if sum.Total != 3 || sum.Succeeded != 1 || sum.Skipped != 1 || len(sum.Failures) != 1 {
		t.Fatalf("unexpected summary %+v", sum)
	}
	if sum.Failures[0].Stage != "convert" || sum.Failures[0].Error != "gs exited 1" {
		t.Fatalf("unexpected failure %+v", sum.Failures[0])
	}
}

func TestLoop_BatchErrorEndsRun(t *testing.T) {
	out := &fakeRunner{name: "outgoing", err: errors.New("mkdir: permission denied")}
	in := &fakeRunner{name: "incoming"}
	l := NewLoop(LoopOptions{Pipelines: []Runner{out, in}, Interval: time.Millisecond})

	err := l.Run(context.Background())
	if err == nil {
		t.Fatalf("expected error")
	}
	if in.calls.Load() != 0 {
		t.Fatalf("later pipelines must not run after a batch failure")
	}
	if l.Status().Snapshot().LastError == "" {
		t.Fatalf("expected last error recorded")
	}
}

func TestLoop_RepeatsUntilCancelled(t *testing.T) {
	out := &fakeRunner{name: "outgoing"}
	l := NewLoop(LoopOptions{Pipelines: []Runner{out}, Interval: 2 * time.Millisecond})
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- l.Run(ctx) }()

	deadline := time.After(2 * time.Second)
	for out.calls.Load() < 3 {
		select {
		case <-deadline:
			t.Fatalf("loop did not repeat")
		case <-time.After(time.Millisecond):
		}
	}
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("expected clean stop, got %v", err)
	}
}

func TestLoop_HostFilterIdles(t *testing.T) {
	out := &fakeRunner{name: "outgoing"}
	l := NewLoop(LoopOptions{Pipelines: []Runner{out}, Hostname: "edge-01", HostFilter: "upstream"})
	if l.Enabled() {
		t.Fatalf("filter should not match")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := l.Run(ctx); err != nil {
		t.Fatalf("idle loop must not fail: %v", err)
	}
	if out.calls.Load() != 0 {
		t.Fatalf("pipelines must not run on a filtered host")
	}
	if !l.Status().Snapshot().Idle {
		t.Fatalf("expected idle status")
	}

	if !NewLoop(LoopOptions{Hostname: "upstream-02", HostFilter: "upstream"}).Enabled() {
		t.Fatalf("filter should match")
	}
}
