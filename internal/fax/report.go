package fax

import "time"

// Stage names one step of a pipeline. Used in results, logs and audit events.
type Stage string

const (
	StageClaim       Stage = "claim"
	StageMaterialize Stage = "materialize"
	StageConvert     Stage = "convert"
	StageDescriptor  Stage = "descriptor"
	StageFinalize    Stage = "finalize"
	StageHandoff     Stage = "handoff"
	StageMetadata    Stage = "metadata"
	StageIdentity    Stage = "identity"
	StageRead        Stage = "read"
	StagePersist     Stage = "persist"
	StageCleanup     Stage = "cleanup"
)

// Result is the terminal outcome of one job or artifact in a batch.
type Result struct {
	// Key is the job id for outgoing faxes and the sidecar path for incoming ones.
	Key string `json:"key"`

	// Stage is the last stage reached. On failure it is the stage that failed.
	Stage Stage `json:"stage"`
	Err   error `json:"-"`

	// Skipped is set when another instance claimed the job first, or took the
	// claim back before this run finished with it.
	Skipped bool `json:"skipped,omitempty"`

	// Warning carries a non-fatal problem, e.g. a failed intermediate cleanup.
	Warning error `json:"-"`

	// Output is the dispatched descriptor path (outgoing) or the persisted filename (incoming).
	Output string `json:"output,omitempty"`
}

func (r Result) OK() bool { return r.Err == nil && !r.Skipped }

// BatchReport summarizes one pipeline run.
type BatchReport struct {
	RunID      string    `json:"run_id"`
	Pipeline   string    `json:"pipeline"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
	Results    []Result  `json:"results"`
}

func (b BatchReport) Succeeded() int {
	n := 0
	for _, r := range b.Results {
		if r.OK() {
			n++
		}
	}
	return n
}

func (b BatchReport) Failed() []Result {
	var out []Result
	for _, r := range b.Results {
		if r.Err != nil {
			out = append(out, r)
		}
	}
	return out
}

func (b BatchReport) Skipped() int {
	n := 0
	for _, r := range b.Results {
		if r.Skipped {
			n++
		}
	}
	return n
}
