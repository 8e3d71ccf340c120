package outgoing

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"

	"faxbridge/internal/convert"
	"faxbridge/internal/fax"
	"faxbridge/internal/faxstore"
)

// memStore is an in-memory job store with the same transition and claim-token
// rules as faxstore.Store. Transitions are serialized by mu, standing in for the row lock.
type memStore struct {
	mu      sync.Mutex
	jobs    map[int64]*fax.Job
	numbers map[int64]fax.RoutingNumber
	owner   map[int64]string
	tokens  map[int64]string

	listErr error
}

func newMemStore() *memStore {
	return &memStore{
		jobs:    map[int64]*fax.Job{},
		numbers: map[int64]fax.RoutingNumber{},
		owner:   map[int64]string{},
		tokens:  map[int64]string{},
	}
}

func (s *memStore) addJob(server string, j fax.Job) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if j.State == "" {
		j.State = fax.JobStateCreated
	}
	s.jobs[j.ID] = &j
	s.owner[j.ID] = server
}

func (s *memStore) addNumber(n fax.RoutingNumber) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.numbers[n.ID] = n
}

func (s *memStore) state(id int64) fax.JobState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.jobs[id].State
}

func (s *memStore) ClaimCreatedJobs(ctx context.Context, serverName string) ([]fax.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listErr != nil {
		return nil, s.listErr
	}
	var out []fax.Job
	for id, j := range s.jobs {
		if j.State == fax.JobStateCreated && s.owner[id] == serverName {
			out = append(out, *j)
		}
	}
	sort.Slice(out, func(a, b int) bool { return out[a].ID < out[b].ID })
	return out, nil
}

var legal = map[fax.JobState][]fax.JobState{
	fax.JobStateProcessing: {fax.JobStateCreated},
	fax.JobStateProcessed:  {fax.JobStateProcessing},
	fax.JobStateError:      {fax.JobStateProcessing, fax.JobStateProcessed},
	fax.JobStateCreated:    {fax.JobStateError},
}

func (s *memStore) TransitionState(ctx context.Context, id int64, to fax.JobState, token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return &fax.NotFoundError{Entity: "outgoing fax", Key: fmt.Sprint(id)}
	}
	if to == fax.JobStateProcessed || to == fax.JobStateError {
		if s.tokens[id] != token {
			return fmt.Errorf("%w: job %d is claimed by another run", faxstore.ErrStateConflict, id)
		}
	}
	for _, from := range legal[to] {
		if j.State == from {
			j.State = to
			if to == fax.JobStateProcessing {
				s.tokens[id] = token
			}
			return nil
		}
	}
	return fmt.Errorf("%w: job %d is %s", faxstore.ErrStateConflict, id, j.State)
}

func (s *memStore) MarkFailed(ctx context.Context, id int64, token string) error {
	return s.TransitionState(ctx, id, fax.JobStateError, token)
}

// requeueExpired is what an operator requeue does once a processing claim has gone stale.
func (s *memStore) requeueExpired(id int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[id].State = fax.JobStateCreated
	delete(s.tokens, id)
}

func (s *memStore) LookupRoutingNumber(ctx context.Context, id int64, requireFax bool) (fax.RoutingNumber, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.numbers[id]
	if !ok || (requireFax && !n.IsFax) {
		return fax.RoutingNumber{}, &fax.NotFoundError{Entity: "routing number", Key: fmt.Sprint(id)}
	}
	return n, nil
}

// fakeConverter copies the input to convert.OutputPath, prefixed with "TIFF:".
type fakeConverter struct {
	calls  atomic.Int64
	failOn map[string]bool

	// pinInput replaces the input with a non-empty directory after converting,
	// so removing the intermediate document fails.
	pinInput bool
}

func (c *fakeConverter) Convert(ctx context.Context, input string, target convert.Format) (string, error) {
	c.calls.Add(1)
	data, err := os.ReadFile(input)
	if err != nil {
		return "", err
	}
	if c.failOn[string(data)] {
		return "", &fax.ConversionError{Command: "gs", ExitStatus: 1, Stderr: "bad pdf", Err: errors.New("exit status 1")}
	}
	out := convert.OutputPath(input, target)
	if err := os.WriteFile(out, append([]byte("TIFF:"), data...), 0o644); err != nil {
		return "", err
	}
	if c.pinInput {
		if err := pinPath(input); err != nil {
			return "", err
		}
	}
	return out, nil
}

// pinPath turns path into a non-empty directory that os.Remove and os.Rename onto cannot clear.
func pinPath(path string) error {
	if err := os.RemoveAll(path); err != nil {
		return err
	}
	if err := os.Mkdir(path, 0o755); err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(path, "keep"), nil, 0o644)
}

// gatedConverter blocks its first conversion until release is closed.
type gatedConverter struct {
	inner   *fakeConverter
	entered chan struct{}
	release chan struct{}
	first   atomic.Bool
}

func newGatedConverter(inner *fakeConverter) *gatedConverter {
	return &gatedConverter{inner: inner, entered: make(chan struct{}), release: make(chan struct{})}
}

func (c *gatedConverter) Convert(ctx context.Context, input string, target convert.Format) (string, error) {
	if c.first.CompareAndSwap(false, true) {
		close(c.entered)
		<-c.release
	}
	return c.inner.Convert(ctx, input, target)
}

type recordedEvent struct {
	kind, jobID, stage string
}

type fakeRecorder struct {
	mu     sync.Mutex
	events []recordedEvent
}

func (r *fakeRecorder) add(e recordedEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return nil
}

func (r *fakeRecorder) LogDispatched(ctx context.Context, runID, jobID, callFile string) error {
	return r.add(recordedEvent{"dispatched", jobID, "handoff"})
}

func (r *fakeRecorder) LogFailed(ctx context.Context, runID, jobID, sidecar, stage string, cause error) error {
	return r.add(recordedEvent{"failed", jobID, stage})
}

func (r *fakeRecorder) LogCleanupFailed(ctx context.Context, runID, jobID, sidecar string, cause error) error {
	return r.add(recordedEvent{"cleanup_failed", jobID, "cleanup"})
}
