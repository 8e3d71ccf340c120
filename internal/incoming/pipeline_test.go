package incoming

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"faxbridge/internal/convert"
	"faxbridge/internal/fax"
	"faxbridge/internal/routing"
	"faxbridge/internal/spool"
)

type memStore struct {
	mu        sync.Mutex
	servers   map[string][]int64
	numbers   []fax.RoutingNumber
	records   []fax.IncomingRecord
	insertErr error
}

func (s *memStore) ResolveServerIdentity(ctx context.Context, name string) (int64, error) {
	ids := s.servers[name]
	if len(ids) != 1 {
		return 0, &fax.NotFoundError{Entity: "server", Key: name, Matches: len(ids)}
	}
	return ids[0], nil
}

func (s *memStore) ResolveRoutingNumberByDialString(ctx context.Context, dial string) (fax.RoutingNumber, error) {
	var hits []fax.RoutingNumber
	for _, v := range routing.DialVariants(dial) {
		for _, n := range s.numbers {
			if n.FullNumber == v {
				hits = append(hits, n)
			}
		}
	}
	if len(hits) != 1 {
		return fax.RoutingNumber{}, &fax.NotFoundError{Entity: "routing number", Key: dial, Matches: len(hits)}
	}
	return hits[0], nil
}

func (s *memStore) InsertIncomingRecord(ctx context.Context, rec fax.IncomingRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.insertErr != nil {
		return s.insertErr
	}
	s.records = append(s.records, rec)
	return nil
}

// pdfConverter writes "PDF:" + input bytes to convert.OutputPath.
type pdfConverter struct {
	calls atomic.Int64
	fail  bool
}

func (c *pdfConverter) Convert(ctx context.Context, input string, target convert.Format) (string, error) {
	c.calls.Add(1)
	if c.fail {
		return "", &fax.ConversionError{Command: "tiff2pdf", ExitStatus: 1, Err: errors.New("exit status 1")}
	}
	data, err := os.ReadFile(input)
	if err != nil {
		return "", err
	}
	out := convert.OutputPath(input, target)
	return out, os.WriteFile(out, append([]byte("PDF:"), data...), 0o644)
}

type fixture struct {
	store *memStore
	conv  *pdfConverter
	spool *spool.Gateway
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	root := t.TempDir()
	f := &fixture{
		store: &memStore{
			servers: map[string][]int64{"fax-a": {3}},
			numbers: []fax.RoutingNumber{{ID: 42, FullNumber: "0015551230000", EndpointID: "trunk-a", IsFax: true}},
		},
		conv: &pdfConverter{},
		spool: &spool.Gateway{
			DialerOutgoingDir: filepath.Join(root, "outgoing"),
			FaxOutDir:         filepath.Join(root, "fax", "out"),
			FaxInDir:          filepath.Join(root, "fax", "in"),
			QuarantineDir:     filepath.Join(root, "fax", "bad"),
			UID:               -1,
			GID:               -1,
		},
	}
	if err := f.spool.EnsureDirs(); err != nil {
		t.Fatalf("ensure dirs: %v", err)
	}
	return f
}

func (f *fixture) pipeline(t *testing.T) *Pipeline {
	t.Helper()
	p, err := New(Options{ServerName: "fax-a", Store: f.store, Converter: f.conv, Spool: f.spool, MaxConcurrent: 2})
	if err != nil {
		t.Fatalf("new pipeline: %v", err)
	}
	return p
}

// drop writes an artifact pair named name.json / name.tiff into the inbox.
func (f *fixture) drop(t *testing.T, name, to string, withImage bool) (string, string) {
	t.Helper()
	tiff := filepath.Join(f.spool.FaxInDir, name+".tiff")
	sidecar := filepath.Join(f.spool.FaxInDir, name+".json")
	if withImage {
		if err := os.WriteFile(tiff, []byte("II*"+name), 0o644); err != nil {
			t.Fatalf("write tiff: %v", err)
		}
	}
	meta := fmt.Sprintf(`{"faxfile":%q,"time":1700000000,"from":"+15550002222","to":%q,"tenant":7}`, name+".tiff", to)
	if err := os.WriteFile(sidecar, []byte(meta), 0o644); err != nil {
		t.Fatalf("write sidecar: %v", err)
	}
	return sidecar, tiff
}

func (f *fixture) inbox(t *testing.T) []string {
	t.Helper()
	entries, err := os.ReadDir(f.spool.FaxInDir)
	if err != nil {
		t.Fatalf("read inbox: %v", err)
	}
	var out []string
	for _, e := range entries {
		out = append(out, e.Name())
	}
	return out
}

func TestRun_RoundTrip(t *testing.T) {
	f := newFixture(t)
	sidecar, _ := f.drop(t, "in 1", "+15551230000", true)

	report, err := f.pipeline(t).Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if report.Pipeline != Name || report.Succeeded() != 1 {
		t.Fatalf("expected one success, got %+v", report.Results)
	}
	r := report.Results[0]
	if r.Key != sidecar || r.Stage != fax.StageCleanup || r.Output != "in_1.pdf" {
		t.Fatalf("unexpected result %+v", r)
	}

	if len(f.store.records) != 1 {
		t.Fatalf("expected exactly one record, got %d", len(f.store.records))
	}
	rec := f.store.records[0]
	if string(rec.Payload) != "PDF:II*in 1" {
		t.Fatalf("payload must be the converted document, got %q", rec.Payload)
	}
	if rec.TenantID != "7" || rec.ServerID != 3 || rec.RoutingNumberID != 42 || rec.Sender != "+15550002222" {
		t.Fatalf("unexpected record %+v", rec)
	}
	if rec.State != fax.IncomingStateUnread || rec.Filename != "in_1.pdf" {
		t.Fatalf("unexpected record %+v", rec)
	}
	if !rec.ReceivedAt.Equal(time.Unix(1700000000, 0)) {
		t.Fatalf("unexpected receipt time %v", rec.ReceivedAt)
	}
	if left := f.inbox(t); len(left) != 0 {
		t.Fatalf("expected all three artifacts removed, found %v", left)
	}

	again, err := f.pipeline(t).Run(context.Background())
	if err != nil || len(again.Results) != 0 || len(f.store.records) != 1 {
		t.Fatalf("re-run must not ingest twice: err=%v results=%+v", err, again.Results)
	}
}

func TestRun_QuarantinesMalformedSidecar(t *testing.T) {
	f := newFixture(t)
	bad := filepath.Join(f.spool.FaxInDir, "bad.json")
	if err := os.WriteFile(bad, []byte("{not json"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	f.drop(t, "good", "+15551230000", true)

	report, err := f.pipeline(t).Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if report.Succeeded() != 1 || len(report.Failed()) != 1 {
		t.Fatalf("expected one success and one failure, got %+v", report.Results)
	}
	var mme *fax.MalformedMetadataError
	if failed := report.Failed()[0]; !errors.As(failed.Err, &mme) || failed.Stage != fax.StageMetadata {
		t.Fatalf("expected malformed metadata failure, got %+v", failed)
	}
	if _, err := os.Stat(filepath.Join(f.spool.QuarantineDir, "bad.json")); err != nil {
		t.Fatalf("expected sidecar quarantined: %v", err)
	}
	if left := f.inbox(t); len(left) != 0 {
		t.Fatalf("inbox should be empty, found %v", left)
	}
}

func TestRun_SkipsPartialArtifact(t *testing.T) {
	f := newFixture(t)
	sidecar, _ := f.drop(t, "pending", "+15551230000", false)

	report, err := f.pipeline(t).Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if report.Skipped() != 1 || len(report.Failed()) != 0 {
		t.Fatalf("expected artifact skipped, got %+v", report.Results)
	}
	if !errors.Is(report.Results[0].Warning, ErrPartialArtifact) {
		t.Fatalf("expected partial artifact warning, got %v", report.Results[0].Warning)
	}
	if f.conv.calls.Load() != 0 || len(f.store.records) != 0 {
		t.Fatalf("partial artifacts must not be ingested")
	}
	if _, err := os.Stat(sidecar); err != nil {
		t.Fatalf("sidecar must stay for a later run: %v", err)
	}
}

func TestRun_UnknownDestinationFailsArtifactOnly(t *testing.T) {
	f := newFixture(t)
	sidecar, tiff := f.drop(t, "stray", "+19990000000", true)
	f.drop(t, "ok", "0015551230000", true)

	report, err := f.pipeline(t).Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if report.Succeeded() != 1 {
		t.Fatalf("expected the routable artifact to succeed, got %+v", report.Results)
	}
	failed := report.Failed()
	var nf *fax.NotFoundError
	if len(failed) != 1 || !errors.As(failed[0].Err, &nf) || failed[0].Stage != fax.StageIdentity {
		t.Fatalf("expected routing failure, got %+v", failed)
	}
	for _, p := range []string{sidecar, tiff} {
		if _, err := os.Stat(p); err != nil {
			t.Fatalf("failed artifact must stay in place: %v", err)
		}
	}
}

func TestRun_ConversionAndInsertFailuresKeepArtifacts(t *testing.T) {
	f := newFixture(t)
	sidecar, _ := f.drop(t, "a", "+15551230000", true)
	f.conv.fail = true

	report, err := f.pipeline(t).Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	var ce *fax.ConversionError
	if r := report.Results[0]; !errors.As(r.Err, &ce) || r.Stage != fax.StageConvert {
		t.Fatalf("expected conversion failure, got %+v", r)
	}

	f.conv.fail = false
	f.store.insertErr = &fax.StoreError{Op: "insert incoming record", Retryable: true, Err: errors.New("conn reset")}
	report, err = f.pipeline(t).Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if r := report.Results[0]; r.Stage != fax.StagePersist || !fax.IsRetryable(r.Err) {
		t.Fatalf("expected retryable persist failure, got %+v", r)
	}
	if _, err := os.Stat(sidecar); err != nil {
		t.Fatalf("sidecar must stay until the record is persisted: %v", err)
	}

	f.store.insertErr = nil
	report, err = f.pipeline(t).Run(context.Background())
	if err != nil || report.Succeeded() != 1 || len(f.store.records) != 1 {
		t.Fatalf("expected recovery on the next run: err=%v results=%+v", err, report.Results)
	}
}

func TestRun_CleanupFailureIsReportedAfterPersist(t *testing.T) {
	f := newFixture(t)
	sidecar, tiff := f.drop(t, "c", "+15551230000", true)
	p, err := New(Options{ServerName: "fax-a", Store: f.store, Converter: &vanishingConverter{}, Spool: f.spool})
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	report, err := p.Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	r := report.Results[0]
	if r.Err == nil || r.Stage != fax.StageCleanup || r.Skipped {
		t.Fatalf("expected cleanup failure, got %+v", r)
	}
	if !errors.Is(r.Err, os.ErrNotExist) {
		t.Fatalf("expected the missing image to be reported, got %v", r.Err)
	}
	if len(f.store.records) != 1 {
		t.Fatalf("record must be persisted despite cleanup failure")
	}
	for _, p := range []string{sidecar, tiff, filepath.Join(f.spool.FaxInDir, "c.pdf")} {
		if _, err := os.Stat(p); !os.IsNotExist(err) {
			t.Fatalf("expected %s removed, stat err=%v", p, err)
		}
	}
}

func TestRun_FailedCleanupNeverIngestsTwice(t *testing.T) {
	f := newFixture(t)
	sidecar, tiff := f.drop(t, "d", "+15551230000", true)
	conv := &pinningConverter{pin: []string{sidecar + spool.InFlightExt, tiff}}
	p, err := New(Options{ServerName: "fax-a", Store: f.store, Converter: conv, Spool: f.spool})
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	report, err := p.Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if r := report.Results[0]; r.Err == nil || r.Stage != fax.StageCleanup {
		t.Fatalf("expected cleanup failure, got %+v", r)
	}

	again, err := p.Run(context.Background())
	if err != nil {
		t.Fatalf("second run: %v", err)
	}
	if len(again.Results) != 0 || len(f.store.records) != 1 {
		t.Fatalf("leftover artifact must not be ingested again: results=%+v records=%d", again.Results, len(f.store.records))
	}
}

func TestRun_PersistFailureRestoresSidecar(t *testing.T) {
	f := newFixture(t)
	sidecar, _ := f.drop(t, "e", "+15551230000", true)
	f.store.insertErr = &fax.StoreError{Op: "insert incoming record", Retryable: true, Err: errors.New("conn reset")}

	if _, err := f.pipeline(t).Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}
	if _, err := os.Stat(sidecar); err != nil {
		t.Fatalf("sidecar must be back in the inbox: %v", err)
	}
	if _, err := os.Stat(sidecar + spool.InFlightExt); !os.IsNotExist(err) {
		t.Fatalf("no in-flight marker may remain, stat err=%v", err)
	}
}

// pinningConverter converts like pdfConverter, then replaces each pin path
// with a non-empty directory so the cleanup cannot remove it.
type pinningConverter struct {
	pdfConverter
	pin []string
}

func (c *pinningConverter) Convert(ctx context.Context, input string, target convert.Format) (string, error) {
	out, err := c.pdfConverter.Convert(ctx, input, target)
	if err != nil {
		return "", err
	}
	for _, p := range c.pin {
		if err := os.RemoveAll(p); err != nil {
			return "", err
		}
		if err := os.MkdirAll(filepath.Join(p, "keep"), 0o755); err != nil {
			return "", err
		}
	}
	return out, nil
}

// vanishingConverter converts like pdfConverter and then deletes its input,
// so the cleanup step finds the received image already gone.
type vanishingConverter struct{ pdfConverter }

func (c *vanishingConverter) Convert(ctx context.Context, input string, target convert.Format) (string, error) {
	out, err := c.pdfConverter.Convert(ctx, input, target)
	if err != nil {
		return "", err
	}
	return out, os.Remove(input)
}

func TestNew_RequiresDependencies(t *testing.T) {
	if _, err := New(Options{ServerName: "x"}); err == nil {
		t.Fatalf("expected error")
	}
}
