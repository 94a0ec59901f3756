package mirror

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/provmirror/provmirror/internal/notify"
	"github.com/provmirror/provmirror/internal/provider"
)

// recordingSink captures published events.
type recordingSink struct {
	mu     sync.Mutex
	events []notify.Event
	err    error
}

func (s *recordingSink) Publish(_ context.Context, ev notify.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
	return s.err
}

func pinnedSpecs(n int) []provider.PackageSpec {
	specs := make([]provider.PackageSpec, n)
	for i := range specs {
		specs[i] = provider.PackageSpec{
			Namespace: "hashicorp",
			Name:      fmt.Sprintf("provider%d", i),
			Selector:  "1.0.0",
			GPGKeyID:  "AA",
			Platforms: []provider.Platform{{OS: "linux", Arch: "amd64"}},
		}
	}
	return specs
}

func newTestOrchestrator(upstream *fakeUpstream, dest *fakeDestination, sink notify.Sink, workers int) *Orchestrator {
	return NewOrchestrator(
		NewResolver(upstream, dest),
		NewFetcher(upstream, true),
		NewPublisher(dest, false),
		sink,
		workers,
	)
}

func TestRunSkipsExistingVersions(t *testing.T) {
	t.Parallel()

	// Every GetVersion succeeds, so every package short-circuits before any
	// artifact download.
	upstream := &fakeUpstream{}
	dest := &fakeDestination{}
	o := newTestOrchestrator(upstream, dest, &recordingSink{}, 2)

	summary := o.Run(context.Background(), pinnedSpecs(4))

	if summary.Skipped != 4 {
		t.Errorf("Skipped = %d, want 4", summary.Skipped)
	}
	if summary.HasFailures() {
		t.Error("no package should fail")
	}
	if upstream.downloadCalls != 0 {
		t.Errorf("skipped packages must not download, got %d calls", upstream.downloadCalls)
	}
	for _, r := range summary.Results {
		if r.Status != StatusSkipped {
			t.Errorf("%s status = %q, want skipped", r.Package, r.Status)
		}
		if r.Version != "1.0.0" {
			t.Errorf("%s version = %q, want 1.0.0", r.Package, r.Version)
		}
	}
}

func TestRunBoundsConcurrency(t *testing.T) {
	t.Parallel()

	const workers = 5
	var inFlight, peak atomic.Int32

	dest := &fakeDestination{
		getVersionHook: func(ctx context.Context) error {
			n := inFlight.Add(1)
			defer inFlight.Add(-1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			time.Sleep(5 * time.Millisecond)
			return nil
		},
	}
	o := newTestOrchestrator(&fakeUpstream{}, dest, &recordingSink{}, workers)

	summary := o.Run(context.Background(), pinnedSpecs(20))

	if summary.Total != 20 {
		t.Errorf("Total = %d, want 20", summary.Total)
	}
	if got := peak.Load(); got > workers {
		t.Errorf("peak concurrency = %d, want <= %d", got, workers)
	}
}

func TestRunIsolatesFailuresAndNotifiesOncePerFailure(t *testing.T) {
	t.Parallel()

	broken := errors.New("registry melted")
	var calls atomic.Int32
	dest := &fakeDestination{
		getVersionHook: func(_ context.Context) error {
			// The second package fails; the rest resolve normally.
			if calls.Add(1) == 2 {
				return broken
			}
			return nil
		},
	}
	sink := &recordingSink{}
	o := newTestOrchestrator(&fakeUpstream{}, dest, sink, 1)

	summary := o.Run(context.Background(), pinnedSpecs(3))

	if summary.Failed != 1 {
		t.Errorf("Failed = %d, want 1", summary.Failed)
	}
	if summary.Skipped != 2 {
		t.Errorf("Skipped = %d, want 2", summary.Skipped)
	}
	if !summary.HasFailures() {
		t.Error("HasFailures should be true")
	}

	if len(sink.events) != 1 {
		t.Fatalf("len(events) = %d, want 1", len(sink.events))
	}
	ev := sink.events[0]
	if ev.Stage != StageResolve {
		t.Errorf("event stage = %q, want resolve", ev.Stage)
	}
	if ev.ErrorKind != "UnknownError" {
		t.Errorf("event kind = %q", ev.ErrorKind)
	}
	if ev.RunID != summary.RunID {
		t.Errorf("event run ID = %q, want %q", ev.RunID, summary.RunID)
	}
}

func TestRunSinkFailureDoesNotChangeOutcome(t *testing.T) {
	t.Parallel()

	dest := &fakeDestination{
		getVersionHook: func(_ context.Context) error { return errors.New("boom") },
	}
	sink := &recordingSink{err: errors.New("sns unreachable")}
	o := newTestOrchestrator(&fakeUpstream{}, dest, sink, 1)

	summary := o.Run(context.Background(), pinnedSpecs(1))

	if summary.Failed != 1 {
		t.Errorf("Failed = %d, want 1", summary.Failed)
	}
}

func TestRunPublishesEndToEnd(t *testing.T) {
	t.Parallel()

	fx := newReleaseFixture(t)
	fx.upstream.versions = []string{"0.9.0", "1.0.0"}
	dest := &fakeDestination{getVersionErr: notFoundErr()}
	o := newTestOrchestrator(fx.upstream, dest, &recordingSink{}, 2)

	summary := o.Run(context.Background(), []provider.PackageSpec{testSpec})

	if summary.Published != 1 {
		t.Fatalf("Published = %d, want 1; results: %+v", summary.Published, summary.Results)
	}
	r := summary.Results[0]
	if r.Version != "1.0.0" {
		t.Errorf("Version = %q, want 1.0.0", r.Version)
	}
	if r.PlatformsUploaded != 1 {
		t.Errorf("PlatformsUploaded = %d, want 1", r.PlatformsUploaded)
	}
	if r.VersionURL == "" {
		t.Error("VersionURL should be set")
	}
	if len(dest.createdVersions) != 1 || dest.createdVersions[0] != "aws@1.0.0" {
		t.Errorf("createdVersions = %v", dest.createdVersions)
	}
}

func TestRunChecksumMismatchFailsAndNotifies(t *testing.T) {
	t.Parallel()

	fx := newReleaseFixture(t)
	fx.upstream.versions = []string{"1.0.0"}
	fx.upstream.objects["mem://binary"] = []byte("tampered bytes")
	dest := &fakeDestination{getVersionErr: notFoundErr()}
	sink := &recordingSink{}
	o := newTestOrchestrator(fx.upstream, dest, sink, 2)

	summary := o.Run(context.Background(), []provider.PackageSpec{testSpec})

	if summary.Failed != 1 {
		t.Fatalf("Failed = %d, want 1", summary.Failed)
	}
	r := summary.Results[0]
	if r.Stage != StageFetch {
		t.Errorf("Stage = %q, want fetch", r.Stage)
	}
	if r.ErrorKind != "IntegrityError" {
		t.Errorf("ErrorKind = %q, want IntegrityError", r.ErrorKind)
	}
	// A poisoned artifact must never reach the destination.
	if len(dest.createdVersions)+len(dest.createdPlatforms)+len(dest.uploads) != 0 {
		t.Error("nothing may be published after an integrity failure")
	}
	if len(sink.events) != 1 {
		t.Fatalf("len(events) = %d, want 1", len(sink.events))
	}
	if sink.events[0].ErrorKind != "IntegrityError" {
		t.Errorf("event kind = %q", sink.events[0].ErrorKind)
	}
}

func TestRunCancellation(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	o := newTestOrchestrator(&fakeUpstream{}, &fakeDestination{}, &recordingSink{}, 2)
	summary := o.Run(ctx, pinnedSpecs(6))

	if summary.Cancelled != 6 {
		t.Errorf("Cancelled = %d, want 6", summary.Cancelled)
	}
	if summary.HasFailures() {
		t.Error("cancellation is not failure")
	}
}

func TestSummaryJSON(t *testing.T) {
	t.Parallel()

	o := newTestOrchestrator(&fakeUpstream{}, &fakeDestination{}, &recordingSink{}, 1)
	summary := o.Run(context.Background(), pinnedSpecs(1))

	var buf bytes.Buffer
	if err := summary.WriteJSON(&buf); err != nil {
		t.Fatal(err)
	}
	for _, want := range []string{`"run_id"`, `"results"`, `"status": "skipped"`, `"hashicorp/provider0"`} {
		if !strings.Contains(buf.String(), want) {
			t.Errorf("summary JSON should contain %s, got:\n%s", want, buf.String())
		}
	}
}
