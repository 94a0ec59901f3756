package mirror

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/provmirror/provmirror/internal/errcode"
	"github.com/provmirror/provmirror/internal/notify"
	"github.com/provmirror/provmirror/internal/provider"
)

// Orchestrator runs a batch of package specs through the
// resolve/fetch/publish pipeline with bounded parallelism. Package failures
// are isolated: one broken package never stops the others, and every
// failure produces exactly one notification event.
type Orchestrator struct {
	resolver  *Resolver
	fetcher   *Fetcher
	publisher *Publisher
	sink      notify.Sink
	workers   int
}

func NewOrchestrator(resolver *Resolver, fetcher *Fetcher, publisher *Publisher, sink notify.Sink, workers int) *Orchestrator {
	if workers < 1 {
		workers = 1
	}
	if sink == nil {
		sink = notify.LogSink{}
	}
	return &Orchestrator{
		resolver:  resolver,
		fetcher:   fetcher,
		publisher: publisher,
		sink:      sink,
		workers:   workers,
	}
}

// Run processes every spec and returns the batch summary. The context
// cancels in-flight work between stages; packages that never ran or were
// interrupted end in the cancelled state.
func (o *Orchestrator) Run(ctx context.Context, specs []provider.PackageSpec) *BatchSummary {
	summary := &BatchSummary{
		RunID:     newRunID(),
		StartedAt: time.Now().UTC(),
		Results:   make([]PackageResult, len(specs)),
	}
	slog.Info("sync run starting", "run_id", summary.RunID, "packages", len(specs), "workers", o.workers)

	// Pre-fill the semaphore with tokens.
	semaphore := make(chan struct{}, o.workers)
	for i := 0; i < o.workers; i++ {
		semaphore <- struct{}{}
	}

	group, groupCtx := errgroup.WithContext(ctx)
	for i, spec := range specs {
		i, spec := i, spec
		group.Go(func() error {
			select {
			case <-groupCtx.Done():
				summary.Results[i] = cancelledResult(spec)
				return nil
			case <-semaphore:
			}
			defer func() { semaphore <- struct{}{} }()

			if groupCtx.Err() != nil {
				summary.Results[i] = cancelledResult(spec)
				return nil
			}

			// Each goroutine writes only its own slot; no result is shared.
			summary.Results[i] = o.process(groupCtx, spec)
			return nil
		})
	}
	// Workers never return errors; Wait is purely structural.
	_ = group.Wait()

	summary.tally()
	summary.DurationSeconds = time.Since(summary.StartedAt).Seconds()

	o.notifyFailures(ctx, summary)

	slog.Info("sync run finished",
		"run_id", summary.RunID,
		"published", summary.Published,
		"skipped", summary.Skipped,
		"failed", summary.Failed,
		"cancelled", summary.Cancelled,
		"duration_seconds", summary.DurationSeconds,
	)
	return summary
}

// process runs the full pipeline for one package.
func (o *Orchestrator) process(ctx context.Context, spec provider.PackageSpec) PackageResult {
	result := PackageResult{
		Package:  spec.Slug(),
		Selector: spec.Selector,
	}

	resolved, err := o.resolver.Resolve(ctx, spec)
	if err != nil {
		return failResult(result, StageResolve, err)
	}
	result.Version = resolved.Version

	if !resolved.ShouldProcess {
		result.Status = StatusSkipped
		return result
	}

	bundle, err := o.fetcher.Fetch(ctx, spec, resolved.Version)
	if err != nil {
		return failResult(result, StageFetch, err)
	}
	defer func() {
		if err := bundle.Close(); err != nil {
			slog.Warn("failed to clean up bundle", "package", spec.Slug(), "error", err)
		}
	}()

	published, err := o.publisher.Publish(ctx, spec, bundle)
	if err != nil {
		return failResult(result, StagePublish, err)
	}

	result.Status = StatusPublished
	result.PlatformsUploaded = published.PlatformsUploaded
	result.VersionURL = published.VersionURL
	return result
}

// notifyFailures emits one event per failed package. Sink errors are logged
// and swallowed: notification is never allowed to change the run outcome.
func (o *Orchestrator) notifyFailures(ctx context.Context, summary *BatchSummary) {
	for _, r := range summary.Results {
		if r.Status != StatusFailed {
			continue
		}
		ev := notify.Event{
			Package:   r.Package,
			Stage:     r.Stage,
			ErrorKind: r.ErrorKind,
			Message:   r.Error,
			RunID:     summary.RunID,
		}
		if err := o.sink.Publish(ctx, ev); err != nil {
			slog.Error("failed to deliver failure notification", "package", r.Package, "error", err)
		}
	}
}

func failResult(result PackageResult, stage string, err error) PackageResult {
	if errcode.IsCancelled(err) {
		result.Status = StatusCancelled
		result.Stage = stage
		return result
	}
	result.Status = StatusFailed
	result.Stage = stage
	result.ErrorKind = errcode.Kind(err)
	result.Error = err.Error()
	slog.Error("package failed", "package", result.Package, "stage", stage, "error_kind", result.ErrorKind, "error", err)
	return result
}

func cancelledResult(spec provider.PackageSpec) PackageResult {
	return PackageResult{
		Package:  spec.Slug(),
		Selector: spec.Selector,
		Status:   StatusCancelled,
	}
}

func newRunID() string {
	var buf [8]byte
	if _, err := rand.Read(buf[:]); err != nil {
		// Timestamps are unique enough when the system RNG is unavailable.
		return fmt.Sprintf("run-%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(buf[:])
}
