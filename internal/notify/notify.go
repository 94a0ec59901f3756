// Package notify delivers per-package failure events from a sync run to an
// operator-facing channel. Delivery is best-effort: a broken notification
// channel never fails the run that produced the event.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
)

// Event describes one failed package.
type Event struct {
	Package   string
	Stage     string
	ErrorKind string
	Message   string
	RunID     string
}

// Subject is a short single-line description suitable for an email subject.
func (e Event) Subject() string {
	return fmt.Sprintf("provider mirror failure: %s (%s)", e.Package, e.ErrorKind)
}

// Body is the full human-readable report.
func (e Event) Body() string {
	var b strings.Builder
	fmt.Fprintf(&b, "A provider package failed during a mirror run.\n\n")
	fmt.Fprintf(&b, "Package:    %s\n", e.Package)
	fmt.Fprintf(&b, "Stage:      %s\n", e.Stage)
	fmt.Fprintf(&b, "Error kind: %s\n", e.ErrorKind)
	fmt.Fprintf(&b, "Run ID:     %s\n\n", e.RunID)
	fmt.Fprintf(&b, "Detail:\n%s\n", e.Message)
	return b.String()
}

// Sink receives failure events.
type Sink interface {
	Publish(ctx context.Context, ev Event) error
}

// LogSink writes events to the structured log. It is the fallback when no
// notification topic is configured.
type LogSink struct{}

func (LogSink) Publish(_ context.Context, ev Event) error {
	slog.Error("package failed",
		"package", ev.Package,
		"stage", ev.Stage,
		"error_kind", ev.ErrorKind,
		"run_id", ev.RunID,
		"detail", ev.Message,
	)
	return nil
}
