package mirror

import (
	"encoding/json"
	"io"
	"time"

	"github.com/cockroachdb/errors"
)

// Status is the terminal state of one package after a sync run.
type Status string

const (
	StatusPublished Status = "published"
	StatusSkipped   Status = "skipped"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Stages a package moves through, recorded on failure so the summary and
// notifications say where processing stopped.
const (
	StageResolve = "resolve"
	StageFetch   = "fetch"
	StagePublish = "publish"
)

// PackageResult is the outcome of one package in a sync run.
type PackageResult struct {
	Package           string `json:"package"`
	Selector          string `json:"selector"`
	Version           string `json:"version,omitempty"`
	Status            Status `json:"status"`
	Stage             string `json:"stage,omitempty"`
	ErrorKind         string `json:"error_kind,omitempty"`
	Error             string `json:"error,omitempty"`
	PlatformsUploaded int    `json:"platforms_uploaded,omitempty"`
	VersionURL        string `json:"version_url,omitempty"`
}

// BatchSummary aggregates a whole sync run.
type BatchSummary struct {
	RunID           string          `json:"run_id"`
	StartedAt       time.Time       `json:"started_at"`
	DurationSeconds float64         `json:"duration_seconds"`
	Total           int             `json:"total"`
	Published       int             `json:"published"`
	Skipped         int             `json:"skipped"`
	Failed          int             `json:"failed"`
	Cancelled       int             `json:"cancelled"`
	Results         []PackageResult `json:"results"`
}

// HasFailures reports whether any package ended in a failed state.
// Cancellation is not a package failure; the process exit code reflects the
// interrupt separately.
func (s *BatchSummary) HasFailures() bool {
	return s.Failed > 0
}

// WriteJSON renders the summary as indented JSON.
func (s *BatchSummary) WriteJSON(w io.Writer) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(s); err != nil {
		return errors.Wrap(err, "encoding run summary")
	}
	return nil
}

func (s *BatchSummary) tally() {
	s.Total = len(s.Results)
	s.Published, s.Skipped, s.Failed, s.Cancelled = 0, 0, 0, 0
	for _, r := range s.Results {
		switch r.Status {
		case StatusPublished:
			s.Published++
		case StatusSkipped:
			s.Skipped++
		case StatusFailed:
			s.Failed++
		case StatusCancelled:
			s.Cancelled++
		}
	}
}
