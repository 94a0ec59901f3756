// Package retention prunes old provider versions from the destination
// registry, keeping the newest N versions of each provider by semantic
// version precedence.
package retention

import (
	"context"
	"log/slog"

	"github.com/cockroachdb/errors"

	"github.com/provmirror/provmirror/internal/errcode"
	"github.com/provmirror/provmirror/internal/provider"
	"github.com/provmirror/provmirror/internal/tfe"
)

// Destination is the slice of the private registry client retention uses.
type Destination interface {
	ListProviders(ctx context.Context) ([]tfe.ProviderRecord, error)
	ListVersions(ctx context.Context, registryName, namespace, name string) ([]provider.VersionRecord, error)
	DeleteVersion(ctx context.Context, registryName, namespace, name, version string) error
}

// VersionError records one delete that failed. The sweep continues past it.
type VersionError struct {
	Version   string `json:"version"`
	ErrorKind string `json:"error_kind"`
	Message   string `json:"message"`
}

// ProviderReport is the retention outcome for one provider. Error is set
// when the provider could not be swept at all (its version listing failed);
// Errors records individual deletes that failed mid-sweep.
type ProviderReport struct {
	Provider      string         `json:"provider"`
	TotalVersions int            `json:"total_versions"`
	Kept          []string       `json:"kept,omitempty"`
	Deleted       []string       `json:"deleted,omitempty"`
	Errors        []VersionError `json:"errors,omitempty"`
	Error         string         `json:"error,omitempty"`
	ErrorKind     string         `json:"error_kind,omitempty"`
}

// Report aggregates a whole retention sweep.
type Report struct {
	DryRun           bool             `json:"dry_run"`
	KeepCount        int              `json:"keep_count"`
	ProvidersScanned int              `json:"providers_scanned"`
	VersionsDeleted  int              `json:"versions_deleted"`
	Providers        []ProviderReport `json:"providers"`
}

// HasFailures reports whether any provider sweep or delete failed.
func (r *Report) HasFailures() bool {
	for _, p := range r.Providers {
		if p.Error != "" || len(p.Errors) > 0 {
			return true
		}
	}
	return false
}

// Manager runs retention sweeps against the destination registry.
type Manager struct {
	dest   Destination
	keep   int
	dryRun bool
}

// NewManager creates a retention manager keeping the newest keep versions of
// each provider.
func NewManager(dest Destination, keep int, dryRun bool) (*Manager, error) {
	if keep < 1 {
		return nil, errors.Mark(errors.Newf("retention keep count must be positive, got %d", keep), errcode.ErrConfiguration)
	}
	return &Manager{dest: dest, keep: keep, dryRun: dryRun}, nil
}

// Run sweeps every provider in the registry, or just one when nameFilter is
// non-empty. Versions are ordered newest-first by semver precedence (ties
// broken by creation time, unparseable versions pruned first) and everything
// past the keep count is deleted. A failed delete is recorded and the sweep
// moves on; in dry-run mode nothing is deleted.
func (m *Manager) Run(ctx context.Context, nameFilter string) (*Report, error) {
	providers, err := m.dest.ListProviders(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "listing providers for retention")
	}

	report := &Report{
		DryRun:    m.dryRun,
		KeepCount: m.keep,
	}

	for _, rec := range providers {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		if nameFilter != "" && rec.Name != nameFilter {
			continue
		}
		report.ProvidersScanned++

		pr, err := m.sweepProvider(ctx, rec)
		if pr != nil {
			report.VersionsDeleted += len(pr.Deleted)
			report.Providers = append(report.Providers, *pr)
		}
		if err != nil {
			if errcode.IsCancelled(err) || ctx.Err() != nil {
				return report, err
			}
			// One broken provider never stops the sweep of its siblings.
			slog.Error("skipping provider after listing failure", "provider", rec.Namespace+"/"+rec.Name, "error", err)
			report.Providers = append(report.Providers, ProviderReport{
				Provider:  rec.Namespace + "/" + rec.Name,
				Error:     err.Error(),
				ErrorKind: errcode.Kind(err),
			})
		}
	}

	if nameFilter != "" && report.ProvidersScanned == 0 {
		return nil, errors.Mark(errors.Newf("provider %s not found in destination registry", nameFilter), errcode.ErrNotFound)
	}

	slog.Info("retention sweep finished",
		"providers", report.ProvidersScanned,
		"deleted", report.VersionsDeleted,
		"dry_run", m.dryRun,
	)
	return report, nil
}

func (m *Manager) sweepProvider(ctx context.Context, rec tfe.ProviderRecord) (*ProviderReport, error) {
	versions, err := m.dest.ListVersions(ctx, rec.RegistryName, rec.Namespace, rec.Name)
	if err != nil {
		return nil, errors.Wrapf(err, "listing versions of %s/%s", rec.Namespace, rec.Name)
	}

	provider.SortDescending(versions)

	pr := &ProviderReport{
		Provider:      rec.Namespace + "/" + rec.Name,
		TotalVersions: len(versions),
	}

	for i, v := range versions {
		if i < m.keep {
			pr.Kept = append(pr.Kept, v.Version)
			continue
		}

		if m.dryRun {
			slog.Info("dry run: would delete version", "provider", pr.Provider, "version", v.Version)
			pr.Deleted = append(pr.Deleted, v.Version)
			continue
		}

		if err := ctx.Err(); err != nil {
			return pr, err
		}
		if err := m.dest.DeleteVersion(ctx, rec.RegistryName, rec.Namespace, rec.Name, v.Version); err != nil {
			slog.Error("failed to delete version", "provider", pr.Provider, "version", v.Version, "error", err)
			pr.Errors = append(pr.Errors, VersionError{
				Version:   v.Version,
				ErrorKind: errcode.Kind(err),
				Message:   err.Error(),
			})
			continue
		}
		slog.Info("deleted version", "provider", pr.Provider, "version", v.Version)
		pr.Deleted = append(pr.Deleted, v.Version)
	}
	return pr, nil
}
