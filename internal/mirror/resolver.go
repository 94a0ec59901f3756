// Package mirror implements the sync engine: resolving version selectors
// against the public registry, fetching and verifying release artifacts, and
// publishing them into the destination registry, driven by a bounded worker
// pool.
package mirror

import (
	"context"
	"io"
	"log/slog"
	"os"

	"github.com/cockroachdb/errors"

	"github.com/provmirror/provmirror/internal/errcode"
	"github.com/provmirror/provmirror/internal/provider"
	"github.com/provmirror/provmirror/internal/registry"
	"github.com/provmirror/provmirror/internal/tfe"
)

// Upstream is the slice of the public registry client the engine uses.
type Upstream interface {
	Versions(ctx context.Context, namespace, name string) ([]string, error)
	PlatformDownload(ctx context.Context, namespace, name, version, osName, arch string) (*registry.DownloadInfo, error)
	DownloadBytes(ctx context.Context, rawURL string) ([]byte, error)
	DownloadFile(ctx context.Context, rawURL string, file *os.File) (int64, error)
}

// Destination is the slice of the private registry client the engine uses.
type Destination interface {
	HasProvider(ctx context.Context, name string) (bool, error)
	CreateProvider(ctx context.Context, name string) error
	GetVersion(ctx context.Context, name, version string) (*tfe.Version, error)
	CreateVersion(ctx context.Context, name, version, gpgKeyID string) (*tfe.Version, error)
	ListPlatforms(ctx context.Context, name, version string) ([]tfe.PlatformRecord, error)
	CreatePlatform(ctx context.Context, name, version string, attrs tfe.PlatformAttributes) (*tfe.PlatformRecord, error)
	UploadArchive(ctx context.Context, uploadURL string, r io.Reader, size int64) error
	VersionURL(name, version string) string
}

// ResolvedVersion is the outcome of resolving one package's selector.
type ResolvedVersion struct {
	Selector string
	Version  string

	// ExistsInDestination is true when the destination registry already has
	// this concrete version, in which case ShouldProcess is false and the
	// package is skipped without any downloads.
	ExistsInDestination bool
	ShouldProcess       bool
}

// Resolver turns version selectors into concrete versions and decides
// whether a package needs processing at all.
type Resolver struct {
	upstream Upstream
	dest     Destination
}

func NewResolver(upstream Upstream, dest Destination) *Resolver {
	return &Resolver{upstream: upstream, dest: dest}
}

// Resolve maps spec's selector to a concrete version. "latest" consults the
// upstream version listing and takes the semver maximum; a pinned selector
// is used as-is. The destination is then probed so already-mirrored versions
// short-circuit before any artifact is downloaded.
func (r *Resolver) Resolve(ctx context.Context, spec provider.PackageSpec) (*ResolvedVersion, error) {
	version := spec.Selector
	if version == provider.SelectorLatest {
		available, err := r.upstream.Versions(ctx, spec.Namespace, spec.Name)
		if err != nil {
			return nil, errors.Wrapf(err, "resolving latest version of %s", spec.Slug())
		}
		version, err = provider.MaxVersion(available)
		if err != nil {
			return nil, errors.Wrapf(err, "resolving latest version of %s", spec.Slug())
		}
		slog.Debug("resolved latest selector", "package", spec.Slug(), "version", version)
	}

	resolved := &ResolvedVersion{
		Selector: spec.Selector,
		Version:  version,
	}

	_, err := r.dest.GetVersion(ctx, spec.Name, version)
	switch {
	case err == nil:
		resolved.ExistsInDestination = true
		resolved.ShouldProcess = false
		slog.Info("version already mirrored, skipping", "package", spec.Slug(), "version", version)
	case errors.Is(err, errcode.ErrNotFound):
		resolved.ShouldProcess = true
	default:
		return nil, errors.Wrapf(err, "checking destination for %s %s", spec.Slug(), version)
	}
	return resolved, nil
}
