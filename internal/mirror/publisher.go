package mirror

import (
	"bytes"
	"context"
	"log/slog"
	"os"
	"strings"

	"github.com/cockroachdb/errors"

	"github.com/provmirror/provmirror/internal/errcode"
	"github.com/provmirror/provmirror/internal/provider"
	"github.com/provmirror/provmirror/internal/tfe"
)

// PublishResult reports what the publisher did for one version.
type PublishResult struct {
	VersionURL        string
	PlatformsUploaded int
}

// Publisher pushes a verified bundle into the destination registry. The
// sequence is idempotent: an existing provider or version is resumed, and a
// platform that is already present with a matching checksum is left alone.
type Publisher struct {
	dest   Destination
	dryRun bool
}

func NewPublisher(dest Destination, dryRun bool) *Publisher {
	return &Publisher{dest: dest, dryRun: dryRun}
}

// Publish registers the provider and version, uploads the checksum manifest
// and signature, then creates and uploads each platform binary. In dry-run
// mode the destination is only read, never written.
func (p *Publisher) Publish(ctx context.Context, spec provider.PackageSpec, bundle *Bundle) (*PublishResult, error) {
	result := &PublishResult{
		VersionURL: p.dest.VersionURL(spec.Name, bundle.Version),
	}

	if p.dryRun {
		slog.Info("dry run: would publish", "package", spec.Slug(), "version", bundle.Version, "platforms", len(bundle.Binaries))
		result.PlatformsUploaded = len(bundle.Binaries)
		return result, nil
	}

	if err := p.ensureProvider(ctx, spec); err != nil {
		return nil, err
	}

	version, existing, err := p.ensureVersion(ctx, spec, bundle)
	if err != nil {
		return nil, err
	}

	if err := p.uploadManifest(ctx, spec, bundle, version); err != nil {
		return nil, err
	}

	for _, binary := range bundle.Binaries {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		uploaded, err := p.ensurePlatform(ctx, spec, bundle, binary, existing)
		if err != nil {
			return nil, err
		}
		if uploaded {
			result.PlatformsUploaded++
		}
	}

	slog.Info("published version", "package", spec.Slug(), "version", bundle.Version, "platforms_uploaded", result.PlatformsUploaded, "url", result.VersionURL)
	return result, nil
}

func (p *Publisher) ensureProvider(ctx context.Context, spec provider.PackageSpec) error {
	exists, err := p.dest.HasProvider(ctx, spec.Name)
	if err != nil {
		return errors.Wrapf(err, "checking provider %s", spec.Name)
	}
	if exists {
		return nil
	}
	slog.Info("registering provider in destination registry", "provider", spec.Name)
	if err := p.dest.CreateProvider(ctx, spec.Name); err != nil {
		return errors.Wrapf(err, "registering provider %s", spec.Name)
	}
	return nil
}

// ensureVersion creates the version resource, or resumes an existing one.
// When resuming, the platforms already attached are returned so their
// checksums can be cross-checked against the freshly verified bundle.
func (p *Publisher) ensureVersion(ctx context.Context, spec provider.PackageSpec, bundle *Bundle) (*tfe.Version, []tfe.PlatformRecord, error) {
	version, err := p.dest.CreateVersion(ctx, spec.Name, bundle.Version, spec.GPGKeyID)
	if err == nil {
		return version, nil, nil
	}
	if !errors.Is(err, errcode.ErrRegistryConflict) {
		return nil, nil, errors.Wrapf(err, "creating version %s of %s", bundle.Version, spec.Name)
	}

	slog.Info("version exists in destination, resuming upload", "package", spec.Slug(), "version", bundle.Version)
	version, err = p.dest.GetVersion(ctx, spec.Name, bundle.Version)
	if err != nil {
		return nil, nil, errors.Wrapf(err, "resuming version %s of %s", bundle.Version, spec.Name)
	}
	existing, err := p.dest.ListPlatforms(ctx, spec.Name, bundle.Version)
	if err != nil {
		return nil, nil, err
	}
	return version, existing, nil
}

// uploadManifest sends the SHA256SUMS document and its signature via the
// version's presigned links. Absent links mean the registry already has the
// artifacts.
func (p *Publisher) uploadManifest(ctx context.Context, spec provider.PackageSpec, bundle *Bundle, version *tfe.Version) error {
	if version.SHASumsUpload != "" {
		if err := p.dest.UploadArchive(ctx, version.SHASumsUpload, bytes.NewReader(bundle.SHASums), int64(len(bundle.SHASums))); err != nil {
			return errors.Wrapf(err, "uploading checksum manifest for %s %s", spec.Slug(), bundle.Version)
		}
	}
	if version.SHASumsSigUpload != "" {
		if err := p.dest.UploadArchive(ctx, version.SHASumsSigUpload, bytes.NewReader(bundle.Signature), int64(len(bundle.Signature))); err != nil {
			return errors.Wrapf(err, "uploading checksum signature for %s %s", spec.Slug(), bundle.Version)
		}
	}
	return nil
}

// ensurePlatform creates and uploads one platform binary. A platform already
// present with the same checksum is skipped; a differing checksum means the
// destination holds bytes that do not match upstream, which is never
// silently papered over.
func (p *Publisher) ensurePlatform(ctx context.Context, spec provider.PackageSpec, bundle *Bundle, binary BinaryArtifact, existing []tfe.PlatformRecord) (bool, error) {
	for _, rec := range existing {
		if rec.OS != binary.Platform.OS || rec.Arch != binary.Platform.Arch {
			continue
		}
		if strings.EqualFold(rec.SHASum, binary.SHA256) {
			slog.Info("platform already uploaded", "package", spec.Slug(), "version", bundle.Version, "platform", binary.Platform.String())
			return false, nil
		}
		return false, errors.Mark(
			errors.Newf("platform %s of %s %s exists in destination with checksum %s, upstream has %s",
				binary.Platform, spec.Slug(), bundle.Version, rec.SHASum, binary.SHA256),
			errcode.ErrRegistryConflict)
	}

	record, err := p.dest.CreatePlatform(ctx, spec.Name, bundle.Version, tfe.PlatformAttributes{
		OS:       binary.Platform.OS,
		Arch:     binary.Platform.Arch,
		SHASum:   binary.SHA256,
		Filename: binary.Filename,
	})
	if err != nil {
		return false, errors.Wrapf(err, "creating platform %s for %s %s", binary.Platform, spec.Slug(), bundle.Version)
	}

	file, err := os.Open(binary.Path)
	if err != nil {
		return false, errors.Wrap(err, "opening staged binary")
	}
	defer func() {
		if err := file.Close(); err != nil {
			slog.Warn("failed to close staged binary", "path", binary.Path, "error", err)
		}
	}()

	if err := p.dest.UploadArchive(ctx, record.BinaryUpload, file, binary.Size); err != nil {
		return false, errors.Wrapf(err, "uploading %s", binary.Filename)
	}
	return true, nil
}
