package mirror

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/ProtonMail/gopenpgp/v3/crypto"
	"github.com/cheggaaa/pb/v3"
	"github.com/cockroachdb/errors"

	"github.com/provmirror/provmirror/internal/errcode"
	"github.com/provmirror/provmirror/internal/provider"
	"github.com/provmirror/provmirror/internal/registry"
)

// BinaryArtifact is one downloaded and verified platform binary.
type BinaryArtifact struct {
	Platform provider.Platform
	Filename string
	Path     string
	SHA256   string
	Size     int64
}

// Bundle is the complete artifact set of one provider version, staged in a
// temporary directory: the checksum manifest, its detached signature, and a
// verified binary per requested platform. Close removes the staging
// directory.
type Bundle struct {
	Version   string
	SHASums   []byte
	Signature []byte
	Manifest  provider.Manifest
	Binaries  []BinaryArtifact

	dir string
}

// Close removes the bundle's staging directory.
func (b *Bundle) Close() error {
	if b.dir == "" {
		return nil
	}
	return os.RemoveAll(b.dir)
}

// Fetcher downloads release artifacts from the public registry and verifies
// them before anything is published. The checksum manifest's GPG signature
// is checked against the upstream signing keys, and every binary is hashed
// and compared against both the per-platform descriptor and the manifest.
type Fetcher struct {
	upstream Upstream
	pgp      *crypto.PGPHandle
	quiet    bool
}

func NewFetcher(upstream Upstream, quiet bool) *Fetcher {
	return &Fetcher{
		upstream: upstream,
		pgp:      crypto.PGP(),
		quiet:    quiet,
	}
}

// Fetch stages all artifacts of one version. The returned bundle owns a
// temporary directory; the caller must Close it. Any verification failure
// aborts the whole bundle so nothing partially-verified escapes.
func (f *Fetcher) Fetch(ctx context.Context, spec provider.PackageSpec, version string) (*Bundle, error) {
	dir, err := os.MkdirTemp("", "provmirror-")
	if err != nil {
		return nil, errors.Wrap(err, "creating staging directory")
	}
	bundle := &Bundle{Version: version, dir: dir}
	ok := false
	defer func() {
		if !ok {
			if err := bundle.Close(); err != nil {
				slog.Warn("failed to remove staging directory", "dir", dir, "error", err)
			}
		}
	}()

	for i, platform := range spec.Platforms {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		info, err := f.upstream.PlatformDownload(ctx, spec.Namespace, spec.Name, version, platform.OS, platform.Arch)
		if err != nil {
			return nil, err
		}

		// The manifest and signature are shared by all platforms of a
		// version; fetch and verify them once, with the first descriptor.
		if i == 0 {
			if err := f.fetchManifest(ctx, spec, version, info, bundle); err != nil {
				return nil, err
			}
		}

		artifact, err := f.fetchBinary(ctx, spec, platform, info, bundle)
		if err != nil {
			return nil, err
		}
		bundle.Binaries = append(bundle.Binaries, *artifact)
	}

	ok = true
	return bundle, nil
}

// fetchManifest downloads the SHA256SUMS document and its detached
// signature, verifies the signature against the upstream signing keys, and
// parses the checksum entries.
func (f *Fetcher) fetchManifest(ctx context.Context, spec provider.PackageSpec, version string, info *registry.DownloadInfo, bundle *Bundle) error {
	shasums, err := f.upstream.DownloadBytes(ctx, info.SHASumsURL)
	if err != nil {
		return errors.Wrapf(err, "fetching checksum manifest for %s %s", spec.Slug(), version)
	}
	sig, err := f.upstream.DownloadBytes(ctx, info.SHASumsSig)
	if err != nil {
		return errors.Wrapf(err, "fetching checksum signature for %s %s", spec.Slug(), version)
	}

	if err := f.verifySignature(shasums, sig, info.SigningKeys.GPGPublicKeys, spec.Slug()); err != nil {
		return err
	}

	manifest, err := provider.ParseManifest(shasums)
	if err != nil {
		return errors.Wrapf(err, "checksum manifest for %s %s", spec.Slug(), version)
	}

	bundle.SHASums = shasums
	bundle.Signature = sig
	bundle.Manifest = manifest
	return nil
}

// verifySignature checks the detached binary signature over the manifest
// against each upstream signing key, accepting the first that verifies.
func (f *Fetcher) verifySignature(manifest, sig []byte, keys []registry.SigningKey, slug string) error {
	if len(keys) == 0 {
		return errors.Mark(errors.Newf("no signing keys published upstream for %s", slug), errcode.ErrIntegrity)
	}

	var lastErr error
	for _, k := range keys {
		key, err := crypto.NewKeyFromArmored(k.ASCIIArmor)
		if err != nil {
			lastErr = errors.Wrapf(err, "parsing signing key %s", k.KeyID)
			continue
		}
		verifier, err := f.pgp.Verify().VerificationKey(key).New()
		if err != nil {
			lastErr = errors.Wrapf(err, "building verifier for key %s", k.KeyID)
			continue
		}
		result, err := verifier.VerifyDetached(manifest, sig, crypto.Bytes)
		if err != nil {
			lastErr = errors.Wrapf(err, "verifying with key %s", k.KeyID)
			continue
		}
		if sigErr := result.SignatureError(); sigErr != nil {
			lastErr = errors.Wrapf(sigErr, "signature rejected by key %s", k.KeyID)
			continue
		}
		slog.Debug("checksum manifest signature verified", "package", slug, "key_id", k.KeyID)
		return nil
	}
	return errors.Mark(errors.Wrapf(lastErr, "checksum manifest signature for %s did not verify against any upstream key", slug), errcode.ErrIntegrity)
}

// fetchBinary downloads one platform binary and verifies its SHA-256 digest
// against the download descriptor and the checksum manifest.
func (f *Fetcher) fetchBinary(ctx context.Context, spec provider.PackageSpec, platform provider.Platform, info *registry.DownloadInfo, bundle *Bundle) (*BinaryArtifact, error) {
	filename := info.Filename
	if filename == "" {
		filename = spec.ArchiveName(bundle.Version, platform)
	}

	want := bundle.Manifest.Digest(filename)
	if want == "" {
		return nil, errors.Mark(errors.Newf("checksum manifest has no entry for %s", filename), errcode.ErrIntegrity)
	}
	if info.SHASum != "" && !strings.EqualFold(info.SHASum, want) {
		return nil, errors.Mark(errors.Newf("download descriptor and checksum manifest disagree for %s", filename), errcode.ErrIntegrity)
	}

	path := filepath.Join(bundle.dir, filename)
	file, err := os.Create(path)
	if err != nil {
		return nil, errors.Wrap(err, "creating staging file")
	}
	defer func() {
		if err := file.Close(); err != nil {
			slog.Warn("failed to close staging file", "path", path, "error", err)
		}
	}()

	size, err := f.upstream.DownloadFile(ctx, info.DownloadURL, file)
	if err != nil {
		return nil, errors.Wrapf(err, "downloading %s", filename)
	}
	slog.Info("downloaded provider binary", "package", spec.Slug(), "platform", platform.String(), "bytes", size)

	got, err := f.checksumFile(file, size, filename)
	if err != nil {
		return nil, err
	}
	if !strings.EqualFold(got, want) {
		return nil, errors.Mark(errors.Newf("checksum mismatch for %s: manifest %s, computed %s", filename, want, got), errcode.ErrIntegrity)
	}

	return &BinaryArtifact{
		Platform: platform,
		Filename: filename,
		Path:     path,
		SHA256:   got,
		Size:     size,
	}, nil
}

// checksumFile hashes a staged file, showing progress unless quiet.
func (f *Fetcher) checksumFile(file *os.File, size int64, label string) (string, error) {
	if _, err := file.Seek(0, io.SeekStart); err != nil {
		return "", errors.Wrap(err, "rewinding staging file")
	}

	hasher := sha256.New()
	var r io.Reader = file
	var bar *pb.ProgressBar
	if !f.quiet {
		bar = pb.Full.Start64(size)
		bar.Set("prefix", label+" ")
		r = bar.NewProxyReader(file)
	}
	_, err := io.Copy(hasher, r)
	if bar != nil {
		bar.Finish()
	}
	if err != nil {
		return "", errors.Wrap(err, "hashing staged file")
	}
	return hex.EncodeToString(hasher.Sum(nil)), nil
}
