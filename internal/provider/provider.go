// Package provider holds the domain types shared by the sync engine and the
// retention manager: provider packages, platforms, version records, and the
// semantic-version ordering both consumers must agree on.
package provider

import (
	"fmt"
	"sort"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/cockroachdb/errors"

	"github.com/provmirror/provmirror/internal/errcode"
)

// SelectorLatest requests the highest released version upstream.
const SelectorLatest = "latest"

// Platform is an OS/architecture pair for which a distinct binary exists.
type Platform struct {
	OS   string `json:"os"`
	Arch string `json:"arch"`
}

func (p Platform) String() string {
	return p.OS + "_" + p.Arch
}

// PackageSpec is the desired state for one provider package. It is built
// once per run by the configuration loader and immutable thereafter.
type PackageSpec struct {
	Namespace string
	Name      string
	Selector  string
	GPGKeyID  string
	Platforms []Platform
}

// Slug identifies the package in logs and notification events.
func (s PackageSpec) Slug() string {
	return s.Namespace + "/" + s.Name
}

// ArchiveName returns the canonical zip filename for a platform binary,
// e.g. "terraform-provider-aws_6.25.0_linux_amd64.zip".
func (s PackageSpec) ArchiveName(version string, p Platform) string {
	return fmt.Sprintf("terraform-provider-%s_%s_%s_%s.zip", s.Name, version, p.OS, p.Arch)
}

// ManifestName returns the SHA256SUMS filename for a version.
func (s PackageSpec) ManifestName(version string) string {
	return fmt.Sprintf("terraform-provider-%s_%s_SHA256SUMS", s.Name, version)
}

// VersionRecord is one version of a mirrored provider as reported by the
// destination registry. The registry owns it; retention only reads it and
// issues delete requests.
type VersionRecord struct {
	Namespace string
	Name      string
	Version   string
	CreatedAt time.Time
}

// ParseVersion parses a semantic version, tolerating a leading "v".
// Selectors that cannot be parsed are reported as ambiguous.
func ParseVersion(s string) (*semver.Version, error) {
	v, err := semver.NewVersion(s)
	if err != nil {
		return nil, errors.Mark(errors.Wrapf(err, "not a semantic version: %q", s), errcode.ErrAmbiguousSelector)
	}
	return v, nil
}

// MaxVersion returns the highest version by semver precedence: numeric
// fields compare numerically, pre-releases sort before releases, and build
// metadata is ignored. Unparseable entries are skipped; if nothing parses,
// the selector is ambiguous.
func MaxVersion(versions []string) (string, error) {
	var best *semver.Version
	var bestRaw string
	for _, raw := range versions {
		v, err := semver.NewVersion(raw)
		if err != nil {
			continue
		}
		if best == nil || v.GreaterThan(best) {
			best = v
			bestRaw = raw
		}
	}
	if best == nil {
		return "", errors.Mark(errors.Newf("no parseable versions among %d entries", len(versions)), errcode.ErrAmbiguousSelector)
	}
	return bestRaw, nil
}

// SortDescending orders version records by semver precedence, newest first.
// Records with identical precedence are broken by creation timestamp, newest
// first, so retention keeps the most recently published copy. Unparseable
// versions sort last (oldest) so they are pruned before valid ones.
func SortDescending(records []VersionRecord) {
	sort.SliceStable(records, func(i, j int) bool {
		vi, erri := semver.NewVersion(records[i].Version)
		vj, errj := semver.NewVersion(records[j].Version)
		switch {
		case erri != nil && errj != nil:
			return records[i].CreatedAt.After(records[j].CreatedAt)
		case erri != nil:
			return false
		case errj != nil:
			return true
		}
		if c := vi.Compare(vj); c != 0 {
			return c > 0
		}
		return records[i].CreatedAt.After(records[j].CreatedAt)
	})
}
