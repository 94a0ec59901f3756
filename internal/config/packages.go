package config

import (
	"bytes"
	"encoding/json"
	"strings"

	"github.com/cockroachdb/errors"

	"github.com/provmirror/provmirror/internal/errcode"
	"github.com/provmirror/provmirror/internal/provider"
)

// packageDoc is the wire form of one desired package.
type packageDoc struct {
	Provider  string              `json:"provider"`
	Namespace string              `json:"namespace"`
	GPGKeyID  string              `json:"gpg-key-id"`
	Version   string              `json:"version"`
	Platforms []provider.Platform `json:"platforms"`
}

// LoadPackages parses the desired-state configuration document. Both a
// single JSON object and an array of objects are accepted and normalized to
// a slice. Every violation across the whole document is collected into one
// error so a batch configuration can be fixed in a single pass.
func LoadPackages(data []byte) ([]provider.PackageSpec, error) {
	docs, err := decodePackageDocs(data)
	if err != nil {
		return nil, err
	}

	var problems []error
	specs := make([]provider.PackageSpec, 0, len(docs))
	seen := make(map[string][]provider.Platform)

	for i, doc := range docs {
		spec, errs := validatePackageDoc(i, doc)
		problems = append(problems, errs...)
		if len(errs) > 0 {
			continue
		}

		key := spec.Namespace + "/" + spec.Name + "@" + spec.Selector
		if prev, ok := seen[key]; ok && samePlatforms(prev, spec.Platforms) {
			problems = append(problems, errors.Newf("package %d: duplicate entry for %s@%s with identical platforms", i, spec.Slug(), spec.Selector))
			continue
		}
		seen[key] = spec.Platforms
		specs = append(specs, spec)
	}

	if len(problems) > 0 {
		return nil, errors.Mark(errors.Join(problems...), errcode.ErrConfiguration)
	}
	return specs, nil
}

// decodePackageDocs accepts a single object or an array of objects.
func decodePackageDocs(data []byte) ([]packageDoc, error) {
	trimmed := bytes.TrimLeft(data, " \t\r\n")
	if len(trimmed) == 0 {
		return nil, errors.Mark(errors.New("empty configuration document"), errcode.ErrConfiguration)
	}

	switch trimmed[0] {
	case '[':
		var docs []packageDoc
		if err := json.Unmarshal(data, &docs); err != nil {
			return nil, errors.Mark(errors.Wrap(err, "invalid JSON in configuration document"), errcode.ErrConfiguration)
		}
		if len(docs) == 0 {
			return nil, errors.Mark(errors.New("configuration document lists no packages"), errcode.ErrConfiguration)
		}
		return docs, nil
	case '{':
		var doc packageDoc
		if err := json.Unmarshal(data, &doc); err != nil {
			return nil, errors.Mark(errors.Wrap(err, "invalid JSON in configuration document"), errcode.ErrConfiguration)
		}
		return []packageDoc{doc}, nil
	default:
		return nil, errors.Mark(errors.New("configuration document must be a JSON object or array of objects"), errcode.ErrConfiguration)
	}
}

// validatePackageDoc checks one entry and returns all of its violations.
func validatePackageDoc(index int, doc packageDoc) (provider.PackageSpec, []error) {
	var problems []error

	if doc.Provider == "" {
		problems = append(problems, errors.Newf("package %d: missing required field 'provider'", index))
	}
	if doc.Namespace == "" {
		problems = append(problems, errors.Newf("package %d: missing required field 'namespace'", index))
	}
	if doc.GPGKeyID == "" {
		problems = append(problems, errors.Newf("package %d: missing required field 'gpg-key-id'", index))
	}

	selector := doc.Version
	if selector == "" {
		selector = provider.SelectorLatest
	}
	if !strings.EqualFold(selector, provider.SelectorLatest) {
		if _, err := provider.ParseVersion(selector); err != nil {
			problems = append(problems, errors.Newf("package %d: version %q is neither %q nor a semantic version", index, selector, provider.SelectorLatest))
		}
	} else {
		selector = provider.SelectorLatest
	}

	if len(doc.Platforms) == 0 {
		problems = append(problems, errors.Newf("package %d: at least one platform is required", index))
	}
	dup := make(map[provider.Platform]bool)
	for j, p := range doc.Platforms {
		if p.OS == "" || p.Arch == "" {
			problems = append(problems, errors.Newf("package %d: platform %d must set both os and arch", index, j))
			continue
		}
		if dup[p] {
			problems = append(problems, errors.Newf("package %d: duplicate platform %s", index, p))
		}
		dup[p] = true
	}

	if len(problems) > 0 {
		return provider.PackageSpec{}, problems
	}
	return provider.PackageSpec{
		Namespace: doc.Namespace,
		Name:      doc.Provider,
		Selector:  selector,
		GPGKeyID:  doc.GPGKeyID,
		Platforms: doc.Platforms,
	}, nil
}

func samePlatforms(a, b []provider.Platform) bool {
	if len(a) != len(b) {
		return false
	}
	set := make(map[provider.Platform]bool, len(a))
	for _, p := range a {
		set[p] = true
	}
	for _, p := range b {
		if !set[p] {
			return false
		}
	}
	return true
}
