package config

import (
	"strings"
	"testing"

	"github.com/cockroachdb/errors"

	"github.com/provmirror/provmirror/internal/errcode"
)

func TestLoadPackagesSingleObject(t *testing.T) {
	t.Parallel()

	doc := `{
		"provider": "aws",
		"namespace": "hashicorp",
		"gpg-key-id": "34365D9472D7468F",
		"platforms": [{"os": "linux", "arch": "amd64"}]
	}`

	specs, err := LoadPackages([]byte(doc))
	if err != nil {
		t.Fatal(err)
	}
	if len(specs) != 1 {
		t.Fatalf("len(specs) = %d, want 1", len(specs))
	}
	if specs[0].Selector != "latest" {
		t.Errorf("omitted version should default to latest, got %q", specs[0].Selector)
	}
	if specs[0].Slug() != "hashicorp/aws" {
		t.Errorf("Slug = %q", specs[0].Slug())
	}
}

func TestLoadPackagesArray(t *testing.T) {
	t.Parallel()

	doc := `[
		{"provider": "aws", "namespace": "hashicorp", "gpg-key-id": "AA", "version": "5.0.1",
		 "platforms": [{"os": "linux", "arch": "amd64"}, {"os": "darwin", "arch": "arm64"}]},
		{"provider": "random", "namespace": "hashicorp", "gpg-key-id": "BB", "version": "LATEST",
		 "platforms": [{"os": "linux", "arch": "amd64"}]}
	]`

	specs, err := LoadPackages([]byte(doc))
	if err != nil {
		t.Fatal(err)
	}
	if len(specs) != 2 {
		t.Fatalf("len(specs) = %d, want 2", len(specs))
	}
	if specs[0].Selector != "5.0.1" {
		t.Errorf("pinned selector = %q, want 5.0.1", specs[0].Selector)
	}
	if specs[1].Selector != "latest" {
		t.Errorf("LATEST should normalize to latest, got %q", specs[1].Selector)
	}
	if len(specs[0].Platforms) != 2 {
		t.Errorf("len(Platforms) = %d, want 2", len(specs[0].Platforms))
	}
}

func TestLoadPackagesCollectsAllViolations(t *testing.T) {
	t.Parallel()

	doc := `[
		{"version": "not.sem.ver!", "platforms": []},
		{"provider": "aws", "namespace": "hashicorp", "gpg-key-id": "AA",
		 "platforms": [{"os": "linux"}, {"os": "linux", "arch": "amd64"}, {"os": "linux", "arch": "amd64"}]}
	]`

	_, err := LoadPackages([]byte(doc))
	if err == nil {
		t.Fatal("expected error")
	}
	if !errors.Is(err, errcode.ErrConfiguration) {
		t.Fatalf("error should carry the configuration marker, got %v", err)
	}

	msg := err.Error()
	for _, want := range []string{
		"missing required field 'provider'",
		"missing required field 'namespace'",
		"missing required field 'gpg-key-id'",
		"neither \"latest\" nor a semantic version",
		"at least one platform is required",
		"must set both os and arch",
		"duplicate platform linux_amd64",
	} {
		if !strings.Contains(msg, want) {
			t.Errorf("error should mention %q, got:\n%s", want, msg)
		}
	}
}

func TestLoadPackagesRejectsDuplicateEntries(t *testing.T) {
	t.Parallel()

	entry := `{"provider": "aws", "namespace": "hashicorp", "gpg-key-id": "AA",
		"platforms": [{"os": "linux", "arch": "amd64"}]}`
	doc := "[" + entry + "," + entry + "]"

	_, err := LoadPackages([]byte(doc))
	if err == nil {
		t.Fatal("expected error")
	}
	if !strings.Contains(err.Error(), "duplicate entry") {
		t.Errorf("error should mention the duplicate entry, got %v", err)
	}
}

func TestLoadPackagesRejectsMalformedDocuments(t *testing.T) {
	t.Parallel()

	for _, doc := range []string{"", "   ", "[]", `"just a string"`, "{broken"} {
		_, err := LoadPackages([]byte(doc))
		if err == nil {
			t.Errorf("LoadPackages(%q) should fail", doc)
			continue
		}
		if !errors.Is(err, errcode.ErrConfiguration) {
			t.Errorf("LoadPackages(%q) error should carry the configuration marker, got %v", doc, err)
		}
	}
}
