package config

import (
	"strings"
	"testing"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/cockroachdb/errors"

	"github.com/provmirror/provmirror/internal/errcode"
)

const sampleSettings = `
organization = "acme"
token_secret_name = "tfc/api-token"
sns_topic_arn = "arn:aws:sns:us-east-1:123456789012:mirror-alerts"
workers = 3

[retention]
keep_versions = 4

[timeouts]
api = "15s"
download = "10m"

[log]
level = "debug"
format = "json"

[tls]
min_version = "1.3"
`

func TestSettingsDecode(t *testing.T) {
	t.Parallel()

	s := NewSettings()
	meta, err := toml.Decode(sampleSettings, s)
	if err != nil {
		t.Fatal(err)
	}
	if len(meta.Undecoded()) > 0 {
		t.Errorf("undecoded keys: %#v", meta.Undecoded())
	}

	if s.Organization != "acme" {
		t.Errorf(`s.Organization = %q, want "acme"`, s.Organization)
	}
	if s.Workers != 3 {
		t.Errorf("s.Workers = %d, want 3", s.Workers)
	}
	if s.Retention.KeepVersions != 4 {
		t.Errorf("s.Retention.KeepVersions = %d, want 4", s.Retention.KeepVersions)
	}
	if s.Timeouts.API.Duration != 15*time.Second {
		t.Errorf("s.Timeouts.API = %v, want 15s", s.Timeouts.API.Duration)
	}
	if s.Timeouts.Download.Duration != 10*time.Minute {
		t.Errorf("s.Timeouts.Download = %v, want 10m", s.Timeouts.Download.Duration)
	}
	// Unset sections keep their defaults.
	if s.Timeouts.Upload.Duration != 5*time.Minute {
		t.Errorf("s.Timeouts.Upload = %v, want default 5m", s.Timeouts.Upload.Duration)
	}
	if s.Address != "https://app.terraform.io" {
		t.Errorf("s.Address = %q, want default", s.Address)
	}
	if s.RegistryName != "private" {
		t.Errorf("s.RegistryName = %q, want default", s.RegistryName)
	}

	if err := s.Check(); err != nil {
		t.Errorf("Check() = %v, want nil", err)
	}
}

func TestSettingsApplyEnv(t *testing.T) {
	t.Setenv("TFC_ORGANIZATION", "env-org")
	t.Setenv("TFC_TOKEN_SECRET_NAME", "env-secret")
	t.Setenv("KEEP_VERSION_COUNT", "7")
	t.Setenv("WORKER_COUNT", "2")
	t.Setenv("DRY_RUN", "TRUE")
	t.Setenv("LOG_LEVEL", "DEBUG")

	s := NewSettings()
	if err := s.ApplyEnv(); err != nil {
		t.Fatal(err)
	}

	if s.Organization != "env-org" {
		t.Errorf("s.Organization = %q, want env-org", s.Organization)
	}
	if s.TokenSecretName != "env-secret" {
		t.Errorf("s.TokenSecretName = %q, want env-secret", s.TokenSecretName)
	}
	if s.Retention.KeepVersions != 7 {
		t.Errorf("s.Retention.KeepVersions = %d, want 7", s.Retention.KeepVersions)
	}
	if s.Workers != 2 {
		t.Errorf("s.Workers = %d, want 2", s.Workers)
	}
	if !s.DryRun {
		t.Error("s.DryRun should be true")
	}
	if s.Log.Level != "debug" {
		t.Errorf("s.Log.Level = %q, want debug", s.Log.Level)
	}
}

func TestSettingsApplyEnvRejectsBadNumbers(t *testing.T) {
	t.Setenv("KEEP_VERSION_COUNT", "many")

	s := NewSettings()
	err := s.ApplyEnv()
	if err == nil {
		t.Fatal("expected error")
	}
	if !errors.Is(err, errcode.ErrConfiguration) {
		t.Errorf("error should carry the configuration marker, got %v", err)
	}
}

func TestSettingsCheckCollectsAllProblems(t *testing.T) {
	t.Parallel()

	s := NewSettings()
	s.Workers = 0
	s.Retention.KeepVersions = -1
	s.Address = "ftp://wrong"

	err := s.Check()
	if err == nil {
		t.Fatal("expected error")
	}
	if !errors.Is(err, errcode.ErrConfiguration) {
		t.Fatalf("error should carry the configuration marker, got %v", err)
	}

	msg := err.Error()
	for _, want := range []string{
		"organization is not set",
		"token_secret_name is not set",
		"workers must be positive",
		"keep_versions must be positive",
		"address must be an http(s) URL",
	} {
		if !strings.Contains(msg, want) {
			t.Errorf("error should mention %q, got:\n%s", want, msg)
		}
	}
}

func TestLogConfigApply(t *testing.T) {
	for _, lc := range []LogConfig{
		{},
		{Level: "debug", Format: "json"},
		{Level: "warning", Format: "plain"},
	} {
		if err := lc.Apply(); err != nil {
			t.Errorf("Apply(%+v) = %v, want nil", lc, err)
		}
	}

	if err := (&LogConfig{Level: "loud"}).Apply(); !errors.Is(err, errcode.ErrConfiguration) {
		t.Errorf("invalid level should be rejected as a configuration error, got %v", err)
	}
	if err := (&LogConfig{Format: "xml"}).Apply(); !errors.Is(err, errcode.ErrConfiguration) {
		t.Errorf("invalid format should be rejected as a configuration error, got %v", err)
	}
}
