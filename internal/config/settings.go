// Package config loads and validates the two configuration inputs:
// the operator settings file (TOML, with environment overrides) and the
// desired-state package list (JSON document, usually fetched from a bucket).
package config

import (
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/provmirror/provmirror/internal/errcode"
)

const (
	defaultAddress         = "https://app.terraform.io"
	defaultRegistryName    = "private"
	defaultWorkers         = 5
	defaultRetainVersions  = 10
	defaultAPITimeout      = 10 * time.Second
	defaultTransferTimeout = 5 * time.Minute
	defaultMaxRetries      = 5
)

// duration wraps time.Duration for TOML decoding ("30s", "5m").
type duration struct {
	time.Duration
}

func (d *duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = parsed
	return nil
}

// Timeouts bounds each network stage. A stalled call is abandoned when its
// stage timeout expires; retries run inside these bounds.
type Timeouts struct {
	API      duration `toml:"api"`
	Download duration `toml:"download"`
	Upload   duration `toml:"upload"`
}

// Settings is the operator configuration, read from TOML.
//
//	organization = "acme"
//	token_secret_name = "tfc/api-token"
//	sns_topic_arn = "arn:aws:sns:..."
//
//	[retention]
//	keep_versions = 10
type Settings struct {
	Organization    string `toml:"organization"`
	Address         string `toml:"address"`
	RegistryName    string `toml:"registry_name"`
	TokenSecretName string `toml:"token_secret_name"`
	SNSTopicARN     string `toml:"sns_topic_arn"`
	Workers         int    `toml:"workers"`
	DryRun          bool   `toml:"dry_run"`
	Proxy           string `toml:"proxy"`
	MaxRetries      int    `toml:"max_retries"`

	Retention RetentionSettings `toml:"retention"`
	Timeouts  Timeouts          `toml:"timeouts"`
	Log       LogConfig         `toml:"log"`
	TLS       TLSConfig         `toml:"tls"`
}

// RetentionSettings controls version pruning.
type RetentionSettings struct {
	KeepVersions int `toml:"keep_versions"`
}

// NewSettings creates Settings with default values.
func NewSettings() *Settings {
	return &Settings{
		Address:      defaultAddress,
		RegistryName: defaultRegistryName,
		Workers:      defaultWorkers,
		MaxRetries:   defaultMaxRetries,
		Retention:    RetentionSettings{KeepVersions: defaultRetainVersions},
		Timeouts: Timeouts{
			API:      duration{defaultAPITimeout},
			Download: duration{defaultTransferTimeout},
			Upload:   duration{defaultTransferTimeout},
		},
	}
}

// ApplyEnv overlays recognized environment variables onto the settings.
// The names match the original deployment environment, so the same
// configuration works for scheduled and manual invocations.
func (s *Settings) ApplyEnv() error {
	if v := os.Getenv("TFC_ORGANIZATION"); v != "" {
		s.Organization = v
	}
	if v := os.Getenv("TFC_ADDRESS"); v != "" {
		s.Address = v
	}
	if v := os.Getenv("TFC_TOKEN_SECRET_NAME"); v != "" {
		s.TokenSecretName = v
	}
	if v := os.Getenv("SNS_TOPIC_ARN"); v != "" {
		s.SNSTopicARN = v
	}
	if v := os.Getenv("CA_BUNDLE_SECRET_NAME"); v != "" {
		s.TLS.CABundleSecretName = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		s.Log.Level = strings.ToLower(v)
	}
	if v := os.Getenv("KEEP_VERSION_COUNT"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return errors.Mark(errors.Wrap(err, "KEEP_VERSION_COUNT"), errcode.ErrConfiguration)
		}
		s.Retention.KeepVersions = n
	}
	if v := os.Getenv("WORKER_COUNT"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return errors.Mark(errors.Wrap(err, "WORKER_COUNT"), errcode.ErrConfiguration)
		}
		s.Workers = n
	}
	if v := os.Getenv("DRY_RUN"); v != "" {
		s.DryRun = strings.EqualFold(v, "true")
	}
	return nil
}

// Check validates the settings.
func (s *Settings) Check() error {
	var problems []error
	if s.Organization == "" {
		problems = append(problems, errors.New("organization is not set"))
	}
	if s.TokenSecretName == "" {
		problems = append(problems, errors.New("token_secret_name is not set"))
	}
	if s.Workers < 1 {
		problems = append(problems, errors.Newf("workers must be positive, got %d", s.Workers))
	}
	if s.Retention.KeepVersions < 1 {
		problems = append(problems, errors.Newf("retention.keep_versions must be positive, got %d", s.Retention.KeepVersions))
	}
	if s.MaxRetries < 0 {
		problems = append(problems, errors.Newf("max_retries must not be negative, got %d", s.MaxRetries))
	}
	if u, err := url.Parse(s.Address); err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		problems = append(problems, errors.Newf("address must be an http(s) URL: %q", s.Address))
	}
	if s.Proxy != "" {
		if _, err := url.Parse(s.Proxy); err != nil {
			problems = append(problems, errors.Wrap(err, "proxy"))
		}
	}
	if len(problems) > 0 {
		return errors.Mark(errors.Join(problems...), errcode.ErrConfiguration)
	}
	return nil
}
