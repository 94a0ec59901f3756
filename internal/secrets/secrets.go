// Package secrets resolves sensitive runtime material (the destination
// registry token, an optional private CA bundle) from AWS Secrets Manager by
// logical name.
package secrets

import (
	"context"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	"github.com/aws/smithy-go"
	"github.com/cockroachdb/errors"

	"github.com/provmirror/provmirror/internal/errcode"
)

// Provider resolves secret values by name.
type Provider interface {
	Secret(ctx context.Context, name string) (string, error)
}

// ManagerAPI is the slice of the Secrets Manager client used here.
type ManagerAPI interface {
	GetSecretValue(ctx context.Context, params *secretsmanager.GetSecretValueInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error)
}

// Manager fetches secrets from AWS Secrets Manager.
type Manager struct {
	api ManagerAPI
}

// NewManager builds a Manager from the ambient AWS configuration (environment,
// shared config, instance role).
func NewManager(ctx context.Context) (*Manager, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "loading AWS configuration")
	}
	return &Manager{api: secretsmanager.NewFromConfig(cfg)}, nil
}

// NewManagerWithAPI wires an explicit API client; used by tests.
func NewManagerWithAPI(api ManagerAPI) *Manager {
	return &Manager{api: api}
}

// Secret fetches one secret's string value. String secrets are returned
// as-is; binary secrets are returned as their raw bytes.
func (m *Manager) Secret(ctx context.Context, name string) (string, error) {
	out, err := m.api.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{
		SecretId: &name,
	})
	if err != nil {
		var apiErr smithy.APIError
		if errors.As(err, &apiErr) {
			switch apiErr.ErrorCode() {
			case "ResourceNotFoundException":
				return "", errors.Mark(errors.Newf("secret %s not found", name), errcode.ErrNotFound)
			case "AccessDeniedException":
				return "", errors.Mark(errors.Newf("access denied to secret %s", name), errcode.ErrConfiguration)
			}
		}
		return "", errors.Wrapf(err, "fetching secret %s", name)
	}

	if out.SecretString != nil {
		return *out.SecretString, nil
	}
	if out.SecretBinary != nil {
		return string(out.SecretBinary), nil
	}
	return "", errors.Newf("secret %s has no value", name)
}

// Static is a fixed name-to-value map satisfying Provider; used by tests and
// by the environment fallback path.
type Static map[string]string

func (s Static) Secret(_ context.Context, name string) (string, error) {
	v, ok := s[name]
	if !ok {
		return "", errors.Mark(errors.Newf("secret %s not found", name), errcode.ErrNotFound)
	}
	return v, nil
}
