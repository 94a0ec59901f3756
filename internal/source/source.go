// Package source loads the desired-state configuration document from its
// storage location: an S3 object for scheduled runs, or a local file for
// ad-hoc invocations.
package source

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"
	"github.com/cockroachdb/errors"

	"github.com/provmirror/provmirror/internal/errcode"
)

const s3Scheme = "s3://"

// S3API is the slice of the S3 client used here.
type S3API interface {
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// Loader fetches configuration documents by reference.
type Loader struct {
	api S3API
}

// NewLoader builds a Loader. The S3 client is created lazily on first use so
// purely local invocations need no AWS credentials.
func NewLoader() *Loader {
	return &Loader{}
}

// NewLoaderWithAPI wires an explicit S3 client; used by tests.
func NewLoaderWithAPI(api S3API) *Loader {
	return &Loader{api: api}
}

// Fetch reads the document at ref. "s3://bucket/key" reads from S3; any
// other reference is a local file path.
func (l *Loader) Fetch(ctx context.Context, ref string) ([]byte, error) {
	if strings.HasPrefix(ref, s3Scheme) {
		bucket, key, err := parseS3Ref(ref)
		if err != nil {
			return nil, err
		}
		return l.fetchS3(ctx, bucket, key)
	}

	data, err := os.ReadFile(ref)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.Mark(errors.Wrapf(err, "configuration document %s", ref), errcode.ErrNotFound)
		}
		return nil, errors.Wrapf(err, "reading configuration document %s", ref)
	}
	return data, nil
}

func (l *Loader) fetchS3(ctx context.Context, bucket, key string) ([]byte, error) {
	if l.api == nil {
		cfg, err := awsconfig.LoadDefaultConfig(ctx)
		if err != nil {
			return nil, errors.Wrap(err, "loading AWS configuration")
		}
		l.api = s3.NewFromConfig(cfg)
	}

	out, err := l.api.GetObject(ctx, &s3.GetObjectInput{
		Bucket: &bucket,
		Key:    &key,
	})
	if err != nil {
		var apiErr smithy.APIError
		if errors.As(err, &apiErr) && (apiErr.ErrorCode() == "NoSuchKey" || apiErr.ErrorCode() == "NoSuchBucket") {
			return nil, errors.Mark(errors.Newf("configuration document s3://%s/%s not found", bucket, key), errcode.ErrNotFound)
		}
		return nil, errors.Wrapf(err, "fetching s3://%s/%s", bucket, key)
	}
	defer func() {
		if err := out.Body.Close(); err != nil {
			slog.Warn("failed to close S3 object body", "error", err)
		}
	}()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, errors.Wrapf(err, "reading s3://%s/%s", bucket, key)
	}
	return data, nil
}

// parseS3Ref splits "s3://bucket/key" into its parts.
func parseS3Ref(ref string) (bucket, key string, err error) {
	rest := strings.TrimPrefix(ref, s3Scheme)
	bucket, key, ok := strings.Cut(rest, "/")
	if !ok || bucket == "" || key == "" {
		return "", "", errors.Mark(errors.Newf("malformed S3 reference %q, want s3://bucket/key", ref), errcode.ErrConfiguration)
	}
	return bucket, key, nil
}
