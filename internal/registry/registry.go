// Package registry is a read-only client for the public Terraform registry:
// version listings and per-platform download descriptors, plus streamed
// artifact downloads with bounded retries.
package registry

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/provmirror/provmirror/internal/errcode"
)

// DefaultBaseURL is the public registry endpoint.
const DefaultBaseURL = "https://registry.terraform.io"

const userAgent = "provmirror/1.0"

// Client queries the public registry. All methods are safe for concurrent
// use; retries and per-attempt timeouts are applied to every call.
type Client struct {
	base            *url.URL
	httpClient      *http.Client
	maxRetries      int
	apiTimeout      time.Duration
	transferTimeout time.Duration
	backoff         time.Duration
}

// NewClient creates a public-registry client. baseURL may be empty to use
// the public endpoint. apiTimeout bounds each metadata call (version
// listings, download descriptors); transferTimeout bounds each artifact
// download attempt. Both apply per attempt, not to the whole call.
func NewClient(baseURL string, httpClient *http.Client, maxRetries int, apiTimeout, transferTimeout time.Duration) (*Client, error) {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	base, err := url.Parse(baseURL)
	if err != nil {
		return nil, errors.Wrap(err, "public registry base URL")
	}
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Client{
		base:            base,
		httpClient:      httpClient,
		maxRetries:      maxRetries,
		apiTimeout:      apiTimeout,
		transferTimeout: transferTimeout,
		backoff:         time.Second,
	}, nil
}

// VersionList is the registry's versions response.
type versionList struct {
	Versions []struct {
		Version string `json:"version"`
	} `json:"versions"`
}

// SigningKey is an upstream GPG public key attached to a release.
type SigningKey struct {
	KeyID      string `json:"key_id"`
	ASCIIArmor string `json:"ascii_armor"`
}

// DownloadInfo describes one platform artifact of a provider version.
type DownloadInfo struct {
	OS          string `json:"os"`
	Arch        string `json:"arch"`
	Filename    string `json:"filename"`
	DownloadURL string `json:"download_url"`
	SHASum      string `json:"shasum"`
	SHASumsURL  string `json:"shasums_url"`
	SHASumsSig  string `json:"shasums_signature_url"`
	SigningKeys struct {
		GPGPublicKeys []SigningKey `json:"gpg_public_keys"`
	} `json:"signing_keys"`
}

// Versions lists all published versions of namespace/name.
func (c *Client) Versions(ctx context.Context, namespace, name string) ([]string, error) {
	var list versionList
	path := "v1/providers/" + namespace + "/" + name + "/versions"
	if err := c.getJSON(ctx, path, &list); err != nil {
		return nil, errors.Wrapf(err, "listing versions of %s/%s", namespace, name)
	}
	versions := make([]string, 0, len(list.Versions))
	for _, v := range list.Versions {
		versions = append(versions, v.Version)
	}
	if len(versions) == 0 {
		return nil, errors.Mark(errors.Newf("no versions published for %s/%s", namespace, name), errcode.ErrNotFound)
	}
	return versions, nil
}

// PlatformDownload fetches the download descriptor for one platform of a
// resolved version.
func (c *Client) PlatformDownload(ctx context.Context, namespace, name, version, osName, arch string) (*DownloadInfo, error) {
	var info DownloadInfo
	path := "v1/providers/" + namespace + "/" + name + "/" + version + "/download/" + osName + "/" + arch
	if err := c.getJSON(ctx, path, &info); err != nil {
		return nil, errors.Wrapf(err, "download descriptor for %s/%s %s %s_%s", namespace, name, version, osName, arch)
	}
	return &info, nil
}

// DownloadBytes fetches a small artifact (checksum manifest, signature)
// into memory, retrying transient failures. The URL comes from a download
// descriptor and may point at a third-party host, so it is used verbatim.
func (c *Client) DownloadBytes(ctx context.Context, rawURL string) ([]byte, error) {
	var data []byte
	err := c.withRetries(ctx, rawURL, c.transferTimeout, func(attemptCtx context.Context) error {
		body, _, err := c.open(attemptCtx, rawURL)
		if err != nil {
			return err
		}
		defer closeReader(body)

		data, err = io.ReadAll(body)
		if err != nil {
			return errors.Mark(errors.Wrap(err, "reading download body"), errcode.ErrUpstreamUnavailable)
		}
		return nil
	})
	return data, err
}

// DownloadFile streams a binary artifact into file, retrying transient
// failures. The file is truncated at the start of every attempt so a torn
// chunked transfer never leaves partial bytes behind.
func (c *Client) DownloadFile(ctx context.Context, rawURL string, file *os.File) (int64, error) {
	var written int64
	err := c.withRetries(ctx, rawURL, c.transferTimeout, func(attemptCtx context.Context) error {
		if err := file.Truncate(0); err != nil {
			return errors.Wrap(err, "truncating download file")
		}
		if _, err := file.Seek(0, io.SeekStart); err != nil {
			return errors.Wrap(err, "rewinding download file")
		}

		body, _, err := c.open(attemptCtx, rawURL)
		if err != nil {
			return err
		}
		defer closeReader(body)

		written, err = io.Copy(file, body)
		if err != nil {
			return errors.Mark(errors.Wrap(err, "reading download body"), errcode.ErrUpstreamUnavailable)
		}
		return nil
	})
	return written, err
}

// open performs one GET attempt and returns the response body on 200.
func (c *Client) open(ctx context.Context, rawURL string) (io.ReadCloser, int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, 0, errors.Wrap(err, "building download request")
	}
	req.Header.Set("User-Agent", userAgent)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, 0, errors.Mark(err, errcode.ErrUpstreamUnavailable)
	}
	if err := classifyStatus(resp.StatusCode, rawURL); err != nil {
		closeBody(resp)
		return nil, 0, err
	}
	return resp.Body, resp.ContentLength, nil
}

// getJSON performs a GET against the registry API with retries and decodes
// the JSON response.
func (c *Client) getJSON(ctx context.Context, path string, out any) error {
	target := c.base.ResolveReference(&url.URL{Path: "/" + path}).String()
	return c.withRetries(ctx, target, c.apiTimeout, func(attemptCtx context.Context) error {
		req, err := http.NewRequestWithContext(attemptCtx, http.MethodGet, target, nil)
		if err != nil {
			return errors.Wrap(err, "building request")
		}
		req.Header.Set("User-Agent", userAgent)
		req.Header.Set("Accept", "application/json")

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return errors.Mark(err, errcode.ErrUpstreamUnavailable)
		}
		defer closeBody(resp)

		if err := classifyStatus(resp.StatusCode, target); err != nil {
			return err
		}
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return errors.Wrap(err, "decoding registry response")
		}
		return nil
	})
}

// withRetries runs fn with exponential backoff on retryable errors and a
// per-attempt timeout. Cancellation is observed between attempts.
func (c *Client) withRetries(ctx context.Context, target string, timeout time.Duration, fn func(context.Context) error) error {
	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			slog.Warn("retrying upstream request", "url", target, "attempt", attempt+1, "max_attempts", c.maxRetries+1)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(c.backoff << (attempt - 1)):
			}
		}

		attemptCtx := ctx
		var cancel context.CancelFunc
		if timeout > 0 {
			attemptCtx, cancel = context.WithTimeout(ctx, timeout)
		}
		err := fn(attemptCtx)
		if cancel != nil {
			cancel()
		}
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if !errcode.IsRetryable(err) {
			return err
		}
		lastErr = err
	}
	return errors.Wrapf(lastErr, "giving up after %d attempts", c.maxRetries+1)
}

// classifyStatus maps an HTTP status onto the error taxonomy.
func classifyStatus(status int, target string) error {
	switch {
	case status == http.StatusOK:
		return nil
	case status == http.StatusNotFound:
		return errors.Mark(errors.Newf("not found upstream: %s", target), errcode.ErrNotFound)
	case status == http.StatusTooManyRequests || status >= 500:
		return errors.Mark(errors.Newf("upstream returned status %d for %s", status, target), errcode.ErrUpstreamUnavailable)
	default:
		return errors.Newf("unexpected status %d for %s", status, target)
	}
}

func closeBody(resp *http.Response) {
	closeReader(resp.Body)
}

func closeReader(rc io.ReadCloser) {
	if err := rc.Close(); err != nil {
		slog.Warn("failed to close response body", "error", err)
	}
}
