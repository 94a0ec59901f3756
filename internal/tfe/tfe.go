// Package tfe drives the destination registry's HTTP API (HCP Terraform or
// Terraform Enterprise): provider/version/platform resources, presigned
// artifact uploads, and version deletion. All endpoints are bearer-token
// authenticated JSON:API.
package tfe

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"log/slog"

	"github.com/provmirror/provmirror/internal/errcode"
	"github.com/provmirror/provmirror/internal/provider"
)

const contentTypeJSONAPI = "application/vnd.api+json"

// Client talks to one organization's private registry.
type Client struct {
	base          *url.URL
	token         string
	organization  string
	registryName  string
	httpClient    *http.Client
	apiTimeout    time.Duration
	uploadTimeout time.Duration
}

// NewClient creates a destination registry client. registryName is almost
// always "private"; the namespace of mirrored providers equals the
// organization name.
func NewClient(address, token, organization, registryName string, httpClient *http.Client, apiTimeout, uploadTimeout time.Duration) (*Client, error) {
	base, err := url.Parse(address)
	if err != nil {
		return nil, errors.Wrap(err, "destination registry address")
	}
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Client{
		base:          base,
		token:         token,
		organization:  organization,
		registryName:  registryName,
		httpClient:    httpClient,
		apiTimeout:    apiTimeout,
		uploadTimeout: uploadTimeout,
	}, nil
}

// Organization returns the configured organization name.
func (c *Client) Organization() string {
	return c.organization
}

// VersionURL returns the human-facing registry URL of a published version.
func (c *Client) VersionURL(name, version string) string {
	return c.base.String() + "/app/" + c.organization + "/registry/" + c.registryName +
		"/providers/" + c.organization + "/" + name + "/" + version
}

// jsonapiDocument is the generic single-resource envelope.
type jsonapiDocument struct {
	Data jsonapiResource `json:"data"`
}

type jsonapiResource struct {
	Type       string            `json:"type"`
	ID         string            `json:"id,omitempty"`
	Attributes json.RawMessage   `json:"attributes,omitempty"`
	Links      map[string]string `json:"links,omitempty"`
}

// jsonapiList is the generic collection envelope with pagination links.
type jsonapiList struct {
	Data  []jsonapiResource `json:"data"`
	Links struct {
		Next string `json:"next"`
	} `json:"links"`
}

// ProviderRecord is one provider registered in the destination registry.
type ProviderRecord struct {
	Name         string
	Namespace    string
	RegistryName string
}

// Version is a provider-version resource. Upload links are present until
// the corresponding artifact has been received by the registry.
type Version struct {
	Version          string
	KeyID            string
	SHASumsUploaded  bool
	SHASumsSigUpload string
	SHASumsUpload    string
}

type versionAttributes struct {
	Version          string   `json:"version"`
	KeyID            string   `json:"key-id"`
	Protocols        []string `json:"protocols,omitempty"`
	SHASumsUploaded  bool     `json:"shasums-uploaded"`
	ShasumsSigUpload bool     `json:"shasums-sig-uploaded"`
	CreatedAt        string   `json:"created-at"`
}

// PlatformRecord is a provider-version-platform resource.
type PlatformRecord struct {
	OS           string
	Arch         string
	SHASum       string
	Filename     string
	BinaryUpload string
}

// PlatformAttributes is the attribute set of a platform resource.
type PlatformAttributes struct {
	OS       string `json:"os"`
	Arch     string `json:"arch"`
	SHASum   string `json:"shasum"`
	Filename string `json:"filename"`
}

func (c *Client) providersPath() string {
	return "/api/v2/organizations/" + c.organization + "/registry-providers"
}

func (c *Client) providerPath(registryName, namespace, name string) string {
	return c.providersPath() + "/" + registryName + "/" + namespace + "/" + name
}

// HasProvider reports whether the provider resource exists.
func (c *Client) HasProvider(ctx context.Context, name string) (bool, error) {
	status, _, err := c.do(ctx, http.MethodGet, c.providerPath(c.registryName, c.organization, name), nil, c.apiTimeout)
	if err != nil {
		return false, err
	}
	switch status {
	case http.StatusOK:
		return true, nil
	case http.StatusNotFound:
		return false, nil
	default:
		return false, errors.Newf("unexpected status %d checking provider %s", status, name)
	}
}

// CreateProvider registers the provider resource in the private registry.
// An already-existing provider is not an error.
func (c *Client) CreateProvider(ctx context.Context, name string) error {
	payload := jsonapiDocument{Data: jsonapiResource{
		Type: "registry-providers",
		Attributes: mustMarshal(map[string]string{
			"name":          name,
			"namespace":     c.organization,
			"registry-name": c.registryName,
		}),
	}}
	status, body, err := c.do(ctx, http.MethodPost, c.providersPath(), &payload, c.apiTimeout)
	if err != nil {
		return err
	}
	switch {
	case status == http.StatusCreated || status == http.StatusOK:
		return nil
	case isConflictStatus(status, body):
		return nil
	default:
		return errors.Newf("creating provider %s: status %d: %s", name, status, strings.TrimSpace(string(body)))
	}
}

// GetVersion fetches a provider-version resource, including any still-valid
// upload links. Absent versions are reported with the not-found marker.
func (c *Client) GetVersion(ctx context.Context, name, version string) (*Version, error) {
	path := c.providerPath(c.registryName, c.organization, name) + "/versions/" + version
	status, body, err := c.do(ctx, http.MethodGet, path, nil, c.apiTimeout)
	if err != nil {
		return nil, err
	}
	switch status {
	case http.StatusOK:
		return decodeVersion(body)
	case http.StatusNotFound:
		return nil, errors.Mark(errors.Newf("version %s of %s not in destination registry", version, name), errcode.ErrNotFound)
	default:
		return nil, errors.Newf("fetching version %s of %s: status %d", version, name, status)
	}
}

// CreateVersion creates a provider-version resource bound to a signing key.
// A conflict with an existing version is reported with the conflict marker
// so the publisher can resume instead of re-creating.
func (c *Client) CreateVersion(ctx context.Context, name, version, gpgKeyID string) (*Version, error) {
	payload := jsonapiDocument{Data: jsonapiResource{
		Type: "registry-provider-versions",
		Attributes: mustMarshal(map[string]any{
			"version":   version,
			"key-id":    gpgKeyID,
			"protocols": []string{"5.0", "6.0"},
		}),
	}}
	path := c.providerPath(c.registryName, c.organization, name) + "/versions"
	status, body, err := c.do(ctx, http.MethodPost, path, &payload, c.apiTimeout)
	if err != nil {
		return nil, err
	}
	switch {
	case status == http.StatusCreated || status == http.StatusOK:
		return decodeVersion(body)
	case isConflictStatus(status, body):
		return nil, errors.Mark(errors.Newf("version %s of %s already exists", version, name), errcode.ErrRegistryConflict)
	default:
		return nil, errors.Newf("creating version %s of %s: status %d: %s", version, name, status, strings.TrimSpace(string(body)))
	}
}

// ListPlatforms lists the platform resources already attached to a version.
func (c *Client) ListPlatforms(ctx context.Context, name, version string) ([]PlatformRecord, error) {
	path := c.providerPath(c.registryName, c.organization, name) + "/versions/" + version + "/platforms"
	var records []PlatformRecord
	err := c.paginate(ctx, path, func(res jsonapiResource) error {
		var attrs PlatformAttributes
		if err := json.Unmarshal(res.Attributes, &attrs); err != nil {
			return errors.Wrap(err, "decoding platform attributes")
		}
		records = append(records, PlatformRecord{
			OS:       attrs.OS,
			Arch:     attrs.Arch,
			SHASum:   attrs.SHASum,
			Filename: attrs.Filename,
		})
		return nil
	})
	if err != nil {
		return nil, errors.Wrapf(err, "listing platforms of %s %s", name, version)
	}
	return records, nil
}

// CreatePlatform creates a provider-version-platform resource and returns
// the presigned binary upload URL.
func (c *Client) CreatePlatform(ctx context.Context, name, version string, attrs PlatformAttributes) (*PlatformRecord, error) {
	payload := jsonapiDocument{Data: jsonapiResource{
		Type:       "registry-provider-version-platforms",
		Attributes: mustMarshal(attrs),
	}}
	path := c.providerPath(c.registryName, c.organization, name) + "/versions/" + version + "/platforms"
	status, body, err := c.do(ctx, http.MethodPost, path, &payload, c.apiTimeout)
	if err != nil {
		return nil, err
	}
	switch {
	case status == http.StatusCreated || status == http.StatusOK:
		var doc jsonapiDocument
		if err := json.Unmarshal(body, &doc); err != nil {
			return nil, errors.Wrap(err, "decoding platform response")
		}
		return &PlatformRecord{
			OS:           attrs.OS,
			Arch:         attrs.Arch,
			SHASum:       attrs.SHASum,
			Filename:     attrs.Filename,
			BinaryUpload: doc.Data.Links["provider-binary-upload"],
		}, nil
	case isConflictStatus(status, body):
		return nil, errors.Mark(errors.Newf("platform %s_%s of %s %s already exists", attrs.OS, attrs.Arch, name, version), errcode.ErrRegistryConflict)
	default:
		return nil, errors.Newf("creating platform %s_%s of %s %s: status %d: %s", attrs.OS, attrs.Arch, name, version, status, strings.TrimSpace(string(body)))
	}
}

// ListProviders lists every provider in the organization's registry,
// following pagination.
func (c *Client) ListProviders(ctx context.Context) ([]ProviderRecord, error) {
	var records []ProviderRecord
	err := c.paginate(ctx, c.providersPath(), func(res jsonapiResource) error {
		var attrs struct {
			Name         string `json:"name"`
			Namespace    string `json:"namespace"`
			RegistryName string `json:"registry-name"`
		}
		if err := json.Unmarshal(res.Attributes, &attrs); err != nil {
			return errors.Wrap(err, "decoding provider attributes")
		}
		if attrs.RegistryName == "" {
			attrs.RegistryName = c.registryName
		}
		if attrs.Namespace == "" {
			attrs.Namespace = c.organization
		}
		records = append(records, ProviderRecord(attrs))
		return nil
	})
	if err != nil {
		return nil, errors.Wrap(err, "listing providers")
	}
	return records, nil
}

// ListVersions lists all versions of one provider, following pagination.
func (c *Client) ListVersions(ctx context.Context, registryName, namespace, name string) ([]provider.VersionRecord, error) {
	path := c.providerPath(registryName, namespace, name) + "/versions"
	var records []provider.VersionRecord
	err := c.paginate(ctx, path, func(res jsonapiResource) error {
		var attrs versionAttributes
		if err := json.Unmarshal(res.Attributes, &attrs); err != nil {
			return errors.Wrap(err, "decoding version attributes")
		}
		createdAt, _ := time.Parse(time.RFC3339, attrs.CreatedAt)
		records = append(records, provider.VersionRecord{
			Namespace: namespace,
			Name:      name,
			Version:   attrs.Version,
			CreatedAt: createdAt,
		})
		return nil
	})
	if err != nil {
		return nil, errors.Wrapf(err, "listing versions of %s/%s", namespace, name)
	}
	return records, nil
}

// DeleteVersion removes one version from the destination registry. A
// missing version is logged and treated as already deleted.
func (c *Client) DeleteVersion(ctx context.Context, registryName, namespace, name, version string) error {
	path := c.providerPath(registryName, namespace, name) + "/versions/" + version
	status, body, err := c.do(ctx, http.MethodDelete, path, nil, c.apiTimeout)
	if err != nil {
		return errors.Mark(err, errcode.ErrDeletion)
	}
	switch status {
	case http.StatusOK, http.StatusNoContent:
		return nil
	case http.StatusNotFound:
		slog.Warn("version already absent from destination registry", "provider", namespace+"/"+name, "version", version)
		return nil
	default:
		return errors.Mark(errors.Newf("deleting version %s of %s/%s: status %d: %s", version, namespace, name, status, strings.TrimSpace(string(body))), errcode.ErrDeletion)
	}
}

// UploadArchive PUTs an artifact to a presigned upload URL. The URL embeds
// its own authorization; no bearer token is attached.
func (c *Client) UploadArchive(ctx context.Context, uploadURL string, r io.Reader, size int64) error {
	uploadCtx := ctx
	var cancel context.CancelFunc
	if c.uploadTimeout > 0 {
		uploadCtx, cancel = context.WithTimeout(ctx, c.uploadTimeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(uploadCtx, http.MethodPut, uploadURL, r)
	if err != nil {
		return errors.Wrap(err, "building upload request")
	}
	req.ContentLength = size
	req.Header.Set("Content-Type", "application/octet-stream")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return errors.Mark(errors.Wrap(err, "uploading artifact"), errcode.ErrUpstreamUnavailable)
	}
	defer closeBody(resp)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return errors.Newf("artifact upload returned status %d", resp.StatusCode)
	}
	return nil
}

// paginate GETs path and every links.next page, invoking visit per resource.
func (c *Client) paginate(ctx context.Context, path string, visit func(jsonapiResource) error) error {
	next := path
	for next != "" {
		status, body, err := c.do(ctx, http.MethodGet, next, nil, c.apiTimeout)
		if err != nil {
			return err
		}
		switch status {
		case http.StatusOK:
		case http.StatusNotFound:
			return errors.Mark(errors.Newf("not found: %s", next), errcode.ErrNotFound)
		default:
			return errors.Newf("unexpected status %d for %s", status, next)
		}

		var list jsonapiList
		if err := json.Unmarshal(body, &list); err != nil {
			return errors.Wrap(err, "decoding listing")
		}
		for _, res := range list.Data {
			if err := visit(res); err != nil {
				return err
			}
		}
		next = list.Links.Next
	}
	return nil
}

// do performs one authenticated API request and returns status and body.
// Transport-level failures carry the retryable marker; status handling is
// left to the caller since it differs per resource.
func (c *Client) do(ctx context.Context, method, path string, payload *jsonapiDocument, timeout time.Duration) (int, []byte, error) {
	reqCtx := ctx
	var cancel context.CancelFunc
	if timeout > 0 {
		reqCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	target := path
	if !strings.HasPrefix(path, "http") {
		// Pagination links arrive relative with a query string attached, so
		// they must be parsed as references, not treated as opaque paths.
		ref, err := url.Parse(path)
		if err != nil {
			return 0, nil, errors.Wrapf(err, "parsing request path %q", path)
		}
		target = c.base.ResolveReference(ref).String()
	}

	var body io.Reader
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			return 0, nil, errors.Wrap(err, "encoding request")
		}
		body = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(reqCtx, method, target, body)
	if err != nil {
		return 0, nil, errors.Wrap(err, "building request")
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Content-Type", contentTypeJSONAPI)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, nil, errors.Mark(errors.Wrap(err, "destination registry request"), errcode.ErrUpstreamUnavailable)
	}
	defer closeBody(resp)

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, errors.Wrap(err, "reading response")
	}
	return resp.StatusCode, data, nil
}

func decodeVersion(body []byte) (*Version, error) {
	var doc jsonapiDocument
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil, errors.Wrap(err, "decoding version response")
	}
	var attrs versionAttributes
	if doc.Data.Attributes != nil {
		if err := json.Unmarshal(doc.Data.Attributes, &attrs); err != nil {
			return nil, errors.Wrap(err, "decoding version attributes")
		}
	}
	return &Version{
		Version:          attrs.Version,
		KeyID:            attrs.KeyID,
		SHASumsUploaded:  attrs.SHASumsUploaded,
		SHASumsUpload:    doc.Data.Links["shasums-upload"],
		SHASumsSigUpload: doc.Data.Links["shasums-sig-upload"],
	}, nil
}

// isConflictStatus reports whether the response indicates the resource
// already exists. TFE signals this with 409 or a 422 whose error detail
// mentions having been taken.
func isConflictStatus(status int, body []byte) bool {
	if status == http.StatusConflict {
		return true
	}
	if status != http.StatusUnprocessableEntity {
		return false
	}
	text := strings.ToLower(string(body))
	return strings.Contains(text, "already exists") || strings.Contains(text, "has already been taken")
}

func mustMarshal(v any) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return data
}

func closeBody(resp *http.Response) {
	if err := resp.Body.Close(); err != nil {
		slog.Warn("failed to close response body", "error", err)
	}
}
