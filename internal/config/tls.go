package config

import (
	"crypto/tls"
	"crypto/x509"
	"net/http"
	"net/url"
	"os"
	"time"

	"github.com/cockroachdb/errors"
)

// TLSConfig holds transport-level options for outbound HTTP. The CA bundle
// may come from a local file or from a secret by logical name (fetched by
// the caller and passed to BuildTLSConfig as extra PEM data).
type TLSConfig struct {
	MinVersion         string `toml:"min_version"`
	CABundlePath       string `toml:"ca_bundle_path"`
	CABundleSecretName string `toml:"ca_bundle_secret_name"`
}

// BuildTLSConfig assembles a tls.Config. extraPEM, when non-nil, is an
// additional CA bundle (typically retrieved from the secret store) appended
// to the system pool.
func (t *TLSConfig) BuildTLSConfig(extraPEM []byte) (*tls.Config, error) {
	conf := &tls.Config{
		MinVersion: tls.VersionTLS12,
	}

	switch t.MinVersion {
	case "", "1.2":
	case "1.3":
		conf.MinVersion = tls.VersionTLS13
	default:
		return nil, errors.New("unsupported minimum TLS version: " + t.MinVersion)
	}

	if t.CABundlePath == "" && extraPEM == nil {
		return conf, nil
	}

	pool, err := x509.SystemCertPool()
	if err != nil {
		pool = x509.NewCertPool()
	}
	if t.CABundlePath != "" {
		pem, err := os.ReadFile(t.CABundlePath)
		if err != nil {
			return nil, errors.Wrap(err, "reading CA bundle")
		}
		if !pool.AppendCertsFromPEM(pem) {
			return nil, errors.New("no certificates found in " + t.CABundlePath)
		}
	}
	if extraPEM != nil {
		if !pool.AppendCertsFromPEM(extraPEM) {
			return nil, errors.New("no certificates found in CA bundle secret")
		}
	}
	conf.RootCAs = pool
	return conf, nil
}

// NewHTTPClient builds an HTTP client with pooled transport, the configured
// TLS options, and an optional outbound proxy. Request deadlines are
// controlled by per-stage contexts, not a client-wide timeout.
func NewHTTPClient(tlsConfig *TLSConfig, proxy string, extraPEM []byte) (*http.Client, error) {
	tr := http.DefaultTransport.(*http.Transport).Clone()
	tr.MaxIdleConns = 100
	tr.MaxIdleConnsPerHost = 10
	tr.IdleConnTimeout = 90 * time.Second

	if tlsConfig != nil {
		conf, err := tlsConfig.BuildTLSConfig(extraPEM)
		if err != nil {
			return nil, err
		}
		tr.TLSClientConfig = conf
	}

	if proxy != "" {
		proxyURL, err := url.Parse(proxy)
		if err != nil {
			return nil, errors.Wrap(err, "proxy address")
		}
		tr.Proxy = http.ProxyURL(proxyURL)
	}

	return &http.Client{
		Transport: tr,
		Timeout:   0, // timeout is controlled by context
	}, nil
}
