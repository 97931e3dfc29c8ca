package transport

import (
	"net/http"
	"time"
)

// Credentials selects whether cookies set by the receiving side are kept and sent back.
type Credentials int

const (
	// CredentialsOmit sends no cookies. This is the default.
	CredentialsOmit Credentials = iota
	// CredentialsInclude keeps a cookie jar for the target.
	CredentialsInclude
)

// DefaultFileParameterName is the multipart field holding the chunk payload.
const DefaultFileParameterName = "file"

// HTTPConfig configures the HTTP transport.
type HTTPConfig struct {
	// Target is the upload endpoint. Probes go to the same URL.
	Target string

	// Query holds extra parameters sent with every upload and probe.
	Query map[string]string

	// Headers are added to every request.
	Headers map[string]string

	// UploadMethod is the method of chunk uploads.
	// Default: POST
	UploadMethod string

	// TestMethod is the method of probe requests.
	// Default: POST
	TestMethod string

	// FileParameterName is the multipart field name of the chunk payload.
	// Default: file
	FileParameterName string

	// Credentials ...
	// Default: CredentialsOmit
	Credentials Credentials

	// Compress encodes chunk payloads with zstd and marks the part with
	// Content-Encoding: zstd. The receiving side has to decode it.
	Compress bool
}

// DefaultHTTPConfig returns the default configuration for the given target.
func DefaultHTTPConfig(target string) HTTPConfig {
	return HTTPConfig{
		Target:            target,
		Query:             map[string]string{},
		Headers:           map[string]string{},
		UploadMethod:      http.MethodPost,
		TestMethod:        http.MethodPost,
		FileParameterName: DefaultFileParameterName,
		Credentials:       CredentialsOmit,
	}
}

func (c HTTPConfig) withDefaults() HTTPConfig {
	if c.UploadMethod == "" {
		c.UploadMethod = http.MethodPost
	}
	if c.TestMethod == "" {
		c.TestMethod = http.MethodPost
	}
	if c.FileParameterName == "" {
		c.FileParameterName = DefaultFileParameterName
	}
	return c
}

// DefaultHTTPClient creates an HTTP client tuned for chunk uploads.
func DefaultHTTPClient() *http.Client {
	return &http.Client{
		// No timeout - individual chunk timeouts are handled via context
		Timeout: 0,
		Transport: &http.Transport{
			MaxIdleConns:        50,
			MaxConnsPerHost:     20,
			IdleConnTimeout:     10 * time.Second,
			TLSHandshakeTimeout: 5 * time.Second,
			Proxy:               http.ProxyFromEnvironment,
		},
	}
}
