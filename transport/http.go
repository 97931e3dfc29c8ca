package transport

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/cookiejar"
	"net/textproto"
	"net/url"
	"sort"
	"strconv"

	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/bitrise-io/go-utils/v2/retryhttp"
	"github.com/hashicorp/go-retryablehttp"
)

const maxResponseBodySize = 1024 * 1024

// HTTP uploads chunks as multipart requests understood by resumable.js compatible endpoints.
type HTTP struct {
	config  HTTPConfig
	target  *url.URL
	client  *retryablehttp.Client
	encoder *zstdEncoder
	logger  log.Logger
}

// NewHTTP creates an HTTP transport with a default client.
func NewHTTP(config HTTPConfig, logger log.Logger) (*HTTP, error) {
	client := retryhttp.NewClient(logger)
	client.HTTPClient = DefaultHTTPClient()
	return NewHTTPWithClient(config, client, logger)
}

// NewHTTPWithClient creates an HTTP transport on top of an existing client.
// Client level retries are switched off: retrying is up to the caller.
func NewHTTPWithClient(config HTTPConfig, client *retryablehttp.Client, logger log.Logger) (*HTTP, error) {
	config = config.withDefaults()

	target, err := url.Parse(config.Target)
	if err != nil {
		return nil, fmt.Errorf("parse target: %w", err)
	}
	if target.Scheme != "http" && target.Scheme != "https" {
		return nil, fmt.Errorf("target must be an http(s) URL, got: %q", config.Target)
	}

	client.RetryMax = 0
	client.CheckRetry = noRetry
	client.ErrorHandler = retryablehttp.PassthroughErrorHandler
	if client.HTTPClient == nil {
		client.HTTPClient = DefaultHTTPClient()
	}
	if config.Credentials == CredentialsInclude && client.HTTPClient.Jar == nil {
		jar, err := cookiejar.New(nil)
		if err != nil {
			return nil, fmt.Errorf("create cookie jar: %w", err)
		}
		client.HTTPClient.Jar = jar
	}
	if config.Credentials == CredentialsOmit {
		client.HTTPClient.Jar = nil
	}

	h := &HTTP{
		config: config,
		target: target,
		client: client,
		logger: logger,
	}
	if config.Compress {
		encoder, err := newZstdEncoder()
		if err != nil {
			return nil, err
		}
		h.encoder = encoder
	}

	return h, nil
}

// Probe asks the target whether the chunk is already stored.
// 200, 201 and 202 mean it is, every other status means it is not.
func (h *HTTP) Probe(ctx context.Context, req Request) (bool, error) {
	u := *h.target
	query := u.Query()
	for k, values := range h.params(req, req.Chunk.Span(req.FileSize)) {
		query[k] = values
	}
	u.RawQuery = query.Encode()

	httpReq, err := retryablehttp.NewRequestWithContext(ctx, h.config.TestMethod, u.String(), nil)
	if err != nil {
		return false, fmt.Errorf("create probe request: %w", err)
	}
	h.setHeaders(httpReq)

	resp, err := h.client.Do(httpReq)
	if err != nil {
		h.discard(resp)
		return false, Classify(ctx, err)
	}
	defer h.closeBody(resp.Body)
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxResponseBodySize))

	h.logger.Debugf("Probe chunk %d/%d of %s: HTTP %d", req.Chunk.Index+1, req.Chunk.Total, req.Chunk.FileID, resp.StatusCode)

	switch resp.StatusCode {
	case http.StatusOK, http.StatusCreated, http.StatusAccepted:
		return true, nil
	default:
		return false, nil
	}
}

// Upload sends the chunk payload as a multipart form.
func (h *HTTP) Upload(ctx context.Context, req Request) (Response, error) {
	body, contentType, err := h.multipartBody(req)
	if err != nil {
		return Response{}, err
	}

	httpReq, err := retryablehttp.NewRequestWithContext(ctx, h.config.UploadMethod, h.target.String(), body)
	if err != nil {
		return Response{}, fmt.Errorf("create upload request: %w", err)
	}
	h.setHeaders(httpReq)
	httpReq.Header.Set("Content-Type", contentType)
	httpReq.ContentLength = int64(len(body))

	resp, err := h.client.Do(httpReq)
	if err != nil {
		h.discard(resp)
		return Response{}, Classify(ctx, err)
	}
	defer h.closeBody(resp.Body)

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBodySize))
	if err != nil {
		return Response{}, Classify(ctx, fmt.Errorf("read response: %w", err))
	}

	h.logger.Debugf("Upload chunk %d/%d of %s (%d bytes): HTTP %d",
		req.Chunk.Index+1, req.Chunk.Total, req.Chunk.FileID, len(req.Payload), resp.StatusCode)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return Response{StatusCode: resp.StatusCode, Body: respBody}, Rejected(resp.StatusCode, respBody)
	}

	return Response{StatusCode: resp.StatusCode, Body: respBody}, nil
}

func (h *HTTP) params(req Request, currentSize int64) url.Values {
	values := url.Values{}
	for k, v := range h.config.Query {
		values.Set(k, v)
	}

	chunkSize := req.ChunkSize
	if chunkSize == 0 {
		chunkSize = req.Chunk.Length
	}

	values.Set("resumableChunkNumber", strconv.Itoa(req.Chunk.Index+1))
	values.Set("resumableChunkSize", strconv.FormatInt(chunkSize, 10))
	values.Set("resumableCurrentChunkSize", strconv.FormatInt(currentSize, 10))
	values.Set("resumableTotalSize", strconv.FormatInt(req.FileSize, 10))
	values.Set("resumableType", req.FileType)
	values.Set("resumableIdentifier", req.Chunk.FileID)
	values.Set("resumableFilename", req.FileName)
	values.Set("resumableRelativePath", req.RelativePath)
	values.Set("resumableTotalChunks", strconv.Itoa(req.Chunk.Total))
	return values
}

func (h *HTTP) multipartBody(req Request) ([]byte, string, error) {
	payload := req.Payload
	if h.encoder != nil {
		payload = h.encoder.encode(payload)
	}

	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)

	values := h.params(req, int64(len(req.Payload)))
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if err := writer.WriteField(k, values.Get(k)); err != nil {
			return nil, "", fmt.Errorf("write field %s: %w", k, err)
		}
	}

	partHeader := make(textproto.MIMEHeader)
	partHeader.Set("Content-Disposition", fmt.Sprintf(`form-data; name="%s"; filename="%s"`,
		escapeQuotes(h.config.FileParameterName), escapeQuotes(req.FileName)))
	partHeader.Set("Content-Type", "application/octet-stream")
	if h.encoder != nil {
		partHeader.Set("Content-Encoding", "zstd")
	}
	part, err := writer.CreatePart(partHeader)
	if err != nil {
		return nil, "", fmt.Errorf("create file part: %w", err)
	}
	if _, err := part.Write(payload); err != nil {
		return nil, "", fmt.Errorf("write file part: %w", err)
	}
	if err := writer.Close(); err != nil {
		return nil, "", fmt.Errorf("close multipart writer: %w", err)
	}

	return buf.Bytes(), writer.FormDataContentType(), nil
}

func (h *HTTP) setHeaders(req *retryablehttp.Request) {
	for k, v := range h.config.Headers {
		req.Header.Set(k, v)
	}
}

// discard releases a response returned together with an error.
func (h *HTTP) discard(resp *http.Response) {
	if resp != nil && resp.Body != nil {
		h.closeBody(resp.Body)
	}
}

func (h *HTTP) closeBody(body io.ReadCloser) {
	if err := body.Close(); err != nil {
		h.logger.Warnf("Failed to close response body: %s", err)
	}
}

// Close closes idle connections and releases the payload encoder.
func (h *HTTP) Close() error {
	if h.client.HTTPClient != nil {
		h.client.HTTPClient.CloseIdleConnections()
	}
	if h.encoder != nil {
		return h.encoder.close()
	}
	return nil
}

func noRetry(ctx context.Context, _ *http.Response, _ error) (bool, error) {
	if ctx.Err() != nil {
		return false, ctx.Err()
	}
	return false, nil
}

func escapeQuotes(s string) string {
	var b bytes.Buffer
	for _, r := range s {
		if r == '"' || r == '\\' {
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}
