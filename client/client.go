// Package client uploads local files to an fxupload server, resuming
// interrupted uploads from the last validated byte.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"strings"
	"time"

	"github.com/derektruong/fxupload"
	"github.com/derektruong/fxupload/transport/httpapi"
	"github.com/go-logr/logr"
	"github.com/hashicorp/go-retryablehttp"
)

const (
	defaultMaxRetryAttempts = 5
	defaultRetryDelay       = 500 * time.Millisecond
	defaultMaxRetryDelay    = 10 * time.Second
)

var (
	// ErrInterrupted is returned when the server stopped a chunk because
	// the upload was paused or cancelled.
	ErrInterrupted = errors.New("upload interrupted by the server")

	// ErrServer wraps unexpected statuses.
	ErrServer = errors.New("unexpected server response")
)

// Client talks to the upload API of an fxupload server. The client id
// cookie issued by the server is kept for the lifetime of the Client.
type Client struct {
	logger  logr.Logger
	baseURL string

	// api retries idempotent calls, chunks are retried by Upload after a
	// resynchronisation instead
	api    *retryablehttp.Client
	chunks *retryablehttp.Client

	sliceSize     int64
	rateLimit     float64
	maxAttempts   uint
	retryDelay    time.Duration
	maxRetryDelay time.Duration
	onProgress    func(sent, total int64)
}

// Option configures a Client.
type Option func(*Client)

// WithSliceSize overrides the chunk size advertised by the server.
func WithSliceSize(size int64) Option {
	return func(c *Client) {
		if size > 0 {
			c.sliceSize = size
		}
	}
}

// WithRateLimit throttles chunk bodies to bytesPerSec.
func WithRateLimit(bytesPerSec float64) Option {
	return func(c *Client) {
		c.rateLimit = max(bytesPerSec, 0)
	}
}

// WithRetry sets how many times a chunk is sent before Upload gives up,
// and the delays between attempts.
func WithRetry(attempts uint, delay, maxDelay time.Duration) Option {
	return func(c *Client) {
		if attempts > 0 {
			c.maxAttempts = attempts
		}
		if delay > 0 {
			c.retryDelay = delay
		}
		if maxDelay > 0 {
			c.maxRetryDelay = maxDelay
		}
	}
}

// WithProgress is called after every accepted chunk.
func WithProgress(fn func(sent, total int64)) Option {
	return func(c *Client) {
		c.onProgress = fn
	}
}

// WithCookieJar keeps the client id cookie in jar, so that uploads can be
// continued by another process sharing it.
func WithCookieJar(jar http.CookieJar) Option {
	return func(c *Client) {
		c.api.HTTPClient.Jar = jar
		c.chunks.HTTPClient.Jar = jar
	}
}

// New creates a client of the server at baseURL.
func New(logger logr.Logger, baseURL string, opts ...Option) (c *Client, err error) {
	var jar *cookiejar.Jar
	if jar, err = cookiejar.New(nil); err != nil {
		return
	}
	logger = logger.WithName("client")

	c = &Client{
		logger:        logger,
		baseURL:       strings.TrimRight(baseURL, "/"),
		api:           newRetryableClient(logger, jar, 3),
		chunks:        newRetryableClient(logger, jar, 0),
		maxAttempts:   defaultMaxRetryAttempts,
		retryDelay:    defaultRetryDelay,
		maxRetryDelay: defaultMaxRetryDelay,
	}
	for _, opt := range opts {
		opt(c)
	}
	return
}

func newRetryableClient(logger logr.Logger, jar http.CookieJar, retryMax int) *retryablehttp.Client {
	rc := retryablehttp.NewClient()
	rc.HTTPClient.Jar = jar
	rc.Logger = leveledLogger{logger.WithName("http")}
	rc.RetryMax = retryMax
	rc.RetryWaitMin = 100 * time.Millisecond
	rc.RetryWaitMax = 2 * time.Second
	rc.ErrorHandler = retryablehttp.PassthroughErrorHandler
	return rc
}

// Prepare declares an upload and returns its id.
func (c *Client) Prepare(ctx context.Context, name string, size int64) (fileID string, err error) {
	var out struct {
		FileID string `json:"fileID"`
	}
	err = c.call(ctx, http.MethodPost, "/uploads", fxupload.PrepareCommand{FileName: name, Size: size},
		http.StatusCreated, &out)
	return out.FileID, err
}

// PendingFiles lists the unfinished uploads of this client.
func (c *Client) PendingFiles(ctx context.Context) (config fxupload.Config, err error) {
	err = c.call(ctx, http.MethodGet, "/uploads", nil, http.StatusOK, &config)
	return
}

// Progress returns the progress of an upload.
func (c *Client) Progress(ctx context.Context, fileID string) (progress fxupload.Progress, err error) {
	err = c.call(ctx, http.MethodGet, "/uploads/"+fileID+"/progress", nil, http.StatusOK, &progress)
	return
}

// Pause pauses an upload.
func (c *Client) Pause(ctx context.Context, fileID string) error {
	return c.call(ctx, http.MethodPost, "/uploads/"+fileID+"/pause", nil, http.StatusNoContent, nil)
}

// Resume unpauses an upload and returns where it stands.
func (c *Client) Resume(ctx context.Context, fileID string) (file fxupload.PendingFile, err error) {
	err = c.call(ctx, http.MethodPost, "/uploads/"+fileID+"/resume", nil, http.StatusOK, &file)
	return
}

// Cancel deletes an upload.
func (c *Client) Cancel(ctx context.Context, fileID string) error {
	return c.call(ctx, http.MethodDelete, "/uploads/"+fileID, nil, http.StatusNoContent, nil)
}

// CancelAll deletes every upload of this client.
func (c *Client) CancelAll(ctx context.Context) error {
	return c.call(ctx, http.MethodDelete, "/uploads", nil, http.StatusNoContent, nil)
}

// SetRate sets the rate override of an upload in KB/s, 0 removes it.
func (c *Client) SetRate(ctx context.Context, fileID string, kbps int64) error {
	return c.call(ctx, http.MethodPut, "/uploads/"+fileID+"/rate",
		map[string]int64{"rateKBps": kbps}, http.StatusNoContent, nil)
}

// Verify asks the server to check its unvalidated tail against sum.
func (c *Client) Verify(ctx context.Context, fileID, sum string) error {
	return c.call(ctx, http.MethodPost, "/uploads/"+fileID+"/verify",
		map[string]string{"checksum": sum}, http.StatusNoContent, nil)
}

// FirstChunkChecksum returns the checksum of the first bytes stored by the
// server.
func (c *Client) FirstChunkChecksum(ctx context.Context, fileID string) (sum string, err error) {
	var out struct {
		Checksum string `json:"checksum"`
	}
	err = c.call(ctx, http.MethodGet, "/uploads/"+fileID+"/first-chunk-checksum", nil, http.StatusOK, &out)
	return out.Checksum, err
}

// SendChunk sends size bytes of body as the next chunk of an upload.
// newBody must return the same bytes on every call.
func (c *Client) SendChunk(
	ctx context.Context,
	fileID, sum string,
	newBody func() io.Reader,
	size int64,
) (err error) {
	var req *retryablehttp.Request
	if req, err = retryablehttp.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/uploads/"+fileID+"/chunks",
		retryablehttp.ReaderFunc(func() (io.Reader, error) { return newBody(), nil }),
	); err != nil {
		return
	}
	req.ContentLength = size
	req.Header.Set("Content-Type", "application/octet-stream")
	req.Header.Set(httpapi.ChecksumHeader, sum)

	var resp *http.Response
	if resp, err = c.chunks.Do(req); err != nil {
		return
	}
	defer resp.Body.Close()
	return checkResponse(resp, http.StatusNoContent)
}

func (c *Client) call(ctx context.Context, method, path string, in any, status int, out any) (err error) {
	var body any
	if in != nil {
		var raw []byte
		if raw, err = json.Marshal(in); err != nil {
			return
		}
		body = raw
	}
	var req *retryablehttp.Request
	if req, err = retryablehttp.NewRequestWithContext(ctx, method, c.baseURL+path, body); err != nil {
		return
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	var resp *http.Response
	if resp, err = c.api.Do(req); err != nil {
		return
	}
	defer resp.Body.Close()
	if err = checkResponse(resp, status); err != nil {
		return
	}
	if out != nil {
		if err = json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decode %s %s response: %w", method, path, err)
		}
	}
	return
}

// checkResponse turns an unexpected status into the matching error.
func checkResponse(resp *http.Response, expected int) error {
	if resp.StatusCode == expected {
		return nil
	}
	var body struct {
		Error string `json:"error"`
	}
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if jsonErr := json.Unmarshal(raw, &body); jsonErr != nil || body.Error == "" {
		body.Error = string(bytes.TrimSpace(raw))
	}

	switch resp.StatusCode {
	case http.StatusNotFound:
		return fmt.Errorf("%w: %s", fxupload.ErrUploadNotFound, body.Error)
	case http.StatusConflict:
		if strings.Contains(body.Error, fxupload.ErrUploadBusy.Error()) {
			return fmt.Errorf("%w: %s", fxupload.ErrUploadBusy, body.Error)
		}
		return fmt.Errorf("%w: %s", fxupload.ErrChecksumMismatch, body.Error)
	case httpapi.StatusClientClosedRequest:
		return fmt.Errorf("%w: %s", ErrInterrupted, body.Error)
	default:
		return &StatusError{StatusCode: resp.StatusCode, Message: body.Error}
	}
}

// StatusError is an unexpected response status. It matches ErrServer.
type StatusError struct {
	StatusCode int
	Message    string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("status %d: %s", e.StatusCode, e.Message)
}

func (e *StatusError) Is(target error) bool {
	return target == ErrServer
}

// Temporary reports whether the request may succeed when sent again.
func (e *StatusError) Temporary() bool {
	return e.StatusCode >= http.StatusInternalServerError || e.StatusCode == http.StatusTooManyRequests
}

// leveledLogger adapts logr to retryablehttp.
type leveledLogger struct {
	logger logr.Logger
}

func (l leveledLogger) Error(msg string, keysAndValues ...any) {
	l.logger.Info(msg, keysAndValues...)
}

func (l leveledLogger) Info(msg string, keysAndValues ...any) {
	l.logger.V(1).Info(msg, keysAndValues...)
}

func (l leveledLogger) Debug(msg string, keysAndValues ...any) {
	l.logger.V(2).Info(msg, keysAndValues...)
}

func (l leveledLogger) Warn(msg string, keysAndValues ...any) {
	l.logger.Info(msg, keysAndValues...)
}
