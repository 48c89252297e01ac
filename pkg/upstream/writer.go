// Package upstream implements the shepherd's best-effort append client: the
// single outbound call the whole process makes, POSTing each telemetry
// block (raw stdout/stderr bytes, a dynamic_utilization line, a
// runtime_summary line, ...) to the app service under a stable key.
package upstream

import (
	"bytes"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/hashicorp/go-retryablehttp"
)

// Writer appends byte blocks to a remote key-addressed log under a base
// service URL and task id. Failures are logged and returned, never fatal -
// per spec.md, telemetry delivery is best-effort and must never abort process
// supervision. Each write is a synchronous POST, so it blocks its caller until
// the request and any retries finish.
type Writer struct {
	baseURL string
	taskID  string
	client  *retryablehttp.Client
}

// Option configures a Writer.
type Option func(*Writer)

// WithMaxRetries overrides the retry count (default 4, matching
// retryablehttp's own default).
func WithMaxRetries(n int) Option {
	return func(w *Writer) { w.client.RetryMax = n }
}

// WithHTTPTimeout bounds each individual attempt.
func WithHTTPTimeout(d time.Duration) Option {
	return func(w *Writer) { w.client.HTTPClient.Timeout = d }
}

// New builds a Writer posting to baseURL under the given task id. Retries
// and backoff are provided by hashicorp/go-retryablehttp, configured with
// its exponential backoff policy; retryablehttp's own logger is disabled,
// and WriteBlock reports failures through slog so shepherd log lines stay
// uniform.
func New(baseURL, taskID string, opts ...Option) *Writer {
	client := retryablehttp.NewClient()
	client.Logger = nil
	client.RetryWaitMin = 200 * time.Millisecond
	client.RetryWaitMax = 5 * time.Second
	client.RetryMax = 4
	client.HTTPClient.Timeout = 10 * time.Second

	w := &Writer{baseURL: baseURL, taskID: taskID, client: client}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// WriteBlock appends body to the upstream log entry addressed by key. flush
// signals the receiving end that no further writes to this key will follow
// (e.g. the stdout/stderr EOF marker, or a terminal runtime_summary line).
// Errors are logged at Warn and returned to the caller, which logs and
// otherwise ignores them; they are never treated as fatal.
func (w *Writer) WriteBlock(key string, body []byte, flush bool) error {
	endpoint, err := w.endpoint(key, flush)
	if err != nil {
		slog.Warn("upstream: bad endpoint", "key", key, "err", err)
		return err
	}

	req, err := retryablehttp.NewRequest(http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		slog.Warn("upstream: request build failed", "key", key, "err", err)
		return err
	}
	req.Header.Set("Content-Type", "application/octet-stream")

	resp, err := w.client.Do(req)
	if err != nil {
		slog.Warn("upstream: write_block failed", "key", key, "flush", flush, "err", err)
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		err := fmt.Errorf("upstream: write_block for %q: unexpected status %s", key, resp.Status)
		slog.Warn("upstream: non-2xx response", "key", key, "status", resp.Status)
		return err
	}
	return nil
}

func (w *Writer) endpoint(key string, flush bool) (string, error) {
	u, err := url.Parse(w.baseURL)
	if err != nil {
		return "", err
	}
	u.Path = pathJoin(u.Path, "tasks", w.taskID, "blocks", key)
	q := u.Query()
	if flush {
		q.Set("flush", "1")
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func pathJoin(parts ...string) string {
	out := ""
	for _, p := range parts {
		if p == "" {
			continue
		}
		if out == "" {
			out = p
			continue
		}
		if out[len(out)-1] != '/' {
			out += "/"
		}
		out += trimLeadingSlash(p)
	}
	return out
}

func trimLeadingSlash(s string) string {
	for len(s) > 0 && s[0] == '/' {
		s = s[1:]
	}
	return s
}
