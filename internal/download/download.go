// Package download fetches remote source artifacts over HTTP(S).
//
// A download that stops midway leaves its partial file in place. The next
// Fetch against the same destination asks the server for the remaining
// bytes with a Range request and appends them; servers that do not honor
// ranges get a fresh full download instead. Checksum verification is the
// caller's job.
package download

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"
)

// DefaultMaxRedirects bounds how many redirects a fetch follows.
const DefaultMaxRedirects = 10

const chunkSize = 32 * 1024

// ErrMissingContentLength is returned when the server does not report the
// size of the response body.
var ErrMissingContentLength = errors.New("server did not report a content length")

// StatusError reports a non-2xx HTTP response.
type StatusError struct {
	URL    string
	Code   int
	Status string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("GET %s: unexpected status %s", e.URL, e.Status)
}

// TransportError reports a failure to reach the server or to move the
// response body to disk. The partial file, if any, is left in place.
type TransportError struct {
	URL string
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.URL, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// Progress receives byte counts while a body is streamed.
type Progress interface {
	// Start is called once the response headers are in. done is the
	// number of bytes already on disk, total the expected final size.
	Start(url, dest string, done, total int64)
	Add(n int64)
	Done()
}

type nopProgress struct{}

func (nopProgress) Start(string, string, int64, int64) {}
func (nopProgress) Add(int64)                          {}
func (nopProgress) Done()                              {}

// Options configures a Manager.
type Options struct {
	// MaxRedirects is the redirect hop limit (0 = DefaultMaxRedirects).
	MaxRedirects int
	// Timeout bounds a single Fetch (0 = no deadline beyond the context).
	Timeout  time.Duration
	Progress Progress
	Logger   *slog.Logger
	// Transport overrides the HTTP transport, mainly for tests.
	Transport http.RoundTripper
}

// Manager performs downloads.
type Manager struct {
	client   *http.Client
	timeout  time.Duration
	progress Progress
	logger   *slog.Logger
}

// New creates a Manager.
func New(opts Options) *Manager {
	maxRedirects := opts.MaxRedirects
	if maxRedirects <= 0 {
		maxRedirects = DefaultMaxRedirects
	}
	progress := opts.Progress
	if progress == nil {
		progress = nopProgress{}
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	client := &http.Client{
		Transport: opts.Transport,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) > maxRedirects {
				return fmt.Errorf("stopped after %d redirects", maxRedirects)
			}
			return nil
		},
	}

	return &Manager{
		client:   client,
		timeout:  opts.Timeout,
		progress: progress,
		logger:   logger,
	}
}

// Fetch downloads url into dest, resuming a partial file when one exists.
func (m *Manager) Fetch(ctx context.Context, url, dest string) error {
	if m.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.timeout)
		defer cancel()
	}

	var offset int64
	if info, err := os.Stat(dest); err == nil && info.Mode().IsRegular() {
		offset = info.Size()
	}

	resp, err := m.get(ctx, url, offset)
	if err != nil {
		return err
	}
	if offset > 0 && !resumable(resp, offset) {
		m.logger.Debug("range not honored, restarting download",
			"url", url, "status", resp.StatusCode, "offset", offset)
		restart := resp.StatusCode == http.StatusRequestedRangeNotSatisfiable ||
			resp.StatusCode == http.StatusPartialContent
		offset = 0
		if restart {
			resp.Body.Close()
			if resp, err = m.get(ctx, url, 0); err != nil {
				return err
			}
		}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &StatusError{URL: url, Code: resp.StatusCode, Status: resp.Status}
	}
	if resp.ContentLength < 0 {
		return fmt.Errorf("GET %s: %w", url, ErrMissingContentLength)
	}

	var out *os.File
	if offset > 0 {
		m.logger.Info("resuming download", "url", url, "dest", dest, "offset", offset)
		out, err = os.OpenFile(dest, os.O_WRONLY|os.O_APPEND, 0)
	} else {
		m.logger.Info("downloading", "url", url, "dest", dest)
		out, err = os.OpenFile(dest, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	}
	if err != nil {
		return fmt.Errorf("opening %s: %w", dest, err)
	}

	total := offset + resp.ContentLength
	m.progress.Start(url, dest, offset, total)
	defer m.progress.Done()

	if err := m.stream(url, resp.Body, out); err != nil {
		out.Close()
		return err
	}
	if err := out.Close(); err != nil {
		return &TransportError{URL: url, Op: "write", Err: err}
	}
	return nil
}

func (m *Manager) get(ctx context.Context, url string, offset int64) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, &TransportError{URL: url, Op: "GET", Err: err}
	}
	// Transparent gzip decoding would hide the body length.
	req.Header.Set("Accept-Encoding", "identity")
	if offset > 0 {
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-", offset))
	}
	resp, err := m.client.Do(req)
	if err != nil {
		return nil, &TransportError{URL: url, Op: "GET", Err: err}
	}
	return resp, nil
}

// resumable reports whether resp continues the file exactly at offset.
func resumable(resp *http.Response, offset int64) bool {
	if resp.StatusCode != http.StatusPartialContent {
		return false
	}
	return strings.HasPrefix(resp.Header.Get("Content-Range"), fmt.Sprintf("bytes %d-", offset))
}

func (m *Manager) stream(url string, body io.Reader, out io.Writer) error {
	buf := make([]byte, chunkSize)
	for {
		n, readErr := body.Read(buf)
		if n > 0 {
			if _, err := out.Write(buf[:n]); err != nil {
				return &TransportError{URL: url, Op: "write", Err: err}
			}
			m.progress.Add(int64(n))
		}
		if errors.Is(readErr, io.EOF) {
			return nil
		}
		if readErr != nil {
			return &TransportError{URL: url, Op: "read", Err: readErr}
		}
	}
}
