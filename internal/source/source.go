// Package source opens MRF documents from HTTP(S) URLs or local paths as
// sequential, decompressed byte streams.
package source

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

const (
	defaultBufferSize = 4 * 1024 * 1024
	defaultRetries    = 3
	defaultBackoffMin = 4 * time.Second
	defaultBackoffMax = 10 * time.Second
)

// StatusError is returned for non-2xx HTTP responses.
type StatusError struct {
	URL        string
	StatusCode int
	Status     string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("GET %s: %s", e.URL, e.Status)
}

// Temporary reports whether the status is worth retrying.
func (e *StatusError) Temporary() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
}

// Adapter opens documents. It is safe for concurrent use.
type Adapter struct {
	client        *http.Client
	timeout       time.Duration
	headerTimeout time.Duration
	retries       int
	backoffMin    time.Duration
	backoffMax    time.Duration
	bufSize       int
	log           zerolog.Logger
	sleep         func(ctx context.Context, d time.Duration) error
}

// Option configures an Adapter.
type Option func(*Adapter)

// WithTimeout bounds each Open, including reading the body. Zero disables.
func WithTimeout(d time.Duration) Option {
	return func(a *Adapter) { a.timeout = d }
}

// WithHeaderTimeout bounds an HTTP Open until response headers arrive,
// retries included. Reading the body is not covered. Zero disables.
func WithHeaderTimeout(d time.Duration) Option {
	return func(a *Adapter) { a.headerTimeout = d }
}

// WithRetries sets the number of HTTP attempts (minimum 1).
func WithRetries(n int) Option {
	return func(a *Adapter) {
		if n < 1 {
			n = 1
		}
		a.retries = n
	}
}

// WithBackoff sets the exponential backoff bounds between attempts.
func WithBackoff(min, max time.Duration) Option {
	return func(a *Adapter) {
		a.backoffMin = min
		a.backoffMax = max
	}
}

// WithBufferSize sets the read buffer size in bytes.
func WithBufferSize(n int) Option {
	return func(a *Adapter) {
		if n > 0 {
			a.bufSize = n
		}
	}
}

// WithHTTPClient replaces the HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(a *Adapter) { a.client = c }
}

// WithLogger sets the logger.
func WithLogger(l zerolog.Logger) Option {
	return func(a *Adapter) { a.log = l }
}

// New creates an Adapter.
func New(opts ...Option) *Adapter {
	a := &Adapter{
		client:     &http.Client{Transport: &http.Transport{Proxy: http.ProxyFromEnvironment, DisableCompression: true}},
		retries:    defaultRetries,
		backoffMin: defaultBackoffMin,
		backoffMax: defaultBackoffMax,
		bufSize:    defaultBufferSize,
		log:        zerolog.Nop(),
		sleep:      sleepCtx,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Open returns a decompressed stream for location, which may be an
// http(s) URL, a file:// URL or a local path. The caller must Close it.
func (a *Adapter) Open(ctx context.Context, location string) (io.ReadCloser, error) {
	var cancel context.CancelFunc
	if a.timeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, a.timeout)
	} else {
		ctx, cancel = context.WithCancel(ctx)
	}

	var (
		body     io.ReadCloser
		encoding string
		err      error
	)
	if isRemote(location) {
		body, encoding, err = a.connect(ctx, cancel, location)
	} else {
		body, err = os.Open(strings.TrimPrefix(location, "file://"))
	}
	if err != nil {
		cancel()
		return nil, fmt.Errorf("open %s: %w", location, err)
	}

	stream, err := newStream(ctx, body, encoding, location, a.bufSize, cancel)
	if err != nil {
		body.Close()
		cancel()
		return nil, fmt.Errorf("decode %s: %w", location, err)
	}
	return stream, nil
}

// connect runs get with the header timeout armed. When the timer fires it
// cancels ctx, which also ends any response that raced it.
func (a *Adapter) connect(ctx context.Context, cancel context.CancelFunc, url string) (io.ReadCloser, string, error) {
	if a.headerTimeout <= 0 {
		return a.get(ctx, url)
	}
	timer := time.AfterFunc(a.headerTimeout, cancel)
	body, encoding, err := a.get(ctx, url)
	if !timer.Stop() {
		if body != nil {
			body.Close()
		}
		return nil, "", fmt.Errorf("no response headers within %s: %w", a.headerTimeout, context.DeadlineExceeded)
	}
	return body, encoding, err
}

func (a *Adapter) get(ctx context.Context, url string) (io.ReadCloser, string, error) {
	var lastErr error
	for attempt := 0; attempt < a.retries; attempt++ {
		if attempt > 0 {
			wait := a.backoff(attempt)
			a.log.Warn().Err(lastErr).Str("url", url).Int("attempt", attempt+1).
				Dur("wait", wait).Msg("retrying fetch")
			if err := a.sleep(ctx, wait); err != nil {
				return nil, "", errors.Join(lastErr, err)
			}
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return nil, "", err
		}
		setBrowserHeaders(req)

		resp, err := a.client.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return nil, "", err
			}
			lastErr = err
			continue
		}
		if resp.StatusCode/100 == 2 {
			return resp.Body, resp.Header.Get("Content-Encoding"), nil
		}
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		resp.Body.Close()

		serr := &StatusError{URL: url, StatusCode: resp.StatusCode, Status: resp.Status}
		if !serr.Temporary() {
			return nil, "", serr
		}
		lastErr = serr
	}
	return nil, "", lastErr
}

// backoff doubles from one second, clamped to [backoffMin, backoffMax].
func (a *Adapter) backoff(attempt int) time.Duration {
	d := time.Second << uint(attempt)
	if d < a.backoffMin {
		d = a.backoffMin
	}
	if d > a.backoffMax {
		d = a.backoffMax
	}
	return d
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func isRemote(location string) bool {
	l := strings.ToLower(location)
	return strings.HasPrefix(l, "http://") || strings.HasPrefix(l, "https://")
}

// stream chains the decoders over the raw body and closes them all.
type stream struct {
	io.Reader
	closers []io.Closer
	cancel  context.CancelFunc
}

func (s *stream) Close() error {
	var errs []error
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i].Close(); err != nil {
			errs = append(errs, err)
		}
	}
	s.cancel()
	return errors.Join(errs...)
}

func newStream(ctx context.Context, body io.ReadCloser, encoding, name string, bufSize int, cancel context.CancelFunc) (*stream, error) {
	s := &stream{closers: []io.Closer{body}, cancel: cancel}

	var r io.Reader = body
	dec, closer, err := contentDecoder(r, encoding)
	if err != nil {
		return nil, err
	}
	if closer != nil {
		s.closers = append(s.closers, closer)
	}
	r = dec

	br := bufio.NewReaderSize(r, bufSize)
	codec := sniff(br, name)
	r, closer, err = codec.open(br)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", codec.name, err)
	}
	if closer != nil {
		s.closers = append(s.closers, closer)
	}

	if codec.name != "" {
		br = bufio.NewReaderSize(r, bufSize)
	}
	skipBOM(br)
	s.Reader = &ctxReader{ctx: ctx, r: br}
	return s, nil
}

func skipBOM(br *bufio.Reader) {
	bom, err := br.Peek(3)
	if err == nil && bom[0] == 0xEF && bom[1] == 0xBB && bom[2] == 0xBF {
		br.Discard(3)
	}
}

// ctxReader surfaces context cancellation from local reads, which do not
// observe the context on their own.
type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
