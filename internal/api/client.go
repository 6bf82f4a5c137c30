package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"go-kemono-download/internal/cookies"

	log "github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

const (
	DefaultUserAgent   = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0 Safari/537.36"
	ConnectTimeout     = 10 * time.Second
	DefaultReadTimeout = 120 * time.Second
	APIReadTimeout     = 60 * time.Second
	maxJSONBody        = 64 << 20
)

// DefaultBackoff is the wait before each retry of an API request.
var DefaultBackoff = []time.Duration{1 * time.Second, 2 * time.Second, 4 * time.Second}

type Options struct {
	UserAgent   string
	Cookies     map[string]string
	ReadTimeout time.Duration // Per-read idle timeout for streamed bodies
	Delay       time.Duration // Minimum spacing between API requests
	Backoff     []time.Duration
	Transport   http.RoundTripper
}

// Client is the single HTTP client shared by the fetcher and downloaders.
type Client struct {
	httpClient  *http.Client
	userAgent   string
	cookieHdr   string
	readTimeout time.Duration
	limiter     *rate.Limiter
	backoff     []time.Duration
}

// NewTransport returns the pooled transport with the connect timeout applied.
func NewTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   ConnectTimeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   ConnectTimeout,
		ResponseHeaderTimeout: DefaultReadTimeout,
		MaxIdleConns:          256,
		MaxIdleConnsPerHost:   64,
		IdleConnTimeout:       90 * time.Second,
		ForceAttemptHTTP2:     true,
	}
}

func NewClient(opts Options) *Client {
	transport := opts.Transport
	if transport == nil {
		transport = NewTransport()
	}
	c := &Client{
		httpClient:  &http.Client{Transport: transport},
		userAgent:   opts.UserAgent,
		cookieHdr:   cookies.Header(opts.Cookies),
		readTimeout: opts.ReadTimeout,
		backoff:     opts.Backoff,
	}
	if c.userAgent == "" {
		c.userAgent = DefaultUserAgent
	}
	if c.readTimeout <= 0 {
		c.readTimeout = DefaultReadTimeout
	}
	if c.backoff == nil {
		c.backoff = DefaultBackoff
	}
	if opts.Delay > 0 {
		c.limiter = rate.NewLimiter(rate.Every(opts.Delay), 1)
	}
	return c
}

// HasCookies reports whether requests carry a Cookie header.
func (c *Client) HasCookies() bool {
	return c.cookieHdr != ""
}

// Get issues one GET. Non-2xx responses are returned as *StatusError with
// the body closed. With stream set the body is returned unread and guarded by
// the idle read timeout; otherwise it is read into memory first.
func (c *Client) Get(ctx context.Context, rawURL string, headers map[string]string, stream bool) (*http.Response, error) {
	reqCtx, cancel := context.WithCancel(ctx)
	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, rawURL, nil)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("creating request for %s: %w", rawURL, err)
	}
	req.Header.Set("User-Agent", c.userAgent)
	if c.cookieHdr != "" {
		req.Header.Set("Cookie", c.cookieHdr)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		cancel()
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("GET %s: %w", rawURL, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		cancel()
		return nil, &StatusError{Code: resp.StatusCode, URL: rawURL}
	}

	body := newIdleTimeoutBody(resp.Body, c.readTimeout, cancel)
	if stream {
		resp.Body = body
		return resp, nil
	}
	data, err := io.ReadAll(io.LimitReader(body, maxJSONBody))
	body.Close()
	if err != nil {
		return nil, fmt.Errorf("reading body of %s: %w", rawURL, err)
	}
	resp.Body = io.NopCloser(bytes.NewReader(data))
	return resp, nil
}

// GetJSON fetches rawURL and decodes it into v, retrying retryable errors
// with the configured backoff. Each attempt waits on the rate limiter.
func (c *Client) GetJSON(ctx context.Context, rawURL string, v any) error {
	var lastErr error
	for attempt := 0; attempt <= len(c.backoff); attempt++ {
		if attempt > 0 {
			wait := c.backoff[attempt-1]
			log.WithError(lastErr).Warnf("Retrying (%d/%d) after %s...", attempt, len(c.backoff), wait)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(wait):
			}
		}
		if c.limiter != nil {
			if err := c.limiter.Wait(ctx); err != nil {
				return err
			}
		}

		lastErr = c.getJSONOnce(ctx, rawURL, v)
		if lastErr == nil {
			return nil
		}
		if Classify(lastErr) != ClassRetryable || ctx.Err() != nil {
			return lastErr
		}
	}
	log.WithError(lastErr).Errorf("Request failed after %d attempts: %s", len(c.backoff)+1, rawURL)
	return lastErr
}

func (c *Client) getJSONOnce(ctx context.Context, rawURL string, v any) error {
	// The API answers plain JSON clients with a DDoS-guard page unless asked for text/css.
	resp, err := c.Get(ctx, rawURL, map[string]string{"Accept": "text/css"}, false)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		log.WithError(err).Debugf("Undecodable response from %s", rawURL)
		return fmt.Errorf("%w: decoding %s: %v", ErrMalformed, rawURL, err)
	}
	return nil
}

// idleTimeoutBody cancels the request when a Read gets no bytes for
// timeout. The timer only runs while a Read is in flight, so time the caller
// spends between reads (a paused run) never counts. The transport's header
// timeout covers the wait for the first byte.
type idleTimeoutBody struct {
	body     io.ReadCloser
	timeout  time.Duration
	timer    *time.Timer
	cancel   context.CancelFunc
	timedOut atomic.Bool
}

func newIdleTimeoutBody(body io.ReadCloser, timeout time.Duration, cancel context.CancelFunc) *idleTimeoutBody {
	b := &idleTimeoutBody{body: body, timeout: timeout, cancel: cancel}
	b.timer = time.AfterFunc(timeout, func() {
		b.timedOut.Store(true)
		cancel()
	})
	b.timer.Stop()
	return b
}

func (b *idleTimeoutBody) Read(p []byte) (int, error) {
	if b.timedOut.Load() {
		return 0, ErrReadTimeout
	}
	b.timer.Reset(b.timeout)
	n, err := b.body.Read(p)
	b.timer.Stop()
	if b.timedOut.Load() {
		return n, ErrReadTimeout
	}
	return n, err
}

func (b *idleTimeoutBody) Close() error {
	b.timer.Stop()
	err := b.body.Close()
	b.cancel()
	return err
}

// ChunkIterator reads r in fixed-size chunks.
type ChunkIterator struct {
	r   io.Reader
	buf []byte
	err error
}

func NewChunkIterator(r io.Reader, size int) *ChunkIterator {
	if size <= 0 {
		size = 256 << 10
	}
	return &ChunkIterator{r: r, buf: make([]byte, size)}
}

// Next returns the next chunk; the slice is reused by the following call.
// Bytes read before an error are handed out first, the error (io.EOF at the
// end of the body) comes on the following call.
func (it *ChunkIterator) Next() ([]byte, error) {
	if it.err != nil {
		return nil, it.err
	}
	n := 0
	for n < len(it.buf) {
		m, err := it.r.Read(it.buf[n:])
		n += m
		if err != nil {
			it.err = err
			break
		}
	}
	if n > 0 {
		return it.buf[:n], nil
	}
	return nil, it.err
}
