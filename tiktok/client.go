package tiktok

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"github.com/whisper-darkly/tiktok-recorder/cookies"
	"github.com/whisper-darkly/tiktok-recorder/logger"
)

// Platform and provider endpoints. Overridable for tests.
const (
	DefaultBaseURL    = "https://www.tiktok.com"
	DefaultWebcastURL = "https://webcast.tiktok.com"
	DefaultSignerURL  = "https://tikrec.com"
	DefaultRoomAPIURL = "https://tiktok.eulerstream.com"

	apiTimeout    = 30 * time.Second
	streamTimeout = 30 * time.Second // stall limit: response headers, then each read
)

// browserHeaders mimic a desktop Chrome session. The platform serves block
// pages to anything that looks like a bare HTTP library.
var browserHeaders = map[string]string{
	"Sec-Ch-Ua":                 `"Not/A)Brand";v="8", "Chromium";v="126"`,
	"Sec-Ch-Ua-Mobile":          "?0",
	"Sec-Ch-Ua-Platform":        `"Windows"`,
	"Accept-Language":           "en-US",
	"Upgrade-Insecure-Requests": "1",
	"User-Agent":                "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/126.0.6478.127 Safari/537.36",
	"Accept":                    "text/html,application/xhtml+xml,application/xml;q=0.9,image/avif,image/webp,image/apng,application/json,text/plain,*/*;q=0.8",
	"Sec-Fetch-Site":            "none",
	"Sec-Fetch-Mode":            "navigate",
	"Sec-Fetch-User":            "?1",
	"Sec-Fetch-Dest":            "document",
	"Referer":                   "https://www.tiktok.com/",
	"Origin":                    "https://www.tiktok.com",
}

// retryStatus lists the response codes worth retrying at the transport layer.
func retryStatus(code int) bool {
	switch code {
	case http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	}
	return false
}

// ClientConfig controls the outbound HTTP transport.
type ClientConfig struct {
	Proxy     string // optional proxy URL, validated by Probe
	UserAgent string // overrides the default Chrome UA if set
	Jar       *cookies.Jar
	Log       *logger.Logger

	// MaxAttempts is the per-request retry budget on 429/5xx (default 3).
	MaxAttempts int
	// Backoff is the base delay between transport retries (default 1s),
	// multiplied by the attempt number.
	Backoff time.Duration
	// StreamIdleTimeout is the per-read stall limit on media streams
	// (default 30s). A connection that stays open without delivering
	// bytes for this long is closed and surfaced as a read error.
	StreamIdleTimeout time.Duration
}

// Client issues platform requests with browser fingerprinting, pooled
// connections and bounded retry on throttling/server errors. One Client is
// shared by the resolver, the liveness fetcher and the recording loops;
// it is safe for concurrent use.
type Client struct {
	api    *http.Client // short-lived API calls, hard timeout
	stream *http.Client // long-lived media fetches, header timeout only

	jar         *cookies.Jar
	userAgent   string
	log         *logger.Logger
	maxAttempts int
	backoff     time.Duration
	idleTimeout time.Duration
}

// NewClient builds a Client. The proxy URL, if set, is parsed here but only
// verified against the network by Probe.
func NewClient(cfg ClientConfig) (*Client, error) {
	transport := &http.Transport{
		MaxIdleConns:          10,
		MaxIdleConnsPerHost:   10,
		IdleConnTimeout:       90 * time.Second,
		ResponseHeaderTimeout: 15 * time.Second,
	}
	if cfg.Proxy != "" {
		u, err := url.Parse(cfg.Proxy)
		if err != nil {
			return nil, fmt.Errorf("parse proxy %q: %w", cfg.Proxy, err)
		}
		transport.Proxy = http.ProxyURL(u)
	}

	if cfg.Jar == nil {
		cfg.Jar = cookies.Empty()
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = time.Second
	}
	if cfg.StreamIdleTimeout <= 0 {
		cfg.StreamIdleTimeout = streamTimeout
	}

	streamTransport := transport.Clone()
	streamTransport.ResponseHeaderTimeout = cfg.StreamIdleTimeout

	return &Client{
		api:         &http.Client{Transport: transport, Timeout: apiTimeout},
		stream:      &http.Client{Transport: streamTransport},
		jar:         cfg.Jar,
		userAgent:   cfg.UserAgent,
		log:         cfg.Log,
		maxAttempts: cfg.MaxAttempts,
		backoff:     cfg.Backoff,
		idleTimeout: cfg.StreamIdleTimeout,
	}, nil
}

// Probe verifies the proxy (or direct connection) by asking an IP echo
// service which address the platform will see. Returns the external IP.
func (c *Client) Probe(ctx context.Context) (string, error) {
	body, _, err := c.get(ctx, "https://ifconfig.me/ip", true)
	if err != nil {
		return "", fmt.Errorf("proxy probe: %w", err)
	}
	return strings.TrimSpace(string(body)), nil
}

// Get fetches a URL and returns the body. Retries on 429/5xx up to the
// configured budget; 4xx other than 429 is returned as an error with the
// status in the message.
func (c *Client) Get(ctx context.Context, rawURL string) ([]byte, error) {
	body, status, err := c.get(ctx, rawURL, true)
	if err != nil {
		return nil, err
	}
	if status >= 400 {
		return nil, fmt.Errorf("http %d: %s", status, http.StatusText(status))
	}
	return body, nil
}

// GetNoRedirect fetches a URL without following redirects and returns the
// status code alongside the body. Redirect-class statuses are not errors
// here: the geo-block check and the mobile-URL resolver inspect them.
func (c *Client) GetNoRedirect(ctx context.Context, rawURL string) (int, []byte, error) {
	body, status, err := c.get(ctx, rawURL, false)
	return status, body, err
}

func (c *Client) get(ctx context.Context, rawURL string, followRedirects bool) ([]byte, int, error) {
	client := c.api
	if !followRedirects {
		noRedirect := *c.api
		noRedirect.CheckRedirect = func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		}
		client = &noRedirect
	}

	var lastErr error
	for attempt := 1; attempt <= c.maxAttempts; attempt++ {
		if attempt > 1 {
			select {
			case <-time.After(time.Duration(attempt-1) * c.backoff):
			case <-ctx.Done():
				return nil, 0, ctx.Err()
			}
		}

		req, err := c.newRequest(ctx, rawURL)
		if err != nil {
			return nil, 0, err
		}

		resp, err := client.Do(req)
		if err != nil {
			lastErr = fmt.Errorf("http get %s: %w", req.URL.Host, err)
			if c.log != nil {
				c.log.Debug("request failed (attempt %d/%d): %v", attempt, c.maxAttempts, err)
			}
			continue
		}

		body, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			lastErr = fmt.Errorf("read body: %w", err)
			continue
		}

		if retryStatus(resp.StatusCode) && attempt < c.maxAttempts {
			lastErr = fmt.Errorf("http %d: %s", resp.StatusCode, http.StatusText(resp.StatusCode))
			if c.log != nil {
				c.log.Debug("retryable status %d (attempt %d/%d)", resp.StatusCode, attempt, c.maxAttempts)
			}
			continue
		}

		return body, resp.StatusCode, nil
	}
	return nil, 0, lastErr
}

// OpenStream starts a long-lived media download and returns the body reader.
// The caller owns the reader and must close it. Reads carry an idle
// watchdog: a server that holds the connection open without sending bytes
// gets cut off after the configured stall limit, so the caller's reconnect
// path takes over instead of blocking forever.
func (c *Client) OpenStream(ctx context.Context, rawURL string) (io.ReadCloser, error) {
	req, err := c.newRequest(ctx, rawURL)
	if err != nil {
		return nil, err
	}

	resp, err := c.stream.Do(req)
	if err != nil {
		return nil, fmt.Errorf("open stream: %w", err)
	}
	if resp.StatusCode >= 400 {
		resp.Body.Close()
		return nil, fmt.Errorf("open stream: http %d: %s", resp.StatusCode, http.StatusText(resp.StatusCode))
	}
	return newIdleBody(resp.Body, c.idleTimeout), nil
}

// idleBody wraps a streaming response body and closes it when no read
// completes within the timeout. ResponseHeaderTimeout only bounds the wait
// for headers; without this, a stalled upstream blocks Read indefinitely.
type idleBody struct {
	rc      io.ReadCloser
	timeout time.Duration
	timer   *time.Timer
	stalled atomic.Bool
}

func newIdleBody(rc io.ReadCloser, timeout time.Duration) *idleBody {
	b := &idleBody{rc: rc, timeout: timeout}
	b.timer = time.AfterFunc(timeout, func() {
		b.stalled.Store(true)
		rc.Close()
	})
	return b
}

func (b *idleBody) Read(p []byte) (int, error) {
	n, err := b.rc.Read(p)
	if b.stalled.Load() {
		return n, fmt.Errorf("stream stalled: no data for %s", b.timeout)
	}
	if err == nil {
		b.timer.Reset(b.timeout)
	}
	return n, err
}

func (b *idleBody) Close() error {
	b.timer.Stop()
	return b.rc.Close()
}

func (c *Client) newRequest(ctx context.Context, rawURL string) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	for k, v := range browserHeaders {
		req.Header.Set(k, v)
	}
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}
	if h := c.jar.Header(); h != "" {
		req.Header.Set("Cookie", h)
	}
	return req, nil
}

// bodyLooksBlocked reports whether a response body is an HTML page or an
// anti-automation challenge instead of the expected JSON.
func bodyLooksBlocked(body []byte) bool {
	s := strings.TrimSpace(string(body))
	return strings.HasPrefix(s, "<") ||
		strings.Contains(s, "<!DOCTYPE") ||
		strings.Contains(s, "Please wait")
}
