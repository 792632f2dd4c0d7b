package wikibase

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/hashicorp/go-hclog"
	"golang.org/x/time/rate"

	icdc "github.com/katasec/dstream-ingester-wikibase/internal/cdc"
)

const (
	defaultUserAgent = "dstream-ingester-wikibase/1.0"
	defaultTimeout   = 30 * time.Second
	defaultMaxBytes  = 64 * 1024 * 1024
)

// ClientConfig configures the HTTP client shared by the pager and the
// entity fetcher.
type ClientConfig struct {
	UserAgent string
	Timeout   time.Duration
	// RequestsPerSecond throttles outgoing requests. Zero disables it.
	RequestsPerSecond float64
	// MaxBytes caps a response body.
	MaxBytes int64
}

func (c *ClientConfig) defaults() {
	if c.UserAgent == "" {
		c.UserAgent = defaultUserAgent
	}
	if c.Timeout <= 0 {
		c.Timeout = defaultTimeout
	}
	if c.MaxBytes <= 0 {
		c.MaxBytes = defaultMaxBytes
	}
}

// Client performs GET requests against a Wikibase installation.
type Client struct {
	http    *http.Client
	limiter *rate.Limiter
	config  ClientConfig
	logger  hclog.Logger
}

// NewClient creates a Client.
func NewClient(cfg ClientConfig, logger hclog.Logger) *Client {
	cfg.defaults()
	if logger == nil {
		logger = hclog.NewNullLogger()
	}

	limiter := rate.NewLimiter(rate.Inf, 1)
	if cfg.RequestsPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), 1)
	}

	return &Client{
		http:    &http.Client{Timeout: cfg.Timeout},
		limiter: limiter,
		config:  cfg,
		logger:  logger,
	}
}

// Get fetches url and returns its body. Non-2xx responses are returned as
// *icdc.StatusError so they can be classified.
func (c *Client) Get(ctx context.Context, url string, accept string) ([]byte, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limit wait: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, icdc.NewFatalError(fmt.Errorf("new request: %w", err))
	}
	req.Header.Set("User-Agent", c.config.UserAgent)
	if accept != "" {
		req.Header.Set("Accept", accept)
	}

	c.logger.Trace("GET", "url", url)
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http get: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		// Drain so the connection can be reused.
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, &icdc.StatusError{StatusCode: resp.StatusCode, URL: url}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, c.config.MaxBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	if int64(len(body)) > c.config.MaxBytes {
		return nil, icdc.NewFatalError(fmt.Errorf("response from %s exceeds %d bytes", url, c.config.MaxBytes))
	}
	return body, nil
}
