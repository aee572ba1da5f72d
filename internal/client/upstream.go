// Package client provides the upstream HTTP client used by fetch workers.
package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"relay-proxy-go/internal/config"
	"relay-proxy-go/internal/metrics"
	"relay-proxy-go/internal/model"
)

// ErrBodyTooLarge is returned when an upstream body exceeds upstream.max_body_bytes.
var ErrBodyTooLarge = errors.New("upstream body exceeds size limit")

// UpstreamClient sends requests to arbitrary upstream origins.
type UpstreamClient struct {
	httpClient   *http.Client
	logger       *slog.Logger
	metrics      *metrics.Metrics
	maxBodyBytes int64
}

// NewUpstreamClient creates an UpstreamClient with connection pooling and timeouts.
// The metrics parameter is optional; pass nil to disable upstream metrics recording.
// Redirects follow net/http's default policy.
func NewUpstreamClient(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) *UpstreamClient {
	transport := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		MaxIdleConns:        cfg.Upstream.IdleConnections,
		MaxIdleConnsPerHost: cfg.Upstream.IdleConnections,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
		DialContext: (&net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
	}

	return &UpstreamClient{
		httpClient: &http.Client{
			Transport: transport,
			Timeout:   cfg.Upstream.UpstreamTimeout(),
		},
		logger:       logger.With("component", "upstream_client"),
		metrics:      m,
		maxBodyBytes: cfg.Upstream.MaxBodyBytes,
	}
}

// Do executes an HTTP request against the upstream and returns the response
// with its body fully read and closed.
func (c *UpstreamClient) Do(req *http.Request) (*model.RelayResponse, error) {
	c.logger.Debug("upstream request",
		"method", req.Method,
		"host", req.URL.Host,
	)

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	duration := time.Since(start).Seconds()

	method := metrics.NormalizeMethod(req.Method)

	if err != nil {
		if c.metrics != nil {
			c.metrics.UpstreamDuration.WithLabelValues(method).Observe(duration)
		}
		return nil, fmt.Errorf("upstream request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := c.readBody(resp.Body)
	if c.metrics != nil {
		status := strconv.Itoa(resp.StatusCode)
		c.metrics.UpstreamDuration.WithLabelValues(method).Observe(time.Since(start).Seconds())
		c.metrics.UpstreamResponses.WithLabelValues(method, status).Inc()
	}
	if err != nil {
		return nil, err
	}

	return &model.RelayResponse{
		StatusCode:    resp.StatusCode,
		Header:        resp.Header,
		ContentType:   resp.Header.Get("Content-Type"),
		Body:          body,
		ContentLength: resp.ContentLength,
		FinalURL:      finalURL(resp, req),
	}, nil
}

// finalURL returns the URL of the last request in the redirect chain.
func finalURL(resp *http.Response, req *http.Request) *url.URL {
	if resp.Request != nil && resp.Request.URL != nil {
		return resp.Request.URL
	}
	return req.URL
}

// Fetch builds the outbound request for r and executes it. The provided
// context bounds the whole exchange, body read included. A known inbound body
// length is kept so the upstream sees a sized body rather than a chunked one.
func (c *UpstreamClient) Fetch(ctx context.Context, r *model.RelayRequest) (*model.RelayResponse, error) {
	req, err := http.NewRequestWithContext(ctx, r.Method, r.TargetURL, r.Body)
	if err != nil {
		return nil, fmt.Errorf("build upstream request: %w", err)
	}
	if r.Header != nil {
		req.Header = r.Header
	}
	if r.Body != nil && r.ContentLength > 0 {
		req.ContentLength = r.ContentLength
	}

	return c.Do(req)
}

func (c *UpstreamClient) readBody(r io.Reader) ([]byte, error) {
	if c.maxBodyBytes <= 0 {
		body, err := io.ReadAll(r)
		if err != nil {
			return nil, fmt.Errorf("read upstream body: %w", err)
		}
		return body, nil
	}

	body, err := io.ReadAll(io.LimitReader(r, c.maxBodyBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read upstream body: %w", err)
	}
	if int64(len(body)) > c.maxBodyBytes {
		return nil, fmt.Errorf("read upstream body: %w", ErrBodyTooLarge)
	}
	return body, nil
}
