// Package service implements the core relay pipeline: fetch, rewrite, sanitize.
package service

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"

	"relay-proxy-go/internal/config"
	"relay-proxy-go/internal/model"
	"relay-proxy-go/internal/rewrite"
	"relay-proxy-go/internal/sanitize"
	"relay-proxy-go/internal/worker"
)

// ErrMissingTarget is returned when a relay request carries no target URL.
var ErrMissingTarget = errors.New("missing URL parameter")

// forwardableRequestHeaders are the only request headers sent upstream.
// Cookies, credentials and Accept-Encoding stay behind: the relay must see
// an uncompressed body to rewrite it.
var forwardableRequestHeaders = []string{
	"Accept",
	"Accept-Language",
	"Content-Type",
	"User-Agent",
	"Range",
	"If-None-Match",
	"If-Modified-Since",
}

// forwardableResponseHeaders are the only upstream response headers returned
// to the client. Content-Length is recomputed after rewriting.
var forwardableResponseHeaders = map[string]bool{
	"Content-Type":        true,
	"Cache-Control":       true,
	"Date":                true,
	"Etag":                true,
	"Last-Modified":       true,
	"Expires":             true,
	"Content-Language":    true,
	"Content-Disposition": true,
	"Accept-Ranges":       true,
	"Content-Range":       true,
}

// Dispatcher hands a request to a fetch worker and waits for the outcome.
type Dispatcher interface {
	Fetch(req *model.RelayRequest) (*model.RelayResponse, error)
}

// RelayService runs one relay request through the fetch, rewrite and
// sanitize stages.
type RelayService struct {
	pool      Dispatcher
	rewriter  *rewrite.Rewriter
	sanitizer *sanitize.Sanitizer
	userAgent string
	logger    *slog.Logger
}

// NewRelayService creates a RelayService backed by the worker pool.
func NewRelayService(p *worker.Pool, rw *rewrite.Rewriter, s *sanitize.Sanitizer, cfg *config.Config, logger *slog.Logger) *RelayService {
	return newRelayService(p, rw, s, cfg, logger)
}

func newRelayService(d Dispatcher, rw *rewrite.Rewriter, s *sanitize.Sanitizer, cfg *config.Config, logger *slog.Logger) *RelayService {
	return &RelayService{
		pool:      d,
		rewriter:  rw,
		sanitizer: s,
		userAgent: cfg.Upstream.UserAgent,
		logger:    logger.With("component", "relay_service"),
	}
}

// Relay fetches req.TargetURL and returns the response the client should see.
// HTML bodies are rewritten so their links route back through the relay and
// then sanitized; other bodies pass through byte for byte.
func (s *RelayService) Relay(req *model.RelayRequest) (*model.RelayResponse, error) {
	if req.TargetURL == "" {
		return nil, ErrMissingTarget
	}
	target, err := url.Parse(req.TargetURL)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMissingTarget, err)
	}

	out := &model.RelayRequest{
		Ctx:       req.Ctx,
		Method:    req.Method,
		TargetURL: req.TargetURL,
		Header:    s.filterRequestHeaders(req.Header, target),
	}
	if req.Method != http.MethodGet && req.Method != http.MethodHead {
		out.Body = req.Body
		out.ContentLength = req.ContentLength
	}

	s.logger.Debug("relaying request",
		"method", req.Method,
		"host", target.Host,
	)

	resp, err := s.pool.Fetch(out)
	if err != nil {
		return nil, fmt.Errorf("relay %s: %w", target.Host, err)
	}

	if rewrite.IsHTML(resp.ContentType) {
		// Links resolve against the page that was actually served.
		base := target
		if resp.FinalURL != nil {
			base = resp.FinalURL
		}
		body := s.rewriter.Rewrite(string(resp.Body), resp.ContentType, base)
		if s.sanitizer != nil {
			body = s.sanitizer.Sanitize(body, resp.ContentType)
		}
		resp.Body = []byte(body)
	}
	resp.Header = filterResponseHeaders(resp.Header)
	return resp, nil
}

func (s *RelayService) filterRequestHeaders(src http.Header, target *url.URL) http.Header {
	dst := make(http.Header)
	for _, key := range forwardableRequestHeaders {
		if vals := src.Values(key); len(vals) > 0 {
			dst[http.CanonicalHeaderKey(key)] = vals
		}
	}
	if dst.Get("User-Agent") == "" && s.userAgent != "" {
		dst.Set("User-Agent", s.userAgent)
	}
	dst.Set("Referer", target.Scheme+"://"+target.Host+"/")
	return dst
}

func filterResponseHeaders(src http.Header) http.Header {
	dst := make(http.Header)
	for key, vals := range src {
		if forwardableResponseHeaders[http.CanonicalHeaderKey(key)] {
			dst[http.CanonicalHeaderKey(key)] = vals
		}
	}
	return dst
}
