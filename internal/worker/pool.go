// Package worker runs upstream fetches off the request-handling path.
//
// Every submission gets its own goroutine, its own outbound request and its
// own deadline; nothing mutable is shared between two fetches. A weighted
// semaphore bounds how many fetches may talk to upstreams at once, and time
// spent waiting for a slot counts against the fetch timeout, so a slow
// upstream can never hold a slot past its budget.
package worker

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"relay-proxy-go/internal/client"
	"relay-proxy-go/internal/config"
	"relay-proxy-go/internal/metrics"
	"relay-proxy-go/internal/model"
)

// Fetcher performs one upstream exchange.
type Fetcher interface {
	Fetch(ctx context.Context, req *model.RelayRequest) (*model.RelayResponse, error)
}

// Result is the completion value of a submitted fetch. Exactly one of
// Response and Err is set.
type Result struct {
	Response *model.RelayResponse
	Err      error
}

// Pool dispatches fetches to isolated workers.
type Pool struct {
	fetcher Fetcher
	sem     *semaphore.Weighted
	timeout time.Duration
	logger  *slog.Logger
	metrics *metrics.Metrics

	wg sync.WaitGroup
}

// NewPool creates a Pool backed by the upstream client.
func NewPool(c *client.UpstreamClient, cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) *Pool {
	return newPool(c, cfg.Upstream.MaxConcurrent, cfg.Upstream.UpstreamTimeout(), logger, m)
}

func newPool(f Fetcher, maxConcurrent int, timeout time.Duration, logger *slog.Logger, m *metrics.Metrics) *Pool {
	if maxConcurrent <= 0 {
		maxConcurrent = 1
	}
	return &Pool{
		fetcher: f,
		sem:     semaphore.NewWeighted(int64(maxConcurrent)),
		timeout: timeout,
		logger:  logger.With("component", "fetch_worker"),
		metrics: m,
	}
}

// Submit starts a worker for req and returns its completion handle. The
// channel receives exactly one Result and is never closed early, so a caller
// that stops listening does not leak the worker.
func (p *Pool) Submit(req *model.RelayRequest) <-chan Result {
	done := make(chan Result, 1)
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		resp, err := p.run(req)
		done <- Result{Response: resp, Err: err}
	}()
	return done
}

// Fetch submits req and waits for its result.
func (p *Pool) Fetch(req *model.RelayRequest) (*model.RelayResponse, error) {
	res := <-p.Submit(req)
	return res.Response, res.Err
}

// Close waits for in-flight workers to finish.
func (p *Pool) Close() {
	p.wg.Wait()
}

func (p *Pool) run(req *model.RelayRequest) (*model.RelayResponse, error) {
	parent := req.Ctx
	if parent == nil {
		parent = context.Background()
	}
	ctx := parent
	if p.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(parent, p.timeout)
		defer cancel()
	}

	if err := validateTarget(req.TargetURL); err != nil {
		return nil, p.fail(req, &FetchError{Kind: KindProtocol, Err: err})
	}

	if err := p.sem.Acquire(ctx, 1); err != nil {
		return nil, p.fail(req, &FetchError{Kind: Classify(err), Err: fmt.Errorf("wait for fetch slot: %w", err)})
	}
	defer p.sem.Release(1)

	if p.metrics != nil {
		p.metrics.WorkersBusy.Inc()
		defer p.metrics.WorkersBusy.Dec()
	}

	resp, err := p.fetcher.Fetch(ctx, req)
	if err != nil {
		return nil, p.fail(req, &FetchError{Kind: Classify(err), Err: err})
	}
	return resp, nil
}

func (p *Pool) fail(req *model.RelayRequest, fe *FetchError) error {
	if p.metrics != nil {
		p.metrics.FetchErrors.WithLabelValues(string(fe.Kind)).Inc()
	}
	p.logger.Debug("fetch failed",
		"kind", fe.Kind,
		"method", req.Method,
		"err", fe.Err,
	)
	return fe
}

// validateTarget rejects targets no HTTP client could fetch.
func validateTarget(target string) error {
	u, err := url.Parse(target)
	if err != nil {
		return fmt.Errorf("parse target URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("unsupported target scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("target URL %q has no host", target)
	}
	return nil
}
