package middleware

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"

	"relay-proxy-go/internal/metrics"
	"relay-proxy-go/internal/realtime"
)

// MetricsMiddleware returns an Echo middleware that records Prometheus metrics
// for each inbound request. Paths are labelled by route family, so every
// relayed target collapses onto the mount. WebSocket sessions are counted
// but kept out of the in-flight gauge and the latency histogram.
func MetricsMiddleware(m *metrics.Metrics) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			upgrade := realtime.IsUpgrade(req)
			if !upgrade {
				m.RequestsInFlight.Inc()
				defer m.RequestsInFlight.Dec()
			}

			start := time.Now()
			err := next(c)

			method := metrics.NormalizeMethod(req.Method)
			status := strconv.Itoa(responseStatus(c, err, upgrade))
			path := m.NormalizePath(req.URL.Path)

			m.RequestsTotal.WithLabelValues(method, status, path).Inc()
			if !upgrade {
				m.RequestDuration.WithLabelValues(method, status, path).Observe(time.Since(start).Seconds())
			}
			return err
		}
	}
}

// responseStatus reports the status the client will see. An *echo.HTTPError
// is written by Echo's error handler after us, and a hijacked upgrade never
// commits through the echo response.
func responseStatus(c echo.Context, err error, upgrade bool) int {
	var he *echo.HTTPError
	switch {
	case errors.As(err, &he):
		return he.Code
	case upgrade && err == nil && (!c.Response().Committed || c.Response().Status == http.StatusOK):
		// A failed handshake always writes a 4xx.
		return http.StatusSwitchingProtocols
	}
	return c.Response().Status
}
