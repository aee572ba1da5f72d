// Package middleware provides Echo middleware for logging, metrics and security.
package middleware

import (
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/labstack/echo/v4"

	"relay-proxy-go/internal/realtime"
	"relay-proxy-go/internal/urlcodec"
)

// RequestLogger returns an Echo middleware that logs each request with slog.
// Requests under mount are logged by target host only; the full relayed URL
// can carry credentials and is kept out of the log.
func RequestLogger(logger *slog.Logger, mount string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()

			err := next(c)

			req := c.Request()
			res := c.Response()

			attrs := []any{
				"method", req.Method,
				"status", res.Status,
				"duration_ms", time.Since(start).Milliseconds(),
				"request_id", res.Header().Get(echo.HeaderXRequestID),
				"remote_ip", c.RealIP(),
				"bytes_out", res.Size,
			}
			if host, ok := relayTargetHost(req.URL.EscapedPath(), mount); ok {
				attrs = append(attrs, "path", mount, "target_host", host)
			} else {
				attrs = append(attrs, "path", req.URL.Path)
			}
			if realtime.IsUpgrade(req) {
				attrs = append(attrs, "upgrade", true)
			}

			logger.Info("request", attrs...)

			return err
		}
	}
}

// relayTargetHost reports the upstream host named by a relay path.
func relayTargetHost(path, mount string) (string, bool) {
	if mount == "" {
		return "", false
	}
	embedded, ok := strings.CutPrefix(path, mount)
	if !ok {
		return "", false
	}
	target, err := urlcodec.Decode(embedded)
	if err != nil {
		return "", true
	}
	u, err := url.Parse(target)
	if err != nil {
		return "", true
	}
	return u.Host, true
}
