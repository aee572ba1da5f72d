package middleware

import (
	"github.com/labstack/echo/v4"

	"relay-proxy-go/internal/realtime"
)

// hopByHopHeaders are headers that should not be forwarded by proxies.
var hopByHopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"TE",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// SecurityHeaders returns an Echo middleware that adds security headers and
// strips hop-by-hop request headers. WebSocket handshakes keep Connection and
// Upgrade, which the realtime channel needs to accept them.
func SecurityHeaders() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			upgrade := realtime.IsUpgrade(req)
			for _, h := range hopByHopHeaders {
				if upgrade && (h == "Connection" || h == "Upgrade") {
					continue
				}
				req.Header.Del(h)
			}

			// Set before next: a hijacked or already-written response
			// ignores later header changes.
			c.Response().Header().Set("X-Content-Type-Options", "nosniff")
			c.Response().Header().Set("X-Frame-Options", "SAMEORIGIN")
			c.Response().Header().Set("Referrer-Policy", "same-origin")

			return next(c)
		}
	}
}
