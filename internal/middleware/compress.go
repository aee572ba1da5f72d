package middleware

import (
	"net/http"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"

	"relay-proxy-go/internal/realtime"
)

// Compress gzips responses. WebSocket handshakes are left alone since a
// compressing writer cannot be hijacked, and HEAD responses keep the
// Content-Length the upstream declared.
func Compress() echo.MiddlewareFunc {
	return echomw.GzipWithConfig(echomw.GzipConfig{
		Skipper: func(c echo.Context) bool {
			req := c.Request()
			return req.Method == http.MethodHead || realtime.IsUpgrade(req)
		},
		MinLength: 256,
	})
}
