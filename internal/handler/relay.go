package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/labstack/echo/v4"

	"relay-proxy-go/internal/config"
	"relay-proxy-go/internal/model"
	"relay-proxy-go/internal/realtime"
	"relay-proxy-go/internal/service"
	"relay-proxy-go/internal/urlcodec"
	"relay-proxy-go/internal/worker"
)

// errBadTarget marks a target that could not be decoded or resolved.
var errBadTarget = errors.New("invalid URL parameter")

// RelayHandler serves the relay mount: redirects, relayed fetches and
// WebSocket upgrades.
type RelayHandler struct {
	service *service.RelayService
	peers   *realtime.PeerSet
	mount   string
	logger  *slog.Logger
}

// NewRelayHandler creates a RelayHandler.
func NewRelayHandler(svc *service.RelayService, peers *realtime.PeerSet, cfg *config.Config, logger *slog.Logger) *RelayHandler {
	return &RelayHandler{
		service: svc,
		peers:   peers,
		mount:   cfg.Relay.Prefix,
		logger:  logger.With("component", "relay_handler"),
	}
}

// Redirect answers GET on the bare mount (/go?url=...) with a redirect to the
// encoded relay path.
func (h *RelayHandler) Redirect(c echo.Context) error {
	path, err := urlcodec.BuildRedirect(h.mount, c.QueryParam("url"))
	if err != nil {
		return c.String(http.StatusBadRequest, "Missing URL parameter")
	}
	return c.Redirect(http.StatusFound, path)
}

// Handle serves everything under the mount. Upgrade requests join the
// realtime channel; all others are relayed to the target in the path.
func (h *RelayHandler) Handle(c echo.Context) error {
	req := c.Request()

	if realtime.IsUpgrade(req) {
		if err := h.peers.Serve(c.Response(), req); err != nil {
			h.logger.Warn("websocket upgrade rejected",
				"err", err,
				"remote", c.RealIP(),
			)
		}
		return nil
	}

	target, err := h.target(req)
	if err != nil {
		return h.mapError(c, err)
	}

	resp, err := h.service.Relay(&model.RelayRequest{
		Ctx:       req.Context(),
		Method:    req.Method,
		TargetURL: target,
		Header:    req.Header,
		Body:      req.Body,

		ContentLength: req.ContentLength,
	})
	if err != nil {
		return h.mapError(c, err)
	}

	header := c.Response().Header()
	for key, vals := range resp.Header {
		for _, v := range vals {
			header.Add(key, v)
		}
	}
	switch {
	case req.Method != http.MethodHead:
		header.Set(echo.HeaderContentLength, strconv.Itoa(len(resp.Body)))
	case resp.ContentLength >= 0:
		// HEAD carries no body; report the length a GET would return.
		header.Set(echo.HeaderContentLength, strconv.FormatInt(resp.ContentLength, 10))
	}
	c.Response().WriteHeader(resp.StatusCode)
	if _, err := c.Response().Write(resp.Body); err != nil {
		h.logger.Debug("writing response body", "err", err)
	}
	return nil
}

// target extracts the upstream URL from the request path. The path form is
// preferred over echo's wildcard param so both /go/https%3A%2F%2Fx and
// /go/https://x/ arrive intact; a trailing raw query belongs to the target.
func (h *RelayHandler) target(req *http.Request) (string, error) {
	embedded, _ := strings.CutPrefix(req.URL.EscapedPath(), h.mount)
	if embedded == "" {
		return "", service.ErrMissingTarget
	}
	target, err := urlcodec.Decode(embedded)
	if err != nil {
		return "", errors.Join(errBadTarget, err)
	}
	if req.URL.RawQuery != "" {
		target += "?" + req.URL.RawQuery
	}

	target, err = urlcodec.ResolveRelative(target, req.Referer(), h.mount)
	if err != nil {
		return "", errors.Join(errBadTarget, err)
	}
	return target, nil
}

func (h *RelayHandler) mapError(c echo.Context, err error) error {
	path := c.Request().URL.Path

	if errors.Is(err, service.ErrMissingTarget) {
		h.logger.Debug("relay request without target", "path", path)
		return c.JSON(http.StatusBadRequest, map[string]string{
			"error": "Missing URL parameter",
		})
	}
	if errors.Is(err, errBadTarget) {
		h.logger.Debug("relay request with invalid target", "err", err, "path", path)
		return c.JSON(http.StatusBadRequest, map[string]string{
			"error": "Invalid URL parameter",
		})
	}

	var fe *worker.FetchError
	if errors.As(err, &fe) {
		level := slog.LevelError
		if errors.Is(err, context.Canceled) {
			level = slog.LevelDebug
		}
		h.logger.Log(c.Request().Context(), level, "relay fetch failed",
			"kind", fe.Kind,
			"err", err,
		)
		return c.JSON(http.StatusInternalServerError, map[string]string{
			"error": "upstream request failed",
		})
	}

	h.logger.Error("relay error", "err", err, "path", path)
	return c.JSON(http.StatusInternalServerError, map[string]string{
		"error": "internal error",
	})
}

// Prefix reports the relay mount so client pages can build relay links.
func (h *RelayHandler) Prefix(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{
		"prefix": h.mount,
	})
}
