package handler

import (
	"log/slog"
	"net/http"
	"net/url"

	"github.com/labstack/echo/v4"

	"relay-proxy-go/internal/storage"
)

// StorageHandler exposes the key/value store over GET endpoints.
type StorageHandler struct {
	store  storage.Store
	logger *slog.Logger
}

// NewStorageHandler creates a StorageHandler.
func NewStorageHandler(s *storage.MemoryStore, logger *slog.Logger) *StorageHandler {
	return &StorageHandler{
		store:  s,
		logger: logger.With("component", "storage_handler"),
	}
}

// Store handles /storage/store/:key/:value.
func (h *StorageHandler) Store(c echo.Context) error {
	key := param(c, "key")
	h.store.Put(key, param(c, "value"))
	h.logger.Debug("value stored", "key", key)
	return c.String(http.StatusOK, "Stored successfully")
}

// Retrieve handles /storage/retrieve/:key. An absent key is not an error: it
// answers 200 with an empty body.
func (h *StorageHandler) Retrieve(c echo.Context) error {
	key := param(c, "key")
	v, ok := h.store.Get(key)
	if !ok {
		h.logger.Debug("value not found", "key", key)
	}
	return c.String(http.StatusOK, v)
}

// Remove handles /storage/remove/:key.
func (h *StorageHandler) Remove(c echo.Context) error {
	key := param(c, "key")
	h.store.Delete(key)
	h.logger.Debug("value removed", "key", key)
	return c.String(http.StatusOK, "Removed successfully")
}

// param returns a path parameter with percent-escapes decoded.
func param(c echo.Context, name string) string {
	raw := c.Param(name)
	if v, err := url.PathUnescape(raw); err == nil {
		return v
	}
	return raw
}
