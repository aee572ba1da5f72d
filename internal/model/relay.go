// Package model defines shared types for the relay.
package model

import (
	"context"
	"io"
	"net/http"
	"net/url"
)

// RelayRequest is an inbound request to be fetched from TargetURL on the client's behalf.
type RelayRequest struct {
	Ctx       context.Context
	Method    string
	TargetURL string
	Header    http.Header
	Body      io.Reader // nil for bodiless methods

	// ContentLength is the inbound body length; -1 when unknown.
	ContentLength int64
}

// RelayResponse is a fully buffered upstream response. It is produced once per
// request by a fetch worker, consumed once by the router and never cached.
type RelayResponse struct {
	StatusCode  int
	Header      http.Header
	ContentType string
	Body        []byte

	// ContentLength is the length the upstream declared; -1 when unknown.
	// For HEAD it describes the body a GET would have returned.
	ContentLength int64

	// FinalURL is where the body was served from once redirects were followed.
	FinalURL *url.URL
}
