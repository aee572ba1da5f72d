// Package urlcodec encodes and decodes target URLs carried in relay paths.
package urlcodec

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// ErrMissingParameter is returned when a redirect is requested without a target URL.
var ErrMissingParameter = errors.New("missing URL parameter")

// Encode percent-encodes a target URL so it fits in a single path segment.
// The output matches JavaScript's encodeURIComponent for the characters that
// matter in URLs: spaces become %20, never '+'.
func Encode(target string) string {
	return strings.ReplaceAll(url.QueryEscape(target), "+", "%20")
}

// Decode reverses Encode. It performs no validation of scheme or host.
func Decode(segment string) (string, error) {
	s, err := url.PathUnescape(segment)
	if err != nil {
		return "", fmt.Errorf("decode relay path %q: %w", segment, err)
	}
	return s, nil
}

// BuildRedirect returns the relay path for target under mount.
func BuildRedirect(mount, target string) (string, error) {
	if target == "" {
		return "", ErrMissingParameter
	}
	return mount + Encode(target), nil
}

// ResolveRelative turns a scheme-less target into an absolute URL using the
// relayed page named by the referer, following browser resolution rules: a
// page fetched through /go/https://site.example/dir/page that requests
// /go/img/a.png resolves to https://site.example/dir/img/a.png. Absolute
// targets are returned unchanged.
func ResolveRelative(target, referer, mount string) (string, error) {
	u, err := url.Parse(target)
	if err != nil {
		return "", fmt.Errorf("parse target %q: %w", target, err)
	}
	if u.Scheme != "" {
		return target, nil
	}
	if referer == "" {
		return "", fmt.Errorf("cannot resolve relative target %q without a referer", target)
	}

	ref, err := url.Parse(referer)
	if err != nil {
		return "", fmt.Errorf("parse referer %q: %w", referer, err)
	}
	embedded, ok := strings.CutPrefix(ref.EscapedPath(), mount)
	if !ok {
		return "", fmt.Errorf("referer %q is not a relay path", referer)
	}
	embedded, err = Decode(embedded)
	if err != nil {
		return "", err
	}
	base, err := url.Parse(embedded)
	if err != nil || base.Scheme == "" || base.Host == "" {
		return "", fmt.Errorf("referer %q does not embed an absolute URL", referer)
	}

	return base.ResolveReference(u).String(), nil
}
