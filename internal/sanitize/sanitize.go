// Package sanitize scrubs relayed HTML before it reaches the client.
package sanitize

import (
	"log/slog"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"relay-proxy-go/internal/config"
	"relay-proxy-go/internal/rewrite"
)

var urlAttrs = []string{"href", "src", "action", "formaction"}

// Sanitizer removes configured elements and script URLs from HTML bodies.
type Sanitizer struct {
	selector string
	stripJS  bool
	enabled  bool
	logger   *slog.Logger
}

// New creates a Sanitizer from the sanitize section of the config.
func New(cfg *config.Config, logger *slog.Logger) *Sanitizer {
	stripJS := cfg.Sanitize.StripJavaScriptURLs == nil || *cfg.Sanitize.StripJavaScriptURLs

	var sel []string
	for _, e := range cfg.Sanitize.StripElements {
		if e = strings.TrimSpace(e); e != "" {
			sel = append(sel, e)
		}
	}
	return &Sanitizer{
		selector: strings.Join(sel, ", "),
		stripJS:  stripJS,
		enabled:  cfg.SanitizeEnabled(),
		logger:   logger.With("component", "sanitizer"),
	}
}

// Enabled reports whether the sanitizer does anything at all.
func (s *Sanitizer) Enabled() bool {
	return s.enabled && (s.selector != "" || s.stripJS)
}

// Sanitize returns body with the configured elements removed and javascript:
// URLs dropped from link and source attributes. Non-HTML bodies, bodies with
// nothing to remove and bodies that fail to parse come back unchanged.
func (s *Sanitizer) Sanitize(body, contentType string) string {
	if !s.Enabled() || !rewrite.IsHTML(contentType) {
		return body
	}

	doc, err := goquery.NewDocumentFromReader(strings.NewReader(body))
	if err != nil {
		s.logger.Warn("could not parse HTML, leaving body as is", "err", err)
		return body
	}

	changed := 0
	if s.selector != "" {
		found := doc.Find(s.selector)
		changed += found.Length()
		found.Remove()
	}
	if s.stripJS {
		changed += stripScriptURLs(doc)
	}
	if changed == 0 {
		return body
	}

	out, err := doc.Html()
	if err != nil {
		s.logger.Warn("could not render sanitized HTML, leaving body as is", "err", err)
		return body
	}
	return out
}

func stripScriptURLs(doc *goquery.Document) int {
	n := 0
	for _, attr := range urlAttrs {
		doc.Find("[" + attr + "]").Each(func(_ int, sel *goquery.Selection) {
			v, _ := sel.Attr(attr)
			if isScriptURL(v) {
				sel.RemoveAttr(attr)
				n++
			}
		})
	}
	return n
}

func isScriptURL(v string) bool {
	v = strings.ToLower(strings.TrimSpace(v))
	// Browsers ignore embedded tabs and newlines in the scheme.
	v = strings.NewReplacer("\t", "", "\n", "", "\r", "").Replace(v)
	return strings.HasPrefix(v, "javascript:") || strings.HasPrefix(v, "vbscript:")
}
