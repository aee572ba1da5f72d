// Package rewrite redirects URLs embedded in relayed HTML back through the relay mount.
package rewrite

import (
	"fmt"
	"mime"
	"net/url"
	"regexp"
	"strings"
)

// Placeholders expanded in rule replacements.
const (
	PlaceholderMount  = "{{mount}}"
	PlaceholderOrigin = "{{origin}}"
	PlaceholderScheme = "{{scheme}}"
)

// Rule is one ordered substitution. Match is a literal string unless Regex is
// set, in which case it is a Go regular expression and Replace may refer to
// its groups with ${n}.
type Rule struct {
	Name    string `yaml:"name,omitempty"`
	Match   string `yaml:"match"`
	Replace string `yaml:"replace"`
	Regex   bool   `yaml:"regex,omitempty"`
}

// DefaultRules are applied before any configured rules, in this order.
var DefaultRules = []Rule{
	{
		Name:    "protocol-relative attributes",
		Match:   `\b(href|src|action|poster)=(["'])//`,
		Replace: `${1}=${2}{{mount}}{{scheme}}://`,
		Regex:   true,
	},
	{
		Name:    "root-relative attributes",
		Match:   `\b(href|src|action|poster)=(["'])/`,
		Replace: `${1}=${2}{{mount}}{{origin}}/`,
		Regex:   true,
	},
	{
		Name:    "protocol-relative css url",
		Match:   `url\((["']?)//`,
		Replace: `url(${1}{{mount}}{{scheme}}://`,
		Regex:   true,
	},
	{
		Name:    "root-relative css url",
		Match:   `url\((["']?)/`,
		Replace: `url(${1}{{mount}}{{origin}}/`,
		Regex:   true,
	},
	{
		Name:    "absolute attributes",
		Match:   `\b(href|src|action|poster)=(["'])(https?://)`,
		Replace: `${1}=${2}{{mount}}${3}`,
		Regex:   true,
	},
	{
		Name:    "recaptcha script",
		Match:   "https://www.google.com/recaptcha/api.js",
		Replace: "{{mount}}https://www.google.com/recaptcha/api.js",
	},
}

type compiledRule struct {
	name    string
	re      *regexp.Regexp
	replace string
}

// Rewriter applies an ordered rule list to HTML bodies. It is safe for
// concurrent use.
type Rewriter struct {
	mount string
	rules []compiledRule
}

// New compiles rules in order for the given mount.
func New(mount string, rules []Rule) (*Rewriter, error) {
	rw := &Rewriter{mount: mount}
	for i, r := range rules {
		if r.Match == "" {
			return nil, fmt.Errorf("rule %d (%s): empty match", i, r.Name)
		}
		pattern := r.Match
		replace := r.Replace
		if !r.Regex {
			pattern = regexp.QuoteMeta(pattern)
			// Literal replacements must not expand $ group references.
			replace = strings.ReplaceAll(replace, "$", "$$")
		}
		re, err := regexp.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("rule %d (%s): compile %q: %w", i, r.Name, r.Match, err)
		}
		rw.rules = append(rw.rules, compiledRule{name: r.Name, re: re, replace: replace})
	}
	return rw, nil
}

// Mount returns the relay prefix the rewriter targets.
func (rw *Rewriter) Mount() string {
	return rw.mount
}

// IsHTML reports whether contentType denotes an HTML document or fragment.
func IsHTML(contentType string) bool {
	if contentType == "" {
		return false
	}
	mt, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		mt = strings.ToLower(strings.TrimSpace(strings.Split(contentType, ";")[0]))
	}
	switch mt {
	case "text/html", "application/xhtml+xml", "text/x-html-fragment":
		return true
	}
	return false
}

// Rewrite applies every rule in order to body when contentType is HTML and
// returns body untouched otherwise. target is the page being relayed and
// supplies {{origin}} and {{scheme}}; it may be nil, in which case rules that
// need it are skipped. Rewrite never fails.
func (rw *Rewriter) Rewrite(body, contentType string, target *url.URL) string {
	if !IsHTML(contentType) {
		return body
	}

	vars := rw.vars(target)
	for _, r := range rw.rules {
		if vars == nil && needsTarget(r.replace) {
			continue
		}
		body = rw.apply(r, body, vars)
	}
	return body
}

func (rw *Rewriter) vars(target *url.URL) *strings.Replacer {
	if target == nil || target.Scheme == "" || target.Host == "" {
		return nil
	}
	return strings.NewReplacer(
		PlaceholderMount, rw.mount,
		PlaceholderOrigin, target.Scheme+"://"+target.Host,
		PlaceholderScheme, target.Scheme,
	)
}

func needsTarget(replace string) bool {
	return strings.Contains(replace, PlaceholderOrigin) || strings.Contains(replace, PlaceholderScheme)
}

// apply substitutes every match of r in body, leaving alone any text that
// already routes through the mount so rules never stack on one another.
func (rw *Rewriter) apply(r compiledRule, body string, vars *strings.Replacer) string {
	matches := r.re.FindAllStringSubmatchIndex(body, -1)
	if len(matches) == 0 {
		return body
	}

	tmpl := r.replace
	if vars != nil {
		tmpl = vars.Replace(tmpl)
	} else {
		tmpl = strings.ReplaceAll(tmpl, PlaceholderMount, rw.mount)
	}

	var b strings.Builder
	b.Grow(len(body) + len(matches)*len(rw.mount))
	last := 0
	var dst []byte
	for _, m := range matches {
		if rw.relayed(body, m[0], m[1]) {
			continue
		}
		b.WriteString(body[last:m[0]])
		dst = r.re.ExpandString(dst[:0], tmpl, body, m)
		b.Write(dst)
		last = m[1]
	}
	if last == 0 {
		return body
	}
	b.WriteString(body[last:])
	return b.String()
}

// relayed reports whether the match at body[start:end] is already part of a
// relay path: either the mount sits right before it, or the match ends in the
// leading slash of the mount itself.
func (rw *Rewriter) relayed(body string, start, end int) bool {
	if rw.mount == "" {
		return false
	}
	if strings.HasSuffix(body[:start], rw.mount) {
		return true
	}
	if rest := strings.TrimPrefix(rw.mount, "/"); rest != "" && strings.HasSuffix(body[start:end], "/") {
		return strings.HasPrefix(body[end:], rest)
	}
	return false
}
