package middleware

import (
	"net/http"
	"regexp"
	"strings"
)

// Redactor scrubs secrets from strings and headers before they are logged.
// Bodies are never logged; identity imports carry secret keys there.
type Redactor struct {
	rules  []redactRule
	masked map[string]struct{}
}

type redactRule struct {
	re   *regexp.Regexp
	repl string
}

// NewRedactor builds a Redactor. Authorization, Proxy-Authorization, Cookie
// and Set-Cookie are always masked; maskHeaders adds more (case-insensitive).
func NewRedactor(maskHeaders ...string) *Redactor {
	r := &Redactor{
		rules: []redactRule{
			{regexp.MustCompile(`\bnsec1[02-9ac-hj-np-z]{20,}\b`), "[REDACTED:nsec]"},
			{regexp.MustCompile(`\bncryptsec1[02-9ac-hj-np-z]{20,}\b`), "[REDACTED:ncryptsec]"},
			{regexp.MustCompile(`(?i)\b((?:secret|sk|seckey|passphrase|password)=)[^&\s]*`), "${1}[REDACTED]"},
			{regexp.MustCompile(`(?i)\b[a-z0-9._%+\-]+@[a-z0-9.\-]+\.[a-z]{2,}\b`), "[REDACTED:email]"},
		},
		masked: map[string]struct{}{
			"authorization":       {},
			"proxy-authorization": {},
			"cookie":              {},
			"set-cookie":          {},
		},
	}
	for _, h := range maskHeaders {
		if h = strings.ToLower(strings.TrimSpace(h)); h != "" {
			r.masked[h] = struct{}{}
		}
	}
	return r
}

// Scrub replaces every secret-looking substring of s.
func (r *Redactor) Scrub(s string) string {
	if s == "" {
		return s
	}
	for _, rule := range r.rules {
		s = rule.re.ReplaceAllString(s, rule.repl)
	}
	return s
}

// Headers flattens h for logging. Masked headers become "[REDACTED]", the
// rest are scrubbed.
func (r *Redactor) Headers(h http.Header) map[string]string {
	out := make(map[string]string, len(h))
	for k, vv := range h {
		if _, ok := r.masked[strings.ToLower(k)]; ok {
			out[k] = "[REDACTED]"
			continue
		}
		out[k] = r.Scrub(strings.Join(vv, ", "))
	}
	return out
}
