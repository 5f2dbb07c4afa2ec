package report

import (
	"net/url"
	"regexp"
	"strings"
)

// Git and the GitHub API can echo the token-injected clone URL or an
// Authorization header into error text; anything of that shape is redacted
// before it reaches a report.
var (
	reBearer    = regexp.MustCompile(`(?i)\b(bearer\s+)([a-z0-9\-\._~\+\/]+=*)`)
	reAccessURL = regexp.MustCompile(`(?i)(https?://)x-access-token:[^@\s]+@`)
	reApiKeyKV  = regexp.MustCompile(`(?i)\b(api[_-]?key|access[_-]?token|token|secret|authorization)\s*[:=]\s*([^\s,;]+)`)
	reGithubPAT = regexp.MustCompile(`\b(gh[pousr]|github_pat)_[A-Za-z0-9_]{20,}\b`)
)

// SanitizeText redacts credential-shaped substrings from report text.
func SanitizeText(s string) string {
	out := s
	out = reAccessURL.ReplaceAllString(out, "${1}<redacted>@")
	out = reBearer.ReplaceAllString(out, "${1}<redacted>")
	out = reApiKeyKV.ReplaceAllString(out, "${1}=<redacted>")
	out = reGithubPAT.ReplaceAllString(out, "<redacted>")
	return out
}

// SanitizeURL redacts credential userinfo and secret-bearing query parameters.
func SanitizeURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return SanitizeText(raw)
	}
	if u.User != nil {
		u.User = url.User("<redacted>")
	}
	q := u.Query()
	for k := range q {
		kl := strings.ToLower(k)
		if strings.Contains(kl, "token") ||
			strings.Contains(kl, "key") ||
			strings.Contains(kl, "secret") ||
			strings.Contains(kl, "auth") ||
			strings.Contains(kl, "pass") {
			q.Set(k, "<redacted>")
		}
	}
	u.RawQuery = q.Encode()
	return u.String()
}
