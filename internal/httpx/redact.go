package httpx

import (
	"net/url"
	"regexp"
	"strings"
)

// sensitiveParams are query parameters whose values are masked in logs.
var sensitiveParams = map[string]struct{}{
	"key":      {},
	"apikey":   {},
	"api_key":  {},
	"token":    {},
	"password": {},
	"secret":   {},
}

var bareCredRe = regexp.MustCompile(`://([^:/@]+):([^@]+)@`)

// Redact masks credentials in a URL so it can be logged safely: the
// userinfo password and any sensitive query parameter values are replaced
// with asterisks. Unparseable input falls back to a regex pass over the
// userinfo section.
func Redact(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return bareCredRe.ReplaceAllString(rawURL, "://$1:****@")
	}

	if u.User != nil {
		if _, has := u.User.Password(); has {
			u.User = url.UserPassword(u.User.Username(), "****")
		}
	}

	if u.RawQuery != "" {
		q := u.Query()
		changed := false
		for k := range q {
			if _, ok := sensitiveParams[strings.ToLower(k)]; ok {
				q.Set(k, "****")
				changed = true
			}
		}
		if changed {
			u.RawQuery = q.Encode()
		}
	}

	// url.UserPassword escapes the mask; undo it for readability.
	return strings.ReplaceAll(u.String(), "%2A%2A%2A%2A", "****")
}
