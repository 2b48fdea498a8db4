// Package origin validates browser Origin headers for the WebSocket upgrade.
package origin

import (
	"net/url"
	"strings"
)

// Normalize validates a browser Origin header and returns it in canonical
// scheme://host[:port] form, with default ports stripped.
//
// The special Origin value "null" (sandboxed documents, file://) is accepted
// and returned as-is; whether it is allowed is up to the policy.
func Normalize(header string) (string, bool) {
	trimmed := strings.TrimSpace(header)
	if trimmed == "" {
		return "", false
	}
	if trimmed == "null" {
		return "null", true
	}

	u, err := url.Parse(trimmed)
	if err != nil || u.Host == "" || u.User != nil || u.RawQuery != "" || u.Fragment != "" {
		return "", false
	}
	if u.Path != "" && u.Path != "/" {
		return "", false
	}

	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return "", false
	}

	host := strings.ToLower(u.Host)
	host = strings.TrimSuffix(host, defaultPortSuffix(scheme))

	return scheme + "://" + host, true
}

// Allowed reports whether a normalized origin may open a signaling channel to
// requestHost (the HTTP Host header).
//
// With a non-empty allowlist, each entry must be "*" or a normalized origin.
// Otherwise the default policy is same-host: host[:port] must match the
// request's Host, treating default ports as absent. Scheme is deliberately
// not compared because a TLS-terminating proxy may downgrade it.
func Allowed(normalizedOrigin, requestHost string, allowlist []string) bool {
	if len(allowlist) > 0 {
		for _, allowed := range allowlist {
			if allowed == "*" || allowed == normalizedOrigin {
				return true
			}
		}
		return false
	}

	scheme, originHost, ok := strings.Cut(normalizedOrigin, "://")
	if !ok {
		// "null" and anything un-normalized never match a host-based request.
		return false
	}

	reqHost := strings.ToLower(strings.TrimSpace(requestHost))
	reqHost = strings.TrimSuffix(reqHost, defaultPortSuffix(scheme))
	return reqHost != "" && originHost == reqHost
}

func defaultPortSuffix(scheme string) string {
	switch scheme {
	case "http":
		return ":80"
	case "https":
		return ":443"
	default:
		return ""
	}
}
