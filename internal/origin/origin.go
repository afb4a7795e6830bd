// Package origin validates browser Origin headers for the WebSocket upgrade
// and the cross-origin REST endpoints used by the consultation frontend.
package origin

import (
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
)

// NormalizeHeader validates an Origin header value and returns it as
// scheme://host[:port] (lower-cased, default port dropped) together with the
// host[:port] part.
//
// The opaque origin "null" is returned as-is with an empty host.
func NormalizeHeader(originHeader string) (normalized string, host string, ok bool) {
	trimmed := strings.TrimSpace(originHeader)
	switch trimmed {
	case "":
		return "", "", false
	case "null":
		return "null", "", true
	}

	u, err := url.Parse(trimmed)
	if err != nil || u.Host == "" || u.User != nil || u.RawQuery != "" || u.Fragment != "" || u.Opaque != "" {
		return "", "", false
	}
	if u.Path != "" && u.Path != "/" {
		return "", "", false
	}
	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return "", "", false
	}

	host, ok = canonicalHost(u.Host, scheme)
	if !ok {
		return "", "", false
	}
	return scheme + "://" + host, host, true
}

// IsAllowed reports whether a normalized origin may talk to requestHost.
//
// With a non-empty allow list, an entry must be "*" or equal the normalized
// origin. Otherwise only same-host origins pass. Schemes are not compared so
// a TLS-terminating proxy in front of the hub does not break the check.
func IsAllowed(normalizedOrigin, originHost, requestHost string, allowedOrigins []string) bool {
	if len(allowedOrigins) > 0 {
		for _, allowed := range allowedOrigins {
			if allowed == "*" || allowed == normalizedOrigin {
				return true
			}
		}
		return false
	}

	scheme, _, found := strings.Cut(normalizedOrigin, "://")
	if !found {
		return false
	}
	reqHost, ok := canonicalHost(strings.ToLower(strings.TrimSpace(requestHost)), scheme)
	return ok && reqHost == originHost
}

// CheckRequest applies the origin policy to r. Requests without an Origin
// header (non-browser clients) are allowed and report an empty origin.
func CheckRequest(r *http.Request, allowedOrigins []string) (normalized string, ok bool) {
	values := r.Header.Values("Origin")
	if len(values) == 0 {
		return "", true
	}
	if len(values) > 1 {
		return "", false
	}
	normalized, host, ok := NormalizeHeader(values[0])
	if !ok {
		return "", false
	}
	if !IsAllowed(normalized, host, r.Host, allowedOrigins) {
		return "", false
	}
	return normalized, true
}

func canonicalHost(authority, scheme string) (string, bool) {
	if authority == "" {
		return "", false
	}
	hostname, port := authority, ""
	if strings.HasPrefix(authority, "[") || strings.Count(authority, ":") == 1 {
		h, p, err := net.SplitHostPort(authority)
		if err != nil {
			// Bracketed IPv6 literal without a port.
			if !strings.HasPrefix(authority, "[") || !strings.HasSuffix(authority, "]") {
				return "", false
			}
			h, p = authority[1:len(authority)-1], ""
		} else if p == "" {
			return "", false
		}
		hostname, port = h, p
	} else if strings.Contains(authority, ":") {
		// Unbracketed IPv6 is not a valid authority.
		return "", false
	}

	hostname = strings.ToLower(hostname)
	if hostname == "" {
		return "", false
	}
	if port != "" {
		n, err := strconv.ParseUint(port, 10, 16)
		if err != nil || n == 0 {
			return "", false
		}
		if (scheme == "http" && n == 80) || (scheme == "https" && n == 443) {
			port = ""
		} else {
			port = strconv.FormatUint(n, 10)
		}
	}

	if strings.Contains(hostname, ":") {
		hostname = "[" + hostname + "]"
	}
	if port != "" {
		return hostname + ":" + port, true
	}
	return hostname, true
}
