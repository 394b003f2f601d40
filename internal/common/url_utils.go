package common

import (
	"fmt"
	"net/url"
	"strings"
)

// ResolveURL resolves a possibly-relative href against a base page URL.
// Already-absolute hrefs are returned unchanged (after normalization).
// Returns an error for unparseable input or unsupported reference schemes
// such as "javascript:" and "mailto:".
func ResolveURL(baseURL, href string) (string, error) {
	href = strings.TrimSpace(href)
	if href == "" {
		return "", fmt.Errorf("empty href")
	}

	ref, err := url.Parse(href)
	if err != nil {
		return "", fmt.Errorf("failed to parse href %q: %w", href, err)
	}

	switch strings.ToLower(ref.Scheme) {
	case "", "http", "https":
	default:
		return "", fmt.Errorf("unsupported scheme %q in href %q", ref.Scheme, href)
	}

	base, err := url.Parse(baseURL)
	if err != nil {
		return "", fmt.Errorf("failed to parse base URL %q: %w", baseURL, err)
	}

	return base.ResolveReference(ref).String(), nil
}

// SetQueryParam returns rawURL with the given query parameter set, replacing
// any existing value. Used for page_param pagination where the next page URL
// is the current URL with an incremented page number.
func SetQueryParam(rawURL, key, value string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("failed to parse URL %q: %w", rawURL, err)
	}

	q := u.Query()
	q.Set(key, value)
	u.RawQuery = q.Encode()

	return u.String(), nil
}

// HostOf extracts the lowercase host (without port) from a URL for
// per-host rate limiting. Returns an empty string when the URL cannot
// be parsed.
func HostOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	return strings.ToLower(u.Hostname())
}

// IsTestURL reports whether a URL points at a local or private test host.
// Production deployments reject these at task creation time.
func IsTestURL(rawURL string) bool {
	host := HostOf(rawURL)
	if host == "" {
		return false
	}

	if host == "localhost" || host == "127.0.0.1" || host == "::1" || host == "0.0.0.0" {
		return true
	}
	if strings.HasSuffix(host, ".local") || strings.HasSuffix(host, ".test") {
		return true
	}
	// RFC 1918 prefixes commonly used in lab environments
	for _, prefix := range []string{"10.", "192.168."} {
		if strings.HasPrefix(host, prefix) {
			return true
		}
	}

	return false
}
