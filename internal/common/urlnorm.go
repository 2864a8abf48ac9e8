package common

import (
	"fmt"
	"net"
	"net/url"
	"sort"
	"strings"
)

// URLRejectReason identifies why a URL was rejected during normalization.
type URLRejectReason string

const (
	URLReasonScheme      URLRejectReason = "scheme"
	URLReasonLoopback    URLRejectReason = "loopback"
	URLReasonPrivate     URLRejectReason = "private"
	URLReasonMetadata    URLRejectReason = "metadata"
	URLReasonCredentials URLRejectReason = "credentials"
	URLReasonMalformed   URLRejectReason = "malformed"
)

// InvalidURLError is the single failure shape of URL normalization.
// It wraps ErrInvalidInput so callers can classify it without inspection.
type InvalidURLError struct {
	URL    string
	Reason URLRejectReason
}

func (e *InvalidURLError) Error() string {
	return fmt.Sprintf("invalid url (%s): %s", e.Reason, e.URL)
}

func (e *InvalidURLError) Unwrap() error {
	return ErrInvalidInput
}

// metadataHost is the cloud metadata endpoint, rejected by literal match
// in addition to the link-local range check.
const metadataHost = "169.254.169.254"

// NormalizeURL canonicalizes a URL for storage and comparison:
// lowercase scheme and host, default ports dropped, fragment dropped,
// query parameters sorted, trailing slash stripped on non-root paths.
// Non-http(s) schemes, embedded credentials, and hosts pointing at
// loopback, link-local, private ranges, or the cloud metadata IP are
// rejected. Idempotent: NormalizeURL(NormalizeURL(u)) == NormalizeURL(u).
func NormalizeURL(rawURL string) (string, error) {
	u, err := parseAndCheck(rawURL)
	if err != nil {
		return "", err
	}
	u.RawQuery = sortedQuery(u.Query())
	return u.String(), nil
}

// URLPattern derives a fuzzy-matchable pattern from a URL: normalized
// form with query-parameter values and numeric path segments replaced by
// a wildcard token. Used for "similar job already exists" detection.
func URLPattern(rawURL string) (string, error) {
	u, err := parseAndCheck(rawURL)
	if err != nil {
		return "", err
	}

	// Wildcard numeric path segments
	if u.Path != "" && u.Path != "/" {
		segments := strings.Split(u.Path, "/")
		for i, seg := range segments {
			if seg != "" && isNumeric(seg) {
				segments[i] = "*"
			}
		}
		u.Path = strings.Join(segments, "/")
	}

	// Wildcard query values, keep sorted keys
	query := u.Query()
	keys := make([]string, 0, len(query))
	for k := range query {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var parts []string
	for _, k := range keys {
		parts = append(parts, url.QueryEscape(k)+"=*")
	}
	u.RawQuery = strings.Join(parts, "&")

	return u.String(), nil
}

// parseAndCheck performs the shared parse, canonicalization, and host
// safety checks for NormalizeURL and URLPattern.
func parseAndCheck(rawURL string) (*url.URL, error) {
	trimmed := strings.TrimSpace(rawURL)
	if trimmed == "" {
		return nil, &InvalidURLError{URL: rawURL, Reason: URLReasonMalformed}
	}

	u, err := url.Parse(trimmed)
	if err != nil {
		return nil, &InvalidURLError{URL: rawURL, Reason: URLReasonMalformed}
	}

	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return nil, &InvalidURLError{URL: rawURL, Reason: URLReasonScheme}
	}
	u.Scheme = scheme

	if u.User != nil {
		return nil, &InvalidURLError{URL: rawURL, Reason: URLReasonCredentials}
	}

	host := strings.ToLower(u.Hostname())
	if host == "" {
		return nil, &InvalidURLError{URL: rawURL, Reason: URLReasonMalformed}
	}

	if reason, bad := checkHost(host); bad {
		return nil, &InvalidURLError{URL: rawURL, Reason: reason}
	}

	// Drop default ports. Hostname() strips the brackets from an IPv6
	// literal; restore them before reassembling the authority.
	hostport := host
	if strings.Contains(host, ":") {
		hostport = "[" + host + "]"
	}
	port := u.Port()
	if (scheme == "http" && port == "80") || (scheme == "https" && port == "443") || port == "" {
		u.Host = hostport
	} else {
		u.Host = hostport + ":" + port
	}

	// Drop fragment
	u.Fragment = ""
	u.RawFragment = ""

	// Strip trailing slash on non-root paths
	if len(u.Path) > 1 && strings.HasSuffix(u.Path, "/") {
		u.Path = strings.TrimRight(u.Path, "/")
	}

	return u, nil
}

// checkHost rejects hosts that resolve into internal address space.
// Checked by literal match on the host name and, when the host is an IP
// literal, by range.
func checkHost(host string) (URLRejectReason, bool) {
	if host == metadataHost {
		return URLReasonMetadata, true
	}
	if host == "localhost" || strings.HasSuffix(host, ".localhost") {
		return URLReasonLoopback, true
	}

	ip := net.ParseIP(host)
	if ip == nil {
		return "", false
	}

	switch {
	case ip.IsLoopback():
		return URLReasonLoopback, true
	case ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast():
		return URLReasonPrivate, true
	case ip.IsPrivate():
		return URLReasonPrivate, true
	case ip.IsUnspecified():
		return URLReasonPrivate, true
	}

	return "", false
}

// sortedQuery re-encodes query parameters with keys and repeated values
// in sorted order so equivalent URLs compare equal.
func sortedQuery(query url.Values) string {
	if len(query) == 0 {
		return ""
	}
	keys := make([]string, 0, len(query))
	for k := range query {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var parts []string
	for _, k := range keys {
		values := append([]string(nil), query[k]...)
		sort.Strings(values)
		for _, v := range values {
			parts = append(parts, url.QueryEscape(k)+"="+url.QueryEscape(v))
		}
	}
	return strings.Join(parts, "&")
}

func isNumeric(s string) bool {
	for _, c := range s {
		if c < '0' || c > '9' {
			return false
		}
	}
	return len(s) > 0
}
