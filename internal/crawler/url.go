package crawler

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// ErrMalformedURI marks input that is not an absolute http(s) URI.
var ErrMalformedURI = errors.New("malformed uri")

// NormalizeURL standardizes a URL to avoid duplicates.
// It lowercases the scheme and host, removes default ports, sorts query
// parameters and drops the fragment.
func NormalizeURL(rawURL string) (string, error) {
	u, err := ParseAbsolute(rawURL)
	if err != nil {
		return "", err
	}
	if u.Path == "" {
		u.Path = "/"
	}
	u.RawQuery = u.Query().Encode()
	return u.String(), nil
}

// ParseAbsolute parses an absolute http or https URI with a host, lowercasing
// the scheme and host and stripping default ports and the fragment.
func ParseAbsolute(rawURL string) (*url.URL, error) {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return nil, fmt.Errorf("%w: %q: %v", ErrMalformedURI, rawURL, err)
	}
	u.Scheme = strings.ToLower(u.Scheme)
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("%w: %q: unsupported scheme", ErrMalformedURI, rawURL)
	}
	if u.Hostname() == "" {
		return nil, fmt.Errorf("%w: %q: missing host", ErrMalformedURI, rawURL)
	}
	u.Host = strings.ToLower(u.Host)
	if u.Scheme == "http" {
		u.Host = strings.TrimSuffix(u.Host, ":80")
	}
	if u.Scheme == "https" {
		u.Host = strings.TrimSuffix(u.Host, ":443")
	}
	u.Fragment = ""
	u.RawFragment = ""
	return u, nil
}

// SplitAuthority splits an absolute URI into its authority (scheme and host)
// and its path-and-query.
func SplitAuthority(rawURL string) (authority, pathAndQuery string, err error) {
	u, err := ParseAbsolute(rawURL)
	if err != nil {
		return "", "", err
	}
	return u.Scheme + "://" + u.Host, u.RequestURI(), nil
}

// JoinAuthority composes an absolute URI from an authority and a
// path-and-query string.
func JoinAuthority(authority, pathAndQuery string) (string, error) {
	base, err := ParseAbsolute(authority)
	if err != nil {
		return "", err
	}
	if pathAndQuery == "" {
		pathAndQuery = "/"
	}
	if !strings.HasPrefix(pathAndQuery, "/") {
		pathAndQuery = "/" + pathAndQuery
	}
	ref, err := url.Parse(pathAndQuery)
	if err != nil {
		return "", fmt.Errorf("%w: path %q: %v", ErrMalformedURI, pathAndQuery, err)
	}
	return NormalizeURL(base.Scheme + "://" + base.Host + ref.RequestURI())
}

// Hostname returns the lowercased host of an absolute URI without the port.
func Hostname(rawURL string) (string, error) {
	u, err := ParseAbsolute(rawURL)
	if err != nil {
		return "", err
	}
	return u.Hostname(), nil
}
