// Package robots maintains per-host robots exclusion rules with a TTL,
// single-flight population, and an optional shared key-value backing.
package robots

import (
	"fmt"
	"net/http"
	"time"

	"github.com/temoto/robotstxt"
)

// Rules are the parsed robots exclusion rules for one authority.
type Rules struct {
	Authority  string
	StatusCode int
	Content    []byte
	FetchedAt  time.Time
	ExpiresAt  time.Time

	userAgent string
	data      *robotstxt.RobotsData
}

// Parse builds Rules from a robots.txt response. Status codes follow the
// robotstxt conventions: 4xx allows everything, 5xx disallows everything.
func Parse(authority string, status int, content []byte, fetchedAt time.Time, ttl time.Duration, userAgent string) (*Rules, error) {
	data, err := robotstxt.FromStatusAndBytes(status, content)
	if err != nil {
		return nil, fmt.Errorf("parse robots for %s: %w", authority, err)
	}
	return &Rules{
		Authority:  authority,
		StatusCode: status,
		Content:    content,
		FetchedAt:  fetchedAt,
		ExpiresAt:  fetchedAt.Add(ttl),
		userAgent:  userAgent,
		data:       data,
	}, nil
}

// AllowAll returns permissive rules, installed when robots.txt is unreachable.
func AllowAll(authority string, fetchedAt time.Time, ttl time.Duration, userAgent string) *Rules {
	// A 4xx status never reaches the parser, so there is no error to handle.
	data, _ := robotstxt.FromStatusAndBytes(http.StatusNotFound, nil)
	return &Rules{
		Authority:  authority,
		StatusCode: http.StatusNotFound,
		FetchedAt:  fetchedAt,
		ExpiresAt:  fetchedAt.Add(ttl),
		userAgent:  userAgent,
		data:       data,
	}
}

// Expired reports whether the rules are no longer valid at now.
func (r *Rules) Expired(now time.Time) bool {
	return !now.Before(r.ExpiresAt)
}

// Allowed reports whether pathAndQuery may be fetched by the configured agent.
func (r *Rules) Allowed(pathAndQuery string) bool {
	if pathAndQuery == "" {
		pathAndQuery = "/"
	}
	return r.data.TestAgent(pathAndQuery, r.userAgent)
}

// CrawlDelay returns the crawl-delay hint for the configured agent.
func (r *Rules) CrawlDelay() time.Duration {
	group := r.data.FindGroup(r.userAgent)
	if group == nil {
		return 0
	}
	return group.CrawlDelay
}

// Sitemaps lists the sitemap URIs advertised by the host.
func (r *Rules) Sitemaps() []string {
	return append([]string(nil), r.data.Sitemaps...)
}
