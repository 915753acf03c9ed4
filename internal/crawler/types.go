// Package crawler defines core types shared across subsystems.
package crawler

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Request is the unit of work carried between pipeline stages. Every request
// has an identifier that is unique for its lifetime.
type Request interface {
	RequestID() string
	CreatedAt() time.Time
	Kind() Kind
}

// RequestMeta carries the identity shared by every concrete request type.
type RequestMeta struct {
	ID      string    `json:"id"`
	Created time.Time `json:"created_at"`
}

// NewRequestMeta allocates a fresh identifier (UUIDv7) stamped with now.
func NewRequestMeta(now time.Time) RequestMeta {
	id, err := uuid.NewV7()
	if err != nil {
		id = uuid.New()
	}
	return RequestMeta{ID: id.String(), Created: now.UTC()}
}

// RequestID implements Request.
func (m RequestMeta) RequestID() string { return m.ID }

// CreatedAt implements Request.
func (m RequestMeta) CreatedAt() time.Time { return m.Created }

// SchedulerRequest asks the scheduler to admit a set of paths under one authority.
type SchedulerRequest struct {
	RequestMeta
	// Authority is the scheme and host (and optional port), e.g. http://a.test.
	Authority string `json:"authority"`
	// Paths holds path-and-query strings to visit under Authority.
	Paths []string `json:"paths"`
	Depth int      `json:"depth"`
}

// Kind implements Request.
func (*SchedulerRequest) Kind() Kind { return KindScheduler }

// IngestRequest asks the ingester to fetch one absolute URI.
type IngestRequest struct {
	RequestMeta
	URI             string `json:"uri"`
	Depth           int    `json:"depth"`
	MaxDepthReached bool   `json:"max_depth_reached"`
}

// Kind implements Request.
func (*IngestRequest) Kind() Kind { return KindIngester }

// ParseRequest asks the parser to extract links from stored content.
type ParseRequest struct {
	RequestMeta
	URI string `json:"uri"`
	// ContentHandle is an opaque reference understood by the ContentStore.
	ContentHandle string `json:"content_handle"`
	MediaType     string `json:"media_type"`
	Depth         int    `json:"depth"`
}

// Kind implements Request.
func (*ParseRequest) Kind() Kind { return KindParser }

// RobotsRequest asks the robots downloader to refresh rules for the URI's host.
type RobotsRequest struct {
	RequestMeta
	URI string `json:"uri"`
	// SchedulerRequestID links back to the scheduler request that needed the rules.
	SchedulerRequestID string `json:"scheduler_request_id"`
}

// Kind implements Request.
func (*RobotsRequest) Kind() Kind { return KindRobotsDownloader }

// RequestURI returns the URI a request targets, or the authority for
// scheduler requests.
func RequestURI(req Request) string {
	switch r := req.(type) {
	case *SchedulerRequest:
		return r.Authority
	case *IngestRequest:
		return r.URI
	case *ParseRequest:
		return r.URI
	case *RobotsRequest:
		return r.URI
	default:
		return ""
	}
}

// FailureReason classifies why an item failed.
type FailureReason string

// Failure reasons reported in failure results.
const (
	FailureNone                  FailureReason = ""
	FailureUnknown               FailureReason = "unknown"
	FailureMaxDepthReached       FailureReason = "max-depth-reached"
	FailureHTTP4xx               FailureReason = "http-4xx"
	FailureNetworkConnectivity   FailureReason = "network-connectivity"
	FailureMalformedURI          FailureReason = "malformed-uri"
	FailureTimeout               FailureReason = "timeout"
	FailureContentTooLarge       FailureReason = "content-too-large"
	FailureMediaTypeNotPermitted FailureReason = "media-type-not-permitted"
	FailureMaxRedirectsReached   FailureReason = "max-redirects-reached"
	FailureDomainLimitReached    FailureReason = "domain-limit-reached"
	FailureDomainExcluded        FailureReason = "domain-excluded"
	FailureRobotsDisallowed      FailureReason = "robots-disallowed"
	FailureDuplicate             FailureReason = "duplicate"
)

// IsPolicy reports whether the reason is a permanent policy rejection rather
// than a transient item failure.
func (r FailureReason) IsPolicy() bool {
	switch r {
	case FailureMaxDepthReached, FailureDomainExcluded, FailureRobotsDisallowed,
		FailureDuplicate, FailureDomainLimitReached:
		return true
	default:
		return false
	}
}

// Outcome holds the fields common to every stage result.
type Outcome struct {
	URI       string        `json:"uri"`
	StartedAt time.Time     `json:"started_at"`
	Elapsed   time.Duration `json:"elapsed"`
}

// Result is a typed stage outcome. Failure results return a non-empty reason.
type Result interface {
	Kind() Kind
	Base() Outcome
	Reason() FailureReason
}

// ItemStatus is the terminal status of one dequeued item.
type ItemStatus string

// Terminal item statuses.
const (
	ItemCompleted ItemStatus = "completed"
	ItemFailed    ItemStatus = "failed"
)

// QueuedItemResult is the engine's uniform output envelope regardless of stage.
type QueuedItemResult struct {
	RequestID string
	Status    ItemStatus
	Result    Result
	// Err carries the processor error text when the processor returned one.
	Err string
}

// Reason returns the failure reason or FailureNone.
func (r QueuedItemResult) Reason() FailureReason {
	if r.Result == nil {
		if r.Status == ItemFailed {
			return FailureUnknown
		}
		return FailureNone
	}
	return r.Result.Reason()
}

func (r QueuedItemResult) String() string {
	return fmt.Sprintf("%s:%s:%s", r.RequestID, r.Status, r.Reason())
}
