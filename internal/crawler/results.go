package crawler

// SchedulerSuccess reports the paths a scheduler request admitted. Paths
// rejected by policy are listed in Rejected alongside their reason. Deferred
// paths were handed back to the scheduler queue to wait out a politeness
// window longer than the item timeout.
type SchedulerSuccess struct {
	Outcome
	Admitted []string                 `json:"admitted"`
	Flagged  []string                 `json:"flagged"`
	Deferred []string                 `json:"deferred,omitempty"`
	Rejected map[string]FailureReason `json:"rejected,omitempty"`
}

// Kind implements Result.
func (SchedulerSuccess) Kind() Kind { return KindScheduler }

// Base implements Result.
func (r SchedulerSuccess) Base() Outcome { return r.Outcome }

// Reason implements Result.
func (SchedulerSuccess) Reason() FailureReason { return FailureNone }

// SchedulerFailure reports a scheduler request in which nothing was admitted.
type SchedulerFailure struct {
	Outcome
	FailureReason FailureReason            `json:"reason"`
	Rejected      map[string]FailureReason `json:"rejected,omitempty"`
}

// Kind implements Result.
func (SchedulerFailure) Kind() Kind { return KindScheduler }

// Base implements Result.
func (r SchedulerFailure) Base() Outcome { return r.Outcome }

// Reason implements Result.
func (r SchedulerFailure) Reason() FailureReason { return reasonOrUnknown(r.FailureReason) }

// IngestSuccess reports a fetched and stored document.
type IngestSuccess struct {
	Outcome
	StatusCode    int      `json:"status_code"`
	ContentLength int64    `json:"content_length"`
	ContentHandle string   `json:"content_handle"`
	MediaType     string   `json:"media_type"`
	Redirects     []string `json:"redirects,omitempty"`
	Depth         int      `json:"depth"`
}

// Kind implements Result.
func (IngestSuccess) Kind() Kind { return KindIngester }

// Base implements Result.
func (r IngestSuccess) Base() Outcome { return r.Outcome }

// Reason implements Result.
func (IngestSuccess) Reason() FailureReason { return FailureNone }

// IngestFailure reports a document that could not be ingested.
type IngestFailure struct {
	Outcome
	FailureReason FailureReason `json:"reason"`
	StatusCode    int           `json:"status_code,omitempty"`
	Redirects     []string      `json:"redirects,omitempty"`
	Depth         int           `json:"depth"`
}

// Kind implements Result.
func (IngestFailure) Kind() Kind { return KindIngester }

// Base implements Result.
func (r IngestFailure) Base() Outcome { return r.Outcome }

// Reason implements Result.
func (r IngestFailure) Reason() FailureReason { return reasonOrUnknown(r.FailureReason) }

// ParseSuccess reports the links extracted from a document.
type ParseSuccess struct {
	Outcome
	LinksFound        int `json:"links_found"`
	SchedulerRequests int `json:"scheduler_requests"`
}

// Kind implements Result.
func (ParseSuccess) Kind() Kind { return KindParser }

// Base implements Result.
func (r ParseSuccess) Base() Outcome { return r.Outcome }

// Reason implements Result.
func (ParseSuccess) Reason() FailureReason { return FailureNone }

// ParseFailure reports a document that could not be parsed.
type ParseFailure struct {
	Outcome
	FailureReason FailureReason `json:"reason"`
}

// Kind implements Result.
func (ParseFailure) Kind() Kind { return KindParser }

// Base implements Result.
func (r ParseFailure) Base() Outcome { return r.Outcome }

// Reason implements Result.
func (r ParseFailure) Reason() FailureReason { return reasonOrUnknown(r.FailureReason) }

// RobotsSuccess reports refreshed robots rules for a host.
type RobotsSuccess struct {
	Outcome
	Host          string `json:"host"`
	ContentLength int    `json:"content_length"`
}

// Kind implements Result.
func (RobotsSuccess) Kind() Kind { return KindRobotsDownloader }

// Base implements Result.
func (r RobotsSuccess) Base() Outcome { return r.Outcome }

// Reason implements Result.
func (RobotsSuccess) Reason() FailureReason { return FailureNone }

// RobotsFailure reports a robots.txt download that failed.
type RobotsFailure struct {
	Outcome
	Host          string        `json:"host"`
	FailureReason FailureReason `json:"reason"`
}

// Kind implements Result.
func (RobotsFailure) Kind() Kind { return KindRobotsDownloader }

// Base implements Result.
func (r RobotsFailure) Base() Outcome { return r.Outcome }

// Reason implements Result.
func (r RobotsFailure) Reason() FailureReason { return reasonOrUnknown(r.FailureReason) }

func reasonOrUnknown(r FailureReason) FailureReason {
	if r == FailureNone {
		return FailureUnknown
	}
	return r
}

// TimeoutFailure builds the failure result the engine reports for an item of
// the given kind whose processing exceeded its timeout.
func TimeoutFailure(kind Kind, out Outcome) Result {
	return failureFor(kind, out, FailureTimeout)
}

// UnknownFailure builds a failure result for an item whose processor errored
// without producing a typed result.
func UnknownFailure(kind Kind, out Outcome) Result {
	return failureFor(kind, out, FailureUnknown)
}

func failureFor(kind Kind, out Outcome, reason FailureReason) Result {
	switch kind {
	case KindScheduler:
		return SchedulerFailure{Outcome: out, FailureReason: reason}
	case KindIngester:
		return IngestFailure{Outcome: out, FailureReason: reason}
	case KindParser:
		return ParseFailure{Outcome: out, FailureReason: reason}
	case KindRobotsDownloader:
		return RobotsFailure{Outcome: out, FailureReason: reason}
	default:
		return nil
	}
}
