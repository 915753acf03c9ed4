package progress

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/JakeFAU/stagecrawler/internal/crawler"
)

// Stage denotes what an Event carries.
type Stage string

// Supported event stages.
const (
	StageItem   Stage = "ITEM"
	StageStatus Stage = "STATUS"
)

// StatusClass is a coarse HTTP response grouping.
type StatusClass string

// Supported HTTP status classes.
const (
	Status2xx   StatusClass = "2xx"
	Status3xx   StatusClass = "3xx"
	Status4xx   StatusClass = "4xx"
	Status5xx   StatusClass = "5xx"
	StatusOther StatusClass = "other"
)

// Event is one observation from a running component.
type Event struct {
	// RunID scopes the event to one crawl run.
	RunID string
	// TS is the time the hub accepted the event.
	TS        time.Time
	Stage     Stage
	Component crawler.ComponentInfo
	// Item is set for StageItem events.
	Item crawler.QueuedItemResult
	// Status is set for StageStatus events.
	Status crawler.ComponentStatus
}

// Validate performs coarse validation on Event payloads.
func (e Event) Validate() error {
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	switch e.Stage {
	case StageItem:
		if e.Item.RequestID == "" {
			return errors.New("item event requires request id")
		}
	case StageStatus:
		if e.Status.Info.ID == "" {
			return errors.New("status event requires component id")
		}
	default:
		return fmt.Errorf("unknown stage %q", e.Stage)
	}
	return nil
}

// Site returns the lowercase host the item concerned, or "unknown".
func (e Event) Site() string {
	if e.Item.Result == nil {
		return "unknown"
	}
	host, err := crawler.Hostname(e.Item.Result.Base().URI)
	if err != nil || host == "" {
		return "unknown"
	}
	return strings.ToLower(host)
}

// HTTPStatus returns the response code an ingest result carries, or 0.
func (e Event) HTTPStatus() int {
	switch r := e.Item.Result.(type) {
	case crawler.IngestSuccess:
		return r.StatusCode
	case crawler.IngestFailure:
		return r.StatusCode
	default:
		return 0
	}
}

// ClassifyStatus groups HTTP status codes.
func ClassifyStatus(code int) StatusClass {
	switch {
	case code >= 200 && code < 300:
		return Status2xx
	case code >= 300 && code < 400:
		return Status3xx
	case code >= 400 && code < 500:
		return Status4xx
	case code >= 500 && code < 600:
		return Status5xx
	default:
		return StatusOther
	}
}
