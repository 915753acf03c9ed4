package robots

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/stagecrawler/internal/crawler"
)

// Downloader is the robots-downloader stage processor. It refreshes the cache
// for the authority of each RobotsRequest.
type Downloader struct {
	cache  *Cache
	ttl    time.Duration
	logger *zap.Logger
	now    func() time.Time
}

// NewDownloader constructs a Downloader installing entries with ttl.
func NewDownloader(cache *Cache, ttl time.Duration, logger *zap.Logger) *Downloader {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Downloader{cache: cache, ttl: ttl, logger: logger, now: time.Now}
}

// Process implements engine.Processor.
func (d *Downloader) Process(ctx context.Context, req crawler.Request) (crawler.Result, error) {
	rr, ok := req.(*crawler.RobotsRequest)
	if !ok {
		return nil, fmt.Errorf("robots downloader: unexpected request %T", req)
	}
	start := d.now()
	out := func() crawler.Outcome {
		return crawler.Outcome{URI: rr.URI, StartedAt: start, Elapsed: d.now().Sub(start)}
	}
	authority, _, err := crawler.SplitAuthority(rr.URI)
	if err != nil {
		return crawler.RobotsFailure{Outcome: out(), FailureReason: crawler.FailureMalformedURI}, nil
	}

	rules, err := d.cache.AddOrUpdateRobotsForHost(ctx, authority, d.ttl)
	if err != nil {
		d.logger.Debug("robots refresh failed",
			zap.String("authority", authority),
			zap.String("scheduler_request_id", rr.SchedulerRequestID),
			zap.Error(err),
		)
		return crawler.RobotsFailure{Outcome: out(), Host: authority, FailureReason: crawler.ClassifyError(err)}, nil
	}
	return crawler.RobotsSuccess{Outcome: out(), Host: authority, ContentLength: len(rules.Content)}, nil
}
