// Package scheduler admits crawl candidates into the ingest queue, applying
// depth limits, domain filters, robots exclusion, deduplication and
// same-domain politeness.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/JakeFAU/stagecrawler/internal/crawler"
	"github.com/JakeFAU/stagecrawler/internal/robots"
)

const defaultRobotsRequests = 10

// Config holds the scheduler policy settings.
type Config struct {
	RespectsRobotsTxt bool
	// MaxCrawlDepth is unlimited when nil.
	MaxCrawlDepth               *int
	SameDomainCrawlDelay        time.Duration
	ExcludeDomains              []string
	IncludeDomains              []string
	MaxConcurrentRobotsRequests int
}

// Queues are the queues the scheduler reads from and feeds. Self is the
// scheduler's own input queue, used to hand back deferred paths.
type Queues struct {
	Self   crawler.Queue
	Ingest crawler.Queue
	Robots crawler.Queue
}

// Scheduler is the scheduler stage processor.
type Scheduler struct {
	cfg     Config
	self    crawler.Queue
	ingest  crawler.Queue
	robotsQ crawler.Queue
	cache   *robots.Cache
	seen    SeenSet
	logger  *zap.Logger
	now     func() time.Time

	filter  domainFilter
	polite  *politeness
	robotsN *semaphore.Weighted
	pending sync.Map
}

// Option customizes a Scheduler.
type Option func(*Scheduler)

// WithPolitenessObserver reports every non-trivial politeness wait.
func WithPolitenessObserver(fn func(domain string, waited time.Duration)) Option {
	return func(s *Scheduler) { s.polite.observe = fn }
}

// WithClock overrides the time source used for result timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

// New constructs a Scheduler. cache and the robots queue are only consulted
// when RespectsRobotsTxt is set. A nil seen set uses a MemorySeen.
func New(cfg Config, queues Queues, cache *robots.Cache, seen SeenSet, logger *zap.Logger, opts ...Option) (*Scheduler, error) {
	if queues.Ingest == nil {
		return nil, errors.New("scheduler: ingest queue is required")
	}
	if cfg.RespectsRobotsTxt && (cache == nil || queues.Robots == nil) {
		return nil, errors.New("scheduler: robots cache and queue are required when respecting robots.txt")
	}
	if cfg.MaxCrawlDepth != nil && *cfg.MaxCrawlDepth < 0 {
		return nil, fmt.Errorf("scheduler: max crawl depth %d is negative", *cfg.MaxCrawlDepth)
	}
	if cfg.MaxConcurrentRobotsRequests <= 0 {
		cfg.MaxConcurrentRobotsRequests = defaultRobotsRequests
	}
	if seen == nil {
		seen = NewMemorySeen()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Scheduler{
		cfg:     cfg,
		self:    queues.Self,
		ingest:  queues.Ingest,
		robotsQ: queues.Robots,
		cache:   cache,
		seen:    seen,
		logger:  logger,
		now:     time.Now,
		filter:  newDomainFilter(cfg.ExcludeDomains, cfg.IncludeDomains),
		polite:  newPoliteness(cfg.SameDomainCrawlDelay, nil),
		robotsN: semaphore.NewWeighted(int64(cfg.MaxConcurrentRobotsRequests)),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Process implements engine.Processor. Paths are handled in request order.
// Policy rejections are reported in the result; only queue and wait errors
// are returned.
func (s *Scheduler) Process(ctx context.Context, req crawler.Request) (crawler.Result, error) {
	sr, ok := req.(*crawler.SchedulerRequest)
	if !ok {
		return nil, fmt.Errorf("scheduler: unexpected request %T", req)
	}
	start := s.now()
	out := func() crawler.Outcome {
		return crawler.Outcome{URI: sr.Authority, StartedAt: start, Elapsed: s.now().Sub(start)}
	}

	authority, _, err := crawler.SplitAuthority(sr.Authority)
	if err != nil {
		return crawler.SchedulerFailure{Outcome: out(), FailureReason: crawler.FailureMalformedURI}, nil
	}

	var (
		admitted, flagged, deferred []string
		firstReason                 crawler.FailureReason
		rules                       *robots.Rules
	)
	rejected := make(map[string]crawler.FailureReason)
	reject := func(key string, reason crawler.FailureReason) {
		rejected[key] = reason
		if firstReason == crawler.FailureNone {
			firstReason = reason
		}
	}

	for _, path := range sr.Paths {
		uri, err := crawler.JoinAuthority(authority, path)
		if err != nil {
			reject(path, crawler.FailureMalformedURI)
			continue
		}

		if s.cfg.MaxCrawlDepth != nil && sr.Depth > *s.cfg.MaxCrawlDepth {
			if err := s.emit(ctx, uri, sr.Depth, true); err != nil {
				return nil, err
			}
			flagged = append(flagged, uri)
			continue
		}

		host, _ := crawler.Hostname(uri)
		if !s.filter.allowed(host) {
			reject(uri, crawler.FailureDomainExcluded)
			continue
		}

		if s.cfg.RespectsRobotsTxt {
			if rules == nil {
				if rules, err = s.rulesFor(ctx, authority, sr.RequestID()); err != nil {
					return nil, err
				}
				s.polite.Raise(host, rules.CrawlDelay())
			}
			_, pathAndQuery, _ := crawler.SplitAuthority(uri)
			if !rules.Allowed(pathAndQuery) {
				reject(uri, crawler.FailureRobotsDisallowed)
				continue
			}
		}

		slot := s.polite.Reserve(host)
		if !fits(ctx, slot.Delay()) {
			slot.Cancel()
			deferred = append(deferred, uri)
			continue
		}
		isNew, err := s.seen.MarkIfNew(ctx, uri)
		if err != nil {
			slot.Cancel()
			return nil, err
		}
		if !isNew {
			slot.Cancel()
			reject(uri, crawler.FailureDuplicate)
			continue
		}
		if err := s.polite.Hold(ctx, host, slot); err != nil {
			return nil, err
		}
		if err := s.emit(ctx, uri, sr.Depth, false); err != nil {
			return nil, err
		}
		admitted = append(admitted, uri)
	}

	if len(deferred) > 0 {
		if err := s.resubmit(ctx, sr, authority, deferred, len(admitted) == 0); err != nil {
			return nil, err
		}
	}

	if len(admitted) == 0 && len(flagged) == 0 && len(deferred) == 0 && len(rejected) > 0 {
		s.logger.Debug("scheduler request rejected",
			zap.String("request_id", sr.RequestID()),
			zap.String("authority", authority),
			zap.String("reason", string(firstReason)),
		)
		return crawler.SchedulerFailure{Outcome: out(), FailureReason: firstReason, Rejected: rejected}, nil
	}
	res := crawler.SchedulerSuccess{Outcome: out(), Admitted: admitted, Flagged: flagged, Deferred: deferred}
	if len(rejected) > 0 {
		res.Rejected = rejected
	}
	return res, nil
}

// fits reports whether a politeness delay ends before ctx's deadline.
func fits(ctx context.Context, delay time.Duration) bool {
	deadline, ok := ctx.Deadline()
	return !ok || time.Now().Add(delay).Before(deadline)
}

// resubmit hands deferred URIs back to the scheduler queue as a new request
// at the same depth. When nothing else was admitted the item first holds for
// half its remaining time.
func (s *Scheduler) resubmit(ctx context.Context, sr *crawler.SchedulerRequest, authority string, uris []string, idle bool) error {
	if s.self == nil {
		return fmt.Errorf("scheduler: %d paths deferred but no scheduler queue configured", len(uris))
	}
	if idle {
		if deadline, ok := ctx.Deadline(); ok {
			pause := time.NewTimer(time.Until(deadline) / 2)
			select {
			case <-ctx.Done():
			case <-pause.C:
			}
			pause.Stop()
		}
	}
	paths := make([]string, 0, len(uris))
	for _, uri := range uris {
		_, pathAndQuery, err := crawler.SplitAuthority(uri)
		if err != nil {
			continue
		}
		paths = append(paths, pathAndQuery)
	}
	next := &crawler.SchedulerRequest{
		RequestMeta: crawler.NewRequestMeta(s.now()),
		Authority:   authority,
		Paths:       paths,
		Depth:       sr.Depth,
	}
	// The item context may be spent; the deferral must still land.
	if err := Submit(context.WithoutCancel(ctx), s.self, next); err != nil {
		return fmt.Errorf("resubmit deferred paths: %w", err)
	}
	s.logger.Debug("deferred paths for politeness",
		zap.String("authority", authority),
		zap.Int("paths", len(paths)),
	)
	return nil
}

func (s *Scheduler) emit(ctx context.Context, uri string, depth int, exceeded bool) error {
	next := &crawler.IngestRequest{
		RequestMeta:     crawler.NewRequestMeta(s.now()),
		URI:             uri,
		Depth:           depth,
		MaxDepthReached: exceeded,
	}
	if err := s.ingest.Enqueue(ctx, next); err != nil {
		return fmt.Errorf("enqueue ingest request: %w", err)
	}
	return nil
}

// rulesFor returns cached rules for authority, deferring until the robots
// downloader populates the cache on a miss. At most one RobotsRequest per
// authority is outstanding from this scheduler.
func (s *Scheduler) rulesFor(ctx context.Context, authority, requestID string) (*robots.Rules, error) {
	var rules *robots.Rules
	keep := func(r *robots.Rules) { rules = r }
	for {
		found, err := s.cache.GetRobotsTxt(ctx, authority, keep)
		if err != nil {
			return nil, fmt.Errorf("robots lookup: %w", err)
		}
		if found {
			return rules, nil
		}
		if err := s.requestRobots(ctx, authority, requestID); err != nil {
			return nil, err
		}
	}
}

func (s *Scheduler) requestRobots(ctx context.Context, authority, requestID string) error {
	wait := make(chan struct{})
	if existing, loaded := s.pending.LoadOrStore(authority, wait); loaded {
		return s.await(ctx, authority, existing.(chan struct{}))
	}
	defer func() {
		s.pending.Delete(authority)
		close(wait)
	}()

	// another worker may have finished between our miss and LoadOrStore
	if found, err := s.cache.GetRobotsTxt(ctx, authority, nil); err == nil && found {
		return nil
	}
	if err := s.robotsN.Acquire(ctx, 1); err != nil {
		return fmt.Errorf("robots request slot: %w", err)
	}
	defer s.robotsN.Release(1)

	rr := &crawler.RobotsRequest{
		RequestMeta:        crawler.NewRequestMeta(s.now()),
		URI:                authority + "/robots.txt",
		SchedulerRequestID: requestID,
	}
	if err := s.robotsQ.Enqueue(ctx, rr); err != nil {
		return fmt.Errorf("enqueue robots request: %w", err)
	}
	s.logger.Debug("deferring admission until robots rules arrive",
		zap.String("authority", authority),
		zap.String("request_id", requestID),
	)
	if err := s.cache.WaitForHost(ctx, authority); err != nil {
		return fmt.Errorf("wait for robots: %w", err)
	}
	return nil
}

// await follows another worker's outstanding request for the same authority.
func (s *Scheduler) await(ctx context.Context, authority string, done chan struct{}) error {
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("wait for robots %s: %w", authority, ctx.Err())
	}
}

// Submit enqueues req onto the scheduler queue. Priority queues order by
// depth so shallower levels are scheduled first.
func Submit(ctx context.Context, q crawler.Queue, req *crawler.SchedulerRequest) error {
	if pq, ok := q.(crawler.PriorityQueue); ok {
		return pq.EnqueuePriority(ctx, req, req.Depth)
	}
	return q.Enqueue(ctx, req)
}
