// Package ingester fetches admitted URIs, stores their content and hands the
// stored documents to the parser.
package ingester

import (
	"context"
	"errors"
	"fmt"
	"mime"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gocolly/colly/v2"
	"go.uber.org/zap"

	"github.com/JakeFAU/stagecrawler/internal/crawler"
	"github.com/JakeFAU/stagecrawler/internal/storage"
)

const (
	defaultMaxRedirects    = 10
	defaultMaxContentBytes = 10 << 20
)

var errTooManyRedirects = errors.New("too many redirects")

// DefaultMediaTypes are the media types ingested when none are configured.
var DefaultMediaTypes = []string{"text/html", "application/xhtml+xml"}

// Config holds the ingester limits.
type Config struct {
	// MaxDomainsToCrawl caps distinct hosts fetched; zero is unlimited.
	MaxDomainsToCrawl int
	// MaxRedirects defaults to 10 when nil; zero follows none.
	MaxRedirects      *int
	MaxContentBytes   int64
	AllowedMediaTypes []string
	UserAgent         string
	StoragePrefix     string
	RequestTimeout    time.Duration
}

// Ingester is the ingester stage processor.
type Ingester struct {
	cfg       Config
	transport http.RoundTripper
	store     crawler.ContentStore
	parse     crawler.Queue
	logger    *zap.Logger
	now       func() time.Time
	allowed   map[string]struct{}

	mu      sync.Mutex
	domains map[string]struct{}
}

// New constructs an Ingester. transport should come from the stream manager so
// fetches are counted.
func New(cfg Config, transport http.RoundTripper, store crawler.ContentStore, parse crawler.Queue, logger *zap.Logger) (*Ingester, error) {
	if transport == nil || store == nil || parse == nil {
		return nil, errors.New("ingester: transport, content store and parse queue are required")
	}
	if cfg.MaxRedirects == nil {
		n := defaultMaxRedirects
		cfg.MaxRedirects = &n
	}
	if *cfg.MaxRedirects < 0 {
		return nil, errors.New("ingester: max redirects must not be negative")
	}
	if cfg.MaxContentBytes <= 0 {
		cfg.MaxContentBytes = defaultMaxContentBytes
	}
	if len(cfg.AllowedMediaTypes) == 0 {
		cfg.AllowedMediaTypes = DefaultMediaTypes
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	allowed := make(map[string]struct{}, len(cfg.AllowedMediaTypes))
	for _, mt := range cfg.AllowedMediaTypes {
		allowed[strings.ToLower(strings.TrimSpace(mt))] = struct{}{}
	}
	return &Ingester{
		cfg:       cfg,
		transport: transport,
		store:     store,
		parse:     parse,
		logger:    logger,
		now:       time.Now,
		allowed:   allowed,
		domains:   make(map[string]struct{}),
	}, nil
}

// Process implements engine.Processor.
func (i *Ingester) Process(ctx context.Context, req crawler.Request) (crawler.Result, error) {
	ir, ok := req.(*crawler.IngestRequest)
	if !ok {
		return nil, fmt.Errorf("ingester: unexpected request %T", req)
	}
	start := i.now()
	fail := func(reason crawler.FailureReason, status int, redirects []string) crawler.Result {
		return crawler.IngestFailure{
			Outcome:       crawler.Outcome{URI: ir.URI, StartedAt: start, Elapsed: i.now().Sub(start)},
			FailureReason: reason,
			StatusCode:    status,
			Redirects:     redirects,
			Depth:         ir.Depth,
		}
	}

	if ir.MaxDepthReached {
		return fail(crawler.FailureMaxDepthReached, 0, nil), nil
	}
	host, err := crawler.Hostname(ir.URI)
	if err != nil {
		return fail(crawler.FailureMalformedURI, 0, nil), nil
	}
	if !i.claimDomain(host) {
		return fail(crawler.FailureDomainLimitReached, 0, nil), nil
	}

	page, err := i.fetch(ctx, ir.URI)
	if err != nil {
		reason := crawler.ClassifyError(err)
		if errors.Is(err, errTooManyRedirects) {
			reason = crawler.FailureMaxRedirectsReached
		}
		i.logger.Debug("fetch failed",
			zap.String("uri", ir.URI),
			zap.String("reason", string(reason)),
			zap.Error(err),
		)
		return fail(reason, 0, page.redirects), nil
	}
	switch {
	case page.status >= 400 && page.status < 500:
		return fail(crawler.FailureHTTP4xx, page.status, page.redirects), nil
	case page.status < 200 || page.status >= 300:
		return fail(crawler.FailureUnknown, page.status, page.redirects), nil
	case page.tooLarge:
		return fail(crawler.FailureContentTooLarge, page.status, page.redirects), nil
	}
	if _, ok := i.allowed[page.mediaType]; !ok {
		return fail(crawler.FailureMediaTypeNotPermitted, page.status, page.redirects), nil
	}

	key := storage.Key(i.cfg.StoragePrefix, page.finalURI, page.mediaType)
	handle, err := i.store.Put(ctx, key, page.mediaType, page.body)
	if err != nil {
		return nil, fmt.Errorf("store content: %w", err)
	}
	next := &crawler.ParseRequest{
		RequestMeta:   crawler.NewRequestMeta(i.now()),
		URI:           page.finalURI,
		ContentHandle: handle,
		MediaType:     page.mediaType,
		Depth:         ir.Depth,
	}
	if err := i.parse.Enqueue(ctx, next); err != nil {
		return nil, fmt.Errorf("enqueue parse request: %w", err)
	}
	return crawler.IngestSuccess{
		Outcome:       crawler.Outcome{URI: ir.URI, StartedAt: start, Elapsed: i.now().Sub(start)},
		StatusCode:    page.status,
		ContentLength: int64(len(page.body)),
		ContentHandle: handle,
		MediaType:     page.mediaType,
		Redirects:     page.redirects,
		Depth:         ir.Depth,
	}, nil
}

// claimDomain reports whether host may be fetched under MaxDomainsToCrawl.
func (i *Ingester) claimDomain(host string) bool {
	if i.cfg.MaxDomainsToCrawl <= 0 {
		return true
	}
	i.mu.Lock()
	defer i.mu.Unlock()
	if _, ok := i.domains[host]; ok {
		return true
	}
	if len(i.domains) >= i.cfg.MaxDomainsToCrawl {
		return false
	}
	i.domains[host] = struct{}{}
	return true
}

type fetched struct {
	finalURI  string
	status    int
	mediaType string
	body      []byte
	tooLarge  bool
	redirects []string
}

// collector builds a single-use colly collector that records into p. Robots
// rules are enforced by the scheduler, so colly's own check is off.
func (i *Ingester) collector(ctx context.Context, p *fetched, fetchErr *error) *colly.Collector {
	c := colly.NewCollector(
		colly.StdlibContext(ctx),
		colly.AllowURLRevisit(),
		colly.ParseHTTPErrorResponse(),
		colly.MaxBodySize(int(i.cfg.MaxContentBytes)+1),
	)
	c.IgnoreRobotsTxt = true
	if i.cfg.UserAgent != "" {
		c.UserAgent = i.cfg.UserAgent
	}
	c.WithTransport(i.transport)
	c.SetRequestTimeout(i.cfg.RequestTimeout)
	c.SetRedirectHandler(func(req *http.Request, via []*http.Request) error {
		if len(via) > *i.cfg.MaxRedirects {
			return errTooManyRedirects
		}
		p.redirects = append(p.redirects, req.URL.String())
		return nil
	})

	c.OnResponseHeaders(func(r *colly.Response) {
		p.status = r.StatusCode
		p.finalURI = r.Request.URL.String()
		if mt, _, err := mime.ParseMediaType(r.Headers.Get("Content-Type")); err == nil {
			p.mediaType = strings.ToLower(mt)
		}
		if r.StatusCode < 200 || r.StatusCode >= 300 {
			r.Request.Abort()
			return
		}
		if n, err := strconv.ParseInt(r.Headers.Get("Content-Length"), 10, 64); err == nil && n > i.cfg.MaxContentBytes {
			p.tooLarge = true
			r.Request.Abort()
		}
	})
	c.OnResponse(func(r *colly.Response) {
		if int64(len(r.Body)) > i.cfg.MaxContentBytes {
			p.tooLarge = true
			return
		}
		p.body = append([]byte(nil), r.Body...)
	})
	c.OnError(func(_ *colly.Response, err error) {
		*fetchErr = err
	})
	return c
}

type visit struct {
	page fetched
	err  error
}

// fetch visits uri once. A transfer aborted after the headers is not an
// error: the status or size recorded so far decides the outcome.
func (i *Ingester) fetch(ctx context.Context, uri string) (fetched, error) {
	done := make(chan visit, 1)
	go func() {
		var (
			v        visit
			fetchErr error
		)
		err := i.collector(ctx, &v.page, &fetchErr).Visit(uri)
		if err == nil {
			err = fetchErr
		}
		if err != nil && !errors.Is(err, colly.ErrAbortedAfterHeaders) {
			v.err = err
		}
		done <- v
	}()

	select {
	case <-ctx.Done():
		return fetched{}, fmt.Errorf("colly fetch canceled: %w", ctx.Err())
	case v := <-done:
		if v.err != nil {
			if errors.Is(v.err, colly.ErrMissingURL) {
				return v.page, fmt.Errorf("%w: %v", crawler.ErrMalformedURI, v.err)
			}
			return v.page, fmt.Errorf("colly visit failed: %w", v.err)
		}
		return v.page, nil
	}
}
