// Package parser extracts links from ingested documents and feeds them back
// to the scheduler one crawl level deeper.
package parser

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/stagecrawler/internal/crawler"
	"github.com/JakeFAU/stagecrawler/internal/scheduler"
)

// Parser is the parser stage processor.
type Parser struct {
	extractor crawler.LinkExtractor
	store     crawler.ContentStore
	sched     crawler.Queue
	logger    *zap.Logger
	now       func() time.Time
}

// New constructs a Parser.
func New(extractor crawler.LinkExtractor, store crawler.ContentStore, sched crawler.Queue, logger *zap.Logger) (*Parser, error) {
	if extractor == nil || store == nil || sched == nil {
		return nil, errors.New("parser: extractor, content store and scheduler queue are required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Parser{extractor: extractor, store: store, sched: sched, logger: logger, now: time.Now}, nil
}

// Process implements engine.Processor. Links are grouped by authority, in
// order of first appearance, into one SchedulerRequest each at depth+1.
func (p *Parser) Process(ctx context.Context, req crawler.Request) (crawler.Result, error) {
	pr, ok := req.(*crawler.ParseRequest)
	if !ok {
		return nil, fmt.Errorf("parser: unexpected request %T", req)
	}
	start := p.now()
	out := func() crawler.Outcome {
		return crawler.Outcome{URI: pr.URI, StartedAt: start, Elapsed: p.now().Sub(start)}
	}

	content, err := p.store.Get(ctx, pr.ContentHandle)
	if err != nil {
		p.logger.Warn("load content", zap.String("handle", pr.ContentHandle), zap.Error(err))
		return crawler.ParseFailure{Outcome: out(), FailureReason: crawler.FailureUnknown}, nil
	}
	links, err := p.extractor.ExtractLinks(ctx, pr.URI, content)
	if err != nil {
		p.logger.Debug("extract links", zap.String("uri", pr.URI), zap.Error(err))
		return crawler.ParseFailure{Outcome: out(), FailureReason: crawler.FailureUnknown}, nil
	}

	var order []string
	paths := make(map[string][]string)
	for _, link := range links {
		authority, pathAndQuery, err := crawler.SplitAuthority(link)
		if err != nil {
			continue
		}
		if _, ok := paths[authority]; !ok {
			order = append(order, authority)
		}
		paths[authority] = append(paths[authority], pathAndQuery)
	}
	for _, authority := range order {
		next := &crawler.SchedulerRequest{
			RequestMeta: crawler.NewRequestMeta(p.now()),
			Authority:   authority,
			Paths:       paths[authority],
			Depth:       pr.Depth + 1,
		}
		if err := scheduler.Submit(ctx, p.sched, next); err != nil {
			return nil, fmt.Errorf("enqueue scheduler request: %w", err)
		}
	}
	return crawler.ParseSuccess{Outcome: out(), LinksFound: len(links), SchedulerRequests: len(order)}, nil
}
