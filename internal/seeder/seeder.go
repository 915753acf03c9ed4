// Package seeder loads the initial crawl frontier and submits it to the
// scheduler queue at depth zero.
package seeder

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/stagecrawler/internal/crawler"
	"github.com/JakeFAU/stagecrawler/internal/scheduler"
)

// Source selects where seeds come from.
type Source string

// Seed sources.
const (
	SourceFile   Source = "file"
	SourceConfig Source = "config"
)

// Config describes the seed source.
type Config struct {
	Source   Source
	FilePath string
	URIs     []string
}

// Report summarizes one seeding pass.
type Report struct {
	Seeds    int
	Requests int
	// Rejected lists malformed inputs that never entered the pipeline.
	Rejected []string
}

// Seeder submits seed URIs to the scheduler queue.
type Seeder struct {
	cfg    Config
	queue  crawler.Queue
	logger *zap.Logger
	now    func() time.Time
}

// New validates cfg and constructs a Seeder.
func New(cfg Config, queue crawler.Queue, logger *zap.Logger) (*Seeder, error) {
	switch cfg.Source {
	case SourceFile:
		if strings.TrimSpace(cfg.FilePath) == "" {
			return nil, fmt.Errorf("seeder: file source requires a file path")
		}
	case SourceConfig:
	default:
		return nil, fmt.Errorf("seeder: unknown source %q", cfg.Source)
	}
	if queue == nil {
		return nil, fmt.Errorf("seeder: scheduler queue is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Seeder{cfg: cfg, queue: queue, logger: logger, now: time.Now}, nil
}

// Load returns the raw seed entries from the configured source.
func (s *Seeder) Load() ([]string, error) {
	if s.cfg.Source == SourceConfig {
		return append([]string(nil), s.cfg.URIs...), nil
	}
	f, err := os.Open(s.cfg.FilePath)
	if err != nil {
		return nil, fmt.Errorf("open seed file: %w", err)
	}
	defer func() { _ = f.Close() }()
	return ReadLines(f)
}

// ReadLines reads one entry per line, skipping blank lines and # comments.
func ReadLines(r io.Reader) ([]string, error) {
	var out []string
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		out = append(out, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read seeds: %w", err)
	}
	return out, nil
}

// Seed validates every entry, groups valid URIs by authority and submits one
// SchedulerRequest per authority. Malformed entries are reported and dropped.
func (s *Seeder) Seed(ctx context.Context) (Report, error) {
	raw, err := s.Load()
	if err != nil {
		return Report{}, err
	}
	var (
		report Report
		order  []string
	)
	paths := make(map[string][]string)
	seen := make(map[string]struct{})
	for _, entry := range raw {
		normalized, err := crawler.NormalizeURL(entry)
		if err != nil {
			report.Rejected = append(report.Rejected, entry)
			s.logger.Warn("rejecting malformed seed", zap.String("seed", entry), zap.Error(err))
			continue
		}
		if _, dup := seen[normalized]; dup {
			continue
		}
		seen[normalized] = struct{}{}
		authority, pathAndQuery, err := crawler.SplitAuthority(normalized)
		if err != nil {
			report.Rejected = append(report.Rejected, entry)
			continue
		}
		if _, ok := paths[authority]; !ok {
			order = append(order, authority)
		}
		paths[authority] = append(paths[authority], pathAndQuery)
		report.Seeds++
	}

	for _, authority := range order {
		req := &crawler.SchedulerRequest{
			RequestMeta: crawler.NewRequestMeta(s.now()),
			Authority:   authority,
			Paths:       paths[authority],
			Depth:       0,
		}
		if err := scheduler.Submit(ctx, s.queue, req); err != nil {
			return report, fmt.Errorf("submit seeds for %s: %w", authority, err)
		}
		report.Requests++
	}
	s.logger.Info("seeded crawl",
		zap.Int("seeds", report.Seeds),
		zap.Int("requests", report.Requests),
		zap.Int("rejected", len(report.Rejected)),
	)
	return report, nil
}
