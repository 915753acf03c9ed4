package robots

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/JakeFAU/stagecrawler/internal/crawler"
	"github.com/JakeFAU/stagecrawler/internal/kvstore"
)

// DefaultTTL applies when no cache interval is configured.
const DefaultTTL = 24 * time.Hour

// DefaultFailOpenTTL bounds how long allow-all rules installed after a failed
// fetch stay valid.
const DefaultFailOpenTTL = time.Minute

const kvPrefix = "robots:"

// CacheConfig controls Cache behavior.
type CacheConfig struct {
	TTL         time.Duration
	FailOpenTTL time.Duration
	UserAgent   string
}

// Cache holds parsed rules per authority. Expired entries count as absent and
// are refreshed on demand rather than evicted eagerly.
type Cache struct {
	fetcher Fetcher
	store   kvstore.Store
	cfg     CacheConfig
	logger  *zap.Logger
	now     func() time.Time

	group   singleflight.Group
	mu      sync.Mutex
	entries map[string]*Rules
	waiters map[string]chan struct{}
}

// NewCache constructs a Cache. store may be nil for a process-local cache.
func NewCache(fetcher Fetcher, store kvstore.Store, cfg CacheConfig, logger *zap.Logger) *Cache {
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	if cfg.FailOpenTTL <= 0 {
		cfg.FailOpenTTL = DefaultFailOpenTTL
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Cache{
		fetcher: fetcher,
		store:   store,
		cfg:     cfg,
		logger:  logger,
		now:     time.Now,
		entries: make(map[string]*Rules),
		waiters: make(map[string]chan struct{}),
	}
}

// WithClock overrides the time source (useful for testing).
func (c *Cache) WithClock(now func() time.Time) *Cache {
	c.now = now
	return c
}

// TTL returns the configured cache interval.
func (c *Cache) TTL() time.Duration { return c.cfg.TTL }

func authorityKey(uri string) (string, error) {
	authority, _, err := crawler.SplitAuthority(uri)
	if err != nil {
		return "", err
	}
	return strings.ToLower(authority), nil
}

// GetRobotsTxt reports whether a valid entry exists for the URI's authority.
// When it does, ifExists is invoked with the rules. A local miss consults the
// shared store before reporting absence.
func (c *Cache) GetRobotsTxt(ctx context.Context, uri string, ifExists func(*Rules)) (bool, error) {
	key, err := authorityKey(uri)
	if err != nil {
		return false, err
	}
	rules := c.lookup(key)
	if rules == nil && c.store != nil {
		rules, err = c.loadShared(ctx, key)
		if err != nil {
			c.logger.Warn("shared robots lookup failed", zap.String("authority", key), zap.Error(err))
		}
		if rules != nil {
			rules = c.install(rules)
		}
	}
	if rules == nil {
		return false, nil
	}
	if ifExists != nil {
		ifExists(rules)
	}
	return true, nil
}

func (c *Cache) lookup(key string) *Rules {
	c.mu.Lock()
	defer c.mu.Unlock()
	r, ok := c.entries[key]
	if !ok || r.Expired(c.now()) {
		return nil
	}
	return r
}

type sharedRecord struct {
	StatusCode int       `json:"status_code"`
	Content    []byte    `json:"content"`
	FetchedAt  time.Time `json:"fetched_at"`
	ExpiresAt  time.Time `json:"expires_at"`
}

func (c *Cache) loadShared(ctx context.Context, key string) (*Rules, error) {
	raw, ok, err := c.store.Get(ctx, kvPrefix+key)
	if err != nil || !ok {
		return nil, err
	}
	var rec sharedRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, fmt.Errorf("decode shared robots record: %w", err)
	}
	rules, err := Parse(key, rec.StatusCode, rec.Content, rec.FetchedAt, rec.ExpiresAt.Sub(rec.FetchedAt), c.cfg.UserAgent)
	if err != nil {
		return nil, err
	}
	if rules.Expired(c.now()) {
		return nil, nil
	}
	return rules, nil
}

func (c *Cache) storeShared(ctx context.Context, r *Rules) {
	if c.store == nil {
		return
	}
	raw, err := json.Marshal(sharedRecord{
		StatusCode: r.StatusCode,
		Content:    r.Content,
		FetchedAt:  r.FetchedAt,
		ExpiresAt:  r.ExpiresAt,
	})
	if err != nil {
		c.logger.Warn("encode robots record", zap.Error(err))
		return
	}
	ttl := r.ExpiresAt.Sub(c.now())
	if ttl <= 0 {
		return
	}
	if err := c.store.Put(ctx, kvPrefix+r.Authority, raw, ttl); err != nil {
		c.logger.Warn("share robots record", zap.String("authority", r.Authority), zap.Error(err))
	}
}

// install stores r unless the current entry was fetched later, and returns
// whichever entry won. Waiters for the authority are released either way.
func (c *Cache) install(r *Rules) *Rules {
	c.mu.Lock()
	defer c.mu.Unlock()
	winner := r
	if cur, ok := c.entries[r.Authority]; ok && cur.FetchedAt.After(r.FetchedAt) {
		winner = cur
	} else {
		c.entries[r.Authority] = r
	}
	if ch, ok := c.waiters[r.Authority]; ok {
		close(ch)
		delete(c.waiters, r.Authority)
	}
	return winner
}

// AddOrUpdateRobotsForHost fetches and installs the rules for the URI's
// authority with the given ttl and returns the raw content. Concurrent calls
// for the same authority share one fetch. A transport failure installs
// short-lived allow-all rules so deferred work is released, and the error is
// returned.
func (c *Cache) AddOrUpdateRobotsForHost(ctx context.Context, uri string, ttl time.Duration) (*Rules, error) {
	key, err := authorityKey(uri)
	if err != nil {
		return nil, err
	}
	if ttl <= 0 {
		ttl = c.cfg.TTL
	}
	v, err, shared := c.group.Do(key, func() (any, error) {
		return c.refresh(ctx, key, ttl)
	})
	if shared {
		c.logger.Debug("robots fetch shared", zap.String("authority", key))
	}
	rules, _ := v.(*Rules)
	return rules, err
}

func (c *Cache) refresh(ctx context.Context, key string, ttl time.Duration) (*Rules, error) {
	fetchedAt := c.now()
	failOpen := min(ttl, c.cfg.FailOpenTTL)
	status, body, err := c.fetcher.Fetch(ctx, key)
	if err != nil {
		c.logger.Warn("robots fetch failed; allowing access",
			zap.String("authority", key),
			zap.Duration("ttl", failOpen),
			zap.Error(err),
		)
		return c.install(AllowAll(key, fetchedAt, failOpen, c.cfg.UserAgent)), err
	}
	rules, err := Parse(key, status, body, fetchedAt, ttl, c.cfg.UserAgent)
	if err != nil {
		return c.install(AllowAll(key, fetchedAt, failOpen, c.cfg.UserAgent)), err
	}
	winner := c.install(rules)
	if winner == rules {
		c.storeShared(ctx, rules)
	}
	return winner, nil
}

// sharedPollInterval paces WaitForHost checks of the shared store, which
// another node may populate.
const sharedPollInterval = 250 * time.Millisecond

// WaitForHost blocks until a valid entry for the URI's authority is
// installed or ctx ends.
func (c *Cache) WaitForHost(ctx context.Context, uri string) error {
	key, err := authorityKey(uri)
	if err != nil {
		return err
	}
	var poll <-chan time.Time
	if c.store != nil {
		ticker := time.NewTicker(sharedPollInterval)
		defer ticker.Stop()
		poll = ticker.C
	}
	for {
		c.mu.Lock()
		if r, ok := c.entries[key]; ok && !r.Expired(c.now()) {
			c.mu.Unlock()
			return nil
		}
		ch, ok := c.waiters[key]
		if !ok {
			ch = make(chan struct{})
			c.waiters[key] = ch
		}
		c.mu.Unlock()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ch:
		case <-poll:
			if rules, err := c.loadShared(ctx, key); err == nil && rules != nil {
				c.install(rules)
			}
		}
	}
}
