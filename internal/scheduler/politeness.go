package scheduler

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// politeness spaces admissions to the same domain by at least a delay. Each
// domain owns a limiter with burst 1, so the first admission is immediate and
// later ones are held until the window elapses.
type politeness struct {
	delay    time.Duration
	observe  func(domain string, waited time.Duration)
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

func newPoliteness(delay time.Duration, observe func(string, time.Duration)) *politeness {
	return &politeness{
		delay:    delay,
		observe:  observe,
		limiters: make(map[string]*rate.Limiter),
	}
}

func (p *politeness) limiter(domain string) *rate.Limiter {
	domain = strings.ToLower(domain)
	p.mu.Lock()
	defer p.mu.Unlock()
	l, ok := p.limiters[domain]
	if !ok {
		l = rate.NewLimiter(rate.Every(p.delay), 1)
		p.limiters[domain] = l
	}
	return l
}

// Raise widens a domain's window to at least d, e.g. for a robots crawl-delay.
func (p *politeness) Raise(domain string, d time.Duration) {
	if d <= p.delay {
		return
	}
	l := p.limiter(domain)
	if want := rate.Every(d); want < l.Limit() {
		l.SetLimit(want)
	}
}

// Reserve claims the domain's next admission slot. The caller either holds
// for the reservation's delay or cancels it.
func (p *politeness) Reserve(domain string) *rate.Reservation {
	return p.limiter(domain).Reserve()
}

// Hold blocks for the reservation's delay, canceling it when ctx ends first.
func (p *politeness) Hold(ctx context.Context, domain string, r *rate.Reservation) error {
	delay := r.Delay()
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		r.Cancel()
		return fmt.Errorf("politeness wait: %w", ctx.Err())
	case <-timer.C:
	}
	if delay > time.Millisecond && p.observe != nil {
		p.observe(strings.ToLower(domain), delay)
	}
	return nil
}
