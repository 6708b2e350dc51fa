package worker

import (
	"context"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ignite/push-dispatch/internal/domain"
	"github.com/ignite/push-dispatch/internal/rss"
	"github.com/ignite/push-dispatch/internal/service/dispatch"
)

// FeedFetcher returns a feed's items oldest first. *rss.Fetcher implements it.
type FeedFetcher interface {
	Fetch(ctx context.Context, url string) ([]rss.Item, error)
}

// ItemGate decides what happens to one item. *rss.Gate implements it.
type ItemGate interface {
	Handle(ctx context.Context, ev rss.Event) (rss.Result, *dispatch.Report, error)
}

// RSSPoller handles background polling of RSS feeds
type RSSPoller struct {
	store   rss.FeedStore
	fetcher FeedFetcher
	gate    ItemGate

	// Configuration
	pollInterval  time.Duration
	maxConcurrent int
	now           func() time.Time

	// Stats
	totalPolls     int64
	totalItems     int64
	totalSent      int64
	totalCapped    int64
	totalBaselined int64
	totalErrors    int64

	// Control
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	mu      sync.RWMutex
	running bool
}

// RSSPollerConfig holds configuration for the RSS poller
type RSSPollerConfig struct {
	PollInterval  time.Duration // How often to check for feeds due for polling
	MaxConcurrent int           // Maximum concurrent feed fetches
}

// DefaultRSSPollerConfig returns default configuration
func DefaultRSSPollerConfig() RSSPollerConfig {
	return RSSPollerConfig{
		PollInterval:  15 * time.Minute,
		MaxConcurrent: 5,
	}
}

// NewRSSPoller creates a new RSS poller
func NewRSSPoller(store rss.FeedStore, fetcher FeedFetcher, gate ItemGate, config RSSPollerConfig) *RSSPoller {
	def := DefaultRSSPollerConfig()
	if config.PollInterval <= 0 {
		config.PollInterval = def.PollInterval
	}
	if config.MaxConcurrent <= 0 {
		config.MaxConcurrent = def.MaxConcurrent
	}

	return &RSSPoller{
		store:         store,
		fetcher:       fetcher,
		gate:          gate,
		pollInterval:  config.PollInterval,
		maxConcurrent: config.MaxConcurrent,
		now:           time.Now,
	}
}

// Start begins the RSS poller background goroutine
func (p *RSSPoller) Start() {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return
	}
	p.running = true
	p.ctx, p.cancel = context.WithCancel(context.Background())
	p.mu.Unlock()

	log.Printf("[RSSPoller] Starting with poll_interval=%s, max_concurrent=%d",
		p.pollInterval, p.maxConcurrent)

	p.wg.Add(1)
	go p.pollLoop()
}

// Stop gracefully stops the RSS poller
func (p *RSSPoller) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	p.cancel()
	p.mu.Unlock()

	log.Println("[RSSPoller] Stopping...")
	p.wg.Wait()

	log.Printf("[RSSPoller] Stopped. Stats: polls=%d, items=%d, sent=%d, capped=%d, baselined=%d, errors=%d",
		atomic.LoadInt64(&p.totalPolls),
		atomic.LoadInt64(&p.totalItems),
		atomic.LoadInt64(&p.totalSent),
		atomic.LoadInt64(&p.totalCapped),
		atomic.LoadInt64(&p.totalBaselined),
		atomic.LoadInt64(&p.totalErrors))
}

// Stats returns current polling statistics
func (p *RSSPoller) Stats() map[string]int64 {
	return map[string]int64{
		"total_polls":     atomic.LoadInt64(&p.totalPolls),
		"total_items":     atomic.LoadInt64(&p.totalItems),
		"total_sent":      atomic.LoadInt64(&p.totalSent),
		"total_capped":    atomic.LoadInt64(&p.totalCapped),
		"total_baselined": atomic.LoadInt64(&p.totalBaselined),
		"total_errors":    atomic.LoadInt64(&p.totalErrors),
	}
}

// IsRunning returns whether the poller is currently running
func (p *RSSPoller) IsRunning() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.running
}

// PollResult contains the result of polling a single feed
type PollResult struct {
	FeedID     string   `json:"feed_id"`
	ItemsFound int      `json:"items_found"`
	Sent       int      `json:"sent"`
	Capped     int      `json:"capped"`
	Baselined  int      `json:"baselined"`
	Errors     []string `json:"errors,omitempty"`
}

// pollLoop is the main polling loop
func (p *RSSPoller) pollLoop() {
	defer p.wg.Done()

	ticker := time.NewTicker(p.pollInterval)
	defer ticker.Stop()

	// Poll immediately on start
	if err := p.PollDueFeeds(p.ctx); err != nil {
		log.Printf("[RSSPoller] Initial poll error: %v", err)
	}

	for {
		select {
		case <-p.ctx.Done():
			return
		case <-ticker.C:
			if err := p.PollDueFeeds(p.ctx); err != nil {
				log.Printf("[RSSPoller] Poll cycle error: %v", err)
			}
		}
	}
}

// PollDueFeeds fetches and processes all feeds due for polling
func (p *RSSPoller) PollDueFeeds(ctx context.Context) error {
	feeds, err := p.store.DueFeeds(ctx, p.now())
	if err != nil {
		return fmt.Errorf("list due feeds: %w", err)
	}
	if len(feeds) == 0 {
		return nil
	}

	log.Printf("[RSSPoller] Found %d feeds due for polling", len(feeds))
	atomic.AddInt64(&p.totalPolls, 1)

	// Process with concurrency limit
	sem := make(chan struct{}, p.maxConcurrent)
	var wg sync.WaitGroup

	for _, feed := range feeds {
		select {
		case <-ctx.Done():
			wg.Wait()
			return ctx.Err()
		case sem <- struct{}{}:
			wg.Add(1)
			go func(f domain.Feed) {
				defer wg.Done()
				defer func() { <-sem }()

				result, err := p.PollFeed(ctx, &f)
				if err != nil {
					log.Printf("[RSSPoller] Error processing feed %s: %v", f.ID, err)
					atomic.AddInt64(&p.totalErrors, 1)
					return
				}
				if result.Sent > 0 || result.Capped > 0 || result.Baselined > 0 {
					log.Printf("[RSSPoller] Processed %s: found=%d, sent=%d, capped=%d, baselined=%d",
						f.ID, result.ItemsFound, result.Sent, result.Capped, result.Baselined)
				}
			}(feed)
		}
	}

	wg.Wait()
	return nil
}

// PollFeed polls one feed and runs its items through the gate, oldest first.
// Items of one feed are handled sequentially so the marker only moves forward.
// A feed that was never polled gets its current items recorded, not sent.
func (p *RSSPoller) PollFeed(ctx context.Context, feed *domain.Feed) (*PollResult, error) {
	result := &PollResult{FeedID: feed.ID}

	items, err := p.fetcher.Fetch(ctx, feed.URL)
	if err != nil {
		return result, err
	}
	result.ItemsFound = len(items)
	atomic.AddInt64(&p.totalItems, int64(len(items)))

	for _, item := range items {
		if ctx.Err() != nil {
			return result, ctx.Err()
		}
		res, _, err := p.gate.Handle(ctx, rss.Event{Feed: feed, Item: item})
		if err != nil {
			result.Errors = append(result.Errors, err.Error())
			atomic.AddInt64(&p.totalErrors, 1)
			continue
		}
		switch res {
		case rss.ResultSent:
			result.Sent++
			atomic.AddInt64(&p.totalSent, 1)
		case rss.ResultCapped:
			result.Capped++
			atomic.AddInt64(&p.totalCapped, 1)
		case rss.ResultBaseline:
			result.Baselined++
			atomic.AddInt64(&p.totalBaselined, 1)
		}
	}

	if err := p.store.MarkPolled(ctx, feed.ID, p.now()); err != nil {
		log.Printf("[RSSPoller] Failed to update last_polled_at for %s: %v", feed.ID, err)
	}
	return result, nil
}
