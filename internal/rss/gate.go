package rss

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/osteele/liquid"

	"github.com/ignite/push-dispatch/internal/domain"
	"github.com/ignite/push-dispatch/internal/pkg/logger"
	"github.com/ignite/push-dispatch/internal/service/dispatch"
)

const (
	defaultTitleTemplate   = "{{ item.title }}"
	defaultMessageTemplate = "{{ item.description | truncate: 120 }}"

	// counters outlive the UTC day they count so late increments still expire
	dailyCounterTTL = 25 * time.Hour
)

// ErrNoSegment is returned when a feed targets a segment that is gone.
var ErrNoSegment = errors.New("feed segment not found")

// FeedStore is the data access contract for feeds.
type FeedStore interface {
	// DueFeeds lists active feeds whose poll interval has elapsed.
	DueFeeds(ctx context.Context, now time.Time) ([]domain.Feed, error)
	// ClaimItem records guid as handled for a feed. It reports false when the
	// item was claimed before.
	ClaimItem(ctx context.Context, feedID, guid string) (bool, error)
	// AdvanceMarker records the newest item handled for a feed.
	AdvanceMarker(ctx context.Context, feedID, guid string, publishedAt *time.Time) error
	// MarkPolled records a completed poll.
	MarkPolled(ctx context.Context, feedID string, at time.Time) error
}

// DailyCounter is an atomic per-key check-and-increment.
// *worker.RateLimiter implements it.
type DailyCounter interface {
	CheckWindow(ctx context.Context, key string, limit int, ttl time.Duration) (bool, int64, error)
}

// Sender persists and dispatches a notification. *dispatch.Service implements it.
type Sender interface {
	CreateAndSend(ctx context.Context, n *domain.Notification) (*dispatch.Report, error)
}

// Event is a feed item arriving for a feed.
type Event struct {
	Feed *domain.Feed
	Item Item
}

// Result is what the gate did with an event.
type Result string

const (
	ResultSeen     Result = "seen"
	ResultBaseline Result = "baseline"
	ResultCapped   Result = "capped"
	ResultSent     Result = "sent"
)

// Gate decides whether a feed item becomes a notification.
type Gate struct {
	store   FeedStore
	counter DailyCounter
	sender  Sender

	engine *liquid.Engine
	cache  sync.Map // template source -> *liquid.Template
	now    func() time.Time
}

// NewGate creates a Gate. A nil counter disables the daily cap.
func NewGate(store FeedStore, counter DailyCounter, sender Sender) *Gate {
	return &Gate{
		store:   store,
		counter: counter,
		sender:  sender,
		engine:  liquid.NewEngine(),
		now:     time.Now,
	}
}

// Handle processes one item. Each GUID is claimed once per feed and only a
// fresh claim can send; the claim and the marker are stored before any send,
// also for items the daily cap drops, so a feed never re-sends an item.
// Items of a feed's first poll are recorded as a baseline and not sent.
func (g *Gate) Handle(ctx context.Context, ev Event) (Result, *dispatch.Report, error) {
	feed := ev.Feed
	if behindMarker(feed, ev.Item) {
		return ResultSeen, nil, nil
	}
	if ev.Item.GUID == "" {
		logger.Warn("rss item without guid or link", "feed_id", feed.ID, "title", ev.Item.Title)
		return ResultSeen, nil, nil
	}

	claimed, err := g.store.ClaimItem(ctx, feed.ID, ev.Item.GUID)
	if err != nil {
		return "", nil, fmt.Errorf("claim item %s of feed %s: %w", ev.Item.GUID, feed.ID, err)
	}
	if !claimed {
		return ResultSeen, nil, nil
	}

	if feed.LastPolledAt == nil {
		if err := g.advance(ctx, feed, ev.Item); err != nil {
			return "", nil, err
		}
		return ResultBaseline, nil, nil
	}

	allowed := true
	if feed.MaxPerDay > 0 && g.counter != nil {
		key := fmt.Sprintf("rss:daily:%s:%s", feed.ID, g.now().UTC().Format("2006-01-02"))
		ok, count, err := g.counter.CheckWindow(ctx, key, feed.MaxPerDay, dailyCounterTTL)
		if err != nil {
			return "", nil, fmt.Errorf("daily cap for feed %s: %w", feed.ID, err)
		}
		allowed = ok
		if !ok {
			logger.Info("rss item over daily cap",
				"feed_id", feed.ID,
				"guid", ev.Item.GUID,
				"sent_today", count)
		}
	}

	if err := g.advance(ctx, feed, ev.Item); err != nil {
		return "", nil, err
	}
	if !allowed {
		return ResultCapped, nil, nil
	}

	n, err := g.Notification(feed, ev.Item)
	if err != nil {
		return "", nil, err
	}
	report, err := g.sender.CreateAndSend(ctx, n)
	if err != nil {
		if errors.Is(err, dispatch.ErrSegmentNotFound) {
			err = fmt.Errorf("%w: %w", ErrNoSegment, err)
		}
		return "", report, fmt.Errorf("send item %s of feed %s: %w", ev.Item.GUID, feed.ID, err)
	}
	return ResultSent, report, nil
}

// Notification renders an item into an RSS notification for feed.
func (g *Gate) Notification(feed *domain.Feed, item Item) (*domain.Notification, error) {
	bindings := map[string]any{
		"item": map[string]any{
			"guid":         item.GUID,
			"title":        item.Title,
			"description":  item.Description,
			"link":         item.Link,
			"image":        item.ImageURL,
			"author":       item.Author,
			"categories":   item.Categories,
			"published_at": item.PublishedAt,
		},
		"feed": map[string]any{
			"id":  feed.ID,
			"url": feed.URL,
		},
	}

	title, err := g.render(orDefault(feed.TitleTemplate, defaultTitleTemplate), bindings)
	if err != nil {
		return nil, fmt.Errorf("render title of feed %s: %w", feed.ID, err)
	}
	message, err := g.render(orDefault(feed.MessageTemplate, defaultMessageTemplate), bindings)
	if err != nil {
		return nil, fmt.Errorf("render message of feed %s: %w", feed.ID, err)
	}

	dest := item.Link
	if dest == "" {
		dest = feed.URL
	}
	feedID := feed.ID
	return &domain.Notification{
		SiteID:         feed.SiteID,
		Type:           domain.NotificationRSS,
		Title:          title,
		Message:        message,
		IconURL:        feed.IconURL,
		ImageURL:       item.ImageURL,
		DestinationURL: dest,
		SegmentID:      feed.SegmentID,
		FeedID:         &feedID,
	}, nil
}

func (g *Gate) render(src string, bindings map[string]any) (string, error) {
	var tpl *liquid.Template
	if cached, ok := g.cache.Load(src); ok {
		tpl = cached.(*liquid.Template)
	} else {
		parsed, err := g.engine.ParseString(src)
		if err != nil {
			return "", err
		}
		g.cache.Store(src, parsed)
		tpl = parsed
	}
	out, err := tpl.RenderString(bindings)
	if err != nil {
		return "", err
	}
	return out, nil
}

func (g *Gate) advance(ctx context.Context, feed *domain.Feed, item Item) error {
	var published *time.Time
	if !item.PublishedAt.IsZero() {
		p := item.PublishedAt
		published = &p
	}
	if err := g.store.AdvanceMarker(ctx, feed.ID, item.GUID, published); err != nil {
		return fmt.Errorf("advance marker of feed %s: %w", feed.ID, err)
	}
	feed.LastItemGUID = item.GUID
	if published != nil && (feed.LastItemPublishedAt == nil || published.After(*feed.LastItemPublishedAt)) {
		feed.LastItemPublishedAt = published
	}
	return nil
}

// behindMarker reports whether item is the marker item or older than it.
func behindMarker(feed *domain.Feed, item Item) bool {
	if item.GUID != "" && item.GUID == feed.LastItemGUID {
		return true
	}
	return feed.LastItemPublishedAt != nil && !item.PublishedAt.IsZero() &&
		item.PublishedAt.Before(*feed.LastItemPublishedAt)
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}
