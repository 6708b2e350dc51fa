package rss

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ignite/push-dispatch/internal/domain"
	"github.com/ignite/push-dispatch/internal/service/dispatch"
)

var gateNow = time.Date(2026, 6, 2, 14, 0, 0, 0, time.UTC)

type memFeeds struct {
	mu       sync.Mutex
	markers  []string
	claims   map[string]bool
	polled   map[string]time.Time
	feeds    []domain.Feed
	err      error
	claimErr error
}

func (m *memFeeds) ClaimItem(_ context.Context, feedID, guid string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.claimErr != nil {
		return false, m.claimErr
	}
	if m.claims == nil {
		m.claims = make(map[string]bool)
	}
	key := feedID + ":" + guid
	if m.claims[key] {
		return false, nil
	}
	m.claims[key] = true
	return true, nil
}

func (m *memFeeds) DueFeeds(_ context.Context, _ time.Time) ([]domain.Feed, error) {
	return m.feeds, nil
}

func (m *memFeeds) AdvanceMarker(_ context.Context, feedID, guid string, _ *time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.markers = append(m.markers, feedID+":"+guid)
	return nil
}

func (m *memFeeds) MarkPolled(_ context.Context, feedID string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.polled == nil {
		m.polled = make(map[string]time.Time)
	}
	m.polled[feedID] = at
	return nil
}

type recordingSender struct {
	mu   sync.Mutex
	sent []*domain.Notification
	err  error
}

func (r *recordingSender) CreateAndSend(_ context.Context, n *domain.Notification) (*dispatch.Report, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return nil, r.err
	}
	r.sent = append(r.sent, n)
	return &dispatch.Report{NotificationID: "n-" + n.Title, Status: domain.StatusCompleted}, nil
}

// redisCounter mirrors the production check-and-increment on miniredis.
type redisCounter struct {
	client *redis.Client
}

func (c redisCounter) CheckWindow(ctx context.Context, key string, limit int, ttl time.Duration) (bool, int64, error) {
	n, err := c.client.Get(ctx, key).Int64()
	if err != nil && !errors.Is(err, redis.Nil) {
		return false, 0, err
	}
	if int(n)+1 > limit {
		return false, n, nil
	}
	n, err = c.client.Incr(ctx, key).Result()
	if err != nil {
		return false, 0, err
	}
	if n == 1 {
		c.client.Expire(ctx, key, ttl)
	}
	return true, n, nil
}

func newGate(t *testing.T, counter DailyCounter) (*Gate, *memFeeds, *recordingSender) {
	t.Helper()
	store := &memFeeds{}
	sender := &recordingSender{}
	g := NewGate(store, counter, sender)
	g.now = func() time.Time { return gateNow }
	return g, store, sender
}

func testFeed() *domain.Feed {
	seg := "seg-news"
	polled := gateNow.Add(-15 * time.Minute)
	return &domain.Feed{
		LastPolledAt:    &polled,
		ID:              "feed-1",
		SiteID:          "site-1",
		URL:             "https://blog.example.com/feed.xml",
		SegmentID:       &seg,
		TitleTemplate:   "New: {{ item.title }}",
		MessageTemplate: "{{ item.description }} ({{ feed.id }})",
		IconURL:         "https://blog.example.com/icon.png",
		IsActive:        true,
	}
}

func item(guid string, at time.Time) Item {
	return Item{
		GUID:        guid,
		Title:       "Post " + guid,
		Description: "About " + guid,
		Link:        "https://blog.example.com/" + guid,
		PublishedAt: at,
	}
}

func TestGate_RendersAndSends(t *testing.T) {
	g, store, sender := newGate(t, nil)
	feed := testFeed()

	res, report, err := g.Handle(context.Background(), Event{Feed: feed, Item: item("p1", gateNow)})
	require.NoError(t, err)
	assert.Equal(t, ResultSent, res)
	require.NotNil(t, report)

	require.Len(t, sender.sent, 1)
	n := sender.sent[0]
	assert.Equal(t, "New: Post p1", n.Title)
	assert.Equal(t, "About p1 (feed-1)", n.Message)
	assert.Equal(t, domain.NotificationRSS, n.Type)
	assert.Equal(t, "site-1", n.SiteID)
	assert.Equal(t, "https://blog.example.com/p1", n.DestinationURL)
	assert.Equal(t, "seg-news", *n.SegmentID)
	assert.Equal(t, "feed-1", *n.FeedID)

	assert.Equal(t, []string{"feed-1:p1"}, store.markers)
	assert.Equal(t, "p1", feed.LastItemGUID)
}

func TestGate_DropsSeenItems(t *testing.T) {
	g, _, sender := newGate(t, nil)
	feed := testFeed()
	marker := gateNow.Add(-time.Hour)
	feed.LastItemGUID = "p1"
	feed.LastItemPublishedAt = &marker

	for _, it := range []Item{
		item("p1", gateNow),
		item("p0", marker.Add(-time.Minute)),
		item("old", marker.Add(-24*time.Hour)),
	} {
		res, _, err := g.Handle(context.Background(), Event{Feed: feed, Item: it})
		require.NoError(t, err)
		assert.Equal(t, ResultSeen, res, it.GUID)
	}
	assert.Empty(t, sender.sent)

	res, _, err := g.Handle(context.Background(), Event{Feed: feed, Item: item("p2", gateNow)})
	require.NoError(t, err)
	assert.Equal(t, ResultSent, res)
}

func TestGate_SameItemTwiceSendsOnce(t *testing.T) {
	g, _, sender := newGate(t, nil)
	feed := testFeed()
	ev := Event{Feed: feed, Item: item("p1", gateNow)}

	_, _, err := g.Handle(context.Background(), ev)
	require.NoError(t, err)
	res, _, err := g.Handle(context.Background(), ev)
	require.NoError(t, err)

	assert.Equal(t, ResultSeen, res)
	assert.Len(t, sender.sent, 1)
}

func TestGate_UndatedItemsSendOnceAcrossPolls(t *testing.T) {
	g, _, sender := newGate(t, nil)
	feed := testFeed()
	poll := []Item{item("x", time.Time{}), item("y", time.Time{})}

	for i := 0; i < 2; i++ {
		for _, it := range poll {
			_, _, err := g.Handle(context.Background(), Event{Feed: feed, Item: it})
			require.NoError(t, err)
		}
	}

	require.Len(t, sender.sent, 2)
	assert.Equal(t, "New: Post x", sender.sent[0].Title)
	assert.Equal(t, "New: Post y", sender.sent[1].Title)
}

func TestGate_ItemsSharingTimestampAllSend(t *testing.T) {
	g, _, sender := newGate(t, nil)
	feed := testFeed()
	marker := gateNow.Add(-time.Hour)
	feed.LastItemGUID = "old"
	feed.LastItemPublishedAt = &marker

	var results []Result
	for _, guid := range []string{"a", "b"} {
		res, _, err := g.Handle(context.Background(), Event{Feed: feed, Item: item(guid, gateNow)})
		require.NoError(t, err)
		results = append(results, res)
	}

	assert.Equal(t, []Result{ResultSent, ResultSent}, results)
	assert.Len(t, sender.sent, 2)
}

func TestGate_FirstPollRecordsBaseline(t *testing.T) {
	g, store, sender := newGate(t, nil)
	feed := testFeed()
	feed.LastPolledAt = nil

	for i := 0; i < 20; i++ {
		res, _, err := g.Handle(context.Background(), Event{
			Feed: feed,
			Item: item(fmt.Sprintf("h%02d", i), gateNow.Add(time.Duration(i-20)*time.Hour)),
		})
		require.NoError(t, err)
		assert.Equal(t, ResultBaseline, res)
	}
	assert.Empty(t, sender.sent)
	assert.Len(t, store.markers, 20)
	assert.Equal(t, "h19", feed.LastItemGUID)

	// next poll: history is seen, a new item sends
	polled := gateNow
	feed.LastPolledAt = &polled
	res, _, err := g.Handle(context.Background(), Event{Feed: feed, Item: item("h19", gateNow.Add(-time.Hour))})
	require.NoError(t, err)
	assert.Equal(t, ResultSeen, res)

	res, _, err = g.Handle(context.Background(), Event{Feed: feed, Item: item("fresh", gateNow)})
	require.NoError(t, err)
	assert.Equal(t, ResultSent, res)
	assert.Len(t, sender.sent, 1)
}

func TestGate_ClaimFailureSkipsSend(t *testing.T) {
	g, store, sender := newGate(t, nil)
	store.claimErr = errors.New("db down")

	_, _, err := g.Handle(context.Background(), Event{Feed: testFeed(), Item: item("p1", gateNow)})
	assert.Error(t, err)
	assert.Empty(t, sender.sent)
	assert.Empty(t, store.markers)
}

func TestGate_DailyCapAdvancesMarker(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	g, store, sender := newGate(t, redisCounter{client: client})
	feed := testFeed()
	feed.MaxPerDay = 2

	var results []Result
	for i, guid := range []string{"a", "b", "c"} {
		res, _, err := g.Handle(context.Background(), Event{
			Feed: feed,
			Item: item(guid, gateNow.Add(time.Duration(i)*time.Minute)),
		})
		require.NoError(t, err)
		results = append(results, res)
	}

	assert.Equal(t, []Result{ResultSent, ResultSent, ResultCapped}, results)
	assert.Len(t, sender.sent, 2)
	assert.Equal(t, []string{"feed-1:a", "feed-1:b", "feed-1:c"}, store.markers)
	assert.Equal(t, "c", feed.LastItemGUID)

	key := "rss:daily:feed-1:2026-06-02"
	assert.Equal(t, "2", mustGet(t, mr, key))
	assert.Equal(t, dailyCounterTTL, mr.TTL(key))
}

func mustGet(t *testing.T, mr *miniredis.Miniredis, key string) string {
	t.Helper()
	v, err := mr.Get(key)
	require.NoError(t, err)
	return v
}

func TestGate_MarkerFailureSkipsSend(t *testing.T) {
	g, store, sender := newGate(t, nil)
	store.err = errors.New("db down")

	_, _, err := g.Handle(context.Background(), Event{Feed: testFeed(), Item: item("p1", gateNow)})
	assert.Error(t, err)
	assert.Empty(t, sender.sent)
}

func TestGate_SendFailureWrapsSegmentError(t *testing.T) {
	g, _, sender := newGate(t, nil)
	sender.err = dispatch.ErrSegmentNotFound

	_, _, err := g.Handle(context.Background(), Event{Feed: testFeed(), Item: item("p1", gateNow)})
	assert.ErrorIs(t, err, ErrNoSegment)
}

func TestGate_DefaultTemplatesAndFallbackLink(t *testing.T) {
	g, _, _ := newGate(t, nil)
	feed := testFeed()
	feed.TitleTemplate = ""
	feed.MessageTemplate = ""

	it := item("p1", gateNow)
	it.Link = ""
	n, err := g.Notification(feed, it)
	require.NoError(t, err)
	assert.Equal(t, "Post p1", n.Title)
	assert.Equal(t, "About p1", n.Message)
	assert.Equal(t, feed.URL, n.DestinationURL)
}

func TestGate_BadTemplate(t *testing.T) {
	g, _, _ := newGate(t, nil)
	feed := testFeed()
	feed.TitleTemplate = "{{ item.title "

	_, err := g.Notification(feed, item("p1", gateNow))
	assert.Error(t, err)
}
