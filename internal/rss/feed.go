// Package rss turns new feed items into RSS-type push notifications.
package rss

import (
	"context"
	"fmt"
	"html"
	"net/http"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/mmcdole/gofeed"
)

// Item is one feed entry in the shape templates see it.
type Item struct {
	GUID        string
	Title       string
	Description string
	Link        string
	ImageURL    string
	Author      string
	Categories  []string
	PublishedAt time.Time
}

// Fetcher downloads and parses feeds.
type Fetcher struct {
	parser *gofeed.Parser
}

// NewFetcher creates a Fetcher. A nil client uses gofeed's default.
func NewFetcher(client *http.Client) *Fetcher {
	p := gofeed.NewParser()
	if client != nil {
		p.Client = client
	}
	p.UserAgent = "push-dispatch-rss/1.0"
	return &Fetcher{parser: p}
}

// Fetch returns the feed's items oldest first. Items without a published
// time keep their document order after the dated ones.
func (f *Fetcher) Fetch(ctx context.Context, url string) ([]Item, error) {
	feed, err := f.parser.ParseURLWithContext(url, ctx)
	if err != nil {
		return nil, fmt.Errorf("fetch feed %s: %w", url, err)
	}

	items := make([]Item, 0, len(feed.Items))
	for _, it := range feed.Items {
		items = append(items, parseItem(it))
	}
	// feeds list newest first; process in publication order
	sort.SliceStable(items, func(i, j int) bool {
		a, b := items[i].PublishedAt, items[j].PublishedAt
		if a.IsZero() || b.IsZero() {
			return !a.IsZero() && b.IsZero()
		}
		return a.Before(b)
	})
	return items, nil
}

func parseItem(item *gofeed.Item) Item {
	out := Item{
		GUID:        item.GUID,
		Title:       strings.TrimSpace(item.Title),
		Description: stripHTML(item.Description),
		Link:        item.Link,
		Categories:  item.Categories,
	}

	// Use link as GUID if none provided
	if out.GUID == "" {
		out.GUID = item.Link
	}

	if item.PublishedParsed != nil {
		out.PublishedAt = item.PublishedParsed.UTC()
	} else if item.UpdatedParsed != nil {
		out.PublishedAt = item.UpdatedParsed.UTC()
	}

	if item.Image != nil {
		out.ImageURL = item.Image.URL
	} else {
		for _, enc := range item.Enclosures {
			if strings.HasPrefix(enc.Type, "image/") {
				out.ImageURL = enc.URL
				break
			}
		}
	}

	if len(item.Authors) > 0 && item.Authors[0] != nil {
		out.Author = item.Authors[0].Name
	}
	return out
}

var tagPattern = regexp.MustCompile(`<[^>]*>`)

func stripHTML(input string) string {
	text := tagPattern.ReplaceAllString(input, "")
	text = html.UnescapeString(text)
	return strings.Join(strings.Fields(text), " ")
}
