package segmentation

import (
	"math"
	"strings"
	"time"

	"github.com/ignite/push-dispatch/internal/domain"
)

// Rule field names. tags.<key> and metadata.<key> address the free-form maps.
const (
	FieldID                = "id"
	FieldEndpoint          = "endpoint"
	FieldSiteID            = "siteId"
	FieldBrowser           = "browser"
	FieldOS                = "os"
	FieldCountry           = "country"
	FieldIsActive          = "isActive"
	FieldSubscribedAt      = "subscribedAt"
	FieldLastSeenAt        = "lastSeenAt"
	FieldSubscribedDaysAgo = "subscribed_days_ago"

	tagsPrefix     = "tags."
	metadataPrefix = "metadata."
)

func knownField(field string) bool {
	switch field {
	case FieldID, FieldEndpoint, FieldSiteID, FieldBrowser, FieldOS, FieldCountry,
		FieldIsActive, FieldSubscribedAt, FieldLastSeenAt, FieldSubscribedDaysAgo:
		return true
	}
	return (strings.HasPrefix(field, tagsPrefix) && len(field) > len(tagsPrefix)) ||
		(strings.HasPrefix(field, metadataPrefix) && len(field) > len(metadataPrefix))
}

// resolved is a field lookup result. present is false only for a missing
// tags/metadata key; an explicit null is present with a nil value.
type resolved struct {
	value   any
	present bool
}

// resolve looks up a field. ok is false for fields the evaluator does not know.
func resolve(sub domain.Subscriber, field string, now time.Time) (r resolved, ok bool) {
	switch field {
	case FieldID:
		return attr(sub.ID), true
	case FieldEndpoint:
		return attr(sub.Endpoint), true
	case FieldSiteID:
		return attr(sub.SiteID), true
	case FieldBrowser:
		return attr(sub.Browser), true
	case FieldOS:
		return attr(sub.OS), true
	case FieldCountry:
		return attr(sub.Country), true
	case FieldIsActive:
		return resolved{value: sub.IsActive, present: true}, true
	case FieldSubscribedAt:
		return timeAttr(sub.SubscribedAt), true
	case FieldLastSeenAt:
		return timeAttr(sub.LastSeenAt), true
	case FieldSubscribedDaysAgo:
		if sub.SubscribedAt.IsZero() {
			return resolved{present: true}, true
		}
		days := math.Floor(now.Sub(sub.SubscribedAt).Hours() / 24)
		return resolved{value: days, present: true}, true
	}

	if key, found := strings.CutPrefix(field, tagsPrefix); found && key != "" {
		return lookup(sub.Tags, key), true
	}
	if key, found := strings.CutPrefix(field, metadataPrefix); found && key != "" {
		return lookup(sub.Metadata, key), true
	}
	return resolved{}, false
}

// Free-form string attributes are nullable columns; empty means null.
func attr(s string) resolved {
	if s == "" {
		return resolved{present: true}
	}
	return resolved{value: s, present: true}
}

func timeAttr(t time.Time) resolved {
	if t.IsZero() {
		return resolved{present: true}
	}
	return resolved{value: t, present: true}
}

func lookup(m map[string]any, key string) resolved {
	v, ok := m[key]
	return resolved{value: v, present: ok}
}
