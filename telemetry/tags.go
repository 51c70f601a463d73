// Package telemetry provides request tagging for structured logging and metrics.
package telemetry

import (
	"context"
	"net/http"
)

type contextKey string

const (
	// requestTagsKey is the context key for request tags holder.
	requestTagsKey contextKey = "request_tags"
)

// CacheResult represents how a request was resolved by the caching layer.
type CacheResult string

const (
	// CacheHit means the response came from a store without touching the network.
	CacheHit CacheResult = "hit"
	// CacheMiss means the store had nothing and the network answered.
	CacheMiss CacheResult = "miss"
	// CacheNetwork means the network answered first (network-first routes).
	CacheNetwork CacheResult = "network"
	// CacheFallback means the network failed and a stored snapshot answered.
	CacheFallback CacheResult = "fallback"
	// CacheOffline means both failed and a synthetic response was produced.
	CacheOffline CacheResult = "offline"
	// CacheBypass means the request was passed through without caching.
	CacheBypass CacheResult = "bypass"
)

// RequestTags holds mutable request metadata that handlers can set for logging.
type RequestTags struct {
	Route       string
	CacheResult CacheResult
}

// InjectTags creates a new request with an empty RequestTags in context.
// Call this in middleware before handlers run.
func InjectTags(r *http.Request) *http.Request {
	tags := &RequestTags{CacheResult: CacheBypass}
	return r.WithContext(context.WithValue(r.Context(), requestTagsKey, tags))
}

// GetTags retrieves the request tags from context.
// Returns nil if not in a request context with logging middleware.
func GetTags(r *http.Request) *RequestTags {
	return TagsFromContext(r.Context())
}

// TagsFromContext retrieves the request tags from ctx.
func TagsFromContext(ctx context.Context) *RequestTags {
	if tags, ok := ctx.Value(requestTagsKey).(*RequestTags); ok {
		return tags
	}
	return nil
}

// SetCacheResult sets the cache result for logging.
func SetCacheResult(ctx context.Context, result CacheResult) {
	if tags := TagsFromContext(ctx); tags != nil {
		tags.CacheResult = result
	}
}

// SetRoute sets the route tag for metrics and logging.
func SetRoute(ctx context.Context, route string) {
	if tags := TagsFromContext(ctx); tags != nil {
		tags.Route = route
	}
}
