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
	// packageKey is the context key for propagating the package to background goroutines.
	packageKey contextKey = "package"
)

// CacheResult represents the outcome of a cache lookup.
type CacheResult string

const (
	CacheHit    CacheResult = "hit"
	CacheMiss   CacheResult = "miss"
	CacheBypass CacheResult = "bypass"
	CacheNA     CacheResult = "na"
)

// RequestTags holds mutable request metadata that handlers can set for logging.
type RequestTags struct {
	Package     string
	CacheResult CacheResult
	Endpoint    string
	AuthOutcome string
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
	if tags, ok := r.Context().Value(requestTagsKey).(*RequestTags); ok {
		return tags
	}
	return nil
}

// SetCacheResult sets the cache result for logging.
func SetCacheResult(r *http.Request, result CacheResult) {
	if tags := GetTags(r); tags != nil {
		tags.CacheResult = result
	}
}

// SetPackage sets the package tag for metrics and logging.
func SetPackage(r *http.Request, pkg string) {
	if tags := GetTags(r); tags != nil {
		tags.Package = pkg
	}
}

// SetEndpoint sets the endpoint type for logging.
func SetEndpoint(r *http.Request, endpoint string) {
	if tags := GetTags(r); tags != nil {
		tags.Endpoint = endpoint
	}
}

// SetAuthOutcome sets the admin authentication outcome for logging.
func SetAuthOutcome(r *http.Request, outcome string) {
	if tags := GetTags(r); tags != nil {
		tags.AuthOutcome = outcome
	}
}

// PackageFromContext retrieves the package from a context.
// It checks both background contexts (set by WithPackageContext) and
// request contexts (set by SetPackage via InjectTags).
func PackageFromContext(ctx context.Context) string {
	if p, ok := ctx.Value(packageKey).(string); ok && p != "" {
		return p
	}
	if tags, ok := ctx.Value(requestTagsKey).(*RequestTags); ok && tags != nil {
		return tags.Package
	}
	return ""
}

// WithPackageContext returns a context with the package stored.
// Use this to propagate the package into goroutines that outlive the request context.
func WithPackageContext(ctx context.Context, pkg string) context.Context {
	return context.WithValue(ctx, packageKey, pkg)
}
