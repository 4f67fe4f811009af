// Package registry resolves the latest published version of an allow-listed
// package, serving repeated lookups from the response cache.
package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"slices"

	"golang.org/x/sync/singleflight"

	versiongateway "github.com/wolfeidau/version-gateway"
	"github.com/wolfeidau/version-gateway/deferred"
	"github.com/wolfeidau/version-gateway/store"
	"github.com/wolfeidau/version-gateway/telemetry"
)

const (
	// VersionCacheControl lets shared caches keep a version for five minutes.
	VersionCacheControl = "max-age=300,s-maxage=300"

	// VersionContentType is the media type of a version response.
	VersionContentType = "text/plain;charset=UTF-8"
)

// DefaultPackages is the allow-list used when none is configured.
var DefaultPackages = []string{"ganache", "truffle"}

var (
	// ErrUnknownPackage is returned for names outside the allow-list.
	ErrUnknownPackage = errors.New("registry: unknown package")

	// ErrUpstream is returned when the registry cannot produce a usable version.
	ErrUpstream = errors.New("registry: upstream failure")
)

// Result is a resolved version response.
type Result struct {
	Version     string
	Body        []byte
	Header      http.Header
	CacheStatus telemetry.CacheResult
}

// ETag returns the entity tag of the response.
func (r *Result) ETag() string {
	return r.Header.Get("ETag")
}

// Resolver looks up latest versions through the response cache.
type Resolver struct {
	packages []string
	cache    store.ResponseCache
	upstream *Upstream
	deferred *deferred.Group
	group    singleflight.Group
	logger   *slog.Logger
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithPackages sets the package allow-list.
func WithPackages(names ...string) Option {
	return func(r *Resolver) {
		r.packages = names
	}
}

// WithDeferred runs cache writes on g instead of inline.
func WithDeferred(g *deferred.Group) Option {
	return func(r *Resolver) {
		r.deferred = g
	}
}

// WithLogger sets the logger for the resolver.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Resolver) {
		r.logger = logger
	}
}

// NewResolver creates a Resolver over cache and upstream.
func NewResolver(cache store.ResponseCache, upstream *Upstream, opts ...Option) *Resolver {
	r := &Resolver{
		packages: DefaultPackages,
		cache:    cache,
		upstream: upstream,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Packages returns the allow-list.
func (r *Resolver) Packages() []string {
	return slices.Clone(r.packages)
}

// Known reports whether name is on the allow-list.
func (r *Resolver) Known(name string) bool {
	return slices.Contains(r.packages, name)
}

// Resolve returns the latest version of name. cacheKey is the URL the
// response is cached under.
func (r *Resolver) Resolve(ctx context.Context, name, cacheKey string) (*Result, error) {
	if !r.Known(name) {
		return nil, ErrUnknownPackage
	}

	cached, err := r.cache.Match(ctx, cacheKey)
	switch {
	case err == nil:
		return &Result{
			Version:     string(cached.Body),
			Body:        cached.Body,
			Header:      cached.Header,
			CacheStatus: telemetry.CacheHit,
		}, nil
	case !errors.Is(err, store.ErrNotFound):
		// A broken cache degrades to a fetch.
		r.logger.Warn("response cache lookup failed", "package", name, "error", err)
	}

	// Concurrent misses share one fetch. The fetch runs detached so that one
	// caller giving up does not fail the others.
	ch := r.group.DoChan(cacheKey, func() (any, error) {
		return r.fetch(telemetry.WithPackageContext(context.WithoutCancel(ctx), name), name, cacheKey)
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*Result), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (r *Resolver) fetch(ctx context.Context, name, cacheKey string) (*Result, error) {
	version, err := r.upstream.FetchLatest(ctx, name)
	if err != nil {
		return nil, err
	}

	body := []byte(version)
	header := http.Header{}
	header.Set("Cache-Control", VersionCacheControl)
	header.Set("Content-Type", VersionContentType)
	header.Set("ETag", versiongateway.DigestBytes(body).ETag())

	res := &Result{
		Version:     version,
		Body:        body,
		Header:      header,
		CacheStatus: telemetry.CacheMiss,
	}

	entry := &store.CachedResponse{
		Status: http.StatusOK,
		Header: header.Clone(),
		Body:   body,
	}
	write := func(ctx context.Context) error {
		if err := r.cache.Put(ctx, cacheKey, entry); err != nil {
			return fmt.Errorf("caching %s: %w", cacheKey, err)
		}
		return nil
	}

	if r.deferred != nil {
		r.deferred.Go("cache-version", write)
	} else if err := write(ctx); err != nil {
		r.logger.Warn("response cache write failed", "package", name, "error", err)
	}

	return res, nil
}
