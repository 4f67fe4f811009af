// Package store defines the persistence contracts of the gateway: the ping
// key-value store with its pre-aggregated day counters, and the URL-keyed
// response cache.
package store

import (
	"context"
	"errors"
	"net/http"
	"time"
)

var (
	// ErrNotFound is returned when a key does not exist or a cached response has expired.
	ErrNotFound = errors.New("store: not found")

	// ErrNotCacheable is returned by ResponseCache.Put when the response
	// Cache-Control directives do not allow a shared cache to keep it.
	ErrNotCacheable = errors.New("store: response not cacheable")
)

// DefaultListLimit is the page size used when ListOptions.Limit is zero.
const DefaultListLimit = 1000

// Ping is a single usage ping ready to be persisted.
type Ping struct {
	// Key is the full delimited ping key.
	Key string
	// Package, IPHash and Day are the decoded key fields used to maintain
	// the day counters in the same write.
	Package string
	IPHash  string
	Day     time.Time
	// Value is the opaque JSON record. Empty when only counting.
	Value []byte
}

// ListOptions selects a page of ping keys.
type ListOptions struct {
	// Prefix restricts the listing to keys starting with it.
	Prefix string
	// Cursor is the opaque value returned by the previous page, empty for the first page.
	Cursor string
	// Limit is the maximum number of keys in the page.
	Limit int
}

// ListPage is one page of ping keys.
type ListPage struct {
	Keys []string
	// Cursor is empty once the listing is exhausted.
	Cursor string
}

// DayCount is the pre-aggregated ping count of one package on one UTC day.
type DayCount struct {
	Package string
	Day     time.Time
	Count   int64
	Clients int64
}

// PingStore persists ping records and maintains per-package daily counters.
// Implementations must be safe for concurrent use.
type PingStore interface {
	// PutPing stores the record and increments the day counters atomically.
	PutPing(ctx context.Context, p *Ping) error

	// GetPing returns the raw record stored under key.
	// Returns ErrNotFound if the key does not exist.
	GetPing(ctx context.Context, key string) ([]byte, error)

	// ListPings returns one page of ping keys.
	ListPings(ctx context.Context, opts ListOptions) (*ListPage, error)

	// DayCounts returns every pre-aggregated day counter.
	DayCounts(ctx context.Context) ([]DayCount, error)

	// ResetDayCounts removes all day counters and unique client markers.
	ResetDayCounts(ctx context.Context) error

	// CountPings increments the day counters for each ping without storing records.
	CountPings(ctx context.Context, pings []*Ping) error
}

// CachedResponse is a response stored in the ResponseCache.
type CachedResponse struct {
	Status    int         `json:"status"`
	Header    http.Header `json:"header"`
	Body      []byte      `json:"body"`
	StoredAt  time.Time   `json:"stored_at"`
	ExpiresAt time.Time   `json:"expires_at"`
}

// Expired reports whether the response is stale at now.
func (c *CachedResponse) Expired(now time.Time) bool {
	return !now.Before(c.ExpiresAt)
}

// ResponseCache is a URL-keyed response cache that honours Cache-Control.
type ResponseCache interface {
	// Match returns the fresh response stored under url.
	// Returns ErrNotFound on a miss or when the entry has expired.
	Match(ctx context.Context, url string) (*CachedResponse, error)

	// Put stores resp under url for the lifetime its Cache-Control header allows.
	// Returns ErrNotCacheable when the header forbids shared caching.
	Put(ctx context.Context, url string, resp *CachedResponse) error
}

// Store combines the ping store and the response cache behind one connection.
type Store interface {
	PingStore
	ResponseCache
	Close() error
}
