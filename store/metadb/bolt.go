package metadb

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"go.etcd.io/bbolt"

	"github.com/wolfeidau/version-gateway/store"
)

// BoltDB implements store.Store using bbolt.
type BoltDB struct {
	db     *bbolt.DB
	logger *slog.Logger
	now    func() time.Time
	noSync bool // disables fsync per transaction (for testing only)
}

// BoltDBOption configures a BoltDB instance.
type BoltDBOption func(*BoltDB)

// WithLogger sets the logger for the database.
func WithLogger(logger *slog.Logger) BoltDBOption {
	return func(b *BoltDB) {
		b.logger = logger
	}
}

// WithNow sets the time function for testing.
func WithNow(now func() time.Time) BoltDBOption {
	return func(b *BoltDB) {
		b.now = now
	}
}

// WithNoSync disables fsync per transaction.
// WARNING: This improves write performance but risks data loss on crash.
// Use only for testing or benchmarking, never in production.
func WithNoSync(noSync bool) BoltDBOption {
	return func(b *BoltDB) {
		b.noSync = noSync
	}
}

// NewBoltDB creates a new BoltDB instance with options.
func NewBoltDB(opts ...BoltDBOption) *BoltDB {
	b := &BoltDB{
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Open opens the database at the given path.
func (b *BoltDB) Open(path string) error {
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{
		Timeout: 1 * time.Second,
		NoSync:  b.noSync,
	})
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	b.db = db

	if err := b.createBuckets(); err != nil {
		_ = db.Close()
		return err
	}

	b.logger.Debug("opened metadb", "path", path, "noSync", b.noSync)
	return nil
}

func (b *BoltDB) createBuckets() error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		buckets := [][]byte{
			bucketPings,
			bucketDayCounts,
			bucketDayClients,
			bucketResponses,
			bucketResponsesByExpiry,
			bucketResponseExpiryByKey,
		}
		for _, name := range buckets {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return fmt.Errorf("creating bucket %s: %w", name, err)
			}
		}
		return nil
	})
}

// Close closes the database and releases resources.
func (b *BoltDB) Close() error {
	if b.db == nil {
		return nil
	}
	b.logger.Debug("closing metadb")
	return b.db.Close()
}

// PutPing stores a ping record and increments its day counters in one transaction.
func (b *BoltDB) PutPing(_ context.Context, p *store.Ping) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		pings := tx.Bucket(bucketPings)
		if pings == nil {
			return fmt.Errorf("pings bucket not found")
		}

		// Colliding keys are last write wins and count once.
		existed := pings.Get([]byte(p.Key)) != nil
		if err := pings.Put([]byte(p.Key), p.Value); err != nil {
			return fmt.Errorf("putting ping: %w", err)
		}
		if existed {
			return nil
		}

		return b.incrementDay(tx, p)
	})
}

// incrementDay bumps the day counter and, the first time an ipHash is seen
// for the package on that day, the unique client counter.
func (b *BoltDB) incrementDay(tx *bbolt.Tx, p *store.Ping) error {
	counts := tx.Bucket(bucketDayCounts)
	clients := tx.Bucket(bucketDayClients)
	if counts == nil || clients == nil {
		return fmt.Errorf("day counter buckets not found")
	}

	dayKey := makeDayKey(p.Package, p.Day)
	count, unique := decodeCounts(counts.Get(dayKey))
	count++

	clientKey := makeClientKey(p.Package, p.Day, p.IPHash)
	if clients.Get(clientKey) == nil {
		if err := clients.Put(clientKey, markerValue); err != nil {
			return fmt.Errorf("putting client marker: %w", err)
		}
		unique++
	}

	if err := counts.Put(dayKey, encodeCounts(count, unique)); err != nil {
		return fmt.Errorf("putting day count: %w", err)
	}
	return nil
}

// GetPing retrieves a raw ping record.
func (b *BoltDB) GetPing(_ context.Context, key string) ([]byte, error) {
	var data []byte
	err := b.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketPings)
		if bucket == nil {
			return store.ErrNotFound
		}

		val := bucket.Get([]byte(key))
		if val == nil {
			return store.ErrNotFound
		}

		data = make([]byte, len(val))
		copy(data, val)
		return nil
	})
	return data, err
}

// ListPings returns one page of ping keys in lexical order.
// The cursor is the last key of the previous page.
func (b *BoltDB) ListPings(_ context.Context, opts store.ListOptions) (*store.ListPage, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = store.DefaultListLimit
	}
	prefix := []byte(opts.Prefix)
	page := &store.ListPage{}

	err := b.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketPings)
		if bucket == nil {
			return nil
		}

		cursor := bucket.Cursor()

		var k []byte
		if opts.Cursor != "" {
			k, _ = cursor.Seek([]byte(opts.Cursor))
			if k != nil && string(k) == opts.Cursor {
				k, _ = cursor.Next()
			}
		} else {
			k, _ = cursor.Seek(prefix)
		}

		for ; k != nil && bytes.HasPrefix(k, prefix); k, _ = cursor.Next() {
			if len(page.Keys) == limit {
				// More keys remain; hand back a cursor to resume after the last one.
				page.Cursor = page.Keys[len(page.Keys)-1]
				return nil
			}
			page.Keys = append(page.Keys, string(k))
		}
		return nil
	})
	return page, err
}

// DayCounts returns all pre-aggregated day counters.
func (b *BoltDB) DayCounts(_ context.Context) ([]store.DayCount, error) {
	var out []store.DayCount
	err := b.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketDayCounts)
		if bucket == nil {
			return nil
		}

		return bucket.ForEach(func(k, v []byte) error {
			pkg, day, ok := parseDayKey(k)
			if !ok {
				b.logger.Warn("skipping malformed day counter key", "key", fmt.Sprintf("%x", k))
				return nil
			}
			count, clients := decodeCounts(v)
			out = append(out, store.DayCount{
				Package: pkg,
				Day:     day,
				Count:   count,
				Clients: clients,
			})
			return nil
		})
	})
	return out, err
}

// ResetDayCounts drops and recreates the counter buckets.
func (b *BoltDB) ResetDayCounts(_ context.Context) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		for _, name := range [][]byte{bucketDayCounts, bucketDayClients} {
			if err := tx.DeleteBucket(name); err != nil && err != bbolt.ErrBucketNotFound {
				return fmt.Errorf("deleting bucket %s: %w", name, err)
			}
			if _, err := tx.CreateBucket(name); err != nil {
				return fmt.Errorf("creating bucket %s: %w", name, err)
			}
		}
		return nil
	})
}

// CountPings increments day counters for a batch of pings in one transaction.
func (b *BoltDB) CountPings(_ context.Context, pings []*store.Ping) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		for _, p := range pings {
			if err := b.incrementDay(tx, p); err != nil {
				return err
			}
		}
		return nil
	})
}

// Match returns a fresh cached response for url.
func (b *BoltDB) Match(_ context.Context, url string) (*store.CachedResponse, error) {
	var resp store.CachedResponse
	err := b.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketResponses)
		if bucket == nil {
			return store.ErrNotFound
		}

		val := bucket.Get([]byte(url))
		if val == nil {
			return store.ErrNotFound
		}

		return json.Unmarshal(val, &resp)
	})
	if err != nil {
		return nil, err
	}

	// Expired entries linger until the reaper removes them.
	if resp.Expired(b.now()) {
		return nil, store.ErrNotFound
	}
	return &resp, nil
}

// Put stores resp under url with an expiry taken from its Cache-Control header.
func (b *BoltDB) Put(_ context.Context, url string, resp *store.CachedResponse) error {
	ttl, ok := store.SharedTTL(resp.Header)
	if !ok {
		return store.ErrNotCacheable
	}

	now := b.now()
	entry := *resp
	entry.StoredAt = now
	entry.ExpiresAt = now.Add(ttl)

	data, err := json.Marshal(&entry)
	if err != nil {
		return fmt.Errorf("marshaling response: %w", err)
	}

	return b.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketResponses)
		if bucket == nil {
			return fmt.Errorf("responses bucket not found")
		}

		if err := bucket.Put([]byte(url), data); err != nil {
			return fmt.Errorf("putting response: %w", err)
		}

		return b.updateExpiryIndex(tx, url, &entry.ExpiresAt)
	})
}

// updateExpiryIndex updates the response expiry forward+reverse indexes.
// If expiresAt is nil, only deletes existing index entries.
func (b *BoltDB) updateExpiryIndex(tx *bbolt.Tx, url string, expiresAt *time.Time) error {
	expiryBucket := tx.Bucket(bucketResponsesByExpiry)
	reverseIndexBucket := tx.Bucket(bucketResponseExpiryByKey)
	if expiryBucket == nil || reverseIndexBucket == nil {
		return nil
	}

	urlKey := []byte(url)

	// Delete old forward index entry via reverse index lookup (O(1)), then delete reverse index
	if tsBytes := reverseIndexBucket.Get(urlKey); tsBytes != nil {
		oldExpiresAt := decodeTimestamp(tsBytes)
		if err := expiryBucket.Delete(makeExpiryKey(oldExpiresAt, url)); err != nil {
			return fmt.Errorf("deleting old expiry index: %w", err)
		}
		if err := reverseIndexBucket.Delete(urlKey); err != nil {
			return fmt.Errorf("deleting reverse index: %w", err)
		}
	}

	if expiresAt != nil {
		if err := expiryBucket.Put(makeExpiryKey(*expiresAt, url), urlKey); err != nil {
			return fmt.Errorf("putting expiry index: %w", err)
		}
		if err := reverseIndexBucket.Put(urlKey, encodeTimestamp(*expiresAt)); err != nil {
			return fmt.Errorf("putting expiry reverse index: %w", err)
		}
	}

	return nil
}

// GetExpiredResponses returns the urls of cached responses that expired before the given time.
func (b *BoltDB) GetExpiredResponses(_ context.Context, before time.Time, limit int) ([]ExpiryEntry, error) {
	var entries []ExpiryEntry
	beforeTs := encodeTimestamp(before)

	err := b.db.View(func(tx *bbolt.Tx) error {
		expiryBucket := tx.Bucket(bucketResponsesByExpiry)
		if expiryBucket == nil {
			return nil
		}

		cursor := expiryBucket.Cursor()
		for k, _ := cursor.First(); k != nil; k, _ = cursor.Next() {
			// Keys are sorted by timestamp, so stop when we pass the cutoff
			if bytes.Compare(k[:8], beforeTs) >= 0 {
				break
			}

			if limit > 0 && len(entries) >= limit {
				break
			}

			expiresAt, url := parseExpiryKey(k)
			entries = append(entries, ExpiryEntry{URL: url, ExpiresAt: expiresAt})
		}
		return nil
	})
	return entries, err
}

// DeleteResponse removes a cached response and its expiry index entries.
func (b *BoltDB) DeleteResponse(_ context.Context, url string) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketResponses)
		if bucket == nil {
			return nil
		}

		if err := b.updateExpiryIndex(tx, url, nil); err != nil {
			return err
		}

		return bucket.Delete([]byte(url))
	})
}

// Compile-time interface check
var _ store.Store = (*BoltDB)(nil)
