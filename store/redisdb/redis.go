// Package redisdb implements the gateway store on Redis, for deployments that
// run more than one gateway instance against shared state.
package redisdb

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/wolfeidau/version-gateway/store"
)

const (
	pingKeyPrefix     = "ping:"
	responseKeyPrefix = "resp:"
	clientsKeyPrefix  = "dayclients:"
	dayCountsKey      = "daycounts"
	dayUniquesKey     = "dayuniques"
)

// putPingScript stores the record (when present) and bumps the day counters
// in one round trip. Overwriting an existing record leaves the counters alone.
// KEYS: ping, daycounts, dayuniques, dayclients set.
// ARGV: value, day field, ipHash.
var putPingScript = redis.NewScript(`
if ARGV[1] ~= "" then
  local existed = redis.call("EXISTS", KEYS[1])
  redis.call("SET", KEYS[1], ARGV[1])
  if existed == 1 then
    return 0
  end
end
redis.call("HINCRBY", KEYS[2], ARGV[2], 1)
if redis.call("SADD", KEYS[4], ARGV[3]) == 1 then
  redis.call("HINCRBY", KEYS[3], ARGV[2], 1)
end
return 1
`)

// Store implements store.Store on a Redis server.
type Store struct {
	client *redis.Client
	logger *slog.Logger
	now    func() time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the logger for the store.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		s.logger = logger
	}
}

// WithNow sets the time function for testing.
func WithNow(now func() time.Time) Option {
	return func(s *Store) {
		s.now = now
	}
}

// New wraps an existing client.
func New(client *redis.Client, opts ...Option) *Store {
	s := &Store{
		client: client,
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Open connects to the server at a redis:// URL and verifies the connection.
func Open(ctx context.Context, url string, opts ...Option) (*Store, error) {
	redisOpts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}

	redisOpts.DialTimeout = 5 * time.Second
	redisOpts.ReadTimeout = 3 * time.Second
	redisOpts.WriteTimeout = 3 * time.Second

	client := redis.NewClient(redisOpts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return New(client, opts...), nil
}

// Close closes the client.
func (s *Store) Close() error {
	return s.client.Close()
}

func dayField(pkg string, day time.Time) string {
	return pkg + "|" + strconv.FormatInt(day.UnixMilli(), 10)
}

func parseDayField(field string) (string, time.Time, bool) {
	i := strings.LastIndexByte(field, '|')
	if i <= 0 {
		return "", time.Time{}, false
	}
	ms, err := strconv.ParseInt(field[i+1:], 10, 64)
	if err != nil {
		return "", time.Time{}, false
	}
	return field[:i], time.UnixMilli(ms).UTC(), true
}

func (s *Store) countPing(ctx context.Context, p *store.Ping, value []byte) error {
	field := dayField(p.Package, p.Day)
	keys := []string{pingKeyPrefix + p.Key, dayCountsKey, dayUniquesKey, clientsKeyPrefix + field}
	return putPingScript.Run(ctx, s.client, keys, value, field, p.IPHash).Err()
}

// PutPing stores the record and increments the day counters atomically.
func (s *Store) PutPing(ctx context.Context, p *store.Ping) error {
	if len(p.Value) == 0 {
		return errors.New("redisdb: empty ping record")
	}
	if err := s.countPing(ctx, p, p.Value); err != nil {
		return fmt.Errorf("putting ping: %w", err)
	}
	return nil
}

// GetPing returns the raw record stored under key.
func (s *Store) GetPing(ctx context.Context, key string) ([]byte, error) {
	data, err := s.client.Get(ctx, pingKeyPrefix+key).Bytes()
	if err == redis.Nil {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("getting ping: %w", err)
	}
	return data, nil
}

// ListPings returns one SCAN step of ping keys. Keys within a page are
// sorted, but SCAN gives no ordering across pages and may return a key more
// than once. A page can be empty while the cursor is still set.
func (s *Store) ListPings(ctx context.Context, opts store.ListOptions) (*store.ListPage, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = store.DefaultListLimit
	}

	var cursor uint64
	if opts.Cursor != "" {
		c, err := strconv.ParseUint(opts.Cursor, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid cursor %q: %w", opts.Cursor, err)
		}
		cursor = c
	}

	match := pingKeyPrefix + escapeGlob(opts.Prefix) + "*"
	keys, next, err := s.client.Scan(ctx, cursor, match, int64(limit)).Result()
	if err != nil {
		return nil, fmt.Errorf("scanning pings: %w", err)
	}

	page := &store.ListPage{Keys: make([]string, 0, len(keys))}
	for _, k := range keys {
		page.Keys = append(page.Keys, strings.TrimPrefix(k, pingKeyPrefix))
	}
	sort.Strings(page.Keys)

	if next != 0 {
		page.Cursor = strconv.FormatUint(next, 10)
	}
	return page, nil
}

// DayCounts returns every pre-aggregated day counter.
func (s *Store) DayCounts(ctx context.Context) ([]store.DayCount, error) {
	counts, err := s.client.HGetAll(ctx, dayCountsKey).Result()
	if err != nil {
		return nil, fmt.Errorf("reading day counts: %w", err)
	}
	uniques, err := s.client.HGetAll(ctx, dayUniquesKey).Result()
	if err != nil {
		return nil, fmt.Errorf("reading day uniques: %w", err)
	}

	out := make([]store.DayCount, 0, len(counts))
	for field, v := range counts {
		pkg, day, ok := parseDayField(field)
		if !ok {
			s.logger.Warn("skipping malformed day counter field", "field", field)
			continue
		}
		count, _ := strconv.ParseInt(v, 10, 64)
		clients, _ := strconv.ParseInt(uniques[field], 10, 64)
		out = append(out, store.DayCount{Package: pkg, Day: day, Count: count, Clients: clients})
	}
	return out, nil
}

// ResetDayCounts removes all day counters and unique client sets.
func (s *Store) ResetDayCounts(ctx context.Context) error {
	if err := s.client.Del(ctx, dayCountsKey, dayUniquesKey).Err(); err != nil {
		return fmt.Errorf("deleting day counters: %w", err)
	}

	iter := s.client.Scan(ctx, 0, clientsKeyPrefix+"*", 1000).Iterator()
	for iter.Next(ctx) {
		if err := s.client.Del(ctx, iter.Val()).Err(); err != nil {
			return fmt.Errorf("deleting %s: %w", iter.Val(), err)
		}
	}
	return iter.Err()
}

// CountPings increments the day counters for each ping without storing records.
func (s *Store) CountPings(ctx context.Context, pings []*store.Ping) error {
	for _, p := range pings {
		if err := s.countPing(ctx, p, nil); err != nil {
			return fmt.Errorf("counting ping %s: %w", p.Key, err)
		}
	}
	return nil
}

// Match returns the fresh response stored under url.
func (s *Store) Match(ctx context.Context, url string) (*store.CachedResponse, error) {
	data, err := s.client.Get(ctx, responseKeyPrefix+url).Bytes()
	if err == redis.Nil {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("getting response: %w", err)
	}

	var resp store.CachedResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, fmt.Errorf("decoding response: %w", err)
	}
	if resp.Expired(s.now()) {
		return nil, store.ErrNotFound
	}
	return &resp, nil
}

// Put stores resp under url with a TTL taken from its Cache-Control header.
func (s *Store) Put(ctx context.Context, url string, resp *store.CachedResponse) error {
	ttl, ok := store.SharedTTL(resp.Header)
	if !ok {
		return store.ErrNotCacheable
	}

	now := s.now()
	entry := *resp
	entry.StoredAt = now
	entry.ExpiresAt = now.Add(ttl)

	data, err := json.Marshal(&entry)
	if err != nil {
		return fmt.Errorf("marshaling response: %w", err)
	}

	if err := s.client.Set(ctx, responseKeyPrefix+url, data, ttl).Err(); err != nil {
		return fmt.Errorf("putting response: %w", err)
	}
	return nil
}

// escapeGlob quotes the SCAN MATCH metacharacters in s.
func escapeGlob(s string) string {
	if !strings.ContainsAny(s, `*?[]\`) {
		return s
	}
	var b strings.Builder
	for _, r := range s {
		switch r {
		case '*', '?', '[', ']', '\\':
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}

var _ store.Store = (*Store)(nil)
