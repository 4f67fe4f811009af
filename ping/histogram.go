package ping

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/wolfeidau/version-gateway/store"
	"github.com/wolfeidau/version-gateway/telemetry"
)

// DayCount is the number of pings and distinct clients of one day.
type DayCount struct {
	Day     time.Time
	Count   int64
	Clients int64
}

// Histogram is the daily ping series of one package, zero-filled between
// Earliest and Latest inclusive.
type Histogram struct {
	Package  string
	Days     []DayCount
	Earliest time.Time
	Latest   time.Time
	Peak     int64
	Total    int64
}

// Aggregator builds histograms from the ping store.
type Aggregator struct {
	store    store.PingStore
	keys     *KeyBuilder
	pageSize int
	logger   *slog.Logger
}

// AggregatorOption configures an Aggregator.
type AggregatorOption func(*Aggregator)

// WithPageSize sets how many keys are listed per store call.
func WithPageSize(n int) AggregatorOption {
	return func(a *Aggregator) {
		a.pageSize = n
	}
}

// WithAggregatorLogger sets the logger for the aggregator.
func WithAggregatorLogger(logger *slog.Logger) AggregatorOption {
	return func(a *Aggregator) {
		a.logger = logger
	}
}

// NewAggregator creates an Aggregator. keys supplies the reference epoch.
func NewAggregator(ps store.PingStore, keys *KeyBuilder, opts ...AggregatorOption) *Aggregator {
	a := &Aggregator{
		store:    ps,
		keys:     keys,
		pageSize: store.DefaultListLimit,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// dayKey identifies one package day during accumulation.
type dayKey struct {
	pkg string
	day int64 // unix millis of the UTC midnight
}

type accumulator struct {
	counts  map[dayKey]*DayCount
	clients map[dayKey]map[string]struct{}
}

func newAccumulator() *accumulator {
	return &accumulator{
		counts:  make(map[dayKey]*DayCount),
		clients: make(map[dayKey]map[string]struct{}),
	}
}

func (acc *accumulator) add(pkg string, day time.Time, ipHash string) {
	k := dayKey{pkg: pkg, day: day.UnixMilli()}
	dc, ok := acc.counts[k]
	if !ok {
		dc = &DayCount{Day: day}
		acc.counts[k] = dc
		acc.clients[k] = make(map[string]struct{})
	}
	dc.Count++
	if _, seen := acc.clients[k][ipHash]; !seen {
		acc.clients[k][ipHash] = struct{}{}
		dc.Clients++
	}
}

// walk calls fn for every well-formed key in the store. Malformed keys are
// skipped and counted.
func (a *Aggregator) walk(ctx context.Context, fn func(k Key) error) (visited, skipped int, err error) {
	opts := store.ListOptions{Limit: a.pageSize}
	for {
		page, err := a.store.ListPings(ctx, opts)
		if err != nil {
			return visited, skipped, fmt.Errorf("listing pings: %w", err)
		}

		for _, raw := range page.Keys {
			visited++
			k, err := a.keys.Parse(raw)
			if err != nil {
				skipped++
				a.logger.Warn("skipping malformed ping key", "key", raw, "error", err)
				continue
			}
			if err := fn(k); err != nil {
				return visited, skipped, err
			}
		}

		if page.Cursor == "" {
			return visited, skipped, nil
		}
		opts.Cursor = page.Cursor
	}
}

// BuildHistograms scans every ping key and buckets it by package and day.
func (a *Aggregator) BuildHistograms(ctx context.Context) (map[string]*Histogram, error) {
	start := time.Now()
	acc := newAccumulator()

	// Redis SCAN may yield a key more than once.
	seen := make(map[string]struct{})
	visited, skipped, err := a.walk(ctx, func(k Key) error {
		s := k.String()
		if _, dup := seen[s]; dup {
			return nil
		}
		seen[s] = struct{}{}
		acc.add(k.Package, DayBucket(a.keys.Time(k)), k.IPHash)
		return nil
	})
	if err != nil {
		return nil, err
	}

	if skipped > 0 {
		a.logger.Warn("malformed ping keys skipped", "skipped", skipped, "visited", visited)
	}
	telemetry.RecordAggregation(ctx, "scan", visited, time.Since(start))

	return acc.histograms(), nil
}

// FromCounters builds histograms from the pre-aggregated day counters.
func (a *Aggregator) FromCounters(ctx context.Context) (map[string]*Histogram, error) {
	start := time.Now()

	counts, err := a.store.DayCounts(ctx)
	if err != nil {
		return nil, fmt.Errorf("reading day counters: %w", err)
	}

	acc := newAccumulator()
	for _, c := range counts {
		day := DayBucket(c.Day)
		acc.counts[dayKey{pkg: c.Package, day: day.UnixMilli()}] = &DayCount{
			Day:     day,
			Count:   c.Count,
			Clients: c.Clients,
		}
	}

	telemetry.RecordAggregation(ctx, "counters", 0, time.Since(start))
	return acc.histograms(), nil
}

// Reindex rebuilds the day counters from a full key scan and returns the
// number of pings counted. Pings written while it runs may be counted twice
// or not at all, so run it while the gateway is stopped.
func (a *Aggregator) Reindex(ctx context.Context) (int, error) {
	if err := a.store.ResetDayCounts(ctx); err != nil {
		return 0, fmt.Errorf("resetting day counters: %w", err)
	}

	var (
		batch   []*store.Ping
		counted int
	)
	seen := make(map[string]struct{})
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		if err := a.store.CountPings(ctx, batch); err != nil {
			return fmt.Errorf("counting pings: %w", err)
		}
		counted += len(batch)
		batch = batch[:0]
		return nil
	}

	_, skipped, err := a.walk(ctx, func(k Key) error {
		s := k.String()
		if _, dup := seen[s]; dup {
			return nil
		}
		seen[s] = struct{}{}
		batch = append(batch, a.keys.Ping(k, nil))
		if len(batch) >= a.pageSize {
			return flush()
		}
		return nil
	})
	if err == nil {
		err = flush()
	}
	if err != nil {
		return counted, err
	}

	a.logger.Info("day counters rebuilt", "counted", counted, "skipped", skipped)
	return counted, nil
}

// histograms finalises the accumulated days into zero-filled series.
func (acc *accumulator) histograms() map[string]*Histogram {
	byPkg := make(map[string]map[int64]*DayCount)
	for k, dc := range acc.counts {
		if byPkg[k.pkg] == nil {
			byPkg[k.pkg] = make(map[int64]*DayCount)
		}
		byPkg[k.pkg][k.day] = dc
	}

	out := make(map[string]*Histogram, len(byPkg))
	for pkg, days := range byPkg {
		h := &Histogram{Package: pkg}
		for _, dc := range days {
			if h.Earliest.IsZero() || dc.Day.Before(h.Earliest) {
				h.Earliest = dc.Day
			}
			if dc.Day.After(h.Latest) {
				h.Latest = dc.Day
			}
		}

		for day := h.Earliest; !day.After(h.Latest); day = day.AddDate(0, 0, 1) {
			dc := DayCount{Day: day}
			if got, ok := days[day.UnixMilli()]; ok {
				dc = *got
			}
			h.Days = append(h.Days, dc)
			h.Total += dc.Count
			if dc.Count > h.Peak {
				h.Peak = dc.Count
			}
		}
		out[pkg] = h
	}
	return out
}

// Sorted returns the histograms ordered by package name.
func Sorted(hs map[string]*Histogram) []*Histogram {
	out := make([]*Histogram, 0, len(hs))
	for _, h := range hs {
		out = append(out, h)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Package < out[j].Package })
	return out
}
