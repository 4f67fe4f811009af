package ping

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/wolfeidau/version-gateway/deferred"
	"github.com/wolfeidau/version-gateway/store"
	"github.com/wolfeidau/version-gateway/telemetry"
)

// Recorder persists one ping per version lookup without delaying the response.
type Recorder struct {
	keys     *KeyBuilder
	store    store.PingStore
	deferred *deferred.Group
	geo      GeoResolver
	ipHeader string
	logger   *slog.Logger
}

// RecorderOption configures a Recorder.
type RecorderOption func(*Recorder)

// WithDeferred runs ping writes on g instead of inline.
func WithDeferred(g *deferred.Group) RecorderOption {
	return func(r *Recorder) {
		r.deferred = g
	}
}

// WithGeoResolver enriches records with the client location.
func WithGeoResolver(geo GeoResolver) RecorderOption {
	return func(r *Recorder) {
		r.geo = geo
	}
}

// WithClientIPHeader sets the header trusted to carry the client address.
// An empty header falls through to X-Forwarded-For and RemoteAddr.
func WithClientIPHeader(header string) RecorderOption {
	return func(r *Recorder) {
		r.ipHeader = header
	}
}

// WithLogger sets the logger for the recorder.
func WithLogger(logger *slog.Logger) RecorderOption {
	return func(r *Recorder) {
		r.logger = logger
	}
}

// NewRecorder creates a Recorder writing to ps.
func NewRecorder(keys *KeyBuilder, ps store.PingStore, opts ...RecorderOption) *Recorder {
	r := &Recorder{
		keys:     keys,
		store:    ps,
		ipHeader: DefaultClientIPHeader,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Record derives the key for a ping of name by the client of req and
// dispatches the write. Write failures are logged and counted, never returned.
func (r *Recorder) Record(req *http.Request, name string) Key {
	ip := ClientIP(req, r.ipHeader)
	key := r.keys.Build(name, ip)

	value, err := NewRecord(req, ip, r.geo).Marshal()
	if err != nil {
		r.logger.Warn("encoding ping record failed", "package", name, "error", err)
		value = []byte("{}")
	}
	p := r.keys.Ping(key, value)

	write := func(ctx context.Context) error {
		if err := r.store.PutPing(ctx, p); err != nil {
			telemetry.RecordPing(ctx, name, "failed")
			return fmt.Errorf("storing ping %s: %w", p.Key, err)
		}
		telemetry.RecordPing(ctx, name, "stored")
		return nil
	}

	if r.deferred != nil {
		r.deferred.Go("ping", write)
		return key
	}

	if err := write(context.WithoutCancel(req.Context())); err != nil {
		r.logger.Warn("ping write failed", "package", name, "error", err)
	}
	return key
}
