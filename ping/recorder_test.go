package ping

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wolfeidau/version-gateway/deferred"
	"github.com/wolfeidau/version-gateway/store"
	"github.com/wolfeidau/version-gateway/store/metadb"
)

func newTestStore(t *testing.T) *metadb.BoltDB {
	t.Helper()
	db, err := metadb.Open(filepath.Join(t.TempDir(), "pings.db"), metadb.WithNoSync(true))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

type fakeGeo struct {
	geo  *Geo
	seen []string
}

func (f *fakeGeo) Lookup(ip net.IP) (*Geo, bool) {
	f.seen = append(f.seen, ip.String())
	if f.geo == nil {
		return nil, false
	}
	return f.geo, true
}

type failingStore struct {
	store.PingStore
}

func (failingStore) PutPing(context.Context, *store.Ping) error {
	return errors.New("disk full")
}

func TestRecorder_RecordInline(t *testing.T) {
	ctx := context.Background()
	db := newTestStore(t)
	now := time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC)
	keys := NewKeyBuilder("salt", DefaultEpoch, WithClock(fixedClock(now)))
	geo := &fakeGeo{geo: &Geo{Country: "NZ", City: "Wellington", Latitude: -41.29, Longitude: 174.78}}

	rec := NewRecorder(keys, db, WithGeoResolver(geo))

	req := httptest.NewRequest(http.MethodGet, "/version?name=ganache", nil)
	req.Header.Set("CF-Connecting-IP", "203.0.113.9")
	req.Header.Set("User-Agent", "ganache/7.9.0")
	req.TLS = &tls.ConnectionState{Version: tls.VersionTLS13}

	k := rec.Record(req, "ganache")
	assert.Equal(t, "ganache", k.Package)
	assert.Equal(t, []string{"203.0.113.9"}, geo.seen)

	raw, err := db.GetPing(ctx, k.String())
	require.NoError(t, err)

	var got Record
	require.NoError(t, json.Unmarshal(raw, &got))
	assert.Equal(t, "ganache/7.9.0", got.UserAgent)
	require.NotNil(t, got.CF)
	assert.Equal(t, "NZ", got.CF.Country)
	assert.Equal(t, "Wellington", got.CF.City)
	assert.Equal(t, "TLS 1.3", got.CF.TLSVersion)
	assert.Equal(t, "HTTP/1.1", got.CF.HTTPProtocol)
	assert.NotContains(t, string(raw), "203.0.113.9")

	counts, err := db.DayCounts(ctx)
	require.NoError(t, err)
	require.Len(t, counts, 1)
	assert.Equal(t, int64(1), counts[0].Count)
	assert.Equal(t, int64(1), counts[0].Clients)
	assert.True(t, counts[0].Day.Equal(DayBucket(now)))
}

func TestRecorder_RecordDeferred(t *testing.T) {
	ctx := context.Background()
	db := newTestStore(t)
	g := deferred.New()
	keys := NewKeyBuilder("salt", DefaultEpoch)

	rec := NewRecorder(keys, db, WithDeferred(g))

	req := httptest.NewRequest(http.MethodGet, "/version?name=truffle", nil)
	req.RemoteAddr = "192.0.2.44:5000"
	k := rec.Record(req, "truffle")

	require.NoError(t, g.Close(ctx))

	_, err := db.GetPing(ctx, k.String())
	require.NoError(t, err)
}

func TestRecorder_RequestCancelledBeforeWrite(t *testing.T) {
	db := newTestStore(t)
	g := deferred.New()
	rec := NewRecorder(NewKeyBuilder("salt", DefaultEpoch), db, WithDeferred(g))

	reqCtx, cancel := context.WithCancel(context.Background())
	req := httptest.NewRequest(http.MethodGet, "/version?name=ganache", nil).WithContext(reqCtx)
	k := rec.Record(req, "ganache")
	cancel()

	g.Wait()
	_, err := db.GetPing(context.Background(), k.String())
	require.NoError(t, err)
}

func TestRecorder_WriteFailureIsSwallowed(t *testing.T) {
	rec := NewRecorder(NewKeyBuilder("salt", DefaultEpoch), failingStore{})

	req := httptest.NewRequest(http.MethodGet, "/version?name=ganache", nil)
	require.NotPanics(t, func() {
		k := rec.Record(req, "ganache")
		assert.Equal(t, "ganache", k.Package)
	})
}

func TestRecorder_DistinctClientsSameDay(t *testing.T) {
	ctx := context.Background()
	db := newTestStore(t)
	now := time.Date(2024, 3, 10, 8, 0, 0, 0, time.UTC)
	clock := now
	keys := NewKeyBuilder("salt", DefaultEpoch, WithClock(func() time.Time { return clock }))
	rec := NewRecorder(keys, db, WithClientIPHeader(""))

	for i, addr := range []string{"192.0.2.1:1", "192.0.2.1:2", "192.0.2.2:1"} {
		clock = now.Add(time.Duration(i) * time.Minute)
		req := httptest.NewRequest(http.MethodGet, "/version?name=ganache", nil)
		req.RemoteAddr = addr
		rec.Record(req, "ganache")
	}

	counts, err := db.DayCounts(ctx)
	require.NoError(t, err)
	require.Len(t, counts, 1)
	assert.Equal(t, int64(3), counts[0].Count)
	assert.Equal(t, int64(2), counts[0].Clients)
}

func TestNewRecord_WithoutGeo(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/version?name=ganache", nil)
	req.Header.Set("User-Agent", "curl/8.0")

	rec := NewRecord(req, "192.0.2.1", nil)
	raw, err := rec.Marshal()
	require.NoError(t, err)
	assert.JSONEq(t, `{"User-Agent":"curl/8.0","cf":{"httpProtocol":"HTTP/1.1"}}`, string(raw))
}

func TestOpenGeoIP_MissingDatabase(t *testing.T) {
	_, err := OpenGeoIP(filepath.Join(t.TempDir(), "missing.mmdb"))
	require.Error(t, err)
}

func TestRound2(t *testing.T) {
	assert.InDelta(t, 174.78, round2(174.7812), 1e-9)
	assert.InDelta(t, -41.29, round2(-41.2866), 1e-9)
	assert.InDelta(t, 0.0, round2(0.004), 1e-9)
}
