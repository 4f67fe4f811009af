package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/wolfeidau/version-gateway/registry"
	"github.com/wolfeidau/version-gateway/store"
	"github.com/wolfeidau/version-gateway/telemetry"
)

const (
	noStore           = "no-store"
	epochCacheControl = "max-age=31536000, s-maxage=31536000"
)

// keyEntry is one element of the /keys listing.
type keyEntry struct {
	Name string `json:"name"`
}

// handleHealth handles health check requests.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "health")
	telemetry.SetCacheResult(r, telemetry.CacheNA)
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

func (s *Server) handleBadRequest(w http.ResponseWriter, r *http.Request) {
	telemetry.SetCacheResult(r, telemetry.CacheNA)
	writeText(w, http.StatusBadRequest, badRequestBody)
}

// handleRoot dispatches the query-string form of every route.
func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	switch {
	case q.Has("name"):
		s.handleVersion(w, r)
	case q.Has("dashboard"):
		s.dashboard.ServeHTTP(w, r)
	case q.Has("keys"):
		s.keyList.ServeHTTP(w, r)
	case q.Has("epoch"):
		s.epoch.ServeHTTP(w, r)
	case q.Has("key"):
		s.key.ServeHTTP(w, r)
	default:
		s.handleBadRequest(w, r)
	}
}

// handleVersion returns the latest version of an allow-listed package and
// records a ping for it.
func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "version")

	name := r.URL.Query().Get("name")
	if !s.resolver.Known(name) {
		writeText(w, http.StatusBadRequest, badRequestBody)
		return
	}
	telemetry.SetPackage(r, name)

	s.recorder.Record(r, name)

	res, err := s.resolver.Resolve(r.Context(), name, cacheKey(r))
	if err != nil {
		if errors.Is(err, registry.ErrUnknownPackage) {
			writeText(w, http.StatusBadRequest, badRequestBody)
			return
		}
		s.logger.Error("resolving version", "package", name, "error", err)
		writeText(w, http.StatusInternalServerError, internalErrorBody)
		return
	}
	telemetry.SetCacheResult(r, res.CacheStatus)

	h := w.Header()
	for k, v := range res.Header {
		h[k] = append([]string(nil), v...)
	}

	if etag := res.ETag(); etag != "" && etagMatches(r.Header.Values("If-None-Match"), etag) {
		h.Del("Content-Type")
		w.WriteHeader(http.StatusNotModified)
		return
	}

	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(res.Body)
}

// handleDashboard renders the per-package daily histograms.
func (s *Server) handleDashboard(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "dashboard")
	telemetry.SetCacheResult(r, telemetry.CacheNA)

	var (
		source = r.URL.Query().Get("source")
		err    error
		page   dashboardPage
	)
	if source == "scan" {
		page.Histograms, err = s.aggregator.BuildHistograms(r.Context())
	} else {
		source = "counters"
		page.Histograms, err = s.aggregator.FromCounters(r.Context())
	}
	if err != nil {
		s.logger.Error("building histograms", "source", source, "error", err)
		writeText(w, http.StatusInternalServerError, internalErrorBody)
		return
	}
	page.Source = source
	page.Epoch = s.keys.Epoch()

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", noStore)
	if err := renderDashboard(w, page); err != nil {
		s.logger.Warn("rendering dashboard", "error", err)
	}
}

// handleKeys lists every ping key, optionally restricted to a prefix.
func (s *Server) handleKeys(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "keys")
	telemetry.SetCacheResult(r, telemetry.CacheNA)

	opts := store.ListOptions{Prefix: r.URL.Query().Get("prefix")}
	entries := []keyEntry{}
	seen := make(map[string]struct{})
	for {
		page, err := s.pings.ListPings(r.Context(), opts)
		if err != nil {
			s.logger.Error("listing ping keys", "error", err)
			writeText(w, http.StatusInternalServerError, internalErrorBody)
			return
		}
		for _, k := range page.Keys {
			if _, dup := seen[k]; dup {
				continue
			}
			seen[k] = struct{}{}
			entries = append(entries, keyEntry{Name: k})
		}
		if page.Cursor == "" {
			break
		}
		opts.Cursor = page.Cursor
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", noStore)
	if err := json.NewEncoder(w).Encode(entries); err != nil {
		s.logger.Warn("encoding key listing", "error", err)
	}
}

// handleKey returns the raw record stored under one ping key.
func (s *Server) handleKey(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "key")
	telemetry.SetCacheResult(r, telemetry.CacheNA)

	key := r.URL.Query().Get("key")
	if key == "" {
		writeText(w, http.StatusBadRequest, badRequestBody)
		return
	}

	value, err := s.pings.GetPing(r.Context(), key)
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeText(w, http.StatusNotFound, notFoundBody)
		return
	case err != nil:
		s.logger.Error("reading ping", "error", err)
		writeText(w, http.StatusInternalServerError, internalErrorBody)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", noStore)
	_, _ = w.Write(value)
}

// handleEpoch returns the reference epoch in milliseconds.
func (s *Server) handleEpoch(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "epoch")
	telemetry.SetCacheResult(r, telemetry.CacheNA)

	w.Header().Set("Content-Type", plainTextContentType)
	w.Header().Set("Cache-Control", epochCacheControl)
	_, _ = w.Write([]byte(strconv.FormatInt(s.keys.Epoch().UnixMilli(), 10)))
}

// cacheKey is the URL a version response is cached under.
func cacheKey(r *http.Request) string {
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	return scheme + "://" + r.Host + r.URL.RequestURI()
}

// etagMatches reports whether any If-None-Match value names etag, weakly.
func etagMatches(values []string, etag string) bool {
	want := trimWeak(etag)
	for _, v := range values {
		for _, candidate := range strings.Split(v, ",") {
			candidate = strings.TrimSpace(candidate)
			if candidate == "*" || trimWeak(candidate) == want {
				return true
			}
		}
	}
	return false
}

func trimWeak(tag string) string {
	return strings.TrimPrefix(tag, "W/")
}
