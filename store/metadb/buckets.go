package metadb

import (
	"encoding/binary"
	"time"
)

// Bucket names for bbolt storage.
var (
	// Ping records - ping key -> JSON record
	bucketPings = []byte("pings")

	// Pre-aggregated counters - package+day -> [8-byte count][8-byte unique clients]
	bucketDayCounts = []byte("day_counts")

	// Unique client markers - package+day+ipHash -> 1
	bucketDayClients = []byte("day_clients")

	// Response cache - url -> CachedResponse JSON
	bucketResponses = []byte("responses")

	// Response expiry index
	bucketResponsesByExpiry   = []byte("responses_by_expiry")    // timestamp+url -> url
	bucketResponseExpiryByKey = []byte("response_expiry_by_key") // url -> 8-byte timestamp (reverse index for O(1) delete)
)

// markerValue is stored for unique client markers; bbolt values should not be empty.
var markerValue = []byte{1}

// encodeTimestamp converts a time.Time to a fixed-width big-endian byte slice.
// This ensures correct lexicographic ordering for time-based indexes.
// Uses an offset to handle negative nanosecond values (pre-1970 dates).
func encodeTimestamp(t time.Time) []byte {
	buf := make([]byte, 8)
	ns := t.UnixNano()
	binary.BigEndian.PutUint64(buf, uint64(ns-(-1<<63))) //nolint:gosec // intentional signed->unsigned shift
	return buf
}

// decodeTimestamp converts a big-endian byte slice back to time.Time.
func decodeTimestamp(b []byte) time.Time {
	if len(b) < 8 {
		return time.Time{}
	}
	u := binary.BigEndian.Uint64(b[:8])
	ns := int64(u) + (-1 << 63) //nolint:gosec // intentional unsigned->signed shift
	return time.Unix(0, ns).UTC()
}

// makeDayKey creates a key for the day_counts bucket.
// Format: [package][separator][8-byte timestamp]
func makeDayKey(pkg string, day time.Time) []byte {
	key := make([]byte, len(pkg)+1+8)
	copy(key, pkg)
	key[len(pkg)] = 0 // null separator
	copy(key[len(pkg)+1:], encodeTimestamp(day))
	return key
}

// parseDayKey extracts the package and day from a day_counts key.
func parseDayKey(data []byte) (pkg string, day time.Time, ok bool) {
	if len(data) < 10 {
		return "", time.Time{}, false
	}
	sep := len(data) - 9
	if data[sep] != 0 {
		return "", time.Time{}, false
	}
	return string(data[:sep]), decodeTimestamp(data[sep+1:]), true
}

// makeClientKey creates a key for the day_clients bucket.
// Format: [package][separator][8-byte timestamp][ipHash]
func makeClientKey(pkg string, day time.Time, ipHash string) []byte {
	dayKey := makeDayKey(pkg, day)
	key := make([]byte, len(dayKey)+len(ipHash))
	copy(key, dayKey)
	copy(key[len(dayKey):], ipHash)
	return key
}

// encodeCounts packs a day counter value.
func encodeCounts(count, clients int64) []byte {
	buf := make([]byte, 16)
	binary.BigEndian.PutUint64(buf[:8], uint64(count))   //nolint:gosec // counters are never negative
	binary.BigEndian.PutUint64(buf[8:], uint64(clients)) //nolint:gosec // counters are never negative
	return buf
}

// decodeCounts unpacks a day counter value. Missing or short values decode as zero.
func decodeCounts(b []byte) (count, clients int64) {
	if len(b) < 16 {
		return 0, 0
	}
	return int64(binary.BigEndian.Uint64(b[:8])), int64(binary.BigEndian.Uint64(b[8:])) //nolint:gosec // written by encodeCounts
}

// makeExpiryKey creates a key for the responses_by_expiry index.
// Format: [8-byte timestamp][url]
func makeExpiryKey(expiresAt time.Time, url string) []byte {
	key := make([]byte, 8+len(url))
	copy(key[:8], encodeTimestamp(expiresAt))
	copy(key[8:], url)
	return key
}

// parseExpiryKey extracts the expiry time and url from a responses_by_expiry key.
func parseExpiryKey(data []byte) (expiresAt time.Time, url string) {
	if len(data) < 8 {
		return time.Time{}, ""
	}
	return decodeTimestamp(data[:8]), string(data[8:])
}
