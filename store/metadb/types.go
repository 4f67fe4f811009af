// Package metadb provides the bbolt implementation of the gateway store.
package metadb

import "time"

// ExpiryEntry identifies a cached response past its expiry.
type ExpiryEntry struct {
	URL       string    `json:"url"`
	ExpiresAt time.Time `json:"expires_at"`
}
