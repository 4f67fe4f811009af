package metadb

import (
	"fmt"

	"github.com/wolfeidau/version-gateway/store"
)

// Open creates a BoltDB and opens the database file at path.
func Open(path string, opts ...BoltDBOption) (*BoltDB, error) {
	db := NewBoltDB(opts...)
	if err := db.Open(path); err != nil {
		return nil, fmt.Errorf("opening metadb %s: %w", path, err)
	}
	return db, nil
}

// New opens a bbolt-backed store.Store at path.
func New(path string, opts ...BoltDBOption) (store.Store, error) {
	return Open(path, opts...)
}
