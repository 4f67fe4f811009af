// Package ping records anonymised usage pings and aggregates them into
// per-package daily histograms.
//
// A ping is stored under a key of the form
//
//	<package>|<sha256 hex of ip+salt>|<milliseconds since the reference epoch>
//
// The reference epoch must never change once pings exist: every stored
// offset is relative to it, so moving it shifts all historical days.
package ping

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	versiongateway "github.com/wolfeidau/version-gateway"
	"github.com/wolfeidau/version-gateway/store"
)

// Separator joins the fields of a key.
const Separator = "|"

// DefaultEpochMillis is the reference epoch, 2022-04-06T04:00:00Z.
const DefaultEpochMillis int64 = 1649217600000

// DefaultEpoch is DefaultEpochMillis as a time.
var DefaultEpoch = time.UnixMilli(DefaultEpochMillis).UTC()

// ErrMalformedKey is returned by ParseKey for keys that do not have the
// three-field shape.
var ErrMalformedKey = errors.New("ping: malformed key")

// ErrInvalidPackage is returned by ValidatePackage.
var ErrInvalidPackage = errors.New("ping: invalid package name")

// ValidatePackage reports whether name can be stored as the package field of
// a key: it must be non-empty and must not contain Separator.
func ValidatePackage(name string) error {
	if name == "" {
		return fmt.Errorf("%w: empty", ErrInvalidPackage)
	}
	if strings.Contains(name, Separator) {
		return fmt.Errorf("%w: %q contains %q", ErrInvalidPackage, name, Separator)
	}
	return nil
}

// Key identifies one ping.
type Key struct {
	Package string
	IPHash  string
	// Offset is milliseconds since the reference epoch.
	Offset int64
}

// String renders the key in its stored form. The offset is not zero padded.
func (k Key) String() string {
	return k.Package + Separator + k.IPHash + Separator + strconv.FormatInt(k.Offset, 10)
}

// ParseKey splits a stored key into its fields.
func ParseKey(s string) (Key, error) {
	parts := strings.Split(s, Separator)
	if len(parts) != 3 {
		return Key{}, fmt.Errorf("%w: %q has %d fields", ErrMalformedKey, s, len(parts))
	}
	if parts[0] == "" {
		return Key{}, fmt.Errorf("%w: %q has an empty package", ErrMalformedKey, s)
	}

	off := parts[2]
	if off == "" || off[0] < '0' || off[0] > '9' {
		return Key{}, fmt.Errorf("%w: %q offset is not a non-negative integer", ErrMalformedKey, s)
	}
	offset, err := strconv.ParseInt(off, 10, 64)
	if err != nil {
		return Key{}, fmt.Errorf("%w: %q offset: %w", ErrMalformedKey, s, err)
	}

	return Key{Package: parts[0], IPHash: parts[1], Offset: offset}, nil
}

// MaxClockSkew is how far past the current time a key may point before
// KeyBuilder.Parse treats it as malformed.
const MaxClockSkew = 24 * time.Hour

// DayBucket truncates t to midnight UTC.
func DayBucket(t time.Time) time.Time {
	return t.UTC().Truncate(24 * time.Hour)
}

// KeyBuilder derives ping keys from a package name and client address.
type KeyBuilder struct {
	salt  string
	epoch time.Time
	now   func() time.Time
}

// KeyBuilderOption configures a KeyBuilder.
type KeyBuilderOption func(*KeyBuilder)

// WithClock sets the time source, for tests.
func WithClock(now func() time.Time) KeyBuilderOption {
	return func(b *KeyBuilder) {
		b.now = now
	}
}

// NewKeyBuilder creates a KeyBuilder hashing addresses with salt and
// measuring offsets from epoch.
func NewKeyBuilder(salt string, epoch time.Time, opts ...KeyBuilderOption) *KeyBuilder {
	b := &KeyBuilder{
		salt:  salt,
		epoch: epoch.UTC(),
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Epoch returns the reference epoch.
func (b *KeyBuilder) Epoch() time.Time {
	return b.epoch
}

// Build returns the key for a ping of name from ip at the current time.
// A clock earlier than the epoch yields offset 0.
func (b *KeyBuilder) Build(name, ip string) Key {
	offset := b.now().UnixMilli() - b.epoch.UnixMilli()
	if offset < 0 {
		offset = 0
	}
	return Key{
		Package: name,
		IPHash:  versiongateway.HashIP(ip, b.salt),
		Offset:  offset,
	}
}

// Parse parses s like ParseKey and also rejects offsets that point more than
// MaxClockSkew past the current time. The bound is checked before epoch and
// offset are added, so an oversized offset cannot overflow Time.
func (b *KeyBuilder) Parse(s string) (Key, error) {
	k, err := ParseKey(s)
	if err != nil {
		return Key{}, err
	}
	limit := max(b.now().Add(MaxClockSkew).UnixMilli()-b.epoch.UnixMilli(), 0)
	if k.Offset > limit {
		return Key{}, fmt.Errorf("%w: %q offset is in the future", ErrMalformedKey, s)
	}
	return k, nil
}

// Time reconstructs the wall-clock time of k.
func (b *KeyBuilder) Time(k Key) time.Time {
	return time.UnixMilli(b.epoch.UnixMilli() + k.Offset).UTC()
}

// Ping converts k and its record into the store representation.
func (b *KeyBuilder) Ping(k Key, value []byte) *store.Ping {
	return &store.Ping{
		Key:     k.String(),
		Package: k.Package,
		IPHash:  k.IPHash,
		Day:     DayBucket(b.Time(k)),
		Value:   value,
	}
}
