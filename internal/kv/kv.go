// Package kv defines the shared key/value store used to coordinate write
// coalescing across workers, and the lock-free retry helpers built on it.
//
// Every backend exposes the same small set of atomic primitives: add-if-absent,
// increment, and compare-and-swap on integer counters. Counters are stored as
// ASCII decimal so they interoperate with the native counter commands of
// Redis and memcached.
package kv

import (
	"bytes"
	"context"
	"errors"
	"strconv"
	"time"
)

// ErrNotCounter is returned when a counter primitive hits a key whose value
// is not a decimal integer.
var ErrNotCounter = errors.New("kv: value is not a counter")

// Store is a TTL-aware key/value store shared by all workers.
// A ttl of 0 means the key never expires.
type Store interface {
	Exists(ctx context.Context, key string) (bool, error)
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// Add stores value only if key is absent and reports whether it did.
	Add(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error)

	// Increment adds delta to an existing counter and returns the new value.
	// ok is false when the key does not exist or the store declined the
	// operation under contention; callers retry.
	Increment(ctx context.Context, key string, delta int64) (n int64, ok bool, err error)

	// CompareAndSwap replaces the counter at key with new only if it
	// currently holds old.
	CompareAndSwap(ctx context.Context, key string, old, new int64) (bool, error)

	Delete(ctx context.Context, key string) error
}

// FormatInt encodes a counter value.
func FormatInt(n int64) []byte { return strconv.AppendInt(nil, n, 10) }

// ParseInt decodes a counter value. Surrounding whitespace is ignored
// (memcached may pad counters it has rewritten in place).
func ParseInt(b []byte) (int64, error) {
	n, err := strconv.ParseInt(string(bytes.TrimSpace(b)), 10, 64)
	if err != nil {
		return 0, ErrNotCounter
	}
	return n, nil
}

// GetInt reads a counter. A missing key reads as 0 with ok false.
func GetInt(ctx context.Context, s Store, key string) (n int64, ok bool, err error) {
	b, ok, err := s.Get(ctx, key)
	if err != nil || !ok {
		return 0, false, err
	}
	n, err = ParseInt(b)
	return n, err == nil, err
}
