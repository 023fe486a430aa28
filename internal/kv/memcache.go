package kv

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/bradfitz/gomemcache/memcache"
)

// Memcache is a Store backed by one or more memcached servers. memcached
// has native add, incr and gets/cas, which map one-to-one onto the Store
// primitives. The client does not take contexts; ctx is ignored.
//
// memcached does not report a key's remaining TTL, so CompareAndSwap
// rewrites the counter without expiry. Counters in this service never
// carry a TTL.
type Memcache struct {
	c   *memcache.Client
	now func() time.Time
}

// NewMemcache connects to the given servers and pings them.
func NewMemcache(servers ...string) (*Memcache, error) {
	c := memcache.New(servers...)
	c.Timeout = 2 * time.Second
	return &Memcache{c: c, now: time.Now}, c.Ping()
}

// Ping checks that every server answers.
func (m *Memcache) Ping(context.Context) error {
	return m.c.Ping()
}

// maxRelativeExpiry is the largest exptime memcached reads as seconds from
// now; anything above it is taken as an absolute Unix time.
const maxRelativeExpiry = 30 * 24 * 60 * 60

// expiration converts ttl to memcached's whole-second expiry, rounding up
// so sub-second TTLs do not turn into "never expires". TTLs beyond 30 days
// are sent as the absolute expiry time.
func expiration(now time.Time, ttl time.Duration) int32 {
	if ttl <= 0 {
		return 0
	}
	s := math.Ceil(ttl.Seconds())
	if s > maxRelativeExpiry {
		at := now.Add(ttl)
		s = float64(at.Unix())
		if at.Nanosecond() > 0 {
			s++
		}
	}
	if s > math.MaxInt32 {
		return math.MaxInt32
	}
	return int32(s)
}

func (m *Memcache) Exists(_ context.Context, key string) (bool, error) {
	_, err := m.c.Get(key)
	if errors.Is(err, memcache.ErrCacheMiss) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("memcache get: %w", err)
	}
	return true, nil
}

func (m *Memcache) Get(_ context.Context, key string) ([]byte, bool, error) {
	it, err := m.c.Get(key)
	if errors.Is(err, memcache.ErrCacheMiss) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("memcache get: %w", err)
	}
	return it.Value, true, nil
}

func (m *Memcache) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	err := m.c.Set(&memcache.Item{Key: key, Value: value, Expiration: expiration(m.now(), ttl)})
	if err != nil {
		return fmt.Errorf("memcache set: %w", err)
	}
	return nil
}

func (m *Memcache) Add(_ context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	err := m.c.Add(&memcache.Item{Key: key, Value: value, Expiration: expiration(m.now(), ttl)})
	if errors.Is(err, memcache.ErrNotStored) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("memcache add: %w", err)
	}
	return true, nil
}

func (m *Memcache) Increment(_ context.Context, key string, delta int64) (int64, bool, error) {
	var (
		n   uint64
		err error
	)
	if delta >= 0 {
		n, err = m.c.Increment(key, uint64(delta))
	} else {
		n, err = m.c.Decrement(key, uint64(-delta))
	}
	if errors.Is(err, memcache.ErrCacheMiss) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("memcache incr: %w", err)
	}
	return int64(n), true, nil
}

func (m *Memcache) CompareAndSwap(_ context.Context, key string, old, new int64) (bool, error) {
	it, err := m.c.Get(key)
	if errors.Is(err, memcache.ErrCacheMiss) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("memcache gets: %w", err)
	}
	cur, err := ParseInt(it.Value)
	if err != nil {
		return false, err
	}
	if cur != old {
		return false, nil
	}
	it.Value = FormatInt(new)
	it.Expiration = 0
	err = m.c.CompareAndSwap(it)
	if errors.Is(err, memcache.ErrCASConflict) || errors.Is(err, memcache.ErrNotStored) || errors.Is(err, memcache.ErrCacheMiss) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("memcache cas: %w", err)
	}
	return true, nil
}

func (m *Memcache) Delete(_ context.Context, key string) error {
	err := m.c.Delete(key)
	if err != nil && !errors.Is(err, memcache.ErrCacheMiss) {
		return fmt.Errorf("memcache delete: %w", err)
	}
	return nil
}

var _ Store = (*Memcache)(nil)
