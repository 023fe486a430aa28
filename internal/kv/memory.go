package kv

import (
	"context"
	"sync"
	"time"
)

type memEntry struct {
	val []byte
	exp time.Time // zero = no expiry
}

func (e memEntry) expired(now time.Time) bool {
	return !e.exp.IsZero() && !now.Before(e.exp)
}

// Memory is an in-process Store. Expired keys are treated as absent on
// access and removed by a background janitor.
type Memory struct {
	mu   sync.Mutex
	m    map[string]memEntry
	now  func() time.Time
	stop chan struct{}
	once sync.Once
}

// MemoryOptions configures NewMemory. Zero values are safe.
type MemoryOptions struct {
	// SweepInterval is how often expired keys are purged (0 = 1m, <0 = never).
	SweepInterval time.Duration
	// Now overrides the time source (tests).
	Now func() time.Time
}

func NewMemory(opt MemoryOptions) *Memory {
	m := &Memory{
		m:    make(map[string]memEntry),
		now:  opt.Now,
		stop: make(chan struct{}),
	}
	if m.now == nil {
		m.now = time.Now
	}
	interval := opt.SweepInterval
	if interval == 0 {
		interval = time.Minute
	}
	if interval > 0 {
		go m.janitor(interval)
	}
	return m
}

func (m *Memory) janitor(every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			m.sweep()
		case <-m.stop:
			return
		}
	}
}

func (m *Memory) sweep() {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	for k, e := range m.m {
		if e.expired(now) {
			delete(m.m, k)
		}
	}
}

// Close stops the janitor.
func (m *Memory) Close() error {
	m.once.Do(func() { close(m.stop) })
	return nil
}

// lookup returns the live entry for key; callers hold mu.
func (m *Memory) lookup(key string) (memEntry, bool) {
	e, ok := m.m[key]
	if !ok {
		return memEntry{}, false
	}
	if e.expired(m.now()) {
		delete(m.m, key)
		return memEntry{}, false
	}
	return e, true
}

func (m *Memory) deadline(ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return m.now().Add(ttl)
}

func (m *Memory) Exists(_ context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.lookup(key)
	return ok, nil
}

func (m *Memory) Get(_ context.Context, key string) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.lookup(key)
	if !ok {
		return nil, false, nil
	}
	return append([]byte(nil), e.val...), true, nil
}

func (m *Memory) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.m[key] = memEntry{val: append([]byte(nil), value...), exp: m.deadline(ttl)}
	return nil
}

func (m *Memory) Add(_ context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.lookup(key); ok {
		return false, nil
	}
	m.m[key] = memEntry{val: append([]byte(nil), value...), exp: m.deadline(ttl)}
	return true, nil
}

func (m *Memory) Increment(_ context.Context, key string, delta int64) (int64, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.lookup(key)
	if !ok {
		return 0, false, nil
	}
	n, err := ParseInt(e.val)
	if err != nil {
		return 0, false, err
	}
	n += delta
	e.val = FormatInt(n)
	m.m[key] = e
	return n, true, nil
}

func (m *Memory) CompareAndSwap(_ context.Context, key string, old, new int64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.lookup(key)
	if !ok {
		return false, nil
	}
	n, err := ParseInt(e.val)
	if err != nil {
		return false, err
	}
	if n != old {
		return false, nil
	}
	e.val = FormatInt(new)
	m.m[key] = e
	return true, nil
}

func (m *Memory) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.m, key)
	return nil
}

// Len reports the number of resident keys, including expired ones not yet swept.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.m)
}

var _ Store = (*Memory)(nil)
