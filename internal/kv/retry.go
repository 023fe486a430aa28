package kv

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// errContended marks an attempt that lost a race and should be retried.
var errContended = errors.New("kv: contended")

// Backoff bounds for the retry loops. Attempts start well under a
// millisecond and never wait more than a few milliseconds apart.
var (
	RetryInitialInterval = 200 * time.Microsecond
	RetryMaxInterval     = 5 * time.Millisecond
)

// newBackOff returns the retry schedule; maxElapsed 0 retries until ctx is done.
func newBackOff(ctx context.Context, maxElapsed time.Duration) backoff.BackOffContext {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = RetryInitialInterval
	b.MaxInterval = RetryMaxInterval
	b.MaxElapsedTime = maxElapsed
	b.Reset()
	return backoff.WithContext(b, ctx)
}

// retry runs op until it succeeds, fails with a store error, or ctx is done.
// Only errContended is retried: the loops are lock-free and a retry means
// some other worker made progress.
func retry[T any](ctx context.Context, op func() (T, error)) (T, error) {
	return retryFor(ctx, 0, op)
}

func retryFor[T any](ctx context.Context, maxElapsed time.Duration, op func() (T, error)) (T, error) {
	return backoff.RetryWithData(func() (T, error) {
		v, err := op()
		if err != nil && !errors.Is(err, errContended) {
			return v, backoff.Permanent(err)
		}
		return v, err
	}, newBackOff(ctx, maxElapsed))
}

// IncrementWithRetry increments an existing counter by delta, retrying while
// the store reports the operation as not applied. It returns the new value.
func IncrementWithRetry(ctx context.Context, s Store, key string, delta int64) (int64, error) {
	return retry(ctx, func() (int64, error) {
		n, ok, err := s.Increment(ctx, key, delta)
		if err != nil {
			return 0, err
		}
		if !ok {
			return 0, errContended
		}
		return n, nil
	})
}

// IncrementOrCreate increments the counter at key by delta, creating it with
// initial if it does not exist. Exactly one of any set of concurrent callers
// observes initial when the key is created; every other caller gets a
// distinct post-increment value. A key that expires between the existence
// check and the increment is re-created on the next attempt.
func IncrementOrCreate(ctx context.Context, s Store, key string, initial, delta int64) (int64, error) {
	return retry(ctx, func() (int64, error) {
		exists, err := s.Exists(ctx, key)
		if err != nil {
			return 0, err
		}
		if !exists {
			added, err := s.Add(ctx, key, FormatInt(initial), 0)
			if err != nil {
				return 0, err
			}
			if added {
				return initial, nil
			}
		}
		n, ok, err := s.Increment(ctx, key, delta)
		if err != nil {
			return 0, err
		}
		if !ok {
			return 0, errContended
		}
		return n, nil
	})
}

// ResetToZero atomically collects a counter: it returns the value it
// observed and swapped for 0. Increments landing after the successful swap
// stay in the counter for the next collection. A missing or zero counter
// returns 0 without writing.
func ResetToZero(ctx context.Context, s Store, key string) (int64, error) {
	return retry(ctx, func() (int64, error) {
		n, ok, err := GetInt(ctx, s, key)
		if err != nil {
			return 0, err
		}
		if !ok || n == 0 {
			return 0, nil
		}
		swapped, err := s.CompareAndSwap(ctx, key, n, 0)
		if err != nil {
			return 0, err
		}
		if !swapped {
			return 0, errContended
		}
		return n, nil
	})
}

// GetWait reads key, re-reading it for up to wait while it is absent. It is
// used for keys another worker has committed to write but may not have
// written yet.
func GetWait(ctx context.Context, s Store, key string, wait time.Duration) ([]byte, bool, error) {
	if wait <= 0 {
		return s.Get(ctx, key)
	}
	v, err := retryFor(ctx, wait, func() ([]byte, error) {
		v, ok, err := s.Get(ctx, key)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, errContended
		}
		return v, nil
	})
	if errors.Is(err, errContended) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return v, true, nil
}
