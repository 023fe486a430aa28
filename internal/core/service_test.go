package core

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roniherschmann/go-shorty-cache/internal/coalesce"
	"github.com/roniherschmann/go-shorty-cache/internal/kv"
	"github.com/roniherschmann/go-shorty-cache/internal/store"
)

type fixture struct {
	db    *store.SQLite
	cache *kv.Memory
	svc   *Service
}

func newFixture(t *testing.T, shed coalesce.ShedMode, queue int) *fixture {
	t.Helper()
	sqlDB, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	require.NoError(t, store.Migrate(sqlDB))
	db := store.NewSQLite(sqlDB)
	t.Cleanup(func() { db.Close() })

	cache := kv.NewMemory(kv.MemoryOptions{SweepInterval: -1})
	t.Cleanup(func() { cache.Close() })

	nop := zerolog.Nop()
	copt := coalesce.Options{
		WriteWindow: 120 * time.Second,
		SlotWait:    time.Second,
		Shed:        shed,
		Rebuffer:    true,
		Logger:      &nop,
	}
	svc := NewService(db, cache,
		coalesce.NewCounter(cache, db, copt),
		coalesce.NewLog(cache, db, copt),
		Options{Workers: 1, Queue: queue, Logger: &nop})
	return &fixture{db: db, cache: cache, svc: svc}
}

// run starts the ingester and returns a function that stops it and waits
// for the queue to be drained.
func (f *fixture) run(t *testing.T) func() {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.svc.RunClickIngester(ctx) }()
	return func() {
		cancel()
		require.NoError(t, <-done)
	}
}

func TestSanitizeKeyword(t *testing.T) {
	assert.Equal(t, "abc_1-Z", SanitizeKeyword("abc_1-Z"))
	assert.Equal(t, "abc", SanitizeKeyword("a/b c?"))
	assert.Equal(t, "", SanitizeKeyword("../"))
}

func TestShorten(t *testing.T) {
	f := newFixture(t, coalesce.ShedOff, 100)
	ctx := context.Background()

	u, err := f.svc.Shorten(ctx, "a b!c", "https://example.com/x", "Example", "10.0.0.1")
	require.NoError(t, err)
	assert.Equal(t, "abc", u.Keyword)
	assert.Equal(t, "https://example.com/x", u.URL)

	_, err = f.svc.Shorten(ctx, "abc", "https://example.org", "", "")
	assert.ErrorIs(t, err, ErrKeywordTaken)

	_, err = f.svc.Shorten(ctx, "!!", "https://example.org", "", "")
	assert.ErrorIs(t, err, ErrInvalidKeyword)

	_, err = f.svc.Shorten(ctx, "", "ftp://example.org", "", "")
	assert.ErrorIs(t, err, ErrInvalidURL)

	gen, err := f.svc.Shorten(ctx, "", "http://example.org", "", "")
	require.NoError(t, err)
	assert.Len(t, gen.Keyword, generatedLength)
}

func TestResolve_ReadThrough(t *testing.T) {
	f := newFixture(t, coalesce.ShedOff, 100)
	ctx := context.Background()

	_, err := f.svc.Resolve(ctx, "nope")
	assert.True(t, errors.Is(err, store.ErrNotFound))

	_, err = f.svc.Shorten(ctx, "abc", "https://example.com", "", "")
	require.NoError(t, err)
	_, ok, _ := f.cache.Get(ctx, "shorty:kw:abc")
	assert.False(t, ok, "creating a link does not fill the cache")

	u, err := f.svc.Resolve(ctx, "abc")
	require.NoError(t, err)
	assert.Equal(t, "https://example.com", u.URL)
	_, ok, _ = f.cache.Get(ctx, "shorty:kw:abc")
	assert.True(t, ok)

	// Served from the cache even though the row changed underneath.
	require.NoError(t, f.db.Save(ctx, store.URL{Keyword: "abc", URL: "https://changed.example"}))
	u, err = f.svc.Resolve(ctx, "abc")
	require.NoError(t, err)
	assert.Equal(t, "https://example.com", u.URL)
}

func TestEdit_InvalidatesCache(t *testing.T) {
	f := newFixture(t, coalesce.ShedOff, 100)
	ctx := context.Background()

	_, err := f.svc.Shorten(ctx, "abc", "https://example.com", "Old", "")
	require.NoError(t, err)
	_, err = f.svc.Resolve(ctx, "abc")
	require.NoError(t, err)

	u, err := f.svc.Edit(ctx, "abc", "https://example.org/new", "")
	require.NoError(t, err)
	assert.Equal(t, "Old", u.Title)

	_, ok, _ := f.cache.Get(ctx, "shorty:kw:abc")
	assert.False(t, ok)
	u, err = f.svc.Resolve(ctx, "abc")
	require.NoError(t, err)
	assert.Equal(t, "https://example.org/new", u.URL)

	_, err = f.svc.Edit(ctx, "missing", "https://example.org", "")
	assert.ErrorIs(t, err, store.ErrNotFound)
	_, err = f.svc.Edit(ctx, "abc", "not a url", "")
	assert.ErrorIs(t, err, ErrInvalidURL)
}

func TestPrewarmCache(t *testing.T) {
	f := newFixture(t, coalesce.ShedOff, 100)
	ctx := context.Background()
	for _, kw := range []string{"a", "b", "c"} {
		_, err := f.svc.Shorten(ctx, kw, "https://example.com/"+kw, "", "")
		require.NoError(t, err)
	}
	n, err := f.svc.PrewarmCache(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, 2, f.cache.Len())
}

func TestIngester_CoalescesClicks(t *testing.T) {
	f := newFixture(t, coalesce.ShedOff, 100)
	ctx := context.Background()
	_, err := f.svc.Shorten(ctx, "abc", "https://example.com", "", "")
	require.NoError(t, err)

	stop := f.run(t)
	for i := 0; i < 3; i++ {
		f.svc.RecordClick("abc", "10.0.0.1", "test", "", "")
	}
	stop()

	// The first click of the window is written at once; the other two wait
	// in the shared store for the next window.
	st, err := f.svc.Stats(ctx, "abc")
	require.NoError(t, err)
	assert.EqualValues(t, 1, st.Clicks)
	assert.EqualValues(t, 1, st.LoggedHits)

	n, ok, err := kv.GetInt(ctx, f.cache, "shorty:abc-=-clicks")
	require.NoError(t, err)
	require.True(t, ok)
	assert.EqualValues(t, 2, n)
}

func TestIngester_BypassWritesDirectly(t *testing.T) {
	f := newFixture(t, coalesce.ShedBypass, 100)
	ctx := context.Background()
	_, err := f.svc.Shorten(ctx, "abc", "https://example.com", "", "")
	require.NoError(t, err)

	stop := f.run(t)
	for i := 0; i < 3; i++ {
		f.svc.RecordClick("abc", "10.0.0.1", "test", "https://ref.example", "de")
	}
	stop()

	st, err := f.svc.Stats(ctx, "abc")
	require.NoError(t, err)
	assert.EqualValues(t, 3, st.Clicks)
	assert.EqualValues(t, 3, st.LoggedHits)
	assert.EqualValues(t, 1, st.UniqueIPs)
	assert.Equal(t, 0, f.cache.Len())
}

func TestRecordClick_QueueFull(t *testing.T) {
	f := newFixture(t, coalesce.ShedOff, 1)

	f.svc.RecordClick("a/bc", "10.0.0.1", "ua", "", "gbr")
	f.svc.RecordClick("abc", "10.0.0.2", "ua", "", "")
	require.Len(t, f.svc.clicksCh, 1)

	e := <-f.svc.clicksCh
	assert.Equal(t, "abc", e.Keyword)
	assert.Equal(t, DefaultReferrer, e.Referrer)
	assert.Equal(t, "GB", e.CountryCode)
	assert.Equal(t, "10.0.0.1", e.IP)
	assert.False(t, e.Time.IsZero())
}
