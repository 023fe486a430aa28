package coalesce

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/roniherschmann/go-shorty-cache/internal/kv"
	"github.com/roniherschmann/go-shorty-cache/internal/metrics"
)

// ClickWriter applies a batch of clicks to a keyword's counter column.
type ClickWriter interface {
	AddClicks(ctx context.Context, keyword string, delta int64) error
}

// Counter coalesces per-keyword click increments. The first click of a
// window writes immediately, together with everything accumulated since the
// previous window; later clicks in the window only bump a counter in the
// store. So each keyword sees at most one UPDATE per write window.
type Counter struct {
	store kv.Store
	db    ClickWriter
	opt   Options
	keys  keys
	log   zerolog.Logger
}

func NewCounter(s kv.Store, db ClickWriter, opt Options) *Counter {
	opt = opt.withDefaults()
	return &Counter{
		store: s,
		db:    db,
		opt:   opt,
		keys:  keys(opt.Prefix),
		log:   opt.Logger.With().Str("component", "clicks").Logger(),
	}
}

// RecordClick counts one click for keyword. It returns false only in bypass
// mode, where the caller is expected to write the click itself. Store and
// database failures are logged, never returned.
func (c *Counter) RecordClick(ctx context.Context, keyword string) bool {
	switch c.opt.Shed {
	case ShedDrop:
		metrics.Shed.WithLabelValues("clicks", string(ShedDrop)).Inc()
		return true
	case ShedBypass:
		metrics.Shed.WithLabelValues("clicks", string(ShedBypass)).Inc()
		return false
	}

	opened, err := c.store.Add(ctx, c.keys.clickTimer(keyword), kv.FormatInt(c.opt.Now().Unix()), c.opt.WriteWindow)
	if err != nil {
		c.storeError("add_timer", keyword, err)
		return true
	}
	if opened {
		c.flush(ctx, keyword)
		return true
	}

	if _, err := kv.IncrementOrCreate(ctx, c.store, c.keys.clicks(keyword), 1, 1); err != nil {
		c.storeError("incr_clicks", keyword, err)
	}
	return true
}

// flush writes this click plus the collected accumulator.
func (c *Counter) flush(ctx context.Context, keyword string) {
	acc := c.keys.clicks(keyword)
	pending, err := kv.ResetToZero(ctx, c.store, acc)
	if err != nil {
		// Nothing was swapped out; the accumulator keeps its value for the
		// next window.
		c.storeError("reset_clicks", keyword, err)
		pending = 0
	}
	delta := 1 + pending

	if err := c.db.AddClicks(ctx, keyword, delta); err != nil {
		metrics.BackingErrors.WithLabelValues("clicks").Inc()
		c.log.Error().Err(err).Str("keyword", keyword).Int64("delta", delta).Msg("update clicks")
		c.rebuffer(ctx, keyword, delta)
		return
	}
	metrics.Flushes.WithLabelValues("clicks").Inc()
	metrics.ClicksFlushed.Add(float64(delta))
	c.log.Debug().Str("keyword", keyword).Int64("delta", delta).Msg("clicks flushed")
}

// rebuffer returns an unwritten delta to the accumulator.
func (c *Counter) rebuffer(ctx context.Context, keyword string, delta int64) {
	if !c.opt.Rebuffer {
		return
	}
	if _, err := kv.IncrementOrCreate(ctx, c.store, c.keys.clicks(keyword), delta, delta); err != nil {
		c.storeError("rebuffer_clicks", keyword, err)
		return
	}
	metrics.Rebuffered.WithLabelValues("clicks").Add(float64(delta))
}

func (c *Counter) storeError(op, keyword string, err error) {
	metrics.StoreErrors.WithLabelValues(op).Inc()
	c.log.Warn().Err(err).Str("op", op).Str("keyword", keyword).Msg("shared store")
}
