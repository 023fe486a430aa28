package coalesce

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/roniherschmann/go-shorty-cache/internal/kv"
	"github.com/roniherschmann/go-shorty-cache/internal/metrics"
	"github.com/roniherschmann/go-shorty-cache/internal/store"
)

// LogWriter appends rows to the access log in one statement.
type LogWriter interface {
	InsertLogs(ctx context.Context, entries []store.LogEntry) error
}

// slotRecord is the stored form of a log entry, encoded as a msgpack array.
type slotRecord struct {
	_msgpack struct{} `msgpack:",as_array"`

	Keyword     string
	Referrer    string
	UserAgent   string
	IP          string
	CountryCode string
	Unix        int64
}

func encodeEntry(e store.LogEntry) ([]byte, error) {
	return msgpack.Marshal(&slotRecord{
		Keyword:     e.Keyword,
		Referrer:    e.Referrer,
		UserAgent:   e.UserAgent,
		IP:          e.IP,
		CountryCode: e.CountryCode,
		Unix:        e.Time.Unix(),
	})
}

func decodeEntry(b []byte) (store.LogEntry, error) {
	var r slotRecord
	if err := msgpack.Unmarshal(b, &r); err != nil {
		return store.LogEntry{}, err
	}
	return store.LogEntry{
		Time:        time.Unix(r.Unix, 0).UTC(),
		Keyword:     r.Keyword,
		Referrer:    r.Referrer,
		UserAgent:   r.UserAgent,
		IP:          r.IP,
		CountryCode: r.CountryCode,
	}, nil
}

// Log buffers access-log entries in numbered slots of the shared store and
// drains them into one multi-row INSERT per write window.
//
// A global index counter hands out slot numbers. The worker that opens the
// global log timer drains every slot up to the index and swaps the index
// back to 0. If the swap fails, more slots were reserved meanwhile; only the
// newly reserved range is read before trying again.
type Log struct {
	store kv.Store
	db    LogWriter
	opt   Options
	keys  keys
	log   zerolog.Logger
}

func NewLog(s kv.Store, db LogWriter, opt Options) *Log {
	opt = opt.withDefaults()
	return &Log{
		store: s,
		db:    db,
		opt:   opt,
		keys:  keys(opt.Prefix),
		log:   opt.Logger.With().Str("component", "log").Logger(),
	}
}

// RecordEvent buffers e and, if this call opens a new window, flushes the
// buffer. It returns false only in bypass mode.
func (l *Log) RecordEvent(ctx context.Context, e store.LogEntry) bool {
	switch l.opt.Shed {
	case ShedDrop:
		metrics.Shed.WithLabelValues("log", string(ShedDrop)).Inc()
		return true
	case ShedBypass:
		metrics.Shed.WithLabelValues("log", string(ShedBypass)).Inc()
		return false
	}
	if e.Time.IsZero() {
		e.Time = l.opt.Now()
	}

	if err := l.buffer(ctx, e); err != nil {
		l.storeError("buffer", err)
		return true
	}

	opened, err := l.store.Add(ctx, l.keys.logTimer(), kv.FormatInt(l.opt.Now().Unix()), l.opt.WriteWindow)
	if err != nil {
		l.storeError("add_timer", err)
		return true
	}
	if opened {
		l.flush(ctx)
	}
	return true
}

// buffer reserves a slot and stores e in it. The first reservation after the
// index key is created gets slot 0; every later one gets index+1. A slot
// number can come around again after a reset while a late writer from the
// previous epoch still holds it, so the entry is added rather than set and a
// taken slot means reserving another.
func (l *Log) buffer(ctx context.Context, e store.LogEntry) error {
	b, err := encodeEntry(e)
	if err != nil {
		return err
	}
	for {
		slot, err := kv.IncrementOrCreate(ctx, l.store, l.keys.logIndex(), 0, 1)
		if err != nil {
			return err
		}
		added, err := l.store.Add(ctx, l.keys.logSlot(slot), b, l.opt.SlotTTL)
		if err != nil || added {
			return err
		}
	}
}

func (l *Log) flush(ctx context.Context) {
	entries, err := l.drain(ctx)
	if err != nil {
		l.storeError("drain", err)
	}
	if len(entries) == 0 {
		return
	}

	if err := l.db.InsertLogs(ctx, entries); err != nil {
		metrics.BackingErrors.WithLabelValues("log").Inc()
		l.log.Error().Err(err).Int("entries", len(entries)).Msg("insert log")
		l.rebuffer(ctx, entries)
		return
	}
	metrics.Flushes.WithLabelValues("log").Inc()
	metrics.LogEntriesFlushed.Add(float64(len(entries)))
	l.log.Debug().Int("entries", len(entries)).Msg("log flushed")
}

// drain collects all buffered entries in slot order and resets the index.
// On error it returns what it collected so far; those slots are already
// deleted, so the caller should still write them.
func (l *Log) drain(ctx context.Context) ([]store.LogEntry, error) {
	idx := l.keys.logIndex()
	var out []store.LogEntry
	low := int64(-1) // highest slot already read
	// SlotWait bounds the whole drain, not each slot.
	deadline := time.Now().Add(l.opt.SlotWait)
	for {
		high, ok, err := kv.GetInt(ctx, l.store, idx)
		if err != nil || !ok {
			return out, err
		}
		if high > low {
			out = l.collect(ctx, out, low+1, high, deadline)
			low = high
		}
		swapped, err := l.store.CompareAndSwap(ctx, idx, high, 0)
		if err != nil {
			return out, err
		}
		if swapped {
			return out, nil
		}
		if err := ctx.Err(); err != nil {
			return out, err
		}
	}
}

// collect reads slots [from, to] into out and deletes them so a later epoch
// reusing the numbers never sees stale entries. Absent slots are re-read
// until deadline; after that each remaining slot gets a single read.
func (l *Log) collect(ctx context.Context, out []store.LogEntry, from, to int64, deadline time.Time) []store.LogEntry {
	for slot := from; slot <= to; slot++ {
		key := l.keys.logSlot(slot)
		// Slot 0 is only handed out when the index key is created; after a
		// reset numbering resumes at 1, so an empty slot 0 is normal.
		wait := time.Until(deadline)
		if slot == 0 || wait < 0 {
			wait = 0
		}
		b, ok, err := kv.GetWait(ctx, l.store, key, wait)
		if err != nil {
			l.storeError("get_slot", err)
			metrics.LogSlotsMissing.Inc()
			continue
		}
		if !ok {
			// Evicted, or its writer has not stored it yet. A late writer
			// finds the number reused and re-buffers into a fresh slot.
			if slot > 0 {
				metrics.LogSlotsMissing.Inc()
			}
			continue
		}
		e, err := decodeEntry(b)
		if err != nil {
			l.log.Warn().Err(err).Int64("slot", slot).Msg("undecodable log slot")
			metrics.LogSlotsMissing.Inc()
		} else {
			out = append(out, e)
		}
		if err := l.store.Delete(ctx, key); err != nil {
			l.storeError("delete_slot", err)
		}
	}
	return out
}

// rebuffer puts entries from a failed INSERT back into fresh slots. It does
// not open a window; the next window's flusher picks them up.
func (l *Log) rebuffer(ctx context.Context, entries []store.LogEntry) {
	if !l.opt.Rebuffer {
		return
	}
	for i, e := range entries {
		if err := l.buffer(ctx, e); err != nil {
			l.storeError("rebuffer", err)
			l.log.Warn().Int("lost", len(entries)-i).Msg("log entries not rebuffered")
			return
		}
		metrics.Rebuffered.WithLabelValues("log").Inc()
	}
}

func (l *Log) storeError(op string, err error) {
	metrics.StoreErrors.WithLabelValues(op).Inc()
	l.log.Warn().Err(err).Str("op", op).Msg("shared store")
}
