// Package coalesce turns high-frequency click and access-log events into
// periodic bulk writes against the database.
//
// Coordination happens entirely in a shared kv.Store. A timer key with a
// TTL equal to the write window marks an open window; the worker whose
// add-if-absent creates it is the single flusher for that window. Everyone
// else only accumulates: clicks into a per-keyword counter, log entries into
// uniquely numbered slots. No locks are taken. Events buffered in the store
// may be lost if the store evicts them before a flush.
package coalesce

import (
	"fmt"
	"strconv"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// ShedMode is the load-shedding policy applied before any store access.
type ShedMode string

const (
	// ShedOff is normal operation.
	ShedOff ShedMode = "off"
	// ShedDrop accepts events and discards them.
	ShedDrop ShedMode = "drop"
	// ShedBypass declines events so the caller writes them directly.
	ShedBypass ShedMode = "bypass"
)

// ParseShedMode accepts off, drop and bypass ("" and "none" are aliases
// for off and bypass).
func ParseShedMode(s string) (ShedMode, error) {
	switch s {
	case "", "off":
		return ShedOff, nil
	case "drop":
		return ShedDrop, nil
	case "bypass", "none":
		return ShedBypass, nil
	}
	return "", fmt.Errorf("unknown shed mode %q", s)
}

const (
	DefaultWriteWindow = 120 * time.Second
	DefaultSlotTTL     = 86400 * time.Second
	DefaultSlotWait    = 20 * time.Millisecond
	DefaultPrefix      = "shorty:"
)

// Options configures both coalescers. Zero values get defaults.
type Options struct {
	// WriteWindow is the TTL of timer keys: at most one flush per window.
	WriteWindow time.Duration
	// SlotTTL bounds how long a buffered log entry survives without a flush.
	SlotTTL time.Duration
	// SlotWait is how long a flusher waits for a reserved log slot whose
	// writer has not stored its entry yet.
	SlotWait time.Duration
	// Shed is the load-shedding mode.
	Shed ShedMode
	// Prefix namespaces every key this package writes.
	Prefix string
	// Rebuffer puts data back into the store when the database write of a
	// flush fails, so the next window retries it.
	Rebuffer bool

	Logger *zerolog.Logger
	Now    func() time.Time
}

func (o Options) withDefaults() Options {
	if o.WriteWindow <= 0 {
		o.WriteWindow = DefaultWriteWindow
	}
	if o.SlotTTL <= 0 {
		o.SlotTTL = DefaultSlotTTL
	}
	if o.SlotWait == 0 {
		o.SlotWait = DefaultSlotWait
	}
	if o.Shed == "" {
		o.Shed = ShedOff
	}
	if o.Prefix == "" {
		o.Prefix = DefaultPrefix
	}
	if o.Logger == nil {
		l := log.Logger
		o.Logger = &l
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}

// keys builds the store key space.
type keys string

func (p keys) clickTimer(keyword string) string { return string(p) + keyword + "-=-timer" }
func (p keys) clicks(keyword string) string     { return string(p) + keyword + "-=-clicks" }
func (p keys) logIndex() string                 { return string(p) + "cachelogindex" }
func (p keys) logTimer() string                 { return string(p) + "cachelogtimer" }

func (p keys) logSlot(slot int64) string {
	return p.logIndex() + "-" + strconv.FormatInt(slot, 10)
}
