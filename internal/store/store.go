package store

import (
	"context"
	"errors"
	"time"

	sq "github.com/Masterminds/squirrel"
)

var ErrNotFound = errors.New("not found")

// MaxRowsPerInsert caps the rows of one INSERT statement so a large log
// flush stays under the drivers' bind-variable limits. Larger batches are
// split across statements in one transaction.
const MaxRowsPerInsert = 500

// LogEntry is one redirect recorded in the access log.
type LogEntry struct {
	Time        time.Time
	Keyword     string
	Referrer    string
	UserAgent   string
	IP          string
	CountryCode string
}

type URL struct {
	Keyword string    `json:"keyword"`
	URL     string    `json:"url"`
	Title   string    `json:"title,omitempty"`
	IP      string    `json:"ip,omitempty"`
	Clicks  int64     `json:"clicks"`
	Created time.Time `json:"created"`
}

type Stats struct {
	Keyword    string `json:"keyword"`
	URL        string `json:"url"`
	Clicks     int64  `json:"clicks"`
	LoggedHits int64  `json:"loggedHits"`
	UniqueIPs  int64  `json:"uniqueIPs"`
	LastAccess string `json:"lastAccess,omitempty"`
}

// Writer is the write side used by flushes: one conditional UPDATE per
// keyword flush and one multi-row INSERT per log flush.
type Writer interface {
	AddClicks(ctx context.Context, keyword string, delta int64) error
	InsertLogs(ctx context.Context, entries []LogEntry) error
}

type Store interface {
	Writer
	Save(ctx context.Context, u URL) error
	Get(ctx context.Context, keyword string) (URL, error)
	Stats(ctx context.Context, keyword string) (Stats, error)
	TopKeywords(ctx context.Context, n int) ([]string, error)
	Close() error
}

// insertLogQuery builds one multi-row INSERT for entries in the driver's
// placeholder dialect.
func insertLogQuery(entries []LogEntry, ph sq.PlaceholderFormat) (string, []any, error) {
	q := sq.Insert("log").
		Columns("click_time", "shorturl", "referrer", "user_agent", "ip_address", "country_code").
		PlaceholderFormat(ph)
	for _, e := range entries {
		q = q.Values(e.Time.UTC(), e.Keyword, e.Referrer, e.UserAgent, e.IP, e.CountryCode)
	}
	return q.ToSql()
}

// chunks splits entries into batches of at most MaxRowsPerInsert.
func chunks(entries []LogEntry) [][]LogEntry {
	var out [][]LogEntry
	for len(entries) > MaxRowsPerInsert {
		out = append(out, entries[:MaxRowsPerInsert])
		entries = entries[MaxRowsPerInsert:]
	}
	if len(entries) > 0 {
		out = append(out, entries)
	}
	return out
}
