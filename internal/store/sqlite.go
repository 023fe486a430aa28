package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
)

type SQLite struct {
	db *sql.DB
}

func NewSQLite(db *sql.DB) *SQLite {
	return &SQLite{db: db}
}

func (s *SQLite) Save(ctx context.Context, u URL) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO urls(keyword, url, title, ip) VALUES(?, ?, ?, ?)
		ON CONFLICT(keyword) DO UPDATE SET url=excluded.url, title=excluded.title`, u.Keyword, u.URL, u.Title, u.IP)
	return err
}

func (s *SQLite) Get(ctx context.Context, keyword string) (URL, error) {
	var u URL
	err := s.db.QueryRowContext(ctx, `SELECT keyword, url, title, ip, clicks, timestamp FROM urls WHERE keyword = ?`, keyword).
		Scan(&u.Keyword, &u.URL, &u.Title, &u.IP, &u.Clicks, &u.Created)
	if errors.Is(err, sql.ErrNoRows) {
		return URL{}, ErrNotFound
	}
	if err != nil {
		return URL{}, err
	}
	return u, nil
}

func (s *SQLite) AddClicks(ctx context.Context, keyword string, delta int64) error {
	_, err := s.db.ExecContext(ctx, `UPDATE urls SET clicks = clicks + ? WHERE keyword = ?`, delta, keyword)
	return err
}

func (s *SQLite) InsertLogs(ctx context.Context, entries []LogEntry) error {
	if len(entries) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()
	for _, batch := range chunks(entries) {
		q, args, err := insertLogQuery(batch, sq.Question)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, q, args...); err != nil {
			return fmt.Errorf("insert log: %w", err)
		}
	}
	return tx.Commit()
}

func (s *SQLite) Stats(ctx context.Context, keyword string) (Stats, error) {
	u, err := s.Get(ctx, keyword)
	if err != nil {
		return Stats{}, err
	}
	out := Stats{Keyword: u.Keyword, URL: u.URL, Clicks: u.Clicks}

	row := s.db.QueryRowContext(ctx, `SELECT COUNT(*), COUNT(DISTINCT ip_address) FROM log WHERE shorturl = ?`, keyword)
	if err := row.Scan(&out.LoggedHits, &out.UniqueIPs); err != nil {
		return Stats{}, err
	}

	// MAX() would drop the column's declared type and come back as text.
	var last time.Time
	err = s.db.QueryRowContext(ctx, `SELECT click_time FROM log WHERE shorturl = ? ORDER BY click_time DESC LIMIT 1`, keyword).Scan(&last)
	switch {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return Stats{}, err
	default:
		out.LastAccess = last.UTC().Format(time.RFC3339)
	}
	return out, nil
}

func (s *SQLite) TopKeywords(ctx context.Context, n int) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT keyword FROM urls ORDER BY clicks DESC, timestamp DESC LIMIT ?`, n)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, err
		}
		res = append(res, k)
	}
	return res, rows.Err()
}

func (s *SQLite) Close() error {
	return s.db.Close()
}

// Migrate ensures schema exists
func Migrate(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS urls (
			keyword TEXT PRIMARY KEY,
			url TEXT NOT NULL,
			title TEXT NOT NULL DEFAULT '',
			timestamp DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			ip TEXT NOT NULL DEFAULT '',
			clicks INTEGER NOT NULL DEFAULT 0
		);`,
		`CREATE TABLE IF NOT EXISTS log (
			click_id INTEGER PRIMARY KEY AUTOINCREMENT,
			click_time DATETIME NOT NULL,
			shorturl TEXT NOT NULL,
			referrer TEXT NOT NULL DEFAULT '',
			user_agent TEXT NOT NULL DEFAULT '',
			ip_address TEXT NOT NULL DEFAULT '',
			country_code TEXT NOT NULL DEFAULT ''
		);`,
		`CREATE INDEX IF NOT EXISTS idx_log_shorturl_time ON log(shorturl, click_time);`,
	}
	for _, s := range stmts {
		if _, err := db.Exec(s); err != nil {
			return err
		}
	}
	return nil
}

var _ Store = (*SQLite)(nil)
