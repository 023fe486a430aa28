package store

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"strings"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"
)

//go:embed migrations/postgres/*.sql
var postgresMigrations embed.FS

type Postgres struct {
	pool *pgxpool.Pool
}

func NewPostgres(pool *pgxpool.Pool) *Postgres {
	return &Postgres{pool: pool}
}

func (p *Postgres) Save(ctx context.Context, u URL) error {
	_, err := p.pool.Exec(ctx, `INSERT INTO urls(keyword, url, title, ip) VALUES($1, $2, $3, $4)
		ON CONFLICT (keyword) DO UPDATE SET url = EXCLUDED.url, title = EXCLUDED.title`, u.Keyword, u.URL, u.Title, u.IP)
	return err
}

func (p *Postgres) Get(ctx context.Context, keyword string) (URL, error) {
	var u URL
	err := p.pool.QueryRow(ctx, `SELECT keyword, url, title, ip, clicks, timestamp FROM urls WHERE keyword = $1`, keyword).
		Scan(&u.Keyword, &u.URL, &u.Title, &u.IP, &u.Clicks, &u.Created)
	if errors.Is(err, pgx.ErrNoRows) {
		return URL{}, ErrNotFound
	}
	if err != nil {
		return URL{}, err
	}
	return u, nil
}

func (p *Postgres) AddClicks(ctx context.Context, keyword string, delta int64) error {
	_, err := p.pool.Exec(ctx, `UPDATE urls SET clicks = clicks + $1 WHERE keyword = $2`, delta, keyword)
	return err
}

func (p *Postgres) InsertLogs(ctx context.Context, entries []LogEntry) error {
	if len(entries) == 0 {
		return nil
	}
	return pgx.BeginFunc(ctx, p.pool, func(tx pgx.Tx) error {
		for _, batch := range chunks(entries) {
			q, args, err := insertLogQuery(batch, sq.Dollar)
			if err != nil {
				return err
			}
			if _, err := tx.Exec(ctx, q, args...); err != nil {
				return fmt.Errorf("insert log: %w", err)
			}
		}
		return nil
	})
}

func (p *Postgres) Stats(ctx context.Context, keyword string) (Stats, error) {
	u, err := p.Get(ctx, keyword)
	if err != nil {
		return Stats{}, err
	}
	out := Stats{Keyword: u.Keyword, URL: u.URL, Clicks: u.Clicks}

	var last *time.Time
	err = p.pool.QueryRow(ctx, `SELECT COUNT(*), COUNT(DISTINCT ip_address), MAX(click_time) FROM log WHERE shorturl = $1`, keyword).
		Scan(&out.LoggedHits, &out.UniqueIPs, &last)
	if err != nil {
		return Stats{}, err
	}
	if last != nil {
		out.LastAccess = last.UTC().Format(time.RFC3339)
	}
	return out, nil
}

func (p *Postgres) TopKeywords(ctx context.Context, n int) ([]string, error) {
	rows, err := p.pool.Query(ctx, `SELECT keyword FROM urls ORDER BY clicks DESC, timestamp DESC LIMIT $1`, n)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowTo[string])
}

func (p *Postgres) Close() error {
	p.pool.Close()
	return nil
}

// MigratePostgres applies the embedded migrations to the database at dsn.
func MigratePostgres(dsn string) error {
	src, err := iofs.New(postgresMigrations, "migrations/postgres")
	if err != nil {
		return fmt.Errorf("migration source: %w", err)
	}
	m, err := migrate.NewWithSourceInstance("iofs", src, migrateURL(dsn))
	if err != nil {
		return fmt.Errorf("migrate init: %w", err)
	}
	defer m.Close()

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migrate up: %w", err)
	}
	v, dirty, _ := m.Version()
	log.Info().Uint("version", v).Bool("dirty", dirty).Msg("postgres schema")
	return nil
}

// migrateURL points a postgres:// DSN at the pgx/v5 migrate driver.
func migrateURL(dsn string) string {
	for _, scheme := range []string{"postgres://", "postgresql://"} {
		if strings.HasPrefix(dsn, scheme) {
			return "pgx5://" + strings.TrimPrefix(dsn, scheme)
		}
	}
	return dsn
}

var _ Store = (*Postgres)(nil)
