package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/mattn/go-sqlite3"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/roniherschmann/go-shorty-cache/internal/coalesce"
	"github.com/roniherschmann/go-shorty-cache/internal/config"
	"github.com/roniherschmann/go-shorty-cache/internal/core"
	httpapi "github.com/roniherschmann/go-shorty-cache/internal/http"
	"github.com/roniherschmann/go-shorty-cache/internal/kv"
	"github.com/roniherschmann/go-shorty-cache/internal/store"
)

func main() {
	// Fast JSON logs by default; pretty if running in a TTY/dev
	if isatty() {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	} else {
		zerolog.TimeFieldFormat = time.RFC3339
	}

	var configPath, dsnFlag string
	flag.StringVar(&configPath, "config", "", "YAML config file (overrides env CONFIG_FILE)")
	flag.StringVar(&dsnFlag, "dsn", "", "database DSN (overrides env DB_DSN)")
	flag.Parse()

	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("load config")
	}
	if dsnFlag != "" {
		cfg.DBDSN = dsnFlag
	}
	if lvl, err := zerolog.ParseLevel(cfg.LogLevel); err == nil {
		zerolog.SetGlobalLevel(lvl)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	db, dbPing, err := openStore(ctx, cfg)
	if err != nil {
		log.Fatal().Err(err).Str("driver", cfg.DBDriver).Msg("open database")
	}
	defer db.Close()

	cache, cachePing, closeCache, err := openCache(cfg.Cache)
	if err != nil {
		log.Fatal().Err(err).Str("backend", cfg.Cache.Backend).Msg("open cache")
	}
	defer closeCache()

	shed, err := coalesce.ParseShedMode(cfg.Cache.StatsShunt)
	if err != nil {
		log.Fatal().Err(err).Msg("shed mode")
	}
	copt := coalesce.Options{
		WriteWindow: cfg.Cache.WriteTimeout,
		SlotTTL:     cfg.Cache.LongTimeout,
		Shed:        shed,
		Prefix:      cfg.Cache.Prefix,
		Rebuffer:    cfg.Cache.Rebuffer,
	}
	svc := core.NewService(db, cache,
		coalesce.NewCounter(cache, db, copt),
		coalesce.NewLog(cache, db, copt),
		core.Options{
			ReadTTL: cfg.Cache.ReadTimeout,
			Prefix:  cfg.Cache.Prefix,
			Workers: cfg.ClickWorkers,
			Queue:   cfg.ClickQueue,
		})

	// Start async click ingester
	ingestCtx, stopIngest := context.WithCancel(ctx)
	ingested := make(chan error, 1)
	go func() { ingested <- svc.RunClickIngester(ingestCtx) }()

	if n := cfg.CachePrewarm; n > 0 {
		warmed, err := svc.PrewarmCache(ctx, n)
		if err != nil {
			log.Warn().Err(err).Msg("cache prewarm")
		} else {
			log.Info().Int("keywords", warmed).Msg("cache prewarmed")
		}
	}

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           httpapi.NewRouter(cfg, svc, dbPing, cachePing),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		log.Info().Int("port", cfg.Port).
			Str("db", cfg.DBDriver).
			Str("cache", cfg.Cache.Backend).
			Str("shed", string(shed)).
			Msg("server starting")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("http server")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info().Msg("shutdown signal")
	shutdownCtx, cancel2 := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel2()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("server shutdown")
	}

	// No more redirects arrive; hand the queued clicks to the coalescers.
	stopIngest()
	select {
	case err := <-ingested:
		if err != nil {
			log.Error().Err(err).Msg("click ingester")
		}
	case <-shutdownCtx.Done():
		log.Warn().Msg("click queue not drained")
	}
	log.Info().Msg("bye")
}

func openStore(ctx context.Context, cfg config.Config) (store.Store, httpapi.Pinger, error) {
	switch cfg.DBDriver {
	case "postgres":
		if err := store.MigratePostgres(cfg.DBDSN); err != nil {
			return nil, nil, fmt.Errorf("migrate: %w", err)
		}
		pool, err := pgxpool.New(ctx, cfg.DBDSN)
		if err != nil {
			return nil, nil, err
		}
		return store.NewPostgres(pool), pool.Ping, nil
	default:
		db, err := sql.Open("sqlite3", cfg.DBDSN)
		if err != nil {
			return nil, nil, err
		}
		// Connection pool tuning
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(25)
		db.SetConnMaxLifetime(5 * time.Minute)

		if err := store.Migrate(db); err != nil {
			db.Close()
			return nil, nil, fmt.Errorf("migrate: %w", err)
		}
		return store.NewSQLite(db), db.PingContext, nil
	}
}

func openCache(cfg config.Cache) (kv.Store, httpapi.Pinger, func(), error) {
	switch cfg.Backend {
	case "redis":
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, DB: cfg.RedisDB})
		r := kv.NewRedis(client)
		return r, r.Ping, func() { client.Close() }, nil
	case "memcached":
		m, err := kv.NewMemcache(cfg.MemcachedServers...)
		if err != nil {
			return nil, nil, nil, err
		}
		return m, m.Ping, func() {}, nil
	default:
		m := kv.NewMemory(kv.MemoryOptions{})
		log.Warn().Msg("in-process cache: coalescing is not shared between instances")
		return m, func(context.Context) error { return nil }, func() { m.Close() }, nil
	}
}

func isatty() bool {
	fi, err := os.Stderr.Stat()
	if err != nil {
		return false
	}
	return (fi.Mode() & os.ModeCharDevice) != 0
}
