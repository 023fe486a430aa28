package core

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/vmihailenco/msgpack/v5"
	"golang.org/x/sync/errgroup"

	"github.com/roniherschmann/go-shorty-cache/internal/coalesce"
	"github.com/roniherschmann/go-shorty-cache/internal/kv"
	"github.com/roniherschmann/go-shorty-cache/internal/metrics"
	"github.com/roniherschmann/go-shorty-cache/internal/shortid"
	"github.com/roniherschmann/go-shorty-cache/internal/store"
)

var (
	ErrInvalidURL     = errors.New("invalid url")
	ErrInvalidKeyword = errors.New("invalid keyword")
	ErrKeywordTaken   = errors.New("keyword already in use")
)

const (
	DefaultReadTTL   = 360 * time.Second
	DefaultReferrer  = "direct"
	generatedLength  = 7
	generateAttempts = 5
)

type Options struct {
	// ReadTTL is how long a resolved keyword stays in the shared store.
	ReadTTL time.Duration
	Prefix  string
	Workers int
	Queue   int
	Logger  *zerolog.Logger
	Now     func() time.Time
}

func (o Options) withDefaults() Options {
	if o.ReadTTL <= 0 {
		o.ReadTTL = DefaultReadTTL
	}
	if o.Prefix == "" {
		o.Prefix = coalesce.DefaultPrefix
	}
	if o.Workers < 1 {
		o.Workers = 1
	}
	if o.Queue < 1 {
		o.Queue = 10000
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

// Service is the redirect hook layer. Lookups go through a read-through
// cache in the shared store; every redirect is queued and handed to the
// click counter and the access-log coalescer by a pool of workers.
type Service struct {
	store  store.Store
	cache  kv.Store
	clicks *coalesce.Counter
	logs   *coalesce.Log
	opt    Options
	log    zerolog.Logger

	clicksCh chan store.LogEntry
}

func NewService(db store.Store, cache kv.Store, clicks *coalesce.Counter, logs *coalesce.Log, opt Options) *Service {
	opt = opt.withDefaults()
	return &Service{
		store:    db,
		cache:    cache,
		clicks:   clicks,
		logs:     logs,
		opt:      opt,
		log:      opt.Logger.With().Str("component", "core").Logger(),
		clicksCh: make(chan store.LogEntry, opt.Queue),
	}
}

// SanitizeKeyword drops every character outside [0-9A-Za-z_-].
func SanitizeKeyword(keyword string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= '0' && r <= '9', r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r == '_', r == '-':
			return r
		}
		return -1
	}, keyword)
}

// cachedURL is what the read-through cache keeps per keyword.
type cachedURL struct {
	_msgpack struct{} `msgpack:",as_array"`

	Keyword string
	URL     string
	Title   string
}

func (s *Service) cacheKey(keyword string) string { return s.opt.Prefix + "kw:" + keyword }

// RunClickIngester feeds queued clicks to the coalescers until ctx is done,
// then drains whatever is still queued and returns.
func (s *Service) RunClickIngester(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < s.opt.Workers; i++ {
		g.Go(func() error {
			s.ingest(gctx)
			return nil
		})
	}
	return g.Wait()
}

func (s *Service) ingest(ctx context.Context) {
	for {
		select {
		case e := <-s.clicksCh:
			s.record(ctx, e)
		case <-ctx.Done():
			s.drainQueue(context.WithoutCancel(ctx))
			return
		}
	}
}

func (s *Service) drainQueue(ctx context.Context) {
	for {
		select {
		case e := <-s.clicksCh:
			s.record(ctx, e)
		default:
			return
		}
	}
}

// record hands e to both coalescers. In bypass mode they decline it and it
// is written straight to the database.
func (s *Service) record(ctx context.Context, e store.LogEntry) {
	if !s.clicks.RecordClick(ctx, e.Keyword) {
		metrics.DirectWrites.WithLabelValues("clicks").Inc()
		if err := s.store.AddClicks(ctx, e.Keyword, 1); err != nil {
			s.log.Error().Err(err).Str("keyword", e.Keyword).Msg("add click")
		}
	}
	if !s.logs.RecordEvent(ctx, e) {
		metrics.DirectWrites.WithLabelValues("log").Inc()
		if err := s.store.InsertLogs(ctx, []store.LogEntry{e}); err != nil {
			s.log.Error().Err(err).Str("keyword", e.Keyword).Msg("insert log")
		}
	}
}

// RecordClick queues a redirect for counting and logging. It never blocks:
// when the queue is full the click is dropped.
func (s *Service) RecordClick(keyword, ip, userAgent, referrer, country string) {
	if referrer == "" {
		referrer = DefaultReferrer
	}
	if len(country) > 2 {
		country = country[:2]
	}
	e := store.LogEntry{
		Time:        s.opt.Now(),
		Keyword:     SanitizeKeyword(keyword),
		Referrer:    referrer,
		UserAgent:   userAgent,
		IP:          ip,
		CountryCode: strings.ToUpper(country),
	}
	select {
	case s.clicksCh <- e:
	default:
		metrics.ClicksDropped.Inc()
	}
}

// PrewarmCache loads the n most clicked keywords into the read cache.
func (s *Service) PrewarmCache(ctx context.Context, n int) (int, error) {
	keywords, err := s.store.TopKeywords(ctx, n)
	if err != nil {
		return 0, err
	}
	warmed := 0
	for _, kw := range keywords {
		u, err := s.store.Get(ctx, kw)
		if err != nil {
			continue
		}
		if s.fill(ctx, u) {
			warmed++
		}
	}
	return warmed, nil
}

func normalizeURL(u string) (string, error) {
	parsed, err := url.Parse(strings.TrimSpace(u))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidURL, err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return "", fmt.Errorf("%w: only http/https allowed", ErrInvalidURL)
	}
	if parsed.Host == "" {
		return "", fmt.Errorf("%w: missing host", ErrInvalidURL)
	}
	return parsed.String(), nil
}

// Shorten creates a link for target under keyword, or under a generated
// keyword when keyword is empty.
func (s *Service) Shorten(ctx context.Context, keyword, target, title, ip string) (store.URL, error) {
	targetNorm, err := normalizeURL(target)
	if err != nil {
		return store.URL{}, err
	}
	u := store.URL{URL: targetNorm, Title: title, IP: ip, Created: s.opt.Now().UTC()}

	if keyword != "" {
		u.Keyword = SanitizeKeyword(keyword)
		if u.Keyword == "" {
			return store.URL{}, ErrInvalidKeyword
		}
		if err := s.ensureFree(ctx, u.Keyword); err != nil {
			return store.URL{}, err
		}
	} else {
		for i := 0; ; i++ {
			if i == generateAttempts {
				return store.URL{}, fmt.Errorf("generate keyword: %w", ErrKeywordTaken)
			}
			kw, err := shortid.Generate(generatedLength)
			if err != nil {
				return store.URL{}, err
			}
			err = s.ensureFree(ctx, kw)
			if err == nil {
				u.Keyword = kw
				break
			}
			if !errors.Is(err, ErrKeywordTaken) {
				return store.URL{}, err
			}
		}
	}

	if err := s.store.Save(ctx, u); err != nil {
		return store.URL{}, fmt.Errorf("save %s: %w", u.Keyword, err)
	}
	s.invalidate(ctx, u.Keyword)
	s.log.Info().Str("keyword", u.Keyword).Str("url", u.URL).Msg("link created")
	return u, nil
}

func (s *Service) ensureFree(ctx context.Context, keyword string) error {
	_, err := s.store.Get(ctx, keyword)
	switch {
	case err == nil:
		return ErrKeywordTaken
	case errors.Is(err, store.ErrNotFound):
		return nil
	default:
		return err
	}
}

// Edit points keyword at a new target and drops its cached entry.
func (s *Service) Edit(ctx context.Context, keyword, target, title string) (store.URL, error) {
	keyword = SanitizeKeyword(keyword)
	u, err := s.store.Get(ctx, keyword)
	if err != nil {
		return store.URL{}, err
	}
	if u.URL, err = normalizeURL(target); err != nil {
		return store.URL{}, err
	}
	if title != "" {
		u.Title = title
	}
	if err := s.store.Save(ctx, u); err != nil {
		return store.URL{}, fmt.Errorf("save %s: %w", keyword, err)
	}
	s.invalidate(ctx, keyword)
	s.log.Info().Str("keyword", keyword).Str("url", u.URL).Msg("link edited")
	return u, nil
}

// Resolve looks keyword up through the read cache. Cache faults fall
// through to the database.
func (s *Service) Resolve(ctx context.Context, keyword string) (store.URL, error) {
	keyword = SanitizeKeyword(keyword)
	if keyword == "" {
		return store.URL{}, store.ErrNotFound
	}

	b, ok, err := s.cache.Get(ctx, s.cacheKey(keyword))
	if err != nil {
		s.log.Warn().Err(err).Str("keyword", keyword).Msg("read cache")
	}
	if ok {
		var c cachedURL
		if err := msgpack.Unmarshal(b, &c); err == nil {
			metrics.CacheHit.WithLabelValues("url").Inc()
			return store.URL{Keyword: c.Keyword, URL: c.URL, Title: c.Title}, nil
		}
		s.invalidate(ctx, keyword)
	}
	metrics.CacheMiss.WithLabelValues("url").Inc()

	u, err := s.store.Get(ctx, keyword)
	if err != nil {
		return store.URL{}, err
	}
	s.fill(ctx, u)
	return u, nil
}

func (s *Service) fill(ctx context.Context, u store.URL) bool {
	b, err := msgpack.Marshal(&cachedURL{Keyword: u.Keyword, URL: u.URL, Title: u.Title})
	if err == nil {
		err = s.cache.Set(ctx, s.cacheKey(u.Keyword), b, s.opt.ReadTTL)
	}
	if err != nil {
		s.log.Warn().Err(err).Str("keyword", u.Keyword).Msg("fill cache")
		return false
	}
	return true
}

func (s *Service) invalidate(ctx context.Context, keyword string) {
	if err := s.cache.Delete(ctx, s.cacheKey(keyword)); err != nil {
		s.log.Warn().Err(err).Str("keyword", keyword).Msg("invalidate cache")
	}
}

func (s *Service) Stats(ctx context.Context, keyword string) (store.Stats, error) {
	return s.store.Stats(ctx, SanitizeKeyword(keyword))
}
