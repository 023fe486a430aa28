package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

var ErrInvalid = errors.New("invalid config")

type Config struct {
	Port            int     `yaml:"port"`
	DBDriver        string  `yaml:"db_driver"` // sqlite | postgres
	DBDSN           string  `yaml:"db_dsn"`
	AdminToken      string  `yaml:"admin_token"`
	CachePrewarm    int     `yaml:"cache_prewarm"`
	CreateRateRPS   float64 `yaml:"create_rate_rps"`
	CreateRateBurst int     `yaml:"create_rate_burst"`
	BaseURL         string  `yaml:"base_url"` // used for returning absolute short URLs
	LogLevel        string  `yaml:"log_level"`
	// TrustProxy takes the client address from X-Forwarded-For / X-Real-IP.
	// Only enable it behind a proxy that sets those headers.
	TrustProxy bool `yaml:"trust_proxy"`

	Cache Cache `yaml:"cache"`

	ClickWorkers int `yaml:"click_workers"`
	ClickQueue   int `yaml:"click_queue"`
}

// Cache configures the shared store and write coalescing.
type Cache struct {
	Backend          string        `yaml:"backend"` // memory | redis | memcached
	RedisAddr        string        `yaml:"redis_addr"`
	RedisDB          int           `yaml:"redis_db"`
	MemcachedServers []string      `yaml:"memcached_servers"`
	Prefix           string        `yaml:"prefix"`
	WriteTimeout     time.Duration `yaml:"-"`
	ReadTimeout      time.Duration `yaml:"-"`
	LongTimeout      time.Duration `yaml:"-"`
	StatsShunt       string        `yaml:"stats_shunt"` // off | drop | bypass
	Rebuffer         bool          `yaml:"rebuffer"`
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getint(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func getfloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseFloat(v, 64); err == nil {
			return n
		}
	}
	return def
}

func getbool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

// parseSecs reads a duration given either in plain seconds ("120") or in Go
// syntax ("2m").
func parseSecs(v string) (time.Duration, error) {
	if n, err := strconv.Atoi(v); err == nil {
		return time.Duration(n) * time.Second, nil
	}
	return time.ParseDuration(v)
}

func getsecs(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	if d, err := parseSecs(v); err == nil {
		return d
	}
	return def
}

// seconds is a duration in a config file, in the same forms as the env vars.
type seconds time.Duration

func (d *seconds) UnmarshalYAML(n *yaml.Node) error {
	var v string
	if err := n.Decode(&v); err != nil {
		return err
	}
	parsed, err := parseSecs(strings.TrimSpace(v))
	if err != nil {
		return fmt.Errorf("line %d: %w", n.Line, err)
	}
	*d = seconds(parsed)
	return nil
}

func (c *Cache) UnmarshalYAML(n *yaml.Node) error {
	type plain Cache
	if err := n.Decode((*plain)(c)); err != nil {
		return err
	}
	d := struct {
		WriteTimeout seconds `yaml:"write_timeout"`
		ReadTimeout  seconds `yaml:"read_timeout"`
		LongTimeout  seconds `yaml:"long_timeout"`
	}{seconds(c.WriteTimeout), seconds(c.ReadTimeout), seconds(c.LongTimeout)}
	if err := n.Decode(&d); err != nil {
		return err
	}
	c.WriteTimeout = time.Duration(d.WriteTimeout)
	c.ReadTimeout = time.Duration(d.ReadTimeout)
	c.LongTimeout = time.Duration(d.LongTimeout)
	return nil
}

func getlist(key string, def []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	var out []string
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func Default() Config {
	return Config{
		Port:            8080,
		DBDriver:        "sqlite",
		DBDSN:           "file:shorty.db?_foreign_keys=on",
		CachePrewarm:    100,
		CreateRateRPS:   2.0,
		CreateRateBurst: 5,
		LogLevel:        "info",
		Cache: Cache{
			Backend:          "memory",
			RedisAddr:        "localhost:6379",
			MemcachedServers: []string{"localhost:11211"},
			Prefix:           "shorty:",
			WriteTimeout:     120 * time.Second,
			ReadTimeout:      360 * time.Second,
			LongTimeout:      86400 * time.Second,
			StatsShunt:       "off",
			Rebuffer:         true,
		},
		ClickWorkers: 4,
		ClickQueue:   10000,
	}
}

// Load builds the config from defaults, the YAML file named by CONFIG_FILE
// (or path, if not empty) and the environment, in that order.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		path = os.Getenv("CONFIG_FILE")
	}
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	cfg = fromEnv(cfg)
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func fromEnv(c Config) Config {
	c.Port = getint("PORT", c.Port)
	c.DBDriver = getenv("DB_DRIVER", c.DBDriver)
	c.DBDSN = getenv("DB_DSN", c.DBDSN)
	c.AdminToken = getenv("ADMIN_TOKEN", c.AdminToken)
	c.CachePrewarm = getint("CACHE_PREWARM", c.CachePrewarm)
	c.CreateRateRPS = getfloat("CREATE_RATE_RPS", c.CreateRateRPS)
	c.CreateRateBurst = getint("CREATE_RATE_BURST", c.CreateRateBurst)
	c.BaseURL = getenv("BASE_URL", c.BaseURL)
	c.LogLevel = getenv("LOG_LEVEL", c.LogLevel)
	c.TrustProxy = getbool("TRUST_PROXY", c.TrustProxy)
	c.ClickWorkers = getint("CLICK_WORKERS", c.ClickWorkers)
	c.ClickQueue = getint("CLICK_QUEUE", c.ClickQueue)

	c.Cache.Backend = getenv("CACHE_BACKEND", c.Cache.Backend)
	c.Cache.RedisAddr = getenv("REDIS_ADDR", c.Cache.RedisAddr)
	c.Cache.RedisDB = getint("REDIS_DB", c.Cache.RedisDB)
	c.Cache.MemcachedServers = getlist("MEMCACHED_SERVERS", c.Cache.MemcachedServers)
	c.Cache.Prefix = getenv("CACHE_PREFIX", c.Cache.Prefix)
	c.Cache.WriteTimeout = getsecs("WRITE_CACHE_TIMEOUT", c.Cache.WriteTimeout)
	c.Cache.ReadTimeout = getsecs("READ_CACHE_TIMEOUT", c.Cache.ReadTimeout)
	c.Cache.LongTimeout = getsecs("CACHE_LONG_TIMEOUT", c.Cache.LongTimeout)
	c.Cache.StatsShunt = getenv("STATS_SHUNT", c.Cache.StatsShunt)
	c.Cache.Rebuffer = getbool("REBUFFER_ON_FAILURE", c.Cache.Rebuffer)
	return c
}

func (c Config) Validate() error {
	switch c.DBDriver {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("%w: db_driver %q", ErrInvalid, c.DBDriver)
	}
	switch c.Cache.Backend {
	case "memory", "redis", "memcached":
	default:
		return fmt.Errorf("%w: cache backend %q", ErrInvalid, c.Cache.Backend)
	}
	switch c.Cache.StatsShunt {
	case "", "off", "drop", "bypass", "none":
	default:
		return fmt.Errorf("%w: stats_shunt %q", ErrInvalid, c.Cache.StatsShunt)
	}
	if c.Cache.WriteTimeout <= 0 || c.Cache.ReadTimeout <= 0 || c.Cache.LongTimeout <= 0 {
		return fmt.Errorf("%w: cache timeouts must be positive", ErrInvalid)
	}
	if c.Cache.Backend == "memcached" && len(c.Cache.MemcachedServers) == 0 {
		return fmt.Errorf("%w: memcached backend needs servers", ErrInvalid)
	}
	if c.ClickWorkers < 1 || c.ClickQueue < 1 {
		return fmt.Errorf("%w: click workers and queue must be at least 1", ErrInvalid)
	}
	return nil
}
