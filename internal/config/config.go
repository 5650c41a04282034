// Package config loads runtime configuration for the flowgrid daemon.
// Precedence, lowest to highest: built-in defaults, a YAML file, then
// FLOWGRID_* environment variables. A .env file in the working directory is
// folded into the environment before overrides apply.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Backend names accepted by the queue, store, cache and dead-letter settings.
const (
	BackendMemory   = "memory"
	BackendSQLite   = "sqlite"
	BackendPostgres = "postgres"
	BackendRedis    = "redis"
	BackendMongo    = "mongo"
	BackendFS       = "fs"
)

type Config struct {
	Server   Server   `yaml:"server"`
	Store    Store    `yaml:"store"`
	Queue    Queue    `yaml:"queue"`
	Cache    Cache    `yaml:"cache"`
	Blobs    Blobs    `yaml:"blobs"`
	DeadLet  DeadLet  `yaml:"dead_letters"`
	Engine   Engine   `yaml:"engine"`
	Worker   Worker   `yaml:"worker"`
	Limits   Limits   `yaml:"limits"`
	Breaker  Breaker  `yaml:"breaker"`
	LogLevel string   `yaml:"log_level"`
}

type Server struct {
	// Addr is the debug API listen address.
	Addr string `yaml:"addr"`

	// AllowedOrigins configures CORS for the debug API. Empty disables CORS.
	AllowedOrigins []string `yaml:"allowed_origins"`
}

type Store struct {
	Backend     string `yaml:"backend"` // memory, sqlite, postgres
	SQLitePath  string `yaml:"sqlite_path"`
	PostgresDSN string `yaml:"postgres_dsn"`
}

type Queue struct {
	Backend    string `yaml:"backend"` // memory, sqlite, redis
	SQLitePath string `yaml:"sqlite_path"`
	RedisAddr  string `yaml:"redis_addr"`
	Capacity   int    `yaml:"capacity"`
}

type Cache struct {
	Backend   string        `yaml:"backend"` // memory, redis
	RedisAddr string        `yaml:"redis_addr"`
	TTL       time.Duration `yaml:"ttl"`
}

type Blobs struct {
	Dir       string `yaml:"dir"`
	Threshold int    `yaml:"threshold"`
}

type DeadLet struct {
	Backend  string `yaml:"backend"` // fs, mongo
	Dir      string `yaml:"dir"`
	MongoURI string `yaml:"mongo_uri"`
}

type Engine struct {
	DefaultTimeout time.Duration `yaml:"default_timeout"`
	RetryBudget    int           `yaml:"retry_budget"`
	RetryBackoff   time.Duration `yaml:"retry_backoff"`
}

type Worker struct {
	PoolSize   int           `yaml:"pool_size"`
	StuckAfter time.Duration `yaml:"stuck_after"`
}

type Limits struct {
	MaxPerUser      int64 `yaml:"max_per_user"`
	MaxPerWorkspace int64 `yaml:"max_per_workspace"`

	// RedisAddr shares admission counters across worker processes.
	// Empty keeps counters in-process.
	RedisAddr string `yaml:"redis_addr"`
}

type Breaker struct {
	Enabled          bool          `yaml:"enabled"`
	FailureThreshold int           `yaml:"failure_threshold"`
	RecoveryTimeout  time.Duration `yaml:"recovery_timeout"`
	HalfOpenMaxCalls int           `yaml:"half_open_max_calls"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Server: Server{Addr: ":8090"},
		Store:  Store{Backend: BackendMemory, SQLitePath: "flowgrid.db"},
		Queue:  Queue{Backend: BackendMemory, SQLitePath: "flowgrid.db", Capacity: 1024},
		Cache:  Cache{Backend: BackendMemory, TTL: time.Hour},
		Blobs:  Blobs{Dir: "blobs"},
		DeadLet: DeadLet{
			Backend: BackendFS,
			Dir:     "dead_letters",
		},
		Engine: Engine{
			DefaultTimeout: 30 * time.Second,
			RetryBudget:    2,
			RetryBackoff:   100 * time.Millisecond,
		},
		Worker:   Worker{PoolSize: 8, StuckAfter: 5 * time.Minute},
		LogLevel: "info",
	}
}

// Load builds the effective configuration. path may be empty, in which case
// only defaults and the environment apply. A missing file at a non-empty
// path is an error; a missing .env is not.
func Load(path string) (Config, error) {
	_ = godotenv.Load()

	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return Config{}, err
	}
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	setString(&c.Server.Addr, "FLOWGRID_ADDR")
	setString(&c.Store.Backend, "FLOWGRID_STORE_BACKEND")
	setString(&c.Store.SQLitePath, "FLOWGRID_STORE_SQLITE_PATH")
	setString(&c.Store.PostgresDSN, "FLOWGRID_STORE_POSTGRES_DSN")
	setString(&c.Queue.Backend, "FLOWGRID_QUEUE_BACKEND")
	setString(&c.Queue.SQLitePath, "FLOWGRID_QUEUE_SQLITE_PATH")
	setString(&c.Queue.RedisAddr, "FLOWGRID_QUEUE_REDIS_ADDR")
	setString(&c.Cache.Backend, "FLOWGRID_CACHE_BACKEND")
	setString(&c.Cache.RedisAddr, "FLOWGRID_CACHE_REDIS_ADDR")
	setString(&c.Blobs.Dir, "FLOWGRID_BLOBS_DIR")
	setString(&c.DeadLet.Backend, "FLOWGRID_DEADLETTER_BACKEND")
	setString(&c.DeadLet.Dir, "FLOWGRID_DEADLETTER_DIR")
	setString(&c.DeadLet.MongoURI, "FLOWGRID_DEADLETTER_MONGO_URI")
	setString(&c.Limits.RedisAddr, "FLOWGRID_LIMITS_REDIS_ADDR")
	setString(&c.LogLevel, "FLOWGRID_LOG_LEVEL")

	if err := setInt(&c.Worker.PoolSize, "FLOWGRID_WORKER_POOL_SIZE"); err != nil {
		return err
	}
	if err := setInt(&c.Blobs.Threshold, "FLOWGRID_BLOBS_THRESHOLD"); err != nil {
		return err
	}
	if err := setInt64(&c.Limits.MaxPerUser, "FLOWGRID_MAX_PER_USER"); err != nil {
		return err
	}
	if err := setInt64(&c.Limits.MaxPerWorkspace, "FLOWGRID_MAX_PER_WORKSPACE"); err != nil {
		return err
	}
	if err := setDuration(&c.Engine.DefaultTimeout, "FLOWGRID_NODE_TIMEOUT"); err != nil {
		return err
	}
	if err := setDuration(&c.Cache.TTL, "FLOWGRID_CACHE_TTL"); err != nil {
		return err
	}
	if err := setBool(&c.Breaker.Enabled, "FLOWGRID_BREAKER_ENABLED"); err != nil {
		return err
	}
	return nil
}

func (c *Config) validate() error {
	switch c.Store.Backend {
	case BackendMemory, BackendSQLite, BackendPostgres:
	default:
		return fmt.Errorf("config: unknown store backend %q", c.Store.Backend)
	}
	switch c.Queue.Backend {
	case BackendMemory, BackendSQLite, BackendRedis:
	default:
		return fmt.Errorf("config: unknown queue backend %q", c.Queue.Backend)
	}
	switch c.Cache.Backend {
	case BackendMemory, BackendRedis:
	default:
		return fmt.Errorf("config: unknown cache backend %q", c.Cache.Backend)
	}
	switch c.DeadLet.Backend {
	case BackendFS, BackendMongo:
	default:
		return fmt.Errorf("config: unknown dead-letter backend %q", c.DeadLet.Backend)
	}
	if c.Store.Backend == BackendPostgres && c.Store.PostgresDSN == "" {
		return fmt.Errorf("config: postgres store requires a DSN")
	}
	if c.Queue.Backend == BackendRedis && c.Queue.RedisAddr == "" {
		return fmt.Errorf("config: redis queue requires an address")
	}
	if c.DeadLet.Backend == BackendMongo && c.DeadLet.MongoURI == "" {
		return fmt.Errorf("config: mongo dead-letter store requires a URI")
	}
	return nil
}

func setString(dst *string, key string) {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) error {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("config: %s: %w", key, err)
	}
	*dst = n
	return nil
}

func setInt64(dst *int64, key string) error {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return fmt.Errorf("config: %s: %w", key, err)
	}
	*dst = n
	return nil
}

func setDuration(dst *time.Duration, key string) error {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fmt.Errorf("config: %s: %w", key, err)
	}
	*dst = d
	return nil
}

func setBool(dst *bool, key string) error {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fmt.Errorf("config: %s: %w", key, err)
	}
	*dst = b
	return nil
}
