package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	Server       ServerConfig
	Database     DatabaseConfig
	Redis        RedisConfig
	Scheduler    SchedulerConfig
	Publisher    PublisherConfig
	Rules        RulesConfig
	Offline      OfflineConfig
	Connectivity ConnectivityConfig
}

type ServerConfig struct {
	Address string
}

// DatabaseConfig selects the queue store. An empty URL keeps posts in memory.
type DatabaseConfig struct {
	PostgresURL string
}

type RedisConfig struct {
	Enabled  bool
	Address  string
	Password string
	DB       int
	TTL      time.Duration
}

type SchedulerConfig struct {
	Interval  time.Duration
	BatchSize int
}

type PublisherConfig struct {
	URL       string
	HealthURL string
	Token     string
	Timeout   time.Duration
}

// RulesConfig holds queue validation and rate tier settings. When
// RateTierFile is set the tier is looked up there instead of the built-in
// tables.
type RulesConfig struct {
	ContentMax   int
	Grace        time.Duration
	RateTier     string
	RateTierFile string
}

// OfflineConfig configures the offline buffer. An empty DBPath keeps
// buffered actions in memory.
type OfflineConfig struct {
	DBPath      string
	MaxAttempts int
	FlushRPS    int
}

type ConnectivityConfig struct {
	ProbeSpec string
}

// LoadAll reads the configuration from the environment. Every problem is
// reported in the returned error.
func LoadAll() (*Config, error) {
	l := &loader{}

	cfg := &Config{
		Server: ServerConfig{
			Address: l.getEnv("SERVER_ADDRESS", ":8080"),
		},
		Database: DatabaseConfig{
			PostgresURL: l.getEnv("POSTGRES_URL", ""),
		},
		Publisher: PublisherConfig{
			URL:       l.mustEnv("PUBLISHER_URL"),
			HealthURL: l.getEnv("PUBLISHER_HEALTH_URL", ""),
			Token:     l.getEnv("PUBLISHER_TOKEN", ""),
			Timeout:   l.getEnvSeconds("PUBLISHER_TIMEOUT_SECONDS", 10),
		},
		Scheduler: SchedulerConfig{
			Interval:  l.getEnvSeconds("SCHED_INTERVAL_SECONDS", 60),
			BatchSize: l.getEnvInt("SCHED_BATCH_SIZE", 50),
		},
		Rules: RulesConfig{
			ContentMax:   l.getEnvInt("CONTENT_MAX", 280),
			Grace:        l.getEnvSeconds("SCHEDULE_GRACE_SECONDS", 60),
			RateTier:     strings.ToLower(l.getEnv("RATE_TIER", "free")),
			RateTierFile: l.getEnv("RATE_TIER_FILE", ""),
		},
		Offline: OfflineConfig{
			DBPath:      l.getEnv("OFFLINE_DB_PATH", ""),
			MaxAttempts: l.getEnvInt("OFFLINE_MAX_ATTEMPTS", 5),
			FlushRPS:    l.getEnvInt("OFFLINE_FLUSH_RPS", 2),
		},
		Connectivity: ConnectivityConfig{
			ProbeSpec: l.getEnv("CONNECTIVITY_PROBE", "@every 30s"),
		},
		Redis: loadRedisConfig(l),
	}

	validate(l, cfg)
	if err := errors.Join(l.errs...); err != nil {
		return nil, err
	}
	return cfg, nil
}

func loadRedisConfig(l *loader) RedisConfig {
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		return RedisConfig{Enabled: false}
	}

	return RedisConfig{
		Enabled:  true,
		Address:  addr,
		Password: os.Getenv("REDIS_PASSWORD"),
		DB:       l.getEnvInt("REDIS_DB", 0),
		TTL:      l.getEnvSeconds("REDIS_TTL_SECONDS", 86400),
	}
}

func validate(l *loader, cfg *Config) {
	if cfg.Scheduler.BatchSize <= 0 {
		l.fail("SCHED_BATCH_SIZE must be > 0")
	}
	if cfg.Scheduler.Interval <= 0 {
		l.fail("SCHED_INTERVAL_SECONDS must be > 0")
	}
	if cfg.Rules.ContentMax <= 0 {
		l.fail("CONTENT_MAX must be > 0")
	}
	if cfg.Rules.Grace < 0 {
		l.fail("SCHEDULE_GRACE_SECONDS must be >= 0")
	}
	if cfg.Publisher.Timeout <= 0 {
		l.fail("PUBLISHER_TIMEOUT_SECONDS must be > 0")
	}
	if cfg.Offline.MaxAttempts <= 0 {
		l.fail("OFFLINE_MAX_ATTEMPTS must be > 0")
	}
	if cfg.Offline.FlushRPS < 0 {
		l.fail("OFFLINE_FLUSH_RPS must be >= 0")
	}
	if cfg.Rules.RateTierFile == "" {
		switch cfg.Rules.RateTier {
		case "free", "basic":
		default:
			l.fail(fmt.Sprintf("RATE_TIER must be free or basic, got %q", cfg.Rules.RateTier))
		}
	}
}

type loader struct {
	errs []error
}

func (l *loader) fail(msg string) {
	l.errs = append(l.errs, errors.New(msg))
}

func (l *loader) mustEnv(key string) string {
	val := os.Getenv(key)
	if val == "" {
		l.fail(fmt.Sprintf("missing required env var: %s", key))
	}
	return val
}

func (l *loader) getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func (l *loader) getEnvInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		l.fail(fmt.Sprintf("invalid int for env %s: %s", key, v))
		return def
	}
	return i
}

func (l *loader) getEnvSeconds(key string, def int) time.Duration {
	return time.Duration(l.getEnvInt(key, def)) * time.Second
}
