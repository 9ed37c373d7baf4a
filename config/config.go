// Package config reads process settings from the environment, optionally
// seeded from a .env file.
package config

import (
	"crypto/tls"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
)

const (
	BackendAzure  = "azure"
	BackendMemory = "memory"
)

type Config struct {
	Debug bool

	Backend          string
	ConnectionString string
	TasksTable       string
	ProjectsTable    string
	RepairQueue      string

	RedisConnection  string
	NotifyPrefix     string
	SnapshotCacheTTL time.Duration
	PollInterval     time.Duration

	RepairPollInterval time.Duration
	RepairMaxAttempts  int

	Auth0Domain   string
	Auth0Audience string
	AuthTestMode  bool
	TestJWTSecret string

	ListenPort     string
	IdempotencyTTL time.Duration
}

// Load reads .env files (when present) and then the environment. Values
// already set in the environment win over .env entries.
func Load(files ...string) (Config, error) {
	if err := godotenv.Load(files...); err != nil {
		log.WithError(err).Debug("no .env file loaded, using process environment")
	}
	return FromEnv()
}

// FromEnv builds a Config from the process environment.
func FromEnv() (Config, error) {
	var errs []error
	cfg := Config{
		Backend:          strings.ToLower(getEnv("STORE_BACKEND", BackendAzure)),
		ConnectionString: os.Getenv("STORAGE_CONNECTION_STRING"),
		TasksTable:       getEnv("TASKS_TABLE", "tasks"),
		ProjectsTable:    getEnv("PROJECTS_TABLE", "projects"),
		RepairQueue:      getEnv("REPAIR_QUEUE", "board-repairs"),
		RedisConnection:  os.Getenv("REDIS_CONNECTION_STRING"),
		NotifyPrefix:     getEnv("NOTIFY_CHANNEL_PREFIX", "boardsync"),
		Auth0Domain:      os.Getenv("AUTH0_DOMAIN"),
		Auth0Audience:    os.Getenv("AUTH0_AUDIENCE"),
		AuthTestMode:     os.Getenv("AUTH0_TEST_MODE") == "1",
		TestJWTSecret:    os.Getenv("TEST_JWT_SECRET"),
		ListenPort:       getEnv("LISTEN_PORT", "8080"),
	}
	if dbg, err := strconv.ParseBool(os.Getenv("DEBUG")); err == nil && dbg {
		cfg.Debug = true
	}
	cfg.SnapshotCacheTTL = envDur("SNAPSHOT_CACHE_TTL", 30*time.Second, true, &errs)
	cfg.PollInterval = envDur("SUBSCRIPTION_POLL_INTERVAL", 30*time.Second, true, &errs)
	cfg.RepairPollInterval = envDur("REPAIR_POLL_INTERVAL", time.Second, false, &errs)
	cfg.RepairMaxAttempts = envInt("REPAIR_MAX_ATTEMPTS", 5, &errs)
	cfg.IdempotencyTTL = envDur("IDEMPOTENCY_TTL", 24*time.Hour, false, &errs)

	switch cfg.Backend {
	case BackendAzure:
		if cfg.ConnectionString == "" {
			errs = append(errs, errors.New("missing STORAGE_CONNECTION_STRING"))
		}
	case BackendMemory:
	default:
		errs = append(errs, fmt.Errorf("invalid STORE_BACKEND %q", cfg.Backend))
	}
	return cfg, errors.Join(errs...)
}

// ValidateAuth checks the settings only the HTTP server needs.
func (c Config) ValidateAuth() error {
	if c.AuthTestMode {
		if c.TestJWTSecret == "" {
			return errors.New("TEST_JWT_SECRET must be set when AUTH0_TEST_MODE=1")
		}
		return nil
	}
	if c.Auth0Domain == "" || c.Auth0Audience == "" {
		return errors.New("missing Auth0 config")
	}
	return nil
}

func getEnv(key, def string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return def
}

func envInt(key string, def int, errs *[]error) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		*errs = append(*errs, fmt.Errorf("invalid %s: must be a positive integer", key))
		return def
	}
	return n
}

func envDur(key string, def time.Duration, allowZero bool, errs *[]error) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil || d < 0 || (d == 0 && !allowZero) {
		*errs = append(*errs, fmt.Errorf("invalid %s: %q", key, v))
		return def
	}
	return d
}

// RedisOptions accepts either a redis:// URL or the Azure style
// "host:port,password=...,ssl=true" connection string.
func RedisOptions(conn string) (*redis.Options, error) {
	if conn == "" {
		return nil, errors.New("empty redis connection string")
	}
	if opts, err := redis.ParseURL(conn); err == nil {
		return opts, nil
	}
	parts := strings.Split(conn, ",")
	opts := &redis.Options{Addr: strings.TrimSpace(parts[0])}
	for _, p := range parts[1:] {
		kv := strings.SplitN(p, "=", 2)
		if len(kv) != 2 {
			continue
		}
		switch strings.ToLower(strings.TrimSpace(kv[0])) {
		case "password":
			opts.Password = kv[1]
		case "ssl":
			if strings.EqualFold(kv[1], "true") {
				opts.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
			}
		}
	}
	return opts, nil
}
