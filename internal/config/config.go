package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server    ServerConfig
	Redis     RedisConfig
	Store     StoreConfig
	Program   ProgramConfig
	Authority AuthorityConfig
	Rent      RentConfig
	GC        GCConfig
	Settler   SettlerConfig
	RateLimit RateLimitConfig `mapstructure:"rate_limit"`
}

type ServerConfig struct {
	Port int `mapstructure:"port"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// StoreConfig selects the ledger backend: memory, badger or redis.
type StoreConfig struct {
	Backend    string `mapstructure:"backend"`
	BadgerPath string `mapstructure:"badger_path"`
	KeyPrefix  string `mapstructure:"key_prefix"`
}

type ProgramConfig struct {
	ID string `mapstructure:"id"`
}

type AuthorityConfig struct {
	PrivateKey  string `mapstructure:"private_key"`
	KeypairPath string `mapstructure:"keypair_path"`
	// AdminKeys are base58 identities allowed on /admin routes. Comma separated in env.
	AdminKeys []string `mapstructure:"admin_keys"`
}

type RentConfig struct {
	AccountOverhead     uint64 `mapstructure:"account_overhead"`
	LamportsPerByteYear uint64 `mapstructure:"lamports_per_byte_year"`
	ExemptionYears      uint64 `mapstructure:"exemption_years"`
}

type GCConfig struct {
	IntervalSec int64 `mapstructure:"interval_sec"`
	BatchSize   int   `mapstructure:"batch_size"`
}

func (g GCConfig) Interval() time.Duration { return time.Duration(g.IntervalSec) * time.Second }

type SettlerConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	QueueKey  string `mapstructure:"queue_key"`
	DLQKey    string `mapstructure:"dlq_key"`
	BatchSize int    `mapstructure:"batch_size"`
}

// RateLimitConfig is a per-client-IP token bucket on settlement routes.
type RateLimitConfig struct {
	RPS   float64 `mapstructure:"rps"`
	Burst int     `mapstructure:"burst"`
}

func Load() (*Config, error) {
	v := viper.New()

	// Defaults
	v.SetDefault("server.port", 8080)
	v.SetDefault("redis.addr", "redis:6379")
	v.SetDefault("store.backend", "badger")
	v.SetDefault("store.badger_path", "/data/ledger")
	v.SetDefault("store.key_prefix", "xusdc:ledger:")
	v.SetDefault("rent.account_overhead", 128)
	v.SetDefault("rent.lamports_per_byte_year", 3480)
	v.SetDefault("rent.exemption_years", 2)
	v.SetDefault("gc.interval_sec", 60)
	v.SetDefault("gc.batch_size", 64)
	v.SetDefault("settler.enabled", true)
	v.SetDefault("settler.queue_key", "xusdc:settle:queue")
	v.SetDefault("settler.dlq_key", "xusdc:settle:dlq")
	v.SetDefault("settler.batch_size", 50)
	v.SetDefault("rate_limit.rps", 20)
	v.SetDefault("rate_limit.burst", 40)

	// Config file (optional)
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("/app")
	_ = v.ReadInConfig()

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Explicit env bindings
	bindings := map[string]string{
		"server.port":                 "PORT",
		"redis.addr":                  "REDIS_ADDR",
		"redis.password":              "REDIS_PASSWORD",
		"redis.db":                    "REDIS_DB",
		"store.backend":               "STORE_BACKEND",
		"store.badger_path":           "BADGER_PATH",
		"store.key_prefix":            "STORE_KEY_PREFIX",
		"program.id":                  "PROGRAM_ID",
		"authority.private_key":       "AUTHORITY_PRIVATE_KEY",
		"authority.keypair_path":      "AUTHORITY_KEYPAIR_PATH",
		"authority.admin_keys":        "ADMIN_KEYS",
		"rent.account_overhead":       "RENT_ACCOUNT_OVERHEAD",
		"rent.lamports_per_byte_year": "RENT_LAMPORTS_PER_BYTE_YEAR",
		"rent.exemption_years":        "RENT_EXEMPTION_YEARS",
		"gc.interval_sec":             "GC_INTERVAL_SEC",
		"gc.batch_size":               "GC_BATCH_SIZE",
		"settler.enabled":             "SETTLER_ENABLED",
		"settler.queue_key":           "SETTLER_QUEUE_KEY",
		"settler.dlq_key":             "SETTLER_DLQ_KEY",
		"settler.batch_size":          "SETTLER_BATCH_SIZE",
		"rate_limit.rps":              "RATE_LIMIT_RPS",
		"rate_limit.burst":            "RATE_LIMIT_BURST",
	}
	for key, env := range bindings {
		if err := v.BindEnv(key, env); err != nil {
			return nil, fmt.Errorf("bind env %s: %w", env, err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	cfg.Authority.AdminKeys = splitList(cfg.Authority.AdminKeys)

	return cfg, cfg.validate()
}

// splitList flattens comma-separated entries, as env vars arrive as one string.
func splitList(in []string) []string {
	var out []string
	for _, s := range in {
		for _, part := range strings.Split(s, ",") {
			if p := strings.TrimSpace(part); p != "" {
				out = append(out, p)
			}
		}
	}
	return out
}

func (c *Config) validate() error {
	switch c.Store.Backend {
	case "memory", "redis":
	case "badger":
		if c.Store.BadgerPath == "" {
			return fmt.Errorf("required config missing: BADGER_PATH")
		}
	default:
		return fmt.Errorf("unknown STORE_BACKEND %q (want memory, badger or redis)", c.Store.Backend)
	}
	if c.Redis.Addr == "" {
		return fmt.Errorf("required config missing: REDIS_ADDR")
	}
	if c.Rent.LamportsPerByteYear == 0 || c.Rent.ExemptionYears == 0 {
		return fmt.Errorf("rent parameters must be positive")
	}
	if c.GC.IntervalSec <= 0 {
		return fmt.Errorf("GC_INTERVAL_SEC must be positive")
	}
	if c.GC.BatchSize <= 0 {
		return fmt.Errorf("GC_BATCH_SIZE must be positive")
	}
	if c.RateLimit.RPS <= 0 || c.RateLimit.Burst <= 0 {
		return fmt.Errorf("rate limit must be positive")
	}
	return nil
}
