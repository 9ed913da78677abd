// Package config loads settings for the relay and host binaries from an
// optional config.yaml, a .env file and the environment, in rising priority.
package config

import (
	"errors"
	"io/fs"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config holds every setting either binary reads.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Relay     RelayConfig     `mapstructure:"relay"`
	Session   SessionConfig   `mapstructure:"session"`
	Checkin   CheckinConfig   `mapstructure:"checkin"`
	PostgREST PostgRESTConfig `mapstructure:"postgrest"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Redis     RedisConfig     `mapstructure:"redis"`
	AMQP      AMQPConfig      `mapstructure:"amqp"`
	Mongo     MongoConfig     `mapstructure:"mongo"`
	MySQL     MySQLConfig     `mapstructure:"mysql"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Log       LogConfig       `mapstructure:"log"`
}

// ServerConfig is the host admin API.
type ServerConfig struct {
	Addr string `mapstructure:"addr"`
	// PublicURL is where attendees open the check-in page.
	PublicURL string `mapstructure:"public_url"`
}

// RelayConfig is the check-in relay.
type RelayConfig struct {
	Addr string `mapstructure:"addr"`
	// Backend is one of memory, postgrest, mongo or mysql.
	Backend string `mapstructure:"backend"`
}

type SessionConfig struct {
	ID string `mapstructure:"id"`
}

type CheckinConfig struct {
	PrimaryURL     string        `mapstructure:"primary_url"`
	PrimaryTimeout time.Duration `mapstructure:"primary_timeout"`
	PhonePattern   string        `mapstructure:"phone_pattern"`
	PollInterval   time.Duration `mapstructure:"poll_interval"`
}

type PostgRESTConfig struct {
	URL   string `mapstructure:"url"`
	Key   string `mapstructure:"key"`
	Table string `mapstructure:"table"`
}

type StorageConfig struct {
	// SQLitePath is the local snapshot file; empty keeps snapshots in memory.
	SQLitePath      string        `mapstructure:"sqlite_path"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	JanitorInterval time.Duration `mapstructure:"janitor_interval"`
}

type RedisConfig struct {
	Addr     string        `mapstructure:"addr"`
	Password string        `mapstructure:"password"`
	DB       int           `mapstructure:"db"`
	TLS      bool          `mapstructure:"tls"`
	Prefix   string        `mapstructure:"prefix"`
	TTL      time.Duration `mapstructure:"ttl"`
}

type AMQPConfig struct {
	URL      string `mapstructure:"url"`
	Exchange string `mapstructure:"exchange"`
}

type MongoConfig struct {
	URI        string `mapstructure:"uri"`
	Database   string `mapstructure:"database"`
	Collection string `mapstructure:"collection"`
}

type MySQLConfig struct {
	DSN string `mapstructure:"dsn"`
}

type AuthConfig struct {
	// Secret signs admin tokens. Empty disables authentication.
	Secret   string        `mapstructure:"secret"`
	TokenTTL time.Duration `mapstructure:"token_ttl"`
}

type LogConfig struct {
	Verbose bool `mapstructure:"verbose"`
}

// Load reads .env (if present), then config.yaml from the given directories
// (default "." and "./config"), then the environment. SERVER_ADDR overrides
// server.addr and so on.
func Load(dirs ...string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, err
	}
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	if len(dirs) == 0 {
		dirs = []string{".", "./config"}
	}
	for _, d := range dirs {
		v.AddConfigPath(d)
	}
	return load(v)
}

func load(v *viper.Viper) (*Config, error) {
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)
	bindAliases(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, err
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}
	cfg.Relay.Backend = strings.ToLower(strings.TrimSpace(cfg.Relay.Backend))
	if cfg.Storage.JanitorInterval <= 0 {
		cfg.Storage.JanitorInterval = 10 * time.Minute
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.public_url", "http://localhost:8081")
	v.SetDefault("relay.addr", ":8081")
	v.SetDefault("relay.backend", "memory")
	v.SetDefault("session.id", "")
	v.SetDefault("checkin.primary_url", "")
	v.SetDefault("checkin.primary_timeout", 8*time.Second)
	v.SetDefault("checkin.phone_pattern", `^1\d{10}$`)
	v.SetDefault("checkin.poll_interval", 2*time.Second)
	v.SetDefault("postgrest.url", "")
	v.SetDefault("postgrest.key", "")
	v.SetDefault("postgrest.table", "checkins")
	v.SetDefault("storage.sqlite_path", "raffle.db")
	v.SetDefault("storage.idle_timeout", time.Hour)
	v.SetDefault("storage.janitor_interval", 10*time.Minute)
	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.tls", false)
	v.SetDefault("redis.prefix", "raffle")
	v.SetDefault("redis.ttl", 0)
	v.SetDefault("amqp.url", "")
	v.SetDefault("amqp.exchange", "raffle.checkins")
	v.SetDefault("mongo.uri", "")
	v.SetDefault("mongo.database", "raffle")
	v.SetDefault("mongo.collection", "checkins")
	v.SetDefault("mysql.dsn", "")
	v.SetDefault("auth.secret", "")
	v.SetDefault("auth.token_ttl", 12*time.Hour)
	v.SetDefault("log.verbose", false)
}

// bindAliases accepts the hosted-table variable names deployments already use.
func bindAliases(v *viper.Viper) {
	_ = v.BindEnv("postgrest.url", "POSTGREST_URL", "SUPABASE_URL")
	_ = v.BindEnv("postgrest.key", "POSTGREST_KEY", "SUPABASE_ANON_KEY", "SUPABASE_PUBLISHABLE_KEY")
	_ = v.BindEnv("amqp.url", "AMQP_URL", "RABBITMQ_URL")
}
