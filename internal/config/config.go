package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Config holds every setting the service reads at startup.
type Config struct {
	Server   ServerConfig
	Database DatabaseConfig
	Redis    RedisConfig
	NATS     NATSConfig
	Blob     BlobConfig
	S3       S3Config
	Google   GoogleConfig
	Gmail    GmailConfig
	Auth     AuthConfig
	Cache    CacheConfig
	Sync     SyncConfig
	Log      LogConfig
}

type ServerConfig struct {
	Addr string
}

type DatabaseConfig struct {
	Driver string // sqlite or postgres
	URL    string
}

type RedisConfig struct {
	URL     string
	Channel string
}

type NATSConfig struct {
	URL string
}

type BlobConfig struct {
	Driver string // s3 or badger
	Path   string
}

type S3Config struct {
	Bucket          string
	Region          string
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
}

type GoogleConfig struct {
	ClientID     string
	ClientSecret string
	Topic        string
}

type GmailConfig struct {
	QPS   float64
	Burst int
}

type AuthConfig struct {
	JWKSURL       string
	BetterAuthURL string
}

type CacheConfig struct {
	TTL time.Duration
}

type SyncConfig struct {
	BatchSize    int
	FetchChunk   int
	ApplyChunk   int
	PollInterval time.Duration
}

type LogConfig struct {
	Level  string
	Format string
}

// SetDefaults registers the defaults on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.url", "data/mirror.db")
	v.SetDefault("redis.url", "redis://localhost:6379/0")
	v.SetDefault("redis.channel", "gmail-updates")
	v.SetDefault("nats.url", "")
	v.SetDefault("blob.driver", "s3")
	v.SetDefault("blob.path", "data/blobs")
	v.SetDefault("s3.region", "us-east-1")
	v.SetDefault("gmail.qps", 10.0)
	v.SetDefault("gmail.burst", 20)
	v.SetDefault("cache.ttl", 10*time.Minute)
	v.SetDefault("sync.batch_size", 40)
	v.SetDefault("sync.fetch_chunk", 10)
	v.SetDefault("sync.apply_chunk", 3)
	v.SetDefault("sync.poll_interval", time.Duration(0))
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
}

// Load reads the typed configuration out of v.
func Load(v *viper.Viper) (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Addr: v.GetString("server.addr"),
		},
		Database: DatabaseConfig{
			Driver: v.GetString("database.driver"),
			URL:    v.GetString("database.url"),
		},
		Redis: RedisConfig{
			URL:     v.GetString("redis.url"),
			Channel: v.GetString("redis.channel"),
		},
		NATS: NATSConfig{
			URL: v.GetString("nats.url"),
		},
		Blob: BlobConfig{
			Driver: v.GetString("blob.driver"),
			Path:   v.GetString("blob.path"),
		},
		S3: S3Config{
			Bucket:          v.GetString("s3.bucket"),
			Region:          v.GetString("s3.region"),
			Endpoint:        v.GetString("s3.endpoint"),
			AccessKeyID:     v.GetString("s3.access_key_id"),
			SecretAccessKey: v.GetString("s3.secret_access_key"),
		},
		Google: GoogleConfig{
			ClientID:     v.GetString("google.client_id"),
			ClientSecret: v.GetString("google.client_secret"),
			Topic:        v.GetString("google.topic"),
		},
		Gmail: GmailConfig{
			QPS:   v.GetFloat64("gmail.qps"),
			Burst: v.GetInt("gmail.burst"),
		},
		Auth: AuthConfig{
			JWKSURL:       v.GetString("auth.jwks_url"),
			BetterAuthURL: v.GetString("auth.better_auth_url"),
		},
		Cache: CacheConfig{
			TTL: v.GetDuration("cache.ttl"),
		},
		Sync: SyncConfig{
			BatchSize:    v.GetInt("sync.batch_size"),
			FetchChunk:   v.GetInt("sync.fetch_chunk"),
			ApplyChunk:   v.GetInt("sync.apply_chunk"),
			PollInterval: v.GetDuration("sync.poll_interval"),
		},
		Log: LogConfig{
			Level:  v.GetString("log.level"),
			Format: v.GetString("log.format"),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate rejects settings the service cannot run with.
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("unsupported database driver %q", c.Database.Driver)
	}

	switch c.Blob.Driver {
	case "s3", "badger":
	default:
		return fmt.Errorf("unsupported blob driver %q", c.Blob.Driver)
	}

	if c.Blob.Driver == "s3" && c.S3.Bucket == "" {
		return fmt.Errorf("s3.bucket is required when blob.driver is s3")
	}

	if c.Sync.BatchSize <= 0 || c.Sync.FetchChunk <= 0 || c.Sync.ApplyChunk <= 0 {
		return fmt.Errorf("sync chunk sizes must be positive")
	}

	if c.Gmail.QPS <= 0 {
		return fmt.Errorf("gmail.qps must be positive")
	}

	if c.Cache.TTL <= 0 {
		return fmt.Errorf("cache.ttl must be positive")
	}

	return nil
}
