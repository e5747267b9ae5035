// Package config loads the server configuration from YAML with environment
// overrides for the values that differ per deployment.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v2"
)

type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Storage StorageConfig `yaml:"storage"`
	Redis   RedisConfig   `yaml:"redis"`
	S3      S3Config      `yaml:"s3"`
	Limits  LimitsConfig  `yaml:"limits"`
}

type ServerConfig struct {
	Port           string   `yaml:"port"`
	TCPAddr        string   `yaml:"tcp_addr"` // empty disables the legacy transport
	Env            string   `yaml:"env"`
	AllowedOrigins []string `yaml:"allowed_origins"`
}

type StorageConfig struct {
	Root        string `yaml:"root"`         // file store directory
	PostgresDSN string `yaml:"postgres_dsn"` // empty keeps characters on the file store
}

type RedisConfig struct {
	Addr     string `yaml:"addr"` // empty keeps the event bus in-process
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type S3Config struct {
	Bucket    string `yaml:"bucket"`
	Region    string `yaml:"region"`
	Endpoint  string `yaml:"endpoint"` // set for MinIO-style deployments
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
}

type LimitsConfig struct {
	MaxMessagesPerMinute int `yaml:"max_messages_per_minute"`
	SaveDebounceMs       int `yaml:"save_debounce_ms"`
}

// SaveDebounce converts the configured debounce to a duration; zero means
// the action-layer default.
func (l LimitsConfig) SaveDebounce() time.Duration {
	return time.Duration(l.SaveDebounceMs) * time.Millisecond
}

// Load reads the YAML file (when path is non-empty) and applies environment
// overrides on top.
func Load(path string) (*Config, error) {
	cfg := &Config{
		Server:  ServerConfig{Port: "8080", Env: "dev"},
		Storage: StorageConfig{Root: "./data"},
		S3:      S3Config{Region: "us-east-1"},
	}

	if path != "" {
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("open config: %w", err)
		}
		defer f.Close()
		if err := yaml.NewDecoder(f).Decode(cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	cfg.applyEnv()
	return cfg, nil
}

func (c *Config) applyEnv() {
	setString(&c.Server.Port, "TF_PORT")
	setString(&c.Server.TCPAddr, "TF_TCP_ADDR")
	setString(&c.Server.Env, "TF_ENV")
	setString(&c.Storage.Root, "TF_STORAGE_ROOT")
	setString(&c.Storage.PostgresDSN, "TF_POSTGRES_DSN")
	setString(&c.Redis.Addr, "TF_REDIS_ADDR")
	setString(&c.Redis.Password, "TF_REDIS_PASSWORD")
	setInt(&c.Redis.DB, "TF_REDIS_DB")
	setString(&c.S3.Bucket, "TF_S3_BUCKET")
	setString(&c.S3.Region, "TF_S3_REGION")
	setString(&c.S3.Endpoint, "TF_S3_ENDPOINT")
	setString(&c.S3.AccessKey, "TF_S3_ACCESS_KEY")
	setString(&c.S3.SecretKey, "TF_S3_SECRET_KEY")
	setInt(&c.Limits.MaxMessagesPerMinute, "TF_MAX_MESSAGES_PER_MINUTE")
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}
