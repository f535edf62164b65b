package config

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type TLSConfig struct {
	CertFile      string   `yaml:"cert_file"`
	KeyFile       string   `yaml:"key_file"`
	AutoCert      bool     `yaml:"autocert"`
	AutoCertHosts []string `yaml:"autocert_hosts"`
	CacheDir      string   `yaml:"cache_dir"`
	Email         string   `yaml:"email"`
}

// Enabled reports whether the relay should terminate TLS itself.
func (t TLSConfig) Enabled() bool {
	return t.AutoCert || (t.CertFile != "" && t.KeyFile != "")
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Pretty bool   `yaml:"pretty"`
}

type Config struct {
	Addr                  string        `yaml:"addr"`
	PublicURL             string        `yaml:"public_url"`
	RegistrationKey       string        `yaml:"registration_key"`
	ConnectSecret         string        `yaml:"connect_secret"`
	RequestTimeout        time.Duration `yaml:"request_timeout"`
	PingInterval          time.Duration `yaml:"ping_interval"`
	PongTimeout           time.Duration `yaml:"pong_timeout"`
	MaxBodyBytes          int64         `yaml:"max_body_bytes"`
	MaxFrameBytes         int64         `yaml:"max_frame_bytes"`
	RegisterRatePerMinute int           `yaml:"register_rate_per_minute"`
	SSEHeartbeat          time.Duration `yaml:"sse_heartbeat"`
	SSEBuffer             int           `yaml:"sse_buffer"`
	Metrics               bool          `yaml:"metrics"`
	TLS                   TLSConfig     `yaml:"tls"`
	Log                   LogConfig     `yaml:"log"`
}

// Default returns the built-in configuration. RegistrationKey is left empty
// and must be supplied.
func Default() *Config {
	return &Config{
		Addr:                  ":8080",
		RequestTimeout:        30 * time.Second,
		PingInterval:          25 * time.Second,
		PongTimeout:           60 * time.Second,
		MaxBodyBytes:          8 << 20,
		MaxFrameBytes:         16 << 20,
		RegisterRatePerMinute: 30,
		SSEHeartbeat:          15 * time.Second,
		SSEBuffer:             64,
		Metrics:               true,
		TLS:                   TLSConfig{CacheDir: ".data/autocert"},
		Log:                   LogConfig{Level: "info"},
	}
}

// Load builds the configuration from defaults, an optional YAML file, an
// optional .env file and RELAY_* environment variables, in that order.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		content, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(content, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	// A missing .env is the normal case outside development.
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	cfg.applyEnv()

	if cfg.ConnectSecret == "" && cfg.RegistrationKey != "" {
		sum := sha256.Sum256([]byte("connect:" + cfg.RegistrationKey))
		cfg.ConnectSecret = hex.EncodeToString(sum[:])
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	c.Addr = getEnv("RELAY_ADDR", c.Addr)
	c.PublicURL = getEnv("RELAY_PUBLIC_URL", c.PublicURL)
	c.RegistrationKey = getEnv("RELAY_REGISTRATION_KEY", c.RegistrationKey)
	c.ConnectSecret = getEnv("RELAY_CONNECT_SECRET", c.ConnectSecret)
	c.RequestTimeout = getEnvDuration("RELAY_REQUEST_TIMEOUT", c.RequestTimeout)
	c.PingInterval = getEnvDuration("RELAY_PING_INTERVAL", c.PingInterval)
	c.PongTimeout = getEnvDuration("RELAY_PONG_TIMEOUT", c.PongTimeout)
	c.MaxBodyBytes = int64(getEnvInt("RELAY_MAX_BODY_BYTES", int(c.MaxBodyBytes)))
	c.MaxFrameBytes = int64(getEnvInt("RELAY_MAX_FRAME_BYTES", int(c.MaxFrameBytes)))
	c.RegisterRatePerMinute = getEnvInt("RELAY_REGISTER_RATE_PER_MINUTE", c.RegisterRatePerMinute)
	c.SSEHeartbeat = getEnvDuration("RELAY_SSE_HEARTBEAT", c.SSEHeartbeat)
	c.SSEBuffer = getEnvInt("RELAY_SSE_BUFFER", c.SSEBuffer)
	c.Metrics = getEnvBool("RELAY_METRICS", c.Metrics)
	c.TLS.CertFile = getEnv("RELAY_TLS_CERT_FILE", c.TLS.CertFile)
	c.TLS.KeyFile = getEnv("RELAY_TLS_KEY_FILE", c.TLS.KeyFile)
	c.TLS.AutoCert = getEnvBool("RELAY_AUTOCERT_ENABLE", c.TLS.AutoCert)
	c.TLS.CacheDir = getEnv("RELAY_AUTOCERT_CACHE_DIR", c.TLS.CacheDir)
	c.TLS.Email = getEnv("RELAY_AUTOCERT_EMAIL", c.TLS.Email)
	if hosts := getEnv("RELAY_AUTOCERT_HOSTS", ""); hosts != "" {
		c.TLS.AutoCertHosts = splitList(hosts)
	}
	c.Log.Level = getEnv("RELAY_LOG_LEVEL", c.Log.Level)
	c.Log.Pretty = getEnvBool("RELAY_LOG_PRETTY", c.Log.Pretty)
}

func (c *Config) Validate() error {
	if strings.TrimSpace(c.RegistrationKey) == "" {
		return errors.New("registration key is required (RELAY_REGISTRATION_KEY)")
	}
	if c.RequestTimeout <= 0 {
		return fmt.Errorf("request timeout must be positive, got %s", c.RequestTimeout)
	}
	if c.PingInterval <= 0 || c.PongTimeout <= 0 {
		return errors.New("ping interval and pong timeout must be positive")
	}
	if c.PongTimeout <= c.PingInterval {
		return fmt.Errorf("pong timeout %s must exceed ping interval %s", c.PongTimeout, c.PingInterval)
	}
	if c.SSEBuffer <= 0 || c.SSEHeartbeat <= 0 {
		return errors.New("sse buffer and heartbeat must be positive")
	}
	if c.MaxBodyBytes <= 0 || c.MaxFrameBytes <= 0 {
		return errors.New("body and frame limits must be positive")
	}
	if c.TLS.AutoCert && len(c.TLS.AutoCertHosts) == 0 {
		return errors.New("autocert requires at least one host")
	}
	return nil
}

func getEnv(key string, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func getEnvBool(key string, fallback bool) bool {
	value := strings.TrimSpace(strings.ToLower(os.Getenv(key)))
	if value == "" {
		return fallback
	}
	return value == "1" || value == "true" || value == "yes" || value == "on"
}

// getEnvDuration accepts Go durations ("45s") or a bare number of seconds.
func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	if secs, err := strconv.Atoi(value); err == nil {
		return time.Duration(secs) * time.Second
	}
	return fallback
}

func splitList(raw string) []string {
	out := []string{}
	for _, item := range strings.Split(raw, ",") {
		item = strings.TrimSpace(item)
		if item != "" {
			out = append(out, item)
		}
	}
	return out
}
