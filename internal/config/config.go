package config

import (
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Upstream UpstreamConfig `mapstructure:"upstream"`
	Relay    RelayConfig    `mapstructure:"relay"`
	Auth     AuthConfig     `mapstructure:"auth"`
	CORS     CORSConfig     `mapstructure:"cors"`
	Log      LogConfig      `mapstructure:"log"`
	Storage  StorageConfig  `mapstructure:"storage"`
	Session  SessionConfig  `mapstructure:"session"`
	Client   ClientConfig   `mapstructure:"client"`
	Models   []ModelConfig  `mapstructure:"models"`
}

type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	MaxHeaderBytes  int           `mapstructure:"max_header_bytes"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// UpstreamConfig describes the AI gateway the relay forwards to.
type UpstreamConfig struct {
	BaseURL     string        `mapstructure:"base_url"`
	APIKey      string        `mapstructure:"api_key"`
	TTFBTimeout time.Duration `mapstructure:"ttfb_timeout"`
	// Format is "native" (upstream already emits token/done/error frames) or
	// "openai" (relay re-frames OpenAI style chunks).
	Format    string `mapstructure:"format"`
	MaxTokens int    `mapstructure:"max_tokens"`
}

type RelayConfig struct {
	ContextWindow int    `mapstructure:"context_window"`
	SystemPrompt  string `mapstructure:"system_prompt"`
	DefaultModel  string `mapstructure:"default_model"`
}

type AuthConfig struct {
	// Tokens, when non-empty, is the allow list of bearer tokens. Empty means any
	// non-blank bearer token is accepted (the platform validated it upstream).
	Tokens []string `mapstructure:"tokens"`
}

type CORSConfig struct {
	AllowedOrigins   []string `mapstructure:"allowed_origins"`
	AllowedMethods   []string `mapstructure:"allowed_methods"`
	AllowedHeaders   []string `mapstructure:"allowed_headers"`
	ExposedHeaders   []string `mapstructure:"exposed_headers"`
	AllowCredentials bool     `mapstructure:"allow_credentials"`
	MaxAge           int      `mapstructure:"max_age"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type StorageConfig struct {
	// Type is one of memory, disk, sqlite, postgres.
	Type      string `mapstructure:"type"`
	DataDir   string `mapstructure:"data_dir"`
	CacheSize int    `mapstructure:"cache_size"`
	DSN       string `mapstructure:"dsn"`
}

type SessionConfig struct {
	TTL             time.Duration `mapstructure:"ttl"`
	CleanupInterval time.Duration `mapstructure:"cleanup_interval"`
}

// ClientConfig is used by the chat command when it acts as a stream consumer.
type ClientConfig struct {
	RelayURL      string        `mapstructure:"relay_url"`
	Token         string        `mapstructure:"token"`
	RetryAttempts int           `mapstructure:"retry_attempts"`
	RetryMaxWait  time.Duration `mapstructure:"retry_max_wait"`
}

type ModelConfig struct {
	Key               string  `mapstructure:"key"`
	UpstreamID        string  `mapstructure:"upstream_id"`
	DisplayName       string  `mapstructure:"display_name"`
	CreditsPer1KToken float64 `mapstructure:"credits_per_1k_tokens"`
}

const DefaultSystemPrompt = "You are a helpful assistant. Keep answers short and to the point."

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", 30*time.Second)
	v.SetDefault("server.write_timeout", 0)
	v.SetDefault("server.max_header_bytes", 1<<20)
	v.SetDefault("server.shutdown_timeout", 10*time.Second)

	v.SetDefault("upstream.base_url", "http://localhost:4000/v1")
	v.SetDefault("upstream.ttfb_timeout", 5*time.Second)
	v.SetDefault("upstream.format", "native")
	v.SetDefault("upstream.api_key", "")
	v.SetDefault("upstream.max_tokens", 0)

	v.SetDefault("relay.context_window", 4)
	v.SetDefault("relay.system_prompt", DefaultSystemPrompt)
	v.SetDefault("relay.default_model", "gemini-flash")

	v.SetDefault("auth.tokens", []string{})

	v.SetDefault("cors.allowed_origins", []string{"*"})
	v.SetDefault("cors.allowed_methods", []string{"GET", "POST", "DELETE", "OPTIONS"})
	v.SetDefault("cors.allowed_headers", []string{"Authorization", "Content-Type", "apikey", "x-client-info"})
	v.SetDefault("cors.max_age", 86400)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")

	v.SetDefault("storage.type", "memory")
	v.SetDefault("storage.data_dir", "./data")
	v.SetDefault("storage.cache_size", 100)
	v.SetDefault("storage.dsn", "")

	v.SetDefault("session.ttl", 30*24*time.Hour)
	v.SetDefault("session.cleanup_interval", time.Hour)

	v.SetDefault("client.relay_url", "http://localhost:8080/api/chat/stream")
	v.SetDefault("client.token", "")
	v.SetDefault("client.retry_attempts", 1)
	v.SetDefault("client.retry_max_wait", 10*time.Second)
}

var cfg *Config

// Load reads the YAML file at configPath. An empty path loads defaults and
// environment overrides only.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("CHATRELAY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, err
		}
	}

	c := &Config{}
	if err := v.Unmarshal(c); err != nil {
		return nil, err
	}

	// File and CHATRELAY_ vars win; the provider-style names are a fallback.
	if c.Upstream.APIKey == "" {
		if apiKey := os.Getenv("OPENAI_API_KEY"); apiKey != "" {
			c.Upstream.APIKey = apiKey
		}
		if apiKey := os.Getenv("UPSTREAM_API_KEY"); apiKey != "" {
			c.Upstream.APIKey = apiKey
		}
	}

	cfg = c
	return c, nil
}

func Get() *Config {
	return cfg
}
