// Package config assembles the gateway configuration from defaults, an
// optional YAML file and the environment, in that order of precedence.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// FileEnv names the optional YAML overlay.
const FileEnv = "VOICE_CONFIG_FILE"

type Config struct {
	HTTP     HTTPConfig     `yaml:"http"`
	Backend  BackendConfig  `yaml:"backend"`
	Poll     PollConfig     `yaml:"poll"`
	Deepgram DeepgramConfig `yaml:"deepgram"`
	S3       S3Config       `yaml:"s3"`
	Postgres PostgresConfig `yaml:"postgres"`
	Alerts   AlertsConfig   `yaml:"alerts"`
	Sessions SessionsConfig `yaml:"sessions"`
}

type HTTPConfig struct {
	Port        string   `yaml:"port"`
	Token       string   `yaml:"token"`
	CORSOrigins []string `yaml:"cors_origins"`
	// RateLimit is requests per minute per client IP; 0 disables it.
	RateLimit int `yaml:"rate_limit"`
}

type BackendConfig struct {
	BaseURL string        `yaml:"base_url"`
	Token   string        `yaml:"token"`
	Timeout time.Duration `yaml:"timeout"`
}

type PollConfig struct {
	GraceDelay   time.Duration `yaml:"grace_delay"`
	Interval     time.Duration `yaml:"interval"`
	MaxAttempts  int           `yaml:"max_attempts"`
	ProbeTimeout time.Duration `yaml:"probe_timeout"`
}

type DeepgramConfig struct {
	APIKey   string `yaml:"api_key"`
	URL      string `yaml:"url"`
	Model    string `yaml:"model"`
	Language string `yaml:"language"`
}

type S3Config struct {
	Enabled   bool   `yaml:"enabled"`
	Endpoint  string `yaml:"endpoint"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	Bucket    string `yaml:"bucket"`
	Region    string `yaml:"region"`
	Secure    bool   `yaml:"secure"`
	KeyPrefix string `yaml:"key_prefix"`
}

type PostgresConfig struct {
	// DSN is optional; without it conversations are not archived.
	DSN string `yaml:"dsn"`
}

type AlertsConfig struct {
	TelegramToken string        `yaml:"telegram_token"`
	AdminChatIDs  []int64       `yaml:"admin_chat_ids"`
	Quiet         time.Duration `yaml:"quiet"`
}

type SessionsConfig struct {
	IdleTTL      time.Duration `yaml:"idle_ttl"`
	ReapEvery    time.Duration `yaml:"reap_every"`
	NoticeTTL    time.Duration `yaml:"notice_ttl"`
	FlushTimeout time.Duration `yaml:"flush_timeout"`
	Language     string        `yaml:"language"`
}

func Defaults() Config {
	return Config{
		HTTP: HTTPConfig{
			Port:        "8080",
			CORSOrigins: []string{"*"},
			RateLimit:   120,
		},
		Backend: BackendConfig{Timeout: 60 * time.Second},
		Poll: PollConfig{
			GraceDelay:   1000 * time.Millisecond,
			Interval:     500 * time.Millisecond,
			MaxAttempts:  40,
			ProbeTimeout: 5 * time.Second,
		},
		Deepgram: DeepgramConfig{
			URL:      "wss://api.deepgram.com/v1/listen",
			Model:    "nova-2",
			Language: "ru",
		},
		S3:     S3Config{Secure: true, KeyPrefix: "audio/"},
		Alerts: AlertsConfig{Quiet: 5 * time.Minute},
		Sessions: SessionsConfig{
			IdleTTL:      30 * time.Minute,
			ReapEvery:    time.Minute,
			NoticeTTL:    8 * time.Second,
			FlushTimeout: 3 * time.Second,
			Language:     "ru",
		},
	}
}

// Load builds the configuration: defaults, then the YAML file named by
// VOICE_CONFIG_FILE when set, then environment variables.
func Load() (*Config, error) {
	cfg := Defaults()

	if path := os.Getenv(FileEnv); path != "" {
		if err := cfg.overlay(path); err != nil {
			return nil, err
		}
	}
	if err := cfg.fromEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &cfg, nil
}

func (c *Config) overlay(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return nil
}

func (c *Config) fromEnv() error {
	str(&c.HTTP.Port, "PORT")
	str(&c.HTTP.Token, "HTTP_TOKEN")
	if v := os.Getenv("CORS_ORIGINS"); v != "" {
		c.HTTP.CORSOrigins = splitList(v)
	}

	str(&c.Backend.BaseURL, "BACKEND_URL")
	str(&c.Backend.Token, "BACKEND_TOKEN")

	str(&c.Deepgram.APIKey, "DEEPGRAM_API_KEY")
	str(&c.Deepgram.URL, "DEEPGRAM_URL")
	str(&c.Deepgram.Model, "DEEPGRAM_MODEL")
	str(&c.Deepgram.Language, "DEEPGRAM_LANGUAGE")

	str(&c.S3.Endpoint, "S3_ENDPOINT")
	str(&c.S3.AccessKey, "S3_ACCESS_KEY")
	str(&c.S3.SecretKey, "S3_SECRET_KEY")
	str(&c.S3.Bucket, "S3_BUCKET")
	str(&c.S3.Region, "S3_REGION")
	str(&c.S3.KeyPrefix, "S3_KEY_PREFIX")
	if c.S3.Endpoint != "" && c.S3.Bucket != "" {
		c.S3.Enabled = true
	}

	str(&c.Postgres.DSN, "DATABASE_URL")
	str(&c.Alerts.TelegramToken, "TELEGRAM_ALERT_TOKEN")
	str(&c.Sessions.Language, "LANGUAGE")

	if v := os.Getenv("TELEGRAM_ADMIN_IDS"); v != "" {
		ids, err := parseIDs(v)
		if err != nil {
			return fmt.Errorf("TELEGRAM_ADMIN_IDS: %w", err)
		}
		c.Alerts.AdminChatIDs = ids
	}

	ints := []struct {
		dst *int
		key string
	}{
		{&c.HTTP.RateLimit, "RATE_LIMIT_PER_MIN"},
		{&c.Poll.MaxAttempts, "POLL_MAX_ATTEMPTS"},
	}
	for _, e := range ints {
		if err := integer(e.dst, e.key); err != nil {
			return err
		}
	}

	bools := []struct {
		dst *bool
		key string
	}{
		{&c.S3.Secure, "S3_SECURE"},
		{&c.S3.Enabled, "S3_ENABLED"},
	}
	for _, e := range bools {
		if err := boolean(e.dst, e.key); err != nil {
			return err
		}
	}

	durations := []struct {
		dst *time.Duration
		key string
	}{
		{&c.Backend.Timeout, "BACKEND_TIMEOUT"},
		{&c.Poll.GraceDelay, "POLL_GRACE_DELAY"},
		{&c.Poll.Interval, "POLL_INTERVAL"},
		{&c.Poll.ProbeTimeout, "POLL_PROBE_TIMEOUT"},
		{&c.Alerts.Quiet, "ALERT_QUIET"},
		{&c.Sessions.IdleTTL, "SESSION_IDLE_TTL"},
		{&c.Sessions.ReapEvery, "SESSION_REAP_EVERY"},
		{&c.Sessions.NoticeTTL, "NOTICE_TTL"},
		{&c.Sessions.FlushTimeout, "FLUSH_TIMEOUT"},
	}
	for _, e := range durations {
		if err := duration(e.dst, e.key); err != nil {
			return err
		}
	}
	return nil
}

func (c *Config) Validate() error {
	if err := c.HTTP.Validate(); err != nil {
		return fmt.Errorf("http config: %w", err)
	}
	if err := c.Backend.Validate(); err != nil {
		return fmt.Errorf("backend config: %w", err)
	}
	if err := c.Poll.Validate(); err != nil {
		return fmt.Errorf("poll config: %w", err)
	}
	if err := c.S3.Validate(); err != nil {
		return fmt.Errorf("s3 config: %w", err)
	}
	if err := c.Alerts.Validate(); err != nil {
		return fmt.Errorf("alerts config: %w", err)
	}
	if err := c.Sessions.Validate(); err != nil {
		return fmt.Errorf("sessions config: %w", err)
	}
	return nil
}

func (h *HTTPConfig) Validate() error {
	port, err := strconv.Atoi(h.Port)
	if err != nil || port < 1 || port > 65535 {
		return fmt.Errorf("port must be between 1 and 65535, got %q", h.Port)
	}
	if h.RateLimit < 0 {
		return fmt.Errorf("rate_limit cannot be negative, got %d", h.RateLimit)
	}
	return nil
}

func (b *BackendConfig) Validate() error {
	if b.BaseURL == "" {
		return fmt.Errorf("base_url cannot be empty")
	}
	if !strings.HasPrefix(b.BaseURL, "http://") && !strings.HasPrefix(b.BaseURL, "https://") {
		return fmt.Errorf("base_url must be an http(s) url, got %q", b.BaseURL)
	}
	if b.Timeout <= 0 {
		return fmt.Errorf("timeout must be positive, got %s", b.Timeout)
	}
	return nil
}

func (p *PollConfig) Validate() error {
	if p.GraceDelay < 0 {
		return fmt.Errorf("grace_delay cannot be negative, got %s", p.GraceDelay)
	}
	if p.Interval <= 0 {
		return fmt.Errorf("interval must be positive, got %s", p.Interval)
	}
	if p.MaxAttempts < 1 {
		return fmt.Errorf("max_attempts must be at least 1, got %d", p.MaxAttempts)
	}
	if p.ProbeTimeout <= 0 {
		return fmt.Errorf("probe_timeout must be positive, got %s", p.ProbeTimeout)
	}
	return nil
}

func (s *S3Config) Validate() error {
	if !s.Enabled {
		return nil
	}
	if s.Endpoint == "" || s.Bucket == "" {
		return fmt.Errorf("endpoint and bucket are required when s3 is enabled")
	}
	return nil
}

func (a *AlertsConfig) Validate() error {
	if a.TelegramToken != "" && len(a.AdminChatIDs) == 0 {
		return fmt.Errorf("admin_chat_ids cannot be empty when a telegram token is set")
	}
	return nil
}

func (s *SessionsConfig) Validate() error {
	if s.IdleTTL > 0 && s.ReapEvery <= 0 {
		return fmt.Errorf("reap_every must be positive when idle_ttl is set")
	}
	if s.FlushTimeout < 0 {
		return fmt.Errorf("flush_timeout cannot be negative, got %s", s.FlushTimeout)
	}
	return nil
}

func (c *Config) AlertsEnabled() bool {
	return c.Alerts.TelegramToken != ""
}

func str(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func integer(dst *int, key string) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*dst = n
	return nil
}

func boolean(dst *bool, key string) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*dst = b
	return nil
}

func duration(dst *time.Duration, key string) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*dst = d
	return nil
}

func splitList(v string) []string {
	var out []string
	for _, p := range strings.Split(v, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func parseIDs(v string) ([]int64, error) {
	var ids []int64
	for _, p := range splitList(v) {
		id, err := strconv.ParseInt(p, 10, 64)
		if err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, nil
}
