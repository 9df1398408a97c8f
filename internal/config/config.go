package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/spf13/viper"

	"github.com/cwygoda/scout/internal/domain"
)

// ErrInvalidConfig wraps every validation failure.
var ErrInvalidConfig = errors.New("invalid config")

// Config holds application configuration.
type Config struct {
	Server    ServerConfig    `toml:"server"`
	Database  DatabaseConfig  `toml:"database"`
	Worker    WorkerConfig    `toml:"worker"`
	Pipeline  PipelineConfig  `toml:"pipeline"`
	Quota     QuotaConfig     `toml:"quota"`
	Billing   BillingConfig   `toml:"billing"`
	Research  ResearchConfig  `toml:"research"`
	LLM       LLMConfig       `toml:"llm"`
	Artifacts ArtifactsConfig `toml:"artifacts"`
	Notify    NotifyConfig    `toml:"notify"`
	Log       LogConfig       `toml:"log"`
}

type ServerConfig struct {
	Port int `toml:"port"`
	// Secret enables request signing when set.
	Secret string `toml:"secret"`
}

type DatabaseConfig struct {
	Path string `toml:"path"`
}

type WorkerConfig struct {
	Concurrency   int           `toml:"concurrency"`
	PollInterval  time.Duration `toml:"poll_interval"`
	Lease         time.Duration `toml:"lease"`
	MaxDeliveries int           `toml:"max_deliveries"`
	// RecoverOnStart releases leases left by a crashed process. Disable it
	// when several worker processes share one database.
	RecoverOnStart  bool          `toml:"recover_on_start"`
	UsageResetEvery time.Duration `toml:"usage_reset_every"`
}

type PipelineConfig struct {
	ResearchTimeout time.Duration `toml:"research_timeout"`
	DraftTimeout    time.Duration `toml:"draft_timeout"`
	RenderTimeout   time.Duration `toml:"render_timeout"`
	NotifyTimeout   time.Duration `toml:"notify_timeout"`
	MaxAttempts     int           `toml:"max_attempts"`
	BackoffInitial  time.Duration `toml:"backoff_initial"`
	BackoffMax      time.Duration `toml:"backoff_max"`
	Formats         []string      `toml:"formats"`
	PrimaryFormat   string        `toml:"primary_format"`
}

type QuotaConfig struct {
	Free    int `toml:"free"`
	Starter int `toml:"starter"`
}

type BillingConfig struct {
	PaystackCountries []string `toml:"paystack_countries"`
}

type ResearchConfig struct {
	// SearchURL is an HTML search endpoint taking a q parameter. Empty
	// derives research from the queries alone.
	SearchURL         string  `toml:"search_url"`
	ResultSelector    string  `toml:"result_selector"`
	RequestsPerSecond float64 `toml:"requests_per_second"`
	MaxResults        int     `toml:"max_results"`
	UserAgent         string  `toml:"user_agent"`
}

type LLMConfig struct {
	BaseURL           string  `toml:"base_url"`
	APIKey            string  `toml:"api_key"`
	Model             string  `toml:"model"`
	MaxTokens         int     `toml:"max_tokens"`
	Temperature       float64 `toml:"temperature"`
	RequestsPerMinute int     `toml:"requests_per_minute"`
}

type ArtifactsConfig struct {
	Backend string `toml:"backend"`
	Dir     string `toml:"dir"`
	// FrontMatter prefixes Markdown files with a YAML metadata block.
	FrontMatter bool     `toml:"front_matter"`
	S3          S3Config `toml:"s3"`
}

type S3Config struct {
	Bucket          string `toml:"bucket"`
	Prefix          string `toml:"prefix"`
	Region          string `toml:"region"`
	Endpoint        string `toml:"endpoint"`
	Profile         string `toml:"profile"`
	AccessKeyID     string `toml:"access_key_id"`
	SecretAccessKey string `toml:"secret_access_key"`
	ForcePathStyle  bool   `toml:"force_path_style"`
}

type NotifyConfig struct {
	Provider string `toml:"provider"`
	APIKey   string `toml:"api_key"`
	From     string `toml:"from"`
	BaseURL  string `toml:"base_url"`
	AppURL   string `toml:"app_url"`
}

type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// DefaultDBPath returns the default database path using XDG_DATA_HOME.
func DefaultDBPath() string {
	return filepath.Join(dataDir(), "scout", "scout.db")
}

// DefaultArtifactDir returns the default directory for rendered articles.
func DefaultArtifactDir() string {
	return filepath.Join(dataDir(), "scout", "articles")
}

// DefaultConfigPath returns ~/.config/scout/config.toml (XDG_CONFIG_HOME aware).
func DefaultConfigPath() string {
	dir := os.Getenv("XDG_CONFIG_HOME")
	if dir == "" {
		home, _ := os.UserHomeDir()
		dir = filepath.Join(home, ".config")
	}
	return filepath.Join(dir, "scout", "config.toml")
}

func dataDir() string {
	dir := os.Getenv("XDG_DATA_HOME")
	if dir == "" {
		home, _ := os.UserHomeDir()
		dir = filepath.Join(home, ".local", "share")
	}
	return dir
}

// ExpandPath expands a leading ~ to the user's home directory.
func ExpandPath(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		home, _ := os.UserHomeDir()
		return filepath.Join(home, strings.TrimPrefix(path, "~"))
	}
	return path
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Server:   ServerConfig{Port: 8080},
		Database: DatabaseConfig{Path: DefaultDBPath()},
		Worker: WorkerConfig{
			Concurrency:     2,
			PollInterval:    2 * time.Second,
			Lease:           15 * time.Minute,
			MaxDeliveries:   5,
			RecoverOnStart:  true,
			UsageResetEvery: time.Hour,
		},
		Pipeline: PipelineConfig{
			ResearchTimeout: 2 * time.Minute,
			DraftTimeout:    5 * time.Minute,
			RenderTimeout:   time.Minute,
			NotifyTimeout:   30 * time.Second,
			MaxAttempts:     3,
			BackoffInitial:  2 * time.Second,
			BackoffMax:      30 * time.Second,
			Formats:         []string{"markdown", "pdf"},
			PrimaryFormat:   "markdown",
		},
		Quota:   QuotaConfig{Free: 3, Starter: 20},
		Billing: BillingConfig{PaystackCountries: slices.Clone(domain.DefaultPaystackCountries)},
		Research: ResearchConfig{
			SearchURL:         "https://html.duckduckgo.com/html/",
			ResultSelector:    "a.result__a",
			RequestsPerSecond: 1,
			MaxResults:        10,
			UserAgent:         "scout/1.0 (+https://github.com/cwygoda/scout)",
		},
		LLM: LLMConfig{
			BaseURL:           "https://api.openai.com/v1",
			Model:             "gpt-4o-mini",
			MaxTokens:         4000,
			Temperature:       0.7,
			RequestsPerMinute: 20,
		},
		Artifacts: ArtifactsConfig{Backend: "file", Dir: DefaultArtifactDir()},
		Notify: NotifyConfig{
			Provider: "log",
			BaseURL:  "https://api.resend.com",
		},
		Log: LogConfig{Level: "info", Format: "console"},
	}
}

// NewViper returns a viper instance reading SCOUT_* environment variables,
// e.g. SCOUT_SERVER_PORT for server.port. Callers bind command-line flags
// to the same keys.
func NewViper() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix("SCOUT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// Load builds Config from defaults, the TOML file at path, then the
// environment and flags held by v. An empty path reads the default config
// file if it exists.
func Load(path string, v *viper.Viper) (*Config, error) {
	cfg := Default()

	explicit := path != ""
	if !explicit {
		path = DefaultConfigPath()
	}
	path = ExpandPath(path)
	if _, err := os.Stat(path); err == nil {
		md, err := toml.DecodeFile(path, cfg)
		if err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
		if undecoded := md.Undecoded(); len(undecoded) > 0 {
			return nil, fmt.Errorf("%w: unknown keys in %s: %v", ErrInvalidConfig, path, undecoded)
		}
	} else if explicit {
		return nil, fmt.Errorf("read config: %w", err)
	}

	if v != nil {
		overlay(cfg, v)
	}

	cfg.Database.Path = ExpandPath(cfg.Database.Path)
	cfg.Artifacts.Dir = ExpandPath(cfg.Artifacts.Dir)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

type binding struct {
	key   string
	apply func(*Config, *viper.Viper, string)
}

// bindings lists the keys that can be overridden from the environment or
// the command line.
var bindings = []binding{
	{"server.port", func(c *Config, v *viper.Viper, k string) { c.Server.Port = v.GetInt(k) }},
	{"server.secret", func(c *Config, v *viper.Viper, k string) { c.Server.Secret = v.GetString(k) }},
	{"database.path", func(c *Config, v *viper.Viper, k string) { c.Database.Path = v.GetString(k) }},
	{"worker.concurrency", func(c *Config, v *viper.Viper, k string) { c.Worker.Concurrency = v.GetInt(k) }},
	{"worker.poll_interval", func(c *Config, v *viper.Viper, k string) { c.Worker.PollInterval = v.GetDuration(k) }},
	{"worker.lease", func(c *Config, v *viper.Viper, k string) { c.Worker.Lease = v.GetDuration(k) }},
	{"worker.max_deliveries", func(c *Config, v *viper.Viper, k string) { c.Worker.MaxDeliveries = v.GetInt(k) }},
	{"worker.recover_on_start", func(c *Config, v *viper.Viper, k string) { c.Worker.RecoverOnStart = v.GetBool(k) }},
	{"pipeline.max_attempts", func(c *Config, v *viper.Viper, k string) { c.Pipeline.MaxAttempts = v.GetInt(k) }},
	{"pipeline.formats", func(c *Config, v *viper.Viper, k string) { c.Pipeline.Formats = splitList(v.GetString(k)) }},
	{"pipeline.primary_format", func(c *Config, v *viper.Viper, k string) { c.Pipeline.PrimaryFormat = v.GetString(k) }},
	{"quota.free", func(c *Config, v *viper.Viper, k string) { c.Quota.Free = v.GetInt(k) }},
	{"quota.starter", func(c *Config, v *viper.Viper, k string) { c.Quota.Starter = v.GetInt(k) }},
	{"research.search_url", func(c *Config, v *viper.Viper, k string) { c.Research.SearchURL = v.GetString(k) }},
	{"llm.base_url", func(c *Config, v *viper.Viper, k string) { c.LLM.BaseURL = v.GetString(k) }},
	{"llm.api_key", func(c *Config, v *viper.Viper, k string) { c.LLM.APIKey = v.GetString(k) }},
	{"llm.model", func(c *Config, v *viper.Viper, k string) { c.LLM.Model = v.GetString(k) }},
	{"artifacts.backend", func(c *Config, v *viper.Viper, k string) { c.Artifacts.Backend = v.GetString(k) }},
	{"artifacts.dir", func(c *Config, v *viper.Viper, k string) { c.Artifacts.Dir = v.GetString(k) }},
	{"artifacts.front_matter", func(c *Config, v *viper.Viper, k string) { c.Artifacts.FrontMatter = v.GetBool(k) }},
	{"artifacts.s3.bucket", func(c *Config, v *viper.Viper, k string) { c.Artifacts.S3.Bucket = v.GetString(k) }},
	{"artifacts.s3.region", func(c *Config, v *viper.Viper, k string) { c.Artifacts.S3.Region = v.GetString(k) }},
	{"artifacts.s3.endpoint", func(c *Config, v *viper.Viper, k string) { c.Artifacts.S3.Endpoint = v.GetString(k) }},
	{"notify.provider", func(c *Config, v *viper.Viper, k string) { c.Notify.Provider = v.GetString(k) }},
	{"notify.api_key", func(c *Config, v *viper.Viper, k string) { c.Notify.APIKey = v.GetString(k) }},
	{"notify.from", func(c *Config, v *viper.Viper, k string) { c.Notify.From = v.GetString(k) }},
	{"log.level", func(c *Config, v *viper.Viper, k string) { c.Log.Level = v.GetString(k) }},
	{"log.format", func(c *Config, v *viper.Viper, k string) { c.Log.Format = v.GetString(k) }},
}

func overlay(cfg *Config, v *viper.Viper) {
	for _, b := range bindings {
		if v.IsSet(b.key) {
			b.apply(cfg, v, b.key)
		}
	}
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// Validate checks the configuration for values the program cannot run with.
func (c *Config) Validate() error {
	var errs []error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf(format, args...))
		}
	}

	check(c.Server.Port > 0 && c.Server.Port < 65536, "server.port %d out of range", c.Server.Port)
	check(c.Database.Path != "", "database.path is required")
	check(c.Worker.Concurrency >= 1, "worker.concurrency must be at least 1")
	check(c.Worker.PollInterval > 0, "worker.poll_interval must be positive")
	check(c.Worker.Lease > 0, "worker.lease must be positive")
	check(c.Worker.MaxDeliveries >= 1, "worker.max_deliveries must be at least 1")
	check(c.Pipeline.MaxAttempts >= 1, "pipeline.max_attempts must be at least 1")
	check(c.Quota.Free >= 0 && c.Quota.Starter >= 0, "quota limits must not be negative")

	if _, err := c.Formats(); err != nil {
		errs = append(errs, err)
	}
	if _, ok := domain.ParseFormat(c.Pipeline.PrimaryFormat); !ok {
		errs = append(errs, fmt.Errorf("pipeline.primary_format %q unknown", c.Pipeline.PrimaryFormat))
	}

	switch c.Artifacts.Backend {
	case "file":
		check(c.Artifacts.Dir != "", "artifacts.dir is required for the file backend")
	case "s3":
		check(c.Artifacts.S3.Bucket != "", "artifacts.s3.bucket is required for the s3 backend")
	default:
		errs = append(errs, fmt.Errorf("artifacts.backend %q unknown (file|s3)", c.Artifacts.Backend))
	}

	switch c.Notify.Provider {
	case "log", "none":
	case "resend":
		check(c.Notify.APIKey != "", "notify.api_key is required for resend")
		check(c.Notify.From != "", "notify.from is required for resend")
	default:
		errs = append(errs, fmt.Errorf("notify.provider %q unknown (log|resend|none)", c.Notify.Provider))
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, errors.Join(errs...))
	}
	return nil
}

// Formats returns the configured article formats.
func (c *Config) Formats() ([]domain.Format, error) {
	var out []domain.Format
	for _, name := range c.Pipeline.Formats {
		f, ok := domain.ParseFormat(name)
		if !ok {
			return nil, fmt.Errorf("pipeline.formats: unknown format %q", name)
		}
		if !slices.Contains(out, f) {
			out = append(out, f)
		}
	}
	if len(out) == 0 {
		return nil, errors.New("pipeline.formats must list at least one format")
	}
	return out, nil
}

// QuotaPolicy returns the configured tier limits.
func (c *Config) QuotaPolicy() domain.QuotaPolicy {
	return domain.QuotaPolicy{FreeLimit: c.Quota.Free, StarterLimit: c.Quota.Starter}
}
