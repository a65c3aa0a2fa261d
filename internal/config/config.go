// Package config provides centralized configuration for charseed.
// Values come from built-in defaults, an optional YAML file, .env.local and
// environment variables, in that order of increasing precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"
	_ "time/tzdata"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"

	"github.com/yangwenmai/charseed/internal/diversity"
	"github.com/yangwenmai/charseed/internal/model"
	"github.com/yangwenmai/charseed/internal/source"
)

const (
	defaultTimezone = "UTC"
	configPathEnv   = "CHARSEED_CONFIG"
	envFileName     = ".env.local"
)

// Config holds all configuration values.
type Config struct {
	Database   DatabaseConfig   `yaml:"database"`
	Log        LogConfig        `yaml:"log"`
	Source     SourceConfig     `yaml:"source"`
	Curation   CurationConfig   `yaml:"curation"`
	Diversity  diversity.Config `yaml:"diversity"`
	Generation GenerationConfig `yaml:"generation"`
	Scheduler  SchedulerConfig  `yaml:"scheduler"`
}

// DatabaseConfig selects the asset store.
type DatabaseConfig struct {
	// Driver is "sqlite" or "postgres".
	Driver string `yaml:"driver" validate:"oneof=sqlite postgres"`
	// DSN is a file path for sqlite or a connection string for postgres.
	DSN string `yaml:"dsn" validate:"required"`
}

// LogConfig controls the slog handler.
type LogConfig struct {
	Level  string `yaml:"level" validate:"oneof=debug info warn error"`
	Format string `yaml:"format" validate:"oneof=text json"`
}

// SourceConfig describes the external image platform.
type SourceConfig struct {
	// Platform is "api", "gallery" or "stub".
	Platform          string         `yaml:"platform" validate:"oneof=api gallery stub"`
	BaseURL           string         `yaml:"baseUrl" validate:"required_unless=Platform stub"`
	APIKey            string         `yaml:"apiKey"`
	PageSize          int            `yaml:"pageSize" validate:"min=1,max=500"`
	MaxPages          int            `yaml:"maxPages" validate:"min=1"`
	RequestsPerSecond float64        `yaml:"requestsPerSecond" validate:"gte=0"`
	RequestTimeout    time.Duration  `yaml:"requestTimeout" validate:"gt=0"`
	DailyQuota        int            `yaml:"dailyQuota" validate:"min=1"`
	FetchLimit        int            `yaml:"fetchLimit" validate:"min=1"`
	ResolvePostImage  bool           `yaml:"resolvePostImage"`
	Queries           []source.Query `yaml:"queries" validate:"dive"`
}

// CurationConfig holds curation thresholds and the inference collaborator.
type CurationConfig struct {
	// Provider is "ml", "openai" or "stub".
	Provider            string        `yaml:"provider" validate:"oneof=ml openai stub"`
	Endpoint            string        `yaml:"endpoint" validate:"omitempty,url"`
	APIKey              string        `yaml:"apiKey"`
	Model               string        `yaml:"model"`
	MinScore            float64       `yaml:"minScore" validate:"gte=0,lte=10"`
	AutoApproveScore    float64       `yaml:"autoApproveScore" validate:"gtefield=MinScore,lte=10"`
	RequireManualReview bool          `yaml:"requireManualReview"`
	DuplicateThreshold  float64       `yaml:"duplicateThreshold" validate:"gt=0,lte=1"`
	DuplicateLookback   int           `yaml:"duplicateLookback" validate:"min=1"`
	Concurrency         int           `yaml:"concurrency" validate:"min=1,max=16"`
	CallTimeout         time.Duration `yaml:"callTimeout" validate:"gt=0"`
	CallRetries         int           `yaml:"callRetries" validate:"min=0,max=10"`
	MaxItems            int           `yaml:"maxItems" validate:"min=1"`
}

// UseStubs reports whether the configured provider cannot be reached and the
// deterministic stubs should be used instead.
func (c CurationConfig) UseStubs() bool {
	switch c.Provider {
	case "openai":
		return c.APIKey == ""
	case "ml":
		return c.Endpoint == ""
	default:
		return true
	}
}

// GenerationConfig holds the entry-generation collaborator and batch pacing.
type GenerationConfig struct {
	// Endpoint of the generation service. Empty uses the stub generator.
	Endpoint       string        `yaml:"endpoint" validate:"omitempty,url"`
	APIKey         string        `yaml:"apiKey"`
	ItemTimeout    time.Duration `yaml:"itemTimeout" validate:"gt=0"`
	Retries        int           `yaml:"retries" validate:"min=0,max=10"`
	RetryBaseDelay time.Duration `yaml:"retryBaseDelay" validate:"gte=0"`
	InterItemDelay time.Duration `yaml:"interItemDelay" validate:"gte=0"`
	CostPerEntry   float64       `yaml:"costPerEntry" validate:"gte=0"`
}

// SchedulerConfig defines when curation cycles and batch runs fire.
type SchedulerConfig struct {
	CurationCron string `yaml:"curationCron" validate:"cron"`
	BatchCron    string `yaml:"batchCron" validate:"cron"`
	Timezone     string `yaml:"timezone"`
	BatchSize    int    `yaml:"batchSize" validate:"min=1"`
	// DailyCeiling caps consumption per calendar day. Zero disables the cap.
	DailyCeiling int  `yaml:"dailyCeiling" validate:"gte=0"`
	RunOnStart   bool `yaml:"runOnStart"`

	location *time.Location
}

// Location resolves the scheduler timezone.
func (s SchedulerConfig) Location() *time.Location {
	if s.location != nil {
		return s.location
	}
	return time.UTC
}

// Load builds the configuration and validates it.
func Load() (Config, error) {
	loadEnvFile(envFileName)

	cfg := Default()
	if path := os.Getenv(configPathEnv); path != "" {
		if err := cfg.readFile(path); err != nil {
			return Config{}, err
		}
	}
	cfg.applyEnvOverrides()
	if err := cfg.bindTimezone(); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// readFile overlays a YAML file on cfg. Keys missing from the file keep their
// current values; a diversity target map given for a dimension replaces that
// dimension's defaults.
func (c *Config) readFile(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(raw, c); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnvOverrides() {
	c.Database.Driver = envOr("DATABASE_DRIVER", c.Database.Driver)
	c.Database.DSN = envOr("DATABASE_DSN", c.Database.DSN)
	c.Log.Level = envOr("LOG_LEVEL", c.Log.Level)
	c.Source.APIKey = envOr("SOURCE_API_KEY", c.Source.APIKey)
	c.Source.DailyQuota = envInt("DAILY_SOURCE_QUOTA", c.Source.DailyQuota)
	c.Curation.APIKey = envOr("CURATION_API_KEY", c.Curation.APIKey)
	c.Curation.RequireManualReview = envBool("REQUIRE_MANUAL_REVIEW", c.Curation.RequireManualReview)
	c.Curation.AutoApproveScore = envFloat("AUTO_APPROVE_SCORE", c.Curation.AutoApproveScore)
	c.Curation.MinScore = envFloat("MIN_QUALITY_SCORE", c.Curation.MinScore)
	c.Generation.APIKey = envOr("GENERATION_API_KEY", c.Generation.APIKey)
	c.Scheduler.DailyCeiling = envInt("DAILY_BATCH_CEILING", c.Scheduler.DailyCeiling)
}

func (c *Config) bindTimezone() error {
	tz := c.Scheduler.Timezone
	if tz == "" {
		tz = defaultTimezone
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return fmt.Errorf("scheduler timezone %q: %w", tz, err)
	}
	c.Scheduler.location = loc
	return nil
}

// Validate checks field constraints and the diversity target maps.
func (c Config) Validate() error {
	v := validator.New()
	if err := v.RegisterValidation("cron", validCron); err != nil {
		return err
	}
	if err := v.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return validateTargets(c.Diversity.Targets)
}

func validCron(fl validator.FieldLevel) bool {
	_, err := cron.ParseStandard(fl.Field().String())
	return err == nil
}

func validateTargets(targets diversity.Targets) error {
	var errs []error
	for d, fractions := range targets {
		if !knownDimension(d) {
			errs = append(errs, fmt.Errorf("diversity target for unknown dimension %q", d))
			continue
		}
		var sum float64
		for value, f := range fractions {
			if f < 0 || f > 1 {
				errs = append(errs, fmt.Errorf("diversity target %s.%s = %v, want 0..1", d, value, f))
			}
			sum += f
		}
		if sum > 1.0001 {
			errs = append(errs, fmt.Errorf("diversity targets for %s sum to %.3f, want <= 1", d, sum))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}

func knownDimension(d model.Dimension) bool {
	for _, known := range model.Dimensions {
		if d == known {
			return true
		}
	}
	return false
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Database: DatabaseConfig{Driver: "sqlite", DSN: "charseed.db"},
		Log:      LogConfig{Level: "info", Format: "text"},
		Source: SourceConfig{
			Platform:          "stub",
			PageSize:          50,
			MaxPages:          10,
			RequestsPerSecond: 2,
			RequestTimeout:    30 * time.Second,
			DailyQuota:        1000,
			FetchLimit:        100,
			Queries: []source.Query{
				{Keywords: []string{"original character"}, MinPopularity: 10, SafetyTier: model.TierSFW},
			},
		},
		Curation: CurationConfig{
			Provider:           "stub",
			Model:              "gpt-4o-mini",
			MinScore:           4.0,
			AutoApproveScore:   4.5,
			DuplicateThreshold: 0.9,
			DuplicateLookback:  500,
			Concurrency:        3,
			CallTimeout:        30 * time.Second,
			CallRetries:        2,
			MaxItems:           200,
		},
		Diversity: diversity.DefaultConfig(),
		Generation: GenerationConfig{
			ItemTimeout:    5 * time.Minute,
			Retries:        3,
			RetryBaseDelay: 2 * time.Second,
			InterItemDelay: 3 * time.Second,
		},
		Scheduler: SchedulerConfig{
			CurationCron: "0 3 * * *",
			BatchCron:    "@hourly",
			Timezone:     defaultTimezone,
			BatchSize:    1,
			DailyCeiling: 24,
		},
	}
}

// loadEnvFile loads KEY=VALUE pairs from path into the environment. Variables
// already set take precedence; a missing file is ignored.
func loadEnvFile(path string) {
	_ = godotenv.Load(path)
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func envFloat(key string, fallback float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return fallback
	}
	return f
}

func envBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}
