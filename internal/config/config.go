// Package config handles configuration parsing and validation.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gatekeeper/internal/abuse"
)

// Counter store backends.
const (
	BackendMemory   = "memory"
	BackendRedis    = "redis"
	BackendDynamoDB = "dynamodb"
)

// Audit backends.
const (
	AuditNone   = "none"
	AuditMemory = "memory"
	AuditS3     = "s3"
)

// Config holds all configuration for the preflight service.
type Config struct {
	// Server settings
	Port            int
	LogLevel        string
	RequestMaxBytes int

	// Counter store
	CounterBackend string
	RedisURL       string
	DynamoDBTable  string
	AWSRegion      string

	// Audit
	AuditBackend string
	S3Bucket     string
	S3Prefix     string

	// Moderation endpoint (OpenAI-compatible /moderations)
	ModerationBaseURL string
	ModerationAPIKey  string
	ModerationModel   string

	// Content analysis endpoint (OpenAI-compatible /chat/completions)
	AnalysisBaseURL string
	AnalysisAPIKey  string
	AnalysisModel   string

	LLMTimeout time.Duration

	// API keys
	ClientAPIKey string
	AdminAPIKey  string

	// Policy and presentation
	EnforceDenyList  bool
	PolicyFile       string
	ErrorDisplayFile string

	// Abuse mitigation
	Abuse abuse.Config
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Port:            8080,
		LogLevel:        "info",
		RequestMaxBytes: 1 << 20, // 1MB
		CounterBackend:  BackendMemory,
		AWSRegion:       "us-east-1",
		AuditBackend:    AuditNone,
		S3Prefix:        "gatekeeper",
		ModerationModel: "omni-moderation-latest",
		AnalysisModel:   "gpt-4o-mini",
		LLMTimeout:      10 * time.Second,
		Abuse:           abuse.DefaultConfig(),
	}
}

// LoadFromEnv loads configuration from environment variables.
func LoadFromEnv() (*Config, error) {
	cfg := DefaultConfig()

	if v := os.Getenv("PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("invalid PORT: %w", err)
		}
		cfg.Port = port
	}

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}

	if v := os.Getenv("REQUEST_MAX_BYTES"); v != "" {
		maxBytes, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("invalid REQUEST_MAX_BYTES: %w", err)
		}
		cfg.RequestMaxBytes = maxBytes
	}

	stringVars := map[string]*string{
		"COUNTER_BACKEND":     &cfg.CounterBackend,
		"REDIS_URL":           &cfg.RedisURL,
		"DYNAMODB_TABLE":      &cfg.DynamoDBTable,
		"AWS_REGION":          &cfg.AWSRegion,
		"AUDIT_BACKEND":       &cfg.AuditBackend,
		"S3_BUCKET":           &cfg.S3Bucket,
		"S3_PREFIX":           &cfg.S3Prefix,
		"MODERATION_BASE_URL": &cfg.ModerationBaseURL,
		"MODERATION_API_KEY":  &cfg.ModerationAPIKey,
		"MODERATION_MODEL":    &cfg.ModerationModel,
		"ANALYSIS_BASE_URL":   &cfg.AnalysisBaseURL,
		"ANALYSIS_API_KEY":    &cfg.AnalysisAPIKey,
		"ANALYSIS_MODEL":      &cfg.AnalysisModel,
		"CLIENT_API_KEY":      &cfg.ClientAPIKey,
		"ADMIN_API_KEY":       &cfg.AdminAPIKey,
		"POLICY_FILE":         &cfg.PolicyFile,
		"ERROR_DISPLAY_FILE":  &cfg.ErrorDisplayFile,
	}
	for name, dst := range stringVars {
		if v := os.Getenv(name); v != "" {
			*dst = v
		}
	}

	if v := os.Getenv("LLM_TIMEOUT_MS"); v != "" {
		timeout, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("invalid LLM_TIMEOUT_MS: %w", err)
		}
		cfg.LLMTimeout = time.Duration(timeout) * time.Millisecond
	}

	if v := os.Getenv("ENFORCE_DENYLIST"); v != "" {
		cfg.EnforceDenyList = v == "true" || v == "1"
	}

	if err := loadAbuseFromEnv(&cfg.Abuse); err != nil {
		return nil, err
	}

	return cfg, cfg.Validate()
}

func loadAbuseFromEnv(a *abuse.Config) error {
	ints := []struct {
		name string
		dst  *int64
	}{
		{"WARNING_LIMIT", &a.WarningLimit},
		{"TIMEOUT_LIMIT", &a.TimeoutLimit},
	}
	for _, e := range ints {
		if v := os.Getenv(e.name); v != "" {
			n, err := strconv.ParseInt(v, 10, 64)
			if err != nil {
				return fmt.Errorf("invalid %s: %w", e.name, err)
			}
			*e.dst = n
		}
	}

	durations := []struct {
		name string
		unit time.Duration
		dst  *time.Duration
	}{
		{"WARNING_WINDOW_MINUTES", time.Minute, &a.WarningWindow},
		{"TIMEOUT_WINDOW_HOURS", time.Hour, &a.TimeoutWindow},
		{"BASE_TIMEOUT_MINUTES", time.Minute, &a.BaseTimeout},
		{"MAX_TIMEOUT_MINUTES", time.Minute, &a.MaxTimeout},
	}
	for _, e := range durations {
		if v := os.Getenv(e.name); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				return fmt.Errorf("invalid %s: %w", e.name, err)
			}
			*e.dst = time.Duration(n) * e.unit
		}
	}
	return nil
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("port must be between 1 and 65535")
	}

	if c.RequestMaxBytes < 1024 {
		return fmt.Errorf("REQUEST_MAX_BYTES must be at least 1024")
	}

	validLogLevels := map[string]bool{
		"debug": true, "info": true, "warn": true, "error": true,
	}
	if !validLogLevels[c.LogLevel] {
		return fmt.Errorf("LOG_LEVEL must be one of: debug, info, warn, error")
	}

	switch c.CounterBackend {
	case BackendMemory:
	case BackendRedis:
		if c.RedisURL == "" {
			return fmt.Errorf("REDIS_URL is required when COUNTER_BACKEND=redis")
		}
	case BackendDynamoDB:
		if c.DynamoDBTable == "" {
			return fmt.Errorf("DYNAMODB_TABLE is required when COUNTER_BACKEND=dynamodb")
		}
	default:
		return fmt.Errorf("COUNTER_BACKEND must be one of: memory, redis, dynamodb")
	}

	switch c.AuditBackend {
	case AuditNone, AuditMemory:
	case AuditS3:
		if c.S3Bucket == "" {
			return fmt.Errorf("S3_BUCKET is required when AUDIT_BACKEND=s3")
		}
	default:
		return fmt.Errorf("AUDIT_BACKEND must be one of: none, memory, s3")
	}

	if c.LLMTimeout <= 0 {
		return fmt.Errorf("LLM_TIMEOUT_MS must be positive")
	}

	if err := c.Abuse.Validate(); err != nil {
		return fmt.Errorf("abuse config: %w", err)
	}

	return nil
}

// ModerationEnabled reports whether a moderation endpoint is configured.
func (c *Config) ModerationEnabled() bool {
	return c.ModerationBaseURL != ""
}

// AnalysisEnabled reports whether a content analysis endpoint is configured.
func (c *Config) AnalysisEnabled() bool {
	return c.AnalysisBaseURL != ""
}
