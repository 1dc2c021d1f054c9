// Package config provides application configuration.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all application configuration.
type Config struct {
	Port          string
	DBPath        string
	FunnelPath    string
	CORSOrigins   []string
	OperatorToken string

	// ProcessingTimeout bounds one inbound event after the webhook is acknowledged.
	ProcessingTimeout time.Duration

	WhatsApp WhatsAppConfig
	Dispatch DispatchConfig
	Assets   AssetsConfig
	Media    MediaConfig
	OpenAI   OpenAIConfig
	Redis    RedisConfig
}

// WhatsAppConfig holds Cloud API credentials and webhook secrets.
type WhatsAppConfig struct {
	Token         string
	PhoneNumberID string
	VerifyToken   string
	AppSecret     string
	BaseURL       string
	APIVersion    string
	Timeout       time.Duration
	RatePerSecond float64
	Burst         int
}

// DispatchConfig controls outbound retry and pacing.
type DispatchConfig struct {
	MaxAttempts int
	Backoff     time.Duration
	Pacing      time.Duration
	LinkTTL     time.Duration
}

// AssetsConfig selects where raw media files live.
type AssetsConfig struct {
	Driver        string // "local" or "s3"
	Dir           string
	PublicBaseURL string
	SigningSecret string

	S3Bucket          string
	S3Region          string
	S3Endpoint        string
	S3AccessKeyID     string
	S3SecretAccessKey string
	S3Prefix          string
}

// MediaConfig controls the provider media handle refresher.
type MediaConfig struct {
	RefreshInterval    time.Duration
	MaxAge             time.Duration
	RefreshConcurrency int
}

// OpenAIConfig enables transcription, image description and model classification.
type OpenAIConfig struct {
	APIKey             string
	BaseURL            string
	ChatModel          string
	TranscriptionModel string
	// ClassifierMode is "keyword" or "model".
	ClassifierMode    string
	ClassifierTimeout time.Duration
	DescribeImages    bool
}

// RedisConfig enables the cross-instance per-contact lock.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	LockTTL  time.Duration
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	processingTimeout := getEnvDuration("PROCESSING_TIMEOUT", 2*time.Minute)
	cfg := &Config{
		Port:              getEnv("PORT", "8080"),
		DBPath:            getEnv("DB_PATH", "./data/funnel.db"),
		FunnelPath:        getEnv("FUNNEL_PATH", "./configs/funnel.yaml"),
		CORSOrigins:       getEnvList("CORS_ORIGINS"),
		OperatorToken:     getEnv("OPERATOR_TOKEN", ""),
		ProcessingTimeout: processingTimeout,
		WhatsApp: WhatsAppConfig{
			Token:         getEnv("WHATSAPP_TOKEN", ""),
			PhoneNumberID: getEnv("WHATSAPP_PHONE_NUMBER_ID", ""),
			VerifyToken:   getEnv("WHATSAPP_VERIFY_TOKEN", ""),
			AppSecret:     getEnv("WHATSAPP_APP_SECRET", ""),
			BaseURL:       getEnv("WHATSAPP_BASE_URL", ""),
			APIVersion:    getEnv("WHATSAPP_API_VERSION", "v24.0"),
			Timeout:       getEnvDuration("WHATSAPP_TIMEOUT", 30*time.Second),
			RatePerSecond: getEnvFloat("WHATSAPP_RATE_PER_SECOND", 20),
			Burst:         getEnvInt("WHATSAPP_RATE_BURST", 10),
		},
		Dispatch: DispatchConfig{
			MaxAttempts: getEnvInt("DISPATCH_MAX_ATTEMPTS", 2),
			Backoff:     getEnvDuration("DISPATCH_BACKOFF", 500*time.Millisecond),
			Pacing:      getEnvDuration("DISPATCH_PACING", 200*time.Millisecond),
			LinkTTL:     getEnvDuration("DISPATCH_LINK_TTL", time.Hour),
		},
		Assets: AssetsConfig{
			Driver:            strings.ToLower(getEnv("ASSETS_DRIVER", "local")),
			Dir:               getEnv("ASSETS_DIR", "./data/assets"),
			PublicBaseURL:     getEnv("ASSETS_PUBLIC_URL", ""),
			SigningSecret:     getEnv("ASSETS_SIGNING_SECRET", ""),
			S3Bucket:          getEnv("S3_BUCKET", ""),
			S3Region:          getEnv("S3_REGION", "us-east-1"),
			S3Endpoint:        getEnv("S3_ENDPOINT", ""),
			S3AccessKeyID:     getEnv("S3_ACCESS_KEY_ID", ""),
			S3SecretAccessKey: getEnv("S3_SECRET_ACCESS_KEY", ""),
			S3Prefix:          getEnv("S3_PREFIX", ""),
		},
		Media: MediaConfig{
			RefreshInterval:    getEnvDuration("MEDIA_REFRESH_INTERVAL", 6*time.Hour),
			MaxAge:             getEnvDuration("MEDIA_MAX_AGE", 20*24*time.Hour),
			RefreshConcurrency: getEnvInt("MEDIA_REFRESH_CONCURRENCY", 4),
		},
		OpenAI: OpenAIConfig{
			APIKey:             getEnv("OPENAI_API_KEY", ""),
			BaseURL:            getEnv("OPENAI_BASE_URL", ""),
			ChatModel:          getEnv("OPENAI_CHAT_MODEL", ""),
			TranscriptionModel: getEnv("OPENAI_TRANSCRIPTION_MODEL", ""),
			ClassifierMode:     strings.ToLower(getEnv("CLASSIFIER_MODE", "keyword")),
			ClassifierTimeout:  getEnvDuration("CLASSIFIER_TIMEOUT", 10*time.Second),
			DescribeImages:     getEnvBool("DESCRIBE_IMAGES", false),
		},
		Redis: RedisConfig{
			Addr:     getEnv("REDIS_ADDR", ""),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvInt("REDIS_DB", 0),
			LockTTL:  getEnvDuration("LOCK_TTL", processingTimeout+30*time.Second),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks that all required configuration fields are set.
func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("PORT cannot be empty")
	}
	if c.DBPath == "" {
		return fmt.Errorf("DB_PATH cannot be empty")
	}
	if c.FunnelPath == "" {
		return fmt.Errorf("FUNNEL_PATH cannot be empty")
	}
	if c.WhatsApp.Token == "" {
		return fmt.Errorf("WHATSAPP_TOKEN is required")
	}
	if c.WhatsApp.PhoneNumberID == "" {
		return fmt.Errorf("WHATSAPP_PHONE_NUMBER_ID is required")
	}
	if c.WhatsApp.VerifyToken == "" {
		return fmt.Errorf("WHATSAPP_VERIFY_TOKEN is required")
	}
	if c.ProcessingTimeout <= 0 {
		return fmt.Errorf("PROCESSING_TIMEOUT must be > 0")
	}
	if c.Dispatch.MaxAttempts <= 0 {
		return fmt.Errorf("DISPATCH_MAX_ATTEMPTS must be > 0")
	}
	if c.Dispatch.Pacing < 0 {
		return fmt.Errorf("DISPATCH_PACING cannot be negative")
	}

	switch c.Assets.Driver {
	case "local":
		if c.Assets.Dir == "" {
			return fmt.Errorf("ASSETS_DIR cannot be empty")
		}
		if c.Assets.PublicBaseURL != "" && c.Assets.SigningSecret == "" {
			return fmt.Errorf("ASSETS_SIGNING_SECRET is required when ASSETS_PUBLIC_URL is set")
		}
	case "s3":
		if c.Assets.S3Bucket == "" {
			return fmt.Errorf("S3_BUCKET is required for the s3 assets driver")
		}
	default:
		return fmt.Errorf("ASSETS_DRIVER must be local or s3, got %q", c.Assets.Driver)
	}

	switch c.OpenAI.ClassifierMode {
	case "keyword":
	case "model":
		if c.OpenAI.APIKey == "" {
			return fmt.Errorf("OPENAI_API_KEY is required when CLASSIFIER_MODE=model")
		}
	default:
		return fmt.Errorf("CLASSIFIER_MODE must be keyword or model, got %q", c.OpenAI.ClassifierMode)
	}

	if c.Media.RefreshConcurrency <= 0 {
		return fmt.Errorf("MEDIA_REFRESH_CONCURRENCY must be > 0")
	}
	// The contact lock must outlive the event it guards.
	if c.Redis.Addr != "" && c.Redis.LockTTL <= c.ProcessingTimeout {
		return fmt.Errorf("LOCK_TTL (%s) must exceed PROCESSING_TIMEOUT (%s)", c.Redis.LockTTL, c.ProcessingTimeout)
	}
	return nil
}

// LinkFallbackEnabled reports whether uncached media can be sent by signed link.
func (c *Config) LinkFallbackEnabled() bool {
	return c.Assets.Driver == "s3" || c.Assets.PublicBaseURL != ""
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}

func getEnvInt(key string, fallback int) int {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return n
}

func getEnvFloat(key string, fallback float64) float64 {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
	if err != nil {
		return fallback
	}
	return f
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	d, err := time.ParseDuration(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return d
}

func getEnvList(key string) []string {
	value, ok := os.LookupEnv(key)
	if !ok {
		return nil
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
