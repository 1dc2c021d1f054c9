package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func setRequired(t *testing.T) {
	t.Helper()
	t.Setenv("WHATSAPP_TOKEN", "token")
	t.Setenv("WHATSAPP_PHONE_NUMBER_ID", "1234")
	t.Setenv("WHATSAPP_VERIFY_TOKEN", "verify")
}

func TestLoadDefaults(t *testing.T) {
	setRequired(t)

	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, "8080", cfg.Port)
	require.Equal(t, "./configs/funnel.yaml", cfg.FunnelPath)
	require.Equal(t, 2, cfg.Dispatch.MaxAttempts)
	require.Equal(t, 200*time.Millisecond, cfg.Dispatch.Pacing)
	require.Equal(t, "local", cfg.Assets.Driver)
	require.Equal(t, "keyword", cfg.OpenAI.ClassifierMode)
	require.Equal(t, "v24.0", cfg.WhatsApp.APIVersion)
	require.False(t, cfg.LinkFallbackEnabled())
	require.Greater(t, cfg.Redis.LockTTL, cfg.ProcessingTimeout)
}

func TestLockTTLFollowsProcessingTimeout(t *testing.T) {
	setRequired(t)
	t.Setenv("PROCESSING_TIMEOUT", "5m")
	t.Setenv("REDIS_ADDR", "localhost:6379")

	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, 5*time.Minute+30*time.Second, cfg.Redis.LockTTL)
}

func TestLoadOverrides(t *testing.T) {
	setRequired(t)
	t.Setenv("DISPATCH_PACING", "350ms")
	t.Setenv("CORS_ORIGINS", "https://ops.example.com, http://localhost:5173,")
	t.Setenv("DESCRIBE_IMAGES", "yes")
	t.Setenv("WHATSAPP_RATE_PER_SECOND", "5.5")
	t.Setenv("ASSETS_DRIVER", "S3")
	t.Setenv("S3_BUCKET", "funnel-media")

	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, 350*time.Millisecond, cfg.Dispatch.Pacing)
	require.Equal(t, []string{"https://ops.example.com", "http://localhost:5173"}, cfg.CORSOrigins)
	require.True(t, cfg.OpenAI.DescribeImages)
	require.InDelta(t, 5.5, cfg.WhatsApp.RatePerSecond, 0.001)
	require.Equal(t, "s3", cfg.Assets.Driver)
	require.True(t, cfg.LinkFallbackEnabled())
}

func TestLoadIgnoresMalformedValues(t *testing.T) {
	setRequired(t)
	t.Setenv("DISPATCH_BACKOFF", "soon")
	t.Setenv("REDIS_DB", "two")

	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, 500*time.Millisecond, cfg.Dispatch.Backoff)
	require.Zero(t, cfg.Redis.DB)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
	}{
		{"missing token", map[string]string{"WHATSAPP_TOKEN": ""}},
		{"bad driver", map[string]string{"ASSETS_DRIVER": "ftp"}},
		{"s3 without bucket", map[string]string{"ASSETS_DRIVER": "s3"}},
		{"public url without secret", map[string]string{"ASSETS_PUBLIC_URL": "https://relay.example.com/assets"}},
		{"model without key", map[string]string{"CLASSIFIER_MODE": "model"}},
		{"zero attempts", map[string]string{"DISPATCH_MAX_ATTEMPTS": "0"}},
		{"lock ttl below timeout", map[string]string{"REDIS_ADDR": "localhost:6379", "LOCK_TTL": "2m", "PROCESSING_TIMEOUT": "2m"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			setRequired(t)
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := Load()
			require.Error(t, err)
		})
	}
}
