package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setRequiredEnv(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://localhost/payments")
	t.Setenv("JWT_SECRET", "test-jwt-secret")
	t.Setenv("ESEWA_SECRET_KEY", "s3cr3t")
}

func TestLoad_Defaults(t *testing.T) {
	setRequiredEnv(t)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.Server.Port)
	assert.Equal(t, StoreBackendMemory, cfg.Webhook.StoreBackend)
	assert.Equal(t, 5*time.Minute, cfg.Webhook.FreshnessWindow)
	assert.Equal(t, 24*time.Hour, cfg.Webhook.ReplayRetention)
	assert.Equal(t, 24*time.Hour, cfg.Webhook.IdempotencyRetention)
	assert.Equal(t, 50000.0, cfg.Fraud.LargeAmount)
	assert.Equal(t, []string{"127.0.0.1", "0.0.0.0"}, cfg.Fraud.SuspiciousIPs)
	assert.True(t, cfg.Audit.Enabled)
	assert.Empty(t, cfg.Server.TrustedProxies)
}

func TestLoad_Overrides(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("STORE_BACKEND", "Redis")
	t.Setenv("FRAUD_SUSPICIOUS_IPS", " 10.0.0.1 , ,203.0.113.9")
	t.Setenv("FRAUD_LARGE_AMOUNT", "75000.5")
	t.Setenv("ORDER_LOOKUP_TIMEOUT_MS", "250")
	t.Setenv("TRUSTED_PROXIES", "10.0.0.0/8, 192.168.1.1")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, StoreBackendRedis, cfg.Webhook.StoreBackend)
	assert.Equal(t, []string{"10.0.0.1", "203.0.113.9"}, cfg.Fraud.SuspiciousIPs)
	assert.Equal(t, 75000.5, cfg.Fraud.LargeAmount)
	assert.Equal(t, 250*time.Millisecond, cfg.Webhook.OrderLookupTimeout)
	assert.Equal(t, []string{"10.0.0.0/8", "192.168.1.1"}, cfg.Server.TrustedProxies)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		env     map[string]string
		wantErr string
	}{
		{
			name:    "missing database url",
			env:     map[string]string{"DATABASE_URL": ""},
			wantErr: "DATABASE_URL is required",
		},
		{
			name:    "no gateway secret",
			env:     map[string]string{"ESEWA_SECRET_KEY": ""},
			wantErr: "ESEWA_SECRET_KEY or KHALTI_SECRET_KEY",
		},
		{
			name:    "unknown backend",
			env:     map[string]string{"STORE_BACKEND": "etcd"},
			wantErr: "invalid STORE_BACKEND",
		},
		{
			name:    "replay retention shorter than freshness window",
			env:     map[string]string{"REPLAY_RETENTION_HOURS": "0"},
			wantErr: "REPLAY_RETENTION_HOURS",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			setRequiredEnv(t)
			for k, v := range tt.env {
				t.Setenv(k, v)
			}

			_, err := Load()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}
