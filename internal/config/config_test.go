package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const secret = "0123456789abcdef0123456789abcdef"

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "ekehi.toml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadFile(t *testing.T) {
	path := writeConfig(t, `
[http]
addr = ":9000"
read_timeout = "5s"

[session]
timeout = "45m"

[ledger]
max_daily_earnings = "250.5"
streak_cap = 10
time_zone = "Africa/Lagos"

[auth]
jwt_secret = "`+secret+`"
dev_tokens = true
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":9000", cfg.HTTP.Addr)
	assert.Equal(t, 5*time.Second, cfg.HTTP.ReadTimeout.Duration)
	assert.Equal(t, 15*time.Second, cfg.HTTP.WriteTimeout.Duration)
	assert.Equal(t, 45*time.Minute, cfg.Session.Timeout.Duration)
	assert.True(t, cfg.Ledger.MaxDailyEarnings.Equal(decimal.RequireFromString("250.5")))
	assert.True(t, cfg.Tuning().ManualRatePerDay.Equal(decimal.NewFromInt(2)))
	assert.Equal(t, 10, cfg.Tuning().StreakCap)
	assert.Equal(t, "Africa/Lagos", cfg.Location().String())
	assert.True(t, cfg.Auth.DevTokens)
}

func TestLoadRejectsUnknownKeys(t *testing.T) {
	path := writeConfig(t, `
[auth]
jwt_secret = "`+secret+`"
jwt_secert = "typo"
`)
	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown keys")
}

func TestApplyEnv(t *testing.T) {
	env := map[string]string{
		"EKEHI_HTTP_ADDR":          ":7000",
		"EKEHI_JWT_SECRET":         secret,
		"EKEHI_SESSION_TIMEOUT":    "10m",
		"EKEHI_MAX_DAILY_EARNINGS": "42",
		"EKEHI_DEV_TOKENS":         "true",
	}
	cfg := Default()
	require.NoError(t, cfg.applyEnv(func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	}))
	require.NoError(t, cfg.Validate())
	assert.Equal(t, ":7000", cfg.HTTP.Addr)
	assert.Equal(t, 10*time.Minute, cfg.Session.Timeout.Duration)
	assert.True(t, cfg.Ledger.MaxDailyEarnings.Equal(decimal.NewFromInt(42)))
	assert.True(t, cfg.Auth.DevTokens)
}

func TestApplyEnvBadDuration(t *testing.T) {
	cfg := Default()
	err := cfg.applyEnv(func(k string) (string, bool) {
		if k == "EKEHI_LOCK_TIMEOUT" {
			return "soon", true
		}
		return "", false
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "EKEHI_LOCK_TIMEOUT")
}

func TestValidate(t *testing.T) {
	cfg := Default()
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "jwt_secret")

	cfg.Auth.JWTSecret = secret
	require.NoError(t, cfg.Validate())

	cfg.Session.Backend = SessionSealed
	cfg.Session.SealKey = "abc"
	assert.ErrorContains(t, cfg.Validate(), "seal_key")

	cfg.Session.SealKey = strings.Repeat("ab", 32)
	require.NoError(t, cfg.Validate())
	key, err := cfg.SealKey()
	require.NoError(t, err)
	assert.Len(t, key, 32)

	cfg.Session.Backend = SessionPostgres
	assert.ErrorContains(t, cfg.Validate(), "database.dsn")

	cfg = Default()
	cfg.Auth.JWTSecret = secret
	cfg.Audit.Sink = "kafka"
	assert.ErrorContains(t, cfg.Validate(), "audit.sink")
}

func TestReadSkipsValidation(t *testing.T) {
	path := writeConfig(t, `
[database]
dsn = "postgres://localhost/ekehi"
`)
	cfg, err := Read(path)
	require.NoError(t, err)
	assert.Equal(t, "postgres://localhost/ekehi", cfg.Database.DSN)

	_, err = Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "jwt_secret")
}
