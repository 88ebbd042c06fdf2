package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validLocal() Config {
	return Config{
		App:   AppConfig{Env: "local", Port: 8080},
		DB:    DBConfig{Host: "localhost", Port: 5432, User: "postgres", Password: "x", Name: "lobbyx"},
		Redis: RedisConfig{Host: "localhost"},
		Auth:  AuthConfig{JWTSecret: "secret"},
	}
}

func TestValidate_ReportsMissingRequired(t *testing.T) {
	c := Config{}
	err := c.Validate()
	require.Error(t, err)
	for _, want := range []string{"APP_ENV", "APP_PORT", "DB_HOST", "REDIS_HOST", "JWT_SECRET"} {
		assert.Contains(t, err.Error(), want)
	}
}

func TestValidate_ProductionRequiresSSLMode(t *testing.T) {
	c := validLocal()
	c.App.Env = "production"
	c.Auth.JWTIssuer = "lobbyx"
	c.Auth.JWTAudience = "lobbyx-web"
	err := c.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "DB_SSLMODE")
}

func TestValidate_LocalDefaults(t *testing.T) {
	c := validLocal()
	require.NoError(t, c.Validate())

	assert.Equal(t, "disable", c.DB.SSLMode)
	assert.Equal(t, BackendRedis, c.Signaling.Backend)
	assert.Equal(t, BackendPostgres, c.History.Backend)
	assert.Equal(t, 6379, c.Redis.Port)
	assert.Equal(t, 30*time.Second, c.Calls.RingTimeout)
	assert.Equal(t, 30*time.Minute, c.Sessions.IdleTimeout)
	assert.Equal(t, 15*time.Minute, c.Auth.AccessTokenTTL)
}

func TestValidate_SessionIdleTimeout(t *testing.T) {
	c := validLocal()
	c.Sessions.IdleTimeout = -time.Second
	err := c.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "SESSION_IDLE_TIMEOUT")

	// A session must outlive a ringing call.
	c = validLocal()
	c.Calls.RingTimeout = time.Minute
	c.Sessions.IdleTimeout = 30 * time.Second
	err = c.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "SESSION_IDLE_TIMEOUT")
}

func TestValidate_MemoryBackendsSkipStores(t *testing.T) {
	c := Config{
		App:       AppConfig{Env: "dev", Port: 8080},
		Signaling: SignalingConfig{Backend: BackendMemory},
		History:   HistoryConfig{Backend: BackendMemory},
		Auth:      AuthConfig{JWTSecret: "secret"},
	}
	require.NoError(t, c.Validate())

	c.App.Env = "production"
	c.Auth.JWTIssuer, c.Auth.JWTAudience = "i", "a"
	assert.Error(t, c.Validate(), "memory signaling must be rejected in production")
}

func TestValidate_UnknownBackend(t *testing.T) {
	c := validLocal()
	c.Signaling.Backend = "kafka"
	err := c.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "SIGNALING_BACKEND")
}

func TestLoad_FromEnvironment(t *testing.T) {
	t.Setenv("APP_ENV", "local")
	t.Setenv("APP_PORT", "9000")
	t.Setenv("SIGNALING_BACKEND", "Memory")
	t.Setenv("HISTORY_BACKEND", "memory")
	t.Setenv("CALL_RING_TIMEOUT", "45s")
	t.Setenv("SESSION_IDLE_TIMEOUT", "10m")
	t.Setenv("JWT_SECRET", "secret")
	t.Setenv("WS_ALLOWED_ORIGINS", "https://a.example, ,https://b.example")

	c, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 9000, c.App.Port)
	assert.Equal(t, BackendMemory, c.Signaling.Backend)
	assert.Equal(t, 45*time.Second, c.Calls.RingTimeout)
	assert.Equal(t, 10*time.Minute, c.Sessions.IdleTimeout)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, c.WS.AllowedOrigins)
	assert.Equal(t, 4, c.WS.MaxStreamsPerUser)
}

func TestLoad_RejectsBadInteger(t *testing.T) {
	t.Setenv("APP_ENV", "local")
	t.Setenv("APP_PORT", "eighty")
	_, err := Load()
	assert.Error(t, err)
}
