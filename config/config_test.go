package config

import (
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	t.Parallel()

	vp := viper.New()
	setDefaults(vp)
	cfg := FromViper(vp)

	assert.Equal(t, "8080", cfg.Port)
	assert.False(t, cfg.ReleaseMode)
	assert.Equal(t, 30*time.Minute, cfg.Ingest.SessionTimeout)
	assert.Equal(t, 50, cfg.Ingest.MaxBatchSize)
	assert.Equal(t, 1000, cfg.Ingest.MaxEventsPerSession)
	assert.EqualValues(t, 65536, cfg.Ingest.MaxBodyBytes)
	assert.Equal(t, 200*time.Millisecond, cfg.SlowQuery)
	assert.Equal(t, 5*time.Minute, cfg.Realtime.LiveWindow)
	assert.Equal(t, time.Second, cfg.Mirror.FlushEvery)
	assert.False(t, cfg.ClickHouse.Enabled())
	assert.Empty(t, cfg.TrustedProxies)
	require.NoError(t, cfg.Validate())
}

func TestOverrides(t *testing.T) {
	t.Parallel()

	vp := viper.New()
	setDefaults(vp)
	vp.Set(KeyGinMode, "release")
	vp.Set(KeySessionTimeout, 600)
	vp.Set(KeyCHHost, "clickhouse")
	vp.Set(KeyCHPort, 9000)
	vp.Set(KeyCHDatabase, "analytics")
	vp.Set(KeyProxies, "10.0.0.0/8, 127.0.0.1,")
	cfg := FromViper(vp)

	assert.Equal(t, []string{"10.0.0.0/8", "127.0.0.1"}, cfg.TrustedProxies)

	assert.True(t, cfg.ReleaseMode)
	assert.Equal(t, 10*time.Minute, cfg.Ingest.SessionTimeout)
	assert.True(t, cfg.ClickHouse.Enabled())

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "JWT_SECRET_KEY")
	assert.Contains(t, err.Error(), "VISITOR_SALT")

	cfg.JWTSecret = "s3cret"
	cfg.VisitorSalt = "pepper"
	require.NoError(t, cfg.Validate())

	cfg.Realtime.PurgeWindow = time.Minute
	require.Error(t, cfg.Validate())
}
