package config

import (
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/require"
)

func TestLoadAppliesDefaults(t *testing.T) {
	t.Setenv("CLIENTSYNC_JWT_SECRET", "secret")

	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, "clientsync", cfg.ChannelBase)
	require.Equal(t, 50, cfg.MessageWindow)
	require.Equal(t, time.Second, cfg.TypingDebounce)
	require.Equal(t, 3*time.Second, cfg.TypingCeiling)
	require.Equal(t, 5*time.Second, cfg.TypingStaleAfter)
	require.Equal(t, 30*time.Second, cfg.PresenceLeaseTTL)
	require.Equal(t, 15*time.Second, cfg.PresenceReaperInterval)
	require.Equal(t, 30*time.Second, cfg.NotificationsKeepAlive)
	require.Equal(t, ":8080", cfg.HTTPAddress())
	require.False(t, cfg.TracingEnabled)
}

func TestLoadReadsEnvironmentOverrides(t *testing.T) {
	t.Setenv("CLIENTSYNC_JWT_SECRET", "secret")
	t.Setenv("CLIENTSYNC_APP_PORT", ":9090")
	t.Setenv("CLIENTSYNC_REALTIME_CHANNEL_BASE", "staging")
	t.Setenv("CLIENTSYNC_TYPING_CEILING", "2s")
	t.Setenv("CLIENTSYNC_NATS_URL", "nats://localhost:4222")
	t.Setenv("CLIENTSYNC_TRACING_ENABLED", "true")

	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, ":9090", cfg.HTTPAddress())
	require.Equal(t, "staging", cfg.ChannelBase)
	require.Equal(t, 2*time.Second, cfg.TypingCeiling)
	require.Equal(t, "nats://localhost:4222", cfg.NATSURL)
	require.True(t, cfg.TracingEnabled)
}

func TestLoadRejectsInvalidDurations(t *testing.T) {
	v := viper.New()
	v.Set("jwt.secret", "secret")
	v.Set("typing.debounce", "soon")

	_, err := fromViper(v)
	require.ErrorContains(t, err, "typing.debounce")
}

func TestLoadRequiresSecret(t *testing.T) {
	_, err := fromViper(viper.New())
	require.ErrorContains(t, err, "jwt secret")
}

func TestStaleAfterNeverBelowCeiling(t *testing.T) {
	v := viper.New()
	v.Set("jwt.secret", "secret")
	v.Set("typing.ceiling", "4s")
	v.Set("typing.stale_after", "1s")

	cfg, err := fromViper(v)
	require.NoError(t, err)
	require.Equal(t, 4*time.Second, cfg.TypingStaleAfter)
}

func TestReaperIntervalMustFitLease(t *testing.T) {
	v := viper.New()
	v.Set("jwt.secret", "secret")
	v.Set("presence.lease_ttl", "10s")
	v.Set("presence.reaper_interval", "20s")

	_, err := fromViper(v)
	require.ErrorContains(t, err, "reaper interval")
}
