package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config holds runtime configuration values for the realtime service.
type Config struct {
	AppName     string
	AppEnv      string
	AppPort     string
	DatabaseURL string
	RedisURL    string
	NATSURL     string
	JWTSecret   string

	ChannelBase   string
	MessageWindow int

	TypingDebounce   time.Duration
	TypingCeiling    time.Duration
	TypingStaleAfter time.Duration

	PresenceLeaseTTL       time.Duration
	PresenceReaperInterval time.Duration

	NotificationsKeepAlive time.Duration

	MessageRateLimit  int
	MessageRateWindow time.Duration

	TracingEnabled  bool
	TracingExporter string
	TracingSampler  float64
}

// HTTPAddress returns the address the HTTP server should listen on.
func (c Config) HTTPAddress() string {
	if strings.HasPrefix(c.AppPort, ":") {
		return c.AppPort
	}

	return fmt.Sprintf(":%s", c.AppPort)
}

// Load reads configuration values from environment variables and optional .env file.
func Load() (Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	v.SetEnvPrefix("CLIENTSYNC")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	return fromViper(v)
}

func fromViper(v *viper.Viper) (Config, error) {
	v.SetDefault("app.name", "ClientSync Realtime")
	v.SetDefault("app.env", "development")
	v.SetDefault("app.port", "8080")
	v.SetDefault("realtime.channel_base", "clientsync")
	v.SetDefault("chat.message_window", 50)
	v.SetDefault("chat.rate_limit", 20)
	v.SetDefault("chat.rate_window", "10s")
	v.SetDefault("typing.debounce", "1s")
	v.SetDefault("typing.ceiling", "3s")
	v.SetDefault("typing.stale_after", "5s")
	v.SetDefault("presence.lease_ttl", "30s")
	v.SetDefault("presence.reaper_interval", "15s")
	v.SetDefault("notifications.keepalive", "30s")
	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.exporter", "stdout")
	v.SetDefault("tracing.sampler_ratio", 1.0)

	durations := map[string]*time.Duration{}
	cfg := Config{
		AppName:          v.GetString("app.name"),
		AppEnv:           v.GetString("app.env"),
		AppPort:          v.GetString("app.port"),
		DatabaseURL:      v.GetString("database.url"),
		RedisURL:         v.GetString("redis.url"),
		NATSURL:          v.GetString("nats.url"),
		JWTSecret:        v.GetString("jwt.secret"),
		ChannelBase:      strings.TrimSpace(v.GetString("realtime.channel_base")),
		MessageWindow:    v.GetInt("chat.message_window"),
		MessageRateLimit: v.GetInt("chat.rate_limit"),
		TracingEnabled:   v.GetBool("tracing.enabled"),
		TracingExporter:  strings.ToLower(v.GetString("tracing.exporter")),
		TracingSampler:   v.GetFloat64("tracing.sampler_ratio"),
	}
	durations["chat.rate_window"] = &cfg.MessageRateWindow
	durations["typing.debounce"] = &cfg.TypingDebounce
	durations["typing.ceiling"] = &cfg.TypingCeiling
	durations["typing.stale_after"] = &cfg.TypingStaleAfter
	durations["presence.lease_ttl"] = &cfg.PresenceLeaseTTL
	durations["presence.reaper_interval"] = &cfg.PresenceReaperInterval
	durations["notifications.keepalive"] = &cfg.NotificationsKeepAlive

	for key, target := range durations {
		parsed, err := time.ParseDuration(v.GetString(key))
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s: %w", key, err)
		}
		if parsed <= 0 {
			return Config{}, fmt.Errorf("invalid %s: must be positive", key)
		}
		*target = parsed
	}

	if cfg.JWTSecret == "" {
		return Config{}, fmt.Errorf("jwt secret must be provided")
	}
	if cfg.ChannelBase == "" {
		cfg.ChannelBase = "clientsync"
	}
	if cfg.MessageWindow <= 0 {
		cfg.MessageWindow = 50
	}
	if cfg.MessageRateLimit <= 0 {
		cfg.MessageRateLimit = 20
	}
	if cfg.TypingStaleAfter < cfg.TypingCeiling {
		cfg.TypingStaleAfter = cfg.TypingCeiling
	}
	if cfg.PresenceReaperInterval > cfg.PresenceLeaseTTL {
		return Config{}, fmt.Errorf("presence reaper interval %s exceeds lease ttl %s", cfg.PresenceReaperInterval, cfg.PresenceLeaseTTL)
	}

	return cfg, nil
}
