package config

import (
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

// Reconnect controls the session reconnection loop.
type Reconnect struct {
	Enabled     bool `mapstructure:"enabled"`
	MaxAttempts int  `mapstructure:"max_attempts"`
	BaseDelayMs int  `mapstructure:"base_delay_ms"`
}

// Video carries the publish-side video shaping knobs.
type Video struct {
	Bitrate      uint64  `mapstructure:"bitrate"`
	MaxFramerate float64 `mapstructure:"max_framerate"`
}

// Audio carries the publish-side audio shaping knobs.
type Audio struct {
	Bitrate uint64 `mapstructure:"bitrate"`
}

// Compositor mirrors the compositor package's Config.
type Compositor struct {
	Width              int     `mapstructure:"width"`
	Height             int     `mapstructure:"height"`
	Fps                int     `mapstructure:"fps"`
	SendFps            int     `mapstructure:"send_fps"`
	Dpr                float64 `mapstructure:"dpr"`
	Keepalive          bool    `mapstructure:"keepalive"`
	CrossfadeMs        int     `mapstructure:"crossfade_ms"`
	AutoUnlockAudio    bool    `mapstructure:"auto_unlock_audio"`
	DisableSilentAudio bool    `mapstructure:"disable_silent_audio"`
}

type Config struct {
	BroadcastEndpoint   string     `mapstructure:"broadcast_endpoint"`
	PlaybackEndpoint    string     `mapstructure:"playback_endpoint"`
	APIBaseURL          string     `mapstructure:"api_base_url"`
	StatusAddr          string     `mapstructure:"status_addr"`
	ICEServers          []string   `mapstructure:"ice_servers"`
	ConnectionTimeoutMs int        `mapstructure:"connection_timeout_ms"`
	StatsIntervalMs     int        `mapstructure:"stats_interval_ms"`
	Reconnect           Reconnect  `mapstructure:"reconnect"`
	Video               Video      `mapstructure:"video"`
	Audio               Audio      `mapstructure:"audio"`
	Compositor          Compositor `mapstructure:"compositor"`
}

// ConnectionTimeout returns the signaling timeout as a duration.
func (c *Config) ConnectionTimeout() time.Duration {
	return time.Duration(c.ConnectionTimeoutMs) * time.Millisecond
}

// StatsInterval returns the stats polling period, zero when disabled.
func (c *Config) StatsInterval() time.Duration {
	return time.Duration(c.StatsIntervalMs) * time.Millisecond
}

// BaseDelay returns the reconnection base delay as a duration.
func (r Reconnect) BaseDelay() time.Duration {
	return time.Duration(r.BaseDelayMs) * time.Millisecond
}

// Crossfade returns the source transition duration.
func (c Compositor) Crossfade() time.Duration {
	return time.Duration(c.CrossfadeMs) * time.Millisecond
}

// Load reads configuration from the file named by DAYDREAM_CONFIG
// (default config/daydream.yaml), falling back to defaults when the
// file is absent.
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")

	fileName := os.Getenv("DAYDREAM_CONFIG")
	if fileName == "" {
		fileName = "config/daydream.yaml"
	}
	v.SetConfigFile(fileName)

	v.SetDefault("status_addr", ":8080")
	v.SetDefault("ice_servers", []string{"stun:stun.l.google.com:19302"})
	v.SetDefault("connection_timeout_ms", 10000)
	v.SetDefault("stats_interval_ms", 0)

	v.SetDefault("reconnect.enabled", true)
	v.SetDefault("reconnect.max_attempts", 10)
	v.SetDefault("reconnect.base_delay_ms", 1000)

	v.SetDefault("video.bitrate", 2_000_000)
	v.SetDefault("video.max_framerate", 0)
	v.SetDefault("audio.bitrate", 128_000)

	v.SetDefault("compositor.width", 1280)
	v.SetDefault("compositor.height", 720)
	v.SetDefault("compositor.fps", 30)
	v.SetDefault("compositor.send_fps", 30)
	v.SetDefault("compositor.dpr", 1.0)
	v.SetDefault("compositor.keepalive", true)
	v.SetDefault("compositor.crossfade_ms", 500)
	v.SetDefault("compositor.auto_unlock_audio", true)
	v.SetDefault("compositor.disable_silent_audio", false)

	if err := v.ReadInConfig(); err != nil {
		log.Warn().Str("file", fileName).Msg("config file not found, using defaults")
	} else {
		log.Info().Str("file", fileName).Msg("config loaded")
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return &cfg, nil
}
