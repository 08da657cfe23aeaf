package config

import (
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

type Config struct {
	Mode       string        `mapstructure:"mode"`
	Port       int           `mapstructure:"port"`
	StaticPath string        `mapstructure:"static_path"`
	ReadLimit  int64         `mapstructure:"read_limit"`
	PingPeriod time.Duration `mapstructure:"ping_period"`
	Secret     string        `mapstructure:"secret"`

	// OwnerToken is the shared secret the authentication collaborator checks
	// before a connection may register with the owner role.
	OwnerToken string `mapstructure:"owner_token"`

	// CallTTL bounds a call session's whole lifetime; ReapInterval is how
	// often the reaper sweeps. Both are fixed at boot. Keep the interval
	// materially shorter than the TTL.
	CallTTL      time.Duration `mapstructure:"call_ttl"`
	ReapInterval time.Duration `mapstructure:"reap_interval"`

	// MsgRateLimit / MsgRateWindow cap inbound signaling messages per
	// connection inside a sliding window.
	MsgRateLimit  int           `mapstructure:"msg_rate_limit"`
	MsgRateWindow time.Duration `mapstructure:"msg_rate_window"`

	// ICEServersJSON is served to clients at /api/webrtc/config. The relay
	// itself never opens a media connection.
	ICEServersJSON string `mapstructure:"ice_servers_json"`
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")

	env := os.Getenv("CONFIG_ENV")
	if env == "" {
		env = "dev"
	}
	fileName := fmt.Sprintf("config/config.%s.yaml", env)

	v.SetConfigFile(fileName)
	v.AddConfigPath(".")
	v.AddConfigPath("./config")

	v.SetDefault("mode", "release")
	v.SetDefault("port", 8080)
	v.SetDefault("static_path", "./web")
	v.SetDefault("read_limit", 32768)
	v.SetDefault("ping_period", "54s")
	v.SetDefault("call_ttl", "1h")
	v.SetDefault("reap_interval", "30s")
	v.SetDefault("msg_rate_limit", 50)
	v.SetDefault("msg_rate_window", "10s")
	v.SetDefault("ice_servers_json", `[{"urls":"stun:stun.l.google.com:19302"}]`)

	if err := v.ReadInConfig(); err != nil {
		log.Warn().Str("module", "config").Str("file", fileName).Msg("config file not found, using defaults")
	} else {
		log.Info().Str("module", "config").Str("file", fileName).Msg("config loaded")
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if cfg.ReapInterval >= cfg.CallTTL {
		return nil, fmt.Errorf("reap_interval %s must be shorter than call_ttl %s", cfg.ReapInterval, cfg.CallTTL)
	}
	return &cfg, nil
}
