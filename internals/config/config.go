package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Game      GameConfig      `mapstructure:"game"`
	WebRTC    WebRTCConfig    `mapstructure:"webrtc"`
	Signaling SignalingConfig `mapstructure:"signaling"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	AllowedOrigins  []string      `mapstructure:"allowed_origins"`
}

type GameConfig struct {
	MaxPlayers     int           `mapstructure:"max_players"`
	RoomCodeLength int           `mapstructure:"room_code_length"`
	RoomTTL        time.Duration `mapstructure:"room_ttl"`
	ReaperInterval time.Duration `mapstructure:"reaper_interval"`
	MaxNameLength  int           `mapstructure:"max_name_length"`
}

type WebRTCConfig struct {
	// WorkerCount <= 0 means one worker per CPU core.
	WorkerCount    int         `mapstructure:"worker_count"`
	RTCMinPort     uint16      `mapstructure:"rtc_min_port"`
	PortsPerWorker uint16      `mapstructure:"ports_per_worker"`
	PublicIP       string      `mapstructure:"public_ip"`
	ICEServers     []ICEServer `mapstructure:"ice_servers"`
}

type ICEServer struct {
	URLs       []string `mapstructure:"urls"`
	Username   string   `mapstructure:"username"`
	Credential string   `mapstructure:"credential"`
}

type SignalingConfig struct {
	ReadLimit       int64         `mapstructure:"read_limit"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	PongTimeout     time.Duration `mapstructure:"pong_timeout"`
	PingInterval    time.Duration `mapstructure:"ping_interval"`
	SendBuffer      int           `mapstructure:"send_buffer"`
	RateLimitPerSec float64       `mapstructure:"rate_limit_per_sec"`
	RateLimitBurst  int           `mapstructure:"rate_limit_burst"`
}

type RedisConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Load reads config.yaml if present and lets WHOAMI_* environment variables
// override any key (WHOAMI_SERVER_PORT, WHOAMI_REDIS_ADDR, ...).
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")

	v.SetEnvPrefix("WHOAMI")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "30s")
	v.SetDefault("server.shutdown_timeout", "10s")
	v.SetDefault("server.allowed_origins", []string{"*"})

	v.SetDefault("game.max_players", 8)
	v.SetDefault("game.room_code_length", 4)
	v.SetDefault("game.room_ttl", "24h")
	v.SetDefault("game.reaper_interval", "10m")
	v.SetDefault("game.max_name_length", 64)

	v.SetDefault("webrtc.worker_count", 0)
	v.SetDefault("webrtc.rtc_min_port", 10000)
	v.SetDefault("webrtc.ports_per_worker", 100)
	v.SetDefault("webrtc.public_ip", "")
	v.SetDefault("webrtc.ice_servers", []map[string]interface{}{
		{"urls": []string{"stun:stun.l.google.com:19302"}},
	})

	v.SetDefault("signaling.read_limit", 524288)
	v.SetDefault("signaling.write_timeout", "10s")
	v.SetDefault("signaling.pong_timeout", "60s")
	v.SetDefault("signaling.ping_interval", "54s")
	v.SetDefault("signaling.send_buffer", 256)
	v.SetDefault("signaling.rate_limit_per_sec", 20)
	v.SetDefault("signaling.rate_limit_burst", 40)

	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)

	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.path", "/metrics")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return &cfg, nil
}
