package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Upstream UpstreamConfig `mapstructure:"upstream"`
	Sweeper  SweeperConfig  `mapstructure:"sweeper"`
	Leader   LeaderConfig   `mapstructure:"leader"`
	Instance InstanceConfig `mapstructure:"instance"`
}

type ServerConfig struct {
	Host        string `mapstructure:"host"`
	Port        int    `mapstructure:"port"`
	GatewayPort int    `mapstructure:"gateway_port"`
}

type RedisConfig struct {
	Address  string `mapstructure:"address"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type UpstreamConfig struct {
	URL             string        `mapstructure:"url"`
	Rooms           string        `mapstructure:"rooms"` // comma separated stream ids
	RequestTimeout  time.Duration `mapstructure:"request_timeout"`
	RequestAttempts int           `mapstructure:"request_attempts"`
	ConsumeTimeout  time.Duration `mapstructure:"consume_timeout"`
	ConsumeAttempts int           `mapstructure:"consume_attempts"`
	ResumeAttempts  int           `mapstructure:"resume_attempts"`
}

// RoomList splits the configured room ids.
func (u UpstreamConfig) RoomList() []string {
	if u.Rooms == "" {
		return nil
	}
	parts := strings.Split(u.Rooms, ",")
	rooms := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			rooms = append(rooms, trimmed)
		}
	}
	return rooms
}

type SweeperConfig struct {
	SessionTTL time.Duration `mapstructure:"session_ttl"`
}

type LeaderConfig struct {
	TTL time.Duration `mapstructure:"ttl"`
}

type InstanceConfig struct {
	ID string `mapstructure:"id"`
}

func Load() (*Config, error) {
	// Set default values
	viper.SetDefault("server.port", 8080)
	viper.SetDefault("server.gateway_port", 8081)
	viper.SetDefault("server.host", "0.0.0.0")
	viper.SetDefault("redis.address", "localhost:6379")
	viper.SetDefault("redis.password", "")
	viper.SetDefault("redis.db", 0)
	viper.SetDefault("upstream.url", "ws://localhost:9000/signal")
	viper.SetDefault("upstream.rooms", "")
	viper.SetDefault("upstream.request_timeout", 8*time.Second)
	viper.SetDefault("upstream.request_attempts", 3)
	viper.SetDefault("upstream.consume_timeout", 8*time.Second)
	viper.SetDefault("upstream.consume_attempts", 3)
	viper.SetDefault("upstream.resume_attempts", 3)
	viper.SetDefault("sweeper.session_ttl", 30*time.Minute)
	viper.SetDefault("leader.ttl", 30*time.Second)
	viper.SetDefault("instance.id", "live-service-1")

	// Configuration file settings
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./config")
	viper.AddConfigPath("/etc/flykup-live/")

	// Environment variable support
	viper.AutomaticEnv()

	// Environment variable mappings
	viper.BindEnv("server.port", "SERVER_PORT")
	viper.BindEnv("server.gateway_port", "SERVER_GATEWAY_PORT")
	viper.BindEnv("server.host", "SERVER_HOST")
	viper.BindEnv("redis.address", "REDIS_ADDRESS")
	viper.BindEnv("redis.password", "REDIS_PASSWORD")
	viper.BindEnv("redis.db", "REDIS_DB")
	viper.BindEnv("upstream.url", "UPSTREAM_URL")
	viper.BindEnv("upstream.rooms", "UPSTREAM_ROOMS")
	viper.BindEnv("upstream.request_timeout", "UPSTREAM_REQUEST_TIMEOUT")
	viper.BindEnv("upstream.request_attempts", "UPSTREAM_REQUEST_ATTEMPTS")
	viper.BindEnv("upstream.consume_timeout", "UPSTREAM_CONSUME_TIMEOUT")
	viper.BindEnv("upstream.consume_attempts", "UPSTREAM_CONSUME_ATTEMPTS")
	viper.BindEnv("upstream.resume_attempts", "UPSTREAM_RESUME_ATTEMPTS")
	viper.BindEnv("sweeper.session_ttl", "SWEEPER_SESSION_TTL")
	viper.BindEnv("leader.ttl", "LEADER_TTL")
	viper.BindEnv("instance.id", "INSTANCE_ID")

	// Read configuration file (optional - will use defaults/env vars if not found)
	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
		// Config file not found, continue with defaults and environment variables
	}

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, err
	}

	return &config, nil
}

// LoadFromFile loads configuration from a specific file path
func LoadFromFile(configPath string) (*Config, error) {
	viper.SetConfigFile(configPath)

	if err := viper.ReadInConfig(); err != nil {
		return nil, err
	}

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, err
	}

	return &config, nil
}

// GetConfigString returns a formatted string representation of the config
func (c *Config) GetConfigString() string {
	return fmt.Sprintf(
		"Server: %s:%d, Gateway: %d, Redis: %s, Upstream: %s, Instance: %s",
		c.Server.Host,
		c.Server.Port,
		c.Server.GatewayPort,
		c.Redis.Address,
		c.Upstream.URL,
		c.Instance.ID,
	)
}
