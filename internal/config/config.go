package config

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/viper"
)

// Client configures the stage participant side.
type Client struct {
	SignalingURL         string        `mapstructure:"signaling_url"`
	StunServers          []string      `mapstructure:"stun_servers"`
	JoinTimeout          time.Duration `mapstructure:"join_timeout"`
	NegotiationTimeout   time.Duration `mapstructure:"negotiation_timeout"`
	DisconnectGrace      time.Duration `mapstructure:"disconnect_grace"`
	MaxReconnectAttempts int           `mapstructure:"max_reconnect_attempts"`
	ReconnectBackoff     time.Duration `mapstructure:"reconnect_backoff"`
	QualityInterval      time.Duration `mapstructure:"quality_interval"`
}

// Relay configures the development signaling relay.
type Relay struct {
	Mode       string        `mapstructure:"mode"`
	Port       int           `mapstructure:"port"`
	Secret     string        `mapstructure:"secret"`
	ReadLimit  int64         `mapstructure:"read_limit"`
	PingPeriod time.Duration `mapstructure:"ping_period"`
	JoinLimit  int           `mapstructure:"join_limit"`
	JoinWindow time.Duration `mapstructure:"join_window"`
}

type Config struct {
	Client Client `mapstructure:"client"`
	Relay  Relay  `mapstructure:"relay"`
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

	v.SetDefault("client.signaling_url", "ws://localhost:8080/api/ws/signal")
	v.SetDefault("client.stun_servers", []string{"stun:stun.l.google.com:19302"})
	v.SetDefault("client.join_timeout", "15s")
	v.SetDefault("client.negotiation_timeout", "30s")
	v.SetDefault("client.disconnect_grace", "10s")
	v.SetDefault("client.max_reconnect_attempts", 5)
	v.SetDefault("client.reconnect_backoff", "1s")
	v.SetDefault("client.quality_interval", "5s")

	v.SetDefault("relay.mode", "release")
	v.SetDefault("relay.port", 8080)
	v.SetDefault("relay.read_limit", 32768)
	v.SetDefault("relay.ping_period", "54s")
	v.SetDefault("relay.join_limit", 10)
	v.SetDefault("relay.join_window", "1m")

	if err := v.ReadInConfig(); err != nil {
		fmt.Printf("config file not found (%s), using defaults\n", fileName)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return &cfg, nil
}
