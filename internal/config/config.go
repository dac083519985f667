// Package config loads the library's runtime configuration: a
// package-global Conf populated by viper, with fsnotify-driven hot
// reload.
package config

import (
	"fmt"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// Conf is the active configuration. Populated by Init/InitFromFile.
var Conf = Default()

type AppConfig struct {
	Token   string `mapstructure:"token"`
	AuthType string `mapstructure:"auth_type"` // "Bot" or "Bearer"

	*LogConfig     `mapstructure:"log"`
	*GatewayConfig `mapstructure:"gateway"`
	*RestConfig    `mapstructure:"rest"`
	*BucketConfig  `mapstructure:"bucket"`
	*PoolConfig    `mapstructure:"pool"`
	*CircuitConfig `mapstructure:"circuit"`
	*AuditConfig   `mapstructure:"audit"`
	*AdminConfig   `mapstructure:"admin"`
}

type LogConfig struct {
	Level      string `mapstructure:"level"`
	Filename   string `mapstructure:"filename"`
	MaxSize    int    `mapstructure:"max_size"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAge     int    `mapstructure:"max_age"`
	Console    bool   `mapstructure:"console"`
}

type GatewayConfig struct {
	URL                string `mapstructure:"url"`
	Intents            int64  `mapstructure:"intents"`
	ShardID            int    `mapstructure:"shard_id"`
	ShardCount         int    `mapstructure:"shard_count"`
	Compress           bool   `mapstructure:"compress"`
	LargeThreshold     int    `mapstructure:"large_threshold"`
	CommandsPerMinute  int    `mapstructure:"commands_per_minute"`
	OutboundQueueSize  int    `mapstructure:"outbound_queue_size"`
}

type RestConfig struct {
	BaseURL        string `mapstructure:"base_url"`
	UserAgent      string `mapstructure:"user_agent"`
	MaxRedirects   int    `mapstructure:"max_redirects"`
	DefaultRetries int    `mapstructure:"default_retries"`
}

type BucketConfig struct {
	MaxQueueSize   int     `mapstructure:"max_queue_size"`
	DropOnLimit    bool    `mapstructure:"drop_on_limit"`
	JitterFactor   float64 `mapstructure:"jitter_factor"`
	BurstCapacity  int     `mapstructure:"burst_capacity"`
	DistributedKey string  `mapstructure:"distributed_key_prefix"`
}

type PoolConfig struct {
	MaxConnections      int `mapstructure:"max_connections"`
	MaxIdleTimeSeconds  int `mapstructure:"max_idle_time_seconds"`
	HealthCheckSeconds  int `mapstructure:"health_check_seconds"`
	KeepaliveSeconds    int `mapstructure:"keepalive_seconds"`
	LoadBalanceStrategy string `mapstructure:"load_balance_strategy"`
}

type CircuitConfig struct {
	FailureThreshold   int `mapstructure:"failure_threshold"`
	SuccessThreshold   int `mapstructure:"success_threshold"`
	OpenTimeoutSeconds int `mapstructure:"open_timeout_seconds"`
	HalfOpenMaxProbes  int `mapstructure:"half_open_max_probes"`
}

type AuditConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	DSN      string `mapstructure:"dsn"`
	MaxOpen  int    `mapstructure:"max_open_conns"`
	MaxIdle  int    `mapstructure:"max_idle_conns"`
}

type AdminConfig struct {
	Addr    string `mapstructure:"addr"`
	Enabled bool   `mapstructure:"enabled"`
}

// Default returns an AppConfig with sane library defaults, matching what a
// caller gets if they never configure anything.
func Default() *AppConfig {
	return &AppConfig{
		AuthType: "Bot",
		LogConfig: &LogConfig{
			Level:   "info",
			Console: true,
		},
		GatewayConfig: &GatewayConfig{
			URL:               "wss://gateway.discord.gg",
			LargeThreshold:    50,
			CommandsPerMinute: 120,
			OutboundQueueSize: 256,
		},
		RestConfig: &RestConfig{
			BaseURL:        "https://discord.com/api/v10",
			UserAgent:      "DiscordBot (https://github.com/gocord/gocord, 0.1.0)",
			MaxRedirects:   5,
			DefaultRetries: 3,
		},
		BucketConfig: &BucketConfig{
			MaxQueueSize:   1000,
			JitterFactor:   0.2,
			BurstCapacity:  2,
			DistributedKey: "gocord:bucket:",
		},
		PoolConfig: &PoolConfig{
			MaxConnections:      10,
			MaxIdleTimeSeconds:  90,
			HealthCheckSeconds:  30,
			KeepaliveSeconds:    60,
			LoadBalanceStrategy: "round_robin",
		},
		CircuitConfig: &CircuitConfig{
			FailureThreshold:   5,
			SuccessThreshold:   3,
			OpenTimeoutSeconds: 30,
			HalfOpenMaxProbes:  1,
		},
		AuditConfig: &AuditConfig{},
		AdminConfig: &AdminConfig{},
	}
}

// Init loads config.yaml from the working directory and watches it for
// changes.
func Init() error {
	return InitFromFile("")
}

// InitFromFile loads configPath (or "config.yaml" in "." when empty) and
// wires hot reload via fsnotify.
func InitFromFile(configPath string) error {
	if configPath != "" {
		viper.SetConfigFile(configPath)
	} else {
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(".")
	}

	if err := viper.ReadInConfig(); err != nil {
		return fmt.Errorf("config: read failed: %w", err)
	}

	next := Default()
	if err := viper.Unmarshal(next); err != nil {
		return fmt.Errorf("config: unmarshal failed: %w", err)
	}
	Conf = next

	viper.WatchConfig()
	viper.OnConfigChange(func(in fsnotify.Event) {
		reloaded := Default()
		if err := viper.Unmarshal(reloaded); err != nil {
			fmt.Printf("config: hot reload unmarshal failed, err:%v\n", err)
			return
		}
		Conf = reloaded
	})
	return nil
}
