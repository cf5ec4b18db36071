package config

// Package config provides a reusable loader for daglnode configuration files
// and environment variables. It is versioned so that applications can depend
// on a stable API contract.
//
// Version: v0.2.0

import (
	"fmt"

	"github.com/spf13/viper"

	"github.com/daglnode/daglnode/pkg/utils"
)

// Version is the semantic version of this configuration package.
const Version = "v0.2.0"

// Config represents the unified configuration for a daglnode process.
type Config struct {
	Network struct {
		ListenAddr          string   `mapstructure:"listen_addr" json:"listen_addr"`
		DiscoveryTag        string   `mapstructure:"discovery_tag" json:"discovery_tag"`
		BootstrapPeers      []string `mapstructure:"bootstrap_peers" json:"bootstrap_peers"`
		MaxInboundPeers     int      `mapstructure:"max_inbound_peers" json:"max_inbound_peers"`
		MaxOutboundPeers    int      `mapstructure:"max_outbound_peers" json:"max_outbound_peers"`
		MaxPeersPerResponse int      `mapstructure:"max_peers_per_response" json:"max_peers_per_response"`
		WantNewPeers        bool     `mapstructure:"want_new_peers" json:"want_new_peers"`
	} `mapstructure:"network" json:"network"`

	Store struct {
		DSN            string `mapstructure:"dsn" json:"dsn"`
		MaxConnections int    `mapstructure:"max_connections" json:"max_connections"`
	} `mapstructure:"store" json:"store"`

	Witnesses []string `mapstructure:"witnesses" json:"witnesses"`

	TPSFee struct {
		BaseFee    int64 `mapstructure:"base_fee" json:"base_fee"`
		Interval   int64 `mapstructure:"interval" json:"interval"`
		Multiplier int64 `mapstructure:"multiplier" json:"multiplier"`
	} `mapstructure:"tps_fee" json:"tps_fee"`

	Mode struct {
		Light        bool `mapstructure:"light" json:"light"`
		Faster       bool `mapstructure:"faster" json:"faster"`
		WantNewPeers bool `mapstructure:"want_new_peers" json:"want_new_peers"`
	} `mapstructure:"mode" json:"mode"`

	Admin struct {
		ListenAddr string `mapstructure:"listen_addr" json:"listen_addr"`
	} `mapstructure:"admin" json:"admin"`

	Logging struct {
		Level string `mapstructure:"level" json:"level"`
		File  string `mapstructure:"file" json:"file"`
	} `mapstructure:"logging" json:"logging"`
}

// AppConfig holds the configuration loaded via Load or LoadFromEnv.
var AppConfig Config

// Load reads configuration files and merges any environment specific
// overrides. The resulting configuration is stored in AppConfig and returned.
//
// The function uses the provided environment name to merge additional config
// files. If env is empty, only the default configuration is loaded.
func Load(env string) (*Config, error) {
	viper.SetConfigName("default")
	viper.AddConfigPath("config")
	viper.SetConfigType("yaml")
	if err := viper.ReadInConfig(); err != nil {
		return nil, utils.Wrap(err, "load config")
	}

	if env != "" {
		viper.SetConfigName(env)
		if err := viper.MergeInConfig(); err != nil {
			return nil, utils.Wrap(err, fmt.Sprintf("merge %s config", env))
		}
	}

	viper.AutomaticEnv() // picks up from .env

	if err := viper.Unmarshal(&AppConfig); err != nil {
		return nil, utils.Wrap(err, "unmarshal config")
	}
	return &AppConfig, nil
}

// LoadFromEnv loads configuration using the DAGLNODE_ENV environment variable.
func LoadFromEnv() (*Config, error) {
	return Load(utils.EnvOrDefault("DAGLNODE_ENV", ""))
}
