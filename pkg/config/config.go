package config

// Package config provides a reusable loader for gridfabric configuration
// files and environment variables.

import (
	"fmt"
	"time"

	"github.com/spf13/viper"

	"gridfabric-network/pkg/utils"
)

// Config represents the unified configuration for a gridfabric node. It
// mirrors the structure of the YAML files under cmd/config.
type Config struct {
	Network struct {
		ListenAddr     string   `mapstructure:"listen_addr" json:"listen_addr"`
		DiscoveryTag   string   `mapstructure:"discovery_tag" json:"discovery_tag"`
		BootstrapPeers []string `mapstructure:"bootstrap_peers" json:"bootstrap_peers"`
		DeltaTopic     string   `mapstructure:"delta_topic" json:"delta_topic"`
		GridChannel    string   `mapstructure:"grid_channel" json:"grid_channel"`
	} `mapstructure:"network" json:"network"`

	Storage struct {
		DBPath   string `mapstructure:"db_path" json:"db_path"`
		CacheDir string `mapstructure:"cache_dir" json:"cache_dir"`
	} `mapstructure:"storage" json:"storage"`

	Processing struct {
		MaximalNodesCount         int           `mapstructure:"maximal_nodes_count" json:"maximal_nodes_count"`
		ProcessingRoomCapacity    uint32        `mapstructure:"processing_room_capacity" json:"processing_room_capacity"`
		ChannelListRequestTimeout time.Duration `mapstructure:"channel_list_request_timeout" json:"channel_list_request_timeout"`
		NodeCreationTimeout       time.Duration `mapstructure:"node_creation_timeout" json:"node_creation_timeout"`
		ProcessingTimeout         time.Duration `mapstructure:"processing_timeout" json:"processing_timeout"`
		BlockRequestTimeout       time.Duration `mapstructure:"block_request_timeout" json:"block_request_timeout"`
	} `mapstructure:"processing" json:"processing"`

	Logging struct {
		Level string `mapstructure:"level" json:"level"`
		File  string `mapstructure:"file" json:"file"`
	} `mapstructure:"logging" json:"logging"`
}

// AppConfig holds the configuration loaded via Load or LoadFromEnv.
var AppConfig Config

// Load reads configuration files and merges any environment specific
// overrides. The resulting configuration is stored in AppConfig and
// returned. If env is empty, only the default configuration is loaded.
func Load(env string) (*Config, error) {
	viper.SetConfigName("default")
	viper.AddConfigPath("cmd/config")
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
	applyDefaults(&AppConfig)
	return &AppConfig, nil
}

// LoadFromEnv loads configuration using the GRID_ENV environment variable.
func LoadFromEnv() (*Config, error) {
	return Load(utils.EnvOrDefault("GRID_ENV", ""))
}

func applyDefaults(cfg *Config) {
	if cfg.Network.ListenAddr == "" {
		cfg.Network.ListenAddr = "/ip4/0.0.0.0/tcp/33123"
	}
	if cfg.Network.DeltaTopic == "" {
		cfg.Network.DeltaTopic = "gridfabric-deltas"
	}
	if cfg.Network.GridChannel == "" {
		cfg.Network.GridChannel = "gridfabric-grid"
	}
	if cfg.Storage.DBPath == "" {
		cfg.Storage.DBPath = "gridfabric.db"
	}
	if cfg.Processing.MaximalNodesCount <= 0 {
		cfg.Processing.MaximalNodesCount = 1
	}
	if cfg.Processing.ProcessingRoomCapacity == 0 {
		cfg.Processing.ProcessingRoomCapacity = 2
	}
	if cfg.Processing.ChannelListRequestTimeout <= 0 {
		cfg.Processing.ChannelListRequestTimeout = 5 * time.Second
	}
	if cfg.Processing.NodeCreationTimeout <= 0 {
		cfg.Processing.NodeCreationTimeout = 10 * time.Second
	}
	if cfg.Processing.ProcessingTimeout <= 0 {
		cfg.Processing.ProcessingTimeout = 10 * time.Second
	}
	if cfg.Processing.BlockRequestTimeout <= 0 {
		cfg.Processing.BlockRequestTimeout = 10 * time.Second
	}
}
