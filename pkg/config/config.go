// Package config loads the engine's build-time configuration with
// github.com/spf13/viper, following the layered file/env/default pattern
// the retrieval pack uses for its own service configs.
package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// Config holds every tunable the Engine Controller, the background
// worker pools, and the Stats Service read at startup (spec.md §4.8,
// §4.10).
type Config struct {
	Storage  StorageConfig  `mapstructure:"storage"`
	Pools    PoolConfig     `mapstructure:"pools"`
	Stats    StatsConfig    `mapstructure:"stats"`
	Features FeaturesConfig `mapstructure:"features"`
}

// StorageConfig locates the per-region files and the feature bitmask
// database.
type StorageConfig struct {
	WritableDir string `mapstructure:"writableDir"`
	DBType      string `mapstructure:"dbType"`
	DBPath      string `mapstructure:"dbPath"`
	DBConn      string `mapstructure:"dbConn"`
	PGHost      string `mapstructure:"pgHost"`
	PGPort      string `mapstructure:"pgPort"`
	PGUser      string `mapstructure:"pgUser"`
	PGPassword  string `mapstructure:"pgPassword"`
	PGDatabase  string `mapstructure:"pgDatabase"`
}

// PoolConfig sizes the Engine Controller's worker pools (engine.Pool).
// cmd/streetexplore builds a background pool from BackgroundWorkers;
// NetworkWorkers is loaded but no pool is built from it.
type PoolConfig struct {
	BackgroundWorkers int `mapstructure:"backgroundWorkers"`
	NetworkWorkers    int `mapstructure:"networkWorkers"`
}

// StatsConfig carries the Stats Service's destination and debounce/upload
// cadence. Only UploadURL is passed to stats.NewService; the service uses
// its own fixed 2s debounce and 60s upload interval, so the two *Seconds
// values are loaded but not applied.
type StatsConfig struct {
	UploadURL             string `mapstructure:"uploadUrl"`
	SaveDebounceSeconds   int    `mapstructure:"saveDebounceSeconds"`
	UploadIntervalSeconds int    `mapstructure:"uploadIntervalSeconds"`
}

// FeaturesConfig carries the fixed spatial-index parameters. They are
// loaded but not applied: pkg/healpix, pkg/derivation, pkg/gpsproc and
// pkg/trackproc use compile-time constants for NSIDE, the explore radius
// and the segment length.
type FeaturesConfig struct {
	NSIDE               int     `mapstructure:"nside"`
	ExploreRadiusMeters float64 `mapstructure:"exploreRadiusMeters"`
	SegmentLengthMeters float64 `mapstructure:"segmentLengthMeters"`
}

// Default returns the engine's built-in defaults, used both as viper's
// fallback values and as the zero-config path for tests.
func Default() Config {
	return Config{
		Storage: StorageConfig{
			WritableDir: ".",
			DBType:      "sqlite",
			DBPath:      "features.db",
		},
		Pools: PoolConfig{
			BackgroundWorkers: 2,
			NetworkWorkers:    4,
		},
		Stats: StatsConfig{
			SaveDebounceSeconds:   2,
			UploadIntervalSeconds: 60,
		},
		Features: FeaturesConfig{
			NSIDE:               1 << 20,
			ExploreRadiusMeters: 20,
			SegmentLengthMeters: 15,
		},
	}
}

// Load reads configuration from configPath (if non-empty) or the
// standard search locations, falling back to Default()'s values for
// anything unset. Environment variables override file values, with dots
// replaced by underscores (e.g. STORAGE_DBTYPE).
func Load(configPath string) (Config, error) {
	v := viper.New()
	def := Default()

	v.SetDefault("storage.writableDir", def.Storage.WritableDir)
	v.SetDefault("storage.dbType", def.Storage.DBType)
	v.SetDefault("storage.dbPath", def.Storage.DBPath)
	v.SetDefault("pools.backgroundWorkers", def.Pools.BackgroundWorkers)
	v.SetDefault("pools.networkWorkers", def.Pools.NetworkWorkers)
	v.SetDefault("stats.saveDebounceSeconds", def.Stats.SaveDebounceSeconds)
	v.SetDefault("stats.uploadIntervalSeconds", def.Stats.UploadIntervalSeconds)
	v.SetDefault("features.nside", def.Features.NSIDE)
	v.SetDefault("features.exploreRadiusMeters", def.Features.ExploreRadiusMeters)
	v.SetDefault("features.segmentLengthMeters", def.Features.SegmentLengthMeters)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/street-exploration-engine")
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return Config{}, fmt.Errorf("config: read %s: %w", configPath, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("config: decode: %w", err)
	}
	return cfg, nil
}
