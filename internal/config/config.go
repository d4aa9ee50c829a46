// Package config loads NI/PT runtime configuration from file, environment,
// and defaults, grounded on marmos91-dittofs's pkg/config/config.go
// (spf13/viper layering + mapstructure tags + go-playground/validator
// struct-tag validation, DITTOFS_*-style env prefix).
package config

import (
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"

	"github.com/portals4-go/ptl4/internal/constants"
)

// Config is the static configuration of one NI instance.
type Config struct {
	Logging LoggingConfig `mapstructure:"logging" validate:"required"`
	Metrics MetricsConfig `mapstructure:"metrics" validate:"required"`
	NI      NIConfig      `mapstructure:"ni" validate:"required"`
	PT      []PTConfig    `mapstructure:"pt"`
}

// LoggingConfig controls the internal/logging sink.
type LoggingConfig struct {
	Level  string `mapstructure:"level" validate:"required,oneof=debug info warn error DEBUG INFO WARN ERROR"`
	Output string `mapstructure:"output" validate:"required"`
}

// MetricsConfig controls the Prometheus metrics endpoint.
type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled"`
	Addr    string `mapstructure:"addr" validate:"required_if=Enabled true"`
}

// NIConfig mirrors the limits an application passes to PtlNIInit.
type NIConfig struct {
	MaxPTIndex     int  `mapstructure:"max_pt_index" validate:"required,gt=0"`
	MaxMsgSize     int  `mapstructure:"max_msg_size" validate:"required,gt=0"`
	MaxAtomicSize  int  `mapstructure:"max_atomic_size" validate:"required,gt=0,lte=64"`
	MaxEntries     int  `mapstructure:"max_entries" validate:"required,gt=0"`
	EQDepth        int  `mapstructure:"eq_depth" validate:"required,gt=0"`
	IsLogical      bool `mapstructure:"is_logical"`
}

// PTConfig is one statically pre-allocated Portals Table entry.
type PTConfig struct {
	Index      uint32 `mapstructure:"index"`
	FlowCtrl   bool   `mapstructure:"flow_control"`
}

// DefaultNIConfig returns the size limits from internal/constants as a
// Config's NI section, the values an application gets without an explicit
// config file.
func DefaultNIConfig() NIConfig {
	return NIConfig{
		MaxPTIndex:    constants.DefaultMaxPTIndex,
		MaxMsgSize:    constants.DefaultMaxMsgSize,
		MaxAtomicSize: constants.DefaultMaxAtomicSize,
		MaxEntries:    constants.DefaultMaxEntries,
		EQDepth:       constants.DefaultEQDepth,
	}
}

func defaultConfig() *Config {
	return &Config{
		Logging: LoggingConfig{Level: "info", Output: "stderr"},
		Metrics: MetricsConfig{Enabled: false, Addr: ":9090"},
		NI:      DefaultNIConfig(),
	}
}

// Load reads configPath (YAML/TOML/JSON, whatever viper detects by
// extension) layered under PTL4_*-prefixed environment variables. When
// configPath is empty, or names a file viper reports as not found, it
// returns defaultConfig() as is: no default file is searched for and no
// environment variable is applied in that case.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("PTL4")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	cfg := defaultConfig()

	if configPath == "" {
		return cfg, nil
	}

	v.SetConfigFile(configPath)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return cfg, nil
		}
		return nil, fmt.Errorf("config: reading %s: %w", configPath, err)
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("config: validation failed: %w", err)
	}
	return cfg, nil
}

var validate = validator.New()

// Validate runs go-playground/validator struct-tag validation over cfg.
func Validate(cfg *Config) error {
	return validate.Struct(cfg)
}
