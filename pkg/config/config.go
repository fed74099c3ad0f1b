// Package config loads the vmspace configuration from defaults, an optional
// YAML file and VMSPACE_* environment variables.
package config

import (
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"math/rand"
	"strings"

	"github.com/spf13/viper"

	"github.com/Sumatoshi-tech/vmspace/pkg/observability"
	"github.com/Sumatoshi-tech/vmspace/pkg/safeconv"
	"github.com/Sumatoshi-tech/vmspace/pkg/units"
	"github.com/Sumatoshi-tech/vmspace/pkg/vmspace"
)

// Sentinel validation errors.
var (
	ErrInvalidShards      = errors.New("registry shards must be positive")
	ErrInvalidThreshold   = errors.New("hibernation threshold must not be negative")
	ErrInvalidSampleRatio = errors.New("sample ratio must be within [0, 1]")
	ErrInvalidWindow      = errors.New("invalid window")
)

const envPrefix = "VMSPACE"

// Config holds all vmspace configuration.
type Config struct {
	Window    WindowConfig    `mapstructure:"window"`
	Registry  RegistryConfig  `mapstructure:"registry"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
}

// WindowConfig describes the per-process allocation window. Sizes accept hex,
// decimal or human units such as "16TiB".
type WindowConfig struct {
	Base       string `mapstructure:"base"`
	Size       string `mapstructure:"size"`
	PageSize   string `mapstructure:"page_size"`
	Policy     string `mapstructure:"policy"`
	ASLROffset string `mapstructure:"aslr_offset"`
	Section    string `mapstructure:"section"`
	Seed       int64  `mapstructure:"seed"`
}

// RegistryConfig sizes the per-process registry.
type RegistryConfig struct {
	Shards               int `mapstructure:"shards"`
	HibernationThreshold int `mapstructure:"hibernation_threshold"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level string `mapstructure:"level"`
	JSON  bool   `mapstructure:"json"`
}

// TelemetryConfig holds OTLP export and scrape endpoint settings.
type TelemetryConfig struct {
	OTLPEndpoint string  `mapstructure:"otlp_endpoint"`
	OTLPHeaders  string  `mapstructure:"otlp_headers"`
	OTLPInsecure bool    `mapstructure:"otlp_insecure"`
	Environment  string  `mapstructure:"environment"`
	SampleRatio  float64 `mapstructure:"sample_ratio"`
	TraceVerbose bool    `mapstructure:"trace_verbose"`
	MetricsAddr  string  `mapstructure:"metrics_addr"`
}

// Layout is a parsed WindowConfig.
type Layout struct {
	Window     vmspace.Window
	PageSize   vmspace.Addr
	Policy     vmspace.Policy
	ASLROffset vmspace.Addr
	Section    vmspace.Addr
	Seed       int64
}

// LoadConfig loads configuration from configPath, or from vmspace.yaml in the
// usual places when configPath is empty, with environment overrides.
func LoadConfig(configPath string) (*Config, error) {
	viperCfg := viper.New()

	setDefaults(viperCfg)

	if configPath != "" {
		viperCfg.SetConfigFile(configPath)
	} else {
		viperCfg.SetConfigName("vmspace")
		viperCfg.SetConfigType("yaml")
		viperCfg.AddConfigPath(".")
		viperCfg.AddConfigPath("./config")
		viperCfg.AddConfigPath("/etc/vmspace")
	}

	viperCfg.SetEnvPrefix(envPrefix)
	viperCfg.AutomaticEnv()
	viperCfg.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	readErr := viperCfg.ReadInConfig()
	if readErr != nil {
		var notFoundErr viper.ConfigFileNotFoundError
		if !errors.As(readErr, &notFoundErr) {
			return nil, fmt.Errorf("failed to read config file: %w", readErr)
		}
	}

	var config Config

	unmarshalErr := viperCfg.Unmarshal(&config)
	if unmarshalErr != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", unmarshalErr)
	}

	validateErr := config.Validate()
	if validateErr != nil {
		return nil, fmt.Errorf("invalid configuration: %w", validateErr)
	}

	return &config, nil
}

// Default returns the built-in configuration without reading any file or
// environment variable.
func Default() *Config {
	viperCfg := viper.New()
	setDefaults(viperCfg)

	var config Config

	// Defaults are plain scalars and always decode.
	_ = viperCfg.Unmarshal(&config)

	return &config
}

func setDefaults(viperCfg *viper.Viper) {
	viperCfg.SetDefault("window.base", DefaultWindowBase)
	viperCfg.SetDefault("window.size", DefaultWindowSize)
	viperCfg.SetDefault("window.page_size", DefaultWindowPageSize)
	viperCfg.SetDefault("window.policy", DefaultWindowPolicy)
	viperCfg.SetDefault("window.aslr_offset", DefaultASLROffset)
	viperCfg.SetDefault("window.section", DefaultWindowSection)
	viperCfg.SetDefault("window.seed", DefaultWindowSeed)

	viperCfg.SetDefault("registry.shards", DefaultRegistryShards)
	viperCfg.SetDefault("registry.hibernation_threshold", DefaultHibernationThreshold)

	viperCfg.SetDefault("logging.level", DefaultLogLevel)
	viperCfg.SetDefault("logging.json", DefaultLogJSON)

	viperCfg.SetDefault("telemetry.otlp_endpoint", DefaultOTLPEndpoint)
	viperCfg.SetDefault("telemetry.otlp_headers", "")
	viperCfg.SetDefault("telemetry.otlp_insecure", false)
	viperCfg.SetDefault("telemetry.environment", "")
	viperCfg.SetDefault("telemetry.sample_ratio", DefaultSampleRatio)
	viperCfg.SetDefault("telemetry.trace_verbose", false)
	viperCfg.SetDefault("telemetry.metrics_addr", DefaultMetricsAddr)
}

// Validate checks every section.
func (config *Config) Validate() error {
	if config.Registry.Shards <= 0 {
		return fmt.Errorf("%w: %d", ErrInvalidShards, config.Registry.Shards)
	}

	if config.Registry.HibernationThreshold < 0 {
		return fmt.Errorf("%w: %d", ErrInvalidThreshold, config.Registry.HibernationThreshold)
	}

	if config.Telemetry.SampleRatio < 0 || config.Telemetry.SampleRatio > maxSampleRatio {
		return fmt.Errorf("%w: %g", ErrInvalidSampleRatio, config.Telemetry.SampleRatio)
	}

	_, err := observability.ParseLevel(config.Logging.Level)
	if err != nil {
		return err
	}

	_, err = config.Window.Layout()

	return err
}

// Layout parses the window section and checks the window against the page size.
func (window WindowConfig) Layout() (Layout, error) {
	var err error

	layout := Layout{Seed: window.Seed}

	layout.Window.Base, err = parseAddr("base", window.Base)
	if err != nil {
		return Layout{}, err
	}

	layout.Window.Size, err = parseAddr("size", window.Size)
	if err != nil {
		return Layout{}, err
	}

	layout.PageSize, err = parseAddr("page_size", window.PageSize)
	if err != nil {
		return Layout{}, err
	}

	layout.ASLROffset, err = parseAddr("aslr_offset", window.ASLROffset)
	if err != nil {
		return Layout{}, err
	}

	layout.Section, err = parseAddr("section", window.Section)
	if err != nil {
		return Layout{}, err
	}

	layout.Policy, err = vmspace.ParsePolicy(window.Policy)
	if err != nil {
		return Layout{}, fmt.Errorf("%w: %w", ErrInvalidWindow, err)
	}

	if layout.PageSize == 0 || layout.PageSize&(layout.PageSize-1) != 0 {
		return Layout{}, fmt.Errorf("%w: page size %#x is not a power of two", ErrInvalidWindow, uint64(layout.PageSize))
	}

	err = layout.Window.Validate(layout.PageSize)
	if err != nil {
		return Layout{}, fmt.Errorf("%w: %w", ErrInvalidWindow, err)
	}

	return layout, nil
}

func parseAddr(name, text string) (vmspace.Addr, error) {
	value, err := units.ParseSize(text)
	if err != nil {
		return 0, fmt.Errorf("%w: %s: %w", ErrInvalidWindow, name, err)
	}

	return vmspace.Addr(value), nil
}

// WindowFor returns the window of the named process. With an ASLR offset the
// base is shifted by an amount derived from the seed and the name, so the same
// configuration always yields the same layout.
func (layout Layout) WindowFor(name string) vmspace.Window {
	if layout.ASLROffset == 0 {
		return layout.Window
	}

	hasher := fnv.New64a()
	hasher.Write([]byte(name))

	rng := rand.New(rand.NewSource(layout.Seed ^ safeconv.MustUint64ToInt64(hasher.Sum64()>>1))) //nolint:gosec // layout randomization, not security

	return layout.Window.Randomize(rng, layout.ASLROffset, layout.PageSize, layout.Section)
}

// Options returns the AddressSpace options for this layout.
func (layout Layout) Options(logger *slog.Logger, hibernationThreshold int) []vmspace.Option {
	return []vmspace.Option{
		vmspace.WithPolicy(layout.Policy),
		vmspace.WithPageSize(layout.PageSize),
		vmspace.WithLogger(logger),
		vmspace.WithHibernationThreshold(hibernationThreshold),
	}
}

// NewRegistry builds a registry whose spaces follow the configured layout.
func (config *Config) NewRegistry(logger *slog.Logger) (*vmspace.Registry, error) {
	layout, err := config.Window.Layout()
	if err != nil {
		return nil, err
	}

	opts := layout.Options(logger, config.Registry.HibernationThreshold)

	return vmspace.NewRegistry(config.Registry.Shards, func(name string) (*vmspace.AddressSpace, error) {
		return vmspace.New(layout.WindowFor(name), opts...)
	}), nil
}

// Observability converts the logging and telemetry sections.
func (config *Config) Observability(mode observability.AppMode, version string) (observability.Config, error) {
	level, err := observability.ParseLevel(config.Logging.Level)
	if err != nil {
		return observability.Config{}, err
	}

	obsCfg := observability.DefaultConfig()
	obsCfg.Mode = mode
	obsCfg.ServiceVersion = version
	obsCfg.Environment = config.Telemetry.Environment
	obsCfg.OTLPEndpoint = config.Telemetry.OTLPEndpoint
	obsCfg.OTLPHeaders = observability.ParseOTLPHeaders(config.Telemetry.OTLPHeaders)
	obsCfg.OTLPInsecure = config.Telemetry.OTLPInsecure
	obsCfg.SampleRatio = config.Telemetry.SampleRatio
	obsCfg.TraceVerbose = config.Telemetry.TraceVerbose
	obsCfg.LogLevel = level
	obsCfg.LogJSON = config.Logging.JSON

	return obsCfg, nil
}
