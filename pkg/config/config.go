package config

import (
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/marmos91/downstairs/internal/bytesize"
)

// Config represents the downstairs configuration.
//
// It covers the static settings of one downstairs process:
//   - Logging, tracing and profiling
//   - The region served and the geometry used when creating one
//   - The upstairs listener and the per-connection work dispatcher
//   - The live-repair API
//   - Export destinations
//
// Configuration sources (in order of precedence):
//  1. CLI flags (highest priority)
//  2. Environment variables (DOWNSTAIRS_*)
//  3. Configuration file (YAML or TOML)
//  4. Default values (lowest priority)
type Config struct {
	// Logging controls log output behavior
	Logging LoggingConfig `mapstructure:"logging" yaml:"logging"`

	// Telemetry controls OpenTelemetry distributed tracing
	Telemetry TelemetryConfig `mapstructure:"telemetry" yaml:"telemetry"`

	// ShutdownTimeout is the maximum time to wait for graceful shutdown
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" validate:"required,gt=0" yaml:"shutdown_timeout"`

	// Metrics contains Prometheus metrics server configuration
	Metrics MetricsConfig `mapstructure:"metrics" yaml:"metrics"`

	// Region selects the region directory and how it is opened
	Region RegionConfig `mapstructure:"region" yaml:"region"`

	// Create holds the geometry used by 'downstairs create'
	Create CreateConfig `mapstructure:"create" yaml:"create"`

	// Server configures the listener upstairs clients connect to
	Server ServerConfig `mapstructure:"server" yaml:"server"`

	// Dispatcher configures job execution and fault injection
	Dispatcher DispatcherConfig `mapstructure:"dispatcher" yaml:"dispatcher"`

	// Repair configures the live-repair API and retry policy
	Repair RepairConfig `mapstructure:"repair" yaml:"repair"`

	// Export configures the S3 destination of 'downstairs export'
	Export ExportConfig `mapstructure:"export" yaml:"export"`
}

// LoggingConfig controls logging behavior.
type LoggingConfig struct {
	// Level is the minimum log level to output
	// Valid values: DEBUG, INFO, WARN, ERROR (case-insensitive, normalized to uppercase)
	Level string `mapstructure:"level" validate:"required,oneof=DEBUG INFO WARN ERROR debug info warn error" yaml:"level"`

	// Format specifies the log output format
	// Valid values: text, json
	Format string `mapstructure:"format" validate:"required,oneof=text json" yaml:"format"`

	// Output specifies where logs are written
	// Valid values: stdout, stderr, or a file path
	Output string `mapstructure:"output" validate:"required" yaml:"output"`
}

// TelemetryConfig controls OpenTelemetry distributed tracing.
// When enabled, trace data is exported to an OTLP-compatible collector
// (e.g., Jaeger, Tempo, or any OTLP receiver).
type TelemetryConfig struct {
	// Enabled controls whether distributed tracing is enabled
	// Default: false (opt-in for telemetry)
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`

	// Endpoint is the OTLP collector endpoint (host:port)
	// Default: "localhost:4317" (standard OTLP gRPC port)
	Endpoint string `mapstructure:"endpoint" yaml:"endpoint"`

	// Insecure controls whether to use insecure (non-TLS) connection
	Insecure bool `mapstructure:"insecure" yaml:"insecure"`

	// SampleRate controls the trace sampling rate (0.0 to 1.0)
	// Default: 1.0 (sample all)
	SampleRate float64 `mapstructure:"sample_rate" validate:"omitempty,gte=0,lte=1" yaml:"sample_rate"`

	// Profiling contains Pyroscope continuous profiling configuration
	Profiling ProfilingConfig `mapstructure:"profiling" yaml:"profiling"`
}

// ProfilingConfig controls Pyroscope continuous profiling.
type ProfilingConfig struct {
	// Enabled controls whether continuous profiling is enabled
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`

	// Endpoint is the Pyroscope server endpoint (URL)
	// Default: "http://localhost:4040"
	Endpoint string `mapstructure:"endpoint" yaml:"endpoint"`

	// ProfileTypes specifies which profile types to collect
	// Valid values: cpu, alloc_objects, alloc_space, inuse_objects, inuse_space,
	//               goroutines, mutex_count, mutex_duration, block_count, block_duration
	ProfileTypes []string `mapstructure:"profile_types" yaml:"profile_types"`
}

// MetricsConfig configures the Prometheus metrics HTTP server.
// When Enabled is false, no metrics are collected.
type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`

	// Port is the HTTP port for the metrics endpoint
	// Default: 9090
	Port int `mapstructure:"port" validate:"omitempty,min=1,max=65535" yaml:"port"`
}

// RegionConfig selects the region served by 'downstairs run'.
type RegionConfig struct {
	// Path is the region directory
	Path string `mapstructure:"path" validate:"required" yaml:"path"`

	// Mode is "rw" or "ro". A read-only region refuses writes and flushes.
	// Default: rw
	Mode string `mapstructure:"mode" validate:"required,oneof=rw ro" yaml:"mode"`

	// MetadataBackend is the extent metadata store used when creating a
	// region: sqlite (one database per extent) or badger (one store per region)
	// Default: sqlite
	MetadataBackend string `mapstructure:"metadata_backend" validate:"required,oneof=sqlite badger" yaml:"metadata_backend"`

	// DirectIO opens block files with O_DIRECT
	DirectIO bool `mapstructure:"direct_io" yaml:"direct_io"`

	// Verify checks data file sizes and the extent count on open
	Verify bool `mapstructure:"verify" yaml:"verify"`
}

// ReadOnly reports whether the region is opened read-only.
func (c RegionConfig) ReadOnly() bool {
	return c.Mode == "ro"
}

// CreateConfig is the geometry of a new region.
type CreateConfig struct {
	// BlockSize is the block size, a power of two between 512 and 64Ki
	// Default: 512
	BlockSize bytesize.ByteSize `mapstructure:"block_size" validate:"required" yaml:"block_size"`

	// ExtentSize is the number of blocks per extent
	// Default: 100
	ExtentSize uint64 `mapstructure:"extent_size" validate:"required,gt=0" yaml:"extent_size"`

	// ExtentCount is the number of extents
	// Default: 15
	ExtentCount uint32 `mapstructure:"extent_count" validate:"required,gt=0" yaml:"extent_count"`

	// Encrypted records that the upstairs encrypts block contents
	Encrypted bool `mapstructure:"encrypted" yaml:"encrypted"`
}

// ServerConfig configures the upstairs listener.
type ServerConfig struct {
	// Address is the IP address to bind
	// Default: 0.0.0.0
	Address string `mapstructure:"address" validate:"required,ip" yaml:"address"`

	// Port is the TCP port
	// Default: 9000
	Port int `mapstructure:"port" validate:"min=0,max=65535" yaml:"port"`

	// MaxConnections caps concurrent upstairs connections (0 = unlimited)
	MaxConnections int `mapstructure:"max_connections" validate:"min=0" yaml:"max_connections"`

	// IdleTimeout closes connections without traffic (0 = never)
	IdleTimeout time.Duration `mapstructure:"idle_timeout" validate:"min=0" yaml:"idle_timeout"`
}

// DispatcherConfig configures the per-connection work dispatcher.
type DispatcherConfig struct {
	// Workers bounds concurrently executing jobs per connection
	// (0 = twice the number of CPUs)
	Workers int `mapstructure:"workers" validate:"min=0" yaml:"workers"`

	// Lossy randomly delays jobs and skips dispatch passes (testing only)
	Lossy bool `mapstructure:"lossy" yaml:"lossy"`

	// ReturnErrors makes ErrorRate of reads and writes fail (testing only)
	ReturnErrors bool `mapstructure:"return_errors" yaml:"return_errors"`

	// ErrorRate is the share of failed jobs when ReturnErrors is set
	// Default: 0.1
	ErrorRate float64 `mapstructure:"error_rate" validate:"gte=0,lte=1" yaml:"error_rate"`
}

// RepairConfig configures live repair.
type RepairConfig struct {
	// Enabled serves the repair API so that other downstairs can repair
	// from this region, and lets upstairs request repairs
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`

	// BindAddr is the repair API address
	// Default: 127.0.0.1:4567
	BindAddr string `mapstructure:"bind_addr" validate:"required,hostname_port" yaml:"bind_addr"`

	// MaxRetries bounds the attempts of one extent repair
	// Default: 3
	MaxRetries int `mapstructure:"max_retries" validate:"min=1" yaml:"max_retries"`

	// RequestTimeout bounds one repair API request and one fetch from a
	// repair source
	// Default: 5m
	RequestTimeout time.Duration `mapstructure:"request_timeout" validate:"gt=0" yaml:"request_timeout"`
}

// ExportConfig configures exports to S3.
type ExportConfig struct {
	S3 S3ExportConfig `mapstructure:"s3" yaml:"s3"`
}

// S3ExportConfig holds the S3 client settings used for s3:// destinations.
type S3ExportConfig struct {
	// Region is the AWS region (optional, uses SDK default if empty)
	Region string `mapstructure:"region" yaml:"region,omitempty"`

	// Endpoint is the S3 endpoint URL (optional, for S3-compatible services)
	Endpoint string `mapstructure:"endpoint" validate:"omitempty,url" yaml:"endpoint,omitempty"`

	// ForcePathStyle forces path-style addressing (required for Localstack/MinIO)
	ForcePathStyle bool `mapstructure:"force_path_style" yaml:"force_path_style"`

	// AccessKeyID and SecretAccessKey override the SDK credential chain
	AccessKeyID     string `mapstructure:"access_key_id" yaml:"access_key_id,omitempty"`
	SecretAccessKey string `mapstructure:"secret_access_key" yaml:"secret_access_key,omitempty"`

	// PartSize is the multipart upload part size
	// Default: 16Mi
	PartSize bytesize.ByteSize `mapstructure:"part_size" yaml:"part_size"`
}

// Load loads configuration from file, environment, and defaults.
//
// Configuration precedence (highest to lowest):
//  1. Environment variables (DOWNSTAIRS_*)
//  2. Configuration file
//  3. Default values
//
// A missing configuration file is not an error: the defaults are returned.
func Load(configPath string) (*Config, error) {
	v := viper.New()

	setupViper(v, configPath)

	configFileFound, err := readConfigFile(v)
	if err != nil {
		return nil, err
	}

	if !configFileFound {
		return GetDefaultConfig(), nil
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, viper.DecodeHook(configDecodeHooks())); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	ApplyDefaults(&cfg)

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &cfg, nil
}

// MustLoad loads configuration with helpful error messages.
// It checks if the config file exists and provides user-friendly instructions if not.
func MustLoad(configPath string) (*Config, error) {
	if configPath == "" {
		if !DefaultConfigExists() {
			return nil, fmt.Errorf("no configuration file found at default location: %s\n\n"+
				"Please initialize a configuration file first:\n"+
				"  downstairs config init\n\n"+
				"Or specify a custom config file:\n"+
				"  downstairs <command> --config /path/to/config.yaml",
				GetDefaultConfigPath())
		}
		configPath = GetDefaultConfigPath()
	} else if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return nil, fmt.Errorf("configuration file not found: %s\n\n"+
			"Please create the configuration file:\n"+
			"  downstairs config init --config %s",
			configPath, configPath)
	}

	cfg, err := Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	return cfg, nil
}

// SaveConfig saves the configuration to the specified file path in YAML.
func SaveConfig(cfg *Config, path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	// 0600: the file may hold S3 credentials.
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// setupViper configures viper with environment variables and config file settings.
func setupViper(v *viper.Viper, configPath string) {
	// Example: DOWNSTAIRS_LOGGING_LEVEL=DEBUG
	v.SetEnvPrefix("DOWNSTAIRS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		// $XDG_CONFIG_HOME/downstairs/config.{yaml,toml}
		v.AddConfigPath(getConfigDir())
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}

	// AutomaticEnv only consults keys viper knows about.
	bindKnownKeys(v, reflect.TypeOf(Config{}), "")
}

// bindKnownKeys registers every mapstructure key of t with viper so that
// environment variables override values the file leaves unset.
func bindKnownKeys(v *viper.Viper, t reflect.Type, prefix string) {
	for i := range t.NumField() {
		f := t.Field(i)
		key := f.Tag.Get("mapstructure")
		if key == "" {
			continue
		}
		if prefix != "" {
			key = prefix + "." + key
		}
		if f.Type.Kind() == reflect.Struct && f.Type != reflect.TypeOf(time.Duration(0)) {
			bindKnownKeys(v, f.Type, key)
			continue
		}
		_ = v.BindEnv(key)
	}
}

// readConfigFile reads the configuration file if it exists.
// Returns (fileFound, error) where fileFound indicates if a config file was found.
func readConfigFile(v *viper.Viper) (bool, error) {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return false, nil
		}
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to read config file: %w", err)
	}

	return true, nil
}

// configDecodeHooks returns a combined decode hook for ByteSize and
// time.Duration fields.
func configDecodeHooks() mapstructure.DecodeHookFunc {
	return mapstructure.ComposeDecodeHookFunc(
		byteSizeDecodeHook(),
		durationDecodeHook(),
	)
}

// byteSizeDecodeHook converts strings like "512", "4Ki" or "16MB" and plain
// numbers to bytesize.ByteSize.
func byteSizeDecodeHook() mapstructure.DecodeHookFunc {
	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if to != reflect.TypeOf(bytesize.ByteSize(0)) {
			return data, nil
		}

		switch v := data.(type) {
		case string:
			return bytesize.ParseByteSize(v)
		case int:
			return bytesize.ByteSize(v), nil
		case int64:
			return bytesize.ByteSize(v), nil
		case uint64:
			return bytesize.ByteSize(v), nil
		case float64:
			// YAML often deserializes numbers as float64
			return bytesize.ByteSize(v), nil
		default:
			return data, nil
		}
	}
}

// durationDecodeHook converts strings like "30s" or "5m" to time.Duration.
func durationDecodeHook() mapstructure.DecodeHookFunc {
	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if to != reflect.TypeOf(time.Duration(0)) {
			return data, nil
		}

		switch v := data.(type) {
		case string:
			return time.ParseDuration(v)
		case int:
			// Raw integers are nanoseconds
			return time.Duration(v), nil
		case int64:
			return time.Duration(v), nil
		case float64:
			return time.Duration(v), nil
		default:
			return data, nil
		}
	}
}

// getConfigDir returns $XDG_CONFIG_HOME/downstairs, ~/.config/downstairs, or
// the current directory when neither can be determined.
func getConfigDir() string {
	if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
		return filepath.Join(xdgConfig, "downstairs")
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}

	return filepath.Join(home, ".config", "downstairs")
}

// GetDefaultConfigPath returns the default configuration file path.
func GetDefaultConfigPath() string {
	return filepath.Join(getConfigDir(), "config.yaml")
}

// DefaultConfigExists checks if a config file exists at the default location.
func DefaultConfigExists() bool {
	_, err := os.Stat(GetDefaultConfigPath())
	return err == nil
}

// GetConfigDir returns the configuration directory path.
func GetConfigDir() string {
	return getConfigDir()
}
