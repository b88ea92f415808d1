package config

import (
	"strings"
	"time"

	"github.com/marmos91/downstairs/internal/bytesize"
)

// Defaults for a new region, matching the geometry upstairs test harnesses
// expect.
const (
	DefaultBlockSize   = 512
	DefaultExtentSize  = 100
	DefaultExtentCount = 15
)

// ApplyDefaults sets default values for any unspecified configuration fields.
//
// Zero values (0, "", false, nil) are replaced with defaults; explicit values
// are preserved.
func ApplyDefaults(cfg *Config) {
	applyLoggingDefaults(&cfg.Logging)
	applyTelemetryDefaults(&cfg.Telemetry)
	applyShutdownTimeoutDefaults(cfg)
	applyMetricsDefaults(&cfg.Metrics)
	applyRegionDefaults(&cfg.Region)
	applyCreateDefaults(&cfg.Create)
	applyServerDefaults(&cfg.Server)
	applyDispatcherDefaults(&cfg.Dispatcher)
	applyRepairDefaults(&cfg.Repair)
	applyExportDefaults(&cfg.Export)
}

// applyLoggingDefaults sets logging defaults and normalizes values.
func applyLoggingDefaults(cfg *LoggingConfig) {
	if cfg.Level == "" {
		cfg.Level = "INFO"
	}
	cfg.Level = strings.ToUpper(cfg.Level)

	if cfg.Format == "" {
		cfg.Format = "text"
	}
	if cfg.Output == "" {
		cfg.Output = "stdout"
	}
}

func applyTelemetryDefaults(cfg *TelemetryConfig) {
	if cfg.Endpoint == "" {
		cfg.Endpoint = "localhost:4317"
	}
	if cfg.SampleRate == 0 {
		cfg.SampleRate = 1.0
	}
	applyProfilingDefaults(&cfg.Profiling)
}

func applyProfilingDefaults(cfg *ProfilingConfig) {
	if cfg.Endpoint == "" {
		cfg.Endpoint = "http://localhost:4040"
	}
	if len(cfg.ProfileTypes) == 0 {
		cfg.ProfileTypes = []string{
			"cpu",
			"alloc_objects",
			"alloc_space",
			"inuse_objects",
			"inuse_space",
			"goroutines",
		}
	}
}

func applyShutdownTimeoutDefaults(cfg *Config) {
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = 30 * time.Second
	}
}

// applyMetricsDefaults sets the port only when metrics are enabled.
func applyMetricsDefaults(cfg *MetricsConfig) {
	if cfg.Enabled && cfg.Port == 0 {
		cfg.Port = 9090
	}
}

func applyRegionDefaults(cfg *RegionConfig) {
	if cfg.Mode == "" {
		cfg.Mode = "rw"
	}
	cfg.Mode = strings.ToLower(cfg.Mode)
	if cfg.MetadataBackend == "" {
		cfg.MetadataBackend = "sqlite"
	}
	// Path has no default outside GetDefaultConfig.
}

func applyCreateDefaults(cfg *CreateConfig) {
	if cfg.BlockSize == 0 {
		cfg.BlockSize = DefaultBlockSize
	}
	if cfg.ExtentSize == 0 {
		cfg.ExtentSize = DefaultExtentSize
	}
	if cfg.ExtentCount == 0 {
		cfg.ExtentCount = DefaultExtentCount
	}
}

func applyServerDefaults(cfg *ServerConfig) {
	if cfg.Address == "" {
		cfg.Address = "0.0.0.0"
	}
	if cfg.Port == 0 {
		cfg.Port = 9000
	}
}

func applyDispatcherDefaults(cfg *DispatcherConfig) {
	if cfg.ReturnErrors && cfg.ErrorRate == 0 {
		cfg.ErrorRate = 0.1
	}
}

func applyRepairDefaults(cfg *RepairConfig) {
	if cfg.BindAddr == "" {
		cfg.BindAddr = "127.0.0.1:4567"
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = 3
	}
	if cfg.RequestTimeout == 0 {
		cfg.RequestTimeout = 5 * time.Minute
	}
}

func applyExportDefaults(cfg *ExportConfig) {
	if cfg.S3.PartSize == 0 {
		cfg.S3.PartSize = 16 * bytesize.MiB
	}
}

// GetDefaultConfig returns a Config struct with all default values applied.
//
// This is useful for:
//   - Generating sample configuration files
//   - Testing
func GetDefaultConfig() *Config {
	cfg := &Config{
		Region: RegionConfig{
			Path: "/var/lib/downstairs/region",
		},
	}

	ApplyDefaults(cfg)
	return cfg
}
