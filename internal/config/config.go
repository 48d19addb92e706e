// Package config loads and validates the tradecore runtime configuration.
package config

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Environment identifies the runtime environment.
type Environment string

const (
	// EnvDev marks the development environment.
	EnvDev Environment = "dev"
	// EnvStaging marks the staging environment.
	EnvStaging Environment = "staging"
	// EnvProd marks the production environment.
	EnvProd Environment = "prod"
)

// BusConfig sizes the in-memory message bus.
type BusConfig struct {
	QueueCapacity    int `yaml:"queueCapacity"`
	SubscriberBuffer int `yaml:"subscriberBuffer"`
}

// EngineConfig sizes the execution engine.
type EngineConfig struct {
	QueueCapacity int `yaml:"queueCapacity"`
	LatencyWindow int `yaml:"latencyWindow"`
}

// VenueConfig declares an execution venue. Fee and size limits use decimal
// strings to survive YAML round-trips without float drift.
type VenueConfig struct {
	Name           string   `yaml:"name"`
	Priority       int      `yaml:"priority"`
	FeeRate        string   `yaml:"feeRate"`
	MinOrderSize   string   `yaml:"minOrderSize"`
	MaxOrderSize   string   `yaml:"maxOrderSize"`
	SupportedTypes []string `yaml:"supportedTypes"`
}

// RouterConfig configures order routing and lifecycle tracking.
type RouterConfig struct {
	ArchiveCapacity int           `yaml:"archiveCapacity"`
	Venues          []VenueConfig `yaml:"venues"`
}

// RiskConfig defines the pre-trade risk limits.
type RiskConfig struct {
	Capital              float64 `yaml:"capital"`
	MaxPositionSize      float64 `yaml:"maxPositionSize"`
	MaxDrawdownPct       float64 `yaml:"maxDrawdownPct"`
	MaxConcentrationPct  float64 `yaml:"maxConcentrationPct"`
	MaxPortfolioLeverage float64 `yaml:"maxPortfolioLeverage"`
	MaxDailyLoss         float64 `yaml:"maxDailyLoss"`
	MinSharpeRatio       float64 `yaml:"minSharpeRatio"`
	MaxOrdersPerSecond   float64 `yaml:"maxOrdersPerSecond"`
	VaRConfidence        float64 `yaml:"varConfidence"`
}

// JournalConfig configures the durable event journal.
type JournalConfig struct {
	Enabled       bool   `yaml:"enabled"`
	DSN           string `yaml:"dsn"`
	FlushInterval string `yaml:"flushInterval"`
	BatchSize     int    `yaml:"batchSize"`
}

// FlushEvery returns the parsed flush interval.
func (c JournalConfig) FlushEvery() time.Duration {
	d, err := time.ParseDuration(c.FlushInterval)
	if err != nil || d <= 0 {
		return time.Second
	}
	return d
}

// TelemetryConfig configures OTLP exporters (metrics only).
type TelemetryConfig struct {
	OTLPEndpoint  string `yaml:"otlpEndpoint"`
	ServiceName   string `yaml:"serviceName"`
	OTLPInsecure  bool   `yaml:"otlpInsecure"`
	EnableMetrics bool   `yaml:"enableMetrics"`
}

// AppConfig is the unified tradecore configuration sourced from YAML.
type AppConfig struct {
	Environment Environment     `yaml:"environment"`
	Bus         BusConfig       `yaml:"bus"`
	Engine      EngineConfig    `yaml:"engine"`
	Router      RouterConfig    `yaml:"router"`
	Risk        RiskConfig      `yaml:"risk"`
	Journal     JournalConfig   `yaml:"journal"`
	Telemetry   TelemetryConfig `yaml:"telemetry"`
}

// Default returns a configuration suitable for local development.
func Default() AppConfig {
	return AppConfig{
		Environment: EnvDev,
		Bus:         BusConfig{QueueCapacity: 4096, SubscriberBuffer: 256},
		Engine:      EngineConfig{QueueCapacity: 65536, LatencyWindow: 1000},
		Router:      RouterConfig{ArchiveCapacity: 10000},
		Risk: RiskConfig{
			Capital:              100000,
			MaxPositionSize:      50000,
			MaxDrawdownPct:       0.20,
			MaxConcentrationPct:  0.25,
			MaxPortfolioLeverage: 3,
			MaxDailyLoss:         5000,
			MaxOrdersPerSecond:   100,
			VaRConfidence:        0.95,
		},
		Journal: JournalConfig{
			FlushInterval: "1s",
			BatchSize:     100,
		},
		Telemetry: TelemetryConfig{ServiceName: "tradecore"},
	}
}

// Load reads, overlays, and validates an AppConfig from the YAML file at
// configPath. Defaults fill unset fields; environment variables override the
// file.
func Load(ctx context.Context, configPath string) (AppConfig, error) {
	_ = ctx

	reader, closer, err := openConfigFile(configPath)
	if err != nil {
		return AppConfig{}, err
	}
	defer closer()

	raw, err := io.ReadAll(reader)
	if err != nil {
		return AppConfig{}, fmt.Errorf("read config: %w", err)
	}

	return Parse(raw)
}

// Parse decodes an AppConfig from YAML bytes, applying defaults, environment
// overrides, and validation.
func Parse(raw []byte) (AppConfig, error) {
	cfg := Default()
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return AppConfig{}, fmt.Errorf("unmarshal config: %w", err)
	}

	cfg.applyEnv()
	cfg.normalise()

	if err := cfg.Validate(); err != nil {
		return AppConfig{}, err
	}
	return cfg, nil
}

// FromEnv builds a configuration from defaults plus environment overrides,
// for deployments without a config file.
func FromEnv() (AppConfig, error) {
	cfg := Default()
	cfg.applyEnv()
	cfg.normalise()
	if err := cfg.Validate(); err != nil {
		return AppConfig{}, err
	}
	return cfg, nil
}

func (c *AppConfig) applyEnv() {
	if env := strings.TrimSpace(os.Getenv("TRADECORE_ENV")); env != "" {
		c.Environment = Environment(strings.ToLower(env))
	}
	if dsn := strings.TrimSpace(os.Getenv("TRADECORE_JOURNAL_DSN")); dsn != "" {
		c.Journal.DSN = dsn
		c.Journal.Enabled = true
	}
	if endpoint := strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")); endpoint != "" {
		c.Telemetry.OTLPEndpoint = endpoint
		c.Telemetry.EnableMetrics = true
	}
}

func (c *AppConfig) normalise() {
	c.Environment = Environment(strings.ToLower(strings.TrimSpace(string(c.Environment))))
	c.Telemetry.OTLPEndpoint = strings.TrimSpace(c.Telemetry.OTLPEndpoint)
	c.Telemetry.ServiceName = strings.TrimSpace(c.Telemetry.ServiceName)
	c.Journal.DSN = strings.TrimSpace(c.Journal.DSN)
	for i := range c.Router.Venues {
		v := &c.Router.Venues[i]
		v.Name = strings.TrimSpace(v.Name)
		for j, t := range v.SupportedTypes {
			v.SupportedTypes[j] = strings.ToUpper(strings.TrimSpace(t))
		}
	}
}

// Validate performs semantic validation on the configuration.
func (c AppConfig) Validate() error {
	switch c.Environment {
	case EnvDev, EnvStaging, EnvProd:
	default:
		return fmt.Errorf("environment must be one of dev, staging, prod")
	}

	if c.Bus.QueueCapacity <= 0 {
		return fmt.Errorf("bus queueCapacity must be > 0")
	}
	if c.Bus.SubscriberBuffer <= 0 {
		return fmt.Errorf("bus subscriberBuffer must be > 0")
	}
	if c.Engine.QueueCapacity <= 0 {
		return fmt.Errorf("engine queueCapacity must be > 0")
	}
	if c.Engine.LatencyWindow <= 0 {
		return fmt.Errorf("engine latencyWindow must be > 0")
	}
	if c.Router.ArchiveCapacity <= 0 {
		return fmt.Errorf("router archiveCapacity must be > 0")
	}

	seen := make(map[string]struct{}, len(c.Router.Venues))
	for _, v := range c.Router.Venues {
		if v.Name == "" {
			return fmt.Errorf("router venue name required")
		}
		if _, dup := seen[v.Name]; dup {
			return fmt.Errorf("router venue %q declared twice", v.Name)
		}
		seen[v.Name] = struct{}{}
	}

	if c.Risk.Capital <= 0 {
		return fmt.Errorf("risk capital must be > 0")
	}
	if c.Risk.MaxDrawdownPct < 0 || c.Risk.MaxDrawdownPct >= 1 {
		return fmt.Errorf("risk maxDrawdownPct must be in [0, 1)")
	}
	if c.Risk.MaxConcentrationPct < 0 || c.Risk.MaxConcentrationPct > 1 {
		return fmt.Errorf("risk maxConcentrationPct must be in [0, 1]")
	}
	if c.Risk.MaxPortfolioLeverage < 0 {
		return fmt.Errorf("risk maxPortfolioLeverage must be >= 0")
	}
	if c.Risk.MaxDailyLoss < 0 {
		return fmt.Errorf("risk maxDailyLoss must be >= 0")
	}
	if c.Risk.MaxOrdersPerSecond < 0 {
		return fmt.Errorf("risk maxOrdersPerSecond must be >= 0")
	}
	if c.Risk.VaRConfidence <= 0 || c.Risk.VaRConfidence >= 1 {
		return fmt.Errorf("risk varConfidence must be in (0, 1)")
	}

	if c.Journal.Enabled && c.Journal.DSN == "" {
		return fmt.Errorf("journal dsn required when enabled")
	}
	if c.Journal.BatchSize <= 0 {
		return fmt.Errorf("journal batchSize must be > 0")
	}
	if c.Journal.FlushInterval != "" {
		if _, err := time.ParseDuration(c.Journal.FlushInterval); err != nil {
			return fmt.Errorf("journal flushInterval: %w", err)
		}
	}

	if c.Telemetry.ServiceName == "" {
		return fmt.Errorf("telemetry serviceName required")
	}
	return nil
}

func openConfigFile(path string) (io.Reader, func(), error) {
	candidate := filepath.Clean(strings.TrimSpace(path))
	file, err := os.Open(candidate) // #nosec G304 -- path is operator controlled.
	if err != nil {
		return nil, nil, fmt.Errorf("open app config: %w", err)
	}
	return file, func() { _ = file.Close() }, nil
}
