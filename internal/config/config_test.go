package config

import (
	"strings"
	"testing"
	"time"
)

const sampleYAML = `
environment: staging
bus:
  queueCapacity: 1024
  subscriberBuffer: 64
engine:
  queueCapacity: 8192
router:
  archiveCapacity: 500
  venues:
    - name: primary
      priority: 10
      feeRate: "0.001"
    - name: backup
      priority: 1
      supportedTypes: [market, limit]
risk:
  capital: 250000
  maxPositionSize: 100000
  maxDrawdownPct: 0.15
  maxDailyLoss: 10000
journal:
  enabled: true
  dsn: postgres://localhost:5432/tradecore
  flushInterval: 250ms
telemetry:
  serviceName: tradecore
`

func TestParseOverlaysDefaults(t *testing.T) {
	cfg, err := Parse([]byte(sampleYAML))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}

	if cfg.Environment != EnvStaging {
		t.Fatalf("environment = %s", cfg.Environment)
	}
	if cfg.Bus.QueueCapacity != 1024 || cfg.Bus.SubscriberBuffer != 64 {
		t.Fatalf("bus: %+v", cfg.Bus)
	}
	// Unset fields keep their defaults.
	if cfg.Engine.LatencyWindow != 1000 {
		t.Fatalf("engine latency window default lost: %+v", cfg.Engine)
	}
	if cfg.Risk.VaRConfidence != 0.95 || cfg.Risk.MaxPortfolioLeverage != 3 {
		t.Fatalf("risk defaults lost: %+v", cfg.Risk)
	}
	if cfg.Risk.MaxDailyLoss != 10000 {
		t.Fatalf("risk maxDailyLoss = %f", cfg.Risk.MaxDailyLoss)
	}
	if len(cfg.Router.Venues) != 2 || cfg.Router.Venues[0].Name != "primary" {
		t.Fatalf("venues: %+v", cfg.Router.Venues)
	}
	// Supported types are upper-cased during normalisation.
	if got := cfg.Router.Venues[1].SupportedTypes[0]; got != "MARKET" {
		t.Fatalf("supported type = %q", got)
	}
	if cfg.Journal.FlushEvery() != 250*time.Millisecond {
		t.Fatalf("flush interval = %s", cfg.Journal.FlushEvery())
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("TRADECORE_ENV", "prod")
	t.Setenv("TRADECORE_JOURNAL_DSN", "postgres://db:5432/journal")

	cfg, err := FromEnv()
	if err != nil {
		t.Fatalf("from env: %v", err)
	}
	if cfg.Environment != EnvProd {
		t.Fatalf("environment = %s", cfg.Environment)
	}
	if !cfg.Journal.Enabled || cfg.Journal.DSN != "postgres://db:5432/journal" {
		t.Fatalf("journal: %+v", cfg.Journal)
	}
}

func TestValidateRejections(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*AppConfig)
		want   string
	}{
		{"bad environment", func(c *AppConfig) { c.Environment = "local" }, "environment"},
		{"zero bus queue", func(c *AppConfig) { c.Bus.QueueCapacity = 0 }, "queueCapacity"},
		{"duplicate venue", func(c *AppConfig) {
			c.Router.Venues = []VenueConfig{{Name: "x"}, {Name: "x"}}
		}, "declared twice"},
		{"drawdown out of range", func(c *AppConfig) { c.Risk.MaxDrawdownPct = 1.5 }, "maxDrawdownPct"},
		{"negative leverage", func(c *AppConfig) { c.Risk.MaxPortfolioLeverage = -1 }, "maxPortfolioLeverage"},
		{"negative daily loss", func(c *AppConfig) { c.Risk.MaxDailyLoss = -5 }, "maxDailyLoss"},
		{"journal without dsn", func(c *AppConfig) { c.Journal.Enabled = true }, "journal dsn"},
		{"bad flush interval", func(c *AppConfig) { c.Journal.FlushInterval = "soon" }, "flushInterval"},
		{"missing service name", func(c *AppConfig) { c.Telemetry.ServiceName = "" }, "serviceName"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(&cfg)
			err := cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("want error containing %q, got %v", tc.want, err)
			}
		})
	}
}
