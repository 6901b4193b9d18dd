// Package devsession exposes the stable parts of a development session for
// embedding: configuration loading, the backend model, history sinks and
// metrics registration.
package devsession

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/loykin/devsession/internal/backend"
	cfg "github.com/loykin/devsession/internal/config"
	"github.com/loykin/devsession/internal/console"
	"github.com/loykin/devsession/internal/history"
	"github.com/loykin/devsession/internal/history/factory"
	"github.com/loykin/devsession/internal/metrics"
	"github.com/loykin/devsession/internal/remote"
)

// Re-export core types for external consumers.

type Backend = backend.Backend

type Status = backend.Status

type SpawnRequest = remote.SpawnRequest

type SpawnResult = remote.SpawnResult

type Config = cfg.Config

type HistoryEvent = history.Event

type HistorySink = history.Sink

// LoadConfig reads a TOML file (optional) with defaults and DEVSESSION_*
// environment overrides applied. The result is not validated.
func LoadConfig(path string) (*Config, error) { return cfg.Load(path) }

// NewHistorySinkFromDSN opens a history sink; see SupportedHistoryDSNs.
func NewHistorySinkFromDSN(dsn string) (HistorySink, error) { return factory.NewSinkFromDSN(dsn) }

// SupportedHistoryDSNs lists the DSN schemes NewHistorySinkFromDSN accepts.
var SupportedHistoryDSNs = []string{"sqlite://", "postgres://", "postgresql://", "clickhouse://", "opensearch://", "elasticsearch://"}

// RegisterMetrics registers session metrics with r. Safe to call repeatedly.
func RegisterMetrics(r prometheus.Registerer) error { return metrics.Register(r) }

// RegisterMetricsDefault registers with prometheus.DefaultRegisterer.
func RegisterMetricsDefault() error { return metrics.Register(prometheus.DefaultRegisterer) }

// RenderTable returns the console footer for backends as plain text lines.
func RenderTable(backends []Backend, now time.Time) []string {
	return console.Render(backends, now, nil)
}
