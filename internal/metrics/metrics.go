package metrics

import (
	"errors"
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Package-level Prometheus collectors. They are registered via Register.
var (
	regOK atomic.Bool

	spawns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "devsession",
			Subsystem: "backend",
			Name:      "spawns_total",
			Help:      "Spawn requests handled, by result (spawned, reused, refused, failed).",
		}, []string{"result"},
	)
	spawnDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "devsession",
			Subsystem: "backend",
			Name:      "spawn_duration_seconds",
			Help:      "Time spent in the control plane spawn call.",
			Buckets:   prometheus.DefBuckets,
		},
	)
	terminations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "devsession",
			Subsystem: "backend",
			Name:      "terminations_total",
			Help:      "Terminate requests issued, by result (ok, error).",
		}, []string{"result"},
	)
	statusTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "devsession",
			Subsystem: "backend",
			Name:      "status_transitions_total",
			Help:      "Status updates received from backend status streams.",
		}, []string{"to"},
	)
	liveBackends = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "devsession",
			Subsystem: "backend",
			Name:      "live",
			Help:      "Backends currently tracked by the session.",
		},
	)
	rebuilds = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "devsession",
			Subsystem: "image",
			Name:      "rebuilds_total",
			Help:      "Image build and push cycles, by result (ok, error).",
		}, []string{"result"},
	)
)

// Register registers all metrics with the provided registerer.
// It is safe to call multiple times; subsequent calls after success are no-ops.
func Register(r prometheus.Registerer) error {
	if regOK.Load() {
		return nil
	}
	cs := []prometheus.Collector{spawns, spawnDuration, terminations, statusTransitions, liveBackends, rebuilds}
	for _, c := range cs {
		if err := r.Register(c); err != nil {
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			return err
		}
	}
	regOK.Store(true)
	return nil
}

// Handler returns an http.Handler that serves Prometheus metrics for the DefaultGatherer.
func Handler() http.Handler { return promhttp.Handler() }

// Below are lightweight helpers used by internal packages to record metrics.
// They no-op if Register hasn't been called.

func IncSpawn(result string) {
	if regOK.Load() {
		spawns.WithLabelValues(result).Inc()
	}
}

func ObserveSpawnDuration(seconds float64) {
	if regOK.Load() {
		spawnDuration.Observe(seconds)
	}
}

func IncTerminate(result string) {
	if regOK.Load() {
		terminations.WithLabelValues(result).Inc()
	}
}

func RecordStatus(to string) {
	if regOK.Load() {
		statusTransitions.WithLabelValues(to).Inc()
	}
}

func SetLiveBackends(n int) {
	if regOK.Load() {
		liveBackends.Set(float64(n))
	}
}

func IncRebuild(result string) {
	if regOK.Load() {
		rebuilds.WithLabelValues(result).Inc()
	}
}
