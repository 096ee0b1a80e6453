// Package metrics exposes the shadow runner's run_metrics
// (ws_reconnects, ws_timeouts, events_received, batched_price_changes,
// per_asset_update_counts) as Prometheus counters/gauges on an optional
// /metrics endpoint, additive to the JSON run_metrics object the run
// manifest always carries.
package metrics

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// ShadowMetrics mirrors runner.RunMetrics as a set of Prometheus
// collectors registered against a dedicated registry, so one process
// can run several shadow sessions without metric name collisions.
type ShadowMetrics struct {
	registry *prometheus.Registry

	WSReconnects         prometheus.Counter
	WSTimeouts           prometheus.Counter
	EventsReceived       prometheus.Counter
	BatchedPriceChanges  prometheus.Counter
	PerAssetUpdateCounts *prometheus.CounterVec
}

// NewShadowMetrics builds a fresh registry with the shadow run counters
// registered under it.
func NewShadowMetrics() *ShadowMetrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &ShadowMetrics{
		registry: reg,
		WSReconnects: factory.NewCounter(prometheus.CounterOpts{
			Name: "simtrader_shadow_ws_reconnects_total",
			Help: "Number of WS reconnect attempts during the shadow run.",
		}),
		WSTimeouts: factory.NewCounter(prometheus.CounterOpts{
			Name: "simtrader_shadow_ws_timeouts_total",
			Help: "Number of read-deadline timeouts on the shadow WS connection.",
		}),
		EventsReceived: factory.NewCounter(prometheus.CounterOpts{
			Name: "simtrader_shadow_events_received_total",
			Help: "Number of normalized events processed by the shadow run.",
		}),
		BatchedPriceChanges: factory.NewCounter(prometheus.CounterOpts{
			Name: "simtrader_shadow_batched_price_changes_total",
			Help: "Number of price_change entries seen inside batched frames.",
		}),
		PerAssetUpdateCounts: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "simtrader_shadow_asset_updates_total",
			Help: "Number of book-affecting updates per asset id.",
		}, []string{"asset_id"}),
	}
}

// Server optionally exposes the registry on addr at /metrics. Server
// returns a shutdown func; callers should defer it to close cleanly.
func (sm *ShadowMetrics) Server(addr string) (shutdown func(context.Context) error, err error) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(sm.registry, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux}

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("metrics server: %w", err)
		}
	}()

	return func(ctx context.Context) error {
		return srv.Shutdown(ctx)
	}, nil
}

// RecordAssetUpdate increments the per-asset update counter.
func (sm *ShadowMetrics) RecordAssetUpdate(assetID string) {
	sm.PerAssetUpdateCounts.WithLabelValues(assetID).Inc()
}
