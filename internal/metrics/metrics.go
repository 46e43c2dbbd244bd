// Package metrics holds the viewer's Prometheus instrumentation.
package metrics

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

const namespace = "liveview"

// Metrics groups every counter the core components update. A nil *Metrics
// is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	FramesIngested   prometheus.Counter
	FramesDropped    prometheus.Counter
	FramesDecoded    prometheus.Counter
	DecodeFailures   prometheus.Counter
	DisposalFailures prometheus.Counter
	StreamPayloads   prometheus.Counter

	Commands         *prometheus.CounterVec
	StaleResolutions prometheus.Counter
	Notifications    *prometheus.CounterVec
	NotifyFailures   prometheus.Counter
	DecodeDuration   prometheus.Histogram
}

// New creates the metrics and registers them on a private registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),

		FramesIngested: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "frames", Name: "ingested_total",
			Help: "Raw payloads admitted for decoding",
		}),
		FramesDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "frames", Name: "dropped_total",
			Help: "Raw payloads dropped because a decode was already pending",
		}),
		FramesDecoded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "frames", Name: "decoded_total",
			Help: "Frames decoded and published as current",
		}),
		DecodeFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "frames", Name: "decode_failures_total",
			Help: "Payloads that failed to decode",
		}),
		DisposalFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "frames", Name: "disposal_failures_total",
			Help: "Superseded frames whose disposal returned an error",
		}),
		StreamPayloads: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "stream", Name: "payloads_total",
			Help: "Payloads read from the live-view stream",
		}),
		Commands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "settings", Name: "commands_total",
			Help: "Settings round trips by field and outcome (committed, rolled_back)",
		}, []string{"field", "outcome"}),
		StaleResolutions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "settings", Name: "stale_resolutions_total",
			Help: "Resolutions discarded because a newer edit of the same field had resolved",
		}),
		Notifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "bridge", Name: "notifications_total",
			Help: "Attribute change notifications published",
		}, []string{"attribute"}),
		NotifyFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "bridge", Name: "notify_failures_total",
			Help: "Listener failures during fan-out and failed posts to the state loop",
		}),
		DecodeDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "frames", Name: "decode_duration_seconds",
			Help:    "Time spent decoding one payload",
			Buckets: []float64{.001, .0025, .005, .01, .025, .05, .1},
		}),
	}

	m.registry.MustRegister(
		m.FramesIngested, m.FramesDropped, m.FramesDecoded, m.DecodeFailures,
		m.DisposalFailures, m.StreamPayloads, m.Commands, m.StaleResolutions,
		m.Notifications, m.NotifyFailures, m.DecodeDuration,
		collectors.NewGoCollector(),
	)
	return m
}

// Registry exposes the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) inc(c func() prometheus.Counter) {
	if m == nil {
		return
	}
	c().Inc()
}

// AddIngested counts a payload admitted for decoding.
func (m *Metrics) AddIngested() { m.inc(func() prometheus.Counter { return m.FramesIngested }) }

// AddDropped counts a payload rejected by the admission gate.
func (m *Metrics) AddDropped() { m.inc(func() prometheus.Counter { return m.FramesDropped }) }

// AddDecoded counts a published frame.
func (m *Metrics) AddDecoded() { m.inc(func() prometheus.Counter { return m.FramesDecoded }) }

// AddDecodeFailure counts a payload that failed to decode.
func (m *Metrics) AddDecodeFailure() { m.inc(func() prometheus.Counter { return m.DecodeFailures }) }

// AddDisposalFailure counts a failed frame disposal.
func (m *Metrics) AddDisposalFailure() { m.inc(func() prometheus.Counter { return m.DisposalFailures }) }

// AddStreamPayload counts a payload read from the camera stream.
func (m *Metrics) AddStreamPayload() { m.inc(func() prometheus.Counter { return m.StreamPayloads }) }

// AddStaleResolution counts a discarded out-of-order settings resolution.
func (m *Metrics) AddStaleResolution() { m.inc(func() prometheus.Counter { return m.StaleResolutions }) }

// AddNotifyFailure counts a failed notification delivery.
func (m *Metrics) AddNotifyFailure() { m.inc(func() prometheus.Counter { return m.NotifyFailures }) }

// Command records the outcome of one settings round trip.
func (m *Metrics) Command(field, outcome string) {
	if m == nil {
		return
	}
	m.Commands.WithLabelValues(field, outcome).Inc()
}

// Notification records one published attribute change.
func (m *Metrics) Notification(attribute string) {
	if m == nil {
		return
	}
	m.Notifications.WithLabelValues(attribute).Inc()
}

// ObserveDecode records how long a decode took.
func (m *Metrics) ObserveDecode(d time.Duration) {
	if m == nil {
		return
	}
	m.DecodeDuration.Observe(d.Seconds())
}

// Serve exposes /metrics on addr until ctx is cancelled.
func (m *Metrics) Serve(ctx context.Context, addr string, logger *zap.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}))

	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logger.Info("metrics endpoint listening", zap.String("addr", addr))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("metrics server: %w", err)
	}
	return nil
}
