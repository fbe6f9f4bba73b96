// Package metrics exposes Prometheus metrics for wanderplan. The
// collector is fed entirely from the event bus, so the turn engine has
// no metrics code of its own.
package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/nugget/wanderplan/internal/events"
)

// Metrics holds the collectors and the registry they live in.
type Metrics struct {
	registry *prometheus.Registry

	TurnsTotal        *prometheus.CounterVec
	TurnDuration      prometheus.Histogram
	TurnSteps         prometheus.Histogram
	SuspensionsTotal  prometheus.Counter
	ModelCallsTotal   *prometheus.CounterVec
	ModelCallDuration *prometheus.HistogramVec
	TokensTotal       *prometheus.CounterVec
	ToolCallsTotal    *prometheus.CounterVec
	ToolCallDuration  *prometheus.HistogramVec
	TripUpdatesTotal  prometheus.Counter
	TripsSharedTotal  prometheus.Counter
	StreamEventsTotal prometheus.Counter
	ActiveTurns       prometheus.Gauge
}

// New creates the metrics on a fresh registry that also carries the Go
// runtime and process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,
		TurnsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "wanderplan_turns_total",
			Help: "Turn invocations by final state",
		}, []string{"state"}),
		TurnDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "wanderplan_turn_duration_seconds",
			Help:    "Wall time of one turn invocation",
			Buckets: []float64{.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		}),
		TurnSteps: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "wanderplan_turn_steps",
			Help:    "Model calls made by one turn invocation",
			Buckets: []float64{1, 2, 3, 5, 8, 13, 21, 25},
		}),
		SuspensionsTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "wanderplan_turn_suspensions_total",
			Help: "Turns parked waiting for a user confirmation",
		}),
		ModelCallsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "wanderplan_model_calls_total",
			Help: "Completed model calls",
		}, []string{"model"}),
		ModelCallDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "wanderplan_model_call_duration_seconds",
			Help:    "Duration of a streamed model call",
			Buckets: prometheus.DefBuckets,
		}, []string{"model"}),
		TokensTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "wanderplan_tokens_total",
			Help: "Tokens consumed by direction",
		}, []string{"model", "direction"}),
		ToolCallsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "wanderplan_tool_calls_total",
			Help: "Tool executions by tool and outcome",
		}, []string{"tool", "status"}),
		ToolCallDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "wanderplan_tool_call_duration_seconds",
			Help:    "Duration of tool executions",
			Buckets: []float64{.001, .01, .05, .1, .5, 1, 2.5, 5, 10, 30},
		}, []string{"tool"}),
		TripUpdatesTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "wanderplan_trip_updates_total",
			Help: "Trip document mutations",
		}),
		TripsSharedTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "wanderplan_trips_shared_total",
			Help: "Trips frozen and shared",
		}),
		StreamEventsTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "wanderplan_stream_events_total",
			Help: "Events emitted to turn streams",
		}),
		ActiveTurns: f.NewGauge(prometheus.GaugeOpts{
			Name: "wanderplan_active_turns",
			Help: "Turns currently running",
		}),
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Observe updates the metrics for one bus event.
func (m *Metrics) Observe(e events.Event) {
	switch e.Kind {
	case events.KindTurnStart:
		m.ActiveTurns.Inc()
	case events.KindSuspended:
		m.SuspensionsTotal.Inc()
	case events.KindTurnComplete:
		m.ActiveTurns.Dec()
		m.TurnsTotal.WithLabelValues(str(e.Data["state"])).Inc()
		m.TurnSteps.Observe(num(e.Data["steps"]))
		m.TurnDuration.Observe(millis(e.Data["elapsed_ms"]))
	case events.KindLLMResponse:
		model := str(e.Data["model"])
		m.ModelCallsTotal.WithLabelValues(model).Inc()
		m.ModelCallDuration.WithLabelValues(model).Observe(millis(e.Data["elapsed_ms"]))
		m.TokensTotal.WithLabelValues(model, "input").Add(num(e.Data["tokens_in"]))
		m.TokensTotal.WithLabelValues(model, "output").Add(num(e.Data["tokens_out"]))
	case events.KindToolDone:
		tool := str(e.Data["tool"])
		status := "ok"
		if ok, _ := e.Data["ok"].(bool); !ok {
			status = "error"
		}
		m.ToolCallsTotal.WithLabelValues(tool, status).Inc()
		m.ToolCallDuration.WithLabelValues(tool).Observe(millis(e.Data["duration_ms"]))
	case events.KindTripUpdated:
		m.TripUpdatesTotal.Inc()
	case events.KindTripShared:
		m.TripsSharedTotal.Inc()
	case events.KindStreamEvent:
		m.StreamEventsTotal.Inc()
	}
}

// Run feeds bus events into the metrics until ctx is done.
func (m *Metrics) Run(ctx context.Context, bus *events.Bus) {
	ch := bus.Subscribe(256)
	defer bus.Unsubscribe(ch)
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-ch:
			if !ok {
				return
			}
			m.Observe(e)
		}
	}
}

func str(v any) string {
	s, _ := v.(string)
	if s == "" {
		return "unknown"
	}
	return s
}

// num accepts the integer types events carry in-process.
func num(v any) float64 {
	switch n := v.(type) {
	case int:
		return float64(n)
	case int64:
		return float64(n)
	case float64:
		return n
	}
	return 0
}

func millis(v any) float64 {
	return (time.Duration(num(v)) * time.Millisecond).Seconds()
}
