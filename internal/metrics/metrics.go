package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Metrics struct {
	Recalculations       *prometheus.CounterVec
	RecalcDuration       *prometheus.HistogramVec
	SettlementsCreated   prometheus.Counter
	SettlementsProcessed *prometheus.CounterVec
	ObsoleteCleaned      prometheus.Counter
	SchedulerTriggers    *prometheus.CounterVec
	SchedulerPending     prometheus.Gauge
	EventsPublished      *prometheus.CounterVec
	RequestCount         *prometheus.CounterVec
	RequestDuration      *prometheus.HistogramVec
}

func NewMetrics(registry *prometheus.Registry) *Metrics {
	m := &Metrics{
		Recalculations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "settlement_recalculations_total",
				Help: "Total settlement recalculations by outcome.",
			},
			[]string{"outcome"},
		),
		RecalcDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "settlement_recalculation_duration_seconds",
				Help:    "Settlement recalculation duration in seconds.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"mode"},
		),
		SettlementsCreated: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "settlements_created_total",
				Help: "Total active settlements written by recalculations.",
			},
		),
		SettlementsProcessed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "settlements_processed_total",
				Help: "Total settle attempts by outcome.",
			},
			[]string{"outcome"},
		),
		ObsoleteCleaned: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "settlements_obsolete_deleted_total",
				Help: "Total obsolete settlements removed by retention cleanup.",
			},
		),
		SchedulerTriggers: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "settlement_scheduler_triggers_total",
				Help: "Total recalculation triggers by mode.",
			},
			[]string{"mode"},
		),
		SchedulerPending: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "settlement_scheduler_pending",
				Help: "Groups with a pending debounced recalculation.",
			},
		),
		EventsPublished: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "settlement_events_published_total",
				Help: "Total notification events by outcome.",
			},
			[]string{"type", "outcome"},
		),
		RequestCount: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests.",
			},
			[]string{"method", "path", "status"},
		),
		RequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Duration of HTTP requests in seconds.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "path", "status"},
		),
	}

	registry.MustRegister(
		m.Recalculations,
		m.RecalcDuration,
		m.SettlementsCreated,
		m.SettlementsProcessed,
		m.ObsoleteCleaned,
		m.SchedulerTriggers,
		m.SchedulerPending,
		m.EventsPublished,
		m.RequestCount,
		m.RequestDuration,
	)
	return m
}

func Handler(registry *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}

func (m *Metrics) ObserveRecalculation(mode, outcome string, created int, duration time.Duration) {
	if m == nil {
		return
	}
	m.Recalculations.WithLabelValues(outcome).Inc()
	m.RecalcDuration.WithLabelValues(mode).Observe(duration.Seconds())
	if outcome == "success" {
		m.SettlementsCreated.Add(float64(created))
	}
}

func (m *Metrics) IncProcessed(outcome string) {
	if m == nil {
		return
	}
	m.SettlementsProcessed.WithLabelValues(outcome).Inc()
}

func (m *Metrics) AddObsoleteCleaned(n int64) {
	if m == nil || n <= 0 {
		return
	}
	m.ObsoleteCleaned.Add(float64(n))
}

func (m *Metrics) IncTrigger(mode string) {
	if m == nil {
		return
	}
	m.SchedulerTriggers.WithLabelValues(mode).Inc()
}

func (m *Metrics) SetPending(n int) {
	if m == nil {
		return
	}
	m.SchedulerPending.Set(float64(n))
}

func (m *Metrics) IncEvent(eventType, outcome string) {
	if m == nil {
		return
	}
	m.EventsPublished.WithLabelValues(eventType, outcome).Inc()
}

// Instrument records request counts and latency keyed by the matched chi route.
func (m *Metrics) Instrument(next http.Handler) http.Handler {
	if m == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		path := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				path = pattern
			}
		}
		status := strconv.Itoa(rec.status)
		m.RequestCount.WithLabelValues(r.Method, path, status).Inc()
		m.RequestDuration.WithLabelValues(r.Method, path, status).Observe(time.Since(start).Seconds())
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}
