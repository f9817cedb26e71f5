package service

import (
	"fmt"
	"net/http"
	"runtime"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// MetricsService encapsulates Prometheus instrumentation for the ingestion
// pipeline and the HTTP surface.
type MetricsService struct {
	registry        *prometheus.Registry
	handler         http.Handler
	requestDuration *prometheus.HistogramVec
	requestTotal    *prometheus.CounterVec
	ingestTotal     *prometheus.CounterVec
	processSeconds  prometheus.Observer
	geofenceTotal   *prometheus.CounterVec
	attendanceTotal *prometheus.CounterVec
	alertTotal      *prometheus.CounterVec
	activeTrips     prometheus.Gauge
	deadLetterDepth prometheus.Gauge
	dbQueryDuration *prometheus.HistogramVec
}

// NewMetricsService registers core Prometheus collectors.
func NewMetricsService() *MetricsService {
	registry := prometheus.NewRegistry()

	requestDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "http_request_duration_seconds",
		Help:    "Duration of HTTP requests in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path", "status"})

	requestTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "http_requests_total",
		Help: "Total number of HTTP requests",
	}, []string{"method", "path", "status"})

	ingestTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ingest_events_total",
		Help: "Ingested events by kind and outcome",
	}, []string{"kind", "outcome"})

	processSeconds := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "ingest_processing_seconds",
		Help:    "Time spent applying one event to the engine",
		Buckets: prometheus.DefBuckets,
	})

	geofenceTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "geofence_events_total",
		Help: "Geofence crossings by kind",
	}, []string{"kind"})

	attendanceTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "attendance_transitions_total",
		Help: "Attendance state transitions by resulting status",
	}, []string{"status"})

	alertTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "alert_intents_total",
		Help: "Alert intents handed to the dispatcher",
	}, []string{"kind"})

	activeTrips := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "trips_in_progress",
		Help: "Trips currently in progress",
	})

	deadLetterDepth := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "dead_letter_depth",
		Help: "Events parked in the dead-letter sink",
	})

	dbQueryDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "db_query_duration_seconds",
		Help:    "Duration of database queries",
		Buckets: prometheus.DefBuckets,
	}, []string{"query"})

	goroutines := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "goroutines_total",
		Help: "Total number of goroutines",
	}, func() float64 {
		return float64(runtime.NumGoroutine())
	})

	registry.MustRegister(requestDuration, requestTotal, ingestTotal, processSeconds,
		geofenceTotal, attendanceTotal, alertTotal, activeTrips, deadLetterDepth,
		dbQueryDuration, goroutines)

	handler := promhttp.HandlerFor(registry, promhttp.HandlerOpts{})

	return &MetricsService{
		registry:        registry,
		handler:         handler,
		requestDuration: requestDuration,
		requestTotal:    requestTotal,
		ingestTotal:     ingestTotal,
		processSeconds:  processSeconds,
		geofenceTotal:   geofenceTotal,
		attendanceTotal: attendanceTotal,
		alertTotal:      alertTotal,
		activeTrips:     activeTrips,
		deadLetterDepth: deadLetterDepth,
		dbQueryDuration: dbQueryDuration,
	}
}

// Handler exposes the Prometheus HTTP handler.
func (m *MetricsService) Handler() http.Handler {
	if m == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
		})
	}
	return m.handler
}

// ObserveHTTPRequest records request metrics.
func (m *MetricsService) ObserveHTTPRequest(method, path string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	labelStatus := fmt.Sprintf("%d", status)
	m.requestDuration.WithLabelValues(method, path, labelStatus).Observe(duration.Seconds())
	m.requestTotal.WithLabelValues(method, path, labelStatus).Inc()
}

// RecordIngest counts one event by kind and outcome (accepted, invalid,
// no_active_trip, out_of_order, dead_letter...).
func (m *MetricsService) RecordIngest(kind, outcome string) {
	if m == nil {
		return
	}
	m.ingestTotal.WithLabelValues(kind, outcome).Inc()
}

// ObserveProcessing records how long one event took inside the engine.
func (m *MetricsService) ObserveProcessing(duration time.Duration) {
	if m == nil {
		return
	}
	m.processSeconds.Observe(duration.Seconds())
}

// RecordGeofence counts one emitted crossing.
func (m *MetricsService) RecordGeofence(kind string) {
	if m == nil {
		return
	}
	m.geofenceTotal.WithLabelValues(kind).Inc()
}

// RecordAttendance counts one applied transition.
func (m *MetricsService) RecordAttendance(status string) {
	if m == nil {
		return
	}
	m.attendanceTotal.WithLabelValues(status).Inc()
}

// RecordAlert counts one intent handed to the dispatcher.
func (m *MetricsService) RecordAlert(kind string) {
	if m == nil {
		return
	}
	m.alertTotal.WithLabelValues(kind).Inc()
}

// TripStarted and TripFinished track the in-progress gauge.
func (m *MetricsService) TripStarted() {
	if m == nil {
		return
	}
	m.activeTrips.Inc()
}

func (m *MetricsService) TripFinished() {
	if m == nil {
		return
	}
	m.activeTrips.Dec()
}

// SetDeadLetterDepth reports the sink depth.
func (m *MetricsService) SetDeadLetterDepth(depth int64) {
	if m == nil {
		return
	}
	m.deadLetterDepth.Set(float64(depth))
}

// ObserveDBQuery records database query timing.
func (m *MetricsService) ObserveDBQuery(label string, duration time.Duration) {
	if m == nil {
		return
	}
	m.dbQueryDuration.WithLabelValues(label).Observe(duration.Seconds())
}
