package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the Prometheus counters, histograms, and gauges for the
// capture, normalization, forecasting, and control stages.
type Metrics struct {
	RawCaptured        prometheus.Counter
	ReadingsNormalized prometheus.Counter
	DuplicatesSkipped  prometheus.Counter
	ParseFailures      prometheus.Counter
	PipelineRunning    prometheus.Gauge

	// Batch processing metrics.
	BatchSize               prometheus.Histogram
	BatchProcessingDuration prometheus.Histogram

	// Forecast metrics.
	ForecastUpdates   prometheus.Counter
	OutOfOrderDropped prometheus.Counter

	// Control and actuation metrics.
	ControlTransitions      *prometheus.CounterVec   // labels: device_id, command={on,off}
	ControlRejections       *prometheus.CounterVec   // labels: device_id, reason={dwell,stale,no_data}
	ActuationAttempts       *prometheus.CounterVec   // labels: device_id, outcome={accepted,failed,exhausted}
	ActuationDroppedCommand prometheus.Counter
	ActuatorRequestDuration *prometheus.HistogramVec // labels: device_id

	// Export metrics.
	ReadingsExported prometheus.Counter
	ExportErrors     prometheus.Counter
	ExportEnabled    prometheus.Gauge
}

// NewMetrics creates and registers all pipeline metrics with the default Prometheus registry.
func NewMetrics() *Metrics {
	m := &Metrics{
		RawCaptured: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "climate_etl",
			Name:      "raw_captured_total",
			Help:      "Total raw payloads appended to the capture store.",
		}),
		ReadingsNormalized: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "climate_etl",
			Name:      "readings_normalized_total",
			Help:      "Total structured readings inserted by the normalizer.",
		}),
		DuplicatesSkipped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "climate_etl",
			Name:      "duplicates_skipped_total",
			Help:      "Total readings absorbed as duplicates of an existing row.",
		}),
		ParseFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "climate_etl",
			Name:      "parse_failures_total",
			Help:      "Total raw payloads rejected by the parser.",
		}),
		PipelineRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "climate_etl",
			Name:      "pipeline_running",
			Help:      "1 when the normalizer loop is active, 0 when shut down.",
		}),
		BatchSize: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "climate_etl",
			Name:      "batch_size",
			Help:      "Number of raw records per normalization batch.",
			Buckets:   []float64{1, 5, 10, 25, 50, 100, 150, 200},
		}),
		BatchProcessingDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "climate_etl",
			Name:      "batch_processing_duration_seconds",
			Help:      "Duration of a complete read-parse-commit batch cycle.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 2.5, 5, 10},
		}),
		ForecastUpdates: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "climate_etl",
			Name:      "forecast_updates_total",
			Help:      "Total observations folded into forecast state.",
		}),
		OutOfOrderDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "climate_etl",
			Name:      "out_of_order_dropped_total",
			Help:      "Total readings rejected by the forecaster as older than its state.",
		}),
		ControlTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "climate_etl",
			Name:      "control_transitions_total",
			Help:      "Fan state transitions by device and commanded state.",
		}, []string{"device_id", "command"}),
		ControlRejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "climate_etl",
			Name:      "control_rejections_total",
			Help:      "Control evaluations that wanted a transition but were held back.",
		}, []string{"device_id", "reason"}),
		ActuationAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "climate_etl",
			Name:      "actuation_attempts_total",
			Help:      "Actuator command deliveries by device and outcome.",
		}, []string{"device_id", "outcome"}),
		ActuationDroppedCommand: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "climate_etl",
			Name:      "actuation_dropped_commands_total",
			Help:      "Commands dropped because the actuation queue was full.",
		}),
		ActuatorRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "climate_etl",
			Name:      "actuator_request_duration_seconds",
			Help:      "Actuator HTTP request duration in seconds.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		}, []string{"device_id"}),
		ReadingsExported: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "climate_etl",
			Name:      "readings_exported_total",
			Help:      "Total normalized readings published to the export topic.",
		}),
		ExportErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "climate_etl",
			Name:      "export_errors_total",
			Help:      "Total failed export publishes.",
		}),
		ExportEnabled: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "climate_etl",
			Name:      "export_enabled",
			Help:      "1 when the Kafka export is enabled, 0 otherwise.",
		}),
	}

	prometheus.MustRegister(
		m.RawCaptured,
		m.ReadingsNormalized,
		m.DuplicatesSkipped,
		m.ParseFailures,
		m.PipelineRunning,
		m.BatchSize,
		m.BatchProcessingDuration,
		m.ForecastUpdates,
		m.OutOfOrderDropped,
		m.ControlTransitions,
		m.ControlRejections,
		m.ActuationAttempts,
		m.ActuationDroppedCommand,
		m.ActuatorRequestDuration,
		m.ReadingsExported,
		m.ExportErrors,
		m.ExportEnabled,
	)

	return m
}

// NewMetricsForTesting creates Metrics with a fresh registry to avoid
// "already registered" panics when called from multiple tests.
func NewMetricsForTesting() *Metrics {
	return &Metrics{
		RawCaptured:             prometheus.NewCounter(prometheus.CounterOpts{Namespace: "climate_etl", Name: "raw_captured_total"}),
		ReadingsNormalized:      prometheus.NewCounter(prometheus.CounterOpts{Namespace: "climate_etl", Name: "readings_normalized_total"}),
		DuplicatesSkipped:       prometheus.NewCounter(prometheus.CounterOpts{Namespace: "climate_etl", Name: "duplicates_skipped_total"}),
		ParseFailures:           prometheus.NewCounter(prometheus.CounterOpts{Namespace: "climate_etl", Name: "parse_failures_total"}),
		PipelineRunning:         prometheus.NewGauge(prometheus.GaugeOpts{Namespace: "climate_etl", Name: "pipeline_running"}),
		BatchSize:               prometheus.NewHistogram(prometheus.HistogramOpts{Namespace: "climate_etl", Name: "batch_size"}),
		BatchProcessingDuration: prometheus.NewHistogram(prometheus.HistogramOpts{Namespace: "climate_etl", Name: "batch_processing_duration_seconds"}),
		ForecastUpdates:         prometheus.NewCounter(prometheus.CounterOpts{Namespace: "climate_etl", Name: "forecast_updates_total"}),
		OutOfOrderDropped:       prometheus.NewCounter(prometheus.CounterOpts{Namespace: "climate_etl", Name: "out_of_order_dropped_total"}),
		ControlTransitions:      prometheus.NewCounterVec(prometheus.CounterOpts{Namespace: "climate_etl", Name: "control_transitions_total"}, []string{"device_id", "command"}),
		ControlRejections:       prometheus.NewCounterVec(prometheus.CounterOpts{Namespace: "climate_etl", Name: "control_rejections_total"}, []string{"device_id", "reason"}),
		ActuationAttempts:       prometheus.NewCounterVec(prometheus.CounterOpts{Namespace: "climate_etl", Name: "actuation_attempts_total"}, []string{"device_id", "outcome"}),
		ActuationDroppedCommand: prometheus.NewCounter(prometheus.CounterOpts{Namespace: "climate_etl", Name: "actuation_dropped_commands_total"}),
		ActuatorRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{Namespace: "climate_etl", Name: "actuator_request_duration_seconds"}, []string{"device_id"}),
		ReadingsExported:        prometheus.NewCounter(prometheus.CounterOpts{Namespace: "climate_etl", Name: "readings_exported_total"}),
		ExportErrors:            prometheus.NewCounter(prometheus.CounterOpts{Namespace: "climate_etl", Name: "export_errors_total"}),
		ExportEnabled:           prometheus.NewGauge(prometheus.GaugeOpts{Namespace: "climate_etl", Name: "export_enabled"}),
	}
}
