package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

type Metrics struct {
	EnqueuedJobs  prometheus.Counter
	ProcessedJobs prometheus.Counter
	FailedJobs    prometheus.Counter
	UpdatesTotal  prometheus.Counter
	Deliveries    prometheus.Counter

	Turns          *prometheus.CounterVec
	Fallbacks      prometheus.Counter
	Classification *prometheus.CounterVec
	Images         *prometheus.CounterVec
	TurnDuration   *prometheus.HistogramVec
}

var (
	once   sync.Once
	global *Metrics
)

func Global() *Metrics {
	once.Do(func() {
		global = &Metrics{
			EnqueuedJobs: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "nexuschat",
				Name:      "queue_enqueued_total",
				Help:      "Total turn jobs enqueued to redis stream",
			}),
			ProcessedJobs: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "nexuschat",
				Name:      "queue_processed_total",
				Help:      "Total turn jobs successfully processed",
			}),
			FailedJobs: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "nexuschat",
				Name:      "queue_failed_total",
				Help:      "Total turn jobs failed during processing",
			}),
			UpdatesTotal: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "nexuschat",
				Name:      "telegram_updates_total",
				Help:      "Total telegram updates received",
			}),
			Deliveries: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "nexuschat",
				Name:      "stream_updates_delivered_total",
				Help:      "Stream updates pushed to a reply surface",
			}),
			Turns: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "nexuschat",
				Name:      "turns_total",
				Help:      "Chat turns by mode and terminal status",
			}, []string{"mode", "status"}),
			Fallbacks: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "nexuschat",
				Name:      "transport_fallbacks_total",
				Help:      "Turns that switched from the primary to the fallback transport",
			}),
			Classification: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "nexuschat",
				Name:      "intent_classifications_total",
				Help:      "Intent decisions by source and result",
			}, []string{"source", "image"}),
			Images: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "nexuschat",
				Name:      "image_generations_total",
				Help:      "Image generation attempts by result",
			}, []string{"result"}),
			TurnDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "nexuschat",
				Name:      "turn_duration_seconds",
				Help:      "Wall time from submission to terminal update",
				Buckets:   []float64{0.25, 0.5, 1, 2, 5, 10, 20, 40, 80, 160},
			}, []string{"mode"}),
		}
		prometheus.MustRegister(
			global.EnqueuedJobs, global.ProcessedJobs, global.FailedJobs, global.UpdatesTotal, global.Deliveries,
			global.Turns, global.Fallbacks, global.Classification, global.Images, global.TurnDuration,
		)
	})
	return global
}

// ObserveTurn records a finished turn. Safe on a nil receiver.
func (m *Metrics) ObserveTurn(mode, status string, started time.Time) {
	if m == nil {
		return
	}
	m.Turns.WithLabelValues(mode, status).Inc()
	m.TurnDuration.WithLabelValues(mode).Observe(time.Since(started).Seconds())
}

func (m *Metrics) ObserveFallback() {
	if m == nil {
		return
	}
	m.Fallbacks.Inc()
}

func (m *Metrics) ObserveClassification(source string, image bool) {
	if m == nil {
		return
	}
	label := "false"
	if image {
		label = "true"
	}
	m.Classification.WithLabelValues(source, label).Inc()
}

func (m *Metrics) ObserveImage(err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.Images.WithLabelValues(result).Inc()
}
