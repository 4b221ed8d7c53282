package metrics

import (
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/inferloop/fedsim/pkg/interfaces"
)

// CollectorConfig configures the Prometheus collector
type CollectorConfig struct {
	Namespace      string            `json:"namespace" mapstructure:"namespace"`
	Subsystem      string            `json:"subsystem" mapstructure:"subsystem"`
	ConstLabels    map[string]string `json:"labels" mapstructure:"labels"`
	ProcessMetrics bool              `json:"process_metrics" mapstructure:"process_metrics"`
}

// Collector exports round progress, per-client training measurements and
// compute-tier occupancy. It implements the orchestrator's round observer.
type Collector struct {
	logger   *logrus.Logger
	registry *prometheus.Registry

	roundsTotal         *prometheus.CounterVec
	roundDuration       prometheus.Histogram
	currentRound        prometheus.Gauge
	avgValAccuracy      prometheus.Gauge
	avgTestAccuracy     prometheus.Gauge
	clientValAccuracy   *prometheus.GaugeVec
	clientTestAccuracy  *prometheus.GaugeVec
	clientSteps         *prometheus.GaugeVec
	clientUpdateNorm    *prometheus.GaugeVec
	clientTrainDuration *prometheus.HistogramVec
	computeTierBytes    prometheus.Gauge
	errorsTotal         *prometheus.CounterVec
}

// NewCollector creates a collector backed by its own registry
func NewCollector(config *CollectorConfig, logger *logrus.Logger) (*Collector, error) {
	if config == nil {
		config = DefaultCollectorConfig()
	}

	if logger == nil {
		logger = logrus.New()
	}

	c := &Collector{
		logger:   logger,
		registry: prometheus.NewRegistry(),
	}

	c.initializeMetrics(config)

	if err := c.registerMetrics(config); err != nil {
		return nil, fmt.Errorf("failed to register metrics: %w", err)
	}

	return c, nil
}

// DefaultCollectorConfig returns the default namespace layout
func DefaultCollectorConfig() *CollectorConfig {
	return &CollectorConfig{
		Namespace: "fedsim",
		Subsystem: "round",
	}
}

// ObserveClient records the local training of one proxy client
func (c *Collector) ObserveClient(proxyID string, duration time.Duration, steps int, updateNorm float64) {
	c.clientTrainDuration.WithLabelValues(proxyID).Observe(duration.Seconds())
	c.clientSteps.WithLabelValues(proxyID).Set(float64(steps))
	c.clientUpdateNorm.WithLabelValues(proxyID).Set(updateNorm)
}

// ObserveRound records the outcome of a finished round
func (c *Collector) ObserveRound(record *interfaces.RoundRecord) {
	if record == nil {
		return
	}

	c.roundsTotal.WithLabelValues(record.Algorithm).Inc()
	c.roundDuration.Observe(record.Duration.Seconds())
	c.currentRound.Set(float64(record.Round))
	c.avgValAccuracy.Set(record.AvgValAcc)
	c.avgTestAccuracy.Set(record.AvgTestAcc)

	for proxy, v := range record.ValAcc {
		c.clientValAccuracy.WithLabelValues(proxy).Set(v)
	}
	for proxy, v := range record.TestAcc {
		c.clientTestAccuracy.WithLabelValues(proxy).Set(v)
	}

	c.logger.WithFields(logrus.Fields{
		"round":        record.Round,
		"avg_val_acc":  record.AvgValAcc,
		"avg_test_acc": record.AvgTestAcc,
	}).Debug("Round metrics updated")
}

// SetOccupancy records the bytes resident on the compute tier
func (c *Collector) SetOccupancy(bytes int64) {
	c.computeTierBytes.Set(float64(bytes))
}

// RecordError counts a failure by component and error type
func (c *Collector) RecordError(component, errorType string) {
	c.errorsTotal.WithLabelValues(component, errorType).Inc()
}

// Handler serves the registry in the Prometheus exposition format
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// Registry returns the Prometheus registry
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

func (c *Collector) initializeMetrics(config *CollectorConfig) {
	namespace := config.Namespace
	subsystem := config.Subsystem
	labels := prometheus.Labels(config.ConstLabels)

	c.roundsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   subsystem,
			Name:        "completed_total",
			Help:        "Total number of completed communication rounds",
			ConstLabels: labels,
		},
		[]string{"algorithm"},
	)

	c.roundDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace:   namespace,
			Subsystem:   subsystem,
			Name:        "duration_seconds",
			Help:        "Wall time of a communication round in seconds",
			Buckets:     []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60, 300},
			ConstLabels: labels,
		},
	)

	c.currentRound = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace:   namespace,
			Subsystem:   subsystem,
			Name:        "current",
			Help:        "Index of the last completed round",
			ConstLabels: labels,
		},
	)

	c.avgValAccuracy = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace:   namespace,
			Subsystem:   subsystem,
			Name:        "avg_val_accuracy",
			Help:        "Mean validation accuracy over the clients of the last round",
			ConstLabels: labels,
		},
	)

	c.avgTestAccuracy = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace:   namespace,
			Subsystem:   subsystem,
			Name:        "avg_test_accuracy",
			Help:        "Mean test accuracy over the clients of the last round",
			ConstLabels: labels,
		},
	)

	c.clientValAccuracy = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace:   namespace,
			Subsystem:   "client",
			Name:        "val_accuracy",
			Help:        "Last validation accuracy of a proxy client",
			ConstLabels: labels,
		},
		[]string{"proxy_client"},
	)

	c.clientTestAccuracy = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace:   namespace,
			Subsystem:   "client",
			Name:        "test_accuracy",
			Help:        "Last test accuracy of a proxy client",
			ConstLabels: labels,
		},
		[]string{"proxy_client"},
	)

	c.clientSteps = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace:   namespace,
			Subsystem:   "client",
			Name:        "steps",
			Help:        "Cumulative local optimization steps of a proxy client",
			ConstLabels: labels,
		},
		[]string{"proxy_client"},
	)

	c.clientUpdateNorm = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace:   namespace,
			Subsystem:   "client",
			Name:        "update_norm",
			Help:        "L2 norm of the last update a proxy client contributed",
			ConstLabels: labels,
		},
		[]string{"proxy_client"},
	)

	c.clientTrainDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace:   namespace,
			Subsystem:   "client",
			Name:        "train_duration_seconds",
			Help:        "Local training duration in seconds",
			Buckets:     prometheus.DefBuckets,
			ConstLabels: labels,
		},
		[]string{"proxy_client"},
	)

	c.computeTierBytes = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace:   namespace,
			Subsystem:   "device",
			Name:        "compute_tier_bytes",
			Help:        "Bytes of parameters and optimizer state resident on the compute tier",
			ConstLabels: labels,
		},
	)

	c.errorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        "errors_total",
			Help:        "Total number of errors",
			ConstLabels: labels,
		},
		[]string{"component", "type"},
	)
}

func (c *Collector) registerMetrics(config *CollectorConfig) error {
	metrics := []prometheus.Collector{
		c.roundsTotal,
		c.roundDuration,
		c.currentRound,
		c.avgValAccuracy,
		c.avgTestAccuracy,
		c.clientValAccuracy,
		c.clientTestAccuracy,
		c.clientSteps,
		c.clientUpdateNorm,
		c.clientTrainDuration,
		c.computeTierBytes,
		c.errorsTotal,
	}

	if config.ProcessMetrics {
		metrics = append(metrics,
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}

	for _, metric := range metrics {
		if err := c.registry.Register(metric); err != nil {
			return fmt.Errorf("failed to register metric: %w", err)
		}
	}

	return nil
}
