package storage

import (
	"fmt"
	"time"

	"github.com/digitalgoods/fulfillment-services/models/service"
	"github.com/prometheus/client_golang/prometheus"
)

const (
	OperationUpload = "upload"
	OperationLink   = "link"
	OperationDelete = "delete"
)

// Observer captures telemetry for gateway operations.
type Observer interface {
	RecordOperation(provider service.StorageProvider, operation string, duration time.Duration, err error)
	RecordUploadBytes(provider service.StorageProvider, size int64)
	RecordOrphan(provider service.StorageProvider)
}

// PrometheusObserver exports gateway metrics to Prometheus.
type PrometheusObserver struct {
	duration *prometheus.HistogramVec
	failures *prometheus.CounterVec
	bytes    *prometheus.CounterVec
	orphans  *prometheus.CounterVec
}

// NewPrometheusObserver registers per-provider latency, failure, byte
// and orphaned-upload metrics. Registering twice with the same
// registerer reuses the existing collectors.
func NewPrometheusObserver(namespace string, reg prometheus.Registerer) (*PrometheusObserver, error) {
	if namespace == "" {
		namespace = "fulfillment"
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	duration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "storage",
		Name:      "operation_duration_seconds",
		Help:      "Latency of storage provider operations.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"provider", "operation"})
	failures := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "storage",
		Name:      "operation_failures_total",
		Help:      "Count of failed storage provider operations.",
	}, []string{"provider", "operation"})
	bytes := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "storage",
		Name:      "uploaded_bytes_total",
		Help:      "Cumulative size of assets uploaded to each provider.",
	}, []string{"provider"})
	orphans := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "storage",
		Name:      "orphaned_uploads_total",
		Help:      "Uploads that finished after the caller stopped waiting.",
	}, []string{"provider"})

	observer := &PrometheusObserver{}
	var err error
	if observer.duration, err = register(reg, duration); err != nil {
		return nil, err
	}
	if observer.failures, err = register(reg, failures); err != nil {
		return nil, err
	}
	if observer.bytes, err = register(reg, bytes); err != nil {
		return nil, err
	}
	if observer.orphans, err = register(reg, orphans); err != nil {
		return nil, err
	}
	return observer, nil
}

func register[T prometheus.Collector](reg prometheus.Registerer, collector T) (T, error) {
	if err := reg.Register(collector); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(T); ok {
				return existing, nil
			}
		}
		var zero T
		return zero, fmt.Errorf("register storage metric: %w", err)
	}
	return collector, nil
}

func (o *PrometheusObserver) RecordOperation(provider service.StorageProvider, operation string, duration time.Duration, err error) {
	if o == nil {
		return
	}
	o.duration.WithLabelValues(provider.String(), operation).Observe(duration.Seconds())
	if err != nil {
		o.failures.WithLabelValues(provider.String(), operation).Inc()
	}
}

func (o *PrometheusObserver) RecordUploadBytes(provider service.StorageProvider, size int64) {
	if o == nil {
		return
	}
	o.bytes.WithLabelValues(provider.String()).Add(float64(size))
}

func (o *PrometheusObserver) RecordOrphan(provider service.StorageProvider) {
	if o == nil {
		return
	}
	o.orphans.WithLabelValues(provider.String()).Inc()
}

type nopObserver struct{}

func (nopObserver) RecordOperation(service.StorageProvider, string, time.Duration, error) {}

func (nopObserver) RecordUploadBytes(service.StorageProvider, int64) {}

func (nopObserver) RecordOrphan(service.StorageProvider) {}
