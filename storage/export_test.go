package storage

import (
	"github.com/digitalgoods/fulfillment-services/models/service"
	"github.com/prometheus/client_golang/prometheus"
)

// Test hooks into the observer's counters.

func FailureCounter(o *PrometheusObserver, provider service.StorageProvider, operation string) prometheus.Collector {
	return o.failures.WithLabelValues(provider.String(), operation)
}

func OrphanCounter(o *PrometheusObserver, provider service.StorageProvider) prometheus.Collector {
	return o.orphans.WithLabelValues(provider.String())
}
