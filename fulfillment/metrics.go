package fulfillment

import (
	"errors"
	"fmt"
	"time"

	"github.com/digitalgoods/fulfillment-services/models/service"
	"github.com/prometheus/client_golang/prometheus"
)

// Observer records the outcome of each Fulfill call.
type Observer interface {
	RecordOutcome(result *service.FulfillmentResult, duration time.Duration)
}

// PrometheusObserver counts outcomes by state and reason.
type PrometheusObserver struct {
	outcomes *prometheus.CounterVec
	duration prometheus.Histogram
}

func NewPrometheusObserver(namespace string, reg prometheus.Registerer) (*PrometheusObserver, error) {
	if namespace == "" {
		namespace = "fulfillment"
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	outcomes := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "outcomes_total",
		Help:      "Fulfillment results by final state and failure reason.",
	}, []string{"state", "reason", "replayed"})
	duration := prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "duration_seconds",
		Help:      "Time taken to fulfill an order line.",
		Buckets:   prometheus.DefBuckets,
	})
	observer := &PrometheusObserver{outcomes: outcomes, duration: duration}
	if err := reg.Register(outcomes); err != nil {
		var are prometheus.AlreadyRegisteredError
		if !errors.As(err, &are) {
			return nil, fmt.Errorf("register fulfillment metric: %w", err)
		}
		observer.outcomes = are.ExistingCollector.(*prometheus.CounterVec)
	}
	if err := reg.Register(duration); err != nil {
		var are prometheus.AlreadyRegisteredError
		if !errors.As(err, &are) {
			return nil, fmt.Errorf("register fulfillment metric: %w", err)
		}
		observer.duration = are.ExistingCollector.(prometheus.Histogram)
	}
	return observer, nil
}

func (o *PrometheusObserver) RecordOutcome(result *service.FulfillmentResult, duration time.Duration) {
	if o == nil {
		return
	}
	o.outcomes.WithLabelValues(result.State, result.Reason, fmt.Sprintf("%t", result.Replayed)).Inc()
	o.duration.Observe(duration.Seconds())
}

// OutcomeCount returns the number of results recorded with the given
// state, reason and replay flag.
func (o *PrometheusObserver) OutcomeCount(state, reason string, replayed bool) prometheus.Counter {
	return o.outcomes.WithLabelValues(state, reason, fmt.Sprintf("%t", replayed))
}

type nopObserver struct{}

func (nopObserver) RecordOutcome(*service.FulfillmentResult, time.Duration) {}
