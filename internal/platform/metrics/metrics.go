// Package metrics creates prometheus collectors on an explicit registerer. A nil registerer
// leaves the collectors unregistered.
package metrics

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

const Namespace = "pipeline"

// MustRegisterCounterVec creates a counter vector and registers it with reg.
func MustRegisterCounterVec(reg prometheus.Registerer, component, name, help string, labelNames ...string) *prometheus.CounterVec {
	m := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: Namespace,
		Subsystem: component,
		Name:      name,
		Help:      help,
	}, labelNames)
	return register(reg, m)
}

// MustRegisterHistogramVec creates a histogram vector and registers it with reg.
func MustRegisterHistogramVec(reg prometheus.Registerer, component, name, help string, buckets []float64, labelNames ...string) *prometheus.HistogramVec {
	m := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: Namespace,
		Subsystem: component,
		Name:      name,
		Help:      help,
		Buckets:   buckets,
	}, labelNames)
	return register(reg, m)
}

// register returns the collector already registered under the same descriptor, so components
// sharing a registry in one process share their metrics.
func register[T prometheus.Collector](reg prometheus.Registerer, c T) T {
	if reg == nil {
		return c
	}
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(T); ok {
				return existing
			}
		}
		panic(err)
	}
	return c
}
