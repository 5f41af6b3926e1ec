// Package metrics — prometheus-коллекторы сборки подресурсов и поиска заголовков.
// Все методы безопасны для nil-получателя.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "apisurface"

type Metrics struct {
	collectDuration *prometheus.HistogramVec
	conflicts       prometheus.Counter
	titleLookups    *prometheus.CounterVec
	titleDuration   prometheus.Histogram
	titleIDs        prometheus.Histogram
}

// New создаёт коллекторы и регистрирует их в reg (nil — без регистрации).
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		collectDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "subresources",
			Name:      "collect_duration_seconds",
			Help:      "Time to build the sub-resource collection for one version and request type.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"version", "request_type"}),
		conflicts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "subresources",
			Name:      "config_conflicts_total",
			Help:      "Sub-resource associations rejected because of configuration conflicts.",
		}),
		titleLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "titles",
			Name:      "lookups_total",
			Help:      "Batched title lookups by result.",
		}, []string{"result"}),
		titleDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "titles",
			Name:      "lookup_duration_seconds",
			Help:      "Duration of one batched title lookup.",
			Buckets:   prometheus.DefBuckets,
		}),
		titleIDs: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "titles",
			Name:      "lookup_identifiers",
			Help:      "Distinct identifiers requested by one batched title lookup.",
			Buckets:   prometheus.ExponentialBuckets(1, 4, 6),
		}),
	}
	if reg != nil {
		reg.MustRegister(m.collectDuration, m.conflicts, m.titleLookups, m.titleDuration, m.titleIDs)
	}
	return m
}

// ObserveCollect — одна сборка коллекции
func (m *Metrics) ObserveCollect(version, requestType string, d time.Duration, conflicts int) {
	if m == nil {
		return
	}
	m.collectDuration.WithLabelValues(version, requestType).Observe(d.Seconds())
	if conflicts > 0 {
		m.conflicts.Add(float64(conflicts))
	}
}

// ObserveTitleLookup — один пакетный запрос заголовков
func (m *Metrics) ObserveTitleLookup(d time.Duration, ids int, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.titleLookups.WithLabelValues(result).Inc()
	m.titleDuration.Observe(d.Seconds())
	m.titleIDs.Observe(float64(ids))
}
