package coordinator

import (
	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "supervisor"

var descSessions = prometheus.NewDesc(
	prometheus.BuildFQName(metricsNamespace, "", "sessions"),
	"Number of registered sessions by lifecycle state.",
	[]string{"state"}, nil,
)

// Metrics holds the supervisor's Prometheus collectors
type Metrics struct {
	cleanups  *prometheus.CounterVec
	jobs      *prometheus.CounterVec
	evictions prometheus.Counter
	reconcile *prometheus.CounterVec
}

func newMetrics() *Metrics {
	return &Metrics{
		cleanups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "cleanups_total",
			Help:      "Completed session teardowns by mode.",
		}, []string{"mode"}),
		jobs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "jobs_total",
			Help:      "Dispatched jobs by outcome.",
		}, []string{"result"}),
		evictions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "evictions_total",
			Help:      "Idle sessions evicted under memory pressure.",
		}),
		reconcile: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "reconcile_actions_total",
			Help:      "Reconciliation decisions by action.",
		}, []string{"action"}),
	}
}

// register adds the collectors and a live session gauge to reg
func (m *Metrics) register(reg prometheus.Registerer, sup *Supervisor) error {
	collectors := []prometheus.Collector{
		m.cleanups, m.jobs, m.evictions, m.reconcile,
		&sessionCollector{sup: sup},
	}
	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}

func (m *Metrics) cleanup(full bool) {
	if full {
		m.cleanups.WithLabelValues("full").Inc()
	} else {
		m.cleanups.WithLabelValues("graceful").Inc()
	}
}

// sessionCollector reports the registry at scrape time
type sessionCollector struct {
	sup *Supervisor
}

var _ prometheus.Collector = &sessionCollector{}

func (c *sessionCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- descSessions
}

func (c *sessionCollector) Collect(ch chan<- prometheus.Metric) {
	counts := make(map[LifecycleState]int)
	for _, info := range c.sup.GetAllSessions() {
		counts[info.State]++
	}
	for state, n := range counts {
		ch <- prometheus.MustNewConstMetric(descSessions, prometheus.GaugeValue, float64(n), string(state))
	}
}
