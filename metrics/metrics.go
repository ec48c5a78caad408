// Package metrics exposes Prometheus counters for the ingest pipeline. A nil
// *Metrics is valid and records nothing.
package metrics

import "github.com/prometheus/client_golang/prometheus"

type Metrics struct {
	beacons        *prometheus.CounterVec
	funnelAdvances *prometheus.CounterVec
	mirrorRows     *prometheus.CounterVec
	slowQueries    *prometheus.CounterVec
}

func New(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		beacons: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "trackwell",
			Name:      "beacons_total",
			Help:      "Ingested pageviews and events by type and result.",
		}, []string{"type", "result"}),
		funnelAdvances: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "trackwell",
			Name:      "funnel_advances_total",
			Help:      "Funnel step advances, labelled by whether the advance converted.",
		}, []string{"converted"}),
		mirrorRows: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "trackwell",
			Name:      "mirror_rows_total",
			Help:      "Rows handled by the analytics mirror by outcome.",
		}, []string{"outcome"}),
		slowQueries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "trackwell",
			Name:      "db_slow_queries_total",
			Help:      "Statements slower than the configured threshold.",
		}, []string{"kind"}),
	}

	if reg != nil {
		for _, c := range []prometheus.Collector{m.beacons, m.funnelAdvances, m.mirrorRows, m.slowQueries} {
			if err := reg.Register(c); err != nil {
				return nil, err
			}
		}
	}
	return m, nil
}

// Beacon counts one processed pageview or event.
func (m *Metrics) Beacon(typ, result string) {
	if m == nil {
		return
	}
	m.beacons.WithLabelValues(typ, result).Inc()
}

func (m *Metrics) FunnelAdvanced(converted bool) {
	if m == nil {
		return
	}
	label := "false"
	if converted {
		label = "true"
	}
	m.funnelAdvances.WithLabelValues(label).Inc()
}

// MirrorRows counts n rows with outcome "sent", "failed" or "dropped".
func (m *Metrics) MirrorRows(outcome string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.mirrorRows.WithLabelValues(outcome).Add(float64(n))
}

func (m *Metrics) SlowQuery(kind string) {
	if m == nil {
		return
	}
	m.slowQueries.WithLabelValues(kind).Inc()
}
