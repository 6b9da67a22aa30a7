package metrics

import (
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
)

// PoolStatter is satisfied by *pgxpool.Pool.
type PoolStatter interface {
	Stat() *pgxpool.Stat
}

type poolSample struct {
	desc      *prometheus.Desc
	valueType prometheus.ValueType
	labels    []string
	value     func(*pgxpool.Stat) float64
}

// poolCollector reads pool statistics on every scrape. role names what the
// pool backs (the diagnostics store today) so a second pool can share the
// metric families.
type poolCollector struct {
	pool    PoolStatter
	samples []poolSample
}

// RegisterPoolMetrics exports connection and acquire statistics for pool,
// labelled with role.
func RegisterPoolMetrics(reg prometheus.Registerer, role string, pool PoolStatter) {
	constLabels := prometheus.Labels{"role": role}
	conns := prometheus.NewDesc(
		"cartcover_db_pool_connections",
		"Database connections in the pool by state.",
		[]string{"state"}, constLabels,
	)

	reg.MustRegister(&poolCollector{
		pool: pool,
		samples: []poolSample{
			{desc: conns, valueType: prometheus.GaugeValue, labels: []string{"acquired"},
				value: func(s *pgxpool.Stat) float64 { return float64(s.AcquiredConns()) }},
			{desc: conns, valueType: prometheus.GaugeValue, labels: []string{"idle"},
				value: func(s *pgxpool.Stat) float64 { return float64(s.IdleConns()) }},
			{desc: conns, valueType: prometheus.GaugeValue, labels: []string{"constructing"},
				value: func(s *pgxpool.Stat) float64 { return float64(s.ConstructingConns()) }},
			{
				desc: prometheus.NewDesc("cartcover_db_pool_max_connections",
					"Maximum connections the pool may open.", nil, constLabels),
				valueType: prometheus.GaugeValue,
				value:     func(s *pgxpool.Stat) float64 { return float64(s.MaxConns()) },
			},
			{
				desc: prometheus.NewDesc("cartcover_db_pool_acquires_total",
					"Connections acquired from the pool.", nil, constLabels),
				valueType: prometheus.CounterValue,
				value:     func(s *pgxpool.Stat) float64 { return float64(s.AcquireCount()) },
			},
			{
				desc: prometheus.NewDesc("cartcover_db_pool_waited_acquires_total",
					"Acquires that had to wait for a connection.", nil, constLabels),
				valueType: prometheus.CounterValue,
				value:     func(s *pgxpool.Stat) float64 { return float64(s.EmptyAcquireCount()) },
			},
			{
				desc: prometheus.NewDesc("cartcover_db_pool_acquire_wait_seconds_total",
					"Time spent waiting to acquire connections.", nil, constLabels),
				valueType: prometheus.CounterValue,
				value:     func(s *pgxpool.Stat) float64 { return s.AcquireDuration().Seconds() },
			},
		},
	})
}

func (c *poolCollector) Describe(ch chan<- *prometheus.Desc) {
	seen := make(map[*prometheus.Desc]bool, len(c.samples))
	for _, s := range c.samples {
		if !seen[s.desc] {
			seen[s.desc] = true
			ch <- s.desc
		}
	}
}

func (c *poolCollector) Collect(ch chan<- prometheus.Metric) {
	stat := c.pool.Stat()
	for _, s := range c.samples {
		ch <- prometheus.MustNewConstMetric(s.desc, s.valueType, s.value(stat), s.labels...)
	}
}
