package metrics

import (
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
)

// poolGauge pairs a metric description with the pgxpool stat it reads.
type poolGauge struct {
	desc *prometheus.Desc
	read func(*pgxpool.Stat) float64
}

type poolCollector struct {
	pool   *pgxpool.Pool
	gauges []poolGauge
}

// RegisterPoolMetrics registers a collector that reports live pgxpool
// connection statistics on every scrape.
func RegisterPoolMetrics(reg prometheus.Registerer, pool *pgxpool.Pool) {
	gauge := func(name, help string, read func(*pgxpool.Stat) float64) poolGauge {
		return poolGauge{desc: prometheus.NewDesc(name, help, nil, nil), read: read}
	}

	reg.MustRegister(&poolCollector{
		pool: pool,
		gauges: []poolGauge{
			gauge("decisio_db_pool_acquired",
				"Number of currently acquired database connections.",
				func(s *pgxpool.Stat) float64 { return float64(s.AcquiredConns()) }),
			gauge("decisio_db_pool_idle",
				"Number of idle database connections in the pool.",
				func(s *pgxpool.Stat) float64 { return float64(s.IdleConns()) }),
			gauge("decisio_db_pool_total",
				"Total number of database connections in the pool.",
				func(s *pgxpool.Stat) float64 { return float64(s.TotalConns()) }),
			gauge("decisio_db_pool_max",
				"Maximum number of database connections allowed in the pool.",
				func(s *pgxpool.Stat) float64 { return float64(s.MaxConns()) }),
		},
	})
}

func (c *poolCollector) Describe(ch chan<- *prometheus.Desc) {
	for _, g := range c.gauges {
		ch <- g.desc
	}
}

func (c *poolCollector) Collect(ch chan<- prometheus.Metric) {
	stat := c.pool.Stat()
	for _, g := range c.gauges {
		ch <- prometheus.MustNewConstMetric(g.desc, prometheus.GaugeValue, g.read(stat))
	}
}
