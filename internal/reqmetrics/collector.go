package reqmetrics

import (
	prom "github.com/prometheus/client_golang/prometheus"
)

// collector exposes a Recorder to a Prometheus registry as constant histograms.
type collector struct {
	rec  *Recorder
	desc *prom.Desc
}

// Collector returns a prometheus.Collector backed by r. Registering it lets
// promhttp serve the same histograms that Render produces.
func (r *Recorder) Collector() prom.Collector {
	return &collector{
		rec:  r,
		desc: prom.NewDesc(r.Metric(), "Request duration in milliseconds", []string{"route"}, nil),
	}
}

func (c *collector) Describe(ch chan<- *prom.Desc) {
	ch <- c.desc
}

func (c *collector) Collect(ch chan<- prom.Metric) {
	for _, m := range c.rec.Snapshot() {
		buckets := make(map[float64]uint64, len(Buckets))
		for i, b := range Buckets {
			buckets[b] = m.Counts[i]
		}
		ch <- prom.MustNewConstHistogram(c.desc, m.Count, m.SumMs, buckets, m.Route)
	}
}
