package disk

import (
	"github.com/prometheus/client_golang/prometheus"
)

// evictionCause labels the evictions counter (disk_cache_evictions_total).
type evictionCause string

const (
	causeSize     evictionCause = "size"
	causeExternal evictionCause = "external"
)

// metrics bundles the small set of Prometheus instruments this cache
// exposes, mirroring the hit/miss counter pattern this codebase already
// uses for its disk-backed cache, extended with an eviction counter and a
// current-size gauge.
type metrics struct {
	hits      prometheus.Counter
	misses    prometheus.Counter
	evictions *prometheus.CounterVec
	size      prometheus.Gauge
}

// newMetrics registers (or, on a shared registerer, reuses) instruments
// labelled with dir so that multiple Cache instances in one process don't
// collide and don't panic on duplicate registration.
func newMetrics(reg prometheus.Registerer, dir string) *metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	labels := prometheus.Labels{"dir": dir}

	m := &metrics{
		hits: mustRegisterOrReuseCounter(reg, prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "disk_cache_hits_total",
			Help:        "The total number of disk cache hits.",
			ConstLabels: labels,
		})),
		misses: mustRegisterOrReuseCounter(reg, prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "disk_cache_misses_total",
			Help:        "The total number of disk cache misses.",
			ConstLabels: labels,
		})),
		size: mustRegisterOrReuseGauge(reg, prometheus.NewGauge(prometheus.GaugeOpts{
			Name:        "disk_cache_size_bytes",
			Help:        "The current size of the disk cache, in bytes.",
			ConstLabels: labels,
		})),
	}

	evictions := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "disk_cache_evictions_total",
		Help:        "The total number of evicted entries, by cause.",
		ConstLabels: labels,
	}, []string{"cause"})

	if existing, ok := registerOrReuse(reg, evictions).(*prometheus.CounterVec); ok {
		m.evictions = existing
	} else {
		m.evictions = evictions
	}

	return m
}

// mustRegisterOrReuseCounter registers c, or returns the already-registered
// collector with the same descriptor if reg already has one (this happens
// when a test opens multiple Cache instances against the same registerer).
func mustRegisterOrReuseCounter(reg prometheus.Registerer, c prometheus.Counter) prometheus.Counter {
	if existing, ok := registerOrReuse(reg, c).(prometheus.Counter); ok {
		return existing
	}
	return c
}

func mustRegisterOrReuseGauge(reg prometheus.Registerer, g prometheus.Gauge) prometheus.Gauge {
	if existing, ok := registerOrReuse(reg, g).(prometheus.Gauge); ok {
		return existing
	}
	return g
}

func registerOrReuse(reg prometheus.Registerer, c prometheus.Collector) prometheus.Collector {
	err := reg.Register(c)
	if err == nil {
		return c
	}
	if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
		return are.ExistingCollector
	}
	return c
}
