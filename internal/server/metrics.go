package server

import (
	"github.com/glorpus-work/qpserver/pkg/cache"
	"github.com/glorpus-work/qpserver/pkg/worker"
	"github.com/prometheus/client_golang/prometheus"
)

// statsCollector exports pool and cache snapshots as Prometheus metrics.
// Reading the component Stats() on scrape keeps the components themselves
// free of metrics plumbing.
type statsCollector struct {
	pool   *worker.Pool
	caches []*cache.FileLRU

	poolWorkers     *prometheus.Desc
	poolMaxWorkers  *prometheus.Desc
	poolMemory      *prometheus.Desc
	poolMaxMemory   *prometheus.Desc
	poolSpawned     *prometheus.Desc
	poolReused      *prometheus.Desc
	poolCrashed     *prometheus.Desc
	poolMemoryKills *prometheus.Desc

	cacheBytes     *prometheus.Desc
	cacheMaxBytes  *prometheus.Desc
	cacheEntries   *prometheus.Desc
	cacheHits      *prometheus.Desc
	cacheMisses    *prometheus.Desc
	cacheEvictions *prometheus.Desc
	cacheFetches   *prometheus.Desc
}

func newStatsCollector(pool *worker.Pool, caches ...*cache.FileLRU) *statsCollector {
	return &statsCollector{
		pool:   pool,
		caches: caches,

		poolWorkers: prometheus.NewDesc("qpserver_pool_workers",
			"Current workers by state.", []string{"state"}, nil),
		poolMaxWorkers: prometheus.NewDesc("qpserver_pool_max_workers",
			"Configured worker limit.", nil, nil),
		poolMemory: prometheus.NewDesc("qpserver_pool_reserved_memory_bytes",
			"Memory budget reserved by running workers.", nil, nil),
		poolMaxMemory: prometheus.NewDesc("qpserver_pool_max_memory_bytes",
			"Configured pool memory budget.", nil, nil),
		poolSpawned: prometheus.NewDesc("qpserver_pool_workers_spawned_total",
			"Workers started since boot.", nil, nil),
		poolReused: prometheus.NewDesc("qpserver_pool_workers_reused_total",
			"Acquires served by an already loaded worker.", nil, nil),
		poolCrashed: prometheus.NewDesc("qpserver_pool_workers_crashed_total",
			"Workers that died while executing a call.", nil, nil),
		poolMemoryKills: prometheus.NewDesc("qpserver_pool_memory_kills_total",
			"Workers killed for exceeding their memory limit.", nil, nil),

		cacheBytes: prometheus.NewDesc("qpserver_cache_bytes",
			"Bytes currently stored.", []string{"cache"}, nil),
		cacheMaxBytes: prometheus.NewDesc("qpserver_cache_max_bytes",
			"Configured cache capacity.", []string{"cache"}, nil),
		cacheEntries: prometheus.NewDesc("qpserver_cache_entries",
			"Entries currently stored.", []string{"cache"}, nil),
		cacheHits: prometheus.NewDesc("qpserver_cache_hits_total",
			"Cache hits.", []string{"cache"}, nil),
		cacheMisses: prometheus.NewDesc("qpserver_cache_misses_total",
			"Cache misses.", []string{"cache"}, nil),
		cacheEvictions: prometheus.NewDesc("qpserver_cache_evictions_total",
			"Entries evicted to stay within capacity.", []string{"cache"}, nil),
		cacheFetches: prometheus.NewDesc("qpserver_cache_fetches_total",
			"Fetches performed for getOrFetch misses.", []string{"cache"}, nil),
	}
}

func (sc *statsCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- sc.poolWorkers
	ch <- sc.poolMaxWorkers
	ch <- sc.poolMemory
	ch <- sc.poolMaxMemory
	ch <- sc.poolSpawned
	ch <- sc.poolReused
	ch <- sc.poolCrashed
	ch <- sc.poolMemoryKills
	ch <- sc.cacheBytes
	ch <- sc.cacheMaxBytes
	ch <- sc.cacheEntries
	ch <- sc.cacheHits
	ch <- sc.cacheMisses
	ch <- sc.cacheEvictions
	ch <- sc.cacheFetches
}

func (sc *statsCollector) Collect(ch chan<- prometheus.Metric) {
	pool := sc.pool.Stats()
	ch <- prometheus.MustNewConstMetric(sc.poolWorkers, prometheus.GaugeValue, float64(pool.Idle), "idle")
	ch <- prometheus.MustNewConstMetric(sc.poolWorkers, prometheus.GaugeValue, float64(pool.Busy), "busy")
	ch <- prometheus.MustNewConstMetric(sc.poolWorkers, prometheus.GaugeValue, float64(pool.Starting), "starting")
	ch <- prometheus.MustNewConstMetric(sc.poolMaxWorkers, prometheus.GaugeValue, float64(pool.MaxWorkers))
	ch <- prometheus.MustNewConstMetric(sc.poolMemory, prometheus.GaugeValue, float64(pool.ReservedMemory))
	ch <- prometheus.MustNewConstMetric(sc.poolMaxMemory, prometheus.GaugeValue, float64(pool.MaxMemory))
	ch <- prometheus.MustNewConstMetric(sc.poolSpawned, prometheus.CounterValue, float64(pool.Spawned))
	ch <- prometheus.MustNewConstMetric(sc.poolReused, prometheus.CounterValue, float64(pool.Reused))
	ch <- prometheus.MustNewConstMetric(sc.poolCrashed, prometheus.CounterValue, float64(pool.Crashed))
	ch <- prometheus.MustNewConstMetric(sc.poolMemoryKills, prometheus.CounterValue, float64(pool.MemoryKills))

	for _, c := range sc.caches {
		stats := c.Stats()
		name := c.Name()
		ch <- prometheus.MustNewConstMetric(sc.cacheBytes, prometheus.GaugeValue, float64(stats.TotalSize), name)
		ch <- prometheus.MustNewConstMetric(sc.cacheMaxBytes, prometheus.GaugeValue, float64(stats.MaxSize), name)
		ch <- prometheus.MustNewConstMetric(sc.cacheEntries, prometheus.GaugeValue, float64(stats.Entries), name)
		ch <- prometheus.MustNewConstMetric(sc.cacheHits, prometheus.CounterValue, float64(stats.Hits), name)
		ch <- prometheus.MustNewConstMetric(sc.cacheMisses, prometheus.CounterValue, float64(stats.Misses), name)
		ch <- prometheus.MustNewConstMetric(sc.cacheEvictions, prometheus.CounterValue, float64(stats.Evictions), name)
		ch <- prometheus.MustNewConstMetric(sc.cacheFetches, prometheus.CounterValue, float64(stats.Fetches), name)
	}
}
