// Package metrics 以 Prometheus 指标的形式导出缓存的统计信息。
package metrics

import (
	"time"

	loadingcache "github.com/linhx1999/LoadingCache-Go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Source 可被采集的缓存
type Source interface {
	Name() string
	Stats() loadingcache.Stats
	Size() int64
	Weight() int64
}

// SourceFunc 返回当前需要采集的缓存列表
type SourceFunc func() []Source

// Collector 实现 prometheus.Collector，每次采集时读取缓存的统计快照
type Collector struct {
	sources SourceFunc

	requests       *prometheus.Desc
	loads          *prometheus.Desc
	loadSeconds    *prometheus.Desc
	evictions      *prometheus.Desc
	evictionWeight *prometheus.Desc
	size           *prometheus.Desc
	weight         *prometheus.Desc
}

// NewCollector 创建 Collector，所有指标带有 cache 标签
func NewCollector(namespace string, sources SourceFunc) *Collector {
	desc := func(name, help string, labels ...string) *prometheus.Desc {
		return prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "cache", name),
			help,
			append([]string{"cache"}, labels...),
			nil,
		)
	}

	return &Collector{
		sources:        sources,
		requests:       desc("requests_total", "Cache lookups by result", "result"),
		loads:          desc("loads_total", "Loader invocations by result", "result"),
		loadSeconds:    desc("load_duration_seconds_total", "Total time spent in the loader"),
		evictions:      desc("evictions_total", "Entries removed automatically (size, expiry, collection)"),
		evictionWeight: desc("eviction_weight_total", "Total weight of automatically removed entries"),
		size:           desc("entries", "Live entries in the cache"),
		weight:         desc("weight", "Total weight of entries in the cache"),
	}
}

// Describe 实现 prometheus.Collector 接口
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.requests
	ch <- c.loads
	ch <- c.loadSeconds
	ch <- c.evictions
	ch <- c.evictionWeight
	ch <- c.size
	ch <- c.weight
}

// Collect 实现 prometheus.Collector 接口
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	for _, src := range c.sources() {
		name := src.Name()
		s := src.Stats()

		ch <- prometheus.MustNewConstMetric(c.requests, prometheus.CounterValue, float64(s.HitCount), name, "hit")
		ch <- prometheus.MustNewConstMetric(c.requests, prometheus.CounterValue, float64(s.MissCount), name, "miss")
		ch <- prometheus.MustNewConstMetric(c.loads, prometheus.CounterValue, float64(s.LoadSuccessCount), name, "success")
		ch <- prometheus.MustNewConstMetric(c.loads, prometheus.CounterValue, float64(s.LoadExceptionCount), name, "exception")
		ch <- prometheus.MustNewConstMetric(c.loadSeconds, prometheus.CounterValue, s.TotalLoadTime.Seconds(), name)
		ch <- prometheus.MustNewConstMetric(c.evictions, prometheus.CounterValue, float64(s.EvictionCount), name)
		ch <- prometheus.MustNewConstMetric(c.evictionWeight, prometheus.CounterValue, float64(s.EvictionWeight), name)
		ch <- prometheus.MustNewConstMetric(c.size, prometheus.GaugeValue, float64(src.Size()), name)
		ch <- prometheus.MustNewConstMetric(c.weight, prometheus.GaugeValue, float64(src.Weight()), name)
	}
}

// RequestMetrics 管理接口的请求指标
type RequestMetrics struct {
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
}

// NewRequestMetrics 在 reg 上注册管理接口的请求指标
func NewRequestMetrics(reg prometheus.Registerer, namespace string) *RequestMetrics {
	factory := promauto.With(reg)
	return &RequestMetrics{
		RequestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "admin_requests_total",
			Help:      "Total admin requests by transport, method and status",
		}, []string{"transport", "method", "status"}),
		RequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "admin_request_duration_seconds",
			Help:      "Admin request duration by transport and method",
			Buckets:   prometheus.DefBuckets,
		}, []string{"transport", "method"}),
	}
}

// Record 记录一次管理请求
func (m *RequestMetrics) Record(transport, method, status string, duration time.Duration) {
	if m == nil {
		return
	}
	m.RequestsTotal.WithLabelValues(transport, method, status).Inc()
	m.RequestDuration.WithLabelValues(transport, method).Observe(duration.Seconds())
}
