package agent

import (
	"errors"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/any-hub/offline-agent/internal/cache"
)

// Metrics 持有私有 registry 的计数器。nil *Metrics 可直接使用，所有观测方法为空操作。
type Metrics struct {
	registry    *prometheus.Registry
	intercepts  *prometheus.CounterVec
	cacheWrites *prometheus.CounterVec
	evictions   *prometheus.CounterVec
}

// NewMetrics 在独立 registry 上注册计数器；withRuntime 额外注册 Go 与进程指标。
func NewMetrics(namespace string, withRuntime bool) *Metrics {
	registry := prometheus.NewRegistry()
	if withRuntime {
		registry.MustRegister(collectors.NewGoCollector())
		registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	}

	m := &Metrics{
		registry: registry,
		intercepts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "intercepts_total",
			Help:      "Intercepted GET requests by strategy, final state and response source.",
		}, []string{"strategy", "state", "source"}),
		cacheWrites: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_writes_total",
			Help:      "Background cache writes by partition kind and result.",
		}, []string{"partition", "result"}),
		evictions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_evictions_total",
			Help:      "Entries removed by trimming, by partition kind.",
		}, []string{"partition"}),
	}
	registry.MustRegister(m.intercepts, m.cacheWrites, m.evictions)
	return m
}

func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler 暴露 Prometheus 文本格式。
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) observeIntercept(out *Outcome) {
	if m == nil || out == nil {
		return
	}
	m.intercepts.WithLabelValues(string(out.Strategy), out.State.String(), string(out.Source)).Inc()
}

func (m *Metrics) observeCacheWrite(kind PartitionKind, err error) {
	if m == nil {
		return
	}
	result := "stored"
	switch {
	case err == nil:
	case errors.Is(err, cache.ErrNotCacheable):
		result = "skipped"
	default:
		result = "failed"
	}
	m.cacheWrites.WithLabelValues(string(kind), result).Inc()
}

func (m *Metrics) observeEvictions(kind PartitionKind, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.evictions.WithLabelValues(string(kind)).Add(float64(n))
}
