// Package metrics exposes bus delivery statistics and pool utilization as
// Prometheus metrics. Collection is pull-based: each scrape snapshots the
// live transport and pool rather than shadowing their counters.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"conduit/internal/bus"
	"conduit/internal/pool"
)

var (
	descPublished = prometheus.NewDesc(
		"conduit_bus_events_published_total",
		"Events published per topic.",
		[]string{"topic"}, nil)
	descDelivered = prometheus.NewDesc(
		"conduit_bus_events_delivered_total",
		"Events delivered per topic.",
		[]string{"topic"}, nil)
	descFailed = prometheus.NewDesc(
		"conduit_bus_events_failed_total",
		"Events whose delivery failed, per topic.",
		[]string{"topic"}, nil)
	descSubscriptions = prometheus.NewDesc(
		"conduit_bus_subscriptions",
		"Active subscriptions per topic.",
		[]string{"topic"}, nil)
	descLatency = prometheus.NewDesc(
		"conduit_bus_delivery_latency_ms",
		"Delivery latency over the rolling metric window.",
		[]string{"stat"}, nil)
	descRetryRate = prometheus.NewDesc(
		"conduit_bus_retry_rate",
		"Average retries per publish over the rolling metric window.",
		nil, nil)
	descThroughput = prometheus.NewDesc(
		"conduit_bus_throughput_per_sec",
		"Delivered events per second over the snapshot window.",
		nil, nil)

	descWorkers = prometheus.NewDesc(
		"conduit_pool_workers",
		"Pool workers by state.",
		[]string{"state"}, nil)
	descSpecialized = prometheus.NewDesc(
		"conduit_pool_specialized_workers",
		"Workers holding at least one specialization.",
		nil, nil)
	descQueued = prometheus.NewDesc(
		"conduit_pool_queued_tasks",
		"Tasks waiting in the pool queue.",
		nil, nil)
	descTasks = prometheus.NewDesc(
		"conduit_pool_tasks_total",
		"Finished tasks by outcome.",
		[]string{"outcome"}, nil)
	descExecMs = prometheus.NewDesc(
		"conduit_pool_avg_execution_ms",
		"Mean task execution time.",
		nil, nil)
	descLoad = prometheus.NewDesc(
		"conduit_pool_load_percent",
		"Busy workers as a percentage of the pool.",
		nil, nil)
)

// Collector scrapes a transport and a pool. Either may be nil.
type Collector struct {
	transport bus.Transport
	pool      *pool.Pool
}

// NewCollector builds a Collector over the given sources.
func NewCollector(transport bus.Transport, p *pool.Pool) *Collector {
	return &Collector{transport: transport, pool: p}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- descPublished
	ch <- descDelivered
	ch <- descFailed
	ch <- descSubscriptions
	ch <- descLatency
	ch <- descRetryRate
	ch <- descThroughput
	ch <- descWorkers
	ch <- descSpecialized
	ch <- descQueued
	ch <- descTasks
	ch <- descExecMs
	ch <- descLoad
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	if c.transport != nil {
		c.collectBus(ch)
	}
	if c.pool != nil {
		c.collectPool(ch)
	}
}

func (c *Collector) collectBus(ch chan<- prometheus.Metric) {
	stats := c.transport.Stats()
	for topic, counts := range stats.EventCounts {
		ch <- prometheus.MustNewConstMetric(descPublished, prometheus.CounterValue, float64(counts.Published), topic)
		ch <- prometheus.MustNewConstMetric(descDelivered, prometheus.CounterValue, float64(counts.Delivered), topic)
		ch <- prometheus.MustNewConstMetric(descFailed, prometheus.CounterValue, float64(counts.Failed), topic)
	}
	for topic, n := range stats.SubscriptionCounts {
		ch <- prometheus.MustNewConstMetric(descSubscriptions, prometheus.GaugeValue, float64(n), topic)
	}

	m := c.transport.Metrics()
	ch <- prometheus.MustNewConstMetric(descLatency, prometheus.GaugeValue, m.AvgLatencyMs, "avg")
	ch <- prometheus.MustNewConstMetric(descLatency, prometheus.GaugeValue, m.MinLatencyMs, "min")
	ch <- prometheus.MustNewConstMetric(descLatency, prometheus.GaugeValue, m.MaxLatencyMs, "max")
	ch <- prometheus.MustNewConstMetric(descRetryRate, prometheus.GaugeValue, m.RetryRate)
	ch <- prometheus.MustNewConstMetric(descThroughput, prometheus.GaugeValue, stats.ThroughputPerSec)
}

func (c *Collector) collectPool(ch chan<- prometheus.Metric) {
	m := c.pool.Metrics()
	ch <- prometheus.MustNewConstMetric(descWorkers, prometheus.GaugeValue, float64(m.BusyWorkers), "busy")
	ch <- prometheus.MustNewConstMetric(descWorkers, prometheus.GaugeValue, float64(m.IdleWorkers), "idle")
	ch <- prometheus.MustNewConstMetric(descSpecialized, prometheus.GaugeValue, float64(m.SpecializedWorkers))
	ch <- prometheus.MustNewConstMetric(descQueued, prometheus.GaugeValue, float64(m.QueuedTasks))
	ch <- prometheus.MustNewConstMetric(descTasks, prometheus.CounterValue, float64(m.TasksCompleted), "completed")
	ch <- prometheus.MustNewConstMetric(descTasks, prometheus.CounterValue, float64(m.TasksFailed), "failed")
	ch <- prometheus.MustNewConstMetric(descExecMs, prometheus.GaugeValue, m.AvgExecutionMs)
	ch <- prometheus.MustNewConstMetric(descLoad, prometheus.GaugeValue, m.LoadPercent)
}

// Server hosts /metrics on its own registry so process-global collectors
// registered elsewhere never leak into the endpoint.
type Server struct {
	registry *prometheus.Registry
	srv      *http.Server
	logger   *zap.Logger
}

// NewServer builds a Server on addr serving the given collectors.
func NewServer(addr string, logger *zap.Logger, collectors ...prometheus.Collector) *Server {
	registry := prometheus.NewRegistry()
	for _, c := range collectors {
		registry.MustRegister(c)
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	return &Server{
		registry: registry,
		srv:      &http.Server{Addr: addr, Handler: mux},
		logger:   logger.Named("metrics"),
	}
}

// Handler returns the metrics handler, for embedding in another mux.
func (s *Server) Handler() http.Handler {
	return promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{})
}

// Start begins serving in the background.
func (s *Server) Start() {
	go func() {
		s.logger.Info("serving metrics", zap.String("addr", s.srv.Addr))
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("metrics server stopped", zap.Error(err))
		}
	}()
}

// Close shuts the endpoint down gracefully.
func (s *Server) Close(ctx context.Context) error {
	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return s.srv.Shutdown(shutdownCtx)
}
