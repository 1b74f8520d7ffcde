// Package stats tracks delivery metrics for the event bus transports.
// A Manager is the sole mutator of its internal maps; readers only ever see
// deep copies, so a snapshot can be held across goroutines safely.
package stats

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// emaAlpha weights the running average of processing time.
const emaAlpha = 0.1

// DeliveryMetric records exactly one publish attempt. Retries are folded
// into RetryCount rather than producing one metric per attempt.
type DeliveryMetric struct {
	Topic      string
	Success    bool
	Latency    time.Duration
	RetryCount int
	SizeBytes  int
	Timestamp  time.Time
}

// TopicCounts holds per-topic delivery counters.
type TopicCounts struct {
	Published int64
	Delivered int64
	Failed    int64
}

// ErrorRecord is one entry in the bounded recent-error list.
type ErrorRecord struct {
	Topic     string
	Message   string
	Timestamp time.Time
}

// SnapshotPoint is one periodic sample of the global counters.
type SnapshotPoint struct {
	Timestamp time.Time
	Published int64
	Delivered int64
	Failed    int64
}

// Metrics is the compact aggregate view used for quick health checks.
type Metrics struct {
	TotalPublished int64
	TotalDelivered int64
	TotalFailed    int64
	AvgLatencyMs   float64
	MinLatencyMs   float64
	MaxLatencyMs   float64
	RetryRate      float64
}

// Stats is the rich per-topic view. All maps and slices are copies owned by
// the caller.
type Stats struct {
	EventCounts        map[string]TopicCounts
	SubscriptionCounts map[string]int
	RecentErrors       []ErrorRecord
	Snapshots          []SnapshotPoint
	AvgProcessingMs    float64
	MinProcessingMs    float64
	MaxProcessingMs    float64
	ThroughputPerSec   float64
}

// Config bounds the rolling history.
type Config struct {
	MetricWindow     time.Duration // retention for raw delivery metrics
	SnapshotInterval time.Duration // cadence of periodic counter samples
	SnapshotWindow   time.Duration // retention for samples
	MaxErrors        int           // recent-error list cap, oldest evicted
}

// DefaultConfig matches the retention the rest of the system assumes.
func DefaultConfig() Config {
	return Config{
		MetricWindow:     5 * time.Minute,
		SnapshotInterval: time.Second,
		SnapshotWindow:   time.Hour,
		MaxErrors:        100,
	}
}

func (c *Config) normalize() {
	if c.MetricWindow <= 0 {
		c.MetricWindow = 5 * time.Minute
	}
	if c.SnapshotInterval <= 0 {
		c.SnapshotInterval = time.Second
	}
	if c.SnapshotWindow <= 0 {
		c.SnapshotWindow = time.Hour
	}
	if c.MaxErrors <= 0 {
		c.MaxErrors = 100
	}
}

// Manager maintains rolling delivery statistics for one transport.
type Manager struct {
	mu sync.RWMutex

	counts        map[string]TopicCounts
	subscriptions map[string]int
	metrics       []DeliveryMetric
	errors        []ErrorRecord
	points        []SnapshotPoint

	totalPublished int64
	totalDelivered int64
	totalFailed    int64
	totalRetries   int64

	avgMs   float64
	minMs   float64
	maxMs   float64
	sampled bool

	cfg    Config
	logger *zap.Logger

	startOnce sync.Once
	closeOnce sync.Once
	done      chan struct{}
	wg        sync.WaitGroup
}

// NewManager creates a Manager. Call Start to begin periodic pruning; a
// Manager works without Start, it just never prunes on its own.
func NewManager(cfg Config, logger *zap.Logger) *Manager {
	cfg.normalize()
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		counts:        make(map[string]TopicCounts),
		subscriptions: make(map[string]int),
		cfg:           cfg,
		logger:        logger,
		done:          make(chan struct{}),
	}
}

// Start launches the snapshot/prune loop. Idempotent.
func (m *Manager) Start() {
	m.startOnce.Do(func() {
		m.wg.Add(1)
		go m.loop()
	})
}

// Close stops the background loop. Idempotent.
func (m *Manager) Close() {
	m.closeOnce.Do(func() { close(m.done) })
	m.wg.Wait()
}

func (m *Manager) loop() {
	defer m.wg.Done()
	ticker := time.NewTicker(m.cfg.SnapshotInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.done:
			return
		case now := <-ticker.C:
			m.sample(now)
		}
	}
}

// sample appends one snapshot point and prunes everything outside the
// retention windows. This is the component's only background activity.
func (m *Manager) sample(now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.points = append(m.points, SnapshotPoint{
		Timestamp: now,
		Published: m.totalPublished,
		Delivered: m.totalDelivered,
		Failed:    m.totalFailed,
	})

	pointCutoff := now.Add(-m.cfg.SnapshotWindow)
	for len(m.points) > 0 && m.points[0].Timestamp.Before(pointCutoff) {
		m.points = m.points[1:]
	}

	metricCutoff := now.Add(-m.cfg.MetricWindow)
	for len(m.metrics) > 0 && m.metrics[0].Timestamp.Before(metricCutoff) {
		m.metrics = m.metrics[1:]
	}

	for len(m.errors) > 0 && m.errors[0].Timestamp.Before(pointCutoff) {
		m.errors = m.errors[1:]
	}
}

// Record folds one delivery metric into the counters and history. This is
// the sole mutation entry point for delivery accounting.
func (m *Manager) Record(metric DeliveryMetric) {
	if metric.Timestamp.IsZero() {
		metric.Timestamp = time.Now()
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	c := m.counts[metric.Topic]
	c.Published++
	if metric.Success {
		c.Delivered++
	} else {
		c.Failed++
	}
	m.counts[metric.Topic] = c

	m.totalPublished++
	if metric.Success {
		m.totalDelivered++
	} else {
		m.totalFailed++
	}
	m.totalRetries += int64(metric.RetryCount)

	ms := float64(metric.Latency) / float64(time.Millisecond)
	if !m.sampled {
		m.avgMs, m.minMs, m.maxMs = ms, ms, ms
		m.sampled = true
	} else {
		m.avgMs = m.avgMs*(1-emaAlpha) + ms*emaAlpha
		if ms < m.minMs {
			m.minMs = ms
		}
		if ms > m.maxMs {
			m.maxMs = ms
		}
	}

	m.metrics = append(m.metrics, metric)
}

// RecordEvent is the convenience form used by transports that do not track
// retries themselves.
func (m *Manager) RecordEvent(topic string, sizeBytes int, processing time.Duration, success bool) {
	m.Record(DeliveryMetric{
		Topic:     topic,
		Success:   success,
		Latency:   processing,
		SizeBytes: sizeBytes,
		Timestamp: time.Now(),
	})
}

// RecordError appends to the bounded recent-error list, evicting the oldest
// entry when the cap is reached.
func (m *Manager) RecordError(topic string, err error) {
	if err == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.errors = append(m.errors, ErrorRecord{
		Topic:     topic,
		Message:   err.Error(),
		Timestamp: time.Now(),
	})
	if len(m.errors) > m.cfg.MaxErrors {
		m.errors = m.errors[len(m.errors)-m.cfg.MaxErrors:]
	}
}

// IncSubscriptions records one more active subscription on topic.
func (m *Manager) IncSubscriptions(topic string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subscriptions[topic]++
}

// DecSubscriptions records one fewer active subscription on topic.
func (m *Manager) DecSubscriptions(topic string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.subscriptions[topic] <= 1 {
		delete(m.subscriptions, topic)
		return
	}
	m.subscriptions[topic]--
}

// Metrics returns the compact aggregate view.
func (m *Manager) Metrics() Metrics {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := Metrics{
		TotalPublished: m.totalPublished,
		TotalDelivered: m.totalDelivered,
		TotalFailed:    m.totalFailed,
		AvgLatencyMs:   m.avgMs,
		MinLatencyMs:   m.minMs,
		MaxLatencyMs:   m.maxMs,
	}
	if m.totalPublished > 0 {
		out.RetryRate = float64(m.totalRetries) / float64(m.totalPublished)
	}
	return out
}

// GetStats returns an independent deep copy of the rich view.
func (m *Manager) GetStats() Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := Stats{
		EventCounts:        make(map[string]TopicCounts, len(m.counts)),
		SubscriptionCounts: make(map[string]int, len(m.subscriptions)),
		RecentErrors:       append([]ErrorRecord(nil), m.errors...),
		Snapshots:          append([]SnapshotPoint(nil), m.points...),
		AvgProcessingMs:    m.avgMs,
		MinProcessingMs:    m.minMs,
		MaxProcessingMs:    m.maxMs,
	}
	for topic, c := range m.counts {
		out.EventCounts[topic] = c
	}
	for topic, n := range m.subscriptions {
		out.SubscriptionCounts[topic] = n
	}

	// Throughput over the raw metric window that is still retained.
	if n := len(m.metrics); n > 1 {
		span := m.metrics[n-1].Timestamp.Sub(m.metrics[0].Timestamp).Seconds()
		if span > 0 {
			out.ThroughputPerSec = float64(n) / span
		}
	}
	return out
}

// MergeMetrics combines two aggregate views, weighting latency averages by
// delivered-event count so a quiet transport does not skew the result.
func MergeMetrics(a, b Metrics) Metrics {
	out := Metrics{
		TotalPublished: a.TotalPublished + b.TotalPublished,
		TotalDelivered: a.TotalDelivered + b.TotalDelivered,
		TotalFailed:    a.TotalFailed + b.TotalFailed,
	}
	wa, wb := float64(a.TotalDelivered), float64(b.TotalDelivered)
	if wa+wb > 0 {
		out.AvgLatencyMs = (a.AvgLatencyMs*wa + b.AvgLatencyMs*wb) / (wa + wb)
	}
	out.MinLatencyMs = a.MinLatencyMs
	if b.MinLatencyMs < out.MinLatencyMs && b.TotalPublished > 0 || a.TotalPublished == 0 {
		out.MinLatencyMs = b.MinLatencyMs
	}
	out.MaxLatencyMs = a.MaxLatencyMs
	if b.MaxLatencyMs > out.MaxLatencyMs {
		out.MaxLatencyMs = b.MaxLatencyMs
	}
	if out.TotalPublished > 0 {
		retries := a.RetryRate*float64(a.TotalPublished) + b.RetryRate*float64(b.TotalPublished)
		out.RetryRate = retries / float64(out.TotalPublished)
	}
	return out
}

// MergeStats combines two rich views: counts summed, averages weighted by
// delivered count, errors and snapshots concatenated.
func MergeStats(a, b Stats) Stats {
	out := Stats{
		EventCounts:        make(map[string]TopicCounts, len(a.EventCounts)+len(b.EventCounts)),
		SubscriptionCounts: make(map[string]int, len(a.SubscriptionCounts)+len(b.SubscriptionCounts)),
		RecentErrors:       append(append([]ErrorRecord(nil), a.RecentErrors...), b.RecentErrors...),
		Snapshots:          append(append([]SnapshotPoint(nil), a.Snapshots...), b.Snapshots...),
		ThroughputPerSec:   a.ThroughputPerSec + b.ThroughputPerSec,
	}
	var da, db int64
	for topic, c := range a.EventCounts {
		out.EventCounts[topic] = c
		da += c.Delivered
	}
	for topic, c := range b.EventCounts {
		merged := out.EventCounts[topic]
		merged.Published += c.Published
		merged.Delivered += c.Delivered
		merged.Failed += c.Failed
		out.EventCounts[topic] = merged
		db += c.Delivered
	}
	for topic, n := range a.SubscriptionCounts {
		out.SubscriptionCounts[topic] += n
	}
	for topic, n := range b.SubscriptionCounts {
		out.SubscriptionCounts[topic] += n
	}
	wa, wb := float64(da), float64(db)
	if wa+wb > 0 {
		out.AvgProcessingMs = (a.AvgProcessingMs*wa + b.AvgProcessingMs*wb) / (wa + wb)
	}
	out.MinProcessingMs = a.MinProcessingMs
	if db > 0 && (b.MinProcessingMs < out.MinProcessingMs || da == 0) {
		out.MinProcessingMs = b.MinProcessingMs
	}
	out.MaxProcessingMs = a.MaxProcessingMs
	if b.MaxProcessingMs > out.MaxProcessingMs {
		out.MaxProcessingMs = b.MaxProcessingMs
	}
	return out
}
