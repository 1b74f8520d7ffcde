package bus

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"conduit/internal/emitter"
	"conduit/internal/stats"
)

// RemoteConfig tunes the RemoteBus.
type RemoteConfig struct {
	// FlushInterval is the cadence of the batch flush timer.
	FlushInterval time.Duration
	// Retry governs exponential backoff for broker sends.
	Retry RetryConfig
	// SendsPerSecond caps outbound batch calls. Zero disables the limiter.
	SendsPerSecond float64
	// SendBurst is the limiter burst; defaults to 1 when a limit is set.
	SendBurst int
}

// DefaultRemoteConfig matches the broker relay defaults.
func DefaultRemoteConfig() RemoteConfig {
	return RemoteConfig{
		FlushInterval: 100 * time.Millisecond,
		Retry:         DefaultRetryConfig(),
	}
}

// RemoteBus buffers published envelopes and relays them to an external
// broker in periodic batches. A batch succeeds or fails atomically: on
// failure every envelope in it is marked failed and signaled individually.
// Per-envelope metrics fold retries into one record with the aggregated
// retry count.
//
// The RemoteBus has no local delivery: Subscribe returns a stub id with a
// warning, since remote-side delivery is configured out-of-band.
type RemoteBus struct {
	mu      sync.Mutex
	pending []Envelope
	closed  bool

	broker  BrokerClient
	cfg     RemoteConfig
	limiter *rate.Limiter

	tracker *stats.Manager
	signals *emitter.Emitter
	logger  *zap.Logger

	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// NewRemoteBus creates and starts a RemoteBus. A nil broker is a
// configuration error and fails fast.
func NewRemoteBus(broker BrokerClient, cfg RemoteConfig, logger *zap.Logger) (*RemoteBus, error) {
	if broker == nil {
		return nil, fmt.Errorf("bus: remote transport requires a broker client")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 100 * time.Millisecond
	}
	tracker := stats.NewManager(stats.DefaultConfig(), logger)
	tracker.Start()

	b := &RemoteBus{
		broker:  broker,
		cfg:     cfg,
		tracker: tracker,
		signals: emitter.New(logger),
		logger:  logger.Named("bus.remote"),
		done:    make(chan struct{}),
	}
	if cfg.SendsPerSecond > 0 {
		burst := cfg.SendBurst
		if burst <= 0 {
			burst = 1
		}
		b.limiter = rate.NewLimiter(rate.Limit(cfg.SendsPerSecond), burst)
	}
	b.wg.Add(1)
	go b.flushLoop()
	return b, nil
}

// Publish enqueues the envelope into the pending buffer. The actual send
// happens on the next flush tick; Publish itself never blocks on the broker.
func (b *RemoteBus) Publish(ctx context.Context, topic string, data interface{}, source string, opts *PublishOptions) error {
	env := newEnvelope(uuid.NewString(), topic, data, source, opts)
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrClosed
	}
	b.pending = append(b.pending, env)
	return nil
}

// Subscribe is not supported on the remote transport. It returns a stub id
// so callers sharing the Transport contract do not break, and logs a
// warning.
func (b *RemoteBus) Subscribe(topic string, handler Handler, opts *SubscribeOptions) (string, error) {
	b.logger.Warn("subscribe on remote transport has no local delivery; configure remote-side delivery out-of-band",
		zap.String("topic", topic))
	return uuid.NewString(), nil
}

// Unsubscribe is a no-op on the remote transport.
func (b *RemoteBus) Unsubscribe(id string) error { return nil }

// PendingCount reports the number of buffered envelopes awaiting flush.
func (b *RemoteBus) PendingCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}

// Pending returns a copy of the buffered envelopes, oldest first.
func (b *RemoteBus) Pending() []Envelope {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Envelope(nil), b.pending...)
}

func (b *RemoteBus) flushLoop() {
	defer b.wg.Done()
	ticker := time.NewTicker(b.cfg.FlushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-b.done:
			return
		case <-ticker.C:
			b.Flush(context.Background())
		}
	}
}

// Flush drains the pending buffer into a single broker batch. Called by the
// periodic timer; exported so tests and shutdown can force a drain.
func (b *RemoteBus) Flush(ctx context.Context) {
	b.mu.Lock()
	batch := b.pending
	b.pending = nil
	b.mu.Unlock()
	if len(batch) == 0 {
		return
	}

	if b.limiter != nil {
		if err := b.limiter.Wait(ctx); err != nil {
			b.failBatch(batch, 0, time.Now(), err)
			return
		}
	}

	start := time.Now()
	attempts, err := b.cfg.Retry.Do(ctx, func() error {
		return b.broker.SendBatch(ctx, batch)
	})
	latency := time.Since(start)

	if err != nil {
		b.failBatch(batch, attempts-1, start, err)
		return
	}
	for _, env := range batch {
		b.tracker.Record(stats.DeliveryMetric{
			Topic:      env.Type,
			Success:    true,
			Latency:    latency,
			RetryCount: attempts - 1,
			SizeBytes:  payloadSize(env.Data),
			Timestamp:  start,
		})
		b.signals.Emit(SignalEventProcessed, env)
	}
}

// failBatch marks every envelope in a failed batch: one failed metric each
// with the final retry count, one eventFailed signal each, one error signal
// for the batch.
func (b *RemoteBus) failBatch(batch []Envelope, retries int, start time.Time, err error) {
	for _, env := range batch {
		b.tracker.Record(stats.DeliveryMetric{
			Topic:      env.Type,
			Success:    false,
			Latency:    time.Since(start),
			RetryCount: retries,
			SizeBytes:  payloadSize(env.Data),
			Timestamp:  start,
		})
		b.tracker.RecordError(env.Type, err)
		b.signals.Emit(SignalEventFailed, env, err)
	}
	b.signals.Emit(SignalError, err)
	b.logger.Error("batch send failed",
		zap.Int("batch_size", len(batch)),
		zap.Int("retries", retries),
		zap.Error(err))
}

// Metrics returns the aggregate delivery view.
func (b *RemoteBus) Metrics() stats.Metrics { return b.tracker.Metrics() }

// Stats returns the rich per-topic view.
func (b *RemoteBus) Stats() stats.Stats { return b.tracker.GetStats() }

// Signals exposes the internal signaling emitter.
func (b *RemoteBus) Signals() *emitter.Emitter { return b.signals }

// Close stops the flush timer, attempts one final drain, and shuts the
// tracker down. Idempotent. New publishes are rejected before the final
// drain runs, so nothing can slip into the buffer and be lost after it.
func (b *RemoteBus) Close() error {
	var first bool
	b.closeOnce.Do(func() {
		first = true
		b.mu.Lock()
		b.closed = true
		b.mu.Unlock()
		close(b.done)
	})
	if !first {
		return nil
	}
	b.wg.Wait()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	b.Flush(ctx)

	b.tracker.Close()
	return nil
}

var _ Transport = (*RemoteBus)(nil)
