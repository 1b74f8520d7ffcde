package bus

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"conduit/internal/emitter"
	"conduit/internal/stats"
)

// localSub is one active subscription owned by a LocalBus.
type localSub struct {
	id        string
	topic     string
	handler   Handler
	filter    func(Envelope) bool
	contextID string
}

// LocalBus fans each publish out to every matching subscriber in-process and
// waits for all handlers before the publish completes. Failure of any
// handler marks the whole publish failed: metrics are recorded first, then
// the error is returned. Side effects of handlers that already succeeded are
// not rolled back.
type LocalBus struct {
	mu      sync.RWMutex
	subs    map[string]*localSub
	byTopic map[string][]*localSub
	closed  bool

	tracker *stats.Manager
	signals *emitter.Emitter
	logger  *zap.Logger
}

// NewLocalBus creates a LocalBus with its own stats tracker.
func NewLocalBus(logger *zap.Logger) *LocalBus {
	if logger == nil {
		logger = zap.NewNop()
	}
	tracker := stats.NewManager(stats.DefaultConfig(), logger)
	tracker.Start()
	return &LocalBus{
		subs:    make(map[string]*localSub),
		byTopic: make(map[string][]*localSub),
		tracker: tracker,
		signals: emitter.New(logger),
		logger:  logger.Named("bus.local"),
	}
}

// Publish delivers data to every subscription whose topic matches and whose
// filter accepts the envelope. Handlers run concurrently, launched in
// registration order; Publish waits for all of them.
func (b *LocalBus) Publish(ctx context.Context, topic string, data interface{}, source string, opts *PublishOptions) error {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return ErrClosed
	}
	env := newEnvelope(uuid.NewString(), topic, data, source, opts)
	matched := make([]*localSub, 0, len(b.byTopic[topic])+len(b.byTopic[WildcardTopic]))
	for _, sub := range b.byTopic[topic] {
		if sub.filter == nil || sub.filter(env) {
			matched = append(matched, sub)
		}
	}
	for _, sub := range b.byTopic[WildcardTopic] {
		if sub.filter == nil || sub.filter(env) {
			matched = append(matched, sub)
		}
	}
	b.mu.RUnlock()

	start := time.Now()
	g, gctx := errgroup.WithContext(ctx)
	for _, sub := range matched {
		handler := sub.handler
		g.Go(func() (err error) {
			defer func() {
				if r := recover(); r != nil {
					err = fmt.Errorf("handler panicked: %v", r)
				}
			}()
			return handler(gctx, env)
		})
	}
	err := g.Wait()

	// Metrics are recorded before the error is surfaced so a failed
	// attempt is never invisible to observability.
	b.tracker.Record(stats.DeliveryMetric{
		Topic:     topic,
		Success:   err == nil,
		Latency:   time.Since(start),
		SizeBytes: payloadSize(data),
		Timestamp: start,
	})
	if err != nil {
		b.tracker.RecordError(topic, err)
		b.signals.Emit(SignalEventFailed, env, err)
		b.signals.Emit(SignalError, err)
		return fmt.Errorf("publish %q: %w", topic, err)
	}
	b.signals.Emit(SignalEventProcessed, env)
	return nil
}

// Subscribe registers handler for topic and returns the subscription id.
// Use WildcardTopic to receive every publish on this bus.
func (b *LocalBus) Subscribe(topic string, handler Handler, opts *SubscribeOptions) (string, error) {
	if handler == nil {
		return "", fmt.Errorf("bus: nil handler for topic %q", topic)
	}
	sub := &localSub{
		id:      uuid.NewString(),
		topic:   topic,
		handler: handler,
	}
	if opts != nil {
		sub.filter = opts.Filter
		sub.contextID = opts.ContextID
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return "", ErrClosed
	}
	b.subs[sub.id] = sub
	b.byTopic[topic] = append(b.byTopic[topic], sub)
	b.tracker.IncSubscriptions(topic)
	return sub.id, nil
}

// Unsubscribe removes the subscription. Unknown or already-removed ids are
// a no-op.
func (b *LocalBus) Unsubscribe(id string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	sub, ok := b.subs[id]
	if !ok {
		return nil
	}
	delete(b.subs, id)
	list := b.byTopic[sub.topic]
	for i, s := range list {
		if s.id == id {
			b.byTopic[sub.topic] = append(list[:i:i], list[i+1:]...)
			break
		}
	}
	if len(b.byTopic[sub.topic]) == 0 {
		delete(b.byTopic, sub.topic)
	}
	b.tracker.DecSubscriptions(sub.topic)
	return nil
}

// UnsubscribeContext removes every subscription tagged with contextID.
func (b *LocalBus) UnsubscribeContext(contextID string) int {
	if contextID == "" {
		return 0
	}
	b.mu.Lock()
	var ids []string
	for id, sub := range b.subs {
		if sub.contextID == contextID {
			ids = append(ids, id)
		}
	}
	b.mu.Unlock()
	for _, id := range ids {
		_ = b.Unsubscribe(id)
	}
	return len(ids)
}

// SubscriberCount returns the number of active subscriptions on topic,
// not counting wildcard subscribers.
func (b *LocalBus) SubscriberCount(topic string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.byTopic[topic])
}

// Metrics returns the aggregate delivery view.
func (b *LocalBus) Metrics() stats.Metrics { return b.tracker.Metrics() }

// Stats returns the rich per-topic view.
func (b *LocalBus) Stats() stats.Stats { return b.tracker.GetStats() }

// Signals exposes the internal signaling emitter.
func (b *LocalBus) Signals() *emitter.Emitter { return b.signals }

// Close tears down all subscriptions and stops the stats tracker.
// Idempotent.
func (b *LocalBus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.subs = make(map[string]*localSub)
	b.byTopic = make(map[string][]*localSub)
	b.mu.Unlock()
	b.tracker.Close()
	return nil
}

var _ Transport = (*LocalBus)(nil)
