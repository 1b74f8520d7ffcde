package bus

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"

	"go.uber.org/goleak"
	"go.uber.org/zap"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestLocalPublishInvokesMatchingSubscribers(t *testing.T) {
	b := NewLocalBus(zap.NewNop())
	defer b.Close()

	var calls atomic.Int32
	for i := 0; i < 3; i++ {
		if _, err := b.Subscribe("build:done", func(ctx context.Context, env Envelope) error {
			calls.Add(1)
			return nil
		}, nil); err != nil {
			t.Fatalf("subscribe: %v", err)
		}
	}
	if _, err := b.Subscribe("other", func(ctx context.Context, env Envelope) error {
		calls.Add(100)
		return nil
	}, nil); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	if err := b.Publish(context.Background(), "build:done", map[string]string{"id": "1"}, "test", nil); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if got := calls.Load(); got != 3 {
		t.Fatalf("expected 3 handler invocations, got %d", got)
	}

	// Unmatched topic invokes nobody.
	if err := b.Publish(context.Background(), "nobody:listens", nil, "test", nil); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if got := calls.Load(); got != 3 {
		t.Fatalf("unmatched topic invoked handlers: %d", got)
	}
}

func TestLocalSubscribeUnsubscribeRoundTrip(t *testing.T) {
	b := NewLocalBus(zap.NewNop())
	defer b.Close()

	var calls atomic.Int32
	id, err := b.Subscribe("x", func(ctx context.Context, env Envelope) error {
		calls.Add(1)
		return nil
	}, nil)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if err := b.Unsubscribe(id); err != nil {
		t.Fatalf("unsubscribe: %v", err)
	}
	if got := b.SubscriberCount("x"); got != 0 {
		t.Fatalf("expected 0 subscribers, got %d", got)
	}
	if err := b.Publish(context.Background(), "x", nil, "test", nil); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if calls.Load() != 0 {
		t.Fatalf("unsubscribed handler was invoked")
	}

	// Second unsubscribe with the same id is a no-op.
	if err := b.Unsubscribe(id); err != nil {
		t.Fatalf("second unsubscribe errored: %v", err)
	}
}

func TestLocalFilterRejectsEnvelopes(t *testing.T) {
	b := NewLocalBus(zap.NewNop())
	defer b.Close()

	var calls atomic.Int32
	_, err := b.Subscribe("x", func(ctx context.Context, env Envelope) error {
		calls.Add(1)
		return nil
	}, &SubscribeOptions{Filter: func(env Envelope) bool {
		return env.Metadata.Priority == PriorityHigh
	}})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	if err := b.Publish(context.Background(), "x", nil, "test", nil); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if err := b.Publish(context.Background(), "x", nil, "test", &PublishOptions{Priority: PriorityHigh}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if got := calls.Load(); got != 1 {
		t.Fatalf("filter let through %d publishes, want 1", got)
	}
}

func TestLocalHandlerFailureMarksPublishFailed(t *testing.T) {
	b := NewLocalBus(zap.NewNop())
	defer b.Close()

	var healthy atomic.Int32
	_, _ = b.Subscribe("x", func(ctx context.Context, env Envelope) error {
		return errors.New("handler broke")
	}, nil)
	_, _ = b.Subscribe("x", func(ctx context.Context, env Envelope) error {
		healthy.Add(1)
		return nil
	}, nil)

	var failSignals atomic.Int32
	b.Signals().On(SignalEventFailed, func(args ...interface{}) { failSignals.Add(1) })

	err := b.Publish(context.Background(), "x", nil, "test", nil)
	if err == nil {
		t.Fatalf("expected publish error")
	}
	// Metrics recorded before the error surfaced.
	m := b.Metrics()
	if m.TotalPublished != 1 || m.TotalFailed != 1 {
		t.Fatalf("unexpected metrics after failure: %+v", m)
	}
	if failSignals.Load() != 1 {
		t.Fatalf("expected one eventFailed signal")
	}
	// The healthy handler still ran; no rollback across listeners.
	if healthy.Load() != 1 {
		t.Fatalf("healthy handler did not run")
	}
}

func TestLocalHandlerPanicIsContained(t *testing.T) {
	b := NewLocalBus(zap.NewNop())
	defer b.Close()

	_, _ = b.Subscribe("x", func(ctx context.Context, env Envelope) error {
		panic("boom")
	}, nil)
	if err := b.Publish(context.Background(), "x", nil, "test", nil); err == nil {
		t.Fatalf("expected panic converted to publish error")
	}
}

func TestLocalWildcardSubscription(t *testing.T) {
	b := NewLocalBus(zap.NewNop())
	defer b.Close()

	var seen atomic.Int32
	_, _ = b.Subscribe(WildcardTopic, func(ctx context.Context, env Envelope) error {
		seen.Add(1)
		return nil
	}, nil)

	_ = b.Publish(context.Background(), "a", nil, "test", nil)
	_ = b.Publish(context.Background(), "b", nil, "test", nil)
	if seen.Load() != 2 {
		t.Fatalf("wildcard saw %d publishes, want 2", seen.Load())
	}
	// Wildcard subscribers do not count toward a named topic's fan-out.
	if got := b.SubscriberCount("a"); got != 0 {
		t.Fatalf("wildcard leaked into named subscriber count: %d", got)
	}
}

func TestLocalUnsubscribeContext(t *testing.T) {
	b := NewLocalBus(zap.NewNop())
	defer b.Close()

	_, _ = b.Subscribe("x", func(ctx context.Context, env Envelope) error { return nil },
		&SubscribeOptions{ContextID: "panel-1"})
	_, _ = b.Subscribe("y", func(ctx context.Context, env Envelope) error { return nil },
		&SubscribeOptions{ContextID: "panel-1"})
	_, _ = b.Subscribe("x", func(ctx context.Context, env Envelope) error { return nil }, nil)

	if removed := b.UnsubscribeContext("panel-1"); removed != 2 {
		t.Fatalf("removed %d subscriptions, want 2", removed)
	}
	if got := b.SubscriberCount("x"); got != 1 {
		t.Fatalf("expected untagged subscription to survive, have %d", got)
	}
}

func TestLocalPublishAfterClose(t *testing.T) {
	b := NewLocalBus(zap.NewNop())
	b.Close()
	if err := b.Publish(context.Background(), "x", nil, "test", nil); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
	if _, err := b.Subscribe("x", func(ctx context.Context, env Envelope) error { return nil }, nil); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed on subscribe, got %v", err)
	}
}

func TestLocalEnvelopeDefaults(t *testing.T) {
	b := NewLocalBus(zap.NewNop())
	defer b.Close()

	var got Envelope
	_, _ = b.Subscribe("x", func(ctx context.Context, env Envelope) error {
		got = env
		return nil
	}, nil)
	if err := b.Publish(context.Background(), "x", "payload", "ui.editor", nil); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if got.Metadata.Priority != PriorityMedium {
		t.Fatalf("default priority = %q, want medium", got.Metadata.Priority)
	}
	if got.Metadata.Source != "ui.editor" || got.ID == "" || got.Metadata.Timestamp.IsZero() {
		t.Fatalf("incomplete metadata: %+v", got)
	}
}
