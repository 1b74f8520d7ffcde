package bus

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"conduit/internal/emitter"
	"conduit/internal/stats"
)

// Mode selects how a HybridBus routes topics.
type Mode string

const (
	// ModeLocal forces every topic onto the local transport.
	ModeLocal Mode = "local-only"
	// ModeRemote forces every topic onto the remote transport.
	ModeRemote Mode = "remote-only"
	// ModeHybrid routes topics in the configured remote set to the remote
	// transport and everything else locally.
	ModeHybrid Mode = "hybrid"
)

// ParseMode normalizes a configured mode string, accepting the legacy
// "aws-only" alias for remote-only.
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case ModeLocal, ModeRemote, ModeHybrid:
		return Mode(s), nil
	case "aws-only":
		return ModeRemote, nil
	case "":
		return ModeHybrid, nil
	default:
		return "", fmt.Errorf("bus: unknown transport mode %q", s)
	}
}

// HybridConfig configures routing for a HybridBus.
type HybridConfig struct {
	Mode Mode
	// RemoteTopics is the topic set routed to the remote transport in
	// hybrid mode.
	RemoteTopics []string
}

// HybridBus wraps one LocalBus and one RemoteBus and routes each topic to
// exactly one of them. Subscription routing is consistent with publish
// routing, so a subscriber always sits on the transport its topic's
// publishes go to.
type HybridBus struct {
	local  *LocalBus
	remote *RemoteBus
	mode   Mode

	mu           sync.RWMutex
	remoteTopics map[string]bool
	owners       map[string]Transport // subscription id -> owning transport

	signals *emitter.Emitter
	logger  *zap.Logger
}

// NewHybridBus wires a router over the two child transports.
func NewHybridBus(local *LocalBus, remote *RemoteBus, cfg HybridConfig, logger *zap.Logger) (*HybridBus, error) {
	if local == nil || remote == nil {
		return nil, fmt.Errorf("bus: hybrid transport requires both local and remote children")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	mode := cfg.Mode
	if mode == "" {
		mode = ModeHybrid
	}
	switch mode {
	case ModeLocal, ModeRemote, ModeHybrid:
	default:
		return nil, fmt.Errorf("bus: unknown transport mode %q", mode)
	}

	h := &HybridBus{
		local:        local,
		remote:       remote,
		mode:         mode,
		remoteTopics: make(map[string]bool, len(cfg.RemoteTopics)),
		owners:       make(map[string]Transport),
		signals:      emitter.New(logger),
		logger:       logger.Named("bus.hybrid"),
	}
	for _, topic := range cfg.RemoteTopics {
		h.remoteTopics[topic] = true
	}

	// Re-emit child signals on the router's own surface so consumers can
	// observe both transports through one emitter.
	for _, child := range []Transport{local, remote} {
		for _, signal := range []string{SignalEventProcessed, SignalEventFailed, SignalError} {
			sig := signal
			child.Signals().On(sig, func(args ...interface{}) {
				h.signals.Emit(sig, args...)
			})
		}
	}
	return h, nil
}

// routeRemote reports whether topic belongs on the remote transport. The
// decision is static per call: mode first, then remote-topic membership.
func (h *HybridBus) routeRemote(topic string) bool {
	switch h.mode {
	case ModeLocal:
		return false
	case ModeRemote:
		return true
	default:
		h.mu.RLock()
		defer h.mu.RUnlock()
		return h.remoteTopics[topic]
	}
}

func (h *HybridBus) route(topic string) Transport {
	if h.routeRemote(topic) {
		return h.remote
	}
	return h.local
}

// Publish routes to exactly one child transport.
func (h *HybridBus) Publish(ctx context.Context, topic string, data interface{}, source string, opts *PublishOptions) error {
	return h.route(topic).Publish(ctx, topic, data, source, opts)
}

// Subscribe resolves to whichever transport receives publishes for topic.
func (h *HybridBus) Subscribe(topic string, handler Handler, opts *SubscribeOptions) (string, error) {
	owner := h.route(topic)
	id, err := owner.Subscribe(topic, handler, opts)
	if err != nil {
		return "", err
	}
	h.mu.Lock()
	h.owners[id] = owner
	h.mu.Unlock()
	return id, nil
}

// Unsubscribe delegates to the owning transport. Unknown ids are a no-op.
func (h *HybridBus) Unsubscribe(id string) error {
	h.mu.Lock()
	owner, ok := h.owners[id]
	delete(h.owners, id)
	h.mu.Unlock()
	if !ok {
		return nil
	}
	return owner.Unsubscribe(id)
}

// SetRemoteTopics replaces the remote-routed topic set. Existing
// subscriptions keep their transport; only future routing changes.
func (h *HybridBus) SetRemoteTopics(topics []string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.remoteTopics = make(map[string]bool, len(topics))
	for _, t := range topics {
		h.remoteTopics[t] = true
	}
}

// Metrics merges both children, weighting averages by delivered count.
func (h *HybridBus) Metrics() stats.Metrics {
	return stats.MergeMetrics(h.local.Metrics(), h.remote.Metrics())
}

// Stats merges both children's rich views.
func (h *HybridBus) Stats() stats.Stats {
	return stats.MergeStats(h.local.Stats(), h.remote.Stats())
}

// Signals exposes the merged signaling surface.
func (h *HybridBus) Signals() *emitter.Emitter { return h.signals }

// Close closes both children.
func (h *HybridBus) Close() error {
	lerr := h.local.Close()
	rerr := h.remote.Close()
	if lerr != nil {
		return lerr
	}
	return rerr
}

var _ Transport = (*HybridBus)(nil)
