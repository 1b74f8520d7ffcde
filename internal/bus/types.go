// Package bus implements the typed publish/subscribe layer with three
// interchangeable transports: LocalBus (synchronous in-process fan-out),
// RemoteBus (batched relay to an external broker), and HybridBus (per-topic
// routing between the two). All three satisfy Transport.
package bus

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"conduit/internal/emitter"
	"conduit/internal/stats"
)

// Well-known topics used by the pool and orchestrator. Arbitrary topics are
// legal; nothing requires registration.
const (
	TopicTaskCreated       = "task:created"
	TopicTaskCompleted     = "task:completed"
	TopicTaskFailed        = "task:failed"
	TopicAgentStateChanged = "agent:stateChanged"
)

// WildcardTopic subscribes to every topic on a transport. It is a distinct
// capability from named-topic subscription: wildcard subscribers see the
// full fan-out, named subscribers only their channel.
const WildcardTopic = "*"

// Signal names fired on a transport's Signals emitter.
const (
	SignalEventProcessed = "eventProcessed"
	SignalEventFailed    = "eventFailed"
	SignalError          = "error"
)

// ErrClosed is returned by operations on a closed transport.
var ErrClosed = errors.New("bus: transport closed")

// Priority orders envelopes for consumers that care; the transports
// themselves do not reorder.
type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityMedium   Priority = "medium"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

// Weight maps a priority to a sortable rank. Unknown values rank as medium.
func (p Priority) Weight() int {
	switch p {
	case PriorityCritical:
		return 3
	case PriorityHigh:
		return 2
	case PriorityLow:
		return 0
	default:
		return 1
	}
}

// Metadata travels with every envelope.
type Metadata struct {
	Timestamp time.Time `json:"timestamp"`
	Source    string    `json:"source"`
	Priority  Priority  `json:"priority"`
	ContextID string    `json:"contextId,omitempty"`
	SessionID string    `json:"sessionId,omitempty"`
	UserID    string    `json:"userId,omitempty"`
}

// Envelope is the unit of transport. Treat it as immutable once published.
type Envelope struct {
	ID       string      `json:"id"`
	Type     string      `json:"type"`
	Data     interface{} `json:"data"`
	Metadata Metadata    `json:"metadata"`
}

// PublishOptions carries optional per-publish metadata.
type PublishOptions struct {
	Priority  Priority
	ContextID string
	SessionID string
	UserID    string
}

// SubscribeOptions carries optional subscription filtering.
type SubscribeOptions struct {
	// Filter rejects envelopes before the handler runs. nil accepts all.
	Filter func(Envelope) bool
	// ContextID tags the subscription for bulk teardown by context.
	ContextID string
}

// Handler processes one delivered envelope. A non-nil error marks the
// delivery failed for accounting.
type Handler func(ctx context.Context, env Envelope) error

// Transport is the contract shared by all three strategies.
type Transport interface {
	Publish(ctx context.Context, topic string, data interface{}, source string, opts *PublishOptions) error
	Subscribe(topic string, handler Handler, opts *SubscribeOptions) (string, error)
	Unsubscribe(id string) error

	// Metrics and Stats return independent snapshots.
	Metrics() stats.Metrics
	Stats() stats.Stats

	// Signals exposes the transport's internal signaling surface
	// (eventProcessed, eventFailed, error).
	Signals() *emitter.Emitter

	Close() error
}

// BrokerClient is the seam to an external broker for the RemoteBus. The
// batch call is atomic from this layer's perspective: it either delivers
// every entry or none.
type BrokerClient interface {
	SendBatch(ctx context.Context, batch []Envelope) error
}

func newEnvelope(id, topic string, data interface{}, source string, opts *PublishOptions) Envelope {
	meta := Metadata{
		Timestamp: time.Now(),
		Source:    source,
		Priority:  PriorityMedium,
	}
	if opts != nil {
		if opts.Priority != "" {
			meta.Priority = opts.Priority
		}
		meta.ContextID = opts.ContextID
		meta.SessionID = opts.SessionID
		meta.UserID = opts.UserID
	}
	return Envelope{ID: id, Type: topic, Data: data, Metadata: meta}
}

// payloadSize estimates the wire size of an envelope's data for metrics.
func payloadSize(data interface{}) int {
	if data == nil {
		return 0
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return 0
	}
	return len(raw)
}
