package broker

import (
	"context"
	"sync"

	"conduit/internal/bus"
)

// MemoryClient accepts batches into an in-process log. Used when no broker
// endpoint is configured (development mode) and throughout the tests.
type MemoryClient struct {
	mu      sync.Mutex
	batches [][]bus.Envelope
}

// NewMemoryClient returns an empty in-memory broker.
func NewMemoryClient() *MemoryClient {
	return &MemoryClient{}
}

// SendBatch records a copy of the batch.
func (c *MemoryClient) SendBatch(ctx context.Context, batch []bus.Envelope) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.batches = append(c.batches, append([]bus.Envelope(nil), batch...))
	return nil
}

// Batches returns a copy of every batch received so far.
func (c *MemoryClient) Batches() [][]bus.Envelope {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([][]bus.Envelope, len(c.batches))
	for i, b := range c.batches {
		out[i] = append([]bus.Envelope(nil), b...)
	}
	return out
}

// Entries returns every envelope received, flattened oldest first.
func (c *MemoryClient) Entries() []bus.Envelope {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []bus.Envelope
	for _, b := range c.batches {
		out = append(out, b...)
	}
	return out
}

var _ bus.BrokerClient = (*MemoryClient)(nil)
