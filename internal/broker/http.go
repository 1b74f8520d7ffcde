// Package broker provides BrokerClient implementations for the remote
// transport: an HTTP batch client for a real broker endpoint and an
// in-memory client for local development and tests.
package broker

import (
	"context"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"

	"conduit/internal/bus"
)

// HTTPConfig configures the HTTP batch client.
type HTTPConfig struct {
	// Endpoint receives batch POSTs, e.g. https://broker.internal/v1/events.
	Endpoint string
	// APIKey, when set, is sent as a bearer token.
	APIKey string
	// Timeout bounds each batch request.
	Timeout time.Duration
}

// batchRequest is the wire shape of one batch POST.
type batchRequest struct {
	Entries []bus.Envelope `json:"entries"`
}

// HTTPClient relays envelope batches to a broker endpoint over HTTP. The
// batch is atomic from the caller's perspective: any non-2xx response or
// transport error fails the whole batch.
type HTTPClient struct {
	client   *resty.Client
	endpoint string
	logger   *zap.Logger
}

// NewHTTPClient validates the config and builds the client. Retries are the
// remote transport's responsibility, so the underlying client performs none
// of its own.
func NewHTTPClient(cfg HTTPConfig, logger *zap.Logger) (*HTTPClient, error) {
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("broker: endpoint required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	client := resty.New().
		SetHeader("Content-Type", "application/json").
		SetRetryCount(0)
	if cfg.Timeout > 0 {
		client.SetTimeout(cfg.Timeout)
	}
	if cfg.APIKey != "" {
		client.SetAuthToken(cfg.APIKey)
	}
	return &HTTPClient{
		client:   client,
		endpoint: cfg.Endpoint,
		logger:   logger.Named("broker.http"),
	}, nil
}

// SendBatch posts the entries as one JSON body.
func (c *HTTPClient) SendBatch(ctx context.Context, batch []bus.Envelope) error {
	if len(batch) == 0 {
		return nil
	}
	resp, err := c.client.R().
		SetContext(ctx).
		SetBody(batchRequest{Entries: batch}).
		Post(c.endpoint)
	if err != nil {
		return fmt.Errorf("broker: send batch: %w", err)
	}
	if resp.IsError() {
		return fmt.Errorf("broker: send batch: status %d: %s", resp.StatusCode(), resp.String())
	}
	c.logger.Debug("batch delivered",
		zap.Int("entries", len(batch)),
		zap.Int("status", resp.StatusCode()))
	return nil
}

var _ bus.BrokerClient = (*HTTPClient)(nil)
