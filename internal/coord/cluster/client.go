package cluster

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/blockgrid/blockgrid/pkg/proto"
)

var (
	// ErrNodeUnknown is returned for a node ID absent from the registry.
	ErrNodeUnknown = errors.New("unknown node")

	// ErrBlockNotFound is returned when a node reports 404 for a block.
	ErrBlockNotFound = errors.New("block not found on node")
)

// ClientConfig tunes the node transport.
type ClientConfig struct {
	// Timeout bounds each round trip to a node.
	Timeout time.Duration
	// TransferRate caps outbound block bytes per second. Zero means
	// unlimited.
	TransferRate int64
}

// Client speaks the block protocol to node daemons over HTTP. All
// round trips are bounded by the configured timeout; block uploads
// are additionally throttled by the transfer rate limiter when one
// is configured.
type Client struct {
	registry *Registry
	httpc    *http.Client
	limiter  *rate.Limiter
	timeout  time.Duration
	logger   zerolog.Logger
	metrics  *Metrics
}

// NewClient creates a node transport over the given registry.
func NewClient(registry *Registry, cfg ClientConfig, logger zerolog.Logger) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}

	var limiter *rate.Limiter
	if cfg.TransferRate > 0 {
		// Burst must cover the largest block body or WaitN rejects
		// the send outright.
		burst := int(cfg.TransferRate)
		if burst < 8<<20 {
			burst = 8 << 20
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.TransferRate), burst)
	}

	return &Client{
		registry: registry,
		httpc: &http.Client{
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		limiter: limiter,
		timeout: cfg.Timeout,
		logger:  logger.With().Str("component", "node-client").Logger(),
		metrics: InitMetrics(nil),
	}
}

func (c *Client) blockURL(node Node, blockID string) string {
	return fmt.Sprintf("http://%s/v1/blocks/%s", node.Address, blockID)
}

// StoreBlock uploads one block body to a node. The node verifies the
// declared hash before acknowledging, so a nil return means the block
// is durably stored with the expected content.
func (c *Client) StoreBlock(ctx context.Context, nodeID, blockID string, data []byte, hash string) error {
	node, ok := c.registry.Get(nodeID)
	if !ok {
		return fmt.Errorf("store block %s: %w: %s", blockID, ErrNodeUnknown, nodeID)
	}

	if c.limiter != nil {
		if err := c.limiter.WaitN(ctx, len(data)); err != nil {
			return fmt.Errorf("store block %s on %s: rate limit wait: %w", blockID, nodeID, err)
		}
	}

	rctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(rctx, http.MethodPut, c.blockURL(node, blockID), bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/octet-stream")
	req.Header.Set(proto.BlockHashHeader, hash)

	start := time.Now()
	resp, err := c.httpc.Do(req)
	if err != nil {
		c.metrics.TransportError.WithLabelValues(nodeID, "store").Inc()
		return fmt.Errorf("store block %s on %s: %w", blockID, nodeID, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		c.metrics.TransportError.WithLabelValues(nodeID, "store").Inc()
		return fmt.Errorf("store block %s on %s: %s", blockID, nodeID, readError(resp))
	}

	c.metrics.BlocksSent.WithLabelValues(nodeID).Inc()
	c.metrics.TransportTime.WithLabelValues(nodeID, "store").Observe(time.Since(start).Seconds())

	c.logger.Debug().
		Str("node", nodeID).
		Str("block", blockID).
		Int("size", len(data)).
		Msg("block stored")

	return nil
}

// FetchBlock downloads one block body from a node. A 404 maps to
// ErrBlockNotFound so callers can distinguish a missing copy from a
// transport failure.
func (c *Client) FetchBlock(ctx context.Context, nodeID, blockID string) ([]byte, error) {
	node, ok := c.registry.Get(nodeID)
	if !ok {
		return nil, fmt.Errorf("fetch block %s: %w: %s", blockID, ErrNodeUnknown, nodeID)
	}

	rctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(rctx, http.MethodGet, c.blockURL(node, blockID), nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	start := time.Now()
	resp, err := c.httpc.Do(req)
	if err != nil {
		c.metrics.TransportError.WithLabelValues(nodeID, "fetch").Inc()
		return nil, fmt.Errorf("fetch block %s from %s: %w", blockID, nodeID, err)
	}
	defer func() { _ = resp.Body.Close() }()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		return nil, fmt.Errorf("fetch block %s from %s: %w", blockID, nodeID, ErrBlockNotFound)
	default:
		c.metrics.TransportError.WithLabelValues(nodeID, "fetch").Inc()
		return nil, fmt.Errorf("fetch block %s from %s: %s", blockID, nodeID, readError(resp))
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		c.metrics.TransportError.WithLabelValues(nodeID, "fetch").Inc()
		return nil, fmt.Errorf("fetch block %s from %s: read body: %w", blockID, nodeID, err)
	}

	c.metrics.BlocksFetched.WithLabelValues(nodeID).Inc()
	c.metrics.TransportTime.WithLabelValues(nodeID, "fetch").Observe(time.Since(start).Seconds())

	return data, nil
}

// DeleteBlock removes one block from a node. A 404 means the block is
// already gone, which deletion treats as success.
func (c *Client) DeleteBlock(ctx context.Context, nodeID, blockID string) error {
	node, ok := c.registry.Get(nodeID)
	if !ok {
		return fmt.Errorf("delete block %s: %w: %s", blockID, ErrNodeUnknown, nodeID)
	}

	rctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(rctx, http.MethodDelete, c.blockURL(node, blockID), nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}

	resp, err := c.httpc.Do(req)
	if err != nil {
		c.metrics.TransportError.WithLabelValues(nodeID, "delete").Inc()
		return fmt.Errorf("delete block %s on %s: %w", blockID, nodeID, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNotFound {
		c.metrics.TransportError.WithLabelValues(nodeID, "delete").Inc()
		return fmt.Errorf("delete block %s on %s: %s", blockID, nodeID, readError(resp))
	}

	return nil
}

// Probe checks the node health endpoint. It implements Prober; the
// caller bounds ctx with the probe timeout.
func (c *Client) Probe(ctx context.Context, node Node) error {
	url := fmt.Sprintf("http://%s/v1/health", node.Address)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}

	resp, err := c.httpc.Do(req)
	if err != nil {
		return fmt.Errorf("probe %s: %w", node.ID, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("probe %s: unexpected status %d", node.ID, resp.StatusCode)
	}

	var health proto.NodeHealth
	if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
		return fmt.Errorf("probe %s: decode: %w", node.ID, err)
	}
	if health.Status != proto.StatusOK {
		return fmt.Errorf("probe %s: node reports %q", node.ID, health.Status)
	}
	if health.NodeID != "" && health.NodeID != node.ID {
		return fmt.Errorf("probe %s: node identifies as %q", node.ID, health.NodeID)
	}

	return nil
}

// Stats fetches the storage counters of one node.
func (c *Client) Stats(ctx context.Context, nodeID string) (*proto.NodeStats, error) {
	node, ok := c.registry.Get(nodeID)
	if !ok {
		return nil, fmt.Errorf("stats: %w: %s", ErrNodeUnknown, nodeID)
	}

	rctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	url := fmt.Sprintf("http://%s/v1/stats", node.Address)
	req, err := http.NewRequestWithContext(rctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	resp, err := c.httpc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("stats %s: %w", nodeID, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("stats %s: %s", nodeID, readError(resp))
	}

	var stats proto.NodeStats
	if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
		return nil, fmt.Errorf("stats %s: decode: %w", nodeID, err)
	}
	return &stats, nil
}

// readError extracts the error message from a non-2xx node response.
func readError(resp *http.Response) string {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	var e proto.ErrorResponse
	if json.Unmarshal(body, &e) == nil && e.Message != "" {
		return fmt.Sprintf("status %d: %s", resp.StatusCode, e.Message)
	}
	return fmt.Sprintf("unexpected status %d", resp.StatusCode)
}
