package client

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.temporal.io/sdk/client"
	temporallog "go.temporal.io/sdk/log"
	"google.golang.org/grpc"

	"github.com/jordanhubbard/agency/pkg/config"
)

const (
	maxDialAttempts = 5
	dialTimeout     = 15 * time.Second
)

// Client wraps the Temporal client with agency's configuration.
type Client struct {
	temporal client.Client
	config   *config.TemporalConfig
}

// New dials Temporal, retrying with exponential backoff.
func New(ctx context.Context, cfg *config.TemporalConfig, logger *slog.Logger) (*Client, error) {
	if cfg == nil {
		return nil, fmt.Errorf("temporal config cannot be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	baseDelay := 2 * time.Second

	var lastErr error
	for attempt := 0; attempt < maxDialAttempts; attempt++ {
		if attempt > 0 {
			delay := baseDelay * time.Duration(1<<uint(attempt-1)) // 2s, 4s, 8s, 16s
			logger.Info("retrying temporal connection", "delay", delay, "attempt", attempt+1, "max", maxDialAttempts)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(delay):
			}
		}

		dialCtx, cancel := context.WithTimeout(ctx, dialTimeout)
		c, err := client.DialContext(dialCtx, client.Options{
			HostPort:  cfg.Host,
			Namespace: cfg.Namespace,
			Logger:    temporallog.NewStructuredLogger(logger.With("component", "temporal")),
			ConnectionOptions: client.ConnectionOptions{
				DialOptions: []grpc.DialOption{
					grpc.WithBlock(),
					grpc.FailOnNonTempDialError(false),
				},
			},
		})
		cancel()
		if err == nil {
			logger.Info("connected to temporal", "host", cfg.Host, "namespace", cfg.Namespace)
			return &Client{temporal: c, config: cfg}, nil
		}
		lastErr = err
		logger.Warn("temporal connection attempt failed", "attempt", attempt+1, "error", err)
	}

	return nil, fmt.Errorf("failed to create temporal client after %d attempts: %w", maxDialAttempts, lastErr)
}

// Wrap adopts an existing client, for tests.
func Wrap(c client.Client, cfg *config.TemporalConfig) *Client {
	return &Client{temporal: c, config: cfg}
}

// Close closes the Temporal client connection
func (c *Client) Close() {
	if c.temporal != nil {
		c.temporal.Close()
	}
}

// GetClient returns the underlying Temporal client
func (c *Client) GetClient() client.Client {
	return c.temporal
}

// GetTaskQueue returns the configured task queue
func (c *Client) GetTaskQueue() string {
	return c.config.TaskQueue
}

// GetConfig returns the temporal configuration
func (c *Client) GetConfig() *config.TemporalConfig {
	return c.config
}

// ExecuteWorkflow starts a new workflow execution
func (c *Client) ExecuteWorkflow(ctx context.Context, options client.StartWorkflowOptions, workflow interface{}, args ...interface{}) (client.WorkflowRun, error) {
	return c.temporal.ExecuteWorkflow(ctx, options, workflow, args...)
}

// GetWorkflow returns a handle to an existing workflow
func (c *Client) GetWorkflow(ctx context.Context, workflowID, runID string) client.WorkflowRun {
	return c.temporal.GetWorkflow(ctx, workflowID, runID)
}
