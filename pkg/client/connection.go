// Package client is the retrying RPC client for BookKeeper servers.
package client

import (
	"context"
	"math"
	"math/rand"
	"time"

	"bookkeeper/pkg/config"
	"bookkeeper/pkg/protocol"
	"bookkeeper/pkg/shared"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Client wraps the BookKeeper RPCs with bounded retries. Retries use
// exponential backoff with jitter and stop on non-retryable status codes.
type Client struct {
	conn   *grpc.ClientConn
	rpc    protocol.BookKeeperClient
	logger *zap.Logger

	maxRetries   int
	baseDelay    time.Duration
	maxDelay     time.Duration
	jitterFactor float64
	callTimeout  time.Duration
}

// Dial connects to address. Close releases the connection.
func Dial(ctx context.Context, address string, cfg config.ClientConfig, logger *zap.Logger) (*Client, error) {
	conn, err := shared.Dial(ctx, address)
	if err != nil {
		return nil, err
	}
	c := New(protocol.NewBookKeeperClient(conn), cfg, logger)
	c.conn = conn
	return c, nil
}

// New wraps an existing RPC client.
func New(rpc protocol.BookKeeperClient, cfg config.ClientConfig, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	return &Client{
		rpc:          rpc,
		logger:       logger,
		maxRetries:   cfg.MaxRetries,
		baseDelay:    cfg.BaseDelay.Std(),
		maxDelay:     cfg.MaxDelay.Std(),
		jitterFactor: 0.2,
		callTimeout:  cfg.CallTimeout.Std(),
	}
}

func (c *Client) Close() error {
	if c.conn == nil {
		return nil
	}
	return c.conn.Close()
}

func (c *Client) ReadData(ctx context.Context, req *protocol.ReadDataRequest) (*protocol.ReadDataResponse, error) {
	var resp *protocol.ReadDataResponse
	err := c.callWithRetry(ctx, "ReadData", func(ctx context.Context) (err error) {
		resp, err = c.rpc.ReadData(ctx, req)
		return err
	})
	return resp, err
}

func (c *Client) GetCacheStatus(ctx context.Context, req *protocol.GetCacheStatusRequest) (*protocol.GetCacheStatusResponse, error) {
	var resp *protocol.GetCacheStatusResponse
	err := c.callWithRetry(ctx, "GetCacheStatus", func(ctx context.Context) (err error) {
		resp, err = c.rpc.GetCacheStatus(ctx, req)
		return err
	})
	return resp, err
}

func (c *Client) HandleHeartbeat(ctx context.Context, req *protocol.HeartbeatRequest) (*protocol.HeartbeatResponse, error) {
	var resp *protocol.HeartbeatResponse
	err := c.callWithRetry(ctx, "HandleHeartbeat", func(ctx context.Context) (err error) {
		resp, err = c.rpc.HandleHeartbeat(ctx, req)
		return err
	})
	return resp, err
}

func (c *Client) GetClusterNodes(ctx context.Context, req *protocol.GetClusterNodesRequest) (*protocol.GetClusterNodesResponse, error) {
	var resp *protocol.GetClusterNodesResponse
	err := c.callWithRetry(ctx, "GetClusterNodes", func(ctx context.Context) (err error) {
		resp, err = c.rpc.GetClusterNodes(ctx, req)
		return err
	})
	return resp, err
}

func (c *Client) GetOwnerNode(ctx context.Context, req *protocol.GetOwnerNodeRequest) (*protocol.GetOwnerNodeResponse, error) {
	var resp *protocol.GetOwnerNodeResponse
	err := c.callWithRetry(ctx, "GetOwnerNode", func(ctx context.Context) (err error) {
		resp, err = c.rpc.GetOwnerNode(ctx, req)
		return err
	})
	return resp, err
}

func (c *Client) IsBookKeeperAlive(ctx context.Context) (*protocol.AliveResponse, error) {
	var resp *protocol.AliveResponse
	err := c.callWithRetry(ctx, "IsBookKeeperAlive", func(ctx context.Context) (err error) {
		resp, err = c.rpc.IsBookKeeperAlive(ctx, &protocol.AliveRequest{})
		return err
	})
	return resp, err
}

// callWithRetry runs fn once plus up to maxRetries retries.
func (c *Client) callWithRetry(ctx context.Context, operation string, fn func(context.Context) error) error {
	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		err := c.attempt(ctx, fn)
		if err == nil {
			return nil
		}
		if !isRetryableError(err) {
			return err
		}
		lastErr = err

		if attempt == c.maxRetries {
			break
		}
		c.logger.Debug("Operation failed, retrying",
			zap.String("operation", operation),
			zap.Int("attempt", attempt+1),
			zap.Error(err))

		select {
		case <-time.After(c.calculateBackoff(attempt)):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return lastErr
}

func (c *Client) attempt(ctx context.Context, fn func(context.Context) error) error {
	if c.callTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.callTimeout)
		defer cancel()
	}
	return fn(ctx)
}

// calculateBackoff is baseDelay * 2^attempt capped at maxDelay, with
// +/- jitterFactor applied.
func (c *Client) calculateBackoff(attempt int) time.Duration {
	delay := float64(c.baseDelay) * math.Pow(2, float64(attempt))
	if c.maxDelay > 0 && delay > float64(c.maxDelay) {
		delay = float64(c.maxDelay)
	}

	jitter := delay * c.jitterFactor * (2*rand.Float64() - 1)
	delay += jitter
	if delay < 0 {
		delay = float64(c.baseDelay)
	}
	return time.Duration(delay)
}

func isRetryableError(err error) bool {
	if err == nil {
		return false
	}

	st, ok := status.FromError(err)
	if !ok {
		return true
	}

	switch st.Code() {
	case codes.Unavailable,
		codes.ResourceExhausted,
		codes.Aborted,
		codes.DeadlineExceeded,
		codes.Internal,
		codes.Unknown:
		return true
	default:
		return false
	}
}
