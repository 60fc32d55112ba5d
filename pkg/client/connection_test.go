package client

import (
	"context"
	"errors"
	"testing"
	"time"

	"bookkeeper/pkg/config"
	"bookkeeper/pkg/protocol"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// flakyClient fails the first failures calls with err.
type flakyClient struct {
	protocol.BookKeeperClient
	failures int
	err      error
	calls    int
}

func (f *flakyClient) IsBookKeeperAlive(ctx context.Context, in *protocol.AliveRequest, opts ...grpc.CallOption) (*protocol.AliveResponse, error) {
	f.calls++
	if f.calls <= f.failures {
		return nil, f.err
	}
	return &protocol.AliveResponse{Alive: true, Role: "worker"}, nil
}

func (f *flakyClient) HandleHeartbeat(ctx context.Context, in *protocol.HeartbeatRequest, opts ...grpc.CallOption) (*protocol.HeartbeatResponse, error) {
	f.calls++
	if f.calls <= f.failures {
		return nil, f.err
	}
	return &protocol.HeartbeatResponse{Ack: true}, nil
}

func testClientConfig(retries int) config.ClientConfig {
	return config.ClientConfig{
		MaxRetries:  retries,
		BaseDelay:   config.Duration(time.Millisecond),
		MaxDelay:    config.Duration(5 * time.Millisecond),
		CallTimeout: config.Duration(time.Second),
	}
}

func TestRetriesTransientErrors(t *testing.T) {
	rpc := &flakyClient{failures: 2, err: status.Error(codes.Unavailable, "connection refused")}
	c := New(rpc, testClientConfig(3), zap.NewNop())

	resp, err := c.IsBookKeeperAlive(context.Background())
	require.NoError(t, err)
	assert.True(t, resp.Alive)
	assert.Equal(t, 3, rpc.calls)
}

func TestGivesUpAfterMaxRetries(t *testing.T) {
	rpc := &flakyClient{failures: 10, err: status.Error(codes.Unavailable, "down")}
	c := New(rpc, testClientConfig(2), zap.NewNop())

	_, err := c.HandleHeartbeat(context.Background(), &protocol.HeartbeatRequest{Hostname: "w1"})
	require.Error(t, err)
	assert.Equal(t, codes.Unavailable, status.Code(err))
	assert.Equal(t, 3, rpc.calls)
}

func TestDoesNotRetryPermanentErrors(t *testing.T) {
	rpc := &flakyClient{failures: 10, err: status.Error(codes.InvalidArgument, "bad path")}
	c := New(rpc, testClientConfig(5), zap.NewNop())

	_, err := c.IsBookKeeperAlive(context.Background())
	require.Error(t, err)
	assert.Equal(t, codes.InvalidArgument, status.Code(err))
	assert.Equal(t, 1, rpc.calls)
}

func TestStopsOnCancelledContext(t *testing.T) {
	rpc := &flakyClient{failures: 10, err: errors.New("plain error")}
	cfg := testClientConfig(5)
	cfg.BaseDelay = config.Duration(time.Hour)
	cfg.MaxDelay = config.Duration(time.Hour)
	c := New(rpc, cfg, zap.NewNop())

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := c.IsBookKeeperAlive(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 1, rpc.calls)
}

func TestCalculateBackoff(t *testing.T) {
	c := New(&flakyClient{}, config.ClientConfig{
		BaseDelay: config.Duration(100 * time.Millisecond),
		MaxDelay:  config.Duration(time.Second),
	}, nil)

	for attempt, base := range []time.Duration{100 * time.Millisecond, 200 * time.Millisecond, 400 * time.Millisecond, 800 * time.Millisecond, time.Second, time.Second} {
		d := c.calculateBackoff(attempt)
		assert.GreaterOrEqual(t, d, time.Duration(float64(base)*0.8), "attempt %d", attempt)
		assert.LessOrEqual(t, d, time.Duration(float64(base)*1.2), "attempt %d", attempt)
	}
}

func TestIsRetryableError(t *testing.T) {
	assert.False(t, isRetryableError(nil))
	assert.True(t, isRetryableError(errors.New("network")))
	assert.True(t, isRetryableError(status.Error(codes.DeadlineExceeded, "")))
	assert.False(t, isRetryableError(status.Error(codes.NotFound, "")))
	assert.False(t, isRetryableError(status.Error(codes.Unimplemented, "")))
}
