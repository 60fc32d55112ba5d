package cluster

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"go.uber.org/zap"
)

// zapLeveledLogger adapts zap to retryablehttp.LeveledLogger.
type zapLeveledLogger struct {
	sugar *zap.SugaredLogger
}

func (l zapLeveledLogger) Error(msg string, kv ...interface{}) { l.sugar.Errorw(msg, kv...) }
func (l zapLeveledLogger) Info(msg string, kv ...interface{})  { l.sugar.Debugw(msg, kv...) }
func (l zapLeveledLogger) Debug(msg string, kv ...interface{}) { l.sugar.Debugw(msg, kv...) }
func (l zapLeveledLogger) Warn(msg string, kv ...interface{})  { l.sugar.Warnw(msg, kv...) }

// newTopologyClient allows a single quick retry so an unreachable resource
// manager fails within roughly one timeout.
func newTopologyClient(timeout time.Duration, logger *zap.Logger) *retryablehttp.Client {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	client := retryablehttp.NewClient()
	client.RetryMax = 1
	client.RetryWaitMin = 50 * time.Millisecond
	client.RetryWaitMax = 250 * time.Millisecond
	client.HTTPClient.Timeout = timeout
	client.Logger = zapLeveledLogger{sugar: logger.Sugar()}
	return client
}

func getJSON(ctx context.Context, client *retryablehttp.Client, url string, out interface{}) error {
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("failed to build request for %s: %w", url, err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("request to %s failed: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("request to %s returned %s: %s", url, resp.Status, body)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response from %s: %w", url, err)
	}
	return nil
}
