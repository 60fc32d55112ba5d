package node

import (
	"bytes"
	"context"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"

	"bookkeeper/pkg/protocol"
	"bookkeeper/pkg/types"
	"bookkeeper/pkg/utils"

	"go.uber.org/zap"
)

func (n *Node) heartbeatLoop() {
	defer n.wg.Done()

	interval := n.cfg.Health.HeartbeatInterval.Std()
	ticker := n.clock.NewTicker(interval)
	defer ticker.Stop()

	n.heartbeat()
	for {
		select {
		case <-n.ctx.Done():
			return
		case <-ticker.Chan():
			n.heartbeat()
		}
	}
}

func (n *Node) heartbeat() {
	if err := n.SendHeartbeat(n.ctx); err != nil {
		last, _ := n.LastHeartbeat()
		n.logger.Warn("Failed to send heartbeat",
			zap.Error(err),
			zap.Duration("since_last", n.clock.Since(last)))
	}
}

// SendHeartbeat reports this worker to the coordinator. Validation results
// are included when validation is enabled; otherwise both flags are false.
func (n *Node) SendHeartbeat(ctx context.Context) error {
	var status types.HeartbeatStatus
	if n.cfg.Health.ValidationEnabled {
		if err := n.ValidateCaching(ctx); err != nil {
			n.logger.Warn("Caching validation failed", zap.Error(err))
		} else {
			status.CachingValidated = true
		}
		if err := n.ValidateFiles(); err != nil {
			n.logger.Warn("Cache file validation failed", zap.Error(err))
		} else {
			status.FileValidated = true
		}
	}

	resp, err := n.coordinator.HandleHeartbeat(ctx, &protocol.HeartbeatRequest{
		Hostname: n.cfg.Hostname,
		Status:   status,
	})
	if err != nil {
		return err
	}
	if !resp.Ack {
		return fmt.Errorf("coordinator did not acknowledge heartbeat")
	}

	n.mu.Lock()
	n.lastHeartbeat = n.clock.Now()
	n.lastStatus = status
	n.mu.Unlock()
	return nil
}

// ValidateCaching runs a read-through of a freshly written probe file and
// checks the cached bytes against the source.
func (n *Node) ValidateCaching(ctx context.Context) error {
	dir := filepath.Join(n.cfg.Cache.DiskDir(0), ".bookkeeper", "validation")
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create validation directory: %w", err)
	}

	size := 2 * n.cfg.Cache.BlockSize.Int64()
	if size > utils.MiB {
		size = utils.MiB
	}
	data := make([]byte, size)
	rand.Read(data)

	src := filepath.Join(dir, "probe")
	if err := os.WriteFile(src, data, 0644); err != nil {
		return fmt.Errorf("failed to write probe: %w", err)
	}
	defer os.Remove(src)

	key := types.CacheKey{BackendPath: "file://" + src, FileLength: size, LastModified: n.clock.Now().UnixNano()}
	store := n.Store()
	defer store.Invalidate(key.BackendPath)

	if _, err := n.Engine().EnsureCached(ctx, key, 0, size); err != nil {
		return err
	}

	cached := make([]byte, size)
	if _, err := store.ReadAt(key, cached, 0); err != nil {
		return fmt.Errorf("failed to read cached probe: %w", err)
	}
	if !bytes.Equal(cached, data) {
		return fmt.Errorf("cached probe does not match source")
	}
	return nil
}

// ValidateFiles checks every journaled cache file.
func (n *Node) ValidateFiles() error {
	_, err := n.Store().VerifyFiles()
	return err
}
