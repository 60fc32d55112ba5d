package main

import (
	"context"
	"fmt"
	"time"

	"bookkeeper/pkg/protocol"
	"bookkeeper/pkg/types"
	"bookkeeper/pkg/utils"

	"github.com/spf13/cobra"
)

func parseClusterType(name string) (int32, error) {
	t, err := types.ParseClusterType(name)
	if err != nil {
		return 0, err
	}
	return int32(t), nil
}

func healthCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Check whether a BookKeeper is alive",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), 15*time.Second)
			defer cancel()

			c, _, err := dialClient(ctx)
			if err != nil {
				return err
			}
			defer c.Close()

			resp, err := c.IsBookKeeperAlive(ctx)
			if err != nil {
				fmt.Println(renderAlive(nil))
				return err
			}
			fmt.Println(renderAlive(resp))
			return nil
		},
	}
}

func nodesCmd() *cobra.Command {
	var clusterType string

	cmd := &cobra.Command{
		Use:   "nodes",
		Short: "List the cluster nodes known to the coordinator",
		RunE: func(cmd *cobra.Command, args []string) error {
			ct, err := parseClusterType(clusterType)
			if err != nil {
				return err
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), 15*time.Second)
			defer cancel()

			c, _, err := dialClient(ctx)
			if err != nil {
				return err
			}
			defer c.Close()

			resp, err := c.GetClusterNodes(ctx, &protocol.GetClusterNodesRequest{ClusterType: ct})
			if err != nil {
				return err
			}
			fmt.Println(renderNodes(resp.Nodes))
			return nil
		},
	}

	cmd.Flags().StringVarP(&clusterType, "cluster-type", "t", "hadoop2", "cluster type")
	return cmd
}

func ownerCmd() *cobra.Command {
	var clusterType string

	cmd := &cobra.Command{
		Use:   "owner <path>",
		Short: "Show which node owns a remote path",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ct, err := parseClusterType(clusterType)
			if err != nil {
				return err
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), 15*time.Second)
			defer cancel()

			c, _, err := dialClient(ctx)
			if err != nil {
				return err
			}
			defer c.Close()

			resp, err := c.GetOwnerNode(ctx, &protocol.GetOwnerNodeRequest{Path: args[0], ClusterType: ct})
			if err != nil {
				return err
			}
			fmt.Printf("%s %s\n", labelStyle.Render(args[0]), valueStyle.Render(resp.Address))
			return nil
		},
	}

	cmd.Flags().StringVarP(&clusterType, "cluster-type", "t", "hadoop2", "cluster type")
	return cmd
}

func statusCmd() *cobra.Command {
	var (
		clusterType  string
		fileSize     int64
		lastModified int64
		startBlock   int64
		endBlock     int64
	)

	cmd := &cobra.Command{
		Use:   "status <path>",
		Short: "Show the cache location of each block of a remote file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ct, err := parseClusterType(clusterType)
			if err != nil {
				return err
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), 15*time.Second)
			defer cancel()

			c, cfg, err := dialClient(ctx)
			if err != nil {
				return err
			}
			defer c.Close()

			if endBlock <= startBlock {
				bs := cfg.Cache.BlockSize.Int64()
				endBlock = (fileSize + bs - 1) / bs
			}

			resp, err := c.GetCacheStatus(ctx, &protocol.GetCacheStatusRequest{
				Path:         args[0],
				FileSize:     fileSize,
				LastModified: lastModified,
				StartBlock:   startBlock,
				EndBlock:     endBlock,
				ClusterType:  ct,
			})
			if err != nil {
				return err
			}
			fmt.Println(renderBlocks(args[0], startBlock, resp.Blocks))
			return nil
		},
	}

	cmd.Flags().StringVarP(&clusterType, "cluster-type", "t", "hadoop2", "cluster type")
	cmd.Flags().Int64Var(&fileSize, "size", 0, "remote file length in bytes")
	cmd.Flags().Int64Var(&lastModified, "mtime", 0, "remote file modification time")
	cmd.Flags().Int64Var(&startBlock, "start", 0, "first block")
	cmd.Flags().Int64Var(&endBlock, "end", 0, "block after the last one (default: whole file)")
	return cmd
}

func readCmd() *cobra.Command {
	var (
		clusterType  string
		offset       int64
		length       int64
		fileSize     int64
		lastModified int64
	)

	cmd := &cobra.Command{
		Use:   "read <path>",
		Short: "Fetch a byte range of a remote file into the cache",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ct, err := parseClusterType(clusterType)
			if err != nil {
				return err
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), 5*time.Minute)
			defer cancel()

			c, _, err := dialClient(ctx)
			if err != nil {
				return err
			}
			defer c.Close()

			if length == 0 {
				length = fileSize - offset
			}

			start := time.Now()
			resp, err := c.ReadData(ctx, &protocol.ReadDataRequest{
				Path:         args[0],
				Offset:       offset,
				Length:       length,
				FileSize:     fileSize,
				LastModified: lastModified,
				ClusterType:  ct,
			})
			if err != nil {
				return err
			}
			if !resp.Success {
				return fmt.Errorf("read failed: %s", resp.Message)
			}

			fmt.Printf("%s %s in %s\n",
				accentValueStyle.Render("✓"),
				valueStyle.Render(utils.FormatDataSize(resp.BytesFetched)+" fetched"),
				mutedStyle.Render(time.Since(start).Round(time.Millisecond).String()))
			return nil
		},
	}

	cmd.Flags().StringVarP(&clusterType, "cluster-type", "t", "hadoop2", "cluster type")
	cmd.Flags().Int64Var(&offset, "offset", 0, "first byte to read")
	cmd.Flags().Int64Var(&length, "length", 0, "bytes to read (default: to end of file)")
	cmd.Flags().Int64Var(&fileSize, "size", 0, "remote file length in bytes")
	cmd.Flags().Int64Var(&lastModified, "mtime", 0, "remote file modification time")
	return cmd
}
