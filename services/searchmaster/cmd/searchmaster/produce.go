package main

import (
	"context"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/xinkaiwang/searchcoord/libs/xklib/klogging"
	"github.com/xinkaiwang/searchcoord/services/searchmaster/internal/aggregator"
	"github.com/xinkaiwang/searchcoord/services/searchmaster/internal/config"
	"github.com/xinkaiwang/searchcoord/services/searchmaster/internal/data"
	"github.com/xinkaiwang/searchcoord/services/searchmaster/internal/synchro"
)

func newProduceCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "produce",
		Short: "run one synchronization session as producer and wait for every consumer",
		Run: func(cmd *cobra.Command, args []string) {
			if !runProduce(cmd.Context()) {
				klogging.OsExit(1)
			}
		},
	}
	flags := cmd.Flags()
	flags.String("sync-id", "", "synchronization id shared with consumers")
	flags.String("method", "index", "method recorded in the producer node")
	flags.String("collection", "", "collection the data belongs to")
	flags.String("data-path", "", "file or directory to distribute")
	flags.String("data-type", synchro.DataTypeScdIndex, "scd-index, total-comment-scd or comment-type-flag")
	flags.Duration("timeout", 10*time.Minute, "how long to wait for the first consumer")
	flags.String("dfs-mount", "", "distributed filesystem mount point; empty disables staging")
	flags.String("shared-dir", "", "root of the directory shared with consumers, used by the socket policy")
	flags.Bool("notify-master", true, "tell the masters about the outcome")
	_ = cmd.MarkFlagRequired("sync-id")
	_ = cmd.MarkFlagRequired("data-path")
	bindFlag(cmd, false, "produce.sync_id", "sync-id", "")
	bindFlag(cmd, false, "produce.method", "method", "")
	bindFlag(cmd, false, "produce.collection", "collection", "")
	bindFlag(cmd, false, "produce.data_path", "data-path", "")
	bindFlag(cmd, false, "produce.data_type", "data-type", "")
	bindFlag(cmd, false, "produce.timeout", "timeout", "")
	bindFlag(cmd, false, "produce.dfs_mount", "dfs-mount", "DFS_MOUNT")
	bindFlag(cmd, false, "produce.shared_dir", "shared-dir", "SHARED_DIR")
	bindFlag(cmd, false, "produce.notify_master", "notify-master", "")
	return cmd
}

func runProduce(ctx context.Context) bool {
	cfg := loadServiceConfig(ctx)
	pm := config.NewPathManager(cfg.Topology.ClusterId)
	coord := newCoordClient(ctx, cfg)

	var dfs synchro.DistributeFileSys
	if mount := viper.GetString("produce.dfs_mount"); mount != "" {
		dfs = &synchro.MountedDFS{MountDir: mount}
	}
	transfer := &synchro.SharedDirTransfer{RootDir: viper.GetString("produce.shared_dir")}
	syncId := data.SyncId(viper.GetString("produce.sync_id"))
	producer := synchro.NewSynchroProducer(ctx, coord, pm, syncId, cfg.Node.Host, cfg.Synchro, transfer, dfs)
	defer producer.Close(ctx)

	method := viper.GetString("produce.method")
	collection := viper.GetString("produce.collection")
	sd := synchro.NewSynchroData().
		Set(synchro.KeyMethod, method).
		Set(synchro.KeyCollection, collection).
		Set(synchro.KeyDataPath, viper.GetString("produce.data_path")).
		Set(synchro.KeyDataType, viper.GetString("produce.data_type"))

	ok := producer.Produce(ctx, sd, func(result bool) {
		klogging.Info(ctx).With("syncId", syncId).With("result", result).Log("ConsumedCallback", "")
	})
	if ok {
		ok = producer.Wait(ctx, viper.GetDuration("produce.timeout"))
	}

	if viper.GetBool("produce.notify_master") {
		msg := &aggregator.NotifyMSG{Method: method, Collection: collection}
		if !ok {
			msg.Error = "synchronization failed: " + string(syncId)
		}
		aggregator.NewMasterNotifier(coord, pm).Notify(ctx, msg)
	}
	klogging.Info(ctx).With("syncId", syncId).With("result", ok).Log("ProduceDone", "")
	return ok
}
