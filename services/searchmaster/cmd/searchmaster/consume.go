package main

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/xinkaiwang/searchcoord/libs/xklib/klogging"
	"github.com/xinkaiwang/searchcoord/services/searchmaster/internal/config"
	"github.com/xinkaiwang/searchcoord/services/searchmaster/internal/data"
	"github.com/xinkaiwang/searchcoord/services/searchmaster/internal/synchro"
)

func newConsumeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "consume",
		Short: "join a synchronization session as consumer and report the result",
		Run: func(cmd *cobra.Command, args []string) {
			if !runConsume(cmd.Context()) {
				klogging.OsExit(1)
			}
		},
	}
	flags := cmd.Flags()
	flags.String("sync-id", "", "synchronization id shared with the producer")
	flags.String("collection", "", "collection this consumer serves")
	flags.Duration("timeout", 10*time.Minute, "how long to wait for the producer and for the data")
	flags.String("recv-root", "", "when set, the receive directory under it must exist before reporting success")
	_ = cmd.MarkFlagRequired("sync-id")
	bindFlag(cmd, false, "consume.sync_id", "sync-id", "")
	bindFlag(cmd, false, "consume.collection", "collection", "")
	bindFlag(cmd, false, "consume.timeout", "timeout", "")
	bindFlag(cmd, false, "consume.recv_root", "recv-root", "SHARED_DIR")
	return cmd
}

func runConsume(ctx context.Context) bool {
	cfg := loadServiceConfig(ctx)
	pm := config.NewPathManager(cfg.Topology.ClusterId)
	coord := newCoordClient(ctx, cfg)
	if !coord.Connect(ctx, true) {
		klogging.Error(ctx).With("coord", coord.GetHosts()).Log("ConsumeNotConnected", "")
		return false
	}
	defer coord.Disconnect(ctx)

	syncId := data.SyncId(viper.GetString("consume.sync_id"))
	collection := viper.GetString("consume.collection")
	recvRoot := viper.GetString("consume.recv_root")
	consumer := synchro.NewSynchroConsumer(coord, pm, syncId, cfg.Node.Host, collection, cfg.Node.DataPort)
	ok := consumer.Consume(ctx, viper.GetDuration("consume.timeout"), func(ctx context.Context, producer synchro.SynchroData) bool {
		if recvRoot == "" || cfg.Synchro.TransferPolicy == config.TP_Dfs || producer.Get(synchro.KeyHost) == cfg.Node.Host {
			return true
		}
		dir := synchro.ReceiveDir(producer.Get(synchro.KeyDataType), collection, cfg.Synchro.Distributed)
		if _, err := os.Stat(filepath.Join(recvRoot, dir)); err != nil {
			klogging.Warning(ctx).WithError(err).With("dir", dir).Log("ReceivedDataMissing", "")
			return false
		}
		return true
	})
	klogging.Info(ctx).With("syncId", syncId).With("result", ok).Log("ConsumeDone", "")
	return ok
}
