package biz

import (
	"context"
	"sync"
	"time"

	"github.com/xinkaiwang/searchcoord/libs/xklib/kerror"
	"github.com/xinkaiwang/searchcoord/libs/xklib/klogging"
	"github.com/xinkaiwang/searchcoord/services/searchmaster/api"
	"github.com/xinkaiwang/searchcoord/services/searchmaster/internal/data"
	"github.com/xinkaiwang/searchcoord/services/searchmaster/internal/master"
)

var (
	version = "dev" // overridden at build time through -ldflags
)

const maxNotifies = 16

func SetVersion(v string) {
	if v != "" {
		version = v
	}
}

func GetVersion() string {
	return version
}

type App struct {
	mgr *master.SearchMasterManager

	mu       sync.Mutex
	notifies []*api.NotifyVm // most recent first, at most maxNotifies
}

func NewApp(ctx context.Context, mgr *master.SearchMasterManager) *App {
	return &App{
		mgr: mgr,
	}
}

func (app *App) Ping(ctx context.Context) string {
	return "searchmaster:" + GetVersion()
}

func (app *App) GetStatus(ctx context.Context) *api.GetStatusResponse {
	topology := app.mgr.GetTopology()
	node := app.mgr.GetNodeInfo()
	resp := &api.GetStatusResponse{
		State:      app.mgr.GetState().String(),
		ClusterId:  topology.ClusterId,
		NodeId:     uint32(node.NodeId),
		ReplicaId:  uint32(node.ReplicaId),
		ServerPath: app.mgr.GetServerRealPath(),
		Replicas:   []uint32{},
		Workers:    []*api.WorkerVm{},
	}
	for _, replicaId := range app.mgr.GetReplicaIds() {
		resp.Replicas = append(resp.Replicas, uint32(replicaId))
	}
	for _, wn := range app.mgr.ShowWorkers() {
		resp.Workers = append(resp.Workers, workerToVm(wn))
	}
	app.mu.Lock()
	resp.Notifies = append(resp.Notifies, app.notifies...)
	app.mu.Unlock()
	return resp
}

func workerToVm(wn data.WorkerNode) *api.WorkerVm {
	vm := &api.WorkerVm{
		ShardId:    uint32(wn.ShardId),
		NodeId:     uint32(wn.NodeId),
		ReplicaId:  uint32(wn.ReplicaId),
		Host:       wn.Host,
		WorkerPort: wn.WorkerPort,
		DataPort:   wn.DataPort,
	}
	if wn.IsGood {
		vm.IsGood = 1
	}
	return vm
}

// Notify records a message pushed by a worker. Messages carrying an error are logged as warnings.
func (app *App) Notify(ctx context.Context, req *api.NotifyRequest) *api.NotifyResponse {
	if req.Method == "" {
		panic(kerror.Create("InvalidNotify", "method is required").
			WithErrorCode(kerror.EC_INVALID_PARAMETER))
	}
	entry := klogging.Info(ctx)
	if req.Error != "" {
		entry = klogging.Warning(ctx).With("error", req.Error)
	}
	entry.With("method", req.Method).With("collection", req.Collection).Log("NotifyReceived", "")

	vm := &api.NotifyVm{
		Method:     req.Method,
		Collection: req.Collection,
		Error:      req.Error,
		ReceivedMs: time.Now().UnixMilli(),
	}
	app.mu.Lock()
	defer app.mu.Unlock()
	app.notifies = append([]*api.NotifyVm{vm}, app.notifies...)
	if len(app.notifies) > maxNotifies {
		app.notifies = app.notifies[:maxNotifies]
	}
	return &api.NotifyResponse{Accepted: true}
}

func (app *App) GetShardReceiver(ctx context.Context, shardId data.ShardId) *api.ShardReceiverResponse {
	host, dataPort, ok := app.mgr.GetShardReceiver(shardId)
	if !ok {
		panic(kerror.Create("ShardReceiverNotFound", "no worker known for shard").
			WithErrorCode(kerror.EC_NOT_FOUND).
			With("shardId", shardId))
	}
	return &api.ShardReceiverResponse{
		ShardId:  uint32(shardId),
		Host:     host,
		DataPort: dataPort,
	}
}
