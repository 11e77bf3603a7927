package master

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/xinkaiwang/searchcoord/libs/xklib/kcommon"
	"github.com/xinkaiwang/searchcoord/libs/xklib/klogging"
	"github.com/xinkaiwang/searchcoord/libs/xklib/kmetrics"
	"github.com/xinkaiwang/searchcoord/services/searchmaster/internal/aggregator"
	"github.com/xinkaiwang/searchcoord/services/searchmaster/internal/config"
	"github.com/xinkaiwang/searchcoord/services/searchmaster/internal/coordprov"
	"github.com/xinkaiwang/searchcoord/services/searchmaster/internal/data"
	"github.com/xinkaiwang/searchcoord/services/searchmaster/smjson"
)

var (
	DetectWorkersMetric = kmetrics.CreateKmetric(context.Background(), "master_detect_workers", "good workers found per detection pass", []string{"state"})
	FailoverMetric      = kmetrics.CreateKmetric(context.Background(), "master_failover", "failover attempts", []string{"result"}).CountOnly()
	RecoverMetric       = kmetrics.CreateKmetric(context.Background(), "master_recover", "recover attempts", []string{"result"}).CountOnly()
)

// SearchMasterManager keeps the shard -> worker map current, fails over to replica copies,
// and pushes the good worker list to aggregators.
type SearchMasterManager struct {
	topology  data.ClusterTopology
	node      data.NodeInfo
	pm        *config.PathManager
	coord     coordprov.CoordClient
	notifiers []aggregator.AggregatorNotifier

	reconnectInterval time.Duration
	ctx               context.Context
	cancel            context.CancelFunc

	mu             sync.Mutex // guards everything below
	state          data.MasterState
	workerMap      map[data.ShardId]*data.WorkerNode
	replicaIdList  []data.ReplicaId
	serverRealPath string
	reconnecting   bool
	sessionLost    bool
}

func NewSearchMasterManager(ctx context.Context, topology data.ClusterTopology, node data.NodeInfo, coord coordprov.CoordClient, notifiers ...aggregator.AggregatorNotifier) *SearchMasterManager {
	ctx, cancel := context.WithCancel(ctx)
	mgr := &SearchMasterManager{
		topology:          topology,
		node:              node,
		pm:                config.NewPathManager(topology.ClusterId),
		coord:             coord,
		notifiers:         notifiers,
		reconnectInterval: time.Second,
		ctx:               ctx,
		cancel:            cancel,
		state:             data.MS_Init,
		workerMap:         map[data.ShardId]*data.WorkerNode{},
	}
	kmetrics.GetKmetricsRegistry().SetGauge("master_good_workers", "number of good workers", func() int64 {
		return int64(mgr.countGood())
	})
	return mgr
}

// SetReconnectInterval sets the first wait between coordination reconnect attempts.
func (mgr *SearchMasterManager) SetReconnectInterval(interval time.Duration) {
	mgr.reconnectInterval = interval
}

func (mgr *SearchMasterManager) GetPathManager() *config.PathManager {
	return mgr.pm
}

func (mgr *SearchMasterManager) GetState() data.MasterState {
	mgr.mu.Lock()
	defer mgr.mu.Unlock()
	return mgr.state
}

// setStateLocked caller holds mu.
func (mgr *SearchMasterManager) setStateLocked(ctx context.Context, state data.MasterState) {
	if mgr.state == state {
		return
	}
	klogging.Info(ctx).With("from", mgr.state.String()).With("to", state.String()).Log("MasterStateChange", "")
	mgr.state = state
}

// Start is a no-op unless the manager is still in init state.
func (mgr *SearchMasterManager) Start(ctx context.Context) {
	mgr.mu.Lock()
	if mgr.state != data.MS_Init {
		mgr.mu.Unlock()
		return
	}
	mgr.setStateLocked(ctx, data.MS_Starting)
	mgr.mu.Unlock()

	klogging.Info(ctx).With("cluster", mgr.topology.ClusterId).With("nodeNum", mgr.topology.NodeNum).With("shardNum", mgr.topology.ShardNum).With("nodeId", mgr.node.NodeId).With("replicaId", mgr.node.ReplicaId).With("coord", mgr.coord.GetHosts()).Log("MasterStarting", "")
	mgr.coord.RegisterEventHandler(mgr)
	if !mgr.coord.IsConnected() && !mgr.coord.Connect(ctx, true) {
		mgr.mu.Lock()
		mgr.setStateLocked(ctx, data.MS_StartingWaitZookeeper)
		mgr.mu.Unlock()
		klogging.Warning(ctx).With("coord", mgr.coord.GetHosts()).Log("MasterWaitCoordination", "coordination service not connected, start deferred")
		mgr.startReconnect(ctx)
		return
	}
	mgr.doStart(ctx)
}

func (mgr *SearchMasterManager) doStart(ctx context.Context) {
	var cfg *aggregator.AggregatorConfig
	kcommon.RunWithLock(&mgr.mu, func() {
		mgr.detectReplicaSetLocked(ctx)
		var good int
		good, cfg = mgr.detectWorkersLocked(ctx)
		klogging.Info(ctx).With("good", good).With("state", mgr.state.String()).Log("MasterWorkersDetected", "")
	})
	mgr.pushAggregatorConfig(ctx, cfg)
	// registered even when some shards have no live worker yet
	mgr.RegisterSearchServer(ctx)
}

// Stop deregisters this master and closes the coordination session.
func (mgr *SearchMasterManager) Stop(ctx context.Context) {
	mgr.cancel()
	mgr.DeregisterSearchServer(ctx)
	mgr.coord.UnregisterEventHandler(mgr)
	mgr.coord.Disconnect(ctx)
	klogging.Info(ctx).Log("MasterStopped", "")
}

// startReconnect retries Connect with exponential back-off until it succeeds or the manager
// stops. A successful connect is observed through the connected session event.
func (mgr *SearchMasterManager) startReconnect(ctx context.Context) {
	mgr.mu.Lock()
	if mgr.reconnecting {
		mgr.mu.Unlock()
		return
	}
	mgr.reconnecting = true
	mgr.mu.Unlock()

	go func() {
		defer kcommon.RunWithLock(&mgr.mu, func() { mgr.reconnecting = false })
		bo := backoff.NewExponentialBackOff()
		bo.InitialInterval = mgr.reconnectInterval
		bo.MaxInterval = 30 * time.Second
		bo.MaxElapsedTime = 0
		err := backoff.Retry(func() error {
			if mgr.coord.Connect(mgr.ctx, true) {
				return nil
			}
			return fmt.Errorf("coordination service %s not connected", mgr.coord.GetHosts())
		}, backoff.WithContext(bo, mgr.ctx))
		if err != nil {
			klogging.Info(ctx).WithError(err).Log("MasterReconnectAbort", "")
		}
	}()
}

/********************** event handling **********************/

func (mgr *SearchMasterManager) OnCoordEvent(ctx context.Context, eve coordprov.CoordEvent) {
	state := mgr.GetState()
	klogging.Debug(ctx).With("state", state.String()).With("event", eve.String()).Log("MasterCoordEvent", "")
	switch eve.Type {
	case coordprov.CET_Session:
		mgr.onSessionEvent(ctx, eve.State, state)
	case coordprov.CET_NodeCreated:
		mgr.onNodeCreated(ctx, eve.Path)
	case coordprov.CET_NodeDeleted:
		if state == data.MS_Started {
			mgr.Failover(ctx, eve.Path)
		}
	case coordprov.CET_DataChanged:
		if state == data.MS_Started {
			mgr.onDataChanged(ctx, eve.Path)
		}
	case coordprov.CET_ChildrenChanged:
		if state > data.MS_StartingWaitZookeeper {
			mgr.DetectReplicaSet(ctx)
		}
	}
}

func (mgr *SearchMasterManager) onSessionEvent(ctx context.Context, ss coordprov.SessionState, state data.MasterState) {
	switch ss {
	case coordprov.SS_Connected:
		if state == data.MS_StartingWaitZookeeper {
			mgr.mu.Lock()
			mgr.setStateLocked(ctx, data.MS_Starting)
			mgr.mu.Unlock()
			mgr.doStart(ctx)
		} else {
			mgr.mu.Lock()
			lost := mgr.sessionLost
			mgr.sessionLost = false
			mgr.mu.Unlock()
			if lost {
				mgr.resume(ctx)
			}
		}
	case coordprov.SS_Expired:
		klogging.Warning(ctx).With("state", state.String()).Log("MasterSessionExpired", "watches and server advertisement lost, reconnecting")
		if mgr.ctx.Err() == nil {
			mgr.mu.Lock()
			mgr.serverRealPath = ""
			mgr.sessionLost = mgr.state >= data.MS_StartingWaitWorkers
			mgr.mu.Unlock()
			mgr.startReconnect(ctx)
		}
	}
}

// resume re-arms watches and the advertisement after a new session replaced an expired one.
func (mgr *SearchMasterManager) resume(ctx context.Context) {
	var cfg *aggregator.AggregatorConfig
	kcommon.RunWithLock(&mgr.mu, func() {
		for nodeId := data.NodeId(1); uint32(nodeId) <= mgr.topology.NodeNum; nodeId++ {
			mgr.coord.Exists(ctx, mgr.pm.FmtNodePath(mgr.node.ReplicaId, nodeId), true)
		}
		for _, wn := range mgr.sortedWorkersLocked() {
			mgr.coord.Exists(ctx, mgr.pm.FmtNodePath(wn.ReplicaId, wn.NodeId), true)
		}
		cfg = mgr.detectReplicaSetLocked(ctx)
	})
	mgr.pushAggregatorConfig(ctx, cfg)
	mgr.RegisterSearchServer(ctx)
}

func (mgr *SearchMasterManager) onNodeCreated(ctx context.Context, path string) {
	state := mgr.GetState()
	if _, isReplica := mgr.pm.ParseReplicaPath(path); isReplica || path == mgr.pm.GetTopologyPath() {
		// the topology tree appeared after start: arm its children watches
		if state > data.MS_StartingWaitZookeeper {
			mgr.DetectReplicaSet(ctx)
		}
		return
	}
	switch state {
	case data.MS_StartingWaitWorkers:
		var cfg *aggregator.AggregatorConfig
		kcommon.RunWithLock(&mgr.mu, func() {
			mgr.setStateLocked(ctx, data.MS_Starting)
			_, cfg = mgr.detectWorkersLocked(ctx)
		})
		mgr.pushAggregatorConfig(ctx, cfg)
	case data.MS_Started:
		if !mgr.Recover(ctx, path) {
			mgr.failoverByNodePath(ctx, path)
		}
	}
}

// onDataChanged reloads the worker currently served from path.
func (mgr *SearchMasterManager) onDataChanged(ctx context.Context, path string) {
	replicaId, nodeId, ok := mgr.pm.ParseNodePath(path)
	if !ok {
		return
	}
	var cfg *aggregator.AggregatorConfig
	kcommon.RunWithLock(&mgr.mu, func() {
		wn := mgr.findWorkerLocked(func(wn *data.WorkerNode) bool {
			return wn.NodeId == nodeId && wn.ReplicaId == replicaId
		})
		if wn == nil {
			// a copy on another replica changed: it may now be a failover candidate
			for _, w := range mgr.sortedWorkersLocked() {
				if w.NodeId == nodeId && !w.IsGood {
					mgr.failoverLocked(ctx, w)
				}
			}
			known := mgr.findWorkerLocked(func(w *data.WorkerNode) bool { return w.NodeId == nodeId })
			if replicaId == mgr.node.ReplicaId && known == nil {
				mgr.loadNodeLocked(ctx, replicaId, nodeId)
			}
			cfg = mgr.buildAggregatorConfigLocked()
			return
		}
		if !mgr.reloadWorkerLocked(ctx, wn, replicaId) {
			mgr.failoverLocked(ctx, wn)
		}
		cfg = mgr.buildAggregatorConfigLocked()
	})
	mgr.pushAggregatorConfig(ctx, cfg)
}

/********************** detection **********************/

// DetectWorkers scans node records on this master's replica and returns the good count.
func (mgr *SearchMasterManager) DetectWorkers(ctx context.Context) int {
	var good int
	var cfg *aggregator.AggregatorConfig
	kcommon.RunWithLock(&mgr.mu, func() {
		good, cfg = mgr.detectWorkersLocked(ctx)
	})
	mgr.pushAggregatorConfig(ctx, cfg)
	return good
}

// detectWorkersLocked returns the config to push (nil when no worker is good).
func (mgr *SearchMasterManager) detectWorkersLocked(ctx context.Context) (int, *aggregator.AggregatorConfig) {
	detected, good := 0, 0
	for nodeId := data.NodeId(1); uint32(nodeId) <= mgr.topology.NodeNum; nodeId++ {
		found, isGood := mgr.loadNodeLocked(ctx, mgr.node.ReplicaId, nodeId)
		if found {
			detected++
		}
		if isGood {
			good++
		}
	}

	if uint32(detected) >= mgr.topology.ShardNum {
		mgr.setStateLocked(ctx, data.MS_Started)
	} else if mgr.state < data.MS_Started {
		mgr.setStateLocked(ctx, data.MS_StartingWaitWorkers)
	}
	DetectWorkersMetric.GetTimeSequence(ctx, mgr.state.String()).Add(int64(good))
	klogging.Info(ctx).With("detected", detected).With("good", good).With("shardNum", mgr.topology.ShardNum).With("state", mgr.state.String()).Log("DetectWorkers", "")
	if good == 0 {
		return good, nil
	}
	return good, mgr.buildAggregatorConfigLocked()
}

// loadNodeLocked reads one node record and installs it as the worker of its shard.
// found is false if the node does not exist, in which case a creation watch is armed.
func (mgr *SearchMasterManager) loadNodeLocked(ctx context.Context, replicaId data.ReplicaId, nodeId data.NodeId) (found bool, good bool) {
	path := mgr.pm.FmtNodePath(replicaId, nodeId)
	nodeData, ok := mgr.readNodeDataLocked(ctx, path)
	if nodeData == nil {
		return false, false
	}
	if !ok {
		return true, false
	}
	shardId, ok := smjson.ParseShardId(nodeData.ShardId)
	if !ok || shardId < 1 || uint32(shardId) > mgr.topology.ShardNum {
		klogging.Warning(ctx).With("path", path).With("shardId", nodeData.ShardId).With("shardNum", mgr.topology.ShardNum).Log("InvalidShardId", "node ignored")
		return true, false
	}

	wn, exists := mgr.workerMap[shardId]
	if exists && wn.NodeId != nodeId && wn.IsGood {
		klogging.Error(ctx).With("shardId", shardId).With("existing", wn.String()).With("conflictNode", nodeId).With("path", path).Log("ShardConflict", "shard already served by another node, keeping existing worker")
		return true, false
	}
	if !exists {
		wn = &data.WorkerNode{ShardId: shardId}
		mgr.workerMap[shardId] = wn
	}
	wn.NodeId = nodeId
	applyNodeData(ctx, wn, replicaId, nodeData, path)
	return true, wn.IsGood
}

// readNodeDataLocked returns nil if the node is absent (a creation watch is armed then),
// and ok=false if it exists but cannot be parsed. A read arms a change watch.
func (mgr *SearchMasterManager) readNodeDataLocked(ctx context.Context, path string) (nodeData *smjson.NodeDataJson, ok bool) {
	str, err := mgr.coord.GetData(ctx, path, true)
	if err != nil {
		if !coordprov.IsNoNode(err) {
			klogging.Warning(ctx).WithError(err).With("path", path).Log("ReadNodeError", "")
		}
		mgr.coord.Exists(ctx, path, true)
		return nil, false
	}
	ke := kcommon.TryCatchRun(ctx, func() {
		nodeData = smjson.NodeDataJsonFromJson(str)
	})
	if ke != nil {
		klogging.Warning(ctx).WithError(ke).With("path", path).Log("MalformedNodeData", "")
		return &smjson.NodeDataJson{}, false
	}
	return nodeData, true
}

// applyNodeData redirects wn to the record read from path. Malformed ports mark it not good.
func applyNodeData(ctx context.Context, wn *data.WorkerNode, replicaId data.ReplicaId, nodeData *smjson.NodeDataJson, path string) {
	wn.ReplicaId = replicaId
	wn.Host = nodeData.Host
	wn.IsGood = true
	if port, ok := smjson.ParsePort(nodeData.WorkerPort); ok {
		wn.WorkerPort = port
	} else {
		wn.IsGood = false
		klogging.Warning(ctx).With("path", path).With("workerPort", nodeData.WorkerPort).Log("InvalidWorkerPort", "worker marked not good")
	}
	if port, ok := smjson.ParsePort(nodeData.DataPort); ok {
		wn.DataPort = port
	} else {
		wn.IsGood = false
		klogging.Warning(ctx).With("path", path).With("dataPort", nodeData.DataPort).Log("InvalidDataPort", "worker marked not good")
	}
}

// DetectReplicaSet rebuilds the replica id list and fails over every not good worker.
func (mgr *SearchMasterManager) DetectReplicaSet(ctx context.Context) {
	var cfg *aggregator.AggregatorConfig
	kcommon.RunWithLock(&mgr.mu, func() {
		cfg = mgr.detectReplicaSetLocked(ctx)
	})
	mgr.pushAggregatorConfig(ctx, cfg)
}

func (mgr *SearchMasterManager) detectReplicaSetLocked(ctx context.Context) *aggregator.AggregatorConfig {
	topologyPath := mgr.pm.GetTopologyPath()
	children, err := mgr.coord.GetChildren(ctx, topologyPath, true)
	if err != nil {
		klogging.Warning(ctx).WithError(err).With("path", topologyPath).Log("DetectReplicaSetError", "")
		mgr.coord.Exists(ctx, topologyPath, true)
		return nil
	}

	var replicaIds []data.ReplicaId
	for _, child := range children {
		replicaId, ok := mgr.pm.ParseReplicaPath(child)
		if str, err := mgr.coord.GetData(ctx, child, false); err == nil && str != "" {
			if id, err := strconv.ParseUint(str, 10, 32); err == nil {
				replicaId, ok = data.ReplicaId(id), true
			}
		}
		if !ok {
			klogging.Debug(ctx).With("path", child).Log("SkipTopologyChild", "not a replica")
			continue
		}
		// new nodes under this replica, and the replica itself going away
		mgr.coord.GetChildren(ctx, child, true)
		mgr.coord.Exists(ctx, child, true)
		replicaIds = append(replicaIds, replicaId)
	}
	sort.Slice(replicaIds, func(i, j int) bool { return replicaIds[i] < replicaIds[j] })
	mgr.replicaIdList = replicaIds
	klogging.Info(ctx).With("replicas", fmt.Sprint(replicaIds)).Log("DetectReplicaSet", "")

	var cfg *aggregator.AggregatorConfig
	if mgr.state == data.MS_StartingWaitWorkers {
		_, cfg = mgr.detectWorkersLocked(ctx)
	}
	for _, wn := range mgr.sortedWorkersLocked() {
		if !wn.IsGood && mgr.failoverLocked(ctx, wn) {
			cfg = mgr.buildAggregatorConfigLocked()
		}
	}
	return cfg
}

/********************** failover / recover **********************/

// Failover handles the loss of the node at path.
func (mgr *SearchMasterManager) Failover(ctx context.Context, path string) {
	var cfg *aggregator.AggregatorConfig
	kcommon.RunWithLock(&mgr.mu, func() {
		mgr.setStateLocked(ctx, data.MS_Failovering)
		wn := mgr.findWorkerLocked(func(wn *data.WorkerNode) bool {
			return mgr.pm.FmtNodePath(wn.ReplicaId, wn.NodeId) == path
		})
		if wn != nil && mgr.failoverLocked(ctx, wn) {
			cfg = mgr.buildAggregatorConfigLocked()
		}
		mgr.setStateLocked(ctx, data.MS_Started)
	})
	mgr.pushAggregatorConfig(ctx, cfg)
}

// FailoverShard switches the worker of shardId to another replica. Returns whether the worker is good afterwards.
func (mgr *SearchMasterManager) FailoverShard(ctx context.Context, shardId data.ShardId) bool {
	var good bool
	var cfg *aggregator.AggregatorConfig
	kcommon.RunWithLock(&mgr.mu, func() {
		wn, ok := mgr.workerMap[shardId]
		if !ok {
			return
		}
		good = mgr.failoverLocked(ctx, wn)
		if good {
			cfg = mgr.buildAggregatorConfigLocked()
		}
	})
	mgr.pushAggregatorConfig(ctx, cfg)
	return good
}

// failoverByNodePath retries failover for not good workers of the node a new path belongs to.
func (mgr *SearchMasterManager) failoverByNodePath(ctx context.Context, path string) {
	_, nodeId, ok := mgr.pm.ParseNodePath(path)
	if !ok {
		return
	}
	var cfg *aggregator.AggregatorConfig
	kcommon.RunWithLock(&mgr.mu, func() {
		mgr.setStateLocked(ctx, data.MS_Failovering)
		for _, wn := range mgr.sortedWorkersLocked() {
			if wn.NodeId == nodeId && !wn.IsGood && mgr.failoverLocked(ctx, wn) {
				cfg = mgr.buildAggregatorConfigLocked()
			}
		}
		mgr.setStateLocked(ctx, data.MS_Started)
	})
	mgr.pushAggregatorConfig(ctx, cfg)
}

// failoverLocked marks wn not good and moves it to the first other replica whose node of the
// same id serves the same shard.
func (mgr *SearchMasterManager) failoverLocked(ctx context.Context, wn *data.WorkerNode) bool {
	brokenReplica := wn.ReplicaId
	wn.IsGood = false
	for _, replicaId := range mgr.replicaIdList {
		if replicaId == brokenReplica {
			continue
		}
		path := mgr.pm.FmtNodePath(replicaId, wn.NodeId)
		str, err := mgr.coord.GetData(ctx, path, true)
		if err != nil {
			continue
		}
		var nodeData *smjson.NodeDataJson
		if ke := kcommon.TryCatchRun(ctx, func() { nodeData = smjson.NodeDataJsonFromJson(str) }); ke != nil {
			continue
		}
		shardId, ok := smjson.ParseShardId(nodeData.ShardId)
		if !ok || shardId != wn.ShardId {
			continue
		}
		if _, ok := smjson.ParsePort(nodeData.WorkerPort); !ok {
			continue
		}
		applyNodeData(ctx, wn, replicaId, nodeData, path)
		if wn.IsGood {
			break
		}
	}

	// a later reappearance of the broken node or of our own copy triggers recover
	mgr.coord.Exists(ctx, mgr.pm.FmtNodePath(brokenReplica, wn.NodeId), true)
	if brokenReplica != mgr.node.ReplicaId {
		mgr.coord.Exists(ctx, mgr.pm.FmtNodePath(mgr.node.ReplicaId, wn.NodeId), true)
	}

	result := "failed"
	if wn.IsGood {
		result = "switched"
		klogging.Info(ctx).With("worker", wn.String()).With("from", brokenReplica).Log("FailoverSucceeded", "")
	} else {
		klogging.Warning(ctx).With("worker", wn.String()).With("replicas", fmt.Sprint(mgr.replicaIdList)).Log("FailoverFailed", "no replica serves this shard")
	}
	FailoverMetric.GetTimeSequence(ctx, result).Add(1)
	return wn.IsGood
}

// Recover reinstalls the worker whose node reappeared at path on this master's replica.
// Returns false if path does not belong to a known worker on this replica.
func (mgr *SearchMasterManager) Recover(ctx context.Context, path string) bool {
	replicaId, nodeId, ok := mgr.pm.ParseNodePath(path)
	if !ok || replicaId != mgr.node.ReplicaId {
		return false
	}
	var recovered bool
	var cfg *aggregator.AggregatorConfig
	kcommon.RunWithLock(&mgr.mu, func() {
		mgr.setStateLocked(ctx, data.MS_Recovering)
		defer mgr.setStateLocked(ctx, data.MS_Started)
		wn := mgr.findWorkerLocked(func(wn *data.WorkerNode) bool { return wn.NodeId == nodeId })
		if wn == nil {
			// never seen before, e.g. absent at start
			_, recovered = mgr.loadNodeLocked(ctx, replicaId, nodeId)
		} else {
			recovered = mgr.reloadWorkerLocked(ctx, wn, replicaId)
		}
		result := "failed"
		if recovered {
			result = "ok"
			cfg = mgr.buildAggregatorConfigLocked()
		}
		RecoverMetric.GetTimeSequence(ctx, result).Add(1)
	})
	mgr.pushAggregatorConfig(ctx, cfg)
	return recovered
}

// reloadWorkerLocked points wn at the node of the same id on replicaId. The shard id must not change.
func (mgr *SearchMasterManager) reloadWorkerLocked(ctx context.Context, wn *data.WorkerNode, replicaId data.ReplicaId) bool {
	path := mgr.pm.FmtNodePath(replicaId, wn.NodeId)
	nodeData, ok := mgr.readNodeDataLocked(ctx, path)
	if nodeData == nil || !ok {
		return false
	}
	if shardId, ok := smjson.ParseShardId(nodeData.ShardId); !ok || shardId != wn.ShardId {
		klogging.Warning(ctx).With("path", path).With("shardId", nodeData.ShardId).With("worker", wn.String()).Log("RecoverShardMismatch", "")
		return false
	}
	applyNodeData(ctx, wn, replicaId, nodeData, path)
	klogging.Info(ctx).With("worker", wn.String()).Log("WorkerReloaded", "")
	return wn.IsGood
}

/********************** server advertisement **********************/

// RegisterSearchServer creates this master's ephemeral sequential advertisement "host:port".
func (mgr *SearchMasterManager) RegisterSearchServer(ctx context.Context) bool {
	serversPath := mgr.pm.GetServersPath()
	if err := coordprov.EnsurePath(ctx, mgr.coord, serversPath); err != nil {
		klogging.Error(ctx).WithError(err).With("path", serversPath).Log("RegisterSearchServerError", "")
		return false
	}
	addr := fmt.Sprintf("%s:%d", mgr.node.Host, mgr.node.ServicePort)
	realPath, err := mgr.coord.CreateNode(ctx, mgr.pm.GetServerPrefix(), addr, coordprov.NM_EphemeralSequential)
	if err != nil {
		if coordprov.IsNodeExists(err) {
			klogging.Warning(ctx).WithError(err).Log("SearchServerExists", "advertisement already present")
			return true
		}
		klogging.Error(ctx).WithError(err).Log("RegisterSearchServerError", "")
		return false
	}
	mgr.mu.Lock()
	mgr.serverRealPath = realPath
	mgr.mu.Unlock()
	klogging.Info(ctx).With("path", realPath).With("addr", addr).Log("SearchServerRegistered", "")
	return true
}

func (mgr *SearchMasterManager) DeregisterSearchServer(ctx context.Context) {
	mgr.mu.Lock()
	path := mgr.serverRealPath
	mgr.serverRealPath = ""
	mgr.mu.Unlock()
	if path == "" {
		return
	}
	err := mgr.coord.DeleteNode(ctx, path, false)
	if err != nil && !coordprov.IsNoNode(err) {
		klogging.Warning(ctx).WithError(err).With("path", path).Log("DeregisterSearchServerError", "")
		return
	}
	klogging.Info(ctx).With("path", path).Log("SearchServerDeregistered", "")
}

func (mgr *SearchMasterManager) GetServerRealPath() string {
	mgr.mu.Lock()
	defer mgr.mu.Unlock()
	return mgr.serverRealPath
}

/********************** aggregator **********************/

// ResetAggregatorConfig pushes the current good worker list to every aggregator.
func (mgr *SearchMasterManager) ResetAggregatorConfig(ctx context.Context) {
	var cfg *aggregator.AggregatorConfig
	kcommon.RunWithLock(&mgr.mu, func() {
		cfg = mgr.buildAggregatorConfigLocked()
	})
	mgr.pushAggregatorConfig(ctx, cfg)
}

func (mgr *SearchMasterManager) buildAggregatorConfigLocked() *aggregator.AggregatorConfig {
	cfg := aggregator.NewAggregatorConfig()
	for _, wn := range mgr.sortedWorkersLocked() {
		if !wn.IsGood {
			continue
		}
		isLocal := wn.NodeId == mgr.node.NodeId && wn.ReplicaId == mgr.node.ReplicaId
		cfg.AddWorker(wn.Host, wn.WorkerPort, wn.ShardId, isLocal)
	}
	return cfg
}

// pushAggregatorConfig runs without mu held. nil cfg means nothing changed.
func (mgr *SearchMasterManager) pushAggregatorConfig(ctx context.Context, cfg *aggregator.AggregatorConfig) {
	if cfg == nil {
		return
	}
	klogging.Info(ctx).With("config", cfg.String()).With("aggregators", len(mgr.notifiers)).Log("ResetAggregatorConfig", "")
	for _, notifier := range mgr.notifiers {
		notifier.SetAggregatorConfig(ctx, cfg)
	}
}

/********************** queries **********************/

// GetShardReceiver returns where index data for shardId should be sent. The worker may
// currently be not good; ok is false only if the shard never had one.
func (mgr *SearchMasterManager) GetShardReceiver(shardId data.ShardId) (host string, dataPort uint32, ok bool) {
	mgr.mu.Lock()
	defer mgr.mu.Unlock()
	wn, ok := mgr.workerMap[shardId]
	if !ok {
		return "", 0, false
	}
	return wn.Host, wn.DataPort, true
}

// ShowWorkers returns a copy of the worker map ordered by shard id.
func (mgr *SearchMasterManager) ShowWorkers() []data.WorkerNode {
	mgr.mu.Lock()
	defer mgr.mu.Unlock()
	list := make([]data.WorkerNode, 0, len(mgr.workerMap))
	for _, wn := range mgr.sortedWorkersLocked() {
		list = append(list, *wn)
	}
	return list
}

func (mgr *SearchMasterManager) GetReplicaIds() []data.ReplicaId {
	mgr.mu.Lock()
	defer mgr.mu.Unlock()
	return append([]data.ReplicaId(nil), mgr.replicaIdList...)
}

func (mgr *SearchMasterManager) GetTopology() data.ClusterTopology {
	return mgr.topology
}

func (mgr *SearchMasterManager) GetNodeInfo() data.NodeInfo {
	return mgr.node
}

func (mgr *SearchMasterManager) countGood() int {
	mgr.mu.Lock()
	defer mgr.mu.Unlock()
	count := 0
	for _, wn := range mgr.workerMap {
		if wn.IsGood {
			count++
		}
	}
	return count
}

func (mgr *SearchMasterManager) sortedWorkersLocked() []*data.WorkerNode {
	list := make([]*data.WorkerNode, 0, len(mgr.workerMap))
	for _, wn := range mgr.workerMap {
		list = append(list, wn)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].ShardId < list[j].ShardId })
	return list
}

func (mgr *SearchMasterManager) findWorkerLocked(match func(wn *data.WorkerNode) bool) *data.WorkerNode {
	for _, wn := range mgr.sortedWorkersLocked() {
		if match(wn) {
			return wn
		}
	}
	return nil
}
