package synchro

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/xinkaiwang/searchcoord/libs/xklib/kcommon"
	"github.com/xinkaiwang/searchcoord/libs/xklib/kerror"
	"github.com/xinkaiwang/searchcoord/libs/xklib/klogging"
	"github.com/xinkaiwang/searchcoord/libs/xklib/kmetrics"
	"github.com/xinkaiwang/searchcoord/services/searchmaster/internal/config"
	"github.com/xinkaiwang/searchcoord/services/searchmaster/internal/coordprov"
	"github.com/xinkaiwang/searchcoord/services/searchmaster/internal/data"
)

var (
	SynchroSessionMetric  = kmetrics.CreateKmetric(context.Background(), "synchro_session", "finished synchronization sessions", []string{"result"}).CountOnly()
	SynchroTransferMetric = kmetrics.CreateKmetric(context.Background(), "synchro_transfer_ms", "data transfer latency per consumer", []string{"result"})
)

type consumerRecord struct {
	gotResult bool
	result    bool
}

// SynchroProducer drives one synchronization session at a time: publish the producer record,
// transfer data to every consumer that attaches, then tally their results.
type SynchroProducer struct {
	coord        coordprov.CoordClient
	syncId       data.SyncId
	sessionPath  string
	producerPath string
	localHost    string
	cfg          config.SynchroConfig
	transfer     DataTransfer
	dfs          DistributeFileSys
	pollInterval time.Duration

	// produceMu serializes Produce and guards the reconnect/stop flags
	produceMu    sync.Mutex
	reconnectCnd *sync.Cond
	reconnecting bool
	stopping     bool

	mu              sync.Mutex // session state, never held by Wait while sleeping
	isSynchronizing bool
	finishing       bool
	watchedConsumer bool
	staged          bool
	syncData        SynchroData
	consumers       map[string]*consumerRecord
	consumedCount   int
	callback        func(result bool)
	result          bool
	changed         chan struct{} // closed on consumer arrival and on session end
}

func NewSynchroProducer(ctx context.Context, coord coordprov.CoordClient, pm *config.PathManager, syncId data.SyncId, localHost string, cfg config.SynchroConfig, transfer DataTransfer, dfs DistributeFileSys) *SynchroProducer {
	if dfs == nil {
		dfs = DisabledDFS{}
	}
	sp := &SynchroProducer{
		coord:        coord,
		syncId:       syncId,
		sessionPath:  pm.FmtSessionPath(syncId),
		producerPath: pm.FmtProducerPath(syncId),
		localHost:    localHost,
		cfg:          cfg,
		transfer:     transfer,
		dfs:          dfs,
		pollInterval: time.Second,
		consumers:    map[string]*consumerRecord{},
		changed:      make(chan struct{}),
	}
	sp.reconnectCnd = sync.NewCond(&sp.produceMu)
	coord.RegisterEventHandler(sp)
	return sp
}

// SetPollInterval sets the first Wait back-off step (one second by default).
func (sp *SynchroProducer) SetPollInterval(interval time.Duration) {
	sp.pollInterval = interval
}

func (sp *SynchroProducer) GetSessionPath() string {
	return sp.sessionPath
}

func (sp *SynchroProducer) IsSynchronizing() bool {
	sp.mu.Lock()
	defer sp.mu.Unlock()
	return sp.isSynchronizing
}

// notifyLocked wakes Wait. Caller holds mu.
func (sp *SynchroProducer) notifyLocked() {
	close(sp.changed)
	sp.changed = make(chan struct{})
}

// Produce starts a session for syncData. It returns false if a session is already running or
// the session could not be published. callback, when not nil, receives the overall result once.
func (sp *SynchroProducer) Produce(ctx context.Context, syncData SynchroData, callback func(result bool)) bool {
	sp.produceMu.Lock()
	defer sp.produceMu.Unlock()

	sp.mu.Lock()
	if sp.isSynchronizing {
		sp.mu.Unlock()
		klogging.Error(ctx).With("syncId", sp.syncId).Log("ProduceRejected", "already synchronizing")
		return false
	}
	sp.isSynchronizing = true
	sp.finishing = false
	sp.watchedConsumer = false
	sp.staged = false
	sp.consumers = map[string]*consumerRecord{}
	sp.consumedCount = 0
	sp.callback = callback
	sp.result = false
	sp.syncData = syncData.Clone().Set(KeyHost, sp.localHost)
	snapshot := sp.syncData.Clone()
	sp.mu.Unlock()

	dataPath := snapshot.Get(KeyDataPath)
	dataType := snapshot.Get(KeyDataType)
	if sp.dfs.IsEnabled() && needsStaging(dataType) {
		staged, err := sp.dfs.CopyToDFS(ctx, dataPath, stagingDir(string(sp.syncId), dataType))
		if err != nil {
			klogging.Warning(ctx).WithError(err).With("dataPath", dataPath).Log("CopyToDfsFailed", "")
			sp.finish(ctx, false, "copy to dfs failed")
			return false
		}
		kcommon.RunWithLock(&sp.mu, func() {
			sp.syncData.Set(KeyDataPath, staged)
			sp.staged = true
			snapshot = sp.syncData.Clone()
		})
		klogging.Info(ctx).With("dataPath", dataPath).With("staged", staged).Log("CopyToDfs", "")
	}

	if err := sp.publish(ctx, snapshot); err != nil {
		klogging.Error(ctx).WithError(err).With("syncId", sp.syncId).With("coord", sp.coord.GetHosts()).Log("PublishFailed", "")
		sp.finish(ctx, false, "synchronize error or timeout: "+err.Error())
		return false
	}

	sp.watchConsumers(ctx)
	sp.checkConsumers(ctx)
	return true
}

// publish writes the producer record, retrying connection failures a bounded number of times.
// A producer record left over from an earlier session is overwritten.
func (sp *SynchroProducer) publish(ctx context.Context, sd SynchroData) error {
	attempt := 0
	op := func() error {
		attempt++
		if !sp.coord.IsConnected() && !sp.coord.Connect(ctx, true) {
			klogging.Info(ctx).With("attempt", attempt).With("coord", sp.coord.GetHosts()).Log("ProducerConnecting", "")
			return kerror.Create(coordprov.ErrTypeNotConnected, "coordination service not connected").WithErrorCode(kerror.EC_RETRYABLE).WithoutStack()
		}
		if err := coordprov.EnsurePath(ctx, sp.coord, sp.sessionPath); err != nil {
			return classifyRetry(err)
		}
		_, err := sp.coord.CreateNode(ctx, sp.producerPath, sd.ToJson(), coordprov.NM_Ephemeral)
		if coordprov.IsNodeExists(err) {
			// stale record, or a second producer with the same sync id
			klogging.Warning(ctx).With("path", sp.producerPath).Log("ProducerOverwrite", "producer record exists, overwriting")
			err = sp.coord.SetData(ctx, sp.producerPath, sd.ToJson())
		}
		if err != nil {
			return classifyRetry(err)
		}
		klogging.Info(ctx).With("path", sp.producerPath).With("data", sd.ToJson()).Log("ProducerPublished", "")
		return nil
	}
	bo := backoff.WithMaxRetries(backoff.NewConstantBackOff(sp.cfg.ConnectRetryWait), uint64(sp.cfg.ConnectRetryCount))
	return backoff.Retry(op, backoff.WithContext(bo, ctx))
}

func classifyRetry(err error) error {
	if coordprov.IsNotConnected(err) || kerror.Retryable(err) {
		return err
	}
	return backoff.Permanent(err)
}

// watchConsumers registers newly attached consumers and sends them the data.
func (sp *SynchroProducer) watchConsumers(ctx context.Context) {
	var added []string
	kcommon.RunWithLock(&sp.mu, func() {
		if !sp.isSynchronizing || sp.finishing {
			return
		}
		children, err := sp.coord.GetChildren(ctx, sp.sessionPath, true)
		if err != nil {
			klogging.Warning(ctx).WithError(err).With("path", sp.sessionPath).Log("WatchConsumersError", "")
			return
		}
		for _, child := range children {
			if child == sp.producerPath {
				continue
			}
			if _, ok := sp.consumers[child]; ok {
				continue
			}
			sp.consumers[child] = &consumerRecord{}
			added = append(added, child)
			klogging.Info(ctx).With("consumer", child).Log("ConsumerAttached", "")
		}
		if len(added) > 0 && !sp.watchedConsumer {
			sp.watchedConsumer = true
			sp.notifyLocked()
		}
	})
	for _, path := range added {
		var ok bool
		ke := kcommon.TryCatchRun(ctx, func() { ok = sp.transferData(ctx, path) })
		if ke != nil {
			klogging.Error(ctx).WithError(ke).With("consumer", path).Log("TransferPanic", "")
		} else if !ok {
			klogging.Warning(ctx).With("consumer", path).Log("TransferFailed", "consumer told receive failure")
		}
	}
}

// transferData sends the session data to one consumer and writes the receive status into its record.
func (sp *SynchroProducer) transferData(ctx context.Context, consumerPath string) bool {
	str, err := sp.coord.GetData(ctx, consumerPath, false)
	if err != nil {
		klogging.Error(ctx).WithError(err).With("consumer", consumerPath).Log("ReadConsumerError", "")
		return false
	}
	var consumerInfo SynchroData
	if ke := kcommon.TryCatchRun(ctx, func() { consumerInfo = SynchroDataFromJson(str) }); ke != nil {
		consumerInfo = NewSynchroData()
	}
	consumerHost := consumerInfo.Get(KeyHost)
	collection := consumerInfo.Get(KeyCollection)

	var dataPath, dataType string
	var staged bool
	kcommon.RunWithLock(&sp.mu, func() {
		dataPath = sp.syncData.Get(KeyDataPath)
		dataType = sp.syncData.Get(KeyDataType)
		staged = sp.staged
	})

	ok := true
	switch {
	case consumerHost == sp.localHost:
		klogging.Info(ctx).With("consumer", consumerPath).With("host", consumerHost).Log("ConsumerIsLocal", "no transfer needed")
	case sp.cfg.TransferPolicy == config.TP_Dfs:
		klogging.Info(ctx).With("consumer", consumerPath).Log("TransferByDfs", "")
	case staged:
		klogging.Info(ctx).With("consumer", consumerPath).With("dataPath", dataPath).Log("DataStagedOnDfs", "no transfer needed")
	default:
		port, portOk := consumerInfo.GetUint32(KeyDataPort)
		if !portOk {
			klogging.Warning(ctx).With("consumer", consumerPath).With("dataPort", consumerInfo.Get(KeyDataPort)).Log("InvalidConsumerPort", "")
			ok = false
			break
		}
		recvDir := ReceiveDir(dataType, collection, sp.cfg.Distributed)
		start := time.Now()
		err := sp.transfer.SyncSend(ctx, consumerHost, port, dataPath, recvDir)
		result := "ok"
		if err != nil {
			result = "error"
			ok = false
			klogging.Warning(ctx).WithError(err).With("consumer", consumerPath).With("host", consumerHost).With("port", port).Log("SyncSendFailed", "")
		}
		SynchroTransferMetric.GetTimeSequence(ctx, result).Add(time.Since(start).Milliseconds())
	}

	status := ConsumerStatusReceiveSuccess
	if !ok {
		status = ConsumerStatusReceiveFailure
	}
	consumerInfo.Set(KeyConsumerStatus, status)
	if err := sp.coord.SetData(ctx, consumerPath, consumerInfo.ToJson()); err != nil {
		klogging.Warning(ctx).WithError(err).With("consumer", consumerPath).Log("SetConsumerStatusError", "")
		return false
	}
	klogging.Info(ctx).With("consumer", consumerPath).With("status", status).Log("ConsumerStatusSet", "")
	return ok
}

// checkConsumers resolves consumers that reported or vanished, and ends the session once all resolved.
func (sp *SynchroProducer) checkConsumers(ctx context.Context) {
	var done bool
	var result bool
	var info string
	kcommon.RunWithLock(&sp.mu, func() {
		if !sp.isSynchronizing || sp.finishing {
			return
		}
		paths := make([]string, 0, len(sp.consumers))
		for path := range sp.consumers {
			paths = append(paths, path)
		}
		sort.Strings(paths)
		for _, path := range paths {
			rec := sp.consumers[path]
			if rec.gotResult {
				continue
			}
			str, err := sp.coord.GetData(ctx, path, true)
			if err != nil {
				exists, err2 := sp.coord.Exists(ctx, path, false)
				if err2 == nil && !exists {
					rec.gotResult, rec.result = true, false
					sp.consumedCount++
					klogging.Warning(ctx).With("consumer", path).Log("ConsumerLost", "consumer node vanished before reporting")
				}
				continue
			}
			var sd SynchroData
			if ke := kcommon.TryCatchRun(ctx, func() { sd = SynchroDataFromJson(str) }); ke != nil {
				continue
			}
			switch sd.Get(KeyReturn) {
			case ReturnSuccess:
				rec.gotResult, rec.result = true, true
			case ReturnFailure:
				rec.gotResult, rec.result = true, false
			default:
				continue
			}
			sp.consumedCount++
			klogging.Info(ctx).With("consumer", path).With("return", sd.Get(KeyReturn)).Log("ConsumerReported", "")
			if err := sp.coord.DeleteNode(ctx, path, false); err != nil && !coordprov.IsNoNode(err) {
				klogging.Warning(ctx).WithError(err).With("consumer", path).Log("DeleteConsumerError", "")
			}
		}
		if sp.consumedCount == 0 {
			return
		}
		klogging.Info(ctx).With("consumed", sp.consumedCount).With("total", len(sp.consumers)).Log("ConsumersChecked", "")
		if sp.consumedCount < len(sp.consumers) {
			return
		}
		done, result, info = true, true, "process succeeded"
		for _, rec := range sp.consumers {
			if !rec.result {
				result, info = false, "process failed"
				break
			}
		}
	})
	if done {
		sp.finish(ctx, result, info)
	}
}

// finish ends the current session once: the callback gets result, then the session node is removed.
func (sp *SynchroProducer) finish(ctx context.Context, result bool, info string) {
	var callback func(bool)
	proceed := false
	kcommon.RunWithLock(&sp.mu, func() {
		if !sp.isSynchronizing || sp.finishing {
			return
		}
		proceed = true
		sp.finishing = true
		sp.result = result
		callback = sp.callback
		sp.callback = nil
	})
	if !proceed {
		return
	}
	if callback != nil {
		if ke := kcommon.TryCatchRun(ctx, func() { callback(result) }); ke != nil {
			klogging.Error(ctx).WithError(ke).Log("ConsumedCallbackPanic", "")
		}
	}
	if err := sp.coord.DeleteNode(ctx, sp.sessionPath, true); err != nil && !coordprov.IsNoNode(err) {
		klogging.Warning(ctx).WithError(err).With("path", sp.sessionPath).Log("DeleteSessionError", "")
	}
	kcommon.RunWithLock(&sp.mu, func() {
		sp.isSynchronizing = false
		sp.finishing = false
		sp.notifyLocked()
	})
	resultStr := "failure"
	if result {
		resultStr = "success"
	}
	SynchroSessionMetric.GetTimeSequence(ctx, resultStr).Add(1)
	klogging.Info(ctx).With("syncId", sp.syncId).With("result", result).With("info", info).Log("SynchronizingFinished", info)
}

// Wait blocks until the session ends. It fails the session if no consumer attaches within
// timeout, or if the coordination session is lost while waiting.
func (sp *SynchroProducer) Wait(ctx context.Context, timeout time.Duration) bool {
	if !sp.IsSynchronizing() {
		klogging.Info(ctx).With("syncId", sp.syncId).Log("WaitNotSynchronizing", "call Produce first")
		return false
	}
	klogging.Info(ctx).With("syncId", sp.syncId).With("timeout", timeout).Log("WaitForConsumer", "")

	deadline := time.Now().Add(timeout)
	step := sp.pollInterval
	for {
		sp.mu.Lock()
		watched, syncing, changed := sp.watchedConsumer, sp.isSynchronizing, sp.changed
		sp.mu.Unlock()
		if watched || !syncing {
			break
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			sp.finish(ctx, false, "timeout: no consumer")
			return false
		}
		if step > remaining {
			step = remaining
		}
		if !sleepOrWake(ctx, step, changed) {
			sp.finish(ctx, false, "wait cancelled")
			return false
		}
		step *= 2
	}

	for {
		sp.mu.Lock()
		syncing, changed, consumed, total := sp.isSynchronizing, sp.changed, sp.consumedCount, len(sp.consumers)
		sp.mu.Unlock()
		if !syncing {
			break
		}
		if !sp.coord.IsConnected() {
			klogging.Error(ctx).With("syncId", sp.syncId).Log("ConnectionLostWhileWaiting", "")
			sp.finish(ctx, false, "connection lost")
			return false
		}
		klogging.Debug(ctx).With("consumed", consumed).With("total", total).Log("Synchronizing", "")
		if !sleepOrWake(ctx, sp.pollInterval, changed) {
			sp.finish(ctx, false, "wait cancelled")
			return false
		}
	}

	sp.mu.Lock()
	defer sp.mu.Unlock()
	return sp.result
}

// sleepOrWake returns false only if ctx is done.
func sleepOrWake(ctx context.Context, d time.Duration, wake <-chan struct{}) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-wake:
	case <-ctx.Done():
		return false
	}
	return true
}

/********************** event handling **********************/

func (sp *SynchroProducer) OnCoordEvent(ctx context.Context, eve coordprov.CoordEvent) {
	switch eve.Type {
	case coordprov.CET_Session:
		if eve.State == coordprov.SS_Expired {
			sp.onSessionExpired(ctx)
		} else if eve.State == coordprov.SS_Connected {
			sp.watchConsumers(ctx)
			sp.checkConsumers(ctx)
		}
	case coordprov.CET_NodeDeleted, coordprov.CET_DataChanged:
		if sp.isConsumer(eve.Path) {
			sp.checkConsumers(ctx)
		}
	case coordprov.CET_ChildrenChanged:
		if eve.Path == sp.sessionPath {
			sp.watchConsumers(ctx)
			sp.checkConsumers(ctx)
		}
	}
}

func (sp *SynchroProducer) isConsumer(path string) bool {
	sp.mu.Lock()
	defer sp.mu.Unlock()
	_, ok := sp.consumers[path]
	return ok
}

func (sp *SynchroProducer) onSessionExpired(ctx context.Context) {
	klogging.Warning(ctx).With("syncId", sp.syncId).With("coord", sp.coord.GetHosts()).Log("ProducerSessionExpired", "")
	sp.produceMu.Lock()
	if sp.stopping {
		sp.produceMu.Unlock()
		return
	}
	sp.reconnecting = true
	sp.produceMu.Unlock()

	sp.coord.Disconnect(ctx)
	sp.coord.Connect(ctx, true)
	sp.finish(ctx, false, "reconnect after connection lost")

	sp.produceMu.Lock()
	sp.reconnecting = false
	sp.reconnectCnd.Broadcast()
	sp.produceMu.Unlock()
}

// Close removes the session node, waits for an in-flight reconnect and disconnects.
func (sp *SynchroProducer) Close(ctx context.Context) {
	sp.finish(ctx, false, "producer closed")
	if err := sp.coord.DeleteNode(ctx, sp.sessionPath, true); err != nil && !coordprov.IsNoNode(err) && !coordprov.IsNotConnected(err) {
		klogging.Warning(ctx).WithError(err).With("path", sp.sessionPath).Log("DeleteSessionError", "")
	}
	sp.produceMu.Lock()
	for sp.reconnecting {
		klogging.Info(ctx).Log("WaitReconnectBeforeClose", "")
		sp.reconnectCnd.Wait()
	}
	sp.stopping = true
	sp.produceMu.Unlock()
	sp.coord.UnregisterEventHandler(sp)
	sp.coord.Disconnect(ctx)
}
