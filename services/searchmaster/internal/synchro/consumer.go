package synchro

import (
	"context"
	"strconv"
	"time"

	"github.com/xinkaiwang/searchcoord/libs/xklib/kcommon"
	"github.com/xinkaiwang/searchcoord/libs/xklib/kerror"
	"github.com/xinkaiwang/searchcoord/libs/xklib/klogging"
	"github.com/xinkaiwang/searchcoord/services/searchmaster/internal/config"
	"github.com/xinkaiwang/searchcoord/services/searchmaster/internal/coordprov"
	"github.com/xinkaiwang/searchcoord/services/searchmaster/internal/data"
)

// SynchroConsumer is the consumer side of a session: attach, wait for the receive status,
// ingest, report. The producer deletes the consumer record after reading the report.
type SynchroConsumer struct {
	coord        coordprov.CoordClient
	pm           *config.PathManager
	syncId       data.SyncId
	host         string
	collection   string
	dataPort     uint32
	pollInterval time.Duration
}

func NewSynchroConsumer(coord coordprov.CoordClient, pm *config.PathManager, syncId data.SyncId, host string, collection string, dataPort uint32) *SynchroConsumer {
	return &SynchroConsumer{
		coord:        coord,
		pm:           pm,
		syncId:       syncId,
		host:         host,
		collection:   collection,
		dataPort:     dataPort,
		pollInterval: 100 * time.Millisecond,
	}
}

func (sc *SynchroConsumer) SetPollInterval(interval time.Duration) {
	sc.pollInterval = interval
}

// WaitProducer polls until the producer record exists and returns it.
func (sc *SynchroConsumer) WaitProducer(ctx context.Context, timeout time.Duration) (SynchroData, bool) {
	var producer SynchroData
	ok := sc.poll(ctx, timeout, func() bool {
		str, err := sc.coord.GetData(ctx, sc.pm.FmtProducerPath(sc.syncId), false)
		if err != nil {
			return false
		}
		ke := kcommon.TryCatchRun(ctx, func() { producer = SynchroDataFromJson(str) })
		return ke == nil
	})
	return producer, ok
}

// Register creates this consumer's record under the session and returns its path.
func (sc *SynchroConsumer) Register(ctx context.Context) (string, error) {
	sd := NewSynchroData().
		Set(KeyHost, sc.host).
		Set(KeyCollection, sc.collection).
		Set(KeyDataPort, strconv.FormatUint(uint64(sc.dataPort), 10))
	path, err := sc.coord.CreateNode(ctx, sc.pm.FmtConsumerPrefix(sc.syncId), sd.ToJson(), coordprov.NM_EphemeralSequential)
	if err != nil {
		return "", kerror.Wrap(err, "RegisterConsumerError", "failed to create consumer node", false).With("syncId", sc.syncId)
	}
	klogging.Info(ctx).With("path", path).With("collection", sc.collection).Log("ConsumerRegistered", "")
	return path, nil
}

// WaitReceived returns whether the producer reported a successful receive. ok is false on timeout
// or if the record vanished.
func (sc *SynchroConsumer) WaitReceived(ctx context.Context, path string, timeout time.Duration) (received bool, ok bool) {
	ok = sc.poll(ctx, timeout, func() bool {
		str, err := sc.coord.GetData(ctx, path, false)
		if err != nil {
			return false
		}
		var sd SynchroData
		if ke := kcommon.TryCatchRun(ctx, func() { sd = SynchroDataFromJson(str) }); ke != nil {
			return false
		}
		switch sd.Get(KeyConsumerStatus) {
		case ConsumerStatusReceiveSuccess:
			received = true
			return true
		case ConsumerStatusReceiveFailure:
			return true
		}
		return false
	})
	return received, ok
}

// Report writes the return field into the consumer record.
func (sc *SynchroConsumer) Report(ctx context.Context, path string, success bool) error {
	str, err := sc.coord.GetData(ctx, path, false)
	if err != nil {
		return err
	}
	var sd SynchroData
	if ke := kcommon.TryCatchRun(ctx, func() { sd = SynchroDataFromJson(str) }); ke != nil {
		return ke
	}
	ret := ReturnFailure
	if success {
		ret = ReturnSuccess
	}
	sd.Set(KeyReturn, ret)
	if err := sc.coord.SetData(ctx, path, sd.ToJson()); err != nil {
		return err
	}
	klogging.Info(ctx).With("path", path).With("return", ret).Log("ConsumerReport", "")
	return nil
}

// Consume runs the whole consumer side. ingest gets the producer record and reports success.
func (sc *SynchroConsumer) Consume(ctx context.Context, timeout time.Duration, ingest func(ctx context.Context, producer SynchroData) bool) bool {
	producer, ok := sc.WaitProducer(ctx, timeout)
	if !ok {
		klogging.Warning(ctx).With("syncId", sc.syncId).Log("NoProducer", "")
		return false
	}
	path, err := sc.Register(ctx)
	if err != nil {
		klogging.Warning(ctx).WithError(err).Log("ConsumeFailed", "")
		return false
	}
	received, ok := sc.WaitReceived(ctx, path, timeout)
	if !ok {
		klogging.Warning(ctx).With("path", path).Log("ReceiveTimeout", "")
		return false
	}
	success := received && ingest(ctx, producer)
	if err := sc.Report(ctx, path, success); err != nil {
		klogging.Warning(ctx).WithError(err).With("path", path).Log("ConsumeFailed", "")
		return false
	}
	return success
}

func (sc *SynchroConsumer) poll(ctx context.Context, timeout time.Duration, fn func() bool) bool {
	deadline := time.Now().Add(timeout)
	for {
		if fn() {
			return true
		}
		if time.Now().After(deadline) {
			return false
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(sc.pollInterval):
		}
	}
}
