package synchro

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/xinkaiwang/searchcoord/libs/xklib/kerror"
	"github.com/xinkaiwang/searchcoord/services/searchmaster/internal/config"
	"github.com/xinkaiwang/searchcoord/services/searchmaster/internal/coordprov"
	"github.com/xinkaiwang/searchcoord/services/searchmaster/internal/data"
)

const testSyncId = data.SyncId("index_sync")

type mockTransfer struct {
	mock.Mock
}

func (m *mockTransfer) SyncSend(ctx context.Context, host string, port uint32, srcPath string, recvDir string) error {
	args := m.Called(host, port, srcPath, recvDir)
	return args.Error(0)
}

type fakeDFS struct {
	enabled bool
	err     error
	copied  []string
}

func (f *fakeDFS) IsEnabled() bool { return f.enabled }

func (f *fakeDFS) CopyToDFS(ctx context.Context, srcPath string, relDir string) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	f.copied = append(f.copied, srcPath)
	return "/dfs/" + relDir, nil
}

type resultRecorder struct {
	mu      sync.Mutex
	results []bool
}

func (r *resultRecorder) callback(result bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.results = append(r.results, result)
}

func (r *resultRecorder) get() []bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]bool(nil), r.results...)
}

type synchroSetup struct {
	t        *testing.T
	ctx      context.Context
	server   *coordprov.FakeCoordServer
	client   *coordprov.FakeCoordClient
	pm       *config.PathManager
	transfer *mockTransfer
	producer *SynchroProducer
}

func newSynchroSetup(t *testing.T, dfs DistributeFileSys) *synchroSetup {
	ctx := context.Background()
	server := coordprov.NewFakeCoordServer()
	client := server.NewClient(ctx, "producer")
	require.True(t, client.Connect(ctx, true))
	pm := config.NewPathManager("test")
	transfer := &mockTransfer{}
	cfg := config.SynchroConfig{ConnectRetryCount: 2, ConnectRetryWait: time.Millisecond, TransferPolicy: config.TP_Socket}
	producer := NewSynchroProducer(ctx, client, pm, testSyncId, "10.0.0.1", cfg, transfer, dfs)
	producer.SetPollInterval(10 * time.Millisecond)
	ss := &synchroSetup{t: t, ctx: ctx, server: server, client: client, pm: pm, transfer: transfer, producer: producer}
	t.Cleanup(func() {
		producer.Close(ctx)
		client.Close(ctx)
	})
	return ss
}

func (ss *synchroSetup) newConsumer(name string, host string) (*SynchroConsumer, *coordprov.FakeCoordClient) {
	client := ss.server.NewClient(ss.ctx, name)
	require.True(ss.t, client.Connect(ss.ctx, true))
	ss.t.Cleanup(func() { client.Close(ss.ctx) })
	consumer := NewSynchroConsumer(client, ss.pm, testSyncId, host, "b5mp", 18121)
	consumer.SetPollInterval(5 * time.Millisecond)
	return consumer, client
}

func (ss *synchroSetup) idle() {
	require.True(ss.t, ss.server.WaitForIdle(3*time.Second))
}

func (ss *synchroSetup) consumerData(path string) SynchroData {
	str, ok := ss.server.Get(path)
	require.True(ss.t, ok, path)
	return SynchroDataFromJson(str)
}

func indexData() SynchroData {
	return NewSynchroData().
		Set(KeyMethod, "index").
		Set(KeyCollection, "b5mp").
		Set(KeyDataPath, "/data/scd").
		Set(KeyDataType, DataTypeScdIndex)
}

func TestSynchroDataRoundTrip(t *testing.T) {
	sd := indexData().
		Set(KeyHost, "10.0.0.1").
		Set(KeyDataPort, "18121").
		Set(KeyConsumerStatus, ConsumerStatusReceiveSuccess).
		Set(KeyReturn, ReturnSuccess)
	str := sd.ToJson()
	assert.Equal(t, `{"collection":"b5mp","consumer_status":"receive-success","data_path":"/data/scd","data_port":"18121","data_type":"scd-index","host":"10.0.0.1","method":"index","return":"success"}`, str)
	reloaded := SynchroDataFromJson(str)
	assert.Equal(t, sd, reloaded)
	assert.Equal(t, str, reloaded.ToJson())

	port, ok := reloaded.GetUint32(KeyDataPort)
	assert.True(t, ok)
	assert.Equal(t, uint32(18121), port)
	_, ok = reloaded.GetUint32(KeyMethod)
	assert.False(t, ok)
	assert.Equal(t, "", reloaded.Get("missing"))
	assert.Empty(t, SynchroDataFromJson(""))

	assert.Panics(t, func() { SynchroDataFromJson("{bad") })
}

func TestReceiveDir(t *testing.T) {
	assert.Equal(t, "b5mp/scd/index", ReceiveDir(DataTypeScdIndex, "b5mp", false))
	assert.Equal(t, "b5mp/scd/master_index", ReceiveDir(DataTypeScdIndex, "b5mp", true))
	assert.Equal(t, "b5mp/scd/summarization", ReceiveDir(DataTypeCommentTypeFlag, "b5mp", true))
	assert.Equal(t, "b5mp/scd/rebuild_scd", ReceiveDir(DataTypeTotalCommentScd, "b5mp", false))
	assert.Equal(t, "", ReceiveDir("other", "b5mp", false))
}

func TestProduceOneSuccessOneLost(t *testing.T) {
	ss := newSynchroSetup(t, nil)
	ss.transfer.On("SyncSend", mock.Anything, uint32(18121), "/data/scd", "b5mp/scd/index").Return(nil)
	rec := &resultRecorder{}

	require.True(t, ss.producer.Produce(ss.ctx, indexData(), rec.callback))
	producerRecord := ss.consumerData(ss.pm.FmtProducerPath(testSyncId))
	assert.Equal(t, "10.0.0.1", producerRecord.Get(KeyHost))

	consumerA, _ := ss.newConsumer("a", "10.0.0.2")
	consumerB, clientB := ss.newConsumer("b", "10.0.0.3")
	pathA, err := consumerA.Register(ss.ctx)
	require.NoError(t, err)
	_, err = consumerB.Register(ss.ctx)
	require.NoError(t, err)
	ss.idle()

	received, ok := consumerA.WaitReceived(ss.ctx, pathA, time.Second)
	require.True(t, ok)
	assert.True(t, received)
	ss.transfer.AssertNumberOfCalls(t, "SyncSend", 2)

	require.NoError(t, consumerA.Report(ss.ctx, pathA, true))
	ss.idle()
	assert.True(t, ss.producer.IsSynchronizing(), "consumer b has not reported")

	clientB.ExpireSession()
	assert.False(t, ss.producer.Wait(ss.ctx, time.Second))
	ss.idle()
	assert.Equal(t, []bool{false}, rec.get())
	assert.False(t, ss.producer.IsSynchronizing())
	_, exists := ss.server.Get(ss.producer.GetSessionPath())
	assert.False(t, exists)
}

func TestProduceAllSuccess(t *testing.T) {
	ss := newSynchroSetup(t, nil)
	ss.transfer.On("SyncSend", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(nil)
	rec := &resultRecorder{}
	require.True(t, ss.producer.Produce(ss.ctx, indexData(), rec.callback))

	var wg sync.WaitGroup
	for _, name := range []string{"a", "b"} {
		consumer, _ := ss.newConsumer(name, "host-"+name)
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.True(t, consumer.Consume(ss.ctx, 2*time.Second, func(ctx context.Context, producer SynchroData) bool {
				return producer.Get(KeyDataPath) == "/data/scd"
			}))
		}()
	}
	assert.True(t, ss.producer.Wait(ss.ctx, 2*time.Second))
	wg.Wait()
	assert.Equal(t, []bool{true}, rec.get())
	_, exists := ss.server.Get(ss.producer.GetSessionPath())
	assert.False(t, exists)
}

func TestProduceConsumerFailure(t *testing.T) {
	ss := newSynchroSetup(t, nil)
	ss.transfer.On("SyncSend", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(nil)
	require.True(t, ss.producer.Produce(ss.ctx, indexData(), nil))

	consumer, _ := ss.newConsumer("a", "10.0.0.2")
	go consumer.Consume(ss.ctx, 2*time.Second, func(ctx context.Context, producer SynchroData) bool {
		return false
	})
	assert.False(t, ss.producer.Wait(ss.ctx, 2*time.Second))
}

func TestProduceRejectedWhileSynchronizing(t *testing.T) {
	ss := newSynchroSetup(t, nil)
	require.True(t, ss.producer.Produce(ss.ctx, indexData(), nil))
	before := ss.consumerData(ss.pm.FmtProducerPath(testSyncId))

	other := NewSynchroData().Set(KeyDataPath, "/other")
	assert.False(t, ss.producer.Produce(ss.ctx, other, nil))
	assert.True(t, ss.producer.IsSynchronizing())
	assert.Equal(t, before, ss.consumerData(ss.pm.FmtProducerPath(testSyncId)))
}

func TestWaitTimeoutWithoutConsumer(t *testing.T) {
	ss := newSynchroSetup(t, nil)
	rec := &resultRecorder{}
	require.True(t, ss.producer.Produce(ss.ctx, indexData(), rec.callback))

	start := time.Now()
	assert.False(t, ss.producer.Wait(ss.ctx, 50*time.Millisecond))
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
	assert.False(t, ss.producer.IsSynchronizing())
	assert.Equal(t, []bool{false}, rec.get())
	_, exists := ss.server.Get(ss.producer.GetSessionPath())
	assert.False(t, exists)

	// not synchronizing any more
	assert.False(t, ss.producer.Wait(ss.ctx, 50*time.Millisecond))
	// and a new session can start
	assert.True(t, ss.producer.Produce(ss.ctx, indexData(), nil))
}

func TestProduceOverwritesStaleProducerRecord(t *testing.T) {
	ss := newSynchroSetup(t, nil)
	// left by a crashed producer; an ephemeral owned by another session
	_, stale := ss.newConsumer("stale", "x")
	require.NoError(t, coordprov.EnsurePath(ss.ctx, stale, ss.producer.GetSessionPath()))
	_, err := stale.CreateNode(ss.ctx, ss.pm.FmtProducerPath(testSyncId), "{}", coordprov.NM_Ephemeral)
	require.NoError(t, err)

	require.True(t, ss.producer.Produce(ss.ctx, indexData(), nil))
	record := ss.consumerData(ss.pm.FmtProducerPath(testSyncId))
	assert.Equal(t, "/data/scd", record.Get(KeyDataPath))
}

func TestProduceNullConsumerRecord(t *testing.T) {
	assert.Equal(t, NewSynchroData(), SynchroDataFromJson("null"))

	ss := newSynchroSetup(t, nil)
	consumerPath := ss.pm.FmtConsumerPrefix(testSyncId) + "0000000001"
	ss.server.Put(consumerPath, "null")

	var ok bool
	assert.NotPanics(t, func() { ok = ss.producer.Produce(ss.ctx, indexData(), nil) })
	assert.True(t, ok)
	ss.idle()
	// no host and no data port: answered with receive failure
	assert.Equal(t, ConsumerStatusReceiveFailure, ss.consumerData(consumerPath).Get(KeyConsumerStatus))
	ss.transfer.AssertNotCalled(t, "SyncSend", mock.Anything, mock.Anything, mock.Anything, mock.Anything)

	ss.server.Put(consumerPath, NewSynchroData().Set(KeyReturn, ReturnFailure).ToJson())
	assert.False(t, ss.producer.Wait(ss.ctx, 2*time.Second))
	assert.False(t, ss.producer.IsSynchronizing())
}

func TestProduceFailsWhenNotConnected(t *testing.T) {
	ss := newSynchroSetup(t, nil)
	ss.client.Disconnect(ss.ctx)
	ss.client.SetConnectable(false)

	assert.False(t, ss.producer.Produce(ss.ctx, indexData(), nil))
	assert.False(t, ss.producer.IsSynchronizing())

	ss.client.SetConnectable(true)
	assert.True(t, ss.producer.Produce(ss.ctx, indexData(), nil))
	assert.True(t, ss.client.IsConnected())
}

func TestLocalConsumerAndTransferFailure(t *testing.T) {
	ss := newSynchroSetup(t, nil)
	ss.transfer.On("SyncSend", "10.0.0.9", uint32(18121), "/data/scd", "b5mp/scd/index").Return(kerror.Create("TransferError", "refused"))
	require.True(t, ss.producer.Produce(ss.ctx, indexData(), nil))

	local, _ := ss.newConsumer("local", "10.0.0.1")
	remote, _ := ss.newConsumer("remote", "10.0.0.9")
	localPath, err := local.Register(ss.ctx)
	require.NoError(t, err)
	remotePath, err := remote.Register(ss.ctx)
	require.NoError(t, err)
	ss.idle()

	received, ok := local.WaitReceived(ss.ctx, localPath, time.Second)
	assert.True(t, ok)
	assert.True(t, received)
	received, ok = remote.WaitReceived(ss.ctx, remotePath, time.Second)
	assert.True(t, ok)
	assert.False(t, received)
	assert.Equal(t, ConsumerStatusReceiveFailure, ss.consumerData(remotePath).Get(KeyConsumerStatus))
	ss.transfer.AssertNumberOfCalls(t, "SyncSend", 1)
}

func TestDfsStaging(t *testing.T) {
	dfs := &fakeDFS{enabled: true}
	ss := newSynchroSetup(t, dfs)
	require.True(t, ss.producer.Produce(ss.ctx, indexData(), nil))
	assert.Equal(t, []string{"/data/scd"}, dfs.copied)
	record := ss.consumerData(ss.pm.FmtProducerPath(testSyncId))
	assert.Equal(t, "/dfs/index_sync/produce/index_scd/", record.Get(KeyDataPath))

	remote, _ := ss.newConsumer("remote", "10.0.0.9")
	path, err := remote.Register(ss.ctx)
	require.NoError(t, err)
	received, ok := remote.WaitReceived(ss.ctx, path, time.Second)
	assert.True(t, ok)
	assert.True(t, received)
	ss.transfer.AssertNotCalled(t, "SyncSend", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestDfsStagingFailureAbortsSession(t *testing.T) {
	dfs := &fakeDFS{enabled: true, err: kerror.Create("DfsError", "disk full")}
	ss := newSynchroSetup(t, dfs)
	assert.False(t, ss.producer.Produce(ss.ctx, indexData(), nil))
	assert.False(t, ss.producer.IsSynchronizing())
	_, exists := ss.server.Get(ss.pm.FmtProducerPath(testSyncId))
	assert.False(t, exists)

	// data types that are never staged go straight through
	flag := indexData().Set(KeyDataType, DataTypeCommentTypeFlag)
	assert.True(t, ss.producer.Produce(ss.ctx, flag, nil))
}

func TestSessionExpiredEndsSession(t *testing.T) {
	ss := newSynchroSetup(t, nil)
	rec := &resultRecorder{}
	require.True(t, ss.producer.Produce(ss.ctx, indexData(), rec.callback))

	ss.client.ExpireSession()
	assert.Eventually(t, func() bool {
		return !ss.producer.IsSynchronizing()
	}, 3*time.Second, 10*time.Millisecond)
	ss.idle()
	assert.Equal(t, []bool{false}, rec.get())
	assert.True(t, ss.client.IsConnected(), "reconnected")
	_, exists := ss.server.Get(ss.producer.GetSessionPath())
	assert.False(t, exists)
}

func TestWaitAbortsOnConnectionLoss(t *testing.T) {
	ss := newSynchroSetup(t, nil)
	ss.transfer.On("SyncSend", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(nil)
	require.True(t, ss.producer.Produce(ss.ctx, indexData(), nil))
	consumer, _ := ss.newConsumer("a", "10.0.0.2")
	_, err := consumer.Register(ss.ctx)
	require.NoError(t, err)
	ss.idle()

	ss.client.Disconnect(ss.ctx)
	assert.False(t, ss.producer.Wait(ss.ctx, time.Second))
	assert.False(t, ss.producer.IsSynchronizing())
}

func TestSharedDirTransferAndMountedDFS(t *testing.T) {
	ctx := context.Background()
	src := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(src, "sub"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(src, "a.scd"), []byte("A"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(src, "sub", "b.scd"), []byte("B"), 0o644))

	root := t.TempDir()
	transfer := &SharedDirTransfer{RootDir: root}
	require.NoError(t, transfer.SyncSend(ctx, "h", 1, src, "b5mp/scd/index"))
	got, err := os.ReadFile(filepath.Join(root, "b5mp/scd/index/sub/b.scd"))
	require.NoError(t, err)
	assert.Equal(t, "B", string(got))

	// single file
	require.NoError(t, transfer.SyncSend(ctx, "h", 1, filepath.Join(src, "a.scd"), "one"))
	got, err = os.ReadFile(filepath.Join(root, "one", "a.scd"))
	require.NoError(t, err)
	assert.Equal(t, "A", string(got))

	err = transfer.SyncSend(ctx, "h", 1, filepath.Join(src, "missing"), "x")
	assert.True(t, kerror.IsType(err, "TransferError"))

	dfs := &MountedDFS{MountDir: t.TempDir()}
	assert.True(t, dfs.IsEnabled())
	staged, err := dfs.CopyToDFS(ctx, src, "sync/produce/index_scd/")
	require.NoError(t, err)
	got, err = os.ReadFile(filepath.Join(staged, "a.scd"))
	require.NoError(t, err)
	assert.Equal(t, "A", string(got))

	assert.False(t, DisabledDFS{}.IsEnabled())
	assert.False(t, (&MountedDFS{}).IsEnabled())
}
