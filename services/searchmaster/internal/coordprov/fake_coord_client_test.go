package coordprov

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingHandler struct {
	mu     sync.Mutex
	events []CoordEvent
}

func (h *recordingHandler) OnCoordEvent(ctx context.Context, eve CoordEvent) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.events = append(h.events, eve)
}

func (h *recordingHandler) list() []CoordEvent {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]CoordEvent(nil), h.events...)
}

func newTestClient(t *testing.T, server *FakeCoordServer, name string) (*FakeCoordClient, *recordingHandler) {
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	client := server.NewClient(ctx, name)
	h := &recordingHandler{}
	client.RegisterEventHandler(h)
	require.True(t, client.Connect(ctx, true))
	return client, h
}

func TestFakeCoordBasicOperations(t *testing.T) {
	ctx := context.Background()
	server := NewFakeCoordServer()
	client, _ := newTestClient(t, server, "c1")

	t.Run("create and read", func(t *testing.T) {
		path, err := client.CreateNode(ctx, "/a", "va", NM_Persistent)
		require.NoError(t, err)
		assert.Equal(t, "/a", path)
		val, err := client.GetData(ctx, "/a", false)
		require.NoError(t, err)
		assert.Equal(t, "va", val)
	})

	t.Run("create existing", func(t *testing.T) {
		_, err := client.CreateNode(ctx, "/a", "again", NM_Persistent)
		assert.True(t, IsNodeExists(err))
	})

	t.Run("create without parent", func(t *testing.T) {
		_, err := client.CreateNode(ctx, "/x/y", "", NM_Persistent)
		assert.True(t, IsNoNode(err))
	})

	t.Run("sequential", func(t *testing.T) {
		p1, err := client.CreateNode(ctx, "/a/Server", "h:1", NM_EphemeralSequential)
		require.NoError(t, err)
		p2, err := client.CreateNode(ctx, "/a/Server", "h:2", NM_EphemeralSequential)
		require.NoError(t, err)
		assert.Equal(t, "/a/Server0000000001", p1)
		assert.Equal(t, "/a/Server0000000002", p2)
		children, err := client.GetChildren(ctx, "/a", false)
		require.NoError(t, err)
		assert.Equal(t, []string{"/a/Server0000000001", "/a/Server0000000002"}, children)
	})

	t.Run("delete non empty", func(t *testing.T) {
		assert.True(t, kerrorType(client.DeleteNode(ctx, "/a", false), ErrTypeNotEmpty))
		require.NoError(t, client.DeleteNode(ctx, "/a", true))
		ok, err := client.Exists(ctx, "/a/Server0000000001", false)
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("missing node", func(t *testing.T) {
		_, err := client.GetData(ctx, "/nope", false)
		assert.True(t, IsNoNode(err))
		assert.True(t, IsNoNode(client.SetData(ctx, "/nope", "x")))
		assert.True(t, IsNoNode(client.DeleteNode(ctx, "/nope", false)))
	})
}

func kerrorType(err error, errType string) bool {
	ke, ok := err.(interface{ GetType() string })
	return ok && ke.GetType() == errType
}

func TestFakeCoordNotConnected(t *testing.T) {
	ctx := context.Background()
	server := NewFakeCoordServer()
	client := server.NewClient(ctx, "c1")
	_, err := client.CreateNode(ctx, "/a", "", NM_Persistent)
	assert.True(t, IsNotConnected(err))
	_, err = client.GetChildren(ctx, "/", false)
	assert.True(t, IsNotConnected(err))

	client.SetConnectable(false)
	assert.False(t, client.Connect(ctx, true))
	client.SetConnectable(true)
	assert.True(t, client.Connect(ctx, true))
	assert.True(t, client.IsConnected())
}

func TestFakeCoordWatchesAreOneShot(t *testing.T) {
	ctx := context.Background()
	server := NewFakeCoordServer()
	client, h := newTestClient(t, server, "c1")
	server.Put("/root", "")

	ok, err := client.Exists(ctx, "/root/n1", true)
	require.NoError(t, err)
	assert.False(t, ok)
	_, err = client.GetChildren(ctx, "/root", true)
	require.NoError(t, err)

	server.Put("/root/n1", "v1")
	server.Put("/root/n1", "v2") // no watch armed any more
	require.True(t, server.WaitForIdle(time.Second))

	assert.Equal(t, []CoordEvent{
		{Type: CET_Session, State: SS_Connected},
		{Type: CET_NodeCreated, Path: "/root/n1"},
		{Type: CET_ChildrenChanged, Path: "/root"},
	}, h.list())

	_, err = client.GetData(ctx, "/root/n1", true)
	require.NoError(t, err)
	require.NoError(t, client.SetData(ctx, "/root/n1", "v3"))
	require.True(t, server.WaitForIdle(time.Second))
	assert.Equal(t, CoordEvent{Type: CET_DataChanged, Path: "/root/n1"}, h.list()[3])

	_, err = client.GetData(ctx, "/root/n1", true)
	require.NoError(t, err)
	server.Remove("/root/n1")
	require.True(t, server.WaitForIdle(time.Second))
	assert.Equal(t, CoordEvent{Type: CET_NodeDeleted, Path: "/root/n1"}, h.list()[4])
	assert.Len(t, h.list(), 5)
}

func TestFakeCoordEphemeralsFollowSession(t *testing.T) {
	ctx := context.Background()
	server := NewFakeCoordServer()
	owner, ownerEvents := newTestClient(t, server, "owner")
	watcher, watcherEvents := newTestClient(t, server, "watcher")
	server.Put("/s", "")

	_, err := owner.CreateNode(ctx, "/s/eph", "x", NM_Ephemeral)
	require.NoError(t, err)
	_, err = watcher.GetData(ctx, "/s/eph", true)
	require.NoError(t, err)

	owner.ExpireSession()
	require.True(t, server.WaitForIdle(time.Second))

	_, ok := server.Get("/s/eph")
	assert.False(t, ok)
	assert.False(t, owner.IsConnected())
	assert.Contains(t, watcherEvents.list(), CoordEvent{Type: CET_NodeDeleted, Path: "/s/eph"})
	assert.Contains(t, ownerEvents.list(), CoordEvent{Type: CET_Session, State: SS_Expired})

	// Disconnect drops ephemerals silently for the owner.
	require.True(t, owner.Connect(ctx, true))
	_, err = owner.CreateNode(ctx, "/s/eph2", "", NM_Ephemeral)
	require.NoError(t, err)
	owner.Disconnect(ctx)
	require.True(t, server.WaitForIdle(time.Second))
	_, ok = server.Get("/s/eph2")
	assert.False(t, ok)
}

func TestFakeCoordHandlerPanicDoesNotStopDelivery(t *testing.T) {
	ctx := context.Background()
	server := NewFakeCoordServer()
	client := server.NewClient(ctx, "c1")
	client.RegisterEventHandler(panicHandler{})
	h := &recordingHandler{}
	client.RegisterEventHandler(h)
	client.RegisterEventHandler(h) // duplicate registration ignored
	require.True(t, client.Connect(ctx, true))
	require.True(t, server.WaitForIdle(time.Second))
	assert.Len(t, h.list(), 1)

	client.UnregisterEventHandler(h)
	client.ExpireSession()
	require.True(t, server.WaitForIdle(time.Second))
	assert.Len(t, h.list(), 1)
}

type panicHandler struct{}

func (panicHandler) OnCoordEvent(ctx context.Context, eve CoordEvent) {
	panic(errNoNode("/boom"))
}

func TestEnsurePath(t *testing.T) {
	ctx := context.Background()
	server := NewFakeCoordServer()
	client := server.NewClient(ctx, "c1")
	defer client.Close(ctx)
	require.True(t, client.Connect(ctx, true))

	require.NoError(t, EnsurePath(ctx, client, "/a/b/c"))
	_, ok := server.Get("/a/b")
	assert.True(t, ok)
	_, ok = server.Get("/a/b/c")
	assert.True(t, ok)
	// idempotent
	require.NoError(t, EnsurePath(ctx, client, "/a/b/c"))

	client.Disconnect(ctx)
	assert.True(t, IsNotConnected(EnsurePath(ctx, client, "/x")))
}
