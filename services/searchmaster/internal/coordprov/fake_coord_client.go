package coordprov

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/xinkaiwang/searchcoord/libs/xklib/klogging"
)

// FakeCoordServer is an in-memory coordination tree shared by any number of FakeCoordClient
// sessions. It is meant for tests: each client has its own ephemerals, watches and event loop.
type FakeCoordServer struct {
	mu      sync.Mutex
	nodes   map[string]*fakeNode
	seq     map[string]int // per parent sequential counter
	clients []*FakeCoordClient
}

type fakeNode struct {
	data  string
	owner *FakeCoordClient // nil for persistent nodes
}

func NewFakeCoordServer() *FakeCoordServer {
	return &FakeCoordServer{
		nodes: map[string]*fakeNode{"/": {}},
		seq:   map[string]int{},
	}
}

// NewClient creates a disconnected session; ctx bounds its event loop.
func (s *FakeCoordServer) NewClient(ctx context.Context, name string) *FakeCoordClient {
	client := &FakeCoordClient{
		server:       s,
		name:         name,
		hub:          newEventHub(ctx, "fakecoord_"+name),
		connectable:  true,
		dataWatches:  map[string]bool{},
		childWatches: map[string]bool{},
	}
	s.mu.Lock()
	s.clients = append(s.clients, client)
	s.mu.Unlock()
	return client
}

// Put creates or overwrites a persistent node, creating missing ancestors. Watches fire as
// if a real client wrote it.
func (s *FakeCoordServer) Put(path string, data string) {
	var pending []pendingEvent
	s.mu.Lock()
	for _, ancestor := range ancestors(path) {
		if _, ok := s.nodes[ancestor]; !ok {
			s.nodes[ancestor] = &fakeNode{}
			pending = append(pending, s.onCreatedLocked(ancestor)...)
		}
	}
	if node, ok := s.nodes[path]; ok {
		node.data = data
		pending = append(pending, s.onDataChangedLocked(path)...)
	} else {
		s.nodes[path] = &fakeNode{data: data}
		pending = append(pending, s.onCreatedLocked(path)...)
	}
	s.mu.Unlock()
	deliver(pending)
}

// Remove deletes path and its subtree if present.
func (s *FakeCoordServer) Remove(path string) {
	s.mu.Lock()
	pending := s.deleteTreeLocked(path)
	s.mu.Unlock()
	deliver(pending)
}

// Get reads a node directly, bypassing sessions.
func (s *FakeCoordServer) Get(path string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	node, ok := s.nodes[path]
	if !ok {
		return "", false
	}
	return node.data, true
}

// WaitForIdle blocks until every client's event loop has drained.
func (s *FakeCoordServer) WaitForIdle(timeout time.Duration) bool {
	return waitAllIdle(timeout, func() []*eventHub {
		s.mu.Lock()
		defer s.mu.Unlock()
		hubs := make([]*eventHub, 0, len(s.clients))
		for _, c := range s.clients {
			hubs = append(hubs, c.hub)
		}
		return hubs
	})
}

type pendingEvent struct {
	client *FakeCoordClient
	eve    CoordEvent
}

func deliver(pending []pendingEvent) {
	for _, p := range pending {
		p.client.hub.post(p.eve)
	}
}

func parentOf(path string) string {
	idx := strings.LastIndex(path, "/")
	if idx <= 0 {
		return "/"
	}
	return path[:idx]
}

// ancestors returns the strict ancestors of path, root excluded, outermost first.
func ancestors(path string) []string {
	var list []string
	for p := parentOf(path); p != "/"; p = parentOf(p) {
		list = append([]string{p}, list...)
	}
	return list
}

func (s *FakeCoordServer) childrenLocked(path string) []string {
	prefix := path + "/"
	if path == "/" {
		prefix = "/"
	}
	var list []string
	for p := range s.nodes {
		if p == "/" || !strings.HasPrefix(p, prefix) {
			continue
		}
		if !strings.Contains(p[len(prefix):], "/") {
			list = append(list, p)
		}
	}
	sort.Strings(list)
	return list
}

func (s *FakeCoordServer) fire(path string, watches func(c *FakeCoordClient) map[string]bool, eve CoordEvent) []pendingEvent {
	var pending []pendingEvent
	for _, c := range s.clients {
		w := watches(c)
		if w[path] {
			delete(w, path)
			pending = append(pending, pendingEvent{c, eve})
		}
	}
	return pending
}

func dataWatchesOf(c *FakeCoordClient) map[string]bool  { return c.dataWatches }
func childWatchesOf(c *FakeCoordClient) map[string]bool { return c.childWatches }

func (s *FakeCoordServer) onCreatedLocked(path string) []pendingEvent {
	pending := s.fire(path, dataWatchesOf, CoordEvent{Type: CET_NodeCreated, Path: path})
	parent := parentOf(path)
	return append(pending, s.fire(parent, childWatchesOf, CoordEvent{Type: CET_ChildrenChanged, Path: parent})...)
}

func (s *FakeCoordServer) onDataChangedLocked(path string) []pendingEvent {
	return s.fire(path, dataWatchesOf, CoordEvent{Type: CET_DataChanged, Path: path})
}

func (s *FakeCoordServer) onDeletedLocked(path string) []pendingEvent {
	pending := s.fire(path, dataWatchesOf, CoordEvent{Type: CET_NodeDeleted, Path: path})
	pending = append(pending, s.fire(path, childWatchesOf, CoordEvent{Type: CET_NodeDeleted, Path: path})...)
	parent := parentOf(path)
	return append(pending, s.fire(parent, childWatchesOf, CoordEvent{Type: CET_ChildrenChanged, Path: parent})...)
}

func (s *FakeCoordServer) deleteTreeLocked(path string) []pendingEvent {
	if _, ok := s.nodes[path]; !ok {
		return nil
	}
	var pending []pendingEvent
	for _, child := range s.childrenLocked(path) {
		pending = append(pending, s.deleteTreeLocked(child)...)
	}
	delete(s.nodes, path)
	return append(pending, s.onDeletedLocked(path)...)
}

// dropSessionLocked removes the ephemerals of c and its watches.
func (s *FakeCoordServer) dropSessionLocked(c *FakeCoordClient) []pendingEvent {
	var owned []string
	for p, node := range s.nodes {
		if node.owner == c {
			owned = append(owned, p)
		}
	}
	sort.Strings(owned)
	c.dataWatches = map[string]bool{}
	c.childWatches = map[string]bool{}
	var pending []pendingEvent
	for _, p := range owned {
		pending = append(pending, s.deleteTreeLocked(p)...)
	}
	return pending
}

/********************** FakeCoordClient **********************/

// FakeCoordClient implements CoordClient on a FakeCoordServer.
type FakeCoordClient struct {
	server *FakeCoordServer
	name   string
	hub    *eventHub

	// guarded by server.mu
	connected    bool
	connectable  bool
	dataWatches  map[string]bool
	childWatches map[string]bool
}

func (c *FakeCoordClient) Connect(ctx context.Context, wait bool) bool {
	c.server.mu.Lock()
	if c.connected {
		c.server.mu.Unlock()
		return true
	}
	if !c.connectable {
		c.server.mu.Unlock()
		klogging.Debug(ctx).With("client", c.name).Log("FakeCoordConnectRefused", "")
		return false
	}
	c.connected = true
	c.server.mu.Unlock()
	c.hub.post(CoordEvent{Type: CET_Session, State: SS_Connected})
	return true
}

func (c *FakeCoordClient) Disconnect(ctx context.Context) {
	c.server.mu.Lock()
	if !c.connected {
		c.server.mu.Unlock()
		return
	}
	c.connected = false
	pending := c.server.dropSessionLocked(c)
	c.server.mu.Unlock()
	deliver(pending)
}

// ExpireSession simulates a session loss: ephemerals vanish and an expired event is delivered.
func (c *FakeCoordClient) ExpireSession() {
	c.server.mu.Lock()
	c.connected = false
	pending := c.server.dropSessionLocked(c)
	c.server.mu.Unlock()
	deliver(pending)
	c.hub.post(CoordEvent{Type: CET_Session, State: SS_Expired})
}

// SetConnectable controls whether later Connect calls succeed.
func (c *FakeCoordClient) SetConnectable(connectable bool) {
	c.server.mu.Lock()
	defer c.server.mu.Unlock()
	c.connectable = connectable
}

func (c *FakeCoordClient) IsConnected() bool {
	c.server.mu.Lock()
	defer c.server.mu.Unlock()
	return c.connected
}

func (c *FakeCoordClient) GetHosts() string {
	return "fake:" + c.name
}

func (c *FakeCoordClient) RegisterEventHandler(handler EventHandler) {
	c.hub.register(handler)
}

func (c *FakeCoordClient) UnregisterEventHandler(handler EventHandler) {
	c.hub.unregister(handler)
}

// WaitForIdle blocks until every client of the same server has drained its events.
func (c *FakeCoordClient) WaitForIdle(timeout time.Duration) bool {
	return c.server.WaitForIdle(timeout)
}

// Close stops the event loop. The session is dropped first.
func (c *FakeCoordClient) Close(ctx context.Context) {
	c.Disconnect(ctx)
	c.hub.stop()
}

func (c *FakeCoordClient) CreateNode(ctx context.Context, path string, data string, mode NodeMode) (string, error) {
	s := c.server
	s.mu.Lock()
	if !c.connected {
		s.mu.Unlock()
		return "", errNotConnected()
	}
	parent := parentOf(path)
	if _, ok := s.nodes[parent]; !ok {
		s.mu.Unlock()
		return "", errNoNode(parent)
	}
	realPath := path
	if mode == NM_EphemeralSequential {
		s.seq[parent]++
		realPath = fmt.Sprintf("%s%010d", path, s.seq[parent])
	}
	if _, ok := s.nodes[realPath]; ok {
		s.mu.Unlock()
		return "", errNodeExists(realPath)
	}
	node := &fakeNode{data: data}
	if mode != NM_Persistent {
		node.owner = c
	}
	s.nodes[realPath] = node
	pending := s.onCreatedLocked(realPath)
	s.mu.Unlock()
	deliver(pending)
	return realPath, nil
}

func (c *FakeCoordClient) DeleteNode(ctx context.Context, path string, recursive bool) error {
	s := c.server
	s.mu.Lock()
	if !c.connected {
		s.mu.Unlock()
		return errNotConnected()
	}
	if _, ok := s.nodes[path]; !ok {
		s.mu.Unlock()
		return errNoNode(path)
	}
	if !recursive && len(s.childrenLocked(path)) > 0 {
		s.mu.Unlock()
		return errNotEmpty(path)
	}
	pending := s.deleteTreeLocked(path)
	s.mu.Unlock()
	deliver(pending)
	return nil
}

func (c *FakeCoordClient) Exists(ctx context.Context, path string, watch bool) (bool, error) {
	s := c.server
	s.mu.Lock()
	defer s.mu.Unlock()
	if !c.connected {
		return false, errNotConnected()
	}
	if watch {
		c.dataWatches[path] = true
	}
	_, ok := s.nodes[path]
	return ok, nil
}

func (c *FakeCoordClient) GetData(ctx context.Context, path string, watch bool) (string, error) {
	s := c.server
	s.mu.Lock()
	defer s.mu.Unlock()
	if !c.connected {
		return "", errNotConnected()
	}
	node, ok := s.nodes[path]
	if !ok {
		return "", errNoNode(path)
	}
	if watch {
		c.dataWatches[path] = true
	}
	return node.data, nil
}

func (c *FakeCoordClient) SetData(ctx context.Context, path string, data string) error {
	s := c.server
	s.mu.Lock()
	if !c.connected {
		s.mu.Unlock()
		return errNotConnected()
	}
	node, ok := s.nodes[path]
	if !ok {
		s.mu.Unlock()
		return errNoNode(path)
	}
	node.data = data
	pending := s.onDataChangedLocked(path)
	s.mu.Unlock()
	deliver(pending)
	return nil
}

func (c *FakeCoordClient) GetChildren(ctx context.Context, path string, watch bool) ([]string, error) {
	s := c.server
	s.mu.Lock()
	defer s.mu.Unlock()
	if !c.connected {
		return nil, errNotConnected()
	}
	if _, ok := s.nodes[path]; !ok {
		return nil, errNoNode(path)
	}
	if watch {
		c.childWatches[path] = true
	}
	return s.childrenLocked(path), nil
}
