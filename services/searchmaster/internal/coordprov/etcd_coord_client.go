package coordprov

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/xinkaiwang/searchcoord/libs/xklib/kerror"
	"github.com/xinkaiwang/searchcoord/libs/xklib/klogging"
	clientv3 "go.etcd.io/etcd/client/v3"
)

const seqKeyPrefix = "\x00seq"

type EtcdCoordConfig struct {
	Endpoints      []string
	DialTimeout    time.Duration
	SessionTimeout time.Duration // lease ttl, rounded up to seconds
}

// EtcdCoordClient implements CoordClient on etcd. Every node is a key named by its path;
// ephemerals are attached to the session lease, so they vanish when the lease is lost.
type EtcdCoordClient struct {
	cfg EtcdCoordConfig
	hub *eventHub

	mu            sync.Mutex
	client        *clientv3.Client
	lease         clientv3.LeaseID
	connected     bool
	connecting    bool
	generation    int
	sessionCtx    context.Context
	sessionCancel context.CancelFunc
	dataWatches   map[string]*pendingWatch
	childWatches  map[string]*pendingWatch
}

// pendingWatch is an armed one-shot watch delivering changes after rev.
type pendingWatch struct {
	rev    int64
	cancel context.CancelFunc
}

func NewEtcdCoordClient(ctx context.Context, cfg EtcdCoordConfig) *EtcdCoordClient {
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 5 * time.Second
	}
	if cfg.SessionTimeout < time.Second {
		cfg.SessionTimeout = 15 * time.Second
	}
	return &EtcdCoordClient{
		cfg:          cfg,
		hub:          newEventHub(ctx, "etcdcoord"),
		dataWatches:  map[string]*pendingWatch{},
		childWatches: map[string]*pendingWatch{},
	}
}

func (c *EtcdCoordClient) GetHosts() string {
	return strings.Join(c.cfg.Endpoints, ",")
}

func (c *EtcdCoordClient) RegisterEventHandler(handler EventHandler) {
	c.hub.register(handler)
}

func (c *EtcdCoordClient) UnregisterEventHandler(handler EventHandler) {
	c.hub.unregister(handler)
}

func (c *EtcdCoordClient) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

func (c *EtcdCoordClient) Connect(ctx context.Context, wait bool) bool {
	if c.IsConnected() {
		return true
	}
	if !wait {
		go c.connect(context.Background())
		return false
	}
	return c.connect(ctx)
}

func (c *EtcdCoordClient) connect(ctx context.Context) bool {
	c.mu.Lock()
	if c.connected || c.connecting {
		connected := c.connected
		c.mu.Unlock()
		return connected
	}
	c.connecting = true
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.connecting = false
		c.mu.Unlock()
	}()

	cli, err := clientv3.New(clientv3.Config{
		Endpoints:   c.cfg.Endpoints,
		DialTimeout: c.cfg.DialTimeout,
	})
	if err != nil {
		klogging.Warning(ctx).WithError(err).With("endpoints", c.GetHosts()).Log("EtcdConnectError", "failed to create etcd client")
		return false
	}
	grantCtx, cancel := context.WithTimeout(ctx, c.cfg.DialTimeout)
	ttl := int64((c.cfg.SessionTimeout + time.Second - 1) / time.Second)
	lease, err := cli.Grant(grantCtx, ttl)
	cancel()
	if err != nil {
		klogging.Warning(ctx).WithError(err).With("endpoints", c.GetHosts()).Log("EtcdGrantError", "failed to grant session lease")
		cli.Close()
		return false
	}
	sessionCtx, sessionCancel := context.WithCancel(context.Background())
	keepAliveCh, err := cli.KeepAlive(sessionCtx, lease.ID)
	if err != nil {
		klogging.Warning(ctx).WithError(err).Log("EtcdKeepAliveError", "keepalive failed initially")
		sessionCancel()
		cli.Close()
		return false
	}

	c.mu.Lock()
	c.client = cli
	c.lease = lease.ID
	c.connected = true
	c.generation++
	gen := c.generation
	c.sessionCtx = sessionCtx
	c.sessionCancel = sessionCancel
	c.mu.Unlock()

	klogging.Info(ctx).With("leaseId", lease.ID).With("ttl", ttl).With("endpoints", c.GetHosts()).Log("EtcdSessionConnected", "")
	go c.keepalive(keepAliveCh, gen)
	c.hub.post(CoordEvent{Type: CET_Session, State: SS_Connected})
	return true
}

func (c *EtcdCoordClient) keepalive(ch <-chan *clientv3.LeaseKeepAliveResponse, gen int) {
	for range ch {
	}
	c.mu.Lock()
	if c.generation != gen || !c.connected {
		c.mu.Unlock()
		return
	}
	klogging.Warning(context.Background()).With("leaseId", c.lease).Log("EtcdSessionExpired", "keepalive channel closed, lease lost")
	c.teardownLocked()
	c.mu.Unlock()
	c.hub.post(CoordEvent{Type: CET_Session, State: SS_Expired})
}

// teardownLocked drops the session without revoking; used once the lease is gone already.
func (c *EtcdCoordClient) teardownLocked() {
	c.connected = false
	c.generation++
	for _, w := range c.dataWatches {
		w.cancel()
	}
	for _, w := range c.childWatches {
		w.cancel()
	}
	c.dataWatches = map[string]*pendingWatch{}
	c.childWatches = map[string]*pendingWatch{}
	if c.sessionCancel != nil {
		c.sessionCancel()
	}
	if c.client != nil {
		c.client.Close()
		c.client = nil
	}
}

func (c *EtcdCoordClient) Disconnect(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.client == nil {
		return
	}
	revokeCtx, cancel := context.WithTimeout(ctx, c.cfg.DialTimeout)
	if _, err := c.client.Revoke(revokeCtx, c.lease); err != nil {
		klogging.Info(ctx).WithError(err).Log("EtcdRevokeError", "lease revoke failed, ephemerals expire with ttl")
	}
	cancel()
	c.teardownLocked()
	klogging.Info(ctx).Log("EtcdSessionDisconnected", "")
}

func (c *EtcdCoordClient) session() (*clientv3.Client, clientv3.LeaseID, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.connected {
		return nil, 0, errNotConnected()
	}
	return c.client, c.lease, nil
}

func (c *EtcdCoordClient) opCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, c.cfg.DialTimeout)
}

func wrapEtcdError(err error, op string, path string) error {
	return kerror.Wrap(err, ErrTypeCoordFailure, "etcd "+op+" failed", false).
		With("path", path).
		WithErrorCode(kerror.EC_RETRYABLE)
}

// parentCmps requires the parent node to exist, the root always does.
func parentCmps(path string) []clientv3.Cmp {
	parent := parentOf(path)
	if parent == "/" {
		return nil
	}
	return []clientv3.Cmp{clientv3.Compare(clientv3.CreateRevision(parent), ">", 0)}
}

func (c *EtcdCoordClient) CreateNode(ctx context.Context, path string, data string, mode NodeMode) (string, error) {
	cli, lease, err := c.session()
	if err != nil {
		return "", err
	}
	ctx, cancel := c.opCtx(ctx)
	defer cancel()

	var putOpts []clientv3.OpOption
	if mode != NM_Persistent {
		putOpts = append(putOpts, clientv3.WithLease(lease))
	}
	if mode != NM_EphemeralSequential {
		cmps := append(parentCmps(path), clientv3.Compare(clientv3.CreateRevision(path), "=", 0))
		resp, err := cli.Txn(ctx).If(cmps...).Then(clientv3.OpPut(path, data, putOpts...)).Commit()
		if err != nil {
			return "", wrapEtcdError(err, "create", path)
		}
		if !resp.Succeeded {
			return "", c.classifyCreateFailure(ctx, cli, path)
		}
		return path, nil
	}

	seqKey := seqKeyPrefix + parentOf(path)
	for attempt := 0; attempt < 16; attempt++ {
		getResp, err := cli.Get(ctx, seqKey)
		if err != nil {
			return "", wrapEtcdError(err, "get", seqKey)
		}
		n := 0
		rev := int64(0)
		if len(getResp.Kvs) > 0 {
			n, _ = strconv.Atoi(string(getResp.Kvs[0].Value))
			rev = getResp.Kvs[0].ModRevision
		}
		n++
		realPath := fmt.Sprintf("%s%010d", path, n)
		cmps := append(parentCmps(path),
			clientv3.Compare(clientv3.ModRevision(seqKey), "=", rev),
			clientv3.Compare(clientv3.CreateRevision(realPath), "=", 0))
		resp, err := cli.Txn(ctx).If(cmps...).Then(
			clientv3.OpPut(seqKey, strconv.Itoa(n)),
			clientv3.OpPut(realPath, data, putOpts...),
		).Commit()
		if err != nil {
			return "", wrapEtcdError(err, "create", realPath)
		}
		if resp.Succeeded {
			return realPath, nil
		}
		if parent := parentOf(path); parent != "/" {
			if ok, err := c.keyExists(ctx, cli, parent); err == nil && !ok {
				return "", errNoNode(parent)
			}
		}
	}
	return "", kerror.Create(ErrTypeCoordFailure, "sequential create contention").With("path", path).WithErrorCode(kerror.EC_RETRYABLE)
}

func (c *EtcdCoordClient) classifyCreateFailure(ctx context.Context, cli *clientv3.Client, path string) error {
	if parent := parentOf(path); parent != "/" {
		ok, err := c.keyExists(ctx, cli, parent)
		if err != nil {
			return err
		}
		if !ok {
			return errNoNode(parent)
		}
	}
	return errNodeExists(path)
}

func (c *EtcdCoordClient) keyExists(ctx context.Context, cli *clientv3.Client, key string) (bool, error) {
	resp, err := cli.Get(ctx, key, clientv3.WithCountOnly())
	if err != nil {
		return false, wrapEtcdError(err, "get", key)
	}
	return resp.Count > 0, nil
}

func (c *EtcdCoordClient) DeleteNode(ctx context.Context, path string, recursive bool) error {
	cli, _, err := c.session()
	if err != nil {
		return err
	}
	ctx, cancel := c.opCtx(ctx)
	defer cancel()

	if !recursive {
		resp, err := cli.Get(ctx, path+"/", clientv3.WithPrefix(), clientv3.WithCountOnly())
		if err != nil {
			return wrapEtcdError(err, "get", path)
		}
		if resp.Count > 0 {
			return errNotEmpty(path)
		}
	}
	resp, err := cli.Txn(ctx).
		If(clientv3.Compare(clientv3.CreateRevision(path), ">", 0)).
		Then(clientv3.OpDelete(path+"/", clientv3.WithPrefix()), clientv3.OpDelete(path)).
		Commit()
	if err != nil {
		return wrapEtcdError(err, "delete", path)
	}
	if !resp.Succeeded {
		return errNoNode(path)
	}
	return nil
}

func (c *EtcdCoordClient) Exists(ctx context.Context, path string, watch bool) (bool, error) {
	cli, _, err := c.session()
	if err != nil {
		return false, err
	}
	opCtx, cancel := c.opCtx(ctx)
	defer cancel()
	resp, err := cli.Get(opCtx, path, clientv3.WithCountOnly())
	if err != nil {
		return false, wrapEtcdError(err, "get", path)
	}
	if watch {
		c.armWatch(ctx, cli, path, false, resp.Header.Revision)
	}
	return resp.Count > 0, nil
}

func (c *EtcdCoordClient) GetData(ctx context.Context, path string, watch bool) (string, error) {
	cli, _, err := c.session()
	if err != nil {
		return "", err
	}
	opCtx, cancel := c.opCtx(ctx)
	defer cancel()
	resp, err := cli.Get(opCtx, path)
	if err != nil {
		return "", wrapEtcdError(err, "get", path)
	}
	if len(resp.Kvs) == 0 {
		return "", errNoNode(path)
	}
	if watch {
		c.armWatch(ctx, cli, path, false, resp.Header.Revision)
	}
	return string(resp.Kvs[0].Value), nil
}

func (c *EtcdCoordClient) SetData(ctx context.Context, path string, data string) error {
	cli, _, err := c.session()
	if err != nil {
		return err
	}
	ctx, cancel := c.opCtx(ctx)
	defer cancel()
	resp, err := cli.Txn(ctx).
		If(clientv3.Compare(clientv3.CreateRevision(path), ">", 0)).
		Then(clientv3.OpPut(path, data, clientv3.WithIgnoreLease())).
		Commit()
	if err != nil {
		return wrapEtcdError(err, "put", path)
	}
	if !resp.Succeeded {
		return errNoNode(path)
	}
	return nil
}

func (c *EtcdCoordClient) GetChildren(ctx context.Context, path string, watch bool) ([]string, error) {
	cli, _, err := c.session()
	if err != nil {
		return nil, err
	}
	opCtx, cancel := c.opCtx(ctx)
	defer cancel()
	if path != "/" {
		ok, err := c.keyExists(opCtx, cli, path)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, errNoNode(path)
		}
	}
	prefix := strings.TrimSuffix(path, "/") + "/"
	resp, err := cli.Get(opCtx, prefix, clientv3.WithPrefix(), clientv3.WithKeysOnly())
	if err != nil {
		return nil, wrapEtcdError(err, "list", path)
	}
	var children []string
	for _, kv := range resp.Kvs {
		key := string(kv.Key)
		if isDirectChild(path, key) {
			children = append(children, key)
		}
	}
	sort.Strings(children)
	if watch {
		c.armWatch(ctx, cli, path, true, resp.Header.Revision)
	}
	return children, nil
}

func isDirectChild(parent string, key string) bool {
	prefix := strings.TrimSuffix(parent, "/") + "/"
	rest, ok := strings.CutPrefix(key, prefix)
	return ok && rest != "" && !strings.Contains(rest, "/")
}

// classifyWatchEvent maps one etcd event to the one-shot watch armed on path.
func classifyWatchEvent(path string, children bool, ev *clientv3.Event) (CoordEvent, bool) {
	key := string(ev.Kv.Key)
	if key == path {
		switch {
		case ev.Type == clientv3.EventTypeDelete:
			return CoordEvent{Type: CET_NodeDeleted, Path: path}, true
		case children:
			return CoordEvent{}, false
		case ev.IsCreate():
			return CoordEvent{Type: CET_NodeCreated, Path: path}, true
		default:
			return CoordEvent{Type: CET_DataChanged, Path: path}, true
		}
	}
	if children && isDirectChild(path, key) && (ev.Type == clientv3.EventTypeDelete || ev.IsCreate()) {
		return CoordEvent{Type: CET_ChildrenChanged, Path: path}, true
	}
	return CoordEvent{}, false
}

// armWatch starts a one-shot watch from the revision right after the read. A second arm on
// the same path and kind replaces the first when it comes from a newer read, so a change the
// caller already read is not reported again.
func (c *EtcdCoordClient) armWatch(ctx context.Context, cli *clientv3.Client, path string, children bool, rev int64) {
	c.mu.Lock()
	if !c.connected {
		c.mu.Unlock()
		return
	}
	gen := c.generation
	watchCtx, cancel := context.WithCancel(c.sessionCtx)
	w := replaceWatch(c.watchesLocked(children), path, rev, cancel)
	c.mu.Unlock()
	if w == nil {
		cancel()
		return
	}

	go func() {
		defer cancel()
		wch := cli.Watch(watchCtx, path, clientv3.WithPrefix(), clientv3.WithRev(rev+1))
		for resp := range wch {
			if err := resp.Err(); err != nil {
				if c.dropWatch(gen, path, children, w) {
					klogging.Warning(ctx).WithError(err).With("path", path).Log("EtcdWatchError", "watch stream failed")
				}
				return
			}
			for _, ev := range resp.Events {
				eve, ok := classifyWatchEvent(path, children, ev)
				if !ok {
					continue
				}
				if c.dropWatch(gen, path, children, w) {
					c.hub.post(eve)
				}
				return
			}
		}
	}()
}

// replaceWatch registers a watch after rev for path. It returns nil if the armed watch already
// starts at rev or later; an older one is cancelled and replaced.
func replaceWatch(watches map[string]*pendingWatch, path string, rev int64, cancel context.CancelFunc) *pendingWatch {
	if old, ok := watches[path]; ok {
		if old.rev >= rev {
			return nil
		}
		old.cancel()
	}
	w := &pendingWatch{rev: rev, cancel: cancel}
	watches[path] = w
	return w
}

func (c *EtcdCoordClient) watchesLocked(children bool) map[string]*pendingWatch {
	if children {
		return c.childWatches
	}
	return c.dataWatches
}

// dropWatch returns false when w belongs to an older session or was replaced.
func (c *EtcdCoordClient) dropWatch(gen int, path string, children bool, w *pendingWatch) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.generation != gen {
		return false
	}
	watches := c.watchesLocked(children)
	if watches[path] != w {
		return false
	}
	delete(watches, path)
	return true
}
