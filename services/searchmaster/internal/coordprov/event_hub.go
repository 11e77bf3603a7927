package coordprov

import (
	"context"
	"sync"
	"time"

	"github.com/xinkaiwang/searchcoord/libs/xklib/kcommon"
	"github.com/xinkaiwang/searchcoord/libs/xklib/klogging"
	"github.com/xinkaiwang/searchcoord/libs/xklib/kmetrics"
	"github.com/xinkaiwang/searchcoord/libs/xklib/krunloop"
)

var (
	CoordEventMetric = kmetrics.CreateKmetric(context.Background(), "coord_event", "coordination events delivered", []string{"type"}).CountOnly()
)

// handlerSet is the runloop resource: the registered handlers of one client.
type handlerSet struct {
	mu       sync.Mutex
	handlers []EventHandler
}

func (hs *handlerSet) IsResource() {}

func (hs *handlerSet) snapshot() []EventHandler {
	hs.mu.Lock()
	defer hs.mu.Unlock()
	return append([]EventHandler(nil), hs.handlers...)
}

type dispatchEvent struct {
	eve CoordEvent
}

func (de *dispatchEvent) GetName() string {
	return "Coord_" + de.eve.Type.String()
}

func (de *dispatchEvent) Process(ctx context.Context, hs *handlerSet) {
	CoordEventMetric.GetTimeSequence(ctx, de.eve.Type.String()).Add(1)
	klogging.Debug(ctx).With("event", de.eve.String()).Log("CoordEventDispatch", "")
	for _, handler := range hs.snapshot() {
		ke := kcommon.TryCatchRun(ctx, func() {
			handler.OnCoordEvent(ctx, de.eve)
		})
		if ke != nil {
			klogging.Error(ctx).WithError(ke).With("event", de.eve.String()).Log("CoordEventHandlerPanic", "handler failed")
		}
	}
}

// eventHub serializes event delivery of one client through a RunLoop.
type eventHub struct {
	name     string
	handlers *handlerSet
	runloop  *krunloop.RunLoop[*handlerSet]
}

func newEventHub(ctx context.Context, name string) *eventHub {
	hs := &handlerSet{}
	hub := &eventHub{
		name:     name,
		handlers: hs,
		runloop:  krunloop.NewRunLoop(ctx, hs, name),
	}
	go hub.runloop.Run(ctx)
	return hub
}

func (hub *eventHub) register(handler EventHandler) {
	hub.handlers.mu.Lock()
	defer hub.handlers.mu.Unlock()
	for _, h := range hub.handlers.handlers {
		if h == handler {
			return
		}
	}
	hub.handlers.handlers = append(hub.handlers.handlers, handler)
}

func (hub *eventHub) unregister(handler EventHandler) {
	hub.handlers.mu.Lock()
	defer hub.handlers.mu.Unlock()
	for i, h := range hub.handlers.handlers {
		if h == handler {
			hub.handlers.handlers = append(hub.handlers.handlers[:i], hub.handlers.handlers[i+1:]...)
			return
		}
	}
}

func (hub *eventHub) post(eve CoordEvent) {
	hub.runloop.PostEvent(&dispatchEvent{eve: eve})
}

func (hub *eventHub) isIdle() bool {
	return hub.runloop.Pending() == 0
}

func (hub *eventHub) stop() {
	hub.runloop.StopAndWaitForExit()
}

// waitAllIdle returns false on timeout. All hubs have to be idle in the same pass since a
// handler on one hub may cause events on another.
func waitAllIdle(timeout time.Duration, hubs func() []*eventHub) bool {
	deadline := time.Now().Add(timeout)
	stable := 0
	for time.Now().Before(deadline) {
		idle := true
		for _, hub := range hubs() {
			if !hub.isIdle() {
				idle = false
				break
			}
		}
		if idle {
			stable++
			if stable >= 3 {
				return true
			}
		} else {
			stable = 0
		}
		time.Sleep(time.Millisecond)
	}
	return false
}
