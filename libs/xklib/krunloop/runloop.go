package krunloop

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/xinkaiwang/searchcoord/libs/xklib/kcommon"
	"github.com/xinkaiwang/searchcoord/libs/xklib/klogging"
	"github.com/xinkaiwang/searchcoord/libs/xklib/kmetrics"
)

var (
	RunLoopElapsedMsMetric = kmetrics.CreateKmetric(context.Background(), "runloop_elapsed_ms", "time spent per runloop event", []string{"name", "event"})
)

// CriticalResource is the state owned by a RunLoop. Events are the only code that touch it.
type CriticalResource interface {
	IsResource()
}

type IEvent[T CriticalResource] interface {
	GetName() string
	Process(ctx context.Context, resource T)
}

type EventPoster[T CriticalResource] interface {
	PostEvent(event IEvent[T])
}

// RunLoop processes posted events one at a time, in post order.
type RunLoop[T CriticalResource] struct {
	name     string // logging/metrics only
	resource T
	queue    *UnboundedQueue[T]
	pending  atomic.Int64 // posted but not yet finished
	mu       sync.Mutex
	cancel   context.CancelFunc
	exited   chan struct{}
}

func NewRunLoop[T CriticalResource](ctx context.Context, resource T, name string) *RunLoop[T] {
	return &RunLoop[T]{
		name:     name,
		resource: resource,
		queue:    NewUnboundedQueue[T](ctx),
		exited:   make(chan struct{}),
	}
}

// PostEvent never blocks.
func (rl *RunLoop[T]) PostEvent(event IEvent[T]) {
	rl.pending.Add(1)
	if !rl.queue.Enqueue(event) {
		rl.pending.Add(-1)
	}
}

// Pending returns the number of events posted and not yet fully processed.
func (rl *RunLoop[T]) Pending() int64 {
	return rl.pending.Load()
}

func (rl *RunLoop[T]) Run(ctx context.Context) {
	rl.mu.Lock()
	ctx, rl.cancel = context.WithCancel(ctx)
	rl.mu.Unlock()

	defer func() {
		rl.queue.Close()
		close(rl.exited)
	}()

	for {
		select {
		case <-ctx.Done():
			klogging.Debug(ctx).With("name", rl.name).Log("RunLoopCtxCanceled", "run loop stopped")
			return
		case event, ok := <-rl.queue.GetOutputChan():
			if !ok {
				klogging.Debug(ctx).With("name", rl.name).Log("EventQueueClosed", "event queue closed")
				return
			}
			rl.process(ctx, event)
		}
	}
}

func (rl *RunLoop[T]) process(ctx context.Context, event IEvent[T]) {
	start := time.Now()
	eveName := event.GetName()
	defer func() {
		RunLoopElapsedMsMetric.GetTimeSequence(ctx, rl.name, eveName).Add(time.Since(start).Milliseconds())
		rl.pending.Add(-1)
	}()
	ke := kcommon.TryCatchRun(ctx, func() {
		event.Process(ctx, rl.resource)
	})
	if ke != nil {
		klogging.Error(ctx).WithError(ke).With("name", rl.name).With("event", eveName).Log("RunLoopEventFailed", "event process panic")
	}
}

func (rl *RunLoop[T]) StopAndWaitForExit() {
	rl.mu.Lock()
	cancel := rl.cancel
	rl.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	select {
	case <-rl.exited:
	case <-time.After(1000 * time.Millisecond):
		klogging.Warning(context.Background()).With("name", rl.name).Log("RunLoopStopTimeout", "run loop did not exit in time")
	}
}
