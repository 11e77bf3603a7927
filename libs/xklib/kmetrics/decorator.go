package kmetrics

import (
	"context"
	"time"

	"github.com/xinkaiwang/searchcoord/libs/xklib/kerror"
	"github.com/xinkaiwang/searchcoord/libs/xklib/klogging"
)

var (
	OpsLatencyMetric = CreateKmetric(context.Background(), "op_latency_ms", "latency of instrumented operations", []string{"method", "status", "error"})
)

// FuncTypeVoid reports failure by panicking with a *kerror.Kerror.
type FuncTypeVoid func()

func invokeFuncVoid(ctx context.Context, ef FuncTypeVoid) (ke *kerror.Kerror) {
	defer func() {
		if r := recover(); r != nil {
			switch v := r.(type) {
			case *kerror.Kerror:
				ke = v
			case error:
				ke = kerror.Wrap(v, "InternalServerError", v.Error(), true)
			default:
				klogging.Fatal(ctx).WithPanic(v).Log("InvalidPanic", "invalid panic with non-error value")
			}
		}
	}()
	ef()
	return
}

// InstrumentSummaryRunVoid records latency and outcome of ef, then re-panics its error if any.
func InstrumentSummaryRunVoid(ctx context.Context, method string, ef FuncTypeVoid) {
	tagStatus := "OK"
	tagError := ""

	startTime := time.Now()
	ke := invokeFuncVoid(ctx, ef)
	elapsedMs := time.Since(startTime).Milliseconds()

	if ke != nil {
		tagStatus = "ERROR"
		tagError = ke.Type
	}
	OpsLatencyMetric.GetTimeSequence(ctx, method, tagStatus, tagError).Add(elapsedMs)
	if ke != nil {
		panic(ke)
	}
}
