package klogging

import "context"

type ctxKey int

var ctxInfoKey ctxKey

// CtxInfo carries key/values that get attached to every log entry written with the ctx.
// Parent values are emitted first.
type CtxInfo struct {
	Parent  *CtxInfo
	Details []Keypair
}

func GetCurrentCtxInfo(ctx context.Context) *CtxInfo {
	if ctx == nil {
		return nil
	}
	info, _ := ctx.Value(ctxInfoKey).(*CtxInfo)
	return info
}

// CreateCtxInfo returns a child ctx with a new CtxInfo chained under the current one.
func CreateCtxInfo(ctx context.Context) (context.Context, *CtxInfo) {
	info := &CtxInfo{Parent: GetCurrentCtxInfo(ctx)}
	return context.WithValue(ctx, ctxInfoKey, info), info
}

// Not safe to call once the ctx is shared across goroutines.
func (info *CtxInfo) With(k string, v string) *CtxInfo {
	info.Details = append(info.Details, Keypair{k, v})
	return info
}

func (info *CtxInfo) FindByKey(k string, fallback string) string {
	for cur := info; cur != nil; cur = cur.Parent {
		for i := len(cur.Details) - 1; i >= 0; i-- {
			if cur.Details[i].K == k {
				return cur.Details[i].V.(string)
			}
		}
	}
	return fallback
}

func (info *CtxInfo) visit(fn func(k, v string)) {
	if info == nil {
		return
	}
	info.Parent.visit(fn)
	for _, item := range info.Details {
		fn(item.K, item.V.(string))
	}
}
