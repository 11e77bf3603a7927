package kcommon

import (
	"context"
	"sync"

	"github.com/xinkaiwang/searchcoord/libs/xklib/kerror"
	"github.com/xinkaiwang/searchcoord/libs/xklib/klogging"
)

// TryCatchRun converts a panic raised by fn into a returned *kerror.Kerror.
// Non-error panics are fatal.
func TryCatchRun(ctx context.Context, fn func()) (ret *kerror.Kerror) {
	defer func() {
		r := recover()
		if r == nil {
			return
		}
		if ke, ok := r.(*kerror.Kerror); ok {
			ret = ke
		} else if err, ok := r.(error); ok {
			ret = kerror.Wrap(err, "UnknownError", "", true)
		} else {
			klogging.Fatal(ctx).WithPanic(r).Log("NonErrorPanic", "")
		}
	}()
	fn()
	return
}

func RunWithLock(m sync.Locker, fnc func()) {
	m.Lock()
	defer m.Unlock()
	fnc()
}
