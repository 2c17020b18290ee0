// Copyright 2022 PingCAP, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// See the License for the specific language governing permissions and
// limitations under the License.

package gctuner

import (
	"runtime"
	"sync/atomic"
)

// finalizer runs fn once per garbage collection cycle, for as long as it
// has not been stopped. It works by arming a runtime.SetFinalizer on a
// throwaway object that nothing else references; each time the GC
// reclaims that object and fires its finalizer, the callback runs fn and
// then arms a fresh throwaway object the same way, so fn is driven by
// the GC itself rather than by a separate ticker goroutine.
type finalizer struct {
	stopped *atomic.Bool
}

type finalizerRef struct {
	fn      func()
	stopped *atomic.Bool
}

func newFinalizer(fn func()) *finalizer {
	stopped := &atomic.Bool{}
	runtime.SetFinalizer(&finalizerRef{fn: fn, stopped: stopped}, finalizerCallback)
	return &finalizer{stopped: stopped}
}

func finalizerCallback(r *finalizerRef) {
	if r.stopped.Load() {
		return
	}
	r.fn()
	runtime.SetFinalizer(&finalizerRef{fn: r.fn, stopped: r.stopped}, finalizerCallback)
}

func (f *finalizer) stop() {
	f.stopped.Store(true)
}
