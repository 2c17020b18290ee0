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
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package gctuner

import (
	"math"
	"runtime"
	"runtime/debug"
	"sync/atomic"
	"time"

	"github.com/pingcap/tidb/memtracker/util/memory"
)

// GlobalTuner only allows one memory limit tuner in one process.
var GlobalTuner = &memoryLimitTuner{}

// memoryLimitTuner keeps runtime/debug.SetMemoryLimit in step with a
// process-level Tracker's own limit instead of a number configured
// separately, so Go's GC backs off the same ceiling the accounting tree
// enforces. It reads the tracker's limit fresh on every tuning check,
// so a later SetLimit call on the bound tracker takes effect without
// calling Start again.
type memoryLimitTuner struct {
	finalizer *finalizer
	tracker   atomic.Pointer[memory.Tracker]
	running   atomic.Bool
}

// BindTracker ties the tuner to tracker. tracker should be a
// process-level root with a finite limit; a nil or limit-less tracker
// makes tuning a no-op.
func (t *memoryLimitTuner) BindTracker(tracker *memory.Tracker) {
	t.tracker.Store(tracker)
}

func (t *memoryLimitTuner) softLimit() uint64 {
	tracker := t.tracker.Load()
	if tracker == nil || !tracker.HasLimit() {
		return 0
	}
	return uint64(tracker.Limit())
}

// tuning checks the memory nextGC and judges whether this GC is
// triggered by the bound tracker's limit rather than organic heap
// growth. Go runtime ensures that it will be called serially.
func (t *memoryLimitTuner) tuning() {
	limit := t.softLimit()
	if limit == 0 {
		return
	}
	r := &runtime.MemStats{}
	runtime.ReadMemStats(r)
	if r.NextGC > limit/10*9 {
		if t.running.CompareAndSwap(false, true) {
			go func() {
				debug.SetMemoryLimit(math.MaxInt)
				time.Sleep(60 * time.Second)
				if limit := t.softLimit(); limit > 0 {
					debug.SetMemoryLimit(int64(limit))
				}
				for !t.running.CompareAndSwap(true, false) {
				}
			}()
		}
	}
}

func (t *memoryLimitTuner) Stop() {
	if t.finalizer != nil {
		t.finalizer.stop()
	}
}

func (t *memoryLimitTuner) GetSoftLimit() uint64 {
	return t.softLimit()
}

func (t *memoryLimitTuner) Start() {
	t.Stop()
	if limit := t.softLimit(); limit > 0 {
		debug.SetMemoryLimit(int64(limit))
	}
	t.finalizer = newFinalizer(t.tuning) // start tuning
}
