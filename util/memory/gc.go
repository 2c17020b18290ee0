// Copyright 2018 PingCAP, Inc.
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

package memory

import (
	"github.com/pingcap/tidb/memtracker/memlog"
	"go.uber.org/zap"
)

// GCFunc is a reclamation callback. It should try to free at least
// bytesToFree bytes of memory tracked against the node it was registered
// on. Callbacks must be non-blocking and must not call back into the
// tracker, other than Release.
type GCFunc func(bytesToFree int64)

// AddGCCallback registers fn to run, in registration order, whenever a
// try_consume against this node or a descendant's ancestor chain finds the
// node's limit in the way. The list is write-once at setup time in
// practice (callers add callbacks during construction) and is only ever
// read under t.gcMu, never mutated concurrently with a GC.
func (t *Tracker) AddGCCallback(fn GCFunc) {
	t.gcMu.Lock()
	defer t.gcMu.Unlock()
	t.gcCallbacks = append(t.gcCallbacks, fn)
}

// gcMemory is invoked only from inside TryConsume, once per ancestor whose
// try_add failed. It re-reads consumption under the node-local GC lock: if
// a concurrent release already brought the node back under
// maxConsumption, no callback runs at all. Otherwise registered callbacks
// fire at most once each, in order, with a bytesToFree that shrinks as
// consumption drops; the remaining callbacks are skipped once consumption
// is at or below maxConsumption. It returns true if the node is still
// over maxConsumption afterwards.
func (t *Tracker) gcMemory(maxConsumption int64) (stillOver bool) {
	t.gcMu.Lock()
	defer t.gcMu.Unlock()

	current := t.consumption.Current()
	if current <= maxConsumption {
		t.numGCs.Add(1)
		t.bytesFreedByLastGC.Store(0)
		return false
	}

	freedBefore := current
	for _, cb := range t.gcCallbacks {
		bytesToFree := current - maxConsumption
		if bytesToFree <= 0 {
			break
		}
		cb(bytesToFree)
		current = t.consumption.Current()
	}

	t.numGCs.Add(1)
	freed := freedBefore - current
	t.bytesFreedByLastGC.Store(freed)

	stillOver = current > maxConsumption
	if stillOver {
		memlog.BgLogger().Warn("memory reclamation did not free enough to satisfy reservation",
			zap.String("tracker", t.label), zap.Int64("freed", freed),
			zap.Int64("current", current), zap.Int64("target", maxConsumption))
	} else {
		memlog.BgLogger().Info("memory reclaimed",
			zap.String("tracker", t.label), zap.Int64("freed", freed))
	}
	return stillOver
}

// NumGCs returns the number of times gcMemory has run for this node.
func (t *Tracker) NumGCs() int64 {
	return t.numGCs.Load()
}

// BytesFreedByLastGC returns the number of bytes freed by the most recent
// gcMemory invocation, or 0 if none has run yet.
func (t *Tracker) BytesFreedByLastGC() int64 {
	return t.bytesFreedByLastGC.Load()
}
