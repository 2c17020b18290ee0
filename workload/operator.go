// Copyright 2023 PingCAP, Inc.
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

// Package workload is a synthetic execution operator: it stands in for
// the real union/aggregation/join nodes that would call Consume, Release
// and TryConsume against an operator-level tracker while they run. It
// exists to exercise the tracker tree under concurrent load, in tests
// and in the demo CLI, not to execute anything real.
package workload

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/pingcap/tidb/memtracker/memlog"
	"github.com/pingcap/tidb/memtracker/util/memory"
)

// Batch is one unit of synthetic work: allocate Bytes and hold them until
// the worker that took the batch spills or finishes, then release them.
type Batch struct {
	Bytes int64
}

// Operator runs a fixed number of concurrent workers against tracker,
// each repeatedly reserving and releasing batches of bytes. When a
// reservation is denied it spills: it releases everything it is
// currently holding and starts over, counting the spill.
type Operator struct {
	tracker    *memory.Tracker
	workers    int
	batches    []Batch
	spillCount int
	mu         sync.Mutex
}

// NewOperator builds an Operator that drives tracker with the given
// concurrency; each batch goes to whichever worker is free to take it.
func NewOperator(tracker *memory.Tracker, workers int, batches []Batch) *Operator {
	if workers <= 0 {
		workers = 1
	}
	return &Operator{tracker: tracker, workers: workers, batches: batches}
}

// Run executes every batch exactly once, spread across the operator's
// workers, and blocks until they all finish or ctx is canceled.
func (o *Operator) Run(ctx context.Context) {
	work := make(chan Batch)
	var wg sync.WaitGroup
	for i := 0; i < o.workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			o.runWorker(ctx, work)
		}()
	}

	go func() {
		defer close(work)
		for _, b := range o.batches {
			select {
			case work <- b:
			case <-ctx.Done():
				return
			}
		}
	}()

	wg.Wait()
}

func (o *Operator) runWorker(ctx context.Context, work <-chan Batch) {
	held := int64(0)
	for {
		select {
		case b, ok := <-work:
			if !ok {
				o.tracker.Release(held)
				return
			}
			if o.tracker.TryConsume(b.Bytes) {
				held += b.Bytes
				continue
			}
			o.spill(held)
			held = 0
		case <-ctx.Done():
			o.tracker.Release(held)
			return
		}
	}
}

func (o *Operator) spill(held int64) {
	o.mu.Lock()
	o.spillCount++
	o.mu.Unlock()
	memlog.BgLogger().Info("workload operator spilled",
		zap.String("tracker", o.tracker.Label()), zap.Int64("released", held))
	o.tracker.Release(held)
}

// SpillCount returns how many times a worker had to release its held
// batches because a reservation was denied.
func (o *Operator) SpillCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.spillCount
}
