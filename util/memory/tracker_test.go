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
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestNewTrackerDefaults(t *testing.T) {
	root := NewTracker("root", -1)
	require.Equal(t, "root", root.Label())
	require.Equal(t, int64(0), root.Consumption())
	require.False(t, root.HasLimit())
	require.Nil(t, root.Parent())
	require.Empty(t, root.Children())
}

func TestConsumeReleasePropagateToAncestors(t *testing.T) {
	root := NewTracker("root", -1)
	pool := NewTypedTracker("pool", QueryPool, -1, root)
	query := NewTypedTracker("query", Query, -1, pool)

	query.Consume(100)
	require.Equal(t, int64(100), query.Consumption())
	require.Equal(t, int64(100), pool.Consumption())
	require.Equal(t, int64(100), root.Consumption())

	query.Release(40)
	require.Equal(t, int64(60), query.Consumption())
	require.Equal(t, int64(60), pool.Consumption())
	require.Equal(t, int64(60), root.Consumption())
}

func TestPeakConsumptionNeverDecreases(t *testing.T) {
	c := &Counter{}
	c.Add(100)
	c.Add(-60)
	require.Equal(t, int64(40), c.Current())
	require.Equal(t, int64(100), c.Peak())
	c.Add(20)
	require.Equal(t, int64(100), c.Peak())
}

// S1: a single consume below the limit succeeds and is visible at every
// ancestor.
func TestTryConsumeSucceedsBelowLimit(t *testing.T) {
	root := NewTracker("root", 1000)
	query := NewTypedTracker("query", Query, 500, root)

	require.True(t, query.TryConsume(100))
	require.Equal(t, int64(100), query.Consumption())
	require.Equal(t, int64(100), root.Consumption())
}

// S2: a reservation that would cross a leaf limit fails and leaves every
// tracker in the chain, including unrelated ancestors, untouched.
func TestTryConsumeFailsAndRollsBack(t *testing.T) {
	root := NewTracker("root", 1000)
	query := NewTypedTracker("query", Query, 50, root)

	require.True(t, query.TryConsume(40))
	require.False(t, query.TryConsume(40))

	require.Equal(t, int64(40), query.Consumption())
	require.Equal(t, int64(40), root.Consumption())
}

// S3: a reservation that would cross an ancestor's limit (not the leaf's
// own) also fails cleanly; the chain is walked root first, so the leaf
// is never credited and both counters keep their earlier values.
func TestTryConsumeFailsOnAncestorLimit(t *testing.T) {
	root := NewTracker("root", 100)
	query := NewTypedTracker("query", Query, -1, root)

	require.True(t, query.TryConsume(90))
	require.False(t, query.TryConsume(20))

	require.Equal(t, int64(90), query.Consumption())
	require.Equal(t, int64(90), root.Consumption())
}

// S4: a GC callback that frees enough memory lets a retry succeed
// in-place, with no observable failure to the caller.
func TestTryConsumeRunsGCCallbackAndRetries(t *testing.T) {
	root := NewTracker("root", -1)
	query := NewTypedTracker("query", Query, 100, root)

	var spilled atomic.Int64
	query.AddGCCallback(func(bytesToFree int64) {
		query.Release(bytesToFree)
		spilled.Add(bytesToFree)
	})

	require.True(t, query.TryConsume(80))
	require.True(t, query.TryConsume(40))

	require.Positive(t, spilled.Load())
	require.Equal(t, int64(1), query.NumGCs())
	require.LessOrEqual(t, query.Consumption(), int64(100))
}

// S5: when no callback frees enough, TryConsume still reports failure
// and still leaves consumption consistent.
func TestTryConsumeGCInsufficientStillFails(t *testing.T) {
	root := NewTracker("root", -1)
	query := NewTypedTracker("query", Query, 100, root)

	query.AddGCCallback(func(bytesToFree int64) {
		query.Release(1)
	})

	require.True(t, query.TryConsume(90))
	require.False(t, query.TryConsume(50))
	require.Equal(t, int64(1), query.NumGCs())
	require.Equal(t, int64(89), query.Consumption())
}

func TestLimitQueries(t *testing.T) {
	root := NewTracker("root", 1000)
	pool := NewTypedTracker("pool", QueryPool, 200, root)
	query := NewTypedTracker("query", Query, -1, pool)

	require.Equal(t, int64(200), query.LowestLimit())
	require.False(t, query.AnyLimitExceeded())

	query.Consume(250)
	require.True(t, query.AnyLimitExceeded())
	exceeded := query.FindLimitExceededTracker()
	require.NotNil(t, exceeded)
	require.Equal(t, "pool", exceeded.Label())
}

// S6: closing a subtree detaches it from its parent's child list without
// touching sibling accounting.
func TestCloseDetachesFromParent(t *testing.T) {
	root := NewTracker("root", -1)
	a := NewTypedTracker("a", Query, -1, root)
	NewTypedTracker("b", Query, -1, root)

	require.Len(t, root.Children(), 2)
	a.Close()
	require.Len(t, root.Children(), 1)
	require.Equal(t, "b", root.Children()[0].Label())

	// Idempotent: closing again does nothing and does not panic.
	a.Close()
	require.Len(t, root.Children(), 1)
}

func TestConsumeLocalTransfersWithoutDoubleCountingAncestor(t *testing.T) {
	root := NewTracker("root", -1)
	fragmentA := NewTypedTracker("fragA", Load, -1, root)
	fragmentB := NewTypedTracker("fragB", Load, -1, root)

	fragmentA.Consume(100)
	require.Equal(t, int64(100), root.Consumption())

	fragmentA.ReleaseLocal(100, root)
	fragmentB.ConsumeLocal(100, root)

	require.Equal(t, int64(0), fragmentA.Consumption())
	require.Equal(t, int64(100), fragmentB.Consumption())
	require.Equal(t, int64(100), root.Consumption())
}

func TestRootTrackerRefreshesFromExternalMetric(t *testing.T) {
	var gauge atomic.Int64
	gauge.Store(4096)
	root := NewRootTracker("allocator", gauge.Load)

	root.RefreshFromMetric()
	require.Equal(t, int64(4096), root.Consumption())

	gauge.Store(8192)
	root.RefreshFromMetric()
	require.Equal(t, int64(8192), root.Consumption())
}

// S8.6: an external-metric root is isolated from Consume/Release — both
// just resync from the metric instead of adding bytes, and TryConsume
// refreshes it before evaluating its (absent) limit.
func TestExternalMetricRootIsolatedFromConsumeAndRelease(t *testing.T) {
	var gauge atomic.Int64
	gauge.Store(1000)
	root := NewRootTracker("allocator", gauge.Load)

	root.Consume(999999)
	require.Equal(t, int64(1000), root.Consumption())

	gauge.Store(2000)
	root.Release(1)
	require.Equal(t, int64(2000), root.Consumption())

	child := NewTypedTracker("child", Query, -1, root)
	gauge.Store(3000)
	require.True(t, child.TryConsume(50))
	require.Equal(t, int64(3050), root.Consumption())
	require.Equal(t, int64(50), child.Consumption())
}

func TestLogUsageSuppressesAllZeroSubtree(t *testing.T) {
	root := NewTracker("root", -1)
	pool := NewTypedTracker("pool", QueryPool, -1, root)
	pool.logUsageIfZero = false
	_ = NewTypedTracker("idle_query", Query, -1, pool)

	out := root.LogUsage(UnlimitedDepth, "")
	require.NotContains(t, out, "idle_query")

	busy := NewTypedTracker("busy_query", Query, -1, pool)
	busy.Consume(10)
	out = root.LogUsage(UnlimitedDepth, "")
	require.Contains(t, out, "busy_query")
	require.Contains(t, out, "pool")
}

func TestListMemUsageFlattensSubtree(t *testing.T) {
	root := NewTracker("root", -1)
	pool := NewTypedTracker("pool", QueryPool, -1, root)
	query := NewTypedTracker("query", Query, -1, pool)
	query.Consume(64)

	var out []UsageRecord
	root.ListMemUsage(&out, 0, UnlimitedDepth)

	require.Len(t, out, 3)
	byLabel := map[string]UsageRecord{}
	for _, r := range out {
		byLabel[r.Label] = r
	}
	require.Equal(t, int64(64), byLabel["query"].Current)
	require.Equal(t, "pool", byLabel["query"].ParentLabel)
}

func TestMemLimitExceededDiagnostic(t *testing.T) {
	root := NewTracker("root", -1)
	query := NewTypedTracker("query", Query, 100, root)
	query.Consume(150)

	err := query.MemLimitExceeded("insert batch", 50)
	require.Equal(t, "query", err.Tracker)
	require.Equal(t, int64(50), err.FailedAllocation)
	require.Contains(t, err.Error(), "query")
	require.Contains(t, err.Error(), "failed allocation: 50 bytes")
}

func TestConcurrentTryConsumeNeverOverLimit(t *testing.T) {
	root := NewTracker("root", 10_000)
	query := NewTypedTracker("query", Query, -1, root)

	var wg sync.WaitGroup
	var succeeded atomic.Int64
	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				if query.TryConsume(10) {
					succeeded.Add(1)
				}
			}
		}()
	}
	wg.Wait()

	require.Equal(t, succeeded.Load()*10, root.Consumption())
	require.LessOrEqual(t, root.Consumption(), int64(10_000))
}
