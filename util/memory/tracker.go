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

// Package memory implements a hierarchical, byte-granular memory
// accounting tree: a root tracker for the whole worker process, with
// nested trackers for resource pools, queries, fragment instances and
// operators. Every node shares the same small surface (Consume, Release,
// TryConsume, LogUsage) regardless of its depth.
package memory

import (
	"sync"
	"sync/atomic"

	"github.com/pingcap/tidb/memtracker/errno"
	"github.com/pingcap/tidb/memtracker/memlog"
	"go.uber.org/zap"
)

// TrackerType categorizes a node for reporting, mirroring the handful of
// levels the accounting tree actually cares about. It does not affect
// accounting behavior.
type TrackerType int

// Tracker categories.
const (
	Unset TrackerType = iota
	Process
	QueryPool
	Query
	Load
)

func (t TrackerType) String() string {
	switch t {
	case Process:
		return "process"
	case QueryPool:
		return "query_pool"
	case Query:
		return "query"
	case Load:
		return "load"
	default:
		return "unset"
	}
}

// ExternalMetric is a gauge function a root tracker can bind to instead
// of accumulating its own consumption. RefreshFromMetric samples it.
type ExternalMetric func() int64

// noLimit is the sentinel stored in limit when a tracker has no ceiling.
const noLimit int64 = -1

// UnlimitedDepth tells LogUsage and ListMemUsage to recurse the whole
// subtree instead of stopping at a fixed depth.
const UnlimitedDepth = -1

// Tracker is one node of the accounting tree. The zero value is not
// usable; construct one with NewTracker, NewTypedTracker,
// NewTrackerFromCounter or NewRootTracker.
type Tracker struct {
	label string
	typ   TrackerType

	limit atomic.Int64

	parent *Tracker

	consumption    *Counter
	externalMetric ExternalMetric

	// ancestorChain is every ancestor from the root down to (not
	// including) this node, precomputed once at construction so that
	// Consume/Release/TryConsume never walk parent pointers.
	ancestorChain []*Tracker
	// limitedAncestorChain is the subset of ancestorChain that carries a
	// finite limit, in the same root-to-parent order.
	limitedAncestorChain []*Tracker

	childMu     sync.Mutex
	children    []*Tracker
	idxInParent int

	gcMu               sync.Mutex
	gcCallbacks        []GCFunc
	numGCs             atomic.Int64
	bytesFreedByLastGC atomic.Int64

	autoUnregister bool
	logUsageIfZero bool

	closed atomic.Bool
}

func newTracker(label string, typ TrackerType, bytesLimit int64, parent *Tracker, counter *Counter, metric ExternalMetric, autoUnregister bool) *Tracker {
	t := &Tracker{
		label:          label,
		typ:            typ,
		parent:         parent,
		consumption:    counter,
		externalMetric: metric,
		autoUnregister: autoUnregister,
		logUsageIfZero: false,
	}
	if t.consumption == nil {
		t.consumption = &Counter{}
	}
	t.limit.Store(bytesLimit)

	if parent != nil {
		t.ancestorChain = make([]*Tracker, 0, len(parent.ancestorChain)+1)
		t.ancestorChain = append(t.ancestorChain, parent.ancestorChain...)
		t.ancestorChain = append(t.ancestorChain, parent)

		t.limitedAncestorChain = make([]*Tracker, 0, len(parent.limitedAncestorChain)+1)
		t.limitedAncestorChain = append(t.limitedAncestorChain, parent.limitedAncestorChain...)
		if parent.HasLimit() {
			t.limitedAncestorChain = append(t.limitedAncestorChain, parent)
		}

		parent.registerChild(t)
	}

	return t
}

// NewTracker builds a root tracker: no parent, an optional byte limit (a
// negative bytesLimit means unlimited).
func NewTracker(label string, bytesLimit int64) *Tracker {
	return newTracker(label, Unset, bytesLimit, nil, nil, nil, true)
}

// NewTypedTracker builds a tracker of the given category, attached under
// parent, with its own locally-owned Counter.
func NewTypedTracker(label string, typ TrackerType, bytesLimit int64, parent *Tracker) *Tracker {
	return newTracker(label, typ, bytesLimit, parent, nil, nil, true)
}

// NewTrackerFromCounter builds a tracker attached under parent that
// shares a caller-owned Counter (e.g. one a runtime profile also reads)
// instead of allocating its own.
func NewTrackerFromCounter(label string, bytesLimit int64, parent *Tracker, counter *Counter) *Tracker {
	return newTracker(label, Unset, bytesLimit, parent, counter, nil, true)
}

// NewRootTracker builds a parentless tracker whose consumption is
// derived entirely from an external gauge (RefreshFromMetric), standing
// in for an allocator's own byte counter. It is never auto-unregistered
// since it has nothing to unregister from.
func NewRootTracker(label string, metric ExternalMetric) *Tracker {
	return newTracker(label, Process, noLimit, nil, nil, metric, false)
}

func (t *Tracker) registerChild(c *Tracker) {
	t.childMu.Lock()
	defer t.childMu.Unlock()
	c.idxInParent = len(t.children)
	t.children = append(t.children, c)
}

// unregisterFromParent removes t from its parent's child list in O(1) by
// swapping with the last element. It is a no-op if t has no parent or
// has already been unregistered.
func (t *Tracker) unregisterFromParent() {
	p := t.parent
	if p == nil {
		return
	}
	p.childMu.Lock()
	defer p.childMu.Unlock()

	idx := t.idxInParent
	last := len(p.children) - 1
	if idx < 0 || idx > last || p.children[idx] != t {
		return
	}
	p.children[idx] = p.children[last]
	p.children[idx].idxInParent = idx
	p.children = p.children[:last]
}

// Label returns the tracker's name.
func (t *Tracker) Label() string { return t.label }

// Type returns the tracker's category.
func (t *Tracker) Type() TrackerType { return t.typ }

// Parent returns the tracker's parent, or nil for a root.
func (t *Tracker) Parent() *Tracker { return t.parent }

// Children returns a snapshot of the tracker's current children. The
// slice is a copy; mutating it does not affect the tree.
func (t *Tracker) Children() []*Tracker {
	t.childMu.Lock()
	defer t.childMu.Unlock()
	out := make([]*Tracker, len(t.children))
	copy(out, t.children)
	return out
}

// Limit returns the tracker's byte limit, or a negative value if it has
// none.
func (t *Tracker) Limit() int64 { return t.limit.Load() }

// HasLimit reports whether the tracker has a finite limit.
func (t *Tracker) HasLimit() bool { return t.limit.Load() >= 0 }

// SetLimit changes the tracker's limit. A negative value removes it.
func (t *Tracker) SetLimit(bytesLimit int64) { t.limit.Store(bytesLimit) }

// Consumption returns the tracker's current byte consumption.
func (t *Tracker) Consumption() int64 { return t.consumption.Current() }

// PeakConsumption returns the tracker's highest-ever byte consumption.
func (t *Tracker) PeakConsumption() int64 { return t.consumption.Peak() }

// LimitExceeded reports whether the tracker has a limit and is currently
// over it.
func (t *Tracker) LimitExceeded() bool {
	limit := t.Limit()
	return limit >= 0 && t.Consumption() > limit
}

// AnyLimitExceeded reports whether this tracker or any ancestor in its
// limited ancestor chain currently exceeds its limit.
func (t *Tracker) AnyLimitExceeded() bool {
	return t.FindLimitExceededTracker() != nil
}

// FindLimitExceededTracker returns the first tracker, walking from the
// root down to and including this node, whose limit is currently
// exceeded, or nil if none is.
func (t *Tracker) FindLimitExceededTracker() *Tracker {
	for _, node := range t.limitedAncestorChain {
		if node.LimitExceeded() {
			return node
		}
	}
	if t.LimitExceeded() {
		return t
	}
	return nil
}

// LowestLimit returns the smallest limit among this tracker and its
// limited ancestors, or a negative value if none of them has one.
func (t *Tracker) LowestLimit() int64 {
	lowest := int64(-1)
	for _, node := range t.limitedAncestorChain {
		l := node.Limit()
		if lowest < 0 || l < lowest {
			lowest = l
		}
	}
	if t.HasLimit() {
		l := t.Limit()
		if lowest < 0 || l < lowest {
			lowest = l
		}
	}
	return lowest
}

// SpareCapacity returns the smallest remaining headroom (limit minus
// consumption) among this tracker and its limited ancestors. It returns
// a very large value if none of them has a limit.
func (t *Tracker) SpareCapacity() int64 {
	const unbounded = int64(1) << 62
	spare := unbounded
	for _, node := range t.limitedAncestorChain {
		if s := node.Limit() - node.Consumption(); s < spare {
			spare = s
		}
	}
	if t.HasLimit() {
		if s := t.Limit() - t.Consumption(); s < spare {
			spare = s
		}
	}
	return spare
}

// consumeChain returns the root-to-self path used by Consume/Release/
// TryConsume: every ancestor, then this node itself.
func (t *Tracker) consumeChain() []*Tracker {
	chain := make([]*Tracker, len(t.ancestorChain)+1)
	copy(chain, t.ancestorChain)
	chain[len(chain)-1] = t
	return chain
}

// Consume adds bytes (which may be negative) to this tracker and to
// every ancestor, unconditionally. It never fails and never triggers
// reclamation; use TryConsume when a limit must be respected.
//
// A tracker built with NewRootTracker derives its consumption entirely
// from its bound ExternalMetric: Consume ignores bytes and refreshes
// from the metric instead of propagating, since the metric is already
// the authority on that node's usage.
func (t *Tracker) Consume(bytes int64) {
	if t.externalMetric != nil {
		t.RefreshFromMetric()
		return
	}
	if bytes == 0 {
		return
	}
	newVal := t.consumption.Current() + bytes
	assertf(newVal >= 0, errno.MySQLErrName[errno.ErrUnexpectedNegativeConsumption], t.label, newVal)
	for _, node := range t.consumeChain() {
		node.consumption.Add(bytes)
	}
}

// Release is Consume(-bytes); bytes must be non-negative.
func (t *Tracker) Release(bytes int64) {
	if t.externalMetric != nil {
		t.RefreshFromMetric()
		return
	}
	if bytes == 0 {
		return
	}
	t.Consume(-bytes)
}

// TryConsume attempts to add bytes to this tracker and to every ancestor
// in the same top-down order try_consume uses in the original tracker:
// walk from the root to this node, and at every node that carries a
// limit, try the add and, on failure, run that node's GC callbacks once
// and retry before giving up. If any node in the chain still cannot
// absorb bytes after its one retry, every byte already credited to an
// earlier node in the chain is rolled back and TryConsume returns false.
// Nodes without a limit always succeed and are added unconditionally.
func (t *Tracker) TryConsume(bytes int64) bool {
	if bytes <= 0 {
		if bytes < 0 {
			t.Release(-bytes)
		}
		return true
	}

	chain := t.consumeChain()
	succeeded := make([]*Tracker, 0, len(chain))

	for _, node := range chain {
		if node.externalMetric != nil {
			node.RefreshFromMetric()
		}

		if !node.HasLimit() {
			node.consumption.Add(bytes)
			succeeded = append(succeeded, node)
			continue
		}

		limit := node.Limit()
		if node.consumption.TryAdd(bytes, limit) {
			succeeded = append(succeeded, node)
			continue
		}

		node.gcMemory(limit - bytes)
		if node.consumption.TryAdd(bytes, limit) {
			succeeded = append(succeeded, node)
			continue
		}

		for _, done := range succeeded {
			done.consumption.Add(-bytes)
		}
		return false
	}

	return true
}

// ConsumeLocal applies bytes to this tracker and to its ancestors up to,
// but not including, end, without re-charging end or anything above it.
// It is used when bytes have already been charged against end (or one
// of its other descendants) and are simply being attributed to a
// different subtree underneath it. end must be an ancestor of t, or t
// itself is a valid (degenerate, no-op) case.
func (t *Tracker) ConsumeLocal(bytes int64, end *Tracker) {
	if bytes == 0 {
		return
	}
	node := t
	for node != nil && node != end {
		assertf(!node.HasLimit(), errno.MySQLErrName[errno.ErrLocalTransferThroughLimitedTracker], node.label)
		node.consumption.Add(bytes)
		node = node.parent
	}
	if node == nil {
		assertf(false, errno.MySQLErrName[errno.ErrInvalidLocalTransferTarget], end.Label(), t.label)
	}
}

// ReleaseLocal is ConsumeLocal(-bytes, end).
func (t *Tracker) ReleaseLocal(bytes int64, end *Tracker) {
	if bytes == 0 {
		return
	}
	t.ConsumeLocal(-bytes, end)
}

// RefreshFromMetric overwrites the tracker's consumption with the
// current reading of its bound ExternalMetric. It is a no-op on a
// tracker that was not built with NewRootTracker.
func (t *Tracker) RefreshFromMetric() {
	if t.externalMetric == nil {
		return
	}
	t.consumption.Set(t.externalMetric())
}

// Close detaches the tracker from its parent and severs its external
// metric binding, if any. It is idempotent: calling it more than once,
// or concurrently, does nothing beyond the first call. Close does not
// wait for or invalidate in-flight Consume/Release/TryConsume calls
// against this tracker or its descendants; that coordination is the
// caller's responsibility.
func (t *Tracker) Close() {
	if !t.closed.CompareAndSwap(false, true) {
		return
	}
	t.externalMetric = nil
	if t.autoUnregister {
		t.unregisterFromParent()
	}
	memlog.BgLogger().Info("tracker closed",
		zap.String("tracker", t.label), zap.Int64("consumption", t.Consumption()))
}

// UnregisterFromParent is an alias for Close kept for callers that only
// ever mean "detach from the tree" and find that name clearer at the
// call site.
func (t *Tracker) UnregisterFromParent() {
	t.Close()
}
