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

import "sync/atomic"

// Counter is an atomic byte accumulator paired with an independently
// tracked high-water mark. It is the leaf-level primitive that every
// Tracker node wraps; a Tracker either owns one locally or borrows one
// that is held elsewhere (e.g. by runtime profile infrastructure).
type Counter struct {
	current atomic.Int64
	peak    atomic.Int64
}

// Current returns the current value.
func (c *Counter) Current() int64 {
	return c.current.Load()
}

// Peak returns the monotonic maximum value ever observed.
func (c *Counter) Peak() int64 {
	return c.peak.Load()
}

// Add adds delta unconditionally and republishes the peak if the new
// value exceeds it. Negative deltas move current down but never pull
// the peak down with it.
func (c *Counter) Add(delta int64) int64 {
	newVal := c.current.Add(delta)
	c.publishPeak(newVal)
	return newVal
}

// TryAdd adds delta only if the resulting value would not exceed limit.
// It returns true and applies the update on success; on failure it
// leaves the counter untouched and returns false. Implemented as a CAS
// loop so that a true result is linearizable: the counter has advanced
// by exactly delta, nothing more and nothing less.
func (c *Counter) TryAdd(delta int64, limit int64) bool {
	for {
		cur := c.current.Load()
		next := cur + delta
		if next > limit {
			return false
		}
		if c.current.CompareAndSwap(cur, next) {
			c.publishPeak(next)
			return true
		}
	}
}

// Set stores v unconditionally, bypassing Add's delta semantics. Used
// only by a root tracker that derives its consumption from an external
// metric rather than from Consume/Release calls.
func (c *Counter) Set(v int64) {
	c.current.Store(v)
	c.publishPeak(v)
}

func (c *Counter) publishPeak(val int64) {
	for {
		peak := c.peak.Load()
		if val <= peak {
			return
		}
		if c.peak.CompareAndSwap(peak, val) {
			return
		}
	}
}
