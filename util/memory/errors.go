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
	"fmt"

	"github.com/pingcap/tidb/memtracker/dbterror"
	"github.com/pingcap/tidb/memtracker/errno"
	"github.com/pingcap/tidb/memtracker/memlog"
	"go.uber.org/zap"
)

// LimitExceededError is the structured diagnostic produced by
// (*Tracker).MemLimitExceeded. Callers return it up the query stack; the
// tracker itself never raises control-flow exceptions to report it.
type LimitExceededError struct {
	// Base is the classed/coded error describing the threshold breach.
	Base *dbterror.Error

	// Tracker is the label of the tracker whose limit was exceeded.
	Tracker string
	// FailedAllocation is the size of the allocation that triggered the
	// failure, or 0 if the diagnostic was not attached to a specific
	// allocation attempt.
	FailedAllocation int64
	// Usage is a snapshot of the offending tracker's usage dump, captured
	// at diagnostic-construction time.
	Usage string
}

// newLimitExceededError builds the classed error plus usage-dump wrapper
// that (*Tracker).MemLimitExceeded returns.
func newLimitExceededError(t *Tracker, details string, failedAllocation int64) *LimitExceededError {
	usage := t.LogUsage(UnlimitedDepth, "")
	base := dbterror.ClassMemory.NewStd(
		errno.ErrMemExceedThreshold,
		t.label, t.Consumption(), t.Limit(), details,
	)
	memlog.BgLogger().Warn("memory limit exceeded",
		zap.String("tracker", t.label), zap.Int64("consumed", t.Consumption()),
		zap.Int64("limit", t.Limit()), zap.Int64("failed_allocation", failedAllocation))

	return &LimitExceededError{
		Base:             base,
		Tracker:          t.label,
		FailedAllocation: failedAllocation,
		Usage:            usage,
	}
}

// Error implements the error interface, folding in the failed allocation
// size and usage dump when present.
func (e *LimitExceededError) Error() string {
	if e.FailedAllocation > 0 {
		return fmt.Sprintf("%s (failed allocation: %d bytes)\n%s", e.Base.Error(), e.FailedAllocation, e.Usage)
	}
	return fmt.Sprintf("%s\n%s", e.Base.Error(), e.Usage)
}
