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

// Package errno holds the numeric error codes used across the module,
// mirrored on the upstream convention of a flat ErrXxx const block with a
// matching message-template table.
package errno

// Error codes used by the memory accounting subsystem.
const (
	// ErrMemExceedThreshold is raised when a tracker's consumption would
	// cross a finite limit and reclamation could not bring it back down.
	ErrMemExceedThreshold = 8001
	// ErrUnexpectedNegativeConsumption is raised (debug builds only) when
	// a non-external-metric tracker's consumption goes negative.
	ErrUnexpectedNegativeConsumption = 8002
	// ErrInvalidLocalTransferTarget is raised (debug builds only) when
	// ConsumeLocal/ReleaseLocal is called with an end tracker that is not
	// an ancestor of the caller.
	ErrInvalidLocalTransferTarget = 8003
	// ErrLocalTransferThroughLimitedTracker is raised (debug builds only)
	// when ConsumeLocal/ReleaseLocal walks through a tracker that carries
	// a limit; local transfer is only valid across limit-less trackers.
	ErrLocalTransferThroughLimitedTracker = 8004
)

// MySQLErrName maps an error code to its message template. %s/%v verbs are
// filled in by the caller via dbterror.ClassMemory.NewStd's Args.
var MySQLErrName = map[int]string{
	ErrMemExceedThreshold:                  "Out Of Memory Quota![tracker=%s, consumed=%d, limit=%d, detail=%s]",
	ErrUnexpectedNegativeConsumption:       "tracker %q has negative consumption %d without an external metric",
	ErrInvalidLocalTransferTarget:          "end_tracker %q is not an ancestor of %q",
	ErrLocalTransferThroughLimitedTracker:  "local transfer through %q is invalid: tracker has a limit",
}
