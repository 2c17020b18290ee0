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

package workload

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/pingcap/tidb/memtracker/util/memory"
)

func TestOperatorNeverExceedsTrackerLimit(t *testing.T) {
	query := memory.NewTracker("query", 1<<20)

	batches := make([]Batch, 500)
	for i := range batches {
		batches[i] = Batch{Bytes: int64(1 + i%4096)}
	}
	op := NewOperator(query, 8, batches)

	op.Run(context.Background())

	require.Equal(t, int64(0), query.Consumption())
	require.LessOrEqual(t, query.PeakConsumption(), int64(1<<20))
}

func TestOperatorSpillsWhenLimitTooSmall(t *testing.T) {
	query := memory.NewTracker("query", 100)

	batches := make([]Batch, 50)
	for i := range batches {
		batches[i] = Batch{Bytes: 40}
	}
	op := NewOperator(query, 1, batches)

	op.Run(context.Background())

	require.Positive(t, op.SpillCount())
	require.Equal(t, int64(0), query.Consumption())
}
