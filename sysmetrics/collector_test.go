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

package sysmetrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/require"

	"github.com/pingcap/tidb/memtracker/util/memory"
)

func TestCollectorPublishesTrackerGauges(t *testing.T) {
	root := memory.NewTracker("process", -1)
	root.Consume(2048)

	c := NewCollector("/", 0, map[string]*memory.Tracker{"process": root})
	c.sampleOnce()

	m := &dto.Metric{}
	require.NoError(t, trackerConsumption.WithLabelValues("process").Write(m))
	require.Equal(t, float64(2048), m.GetGauge().GetValue())
}

func TestRegisterAddsEveryGauge(t *testing.T) {
	reg := prometheus.NewRegistry()
	require.NoError(t, Register(reg))
	// registering twice into the same registry must fail, proving the
	// first call really did add every collector.
	require.Error(t, Register(reg))
}
