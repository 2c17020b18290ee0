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

// Package sysmetrics is the system metrics collector described by the
// accounting tree's external interfaces: it periodically samples host
// CPU/memory/disk/FD usage via gopsutil, samples named Tracker roots'
// Consumption, and republishes both as Prometheus gauges. It never calls
// back into a tracker beyond reading Consumption/PeakConsumption.
package sysmetrics

import (
	"context"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/process"

	"github.com/pingcap/tidb/memtracker/memlog"
	"github.com/pingcap/tidb/memtracker/util/memory"
	"go.uber.org/zap"
)

// Namespace and subsystem used for every gauge this package registers.
const (
	namespace = "memtracker"
	subsystem = "sysmetrics"
)

var (
	hostCPUPercent = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace, Subsystem: subsystem,
		Name: "host_cpu_percent", Help: "Host-wide CPU utilization percentage.",
	})
	hostMemUsedPercent = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace, Subsystem: subsystem,
		Name: "host_mem_used_percent", Help: "Host-wide memory utilization percentage.",
	})
	hostDiskUsedPercent = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace, Subsystem: subsystem,
		Name: "host_disk_used_percent", Help: "Disk utilization percentage of the data directory's filesystem.",
	})
	processOpenFDs = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace, Subsystem: subsystem,
		Name: "process_open_fds", Help: "Number of open file descriptors held by this process.",
	})
	trackerConsumption = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace, Subsystem: subsystem,
		Name: "tracker_consumption_bytes", Help: "Current byte consumption of a named root tracker.",
	}, []string{"tracker"})
	trackerPeak = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace, Subsystem: subsystem,
		Name: "tracker_peak_consumption_bytes", Help: "Peak byte consumption of a named root tracker.",
	}, []string{"tracker"})
)

// Register adds every gauge this package owns to reg. Call it once at
// process startup before Run.
func Register(reg prometheus.Registerer) error {
	for _, c := range []prometheus.Collector{
		hostCPUPercent, hostMemUsedPercent, hostDiskUsedPercent,
		processOpenFDs, trackerConsumption, trackerPeak,
	} {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}

// Collector periodically samples host stats and a fixed set of named
// roots, republishing both as the package's Prometheus gauges.
type Collector struct {
	dataDir  string
	roots    map[string]*memory.Tracker
	interval time.Duration
}

// NewCollector builds a Collector that samples roots every interval.
// dataDir names the filesystem whose disk usage is reported; pass "/"
// when there is no dedicated data directory.
func NewCollector(dataDir string, interval time.Duration, roots map[string]*memory.Tracker) *Collector {
	return &Collector{dataDir: dataDir, roots: roots, interval: interval}
}

// Run samples on a fixed interval until ctx is canceled.
func (c *Collector) Run(ctx context.Context) {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.sampleOnce()
		case <-ctx.Done():
			return
		}
	}
}

func (c *Collector) sampleOnce() {
	if pct, err := cpu.Percent(0, false); err == nil && len(pct) > 0 {
		hostCPUPercent.Set(pct[0])
	} else if err != nil {
		memlog.BgLogger().Warn("sysmetrics: read cpu percent failed", zap.Error(err))
	}

	if vm, err := mem.VirtualMemory(); err == nil {
		hostMemUsedPercent.Set(vm.UsedPercent)
	} else {
		memlog.BgLogger().Warn("sysmetrics: read virtual memory failed", zap.Error(err))
	}

	if du, err := disk.Usage(c.dataDir); err == nil {
		hostDiskUsedPercent.Set(du.UsedPercent)
	} else {
		memlog.BgLogger().Warn("sysmetrics: read disk usage failed", zap.Error(err), zap.String("path", c.dataDir))
	}

	if proc, err := process.NewProcess(int32(os.Getpid())); err == nil {
		if n, err := proc.NumFDs(); err == nil {
			processOpenFDs.Set(float64(n))
		}
	}

	for name, t := range c.roots {
		trackerConsumption.WithLabelValues(name).Set(float64(t.Consumption()))
		trackerPeak.WithLabelValues(name).Set(float64(t.PeakConsumption()))
	}
}
