// Copyright 2020 PingCAP, Inc.
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
	"context"
	"fmt"
	"os"
	"path/filepath"
	rpprof "runtime/pprof"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/pingcap/tidb/memtracker/memlog"
	"github.com/pingcap/tidb/memtracker/util/memory"
)

// AlarmReason names why the alarm fired.
type AlarmReason uint

// Alarm reasons.
const (
	GrowTooFast AlarmReason = iota
	ExceedAlarmRatio
	NoReason
)

func (r AlarmReason) String() string {
	return [...]string{"memory usage grows too fast", "memory usage exceeds alarm ratio", "no reason"}[r]
}

// Alarm watches a process-level root tracker and, when its consumption
// is above ratio * limit, logs a warning naming the root and writes a
// record directory under recordDir holding the ten heaviest trackers of
// its subtree plus a heap and goroutine profile. While consumption stays
// above the threshold, a new record is written only after 60 seconds
// have passed since the last one, or when consumption has grown by more
// than a tenth of the limit since then.
type Alarm struct {
	root      *memory.Tracker
	ratio     float64
	recordDir string

	lastCheck   time.Time
	lastUsage   int64
	keepRecords int
	records     []string
	seq         int
}

// NewAlarm builds an Alarm over root, firing once consumption exceeds
// ratio of root's limit (0 < ratio < 1). Heap/goroutine dumps are
// written under recordDir, and at most keepRecords of them are kept.
func NewAlarm(root *memory.Tracker, ratio float64, recordDir string, keepRecords int) *Alarm {
	return &Alarm{root: root, ratio: ratio, recordDir: recordDir, keepRecords: keepRecords}
}

// Run polls root's consumption every interval until ctx is canceled.
func (a *Alarm) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			a.check()
		case <-ctx.Done():
			return
		}
	}
}

func (a *Alarm) check() {
	if a.ratio <= 0.0 || a.ratio >= 1.0 || !a.root.HasLimit() {
		return
	}
	usage := a.root.Consumption()
	threshold := int64(float64(a.root.Limit()) * a.ratio)
	if usage <= threshold {
		return
	}

	reason := NoReason
	switch {
	case time.Since(a.lastCheck) > 60*time.Second:
		reason = ExceedAlarmRatio
	case float64(usage-a.lastUsage) > 0.1*float64(a.root.Limit()):
		reason = GrowTooFast
	default:
		return
	}

	a.lastCheck = time.Now()
	a.lastUsage = usage
	a.record(usage, reason)
}

func (a *Alarm) record(usage int64, reason AlarmReason) {
	memlog.BgLogger().Warn(fmt.Sprintf("tracker root has the risk of OOM because of %s", reason),
		zap.String("tracker", a.root.Label()), zap.Int64("consumption", usage),
		zap.Int64("limit", a.root.Limit()))

	a.seq++
	dir := filepath.Join(a.recordDir, fmt.Sprintf("record%s-%d", time.Now().Format(time.RFC3339), a.seq))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		memlog.BgLogger().Error("sysmetrics: create oom record dir failed", zap.Error(err))
		return
	}
	a.records = append(a.records, dir)

	a.writeTopConsumers(dir)
	a.writeProfile(dir, "heap", 0)
	a.writeProfile(dir, "goroutine", 2)

	a.prune()
}

func (a *Alarm) prune() {
	for len(a.records) > a.keepRecords {
		_ = os.RemoveAll(a.records[0])
		a.records = a.records[1:]
	}
}

func (a *Alarm) writeTopConsumers(dir string) {
	var rows []memory.UsageRecord
	a.root.ListMemUsage(&rows, 0, memory.UnlimitedDepth)
	sort.Slice(rows, func(i, j int) bool { return rows[i].Current > rows[j].Current })
	if len(rows) > 10 {
		rows = rows[:10]
	}

	f, err := os.Create(filepath.Join(dir, "top_consumers"))
	if err != nil {
		memlog.BgLogger().Error("sysmetrics: create top consumers file failed", zap.Error(err))
		return
	}
	defer f.Close()
	for i, r := range rows {
		fmt.Fprintf(f, "%d: tracker=%s parent=%s level=%d consumption=%d peak=%d\n",
			i, r.Label, r.ParentLabel, r.Level, r.Current, r.Peak)
	}
}

func (a *Alarm) writeProfile(dir, name string, debug int) {
	f, err := os.Create(filepath.Join(dir, name))
	if err != nil {
		memlog.BgLogger().Error(fmt.Sprintf("sysmetrics: create %s profile file failed", name), zap.Error(err))
		return
	}
	defer f.Close()
	if err := rpprof.Lookup(name).WriteTo(f, debug); err != nil {
		memlog.BgLogger().Error(fmt.Sprintf("sysmetrics: write %s profile failed", name), zap.Error(err))
	}
}
