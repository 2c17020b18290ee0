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
	"strings"
)

// UsageRecord is one row of a flattened subtree dump produced by
// ListMemUsage, mirroring the original tracker's list_mem_usage output.
type UsageRecord struct {
	Label       string
	ParentLabel string
	Level       int
	Limit       int64
	Current     int64
	Peak        int64
}

// LogUsage renders this tracker's subtree as an indented, human-readable
// tree, descending at most maxDepth levels below this node (pass
// UnlimitedDepth for no limit). prefix is prepended to every line; pass
// "" at the top level.
//
// A subtree is omitted entirely when its own consumption is zero and
// every child that would otherwise be displayed is also omitted
// (log_usage_if_zero == false suppression is bottom-up): children are
// rendered first, and the parent line is only emitted if it has nonzero
// consumption, is flagged logUsageIfZero, or at least one child produced
// output.
func (t *Tracker) LogUsage(maxDepth int, prefix string) string {
	var sb strings.Builder
	t.logUsage(&sb, prefix, 0, maxDepth)
	return sb.String()
}

func (t *Tracker) logUsage(sb *strings.Builder, prefix string, depth, maxDepth int) bool {
	var childOut strings.Builder
	producedChild := false
	if maxDepth == UnlimitedDepth || depth < maxDepth {
		for _, c := range t.Children() {
			if c.logUsage(&childOut, prefix+"  ", depth+1, maxDepth) {
				producedChild = true
			}
		}
	}

	if t.Consumption() == 0 && !t.logUsageIfZero && !producedChild {
		return false
	}

	fmt.Fprintf(sb, "%s%s: type=%s consumption=%d peak=%d", prefix, t.label, t.typ, t.Consumption(), t.PeakConsumption())
	if t.HasLimit() {
		fmt.Fprintf(sb, " limit=%d", t.Limit())
	}
	sb.WriteByte('\n')
	sb.WriteString(childOut.String())
	return true
}

// ListMemUsage flattens this tracker's subtree into out, descending from
// curLevel up to and including upperLevel (pass UnlimitedDepth for no
// limit). Unlike LogUsage it includes every node regardless of
// logUsageIfZero, matching list_mem_usage's unconditional dump.
func (t *Tracker) ListMemUsage(out *[]UsageRecord, curLevel, upperLevel int) {
	parentLabel := ""
	if t.parent != nil {
		parentLabel = t.parent.label
	}
	*out = append(*out, UsageRecord{
		Label:       t.label,
		ParentLabel: parentLabel,
		Level:       curLevel,
		Limit:       t.Limit(),
		Current:     t.Consumption(),
		Peak:        t.PeakConsumption(),
	})

	if upperLevel != UnlimitedDepth && curLevel >= upperLevel {
		return
	}
	for _, c := range t.Children() {
		c.ListMemUsage(out, curLevel+1, upperLevel)
	}
}

// MemLimitExceeded builds the structured diagnostic for a limit breach
// on this tracker. details is a free-form description of what was being
// attempted; failedAllocation is the size of the allocation that
// triggered the failure, or 0 if this diagnostic was not raised in
// response to one specific allocation attempt.
func (t *Tracker) MemLimitExceeded(details string, failedAllocation int64) *LimitExceededError {
	return newLimitExceededError(t, details, failedAllocation)
}
