package lsm

import (
	"fmt"
	"path/filepath"
	"sort"
)

// CompactionPolicy parameterizes the leveled compaction strategy (C6):
// L0 files overlap in timestamp range and trigger on count; L1+ files are
// kept disjoint and trigger on a per-level size ratio.
type CompactionPolicy struct {
	L0Trigger  int     // number of L0 files that forces a compaction
	SizeRatio  float64 // level N+1 budget = SizeRatio * level N budget
	BaseLevelBytes int64
}

// DefaultCompactionPolicy mirrors the teacher's leveled defaults.
func DefaultCompactionPolicy() CompactionPolicy {
	return CompactionPolicy{
		L0Trigger:      4,
		SizeRatio:      10,
		BaseLevelBytes: 16 << 20,
	}
}

// levelBudget returns the maximum total bytes level is allowed to hold
// before it must compact into level+1.
func (p CompactionPolicy) levelBudget(level int) int64 {
	if level <= 0 {
		return 0 // L0 triggers on count, not size
	}
	budget := p.BaseLevelBytes
	for i := 1; i < level; i++ {
		budget = int64(float64(budget) * p.SizeRatio)
	}
	return budget
}

// maxOutputEntries bounds a single compaction output file written into
// level, in entries, using the same bytes-per-entry proxy as fileSizeHint.
// Level 0 has no size budget of its own, so compactions landing there use
// level 1's budget as the split target.
func (p CompactionPolicy) maxOutputEntries(level int) int {
	budget := p.levelBudget(level)
	if budget <= 0 {
		budget = p.levelBudget(1)
	}
	if budget <= 0 {
		return 0
	}
	entries := int(budget / 64)
	if entries < 1 {
		entries = 1
	}
	return entries
}

// compactionPlan names the input tables for one compaction pass and the
// level they should land on.
type compactionPlan struct {
	inputs     []*SSTable
	fromLevel  int
	toLevel    int
}

// PlanCompaction inspects tables (keyed by level) against policy and returns
// the next compaction to run, or nil if nothing is due.
func PlanCompaction(tables map[int][]*SSTable, policy CompactionPolicy) *compactionPlan {
	if len(tables[0]) >= policy.L0Trigger {
		inputs := append([]*SSTable{}, tables[0]...)
		overlapping := overlappingL1(inputs, tables[1])
		inputs = append(inputs, overlapping...)
		return &compactionPlan{inputs: inputs, fromLevel: 0, toLevel: 1}
	}

	maxLevel := 0
	for lvl := range tables {
		if lvl > maxLevel {
			maxLevel = lvl
		}
	}
	for lvl := 1; lvl <= maxLevel; lvl++ {
		var total int64
		for _, t := range tables[lvl] {
			total += fileSizeHint(t)
		}
		if total > policy.levelBudget(lvl) && len(tables[lvl]) > 0 {
			victim := oldestTable(tables[lvl])
			inputs := []*SSTable{victim}
			inputs = append(inputs, overlappingRange(victim, tables[lvl+1])...)
			return &compactionPlan{inputs: inputs, fromLevel: lvl, toLevel: lvl + 1}
		}
	}
	return nil
}

func fileSizeHint(t *SSTable) int64 {
	// num_entries is a reasonable proxy for on-disk size without stat()ing
	// every candidate file on every planning pass.
	return int64(t.meta.NumEntries) * 64
}

func oldestTable(tables []*SSTable) *SSTable {
	oldest := tables[0]
	for _, t := range tables[1:] {
		if t.meta.Sequence < oldest.meta.Sequence {
			oldest = t
		}
	}
	return oldest
}

func overlappingL1(l0 []*SSTable, l1 []*SSTable) []*SSTable {
	if len(l0) == 0 {
		return nil
	}
	minTs, maxTs := l0[0].meta.MinTs, l0[0].meta.MaxTs
	for _, t := range l0[1:] {
		if t.meta.MinTs < minTs {
			minTs = t.meta.MinTs
		}
		if t.meta.MaxTs > maxTs {
			maxTs = t.meta.MaxTs
		}
	}
	var out []*SSTable
	for _, t := range l1 {
		if t.meta.MinTs <= maxTs && minTs <= t.meta.MaxTs {
			out = append(out, t)
		}
	}
	return out
}

func overlappingRange(victim *SSTable, candidates []*SSTable) []*SSTable {
	var out []*SSTable
	for _, t := range candidates {
		if t.meta.MinTs <= victim.meta.MaxTs && victim.meta.MinTs <= t.meta.MaxTs {
			out = append(out, t)
		}
	}
	return out
}

// runCompaction merges plan.inputs and writes one or more new SSTables at
// plan.toLevel, splitting the merged output once an output file would reach
// maxEntries (spec.md §4.5's leveled compaction splits merge output at a
// target size). allocSeq is called once per output file to obtain its
// sequence number.
func runCompaction(dir string, plan *compactionPlan, allocSeq func() uint64, maxEntries int, compress bool) ([]*SSTable, error) {
	merged, err := MergeSSTables(plan.inputs)
	if err != nil {
		return nil, fmt.Errorf("compaction merge: %w", err)
	}
	if len(merged) == 0 {
		return nil, nil
	}
	if maxEntries <= 0 || maxEntries > len(merged) {
		maxEntries = len(merged)
	}

	var outputs []*SSTable
	for start := 0; start < len(merged); start += maxEntries {
		end := start + maxEntries
		if end > len(merged) {
			end = len(merged)
		}
		seq := allocSeq()
		outPath := filepath.Join(dir, fmt.Sprintf("%06d_L%d.sst", seq, plan.toLevel))
		out, err := BuildSSTable(outPath, plan.toLevel, seq, merged[start:end], compress)
		if err != nil {
			return nil, fmt.Errorf("compaction build: %w", err)
		}
		outputs = append(outputs, out)
	}
	return outputs, nil
}

// levelsSorted returns the distinct level numbers present in tables,
// ascending — used by callers that need a deterministic iteration order.
func levelsSorted(tables map[int][]*SSTable) []int {
	out := make([]int, 0, len(tables))
	for lvl := range tables {
		out = append(out, lvl)
	}
	sort.Ints(out)
	return out
}
