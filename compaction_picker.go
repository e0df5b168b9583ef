// Copyright 2018 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package lsmdb

import (
	"bytes"
	"fmt"

	"github.com/lsmdb/lsmdb/internal/base"
	"github.com/lsmdb/lsmdb/internal/manifest"
)

// Compaction reasons reported through CompactionInfo.Reason.
const (
	compactionReasonSize   = "size"
	compactionReasonSeek   = "seek"
	compactionReasonManual = "manual"
)

// maxGrandparentOverlapBytes is the maximum bytes of overlap with level+2
// before we stop building a single file in a level to level+1 compaction.
func maxGrandparentOverlapBytes(opts *Options) uint64 {
	return uint64(10 * opts.MaxFileSize)
}

// expandedCompactionByteSizeLimit is the maximum number of bytes in all
// compacted files. We avoid expanding the lower level file set of a
// compaction if it would make the total compaction cover more than this many
// bytes.
func expandedCompactionByteSizeLimit(opts *Options) uint64 {
	return uint64(25 * opts.MaxFileSize)
}

// compaction is a table compaction from one level to the next, starting from a
// given version.
type compaction struct {
	cmp     Compare
	format  base.FormatKey
	version *version

	reason string
	manual bool

	// level is the level that is being compacted. Inputs from level and
	// level+1 will be merged to produce a set of level+1 files.
	level int

	// inputs are the tables to be compacted: inputs[0] from level,
	// inputs[1] from level+1 and inputs[2] the overlapping grandparents at
	// level+2.
	inputs [3][]*fileMetadata

	// compactPointer is the largest key of the inputs at level, recorded in
	// the edit so the next size compaction of the level starts after it.
	compactPointer InternalKey

	maxOutputFileSize uint64
	maxOverlapBytes   uint64

	// State for shouldStopBefore.
	grandparentIndex int
	seenKey          bool
	overlappedBytes  uint64

	// levelPtrs holds, for each level beyond level+1, the index of the file
	// isBaseLevelForKey examined last. Keys are passed in increasing order
	// so the pointers only move forward.
	levelPtrs [numLevels]int
}

func newCompaction(opts *Options, cur *version, level int, reason string) *compaction {
	return &compaction{
		cmp:               opts.Comparer.Compare,
		format:            opts.Comparer.FormatKey,
		version:           cur,
		reason:            reason,
		manual:            reason == compactionReasonManual,
		level:             level,
		maxOutputFileSize: uint64(opts.MaxFileSize),
		maxOverlapBytes:   maxGrandparentOverlapBytes(opts),
	}
}

// pickCompaction picks the best compaction, if any, for vs' current version.
// Size-triggered compactions are preferred over seek-triggered ones.
//
// DB.mu must be held.
func pickCompaction(vs *versionSet, opts *Options) (c *compaction) {
	cur := vs.currentVersion()

	switch {
	case cur.CompactionScore >= 1:
		level := cur.CompactionLevel
		c = newCompaction(opts, cur, level, compactionReasonSize)
		// Pick the first file that comes after the compaction pointer for
		// the level, wrapping around to the beginning of the key space.
		files := cur.Levels[level]
		pointer := vs.compactPointers[level]
		for _, f := range files {
			if pointer.UserKey == nil || base.InternalCompare(c.cmp, f.Largest, pointer) > 0 {
				c.inputs[0] = []*fileMetadata{f}
				break
			}
		}
		if len(c.inputs[0]) == 0 && len(files) > 0 {
			c.inputs[0] = []*fileMetadata{files[0]}
		}
	case cur.FileToCompact != nil && cur.FileToCompactLevel < numLevels-1:
		c = newCompaction(opts, cur, cur.FileToCompactLevel, compactionReasonSeek)
		c.inputs[0] = []*fileMetadata{cur.FileToCompact}
	default:
		return nil
	}
	if len(c.inputs[0]) == 0 {
		return nil
	}

	// Files in level 0 may overlap each other, so pick up all overlapping ones.
	if c.level == 0 {
		smallest, largest := manifest.KeyRange(c.cmp, c.inputs[0], nil)
		c.inputs[0] = cur.Overlaps(0, c.cmp, smallest.UserKey, largest.UserKey)
		if len(c.inputs[0]) == 0 {
			panic("lsmdb: empty compaction")
		}
	}

	c.setupOtherInputs(vs, opts)
	return c
}

// pickManualCompaction returns a compaction of the files at level that
// overlap [start, end], or nil if there are none. A nil bound is unbounded.
// For levels other than 0 the inputs are capped at roughly one output file
// worth of data; the caller re-picks until the range is covered.
//
// DB.mu must be held.
func pickManualCompaction(vs *versionSet, opts *Options, level int, start, end []byte) *compaction {
	cur := vs.currentVersion()
	inputs := cur.Overlaps(level, opts.Comparer.Compare, start, end)
	if len(inputs) == 0 {
		return nil
	}

	// Avoid compacting too much in one shot in case the range is large. This
	// cannot be done for level 0 since its files may overlap and we must not
	// pick one file and drop another older file if the two files overlap.
	if level > 0 {
		limit := uint64(opts.MaxFileSize)
		var total uint64
		for i, f := range inputs {
			total += f.Size
			if total >= limit {
				inputs = inputs[:i+1]
				break
			}
		}
	}

	c := newCompaction(opts, cur, level, compactionReasonManual)
	c.inputs[0] = inputs
	c.setupOtherInputs(vs, opts)
	return c
}

// setupOtherInputs fills in the rest of the compaction inputs, regardless of
// whether the compaction was automatically scheduled or user initiated.
func (c *compaction) setupOtherInputs(vs *versionSet, opts *Options) {
	c.inputs[0] = addBoundaryInputs(c.cmp, c.version.Levels[c.level], c.inputs[0])
	smallest0, largest0 := manifest.KeyRange(c.cmp, c.inputs[0], nil)

	c.inputs[1] = c.version.Overlaps(c.level+1, c.cmp, smallest0.UserKey, largest0.UserKey)
	c.inputs[1] = addBoundaryInputs(c.cmp, c.version.Levels[c.level+1], c.inputs[1])
	smallest01, largest01 := manifest.KeyRange(c.cmp, c.inputs[0], c.inputs[1])

	// Grow the inputs if it doesn't affect the number of level+1 files.
	if c.grow(opts, smallest01, largest01) {
		_, largest0 = manifest.KeyRange(c.cmp, c.inputs[0], nil)
		smallest01, largest01 = manifest.KeyRange(c.cmp, c.inputs[0], c.inputs[1])
	}

	// Compute the set of level+2 files that overlap this compaction.
	if c.level+2 < numLevels {
		c.inputs[2] = c.version.Overlaps(c.level+2, c.cmp, smallest01.UserKey, largest01.UserKey)
	}

	// Update the place where we will do the next compaction for this level.
	// We update this immediately instead of waiting for the edit to be
	// applied so that if the compaction fails, we will try a different key
	// range next time.
	c.compactPointer = largest0.Clone()
	vs.compactPointers[c.level] = c.compactPointer
}

// grow grows the number of inputs at c.level without changing the number of
// c.level+1 files in the compaction, and returns whether the inputs grew. sm
// and la are the smallest and largest InternalKeys in all of the inputs.
func (c *compaction) grow(opts *Options, sm, la InternalKey) bool {
	if len(c.inputs[1]) == 0 {
		return false
	}
	grow0 := c.version.Overlaps(c.level, c.cmp, sm.UserKey, la.UserKey)
	grow0 = addBoundaryInputs(c.cmp, c.version.Levels[c.level], grow0)
	if len(grow0) <= len(c.inputs[0]) {
		return false
	}
	if manifest.TotalSize(grow0)+manifest.TotalSize(c.inputs[1]) >= expandedCompactionByteSizeLimit(opts) {
		return false
	}
	sm1, la1 := manifest.KeyRange(c.cmp, grow0, nil)
	grow1 := c.version.Overlaps(c.level+1, c.cmp, sm1.UserKey, la1.UserKey)
	grow1 = addBoundaryInputs(c.cmp, c.version.Levels[c.level+1], grow1)
	if len(grow1) != len(c.inputs[1]) {
		return false
	}
	c.inputs[0] = grow0
	c.inputs[1] = grow1
	return true
}

// addBoundaryInputs extends compactionFiles with every file in levelFiles
// whose smallest key shares a user key with the largest key of the
// compaction files, and repeats until no such file remains. Leaving such a
// file behind would let an older entry for the user key at this level
// shadow the newer one moved to the next level.
func addBoundaryInputs(cmp Compare, levelFiles, compactionFiles []*fileMetadata) []*fileMetadata {
	if len(compactionFiles) == 0 {
		return compactionFiles
	}
	largest := compactionFiles[0].Largest
	for _, f := range compactionFiles[1:] {
		if base.InternalCompare(cmp, f.Largest, largest) > 0 {
			largest = f.Largest
		}
	}
	for {
		var boundary *fileMetadata
		for _, f := range levelFiles {
			if base.InternalCompare(cmp, f.Smallest, largest) > 0 &&
				cmp(f.Smallest.UserKey, largest.UserKey) == 0 {
				if boundary == nil || base.InternalCompare(cmp, f.Smallest, boundary.Smallest) < 0 {
					boundary = f
				}
			}
		}
		if boundary == nil {
			return compactionFiles
		}
		compactionFiles = append(compactionFiles, boundary)
		largest = boundary.Largest
	}
}

// isTrivialMove reports whether the compaction can be implemented by moving
// the single input file to the next level. We avoid such a move if there is
// lots of overlapping grandparent data. Otherwise, the move could create a
// parent file that will require a very expensive merge later on.
func (c *compaction) isTrivialMove() bool {
	return len(c.inputs[0]) == 1 && len(c.inputs[1]) == 0 &&
		manifest.TotalSize(c.inputs[2]) <= c.maxOverlapBytes
}

// isBaseLevelForKey reports whether it is guaranteed that there are no
// key/value pairs at c.level+2 or higher that have the user key ukey. The
// keys passed must be increasing across calls.
func (c *compaction) isBaseLevelForKey(ukey []byte) bool {
	for level := c.level + 2; level < numLevels; level++ {
		files := c.version.Levels[level]
		for c.levelPtrs[level] < len(files) {
			f := files[c.levelPtrs[level]]
			if c.cmp(ukey, f.Largest.UserKey) <= 0 {
				if c.cmp(ukey, f.Smallest.UserKey) >= 0 {
					return false
				}
				// For levels above level 0, the files within a level are in
				// increasing key order, so we can break early.
				break
			}
			c.levelPtrs[level]++
		}
	}
	return true
}

// shouldStopBefore reports whether the current output should be finished
// before key is added, because the output would otherwise overlap too many
// bytes of grandparent data. It must be called for every key in increasing
// order.
func (c *compaction) shouldStopBefore(key InternalKey) bool {
	grandparents := c.inputs[2]
	for c.grandparentIndex < len(grandparents) &&
		base.InternalCompare(c.cmp, key, grandparents[c.grandparentIndex].Largest) > 0 {
		if c.seenKey {
			c.overlappedBytes += grandparents[c.grandparentIndex].Size
		}
		c.grandparentIndex++
	}
	c.seenKey = true

	if c.overlappedBytes > c.maxOverlapBytes {
		// Too much overlap for the current output; start a new output.
		c.overlappedBytes = 0
		return true
	}
	return false
}

// inputInfo returns the compaction inputs in the form reported to the event
// listener.
func (c *compaction) inputInfo() []LevelInfo {
	info := make([]LevelInfo, 0, 2)
	for i := 0; i < 2; i++ {
		if len(c.inputs[i]) == 0 && i > 0 {
			continue
		}
		li := LevelInfo{Level: c.level + i}
		for _, f := range c.inputs[i] {
			li.Tables = append(li.Tables, tableInfo(f))
		}
		info = append(info, li)
	}
	return info
}

func (c *compaction) String() string {
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "L%d -> L%d (%s)\n", c.level, c.level+1, c.reason)
	for i := range c.inputs {
		if len(c.inputs[i]) == 0 {
			continue
		}
		fmt.Fprintf(&buf, "  L%d:", c.level+i)
		for _, f := range c.inputs[i] {
			fmt.Fprintf(&buf, " %s", f.FileNum)
		}
		buf.WriteString("\n")
	}
	return buf.String()
}
