// Copyright 2018 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package lsmdb

import (
	"github.com/cockroachdb/errors"
	"github.com/lsmdb/lsmdb/internal/base"
	"github.com/lsmdb/lsmdb/internal/manifest"
)

// getStats records the file to charge with a seek after a lookup that had to
// consult more than one table.
type getStats struct {
	seekFile  *fileMetadata
	seekLevel int
}

// getFromVersion looks up key in the tables of v, returning the newest value
// with a sequence number at or below seqNum. Level 0 tables are searched
// newest first, then each deeper level through a binary search for the only
// table that can hold the key. The search stops at the first table holding
// an entry for the key: a tombstone yields ErrNotFound.
func (d *DB) getFromVersion(
	v *version, key []byte, seqNum SeqNum,
) (value []byte, stats getStats, err error) {
	ikey := base.MakeInternalKey(key, seqNum, InternalKeyKindMax)

	var lastFileRead *fileMetadata
	lastFileReadLevel := -1
	search := func(level int, f *fileMetadata) (done bool) {
		if lastFileRead != nil && stats.seekFile == nil {
			// We have had more than one seek for this read. Charge the first
			// file.
			stats.seekFile = lastFileRead
			stats.seekLevel = lastFileReadLevel
		}
		lastFileRead = f
		lastFileReadLevel = level

		k, v, getErr := d.tableCache.get(f, ikey, true /* fillCache */)
		if errors.Is(getErr, ErrNotFound) {
			return false
		}
		if getErr != nil {
			err = getErr
			return true
		}
		switch k.Kind() {
		case InternalKeyKindSet:
			value = cloneValue(v)
		case InternalKeyKindDelete:
			err = ErrNotFound
		default:
			err = base.CorruptionErrorf("lsmdb: table %s: corrupted key for %s",
				f.FileNum, k.Pretty(d.opts.Comparer.FormatKey))
		}
		return true
	}

	// Level 0 tables may overlap each other. Search them from newest to
	// oldest.
	l0 := v.Levels[0]
	for i := len(l0) - 1; i >= 0; i-- {
		f := l0[i]
		if d.cmp(key, f.Smallest.UserKey) < 0 || d.cmp(key, f.Largest.UserKey) > 0 {
			continue
		}
		if search(0, f) {
			return value, stats, err
		}
	}

	for level := 1; level < numLevels; level++ {
		files := v.Levels[level]
		i := manifest.FindFile(d.cmp, files, ikey)
		if i >= len(files) || d.cmp(key, files[i].Smallest.UserKey) < 0 {
			continue
		}
		if search(level, files[i]) {
			return value, stats, err
		}
	}
	return nil, stats, ErrNotFound
}

// updateSeekStatsLocked charges f with one seek. When the file runs out of
// allowed seeks it becomes v's seek compaction candidate, and true is
// returned to indicate that a compaction may need to be scheduled.
//
// d.mu must be held.
func (d *DB) updateSeekStatsLocked(v *version, f *fileMetadata, level int) bool {
	if f.AllowedSeeks.Add(-1) > 0 || v.FileToCompact != nil {
		return false
	}
	v.FileToCompact = f
	v.FileToCompactLevel = level
	return true
}

// sampleRead records a read sample for key, which an iterator found while
// scanning v. If at least two tables in v overlap the key, the first of them
// (the newest) is charged with a seek, as a Get for the key would have
// consulted both.
func (d *DB) sampleRead(v *version, key []byte) {
	var first *fileMetadata
	firstLevel := -1
	matches := 0
	match := func(level int, f *fileMetadata) bool {
		matches++
		if matches == 1 {
			first, firstLevel = f, level
		}
		// Only the first two matches matter.
		return matches >= 2
	}

	func() {
		l0 := v.Levels[0]
		for i := len(l0) - 1; i >= 0; i-- {
			f := l0[i]
			if d.cmp(key, f.Smallest.UserKey) >= 0 && d.cmp(key, f.Largest.UserKey) <= 0 {
				if match(0, f) {
					return
				}
			}
		}
		ikey := base.MakeSearchKey(key)
		for level := 1; level < numLevels; level++ {
			files := v.Levels[level]
			i := manifest.FindFile(d.cmp, files, ikey)
			if i < len(files) && d.cmp(key, files[i].Smallest.UserKey) >= 0 {
				if match(level, files[i]) {
					return
				}
			}
		}
	}()

	if matches < 2 {
		return
	}
	d.mu.Lock()
	if d.updateSeekStatsLocked(v, first, firstLevel) {
		d.maybeScheduleCompaction()
	}
	d.mu.Unlock()
}
