// Copyright 2018 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package lsmdb

import "github.com/lsmdb/lsmdb/internal/base"

// compactionIter provides a forward-only iterator that encapsulates the logic
// for collapsing entries during compaction. It wraps an internal iterator and
// drops entries that are no longer necessary because they are shadowed by
// newer entries. The simplest example of this is when the internal iterator
// contains two keys: a.SET.2 and a.SET.1. Instead of returning both entries,
// compactionIter drops the second entry because no reader can observe it.
//
// 1. Shadowed entries
//
// Entries for a user key arrive newest first. Once an entry with sequence
// number <= smallestSnapshot has been seen for a user key, every older entry
// for that user key is invisible to all current and future readers: the
// oldest live snapshot already sees the newer entry. Such entries are dropped
// (rule A).
//
// 2. Eliding Deletion Tombstones
//
// Consider the entries a.DEL.2 and a.SET.1. These entries collapse to
// a.DEL.2. Do we have to output the entry a.DEL.2? Only if a.DEL.2 possibly
// shadows an entry at a deeper level. A tombstone visible to every snapshot
// is dropped when elideTombstone reports that no level below the output
// level holds its user key (rule B). Older entries in the compaction for the
// same user key are dropped by rule A on the following steps.
//
// 3. Snapshots
//
// Snapshots prevent the collapse: an entry newer than smallestSnapshot never
// causes older entries to be dropped, since a snapshot between the two may
// still need the older one.
type compactionIter struct {
	cmp  Compare
	iter internalIterator
	err  error
	key  InternalKey
	// Temporary buffer used for storing the previous user key in order to
	// determine when iteration has advanced to a new user key.
	keyBuf     []byte
	hasUserKey bool
	// lastSeqNumForKey is the sequence number of the previous entry seen for
	// the current user key, or SeqNumMax at the start of a user key.
	lastSeqNumForKey SeqNum
	smallestSnapshot SeqNum
	// Is the current entry valid?
	valid          bool
	elideTombstone func(key []byte) bool
	// dropped counts the entries dropped so far.
	dropped int
}

func newCompactionIter(
	cmp Compare,
	iter internalIterator,
	smallestSnapshot SeqNum,
	elideTombstone func(key []byte) bool,
) *compactionIter {
	return &compactionIter{
		cmp:              cmp,
		iter:             iter,
		smallestSnapshot: smallestSnapshot,
		elideTombstone:   elideTombstone,
		lastSeqNumForKey: base.SeqNumMax,
	}
}

func (i *compactionIter) First() bool {
	if i.err != nil {
		return false
	}
	i.hasUserKey = false
	return i.findNext(i.iter.First())
}

func (i *compactionIter) Next() bool {
	if i.err != nil {
		return false
	}
	return i.findNext(i.iter.Next())
}

// findNext steps the underlying iterator until it is positioned on an entry
// that must be kept.
func (i *compactionIter) findNext(ok bool) bool {
	for ; ok; ok = i.iter.Next() {
		key := i.iter.Key()
		if !key.Valid() {
			// Do not hide invalid keys.
			i.hasUserKey = false
			i.lastSeqNumForKey = base.SeqNumMax
			i.key = key
			i.valid = true
			return true
		}

		if !i.hasUserKey || i.cmp(i.keyBuf, key.UserKey) != 0 {
			// This is the first occurrence of this user key.
			i.keyBuf = append(i.keyBuf[:0], key.UserKey...)
			i.hasUserKey = true
			i.lastSeqNumForKey = base.SeqNumMax
		}

		drop, seqNum := false, key.SeqNum()
		if i.lastSeqNumForKey <= i.smallestSnapshot {
			// Hidden by a newer entry for the same user key (rule A).
			drop = true
		} else if key.Kind() == InternalKeyKindDelete &&
			seqNum <= i.smallestSnapshot &&
			i.elideTombstone(key.UserKey) {
			// For this user key:
			// (1) there is no data in higher levels
			// (2) data in lower levels will have larger sequence numbers
			// (3) data in layers that are being compacted here and have
			//     smaller sequence numbers will be dropped in the next
			//     few iterations of this loop (by rule (A) above).
			// Therefore this deletion marker is obsolete and can be dropped.
			drop = true
		}
		i.lastSeqNumForKey = seqNum
		if drop {
			i.dropped++
			continue
		}
		i.key = key
		i.valid = true
		return true
	}
	i.err = i.iter.Error()
	i.valid = false
	return false
}

func (i *compactionIter) Key() InternalKey {
	return i.key
}

func (i *compactionIter) Value() []byte {
	return i.iter.Value()
}

func (i *compactionIter) Valid() bool {
	return i.valid
}

func (i *compactionIter) Error() error {
	return i.err
}

func (i *compactionIter) Close() error {
	err := i.iter.Close()
	if i.err == nil {
		i.err = err
	}
	return i.err
}
