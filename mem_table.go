// Copyright 2011 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package lsmdb

import (
	"sync/atomic"

	"github.com/cockroachdb/errors"
	"github.com/lsmdb/lsmdb/internal/arenaskl"
	"github.com/lsmdb/lsmdb/internal/base"
)

// A memTable implements an in-memory layer of the LSM. A memTable is mutable,
// but append-only. Records are added, but never removed. Deletion is supported
// via tombstones, but it is up to higher level code (see Iterator) to support
// processing those tombstones.
//
// A memTable is implemented on top of an arena-backed skiplist. The arena
// grows in blocks as entries are added, and its memory usage drives the
// decision to rotate the memtable (see Options.WriteBufferSize).
//
// Batches are applied by a single writer at a time (the head of the commit
// queue). It is safe to call get and newIter concurrently with apply.
type memTable struct {
	cmp   Compare
	equal Equal
	skl   *arenaskl.Skiplist
	refs  atomic.Int32
	// logNum is the WAL that holds this memtable's contents. Entries in logs
	// older than logNum have been flushed once the memtable is.
	logNum FileNum
}

// newMemTable returns a new memtable with a single reference held by the
// caller.
func newMemTable(o *Options, logNum FileNum) *memTable {
	m := &memTable{
		cmp:    o.Comparer.Compare,
		equal:  o.Comparer.Equal,
		logNum: logNum,
	}
	m.skl = arenaskl.NewSkiplist(arenaskl.NewArena(), m.cmp)
	m.refs.Store(1)
	return m
}

func (m *memTable) ref() {
	m.refs.Add(1)
}

// unref drops a reference, returning true if it was the last one.
func (m *memTable) unref() bool {
	switch v := m.refs.Add(-1); {
	case v < 0:
		panic(errors.AssertionFailedf("lsmdb: inconsistent memtable reference count: %d", v))
	case v == 0:
		return true
	default:
		return false
	}
}

// get looks up the newest entry for key visible at seqNum. found is false
// if no entry exists, and deleted is true if the newest entry is a
// tombstone. The returned value aliases arena memory, which is never
// reused.
func (m *memTable) get(key []byte, seqNum SeqNum) (value []byte, found, deleted bool) {
	it := m.skl.NewIter()
	if !it.SeekInternalGE(base.MakeInternalKey(key, seqNum, InternalKeyKindMax)) {
		return nil, false, false
	}
	ikey := it.Key()
	if !m.equal(key, ikey.UserKey) {
		return nil, false, false
	}
	if ikey.Kind() == InternalKeyKindDelete {
		return nil, true, true
	}
	return it.Value(), true, false
}

// add inserts a single entry.
func (m *memTable) add(ukey []byte, seqNum SeqNum, kind InternalKeyKind, value []byte) error {
	err := m.skl.Add(base.MakeInternalKey(ukey, seqNum, kind), value)
	if errors.Is(err, arenaskl.ErrRecordExists) {
		return base.CorruptionErrorf("lsmdb: duplicate internal key %s#%s",
			base.FormatBytes(ukey), seqNum)
	}
	return err
}

// apply inserts every entry of the batch, assigning consecutive sequence
// numbers starting at seqNum.
func (m *memTable) apply(batch *Batch, seqNum SeqNum) error {
	startSeqNum := seqNum
	for r := batch.reader(); ; seqNum++ {
		kind, ukey, value, ok, err := r.next()
		if err != nil {
			return err
		}
		if !ok {
			break
		}
		if err := m.add(ukey, seqNum, kind, value); err != nil {
			return err
		}
	}
	if seqNum != startSeqNum+SeqNum(batch.Count()) {
		return base.CorruptionErrorf("lsmdb: inconsistent batch count: %d entries, header says %d",
			errors.Safe(seqNum-startSeqNum), errors.Safe(batch.Count()))
	}
	return nil
}

// newIter returns an iterator that is unpositioned (Iterator.Valid() will
// return false). The iterator can be positioned via a call to SeekGE,
// SeekLT, First or Last.
func (m *memTable) newIter() internalIterator {
	return m.skl.NewIter()
}

// approximateMemoryUsage returns the number of bytes allocated by the
// memtable's arena.
func (m *memTable) approximateMemoryUsage() uint64 {
	return m.skl.Arena().MemoryUsage()
}

// empty returns whether the memtable has no key/value pairs.
func (m *memTable) empty() bool {
	return m.skl.Empty()
}

func (m *memTable) len() int {
	return m.skl.Len()
}
