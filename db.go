// Copyright 2012 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

// Package lsmdb provides an ordered key/value store.
package lsmdb // import "github.com/lsmdb/lsmdb"

import (
	"io"
	"sync"
	"sync/atomic"

	"github.com/cockroachdb/errors"
	"github.com/lsmdb/lsmdb/record"
	"github.com/lsmdb/lsmdb/vfs"
)

// ErrClosed is returned when an operation is performed on a closed snapshot
// or DB.
var ErrClosed = errors.New("lsmdb: closed")

// Reader is a readable key/value store.
//
// It is safe to call Get and NewIter from concurrent goroutines.
type Reader interface {
	// Get gets the value for the given key. It returns ErrNotFound if the DB
	// does not contain the key.
	//
	// The returned slice is a copy owned by the caller. It is safe to modify
	// the contents of the argument after Get returns.
	Get(key []byte) (value []byte, err error)

	// NewIter returns an iterator that is unpositioned (Iterator.Valid() will
	// return false). The iterator can be positioned via a call to SeekGE,
	// SeekLT, First or Last.
	NewIter(o *IterOptions) *Iterator
}

// Writer is a writable key/value store.
//
// Goroutine safety is dependent on the specific implementation.
type Writer interface {
	// Apply the operations contained in the batch to the DB.
	//
	// It is safe to modify the contents of the arguments after Apply returns.
	Apply(batch *Batch, o *WriteOptions) error

	// Delete deletes the value for the given key. Deletes are blind all will
	// succeed even if the given key does not exist.
	//
	// It is safe to modify the contents of the arguments after Delete returns.
	Delete(key []byte, o *WriteOptions) error

	// Set sets the value for the given key. It overwrites any previous value
	// for that key; a DB is not a multi-map.
	//
	// It is safe to modify the contents of the arguments after Set returns.
	Set(key, value []byte, o *WriteOptions) error
}

var _ Reader = (*DB)(nil)
var _ Writer = (*DB)(nil)
var _ Reader = (*Snapshot)(nil)

// DB provides a concurrent, persistent ordered key/value store.
//
// A DB's basic operations (Get, Set, Delete) should be self-explanatory. Get
// and Delete will return ErrNotFound if the requested key is not in the store.
// Callers are free to ignore this error.
//
// A DB also allows for iterating over the key/value pairs in key order. If d
// is a DB, the code below prints all key/value pairs whose keys are 'greater
// than or equal to' k:
//
//	iter := d.NewIter(readOptions)
//	for valid := iter.SeekGE(k); valid; valid = iter.Next() {
//		fmt.Printf("key=%q value=%q\n", iter.Key(), iter.Value())
//	}
//	return iter.Close()
//
// The Options struct holds the optional parameters for the DB, including a
// Comparer to define a 'less than' relationship over keys. It is always valid
// to pass a nil *Options, which means to use the default parameter values. Any
// zero field of a non-nil *Options also means to use the default value for
// that parameter. Thus, the code below uses a custom Comparer, but the default
// values for every other parameter:
//
//	db := lsmdb.Open(&Options{
//		Comparer: myComparer,
//	})
type DB struct {
	dirname string
	opts    *Options
	cmp     Compare
	equal   Equal

	tableCache tableCache
	cleaner    *cleanupManager

	// cacheID namespaces this DB's blocks in the (possibly shared) block
	// cache.
	cacheID uint64

	fileLock io.Closer
	// infoLog is set when Options.InfoLog is.
	infoLog *infoLogger

	// closed is set once Close has been called. The background compaction
	// checks it between output keys and abandons its work.
	closed atomic.Bool

	// hasImm mirrors d.mu.mem.imm != nil so that a running compaction can
	// notice a pending memtable flush without taking the mutex per key.
	hasImm atomic.Bool

	// The readState provides access to the state needed for reading without
	// needing to acquire DB.mu.
	readState struct {
		sync.RWMutex
		val *readState
	}

	mu struct {
		sync.Mutex

		nextJobID int

		versions versionSet

		log struct {
			// The WAL for the mutable memtable. The embedded writer is only
			// used by the head of the write queue.
			*record.Writer
			file   vfs.File
			number FileNum
			// bytesIn is the number of logical bytes written to the WALs
			// since Open.
			bytesIn uint64
		}

		mem struct {
			// The current mutable memTable.
			mutable *memTable
			// The memtable waiting to be flushed, if any. Writers that fill
			// the mutable memtable while imm is set wait for the flush.
			imm *memTable
		}

		// writers is the queue of pending writes. The head performs the
		// write for itself and the writers it groups with it. Each writer
		// waits on its own condition variable until it is done or becomes
		// the head.
		writers []*writer
		// groupBatch accumulates the batches of a write group. It is only
		// used by the head of the write queue.
		groupBatch *Batch

		compact struct {
			// cond is broadcast whenever background work finishes: a flush
			// or compaction completes, a manual compaction step is done, or
			// the write queue drains. Waiters re-check their predicate.
			cond       sync.Cond
			compacting bool
			manual     *manualCompaction
			// pendingOutputs holds the file numbers of tables being written
			// that are not yet part of a version. They are protected from
			// deletion by deleteObsoleteFiles.
			pendingOutputs map[FileNum]struct{}
			stats          [numLevels]LevelMetrics
			flushCount     int64
			count          int64
		}

		// bgErr latches the first error of a background flush, compaction
		// or WAL write. Every later write returns it.
		bgErr error

		snapshots snapshotList
	}
}

// Get gets the value for the given key. It returns ErrNotFound if the DB does
// not contain the key.
//
// The returned slice is a copy owned by the caller. It is safe to modify the
// contents of the argument after Get returns.
func (d *DB) Get(key []byte) ([]byte, error) {
	return d.getInternal(key, nil /* snapshot */)
}

func (d *DB) getInternal(key []byte, s *Snapshot) ([]byte, error) {
	if d.closed.Load() {
		panic(ErrClosed)
	}

	// Grab and reference the current readState. The version it pins keeps
	// every entry visible at a sequence number loaded afterwards, even when
	// a compaction drops the entries shadowed at that sequence number.
	rs := d.loadReadState()
	defer rs.unref()

	// Determine the seqnum to read at after grabbing the read state (see
	// above).
	var seqNum SeqNum
	if s != nil {
		seqNum = s.seqNum
	} else {
		seqNum = d.mu.versions.lastSeqNum.Load()
	}
	return d.getFromReadState(rs, key, seqNum)
}

// getFromReadState looks key up at seqNum in the memtables and version of
// rs.
func (d *DB) getFromReadState(rs *readState, key []byte, seqNum SeqNum) ([]byte, error) {
	// Search the memtables from newest to oldest.
	for i := len(rs.memtables) - 1; i >= 0; i-- {
		value, found, deleted := rs.memtables[i].get(key, seqNum)
		if deleted {
			return nil, ErrNotFound
		}
		if found {
			return cloneValue(value), nil
		}
	}

	value, stats, err := d.getFromVersion(rs.current, key, seqNum)
	if stats.seekFile != nil {
		d.mu.Lock()
		if d.updateSeekStatsLocked(rs.current, stats.seekFile, stats.seekLevel) {
			d.maybeScheduleCompaction()
		}
		d.mu.Unlock()
	}
	return value, err
}

// cloneValue copies a value into a new slice. An empty value yields an empty
// non-nil slice.
func cloneValue(value []byte) []byte {
	v := make([]byte, len(value))
	copy(v, value)
	return v
}

// Set sets the value for the given key. It overwrites any previous value
// for that key; a DB is not a multi-map.
//
// It is safe to modify the contents of the arguments after Set returns.
func (d *DB) Set(key, value []byte, opts *WriteOptions) error {
	b := newBatch(d)
	_ = b.Set(key, value, opts)
	return d.Apply(b, opts)
}

// Delete deletes the value for the given key. Deletes are blind all will
// succeed even if the given key does not exist.
//
// It is safe to modify the contents of the arguments after Delete returns.
func (d *DB) Delete(key []byte, opts *WriteOptions) error {
	b := newBatch(d)
	_ = b.Delete(key, opts)
	return d.Apply(b, opts)
}

// Apply the operations contained in the batch to the DB. The batch is
// applied atomically: either every operation in it becomes visible or none
// does.
//
// It is safe to modify the contents of the arguments after Apply returns.
func (d *DB) Apply(batch *Batch, opts *WriteOptions) error {
	if d.closed.Load() {
		panic(ErrClosed)
	}
	if batch.db != nil && batch.db != d {
		panic(errors.AssertionFailedf("lsmdb: batch not created from this DB"))
	}
	return d.write(batch, opts.GetSync())
}

// NewBatch returns a new empty write-only batch. Any reads on the batch will
// return an error. If the batch is committed it will be applied to the DB.
func (d *DB) NewBatch() *Batch {
	return newBatch(d)
}

// NewIter returns an iterator that is unpositioned (Iterator.Valid() will
// return false). The iterator can be positioned via a call to SeekGE,
// SeekLT, First or Last. The iterator provides a point-in-time view of the
// current DB state. This view is maintained by preventing file deletions and
// preventing memtables referenced by the iterator from being deleted. Using
// an iterator to maintain a long-lived point-in-time view of the DB state can
// lead to an apparent memory and disk usage leak. Use snapshots (see
// NewSnapshot) for point-in-time snapshots which avoids these problems.
func (d *DB) NewIter(o *IterOptions) *Iterator {
	if d.closed.Load() {
		panic(ErrClosed)
	}

	// Grab and reference the current readState before the seqnum, as in
	// getInternal.
	rs := d.loadReadState()

	var seqNum SeqNum
	if o != nil && o.snapshot != nil {
		seqNum = o.snapshot.seqNum
	} else {
		seqNum = d.mu.versions.lastSeqNum.Load()
	}
	return d.newIterAt(rs, seqNum, o)
}

// newIterAt returns an iterator reading rs at seqNum. The iterator takes
// over the caller's reference on rs.
func (d *DB) newIterAt(rs *readState, seqNum SeqNum, o *IterOptions) *Iterator {
	it := &Iterator{
		db:        d,
		cmp:       d.cmp,
		equal:     d.equal,
		seqNum:    seqNum,
		readState: rs,
	}
	if o != nil {
		it.opts = *o
	}
	it.readSampling.init()
	it.iter = d.newInternalIter(rs, o)
	return it
}

// newInternalIter returns a merging iterator over every memtable and table
// of the read state. Level 0 tables are opened eagerly; a table that fails
// to open surfaces its error through the merged iterator.
func (d *DB) newInternalIter(rs *readState, o *IterOptions) *mergingIter {
	current := rs.current
	var iters []internalIterator

	// Memtables newest first.
	for i := len(rs.memtables) - 1; i >= 0; i-- {
		iters = append(iters, rs.memtables[i].newIter())
	}

	newIter := func(meta *fileMetadata) (internalIterator, error) {
		return d.tableCache.newIter(meta, o)
	}

	// Level 0 files newest first.
	l0 := current.Levels[0]
	for i := len(l0) - 1; i >= 0; i-- {
		iter, err := newIter(l0[i])
		if err != nil {
			iter = newErrorIter(err)
		}
		iters = append(iters, iter)
	}

	for level := 1; level < numLevels; level++ {
		if len(current.Levels[level]) == 0 {
			continue
		}
		iters = append(iters, newLevelIter(d.cmp, newIter, current.Levels[level]))
	}
	return newMergingIter(d.cmp, iters...)
}

// NewSnapshot returns a point-in-time view of the current DB state. Iterators
// created with this handle will all observe a stable snapshot of the current
// DB state. The caller must call Snapshot.Close() when the snapshot is no
// longer needed. Snapshots are not persisted across DB restarts (close ->
// open). Unlike the implicit snapshot maintained by an iterator, a snapshot
// will not prevent memtables from being released or sstables from being
// deleted. Instead, a snapshot prevents deletion of sequence numbers
// referenced by the snapshot.
func (d *DB) NewSnapshot() *Snapshot {
	if d.closed.Load() {
		panic(ErrClosed)
	}

	d.mu.Lock()
	s := &Snapshot{
		db:     d,
		seqNum: d.mu.versions.lastSeqNum.Load(),
	}
	d.mu.snapshots.pushBack(s)
	d.mu.Unlock()
	return s
}

// Close closes the DB.
//
// It is not safe to close a DB until all outstanding iterators are closed.
// Other methods should not be called after the DB has been closed.
func (d *DB) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed.Load() {
		panic(ErrClosed)
	}
	d.closed.Store(true)
	// Wake writers stalled in makeRoomForWrite and waiters on manual
	// compactions so that they observe the closed flag.
	d.mu.compact.cond.Broadcast()
	for d.mu.compact.compacting || len(d.mu.writers) > 0 {
		d.mu.compact.cond.Wait()
	}

	var err error
	if d.mu.log.Writer != nil {
		err = d.mu.log.Writer.Close()
		err = firstError(err, d.mu.log.file.Close())
		d.mu.log.Writer, d.mu.log.file = nil, nil
	}
	err = firstError(err, d.tableCache.close())

	// Note that versionSet.close() only closes the MANIFEST. The versions list
	// is still valid for the checks below.
	err = firstError(err, d.mu.versions.close())

	d.cleaner.Close()

	if d.opts.Cache != nil {
		d.opts.Cache.Unref()
	}
	err = firstError(err, d.fileLock.Close())
	if d.infoLog != nil {
		err = firstError(err, d.infoLog.close())
	}

	if err == nil {
		d.readState.val.unrefLocked()

		current := d.mu.versions.currentVersion()
		for v := d.mu.versions.versions.Front(); true; v = v.Next() {
			refs := v.Refs()
			if v == current {
				if refs != 1 {
					return errors.Errorf("leaked iterators: current\n%s", v)
				}
				break
			}
			if refs != 0 {
				return errors.Errorf("leaked iterators:\n%s", v)
			}
		}
	}
	return err
}

// Compact the specified range of keys in the database. The memtable is
// flushed first, then every level up to the deepest one holding data in the
// range is compacted into the next. A nil start or end is unbounded.
func (d *DB) Compact(start, end []byte) error {
	if d.closed.Load() {
		panic(ErrClosed)
	}

	d.mu.Lock()
	maxLevelWithFiles := 1
	cur := d.mu.versions.currentVersion()
	for level := 1; level < numLevels; level++ {
		if len(cur.Overlaps(level, d.cmp, start, end)) > 0 {
			maxLevelWithFiles = level
		}
	}
	d.mu.Unlock()

	if err := d.Flush(); err != nil {
		return err
	}

	for level := 0; level < maxLevelWithFiles; level++ {
		if err := d.manualCompact(level, start, end); err != nil {
			return err
		}
	}
	return nil
}

// Flush the memtable to stable storage. Flush returns once the memtable has
// been written to a level 0 table, or has been found empty.
func (d *DB) Flush() error {
	if d.closed.Load() {
		panic(ErrClosed)
	}
	// A nil batch forces the memtable to be rotated.
	if err := d.write(nil, false); err != nil {
		return err
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	for d.mu.mem.imm != nil && d.mu.bgErr == nil && !d.closed.Load() {
		d.mu.compact.cond.Wait()
	}
	if d.closed.Load() {
		return ErrClosed
	}
	return d.mu.bgErr
}

// setBackgroundErrorLocked latches err as the background error if none is
// set yet and notifies the event listener. Waiters on the compaction
// condition are woken so that they observe the error.
//
// d.mu must be held.
func (d *DB) setBackgroundErrorLocked(err error) {
	if d.mu.bgErr != nil {
		return
	}
	d.mu.bgErr = err
	d.opts.EventListener.BackgroundError(err)
	d.mu.compact.cond.Broadcast()
}

// firstError returns the first non-nil error of err0 and err1, or nil if both
// are nil.
func firstError(err0, err1 error) error {
	if err0 != nil {
		return err0
	}
	return err1
}
