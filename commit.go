// Copyright 2018 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package lsmdb

import (
	"sync"
	"time"

	"github.com/cockroachdb/crlib/crtime"
	"github.com/cockroachdb/errors"
	"github.com/lsmdb/lsmdb/internal/base"
	"github.com/lsmdb/lsmdb/record"
)

const (
	// maxBatchGroupSize caps the size of a write group.
	maxBatchGroupSize = 1 << 20
	// smallBatchSize is the size below which a head batch only admits
	// smallBatchSize more bytes into its group, so that a small write is not
	// slowed down by a large group.
	smallBatchSize = 128 << 10
)

// writer is a pending write waiting in DB.mu.writers. A nil batch requests
// that the memtable be rotated.
type writer struct {
	batch *Batch
	sync  bool
	done  bool
	err   error
	cond  sync.Cond
}

// write commits the batch, writing it to the WAL, optionally syncing the WAL,
// and applying it to the memtable. Upon successful return the batch's
// mutations are visible for reading.
//
// Writers queue up in d.mu.writers. Only the writer at the head of the queue
// proceeds: it groups the batches queued behind it into a single WAL record,
// assigns the group a contiguous range of sequence numbers and completes the
// grouped writers with the shared result. Writes are therefore applied in
// queue order, which is also sequence number order.
func (d *DB) write(b *Batch, sync bool) error {
	w := &writer{batch: b, sync: sync}
	w.cond.L = &d.mu.Mutex

	d.mu.Lock()
	defer d.mu.Unlock()

	d.mu.writers = append(d.mu.writers, w)
	// Wait until the write is done by an earlier head, or w is the head.
	for !w.done && w != d.mu.writers[0] {
		w.cond.Wait()
	}
	if w.done {
		return w.err
	}

	err := d.makeRoomForWrite(b == nil)
	last := w
	if err == nil && b != nil {
		var group *Batch
		group, last = d.buildBatchGroup()
		err = d.commitGroupLocked(group, w.sync)
		if group == d.mu.groupBatch {
			d.mu.groupBatch.Reset()
		}
	}

	for {
		ready := d.mu.writers[0]
		d.mu.writers[0] = nil
		d.mu.writers = d.mu.writers[1:]
		if ready != w {
			ready.err = err
			ready.done = true
			ready.cond.Signal()
		}
		if ready == last {
			break
		}
	}

	// Notify the new head of the write queue.
	if len(d.mu.writers) > 0 {
		d.mu.writers[0].cond.Signal()
	} else {
		d.mu.compact.cond.Broadcast()
	}
	return err
}

// commitGroupLocked assigns sequence numbers to the group, appends it to the
// WAL and applies it to the mutable memtable. The mutex is released during
// the I/O: only the head of the write queue writes to the WAL and memtable,
// and the memtable cannot be rotated until it leaves the queue.
//
// d.mu must be held.
func (d *DB) commitGroupLocked(group *Batch, sync bool) error {
	count := SeqNum(group.Count())
	if count == 0 {
		return nil
	}
	seqNum := d.mu.versions.lastSeqNum.Load() + 1
	group.setSeqNum(seqNum)

	mem := d.mu.mem.mutable
	logWriter := d.mu.log.Writer
	logFile := d.mu.log.file

	d.mu.Unlock()
	var walErr, err error
	if _, walErr = logWriter.WriteRecord(group.Repr()); walErr == nil && sync {
		start := crtime.NowMono()
		walErr = logFile.Sync()
		if h := d.opts.WALFsyncLatency; h != nil {
			h.Observe(start.Elapsed().Seconds())
		}
	}
	if walErr == nil {
		err = mem.apply(group, seqNum)
	}
	d.mu.Lock()

	if walErr != nil {
		// The state of the log file is indeterminate: the record may or may
		// not be durable. Every later write fails.
		walErr = errors.Wrapf(base.MarkIOError(walErr), "lsmdb: WAL %s", d.mu.log.number)
		d.setBackgroundErrorLocked(walErr)
		return walErr
	}
	d.mu.log.bytesIn += uint64(len(group.Repr()))
	if err != nil {
		// Some of the group's entries may be in the memtable. They stay
		// invisible as long as the sequence number is not published, which
		// the latched error guarantees.
		err = errors.Wrapf(err, "lsmdb: applying batch to memtable")
		d.setBackgroundErrorLocked(err)
		return err
	}
	d.mu.versions.lastSeqNum.Store(seqNum + count - 1)
	return nil
}

// buildBatchGroup returns a batch holding the head writer's batch and the
// batches of the writers queued behind it that can share its WAL record,
// along with the last writer included. The result is the head's own batch
// when nothing could be grouped with it.
//
// d.mu must be held and the head of d.mu.writers must have a non-nil batch.
func (d *DB) buildBatchGroup() (group *Batch, last *writer) {
	head := d.mu.writers[0]
	group, last = head.batch, head

	size := head.batch.Len()
	maxSize := maxBatchGroupSize
	if size <= smallBatchSize {
		maxSize = size + smallBatchSize
	}

	for _, w := range d.mu.writers[1:] {
		if w.sync && !head.sync {
			// Do not include a sync write into a batch handled by a non-sync
			// write.
			break
		}
		if w.batch == nil {
			// Memtable rotations are handled by their own writer.
			break
		}
		size += w.batch.Len()
		if size > maxSize {
			break
		}
		if group == head.batch {
			if d.mu.groupBatch == nil {
				d.mu.groupBatch = newBatch(d)
			}
			group = d.mu.groupBatch
			if err := group.Apply(head.batch, nil); err != nil {
				group.Reset()
				return head.batch, head
			}
		}
		if err := group.Apply(w.batch, nil); err != nil {
			break
		}
		last = w
	}
	return group, last
}

// makeRoomForWrite ensures that the memtable has room to hold the next write,
// rotating to a new memtable and WAL when it does not. If force is true the
// memtable is rotated even if it has room.
//
// d.mu must be held and the caller must be the head of the write queue. The
// mutex may be released and reacquired.
func (d *DB) makeRoomForWrite(force bool) error {
	allowDelay := !force
	stalled := false
	defer func() {
		if stalled {
			d.opts.EventListener.WriteStallEnd()
		}
	}()

	for {
		switch {
		case d.mu.bgErr != nil:
			return d.mu.bgErr

		case d.closed.Load():
			return ErrClosed

		case allowDelay && d.mu.versions.numLevelFiles(0) >= d.opts.L0SlowdownWritesTrigger:
			// We are getting close to hitting a hard limit on the number of
			// L0 files. Rather than delaying a single write by several
			// seconds when we hit the hard limit, start delaying each
			// individual write by 1ms to reduce latency variance. This delay
			// hands over some CPU to the compaction goroutine in case it is
			// sharing the same core as the writer.
			d.mu.Unlock()
			time.Sleep(time.Millisecond)
			d.mu.Lock()
			// Do not delay a single write more than once.
			allowDelay = false

		case !force && d.mu.mem.mutable.approximateMemoryUsage() <= uint64(d.opts.WriteBufferSize):
			// There is room in the current memtable.
			return nil

		case d.mu.mem.imm != nil:
			// We have filled up the current memtable, but the previous one is
			// still being flushed, so we wait.
			if !stalled {
				stalled = true
				d.opts.EventListener.WriteStallBegin(WriteStallBeginInfo{
					Reason: "memtable flush pending",
				})
			}
			d.mu.compact.cond.Wait()

		case d.mu.versions.numLevelFiles(0) >= d.opts.L0StopWritesTrigger:
			// There are too many level-0 files, so we wait.
			if !stalled {
				stalled = true
				d.opts.EventListener.WriteStallBegin(WriteStallBeginInfo{
					Reason: "L0 file count limit exceeded",
				})
			}
			d.mu.compact.cond.Wait()

		default:
			if err := d.rotateMemTableLocked(); err != nil {
				return err
			}
			// Do not force another rotation.
			force = false
		}
	}
}

// rotateMemTableLocked switches to a new WAL and memtable. The current
// memtable becomes the immutable memtable and its flush is scheduled.
//
// d.mu must be held and d.mu.mem.imm must be nil.
func (d *DB) rotateMemTableLocked() error {
	jobID := d.mu.nextJobID
	d.mu.nextJobID++

	newLogNum := d.mu.versions.getNextFileNum()
	newLogName := base.MakeFilepath(d.opts.FS, d.dirname, fileTypeLog, newLogNum)
	newLogFile, err := d.opts.FS.Create(newLogName)
	if err == nil {
		if err = syncDir(d.opts.FS, d.dirname); err != nil {
			_ = newLogFile.Close()
			_ = d.opts.FS.Remove(newLogName)
		}
	}
	d.opts.EventListener.WALCreated(WALCreateInfo{
		JobID:   jobID,
		Path:    newLogName,
		FileNum: newLogNum,
		Err:     err,
	})
	if err != nil {
		// Avoid chewing through file numbers in a tight loop.
		d.mu.versions.reuseFileNum(newLogNum)
		return err
	}

	if err := d.closeLogLocked(); err != nil {
		// We may have lost writes in the old log. Keep going, but refuse
		// further writes.
		d.setBackgroundErrorLocked(err)
	}
	d.mu.log.Writer = record.NewWriter(newLogFile)
	d.mu.log.file = newLogFile
	d.mu.log.number = newLogNum

	d.mu.mem.imm = d.mu.mem.mutable
	d.hasImm.Store(true)
	d.mu.mem.mutable = newMemTable(d.opts, newLogNum)
	d.updateReadStateLocked()
	d.maybeScheduleCompaction()
	return nil
}

// closeLogLocked finishes and closes the current WAL, if any.
func (d *DB) closeLogLocked() error {
	if d.mu.log.Writer == nil {
		return nil
	}
	err := d.mu.log.Writer.Close()
	err = firstError(err, d.mu.log.file.Close())
	d.mu.log.Writer, d.mu.log.file = nil, nil
	return err
}
