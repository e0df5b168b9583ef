// Copyright 2013 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package lsmdb

import (
	"context"
	"runtime/pprof"

	"github.com/cockroachdb/crlib/crtime"
	"github.com/cockroachdb/errors"
	"github.com/lsmdb/lsmdb/internal/base"
	"github.com/lsmdb/lsmdb/internal/manifest"
	"github.com/lsmdb/lsmdb/sstable"
	"github.com/lsmdb/lsmdb/vfs"
)

var compactLabels = pprof.Labels("lsmdb", "compact")

// manualCompaction is a request, made by DB.Compact, to compact the files at
// level overlapping [start, end] into level+1. A nil bound is unbounded.
// The request is processed in steps by the background goroutine; start
// advances past the inputs of each step until the range is covered.
type manualCompaction struct {
	level int
	start []byte
	end   []byte
	done  bool
}

// maybeScheduleCompaction schedules a compaction if necessary.
//
// d.mu must be held when calling this.
func (d *DB) maybeScheduleCompaction() {
	if d.mu.compact.compacting || d.closed.Load() || d.mu.bgErr != nil {
		return
	}
	if d.mu.mem.imm == nil && d.mu.compact.manual == nil {
		if d.opts.DisableAutomaticCompactions {
			return
		}
		v := d.mu.versions.currentVersion()
		if v.CompactionScore < 1 && v.FileToCompact == nil {
			// There is no work to be done.
			return
		}
	}
	d.mu.compact.compacting = true
	go func() {
		pprof.Do(context.Background(), compactLabels, func(context.Context) {
			d.compact()
		})
	}()
}

// compact runs one compaction and maybe schedules another call to compact.
func (d *DB) compact() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.compact1(); err != nil && !d.closed.Load() {
		d.opts.Logger.Errorf("background error: %v", err)
		d.setBackgroundErrorLocked(err)
	}
	d.mu.compact.compacting = false
	// The previous compaction may have produced too many files in a
	// level, so reschedule another compaction if needed.
	d.maybeScheduleCompaction()
	d.mu.compact.cond.Broadcast()
}

// compact1 runs one flush or compaction. A pending memtable flush takes
// priority, then a manual compaction request, then the best automatic
// compaction.
//
// d.mu must be held when calling this, but the mutex may be dropped and
// re-acquired during the course of this method.
func (d *DB) compact1() (err error) {
	if d.mu.mem.imm != nil {
		return d.flushImmLocked()
	}

	var c *compaction
	var manualEnd InternalKey
	m := d.mu.compact.manual
	if m != nil {
		c = pickManualCompaction(&d.mu.versions, d.opts, m.level, m.start, m.end)
		m.done = c == nil
		if c != nil {
			_, manualEnd = manifest.KeyRange(d.cmp, c.inputs[0], nil)
		}
		defer func() {
			if err != nil {
				// Abandon the request: the error is latched and reported to
				// the waiter.
				m.done = true
			}
			if !m.done {
				// Only part of the range was compacted; the next step
				// starts after it.
				m.start = append([]byte(nil), manualEnd.UserKey...)
			}
			d.mu.compact.manual = nil
		}()
	} else {
		c = pickCompaction(&d.mu.versions, d.opts)
	}
	if c == nil {
		return nil
	}

	// The inputs must remain referenced while the mutex is released.
	c.version.Ref()
	defer c.version.UnrefLocked()

	jobID := d.mu.nextJobID
	d.mu.nextJobID++
	info := CompactionInfo{
		JobID:  jobID,
		Reason: c.reason,
		Input:  c.inputInfo(),
	}
	d.opts.EventListener.CompactionBegin(info)
	startTime := crtime.NowMono()

	if !c.manual && c.isTrivialMove() {
		// Move the file to the next level without rewriting it.
		meta := c.inputs[0][0]
		ve := &versionEdit{
			DeletedFiles: map[deletedFileEntry]bool{
				{Level: c.level, FileNum: meta.FileNum}: true,
			},
			NewFiles: []newFileEntry{
				{Level: c.level + 1, Meta: meta},
			},
			CompactPointers: []manifest.CompactPointerEntry{
				{Level: c.level, Key: c.compactPointer},
			},
		}
		err := d.mu.versions.logAndApply(jobID, ve)
		info.Done = true
		info.TrivialMove = true
		info.Duration = startTime.Elapsed()
		info.Err = err
		if err == nil {
			info.Output = LevelInfo{Level: c.level + 1, Tables: []TableInfo{tableInfo(meta)}}
			d.updateReadStateLocked()
			stats := &d.mu.compact.stats[c.level+1]
			stats.BytesMoved += meta.Size
			stats.Count++
			d.mu.compact.count++
			d.opts.Logger.Infof("[JOB %d] moved %s to L%d (%d bytes)", jobID, meta.FileNum, c.level+1, meta.Size)
		}
		d.opts.EventListener.CompactionEnd(info)
		return err
	}

	ve, pendingOutputs, err := d.runCompaction(jobID, c)
	if err == nil {
		err = d.mu.versions.logAndApply(jobID, ve)
	}
	for _, fileNum := range pendingOutputs {
		delete(d.mu.compact.pendingOutputs, fileNum)
	}
	info.Done = true
	info.Duration = startTime.Elapsed()
	info.Err = err
	if err != nil {
		d.opts.EventListener.CompactionEnd(info)
		return err
	}

	info.Output.Level = c.level + 1
	for _, nf := range ve.NewFiles {
		info.Output.Tables = append(info.Output.Tables, tableInfo(nf.Meta))
	}
	stats := &d.mu.compact.stats[c.level+1]
	stats.BytesRead += manifest.TotalSize(c.inputs[0]) + manifest.TotalSize(c.inputs[1])
	stats.BytesWritten += tablesTotalSize(info.Output.Tables)
	stats.Duration += info.Duration
	stats.Count++
	d.mu.compact.count++

	d.updateReadStateLocked()
	d.opts.EventListener.CompactionEnd(info)
	d.deleteObsoleteFiles(jobID)
	return nil
}

// flushImmLocked writes the immutable memtable to a level 0 table, installs
// it and releases the memtable. The logs older than the mutable memtable's
// log are obsolete once the edit is durable. An empty memtable produces no
// table.
//
// d.mu must be held when calling this, but the mutex may be dropped and
// re-acquired during the course of this method.
func (d *DB) flushImmLocked() error {
	imm := d.mu.mem.imm
	jobID := d.mu.nextJobID
	d.mu.nextJobID++

	info := FlushInfo{
		JobID:  jobID,
		Reason: "memtable full",
	}
	d.opts.EventListener.FlushBegin(info)
	startTime := crtime.NowMono()

	meta, err := d.writeLevel0Table(jobID, imm)
	if err == nil {
		ve := &versionEdit{
			// Earlier logs are no longer needed.
			LogNum: d.mu.mem.mutable.logNum,
		}
		if meta != nil {
			ve.NewFiles = []newFileEntry{{Level: 0, Meta: meta}}
		}
		err = d.mu.versions.logAndApply(jobID, ve)
	}
	if meta != nil {
		delete(d.mu.compact.pendingOutputs, meta.FileNum)
	}

	info.Done = true
	info.Duration = startTime.Elapsed()
	info.Err = err
	if err != nil {
		if meta != nil {
			// The table never made it into a version.
			_ = d.opts.FS.Remove(base.MakeFilepath(d.opts.FS, d.dirname, fileTypeTable, meta.FileNum))
		}
		d.opts.EventListener.FlushEnd(info)
		return err
	}

	if meta != nil {
		info.Output = []TableInfo{tableInfo(meta)}
		stats := &d.mu.compact.stats[0]
		stats.BytesWritten += meta.Size
		stats.Duration += info.Duration
		stats.Count++
	}
	d.mu.compact.flushCount++

	d.mu.mem.imm = nil
	d.hasImm.Store(false)
	d.updateReadStateLocked()
	imm.unref()

	d.opts.EventListener.FlushEnd(info)
	d.deleteObsoleteFiles(jobID)
	return nil
}

// writeLevel0Table writes the contents of mem to a new table, returning its
// metadata. It returns nil metadata and no error when mem is empty. The
// table's file number stays in pendingOutputs until the caller installs or
// abandons it.
//
// d.mu must be held when calling this, but the mutex may be dropped and
// re-acquired during the course of this method.
func (d *DB) writeLevel0Table(jobID int, mem *memTable) (meta *fileMetadata, err error) {
	if mem.empty() {
		return nil, nil
	}
	fileNum := d.mu.versions.getNextFileNum()
	d.mu.compact.pendingOutputs[fileNum] = struct{}{}
	filename := base.MakeFilepath(d.opts.FS, d.dirname, fileTypeTable, fileNum)

	// Release the d.mu lock while doing I/O.
	// Note the unusual order: Unlock and then Lock.
	d.mu.Unlock()
	defer d.mu.Lock()

	d.opts.EventListener.TableCreated(TableCreateInfo{
		JobID:   jobID,
		Reason:  "flushing",
		Path:    filename,
		FileNum: fileNum,
	})

	iter := mem.newIter()
	wm, err := writeTable(d.opts.FS, filename, d.opts.MakeWriterOptions(), iter)
	if err == nil {
		err = iter.Error()
	}
	err = firstError(err, iter.Close())
	if err != nil {
		_ = d.opts.FS.Remove(filename)
		// Keep the number reserved until the caller releases it.
		return &fileMetadata{FileNum: fileNum}, err
	}
	return &fileMetadata{
		FileNum:        fileNum,
		Size:           wm.Size,
		Smallest:       wm.Smallest,
		Largest:        wm.Largest,
		SmallestSeqNum: wm.SmallestSeqNum,
		LargestSeqNum:  wm.LargestSeqNum,
	}, nil
}

// writeTable writes every entry of iter to a new table at filename. On
// error the partially written file is left for the caller to remove.
func writeTable(
	fs vfs.FS, filename string, o sstable.WriterOptions, iter internalIterator,
) (*sstable.WriterMetadata, error) {
	f, err := fs.Create(filename)
	if err != nil {
		return nil, err
	}
	tw := sstable.NewWriter(f, o)
	for valid := iter.First(); valid; valid = iter.Next() {
		if err := tw.Add(iter.Key(), iter.Value()); err != nil {
			_ = tw.Close()
			return nil, err
		}
	}
	if err := tw.Close(); err != nil {
		return nil, err
	}
	return tw.Metadata()
}

// runCompaction merges the inputs of c into a new set of level+1 tables and
// returns the edit that replaces the inputs with them, along with the file
// numbers of the tables written. The caller removes those numbers from
// pendingOutputs once the edit has been applied or abandoned.
//
// d.mu must be held when calling this, but the mutex may be dropped and
// re-acquired during the course of this method.
func (d *DB) runCompaction(
	jobID int, c *compaction,
) (ve *versionEdit, pendingOutputs []FileNum, retErr error) {
	// Entries visible to the oldest live snapshot must be kept.
	smallestSnapshot := d.mu.versions.lastSeqNum.Load()
	if s := d.mu.snapshots.earliest(); s < smallestSnapshot {
		smallestSnapshot = s
	}

	d.opts.Logger.Infof("[JOB %d] compacting %s", jobID, c)

	// Release the d.mu lock while doing I/O.
	// Note the unusual order: Unlock and then Lock.
	d.mu.Unlock()
	defer d.mu.Lock()

	iter, err := d.newCompactionInputIter(c)
	if err != nil {
		return nil, nil, err
	}
	citer := newCompactionIter(d.cmp, iter, smallestSnapshot, c.isBaseLevelForKey)

	ve = &versionEdit{
		DeletedFiles: map[deletedFileEntry]bool{},
		CompactPointers: []manifest.CompactPointerEntry{
			{Level: c.level, Key: c.compactPointer},
		},
	}

	var (
		fileNum  FileNum
		filename string
		tw       *sstable.Writer
		written  []string
	)
	defer func() {
		retErr = firstError(retErr, citer.Close())
		if tw != nil {
			retErr = firstError(retErr, tw.Close())
		}
		if retErr != nil {
			for _, name := range written {
				_ = d.opts.FS.Remove(name)
			}
		}
	}()

	newOutput := func() error {
		d.mu.Lock()
		fileNum = d.mu.versions.getNextFileNum()
		d.mu.compact.pendingOutputs[fileNum] = struct{}{}
		pendingOutputs = append(pendingOutputs, fileNum)
		d.mu.Unlock()

		filename = base.MakeFilepath(d.opts.FS, d.dirname, fileTypeTable, fileNum)
		written = append(written, filename)
		file, err := d.opts.FS.Create(filename)
		d.opts.EventListener.TableCreated(TableCreateInfo{
			JobID:   jobID,
			Reason:  "compacting",
			Path:    filename,
			FileNum: fileNum,
		})
		if err != nil {
			return err
		}
		tw = sstable.NewWriter(file, d.opts.MakeWriterOptions())
		return nil
	}

	finishOutput := func() error {
		w := tw
		tw = nil
		if err := w.Close(); err != nil {
			return err
		}
		wm, err := w.Metadata()
		if err != nil {
			return err
		}
		ve.NewFiles = append(ve.NewFiles, newFileEntry{
			Level: c.level + 1,
			Meta: &fileMetadata{
				FileNum:        fileNum,
				Size:           wm.Size,
				Smallest:       wm.Smallest,
				Largest:        wm.Largest,
				SmallestSeqNum: wm.SmallestSeqNum,
				LargestSeqNum:  wm.LargestSeqNum,
			},
		})
		return nil
	}

	for valid := citer.First(); valid; valid = citer.Next() {
		if d.closed.Load() {
			return nil, pendingOutputs, ErrClosed
		}
		// Prioritize flushing the immutable memtable: writers may be
		// waiting on it.
		if d.hasImm.Load() {
			d.mu.Lock()
			if d.mu.mem.imm != nil {
				if err := d.flushImmLocked(); err != nil {
					d.mu.Unlock()
					return nil, pendingOutputs, err
				}
				d.mu.compact.cond.Broadcast()
			}
			d.mu.Unlock()
		}

		key := citer.Key()
		if c.shouldStopBefore(key) && tw != nil {
			if err := finishOutput(); err != nil {
				return nil, pendingOutputs, err
			}
		}
		if tw == nil {
			if err := newOutput(); err != nil {
				return nil, pendingOutputs, err
			}
		}
		if err := tw.Add(key, citer.Value()); err != nil {
			return nil, pendingOutputs, err
		}
		if tw.EstimatedSize() >= c.maxOutputFileSize {
			if err := finishOutput(); err != nil {
				return nil, pendingOutputs, err
			}
		}
	}
	if err := citer.Error(); err != nil {
		return nil, pendingOutputs, err
	}
	if tw != nil {
		if err := finishOutput(); err != nil {
			return nil, pendingOutputs, err
		}
	}

	for i := 0; i < 2; i++ {
		for _, f := range c.inputs[i] {
			ve.DeletedFiles[deletedFileEntry{
				Level:   c.level + i,
				FileNum: f.FileNum,
			}] = true
		}
	}
	d.opts.Logger.Infof("[JOB %d] compacted %d+%d files at L%d into %d files (%d entries dropped)",
		jobID, len(c.inputs[0]), len(c.inputs[1]), c.level, len(ve.NewFiles), citer.dropped)
	return ve, pendingOutputs, nil
}

// newCompactionInputIter returns a merging iterator over the inputs of c.
// Level 0 inputs may overlap, so each gets its own iterator; the inputs of
// other levels are concatenated. Blocks read by a compaction are not cached.
func (d *DB) newCompactionInputIter(c *compaction) (_ internalIterator, retErr error) {
	opts := &IterOptions{
		VerifyChecksums: d.opts.ParanoidChecks,
		DontFillCache:   true,
	}
	newIter := func(meta *fileMetadata) (internalIterator, error) {
		return d.tableCache.newIter(meta, opts)
	}

	iters := make([]internalIterator, 0, len(c.inputs[0])+1)
	defer func() {
		if retErr != nil {
			for _, iter := range iters {
				_ = iter.Close()
			}
		}
	}()

	if c.level == 0 {
		for _, f := range c.inputs[0] {
			iter, err := newIter(f)
			if err != nil {
				return nil, errors.Wrapf(err, "lsmdb: could not open table %s", f.FileNum)
			}
			iters = append(iters, iter)
		}
	} else {
		iters = append(iters, newLevelIter(d.cmp, newIter, c.inputs[0]))
	}
	if len(c.inputs[1]) > 0 {
		iters = append(iters, newLevelIter(d.cmp, newIter, c.inputs[1]))
	}
	return newMergingIter(d.cmp, iters...), nil
}

// manualCompact compacts the files at level overlapping [start, end] into
// level+1, returning once the range is covered, or the DB is closed or has
// a background error.
func (d *DB) manualCompact(level int, start, end []byte) error {
	m := &manualCompaction{
		level: level,
		start: start,
		end:   end,
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	for !m.done && !d.closed.Load() && d.mu.bgErr == nil {
		if d.mu.compact.manual == nil {
			// Idle: run the next step of the request.
			d.mu.compact.manual = m
			d.maybeScheduleCompaction()
		}
		d.mu.compact.cond.Wait()
	}
	if d.mu.compact.manual == m {
		// Cancel the request.
		d.mu.compact.manual = nil
	}
	if d.mu.bgErr != nil {
		return d.mu.bgErr
	}
	if d.closed.Load() {
		return ErrClosed
	}
	return nil
}
