// Copyright 2012 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package lsmdb

import (
	"bytes"
	"cmp"
	"io"
	"slices"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/lsmdb/lsmdb/internal/base"
	"github.com/lsmdb/lsmdb/record"
	"github.com/lsmdb/lsmdb/vfs"
)

// Open opens a DB whose files live in the given directory.
//
// The directory is locked for the lifetime of the DB. Open replays the WALs
// that were not flushed before the DB was last closed, so that every write
// acknowledged before a crash is visible again.
func Open(dirname string, opts *Options) (db *DB, err error) {
	// Make a copy of the options so that we don't mutate the passed in options.
	var o Options
	if opts != nil {
		o = *opts
	}
	opts = o.EnsureDefaults()
	if err := opts.Validate(); err != nil {
		return nil, err
	}

	var infoLog *infoLogger
	if opts.InfoLog {
		if infoLog, err = openInfoLog(opts.FS, dirname, opts.Logger); err != nil {
			return nil, err
		}
		opts.Logger = infoLog
		opts.EventListener = TeeEventListener(opts.EventListener,
			MakeLoggingEventListener(infoLogFileOnly{infoLog}))
		infoLog.output("opening %s\n%s", dirname, opts)
	}

	d := &DB{
		dirname: dirname,
		opts:    opts,
		cmp:     opts.Comparer.Compare,
		equal:   opts.Comparer.Equal,
		infoLog: infoLog,
	}
	if d.equal == nil {
		d.equal = bytes.Equal
	}
	if opts.Cache == nil {
		opts.Cache = NewCache(opts.CacheSize)
	} else {
		opts.Cache.Ref()
	}
	d.cacheID = opts.Cache.NewID()
	readerOpts := opts.MakeReaderOptions()
	readerOpts.CacheID = d.cacheID
	d.tableCache.init(dirname, opts.FS, readerOpts, opts.tableCacheSize())
	d.mu.nextJobID = 1
	d.mu.compact.cond.L = &d.mu.Mutex
	d.mu.compact.pendingOutputs = make(map[FileNum]struct{})
	d.mu.snapshots.init()

	d.mu.Lock()
	defer d.mu.Unlock()

	var fileLock io.Closer
	defer func() {
		if err == nil {
			return
		}
		_ = d.closeLogLocked()
		_ = d.tableCache.close()
		_ = d.mu.versions.close()
		if d.cleaner != nil {
			d.cleaner.Close()
		}
		opts.Cache.Unref()
		if fileLock != nil {
			_ = fileLock.Close()
		}
		if infoLog != nil {
			_ = infoLog.close()
		}
	}()

	if err := opts.FS.MkdirAll(dirname, 0755); err != nil {
		return nil, err
	}

	// Lock the database directory.
	fileLock, err = opts.FS.Lock(base.MakeFilepath(opts.FS, dirname, fileTypeLock, 0))
	if err != nil {
		return nil, errors.Wrapf(err, "lsmdb: could not lock database %q", dirname)
	}

	jobID := d.mu.nextJobID
	d.mu.nextJobID++

	currentName := base.MakeFilepath(opts.FS, dirname, fileTypeCurrent, 0)
	if !vfs.Exists(opts.FS, currentName) {
		if !opts.CreateIfMissing {
			return nil, base.InvalidArgumentErrorf("lsmdb: database %q does not exist", dirname)
		}
		// Create the DB if it did not already exist.
		if err := createDB(dirname, opts); err != nil {
			return nil, err
		}
	} else if opts.ErrorIfExists {
		return nil, base.InvalidArgumentErrorf("lsmdb: database %q already exists", dirname)
	}

	// Load the version set.
	if err := d.mu.versions.load(dirname, opts, &d.mu.Mutex); err != nil {
		return nil, err
	}
	d.cleaner = openCleanupManager(opts)

	ls, err := opts.FS.List(dirname)
	if err != nil {
		return nil, err
	}

	// Check that every table of the current version is present, and find
	// the logs that may hold unflushed writes.
	type fileNumAndName struct {
		num  FileNum
		name string
	}
	var logFiles []fileNumAndName
	expected := make(map[FileNum]struct{})
	d.mu.versions.addLiveFileNums(expected)
	for _, filename := range ls {
		ft, fn, ok := base.ParseFilename(opts.FS, filename)
		if !ok {
			continue
		}
		switch ft {
		case fileTypeLog:
			if fn >= d.mu.versions.logNum || fn == d.mu.versions.prevLogNum {
				logFiles = append(logFiles, fileNumAndName{fn, filename})
			}
		case fileTypeTable, fileTypeOldTable:
			delete(expected, fn)
		}
	}
	if len(expected) > 0 {
		missing := make([]string, 0, len(expected))
		for fn := range expected {
			missing = append(missing, base.MakeFilename(fileTypeTable, fn))
		}
		slices.Sort(missing)
		return nil, base.CorruptionErrorf("lsmdb: database %q: %d missing files: %s",
			dirname, errors.Safe(len(missing)), strings.Join(missing, ", "))
	}
	slices.SortFunc(logFiles, func(a, b fileNumAndName) int {
		return cmp.Compare(a.num, b.num)
	})

	// Tables written during recovery must not take the number of a log
	// that has yet to be replayed.
	for _, lf := range logFiles {
		d.mu.versions.markFileNumUsed(lf.num)
	}

	// Replay any newer log files than the ones named in the manifest.
	var ve versionEdit
	maxSeqNum := d.mu.versions.lastSeqNum.Load()
	for i, lf := range logFiles {
		seqNum, err := d.replayWAL(jobID, &ve, opts.FS.PathJoin(dirname, lf.name), lf.num, i == len(logFiles)-1)
		if err != nil {
			return nil, err
		}
		if maxSeqNum < seqNum {
			maxSeqNum = seqNum
		}
	}
	d.mu.versions.lastSeqNum.Store(maxSeqNum)

	if d.mu.log.Writer == nil {
		// Create an empty .log file.
		newLogNum := d.mu.versions.getNextFileNum()
		newLogName := base.MakeFilepath(opts.FS, dirname, fileTypeLog, newLogNum)
		logFile, err := opts.FS.Create(newLogName)
		if err != nil {
			return nil, err
		}
		if err := syncDir(opts.FS, dirname); err != nil {
			_ = logFile.Close()
			return nil, err
		}
		d.opts.EventListener.WALCreated(WALCreateInfo{
			JobID:   jobID,
			Path:    newLogName,
			FileNum: newLogNum,
		})
		d.mu.log.Writer = record.NewWriter(logFile)
		d.mu.log.file = logFile
		d.mu.log.number = newLogNum
		d.mu.mem.mutable = newMemTable(opts, newLogNum)
	}
	ve.LogNum = d.mu.log.number
	err = d.mu.versions.logAndApply(jobID, &ve)
	for _, nf := range ve.NewFiles {
		delete(d.mu.compact.pendingOutputs, nf.Meta.FileNum)
	}
	if err != nil {
		return nil, err
	}
	d.updateReadStateLocked()

	d.deleteObsoleteFiles(jobID)
	d.maybeScheduleCompaction()

	d.fileLock, fileLock = fileLock, nil
	return d, nil
}

// replayWAL replays the batches in the specified log file into memtables,
// writing a level 0 table whenever the memtable fills up and for whatever
// remains at the end. The tables are added to ve. It returns the largest
// sequence number found.
//
// If ReuseLogs is set and the log is the last one, was read cleanly and
// needed no flush, the log is reopened for append instead and its memtable
// becomes the mutable memtable.
//
// Corrupted records are skipped, unless ParanoidChecks is set. A torn
// record at the tail of the log is treated as its end.
//
// d.mu must be held when calling this, but the mutex may be dropped and
// re-acquired during the course of this method.
func (d *DB) replayWAL(
	jobID int, ve *versionEdit, filename string, logNum FileNum, lastLog bool,
) (maxSeqNum SeqNum, err error) {
	file, err := d.opts.FS.Open(filename)
	if err != nil {
		return 0, err
	}
	defer func() {
		err = firstError(err, file.Close())
	}()

	var (
		b       Batch
		buf     bytes.Buffer
		mem     *memTable
		rr      = record.NewReader(file)
		flushed bool
		clean   = true
	)

	flush := func() error {
		meta, err := d.writeLevel0Table(jobID, mem)
		if err != nil {
			if meta != nil {
				delete(d.mu.compact.pendingOutputs, meta.FileNum)
			}
			return err
		}
		if meta != nil {
			ve.NewFiles = append(ve.NewFiles, newFileEntry{Level: 0, Meta: meta})
		}
		mem = nil
		flushed = true
		return nil
	}

	// corrupt handles a damaged record: the error is returned under
	// ParanoidChecks, otherwise the record is dropped.
	corrupt := func(err error) error {
		clean = false
		if d.opts.ParanoidChecks {
			return errors.Wrapf(base.MarkCorruptionError(err), "lsmdb: corrupt log file %q", filename)
		}
		d.opts.Logger.Infof("%s: dropping corrupted record at offset %d: %v", filename, rr.Offset(), err)
		return nil
	}

	for {
		r, err := rr.Next()
		if err == nil {
			buf.Reset()
			_, err = io.Copy(&buf, r)
		}
		if err != nil {
			if err == io.EOF {
				break
			}
			if errors.Is(err, io.ErrUnexpectedEOF) {
				// The writer died while appending the last record.
				clean = false
				break
			}
			if !record.IsInvalidRecord(err) {
				return 0, err
			}
			if err := corrupt(err); err != nil {
				return 0, err
			}
			rr.Recover()
			continue
		}

		if err := b.SetRepr(buf.Bytes()); err != nil {
			if err := corrupt(err); err != nil {
				return 0, err
			}
			continue
		}
		seqNum := b.SeqNum()
		if n := b.Count(); n > 0 {
			if last := seqNum + SeqNum(n) - 1; maxSeqNum < last {
				maxSeqNum = last
			}
		}

		if mem == nil {
			mem = newMemTable(d.opts, logNum)
		}
		if err := mem.apply(&b, seqNum); err != nil {
			if err := corrupt(err); err != nil {
				return 0, err
			}
			continue
		}

		if mem.approximateMemoryUsage() > uint64(d.opts.WriteBufferSize) {
			if err := flush(); err != nil {
				return 0, err
			}
		}
	}

	if d.opts.ReuseLogs && lastLog && clean && !flushed && logNum >= d.mu.versions.logNum {
		if err := d.reuseLog(jobID, filename, logNum, mem); err == nil {
			return maxSeqNum, nil
		}
		// Fall back to flushing the log's contents.
	}

	if mem != nil {
		if err := flush(); err != nil {
			return 0, err
		}
	}
	return maxSeqNum, nil
}

// reuseLog reopens the log for append and installs it as the current WAL
// with mem, which holds its replayed contents, as the mutable memtable.
//
// d.mu must be held.
func (d *DB) reuseLog(jobID int, filename string, logNum FileNum, mem *memTable) error {
	info, err := d.opts.FS.Stat(filename)
	if err != nil {
		return err
	}
	f, err := d.opts.FS.OpenForAppend(filename)
	if err != nil {
		return err
	}
	d.opts.EventListener.WALCreated(WALCreateInfo{
		JobID:   jobID,
		Path:    filename,
		FileNum: logNum,
		Reused:  true,
	})
	d.opts.Logger.Infof("reusing log %s", filename)
	d.mu.log.Writer = record.NewWriterAt(f, info.Size())
	d.mu.log.file = f
	d.mu.log.number = logNum
	if mem == nil {
		mem = newMemTable(d.opts, logNum)
	}
	d.mu.mem.mutable = mem
	return nil
}
