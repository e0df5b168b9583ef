// Copyright 2019 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package lsmdb

import (
	"context"
	"runtime/pprof"
	"slices"
	"sync"
	"time"

	"github.com/cockroachdb/errors/oserror"
	"github.com/cockroachdb/tokenbucket"
	"github.com/lsmdb/lsmdb/internal/base"
)

var gcLabels = pprof.Labels("lsmdb", "gc")

// cleanupManager deletes obsolete files on a background goroutine, so that
// file removal never happens with DB.mu held. Table deletions are paced when
// Options.TargetByteDeletionRate is set.
type cleanupManager struct {
	opts *Options

	// jobsCh is used as the cleanup job queue.
	jobsCh chan *cleanupJob
	// waitGroup is used to wait for the background goroutine to exit.
	waitGroup sync.WaitGroup

	mu struct {
		sync.Mutex
		queuedJobs        int
		completedJobs     int
		completedJobsCond sync.Cond
	}
}

// In practice, we should rarely have more than a couple of jobs.
const jobsChLen = 10000

// obsoleteFile holds information about a file that needs to be deleted soon.
type obsoleteFile struct {
	dir      string
	fileNum  FileNum
	fileType base.FileType
	fileSize uint64
}

type cleanupJob struct {
	jobID         int
	obsoleteFiles []obsoleteFile
}

// openCleanupManager creates a cleanupManager and starts its background
// goroutine. The cleanupManager must be Close()d.
func openCleanupManager(opts *Options) *cleanupManager {
	cm := &cleanupManager{
		opts:   opts,
		jobsCh: make(chan *cleanupJob, jobsChLen),
	}
	cm.mu.completedJobsCond.L = &cm.mu.Mutex
	cm.waitGroup.Add(1)

	go func() {
		pprof.Do(context.Background(), gcLabels, func(context.Context) {
			cm.mainLoop()
		})
	}()

	return cm
}

// Close stops the background goroutine, waiting until all queued jobs are
// completed.
func (cm *cleanupManager) Close() {
	close(cm.jobsCh)
	cm.waitGroup.Wait()
}

// EnqueueJob adds a cleanup job to the manager's queue.
func (cm *cleanupManager) EnqueueJob(jobID int, obsoleteFiles []obsoleteFile) {
	job := &cleanupJob{
		jobID:         jobID,
		obsoleteFiles: obsoleteFiles,
	}
	cm.mu.Lock()
	defer cm.mu.Unlock()
	select {
	case cm.jobsCh <- job:
		cm.mu.queuedJobs++

	default:
		// Something is terribly wrong... Just drop the job. The files are
		// found again by the next directory scan.
		cm.opts.Logger.Infof("cleanup jobs queue full")
	}
}

// Wait until the completion of all jobs that were already queued.
//
// Does not wait for jobs that are enqueued during the call.
func (cm *cleanupManager) Wait() {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	n := cm.mu.queuedJobs
	for cm.mu.completedJobs < n {
		cm.mu.completedJobsCond.Wait()
	}
}

// mainLoop runs the manager's background goroutine.
func (cm *cleanupManager) mainLoop() {
	defer cm.waitGroup.Done()
	useLimiter := false
	var limiter tokenbucket.TokenBucket

	if r := cm.opts.TargetByteDeletionRate; r != 0 {
		useLimiter = true
		limiter.Init(tokenbucket.TokensPerSecond(r), tokenbucket.Tokens(r))
	}

	for job := range cm.jobsCh {
		for _, of := range job.obsoleteFiles {
			if of.fileType == fileTypeTable && useLimiter {
				cm.maybePace(&limiter, of.fileSize)
			}
			cm.deleteObsoleteFile(job.jobID, of)
		}
		cm.mu.Lock()
		cm.mu.completedJobs++
		cm.mu.completedJobsCond.Broadcast()
		cm.mu.Unlock()
	}
}

// maybePace sleeps before deleting a table until the limiter has tokens for
// its size. It is always called from the background goroutine.
func (cm *cleanupManager) maybePace(limiter *tokenbucket.TokenBucket, fileSize uint64) {
	for {
		ok, d := limiter.TryToFulfill(tokenbucket.Tokens(fileSize))
		if ok {
			break
		}
		time.Sleep(d)
	}
}

// deleteObsoleteFile deletes a file that is no longer needed and reports the
// deletion to the event listener.
func (cm *cleanupManager) deleteObsoleteFile(jobID int, of obsoleteFile) {
	path := base.MakeFilepath(cm.opts.FS, of.dir, of.fileType, of.fileNum)
	err := cm.opts.FS.Remove(path)
	if oserror.IsNotExist(err) {
		return
	}

	switch of.fileType {
	case fileTypeLog:
		cm.opts.EventListener.WALDeleted(WALDeleteInfo{
			JobID:   jobID,
			Path:    path,
			FileNum: of.fileNum,
			Err:     err,
		})
	case fileTypeManifest:
		cm.opts.EventListener.ManifestDeleted(ManifestDeleteInfo{
			JobID:   jobID,
			Path:    path,
			FileNum: of.fileNum,
			Err:     err,
		})
	case fileTypeTable, fileTypeOldTable:
		cm.opts.EventListener.TableDeleted(TableDeleteInfo{
			JobID:   jobID,
			Path:    path,
			FileNum: of.fileNum,
			Err:     err,
		})
	default:
		if err != nil {
			cm.opts.Logger.Errorf("[JOB %d] deleting %s: %v", jobID, path, err)
		}
	}
}

// deleteObsoleteFiles scans the DB directory and queues the deletion of every
// file that no live version, pending output or current log references:
//
//   - logs older than the log number recorded in the manifest, other than
//     the previous log;
//   - manifests older than the current one;
//   - tables and temp files not referenced by any live version nor being
//     written.
//
// Nothing is deleted after a background error: the state of the files on
// disk is then uncertain.
//
// d.mu must be held when calling this.
func (d *DB) deleteObsoleteFiles(jobID int) {
	if d.mu.bgErr != nil {
		return
	}

	live := make(map[FileNum]struct{}, len(d.mu.compact.pendingOutputs))
	for fileNum := range d.mu.compact.pendingOutputs {
		live[fileNum] = struct{}{}
	}
	d.mu.versions.addLiveFileNums(live)

	list, err := d.opts.FS.List(d.dirname)
	if err != nil {
		// Ignore errors: the files are found by a later scan.
		d.opts.Logger.Errorf("[JOB %d] listing %q: %v", jobID, d.dirname, err)
		return
	}
	slices.Sort(list)

	var obsolete []obsoleteFile
	for _, filename := range list {
		fileType, fileNum, ok := base.ParseFilename(d.opts.FS, filename)
		if !ok {
			continue
		}
		keep := true
		switch fileType {
		case fileTypeLog:
			keep = fileNum >= d.mu.versions.logNum || fileNum == d.mu.versions.prevLogNum
		case fileTypeManifest:
			// Keep the current manifest, and any newer one in case it is
			// being created.
			keep = fileNum >= d.mu.versions.manifestFileNum
		case fileTypeTable, fileTypeOldTable:
			_, keep = live[fileNum]
		case fileTypeTemp:
			// A temp file may hold the contents of a new CURRENT.
			_, keep = live[fileNum]
			keep = keep || fileNum >= d.mu.versions.manifestFileNum
		}
		if keep {
			continue
		}
		of := obsoleteFile{
			dir:      d.dirname,
			fileNum:  fileNum,
			fileType: fileType,
		}
		if fileType == fileTypeTable || fileType == fileTypeOldTable {
			d.tableCache.evict(fileNum)
			if info, err := d.opts.FS.Stat(d.opts.FS.PathJoin(d.dirname, filename)); err == nil {
				of.fileSize = uint64(info.Size())
			}
		}
		obsolete = append(obsolete, of)
	}
	if len(obsolete) > 0 {
		d.cleaner.EnqueueJob(jobID, obsolete)
	}
}
