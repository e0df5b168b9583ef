// Copyright 2012 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package lsmdb

import (
	"io"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/lsmdb/lsmdb/internal/base"
	"github.com/lsmdb/lsmdb/internal/manifest"
	"github.com/lsmdb/lsmdb/record"
	"github.com/lsmdb/lsmdb/vfs"
)

// versionSet manages a collection of immutable versions, and manages the
// creation of a new version from the most recent version. A new version is
// created from an existing version by applying a version edit which is just
// like it sounds: a delta from the previous version. Version edits are logged
// to the manifest file, which is replayed at startup.
type versionSet struct {
	// Immutable fields.
	dirname string
	mu      *sync.Mutex
	opts    *Options
	fs      vfs.FS
	cmp     Compare
	cmpName string

	// Mutable fields.
	versions versionList

	// compactPointers holds, per level, the largest key of the last
	// size-triggered compaction at that level. The next size-triggered
	// compaction of the level starts after it.
	compactPointers [numLevels]InternalKey

	// logNum is the smallest WAL file number holding mutations that have not
	// been flushed to a table. prevLogNum is retained from older manifests.
	logNum     FileNum
	prevLogNum FileNum

	// The next file number. A single counter is used to assign file numbers
	// for the WAL, MANIFEST and table files.
	nextFileNum FileNum

	// lastSeqNum is the sequence number of the last published write. It is
	// read without DB.mu by readers acquiring an implicit snapshot.
	lastSeqNum base.AtomicSeqNum

	// The current manifest file number.
	manifestFileNum FileNum

	manifestFile vfs.File
	manifest     *record.Writer

	writing    bool
	writerCond sync.Cond
}

func (vs *versionSet) init(dirname string, opts *Options, mu *sync.Mutex) {
	vs.dirname = dirname
	vs.mu = mu
	vs.writerCond.L = mu
	vs.opts = opts
	vs.fs = opts.FS
	vs.cmp = opts.Comparer.Compare
	vs.cmpName = opts.Comparer.Name
	vs.versions.Init(mu)
	vs.nextFileNum = 2
}

// createDB writes the manifest of a fresh DB and points CURRENT at it. The
// DB is then opened through load like any other.
func createDB(dirname string, opts *Options) (err error) {
	const manifestFileNum = 1
	filename := base.MakeFilepath(opts.FS, dirname, fileTypeManifest, manifestFileNum)
	f, err := opts.FS.Create(filename)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = opts.FS.Remove(filename)
		}
	}()
	ve := versionEdit{
		ComparerName: opts.Comparer.Name,
		LogNum:       0,
		NextFileNum:  manifestFileNum + 1,
		LastSeqNum:   0,
	}
	w := record.NewWriter(f)
	rw, err := w.Next()
	if err == nil {
		err = ve.Encode(rw)
	}
	if err == nil {
		err = w.Close()
	}
	if err == nil {
		err = f.Sync()
	}
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return err
	}
	return setCurrentFile(dirname, opts.FS, manifestFileNum)
}

// load loads the version set from the manifest file named by CURRENT.
func (vs *versionSet) load(dirname string, opts *Options, mu *sync.Mutex) error {
	vs.init(dirname, opts, mu)

	var err error
	vs.manifestFileNum, err = readCurrentFile(dirname, vs.fs)
	if err != nil {
		return err
	}
	filename := base.MakeFilepath(vs.fs, dirname, fileTypeManifest, vs.manifestFileNum)

	// Read the versionEdits in the manifest file.
	var bve bulkVersionEdit
	manifestFile, err := vs.fs.Open(filename)
	if err != nil {
		return errors.Wrapf(err, "lsmdb: could not open manifest file %q for DB %q",
			errors.Safe(base.MakeFilename(fileTypeManifest, vs.manifestFileNum)), dirname)
	}
	defer manifestFile.Close()

	var haveNextFileNum, haveLogNum, haveLastSeqNum bool
	rr := record.NewReader(manifestFile)
	for {
		r, err := rr.Next()
		if err == io.EOF || errors.Is(err, io.ErrUnexpectedEOF) {
			break
		}
		if err != nil {
			return errors.Wrapf(err, "lsmdb: error when loading manifest file %q", filename)
		}
		var ve versionEdit
		if err := ve.Decode(r); err != nil {
			return errors.Wrapf(err, "lsmdb: error when loading manifest file %q", filename)
		}
		if ve.ComparerName != "" {
			if ve.ComparerName != vs.cmpName {
				return base.InvalidArgumentErrorf("lsmdb: manifest file %q for DB %q: "+
					"comparer name from file %q != comparer name from Options %q",
					filename, dirname, errors.Safe(ve.ComparerName), errors.Safe(vs.cmpName))
			}
			haveLogNum = true
			haveLastSeqNum = true
		}
		bve.Accumulate(&ve)
		for _, cp := range ve.CompactPointers {
			vs.compactPointers[cp.Level] = cp.Key.Clone()
		}
		if ve.LogNum != 0 {
			vs.logNum = ve.LogNum
			haveLogNum = true
		}
		if ve.PrevLogNum != 0 {
			vs.prevLogNum = ve.PrevLogNum
		}
		if ve.NextFileNum != 0 {
			vs.nextFileNum = ve.NextFileNum
			haveNextFileNum = true
		}
		if ve.LastSeqNum != 0 {
			vs.lastSeqNum.Store(ve.LastSeqNum)
			haveLastSeqNum = true
		}
	}
	switch {
	case !haveNextFileNum:
		return base.CorruptionErrorf("lsmdb: manifest file %q: no next-file entry", filename)
	case !haveLogNum:
		return base.CorruptionErrorf("lsmdb: manifest file %q: no log-number entry", filename)
	case !haveLastSeqNum:
		return base.CorruptionErrorf("lsmdb: manifest file %q: no last-sequence entry", filename)
	}
	vs.markFileNumUsed(vs.logNum)
	vs.markFileNumUsed(vs.prevLogNum)

	newVersion, err := bve.Apply(nil, vs.cmp, opts.Comparer.FormatKey)
	if err != nil {
		return err
	}
	for _, files := range newVersion.Levels {
		for _, f := range files {
			vs.markFileNumUsed(f.FileNum)
		}
	}
	newVersion.UpdateCompactionScore(opts.L0CompactionThreshold)
	vs.append(newVersion)
	return nil
}

func (vs *versionSet) close() error {
	var err error
	if vs.manifest != nil {
		err = vs.manifest.Close()
		vs.manifest = nil
	}
	if vs.manifestFile != nil {
		err = errors.CombineErrors(err, vs.manifestFile.Close())
		vs.manifestFile = nil
	}
	return err
}

// logLock locks the manifest for writing. The lock must be released by either
// a call to logUnlock or logAndApply.
//
// DB.mu must be held when calling this method.
func (vs *versionSet) logLock() {
	// Wait for any existing writing to the manifest to complete, then mark the
	// manifest as busy.
	for vs.writing {
		vs.writerCond.Wait()
	}
	vs.writing = true
}

// logUnlock releases the lock for manifest writing.
//
// DB.mu must be held when calling this method.
func (vs *versionSet) logUnlock() {
	if !vs.writing {
		vs.opts.Logger.Fatalf("MANIFEST not locked for writing")
	}
	vs.writing = false
	vs.writerCond.Signal()
}

// logAndApply logs the version edit to the manifest, applies the version edit
// to the current version, and installs the new version.
//
// DB.mu must be held when calling this method and will be released temporarily
// while performing file I/O. The manifest is locked for writing for the
// duration of the call.
//
// If the edit cannot be made durable the current version is left installed
// and the error is returned. A manifest created by this call is removed in
// that case, so that a later call starts a fresh one.
func (vs *versionSet) logAndApply(jobID int, ve *versionEdit) error {
	vs.logLock()
	defer vs.logUnlock()

	if ve.LogNum != 0 {
		if ve.LogNum < vs.logNum || vs.nextFileNum <= ve.LogNum {
			return errors.AssertionFailedf("lsmdb: inconsistent versionEdit logNum %s (current %s, next %s)",
				ve.LogNum, vs.logNum, vs.nextFileNum)
		}
	} else {
		ve.LogNum = vs.logNum
	}
	if ve.PrevLogNum == 0 {
		ve.PrevLogNum = vs.prevLogNum
	}
	ve.NextFileNum = vs.nextFileNum
	ve.LastSeqNum = vs.lastSeqNum.Load()

	currentVersion := vs.currentVersion()
	var newVersion *version

	// Generate a new manifest if we don't currently have one.
	var newManifestFileNum FileNum
	if vs.manifest == nil {
		newManifestFileNum = vs.getNextFileNum()
		ve.NextFileNum = vs.nextFileNum
	}

	// The compact pointers are captured under the mutex for the snapshot
	// written to a new manifest.
	compactPointers := vs.compactPointers

	if err := func() error {
		vs.mu.Unlock()
		defer vs.mu.Lock()

		var bve bulkVersionEdit
		bve.Accumulate(ve)

		var err error
		newVersion, err = bve.Apply(currentVersion, vs.cmp, vs.opts.Comparer.FormatKey)
		if err != nil {
			return err
		}
		newVersion.UpdateCompactionScore(vs.opts.L0CompactionThreshold)

		if newManifestFileNum != 0 {
			if err := vs.createManifest(newManifestFileNum, currentVersion, compactPointers); err != nil {
				vs.opts.EventListener.ManifestCreated(ManifestCreateInfo{
					JobID:   jobID,
					Path:    base.MakeFilepath(vs.fs, vs.dirname, fileTypeManifest, newManifestFileNum),
					FileNum: newManifestFileNum,
					Err:     err,
				})
				return err
			}
		}

		err = func() error {
			// The tables named by the edit must be durable in the directory
			// before the manifest references them.
			if len(ve.NewFiles) > 0 {
				if err := syncDir(vs.fs, vs.dirname); err != nil {
					return err
				}
			}
			w, err := vs.manifest.Next()
			if err != nil {
				return err
			}
			if err := ve.Encode(w); err != nil {
				return err
			}
			if err := vs.manifest.Flush(); err != nil {
				return err
			}
			if err := vs.manifestFile.Sync(); err != nil {
				return err
			}
			if newManifestFileNum != 0 {
				if err := setCurrentFile(vs.dirname, vs.fs, newManifestFileNum); err != nil {
					return err
				}
			}
			return nil
		}()
		if err != nil {
			vs.opts.Logger.Errorf("MANIFEST write failed: %v", err)
			if newManifestFileNum != 0 {
				_ = vs.manifest.Close()
				_ = vs.manifestFile.Close()
				vs.manifest, vs.manifestFile = nil, nil
				_ = vs.fs.Remove(base.MakeFilepath(vs.fs, vs.dirname, fileTypeManifest, newManifestFileNum))
			}
			newVersion.Discard()
			return err
		}
		if newManifestFileNum != 0 {
			vs.opts.EventListener.ManifestCreated(ManifestCreateInfo{
				JobID:   jobID,
				Path:    base.MakeFilepath(vs.fs, vs.dirname, fileTypeManifest, newManifestFileNum),
				FileNum: newManifestFileNum,
			})
		}
		return nil
	}(); err != nil {
		return err
	}

	// Install the new version.
	for _, cp := range ve.CompactPointers {
		vs.compactPointers[cp.Level] = cp.Key.Clone()
	}
	vs.append(newVersion)
	vs.logNum = ve.LogNum
	vs.prevLogNum = ve.PrevLogNum
	if newManifestFileNum != 0 {
		vs.manifestFileNum = newManifestFileNum
	}
	return nil
}

// createManifest creates a manifest file that contains a snapshot of the
// given version.
func (vs *versionSet) createManifest(
	fileNum FileNum, v *version, compactPointers [numLevels]InternalKey,
) (err error) {
	var (
		filename = base.MakeFilepath(vs.fs, vs.dirname, fileTypeManifest, fileNum)
		f        vfs.File
		w        *record.Writer
	)
	defer func() {
		if w != nil {
			_ = w.Close()
		}
		if f != nil {
			_ = f.Close()
		}
		if err != nil {
			_ = vs.fs.Remove(filename)
		}
	}()
	f, err = vs.fs.Create(filename)
	if err != nil {
		return err
	}
	w = record.NewWriter(f)

	snapshot := versionEdit{
		ComparerName: vs.cmpName,
		LogNum:       vs.logNum,
		LastSeqNum:   vs.lastSeqNum.Load(),
	}
	for level, key := range compactPointers {
		if key.UserKey == nil {
			continue
		}
		snapshot.CompactPointers = append(snapshot.CompactPointers, manifest.CompactPointerEntry{
			Level: level,
			Key:   key,
		})
	}
	for level, files := range v.Levels {
		for _, meta := range files {
			snapshot.NewFiles = append(snapshot.NewFiles, newFileEntry{
				Level: level,
				Meta:  meta,
			})
		}
	}

	rw, err := w.Next()
	if err != nil {
		return err
	}
	if err := snapshot.Encode(rw); err != nil {
		return err
	}

	vs.manifest, w = w, nil
	vs.manifestFile, f = f, nil
	return nil
}

func (vs *versionSet) markFileNumUsed(fileNum FileNum) {
	if vs.nextFileNum <= fileNum {
		vs.nextFileNum = fileNum + 1
	}
}

func (vs *versionSet) getNextFileNum() FileNum {
	x := vs.nextFileNum
	vs.nextFileNum++
	return x
}

// reuseFileNum hands back a file number obtained from getNextFileNum that
// ended up unused, if no other number was allocated since.
func (vs *versionSet) reuseFileNum(fileNum FileNum) {
	if vs.nextFileNum == fileNum+1 {
		vs.nextFileNum = fileNum
	}
}

func (vs *versionSet) append(v *version) {
	if v.Refs() != 0 {
		panic("lsmdb: version should be unreferenced")
	}
	if !vs.versions.Empty() {
		vs.versions.Back().UnrefLocked()
	}
	v.Ref()
	vs.versions.PushBack(v)
}

func (vs *versionSet) currentVersion() *version {
	return vs.versions.Back()
}

// addLiveFileNums adds the tables referenced by any live version to m.
func (vs *versionSet) addLiveFileNums(m map[FileNum]struct{}) {
	current := vs.currentVersion()
	for v := vs.versions.Front(); true; v = v.Next() {
		for _, ff := range v.Levels {
			for _, f := range ff {
				m[f.FileNum] = struct{}{}
			}
		}
		if v == current {
			break
		}
	}
}

func (vs *versionSet) numLevelFiles(level int) int {
	return len(vs.currentVersion().Levels[level])
}

func (vs *versionSet) numLevelBytes(level int) uint64 {
	return manifest.TotalSize(vs.currentVersion().Levels[level])
}
