// Copyright 2019 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package lsmdb

import (
	"fmt"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/lsmdb/lsmdb/internal/base"
	"github.com/lsmdb/lsmdb/vfs"
	"github.com/stretchr/testify/require"
)

// testCleaner returns a cleanupManager deleting from the "db" directory of a
// new MemFS, recording every deletion event.
func testCleaner(t *testing.T, rate int) (*cleanupManager, vfs.FS, func() []string) {
	fs := vfs.NewMem()
	require.NoError(t, fs.MkdirAll("db", 0755))
	var mu sync.Mutex
	var events []string
	record := func(s string) {
		mu.Lock()
		defer mu.Unlock()
		events = append(events, s)
	}
	opts := &Options{
		FS:                     fs,
		Logger:                 base.NoopLogger{},
		TargetByteDeletionRate: rate,
		EventListener: EventListener{
			TableDeleted: func(info TableDeleteInfo) {
				record(fmt.Sprintf("table %s err=%v", info.FileNum, info.Err))
			},
			WALDeleted: func(info WALDeleteInfo) {
				record(fmt.Sprintf("wal %s err=%v", info.FileNum, info.Err))
			},
			ManifestDeleted: func(info ManifestDeleteInfo) {
				record(fmt.Sprintf("manifest %s err=%v", info.FileNum, info.Err))
			},
		},
	}
	opts.EnsureDefaults()
	cm := openCleanupManager(opts)
	return cm, fs, func() []string {
		mu.Lock()
		defer mu.Unlock()
		return slices.Clone(events)
	}
}

func TestCleanupManager(t *testing.T) {
	cm, fs, events := testCleaner(t, 0)
	defer cm.Close()

	var obsolete []obsoleteFile
	for _, of := range []obsoleteFile{
		{fileNum: 3, fileType: fileTypeLog},
		{fileNum: 4, fileType: fileTypeManifest},
		{fileNum: 5, fileType: fileTypeTable},
	} {
		of.dir = "db"
		require.NoError(t, vfs.WriteFile(fs, base.MakeFilepath(fs, "db", of.fileType, of.fileNum), []byte("x")))
		obsolete = append(obsolete, of)
	}
	// Files that are already gone are skipped silently.
	obsolete = append(obsolete, obsoleteFile{dir: "db", fileNum: 6, fileType: fileTypeTable})

	cm.EnqueueJob(1, obsolete)
	cm.Wait()
	require.Equal(t, []string{
		"wal 000003 err=<nil>",
		"manifest 000004 err=<nil>",
		"table 000005 err=<nil>",
	}, events())

	ls, err := fs.List("db")
	require.NoError(t, err)
	require.Empty(t, ls)
}

func TestCleanupManagerPacing(t *testing.T) {
	const rate = 1000
	cm, fs, events := testCleaner(t, rate)
	defer cm.Close()

	var obsolete []obsoleteFile
	for i, size := range []uint64{rate, rate / 10} {
		of := obsoleteFile{dir: "db", fileNum: FileNum(i + 1), fileType: fileTypeTable, fileSize: size}
		require.NoError(t, vfs.WriteFile(fs, base.MakeFilepath(fs, "db", of.fileType, of.fileNum), []byte("x")))
		obsolete = append(obsolete, of)
	}

	// The first table uses up the burst, so the second one waits for the
	// bucket to refill.
	start := time.Now()
	cm.EnqueueJob(1, obsolete)
	cm.Wait()
	require.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
	require.Len(t, events(), 2)
}

func TestDeleteObsoleteFilesAfterCompaction(t *testing.T) {
	fs := vfs.NewMem()
	opts := testingOptions(fs)
	opts.DisableAutomaticCompactions = true
	var mu sync.Mutex
	deleted := make(map[FileNum]bool)
	opts.EventListener = EventListener{
		TableDeleted: func(info TableDeleteInfo) {
			mu.Lock()
			defer mu.Unlock()
			deleted[info.FileNum] = true
		},
	}
	d := openTestDB(t, fs, opts)
	defer func() { require.NoError(t, d.Close()) }()

	for i := 0; i < 3; i++ {
		require.NoError(t, d.Set([]byte("a"), []byte(fmt.Sprint(i)), nil))
		require.NoError(t, d.Flush())
	}
	inputs := listFiles(t, fs, fileTypeTable)
	require.Len(t, inputs, 3)

	// An open iterator pins the inputs of the compaction.
	iter := d.NewIter(nil)
	require.NoError(t, d.Compact(nil, nil))
	d.cleaner.Wait()
	require.Len(t, listFiles(t, fs, fileTypeTable), 4)

	require.True(t, iter.First())
	require.Equal(t, "2", string(iter.Value()))
	require.NoError(t, iter.Close())

	// Closing the iterator releases the old version. The files are collected
	// by the next scan.
	require.NoError(t, d.Set([]byte("b"), []byte("b"), nil))
	require.NoError(t, d.Flush())
	d.cleaner.Wait()
	for _, name := range inputs {
		require.NotContains(t, listFiles(t, fs, fileTypeTable), name)
	}
	mu.Lock()
	require.Len(t, deleted, 3)
	mu.Unlock()
}
