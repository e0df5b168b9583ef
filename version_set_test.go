// Copyright 2012 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package lsmdb

import (
	"strings"
	"sync"
	"testing"

	"github.com/kr/pretty"
	"github.com/lsmdb/lsmdb/internal/base"
	"github.com/lsmdb/lsmdb/internal/manifest"
	"github.com/lsmdb/lsmdb/vfs"
	"github.com/stretchr/testify/require"
)

type fileSummary struct {
	Level          int
	FileNum        FileNum
	Size           uint64
	Smallest       string
	Largest        string
	SmallestSeqNum SeqNum
	LargestSeqNum  SeqNum
}

func summarizeVersion(v *version) []fileSummary {
	var s []fileSummary
	for level, files := range v.Levels {
		for _, f := range files {
			s = append(s, fileSummary{
				Level:          level,
				FileNum:        f.FileNum,
				Size:           f.Size,
				Smallest:       f.Smallest.String(),
				Largest:        f.Largest.String(),
				SmallestSeqNum: f.SmallestSeqNum,
				LargestSeqNum:  f.LargestSeqNum,
			})
		}
	}
	return s
}

func TestVersionSetRecovery(t *testing.T) {
	fs := vfs.NewMem()
	opts := testingOptions(fs).EnsureDefaults()
	require.NoError(t, fs.MkdirAll("db", 0755))
	require.NoError(t, createDB("db", opts))

	var mu sync.Mutex
	mu.Lock()
	defer mu.Unlock()

	var vs versionSet
	require.NoError(t, vs.load("db", opts, &mu))
	require.Equal(t, FileNum(1), vs.manifestFileNum)
	require.Equal(t, SeqNum(0), vs.lastSeqNum.Load())

	apply := func(ve *versionEdit) {
		t.Helper()
		for _, nf := range ve.NewFiles {
			vs.markFileNumUsed(nf.Meta.FileNum)
		}
		require.NoError(t, vs.logAndApply(1, ve))
	}

	apply(&versionEdit{
		NewFiles: []newFileEntry{
			{Level: 0, Meta: parseMeta(t, "000005:a#3,SET-c#4,SET size=100")},
			{Level: 0, Meta: parseMeta(t, "000006:b#5,SET-d#6,DEL size=200")},
		},
	})
	// The first edit starts a new manifest holding a snapshot of the
	// version set.
	require.Equal(t, FileNum(7), vs.manifestFileNum)
	require.Equal(t, "0:\n  000005:[a#3,SET-c#4,SET]\n  000006:[b#5,SET-d#6,DEL]\n",
		vs.currentVersion().String())

	vs.lastSeqNum.Store(10)
	apply(&versionEdit{
		DeletedFiles: map[deletedFileEntry]bool{
			{Level: 0, FileNum: 5}: true,
			{Level: 0, FileNum: 6}: true,
		},
		NewFiles: []newFileEntry{
			{Level: 1, Meta: parseMeta(t, "000008:a#3,SET-d#6,DEL size=250")},
		},
		CompactPointers: []manifest.CompactPointerEntry{
			{Level: 0, Key: base.ParseInternalKey("d#6,DEL")},
		},
	})
	require.Equal(t, FileNum(7), vs.manifestFileNum)
	require.Equal(t, "1:\n  000008:[a#3,SET-d#6,DEL]\n", vs.currentVersion().String())
	require.NoError(t, vs.close())

	var recovered versionSet
	require.NoError(t, recovered.load("db", opts, &mu))
	defer func() { require.NoError(t, recovered.close()) }()

	if diff := pretty.Diff(summarizeVersion(vs.currentVersion()),
		summarizeVersion(recovered.currentVersion())); len(diff) > 0 {
		t.Fatalf("recovered version differs:\n%s", strings.Join(diff, "\n"))
	}
	require.Equal(t, FileNum(7), recovered.manifestFileNum)
	require.Equal(t, SeqNum(10), recovered.lastSeqNum.Load())
	require.Equal(t, vs.nextFileNum, recovered.nextFileNum)
	require.Equal(t, "d#6,DEL", recovered.compactPointers[0].String())
	require.Nil(t, recovered.compactPointers[1].UserKey)
}

func TestVersionSetComparerMismatch(t *testing.T) {
	fs := vfs.NewMem()
	opts := testingOptions(fs).EnsureDefaults()
	require.NoError(t, fs.MkdirAll("db", 0755))
	require.NoError(t, createDB("db", opts))

	other := *opts
	cmp := *DefaultComparer
	cmp.Name = "other"
	other.Comparer = &cmp

	var mu sync.Mutex
	var vs versionSet
	err := vs.load("db", &other, &mu)
	require.Error(t, err)
	require.Contains(t, err.Error(), `comparer name from file "leveldb.BytewiseComparator"`)
}

func TestVersionSetManifestRotation(t *testing.T) {
	fs := vfs.NewMem()
	opts := testingOptions(fs)
	var created []FileNum
	opts.EventListener = EventListener{
		ManifestCreated: func(info ManifestCreateInfo) {
			created = append(created, info.FileNum)
		},
	}

	for i := 0; i < 3; i++ {
		d := openTestDB(t, fs, opts)
		require.NoError(t, d.Set([]byte("a"), []byte("b"), nil))
		require.NoError(t, d.Flush())
		d.cleaner.Wait()
		manifests := listFiles(t, fs, fileTypeManifest)
		require.Equal(t, []string{base.MakeFilename(fileTypeManifest, created[i])}, manifests)
		require.NoError(t, d.Close())
	}
	require.Len(t, created, 3)
	require.Less(t, created[0], created[1])
	require.Less(t, created[1], created[2])
}
