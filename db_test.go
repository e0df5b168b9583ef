// Copyright 2012 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package lsmdb

import (
	"bytes"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/lsmdb/lsmdb/internal/base"
	"github.com/lsmdb/lsmdb/vfs"
	"github.com/stretchr/testify/require"
	"golang.org/x/exp/rand"
	"golang.org/x/sync/errgroup"
)

// testingOptions returns options for a DB living in fs, created if missing
// and logging nothing.
func testingOptions(fs vfs.FS) *Options {
	return &Options{
		FS:              fs,
		CreateIfMissing: true,
		Logger:          base.NoopLogger{},
	}
}

func openTestDB(t *testing.T, fs vfs.FS, opts *Options) *DB {
	t.Helper()
	if opts == nil {
		opts = testingOptions(fs)
	}
	d, err := Open("db", opts)
	require.NoError(t, err)
	return d
}

func getString(d Reader, key string) string {
	v, err := d.Get([]byte(key))
	if errors.Is(err, ErrNotFound) {
		return "<not found>"
	} else if err != nil {
		return fmt.Sprintf("err=%v", err)
	}
	return string(v)
}

// scan returns the DB contents, in order, as "k=v" pairs.
func scan(t *testing.T, r Reader) string {
	t.Helper()
	iter := r.NewIter(nil)
	var kvs []string
	for valid := iter.First(); valid; valid = iter.Next() {
		kvs = append(kvs, fmt.Sprintf("%s=%s", iter.Key(), iter.Value()))
	}
	require.NoError(t, iter.Close())
	return strings.Join(kvs, " ")
}

func scanReverse(t *testing.T, r Reader) string {
	t.Helper()
	iter := r.NewIter(nil)
	var kvs []string
	for valid := iter.Last(); valid; valid = iter.Prev() {
		kvs = append(kvs, fmt.Sprintf("%s=%s", iter.Key(), iter.Value()))
	}
	require.NoError(t, iter.Close())
	return strings.Join(kvs, " ")
}

func numFilesAtLevel(t *testing.T, d *DB, level int) int {
	t.Helper()
	s, ok := d.GetProperty(fmt.Sprintf("leveldb.num-files-at-level%d", level))
	require.True(t, ok)
	n, err := strconv.Atoi(s)
	require.NoError(t, err)
	return n
}

func TestBasicReadWrite(t *testing.T) {
	d := openTestDB(t, vfs.NewMem(), nil)

	require.Equal(t, "<not found>", getString(d, "cherry"))
	require.NoError(t, d.Set([]byte("cherry"), []byte("red"), nil))
	require.NoError(t, d.Set([]byte("peach"), []byte("yellow"), Sync))
	require.NoError(t, d.Set([]byte("grape"), []byte("red"), nil))
	require.NoError(t, d.Set([]byte("grape"), []byte("green"), nil))
	require.NoError(t, d.Set([]byte("empty"), nil, nil))

	require.Equal(t, "red", getString(d, "cherry"))
	require.Equal(t, "green", getString(d, "grape"))
	require.Equal(t, "", getString(d, "empty"))

	// Deletes are blind.
	require.NoError(t, d.Delete([]byte("plum"), nil))
	require.NoError(t, d.Delete([]byte("peach"), nil))
	require.Equal(t, "<not found>", getString(d, "peach"))

	require.Equal(t, "cherry=red empty= grape=green", scan(t, d))
	require.NoError(t, d.Close())
}

func TestGetReturnsCopy(t *testing.T) {
	d := openTestDB(t, vfs.NewMem(), nil)
	defer func() { require.NoError(t, d.Close()) }()

	key, value := []byte("k"), []byte("v1")
	require.NoError(t, d.Set(key, value, nil))
	// The arguments may be modified once Set returns.
	key[0], value[1] = 'x', '9'
	v, err := d.Get([]byte("k"))
	require.NoError(t, err)
	require.Equal(t, "v1", string(v))
	v[0] = 'z'
	require.Equal(t, "v1", getString(d, "k"))
}

func TestBatchCommit(t *testing.T) {
	d := openTestDB(t, vfs.NewMem(), nil)
	defer func() { require.NoError(t, d.Close()) }()

	require.NoError(t, d.Set([]byte("a"), []byte("0"), nil))
	b := d.NewBatch()
	require.NoError(t, b.Set([]byte("a"), []byte("1"), nil))
	require.NoError(t, b.Set([]byte("b"), []byte("2"), nil))
	require.NoError(t, b.Delete([]byte("a"), nil))
	require.NoError(t, b.Set([]byte("c"), []byte("3"), nil))
	before := d.mu.versions.lastSeqNum.Load()
	require.NoError(t, b.Commit(nil))
	require.Equal(t, before+4, d.mu.versions.lastSeqNum.Load())
	require.Equal(t, before+1, b.SeqNum())
	require.Equal(t, "b=2 c=3", scan(t, d))

	// An unbound batch is applied through the DB.
	u := NewBatch()
	require.NoError(t, u.Set([]byte("d"), []byte("4"), nil))
	require.NoError(t, d.Apply(u, nil))
	require.Equal(t, "4", getString(d, "d"))

	// An empty batch consumes no sequence number.
	seqNum := d.mu.versions.lastSeqNum.Load()
	require.NoError(t, d.Apply(NewBatch(), nil))
	require.Equal(t, seqNum, d.mu.versions.lastSeqNum.Load())
}

func TestClosedDBPanics(t *testing.T) {
	d := openTestDB(t, vfs.NewMem(), nil)
	require.NoError(t, d.Close())

	require.PanicsWithValue(t, ErrClosed, func() { _, _ = d.Get([]byte("a")) })
	require.PanicsWithValue(t, ErrClosed, func() { _ = d.Set([]byte("a"), nil, nil) })
	require.PanicsWithValue(t, ErrClosed, func() { _ = d.NewIter(nil) })
	require.PanicsWithValue(t, ErrClosed, func() { _ = d.NewSnapshot() })
	require.PanicsWithValue(t, ErrClosed, func() { _ = d.Close() })
}

func TestReopen(t *testing.T) {
	mem := vfs.NewMem()
	d := openTestDB(t, mem, nil)
	require.NoError(t, d.Set([]byte("a"), []byte("1"), Sync))
	require.NoError(t, d.Set([]byte("b"), []byte("2"), nil))
	require.NoError(t, d.Flush())
	require.NoError(t, d.Set([]byte("c"), []byte("3"), nil))
	require.NoError(t, d.Delete([]byte("a"), nil))
	seqNum := d.mu.versions.lastSeqNum.Load()
	require.NoError(t, d.Close())

	// Reopening replays the WAL holding the writes after the flush.
	for i := 0; i < 3; i++ {
		d = openTestDB(t, mem, nil)
		require.Equal(t, "b=2 c=3", scan(t, d))
		require.Equal(t, seqNum, d.mu.versions.lastSeqNum.Load())
		require.NoError(t, d.Close())
	}

	// New writes continue the sequence.
	d = openTestDB(t, mem, nil)
	require.NoError(t, d.Set([]byte("d"), []byte("4"), nil))
	require.Equal(t, seqNum+1, d.mu.versions.lastSeqNum.Load())
	require.NoError(t, d.Close())
}

func TestForwardReverseSymmetry(t *testing.T) {
	opts := testingOptions(vfs.NewMem())
	opts.WriteBufferSize = 64 << 10
	d := openTestDB(t, opts.FS, opts)
	defer func() { require.NoError(t, d.Close()) }()

	rng := rand.New(rand.NewSource(uint64(1)))
	model := make(map[string]string)
	write := func(n int) {
		for i := 0; i < n; i++ {
			key := fmt.Sprintf("key%04d", rng.Intn(2000))
			if rng.Intn(4) == 0 {
				delete(model, key)
				require.NoError(t, d.Delete([]byte(key), nil))
				continue
			}
			value := fmt.Sprintf("%s-%d", key, rng.Intn(1000))
			model[key] = value
			require.NoError(t, d.Set([]byte(key), []byte(value), nil))
		}
	}

	// Spread the data across the levels, the memtables, and the L0 tables.
	write(2000)
	require.NoError(t, d.Compact(nil, nil))
	write(1000)
	require.NoError(t, d.Flush())
	write(500)

	keys := make([]string, 0, len(model))
	for k := range model {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	var forward []string
	for _, k := range keys {
		forward = append(forward, fmt.Sprintf("%s=%s", k, model[k]))
	}
	require.Equal(t, strings.Join(forward, " "), scan(t, d))
	slices.Reverse(forward)
	require.Equal(t, strings.Join(forward, " "), scanReverse(t, d))

	for _, k := range keys[:50] {
		require.Equal(t, model[k], getString(d, k))
	}
	require.NoError(t, d.CheckLevels(nil))
}

func TestIterSeek(t *testing.T) {
	d := openTestDB(t, vfs.NewMem(), nil)
	defer func() { require.NoError(t, d.Close()) }()

	for _, k := range []string{"b", "d", "f", "h"} {
		require.NoError(t, d.Set([]byte(k), []byte(strings.ToUpper(k)), nil))
	}
	require.NoError(t, d.Flush())
	require.NoError(t, d.Delete([]byte("d"), nil))

	iter := d.NewIter(nil)
	require.False(t, iter.Valid())
	require.True(t, iter.SeekGE([]byte("c")))
	require.Equal(t, "f", string(iter.Key()))
	require.True(t, iter.SeekLT([]byte("f")))
	require.Equal(t, "b", string(iter.Key()))
	require.True(t, iter.Next())
	require.Equal(t, "f", string(iter.Key()))
	require.Equal(t, "F", string(iter.Value()))
	require.False(t, iter.SeekGE([]byte("i")))
	require.False(t, iter.SeekLT([]byte("b")))
	require.NoError(t, iter.Close())

	iter = d.NewIter(&IterOptions{LowerBound: []byte("c"), UpperBound: []byte("h")})
	require.True(t, iter.First())
	require.Equal(t, "f", string(iter.Key()))
	require.False(t, iter.Next())
	require.True(t, iter.Last())
	require.Equal(t, "f", string(iter.Key()))
	require.NoError(t, iter.Close())
}

func TestIterIsolation(t *testing.T) {
	d := openTestDB(t, vfs.NewMem(), nil)
	defer func() { require.NoError(t, d.Close()) }()

	require.NoError(t, d.Set([]byte("a"), []byte("1"), nil))
	iter := d.NewIter(nil)
	require.NoError(t, d.Set([]byte("b"), []byte("2"), nil))
	require.NoError(t, d.Flush())

	// The iterator reads at its sequence number and keeps its memtable.
	require.True(t, iter.First())
	require.Equal(t, "a", string(iter.Key()))
	require.False(t, iter.Next())
	require.NoError(t, iter.Close())
	require.Equal(t, "a=1 b=2", scan(t, d))
}

func TestConcurrentWrites(t *testing.T) {
	opts := testingOptions(vfs.NewMem())
	opts.WriteBufferSize = 64 << 10
	d := openTestDB(t, opts.FS, opts)
	defer func() { require.NoError(t, d.Close()) }()

	const writers, perWriter = 8, 500
	start := d.mu.versions.lastSeqNum.Load()
	var g errgroup.Group
	for w := 0; w < writers; w++ {
		g.Go(func() error {
			for i := 0; i < perWriter; i++ {
				key := []byte(fmt.Sprintf("w%d-%04d", w, i))
				var wo *WriteOptions
				if i%50 == 0 {
					wo = Sync
				}
				if err := d.Set(key, bytes.Repeat([]byte{'v'}, 100), wo); err != nil {
					return err
				}
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())

	require.Equal(t, start+writers*perWriter, d.mu.versions.lastSeqNum.Load())
	for w := 0; w < writers; w++ {
		for i := 0; i < perWriter; i += 37 {
			key := fmt.Sprintf("w%d-%04d", w, i)
			require.Equal(t, strings.Repeat("v", 100), getString(d, key), key)
		}
	}
}

func TestCompactOverlappingL0(t *testing.T) {
	d := openTestDB(t, vfs.NewMem(), nil)
	defer func() { require.NoError(t, d.Close()) }()

	for i, keys := range [][]string{{"a", "b", "c"}, {"b", "c", "d"}, {"c", "d", "e"}} {
		for _, k := range keys {
			require.NoError(t, d.Set([]byte(k), []byte(fmt.Sprintf("%s%d", k, i)), nil))
		}
		require.NoError(t, d.Flush())
	}
	require.Equal(t, 3, numFilesAtLevel(t, d, 0))

	require.NoError(t, d.Compact(nil, nil))
	require.Equal(t, 0, numFilesAtLevel(t, d, 0))
	require.Equal(t, 1, numFilesAtLevel(t, d, 1))
	require.Equal(t, "a=a0 b=b1 c=c2 d=d2 e=e2", scan(t, d))

	var stats CheckLevelsStats
	require.NoError(t, d.CheckLevels(&stats))
	require.EqualValues(t, 5, stats.NumPoints)
	require.Equal(t, 1, stats.NumTables)
}

func TestCompactDropsTombstones(t *testing.T) {
	d := openTestDB(t, vfs.NewMem(), nil)
	defer func() { require.NoError(t, d.Close()) }()

	for i := 0; i < 100; i++ {
		require.NoError(t, d.Set([]byte(fmt.Sprintf("k%03d", i)), []byte("v"), nil))
	}
	require.NoError(t, d.Compact(nil, nil))
	require.Equal(t, 1, numFilesAtLevel(t, d, 1))

	for i := 0; i < 100; i++ {
		require.NoError(t, d.Delete([]byte(fmt.Sprintf("k%03d", i)), nil))
	}
	require.NoError(t, d.Compact(nil, nil))

	// No deeper level holds the keys, so the tombstones and the values they
	// shadow are all gone.
	for level := 0; level < numLevels; level++ {
		require.Equal(t, 0, numFilesAtLevel(t, d, level), "L%d", level)
	}
	require.Equal(t, "", scan(t, d))
}

func TestCompactKeepsSnapshotData(t *testing.T) {
	d := openTestDB(t, vfs.NewMem(), nil)
	defer func() { require.NoError(t, d.Close()) }()

	require.NoError(t, d.Set([]byte("a"), []byte("1"), nil))
	snap := d.NewSnapshot()
	require.NoError(t, d.Set([]byte("a"), []byte("2"), nil))
	require.NoError(t, d.Delete([]byte("a"), nil))
	require.NoError(t, d.Compact(nil, nil))

	require.Equal(t, "<not found>", getString(d, "a"))
	require.Equal(t, "1", getString(snap, "a"))
	require.NoError(t, snap.Close())
	require.Equal(t, "", scan(t, d))
	require.NoError(t, d.CheckLevels(nil))
}

func TestReadStatePinsShadowedEntries(t *testing.T) {
	d := openTestDB(t, vfs.NewMem(), nil)
	defer func() { require.NoError(t, d.Close()) }()

	key := []byte("k")
	require.NoError(t, d.Set(key, []byte("v1"), nil))
	require.NoError(t, d.Compact(nil, nil))

	// A reader grabs the read state, then the sequence number, and stalls
	// while k is overwritten and compacted.
	getState, iterState := d.loadReadState(), d.loadReadState()
	seqNum := d.mu.versions.lastSeqNum.Load()

	require.NoError(t, d.Set(key, []byte("v2"), nil))
	require.NoError(t, d.Compact(nil, nil))

	// No snapshot held seqNum back, so the compaction dropped k@v1 from the
	// current version.
	_, err := d.getInternal(key, &Snapshot{seqNum: seqNum})
	require.ErrorIs(t, err, ErrNotFound)

	// The pinned version still holds it.
	v, err := d.getFromReadState(getState, key, seqNum)
	getState.unref()
	require.NoError(t, err)
	require.Equal(t, "v1", string(v))

	iter := d.newIterAt(iterState, seqNum, nil)
	require.True(t, iter.First())
	require.Equal(t, "k=v1", fmt.Sprintf("%s=%s", iter.Key(), iter.Value()))
	require.False(t, iter.Next())
	require.NoError(t, iter.Close())

	require.Equal(t, "v2", getString(d, "k"))
}

// waitForCompactions blocks until no background compaction is running.
func waitForCompactions(d *DB) {
	d.mu.Lock()
	for d.mu.compact.compacting {
		d.mu.compact.cond.Wait()
	}
	d.mu.Unlock()
}

// seekTestDB returns a DB holding one L1 table spanning [a,z] and one L0
// table spanning [b,y].
func seekTestDB(t *testing.T, opts *Options) *DB {
	t.Helper()
	d := openTestDB(t, opts.FS, opts)
	for _, k := range []string{"a", "z"} {
		require.NoError(t, d.Set([]byte(k), []byte(k), nil))
	}
	require.NoError(t, d.Compact(nil, nil))
	for _, k := range []string{"b", "y"} {
		require.NoError(t, d.Set([]byte(k), []byte(k), nil))
	}
	require.NoError(t, d.Flush())
	waitForCompactions(d)
	require.Equal(t, 1, numFilesAtLevel(t, d, 0))
	require.Equal(t, 1, numFilesAtLevel(t, d, 1))
	return d
}

func TestSeekCompaction(t *testing.T) {
	d := seekTestDB(t, testingOptions(vfs.NewMem()))
	defer func() { require.NoError(t, d.Close()) }()

	d.mu.Lock()
	l0 := d.mu.versions.currentVersion().Levels[0][0]
	d.mu.Unlock()
	allowed := l0.AllowedSeeks.Load()

	// A miss for "m" consults both tables and charges the L0 one.
	require.Equal(t, "<not found>", getString(d, "m"))
	require.Equal(t, allowed-1, l0.AllowedSeeks.Load())

	for i := int64(1); i < allowed; i++ {
		require.Equal(t, "<not found>", getString(d, "m"))
	}
	waitForCompactions(d)

	require.Equal(t, 0, numFilesAtLevel(t, d, 0))
	require.Equal(t, 1, numFilesAtLevel(t, d, 1))
	require.Equal(t, "a=a b=b y=y z=z", scan(t, d))
}

func TestIterReadSamplingChargesSeeks(t *testing.T) {
	opts := testingOptions(vfs.NewMem())
	opts.DisableAutomaticCompactions = true
	d := seekTestDB(t, opts)
	defer func() { require.NoError(t, d.Close()) }()

	d.mu.Lock()
	l0 := d.mu.versions.currentVersion().Levels[0][0]
	d.mu.Unlock()
	l0.AllowedSeeks.Store(1)

	iter := d.NewIter(nil)
	// Sample on the first entry read.
	iter.readSampling.bytesUntilSample = 0
	require.True(t, iter.SeekGE([]byte("b")))
	require.Equal(t, "b", string(iter.Key()))
	require.NoError(t, iter.Close())

	d.mu.Lock()
	defer d.mu.Unlock()
	v := d.mu.versions.currentVersion()
	require.Same(t, l0, v.FileToCompact)
	require.Equal(t, 0, v.FileToCompactLevel)
}

func TestCompactRange(t *testing.T) {
	opts := testingOptions(vfs.NewMem())
	opts.DisableAutomaticCompactions = true
	d := openTestDB(t, opts.FS, opts)
	defer func() { require.NoError(t, d.Close()) }()

	for _, k := range []string{"a", "b", "x", "y"} {
		require.NoError(t, d.Set([]byte(k), []byte(k), nil))
		require.NoError(t, d.Flush())
	}
	require.Equal(t, 4, numFilesAtLevel(t, d, 0))

	// Level 0 compactions pull in every file overlapping the range, here
	// only the files holding "a" and "b".
	require.NoError(t, d.Compact([]byte("a"), []byte("b")))
	require.Equal(t, 2, numFilesAtLevel(t, d, 0))
	require.Equal(t, 1, numFilesAtLevel(t, d, 1))
	require.Equal(t, "a=a b=b x=x y=y", scan(t, d))
}

func TestAutomaticCompactions(t *testing.T) {
	opts := testingOptions(vfs.NewMem())
	opts.WriteBufferSize = 64 << 10
	opts.MaxFileSize = 64 << 10
	var compactions, flushes int
	opts.EventListener = EventListener{
		CompactionEnd: func(info CompactionInfo) {
			if info.Err == nil {
				compactions++
			}
		},
		FlushEnd: func(info FlushInfo) {
			if info.Err == nil {
				flushes++
			}
		},
	}
	d := openTestDB(t, opts.FS, opts)

	value := bytes.Repeat([]byte("x"), 1000)
	for i := 0; i < 2000; i++ {
		require.NoError(t, d.Set([]byte(fmt.Sprintf("%06d", rand.Intn(100000))), value, nil))
	}
	require.NoError(t, d.Flush())

	// Wait for the background work to settle.
	d.mu.Lock()
	for d.mu.compact.compacting {
		d.mu.compact.cond.Wait()
	}
	flushCount, compactCount := d.mu.compact.flushCount, d.mu.compact.count
	d.mu.Unlock()

	require.Less(t, numFilesAtLevel(t, d, 0), opts.L0StopWritesTrigger)
	require.NoError(t, d.CheckLevels(nil))
	require.NoError(t, d.Close())

	require.EqualValues(t, flushes, flushCount)
	require.Greater(t, flushes, 1)
	require.Greater(t, compactions, 0)
	require.GreaterOrEqual(t, int64(compactions), compactCount)
}

func TestGetProperty(t *testing.T) {
	d := openTestDB(t, vfs.NewMem(), nil)
	defer func() { require.NoError(t, d.Close()) }()

	require.NoError(t, d.Set([]byte("a"), []byte("1"), nil))
	require.NoError(t, d.Set([]byte("b"), []byte("2"), nil))
	require.NoError(t, d.Flush())

	require.Equal(t, 1, numFilesAtLevel(t, d, 0))
	require.Equal(t, 0, numFilesAtLevel(t, d, 1))

	for _, name := range []string{
		"leveldb.num-files-at-level7",
		"leveldb.num-files-at-level-1",
		"leveldb.num-files-at-levelx",
		"leveldb.unknown",
		"rocksdb.stats",
	} {
		_, ok := d.GetProperty(name)
		require.False(t, ok, name)
	}

	sstables, ok := d.GetProperty("leveldb.sstables")
	require.True(t, ok)
	require.True(t, strings.HasPrefix(sstables, "0:\n  "), sstables)
	require.Contains(t, sstables, "[a#1,SET-b#2,SET]")

	stats, ok := d.GetProperty("leveldb.stats")
	require.True(t, ok)
	require.Contains(t, stats, "Compactions")
	require.Contains(t, strings.ToUpper(stats), "LEVEL")

	usage, ok := d.GetProperty("leveldb.approximate-memory-usage")
	require.True(t, ok)
	n, err := strconv.ParseUint(usage, 10, 64)
	require.NoError(t, err)
	require.Greater(t, n, uint64(0))
}

func TestGetApproximateSizes(t *testing.T) {
	d := openTestDB(t, vfs.NewMem(), nil)
	defer func() { require.NoError(t, d.Close()) }()

	rng := rand.New(rand.NewSource(uint64(2)))
	value := make([]byte, 1000)
	for i := 0; i < 1000; i++ {
		_, _ = rng.Read(value)
		require.NoError(t, d.Set([]byte(fmt.Sprintf("key%04d", i)), value, nil))
	}

	// Data held in the memtable is not counted.
	sizes := d.GetApproximateSizes([]Range{{Start: []byte("key0000"), Limit: []byte("key1000")}})
	require.Equal(t, []uint64{0}, sizes)

	require.NoError(t, d.Compact(nil, nil))
	sizes = d.GetApproximateSizes([]Range{
		{Start: []byte("key0000"), Limit: []byte("key0500")},
		{Start: []byte("key0500"), Limit: []byte("key1000")},
		{Start: []byte("z"), Limit: []byte("zz")},
		{Start: []byte("key0600"), Limit: []byte("key0500")},
	})
	require.InDelta(t, 500_000, sizes[0], 100_000)
	require.InDelta(t, 500_000, sizes[1], 100_000)
	require.Zero(t, sizes[2])
	require.Zero(t, sizes[3])
	require.Equal(t, sizes[0], d.EstimateDiskUsage([]byte("key0000"), []byte("key0500")))
}

func TestMetrics(t *testing.T) {
	d := openTestDB(t, vfs.NewMem(), nil)
	defer func() { require.NoError(t, d.Close()) }()

	require.NoError(t, d.Set([]byte("a"), []byte("1"), nil))
	require.NoError(t, d.Flush())
	require.NoError(t, d.Set([]byte("b"), []byte("2"), nil))
	require.NoError(t, d.Compact(nil, nil))
	snap := d.NewSnapshot()
	defer func() { require.NoError(t, snap.Close()) }()

	m := d.Metrics()
	require.EqualValues(t, 2, m.Flush.Count)
	require.EqualValues(t, 1, m.Compact.Count)
	require.EqualValues(t, 0, m.Levels[0].NumFiles)
	require.EqualValues(t, 1, m.Levels[1].NumFiles)
	require.Greater(t, m.Levels[1].Size, uint64(0))
	require.Greater(t, m.Levels[1].BytesWritten, uint64(0))
	require.Greater(t, m.WAL.BytesIn, uint64(0))
	require.Equal(t, m.WAL.BytesIn, m.Levels[0].BytesIn)
	require.EqualValues(t, 1, m.MemTable.Count)
	require.Equal(t, 1, m.Snapshots.Count)
	require.Equal(t, snap.SeqNum(), m.Snapshots.EarliestSeqNum)

	s := m.String()
	require.True(t, strings.HasPrefix(s, "level__files____size___score______in____move____read___write___w-amp\n"), s)
	require.Contains(t, s, "  WAL ")
	require.Contains(t, s, "total ")
	require.Contains(t, s, "snapshots 1")
}
