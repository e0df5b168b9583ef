// Copyright 2012 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package lsmdb

import (
	"fmt"
	"math"
	"testing"

	"github.com/lsmdb/lsmdb/vfs"
	"github.com/stretchr/testify/require"
)

func TestSnapshotList(t *testing.T) {
	var l snapshotList
	l.init()
	require.True(t, l.empty())
	require.Equal(t, SeqNum(math.MaxUint64), l.earliest())

	s := make([]*Snapshot, 4)
	for i := range s {
		s[i] = &Snapshot{seqNum: SeqNum(10 * (i + 1))}
		l.pushBack(s[i])
	}
	require.Equal(t, 4, l.count())
	require.Equal(t, SeqNum(10), l.earliest())

	l.remove(s[0])
	require.Equal(t, SeqNum(20), l.earliest())
	l.remove(s[2])
	require.Equal(t, 2, l.count())
	require.Equal(t, SeqNum(20), l.earliest())
	l.remove(s[1])
	require.Equal(t, SeqNum(40), l.earliest())
	l.remove(s[3])
	require.True(t, l.empty())

	require.Panics(t, func() { l.remove(s[3]) })
}

func TestSnapshot(t *testing.T) {
	d := openTestDB(t, vfs.NewMem(), nil)
	defer func() { require.NoError(t, d.Close()) }()

	var snaps []*Snapshot
	for i := 0; i < 3; i++ {
		require.NoError(t, d.Set([]byte("a"), []byte(fmt.Sprint(i)), nil))
		require.NoError(t, d.Set([]byte(fmt.Sprintf("k%d", i)), []byte("v"), nil))
		snaps = append(snaps, d.NewSnapshot())
	}
	require.NoError(t, d.Delete([]byte("a"), nil))

	check := func() {
		require.Equal(t, "<not found>", getString(d, "a"))
		for i, s := range snaps {
			require.Equal(t, fmt.Sprint(i), getString(s, "a"))
			require.Equal(t, "<not found>", getString(s, fmt.Sprintf("k%d", i+1)))
		}
		require.Equal(t, "a=0 k0=v", scan(t, snaps[0]))
		require.Equal(t, "a=2 k0=v k1=v k2=v", scan(t, snaps[2]))
		require.Equal(t, "k2=v k1=v k0=v a=2", scanReverse(t, snaps[2]))
	}

	// Snapshots read the same data whether it lives in the memtable, in level
	// 0 or after a compaction.
	check()
	require.NoError(t, d.Flush())
	check()
	require.NoError(t, d.Compact(nil, nil))
	check()

	require.Equal(t, 3, d.Metrics().Snapshots.Count)
	for _, s := range snaps {
		require.NoError(t, s.Close())
	}
	require.Equal(t, 0, d.Metrics().Snapshots.Count)

	require.PanicsWithValue(t, ErrClosed, func() { _ = snaps[0].Close() })
	require.PanicsWithValue(t, ErrClosed, func() { _, _ = snaps[0].Get([]byte("a")) })
}

func TestSnapshotIterBounds(t *testing.T) {
	d := openTestDB(t, vfs.NewMem(), nil)
	defer func() { require.NoError(t, d.Close()) }()

	for _, k := range []string{"a", "b", "c", "d"} {
		require.NoError(t, d.Set([]byte(k), []byte(k), nil))
	}
	snap := d.NewSnapshot()
	defer func() { require.NoError(t, snap.Close()) }()
	require.NoError(t, d.Set([]byte("bb"), []byte("bb"), nil))

	iter := snap.NewIter(&IterOptions{LowerBound: []byte("b"), UpperBound: []byte("d")})
	var keys []string
	for valid := iter.First(); valid; valid = iter.Next() {
		keys = append(keys, string(iter.Key()))
	}
	require.NoError(t, iter.Close())
	require.Equal(t, []string{"b", "c"}, keys)
}
