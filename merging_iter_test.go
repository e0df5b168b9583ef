// Copyright 2018 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package lsmdb

import (
	"fmt"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/lsmdb/lsmdb/internal/base"
	"github.com/stretchr/testify/require"
	"golang.org/x/exp/rand"
)

func collectForward(iter internalIterator) string {
	var keys []string
	for valid := iter.First(); valid; valid = iter.Next() {
		keys = append(keys, iter.Key().String())
	}
	return strings.Join(keys, " ")
}

func collectReverse(iter internalIterator) string {
	var keys []string
	for valid := iter.Last(); valid; valid = iter.Prev() {
		keys = append(keys, iter.Key().String())
	}
	return strings.Join(keys, " ")
}

func TestMergingIter(t *testing.T) {
	newIter := func() *mergingIter {
		return newMergingIter(DefaultComparer.Compare,
			newFakeIterator(nil, "a#3,SET:", "c#5,SET:", "e#1,SET:"),
			newFakeIterator(nil, "a#2,DEL:", "b#4,SET:", "e#2,SET:"),
			newFakeIterator(nil, "c#1,SET:", "d#6,SET:"),
		)
	}

	iter := newIter()
	require.Equal(t, "a#3,SET a#2,DEL b#4,SET c#5,SET c#1,SET d#6,SET e#2,SET e#1,SET",
		collectForward(iter))
	require.Equal(t, "e#1,SET e#2,SET d#6,SET c#1,SET c#5,SET b#4,SET a#2,DEL a#3,SET",
		collectReverse(iter))

	require.True(t, iter.SeekGE([]byte("c")))
	require.Equal(t, "c#5,SET", iter.Key().String())
	require.True(t, iter.SeekGE([]byte("bb")))
	require.Equal(t, "c#5,SET", iter.Key().String())
	require.False(t, iter.SeekGE([]byte("f")))

	require.True(t, iter.SeekLT([]byte("c")))
	require.Equal(t, "b#4,SET", iter.Key().String())
	require.True(t, iter.SeekLT([]byte("z")))
	require.Equal(t, "e#1,SET", iter.Key().String())
	require.False(t, iter.SeekLT([]byte("a")))
	require.NoError(t, iter.Close())
}

func TestMergingIterDirectionSwitch(t *testing.T) {
	iter := newMergingIter(DefaultComparer.Compare,
		newFakeIterator(nil, "a#2,SET:", "b#2,SET:"),
		newFakeIterator(nil, "a#1,SET:", "b#1,SET:"),
	)
	defer func() { require.NoError(t, iter.Close()) }()

	require.True(t, iter.First())
	require.Equal(t, "a#2,SET", iter.Key().String())
	require.True(t, iter.Next())
	require.True(t, iter.Next())
	require.Equal(t, "b#2,SET", iter.Key().String())
	require.True(t, iter.Prev())
	require.Equal(t, "a#1,SET", iter.Key().String())
	require.True(t, iter.Next())
	require.Equal(t, "b#2,SET", iter.Key().String())
	require.True(t, iter.Next())
	require.Equal(t, "b#1,SET", iter.Key().String())
	require.False(t, iter.Next())
}

// TestMergingIterRandomized checks a merging iterator over randomly
// partitioned keys against a single sorted slice of the same keys.
func TestMergingIterRandomized(t *testing.T) {
	seed := uint64(time.Now().UnixNano())
	t.Logf("seed: %d", seed)
	rng := rand.New(rand.NewSource(seed))

	for round := 0; round < 20; round++ {
		var all []InternalKey
		parts := make([][]string, 1+rng.Intn(4))
		for k := 0; k < 20; k++ {
			ukey := fmt.Sprintf("%02d", k)
			for _, seq := range rng.Perm(4)[:1+rng.Intn(3)] {
				s := fmt.Sprintf("%s#%d,SET:", ukey, seq+1)
				all = append(all, base.ParseInternalKey(strings.TrimSuffix(s, ":")))
				p := rng.Intn(len(parts))
				parts[p] = append(parts[p], s)
			}
		}
		slices.SortFunc(all, func(a, b InternalKey) int {
			return base.InternalCompare(DefaultComparer.Compare, a, b)
		})

		iters := make([]internalIterator, len(parts))
		for i := range parts {
			iters[i] = newFakeIterator(nil, parts[i]...)
		}
		iter := newMergingIter(DefaultComparer.Compare, iters...)

		// pos is the index in all of the expected position, or -1 when
		// the iterator is exhausted.
		pos := -1
		check := func(valid bool, op string) {
			if pos < 0 || pos >= len(all) {
				pos = -1
				require.False(t, valid, op)
				return
			}
			require.True(t, valid, op)
			require.Equal(t, all[pos].String(), iter.Key().String(), op)
		}
		for step := 0; step < 200; step++ {
			switch rng.Intn(6) {
			case 0:
				pos = 0
				check(iter.First(), "first")
			case 1:
				pos = len(all) - 1
				check(iter.Last(), "last")
			case 2:
				if pos >= 0 {
					pos++
				}
				check(iter.Next(), "next")
			case 3:
				if pos >= 0 {
					pos--
				}
				check(iter.Prev(), "prev")
			case 4:
				key := []byte(fmt.Sprintf("%02d", rng.Intn(22)))
				pos, _ = slices.BinarySearchFunc(all, key, func(k InternalKey, key []byte) int {
					if DefaultComparer.Compare(k.UserKey, key) < 0 {
						return -1
					}
					return 1
				})
				check(iter.SeekGE(key), fmt.Sprintf("seek-ge %s", key))
			case 5:
				key := []byte(fmt.Sprintf("%02d", rng.Intn(22)))
				pos, _ = slices.BinarySearchFunc(all, key, func(k InternalKey, key []byte) int {
					if DefaultComparer.Compare(k.UserKey, key) < 0 {
						return -1
					}
					return 1
				})
				pos--
				check(iter.SeekLT(key), fmt.Sprintf("seek-lt %s", key))
			}
		}
		require.NoError(t, iter.Close())
	}
}

func TestMergingIterCloseError(t *testing.T) {
	closeErr := errors.New("close failed")
	iter := newMergingIter(DefaultComparer.Compare,
		newFakeIterator(nil, "a#1,SET:"),
		newFakeIterator(closeErr, "b#1,SET:"),
	)
	require.Equal(t, "a#1,SET b#1,SET", collectForward(iter))
	require.ErrorIs(t, iter.Close(), closeErr)
}

func TestMergingIterChildError(t *testing.T) {
	childErr := errors.New("open failed")
	iter := newMergingIter(DefaultComparer.Compare,
		newFakeIterator(nil, "a#1,SET:"),
		newErrorIter(childErr),
	)
	require.False(t, iter.First())
	require.ErrorIs(t, iter.Error(), childErr)
	require.ErrorIs(t, iter.Close(), childErr)
}

func TestMergingIterDebugString(t *testing.T) {
	iter := newMergingIter(DefaultComparer.Compare,
		newFakeIterator(nil, "b#1,SET:", "d#1,SET:"),
		newFakeIterator(nil, "a#2,SET:", "c#1,SET:"),
	)
	require.True(t, iter.First())
	require.Equal(t, "a#2 b#1", iter.DebugString())
	require.Equal(t, "a#2,SET", iter.Key().String())
	require.NoError(t, iter.Close())
}
