/*
 * Copyright 2017 Dgraph Labs, Inc. and Contributors
 * Modifications copyright (C) 2017 Andy Kimball and Contributors
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package arenaskl

import (
	"bytes"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/lsmdb/lsmdb/internal/base"
	"github.com/stretchr/testify/require"
)

func makeKey(s string, seq base.SeqNum) base.InternalKey {
	return base.MakeInternalKey([]byte(s), seq, base.InternalKeyKindSet)
}

func newTestList() *Skiplist {
	return NewSkiplist(NewArena(), bytes.Compare)
}

func forwardKeys(it *Iterator) string {
	var parts []string
	for valid := it.First(); valid; valid = it.Next() {
		parts = append(parts, it.Key().String())
	}
	return strings.Join(parts, " ")
}

func backwardKeys(it *Iterator) string {
	var parts []string
	for valid := it.Last(); valid; valid = it.Prev() {
		parts = append(parts, it.Key().String())
	}
	return strings.Join(parts, " ")
}

func TestEmpty(t *testing.T) {
	l := newTestList()
	require.True(t, l.Empty())
	require.Equal(t, 0, l.Len())

	it := l.NewIter()
	require.False(t, it.Valid())
	require.False(t, it.First())
	require.False(t, it.Last())
	require.False(t, it.SeekGE([]byte("aaa")))
	require.False(t, it.SeekLT([]byte("aaa")))
	require.Equal(t, base.InvalidInternalKey, it.Key())
	require.Nil(t, it.Value())
	require.NoError(t, it.Close())
}

func TestBasic(t *testing.T) {
	l := newTestList()
	require.NoError(t, l.Add(makeKey("key2", 1), []byte("v2")))
	require.NoError(t, l.Add(makeKey("key1", 2), []byte("v1")))
	require.NoError(t, l.Add(makeKey("key3", 3), []byte("v3")))
	require.False(t, l.Empty())
	require.Equal(t, 3, l.Len())

	it := l.NewIter()
	require.True(t, it.SeekGE([]byte("key")))
	require.Equal(t, "key1", string(it.Key().UserKey))
	require.Equal(t, "v1", string(it.Value()))

	require.True(t, it.SeekGE([]byte("key2")))
	require.Equal(t, "v2", string(it.Value()))
	require.True(t, it.SeekLT([]byte("key2")))
	require.Equal(t, "v1", string(it.Value()))
	require.False(t, it.SeekLT([]byte("key1")))
	require.False(t, it.SeekGE([]byte("key4")))

	require.Equal(t, "key1#2,SET key2#1,SET key3#3,SET", forwardKeys(it))
	require.Equal(t, "key3#3,SET key2#1,SET key1#2,SET", backwardKeys(it))

	require.ErrorIs(t, l.Add(makeKey("key2", 1), nil), ErrRecordExists)
}

// TestVersions checks that multiple versions of one user key are ordered by
// descending sequence number, with deletions interleaved by trailer.
func TestVersions(t *testing.T) {
	l := newTestList()
	require.NoError(t, l.Add(makeKey("a", 1), []byte("a1")))
	require.NoError(t, l.Add(makeKey("a", 3), []byte("a3")))
	require.NoError(t, l.Add(base.MakeInternalKey([]byte("a"), 2, base.InternalKeyKindDelete), nil))
	require.NoError(t, l.Add(makeKey("b", 4), []byte("b4")))

	it := l.NewIter()
	require.Equal(t, "a#3,SET a#2,DEL a#1,SET b#4,SET", forwardKeys(it))
	require.Equal(t, "b#4,SET a#1,SET a#2,DEL a#3,SET", backwardKeys(it))

	// An internal seek skips versions newer than the requested sequence.
	require.True(t, it.SeekInternalGE(base.MakeInternalKey([]byte("a"), 2, base.InternalKeyKindMax)))
	require.Equal(t, "a#2,DEL", it.Key().String())
	require.True(t, it.SeekInternalGE(base.MakeInternalKey([]byte("a"), 0, base.InternalKeyKindMax)))
	require.Equal(t, "b#4,SET", it.Key().String())
}

func TestEntrySize(t *testing.T) {
	l := newTestList()
	before := l.Arena().MemoryUsage()
	key := makeKey("k", 1)
	value := bytes.Repeat([]byte("v"), 200)
	require.Equal(t, 1+9+2+200, EntrySize(key, value))
	require.NoError(t, l.Add(key, value))
	require.Greater(t, l.Arena().MemoryUsage(), before)

	// The stored value does not alias the caller's buffer.
	value[0] = 'x'
	it := l.NewIter()
	require.True(t, it.First())
	require.Equal(t, byte('v'), it.Value()[0])
}

func TestRandomOrder(t *testing.T) {
	l := newTestList()
	const n = 1000
	for i := 0; i < n; i++ {
		// Insert in a scrambled order.
		j := (i * 7919) % n
		require.NoError(t, l.Add(makeKey(fmt.Sprintf("%05d", j), base.SeqNum(j)), []byte(fmt.Sprint(j))))
	}
	require.Equal(t, n, l.Len())

	it := l.NewIter()
	i := 0
	for valid := it.First(); valid; valid = it.Next() {
		require.Equal(t, fmt.Sprintf("%05d", i), string(it.Key().UserKey))
		i++
	}
	require.Equal(t, n, i)
	for valid := it.Last(); valid; valid = it.Prev() {
		i--
		require.Equal(t, fmt.Sprint(i), string(it.Value()))
	}
	require.Equal(t, 0, i)

	for i := 0; i < n; i += 37 {
		require.True(t, it.SeekGE([]byte(fmt.Sprintf("%05d", i))))
		require.Equal(t, fmt.Sprint(i), string(it.Value()))
		if i > 0 {
			require.True(t, it.SeekLT([]byte(fmt.Sprintf("%05d", i))))
			require.Equal(t, fmt.Sprint(i-1), string(it.Value()))
		}
	}
}

// TestConcurrentReaders runs readers concurrently with the single writer and
// checks that every reader observes a sorted prefix-closed view.
func TestConcurrentReaders(t *testing.T) {
	l := newTestList()
	const n = 2000
	var done atomic.Bool
	var wg sync.WaitGroup
	for r := 0; r < 4; r++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for !done.Load() {
				it := l.NewIter()
				var prev base.InternalKey
				count := 0
				for valid := it.First(); valid; valid = it.Next() {
					if count > 0 && base.InternalCompare(bytes.Compare, prev, it.Key()) >= 0 {
						t.Errorf("out of order: %s >= %s", prev, it.Key())
						return
					}
					prev = it.Key()
					count++
				}
			}
		}()
	}
	for i := 0; i < n; i++ {
		require.NoError(t, l.Add(makeKey(fmt.Sprintf("%05d", (i*13)%n), base.SeqNum(i)), nil))
	}
	done.Store(true)
	wg.Wait()
	require.Equal(t, n, l.Len())
}
