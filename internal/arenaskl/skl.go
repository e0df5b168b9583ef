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

/*
Adapted from the LevelDB skiplist.

Key differences from the lock-free arena skiplist this package started from:
- A single writer inserts. Readers are lock-free and may run concurrently
  with the writer: a node is fully initialized before it is published by an
  atomic store into its predecessor's tower.
- No prev links. Reverse iteration searches for the predecessor from the
  head, which costs O(log n) per step.
- Entries are encoded into the arena as a varint-prefixed internal key
  followed by a varint-prefixed value. Towers live on the Go heap and are
  charged to the arena's memory usage.
*/

// Package arenaskl implements the skiplist that backs a memtable.
package arenaskl // import "github.com/lsmdb/lsmdb/internal/arenaskl"

import (
	"encoding/binary"
	"math/rand/v2"
	"sync/atomic"
	"unsafe"

	"github.com/cockroachdb/errors"
	"github.com/lsmdb/lsmdb/internal/base"
)

const (
	maxHeight = 12
	// Each level up is 1/branching as likely.
	branching = 4

	nodeOverhead  = int(unsafe.Sizeof(node{}))
	towerLinkSize = int(unsafe.Sizeof(atomic.Pointer[node]{}))
)

// ErrRecordExists is returned by Add when an identical internal key is
// already present.
var ErrRecordExists = errors.New("record with this key already exists")

type node struct {
	key   base.InternalKey
	value []byte
	tower []atomic.Pointer[node]
}

func (n *node) next(h int) *node {
	return n.tower[h].Load()
}

// Skiplist is an ordered set of internal keys with associated values.
type Skiplist struct {
	arena  *Arena
	cmp    base.Compare
	head   *node
	height atomic.Int32
	count  atomic.Int64
	rnd    *rand.Rand
}

// NewSkiplist constructs and initializes a new, empty skiplist. All keys and
// values in the skiplist will be allocated from the given arena.
func NewSkiplist(arena *Arena, cmp base.Compare) *Skiplist {
	s := &Skiplist{
		arena: arena,
		cmp:   cmp,
		head:  &node{tower: make([]atomic.Pointer[node], maxHeight)},
		rnd:   rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64())),
	}
	s.height.Store(1)
	arena.Charge(nodeOverhead + maxHeight*towerLinkSize)
	return s
}

// Arena returns the arena backing this skiplist.
func (s *Skiplist) Arena() *Arena { return s.arena }

// Len returns the number of entries in the skiplist.
func (s *Skiplist) Len() int { return int(s.count.Load()) }

// Empty returns true if the skiplist holds no entries.
func (s *Skiplist) Empty() bool { return s.head.next(0) == nil }

// EntrySize returns the number of arena bytes an entry with the given key and
// value occupies.
func EntrySize(key base.InternalKey, value []byte) int {
	ks, vs := key.Size(), len(value)
	return uvarintLen(uint64(ks)) + ks + uvarintLen(uint64(vs)) + vs
}

func uvarintLen(v uint64) int {
	n := 1
	for v >= 0x80 {
		v >>= 7
		n++
	}
	return n
}

// Add inserts key and value. Callers must serialize calls to Add; readers
// may run concurrently. Returns ErrRecordExists if the key is already
// present.
func (s *Skiplist) Add(key base.InternalKey, value []byte) error {
	var prev [maxHeight]*node
	if x := s.findGreaterOrEqual(key, &prev); x != nil && base.InternalCompare(s.cmp, x.key, key) == 0 {
		return ErrRecordExists
	}

	height := s.randomHeight()
	if listHeight := int(s.height.Load()); height > listHeight {
		for i := listHeight; i < height; i++ {
			prev[i] = s.head
		}
		// Readers that observe the new height before the node is linked see
		// nil links from the head at the new levels, and drop down.
		s.height.Store(int32(height))
	}

	nd := s.newNode(height, key, value)
	for i := 0; i < height; i++ {
		nd.tower[i].Store(prev[i].next(i))
		prev[i].tower[i].Store(nd)
	}
	s.count.Add(1)
	return nil
}

func (s *Skiplist) newNode(height int, key base.InternalKey, value []byte) *node {
	ks, vs := key.Size(), len(value)
	buf := s.arena.Alloc(EntrySize(key, value))
	n := binary.PutUvarint(buf, uint64(ks))
	key.Encode(buf[n : n+ks])
	ikey := base.DecodeInternalKey(buf[n : n+ks])
	n += ks
	n += binary.PutUvarint(buf[n:], uint64(vs))
	copy(buf[n:], value)

	s.arena.Charge(nodeOverhead + height*towerLinkSize)
	return &node{
		key:   ikey,
		value: buf[n : n+vs : n+vs],
		tower: make([]atomic.Pointer[node], height),
	}
}

func (s *Skiplist) randomHeight() int {
	h := 1
	for h < maxHeight && s.rnd.IntN(branching) == 0 {
		h++
	}
	return h
}

// findGreaterOrEqual returns the first node whose key is >= key, or nil if
// there is none. If prev is non-nil it is filled with the predecessor at
// every level.
func (s *Skiplist) findGreaterOrEqual(key base.InternalKey, prev *[maxHeight]*node) *node {
	x := s.head
	level := int(s.height.Load()) - 1
	for {
		next := x.next(level)
		if next != nil && base.InternalCompare(s.cmp, next.key, key) < 0 {
			x = next
			continue
		}
		if prev != nil {
			prev[level] = x
		}
		if level == 0 {
			return next
		}
		level--
	}
}

// findLessThan returns the last node whose key is < key, or the head if there
// is none.
func (s *Skiplist) findLessThan(key base.InternalKey) *node {
	x := s.head
	level := int(s.height.Load()) - 1
	for {
		next := x.next(level)
		if next != nil && base.InternalCompare(s.cmp, next.key, key) < 0 {
			x = next
			continue
		}
		if level == 0 {
			return x
		}
		level--
	}
}

// findLast returns the last node in the list, or the head if the list is
// empty.
func (s *Skiplist) findLast() *node {
	x := s.head
	level := int(s.height.Load()) - 1
	for {
		if next := x.next(level); next != nil {
			x = next
			continue
		}
		if level == 0 {
			return x
		}
		level--
	}
}

// NewIter returns a new iterator over the skiplist. The iterator observes
// entries added after its creation only if they are reached by a later
// positioning call.
func (s *Skiplist) NewIter() *Iterator {
	return &Iterator{list: s}
}
