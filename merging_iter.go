// Copyright 2018 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package lsmdb

import (
	"bytes"
	"fmt"

	"github.com/lsmdb/lsmdb/internal/base"
)

type mergingIterItem struct {
	index int
	key   InternalKey
}

type mergingIterHeap struct {
	cmp     Compare
	reverse bool
	items   []mergingIterItem
}

func (h *mergingIterHeap) len() int {
	return len(h.items)
}

func (h *mergingIterHeap) less(i, j int) bool {
	ikey, jkey := h.items[i].key, h.items[j].key
	if c := h.cmp(ikey.UserKey, jkey.UserKey); c != 0 {
		if h.reverse {
			return c > 0
		}
		return c < 0
	}
	if h.reverse {
		return ikey.Trailer < jkey.Trailer
	}
	return ikey.Trailer > jkey.Trailer
}

func (h *mergingIterHeap) swap(i, j int) {
	h.items[i], h.items[j] = h.items[j], h.items[i]
}

// init, fix, up and down are copied from the go stdlib.
func (h *mergingIterHeap) init() {
	// heapify
	n := h.len()
	for i := n/2 - 1; i >= 0; i-- {
		h.down(i, n)
	}
}

func (h *mergingIterHeap) fix(i int) {
	if !h.down(i, h.len()) {
		h.up(i)
	}
}

func (h *mergingIterHeap) pop() *mergingIterItem {
	n := h.len() - 1
	h.swap(0, n)
	h.down(0, n)
	item := &h.items[n]
	h.items = h.items[:n]
	return item
}

func (h *mergingIterHeap) up(j int) {
	for {
		i := (j - 1) / 2 // parent
		if i == j || !h.less(j, i) {
			break
		}
		h.swap(i, j)
		j = i
	}
}

func (h *mergingIterHeap) down(i0, n int) bool {
	i := i0
	for {
		j1 := 2*i + 1
		if j1 >= n || j1 < 0 { // j1 < 0 after int overflow
			break
		}
		j := j1 // left child
		if j2 := j1 + 1; j2 < n && h.less(j2, j1) {
			j = j2 // = 2*i + 2  // right child
		}
		if !h.less(j, i) {
			break
		}
		h.swap(i, j)
		i = j
	}
	return i > i0
}

// mergingIter provides a merged view of multiple iterators from different
// levels of the LSM: the memtables, every level 0 table and one level
// iterator per non-empty level.
//
// The heap holds the valid children. Its top is the current entry. Only the
// child at the top is stepped by Next and Prev; on a change of direction
// every other child is repositioned relative to the current key.
type mergingIter struct {
	dir   int
	iters []internalIterator
	heap  mergingIterHeap
	err   error
}

// mergingIter implements the internalIterator interface.
var _ internalIterator = (*mergingIter)(nil)

// newMergingIter returns an iterator that merges its input. Walking the
// resultant iterator will return all key/value pairs of all input iterators
// in strictly increasing key order, as defined by cmp.
//
// The input's key ranges may overlap, but there are assumed to be no duplicate
// keys: if iters[i] contains a key k then iters[j] will not contain that key k.
//
// None of the iters may be nil.
func newMergingIter(cmp Compare, iters ...internalIterator) *mergingIter {
	m := &mergingIter{}
	m.init(cmp, iters...)
	return m
}

func (m *mergingIter) init(cmp Compare, iters ...internalIterator) {
	m.iters = iters
	m.heap.cmp = cmp
	m.heap.items = make([]mergingIterItem, 0, len(iters))
	m.dir = 1
}

func (m *mergingIter) initHeap() bool {
	m.heap.items = m.heap.items[:0]
	m.err = nil
	for i, t := range m.iters {
		if t.Valid() {
			m.heap.items = append(m.heap.items, mergingIterItem{
				index: i,
				key:   t.Key(),
			})
		} else if err := t.Error(); err != nil && m.err == nil {
			m.err = err
		}
	}
	m.heap.init()
	return m.Valid()
}

func (m *mergingIter) initMinHeap() bool {
	m.dir = 1
	m.heap.reverse = false
	return m.initHeap()
}

func (m *mergingIter) initMaxHeap() bool {
	m.dir = -1
	m.heap.reverse = true
	return m.initHeap()
}

func (m *mergingIter) switchToMinHeap() bool {
	// We're switching from using a max heap to a min heap. We need to position
	// every other iterator at its first entry greater than the current key.
	// Consider the scenario where we have 2 iterators being merged
	// (user-key:seq-num):
	//
	// i1:     *a:2     b:2
	// i2: a:1      b:1
	//
	// The current key is a:2 and i2 is pointed at a:1 (or is exhausted). When
	// we switch to forward iteration, we want to return a key that is greater
	// than a:2. The other iterators may be exhausted, so they are repositioned
	// with a seek rather than stepped.
	key := m.heap.items[0].key
	cur := m.iters[m.heap.items[0].index]

	for _, i := range m.iters {
		if i == cur {
			continue
		}
		for ok := i.SeekGE(key.UserKey); ok; ok = i.Next() {
			if base.InternalCompare(m.heap.cmp, key, i.Key()) < 0 {
				// key < iter-key
				break
			}
			// key >= iter-key
		}
	}

	// Special handling for the current iterator because we were using its key
	// above.
	cur.Next()
	return m.initMinHeap()
}

func (m *mergingIter) switchToMaxHeap() bool {
	// We're switching from using a min heap to a max heap. We need to position
	// every other iterator at its last entry less than the current key.
	// Consider the scenario where we have 2 iterators being merged
	// (user-key:seq-num):
	//
	// i1: a:2     *b:2
	// i2:     a:1      b:1
	//
	// The current key is b:2 and i2 is pointing at b:1. When we switch to
	// reverse iteration, we want to return a key that is less than b:2.
	key := m.heap.items[0].key
	cur := m.iters[m.heap.items[0].index]

	for _, i := range m.iters {
		if i == cur {
			continue
		}
		ok := i.SeekGE(key.UserKey)
		for ok && base.InternalCompare(m.heap.cmp, i.Key(), key) < 0 {
			ok = i.Next()
		}
		// i is at the first entry > key, or exhausted. Step back to the last
		// entry < key.
		if ok {
			i.Prev()
		} else if i.Error() == nil {
			i.Last()
		}
	}

	// Special handling for the current iterator because we were using its key
	// above.
	cur.Prev()
	return m.initMaxHeap()
}

func (m *mergingIter) SeekGE(key []byte) bool {
	for _, t := range m.iters {
		t.SeekGE(key)
	}
	return m.initMinHeap()
}

func (m *mergingIter) SeekLT(key []byte) bool {
	for _, t := range m.iters {
		t.SeekLT(key)
	}
	return m.initMaxHeap()
}

func (m *mergingIter) First() bool {
	for _, t := range m.iters {
		t.First()
	}
	return m.initMinHeap()
}

func (m *mergingIter) Last() bool {
	for _, t := range m.iters {
		t.Last()
	}
	return m.initMaxHeap()
}

func (m *mergingIter) Next() bool {
	if m.err != nil || m.heap.len() == 0 {
		return false
	}

	if m.dir != 1 {
		return m.switchToMinHeap()
	}

	item := &m.heap.items[0]
	iter := m.iters[item.index]
	if iter.Next() {
		item.key = iter.Key()
		m.heap.fix(0)
		return true
	}

	m.err = iter.Error()
	if m.err != nil {
		return false
	}

	m.heap.pop()
	return m.heap.len() > 0
}

func (m *mergingIter) Prev() bool {
	if m.err != nil || m.heap.len() == 0 {
		return false
	}

	if m.dir != -1 {
		return m.switchToMaxHeap()
	}

	item := &m.heap.items[0]
	iter := m.iters[item.index]
	if iter.Prev() {
		item.key = iter.Key()
		m.heap.fix(0)
		return true
	}

	m.err = iter.Error()
	if m.err != nil {
		return false
	}

	m.heap.pop()
	return m.heap.len() > 0
}

func (m *mergingIter) Key() InternalKey {
	if m.heap.len() == 0 || m.err != nil {
		return base.InvalidInternalKey
	}
	return m.heap.items[0].key
}

func (m *mergingIter) Value() []byte {
	if m.heap.len() == 0 || m.err != nil {
		return nil
	}
	return m.iters[m.heap.items[0].index].Value()
}

func (m *mergingIter) Valid() bool {
	return m.heap.len() > 0 && m.err == nil
}

func (m *mergingIter) Error() error {
	if m.heap.len() == 0 || m.err != nil {
		return m.err
	}
	return m.iters[m.heap.items[0].index].Error()
}

func (m *mergingIter) Close() error {
	for _, iter := range m.iters {
		if err := iter.Close(); err != nil && m.err == nil {
			m.err = err
		}
	}
	m.iters = nil
	m.heap.items = nil
	return m.err
}

func (m *mergingIter) String() string {
	return "merging"
}

// DebugString returns the remaining entries of the heap, in heap order,
// without moving any child.
func (m *mergingIter) DebugString() string {
	var buf bytes.Buffer
	items := append([]mergingIterItem(nil), m.heap.items...)
	sep := ""
	for m.heap.len() > 0 {
		item := m.heap.pop()
		fmt.Fprintf(&buf, "%s%s#%d", sep, item.key.UserKey, item.key.SeqNum())
		sep = " "
	}
	m.heap.items = items
	return buf.String()
}
