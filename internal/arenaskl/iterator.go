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

import "github.com/lsmdb/lsmdb/internal/base"

// Iterator is an iterator over the skiplist object. Use Skiplist.NewIter
// to construct an iterator. An Iterator may be used concurrently with the
// skiplist's writer, but not from multiple goroutines at once.
type Iterator struct {
	list *Skiplist
	nd   *node
}

// Iterator implements the base.InternalIterator interface.
var _ base.InternalIterator = (*Iterator)(nil)

// SeekGE moves the iterator to the first entry whose user key is greater
// than or equal to the given key.
func (it *Iterator) SeekGE(key []byte) bool {
	return it.SeekInternalGE(base.MakeSearchKey(key))
}

// SeekInternalGE moves the iterator to the first entry whose internal key is
// greater than or equal to key.
func (it *Iterator) SeekInternalGE(key base.InternalKey) bool {
	it.nd = it.list.findGreaterOrEqual(key, nil)
	return it.nd != nil
}

// SeekLT moves the iterator to the last entry whose user key is less than
// the given key.
func (it *Iterator) SeekLT(key []byte) bool {
	return it.setPrev(it.list.findLessThan(base.MakeSearchKey(key)))
}

// First moves the iterator to the first entry.
func (it *Iterator) First() bool {
	it.nd = it.list.head.next(0)
	return it.nd != nil
}

// Last moves the iterator to the last entry.
func (it *Iterator) Last() bool {
	return it.setPrev(it.list.findLast())
}

// Next advances to the next entry.
func (it *Iterator) Next() bool {
	it.nd = it.nd.next(0)
	return it.nd != nil
}

// Prev moves to the previous entry.
func (it *Iterator) Prev() bool {
	return it.setPrev(it.list.findLessThan(it.nd.key))
}

func (it *Iterator) setPrev(nd *node) bool {
	if nd == it.list.head {
		nd = nil
	}
	it.nd = nd
	return nd != nil
}

// Key returns the key at the current position.
func (it *Iterator) Key() base.InternalKey {
	if it.nd == nil {
		return base.InvalidInternalKey
	}
	return it.nd.key
}

// Value returns the value at the current position.
func (it *Iterator) Value() []byte {
	if it.nd == nil {
		return nil
	}
	return it.nd.value
}

// Valid returns true if the iterator is positioned at an entry.
func (it *Iterator) Valid() bool {
	return it.nd != nil
}

// Error returns any accumulated error.
func (it *Iterator) Error() error {
	return nil
}

// Close resets the iterator.
func (it *Iterator) Close() error {
	it.nd = nil
	return nil
}

func (it *Iterator) String() string {
	return "memtable"
}
