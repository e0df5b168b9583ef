// Copyright 2011 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package sstable

import "github.com/lsmdb/lsmdb/internal/base"

// Iterator iterates over an entire table of data. It is a two-level
// iterator: to seek for a given key, it first looks in the index for the
// block that contains that key, and then looks inside that block.
type Iterator struct {
	reader          *Reader
	verifyChecksums bool
	fillCache       bool
	index           blockIter
	data            blockIter
	dataBH          blockHandle
	dataLoaded      bool
	err             error
	closeHook       func() error
}

// Iterator implements the base.InternalIterator interface.
var _ base.InternalIterator = (*Iterator)(nil)

// SetCloseHook sets a function that will be called when the iterator is
// closed.
func (i *Iterator) SetCloseHook(fn func() error) {
	i.closeHook = fn
}

// loadBlock loads the data block the index iterator points at. It returns
// false if the index iterator is exhausted or the block could not be read.
func (i *Iterator) loadBlock() bool {
	if !i.index.Valid() {
		i.dataLoaded = false
		return false
	}
	bh, n := decodeBlockHandle(i.index.Value())
	if n == 0 {
		i.err = errCorrupt("bad data block handle")
		i.dataLoaded = false
		return false
	}
	if i.dataLoaded && bh == i.dataBH {
		return true
	}
	b, err := i.reader.readBlock(bh, i.verifyChecksums, i.fillCache)
	if err == nil {
		err = i.data.init(i.reader.cmp, b)
	}
	if err != nil {
		i.err = err
		i.dataLoaded = false
		return false
	}
	i.dataBH = bh
	i.dataLoaded = true
	return true
}

// skipForward moves to the first entry of the next non-empty block, if the
// data iterator is exhausted.
func (i *Iterator) skipForward() bool {
	for !i.data.Valid() {
		if i.data.err != nil {
			i.err = i.data.err
			i.dataLoaded = false
			return false
		}
		if !i.index.Next() {
			i.dataLoaded = false
			return false
		}
		if !i.loadBlock() {
			return false
		}
		i.data.First()
	}
	return true
}

// skipBackward moves to the last entry of the previous non-empty block, if
// the data iterator is exhausted.
func (i *Iterator) skipBackward() bool {
	for !i.data.Valid() {
		if i.data.err != nil {
			i.err = i.data.err
			i.dataLoaded = false
			return false
		}
		if !i.index.Prev() {
			i.dataLoaded = false
			return false
		}
		if !i.loadBlock() {
			return false
		}
		i.data.Last()
	}
	return true
}

// SeekInternalGE moves the iterator to the first entry whose internal key is
// >= key.
func (i *Iterator) SeekInternalGE(key base.InternalKey) bool {
	if i.err != nil {
		return false
	}
	i.index.SeekInternalGE(key)
	if !i.loadBlock() {
		return false
	}
	if i.data.SeekInternalGE(key) {
		return true
	}
	return i.skipForward()
}

// SeekGE implements base.InternalIterator.SeekGE.
func (i *Iterator) SeekGE(key []byte) bool {
	return i.SeekInternalGE(base.MakeSearchKey(key))
}

// SeekLT implements base.InternalIterator.SeekLT.
func (i *Iterator) SeekLT(key []byte) bool {
	if i.err != nil {
		return false
	}
	// The block containing the last key < key is the first block whose
	// separator is >= key, or the last block if there is no such block.
	if !i.index.SeekGE(key) && !i.index.Last() {
		i.dataLoaded = false
		return false
	}
	if !i.loadBlock() {
		return false
	}
	if i.data.SeekLT(key) {
		return true
	}
	return i.skipBackward()
}

// First implements base.InternalIterator.First.
func (i *Iterator) First() bool {
	if i.err != nil {
		return false
	}
	i.index.First()
	if !i.loadBlock() {
		return false
	}
	i.data.First()
	return i.skipForward()
}

// Last implements base.InternalIterator.Last.
func (i *Iterator) Last() bool {
	if i.err != nil {
		return false
	}
	i.index.Last()
	if !i.loadBlock() {
		return false
	}
	i.data.Last()
	return i.skipBackward()
}

// Next implements base.InternalIterator.Next.
func (i *Iterator) Next() bool {
	if !i.Valid() {
		return false
	}
	if i.data.Next() {
		return true
	}
	return i.skipForward()
}

// Prev implements base.InternalIterator.Prev.
func (i *Iterator) Prev() bool {
	if !i.Valid() {
		return false
	}
	if i.data.Prev() {
		return true
	}
	return i.skipBackward()
}

// Key implements base.InternalIterator.Key.
func (i *Iterator) Key() base.InternalKey {
	if !i.Valid() {
		return base.InvalidInternalKey
	}
	return i.data.Key()
}

// Value implements base.InternalIterator.Value.
func (i *Iterator) Value() []byte {
	if !i.Valid() {
		return nil
	}
	return i.data.Value()
}

// Valid implements base.InternalIterator.Valid.
func (i *Iterator) Valid() bool {
	return i.err == nil && i.dataLoaded && i.data.Valid()
}

// Error implements base.InternalIterator.Error.
func (i *Iterator) Error() error {
	if i.err != nil {
		return i.err
	}
	return i.index.Error()
}

// Close implements base.InternalIterator.Close.
func (i *Iterator) Close() error {
	err := i.Error()
	if i.closeHook != nil {
		if herr := i.closeHook(); err == nil {
			err = herr
		}
		i.closeHook = nil
	}
	i.dataLoaded = false
	return err
}

func (i *Iterator) String() string {
	if i.reader == nil {
		return "table"
	}
	return i.reader.opts.FileNum.String()
}
