// Copyright 2018 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package lsmdb

import (
	"fmt"

	"github.com/lsmdb/lsmdb/internal/base"
	"github.com/lsmdb/lsmdb/internal/manifest"
)

// tableNewIter creates a new iterator for the given file.
type tableNewIter func(meta *fileMetadata) (internalIterator, error)

// levelIter provides a merged view of the sstables in a level (other than
// level 0): the files are sorted and disjoint, so the view is the
// concatenation of the files' contents.
//
// levelIter is used during compaction and as part of the Iterator
// implementation. Tables are opened lazily, at most one at a time, as the
// iterator reaches them.
type levelIter struct {
	cmp Compare
	// The current file wrt the files slice.
	index int
	// The iter for the current file. It is nil under any of the following
	// conditions:
	// - index < 0 or index > len(files)
	// - err != nil
	// - some other constraint, like the bounds in opts, caused the file at
	//   index to not be relevant to the iteration.
	iter    internalIterator
	newIter tableNewIter
	files   []*fileMetadata
	err     error
}

// levelIter implements the internalIterator interface.
var _ internalIterator = (*levelIter)(nil)

func newLevelIter(cmp Compare, newIter tableNewIter, files []*fileMetadata) *levelIter {
	return &levelIter{
		cmp:     cmp,
		index:   -1,
		newIter: newIter,
		files:   files,
	}
}

// loadFile switches the iterator to the file at index, closing the previous
// table iterator. It returns false if index is out of range or the table
// could not be opened.
func (l *levelIter) loadFile(index int) bool {
	if l.index == index && l.iter != nil {
		return true
	}
	if l.iter != nil {
		if err := l.iter.Close(); err != nil && l.err == nil {
			l.err = err
		}
		l.iter = nil
	}
	l.index = index
	if l.err != nil || index < 0 || index >= len(l.files) {
		return false
	}
	var err error
	l.iter, err = l.newIter(l.files[index])
	if err != nil {
		l.err = err
		return false
	}
	return true
}

func (l *levelIter) SeekGE(key []byte) bool {
	l.err = nil
	// NB: the first file whose largest key is >= the search key is the only
	// file that can hold the first entry >= key.
	index := manifest.FindFile(l.cmp, l.files, base.MakeSearchKey(key))
	if !l.loadFile(index) {
		return false
	}
	if l.iter.SeekGE(key) {
		return true
	}
	return l.skipEmptyFileForward()
}

func (l *levelIter) SeekLT(key []byte) bool {
	l.err = nil
	// Entries < key live in the file that would hold key, or in an earlier
	// one.
	index := manifest.FindFile(l.cmp, l.files, base.MakeSearchKey(key))
	if index >= len(l.files) {
		index = len(l.files) - 1
	}
	if !l.loadFile(index) {
		return false
	}
	if l.iter.SeekLT(key) {
		return true
	}
	return l.skipEmptyFileBackward()
}

func (l *levelIter) First() bool {
	l.err = nil
	if !l.loadFile(0) {
		return false
	}
	if l.iter.First() {
		return true
	}
	return l.skipEmptyFileForward()
}

func (l *levelIter) Last() bool {
	l.err = nil
	if !l.loadFile(len(l.files) - 1) {
		return false
	}
	if l.iter.Last() {
		return true
	}
	return l.skipEmptyFileBackward()
}

func (l *levelIter) Next() bool {
	if l.err != nil || l.iter == nil {
		return false
	}
	if l.iter.Next() {
		return true
	}
	return l.skipEmptyFileForward()
}

func (l *levelIter) Prev() bool {
	if l.err != nil || l.iter == nil {
		return false
	}
	if l.iter.Prev() {
		return true
	}
	return l.skipEmptyFileBackward()
}

func (l *levelIter) skipEmptyFileForward() bool {
	for {
		if err := l.iter.Error(); err != nil {
			l.err = err
			return false
		}
		if !l.loadFile(l.index + 1) {
			return false
		}
		if l.iter.First() {
			return true
		}
	}
}

func (l *levelIter) skipEmptyFileBackward() bool {
	for {
		if err := l.iter.Error(); err != nil {
			l.err = err
			return false
		}
		if !l.loadFile(l.index - 1) {
			return false
		}
		if l.iter.Last() {
			return true
		}
	}
}

func (l *levelIter) Key() InternalKey {
	if l.iter == nil {
		return base.InvalidInternalKey
	}
	return l.iter.Key()
}

func (l *levelIter) Value() []byte {
	if l.iter == nil {
		return nil
	}
	return l.iter.Value()
}

func (l *levelIter) Valid() bool {
	return l.err == nil && l.iter != nil && l.iter.Valid()
}

func (l *levelIter) Error() error {
	if l.err != nil || l.iter == nil {
		return l.err
	}
	return l.iter.Error()
}

func (l *levelIter) Close() error {
	if l.iter != nil {
		if err := l.iter.Close(); err != nil && l.err == nil {
			l.err = err
		}
		l.iter = nil
	}
	return l.err
}

func (l *levelIter) String() string {
	if l.index < 0 || l.index >= len(l.files) {
		return "level: <nil>"
	}
	return fmt.Sprintf("level: %s", l.files[l.index].FileNum)
}
