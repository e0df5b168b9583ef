// Copyright 2019 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package base

import "fmt"

// InternalIterator iterates over a DB's key/value pairs in key order. Unlike
// the Iterator interface, the returned keys are InternalKeys composed of the
// user-key, a sequence number and a key kind. In forward iteration, key/value
// pairs for identical user-keys are returned in descending sequence order. In
// reverse iteration, key/value pairs for identical user-keys are returned in
// ascending sequence order.
//
// InternalIterators provide 4 absolute positioning methods and 2 relative
// positioning methods. The absolute positioning methods are:
//
// - SeekGE
// - SeekLT
// - First
// - Last
//
// The relative positioning methods are:
//
// - Next
// - Prev
//
// Every positioning method returns whether the iterator is pointing at a
// valid entry, the same value Valid reports afterwards. It is undefined to
// call a relative positioning method on an iterator that is not valid: once
// an iterator has been exhausted in either direction it must be repositioned
// with an absolute positioning method.
//
// An iterator must be closed after use, but it is not necessary to read an
// iterator until exhaustion.
//
// An iterator is not goroutine-safe, but it is safe to use multiple iterators
// concurrently, either in separate goroutines or switching between the
// iterators in a single goroutine.
type InternalIterator interface {
	// SeekGE moves the iterator to the first key/value pair whose user key is
	// greater than or equal to the given key.
	SeekGE(key []byte) bool

	// SeekLT moves the iterator to the last key/value pair whose user key is
	// less than the given key.
	SeekLT(key []byte) bool

	// First moves the iterator the the first key/value pair.
	First() bool

	// Last moves the iterator the the last key/value pair.
	Last() bool

	// Next moves the iterator to the next key/value pair.
	Next() bool

	// Prev moves the iterator to the previous key/value pair.
	Prev() bool

	// Key returns the encoded internal key of the current key/value pair, or
	// InvalidInternalKey if done. The caller should not modify the contents of
	// the returned slice, and its contents may change on the next call to a
	// positioning method.
	Key() InternalKey

	// Value returns the value of the current key/value pair, or nil if done.
	// The caller should not modify the contents of the returned slice, and
	// its contents may change on the next call to a positioning method.
	Value() []byte

	// Valid returns true if the iterator is positioned at a valid key/value
	// pair and false otherwise.
	Valid() bool

	// Error returns any accumulated error.
	Error() error

	// Close closes the iterator and returns any accumulated error. Exhausting
	// all the key/value pairs in a table is not considered to be an error.
	// It is valid to call Close multiple times. Other methods should not be
	// called after the iterator has been closed.
	Close() error

	fmt.Stringer
}
