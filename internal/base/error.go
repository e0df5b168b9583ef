// Copyright 2011 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package base

import "github.com/cockroachdb/errors"

// ErrNotFound means that a get call did not find the requested key.
var ErrNotFound = errors.New("lsmdb: not found")

// ErrCorruption is a marker to indicate that data in a file (WAL, MANIFEST,
// sstable) isn't in the expected format.
var ErrCorruption = errors.New("lsmdb: corruption")

// ErrInvalidArgument is a marker for errors caused by bad options or by
// misuse of the API, for example opening a database with a comparer other
// than the one it was created with.
var ErrInvalidArgument = errors.New("lsmdb: invalid argument")

// ErrIO is a marker for errors returned by the filesystem.
var ErrIO = errors.New("lsmdb: I/O error")

// MarkCorruptionError marks given error as a corruption error.
func MarkCorruptionError(err error) error {
	if errors.Is(err, ErrCorruption) {
		return err
	}
	return errors.Mark(err, ErrCorruption)
}

// IsCorruptionError returns true if the given error indicates corruption.
func IsCorruptionError(err error) bool {
	return errors.Is(err, ErrCorruption)
}

// CorruptionErrorf formats according to a format specifier and returns
// the string as an error value that is marked as a corruption error.
func CorruptionErrorf(format string, args ...interface{}) error {
	return errors.Mark(errors.Newf(format, args...), ErrCorruption)
}

// InvalidArgumentErrorf formats according to a format specifier and returns
// the string as an error value that is marked as an invalid argument error.
func InvalidArgumentErrorf(format string, args ...interface{}) error {
	return errors.Mark(errors.Newf(format, args...), ErrInvalidArgument)
}

// MarkIOError marks err as an I/O error. A nil error stays nil.
func MarkIOError(err error) error {
	if err == nil || errors.Is(err, ErrIO) {
		return err
	}
	return errors.Mark(err, ErrIO)
}

// IsIOError returns true if err was returned by the filesystem.
func IsIOError(err error) bool {
	return errors.Is(err, ErrIO)
}
