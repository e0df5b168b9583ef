// Copyright 2024 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

// Package base defines fundamental types used across lsmdb, including
// internal keys, comparers, iterators, file names and the error taxonomy.
//
// # Internal keys
//
// An internal key is a user key followed by an 8-byte little-endian trailer
// holding a 56-bit sequence number and an 8-bit kind. Internal keys sort by
// user key ascending and then by trailer descending, so that for a single
// user key the newest entry is encountered first.
//
// # Iterators
//
// The [InternalIterator] interface is implemented by every iterator over
// internal keys: memtables, sstables, level iterators and the merging
// iterator that composes them into the iterator stack beneath a user
// iterator.
package base
