// Copyright 2011 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

// Package sstable implements readers and writers of the LevelDB table format.
//
// A table consists of a sequence of data blocks, an optional filter block, a
// metaindex block, an index block and a fixed-size footer:
//
//	<start_of_file>
//	[data block 0]
//	[data block 1]
//	...
//	[data block N-1]
//	[filter block]       (optional)
//	[metaindex block]
//	[index block]
//	[footer]
//	<end_of_file>
//
// Every block is followed by a 5-byte trailer: a 1-byte compression type and
// a 4-byte masked CRC32C of the block contents and the type byte.
//
// Data blocks hold internal keys in increasing order, prefix compressed
// against the previous key, with a restart point every
// BlockRestartInterval entries. The index block maps, for each data block, a
// separator key that is >= every key in the block and < every key in the
// next block to the block's handle. The metaindex block maps
// "filter.<policy name>" to the filter block's handle.
//
// The footer is 48 bytes: the metaindex and index block handles, zero padding
// to 40 bytes, and the 8-byte magic number.
package sstable // import "github.com/lsmdb/lsmdb/sstable"

import (
	"encoding/binary"

	"github.com/lsmdb/lsmdb/internal/base"
)

const (
	blockTrailerLen = 5
	footerLen       = 48

	magic = "\x57\xfb\x80\x8b\x24\x75\x47\xdb"

	// The block type gives the per-block compression format.
	// These constants are part of the file format and should not be changed.
	// The values match compression.Algorithm.

	// filterBaseLog being 11 means that we generate a new filter for every
	// 2KiB of data.
	filterBaseLog = 11

	filterMetaPrefix = "filter."
)

// blockHandle is the file offset and length of a block.
type blockHandle struct {
	offset, length uint64
}

// decodeBlockHandle returns the block handle encoded at the start of src, as
// well as the number of bytes it occupies. It returns zero if given invalid
// input.
func decodeBlockHandle(src []byte) (blockHandle, int) {
	offset, n := binary.Uvarint(src)
	if n <= 0 {
		return blockHandle{}, 0
	}
	length, m := binary.Uvarint(src[n:])
	if m <= 0 {
		return blockHandle{}, 0
	}
	return blockHandle{offset, length}, n + m
}

func encodeBlockHandle(dst []byte, b blockHandle) int {
	n := binary.PutUvarint(dst, b.offset)
	m := binary.PutUvarint(dst[n:], b.length)
	return n + m
}

func errCorrupt(format string, args ...interface{}) error {
	return base.CorruptionErrorf("lsmdb/table: invalid table ("+format+")", args...)
}
