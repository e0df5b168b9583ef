// Copyright 2025 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

// Package compression implements the block codecs used by sstables.
package compression // import "github.com/lsmdb/lsmdb/internal/compression"

import (
	"encoding/binary"

	"github.com/cockroachdb/errors"
	"github.com/lsmdb/lsmdb/internal/base"
)

// Algorithm identifies a block compression algorithm. The numeric values are
// written to the block trailer and must not change.
type Algorithm uint8

const (
	NoCompression Algorithm = iota
	Snappy
	Zstd
	LZ4
	MinLZ
	NumAlgorithms
)

var algorithmNames = [NumAlgorithms]string{
	NoCompression: "NoCompression",
	Snappy:        "Snappy",
	Zstd:          "ZSTD",
	LZ4:           "LZ4",
	MinLZ:         "MinLZ",
}

func (a Algorithm) String() string {
	if a < NumAlgorithms {
		return algorithmNames[a]
	}
	return "Unknown"
}

// ParseAlgorithm returns the algorithm with the given name, as returned by
// Algorithm.String.
func ParseAlgorithm(s string) (Algorithm, bool) {
	for a, name := range algorithmNames {
		if name == s {
			return Algorithm(a), true
		}
	}
	return 0, false
}

// minSavingsDenom sets how much a compressed block must shrink to be kept:
// the compressed size must be less than len - len/minSavingsDenom.
const minSavingsDenom = 8

type compressor interface {
	// Compress appends the compressed form of src to dst[:0] and returns it.
	compress(dst, src []byte) []byte
}

type decompressor interface {
	decompressedLen(src []byte) (int, error)
	decompressInto(dst, src []byte) error
}

var compressors = [NumAlgorithms]compressor{
	Snappy: snappyCompressor{},
	Zstd:   zstdCompressor{},
	LZ4:    lz4Compressor{},
	MinLZ:  minlzCompressor{},
}

var decompressors = [NumAlgorithms]decompressor{
	Snappy: snappyDecompressor{},
	Zstd:   zstdDecompressor{},
	LZ4:    lz4Decompressor{},
	MinLZ:  minlzDecompressor{},
}

// Compress compresses src with algorithm a, reusing dst's storage when it is
// large enough. If a is NoCompression, or compression does not shrink src by
// at least 12.5%, Compress returns src itself with NoCompression.
func Compress(a Algorithm, dst, src []byte) (Algorithm, []byte) {
	if a == NoCompression || a >= NumAlgorithms || compressors[a] == nil {
		return NoCompression, src
	}
	out := compressors[a].compress(dst, src)
	if len(out) >= len(src)-len(src)/minSavingsDenom {
		return NoCompression, src
	}
	return a, out
}

// Decompress decompresses src, which was compressed with algorithm a. The
// result uses buf's storage when it is large enough. A NoCompression block is
// returned as is.
func Decompress(a Algorithm, buf, src []byte) ([]byte, error) {
	if a == NoCompression {
		return src, nil
	}
	if a >= NumAlgorithms || decompressors[a] == nil {
		return nil, base.CorruptionErrorf("lsmdb: unknown block compression: %d", errors.Safe(a))
	}
	d := decompressors[a]
	n, err := d.decompressedLen(src)
	if err != nil {
		return nil, base.MarkCorruptionError(err)
	}
	if cap(buf) < n {
		buf = make([]byte, n)
	}
	buf = buf[:n]
	if err := d.decompressInto(buf, src); err != nil {
		return nil, base.MarkCorruptionError(errors.Wrapf(err, "decompressing %s block", a))
	}
	return buf, nil
}

// putLenPrefix reserves and fills a uvarint prefix holding the decompressed
// length at the start of dst, for codecs that do not record it themselves.
func putLenPrefix(dst []byte, n int) []byte {
	return binary.AppendUvarint(dst[:0], uint64(n))
}

func readLenPrefix(src []byte) (n int, prefixLen int, err error) {
	v, prefixLen := binary.Uvarint(src)
	if prefixLen <= 0 {
		return 0, 0, base.CorruptionErrorf("lsmdb: compression block has invalid length")
	}
	return int(v), prefixLen, nil
}

func checkInPlace(result, buf []byte) error {
	if len(result) != len(buf) || (len(result) > 0 && &result[0] != &buf[0]) {
		return base.CorruptionErrorf("lsmdb: decompressed into unexpected buffer: %p != %p",
			errors.Safe(result), errors.Safe(buf))
	}
	return nil
}
