// Copyright 2025 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package compression

import (
	"github.com/cockroachdb/errors"
	"github.com/lsmdb/lsmdb/internal/base"
	"github.com/pierrec/lz4/v4"
)

// lz4Compressor writes a raw LZ4 block prefixed with a uvarint holding the
// decompressed length.
type lz4Compressor struct{}

func (lz4Compressor) compress(dst, src []byte) []byte {
	dst = putLenPrefix(dst, len(src))
	prefixLen := len(dst)
	bound := prefixLen + lz4.CompressBlockBound(len(src))
	if cap(dst) < bound {
		dst = append(make([]byte, 0, bound), dst...)
	}
	var c lz4.Compressor
	n, err := c.CompressBlock(src, dst[prefixLen:bound])
	if err != nil {
		panic(errors.Wrap(err, "lz4 compression"))
	}
	if n == 0 {
		// Incompressible. Return something at least as large as src so that
		// the block is stored uncompressed.
		return append(dst[:prefixLen], src...)
	}
	return dst[:prefixLen+n]
}

type lz4Decompressor struct{}

func (lz4Decompressor) decompressedLen(b []byte) (int, error) {
	n, _, err := readLenPrefix(b)
	return n, err
}

func (lz4Decompressor) decompressInto(buf, src []byte) error {
	_, prefixLen, err := readLenPrefix(src)
	if err != nil {
		return err
	}
	n, err := lz4.UncompressBlock(src[prefixLen:], buf)
	if err != nil {
		return err
	}
	if n != len(buf) {
		return base.CorruptionErrorf("lsmdb: lz4 block decompressed to %d bytes, expected %d",
			errors.Safe(n), errors.Safe(len(buf)))
	}
	return nil
}
