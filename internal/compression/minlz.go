// Copyright 2025 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package compression

import (
	"github.com/cockroachdb/errors"
	"github.com/minio/minlz"
)

type minlzCompressor struct{}

func (minlzCompressor) compress(dst, src []byte) []byte {
	// MinLZ cannot encode blocks greater than 8MB. Fall back to Snappy in
	// those cases. MinLZ can decode the Snappy compressed block.
	if len(src) > minlz.MaxBlockSize {
		return snappyCompressor{}.compress(dst, src)
	}
	compressed, err := minlz.Encode(dst, src, minlz.LevelFastest)
	if err != nil {
		panic(errors.Wrap(err, "minlz compression"))
	}
	return compressed
}

type minlzDecompressor struct{}

func (minlzDecompressor) decompressedLen(b []byte) (int, error) {
	return minlz.DecodedLen(b)
}

func (minlzDecompressor) decompressInto(buf, compressed []byte) error {
	result, err := minlz.Decode(buf, compressed)
	if err != nil {
		return err
	}
	return checkInPlace(result, buf)
}
