// Copyright 2025 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package compression

import "github.com/golang/snappy"

type snappyCompressor struct{}

func (snappyCompressor) compress(dst, src []byte) []byte {
	dst = dst[:cap(dst):cap(dst)]
	return snappy.Encode(dst, src)
}

type snappyDecompressor struct{}

func (snappyDecompressor) decompressedLen(b []byte) (int, error) {
	return snappy.DecodedLen(b)
}

func (snappyDecompressor) decompressInto(buf, compressed []byte) error {
	result, err := snappy.Decode(buf, compressed)
	if err != nil {
		return err
	}
	return checkInPlace(result, buf)
}
