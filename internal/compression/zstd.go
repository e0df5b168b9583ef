// Copyright 2025 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package compression

import (
	"sync"

	"github.com/klauspost/compress/zstd"
)

// The encoder and decoder are safe for concurrent use through EncodeAll and
// DecodeAll, so a single instance of each is shared.
var (
	zstdEncoderOnce sync.Once
	zstdEncoder     *zstd.Encoder
	zstdDecoderOnce sync.Once
	zstdDecoder     *zstd.Decoder
)

func getZstdEncoder() *zstd.Encoder {
	zstdEncoderOnce.Do(func() {
		zstdEncoder, _ = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	})
	return zstdEncoder
}

func getZstdDecoder() *zstd.Decoder {
	zstdDecoderOnce.Do(func() {
		zstdDecoder, _ = zstd.NewReader(nil, zstd.WithDecoderConcurrency(0))
	})
	return zstdDecoder
}

// zstdCompressor prefixes the payload with a uvarint holding the
// decompressed length.
type zstdCompressor struct{}

func (zstdCompressor) compress(dst, src []byte) []byte {
	return getZstdEncoder().EncodeAll(src, putLenPrefix(dst, len(src)))
}

type zstdDecompressor struct{}

func (zstdDecompressor) decompressedLen(b []byte) (int, error) {
	n, _, err := readLenPrefix(b)
	return n, err
}

func (zstdDecompressor) decompressInto(buf, src []byte) error {
	_, prefixLen, err := readLenPrefix(src)
	if err != nil {
		return err
	}
	result, err := getZstdDecoder().DecodeAll(src[prefixLen:], buf[:0])
	if err != nil {
		return err
	}
	return checkInPlace(result, buf)
}
