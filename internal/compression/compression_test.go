// Copyright 2025 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package compression

import (
	"bytes"
	"math/rand/v2"
	"testing"
	"time"

	"github.com/lsmdb/lsmdb/internal/base"
	"github.com/stretchr/testify/require"
)

func compressible(rng *rand.Rand, n int) []byte {
	words := [][]byte{[]byte("apple"), []byte("banana"), []byte("cherry"), []byte("date")}
	var buf bytes.Buffer
	for buf.Len() < n {
		buf.Write(words[rng.IntN(len(words))])
	}
	return buf.Bytes()[:n]
}

func TestCompressionRoundtrip(t *testing.T) {
	seed := uint64(time.Now().UnixNano())
	t.Logf("seed %d", seed)
	rng := rand.New(rand.NewPCG(0, seed))

	for a := Snappy; a < NumAlgorithms; a++ {
		t.Run(a.String(), func(t *testing.T) {
			payload := compressible(rng, 1<<10+rng.IntN(9<<10))
			// Create a randomly-sized buffer to house the compressed output.
			// If it's not sufficient, Compress should allocate one that is.
			compressedBuf := make([]byte, 1+rng.IntN(1<<10))
			got, compressed := Compress(a, compressedBuf, payload)
			require.Equal(t, a, got)
			require.Less(t, len(compressed), len(payload))

			out, err := Decompress(a, nil, compressed)
			require.NoError(t, err)
			require.Equal(t, payload, out)

			// Decompressing into a large enough buffer reuses it.
			buf := make([]byte, 0, len(payload))
			out, err = Decompress(a, buf, compressed)
			require.NoError(t, err)
			require.Equal(t, payload, out)
			require.Equal(t, &buf[:1][0], &out[0])
		})
	}
}

// TestIncompressible checks that blocks which do not shrink by at least 12.5%
// are stored uncompressed.
func TestIncompressible(t *testing.T) {
	rng := rand.New(rand.NewPCG(0, 1))
	payload := make([]byte, 4096)
	for i := range payload {
		payload[i] = byte(rng.Uint32())
	}
	for a := NoCompression; a < NumAlgorithms; a++ {
		got, out := Compress(a, nil, payload)
		require.Equal(t, NoCompression, got, a.String())
		require.Equal(t, payload, out)
	}
	out, err := Decompress(NoCompression, nil, payload)
	require.NoError(t, err)
	require.Equal(t, payload, out)
}

// TestDecompressionError tests that decompressing a value that does not
// decompress returns a corruption error.
func TestDecompressionError(t *testing.T) {
	garbage := []byte{0x80, 0x80, 0x80, 0x80, 0x80, 0x80, 0x80, 0x80, 0x80, 0x80, 0x80}
	for a := Snappy; a < NumAlgorithms; a++ {
		_, err := Decompress(a, nil, garbage)
		require.Error(t, err, a.String())
		require.True(t, base.IsCorruptionError(err), a.String())
	}
	_, err := Decompress(NumAlgorithms, nil, garbage)
	require.True(t, base.IsCorruptionError(err))
}

func TestParseAlgorithm(t *testing.T) {
	for a := NoCompression; a < NumAlgorithms; a++ {
		got, ok := ParseAlgorithm(a.String())
		require.True(t, ok)
		require.Equal(t, a, got)
	}
	_, ok := ParseAlgorithm("gzip")
	require.False(t, ok)
}
