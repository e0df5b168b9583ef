// Copyright 2011 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package record

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"math/rand/v2"
	"strings"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/lsmdb/lsmdb/internal/base"
	"github.com/stretchr/testify/require"
)

func short(s string) string {
	if len(s) < 64 {
		return s
	}
	return fmt.Sprintf("%s...(skipping %d bytes)...%s", s[:20], len(s)-40, s[len(s)-20:])
}

// big returns a string of length n, composed of repetitions of partial.
func big(partial string, n int) string {
	return strings.Repeat(partial, n/len(partial)+1)[:n]
}

// TestZeroBlocks tests that reading nothing but all-zero blocks gives io.EOF.
// This includes decoding an empty stream.
func TestZeroBlocks(t *testing.T) {
	for i := 0; i < 3; i++ {
		r := NewReader(bytes.NewReader(make([]byte, i*blockSize)))
		_, err := r.Next()
		require.Equal(t, io.EOF, err, "%d blocks", i)
	}
}

func testGenerator(t *testing.T, reset func(), gen func() (string, bool)) {
	buf := new(bytes.Buffer)

	reset()
	w := NewWriter(buf)
	for {
		s, ok := gen()
		if !ok {
			break
		}
		ww, err := w.Next()
		require.NoError(t, err)
		_, err = ww.Write([]byte(s))
		require.NoError(t, err)
	}
	require.NoError(t, w.Close())

	reset()
	r := NewReader(buf)
	for {
		s, ok := gen()
		if !ok {
			break
		}
		rr, err := r.Next()
		require.NoError(t, err)
		x, err := io.ReadAll(rr)
		require.NoError(t, err)
		if string(x) != s {
			t.Fatalf("got %q, want %q", short(string(x)), short(s))
		}
	}
	_, err := r.Next()
	require.Equal(t, io.EOF, err)
}

func testLiterals(t *testing.T, s []string) {
	var i int
	reset := func() {
		i = 0
	}
	gen := func() (string, bool) {
		if i == len(s) {
			return "", false
		}
		i++
		return s[i-1], true
	}
	testGenerator(t, reset, gen)
}

func TestMany(t *testing.T) {
	const n = 1e5
	var i int
	reset := func() {
		i = 0
	}
	gen := func() (string, bool) {
		if i == n {
			return "", false
		}
		i++
		return fmt.Sprintf("%d.", i-1), true
	}
	testGenerator(t, reset, gen)
}

func TestRandom(t *testing.T) {
	const n = 1e2
	var (
		i   int
		rng *rand.Rand
	)
	reset := func() {
		i, rng = 0, rand.New(rand.NewPCG(0, 0))
	}
	gen := func() (string, bool) {
		if i == n {
			return "", false
		}
		i++
		return strings.Repeat(string(rune('a'+i%26)), rng.IntN(2*blockSize+16)), true
	}
	testGenerator(t, reset, gen)
}

func TestBasic(t *testing.T) {
	testLiterals(t, []string{
		strings.Repeat("a", 1000),
		strings.Repeat("b", 97270),
		strings.Repeat("c", 8000),
	})
}

func TestBoundary(t *testing.T) {
	for i := blockSize - 16; i < blockSize+16; i++ {
		s0 := big("abcd", i)
		for j := blockSize - 16; j < blockSize+16; j++ {
			s1 := big("ABCDE", j)
			testLiterals(t, []string{s0, s1})
			testLiterals(t, []string{s0, "", s1})
			testLiterals(t, []string{s0, "x", s1})
		}
	}
}

// TestFragmentation writes a record larger than a block and checks both the
// chunk layout and that the record is reproduced exactly.
func TestFragmentation(t *testing.T) {
	rec := []byte(big("0123456789", 2*blockSize+100))
	buf := new(bytes.Buffer)
	w := NewWriter(buf)
	off, err := w.WriteRecord(rec)
	require.NoError(t, err)
	require.NoError(t, w.Close())
	require.Equal(t, int64(buf.Len()), off)
	// Three chunks: two full blocks and the remainder.
	require.Equal(t, 3*headerSize+len(rec), buf.Len())

	b := buf.Bytes()
	require.Equal(t, byte(firstChunkType), b[6])
	require.Equal(t, byte(middleChunkType), b[blockSize+6])
	require.Equal(t, byte(lastChunkType), b[2*blockSize+6])
	require.Equal(t, uint16(blockSize-headerSize), binary.LittleEndian.Uint16(b[4:6]))

	r := NewReader(bytes.NewReader(b))
	rr, err := r.Next()
	require.NoError(t, err)
	got, err := io.ReadAll(rr)
	require.NoError(t, err)
	require.Equal(t, rec, got)
	_, err = r.Next()
	require.Equal(t, io.EOF, err)
}

// TestBlockTrailer checks that a block with fewer than headerSize bytes left
// is zero padded and the next record starts on the following block.
func TestBlockTrailer(t *testing.T) {
	buf := new(bytes.Buffer)
	w := NewWriter(buf)
	_, err := w.WriteRecord(bytes.Repeat([]byte("x"), blockSize-headerSize-3))
	require.NoError(t, err)
	_, err = w.WriteRecord([]byte("y"))
	require.NoError(t, err)
	require.NoError(t, w.Close())

	b := buf.Bytes()
	require.Equal(t, blockSize+headerSize+1, len(b))
	require.Equal(t, []byte{0, 0, 0}, b[blockSize-3:blockSize])
	require.Equal(t, byte(fullChunkType), b[blockSize+6])

	r := NewReader(bytes.NewReader(b))
	for _, want := range []int{blockSize - headerSize - 3, 1} {
		rr, err := r.Next()
		require.NoError(t, err)
		got, err := io.ReadAll(rr)
		require.NoError(t, err)
		require.Equal(t, want, len(got))
	}
}

func TestFlush(t *testing.T) {
	buf := new(bytes.Buffer)
	w := NewWriter(buf)
	// Write a couple of records. Everything should still be held
	// in the record.Writer buffer, so that buf.Len should be 0.
	w0, _ := w.Next()
	w0.Write([]byte("0"))
	w1, _ := w.Next()
	w1.Write([]byte("11"))
	require.Equal(t, 0, buf.Len())
	// Flush the record.Writer buffer, which should yield 17 bytes.
	// 17 = 2*7 + 1 + 2, which is two headers and 1 + 2 payload bytes.
	require.NoError(t, w.Flush())
	require.Equal(t, 17, buf.Len())
	// Do another write, one that isn't large enough to complete the block.
	// The write should not have flowed through to buf.
	w2, _ := w.Next()
	w2.Write(bytes.Repeat([]byte("2"), 10000))
	require.Equal(t, 17, buf.Len())
	// Flushing should get us up to 10024 bytes written.
	// 10024 = 17 + 7 + 10000.
	require.NoError(t, w.Flush())
	require.Equal(t, 10024, buf.Len())
	// Do a bigger write, one that completes the current block.
	// We should now have 32768 bytes (a complete block), without
	// an explicit flush.
	w3, _ := w.Next()
	w3.Write(bytes.Repeat([]byte("3"), 40000))
	require.Equal(t, 32768, buf.Len())
	// Flushing should get us up to 50038 bytes written.
	// 50038 = 10024 + 2*7 + 40000. There are two headers because
	// the one record was split into two chunks.
	require.NoError(t, w.Flush())
	require.Equal(t, 50038, buf.Len())
	require.Equal(t, int64(50038), w.Size())
	// Check that reading those records give the right lengths.
	r := NewReader(buf)
	wants := []int64{1, 2, 10000, 40000}
	for i, want := range wants {
		rr, _ := r.Next()
		n, err := io.Copy(io.Discard, rr)
		require.NoError(t, err, "read #%d", i)
		require.Equal(t, want, n, "read #%d", i)
	}
}

// TestWriterAt checks that a writer resuming an existing stream keeps the
// block alignment of the original writer.
func TestWriterAt(t *testing.T) {
	records := []string{
		big("a", 1000),
		big("b", blockSize),
		big("c", 10),
		big("d", 3*blockSize),
		"",
		big("e", 500),
	}
	for split := 0; split <= len(records); split++ {
		buf := new(bytes.Buffer)
		w := NewWriter(buf)
		for _, rec := range records[:split] {
			_, err := w.WriteRecord([]byte(rec))
			require.NoError(t, err)
		}
		require.NoError(t, w.Close())
		require.Equal(t, int64(buf.Len()), w.Size())

		w = NewWriterAt(buf, int64(buf.Len()))
		for _, rec := range records[split:] {
			_, err := w.WriteRecord([]byte(rec))
			require.NoError(t, err)
		}
		require.NoError(t, w.Close())

		r := NewReader(bytes.NewReader(buf.Bytes()))
		for i, want := range records {
			rr, err := r.Next()
			require.NoError(t, err, "split=%d record=%d", split, i)
			got, err := io.ReadAll(rr)
			require.NoError(t, err)
			require.Equal(t, want, string(got), "split=%d record=%d", split, i)
		}
		_, err := r.Next()
		require.Equal(t, io.EOF, err)
	}
}

func TestNonExhaustiveRead(t *testing.T) {
	const n = 100
	buf := new(bytes.Buffer)
	p := make([]byte, 10)
	rng := rand.New(rand.NewPCG(1, 1))

	w := NewWriter(buf)
	for i := 0; i < n; i++ {
		length := len(p) + rng.IntN(3*blockSize)
		s := string(rune('A'+i%26)) + "123456789abcdefgh"
		ww, _ := w.Next()
		ww.Write([]byte(big(s, length)))
	}
	require.NoError(t, w.Close())

	r := NewReader(buf)
	for i := 0; i < n; i++ {
		rr, _ := r.Next()
		_, err := io.ReadFull(rr, p)
		require.NoError(t, err)
		want := string(rune('A'+i%26)) + "123456789"
		require.Equal(t, want, string(p), "read #%d", i)
	}
}

func TestStaleReader(t *testing.T) {
	buf := new(bytes.Buffer)

	w := NewWriter(buf)
	w0, err := w.Next()
	require.NoError(t, err)
	w0.Write([]byte("0"))
	w1, err := w.Next()
	require.NoError(t, err)
	w1.Write([]byte("11"))
	require.NoError(t, w.Close())

	r := NewReader(buf)
	r0, err := r.Next()
	require.NoError(t, err)
	r1, err := r.Next()
	require.NoError(t, err)
	p := make([]byte, 1)
	_, err = r0.Read(p)
	require.ErrorContains(t, err, "stale")
	_, err = r1.Read(p)
	require.NoError(t, err)
	require.Equal(t, byte('1'), p[0])
}

func TestStaleWriter(t *testing.T) {
	buf := new(bytes.Buffer)

	w := NewWriter(buf)
	w0, err := w.Next()
	require.NoError(t, err)
	w1, err := w.Next()
	require.NoError(t, err)
	_, err = w0.Write([]byte("0"))
	require.ErrorContains(t, err, "stale")
	_, err = w1.Write([]byte("11"))
	require.NoError(t, err)
	require.NoError(t, w.Flush())
	_, err = w1.Write([]byte("0"))
	require.ErrorContains(t, err, "stale")
}

type testRecords struct {
	records [][]byte // The raw value of each record.
	buf     []byte   // The serialized records form of all records.
}

// makeTestRecords generates test records of specified lengths.
// The first record will consist of repeating 0x00 bytes, the next record of
// 0x01 bytes, and so forth. The values will loop back to 0x00 after 0xff.
func makeTestRecords(t *testing.T, recordLengths ...int) *testRecords {
	ret := &testRecords{}
	ret.records = make([][]byte, len(recordLengths))
	for i, n := range recordLengths {
		ret.records[i] = bytes.Repeat([]byte{byte(i)}, n)
	}

	buf := new(bytes.Buffer)
	w := NewWriter(buf)
	for _, rec := range ret.records {
		wRec, err := w.Next()
		require.NoError(t, err)
		_, err = wRec.Write(rec)
		require.NoError(t, err)
	}
	require.NoError(t, w.Close())
	ret.buf = buf.Bytes()
	return ret
}

// corruptBlock corrupts the checksum of the record that starts at the
// specified block offset. The number of the block offset is 0 based.
func corruptBlock(buf []byte, blockNum int) {
	// Ensure we always permute at least 1 byte of the checksum.
	if buf[blockSize*blockNum] == 0x00 {
		buf[blockSize*blockNum] = 0xff
	} else {
		buf[blockSize*blockNum] = 0x00
	}

	buf[blockSize*blockNum+1] = 0x00
	buf[blockSize*blockNum+2] = 0x00
	buf[blockSize*blockNum+3] = 0x00
}

func TestRecoverNoOp(t *testing.T) {
	recs := makeTestRecords(t,
		blockSize-headerSize,
		blockSize-headerSize,
		blockSize-headerSize,
	)

	r := NewReader(bytes.NewReader(recs.buf))
	_, err := r.Next()
	require.NoError(t, err)
	require.NoError(t, r.err)

	seq, begin, end, n := r.seq, r.begin, r.end, r.n

	// Should be a no-op since r.err == nil.
	r.Recover()

	// r.err was nil, nothing should have changed.
	require.Equal(t, []int{seq, begin, end, n}, []int{r.seq, r.begin, r.end, r.n})
}

func TestBasicRecover(t *testing.T) {
	recs := makeTestRecords(t,
		blockSize-headerSize,
		blockSize-headerSize,
		blockSize-headerSize,
	)

	// Corrupt the checksum of the second record r1 in our file.
	corruptBlock(recs.buf, 1)

	underlyingReader := bytes.NewReader(recs.buf)
	r := NewReader(underlyingReader)

	// The first record r0 should be read just fine.
	r0, err := r.Next()
	require.NoError(t, err)
	r0Data, err := io.ReadAll(r0)
	require.NoError(t, err)
	require.Equal(t, recs.records[0], r0Data)

	// The next record should have a checksum mismatch.
	_, err = r.Next()
	require.ErrorContains(t, err, "checksum mismatch")
	require.True(t, errors.Is(err, ErrInvalidChunk))
	require.True(t, base.IsCorruptionError(err))
	require.True(t, IsInvalidRecord(err))

	// Recover from that checksum mismatch.
	r.Recover()
	currentOffset, err := underlyingReader.Seek(0, io.SeekCurrent)
	require.NoError(t, err)
	require.Equal(t, int64(blockSize*2), currentOffset)

	// The third record r2 should be read just fine.
	r2, err := r.Next()
	require.NoError(t, err)
	r2Data, err := io.ReadAll(r2)
	require.NoError(t, err)
	require.Equal(t, recs.records[2], r2Data)
}

func TestRecoverSingleBlock(t *testing.T) {
	// The first record will be blockSize * 3 bytes long. Since each block has
	// a 7 byte header, the first record will roll over into 4 blocks.
	recs := makeTestRecords(t,
		blockSize*3,
		blockSize-headerSize,
		blockSize/2,
	)

	// Corrupt the checksum for the portion of the first record that exists in
	// the 4th block.
	corruptBlock(recs.buf, 3)

	// The first record should fail, but only when we read deeper beyond the
	// first block.
	r := NewReader(bytes.NewReader(recs.buf))
	r0, err := r.Next()
	require.NoError(t, err)

	// Reading deeper should yield a checksum mismatch.
	_, err = io.ReadAll(r0)
	require.ErrorContains(t, err, "checksum mismatch")

	// Recover from that checksum mismatch.
	r.Recover()

	// All of the data in the second record r1 is lost because the first record
	// r0 shared a partial block with it. The second record also overlapped
	// into the block with the third record r2. Recovery should jump to that
	// block, skipping over the end of the second record and start parsing the
	// third record.
	r2, err := r.Next()
	require.NoError(t, err)
	r2Data, _ := io.ReadAll(r2)
	require.Equal(t, recs.records[2], r2Data)
}

func TestRecoverMultipleBlocks(t *testing.T) {
	recs := makeTestRecords(t,
		// The first record will consume 3 entire blocks but a fraction of the 4th.
		blockSize*3,
		// The second record will completely fill the remainder of the 4th block.
		3*(blockSize-headerSize)-2*blockSize-2*headerSize,
		// Consume the entirety of the 5th block.
		blockSize-headerSize,
		// Consume the entirety of the 6th block.
		blockSize-headerSize,
		// Consume roughly half of the 7th block.
		blockSize/2,
	)

	// Corrupt the checksum for the portion of the first record that exists in the 4th block.
	corruptBlock(recs.buf, 3)

	// Now corrupt the two blocks in a row that correspond to recs.records[2:4].
	corruptBlock(recs.buf, 4)
	corruptBlock(recs.buf, 5)

	// The first record should fail, but only when we read deeper beyond the first block.
	r := NewReader(bytes.NewReader(recs.buf))
	r0, err := r.Next()
	require.NoError(t, err)

	// Reading deeper should yield a checksum mismatch.
	_, err = io.ReadAll(r0)
	require.ErrorContains(t, err, "checksum mismatch")

	// Recover from that checksum mismatch.
	r.Recover()

	// All of the data in the second record is lost because the first
	// record shared a partial block with it. The following two records
	// have corrupted checksums as well, so the call above to r.Recover
	// should result in r.Next() being a reader to the 5th record.
	r4, err := r.Next()
	require.NoError(t, err)
	r4Data, _ := io.ReadAll(r4)
	require.Equal(t, recs.records[4], r4Data)
}

// verifyLastBlockRecover reads each record from recs expecting that the
// last record will be corrupted. It will then try Recover and verify that EOF
// is returned.
func verifyLastBlockRecover(t *testing.T, recs *testRecords) {
	r := NewReader(bytes.NewReader(recs.buf))
	// Loop to one element larger than the number of records to verify EOF.
	for i := 0; i < len(recs.records)+1; i++ {
		_, err := r.Next()
		switch i {
		case len(recs.records) - 1:
			require.Error(t, err)
			r.Recover()
		case len(recs.records):
			require.Equal(t, io.EOF, err)
		default:
			require.NoError(t, err)
		}
	}
}

func TestRecoverLastPartialBlock(t *testing.T) {
	recs := makeTestRecords(t,
		// The first record will consume 3 entire blocks but a fraction of the 4th.
		blockSize*3,
		// The second record will completely fill the remainder of the 4th block.
		3*(blockSize-headerSize)-2*blockSize-2*headerSize,
		// Consume roughly half of the 5th block.
		blockSize/2,
	)

	// Corrupt the 5th block.
	corruptBlock(recs.buf, 4)

	// Verify Recover works when the last block is corrupted.
	verifyLastBlockRecover(t, recs)
}

func TestRecoverLastCompleteBlock(t *testing.T) {
	recs := makeTestRecords(t,
		// The first record will consume 3 entire blocks but a fraction of the 4th.
		blockSize*3,
		// The second record will completely fill the remainder of the 4th block.
		3*(blockSize-headerSize)-2*blockSize-2*headerSize,
		// Consume the entire 5th block.
		blockSize-headerSize,
	)

	// Corrupt the 5th block.
	corruptBlock(recs.buf, 4)

	// Verify Recover works when the last block is corrupted.
	verifyLastBlockRecover(t, recs)
}

// TestTruncatedTail checks that a log whose final record was cut short by a
// crash reports io.ErrUnexpectedEOF rather than corruption.
func TestTruncatedTail(t *testing.T) {
	recs := makeTestRecords(t, 100, 2*blockSize)
	for _, cut := range []int{1, headerSize - 1, headerSize + 10, blockSize + 3} {
		buf := recs.buf[:len(recs.buf)-cut]
		r := NewReader(bytes.NewReader(buf))
		rr, err := r.Next()
		require.NoError(t, err)
		got, err := io.ReadAll(rr)
		require.NoError(t, err)
		require.Equal(t, recs.records[0], got)

		rr, err = r.Next()
		if err == nil {
			_, err = io.ReadAll(rr)
		}
		require.Equal(t, io.ErrUnexpectedEOF, err, "cut=%d", cut)
		require.False(t, base.IsCorruptionError(err))
	}
}
