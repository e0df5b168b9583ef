// Copyright 2012 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package lsmdb

import (
	"encoding/binary"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func formatBatch(b *Batch) string {
	var buf strings.Builder
	for r := b.reader(); ; {
		kind, ukey, value, ok, err := r.next()
		if err != nil {
			return fmt.Sprintf("err=%v", err)
		}
		if !ok {
			break
		}
		switch kind {
		case InternalKeyKindSet:
			fmt.Fprintf(&buf, "set %s=%s\n", ukey, value)
		case InternalKeyKindDelete:
			fmt.Fprintf(&buf, "delete %s\n", ukey)
		}
	}
	return buf.String()
}

func TestBatch(t *testing.T) {
	var b Batch
	require.True(t, b.Empty())
	require.Equal(t, batchHeaderLen, b.Len())
	require.EqualValues(t, 0, b.Count())

	require.NoError(t, b.Set([]byte("roses"), []byte("red"), nil))
	require.NoError(t, b.Set([]byte("violets"), []byte("blue"), nil))
	require.NoError(t, b.Delete([]byte("roses"), nil))
	require.NoError(t, b.Set([]byte(""), []byte(""), nil))
	require.NoError(t, b.Set([]byte("sugar"), []byte(""), nil))

	require.False(t, b.Empty())
	require.EqualValues(t, 5, b.Count())
	require.Equal(t, "set roses=red\nset violets=blue\ndelete roses\nset =\nset sugar=\n", formatBatch(&b))
}

func TestBatchRepr(t *testing.T) {
	var b Batch
	require.NoError(t, b.Set([]byte("k"), []byte("v"), nil))
	require.NoError(t, b.Delete([]byte("d"), nil))
	b.setSeqNum(0x0102)

	expected := []byte{
		0x02, 0x01, 0, 0, 0, 0, 0, 0, // seqnum
		2, 0, 0, 0, // count
		byte(InternalKeyKindSet), 1, 'k', 1, 'v',
		byte(InternalKeyKindDelete), 1, 'd',
	}
	require.Equal(t, expected, b.Repr())
	require.Equal(t, len(expected), b.Len())
	require.EqualValues(t, 0x0102, b.SeqNum())

	// An empty batch still has a header.
	var empty Batch
	require.Equal(t, make([]byte, batchHeaderLen), empty.Repr())

	var c Batch
	require.NoError(t, c.SetRepr(append([]byte(nil), expected...)))
	require.EqualValues(t, 2, c.Count())
	require.EqualValues(t, 0x0102, c.SeqNum())
	require.Equal(t, b.memTableSize, c.memTableSize)
	require.Equal(t, "set k=v\ndelete d\n", formatBatch(&c))
}

func TestBatchSetReprInvalid(t *testing.T) {
	header := func(count uint32) []byte {
		h := make([]byte, batchHeaderLen)
		binary.LittleEndian.PutUint32(h[8:], count)
		return h
	}
	testCases := []struct {
		name string
		data []byte
	}{
		{"too short", []byte{1, 2, 3}},
		{"count too large", append(header(2), byte(InternalKeyKindDelete), 1, 'a')},
		{"count too small", append(header(0), byte(InternalKeyKindDelete), 1, 'a')},
		{"unknown kind", append(header(1), 7, 1, 'a')},
		{"truncated key", append(header(1), byte(InternalKeyKindDelete), 5, 'a')},
		{"missing value", append(header(1), byte(InternalKeyKindSet), 1, 'a')},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			var b Batch
			err := b.SetRepr(tc.data)
			require.Error(t, err)
			require.True(t, IsCorruptionError(err), "%v", err)
		})
	}
}

func TestBatchApply(t *testing.T) {
	var a, b Batch
	require.NoError(t, a.Set([]byte("a"), []byte("1"), nil))
	require.NoError(t, b.Delete([]byte("b"), nil))
	require.NoError(t, b.Set([]byte("c"), []byte("3"), nil))

	require.NoError(t, a.Apply(&b, nil))
	require.EqualValues(t, 3, a.Count())
	require.Equal(t, "set a=1\ndelete b\nset c=3\n", formatBatch(&a))

	// Applying to an empty batch copies the source.
	var c Batch
	require.NoError(t, c.Apply(&a, nil))
	require.Equal(t, a.Repr()[batchHeaderLen:], c.Repr()[batchHeaderLen:])
	require.Equal(t, a.memTableSize, c.memTableSize)

	// Applying an empty batch is a no-op.
	var empty Batch
	require.NoError(t, c.Apply(&empty, nil))
	require.EqualValues(t, 3, c.Count())
}

func TestBatchReset(t *testing.T) {
	var b Batch
	require.NoError(t, b.Set([]byte("a"), []byte("1"), nil))
	b.setSeqNum(100)
	b.Reset()
	require.True(t, b.Empty())
	require.EqualValues(t, 0, b.Count())
	require.EqualValues(t, 0, b.SeqNum())
	require.Zero(t, b.memTableSize)

	require.NoError(t, b.Set([]byte("b"), []byte("2"), nil))
	require.Equal(t, "set b=2\n", formatBatch(&b))
	require.NoError(t, b.Close())
	require.True(t, b.Empty())
}

func TestBatchCommitUnbound(t *testing.T) {
	b := NewBatch()
	require.NoError(t, b.Set([]byte("a"), []byte("1"), nil))
	require.Error(t, b.Commit(nil))
}
