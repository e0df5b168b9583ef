// Copyright 2013 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package sstable

import (
	"encoding/binary"

	"github.com/lsmdb/lsmdb/internal/base"
)

// filterWriter builds the filter block: one filter per 2^filterBaseLog bytes
// of data block offsets, followed by the array of filter offsets, the offset
// of that array and the base log.
type filterWriter struct {
	policy base.FilterPolicy
	// keys holds the user keys added since the last filter was generated.
	// The key data is flattened into data.
	data    []byte
	lengths []int
	keys    [][]byte
	// result is the filters generated so far, in order.
	result  []byte
	offsets []uint32
}

func (f *filterWriter) hasKeys() bool {
	return len(f.lengths) != 0
}

func (f *filterWriter) appendKey(key []byte) {
	f.data = append(f.data, key...)
	f.lengths = append(f.lengths, len(key))
}

func (f *filterWriter) appendOffset() error {
	o := len(f.result)
	if uint64(o) > 1<<32-1 {
		return errCorrupt("filter data is too long")
	}
	f.offsets = append(f.offsets, uint32(o))
	return nil
}

func (f *filterWriter) emit() error {
	if err := f.appendOffset(); err != nil {
		return err
	}
	if !f.hasKeys() {
		return nil
	}

	i, j := 0, 0
	for _, length := range f.lengths {
		j += length
		f.keys = append(f.keys, f.data[i:j])
		i = j
	}
	f.result = f.policy.AppendFilter(f.result, f.keys)

	// Reset the per-filter state.
	f.data = f.data[:0]
	f.lengths = f.lengths[:0]
	f.keys = f.keys[:0]
	return nil
}

// finishBlock is called when a data block starting at blockOffset is
// finished. It emits filters until one covers the next block's offset.
func (f *filterWriter) finishBlock(blockOffset uint64) error {
	for i := blockOffset >> filterBaseLog; i > uint64(len(f.offsets)); {
		if err := f.emit(); err != nil {
			return err
		}
	}
	return nil
}

func (f *filterWriter) finish() ([]byte, error) {
	if f.hasKeys() {
		if err := f.emit(); err != nil {
			return nil, err
		}
	}
	if err := f.appendOffset(); err != nil {
		return nil, err
	}

	var b [4]byte
	for _, x := range f.offsets {
		binary.LittleEndian.PutUint32(b[:], x)
		f.result = append(f.result, b[0], b[1], b[2], b[3])
	}
	f.result = append(f.result, filterBaseLog)
	return f.result, nil
}

func (f *filterWriter) metaName() string {
	return filterMetaPrefix + f.policy.Name()
}

// filterReader answers MayContain queries against a filter block.
type filterReader struct {
	data    []byte
	offsets []byte // len(offsets) must be a multiple of 4.
	policy  base.FilterPolicy
	shift   uint32
}

func newFilterReader(data []byte, policy base.FilterPolicy) *filterReader {
	if len(data) < 5 {
		return nil
	}
	lastOffset := binary.LittleEndian.Uint32(data[len(data)-5:])
	if uint64(lastOffset) > uint64(len(data)-5) {
		return nil
	}
	data, offsets, shift := data[:lastOffset], data[lastOffset:len(data)-1], uint32(data[len(data)-1])
	if len(offsets)&3 != 0 {
		return nil
	}
	return &filterReader{
		data:    data,
		offsets: offsets,
		policy:  policy,
		shift:   shift,
	}
}

// mayContain reports whether the data block at blockOffset may contain key.
// Malformed filter data is treated as a potential match.
func (f *filterReader) mayContain(blockOffset uint64, key []byte) bool {
	index := blockOffset >> f.shift
	if index >= uint64(len(f.offsets)/4-1) {
		return true
	}
	i := binary.LittleEndian.Uint32(f.offsets[4*index+0:])
	j := binary.LittleEndian.Uint32(f.offsets[4*index+4:])
	if i > j || uint64(j) > uint64(len(f.data)) {
		return true
	}
	if i == j {
		// An empty filter matches nothing.
		return false
	}
	return f.policy.MayContain(f.data[i:j], key)
}
