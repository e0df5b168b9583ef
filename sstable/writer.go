// Copyright 2011 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package sstable

import (
	"bufio"
	"encoding/binary"

	"github.com/cockroachdb/errors"
	"github.com/lsmdb/lsmdb/internal/base"
	"github.com/lsmdb/lsmdb/internal/compression"
	"github.com/lsmdb/lsmdb/internal/crc"
	"github.com/lsmdb/lsmdb/vfs"
)

// WriterOptions holds the parameters used to construct a table.
type WriterOptions struct {
	// BlockRestartInterval is the number of keys between restart points
	// for delta encoding of keys.
	//
	// The default value is 16.
	BlockRestartInterval int

	// BlockSize is the target uncompressed size in bytes of each table block.
	//
	// The default value is 4096.
	BlockSize int

	// Comparer defines a total ordering over the space of []byte keys.
	//
	// The default value uses the same ordering as bytes.Compare.
	Comparer *base.Comparer

	// Compression defines the per-block compression to use.
	//
	// The default value (NoCompression) uses no compression.
	Compression compression.Algorithm

	// FilterPolicy defines a filter algorithm (such as a Bloom filter) that
	// can reduce disk reads for Get calls. Filters are built over user keys.
	//
	// The default value means to use no filter.
	FilterPolicy base.FilterPolicy
}

// EnsureDefaults ensures that the default values for all of the options have
// been initialized.
func (o WriterOptions) EnsureDefaults() WriterOptions {
	if o.BlockRestartInterval <= 0 {
		o.BlockRestartInterval = 16
	}
	if o.BlockSize <= 0 {
		o.BlockSize = 4096
	}
	o.Comparer = o.Comparer.EnsureDefaults()
	return o
}

// WriterMetadata holds info about a finished table.
type WriterMetadata struct {
	Size           uint64
	Smallest       base.InternalKey
	Largest        base.InternalKey
	SmallestSeqNum base.SeqNum
	LargestSeqNum  base.SeqNum
	NumEntries     uint64
}

// Writer is a table writer. Keys must be added in strictly increasing
// internal key order.
type Writer struct {
	file      vfs.File
	bufWriter *bufio.Writer
	// err is any accumulated error.
	err       error
	comparer  *base.Comparer
	blockSize int
	algo      compression.Algorithm
	// offset is the offset (relative to the table start) of the next block
	// to be written.
	offset uint64
	block  blockWriter
	index  blockWriter
	filter *filterWriter
	// prevKey is a copy of the key most recently passed to Add.
	prevKey base.InternalKey
	keyBuf  []byte
	// pendingBH is the blockHandle of a finished block that is waiting for
	// the next key before its index entry can be added: the index key is a
	// separator between the two blocks.
	pendingBH     blockHandle
	hasPendingBH  bool
	compressedBuf []byte
	meta          WriterMetadata
	closed        bool
	// tmp is a scratch buffer, large enough to hold either footerLen bytes,
	// blockTrailerLen bytes, or (5 * binary.MaxVarintLen64) bytes.
	tmp [50]byte
}

// NewWriter returns a new table writer for the file. Closing the writer will
// close the file.
func NewWriter(f vfs.File, o WriterOptions) *Writer {
	o = o.EnsureDefaults()
	w := &Writer{
		file:      f,
		bufWriter: bufio.NewWriter(f),
		comparer:  o.Comparer,
		blockSize: o.BlockSize,
		algo:      o.Compression,
		block:     blockWriter{restartInterval: o.BlockRestartInterval},
		index:     blockWriter{restartInterval: 1},
	}
	if o.FilterPolicy != nil {
		w.filter = &filterWriter{policy: o.FilterPolicy}
	}
	return w
}

// Add adds a key/value pair to the table being written. The key must be
// greater than every key previously added.
func (w *Writer) Add(key base.InternalKey, value []byte) error {
	if w.err != nil {
		return w.err
	}
	if w.meta.NumEntries > 0 && base.InternalCompare(w.comparer.Compare, w.prevKey, key) >= 0 {
		w.err = base.InvalidArgumentErrorf("lsmdb/table: Add called in non-increasing key order: %s, %s",
			w.prevKey.Pretty(w.comparer.FormatKey), key.Pretty(w.comparer.FormatKey))
		return w.err
	}
	w.flushPendingBH(key)

	if w.filter != nil {
		w.filter.appendKey(key.UserKey)
	}
	w.block.addInternal(key, value)

	if w.meta.NumEntries == 0 {
		w.meta.Smallest = key.Clone()
		w.meta.SmallestSeqNum = key.SeqNum()
		w.meta.LargestSeqNum = key.SeqNum()
	}
	if seq := key.SeqNum(); seq < w.meta.SmallestSeqNum {
		w.meta.SmallestSeqNum = seq
	} else if seq > w.meta.LargestSeqNum {
		w.meta.LargestSeqNum = seq
	}
	w.meta.NumEntries++

	w.keyBuf = append(w.keyBuf[:0], key.UserKey...)
	w.prevKey = base.InternalKey{UserKey: w.keyBuf, Trailer: key.Trailer}

	if w.block.estimatedSize() >= w.blockSize {
		w.finishBlock()
	}
	return w.err
}

// flushPendingBH adds any pending block handle to the index, keyed by a
// separator between the previous key and key.
func (w *Writer) flushPendingBH(key base.InternalKey) {
	if !w.hasPendingBH {
		return
	}
	sep := w.prevKey.Separator(w.comparer.Compare, w.comparer.Separator, nil, key)
	w.addIndexEntry(sep)
}

func (w *Writer) addIndexEntry(sep base.InternalKey) {
	n := encodeBlockHandle(w.tmp[:], w.pendingBH)
	w.index.addInternal(sep, w.tmp[:n])
	w.hasPendingBH = false
}

// finishBlock finishes the current data block and writes it to the file.
func (w *Writer) finishBlock() {
	bh, err := w.writeBlock(w.block.finish(), w.algo)
	if err != nil {
		w.err = err
		return
	}
	w.pendingBH = bh
	w.hasPendingBH = true
	w.block.reset()

	if w.filter != nil {
		if err := w.filter.finishBlock(w.offset); err != nil {
			w.err = err
		}
	}
}

// writeBlock writes a block and its trailer, returning the block's handle.
func (w *Writer) writeBlock(b []byte, algo compression.Algorithm) (blockHandle, error) {
	algo, b = compression.Compress(algo, w.compressedBuf, b)
	if algo != compression.NoCompression {
		w.compressedBuf = b[:cap(b)]
	}
	w.tmp[0] = byte(algo)
	checksum := crc.New(b).Update(w.tmp[:1]).Value()
	binary.LittleEndian.PutUint32(w.tmp[1:5], checksum)

	if _, err := w.bufWriter.Write(b); err != nil {
		return blockHandle{}, errors.WithStack(err)
	}
	if _, err := w.bufWriter.Write(w.tmp[:blockTrailerLen]); err != nil {
		return blockHandle{}, errors.WithStack(err)
	}
	bh := blockHandle{w.offset, uint64(len(b))}
	w.offset += uint64(len(b)) + blockTrailerLen
	return bh, nil
}

// EstimatedSize returns the estimated size of the table if it were finished
// now.
func (w *Writer) EstimatedSize() uint64 {
	return w.offset + uint64(w.block.estimatedSize()+w.index.estimatedSize())
}

// Close finishes writing the table, syncs it and closes the file.
func (w *Writer) Close() (err error) {
	defer func() {
		if w.file == nil {
			return
		}
		err1 := w.file.Close()
		if err == nil {
			err = errors.WithStack(err1)
		}
		w.file = nil
		w.closed = true
	}()
	if w.err != nil {
		return w.err
	}

	// Finish the last data block, or force an empty data block if there
	// aren't any data blocks at all.
	if w.block.nEntries > 0 || w.meta.NumEntries == 0 {
		w.finishBlock()
		if w.err != nil {
			return w.err
		}
	}
	if w.hasPendingBH {
		succ := w.prevKey.Successor(w.comparer.Compare, w.comparer.Successor, nil)
		w.addIndexEntry(succ)
	}

	// Write the filter block.
	metaindex := blockWriter{restartInterval: 1}
	if w.filter != nil {
		b, err := w.filter.finish()
		if err != nil {
			w.err = err
			return err
		}
		bh, err := w.writeBlock(b, compression.NoCompression)
		if err != nil {
			w.err = err
			return err
		}
		n := encodeBlockHandle(w.tmp[:], bh)
		metaindex.add([]byte(w.filter.metaName()), w.tmp[:n])
	}

	// Write the metaindex block.
	metaindexBH, err := w.writeBlock(metaindex.finish(), compression.NoCompression)
	if err != nil {
		w.err = err
		return err
	}

	// Write the index block.
	indexBH, err := w.writeBlock(w.index.finish(), w.algo)
	if err != nil {
		w.err = err
		return err
	}

	// Write the table footer.
	footer := w.tmp[:footerLen]
	clear(footer)
	n := encodeBlockHandle(footer, metaindexBH)
	encodeBlockHandle(footer[n:], indexBH)
	copy(footer[footerLen-len(magic):], magic)
	if _, err := w.bufWriter.Write(footer); err != nil {
		w.err = errors.WithStack(err)
		return w.err
	}
	w.offset += footerLen

	// Flush the buffer and sync the file.
	if err := w.bufWriter.Flush(); err != nil {
		w.err = errors.WithStack(err)
		return w.err
	}
	if err := w.file.Sync(); err != nil {
		w.err = errors.WithStack(err)
		return w.err
	}
	w.meta.Size = w.offset
	if w.meta.NumEntries > 0 {
		w.meta.Largest = w.prevKey.Clone()
	}

	// Make any future calls to Add or Close return an error.
	w.err = errors.New("lsmdb/table: writer is closed")
	return nil
}

// Metadata returns the metadata for the finished table. It is only valid to
// call Metadata after Close has returned successfully.
func (w *Writer) Metadata() (*WriterMetadata, error) {
	if !w.closed || w.meta.Size == 0 {
		return nil, errors.New("lsmdb/table: writer is not closed")
	}
	return &w.meta, nil
}
