// Copyright 2012 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package lsmdb

import (
	"encoding/binary"

	"github.com/cockroachdb/errors"
	"github.com/lsmdb/lsmdb/internal/arenaskl"
	"github.com/lsmdb/lsmdb/internal/base"
)

const (
	batchHeaderLen    = 12
	batchInitialSize  = 1 << 10 // 1 KB
	invalidBatchCount = 1<<32 - 1
)

// ErrInvalidBatch indicates that a batch is invalid or otherwise corrupted.
var ErrInvalidBatch = base.MarkCorruptionError(errors.New("lsmdb: invalid batch"))

// Batch is a sequence of Sets and/or Deletes that are applied atomically.
//
// The data field is the wire format of a batch's log entry:
//   - 8 bytes for a sequence number of the first batch element,
//     or zeroes if the batch has not yet been applied,
//   - 4 bytes for the count: the number of elements in the batch,
//     or "\xff\xff\xff\xff" if the batch is invalid,
//   - count elements, being:
//   - one byte for the kind
//   - the varint-string user key,
//   - the varint-string value (if kind != delete).
//
// The sequence number and count are stored in little-endian order. The same
// bytes are appended to the WAL as one record.
type Batch struct {
	data []byte

	// memTableSize is the number of arena bytes the batch will occupy once
	// applied to a memtable.
	memTableSize uint64

	// The db to which the batch will be committed. Nil for batches created
	// with a zero value.
	db *DB
}

// NewBatch returns a new empty batch that is not bound to a DB. It can be
// applied with DB.Apply.
func NewBatch() *Batch {
	return &Batch{}
}

func newBatch(db *DB) *Batch {
	return &Batch{db: db}
}

// Set adds an action to the batch that sets the key to map to the value.
//
// It is safe to modify the contents of the arguments after Set returns.
func (b *Batch) Set(key, value []byte, _ *WriteOptions) error {
	if len(b.data) == 0 {
		b.init(len(key) + len(value) + 2*binary.MaxVarintLen64 + batchHeaderLen)
	}
	if !b.increment() {
		return ErrInvalidBatch
	}
	b.data = append(b.data, byte(InternalKeyKindSet))
	b.appendStr(key)
	b.appendStr(value)
	b.memTableSize += uint64(memTableEntrySize(key, value))
	return nil
}

// Delete adds an action to the batch that deletes the entry for key.
//
// It is safe to modify the contents of the arguments after Delete returns.
func (b *Batch) Delete(key []byte, _ *WriteOptions) error {
	if len(b.data) == 0 {
		b.init(len(key) + binary.MaxVarintLen64 + batchHeaderLen)
	}
	if !b.increment() {
		return ErrInvalidBatch
	}
	b.data = append(b.data, byte(InternalKeyKindDelete))
	b.appendStr(key)
	b.memTableSize += uint64(memTableEntrySize(key, nil))
	return nil
}

// Apply the operations contained in the batch to the receiver batch.
//
// It is safe to modify the contents of the arguments after Apply returns.
func (b *Batch) Apply(batch *Batch, _ *WriteOptions) error {
	if len(batch.data) == 0 {
		return nil
	}
	if len(batch.data) < batchHeaderLen {
		return ErrInvalidBatch
	}
	if len(b.data) == 0 {
		b.init(len(batch.data))
	}
	count := uint64(b.Count()) + uint64(batch.Count())
	if count >= invalidBatchCount {
		return ErrInvalidBatch
	}
	b.data = append(b.data, batch.data[batchHeaderLen:]...)
	b.setCount(uint32(count))
	b.memTableSize += batch.memTableSize
	return nil
}

// Commit applies the batch to its parent DB.
func (b *Batch) Commit(o *WriteOptions) error {
	if b.db == nil {
		return errors.New("lsmdb: batch is not bound to a DB")
	}
	return b.db.Apply(b, o)
}

// Close releases the batch's buffer. The batch must not be used afterwards.
func (b *Batch) Close() error {
	b.data = nil
	b.memTableSize = 0
	return nil
}

// Reset clears the batch so that it can be reused. The underlying buffer is
// retained.
func (b *Batch) Reset() {
	if b.data != nil {
		b.data = b.data[:batchHeaderLen]
		clear(b.data)
	}
	b.memTableSize = 0
}

// Empty returns true if the batch is empty, and false otherwise.
func (b *Batch) Empty() bool {
	return len(b.data) <= batchHeaderLen
}

// Len returns the current size of the batch in bytes.
func (b *Batch) Len() int {
	if len(b.data) <= batchHeaderLen {
		return batchHeaderLen
	}
	return len(b.data)
}

// Repr returns the underlying batch representation. It is not safe to modify
// the contents. Reset() will not change the contents of the returned value,
// though any other mutation operation may do so.
func (b *Batch) Repr() []byte {
	if len(b.data) == 0 {
		b.init(batchHeaderLen)
	}
	return b.data
}

// SetRepr sets the underlying batch representation. The batch takes
// ownership of the supplied slice. It will not be copied, and it will not be
// modified. The entries are validated and the memtable footprint computed.
func (b *Batch) SetRepr(data []byte) error {
	if len(data) < batchHeaderLen {
		return base.CorruptionErrorf("lsmdb: invalid batch: too short (%d bytes)", errors.Safe(len(data)))
	}
	b.data = data
	b.memTableSize = 0
	var n uint32
	for r := b.reader(); ; n++ {
		_, ukey, value, ok, err := r.next()
		if err != nil {
			return err
		}
		if !ok {
			break
		}
		b.memTableSize += uint64(memTableEntrySize(ukey, value))
	}
	if n != b.Count() {
		return base.CorruptionErrorf("lsmdb: invalid batch: count %d does not match %d entries",
			errors.Safe(b.Count()), errors.Safe(n))
	}
	return nil
}

// Count returns the count of the operations in the batch.
func (b *Batch) Count() uint32 {
	if len(b.data) < batchHeaderLen {
		return 0
	}
	return binary.LittleEndian.Uint32(b.countData())
}

// SeqNum returns the sequence number assigned to the first operation in the
// batch when it was committed, or zero for an uncommitted batch.
func (b *Batch) SeqNum() SeqNum {
	if len(b.data) < batchHeaderLen {
		return 0
	}
	return SeqNum(binary.LittleEndian.Uint64(b.seqNumData()))
}

func (b *Batch) init(cap int) {
	n := batchInitialSize
	for n < cap {
		n *= 2
	}
	b.data = make([]byte, batchHeaderLen, n)
}

func (b *Batch) seqNumData() []byte {
	return b.data[:8]
}

func (b *Batch) countData() []byte {
	return b.data[8:12]
}

func (b *Batch) increment() (ok bool) {
	p := b.countData()
	v := binary.LittleEndian.Uint32(p)
	if v == invalidBatchCount {
		return false
	}
	binary.LittleEndian.PutUint32(p, v+1)
	return v+1 != invalidBatchCount
}

func (b *Batch) appendStr(s []byte) {
	b.data = binary.AppendUvarint(b.data, uint64(len(s)))
	b.data = append(b.data, s...)
}

func (b *Batch) setSeqNum(seqNum SeqNum) {
	binary.LittleEndian.PutUint64(b.seqNumData(), uint64(seqNum))
}

func (b *Batch) setCount(v uint32) {
	binary.LittleEndian.PutUint32(b.countData(), v)
}

func (b *Batch) reader() batchReader {
	return batchReader(b.data[batchHeaderLen:])
}

// memTableEntrySize returns the arena footprint of an entry's key and value
// bytes, counting the internal key trailer.
func memTableEntrySize(key, value []byte) int {
	return arenaskl.EntrySize(base.InternalKey{UserKey: key}, value)
}

// batchReader iterates over the entries contained in a batch.
type batchReader []byte

// next returns the next operation in this batch. ok is false once the
// entries are exhausted; err is a corruption error if the entry is
// malformed.
func (r *batchReader) next() (kind InternalKeyKind, ukey []byte, value []byte, ok bool, err error) {
	p := *r
	if len(p) == 0 {
		return 0, nil, nil, false, nil
	}
	kind, *r = InternalKeyKind(p[0]), p[1:]
	if kind > InternalKeyKindMax {
		return 0, nil, nil, false, base.CorruptionErrorf("lsmdb: invalid batch: unknown kind %d", errors.Safe(kind))
	}
	if ukey, ok = r.nextStr(); !ok {
		return 0, nil, nil, false, base.CorruptionErrorf("lsmdb: invalid batch: bad key")
	}
	if kind == InternalKeyKindSet {
		if value, ok = r.nextStr(); !ok {
			return 0, nil, nil, false, base.CorruptionErrorf("lsmdb: invalid batch: bad value")
		}
	}
	return kind, ukey, value, true, nil
}

func (r *batchReader) nextStr() (s []byte, ok bool) {
	p := *r
	u, numBytes := binary.Uvarint(p)
	if numBytes <= 0 {
		return nil, false
	}
	p = p[numBytes:]
	if u > uint64(len(p)) {
		return nil, false
	}
	s, *r = p[:u], p[u:]
	return s, true
}
