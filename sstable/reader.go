// Copyright 2011 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package sstable

import (
	"bytes"
	"encoding/binary"

	"github.com/cockroachdb/errors"
	"github.com/lsmdb/lsmdb/internal/base"
	"github.com/lsmdb/lsmdb/internal/cache"
	"github.com/lsmdb/lsmdb/internal/compression"
	"github.com/lsmdb/lsmdb/internal/crc"
	"github.com/lsmdb/lsmdb/vfs"
)

// ReaderOptions holds the parameters needed for reading a table.
type ReaderOptions struct {
	// Comparer must match the comparer the table was written with.
	Comparer *base.Comparer

	// FilterPolicy, if non-nil and matching the policy the table was written
	// with, is used to skip data blocks in Get.
	FilterPolicy base.FilterPolicy

	// Cache is used to cache uncompressed blocks from the table. If nil,
	// blocks are read from the file on every access.
	Cache *cache.Cache
	// CacheID identifies the cache namespace, typically one per DB.
	CacheID uint64
	// FileNum identifies the table within the cache namespace.
	FileNum base.FileNum

	// ParanoidChecks verifies the checksum of every block read, not only
	// those of the index and filter blocks.
	ParanoidChecks bool
}

// Reader is a table reader. It is safe for concurrent use.
type Reader struct {
	file    vfs.File
	opts    ReaderOptions
	cmp     base.Compare
	size    int64
	index   block
	filter  *filterReader
	metaBH  blockHandle
	indexBH blockHandle
}

// NewReader returns a new table reader for the file. Closing the reader will
// close the file. If an error is returned the file is closed.
func NewReader(f vfs.File, o ReaderOptions) (_ *Reader, err error) {
	o.Comparer = o.Comparer.EnsureDefaults()
	r := &Reader{
		file: f,
		opts: o,
		cmp:  o.Comparer.Compare,
	}
	defer func() {
		if err != nil {
			_ = f.Close()
		}
	}()
	if f == nil {
		return nil, errors.New("lsmdb/table: nil file")
	}
	stat, err := f.Stat()
	if err != nil {
		return nil, errors.Wrap(err, "lsmdb/table: invalid table (could not stat file)")
	}
	r.size = stat.Size()

	// Read the footer.
	var footer [footerLen]byte
	if r.size < footerLen {
		return nil, errCorrupt("file size is too small")
	}
	n, err := f.ReadAt(footer[:], r.size-footerLen)
	if err != nil && n != footerLen {
		return nil, errors.Wrap(err, "lsmdb/table: invalid table (could not read footer)")
	}
	if string(footer[footerLen-len(magic):]) != magic {
		return nil, errCorrupt("bad magic number")
	}

	// Read the metaindex and index handles.
	var m int
	r.metaBH, m = decodeBlockHandle(footer[:])
	if m == 0 {
		return nil, errCorrupt("bad metaindex block handle")
	}
	r.indexBH, n = decodeBlockHandle(footer[m:])
	if n == 0 {
		return nil, errCorrupt("bad index block handle")
	}

	// Read the index into memory. Index and meta blocks are always verified.
	r.index, err = r.readBlock(r.indexBH, true /* verify */, false /* fillCache */)
	if err != nil {
		return nil, err
	}

	if o.FilterPolicy != nil {
		if err := r.readFilter(); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// readFilter loads the filter block named for the configured policy, if the
// table has one.
func (r *Reader) readFilter() error {
	meta, err := r.readBlock(r.metaBH, true /* verify */, false /* fillCache */)
	if err != nil {
		return err
	}
	var i blockIter
	if err := i.init(r.cmp, meta); err != nil {
		return err
	}
	name := []byte(filterMetaPrefix + r.opts.FilterPolicy.Name())
	for valid := i.First(); valid; valid = i.Next() {
		if !bytes.Equal(i.rawKey(), name) {
			continue
		}
		bh, n := decodeBlockHandle(i.Value())
		if n == 0 {
			return errCorrupt("bad filter block handle")
		}
		b, err := r.readBlock(bh, true /* verify */, false /* fillCache */)
		if err != nil {
			return err
		}
		r.filter = newFilterReader(b, r.opts.FilterPolicy)
		return nil
	}
	return i.Error()
}

// readBlock reads and decompresses a block from disk into memory.
func (r *Reader) readBlock(bh blockHandle, verifyChecksum, fillCache bool) (block, error) {
	c := r.opts.Cache
	if c != nil {
		if b := c.Get(r.opts.CacheID, r.opts.FileNum, bh.offset); b != nil {
			return b, nil
		}
	}

	if bh.length > uint64(r.size) || bh.offset > uint64(r.size)-bh.length {
		return nil, errCorrupt("block handle %d/%d out of range for file size %d",
			errors.Safe(bh.offset), errors.Safe(bh.length), errors.Safe(r.size))
	}
	b := make([]byte, bh.length+blockTrailerLen)
	n, err := r.file.ReadAt(b, int64(bh.offset))
	if err != nil && n != len(b) {
		return nil, base.MarkIOError(errors.Wrapf(err, "lsmdb/table: reading block at offset %d", errors.Safe(bh.offset)))
	}
	if verifyChecksum || r.opts.ParanoidChecks {
		if checksum0, checksum1 := crc.New(b[:bh.length+1]).Value(), binary.LittleEndian.Uint32(b[bh.length+1:]); checksum0 != checksum1 {
			return nil, errCorrupt("checksum mismatch at offset %d: %#x != %#x",
				errors.Safe(bh.offset), errors.Safe(checksum0), errors.Safe(checksum1))
		}
	}
	algo := compression.Algorithm(b[bh.length])
	b, err = compression.Decompress(algo, nil, b[:bh.length])
	if err != nil {
		return nil, err
	}
	if fillCache && c != nil {
		c.Set(r.opts.CacheID, r.opts.FileNum, bh.offset, b)
	}
	return b, nil
}

// Get returns the first entry in the table at or after key, provided its
// user key equals key's user key. Otherwise it returns base.ErrNotFound. The
// returned kind distinguishes values from deletion tombstones.
func (r *Reader) Get(key base.InternalKey, fillCache bool) (base.InternalKey, []byte, error) {
	if r.filter != nil {
		var idx blockIter
		if err := idx.init(r.cmp, r.index); err != nil {
			return base.InvalidInternalKey, nil, err
		}
		if !idx.SeekInternalGE(key) {
			return base.InvalidInternalKey, nil, errors.CombineErrors(base.ErrNotFound, idx.Error())
		}
		bh, n := decodeBlockHandle(idx.Value())
		if n == 0 {
			return base.InvalidInternalKey, nil, errCorrupt("bad data block handle")
		}
		if !r.filter.mayContain(bh.offset, key.UserKey) {
			return base.InvalidInternalKey, nil, base.ErrNotFound
		}
	}

	i := r.newIter(false /* verify */, fillCache)
	defer i.Close()
	if !i.SeekInternalGE(key) {
		if err := i.Error(); err != nil {
			return base.InvalidInternalKey, nil, err
		}
		return base.InvalidInternalKey, nil, base.ErrNotFound
	}
	k := i.Key()
	if !r.opts.Comparer.Equal(k.UserKey, key.UserKey) {
		return base.InvalidInternalKey, nil, base.ErrNotFound
	}
	return k, i.Value(), nil
}

// NewIter returns an iterator over the table's entries. Blocks read by the
// iterator are added to the cache when fillCache is set.
func (r *Reader) NewIter(verifyChecksums, fillCache bool) *Iterator {
	return r.newIter(verifyChecksums, fillCache)
}

func (r *Reader) newIter(verifyChecksums, fillCache bool) *Iterator {
	i := &Iterator{
		reader:          r,
		verifyChecksums: verifyChecksums,
		fillCache:       fillCache,
	}
	i.err = i.index.init(r.cmp, r.index)
	if i.err != nil {
		i.index.offset = -1
	}
	return i
}

// EstimateOffset returns the approximate file offset of the data for key. For
// keys past the last entry, this is the offset of the metaindex block, which
// approximates the size of the data portion of the table.
func (r *Reader) EstimateOffset(key []byte) uint64 {
	var idx blockIter
	if err := idx.init(r.cmp, r.index); err != nil {
		return r.metaBH.offset
	}
	if idx.SeekGE(key) {
		if bh, n := decodeBlockHandle(idx.Value()); n != 0 {
			return bh.offset
		}
	}
	return r.metaBH.offset
}

// Size returns the size of the table file in bytes.
func (r *Reader) Size() int64 {
	return r.size
}

// Close closes the reader and its file. Cached blocks are left in place; they
// are evicted when the table is deleted.
func (r *Reader) Close() error {
	if r.file == nil {
		return nil
	}
	err := r.file.Close()
	r.file = nil
	return errors.WithStack(err)
}
