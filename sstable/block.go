// Copyright 2018 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package sstable

import (
	"encoding/binary"
	"sort"

	"github.com/lsmdb/lsmdb/internal/base"
)

type blockWriter struct {
	restartInterval int
	nEntries        int
	buf             []byte
	restarts        []uint32
	curKey          []byte
	prevKey         []byte
	keyBuf          []byte
	tmp             [50]byte
}

// add appends an entry whose key is the already encoded key.
func (w *blockWriter) add(key, value []byte) {
	w.curKey, w.prevKey = w.prevKey, w.curKey
	w.curKey = append(w.curKey[:0], key...)

	shared := 0
	if w.nEntries%w.restartInterval == 0 {
		w.restarts = append(w.restarts, uint32(len(w.buf)))
	} else {
		shared = base.SharedPrefixLen(w.curKey, w.prevKey)
	}

	n := binary.PutUvarint(w.tmp[0:], uint64(shared))
	n += binary.PutUvarint(w.tmp[n:], uint64(len(key)-shared))
	n += binary.PutUvarint(w.tmp[n:], uint64(len(value)))
	w.buf = append(w.buf, w.tmp[:n]...)
	w.buf = append(w.buf, w.curKey[shared:]...)
	w.buf = append(w.buf, value...)

	w.nEntries++
}

func (w *blockWriter) addInternal(key base.InternalKey, value []byte) {
	w.keyBuf = key.Append(w.keyBuf[:0])
	w.add(w.keyBuf, value)
}

func (w *blockWriter) finish() []byte {
	// Write the restart points to the buffer.
	if w.nEntries == 0 {
		// Every block must have at least one restart point.
		w.restarts = append(w.restarts[:0], 0)
	}
	tmp4 := w.tmp[:4]
	for _, x := range w.restarts {
		binary.LittleEndian.PutUint32(tmp4, x)
		w.buf = append(w.buf, tmp4...)
	}
	binary.LittleEndian.PutUint32(tmp4, uint32(len(w.restarts)))
	w.buf = append(w.buf, tmp4...)
	return w.buf
}

func (w *blockWriter) reset() {
	w.nEntries = 0
	w.buf = w.buf[:0]
	w.restarts = w.restarts[:0]
}

func (w *blockWriter) estimatedSize() int {
	return len(w.buf) + 4*(len(w.restarts)+1)
}

// block is a []byte that holds a sequence of key/value pairs plus an index
// over those pairs.
type block []byte

type blockEntry struct {
	offset int
	key    []byte
	val    []byte
}

// blockIter is an iterator over a single block of data. Keys in data and
// index blocks are internal keys; metaindex blocks hold plain keys, which are
// read through rawKey.
type blockIter struct {
	cmp         base.Compare
	offset      int
	nextOffset  int
	restarts    int
	numRestarts int
	data        []byte
	key, val    []byte
	ikey        base.InternalKey
	err         error
	// cached and cachedBuf hold the entries from the restart point preceding
	// the current position, which Prev walks backwards through.
	cached    []blockEntry
	cachedBuf []byte
}

// blockIter implements the base.InternalIterator interface.
var _ base.InternalIterator = (*blockIter)(nil)

func newBlockIter(cmp base.Compare, b block) (*blockIter, error) {
	i := &blockIter{}
	return i, i.init(cmp, b)
}

func (i *blockIter) init(cmp base.Compare, b block) error {
	if len(b) < 4 {
		return errCorrupt("block too short")
	}
	numRestarts := int(binary.LittleEndian.Uint32(b[len(b)-4:]))
	if numRestarts == 0 {
		return errCorrupt("block has no restart points")
	}
	restarts := len(b) - 4*(1+numRestarts)
	if restarts < 0 {
		return errCorrupt("block restart array out of bounds")
	}
	*i = blockIter{
		cmp:         cmp,
		offset:      -1,
		restarts:    restarts,
		numRestarts: numRestarts,
		data:        b,
		key:         i.key[:0],
		cached:      i.cached[:0],
		cachedBuf:   i.cachedBuf[:0],
	}
	return nil
}

func (i *blockIter) restartOffset(j int) int {
	return int(binary.LittleEndian.Uint32(i.data[i.restarts+4*j:]))
}

// readEntry decodes the entry at i.offset into i.key and i.val and sets
// i.nextOffset. It returns false and sets i.err if the entry is malformed.
func (i *blockIter) readEntry() bool {
	p := i.offset
	shared, n := binary.Uvarint(i.data[p:i.restarts])
	if n <= 0 {
		return i.corrupt()
	}
	p += n
	unshared, n := binary.Uvarint(i.data[p:i.restarts])
	if n <= 0 {
		return i.corrupt()
	}
	p += n
	valueLen, n := binary.Uvarint(i.data[p:i.restarts])
	if n <= 0 {
		return i.corrupt()
	}
	p += n
	if shared > uint64(len(i.key)) || uint64(p)+unshared+valueLen > uint64(i.restarts) {
		return i.corrupt()
	}
	i.key = append(i.key[:shared], i.data[p:p+int(unshared)]...)
	i.key = i.key[:len(i.key):len(i.key)]
	p += int(unshared)
	i.val = i.data[p : p+int(valueLen) : p+int(valueLen)]
	i.nextOffset = p + int(valueLen)
	return true
}

func (i *blockIter) corrupt() bool {
	i.err = errCorrupt("bad block entry at offset %d", i.offset)
	i.offset = i.restarts
	return false
}

func (i *blockIter) loadEntry() bool {
	if !i.readEntry() {
		return false
	}
	i.ikey = base.DecodeInternalKey(i.key)
	return true
}

func (i *blockIter) clearCache() {
	i.cached = i.cached[:0]
	i.cachedBuf = i.cachedBuf[:0]
}

func (i *blockIter) cacheEntry() {
	i.cachedBuf = append(i.cachedBuf, i.key...)
	i.cached = append(i.cached, blockEntry{
		offset: i.offset,
		key:    i.cachedBuf[len(i.cachedBuf)-len(i.key) : len(i.cachedBuf) : len(i.cachedBuf)],
		val:    i.val,
	})
}

// restartKey returns the full key stored at restart point j. Keys at restart
// points share no prefix with their predecessor.
func (i *blockIter) restartKey(j int) ([]byte, bool) {
	offset := i.restartOffset(j)
	if offset >= i.restarts {
		return nil, false
	}
	shared, n0 := binary.Uvarint(i.data[offset:i.restarts])
	if n0 <= 0 || shared != 0 {
		return nil, false
	}
	offset += n0
	unshared, n1 := binary.Uvarint(i.data[offset:i.restarts])
	if n1 <= 0 {
		return nil, false
	}
	_, n2 := binary.Uvarint(i.data[offset+n1 : i.restarts])
	if n2 <= 0 {
		return nil, false
	}
	m := offset + n1 + n2
	if uint64(m)+unshared > uint64(i.restarts) {
		return nil, false
	}
	return i.data[m : m+int(unshared)], true
}

// SeekInternalGE moves the iterator to the first entry whose internal key is
// >= key.
func (i *blockIter) SeekInternalGE(key base.InternalKey) bool {
	if i.restarts == 0 {
		i.offset = 0
		return false
	}
	// Find the index of the smallest restart point whose key is > the key
	// sought; index will be numRestarts if there is no such restart point.
	corrupt := false
	index := sort.Search(i.numRestarts, func(j int) bool {
		s, ok := i.restartKey(j)
		if !ok {
			corrupt = true
			return true
		}
		return base.InternalCompare(i.cmp, key, base.DecodeInternalKey(s)) < 0
	})
	if corrupt {
		return i.corrupt()
	}

	// Since keys are strictly increasing, if index > 0 then the restart point
	// at index-1 will be the largest whose key is <= the key sought. If index
	// == 0, then all keys in this block are larger than the key sought, and
	// offset remains at zero.
	i.offset = 0
	if index > 0 {
		i.offset = i.restartOffset(index - 1)
	}
	if !i.loadEntry() {
		return false
	}

	// Iterate from that restart point to somewhere >= the key sought.
	for base.InternalCompare(i.cmp, key, i.ikey) > 0 {
		if !i.Next() {
			return false
		}
	}
	return true
}

// SeekGE implements base.InternalIterator.SeekGE.
func (i *blockIter) SeekGE(key []byte) bool {
	return i.SeekInternalGE(base.MakeSearchKey(key))
}

// SeekLT implements base.InternalIterator.SeekLT.
func (i *blockIter) SeekLT(key []byte) bool {
	if !i.SeekGE(key) {
		if i.err != nil {
			return false
		}
		return i.Last()
	}
	return i.Prev()
}

// First implements base.InternalIterator.First.
func (i *blockIter) First() bool {
	i.offset = 0
	if i.offset >= i.restarts {
		return false
	}
	return i.loadEntry()
}

// Last implements base.InternalIterator.Last.
func (i *blockIter) Last() bool {
	// Seek forward from the last restart point.
	i.offset = i.restartOffset(i.numRestarts - 1)
	if i.offset >= i.restarts {
		i.offset = -1
		return false
	}
	if !i.readEntry() {
		return false
	}
	i.clearCache()
	i.cacheEntry()

	for i.nextOffset < i.restarts {
		i.offset = i.nextOffset
		if !i.readEntry() {
			return false
		}
		i.cacheEntry()
	}

	i.ikey = base.DecodeInternalKey(i.key)
	return true
}

// Next implements base.InternalIterator.Next.
func (i *blockIter) Next() bool {
	i.offset = i.nextOffset
	if !i.Valid() {
		return false
	}
	return i.loadEntry()
}

// Prev implements base.InternalIterator.Prev.
func (i *blockIter) Prev() bool {
	if n := len(i.cached) - 1; n > 0 && i.cached[n].offset == i.offset {
		i.nextOffset = i.offset
		e := &i.cached[n-1]
		i.offset = e.offset
		i.val = e.val
		i.key = append(i.key[:0], e.key...)
		i.ikey = base.DecodeInternalKey(i.key)
		i.cached = i.cached[:n]
		return true
	}

	if i.offset <= 0 {
		i.offset = -1
		i.nextOffset = 0
		return false
	}

	targetOffset := i.offset
	index := sort.Search(i.numRestarts, func(j int) bool {
		return i.restartOffset(j) >= targetOffset
	})
	i.offset = 0
	if index > 0 {
		i.offset = i.restartOffset(index - 1)
	}

	if !i.readEntry() {
		return false
	}
	i.clearCache()
	i.cacheEntry()

	for i.nextOffset < targetOffset {
		i.offset = i.nextOffset
		if !i.readEntry() {
			return false
		}
		i.cacheEntry()
	}

	i.ikey = base.DecodeInternalKey(i.key)
	return true
}

// Key implements base.InternalIterator.Key.
func (i *blockIter) Key() base.InternalKey {
	if !i.Valid() {
		return base.InvalidInternalKey
	}
	return i.ikey
}

// rawKey returns the undecoded key at the current position.
func (i *blockIter) rawKey() []byte {
	return i.key
}

// Value implements base.InternalIterator.Value.
func (i *blockIter) Value() []byte {
	if !i.Valid() {
		return nil
	}
	return i.val
}

// Valid implements base.InternalIterator.Valid.
func (i *blockIter) Valid() bool {
	return i.offset >= 0 && i.offset < i.restarts
}

// Error implements base.InternalIterator.Error.
func (i *blockIter) Error() error {
	return i.err
}

// Close implements base.InternalIterator.Close.
func (i *blockIter) Close() error {
	i.val = nil
	return i.err
}

func (i *blockIter) String() string {
	return "block"
}
