// Copyright 2018 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package lsmdb

import (
	"github.com/lsmdb/lsmdb/internal/base"
	"golang.org/x/exp/rand"
)

// readBytesPeriod is the mean number of bytes an iterator reads between
// read samples.
const readBytesPeriod = 1 << 20

type iterPos int8

const (
	// The internal iterator is positioned at the newest visible entry of
	// the current key.
	iterPosCur iterPos = 0
	// The internal iterator is positioned before every entry of the current
	// key: at an entry for a smaller user key, or exhausted.
	iterPosPrev iterPos = -1
)

// Iterator iterates over a DB's key/value pairs in key order.
//
// An iterator observes the state of the DB as of the sequence number it was
// created at: for each user key it yields the newest entry at or below that
// sequence number, skipping keys whose newest entry is a deletion.
//
// An iterator must be closed after use, but it is not necessary to read an
// iterator until exhaustion.
//
// An iterator is not goroutine-safe, but it is safe to use multiple iterators
// concurrently, with each in a dedicated goroutine.
//
// It is also safe to use an iterator concurrently with modifying its
// underlying DB, if that DB permits modification. However, the resultant
// key/value pairs are not guaranteed to be a consistent snapshot of that DB
// at a particular point in time.
type Iterator struct {
	opts      IterOptions
	db        *DB
	cmp       Compare
	equal     Equal
	iter      internalIterator
	seqNum    SeqNum
	readState *readState
	err       error
	key       []byte
	keyBuf    []byte
	value     []byte
	valueBuf  []byte
	valid     bool
	pos       iterPos

	readSampling readSampling
}

// readSampling tracks the bytes an iterator reads between read samples.
type readSampling struct {
	// bytesUntilSample is the number of bytes the iterator may still read
	// before the next read sample is taken.
	bytesUntilSample int64
}

func (rs *readSampling) init() {
	rs.bytesUntilSample = randomReadSamplePeriod()
}

func randomReadSamplePeriod() int64 {
	return int64(rand.Intn(2 * readBytesPeriod))
}

// sampleRead charges the bytes of the entry at the current position of the
// internal iterator against the read sampling budget, reporting a sample to
// the DB each time the budget runs out.
func (i *Iterator) sampleRead(key InternalKey) {
	i.readSampling.bytesUntilSample -= int64(len(key.UserKey) + base.InternalTrailerLen + len(i.iter.Value()))
	for i.readSampling.bytesUntilSample < 0 {
		i.readSampling.bytesUntilSample += randomReadSamplePeriod()
		i.db.sampleRead(i.readState.current, key.UserKey)
	}
}

// findNextEntry moves the internal iterator forward to the newest visible
// Set of the first user key, starting at the current position, whose newest
// visible entry is not a deletion.
func (i *Iterator) findNextEntry() bool {
	upperBound := i.opts.GetUpperBound()
	i.valid = false
	i.pos = iterPosCur

	for i.iter.Valid() {
		key := i.iter.Key()
		if upperBound != nil && i.cmp(key.UserKey, upperBound) >= 0 {
			break
		}
		i.sampleRead(key)

		if key.SeqNum() > i.seqNum {
			// Ignore entries that are newer than our snapshot sequence number.
			i.iter.Next()
			continue
		}

		switch key.Kind() {
		case InternalKeyKindDelete:
			// Skip every older entry of the deleted key.
			i.keyBuf = append(i.keyBuf[:0], key.UserKey...)
			i.skipUserKeyForward(i.keyBuf)
			continue

		case InternalKeyKindSet:
			i.keyBuf = append(i.keyBuf[:0], key.UserKey...)
			i.key = i.keyBuf
			i.value = i.iter.Value()
			i.valid = true
			return true

		default:
			i.err = base.CorruptionErrorf("lsmdb: invalid internal key kind: %d", key.Kind())
			return false
		}
	}

	if err := i.iter.Error(); err != nil {
		i.err = err
	}
	return false
}

// skipUserKeyForward advances the internal iterator past every entry for
// ukey.
func (i *Iterator) skipUserKeyForward(ukey []byte) {
	for i.iter.Next() && i.equal(ukey, i.iter.Key().UserKey) {
	}
}

// findPrevEntry moves the internal iterator backward, accumulating the
// newest visible entry of each user key it crosses, until it has crossed a
// user key whose newest visible entry is a Set. That key becomes current and
// the internal iterator is left positioned before its entries.
func (i *Iterator) findPrevEntry() bool {
	lowerBound := i.opts.GetLowerBound()
	i.valid = false
	i.pos = iterPosPrev

	// kind is the kind of the newest visible entry seen so far for the user
	// key in i.key. A Delete means no candidate.
	kind := InternalKeyKindDelete
	for i.iter.Valid() {
		key := i.iter.Key()
		if lowerBound != nil && i.cmp(key.UserKey, lowerBound) < 0 {
			break
		}
		i.sampleRead(key)

		if key.SeqNum() <= i.seqNum {
			if kind != InternalKeyKindDelete && i.cmp(key.UserKey, i.key) < 0 {
				// We've iterated to the previous user key.
				break
			}
			kind = key.Kind()
			switch kind {
			case InternalKeyKindDelete:
				i.key = nil
				i.value = nil
			case InternalKeyKindSet:
				// Entries are visited from oldest to newest, so each visible
				// entry replaces the previous one for the same key.
				i.keyBuf = append(i.keyBuf[:0], key.UserKey...)
				i.key = i.keyBuf
				i.valueBuf = append(i.valueBuf[:0], i.iter.Value()...)
				i.value = i.valueBuf
			default:
				i.err = base.CorruptionErrorf("lsmdb: invalid internal key kind: %d", key.Kind())
				return false
			}
		}
		i.iter.Prev()
	}

	if err := i.iter.Error(); err != nil {
		i.err = err
		return false
	}
	if kind == InternalKeyKindDelete {
		i.key = nil
		i.value = nil
		return false
	}
	i.valid = true
	return true
}

// SeekGE moves the iterator to the first key/value pair whose key is greater
// than or equal to the given key. Returns true if the iterator is pointing at
// a valid entry and false otherwise.
func (i *Iterator) SeekGE(key []byte) bool {
	if i.err != nil {
		return false
	}

	if lowerBound := i.opts.GetLowerBound(); lowerBound != nil && i.cmp(key, lowerBound) < 0 {
		key = lowerBound
	}

	i.iter.SeekGE(key)
	return i.findNextEntry()
}

// SeekLT moves the iterator to the last key/value pair whose key is less than
// the given key. Returns true if the iterator is pointing at a valid entry and
// false otherwise.
func (i *Iterator) SeekLT(key []byte) bool {
	if i.err != nil {
		return false
	}

	if upperBound := i.opts.GetUpperBound(); upperBound != nil && i.cmp(key, upperBound) > 0 {
		key = upperBound
	}

	i.iter.SeekLT(key)
	return i.findPrevEntry()
}

// First moves the iterator the the first key/value pair. Returns true if the
// iterator is pointing at a valid entry and false otherwise.
func (i *Iterator) First() bool {
	if i.err != nil {
		return false
	}

	if lowerBound := i.opts.GetLowerBound(); lowerBound != nil {
		return i.SeekGE(lowerBound)
	}

	i.iter.First()
	return i.findNextEntry()
}

// Last moves the iterator the the last key/value pair. Returns true if the
// iterator is pointing at a valid entry and false otherwise.
func (i *Iterator) Last() bool {
	if i.err != nil {
		return false
	}

	if upperBound := i.opts.GetUpperBound(); upperBound != nil {
		return i.SeekLT(upperBound)
	}

	i.iter.Last()
	return i.findPrevEntry()
}

// Next moves the iterator to the next key/value pair. Returns true if the
// iterator is pointing at a valid entry and false otherwise. Calling Next on
// an iterator that is not valid returns false.
func (i *Iterator) Next() bool {
	if i.err != nil || !i.valid {
		return false
	}
	switch i.pos {
	case iterPosCur:
		// The internal iterator is at the current key's newest visible entry.
		i.skipUserKeyForward(i.key)
	case iterPosPrev:
		// The internal iterator is before the current key. Move it past
		// every entry of the current key.
		if !i.iter.Valid() {
			i.iter.First()
		} else {
			i.iter.Next()
		}
		for i.iter.Valid() && i.cmp(i.iter.Key().UserKey, i.key) <= 0 {
			i.iter.Next()
		}
	}
	return i.findNextEntry()
}

// Prev moves the iterator to the previous key/value pair. Returns true if the
// iterator is pointing at a valid entry and false otherwise. Calling Prev on
// an iterator that is not valid returns false.
func (i *Iterator) Prev() bool {
	if i.err != nil || !i.valid {
		return false
	}
	if i.pos == iterPosCur {
		// The internal iterator is at an entry of the current key, possibly
		// preceded by newer invisible entries of the same key. Move before
		// all of them. The value is saved since the internal iterator
		// moves.
		i.valueBuf = append(i.valueBuf[:0], i.value...)
		i.value = i.valueBuf
		for {
			if !i.iter.Prev() {
				if err := i.iter.Error(); err != nil {
					i.err = err
				}
				i.valid = false
				i.pos = iterPosPrev
				return false
			}
			if i.cmp(i.iter.Key().UserKey, i.key) < 0 {
				break
			}
		}
	}
	return i.findPrevEntry()
}

// Key returns the key of the current key/value pair, or nil if done. The
// caller should not modify the contents of the returned slice, and its
// contents may change on the next call to Next.
func (i *Iterator) Key() []byte {
	if !i.valid {
		return nil
	}
	return i.key
}

// Value returns the value of the current key/value pair, or nil if done. The
// caller should not modify the contents of the returned slice, and its
// contents may change on the next call to Next.
func (i *Iterator) Value() []byte {
	if !i.valid {
		return nil
	}
	return i.value
}

// Valid returns true if the iterator is positioned at a valid key/value pair
// and false otherwise.
func (i *Iterator) Valid() bool {
	return i.valid
}

// Error returns any accumulated error.
func (i *Iterator) Error() error {
	return i.err
}

// Close closes the iterator and returns any accumulated error. Exhausting
// all the key/value pairs in a table is not considered to be an error.
// It is valid to call Close multiple times. Other methods should not be
// called after the iterator has been closed.
func (i *Iterator) Close() error {
	if i.iter != nil {
		i.err = firstError(i.err, i.iter.Close())
		i.iter = nil
	}
	if i.readState != nil {
		i.readState.unref()
		i.readState = nil
	}
	i.valid = false
	return i.err
}
