// Copyright 2019 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package lsmdb

import (
	"context"
	"fmt"
	"runtime"

	"github.com/cockroachdb/errors"
	"github.com/lsmdb/lsmdb/internal/base"
	"golang.org/x/sync/errgroup"
)

// This file implements DB.CheckLevels() which checks that every table of the
// current version is readable and that every entry in the DB is consistent
// with respect to the level invariant: a point has a seqnum such that a point
// with the same UserKey at a lower level has a lower seqnum. This is an
// expensive check since it involves reading every table, hence only intended
// for tests or tools.
//
// The check runs in two phases. The tables are first verified in parallel:
// every block checksum is validated and every key must fall within the
// file's bounds in increasing order. Then simpleMergingIter steps through
// the points of every level in order. Level 0 files are each treated as a
// level of their own, newest first, since they may overlap.

// The per-level structure used by simpleMergingIter.
type simpleMergingIterLevel struct {
	iter internalIterator
	// The name of the level, for error messages.
	name string
}

type simpleMergingIter struct {
	cmp    Compare
	format base.FormatKey
	levels []simpleMergingIterLevel
	heap   mergingIterHeap
	// The last point's key and level. For validation.
	lastKey   InternalKey
	lastLevel int
	// The first error will cause step() to return false.
	err       error
	numPoints int64
}

func (m *simpleMergingIter) init(cmp Compare, format base.FormatKey, levels []simpleMergingIterLevel) {
	m.cmp = cmp
	m.format = format
	m.levels = levels
	m.lastLevel = -1
	m.heap.cmp = cmp
	m.heap.items = make([]mergingIterItem, 0, len(levels))
	for i := range m.levels {
		l := &m.levels[i]
		if l.iter.First() {
			m.heap.items = append(m.heap.items, mergingIterItem{
				index: i,
				key:   l.iter.Key(),
			})
		} else if err := l.iter.Error(); err != nil {
			m.err = firstError(m.err, err)
		}
	}
	m.heap.init()
}

// step positions the merging iterator on the next point, validating it
// against the previous one. It returns false when done or on error.
func (m *simpleMergingIter) step() bool {
	if m.heap.len() == 0 || m.err != nil {
		return false
	}
	item := &m.heap.items[0]
	l := &m.levels[item.index]

	if m.lastLevel >= 0 {
		if m.cmp(m.lastKey.UserKey, item.key.UserKey) == 0 && m.lastLevel > item.index {
			// The previous point has a higher seqnum but lives at a lower
			// level than the current one.
			m.err = base.CorruptionErrorf("found %s in %s and %s in %s",
				m.lastKey.Pretty(m.format), m.levels[m.lastLevel].name,
				item.key.Pretty(m.format), l.name)
			return false
		}
	}
	m.lastKey.UserKey = append(m.lastKey.UserKey[:0], item.key.UserKey...)
	m.lastKey.Trailer = item.key.Trailer
	m.lastLevel = item.index
	m.numPoints++

	if l.iter.Next() {
		item.key = l.iter.Key()
		m.heap.fix(0)
	} else {
		if err := l.iter.Error(); err != nil {
			m.err = err
			return false
		}
		m.heap.pop()
	}
	return true
}

func (m *simpleMergingIter) close() error {
	err := m.err
	for i := range m.levels {
		err = firstError(err, m.levels[i].iter.Close())
	}
	return err
}

// CheckLevelsStats provides basic stats on points checked by CheckLevels.
type CheckLevelsStats struct {
	NumPoints int64
	NumTables int
}

// CheckLevels checks:
//   - the ordering of the files of every level;
//   - the checksums of every block of every table, and that every key of a
//     table lies within the table's bounds;
//   - that every point is consistent with respect to the levels: newer points
//     for a user key are never at a lower level than older ones.
//
// The stats argument may be nil.
func (d *DB) CheckLevels(stats *CheckLevelsStats) error {
	if d.closed.Load() {
		panic(ErrClosed)
	}

	d.mu.Lock()
	v := d.mu.versions.currentVersion()
	v.Ref()
	d.mu.Unlock()
	defer v.Unref()

	format := d.opts.Comparer.FormatKey
	if err := v.CheckOrdering(d.cmp, format); err != nil {
		return err
	}

	iterOpts := &IterOptions{VerifyChecksums: true, DontFillCache: true}
	var numTables int
	g, _ := errgroup.WithContext(context.Background())
	g.SetLimit(runtime.GOMAXPROCS(0))
	for level := range v.Levels {
		for _, f := range v.Levels[level] {
			numTables++
			g.Go(func() error {
				return d.checkTable(level, f, iterOpts)
			})
		}
	}
	if err := g.Wait(); err != nil {
		return err
	}

	var levels []simpleMergingIterLevel
	var err error
	for i := len(v.Levels[0]) - 1; i >= 0 && err == nil; i-- {
		f := v.Levels[0][i]
		var iter internalIterator
		iter, err = d.tableCache.newIter(f, iterOpts)
		if err == nil {
			levels = append(levels, simpleMergingIterLevel{
				iter: iter,
				name: fmt.Sprintf("L0.%s", f.FileNum),
			})
		}
	}
	for level := 1; level < numLevels && err == nil; level++ {
		if len(v.Levels[level]) == 0 {
			continue
		}
		levels = append(levels, simpleMergingIterLevel{
			iter: newLevelIter(d.cmp, func(f *fileMetadata) (internalIterator, error) {
				return d.tableCache.newIter(f, iterOpts)
			}, v.Levels[level]),
			name: fmt.Sprintf("L%d", level),
		})
	}
	if err != nil {
		for i := range levels {
			_ = levels[i].iter.Close()
		}
		return err
	}

	var m simpleMergingIter
	m.init(d.cmp, format, levels)
	for m.step() {
	}
	if stats != nil {
		stats.NumPoints = m.numPoints
		stats.NumTables = numTables
	}
	return m.close()
}

// checkTable reads every entry of the table, verifying block checksums and
// that the keys are increasing and lie within the file's bounds.
func (d *DB) checkTable(level int, f *fileMetadata, iterOpts *IterOptions) (err error) {
	iter, err := d.tableCache.newIter(f, iterOpts)
	if err != nil {
		return errors.Wrapf(err, "L%d: table %s", errors.Safe(level), f.FileNum)
	}
	defer func() {
		err = firstError(err, iter.Close())
	}()

	format := d.opts.Comparer.FormatKey
	var prev InternalKey
	var havePrev bool
	for valid := iter.First(); valid; valid = iter.Next() {
		key := iter.Key()
		if base.InternalCompare(d.cmp, key, f.Smallest) < 0 ||
			base.InternalCompare(d.cmp, key, f.Largest) > 0 {
			return base.CorruptionErrorf("L%d: table %s: key %s outside of bounds [%s-%s]",
				errors.Safe(level), f.FileNum, key.Pretty(format),
				f.Smallest.Pretty(format), f.Largest.Pretty(format))
		}
		if havePrev && base.InternalCompare(d.cmp, prev, key) >= 0 {
			return base.CorruptionErrorf("L%d: table %s: keys out of order: %s, %s",
				errors.Safe(level), f.FileNum, prev.Pretty(format), key.Pretty(format))
		}
		prev.UserKey = append(prev.UserKey[:0], key.UserKey...)
		prev.Trailer = key.Trailer
		havePrev = true
	}
	return iter.Error()
}
