// Copyright 2012 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package manifest

import (
	"bytes"
	stdcmp "cmp"
	"fmt"
	"slices"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/cockroachdb/errors"
	"github.com/lsmdb/lsmdb/internal/base"
)

// NumLevels is the number of levels a Version contains.
const NumLevels = 7

// FileMetadata holds the metadata for an on-disk table.
type FileMetadata struct {
	// Reference count for the file: incremented when a file is added to a
	// version and decremented when the version is unreferenced. The file is
	// obsolete when the reference count falls to zero.
	refs atomic.Int32
	// AllowedSeeks is the number of Get calls that may read this file before
	// a seek-triggered compaction of it is scheduled.
	AllowedSeeks atomic.Int64
	// FileNum is the file number.
	FileNum base.FileNum
	// Size is the size of the file, in bytes.
	Size uint64
	// Smallest and Largest are the inclusive bounds for the internal keys
	// stored in the table.
	Smallest base.InternalKey
	Largest  base.InternalKey
	// SmallestSeqNum and LargestSeqNum are the inclusive bounds for the
	// sequence numbers of the keys stored in the table. The manifest does
	// not record them: for a file loaded from the manifest they are the
	// bounds of the sequence numbers of Smallest and Largest only.
	SmallestSeqNum base.SeqNum
	LargestSeqNum  base.SeqNum
}

// Ref increments the file's reference count.
func (m *FileMetadata) Ref() {
	m.refs.Add(1)
}

// Unref decrements the file's reference count and returns the new count.
func (m *FileMetadata) Unref() int32 {
	v := m.refs.Add(-1)
	if v < 0 {
		panic(errors.AssertionFailedf("lsmdb: file %s has negative refcount", m.FileNum))
	}
	return v
}

// Refs returns the current reference count.
func (m *FileMetadata) Refs() int32 {
	return m.refs.Load()
}

// InitAllowedSeeks resets the seek budget of the file. One seek costs
// roughly as much as compacting 16KB of data, so a file may absorb one seek
// per 16KB before compacting it is cheaper than continuing to search it.
func (m *FileMetadata) InitAllowedSeeks() {
	m.AllowedSeeks.Store(max(100, int64(m.Size/16384)))
}

func (m *FileMetadata) String() string {
	return fmt.Sprintf("%s:[%s-%s]", m.FileNum, m.Smallest, m.Largest)
}

// TotalSize returns the total size of all the files in f.
func TotalSize(f []*FileMetadata) (size uint64) {
	for _, x := range f {
		size += x.Size
	}
	return size
}

// KeyRange returns the minimum smallest and maximum largest internal key for
// all the files in f0 and f1.
func KeyRange(cmp base.Compare, f0, f1 []*FileMetadata) (smallest, largest base.InternalKey) {
	first := true
	for _, f := range [2][]*FileMetadata{f0, f1} {
		for _, meta := range f {
			if first {
				first = false
				smallest, largest = meta.Smallest, meta.Largest
				continue
			}
			if base.InternalCompare(cmp, meta.Smallest, smallest) < 0 {
				smallest = meta.Smallest
			}
			if base.InternalCompare(cmp, meta.Largest, largest) > 0 {
				largest = meta.Largest
			}
		}
	}
	return smallest, largest
}

// SortByFileNum sorts the specified files by increasing file number. Level 0
// files are kept in this order: a higher file number holds newer data.
func SortByFileNum(files []*FileMetadata) {
	slices.SortFunc(files, func(a, b *FileMetadata) int {
		return stdcmp.Compare(a.FileNum, b.FileNum)
	})
}

// SortBySmallest sorts the specified files by smallest key using the supplied
// comparison function to order user keys.
func SortBySmallest(files []*FileMetadata, cmp base.Compare) {
	slices.SortFunc(files, func(a, b *FileMetadata) int {
		return base.InternalCompare(cmp, a.Smallest, b.Smallest)
	})
}

// FindFile returns the index of the first file in files whose largest key is
// >= key, or len(files) if there is none. The files must be sorted and
// disjoint.
func FindFile(cmp base.Compare, files []*FileMetadata, key base.InternalKey) int {
	return sort.Search(len(files), func(i int) bool {
		return base.InternalCompare(cmp, files[i].Largest, key) >= 0
	})
}

// afterFile reports whether userKey is after every key in f. A nil userKey
// occurs before all keys.
func afterFile(cmp base.Compare, userKey []byte, f *FileMetadata) bool {
	return userKey != nil && cmp(userKey, f.Largest.UserKey) > 0
}

// beforeFile reports whether userKey is before every key in f. A nil userKey
// occurs after all keys.
func beforeFile(cmp base.Compare, userKey []byte, f *FileMetadata) bool {
	return userKey != nil && cmp(userKey, f.Smallest.UserKey) < 0
}

// SomeFileOverlapsRange reports whether any file in files overlaps the user
// key range [smallest, largest]. A nil bound is unbounded. If disjoint is set
// the files are sorted and non-overlapping, and a binary search is used.
func SomeFileOverlapsRange(
	cmp base.Compare, disjoint bool, files []*FileMetadata, smallest, largest []byte,
) bool {
	if !disjoint {
		// Need to check against all files.
		for _, f := range files {
			if afterFile(cmp, smallest, f) || beforeFile(cmp, largest, f) {
				// No overlap.
				continue
			}
			return true
		}
		return false
	}

	// Binary search over file list.
	index := 0
	if smallest != nil {
		// Find the earliest possible internal key for smallest.
		index = FindFile(cmp, files, base.MakeSearchKey(smallest))
	}
	if index >= len(files) {
		// Beginning of range is after all files, so no overlap.
		return false
	}
	return !beforeFile(cmp, largest, files[index])
}

// Version is a collection of file metadata for on-disk tables at various
// levels. In-memory DBs are written to level-0 tables, and compactions
// migrate data from level N to level N+1. The tables map internal keys (which
// are a user key, a delete or set bit, and a sequence number) to user values.
//
// The tables at level 0 are sorted by increasing fileNum. If two level 0
// tables have fileNums i and j and i < j, then the sequence numbers of every
// internal key in table i are all less than those for table j. The range of
// internal keys [fileMetadata.smallest, fileMetadata.largest] in each level 0
// table may overlap.
//
// The tables at any non-0 level are sorted by their internal key range and any
// two tables at the same non-0 level do not overlap.
//
// The internal key ranges of two tables at different levels X and Y may
// overlap, for any X != Y.
//
// Finally, for every internal key in a table at level X, there is no internal
// key in a higher level table that has both the same user key and a higher
// sequence number.
type Version struct {
	refs atomic.Int32

	Levels [NumLevels][]*FileMetadata

	// CompactionScore and CompactionLevel are the level that should be
	// compacted next and its compaction score. A score < 1 means that
	// compaction is not strictly needed. They are set by
	// UpdateCompactionScore.
	CompactionScore float64
	CompactionLevel int

	// FileToCompact is the next file to compact based on seek stats, and
	// FileToCompactLevel its level. Protected by the DB mutex.
	FileToCompact      *FileMetadata
	FileToCompactLevel int

	// The list the version is linked into.
	list *VersionList

	// The next/prev link for the versionList doubly-linked list of versions.
	prev, next *Version
}

func (v *Version) String() string {
	var buf bytes.Buffer
	for level := 0; level < NumLevels; level++ {
		if len(v.Levels[level]) == 0 {
			continue
		}
		fmt.Fprintf(&buf, "%d:\n", level)
		for _, f := range v.Levels[level] {
			fmt.Fprintf(&buf, "  %s\n", f)
		}
	}
	return buf.String()
}

// Refs returns the number of references to the version.
func (v *Version) Refs() int32 {
	return v.refs.Load()
}

// Ref increments the version refcount.
func (v *Version) Ref() {
	v.refs.Add(1)
}

// Unref decrements the version refcount. If the last reference to the version
// was removed, the version is removed from the list of versions and its
// file references are released. Requires that the VersionList mutex is NOT
// locked.
func (v *Version) Unref() {
	if v.refs.Add(-1) == 0 {
		l := v.list
		l.mu.Lock()
		l.Remove(v)
		v.unrefFiles()
		l.mu.Unlock()
	}
}

// UnrefLocked decrements the version refcount. If the last reference to the
// version was removed, the version is removed from the list of versions and
// its file references are released. Requires that the VersionList mutex is
// already locked.
func (v *Version) UnrefLocked() {
	if v.refs.Add(-1) == 0 {
		v.list.Remove(v)
		v.unrefFiles()
	}
}

// Discard releases the file references of a version that was built by
// BulkVersionEdit.Apply but never installed.
func (v *Version) Discard() {
	if v.list != nil || v.refs.Load() != 0 {
		panic("lsmdb: discarding an installed version")
	}
	v.unrefFiles()
}

func (v *Version) unrefFiles() {
	for _, files := range v.Levels {
		for _, f := range files {
			f.Unref()
		}
	}
}

// Next returns the next version in the list of versions.
func (v *Version) Next() *Version {
	return v.next
}

// MaxBytesForLevel returns the target size of a level >= 1: 10MB for level
// 1 and ten times more for each level below it. Level 0 is bounded by file
// count instead.
func MaxBytesForLevel(level int) float64 {
	result := 10. * 1048576.0
	for level > 1 {
		result *= 10
		level--
	}
	return result
}

// UpdateCompactionScore computes the level that most needs compaction and
// its score.
func (v *Version) UpdateCompactionScore(l0CompactionThreshold int) {
	// We treat level-0 specially by bounding the number of files instead of
	// number of bytes for two reasons:
	//
	// (1) With larger write-buffer sizes, it is nice not to do too many
	// level-0 compactions.
	//
	// (2) The files in level-0 are merged on every read and therefore we
	// wish to avoid too many files when the individual file size is small
	// (perhaps because of a small write-buffer setting, or very high
	// compression ratios, or lots of overwrites/deletions).
	v.CompactionScore = float64(len(v.Levels[0])) / float64(l0CompactionThreshold)
	v.CompactionLevel = 0

	for level := 1; level < NumLevels-1; level++ {
		score := float64(TotalSize(v.Levels[level])) / MaxBytesForLevel(level)
		if score > v.CompactionScore {
			v.CompactionScore = score
			v.CompactionLevel = level
		}
	}
}

// Overlaps returns all elements of v.Levels[level] whose user key range
// intersects the inclusive range [start, end]. A nil start or end is
// unbounded. If level is non-zero then the user key ranges of
// v.Levels[level] are assumed to not overlap (although they may touch). If
// level is zero then that assumption cannot be made, and the [start, end]
// range is expanded to the union of those matching ranges so far and the
// computation is repeated until [start, end] stabilizes.
func (v *Version) Overlaps(level int, cmp base.Compare, start, end []byte) (ret []*FileMetadata) {
loop:
	for {
		for _, meta := range v.Levels[level] {
			m0 := meta.Smallest.UserKey
			m1 := meta.Largest.UserKey
			if start != nil && cmp(m1, start) < 0 {
				// meta is completely before the specified range; skip it.
				continue
			}
			if end != nil && cmp(m0, end) > 0 {
				// meta is completely after the specified range; skip it.
				continue
			}
			ret = append(ret, meta)

			// If level == 0, check if the newly added fileMetadata has
			// expanded the range. If so, restart the search.
			if level != 0 {
				continue
			}
			restart := false
			if start != nil && cmp(m0, start) < 0 {
				start = m0
				restart = true
			}
			if end != nil && cmp(m1, end) > 0 {
				end = m1
				restart = true
			}
			if restart {
				ret = ret[:0]
				continue loop
			}
		}
		return ret
	}
}

// CheckOrdering checks that the files are consistent with respect to
// increasing file numbers (for level 0 files) and increasing and non-
// overlapping internal key ranges (for level non-0 files).
func (v *Version) CheckOrdering(cmp base.Compare, format base.FormatKey) error {
	for level, files := range v.Levels {
		if err := CheckOrdering(cmp, format, level, files); err != nil {
			return errors.Wrapf(err, "\n%s", v)
		}
	}
	return nil
}

// CheckOrdering checks that the files of a single level are consistent.
func CheckOrdering(cmp base.Compare, format base.FormatKey, level int, files []*FileMetadata) error {
	if level == 0 {
		for i := 1; i < len(files); i++ {
			prev, f := files[i-1], files[i]
			if prev.FileNum >= f.FileNum {
				return base.CorruptionErrorf("L0 files %s and %s are not in increasing file number order",
					errors.Safe(prev.FileNum), errors.Safe(f.FileNum))
			}
		}
		return nil
	}
	for i, f := range files {
		if base.InternalCompare(cmp, f.Smallest, f.Largest) > 0 {
			return base.CorruptionErrorf("L%d file %s has inconsistent bounds: %s vs %s",
				errors.Safe(level), errors.Safe(f.FileNum),
				f.Smallest.Pretty(format), f.Largest.Pretty(format))
		}
		if i == 0 {
			continue
		}
		prev := files[i-1]
		if base.InternalCompare(cmp, prev.Largest, f.Smallest) >= 0 {
			return base.CorruptionErrorf("L%d files %s and %s have overlapping ranges: [%s-%s] vs [%s-%s]",
				errors.Safe(level), errors.Safe(prev.FileNum), errors.Safe(f.FileNum),
				prev.Smallest.Pretty(format), prev.Largest.Pretty(format),
				f.Smallest.Pretty(format), f.Largest.Pretty(format))
		}
	}
	return nil
}

// VersionList holds a list of versions. The versions are ordered from oldest
// to newest.
type VersionList struct {
	mu   *sync.Mutex
	root Version
}

// Init initializes the version list.
func (l *VersionList) Init(mu *sync.Mutex) {
	l.mu = mu
	l.root.next = &l.root
	l.root.prev = &l.root
}

// Empty returns true if the list is empty, and false otherwise.
func (l *VersionList) Empty() bool {
	return l.root.next == &l.root
}

// Front returns the oldest version in the list. Note that this version is only
// valid if Empty() returns false.
func (l *VersionList) Front() *Version {
	return l.root.next
}

// Back returns the newest version in the list. Note that this version is only
// valid if Empty() returns false.
func (l *VersionList) Back() *Version {
	return l.root.prev
}

// PushBack adds a new version to the back of the list. This new version
// becomes the "newest" version in the list.
func (l *VersionList) PushBack(v *Version) {
	if v.list != nil || v.prev != nil || v.next != nil {
		panic(errors.AssertionFailedf("lsmdb: version list is inconsistent"))
	}
	v.prev = l.root.prev
	v.prev.next = v
	v.next = &l.root
	v.next.prev = v
	v.list = l
}

// Remove removes the specified version from the list.
func (l *VersionList) Remove(v *Version) {
	if v == &l.root {
		panic(errors.AssertionFailedf("lsmdb: cannot remove version list root node"))
	}
	if v.list != l {
		panic(errors.AssertionFailedf("lsmdb: version list is inconsistent"))
	}
	v.prev.next = v.next
	v.next.prev = v.prev
	v.next = nil // avoid memory leaks
	v.prev = nil // avoid memory leaks
	v.list = nil // avoid memory leaks
}
