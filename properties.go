// Copyright 2019 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package lsmdb

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"

	"github.com/olekukonko/tablewriter"
)

const propertyPrefix = "leveldb."

// GetProperty returns the value of a DB property, and whether the property
// is known. Supported properties:
//
//   - "leveldb.num-files-at-level<N>": the number of files at level N.
//   - "leveldb.stats": a multi-line table of per-level file counts, sizes and
//     compaction statistics.
//   - "leveldb.sstables": the files of each level of the current version.
//   - "leveldb.approximate-memory-usage": the bytes held by the memtables
//     and the block cache.
func (d *DB) GetProperty(name string) (string, bool) {
	if d.closed.Load() {
		panic(ErrClosed)
	}
	if !strings.HasPrefix(name, propertyPrefix) {
		return "", false
	}
	name = strings.TrimPrefix(name, propertyPrefix)

	d.mu.Lock()
	defer d.mu.Unlock()
	current := d.mu.versions.currentVersion()

	switch {
	case strings.HasPrefix(name, "num-files-at-level"):
		level, err := strconv.Atoi(strings.TrimPrefix(name, "num-files-at-level"))
		if err != nil || level < 0 || level >= numLevels {
			return "", false
		}
		return strconv.Itoa(len(current.Levels[level])), true

	case name == "stats":
		return d.formatStatsLocked(), true

	case name == "sstables":
		return current.String(), true

	case name == "approximate-memory-usage":
		usage := d.mu.mem.mutable.approximateMemoryUsage()
		if imm := d.mu.mem.imm; imm != nil {
			usage += imm.approximateMemoryUsage()
		}
		usage += uint64(d.opts.Cache.Size())
		return strconv.FormatUint(usage, 10), true
	}
	return "", false
}

// formatStatsLocked renders the per-level compaction statistics:
//
//	                          Compactions
//	LEVEL | FILES | SIZE(MB) | TIME(SEC) | READ(MB) | WRITE(MB)
//	------+-------+----------+-----------+----------+-----------
//	    0 |     2 |        1 |         0 |        0 |         1
//
// Levels without files nor compaction history are omitted.
//
// d.mu must be held.
func (d *DB) formatStatsLocked() string {
	const mb = 1 << 20
	current := d.mu.versions.currentVersion()

	var buf bytes.Buffer
	fmt.Fprintf(&buf, "%30s\n", "Compactions")
	tbl := tablewriter.NewWriter(&buf)
	tbl.SetHeader([]string{"Level", "Files", "Size(MB)", "Time(sec)", "Read(MB)", "Write(MB)"})
	tbl.SetAlignment(tablewriter.ALIGN_RIGHT)
	tbl.SetBorder(false)
	for level := 0; level < numLevels; level++ {
		files := current.Levels[level]
		stats := &d.mu.compact.stats[level]
		if len(files) == 0 && stats.Duration == 0 && stats.Count == 0 {
			continue
		}
		var size uint64
		for _, f := range files {
			size += f.Size
		}
		tbl.Append([]string{
			strconv.Itoa(level),
			strconv.Itoa(len(files)),
			fmt.Sprintf("%.0f", float64(size)/mb),
			fmt.Sprintf("%.0f", stats.Duration.Seconds()),
			fmt.Sprintf("%.0f", float64(stats.BytesRead)/mb),
			fmt.Sprintf("%.0f", float64(stats.BytesWritten)/mb),
		})
	}
	tbl.Render()
	return buf.String()
}

// Range is a key range. Start is inclusive and Limit is exclusive.
type Range struct {
	Start []byte
	Limit []byte
}

// GetApproximateSizes returns, for each range, the approximate number of
// bytes of table data it covers. Data still held in the memtables is not
// counted. A table that fails to open contributes nothing.
func (d *DB) GetApproximateSizes(ranges []Range) []uint64 {
	if d.closed.Load() {
		panic(ErrClosed)
	}

	d.mu.Lock()
	v := d.mu.versions.currentVersion()
	v.Ref()
	d.mu.Unlock()
	defer v.Unref()

	sizes := make([]uint64, len(ranges))
	for i, r := range ranges {
		start := d.approximateOffsetOf(v, r.Start)
		limit := d.approximateOffsetOf(v, r.Limit)
		if limit > start {
			sizes[i] = limit - start
		}
	}
	return sizes
}

// EstimateDiskUsage returns the approximate number of bytes of table data
// in [start, end).
func (d *DB) EstimateDiskUsage(start, end []byte) uint64 {
	return d.GetApproximateSizes([]Range{{Start: start, Limit: end}})[0]
}

// approximateOffsetOf returns the approximate offset of key in the
// concatenation of every table of v, level by level.
func (d *DB) approximateOffsetOf(v *version, key []byte) uint64 {
	var result uint64
	for level := 0; level < numLevels; level++ {
		for _, f := range v.Levels[level] {
			if d.cmp(f.Largest.UserKey, key) < 0 {
				// The entire file is before key.
				result += f.Size
				continue
			}
			if d.cmp(f.Smallest.UserKey, key) > 0 {
				// The entire file is after key. Files in levels other than
				// 0 are sorted, so no later file can contain key either.
				if level > 0 {
					break
				}
				continue
			}
			// key falls in the range of the file.
			if off, err := d.tableCache.estimateOffset(f, key); err == nil {
				result += off
			}
		}
	}
	return result
}
