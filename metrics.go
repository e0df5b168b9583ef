// Copyright 2019 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package lsmdb

import (
	"bytes"
	"fmt"
	"time"

	"github.com/cockroachdb/crlib/crhumanize"
	"github.com/lsmdb/lsmdb/internal/manifest"
)

// LevelMetrics holds per-level metrics such as the number of files and total
// size of the files, and compaction related metrics.
type LevelMetrics struct {
	// The total number of files in the level.
	NumFiles int64
	// The total size in bytes of the files in the level.
	Size uint64
	// The level's compaction score.
	Score float64
	// The number of incoming bytes from other levels read during
	// compactions. This excludes bytes moved. For L0 this is the bytes
	// written to the WAL.
	BytesIn uint64
	// The number of bytes moved into the level by a trivial move compaction.
	BytesMoved uint64
	// The number of bytes read for compactions at the level. This includes
	// bytes read from other levels (BytesIn), as well as bytes read for the
	// level.
	BytesRead uint64
	// The number of bytes written during compactions and flushes into the
	// level.
	BytesWritten uint64
	// The time spent in compactions and flushes writing into the level.
	Duration time.Duration
	// The number of compactions and flushes writing into the level.
	Count int64
}

// Add updates the counter metrics for the level.
func (m *LevelMetrics) Add(u *LevelMetrics) {
	m.BytesIn += u.BytesIn
	m.BytesMoved += u.BytesMoved
	m.BytesRead += u.BytesRead
	m.BytesWritten += u.BytesWritten
	m.Duration += u.Duration
	m.Count += u.Count
}

// WriteAmp computes the write amplification for compactions at this
// level. Computed as BytesWritten / BytesIn.
func (m *LevelMetrics) WriteAmp() float64 {
	if m.BytesIn == 0 {
		return 0
	}
	return float64(m.BytesWritten) / float64(m.BytesIn)
}

func humanizeBytes(v uint64) string {
	return string(crhumanize.Bytes(int64(v), crhumanize.Compact, crhumanize.OmitI))
}

func humanizeCount(v int64) string {
	return string(crhumanize.Count(v, crhumanize.Compact))
}

// format generates a string of the receiver's metrics, formatting it into the
// supplied buffer.
func (m *LevelMetrics) format(buf *bytes.Buffer) {
	fmt.Fprintf(buf, "%6d %7s %7.2f %7s %7s %7s %7s %7.1f\n",
		m.NumFiles,
		humanizeBytes(m.Size),
		m.Score,
		humanizeBytes(m.BytesIn),
		humanizeBytes(m.BytesMoved),
		humanizeBytes(m.BytesRead),
		humanizeBytes(m.BytesWritten),
		m.WriteAmp(),
	)
}

// Metrics holds metrics for various subsystems of the DB such as the block
// cache, compactions, the memtable, the table cache and the WAL.
type Metrics struct {
	BlockCache struct {
		Size   int64
		Count  int64
		Hits   int64
		Misses int64
	}

	Compact struct {
		// The total number of compactions, trivial moves included.
		Count int64
	}

	Flush struct {
		// The total number of flushes.
		Count int64
	}

	MemTable struct {
		// The number of bytes allocated by the memtables, the one waiting
		// to be flushed included.
		Size uint64
		// The count of memtables.
		Count int64
	}

	Snapshots struct {
		// The number of currently open snapshots.
		Count int
		// The sequence number of the earliest open snapshot, or zero.
		EarliestSeqNum SeqNum
	}

	TableCache struct {
		// The number of open tables.
		Count  int64
		Hits   int64
		Misses int64
	}

	WAL struct {
		// Number of live WAL files.
		Files int64
		// Size of the current WAL file.
		Size uint64
		// Number of logical bytes written to the WAL.
		BytesIn uint64
	}

	Levels [numLevels]LevelMetrics
}

// Metrics returns metrics about the database.
func (d *DB) Metrics() *Metrics {
	metrics := &Metrics{}

	cacheMetrics := d.opts.Cache.Metrics()
	metrics.BlockCache.Size = cacheMetrics.Size
	metrics.BlockCache.Count = cacheMetrics.Count
	metrics.BlockCache.Hits = cacheMetrics.Hits
	metrics.BlockCache.Misses = cacheMetrics.Misses

	hits, misses, count := d.tableCache.metrics()
	metrics.TableCache.Hits = hits
	metrics.TableCache.Misses = misses
	metrics.TableCache.Count = int64(count)

	d.mu.Lock()
	defer d.mu.Unlock()

	metrics.Compact.Count = d.mu.compact.count
	metrics.Flush.Count = d.mu.compact.flushCount

	metrics.MemTable.Size = d.mu.mem.mutable.approximateMemoryUsage()
	metrics.MemTable.Count = 1
	if imm := d.mu.mem.imm; imm != nil {
		metrics.MemTable.Size += imm.approximateMemoryUsage()
		metrics.MemTable.Count++
	}

	metrics.Snapshots.Count = d.mu.snapshots.count()
	if metrics.Snapshots.Count > 0 {
		metrics.Snapshots.EarliestSeqNum = d.mu.snapshots.earliest()
	}

	metrics.WAL.Files = 1
	if d.mu.mem.imm != nil {
		metrics.WAL.Files++
	}
	if d.mu.log.Writer != nil {
		metrics.WAL.Size = uint64(d.mu.log.Size())
	}
	metrics.WAL.BytesIn = d.mu.log.bytesIn

	current := d.mu.versions.currentVersion()
	for level := 0; level < numLevels; level++ {
		l := &metrics.Levels[level]
		*l = d.mu.compact.stats[level]
		l.NumFiles = int64(len(current.Levels[level]))
		l.Size = manifest.TotalSize(current.Levels[level])
		if level == 0 {
			l.Score = float64(l.NumFiles) / float64(d.opts.L0CompactionThreshold)
		} else if level < numLevels-1 {
			l.Score = float64(l.Size) / manifest.MaxBytesForLevel(level)
		}
	}
	metrics.Levels[0].BytesIn = metrics.WAL.BytesIn
	return metrics
}

func (m *Metrics) formatWAL(buf *bytes.Buffer) {
	fmt.Fprintf(buf, "  WAL %6d %7s       - %7s       -       -       -       -\n",
		m.WAL.Files,
		humanizeBytes(m.WAL.Size),
		humanizeBytes(m.WAL.BytesIn))
}

// Pretty-print the metrics, showing a line for the WAL, a line per-level, and
// a total:
//
//	level__files____size___score______in____move____read___write___w-amp
//	  WAL      1    53MB       -   744MB       -       -       -       -
//	    0      6   285MB    1.50   744MB     0 B     0 B   707MB     1.0
//	    1      0     0 B    0.00     0 B     0 B     0 B     0 B     0.0
//	    2      0     0 B    0.00     0 B     0 B     0 B     0 B     0.0
//	    3      0     0 B    0.00     0 B     0 B     0 B     0 B     0.0
//	    4      0     0 B    0.00     0 B     0 B     0 B     0 B     0.0
//	    5     80   312MB    0.31   328MB     0 B   580MB   580MB     1.8
//	    6     23   110MB    0.00   110MB     0 B   146MB   146MB     1.3
//	total    109   706MB    0.00   744MB     0 B   726MB   2.1GB     2.9
//	 memtables 2 (4.1MB)  snapshots 0  compactions 12  flushes 9
//	 table-cache 109 (hits 1.2K misses 109)  block-cache 3.2K (hits 88K misses 3.2K)
//
// Write amplification is computed as bytes-written / bytes-in, except for
// the total row where bytes-in is the bytes written to the WAL and the WAL
// bytes are added to bytes-written.
func (m *Metrics) String() string {
	var buf bytes.Buffer
	var total LevelMetrics
	fmt.Fprintf(&buf, "level__files____size___score______in____move____read___write___w-amp\n")
	m.formatWAL(&buf)
	for level := 0; level < numLevels; level++ {
		l := &m.Levels[level]
		fmt.Fprintf(&buf, "%5d ", level)
		l.format(&buf)
		total.Add(l)
		total.NumFiles += l.NumFiles
		total.Size += l.Size
	}
	total.BytesIn = m.WAL.BytesIn
	total.BytesWritten += total.BytesIn
	fmt.Fprintf(&buf, "total ")
	total.format(&buf)
	fmt.Fprintf(&buf, " memtables %d (%s)  snapshots %d  compactions %s  flushes %s\n",
		m.MemTable.Count, humanizeBytes(m.MemTable.Size), m.Snapshots.Count,
		humanizeCount(m.Compact.Count), humanizeCount(m.Flush.Count))
	fmt.Fprintf(&buf, " table-cache %s (hits %s misses %s)  block-cache %s (hits %s misses %s)\n",
		humanizeCount(m.TableCache.Count), humanizeCount(m.TableCache.Hits), humanizeCount(m.TableCache.Misses),
		humanizeCount(m.BlockCache.Count), humanizeCount(m.BlockCache.Hits), humanizeCount(m.BlockCache.Misses))
	return buf.String()
}
