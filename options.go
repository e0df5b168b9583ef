// Copyright 2011 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package lsmdb

import (
	"fmt"
	"strings"

	"github.com/lsmdb/lsmdb/internal/base"
	"github.com/lsmdb/lsmdb/internal/compression"
	"github.com/lsmdb/lsmdb/sstable"
	"github.com/lsmdb/lsmdb/vfs"
	"github.com/prometheus/client_golang/prometheus"
)

const (
	cacheDefaultSize = 8 << 20 // 8 MB

	// The number of open files reserved for things other than the table
	// cache: the WAL, the MANIFEST, CURRENT, LOCK and the info LOG.
	numNonTableCacheFiles = 10
	minTableCacheSize     = 64
)

// Compression exports the compression.Algorithm type.
type Compression = compression.Algorithm

// The available block compression algorithms.
const (
	NoCompression     = compression.NoCompression
	SnappyCompression = compression.Snappy
	ZstdCompression   = compression.Zstd
	LZ4Compression    = compression.LZ4
	MinLZCompression  = compression.MinLZ
)

// IterOptions hold the optional per-query parameters for NewIter.
//
// Like Options, a nil *IterOptions is valid and means to use the default
// values.
type IterOptions struct {
	// LowerBound specifies the smallest key (inclusive) that the iterator will
	// return during iteration. If the iterator is seeked or iterated past this
	// boundary the iterator will return Valid()==false. Setting LowerBound
	// effectively truncates the key space visible to the iterator.
	LowerBound []byte
	// UpperBound specifies the largest key (exclusive) that the iterator will
	// return during iteration. If the iterator is seeked or iterated past this
	// boundary the iterator will return Valid()==false. Setting UpperBound
	// effectively truncates the key space visible to the iterator.
	UpperBound []byte
	// VerifyChecksums verifies the checksum of every data block read by the
	// iterator, even when ParanoidChecks is off.
	VerifyChecksums bool
	// DontFillCache keeps blocks read by the iterator out of the block cache.
	// Useful for bulk scans.
	DontFillCache bool

	// snapshot is set by Snapshot.NewIter. It is not exported because
	// iterators over a snapshot should be created through the snapshot.
	snapshot *Snapshot
}

// GetLowerBound returns the LowerBound or nil if the receiver is nil.
func (o *IterOptions) GetLowerBound() []byte {
	if o == nil {
		return nil
	}
	return o.LowerBound
}

// GetUpperBound returns the UpperBound or nil if the receiver is nil.
func (o *IterOptions) GetUpperBound() []byte {
	if o == nil {
		return nil
	}
	return o.UpperBound
}

func (o *IterOptions) verifyChecksums() bool {
	return o != nil && o.VerifyChecksums
}

func (o *IterOptions) fillCache() bool {
	return o == nil || !o.DontFillCache
}

// WriteOptions hold the optional per-query parameters for Set, Delete and
// Apply operations.
//
// Like Options, a nil *WriteOptions is valid and means to use the default
// values.
type WriteOptions struct {
	// Sync is whether to sync writes through the OS buffer cache and down onto
	// the actual disk, if applicable. Setting Sync is required for durability of
	// individual write operations but can result in slower writes.
	//
	// If false, and the process or machine crashes, then a recent write may be
	// lost. This is due to the recently written data being buffered inside the
	// process. This differs from the semantics of a write system call in which
	// the data is buffered in the OS buffer cache and would thus survive a
	// process crash.
	//
	// The default value is true.
	Sync bool
}

// Sync specifies the default write options for writes which synchronize to
// disk.
var Sync = &WriteOptions{Sync: true}

// NoSync specifies the default write options for writes which do not
// synchronize to disk.
var NoSync = &WriteOptions{Sync: false}

// GetSync returns the Sync value or true if the receiver is nil.
func (o *WriteOptions) GetSync() bool {
	return o == nil || o.Sync
}

// Options holds the optional parameters for configuring the DB. These options
// apply to the DB at large; per-query options are defined by the IterOptions
// and WriteOptions types.
type Options struct {
	// BlockRestartInterval is the number of keys between restart points
	// for delta encoding of keys.
	//
	// The default value is 16.
	BlockRestartInterval int

	// BlockSize is the target uncompressed size in bytes of each table block.
	//
	// The default value is 4096.
	BlockSize int

	// Cache is used to cache uncompressed blocks from tables. If nil, a cache
	// of CacheSize bytes is created by Open and released by Close.
	Cache *Cache

	// CacheSize is the size of the block cache created when Cache is nil.
	//
	// The default value is 8 MB.
	CacheSize int64

	// Comparer defines a total ordering over the space of []byte keys: a 'less
	// than' relationship. The same comparison algorithm must be used for reads
	// and writes over the lifetime of the DB.
	//
	// The default value uses the same ordering as bytes.Compare.
	Comparer *Comparer

	// Compression defines the per-block compression to use. Blocks that do
	// not shrink by at least 12.5% are stored uncompressed.
	//
	// The default value (zero) is NoCompression.
	Compression Compression

	// CreateIfMissing creates the database if it does not already exist.
	CreateIfMissing bool

	// DisableAutomaticCompactions prevents the background goroutine from
	// compacting tables on its own. Memtable flushes and compactions requested
	// through DB.Compact still run. Intended for tests.
	DisableAutomaticCompactions bool

	// ErrorIfExists causes Open to fail if the database already exists.
	ErrorIfExists bool

	// EventListener provides hooks to listening to significant DB events such
	// as flushes, compactions, and table deletion.
	EventListener EventListener

	// FilterPolicy defines a filter algorithm (such as a Bloom filter) that can
	// reduce disk reads for Get calls.
	//
	// The default value means to use no filter.
	FilterPolicy FilterPolicy

	// FS provides the interface for persistent file storage.
	//
	// The default value uses the underlying operating system's file system.
	FS vfs.FS

	// InfoLog makes Open write the DB's log messages and events to a LOG file
	// in the DB directory, in addition to Logger. A LOG left by a previous
	// Open is renamed to LOG.old.
	InfoLog bool

	// The number of files necessary to trigger an L0 compaction.
	L0CompactionThreshold int

	// Soft limit on the number of L0 files. Writes are slowed down when this
	// threshold is reached.
	L0SlowdownWritesTrigger int

	// Hard limit on the number of L0 files. Writes are stopped when this
	// threshold is reached.
	L0StopWritesTrigger int

	// Logger used to write log messages.
	//
	// The default logger uses the Go standard library log package.
	Logger Logger

	// MaxFileSize is the size at which compaction output tables are rolled
	// over. Target file sizes derived from it also bound grandparent overlap
	// and input expansion.
	//
	// The default value is 2 MB.
	MaxFileSize int64

	// MaxOpenFiles is a soft limit on the number of open files that can be
	// used by the DB.
	//
	// The default value is 1000.
	MaxOpenFiles int

	// ParanoidChecks makes the DB verify every block checksum it reads and
	// fail Open on any WAL corruption instead of skipping the damaged
	// records.
	ParanoidChecks bool

	// ReuseLogs appends to the last WAL found during recovery instead of
	// flushing its contents and starting a new log, when the log was read
	// cleanly and its contents fit in one memtable.
	ReuseLogs bool

	// TargetByteDeletionRate is the rate (in bytes per second) at which table
	// file deletions are limited to (under normal circumstances).
	//
	// Deletion pacing is used to slow down deletions when compactions finish
	// up or readers close and newly-obsolete files need cleaning up. Deleting
	// lots of files at once can cause disk latency to go up on some SSDs.
	//
	// Setting this to 0 disables deletion pacing, which is also the default.
	TargetByteDeletionRate int

	// WALFsyncLatency, if set, observes the duration of every WAL sync.
	WALFsyncLatency prometheus.Histogram

	// WriteBufferSize is the amount of data to build up in memory (backed by
	// an unsorted log on disk) before converting to a sorted on-disk file.
	//
	// The default value is 4 MB.
	WriteBufferSize int
}

// EnsureDefaults ensures that the default values for all options are set if a
// valid value was not already specified. Returns the new options.
func (o *Options) EnsureDefaults() *Options {
	if o == nil {
		o = &Options{}
	}
	if o.BlockRestartInterval <= 0 {
		o.BlockRestartInterval = 16
	}
	if o.BlockSize <= 0 {
		o.BlockSize = 4096
	}
	if o.Cache == nil && o.CacheSize == 0 {
		o.CacheSize = cacheDefaultSize
	}
	o.Comparer = o.Comparer.EnsureDefaults()
	if o.Logger == nil {
		o.Logger = DefaultLogger{}
	}
	o.EventListener.EnsureDefaults(o.Logger)
	if o.FS == nil {
		o.FS = vfs.Default
	}
	if o.L0CompactionThreshold <= 0 {
		o.L0CompactionThreshold = 4
	}
	if o.L0SlowdownWritesTrigger <= 0 {
		o.L0SlowdownWritesTrigger = 8
	}
	if o.L0StopWritesTrigger <= 0 {
		o.L0StopWritesTrigger = 12
	}
	if o.MaxFileSize <= 0 {
		o.MaxFileSize = 2 << 20 // 2 MB
	}
	if o.MaxOpenFiles <= 0 {
		o.MaxOpenFiles = 1000
	}
	if o.WriteBufferSize <= 0 {
		o.WriteBufferSize = 4 << 20 // 4 MB
	}
	return o
}

// Validate verifies that the options are mutually consistent. For example,
// L0StopWritesTrigger >= L0SlowdownWritesTrigger >= L0CompactionThreshold.
func (o *Options) Validate() error {
	var buf strings.Builder
	if o.L0SlowdownWritesTrigger < o.L0CompactionThreshold {
		fmt.Fprintf(&buf, "L0SlowdownWritesTrigger (%d) must be >= L0CompactionThreshold (%d)\n",
			o.L0SlowdownWritesTrigger, o.L0CompactionThreshold)
	}
	if o.L0StopWritesTrigger < o.L0SlowdownWritesTrigger {
		fmt.Fprintf(&buf, "L0StopWritesTrigger (%d) must be >= L0SlowdownWritesTrigger (%d)\n",
			o.L0StopWritesTrigger, o.L0SlowdownWritesTrigger)
	}
	if o.Compression >= compression.NumAlgorithms {
		fmt.Fprintf(&buf, "unknown compression algorithm %d\n", o.Compression)
	}
	if o.WriteBufferSize < 64<<10 {
		fmt.Fprintf(&buf, "WriteBufferSize (%d) must be >= 64 KB\n", o.WriteBufferSize)
	}
	if o.MaxFileSize < 64<<10 {
		fmt.Fprintf(&buf, "MaxFileSize (%d) must be >= 64 KB\n", o.MaxFileSize)
	}
	if buf.Len() == 0 {
		return nil
	}
	return base.InvalidArgumentErrorf("%s", strings.TrimSuffix(buf.String(), "\n"))
}

// tableCacheSize returns the number of table readers the table cache may
// keep open.
func (o *Options) tableCacheSize() int {
	size := o.MaxOpenFiles - numNonTableCacheFiles
	if size < minTableCacheSize {
		size = minTableCacheSize
	}
	return size
}

// MakeWriterOptions constructs a set of table writer options from the
// receiver.
func (o *Options) MakeWriterOptions() sstable.WriterOptions {
	return sstable.WriterOptions{
		BlockRestartInterval: o.BlockRestartInterval,
		BlockSize:            o.BlockSize,
		Comparer:             o.Comparer,
		Compression:          o.Compression,
		FilterPolicy:         o.FilterPolicy,
	}
}

// MakeReaderOptions constructs a set of table reader options from the
// receiver.
func (o *Options) MakeReaderOptions() sstable.ReaderOptions {
	return sstable.ReaderOptions{
		Comparer:       o.Comparer,
		FilterPolicy:   o.FilterPolicy,
		Cache:          o.Cache,
		ParanoidChecks: o.ParanoidChecks,
	}
}

// String implements fmt.Stringer, rendering the options in an INI-like
// format.
func (o *Options) String() string {
	var buf strings.Builder
	fmt.Fprintf(&buf, "[Options]\n")
	fmt.Fprintf(&buf, "  block_restart_interval=%d\n", o.BlockRestartInterval)
	fmt.Fprintf(&buf, "  block_size=%d\n", o.BlockSize)
	fmt.Fprintf(&buf, "  comparer=%s\n", o.Comparer.Name)
	fmt.Fprintf(&buf, "  compression=%s\n", o.Compression)
	fmt.Fprintf(&buf, "  create_if_missing=%t\n", o.CreateIfMissing)
	fmt.Fprintf(&buf, "  error_if_exists=%t\n", o.ErrorIfExists)
	if o.FilterPolicy != nil {
		fmt.Fprintf(&buf, "  filter_policy=%s\n", o.FilterPolicy.Name())
	}
	fmt.Fprintf(&buf, "  l0_compaction_threshold=%d\n", o.L0CompactionThreshold)
	fmt.Fprintf(&buf, "  l0_slowdown_writes_trigger=%d\n", o.L0SlowdownWritesTrigger)
	fmt.Fprintf(&buf, "  l0_stop_writes_trigger=%d\n", o.L0StopWritesTrigger)
	fmt.Fprintf(&buf, "  max_file_size=%d\n", o.MaxFileSize)
	fmt.Fprintf(&buf, "  max_open_files=%d\n", o.MaxOpenFiles)
	fmt.Fprintf(&buf, "  paranoid_checks=%t\n", o.ParanoidChecks)
	fmt.Fprintf(&buf, "  reuse_logs=%t\n", o.ReuseLogs)
	fmt.Fprintf(&buf, "  write_buffer_size=%d\n", o.WriteBufferSize)
	return buf.String()
}
