// Copyright 2018 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

// Package cache implements the sharded LRU block cache.
package cache // import "github.com/lsmdb/lsmdb/internal/cache"

import (
	"encoding/binary"
	"fmt"
	"runtime"
	"sync/atomic"

	"github.com/cespare/xxhash/v2"
	"github.com/cockroachdb/crlib/crhumanize"
	"github.com/lsmdb/lsmdb/internal/base"
)

// Metrics holds metrics for the cache.
type Metrics struct {
	// The number of bytes inuse by the cache.
	Size int64
	// The count of objects (blocks or tables) in the cache.
	Count int64
	// The number of cache hits.
	Hits int64
	// The number of cache misses.
	Misses int64
}

func (m Metrics) String() string {
	return fmt.Sprintf("size=%s count=%s hits=%s misses=%s",
		crhumanize.Bytes(m.Size, crhumanize.Compact, crhumanize.OmitI),
		crhumanize.Count(m.Count, crhumanize.Compact),
		crhumanize.Count(m.Hits, crhumanize.Compact),
		crhumanize.Count(m.Misses, crhumanize.Compact))
}

// Cache implements the sharded block cache. Each shard runs an independent
// LRU over its share of the target size.
//
// Blocks are keyed by an (id, fileNum, offset) triple. The id is a namespace
// for file numbers and allows a single Cache to be shared between multiple DB
// instances. The fileNum and offset refer to an sstable file number and the
// offset of the block within the file. Because sstables are immutable and file
// numbers are never reused, (fileNum,offset) are unique for the lifetime of a
// DB instance.
//
// In addition to maintaining a map from (fileNum,offset) to data, each shard
// maintains a list of the cached blocks for each fileNum. This allows
// efficient eviction of all blocks for a file when the sstable is deleted from
// disk.
//
// Cached values are plain Go byte slices. Callers must not modify a slice
// passed to Set or returned from Get.
type Cache struct {
	refs    atomic.Int64
	maxSize int64
	idAlloc atomic.Uint64
	shards  []shard
}

// New creates a new cache of the specified size. Memory for the cache is
// allocated on demand, not during initialization. The cache is created with a
// reference count of 1. Each DB it is associated with adds a reference, so the
// creator of the cache should usually release their reference after the DB is
// created.
//
//	c := cache.New(...)
//	defer c.Unref()
//	d, err := lsmdb.Open(dir, &lsmdb.Options{Cache: c})
func New(size int64) *Cache {
	m := 4 * runtime.GOMAXPROCS(0)
	// Small caches would produce tiny shards. Constrain the number of shards
	// so that each gets a useful share.
	const minimumShardSize = 4 << 20 // 4 MiB
	if m > 4 && size/int64(m) < minimumShardSize {
		m = 4
	}
	return NewWithShards(size, m)
}

// NewWithShards creates a new cache with the specified size and number of
// shards.
func NewWithShards(size int64, shards int) *Cache {
	c := &Cache{
		maxSize: size,
		shards:  make([]shard, shards),
	}
	c.refs.Store(1)
	for i := range c.shards {
		c.shards[i].init(size / int64(len(c.shards)))
	}
	return c
}

// Ref adds a reference to the cache. The cache only remains valid as long a
// reference is maintained to it.
func (c *Cache) Ref() {
	if v := c.refs.Add(1); v <= 1 {
		panic(fmt.Sprintf("lsmdb: inconsistent reference count: %d", v))
	}
}

// Unref releases a reference on the cache. Once the last reference is
// released the cached blocks are dropped.
func (c *Cache) Unref() {
	switch v := c.refs.Add(-1); {
	case v < 0:
		panic(fmt.Sprintf("lsmdb: inconsistent reference count: %d", v))
	case v == 0:
		for i := range c.shards {
			c.shards[i].free()
		}
	}
}

// NewID returns a new ID to be used as a namespace for cached file blocks.
func (c *Cache) NewID() uint64 {
	return c.idAlloc.Add(1)
}

// MaxSize returns the max size of the cache.
func (c *Cache) MaxSize() int64 {
	return c.maxSize
}

func (c *Cache) getShard(k key) *shard {
	if k.id == 0 {
		panic("lsmdb: 0 cache ID is invalid")
	}
	var buf [16]byte
	binary.LittleEndian.PutUint64(buf[:8], uint64(k.fileNum))
	binary.LittleEndian.PutUint64(buf[8:], k.offset)
	h := xxhash.Sum64(buf[:]) ^ (k.id * 0x9e3779b97f4a7c15)
	return &c.shards[h%uint64(len(c.shards))]
}

// Get retrieves the cache value for the specified file and offset, returning
// nil if no value is present.
func (c *Cache) Get(id uint64, fileNum base.FileNum, offset uint64) []byte {
	k := key{fileKey: fileKey{id: id, fileNum: fileNum}, offset: offset}
	return c.getShard(k).get(k)
}

// Set sets the cache value for the specified file and offset, overwriting an
// existing value if present. A value larger than a shard's capacity is not
// cached.
func (c *Cache) Set(id uint64, fileNum base.FileNum, offset uint64, value []byte) {
	k := key{fileKey: fileKey{id: id, fileNum: fileNum}, offset: offset}
	c.getShard(k).set(k, value)
}

// EvictFile evicts all of the cache values for the specified file.
func (c *Cache) EvictFile(id uint64, fileNum base.FileNum) {
	fk := fileKey{id: id, fileNum: fileNum}
	for i := range c.shards {
		c.shards[i].evictFile(fk)
	}
}

// Size returns the current space used by the cache.
func (c *Cache) Size() int64 {
	var size int64
	for i := range c.shards {
		size += c.shards[i].size()
	}
	return size
}

// Metrics returns the metrics for the cache.
func (c *Cache) Metrics() Metrics {
	var m Metrics
	for i := range c.shards {
		s := &c.shards[i]
		s.mu.Lock()
		m.Count += int64(s.blocks.Len())
		m.Size += s.sizeBytes
		s.mu.Unlock()
		m.Hits += s.hits.Load()
		m.Misses += s.misses.Load()
	}
	return m
}
