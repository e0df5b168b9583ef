// Copyright 2013 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package lsmdb

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/cockroachdb/crlib/fifo"
	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/errors/oserror"
	"github.com/cockroachdb/swiss"
	"github.com/lsmdb/lsmdb/internal/base"
	"github.com/lsmdb/lsmdb/sstable"
	"github.com/lsmdb/lsmdb/vfs"
)

// maxConcurrentTableOpens bounds the number of tables being opened at once.
const maxConcurrentTableOpens = 16

// tableCache holds open table readers, bounded by a count of open files and
// evicted in LRU order. Readers are reference counted: an evicted reader
// stays open until the last iterator using it is closed.
type tableCache struct {
	dirname string
	fs      vfs.FS
	opts    sstable.ReaderOptions
	size    int

	openSem *fifo.Semaphore

	mu struct {
		sync.Mutex
		nodes swiss.Map[FileNum, *tableCacheNode]
		// lru is the sentinel of a circular list of nodes, most recently
		// used at the front.
		lru tableCacheNode
	}

	hits      atomic.Int64
	misses    atomic.Int64
	iterCount atomic.Int32
}

func (c *tableCache) init(dirname string, fs vfs.FS, opts sstable.ReaderOptions, size int) {
	c.dirname = dirname
	c.fs = fs
	c.opts = opts
	c.size = size
	c.openSem = fifo.NewSemaphore(maxConcurrentTableOpens)
	c.mu.nodes.Init(16)
	c.mu.lru.next = &c.mu.lru
	c.mu.lru.prev = &c.mu.lru
}

// newIter returns an iterator over the table. Closing the iterator releases
// the reference it holds on the table.
func (c *tableCache) newIter(meta *fileMetadata, opts *IterOptions) (internalIterator, error) {
	n, err := c.findNode(meta.FileNum)
	if err != nil {
		return nil, err
	}
	iter := n.reader.NewIter(opts.verifyChecksums(), opts.fillCache())
	c.iterCount.Add(1)
	iter.SetCloseHook(func() error {
		c.iterCount.Add(-1)
		return c.unrefNode(n)
	})
	return iter, nil
}

// get looks up key in the table. It returns base.ErrNotFound if the table
// holds no entry for key's user key at or below key's sequence number.
func (c *tableCache) get(meta *fileMetadata, key InternalKey, fillCache bool) (InternalKey, []byte, error) {
	n, err := c.findNode(meta.FileNum)
	if err != nil {
		return base.InvalidInternalKey, nil, err
	}
	k, v, err := n.reader.Get(key, fillCache)
	return k, v, errors.CombineErrors(err, c.unrefNode(n))
}

// estimateOffset returns the approximate offset of key within the table.
func (c *tableCache) estimateOffset(meta *fileMetadata, key []byte) (uint64, error) {
	n, err := c.findNode(meta.FileNum)
	if err != nil {
		return 0, err
	}
	off := n.reader.EstimateOffset(key)
	return off, c.unrefNode(n)
}

// evict drops the table from the cache. Outstanding iterators keep the
// reader open until they are closed.
func (c *tableCache) evict(fileNum FileNum) {
	c.mu.Lock()
	n, ok := c.mu.nodes.Get(fileNum)
	if ok {
		c.removeNodeLocked(n)
	}
	c.mu.Unlock()
	if ok {
		_ = c.unrefNode(n)
	}
}

func (c *tableCache) metrics() (hits, misses int64, count int) {
	c.mu.Lock()
	count = c.mu.nodes.Len()
	c.mu.Unlock()
	return c.hits.Load(), c.misses.Load(), count
}

// findNode returns the node for the table with a reference held for the
// caller, opening the table if necessary.
func (c *tableCache) findNode(fileNum FileNum) (*tableCacheNode, error) {
	c.mu.Lock()
	n, ok := c.mu.nodes.Get(fileNum)
	var evicted *tableCacheNode
	if ok {
		c.hits.Add(1)
		n.unlink()
	} else {
		c.misses.Add(1)
		n = &tableCacheNode{
			fileNum: fileNum,
			loaded:  make(chan struct{}),
		}
		// One reference for the cache itself.
		n.refs.Store(1)
		c.mu.nodes.Put(fileNum, n)
		if c.mu.nodes.Len() > c.size {
			evicted = c.mu.lru.prev
			c.removeNodeLocked(evicted)
		}
	}
	n.pushFront(&c.mu.lru)
	n.refs.Add(1)
	c.mu.Unlock()

	if evicted != nil {
		_ = c.unrefNode(evicted)
	}
	if !ok {
		n.load(c)
		close(n.loaded)
	} else {
		<-n.loaded
	}
	if n.err != nil {
		// Don't cache the failure: drop the node so the next lookup retries
		// the open.
		c.mu.Lock()
		if cur, ok := c.mu.nodes.Get(fileNum); ok && cur == n {
			c.removeNodeLocked(n)
			c.mu.Unlock()
			_ = c.unrefNode(n)
		} else {
			c.mu.Unlock()
		}
		err := n.err
		_ = c.unrefNode(n)
		return nil, err
	}
	return n, nil
}

// removeNodeLocked unlinks the node from the index and the LRU list. The
// caller inherits the cache's reference and must release it.
func (c *tableCache) removeNodeLocked(n *tableCacheNode) {
	c.mu.nodes.Delete(n.fileNum)
	n.unlink()
}

func (c *tableCache) unrefNode(n *tableCacheNode) error {
	if n.refs.Add(-1) != 0 {
		return nil
	}
	if n.reader != nil {
		return n.reader.Close()
	}
	return nil
}

// close releases every cached table. Iterators still open keep their tables
// open until they are closed.
func (c *tableCache) close() error {
	c.mu.Lock()
	var nodes []*tableCacheNode
	for n := c.mu.lru.next; n != &c.mu.lru; n = n.next {
		nodes = append(nodes, n)
	}
	for _, n := range nodes {
		c.removeNodeLocked(n)
	}
	c.mu.Unlock()

	var err error
	for _, n := range nodes {
		<-n.loaded
		err = errors.CombineErrors(err, c.unrefNode(n))
	}
	if v := c.iterCount.Load(); v > 0 {
		err = errors.CombineErrors(err, errors.Errorf("lsmdb: leaked iterators: %d", errors.Safe(v)))
	}
	return err
}

type tableCacheNode struct {
	fileNum FileNum
	reader  *sstable.Reader
	err     error
	loaded  chan struct{}

	refs atomic.Int32

	next, prev *tableCacheNode
}

// load opens the table, trying the current file extension before the
// legacy one.
func (n *tableCacheNode) load(c *tableCache) {
	if err := c.openSem.Acquire(context.Background(), 1); err != nil {
		n.err = err
		return
	}
	defer c.openSem.Release(1)

	path := base.MakeFilepath(c.fs, c.dirname, fileTypeTable, n.fileNum)
	f, err := c.fs.Open(path)
	if oserror.IsNotExist(err) {
		if f2, err2 := c.fs.Open(base.MakeFilepath(c.fs, c.dirname, fileTypeOldTable, n.fileNum)); err2 == nil {
			f, err = f2, nil
		}
	}
	if err != nil {
		n.err = errors.Wrapf(err, "lsmdb: could not open table %s", n.fileNum)
		if oserror.IsNotExist(err) {
			n.err = base.AddDetailsToNotExistError(c.fs, path, n.err)
		}
		return
	}
	o := c.opts
	o.FileNum = n.fileNum
	n.reader, n.err = sstable.NewReader(f, o)
	if n.err != nil {
		n.err = errors.Wrapf(n.err, "lsmdb: could not open table %s", n.fileNum)
	}
}

func (n *tableCacheNode) pushFront(head *tableCacheNode) {
	n.prev = head
	n.next = head.next
	head.next.prev = n
	head.next = n
}

func (n *tableCacheNode) unlink() {
	if n.next == nil {
		return
	}
	n.prev.next = n.next
	n.next.prev = n.prev
	n.next, n.prev = nil, nil
}
