// Copyright 2018 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package cache

import (
	"sync"
	"sync/atomic"

	"github.com/cockroachdb/swiss"
	"github.com/lsmdb/lsmdb/internal/base"
)

type fileKey struct {
	// id is the namespace for fileNums.
	id      uint64
	fileNum base.FileNum
}

type key struct {
	fileKey
	offset uint64
}

// entryOverhead approximates the bookkeeping cost of one cached block.
const entryOverhead = 96

type entry struct {
	key   key
	value []byte
	// lru links the entry into the shard's recency list. The list head is a
	// sentinel; lru.next is the least recently used entry.
	lruPrev, lruNext *entry
	// file links the entry into the list of entries for its file.
	filePrev, fileNext *entry
}

func (e *entry) charge() int64 {
	return int64(len(e.value)) + entryOverhead
}

type shard struct {
	hits   atomic.Int64
	misses atomic.Int64

	mu        sync.Mutex
	maxSize   int64
	sizeBytes int64
	blocks    swiss.Map[key, *entry]
	files     swiss.Map[fileKey, *entry]
	lru       entry
}

func (s *shard) init(maxSize int64) {
	s.maxSize = maxSize
	s.blocks.Init(16)
	s.files.Init(16)
	s.lru.lruPrev, s.lru.lruNext = &s.lru, &s.lru
}

func (s *shard) get(k key) []byte {
	s.mu.Lock()
	e, ok := s.blocks.Get(k)
	if ok {
		s.unlinkLRU(e)
		s.pushLRU(e)
	}
	s.mu.Unlock()
	if !ok {
		s.misses.Add(1)
		return nil
	}
	s.hits.Add(1)
	return e.value
}

func (s *shard) set(k key, value []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if e, ok := s.blocks.Get(k); ok {
		s.remove(e)
	}
	e := &entry{key: k, value: value}
	if e.charge() > s.maxSize {
		return
	}
	s.blocks.Put(k, e)
	s.pushLRU(e)
	s.linkFile(e)
	s.sizeBytes += e.charge()
	for s.sizeBytes > s.maxSize && s.lru.lruNext != &s.lru {
		s.remove(s.lru.lruNext)
	}
}

func (s *shard) evictFile(fk fileKey) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for {
		e, ok := s.files.Get(fk)
		if !ok {
			return
		}
		s.remove(e)
	}
}

func (s *shard) size() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sizeBytes
}

func (s *shard) free() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.blocks.Init(16)
	s.files.Init(16)
	s.lru.lruPrev, s.lru.lruNext = &s.lru, &s.lru
	s.sizeBytes = 0
}

// remove drops e from every index. s.mu must be held.
func (s *shard) remove(e *entry) {
	s.blocks.Delete(e.key)
	s.unlinkLRU(e)
	s.unlinkFile(e)
	s.sizeBytes -= e.charge()
}

func (s *shard) pushLRU(e *entry) {
	e.lruPrev = s.lru.lruPrev
	e.lruNext = &s.lru
	e.lruPrev.lruNext = e
	s.lru.lruPrev = e
}

func (s *shard) unlinkLRU(e *entry) {
	e.lruPrev.lruNext = e.lruNext
	e.lruNext.lruPrev = e.lruPrev
	e.lruPrev, e.lruNext = nil, nil
}

// linkFile pushes e onto the front of its file's list. The files map points
// at the list head.
func (s *shard) linkFile(e *entry) {
	if head, ok := s.files.Get(e.key.fileKey); ok {
		e.fileNext = head
		head.filePrev = e
	}
	s.files.Put(e.key.fileKey, e)
}

func (s *shard) unlinkFile(e *entry) {
	if e.filePrev != nil {
		e.filePrev.fileNext = e.fileNext
	} else if e.fileNext != nil {
		s.files.Put(e.key.fileKey, e.fileNext)
	} else {
		s.files.Delete(e.key.fileKey)
	}
	if e.fileNext != nil {
		e.fileNext.filePrev = e.filePrev
	}
	e.filePrev, e.fileNext = nil, nil
}
