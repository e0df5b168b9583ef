/*
 * Copyright 2017 Dgraph Labs, Inc. and Contributors
 * Modifications copyright (C) 2017 Andy Kimball and Contributors
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package arenaskl

import (
	"sync/atomic"
	"unsafe"
)

const (
	arenaBlockSize = 4096
	// Allocations larger than this get a block of their own so that the
	// remainder of the current block is not wasted.
	largeAllocThreshold = arenaBlockSize / 4
	pointerSize         = int(unsafe.Sizeof(uintptr(0)))
)

// Arena is a bump allocator. Memory handed out by an Arena is released all at
// once, when the Arena itself becomes unreachable.
//
// Allocation is performed by a single writer. MemoryUsage may be called
// concurrently from any goroutine.
type Arena struct {
	// cur is the unallocated remainder of the current block.
	cur    []byte
	blocks int
	usage  atomic.Uint64
}

// NewArena returns a new, empty arena.
func NewArena() *Arena {
	return &Arena{}
}

// Alloc returns a zeroed slice of n bytes carved out of the arena. The
// returned slice has a capacity of exactly n.
func (a *Arena) Alloc(n int) []byte {
	if n <= len(a.cur) {
		b := a.cur[:n:n]
		a.cur = a.cur[n:]
		return b
	}
	if n > largeAllocThreshold {
		return a.newBlock(n)[:n:n]
	}
	// The remainder of the current block is wasted.
	blk := a.newBlock(arenaBlockSize)
	a.cur = blk[n:]
	return blk[:n:n]
}

// Charge accounts n bytes of memory that belong to the arena's owner but are
// not allocated from its blocks.
func (a *Arena) Charge(n int) {
	a.usage.Add(uint64(n))
}

func (a *Arena) newBlock(n int) []byte {
	a.blocks++
	a.usage.Add(uint64(n + pointerSize))
	return make([]byte, n)
}

// MemoryUsage returns an estimate of the total memory held by the arena.
func (a *Arena) MemoryUsage() uint64 {
	return a.usage.Load()
}
