// Copyright 2019 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package lsmdb

import "github.com/lsmdb/lsmdb/internal/cache"

// Cache exports the cache.Cache type.
type Cache = cache.Cache

// CacheMetrics exports the cache.Metrics type.
type CacheMetrics = cache.Metrics

// NewCache creates a new block cache of the specified size in bytes. Memory
// for the cache is allocated on demand, not during initialization. The caller
// owns one reference and should call Unref once the DBs using it have been
// opened.
func NewCache(size int64) *cache.Cache {
	return cache.New(size)
}
