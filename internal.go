// Copyright 2018 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package lsmdb

import (
	"github.com/lsmdb/lsmdb/internal/base"
	"github.com/lsmdb/lsmdb/internal/manifest"
)

// SeqNum exports the base.SeqNum type.
type SeqNum = base.SeqNum

// InternalKeyKind exports the base.InternalKeyKind type.
type InternalKeyKind = base.InternalKeyKind

// These constants are part of the file format, and should not be changed.
const (
	InternalKeyKindDelete  = base.InternalKeyKindDelete
	InternalKeyKindSet     = base.InternalKeyKindSet
	InternalKeyKindMax     = base.InternalKeyKindMax
	InternalKeyKindInvalid = base.InternalKeyKindInvalid
)

// InternalKey exports the base.InternalKey type.
type InternalKey = base.InternalKey

// Compare exports the base.Compare type.
type Compare = base.Compare

// Equal exports the base.Equal type.
type Equal = base.Equal

// Comparer exports the base.Comparer type.
type Comparer = base.Comparer

// DefaultComparer exports the base.DefaultComparer variable.
var DefaultComparer = base.DefaultComparer

// FilterPolicy exports the base.FilterPolicy type.
type FilterPolicy = base.FilterPolicy

// Logger exports the base.Logger type.
type Logger = base.Logger

// DefaultLogger exports the base.DefaultLogger type.
type DefaultLogger = base.DefaultLogger

// FileNum exports the base.FileNum type.
type FileNum = base.FileNum

type internalIterator = base.InternalIterator

const numLevels = manifest.NumLevels

// Provide type aliases for the various manifest structs.
type bulkVersionEdit = manifest.BulkVersionEdit
type deletedFileEntry = manifest.DeletedFileEntry
type fileMetadata = manifest.FileMetadata
type newFileEntry = manifest.NewFileEntry
type version = manifest.Version
type versionEdit = manifest.VersionEdit
type versionList = manifest.VersionList

const (
	fileTypeLog      = base.FileTypeLog
	fileTypeLock     = base.FileTypeLock
	fileTypeTable    = base.FileTypeTable
	fileTypeOldTable = base.FileTypeOldTable
	fileTypeManifest = base.FileTypeManifest
	fileTypeCurrent  = base.FileTypeCurrent
	fileTypeTemp     = base.FileTypeTemp

	fileTypeInfoLog    = base.FileTypeInfoLog
	fileTypeOldInfoLog = base.FileTypeOldInfoLog
)

// ErrNotFound is returned when a get operation does not find the requested
// key.
var ErrNotFound = base.ErrNotFound

// ErrCorruption is a marker to indicate that data in a file (WAL, MANIFEST,
// table) isn't in the expected format. Test for it with IsCorruptionError.
var ErrCorruption = base.ErrCorruption

// ErrInvalidArgument marks errors caused by bad caller input or options.
var ErrInvalidArgument = base.ErrInvalidArgument

// IsCorruptionError returns true if the given error indicates database
// corruption.
func IsCorruptionError(err error) bool {
	return base.IsCorruptionError(err)
}
