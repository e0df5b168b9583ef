// Copyright 2012 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package base

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/errors/oserror"
	"github.com/cockroachdb/redact"
	"github.com/lsmdb/lsmdb/vfs"
)

// FileNum is an internal DB identifier for a file: a WAL, a MANIFEST or a
// table. File numbers are allocated from a single counter.
type FileNum uint64

// String returns a string representation of the file number.
func (fn FileNum) String() string { return fmt.Sprintf("%06d", uint64(fn)) }

// SafeFormat implements redact.SafeFormatter.
func (fn FileNum) SafeFormat(w redact.SafePrinter, _ rune) {
	w.Printf("%06d", redact.SafeUint(fn))
}

// FileType enumerates the types of files found in a DB.
type FileType int

// The FileType enumeration.
const (
	FileTypeLog FileType = iota
	FileTypeLock
	FileTypeTable
	FileTypeOldTable
	FileTypeManifest
	FileTypeCurrent
	FileTypeTemp
	FileTypeInfoLog
	FileTypeOldInfoLog
)

var fileTypeStrings = [...]string{
	FileTypeLog:        "log",
	FileTypeLock:       "lock",
	FileTypeTable:      "table",
	FileTypeOldTable:   "old-table",
	FileTypeManifest:   "manifest",
	FileTypeCurrent:    "current",
	FileTypeTemp:       "temp",
	FileTypeInfoLog:    "info-log",
	FileTypeOldInfoLog: "old-info-log",
}

// SafeFormat implements redact.SafeFormatter.
func (ft FileType) SafeFormat(w redact.SafePrinter, _ rune) {
	if ft < 0 || int(ft) >= len(fileTypeStrings) {
		w.Print(redact.SafeString("unknown"))
		return
	}
	w.Print(redact.SafeString(fileTypeStrings[ft]))
}

// String implements fmt.Stringer.
func (ft FileType) String() string {
	return redact.StringWithoutMarkers(ft)
}

// MakeFilename builds a filename from components.
func MakeFilename(fileType FileType, fileNum FileNum) string {
	switch fileType {
	case FileTypeLog:
		return fmt.Sprintf("%s.log", fileNum)
	case FileTypeLock:
		return "LOCK"
	case FileTypeTable:
		return fmt.Sprintf("%s.ldb", fileNum)
	case FileTypeOldTable:
		return fmt.Sprintf("%s.sst", fileNum)
	case FileTypeManifest:
		return fmt.Sprintf("MANIFEST-%s", fileNum)
	case FileTypeCurrent:
		return "CURRENT"
	case FileTypeTemp:
		return fmt.Sprintf("CURRENT.%s.dbtmp", fileNum)
	case FileTypeInfoLog:
		return "LOG"
	case FileTypeOldInfoLog:
		return "LOG.old"
	}
	panic("unreachable")
}

// MakeFilepath builds a filepath from components.
func MakeFilepath(fs vfs.FS, dirname string, fileType FileType, fileNum FileNum) string {
	return fs.PathJoin(dirname, MakeFilename(fileType, fileNum))
}

// ParseFilename parses the components from a filename.
func ParseFilename(fs vfs.FS, filename string) (fileType FileType, fileNum FileNum, ok bool) {
	filename = fs.PathBase(filename)
	switch {
	case filename == "CURRENT":
		return FileTypeCurrent, 0, true
	case filename == "LOCK":
		return FileTypeLock, 0, true
	case filename == "LOG":
		return FileTypeInfoLog, 0, true
	case filename == "LOG.old":
		return FileTypeOldInfoLog, 0, true
	case strings.HasPrefix(filename, "MANIFEST-"):
		fileNum, ok = ParseFileNum(filename[len("MANIFEST-"):])
		if !ok {
			break
		}
		return FileTypeManifest, fileNum, true
	case strings.HasPrefix(filename, "CURRENT.") && strings.HasSuffix(filename, ".dbtmp"):
		s := strings.TrimSuffix(filename[len("CURRENT."):], ".dbtmp")
		fileNum, ok = ParseFileNum(s)
		if !ok {
			break
		}
		return FileTypeTemp, fileNum, true
	default:
		i := strings.IndexByte(filename, '.')
		if i < 0 {
			break
		}
		fileNum, ok = ParseFileNum(filename[:i])
		if !ok {
			break
		}
		switch filename[i+1:] {
		case "log":
			return FileTypeLog, fileNum, true
		case "ldb":
			return FileTypeTable, fileNum, true
		case "sst":
			return FileTypeOldTable, fileNum, true
		}
	}
	return 0, fileNum, false
}

// ParseFileNum parses the provided string as a file number.
func ParseFileNum(s string) (fileNum FileNum, ok bool) {
	u, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return fileNum, false
	}
	return FileNum(u), true
}

// A Fataler fatals a process with a message when called.
type Fataler interface {
	Fatalf(format string, args ...interface{})
}

// MustExist checks if err is an error indicating a file does not exist.
// If it is, it lists the containing directory's files to annotate the error
// with counts of the various types of files and invokes the provided fataler.
func MustExist(fs vfs.FS, filename string, fataler Fataler, err error) {
	if err == nil || !oserror.IsNotExist(err) {
		return
	}
	err = AddDetailsToNotExistError(fs, filename, err)
	fataler.Fatalf("%+v", err)
}

// AddDetailsToNotExistError annotates an unexpected not-exist error with
// information about the directory contents.
func AddDetailsToNotExistError(fs vfs.FS, filename string, err error) error {
	ls, lsErr := fs.List(fs.PathDir(filename))
	if lsErr != nil {
		return errors.WithDetailf(err, "list err: %+v", lsErr)
	}
	var unknown, tables, logs, manifests int
	for _, f := range ls {
		typ, _, ok := ParseFilename(fs, f)
		if !ok {
			unknown++
			continue
		}
		switch typ {
		case FileTypeTable, FileTypeOldTable:
			tables++
		case FileTypeLog:
			logs++
		case FileTypeManifest:
			manifests++
		}
	}
	return errors.WithDetailf(err, "filename: %s; directory contains %d files, %d unknown, %d tables, %d logs, %d manifests",
		filename, len(ls), unknown, tables, logs, manifests)
}
