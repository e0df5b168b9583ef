// Copyright 2012 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package vfs

import (
	"bytes"
	"fmt"
	"io"
	"maps"
	"os"
	"path"
	"slices"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/errors/oserror"
)

const sep = "/"

// NewMem returns a new memory-backed FS implementation.
func NewMem() *MemFS {
	return &MemFS{
		root: newMemDir(),
	}
}

// NewStrictMem returns a memory-backed FS that keeps track of what was
// synced. File contents become durable on File.Sync, and the creation,
// removal and renaming of files become durable when their directory is
// synced. Directories are durable as soon as MkdirAll returns. CrashClone
// returns the durable state, which is what a process would find after a
// machine crash.
func NewStrictMem() *MemFS {
	return &MemFS{
		root:   newMemDir(),
		strict: true,
	}
}

// MemFS implements FS.
type MemFS struct {
	mu     sync.Mutex
	root   *memNode
	strict bool

	// lockedFiles holds the names of the files locked through Lock.
	lockedFiles sync.Map
}

var _ FS = &MemFS{}

// CrashClone returns a new MemFS holding a copy of the receiver's contents.
// For a strict MemFS the copy holds only what was synced. Locks are not
// carried over.
func (fs *MemFS) CrashClone() *MemFS {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return &MemFS{
		root:   fs.root.clone(fs.strict),
		strict: fs.strict,
	}
}

// String dumps the contents of the MemFS.
func (fs *MemFS) String() string {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	s := new(bytes.Buffer)
	fs.root.dump(s, 0, sep)
	return s.String()
}

// walk walks the directory tree for the fullname, calling f at each step. If
// f returns an error, the walk will be aborted and return that same error.
//
// Each walk is atomic: fs's mutex is held for the entire operation, including
// all calls to f.
//
// dir is the directory at that step, frag is the name fragment, and final is
// whether it is the final step. For example, walking "/foo/bar/x" will result
// in 3 calls to f:
//   - "/", "foo", false
//   - "/foo/", "bar", false
//   - "/foo/bar/", "x", true
func (fs *MemFS) walk(fullname string, f func(dir *memNode, frag string, final bool) error) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	// The current working directory is the root directory, so leading "/"s
	// are stripped and the walk starts at fs.root.
	for len(fullname) > 0 && fullname[0] == sep[0] {
		fullname = fullname[1:]
	}
	if fullname == "." {
		fullname = ""
	}
	dir := fs.root

	for {
		frag, remaining := fullname, ""
		i := strings.IndexRune(fullname, rune(sep[0]))
		final := i < 0
		if !final {
			frag, remaining = fullname[:i], fullname[i+1:]
			for len(remaining) > 0 && remaining[0] == sep[0] {
				remaining = remaining[1:]
			}
		}
		if err := f(dir, frag, final); err != nil {
			return err
		}
		if final {
			break
		}
		child := dir.children[frag]
		if child == nil {
			return &os.PathError{Op: "open", Path: fullname, Err: oserror.ErrNotExist}
		}
		if !child.isDir {
			return &os.PathError{Op: "open", Path: fullname, Err: errors.New("not a directory")}
		}
		dir, fullname = child, remaining
	}
	return nil
}

// Create implements FS.Create.
func (fs *MemFS) Create(fullname string) (File, error) {
	var ret *memFile
	err := fs.walk(fullname, func(dir *memNode, frag string, final bool) error {
		if final {
			if frag == "" {
				return errors.New("lsmdb/vfs: empty file name")
			}
			n := &memNode{}
			dir.children[frag] = n
			ret = &memFile{name: frag, n: n, fs: fs, read: true, write: true}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	ret.n.refs.Add(1)
	return ret, nil
}

func (fs *MemFS) open(fullname string, openForWrite bool) (*memFile, error) {
	var ret *memFile
	err := fs.walk(fullname, func(dir *memNode, frag string, final bool) error {
		if final {
			if frag == "" {
				ret = &memFile{name: sep, n: dir, fs: fs}
				return nil
			}
			if n := dir.children[frag]; n != nil {
				ret = &memFile{name: frag, n: n, fs: fs, read: true, write: openForWrite}
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if ret == nil {
		return nil, &os.PathError{Op: "open", Path: fullname, Err: oserror.ErrNotExist}
	}
	ret.n.refs.Add(1)
	return ret, nil
}

// Open implements FS.Open.
func (fs *MemFS) Open(fullname string) (File, error) {
	f, err := fs.open(fullname, false /* openForWrite */)
	if err != nil {
		return nil, err
	}
	return f, nil
}

// OpenForAppend implements FS.OpenForAppend.
func (fs *MemFS) OpenForAppend(fullname string) (File, error) {
	f, err := fs.open(fullname, true /* openForWrite */)
	if err != nil {
		return nil, err
	}
	f.n.mu.Lock()
	f.pos = len(f.n.mu.data)
	f.n.mu.Unlock()
	return f, nil
}

// OpenDir implements FS.OpenDir.
func (fs *MemFS) OpenDir(fullname string) (File, error) {
	f, err := fs.open(fullname, false /* openForWrite */)
	if err != nil {
		return nil, err
	}
	return f, nil
}

// Remove implements FS.Remove.
func (fs *MemFS) Remove(fullname string) error {
	return fs.walk(fullname, func(dir *memNode, frag string, final bool) error {
		if final {
			if frag == "" {
				return errors.New("lsmdb/vfs: empty file name")
			}
			child, ok := dir.children[frag]
			if !ok {
				return &os.PathError{Op: "remove", Path: fullname, Err: oserror.ErrNotExist}
			}
			if len(child.children) > 0 {
				return &os.PathError{Op: "remove", Path: fullname, Err: syscall.ENOTEMPTY}
			}
			delete(dir.children, frag)
		}
		return nil
	})
}

// RemoveAll implements FS.RemoveAll.
func (fs *MemFS) RemoveAll(fullname string) error {
	err := fs.walk(fullname, func(dir *memNode, frag string, final bool) error {
		if final {
			if frag == "" {
				return errors.New("lsmdb/vfs: empty file name")
			}
			delete(dir.children, frag)
		}
		return nil
	})
	// RemoveAll returns nil if the path does not exist.
	if oserror.IsNotExist(err) {
		return nil
	}
	return err
}

// Rename implements FS.Rename.
func (fs *MemFS) Rename(oldname, newname string) error {
	var n *memNode
	err := fs.walk(oldname, func(dir *memNode, frag string, final bool) error {
		if final {
			if frag == "" {
				return errors.New("lsmdb/vfs: empty file name")
			}
			n = dir.children[frag]
			delete(dir.children, frag)
		}
		return nil
	})
	if err != nil {
		return err
	}
	if n == nil {
		return &os.PathError{Op: "open", Path: oldname, Err: oserror.ErrNotExist}
	}
	return fs.walk(newname, func(dir *memNode, frag string, final bool) error {
		if final {
			if frag == "" {
				return errors.New("lsmdb/vfs: empty file name")
			}
			dir.children[frag] = n
		}
		return nil
	})
}

// MkdirAll implements FS.MkdirAll.
func (fs *MemFS) MkdirAll(dirname string, perm os.FileMode) error {
	return fs.walk(dirname, func(dir *memNode, frag string, final bool) error {
		if frag == "" {
			if final {
				return nil
			}
			return errors.New("lsmdb/vfs: empty file name")
		}
		child := dir.children[frag]
		if child == nil {
			child = newMemDir()
			dir.children[frag] = child
			dir.syncedChildren[frag] = child
			return nil
		}
		if !child.isDir {
			return &os.PathError{Op: "open", Path: dirname, Err: errors.New("not a directory")}
		}
		return nil
	})
}

// Lock implements FS.Lock. Other processes cannot see this process' memory,
// but the same MemFS may be opened by several DBs in one test, so locks are
// still exclusive within the MemFS.
func (fs *MemFS) Lock(fullname string) (io.Closer, error) {
	if _, loaded := fs.lockedFiles.LoadOrStore(fullname, nil); loaded {
		// This mirrors the EAGAIN returned by flock(2) with LOCK_NB.
		return nil, errors.Wrapf(syscall.EAGAIN, "lock %s", errors.Safe(fullname))
	}
	f, err := fs.Create(fullname)
	if err != nil {
		fs.lockedFiles.Delete(fullname)
		return nil, err
	}
	return &memFileLock{fs: fs, f: f, fullname: fullname}, nil
}

// List implements FS.List.
func (fs *MemFS) List(dirname string) ([]string, error) {
	if !strings.HasSuffix(dirname, sep) {
		dirname += sep
	}
	var ret []string
	err := fs.walk(dirname, func(dir *memNode, frag string, final bool) error {
		if final {
			if frag != "" {
				panic("unreachable")
			}
			ret = make([]string, 0, len(dir.children))
			for s := range dir.children {
				ret = append(ret, s)
			}
		}
		return nil
	})
	sort.Strings(ret)
	return ret, err
}

// Stat implements FS.Stat.
func (fs *MemFS) Stat(name string) (os.FileInfo, error) {
	f, err := fs.open(name, false /* openForWrite */)
	if err != nil {
		if pe, ok := err.(*os.PathError); ok {
			pe.Op = "stat"
		}
		return nil, err
	}
	defer f.Close()
	return f.Stat()
}

// PathBase implements FS.PathBase.
func (*MemFS) PathBase(p string) string {
	// Note that MemFS uses forward slashes for its separator, hence the use of
	// path.Base, not filepath.Base.
	return path.Base(p)
}

// PathJoin implements FS.PathJoin.
func (*MemFS) PathJoin(elem ...string) string {
	return path.Join(elem...)
}

// PathDir implements FS.PathDir.
func (*MemFS) PathDir(p string) string {
	return path.Dir(p)
}

// memNode holds a file's data or a directory's children.
type memNode struct {
	isDir bool
	refs  atomic.Int32

	// A file is mutated by a single goroutine, but there can be concurrent
	// readers of the WAL or MANIFEST while they are written.
	mu struct {
		sync.Mutex
		data []byte
		// syncedData is the data as of the last Sync. Only maintained by a
		// strict MemFS.
		syncedData []byte
		modTime    time.Time
	}

	// children and syncedChildren are protected by MemFS.mu. syncedChildren
	// holds the entries as of the last Sync of the directory.
	children       map[string]*memNode
	syncedChildren map[string]*memNode
}

func newMemDir() *memNode {
	return &memNode{
		children:       make(map[string]*memNode),
		syncedChildren: make(map[string]*memNode),
		isDir:          true,
	}
}

// clone deep copies the node, restricted to its synced state if synced is
// set. MemFS.mu must be held.
func (f *memNode) clone(synced bool) *memNode {
	if f.isDir {
		c := newMemDir()
		children := f.children
		if synced {
			children = f.syncedChildren
		}
		for name, child := range children {
			cc := child.clone(synced)
			c.children[name] = cc
			c.syncedChildren[name] = cc
		}
		return c
	}
	c := &memNode{}
	f.mu.Lock()
	defer f.mu.Unlock()
	data := f.mu.data
	if synced {
		data = f.mu.syncedData
	}
	c.mu.data = slices.Clone(data)
	c.mu.syncedData = slices.Clone(data)
	c.mu.modTime = f.mu.modTime
	return c
}

func (f *memNode) dump(w *bytes.Buffer, level int, name string) {
	if f.isDir {
		w.WriteString("          ")
	} else {
		f.mu.Lock()
		fmt.Fprintf(w, "%8d  ", len(f.mu.data))
		f.mu.Unlock()
	}
	for i := 0; i < level; i++ {
		w.WriteString("  ")
	}
	w.WriteString(name)
	if !f.isDir {
		w.WriteByte('\n')
		return
	}
	if level > 0 {
		w.WriteString(sep)
	}
	w.WriteByte('\n')
	names := make([]string, 0, len(f.children))
	for name := range f.children {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		f.children[name].dump(w, level+1, name)
	}
}

// memFile is a reader or writer of a node's data. Implements File.
type memFile struct {
	name        string
	n           *memNode
	fs          *MemFS
	pos         int
	read, write bool
}

var _ File = (*memFile)(nil)

func (f *memFile) Close() error {
	if n := f.n.refs.Add(-1); n < 0 {
		panic(fmt.Sprintf("lsmdb/vfs: close of unopened file: %d", n))
	}
	// Subsequent method calls panic on the nil node, catching use-after-close.
	f.n = nil
	return nil
}

func (f *memFile) Read(p []byte) (int, error) {
	if !f.read {
		return 0, errors.New("lsmdb/vfs: file was not opened for reading")
	}
	if f.n.isDir {
		return 0, errors.New("lsmdb/vfs: cannot read a directory")
	}
	f.n.mu.Lock()
	defer f.n.mu.Unlock()
	if f.pos >= len(f.n.mu.data) {
		return 0, io.EOF
	}
	n := copy(p, f.n.mu.data[f.pos:])
	f.pos += n
	return n, nil
}

func (f *memFile) ReadAt(p []byte, off int64) (int, error) {
	if !f.read {
		return 0, errors.New("lsmdb/vfs: file was not opened for reading")
	}
	if f.n.isDir {
		return 0, errors.New("lsmdb/vfs: cannot read a directory")
	}
	f.n.mu.Lock()
	defer f.n.mu.Unlock()
	if off >= int64(len(f.n.mu.data)) {
		return 0, io.EOF
	}
	n := copy(p, f.n.mu.data[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

func (f *memFile) Write(p []byte) (int, error) {
	if !f.write {
		return 0, errors.New("lsmdb/vfs: file was not created for writing")
	}
	if f.n.isDir {
		return 0, errors.New("lsmdb/vfs: cannot write a directory")
	}
	f.n.mu.Lock()
	defer f.n.mu.Unlock()
	f.n.mu.modTime = time.Now()
	if f.pos+len(p) <= len(f.n.mu.data) {
		copy(f.n.mu.data[f.pos:f.pos+len(p)], p)
	} else {
		f.n.mu.data = append(f.n.mu.data[:f.pos], p...)
	}
	f.pos += len(p)
	return len(p), nil
}

func (f *memFile) Stat() (os.FileInfo, error) {
	f.n.mu.Lock()
	defer f.n.mu.Unlock()
	return &memFileInfo{
		name:    f.name,
		size:    int64(len(f.n.mu.data)),
		modTime: f.n.mu.modTime,
		isDir:   f.n.isDir,
	}, nil
}

func (f *memFile) Sync() error {
	if !f.fs.strict {
		return nil
	}
	if f.n.isDir {
		f.fs.mu.Lock()
		f.n.syncedChildren = maps.Clone(f.n.children)
		f.fs.mu.Unlock()
		return nil
	}
	f.n.mu.Lock()
	f.n.mu.syncedData = slices.Clone(f.n.mu.data)
	f.n.mu.Unlock()
	return nil
}

// Flush is a no-op and present only to prevent buffering at higher levels
// (e.g. it prevents sstable.Writer from using a bufio.Writer).
func (f *memFile) Flush() error {
	return nil
}

// memFileInfo implements os.FileInfo for a memFile.
type memFileInfo struct {
	name    string
	size    int64
	modTime time.Time
	isDir   bool
}

var _ os.FileInfo = (*memFileInfo)(nil)

func (f *memFileInfo) Name() string       { return f.name }
func (f *memFileInfo) Size() int64        { return f.size }
func (f *memFileInfo) ModTime() time.Time { return f.modTime }
func (f *memFileInfo) IsDir() bool        { return f.isDir }
func (f *memFileInfo) Sys() interface{}   { return nil }

func (f *memFileInfo) Mode() os.FileMode {
	if f.isDir {
		return os.ModeDir | 0755
	}
	return 0755
}

type memFileLock struct {
	fs       *MemFS
	f        File
	fullname string
}

func (l *memFileLock) Close() error {
	if l.fs == nil {
		return nil
	}
	l.fs.lockedFiles.Delete(l.fullname)
	l.fs = nil
	return l.f.Close()
}
