// Copyright 2020 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

// Package errorfs provides a vfs.FS wrapper that injects errors into file
// system operations. It is used to exercise failure paths in tests.
package errorfs

import (
	"io"
	"os"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/cockroachdb/errors"
	"github.com/lsmdb/lsmdb/vfs"
)

// ErrInjected is an error artificially injected for testing fs error paths.
var ErrInjected = errors.New("injected error")

// Op is an enum describing the type of operation.
type Op int

const (
	OpCreate Op = iota
	OpOpen
	OpOpenForAppend
	OpOpenDir
	OpRemove
	OpRemoveAll
	OpRename
	OpMkdirAll
	OpLock
	OpList
	OpStat
	OpFileClose
	OpFileRead
	OpFileReadAt
	OpFileWrite
	OpFileStat
	OpFileSync
)

// OpKind is a coarse classification of operations.
type OpKind int

const (
	OpKindRead OpKind = iota
	OpKindWrite
)

// Kind returns the operation's kind.
func (o Op) Kind() OpKind {
	switch o {
	case OpOpen, OpOpenDir, OpList, OpStat, OpFileRead, OpFileReadAt, OpFileStat, OpFileClose:
		return OpKindRead
	}
	return OpKindWrite
}

// Injector decides whether to inject an error for an operation on path.
type Injector interface {
	MaybeError(op Op, path string) error
}

// InjectorFunc implements Injector.
type InjectorFunc func(op Op, path string) error

// MaybeError implements Injector.
func (f InjectorFunc) MaybeError(op Op, path string) error { return f(op, path) }

// Predicate filters the operations an injector applies to.
type Predicate func(op Op, path string) bool

// Reads matches every read operation.
func Reads(op Op, _ string) bool { return op.Kind() == OpKindRead }

// Writes matches every write operation.
func Writes(op Op, _ string) bool { return op.Kind() == OpKindWrite }

// OpIs matches operations equal to one of ops.
func OpIs(ops ...Op) Predicate {
	return func(op Op, _ string) bool {
		for _, o := range ops {
			if o == op {
				return true
			}
		}
		return false
	}
}

// PathContains matches operations on a path that contains substr.
func PathContains(substr string) Predicate {
	return func(_ Op, path string) bool { return strings.Contains(path, substr) }
}

// And matches operations matched by every predicate.
func And(preds ...Predicate) Predicate {
	return func(op Op, path string) bool {
		for _, p := range preds {
			if !p(op, path) {
				return false
			}
		}
		return true
	}
}

// InjectIndex injects ErrInjected into the index'th (zero-based) operation
// matched by pred, and only that operation.
type InjectIndex struct {
	pred  Predicate
	index atomic.Int32
}

// OnIndex returns an injector that fails the index'th operation matched by
// pred.
func OnIndex(index int32, pred Predicate) *InjectIndex {
	ii := &InjectIndex{pred: pred}
	ii.index.Store(index)
	return ii
}

// Index returns the number of matched operations remaining before the
// injection. It goes negative once the error has been injected.
func (ii *InjectIndex) Index() int32 { return ii.index.Load() }

// MaybeError implements Injector.
func (ii *InjectIndex) MaybeError(op Op, path string) error {
	if ii.pred != nil && !ii.pred(op, path) {
		return nil
	}
	if ii.index.Add(-1) == -1 {
		return errors.WithStack(ErrInjected)
	}
	return nil
}

// Toggle wraps an injector so it only injects while enabled.
type Toggle struct {
	Injector
	mu sync.Mutex
	on bool
}

// On enables injection.
func (t *Toggle) On() { t.mu.Lock(); t.on = true; t.mu.Unlock() }

// Off disables injection.
func (t *Toggle) Off() { t.mu.Lock(); t.on = false; t.mu.Unlock() }

// MaybeError implements Injector.
func (t *Toggle) MaybeError(op Op, path string) error {
	t.mu.Lock()
	on := t.on
	t.mu.Unlock()
	if !on {
		return nil
	}
	return t.Injector.MaybeError(op, path)
}

// FS implements vfs.FS, injecting errors from inj before delegating to the
// wrapped file system.
type FS struct {
	fs  vfs.FS
	inj Injector
}

var _ vfs.FS = (*FS)(nil)

// Wrap wraps an existing vfs.FS implementation, returning a new vfs.FS
// implementation which shadows operations to the provided FS. It uses the
// provided Injector for deciding when to inject errors.
func Wrap(fs vfs.FS, inj Injector) *FS {
	return &FS{fs: fs, inj: inj}
}

// Create implements FS.Create.
func (fs *FS) Create(name string) (vfs.File, error) {
	if err := fs.inj.MaybeError(OpCreate, name); err != nil {
		return nil, err
	}
	f, err := fs.fs.Create(name)
	if err != nil {
		return nil, err
	}
	return &errorFile{name, f, fs.inj}, nil
}

// Open implements FS.Open.
func (fs *FS) Open(name string) (vfs.File, error) {
	if err := fs.inj.MaybeError(OpOpen, name); err != nil {
		return nil, err
	}
	f, err := fs.fs.Open(name)
	if err != nil {
		return nil, err
	}
	return &errorFile{name, f, fs.inj}, nil
}

// OpenForAppend implements FS.OpenForAppend.
func (fs *FS) OpenForAppend(name string) (vfs.File, error) {
	if err := fs.inj.MaybeError(OpOpenForAppend, name); err != nil {
		return nil, err
	}
	f, err := fs.fs.OpenForAppend(name)
	if err != nil {
		return nil, err
	}
	return &errorFile{name, f, fs.inj}, nil
}

// OpenDir implements FS.OpenDir.
func (fs *FS) OpenDir(name string) (vfs.File, error) {
	if err := fs.inj.MaybeError(OpOpenDir, name); err != nil {
		return nil, err
	}
	f, err := fs.fs.OpenDir(name)
	if err != nil {
		return nil, err
	}
	return &errorFile{name, f, fs.inj}, nil
}

// Remove implements FS.Remove.
func (fs *FS) Remove(name string) error {
	if err := fs.inj.MaybeError(OpRemove, name); err != nil {
		return err
	}
	return fs.fs.Remove(name)
}

// RemoveAll implements FS.RemoveAll.
func (fs *FS) RemoveAll(name string) error {
	if err := fs.inj.MaybeError(OpRemoveAll, name); err != nil {
		return err
	}
	return fs.fs.RemoveAll(name)
}

// Rename implements FS.Rename.
func (fs *FS) Rename(oldname, newname string) error {
	if err := fs.inj.MaybeError(OpRename, newname); err != nil {
		return err
	}
	return fs.fs.Rename(oldname, newname)
}

// MkdirAll implements FS.MkdirAll.
func (fs *FS) MkdirAll(dir string, perm os.FileMode) error {
	if err := fs.inj.MaybeError(OpMkdirAll, dir); err != nil {
		return err
	}
	return fs.fs.MkdirAll(dir, perm)
}

// Lock implements FS.Lock.
func (fs *FS) Lock(name string) (io.Closer, error) {
	if err := fs.inj.MaybeError(OpLock, name); err != nil {
		return nil, err
	}
	return fs.fs.Lock(name)
}

// List implements FS.List.
func (fs *FS) List(dir string) ([]string, error) {
	if err := fs.inj.MaybeError(OpList, dir); err != nil {
		return nil, err
	}
	return fs.fs.List(dir)
}

// Stat implements FS.Stat.
func (fs *FS) Stat(name string) (os.FileInfo, error) {
	if err := fs.inj.MaybeError(OpStat, name); err != nil {
		return nil, err
	}
	return fs.fs.Stat(name)
}

// PathBase implements FS.PathBase.
func (fs *FS) PathBase(p string) string { return fs.fs.PathBase(p) }

// PathJoin implements FS.PathJoin.
func (fs *FS) PathJoin(elem ...string) string { return fs.fs.PathJoin(elem...) }

// PathDir implements FS.PathDir.
func (fs *FS) PathDir(p string) string { return fs.fs.PathDir(p) }

type errorFile struct {
	path string
	file vfs.File
	inj  Injector
}

func (f *errorFile) Close() error {
	// We don't inject errors during close as those calls should never fail in
	// practice.
	return f.file.Close()
}

func (f *errorFile) Read(p []byte) (int, error) {
	if err := f.inj.MaybeError(OpFileRead, f.path); err != nil {
		return 0, err
	}
	return f.file.Read(p)
}

func (f *errorFile) ReadAt(p []byte, off int64) (int, error) {
	if err := f.inj.MaybeError(OpFileReadAt, f.path); err != nil {
		return 0, err
	}
	return f.file.ReadAt(p, off)
}

func (f *errorFile) Write(p []byte) (int, error) {
	if err := f.inj.MaybeError(OpFileWrite, f.path); err != nil {
		return 0, err
	}
	return f.file.Write(p)
}

func (f *errorFile) Stat() (os.FileInfo, error) {
	if err := f.inj.MaybeError(OpFileStat, f.path); err != nil {
		return nil, err
	}
	return f.file.Stat()
}

func (f *errorFile) Sync() error {
	if err := f.inj.MaybeError(OpFileSync, f.path); err != nil {
		return err
	}
	return f.file.Sync()
}
