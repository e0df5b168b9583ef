// Copyright 2014 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

//go:build darwin || dragonfly || freebsd || linux || netbsd || openbsd || solaris

package vfs

import (
	"io"
	"os"
	"sync"
	"syscall"

	"github.com/cockroachdb/errors"
	"golang.org/x/sys/unix"
)

// lockedFiles tracks the locks held by this process. flock(2) locks are
// per open file description, so without this a second Lock call from the
// same process on a different descriptor would be reported as a conflict by
// some platforms and silently granted by others.
var lockedFiles struct {
	mu    sync.Mutex
	files map[string]bool
}

// lockCloser hides all of an os.File's methods, except for Close.
type lockCloser struct {
	name string
	f    *os.File
}

func (l lockCloser) Close() error {
	lockedFiles.mu.Lock()
	delete(lockedFiles.files, l.name)
	lockedFiles.mu.Unlock()
	return l.f.Close()
}

func (defaultFS) Lock(name string) (io.Closer, error) {
	lockedFiles.mu.Lock()
	defer lockedFiles.mu.Unlock()
	if lockedFiles.files == nil {
		lockedFiles.files = map[string]bool{}
	}
	if lockedFiles.files[name] {
		return nil, errors.Wrapf(syscall.EAGAIN, "lock %s held by this process", errors.Safe(name))
	}

	f, err := os.OpenFile(name, os.O_RDWR|os.O_CREATE|syscall.O_CLOEXEC, 0644)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		f.Close()
		return nil, errors.Wrapf(err, "lock %s", errors.Safe(name))
	}
	lockedFiles.files[name] = true
	return lockCloser{name: name, f: f}, nil
}
