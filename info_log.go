// Copyright 2019 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package lsmdb

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/lsmdb/lsmdb/internal/base"
	"github.com/lsmdb/lsmdb/vfs"
)

const infoLogTimeFormat = "2006/01/02-15:04:05.000000"

// infoLogger appends log messages to the LOG file of a DB directory and
// forwards them to another Logger.
type infoLogger struct {
	next Logger
	mu   struct {
		sync.Mutex
		f vfs.File
	}
}

var _ Logger = (*infoLogger)(nil)

// openInfoLog creates the LOG file in dirname, renaming an existing one to
// LOG.old.
func openInfoLog(fs vfs.FS, dirname string, next Logger) (*infoLogger, error) {
	if err := fs.MkdirAll(dirname, 0755); err != nil {
		return nil, err
	}
	name := base.MakeFilepath(fs, dirname, fileTypeInfoLog, 0)
	if vfs.Exists(fs, name) {
		oldName := base.MakeFilepath(fs, dirname, fileTypeOldInfoLog, 0)
		if err := fs.Rename(name, oldName); err != nil {
			return nil, err
		}
	}
	f, err := fs.Create(name)
	if err != nil {
		return nil, err
	}
	l := &infoLogger{next: next}
	l.mu.f = f
	return l, nil
}

func (l *infoLogger) output(format string, args ...interface{}) {
	var b strings.Builder
	b.WriteString(time.Now().Format(infoLogTimeFormat))
	b.WriteByte(' ')
	fmt.Fprintf(&b, format, args...)
	if !strings.HasSuffix(b.String(), "\n") {
		b.WriteByte('\n')
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.mu.f != nil {
		// Failing to write the LOG never fails an operation.
		_, _ = l.mu.f.Write([]byte(b.String()))
	}
}

// Infof implements the Logger interface.
func (l *infoLogger) Infof(format string, args ...interface{}) {
	l.output(format, args...)
	l.next.Infof(format, args...)
}

// Errorf implements the Logger interface.
func (l *infoLogger) Errorf(format string, args ...interface{}) {
	l.output(format, args...)
	l.next.Errorf(format, args...)
}

// Fatalf implements the Logger interface.
func (l *infoLogger) Fatalf(format string, args ...interface{}) {
	l.output(format, args...)
	l.close()
	l.next.Fatalf(format, args...)
}

// close syncs and closes the LOG file. Later messages only reach the next
// Logger.
func (l *infoLogger) close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.mu.f == nil {
		return nil
	}
	err := l.mu.f.Sync()
	err = firstError(err, l.mu.f.Close())
	l.mu.f = nil
	return err
}

// infoLogFileOnly logs to the LOG file alone. Events go through it so that
// they do not reach the next Logger twice.
type infoLogFileOnly struct {
	l *infoLogger
}

func (f infoLogFileOnly) Infof(format string, args ...interface{})  { f.l.output(format, args...) }
func (f infoLogFileOnly) Errorf(format string, args ...interface{}) { f.l.output(format, args...) }
func (f infoLogFileOnly) Fatalf(format string, args ...interface{}) { f.l.Fatalf(format, args...) }
