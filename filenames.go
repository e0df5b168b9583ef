// Copyright 2012 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package lsmdb

import (
	"fmt"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/lsmdb/lsmdb/internal/base"
	"github.com/lsmdb/lsmdb/vfs"
)

// setCurrentFile atomically points CURRENT at the given manifest: the new
// contents are written to a temp file which is synced and renamed over
// CURRENT, and the directory is then synced.
func setCurrentFile(dirname string, fs vfs.FS, fileNum FileNum) error {
	newFilename := base.MakeFilepath(fs, dirname, fileTypeCurrent, fileNum)
	oldFilename := base.MakeFilepath(fs, dirname, fileTypeTemp, fileNum)
	_ = fs.Remove(oldFilename)
	contents := fmt.Sprintf("%s\n", base.MakeFilename(fileTypeManifest, fileNum))
	if err := vfs.WriteFile(fs, oldFilename, []byte(contents)); err != nil {
		_ = fs.Remove(oldFilename)
		return err
	}
	if err := fs.Rename(oldFilename, newFilename); err != nil {
		_ = fs.Remove(oldFilename)
		return err
	}
	return syncDir(fs, dirname)
}

// readCurrentFile returns the manifest file number named by CURRENT.
func readCurrentFile(dirname string, fs vfs.FS) (FileNum, error) {
	current := base.MakeFilepath(fs, dirname, fileTypeCurrent, 0)
	b, err := vfs.ReadFile(fs, current)
	if err != nil {
		return 0, errors.Wrapf(err, "lsmdb: could not read CURRENT file for DB %q", dirname)
	}
	s := string(b)
	if len(s) == 0 || s[len(s)-1] != '\n' {
		return 0, base.CorruptionErrorf("lsmdb: CURRENT file for DB %q is malformed", dirname)
	}
	s = strings.TrimSuffix(s, "\n")
	typ, fileNum, ok := base.ParseFilename(fs, s)
	if !ok || typ != fileTypeManifest {
		return 0, base.CorruptionErrorf("lsmdb: CURRENT file for DB %q names %q, not a MANIFEST", dirname, s)
	}
	return fileNum, nil
}

func syncDir(fs vfs.FS, dirname string) error {
	d, err := fs.OpenDir(dirname)
	if err != nil {
		return err
	}
	if err := d.Sync(); err != nil {
		_ = d.Close()
		return err
	}
	return d.Close()
}
