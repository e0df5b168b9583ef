// Copyright 2012 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package vfs

import (
	"io"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMemFSBasics(t *testing.T) {
	fs := NewMem()
	require.NoError(t, fs.MkdirAll("/db/sub", 0755))

	f, err := fs.Create("/db/a")
	require.NoError(t, err)
	_, err = f.Write([]byte("hello "))
	require.NoError(t, err)
	_, err = f.Write([]byte("world"))
	require.NoError(t, err)
	require.NoError(t, f.Sync())
	require.NoError(t, f.Close())

	got, err := ReadFile(fs, "/db/a")
	require.NoError(t, err)
	require.Equal(t, "hello world", string(got))

	r, err := fs.Open("/db/a")
	require.NoError(t, err)
	buf := make([]byte, 5)
	n, err := r.ReadAt(buf, 6)
	require.NoError(t, err)
	require.Equal(t, "world", string(buf[:n]))
	_, err = r.ReadAt(buf, 8)
	require.Equal(t, io.EOF, err)
	_, err = r.Write([]byte("x"))
	require.Error(t, err)
	require.NoError(t, r.Close())

	list, err := fs.List("/db")
	require.NoError(t, err)
	require.Equal(t, []string{"a", "sub"}, list)

	require.NoError(t, fs.Rename("/db/a", "/db/b"))
	require.False(t, Exists(fs, "/db/a"))
	info, err := fs.Stat("/db/b")
	require.NoError(t, err)
	require.EqualValues(t, 11, info.Size())
	require.False(t, info.IsDir())

	_, err = fs.Open("/db/missing")
	require.True(t, IsNotExist(err))
	require.True(t, IsNotExist(fs.Remove("/db/missing")))

	require.Error(t, fs.Remove("/db"))
	require.NoError(t, fs.RemoveAll("/db"))
	require.False(t, Exists(fs, "/db/b"))
}

func TestMemFSOpenForAppend(t *testing.T) {
	fs := NewMem()
	require.NoError(t, WriteFile(fs, "log", []byte("abc")))

	f, err := fs.OpenForAppend("log")
	require.NoError(t, err)
	_, err = f.Write([]byte("def"))
	require.NoError(t, err)
	require.NoError(t, f.Close())

	got, err := ReadFile(fs, "log")
	require.NoError(t, err)
	require.Equal(t, "abcdef", string(got))

	_, err = fs.OpenForAppend("missing")
	require.True(t, IsNotExist(err))
}

func TestMemFSLock(t *testing.T) {
	fs := NewMem()
	require.NoError(t, fs.MkdirAll("db", 0755))

	l1, err := fs.Lock("db/LOCK")
	require.NoError(t, err)
	_, err = fs.Lock("db/LOCK")
	require.Error(t, err)

	// A lock on another path is independent.
	l2, err := fs.Lock("db/OTHER")
	require.NoError(t, err)
	require.NoError(t, l2.Close())

	require.NoError(t, l1.Close())
	l3, err := fs.Lock("db/LOCK")
	require.NoError(t, err)
	require.NoError(t, l3.Close())

	// Locking in a directory that does not exist fails.
	_, err = fs.Lock("missing/LOCK")
	require.Error(t, err)
}

func TestMemFSString(t *testing.T) {
	fs := NewMem()
	require.NoError(t, fs.MkdirAll("foo/bar", 0755))
	require.NoError(t, WriteFile(fs, "foo/bar/x", []byte("12345")))
	require.NoError(t, WriteFile(fs, "foo/y", nil))

	want := "          /\n" +
		"            foo/\n" +
		"              bar/\n" +
		"       5        x\n" +
		"       0      y\n"
	require.Equal(t, want, fs.String())
}

func TestMemFSCrashClone(t *testing.T) {
	fs := NewStrictMem()
	require.NoError(t, fs.MkdirAll("db", 0755))

	write := func(name, data string, sync bool) {
		f, err := fs.OpenForAppend(name)
		if IsNotExist(err) {
			f, err = fs.Create(name)
		}
		require.NoError(t, err)
		_, err = f.Write([]byte(data))
		require.NoError(t, err)
		if sync {
			require.NoError(t, f.Sync())
		}
		require.NoError(t, f.Close())
	}
	syncDir := func() {
		d, err := fs.OpenDir("db")
		require.NoError(t, err)
		require.NoError(t, d.Sync())
		require.NoError(t, d.Close())
	}

	write("db/a", "synced", true)
	write("db/a", " unsynced", false)
	write("db/b", "never linked", true)

	// Neither file has been made durable in the directory.
	clone := fs.CrashClone()
	list, err := clone.List("db")
	require.NoError(t, err)
	require.Empty(t, list)

	syncDir()
	write("db/c", "after dir sync", true)
	require.NoError(t, fs.Remove("db/b"))

	clone = fs.CrashClone()
	list, err = clone.List("db")
	require.NoError(t, err)
	require.Equal(t, []string{"a", "b"}, list)
	got, err := ReadFile(clone, "db/a")
	require.NoError(t, err)
	require.Equal(t, "synced", string(got))

	// The source is unaffected.
	got, err = ReadFile(fs, "db/a")
	require.NoError(t, err)
	require.Equal(t, "synced unsynced", string(got))

	// A non-strict MemFS clones everything.
	clone = NewMem()
	require.NoError(t, clone.MkdirAll("x", 0755))
	f, err := clone.Create("x/y")
	require.NoError(t, err)
	_, err = f.Write([]byte("z"))
	require.NoError(t, err)
	require.NoError(t, f.Close())
	got, err = ReadFile(clone.CrashClone(), "x/y")
	require.NoError(t, err)
	require.Equal(t, "z", string(got))
}
