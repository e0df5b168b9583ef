// Copyright 2019 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package main

import (
	"bytes"
	"fmt"
	"testing"

	"github.com/lsmdb/lsmdb"
	"github.com/stretchr/testify/require"
)

func TestDBCommands(t *testing.T) {
	dir := t.TempDir()
	db, err := lsmdb.Open(dir, &lsmdb.Options{CreateIfMissing: true})
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		require.NoError(t, db.Set([]byte(fmt.Sprintf("k%d", i)), []byte(fmt.Sprintf("v%d", i)), nil))
	}
	require.NoError(t, db.Close())

	run := func(args ...string) string {
		var buf bytes.Buffer
		rootCmd.SetOut(&buf)
		rootCmd.SetArgs(args)
		require.NoError(t, rootCmd.Execute())
		return buf.String()
	}
	rootCmd.AddCommand(dbCmd)
	dbScanCmd.Flags().StringVar(&scanStart, "start", "", "")
	dbScanCmd.Flags().StringVar(&scanEnd, "end", "", "")
	dbScanCmd.Flags().IntVar(&scanLimit, "limit", 0, "")
	dbScanCmd.Flags().BoolVarP(&scanReverse, "reverse", "r", false, "")

	require.Equal(t, "v3\n", run("db", "get", dir, "k3"))
	run("db", "delete", dir, "k3")
	run("db", "set", dir, "k9", "v9")

	out := run("db", "scan", dir, "--start", "k1", "--end", "k9")
	require.Contains(t, out, `"k1"`)
	require.Contains(t, out, `"k4"`)
	require.NotContains(t, out, `"k3"`)
	require.NotContains(t, out, `"k9"`)
	require.Contains(t, out, "3 rows")

	out = run("db", "scan", dir, "--start", "", "--end", "", "--reverse", "--limit", "2")
	require.Contains(t, out, `"k9"`)
	require.Contains(t, out, `"k4"`)
	require.Contains(t, out, "2 rows")

	run("db", "compact", dir)
	out = run("db", "check", dir)
	require.Contains(t, out, "checked 5 points")

	out = run("db", "properties", dir)
	require.Contains(t, out, "leveldb.sstables:")
	require.Contains(t, out, "memtables")
}
