// Copyright 2019 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package main

import (
	"fmt"
	"io"
	"strconv"

	"github.com/lsmdb/lsmdb"
	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
)

var (
	scanStart   string
	scanEnd     string
	scanLimit   int
	scanReverse bool
)

var dbCmd = &cobra.Command{
	Use:   "db",
	Short: "DB introspection tools",
}

var dbGetCmd = &cobra.Command{
	Use:   "get <dir> <key>",
	Short: "print the value of a key",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withDB(args[0], func(db *lsmdb.DB) error {
			value, err := db.Get([]byte(args[1]))
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s\n", value)
			return nil
		})
	},
}

var dbSetCmd = &cobra.Command{
	Use:   "set <dir> <key> <value>",
	Short: "set the value of a key",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withDB(args[0], func(db *lsmdb.DB) error {
			return db.Set([]byte(args[1]), []byte(args[2]), lsmdb.Sync)
		})
	},
}

var dbDeleteCmd = &cobra.Command{
	Use:   "delete <dir> <key>",
	Short: "delete a key",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withDB(args[0], func(db *lsmdb.DB) error {
			return db.Delete([]byte(args[1]), lsmdb.Sync)
		})
	},
}

var dbScanCmd = &cobra.Command{
	Use:   "scan <dir>",
	Short: "print the key/value pairs of a range",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withDB(args[0], func(db *lsmdb.DB) error {
			return runScan(cmd.OutOrStdout(), db)
		})
	},
}

var dbPropertiesCmd = &cobra.Command{
	Use:   "properties <dir>",
	Short: "print the DB stats, tables and metrics",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withDB(args[0], func(db *lsmdb.DB) error {
			w := cmd.OutOrStdout()
			for _, name := range []string{"leveldb.stats", "leveldb.sstables"} {
				value, _ := db.GetProperty(name)
				fmt.Fprintf(w, "%s:\n%s\n", name, value)
			}
			fmt.Fprint(w, db.Metrics())
			return nil
		})
	},
}

var dbCompactCmd = &cobra.Command{
	Use:   "compact <dir>",
	Short: "compact a range of the DB",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withDB(args[0], func(db *lsmdb.DB) error {
			return db.Compact(optionalKey(scanStart), optionalKey(scanEnd))
		})
	},
}

var dbCheckCmd = &cobra.Command{
	Use:   "check <dir>",
	Short: "verify the checksums and level ordering of every table",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withDB(args[0], func(db *lsmdb.DB) error {
			var stats lsmdb.CheckLevelsStats
			if err := db.CheckLevels(&stats); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "checked %d points in %d tables\n",
				stats.NumPoints, stats.NumTables)
			return nil
		})
	},
}

func init() {
	dbCmd.AddCommand(dbGetCmd, dbSetCmd, dbDeleteCmd, dbScanCmd,
		dbPropertiesCmd, dbCompactCmd, dbCheckCmd)
}

func optionalKey(s string) []byte {
	if s == "" {
		return nil
	}
	return []byte(s)
}

// withDB opens the existing DB at dir, runs fn and closes the DB.
func withDB(dir string, fn func(db *lsmdb.DB) error) (err error) {
	opts, err := loadOptions()
	if err != nil {
		return err
	}
	db, err := lsmdb.Open(dir, opts)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := db.Close(); err == nil {
			err = cerr
		}
	}()
	return fn(db)
}

// runScan renders the key/value pairs within [--start, --end) as a table.
func runScan(w io.Writer, db *lsmdb.DB) error {
	iter := db.NewIter(&lsmdb.IterOptions{
		LowerBound: optionalKey(scanStart),
		UpperBound: optionalKey(scanEnd),
	})
	tbl := tablewriter.NewWriter(w)
	tbl.SetHeader([]string{"Key", "Value"})
	tbl.SetAutoWrapText(false)
	var n int
	valid := iter.First
	step := iter.Next
	if scanReverse {
		valid, step = iter.Last, iter.Prev
	}
	for ok := valid(); ok && (scanLimit <= 0 || n < scanLimit); ok = step() {
		tbl.Append([]string{
			strconv.Quote(string(iter.Key())),
			strconv.Quote(string(iter.Value())),
		})
		n++
	}
	if err := iter.Close(); err != nil {
		return err
	}
	tbl.Render()
	fmt.Fprintf(w, "%d rows\n", n)
	return nil
}
