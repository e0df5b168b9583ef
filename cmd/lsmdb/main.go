// Copyright 2018 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

// The lsmdb command benchmarks and inspects lsmdb databases.
package main

import (
	"log"
	"os"
	"time"

	"github.com/spf13/cobra"
)

var (
	concurrency int
	duration    time.Duration
	optionsPath string
	verbose     bool
	wipe        bool
)

var rootCmd = &cobra.Command{
	Use:   "lsmdb [command] (flags)",
	Short: "lsmdb benchmarking/introspection tool",
	Long:  ``,
}

func main() {
	log.SetFlags(0)

	cobra.EnableCommandSorting = false
	rootCmd.AddCommand(benchCmd, dbCmd)
	rootCmd.PersistentFlags().StringVar(
		&optionsPath, "options", "", "YAML file holding the DB options")
	rootCmd.PersistentFlags().BoolVarP(
		&verbose, "verbose", "v", false, "enable verbose event logging")

	for _, cmd := range []*cobra.Command{benchWriteCmd, benchScanCmd, benchReadCmd} {
		cmd.Flags().IntVarP(
			&concurrency, "concurrency", "c", 1, "number of concurrent workers")
		cmd.Flags().DurationVarP(
			&duration, "duration", "d", 10*time.Second, "the duration to run")
		cmd.Flags().BoolVarP(
			&wipe, "wipe", "w", false, "wipe the database before starting")
		cmd.Flags().IntVar(
			&valueSize, "value", valueSize, "size of the values written")
		cmd.Flags().BoolVar(
			&syncWrites, "sync", false, "sync every write to the WAL")
	}
	benchWriteCmd.Flags().IntVar(
		&writeBatch, "batch", writeBatch, "number of keys written in each batch")
	benchScanCmd.Flags().BoolVarP(
		&scanReverse, "reverse", "r", false, "reverse scan")
	benchScanCmd.Flags().IntVar(
		&scanRows, "rows", scanRows, "number of rows to scan in each operation")
	for _, cmd := range []*cobra.Command{benchScanCmd, benchReadCmd} {
		cmd.Flags().IntVar(
			&preloadKeys, "keys", preloadKeys, "number of keys loaded before the run")
	}

	dbScanCmd.Flags().StringVar(&scanStart, "start", "", "first key to scan (inclusive)")
	dbScanCmd.Flags().StringVar(&scanEnd, "end", "", "last key to scan (exclusive)")
	dbScanCmd.Flags().IntVar(&scanLimit, "limit", 0, "maximum number of rows (0 means unlimited)")
	dbScanCmd.Flags().BoolVarP(&scanReverse, "reverse", "r", false, "scan in reverse order")
	dbCompactCmd.Flags().StringVar(&scanStart, "start", "", "first key of the range (inclusive)")
	dbCompactCmd.Flags().StringVar(&scanEnd, "end", "", "last key of the range (inclusive)")

	if err := rootCmd.Execute(); err != nil {
		// Cobra has already printed the error message.
		os.Exit(1)
	}
}
