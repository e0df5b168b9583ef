// Copyright 2019 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package main

import (
	"os"

	"github.com/cockroachdb/errors"
	"github.com/goccy/go-yaml"
	"github.com/lsmdb/lsmdb"
	"github.com/lsmdb/lsmdb/bloom"
	"github.com/lsmdb/lsmdb/internal/compression"
)

// optionsFile is the YAML representation of lsmdb.Options. Zero values leave
// the corresponding option at its default.
type optionsFile struct {
	BlockRestartInterval    int    `yaml:"block_restart_interval"`
	BlockSize               int    `yaml:"block_size"`
	BloomBitsPerKey         int    `yaml:"bloom_bits_per_key"`
	CacheSize               int64  `yaml:"cache_size"`
	Compression             string `yaml:"compression"`
	L0CompactionThreshold   int    `yaml:"l0_compaction_threshold"`
	L0SlowdownWritesTrigger int    `yaml:"l0_slowdown_writes_trigger"`
	L0StopWritesTrigger     int    `yaml:"l0_stop_writes_trigger"`
	MaxFileSize             int64  `yaml:"max_file_size"`
	MaxOpenFiles            int    `yaml:"max_open_files"`
	ParanoidChecks          bool   `yaml:"paranoid_checks"`
	ReuseLogs               bool   `yaml:"reuse_logs"`
	TargetByteDeletionRate  int    `yaml:"target_byte_deletion_rate"`
	WriteBufferSize         int    `yaml:"write_buffer_size"`
}

// parseOptions decodes a YAML options file. Unknown fields are rejected.
func parseOptions(data []byte) (*lsmdb.Options, error) {
	var f optionsFile
	if err := yaml.UnmarshalWithOptions(data, &f, yaml.DisallowUnknownField()); err != nil {
		return nil, errors.Wrap(err, "parsing options")
	}
	opts := &lsmdb.Options{
		BlockRestartInterval:    f.BlockRestartInterval,
		BlockSize:               f.BlockSize,
		CacheSize:               f.CacheSize,
		L0CompactionThreshold:   f.L0CompactionThreshold,
		L0SlowdownWritesTrigger: f.L0SlowdownWritesTrigger,
		L0StopWritesTrigger:     f.L0StopWritesTrigger,
		MaxFileSize:             f.MaxFileSize,
		MaxOpenFiles:            f.MaxOpenFiles,
		ParanoidChecks:          f.ParanoidChecks,
		ReuseLogs:               f.ReuseLogs,
		TargetByteDeletionRate:  f.TargetByteDeletionRate,
		WriteBufferSize:         f.WriteBufferSize,
	}
	if f.Compression != "" {
		c, ok := compression.ParseAlgorithm(f.Compression)
		if !ok {
			return nil, errors.Errorf("unknown compression %q", f.Compression)
		}
		opts.Compression = c
	}
	if f.BloomBitsPerKey > 0 {
		opts.FilterPolicy = bloom.FilterPolicy(f.BloomBitsPerKey)
	}
	return opts, nil
}

// loadOptions returns the options for opening a DB: those of the --options
// file if one was given, with logging set up according to --verbose.
func loadOptions() (*lsmdb.Options, error) {
	opts := &lsmdb.Options{}
	if optionsPath != "" {
		data, err := os.ReadFile(optionsPath)
		if err != nil {
			return nil, err
		}
		if opts, err = parseOptions(data); err != nil {
			return nil, errors.Wrapf(err, "%s", optionsPath)
		}
	}
	if verbose {
		opts.EventListener = lsmdb.MakeLoggingEventListener(lsmdb.DefaultLogger{})
	}
	return opts, nil
}
