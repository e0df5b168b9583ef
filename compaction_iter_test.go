// Copyright 2018 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package lsmdb

import (
	"fmt"
	"strings"
	"testing"

	"github.com/cockroachdb/datadriven"
	"github.com/lsmdb/lsmdb/internal/base"
	"github.com/stretchr/testify/require"
)

func TestCompactionIter(t *testing.T) {
	var entries []string

	datadriven.RunTest(t, "testdata/compaction_iter", func(t *testing.T, td *datadriven.TestData) string {
		switch td.Cmd {
		case "define":
			entries = entries[:0]
			for _, line := range strings.Split(td.Input, "\n") {
				if line = strings.TrimSpace(line); line != "" {
					entries = append(entries, line)
				}
			}
			return ""

		case "iter":
			snapshot := base.SeqNumMax
			elide := make(map[string]bool)
			for _, arg := range td.CmdArgs {
				switch arg.Key {
				case "snapshot":
					snapshot = base.ParseSeqNum(arg.Vals[0])
				case "elide":
					for _, v := range arg.Vals {
						elide[v] = true
					}
				default:
					td.Fatalf(t, "unknown arg: %s", arg.Key)
				}
			}

			iter := newCompactionIter(DefaultComparer.Compare, newFakeIterator(nil, entries...), snapshot,
				func(key []byte) bool { return elide[string(key)] })
			var b strings.Builder
			for valid := iter.First(); valid; valid = iter.Next() {
				fmt.Fprintf(&b, "%s:%s\n", iter.Key(), iter.Value())
			}
			require.False(t, iter.Valid())
			require.NoError(t, iter.Close())
			fmt.Fprintf(&b, "dropped=%d\n", iter.dropped)
			return b.String()

		default:
			return fmt.Sprintf("unknown command: %s", td.Cmd)
		}
	})
}
