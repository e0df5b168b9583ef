// Copyright 2011 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package base

import (
	"bytes"
	"fmt"
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDefAppendSeparator(t *testing.T) {
	testCases := []struct {
		a, b, want string
	}{
		// Examples from the doc comments.
		{"black", "blue", "blb"},
		{"green", "", "green"},
		// Non-empty b values. The C++ Level-DB code calls these separators.
		{"", "2", ""},
		{"1", "2", "1"},
		{"1", "29", "1"},
		{"13", "19", "14"},
		{"13", "99", "2"},
		{"135", "19", "14"},
		{"1357", "19", "14"},
		{"1357", "2", "1357"},
		{"13\xff", "14", "13\xff"},
		{"13\xff", "19", "14"},
		{"1\xff\xff", "19", "1\xff\xff"},
		{"1\xff\xff", "2", "1\xff\xff"},
		{"1\xff\xff", "9", "2"},
		// Whether b is a prefix of a does not matter.
		{"1357", "135", "1357"},
		{"1357", "13", "1357"},
		{"abc", "abc", "abc"},
	}
	for _, tc := range testCases {
		t.Run("", func(t *testing.T) {
			got := string(DefaultComparer.Separator(nil, []byte(tc.a), []byte(tc.b)))
			require.Equal(t, tc.want, got, "a=%q b=%q", tc.a, tc.b)
		})
	}
}

func TestDefAppendSuccessor(t *testing.T) {
	testCases := []struct {
		a, want string
	}{
		{"", ""},
		{"\xff", "\xff"},
		{"\xff\xff", "\xff\xff"},
		{"1", "2"},
		{"11", "2"},
		{"11\xff", "2"},
		{"1\xff", "2"},
		{"1\xff\xff", "2"},
		{"\xff1", "\xff2"},
		{"\xff11", "\xff2"},
		{"\xff\xff1", "\xff\xff2"},
	}
	for _, tc := range testCases {
		got := string(DefaultComparer.Successor(nil, []byte(tc.a)))
		require.Equal(t, tc.want, got, "a=%q", tc.a)
	}
}

func TestSeparatorProperties(t *testing.T) {
	rng := rand.New(rand.NewPCG(1, 2))
	randKey := func() []byte {
		b := make([]byte, rng.IntN(6))
		for i := range b {
			b[i] = "ab\x00\xff"[rng.IntN(4)]
		}
		return b
	}
	for i := 0; i < 10000; i++ {
		a, b := randKey(), randKey()
		if bytes.Compare(a, b) >= 0 {
			continue
		}
		sep := DefaultComparer.Separator(nil, a, b)
		require.LessOrEqual(t, bytes.Compare(a, sep), 0, "a=%q b=%q sep=%q", a, b, sep)
		require.Less(t, bytes.Compare(sep, b), 0, "a=%q b=%q sep=%q", a, b, sep)
	}
}

func TestSharedPrefixLen(t *testing.T) {
	testCases := []struct {
		a, b string
		n    int
	}{
		{"", "", 0},
		{"abc", "", 0},
		{"abc", "a", 1},
		{"abc", "abcdef", 3},
		{"0123456789abcdef", "0123456789abcdeX", 15},
		{"0123456789abcdef", "0123456789abcdef", 16},
	}
	for _, tc := range testCases {
		require.Equal(t, tc.n, SharedPrefixLen([]byte(tc.a), []byte(tc.b)))
		require.Equal(t, tc.n, SharedPrefixLen([]byte(tc.b), []byte(tc.a)))
	}
}

func TestComparerEnsureDefaults(t *testing.T) {
	require.Equal(t, DefaultComparer, (*Comparer)(nil).EnsureDefaults())
	c := (&Comparer{
		Compare: func(a, b []byte) int { return bytes.Compare(b, a) },
		Name:    "reverse",
	}).EnsureDefaults()
	require.True(t, c.Equal([]byte("x"), []byte("x")))
	require.False(t, c.Equal([]byte("x"), []byte("y")))
	require.Equal(t, "xyz", string(c.Separator(nil, []byte("xyz"), []byte("a"))))
	require.Equal(t, "xyz", string(c.Successor(nil, []byte("xyz"))))
	require.Equal(t, `a\xffb`, fmt.Sprint(c.FormatKey([]byte("a\xffb"))))
}
