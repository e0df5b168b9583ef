// Copyright 2011 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package base

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"strconv"
	"unicode/utf8"
)

// Compare returns -1, 0, or +1 depending on whether a is 'less than', 'equal
// to' or 'greater than' b. The two arguments can only be 'equal' if their
// contents are exactly equal. Furthermore, the empty slice must be 'less than'
// any non-empty slice.
type Compare func(a, b []byte) int

// Equal returns true if a and b are equivalent.
type Equal func(a, b []byte) bool

// FormatKey returns a formatter for the user key.
type FormatKey func(key []byte) fmt.Formatter

// DefaultFormatter is the default implementation of user key formatting:
// non-ASCII data is formatted as escaped hexadecimal values.
var DefaultFormatter FormatKey = func(key []byte) fmt.Formatter {
	return FormatBytes(key)
}

// Separator is used to construct SSTable index blocks. A trivial
// implementation is `return append(dst, a...)`, but appending fewer bytes
// leads to smaller SSTables.
//
// Given keys a, b for which Compare(a, b) < 0, Separator produces a key k
// such that:
//
// 1. Compare(a, k) <= 0, and
// 2. Compare(k, b) < 0.
//
// For example, if a and b are the []byte equivalents of the strings "black"
// and "blue", then the function may append "blb" to dst.
type Separator func(dst, a, b []byte) []byte

// Successor appends to dst a shortened key k given a key a such that
// Compare(a, k) <= 0. A simple implementation may return a unchanged. The
// appended key k must be valid to pass to Compare.
type Successor func(dst, a []byte) []byte

// Comparer defines a total ordering over the space of []byte keys: a 'less
// than' relationship.
type Comparer struct {
	Compare   Compare
	Equal     Equal
	FormatKey FormatKey
	Separator Separator
	Successor Successor

	// Name is the name of the comparer.
	//
	// The on-disk format stores the comparer name, and opening a database
	// with a different comparer from the one it was created with will result
	// in an error.
	Name string
}

// EnsureDefaults ensures that all non-critical fields are set. If the
// comparer has no Equal or FormatKey a copy with defaults filled in is
// returned.
func (c *Comparer) EnsureDefaults() *Comparer {
	if c == nil {
		return DefaultComparer
	}
	if c.Equal != nil && c.FormatKey != nil && c.Separator != nil && c.Successor != nil {
		return c
	}
	n := &Comparer{}
	*n = *c
	if n.Equal == nil {
		cmp := n.Compare
		n.Equal = func(a, b []byte) bool { return cmp(a, b) == 0 }
	}
	if n.FormatKey == nil {
		n.FormatKey = DefaultFormatter
	}
	if n.Separator == nil {
		n.Separator = func(dst, a, _ []byte) []byte { return append(dst, a...) }
	}
	if n.Successor == nil {
		n.Successor = func(dst, a []byte) []byte { return append(dst, a...) }
	}
	return n
}

// DefaultComparer is the default implementation of the Comparer interface.
// It uses the natural ordering, consistent with bytes.Compare.
var DefaultComparer = &Comparer{
	Compare:   bytes.Compare,
	Equal:     bytes.Equal,
	FormatKey: DefaultFormatter,

	Separator: func(dst, a, b []byte) []byte {
		i, n := SharedPrefixLen(a, b), len(dst)
		dst = append(dst, a...)
		if i >= len(a) || i >= len(b) {
			// Do not shorten if one string is a prefix of the other.
			return dst
		}
		if c := a[i]; c < 0xff && c+1 < b[i] {
			dst[n+i]++
			return dst[:n+i+1]
		}
		return dst
	},

	Successor: func(dst, a []byte) []byte {
		for i := 0; i < len(a); i++ {
			if a[i] != 0xff {
				dst = append(dst, a[:i+1]...)
				dst[len(dst)-1]++
				return dst
			}
		}
		// a is a run of 0xffs, leave it alone.
		return append(dst, a...)
	},

	// This name is part of the C++ Level-DB implementation's default file
	// format, and should not be changed.
	Name: "leveldb.BytewiseComparator",
}

// SharedPrefixLen returns the largest i such that a[:i] equals b[:i].
// This function can be useful in implementing the Comparer interface.
func SharedPrefixLen(a, b []byte) int {
	i, n := 0, len(a)
	if n > len(b) {
		n = len(b)
	}
	asUint64 := func(c []byte, i int) uint64 {
		return binary.LittleEndian.Uint64(c[i:])
	}
	for i < n-7 && asUint64(a, i) == asUint64(b, i) {
		i += 8
	}
	for i < n && a[i] == b[i] {
		i++
	}
	return i
}

// FormatBytes formats a byte slice using hexadecimal escapes for non-ASCII
// data.
type FormatBytes []byte

const lowerhex = "0123456789abcdef"

// Format implements the fmt.Formatter interface.
func (p FormatBytes) Format(s fmt.State, c rune) {
	buf := make([]byte, 0, len(p))
	for _, b := range p {
		if b < utf8.RuneSelf && strconv.IsPrint(rune(b)) {
			buf = append(buf, b)
			continue
		}
		buf = append(buf, `\x`...)
		buf = append(buf, lowerhex[b>>4])
		buf = append(buf, lowerhex[b&0xF])
	}
	s.Write(buf)
}
