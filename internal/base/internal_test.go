// Copyright 2011 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package base

import (
	"bytes"
	"fmt"
	"testing"

	"github.com/cockroachdb/redact"
	"github.com/stretchr/testify/require"
)

func (k InternalKey) encodedString() string {
	buf := make([]byte, k.Size())
	k.Encode(buf)
	return string(buf)
}

func TestInvalidInternalKey(t *testing.T) {
	testCases := []string{
		"",
		"\x01\x02\x03\x04\x05\x06\x07",
		"foo",
		"foo\x08\x07\x06\x05\x04\x03\x02",
		"foo\x02\x07\x06\x05\x04\x03\x02\x01",
	}
	for _, tc := range testCases {
		k := DecodeInternalKey([]byte(tc))
		require.False(t, k.Valid(), "%q is a valid key", tc)
	}
}

func TestInternalKeyEncodeDecode(t *testing.T) {
	k := MakeInternalKey([]byte("foo"), 7, InternalKeyKindSet)
	enc := k.encodedString()
	require.Equal(t, "foo\x01\x07\x00\x00\x00\x00\x00\x00", enc)
	d := DecodeInternalKey([]byte(enc))
	require.True(t, d.Valid())
	require.Equal(t, k, d)
	require.Equal(t, enc, string(k.Append(nil)))
	require.Equal(t, SeqNum(7), d.SeqNum())
	require.Equal(t, InternalKeyKindSet, d.Kind())
}

func TestInternalKeyComparer(t *testing.T) {
	// keys are some internal keys, in sorted order.
	keys := []string{
		// The empty key is a valid user key.
		"" + "\x01\xff\xff\xff\xff\xff\xff\xff",
		"" + "\x00\xff\xff\xff\xff\xff\xff\xff",
		"" + "\x01\x01\x00\x00\x00\x00\x00\x00",
		"" + "\x00\x01\x00\x00\x00\x00\x00\x00",
		"" + "\x01\x00\x00\x00\x00\x00\x00\x00",
		"" + "\x00\x00\x00\x00\x00\x00\x00\x00",
		"\x00" + "\x00\x00\x00\x00\x00\x00\x00\x00",
		"\x00blue" + "\x01\x11\x00\x00\x00\x00\x00\x00",
		"bl\x00ue" + "\x01\x11\x00\x00\x00\x00\x00\x00",
		"blue" + "\x01\x11\x00\x00\x00\x00\x00\x00",
		"blue\x00" + "\x01\x11\x00\x00\x00\x00\x00\x00",
		"green" + "\x01\x11\x00\x00\x00\x00\x00\x00",
		"red" + "\x01\xff\xff\xff\xff\xff\xff\xff",
		"red" + "\x01\x72\x73\x74\x75\x76\x77\x78",
		"red" + "\x01\x00\x00\x00\x00\x00\x00\x11",
		"red" + "\x01\x00\x00\x00\x00\x00\x11\x00",
		"red" + "\x01\x00\x00\x00\x00\x11\x00\x00",
		"red" + "\x01\x00\x00\x00\x11\x00\x00\x00",
		"red" + "\x01\x00\x00\x11\x00\x00\x00\x00",
		"red" + "\x01\x00\x11\x00\x00\x00\x00\x00",
		"red" + "\x01\x11\x00\x00\x00\x00\x00\x00",
		"red" + "\x00\x11\x00\x00\x00\x00\x00\x00",
		"red" + "\x00\x00\x00\x00\x00\x00\x00\x00",
		"\xfe" + "\x01\xff\xff\xff\xff\xff\xff\xff",
		"\xfe" + "\x00\x00\x00\x00\x00\x00\x00\x00",
		"\xff" + "\x01\xff\xff\xff\xff\xff\xff\xff",
		"\xff" + "\x00\x00\x00\x00\x00\x00\x00\x00",
		"\xff\x40" + "\x01\xff\xff\xff\xff\xff\xff\xff",
		"\xff\x40" + "\x00\x00\x00\x00\x00\x00\x00\x00",
		"\xff\xff" + "\x01\xff\xff\xff\xff\xff\xff\xff",
		"\xff\xff" + "\x00\x00\x00\x00\x00\x00\x00\x00",
	}
	c := DefaultComparer.Compare
	for i := range keys {
		for j := range keys {
			ik := DecodeInternalKey([]byte(keys[i]))
			jk := DecodeInternalKey([]byte(keys[j]))
			got := InternalCompare(c, ik, jk)
			want := 0
			if i < j {
				want = -1
			} else if i > j {
				want = +1
			}
			require.Equal(t, want, got, "i=%d, j=%d, keys[i]=%q, keys[j]=%q", i, j, keys[i], keys[j])
		}
	}
}

func TestInternalKeySeparator(t *testing.T) {
	testCases := []struct {
		a        string
		b        string
		expected string
	}{
		{"foo.SET.100", "foo.SET.99", "foo.SET.100"},
		{"foo.SET.100", "foo.SET.100", "foo.SET.100"},
		{"foo.SET.100", "foo.DEL.100", "foo.SET.100"},
		{"foo.SET.100", "foo.SET.101", "foo.SET.100"},
		{"foo.SET.100", "bar.SET.99", "foo.SET.100"},
		{"foo.SET.100", "hello.SET.200", "g.SET.inf"},
		{"ABC1AAAAA.SET.100", "ABC2ABB.SET.200", "ABC1AAAAA.SET.100"},
		{"AAA1AAA.SET.100", "AAA2AA.SET.200", "AAA1AAA.SET.100"},
		{"AAA1AAA.SET.100", "AAA4.SET.200", "AAA2.SET.inf"},
		{"AAA1AAA.SET.100", "AAA2.SET.200", "AAA1AAA.SET.100"},
		{"AAA1AAA.SET.100", "AAA2AAA.SET.200", "AAA1AAA.SET.100"},
		{"foo", "foobar", "foo.SET.0"},
	}
	d := DefaultComparer
	for _, c := range testCases {
		t.Run("", func(t *testing.T) {
			a := parseDottedKey(c.a)
			b := parseDottedKey(c.b)
			result := a.Separator(d.Compare, d.Separator, nil, b)
			require.Equal(t, c.expected, dotted(result))
		})
	}
}

func TestInternalKeySuccessor(t *testing.T) {
	d := DefaultComparer
	k := MakeInternalKey([]byte("abc"), 5, InternalKeyKindSet)
	require.Equal(t, "b#inf,SET", k.Successor(d.Compare, d.Successor, nil).String())
	k = MakeInternalKey([]byte("\xff\xff"), 5, InternalKeyKindSet)
	require.Equal(t, k, k.Successor(d.Compare, d.Successor, nil))
}

func TestInternalKeyString(t *testing.T) {
	k := MakeInternalKey([]byte("a\x00b"), 12, InternalKeyKindDelete)
	require.Equal(t, `a\x00b#12,DEL`, k.String())
	require.Equal(t, "‹a\\x00b›#12,DEL", string(redact.Sprint(k)))
	require.Equal(t, "k#inf,SET", MakeSearchKey([]byte("k")).String())
	require.Equal(t, k, ParseInternalKey(`a`+"\x00"+`b#12,DEL`))
	require.Equal(t, "UNKNOWN:7", InternalKeyKind(7).String())
}

func TestCopyFrom(t *testing.T) {
	var k InternalKey
	k.CopyFrom(MakeInternalKey([]byte("hello"), 3, InternalKeyKindSet))
	src := []byte("hi")
	k.CopyFrom(MakeInternalKey(src, 4, InternalKeyKindDelete))
	src[0] = 'x'
	require.Equal(t, "hi#4,DEL", k.String())
}

// parseDottedKey parses keys of the form "<user-key>.<kind>.<seqnum>".
func parseDottedKey(s string) InternalKey {
	x := bytes.Split([]byte(s), []byte("."))
	if len(x) != 3 {
		return MakeInternalKey(x[0], 0, InternalKeyKindSet)
	}
	return MakeInternalKey(x[0], ParseSeqNum(string(x[2])), ParseKind(string(x[1])))
}

func dotted(k InternalKey) string {
	return fmt.Sprintf("%s.%s.%s", k.UserKey, k.Kind(), k.SeqNum())
}
