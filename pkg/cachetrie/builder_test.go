package cachetrie

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/blacktop/go-macho/pkg/trie"
)

func TestBuildWalkRoundTrip(t *testing.T) {
	entries := []Entry{
		{Key: "/usr/lib/libSystem.B.dylib", Value: 0},
		{Key: "/usr/lib/libobjc.A.dylib", Value: 1},
		{Key: "/usr/lib/system/libdyld.dylib", Value: 2},
		{Key: "/usr/lib/system/libxpc.dylib", Value: 3},
		{Key: "/System/Library/Frameworks/Foundation.framework/Foundation", Value: 4},
	}

	data := Build(entries)
	require.NotEmpty(t, data)

	for _, e := range entries {
		off, err := trie.WalkTrie(data, e.Key)
		require.NoError(t, err, "key %q", e.Key)

		r := bytes.NewReader(data)
		r.Seek(int64(off), 0)
		got, err := trie.ReadUleb128(r)
		require.NoError(t, err)
		require.Equal(t, e.Value, got, "key %q", e.Key)
	}
}

func TestBuildMissingKey(t *testing.T) {
	data := Build([]Entry{{Key: "/usr/lib/libSystem.B.dylib", Value: 7}})
	_, err := trie.WalkTrie(data, "/usr/lib/libnope.dylib")
	require.Error(t, err)
}

func TestBuildDuplicateKeyLastWins(t *testing.T) {
	data := Build([]Entry{
		{Key: "/usr/lib/libfoo.dylib", Value: 1},
		{Key: "/usr/lib/libfoo.dylib", Value: 9},
	})
	off, err := trie.WalkTrie(data, "/usr/lib/libfoo.dylib")
	require.NoError(t, err)

	r := bytes.NewReader(data)
	r.Seek(int64(off), 0)
	got, err := trie.ReadUleb128(r)
	require.NoError(t, err)
	require.EqualValues(t, 9, got)
}
