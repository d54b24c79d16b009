package cachewriter

import (
	"os"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/blacktop/dsc-builder/pkg/cachelayout"
)

func TestSuffixForConvention(t *testing.T) {
	require.Equal(t, "", suffixFor(0, false))
	require.Equal(t, ".1", suffixFor(1, false))
	require.Equal(t, ".2", suffixFor(2, false))
	require.Equal(t, ".symbols", suffixFor(0, true))
}

func TestWriteSubCacheProducesReadOnlyFileAtExpectedOffsets(t *testing.T) {
	dir := t.TempDir()

	sc := &cachelayout.SubCache{
		Text: cachelayout.Region{Kind: cachelayout.RegionText, Name: "__TEXT", Buffer: []byte("hello"), SizeInUse: 5, FileOffset: 0},
		Data: []cachelayout.Region{
			{Kind: cachelayout.RegionData, Name: "__DATA", Buffer: []byte("world!"), SizeInUse: 6, FileOffset: 16},
		},
	}

	path, err := WriteSubCache(sc, 0, Options{Dir: dir, BaseName: "dyld_shared_cache_arm64e"})
	require.NoError(t, err)
	require.FileExists(t, path)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Equal(t, "hello", string(data[0:5]))
	require.Equal(t, "world!", string(data[16:22]))

	fi, err := os.Stat(path)
	require.NoError(t, err)
	require.EqualValues(t, 0444, fi.Mode().Perm())
}

func TestWriteAllNamesSuccessiveSubCaches(t *testing.T) {
	dir := t.TempDir()
	subCaches := []*cachelayout.SubCache{
		{Text: cachelayout.Region{Kind: cachelayout.RegionText, Name: "__TEXT", Buffer: []byte("a"), SizeInUse: 1}},
		{Text: cachelayout.Region{Kind: cachelayout.RegionText, Name: "__TEXT", Buffer: []byte("b"), SizeInUse: 1}},
	}
	paths, err := WriteAll(subCaches, Options{Dir: dir, BaseName: "dyld_shared_cache_arm64e"})
	require.NoError(t, err)
	require.Len(t, paths, 2)
	require.Contains(t, paths[0], "dyld_shared_cache_arm64e")
	require.Contains(t, paths[1], "dyld_shared_cache_arm64e.1")
}
