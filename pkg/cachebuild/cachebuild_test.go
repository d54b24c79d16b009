package cachebuild

import (
	"os"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"

	"github.com/blacktop/dsc-builder/pkg/codesign"

	"github.com/blacktop/dsc-builder/pkg/cacheconfig"
)

func TestOutputDirAndBaseSplitOnLastSlash(t *testing.T) {
	require.Equal(t, "/tmp/cache", outputDir("/tmp/cache/dyld_shared_cache_arm64e"))
	require.Equal(t, "dyld_shared_cache_arm64e", outputBase("/tmp/cache/dyld_shared_cache_arm64e"))
	require.Equal(t, ".", outputDir("dyld_shared_cache_arm64e"))
}

func TestToCodesignDigestMapsEveryMode(t *testing.T) {
	require.Equal(t, codesign.DigestSHA256Only, toCodesignDigest(cacheconfig.DigestSHA256Only))
	require.Equal(t, codesign.DigestSHA1Only, toCodesignDigest(cacheconfig.DigestSHA1Only))
	require.Equal(t, codesign.DigestAgile, toCodesignDigest(cacheconfig.DigestAgile))
}

func TestIdentifierForAppendsSubCacheIndexAndSuffix(t *testing.T) {
	cfg := cacheconfig.Config{OptimizeStubs: true}
	require.Equal(t, "com.apple.dyld.cache.release", identifierFor(cfg, 0))
	require.Equal(t, "com.apple.dyld.cache.1.release", identifierFor(cfg, 1))
}

func TestIsOverridableConsultsConfig(t *testing.T) {
	b := Builder{Config: cacheconfig.Config{OverridablePaths: map[string]bool{
		"/usr/lib/system/libdispatch.dylib": true,
	}}}
	require.True(t, b.isOverridable("/usr/lib/system/libdispatch.dylib"))
	require.False(t, b.isOverridable("/usr/lib/libobjc.A.dylib"))
}

// TestBuildEmptyInputIsDeterministic exercises the whole pipeline (C2
// through C12) with zero candidate dylibs: a degenerate but entirely
// legal build (an empty TEXT sub-cache that still carries a header,
// an empty patch table and export trie, and a valid ad-hoc signature),
// and checks two independent runs against the same empty input produce
// byte-identical sub-cache files.
func TestBuildEmptyInputIsDeterministic(t *testing.T) {
	dirA, dirB := t.TempDir(), t.TempDir()

	build := func(dir string) *Result {
		builder := Builder{
			Config:   cacheconfig.Config{OutputFilePath: dir + "/dyld_shared_cache_x86_64"},
			ArchName: "x86_64",
		}
		res, err := builder.Build(nil)
		require.NoError(t, err)
		require.Len(t, res.SubCachePaths, 1)
		require.Empty(t, res.Warnings())
		require.Empty(t, res.Evictions())
		return res
	}

	resA := build(dirA)
	resB := build(dirB)

	bytesA, err := os.ReadFile(resA.SubCachePaths[0])
	require.NoError(t, err)
	bytesB, err := os.ReadFile(resB.SubCachePaths[0])
	require.NoError(t, err)

	if diff := cmp.Diff(bytesA, bytesB); diff != "" {
		t.Errorf("two builds of the same empty input produced different bytes (-A +B):\n%s", diff)
	}
}
