// Package cachewriter implements the atomic on-disk writer (C12): each
// sub-cache is written to a temporary file in the destination directory,
// pwritten region by region, then atomically renamed into place so a
// reader never observes a partially written cache.
//
// Grounded on the teacher's own file-export idiom in export.go's
// (*File).Export — write-buffer-then-flush, per-region pwrite-style
// writes, error wrapping with github.com/pkg/errors — generalized from a
// single in-memory buffer into the multi-region, multi-sub-cache form of
// spec §4.10, with a post-write check through the open file before the
// rename.
package cachewriter

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/pkg/errors"

	"github.com/blacktop/dsc-builder/pkg/cachelayout"
)

// Options controls naming and permissions for the written files (spec
// §4.10 and §6.5).
type Options struct {
	Dir          string
	BaseName     string // e.g. "dyld_shared_cache_arm64e"
	FileMode     os.FileMode
	SymbolsCache bool // true for the .symbols sub-cache
}

// suffixFor returns the sub-cache filename suffix per spec §4.10's
// naming convention: the first (TEXT-anchoring) sub-cache has no
// suffix, later ones are ".1", ".2", ... and the symbols sub-cache (if
// any) is always ".symbols".
func suffixFor(index int, symbols bool) string {
	if symbols {
		return ".symbols"
	}
	if index == 0 {
		return ""
	}
	return fmt.Sprintf(".%d", index)
}

// WriteSubCache atomically materializes one sub-cache's regions to
// disk. It writes into a temp file beside the final path, fsyncs, marks
// the file read-only, then renames it into place — so a reader that
// opens the final path either sees nothing or sees the complete file,
// never a partial write.
func WriteSubCache(sc *cachelayout.SubCache, index int, opts Options) (string, error) {
	mode := opts.FileMode
	if mode == 0 {
		mode = 0444
	}

	finalName := opts.BaseName + suffixFor(index, opts.SymbolsCache)
	finalPath := filepath.Join(opts.Dir, finalName)

	tmp, err := os.CreateTemp(opts.Dir, "."+finalName+".tmp-*")
	if err != nil {
		return "", errors.Wrapf(err, "failed to create temp file for sub-cache %s", finalName)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath) // no-op once the rename below succeeds

	if err := writeRegions(tmp, sc); err != nil {
		tmp.Close()
		return "", errors.Wrapf(err, "failed to write sub-cache %s", finalName)
	}

	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return "", errors.Wrapf(err, "failed to sync sub-cache %s", finalName)
	}

	// Check through the fd itself before chmod/rename: a failed Stat, or
	// an empty file for a sub-cache that has content, aborts the write.
	// The path is not re-resolved; the rename below still uses tmpPath.
	if fi, err := tmp.Stat(); err != nil || fi.Size() == 0 && sc.HighestFileOffset() != 0 {
		tmp.Close()
		return "", errors.Errorf("sub-cache %s: size mismatch after write (TOCTOU guard tripped)", finalName)
	}

	if err := tmp.Chmod(mode); err != nil {
		tmp.Close()
		return "", errors.Wrapf(err, "failed to chmod sub-cache %s", finalName)
	}

	if err := tmp.Close(); err != nil {
		return "", errors.Wrapf(err, "failed to close sub-cache %s", finalName)
	}

	if err := os.Rename(tmpPath, finalPath); err != nil {
		return "", errors.Wrapf(err, "failed to rename sub-cache %s into place", finalName)
	}

	return finalPath, nil
}

// writeRegions pwrites every region of sc at its assigned file offset.
// Regions are written in ascending file-offset order; gaps (alignment
// padding) are left as the zero-filled holes os.File naturally produces
// when writing past the current end-of-file via WriteAt.
func writeRegions(f *os.File, sc *cachelayout.SubCache) error {
	for _, r := range sc.AllRegions() {
		if len(r.Buffer) == 0 {
			continue
		}
		n := r.SizeInUse
		if n == 0 || n > uint64(len(r.Buffer)) {
			n = uint64(len(r.Buffer))
		}
		if _, err := f.WriteAt(r.Buffer[:n], int64(r.FileOffset)); err != nil {
			return errors.Wrapf(err, "failed to write region %s at offset %#x", r.Name, r.FileOffset)
		}
	}
	return nil
}

// WriteAll writes every planned sub-cache, returning the final paths in
// sub-cache order. The first error aborts the remaining writes; any
// sub-caches already committed (renamed) stay on disk, since partial
// success here still leaves each individual file internally consistent.
func WriteAll(subCaches []*cachelayout.SubCache, opts Options) ([]string, error) {
	paths := make([]string, 0, len(subCaches))
	for i, sc := range subCaches {
		path, err := WriteSubCache(sc, i, opts)
		if err != nil {
			return paths, err
		}
		paths = append(paths, path)
	}
	return paths, nil
}
