// Package sortevict implements deterministic dylib ordering and, on
// overflow, greedy leaf-dylib eviction (C4).
//
// Grounded on spec §4.2 and SharedCacheBuilder.h's makeSortedDylibs /
// evictLeafDylibs private methods.
package sortevict

import (
	"fmt"
	"sort"
	"strings"

	"github.com/apex/log"

	"github.com/blacktop/dsc-builder/pkg/dylibinput"
	"github.com/blacktop/dsc-builder/pkg/selfcontained"
)

// Ordering maps an install-name to its explicit rank (spec §4.2, also
// SPEC_FULL.md cacheconfig.Config.DylibOrdering). Absent entries sort last.
type Ordering map[string]int

// Sort returns survivors ordered by (explicit rank else +inf, "mac before
// Catalyst" bit, runtime path), the lexicographic key spec §4.2 names.
func Sort(survivors []*dylibinput.InputFile, order Ordering) []*dylibinput.InputFile {
	out := append([]*dylibinput.InputFile(nil), survivors...)
	sort.SliceStable(out, func(i, j int) bool {
		ri, rj := rank(out[i], order), rank(out[j], order)
		if ri != rj {
			return ri < rj
		}
		ci, cj := catalystBit(out[i]), catalystBit(out[j])
		if ci != cj {
			return ci < cj // mac (false) sorts before Catalyst (true)
		}
		return out[i].Path < out[j].Path
	})
	return out
}

func rank(d *dylibinput.InputFile, order Ordering) int {
	if r, ok := order[d.InstallName()]; ok {
		return r
	}
	return int(^uint(0) >> 1) // +inf
}

func catalystBit(d *dylibinput.InputFile) bool {
	return strings.Contains(d.InstallName(), "/System/iOSSupport/")
}

// TextVMSize returns the dylib's __TEXT vmsize, used by the overflow
// detector and the sub-cache planner.
func TextVMSize(d *dylibinput.InputFile) uint64 {
	if d.File == nil {
		return 0
	}
	if seg := d.File.Segment("__TEXT"); seg != nil {
		return seg.Memsz
	}
	return 0
}

// OverflowFunc reports whether the given ordered prefix of dylibs would
// overflow the current sub-cache plan. Supplied by the C5 planner so C4
// doesn't need to know sub-cache partitioning rules.
type OverflowFunc func(sorted []*dylibinput.InputFile) (overflowBytes uint64, overflow bool)

// EvictOnOverflow repeatedly evicts the heaviest unreferenced leaf dylib
// until overflows() reports no overflow, or returns an error if
// allowEviction is false (spec §4.2: `"cache overflow by NMB"`).
func EvictOnOverflow(sorted []*dylibinput.InputFile, overflows OverflowFunc, order Ordering, allowEviction bool) ([]*dylibinput.InputFile, []selfcontained.Eviction, error) {
	cur := append([]*dylibinput.InputFile(nil), sorted...)
	var evictions []selfcontained.Eviction

	for {
		overflowBytes, over := overflows(cur)
		if !over {
			return cur, evictions, nil
		}
		if !allowEviction {
			return cur, evictions, fmt.Errorf("cache overflow by %dMB", (overflowBytes+1024*1024-1)/(1024*1024))
		}

		refCount := reverseDependencyCounts(cur)
		leaf := pickHeaviestLeaf(cur, refCount, order)
		if leaf == nil {
			return cur, evictions, fmt.Errorf("cache overflow by %dMB and no evictable leaf remains", (overflowBytes+1024*1024-1)/(1024*1024))
		}

		evictions = append(evictions, selfcontained.Eviction{
			InstallName: leaf.InstallName(),
			Reason:      fmt.Sprintf("evicted leaf dylib '%s' to resolve cache overflow", leaf.InstallName()),
		})
		log.WithField("dylib", leaf.InstallName()).Warn("evicting leaf dylib to resolve overflow")
		cur = removeDylib(cur, leaf)
	}
}

func reverseDependencyCounts(dylibs []*dylibinput.InputFile) map[string]int {
	counts := make(map[string]int, len(dylibs))
	for _, d := range dylibs {
		counts[d.InstallName()] = 0
	}
	for _, d := range dylibs {
		if d.File == nil {
			continue
		}
		for _, dep := range d.File.ImportedLibraries() {
			if _, ok := counts[dep]; ok {
				counts[dep]++
			}
		}
	}
	return counts
}

// pickHeaviestLeaf selects a leaf (refcount == 0) that is either absent
// from the order file (preferring the largest TEXT) or has the highest
// order-file rank (preferring the one sorting last), per spec §4.2.
func pickHeaviestLeaf(dylibs []*dylibinput.InputFile, refCount map[string]int, order Ordering) *dylibinput.InputFile {
	var unordered []*dylibinput.InputFile
	var ordered []*dylibinput.InputFile

	for _, d := range dylibs {
		if refCount[d.InstallName()] != 0 {
			continue
		}
		if _, has := order[d.InstallName()]; has {
			ordered = append(ordered, d)
		} else {
			unordered = append(unordered, d)
		}
	}

	if len(unordered) > 0 {
		sort.Slice(unordered, func(i, j int) bool {
			return TextVMSize(unordered[i]) > TextVMSize(unordered[j])
		})
		return unordered[0]
	}
	if len(ordered) > 0 {
		sort.Slice(ordered, func(i, j int) bool {
			return order[ordered[i].InstallName()] > order[ordered[j].InstallName()]
		})
		return ordered[0]
	}
	return nil
}

func removeDylib(dylibs []*dylibinput.InputFile, victim *dylibinput.InputFile) []*dylibinput.InputFile {
	out := make([]*dylibinput.InputFile, 0, len(dylibs)-1)
	for _, d := range dylibs {
		if d != victim {
			out = append(out, d)
		}
	}
	return out
}
