// Package subcache implements the sub-cache planner (C5): it partitions
// the sorted dylib list into sub-caches honoring the TEXT-size limit and
// the arch's DATA/LINKEDIT layout mode.
//
// Grounded on spec §4.3 and SharedCacheBuilder.h's computeSubCaches.
package subcache

import (
	"github.com/blacktop/dsc-builder/pkg/archlayout"
	"github.com/blacktop/dsc-builder/pkg/dylibinput"
	"github.com/blacktop/dsc-builder/pkg/sortevict"
)

// Plan is one sub-cache's dylib-index range within the sorted list (spec
// §3 SubCache's [first,first+num) ranges, minus the parts only the
// address assigner can fill in).
type Plan struct {
	TextFirstDylib, TextNumDylibs int

	// HasOwnData/HasOwnLinkedit say whether this plan owns a DATA and/or
	// LINKEDIT range distinct from the TEXT range (split layout assigns
	// these to separate synthetic plans instead).
	HasOwnData     bool
	DataFirstDylib int
	DataNumDylibs  int

	HasOwnLinkedit     bool
	LinkeditFirstDylib int
	LinkeditNumDylibs  int

	// IsDataOnly / IsLinkeditOnly mark the two synthetic trailing plans of
	// a split-layout cache (spec §4.3 "Split layout").
	IsDataOnly     bool
	IsLinkeditOnly bool
}

// libobjcIndex returns the index of libobjc.A.dylib in sorted, or -1.
func libobjcIndex(sorted []*dylibinput.InputFile) int {
	for i, d := range sorted {
		if d.InstallName() == "/usr/lib/libobjc.A.dylib" {
			return i
		}
	}
	return -1
}

// Plan partitions sorted into TEXT-budget-respecting sub-caches, then
// applies the arch's DATA/LINKEDIT layout mode.
//
// totalCacheSizeEstimate is an advisory estimate (TEXT + DATA + LINKEDIT,
// pre-layout) used only to pick "per-sub-cache LINKEDIT" vs "last
// sub-cache owns all LINKEDIT" in the non-split mode (spec §4.3 "if total
// cache ≤ 4 GB").
func Plan(sorted []*dylibinput.InputFile, layout archlayout.Layout, totalCacheSizeEstimate uint64) []Plan {
	var plans []Plan

	objcIdx := libobjcIndex(sorted)
	limit := layout.SubCacheTextLimit

	start := 0
	var accum uint64
	for i, d := range sorted {
		sz := sortevict.TextVMSize(d)
		if i == objcIdx {
			// ObjC/Swift RO buffer sizing is computed by the address
			// assigner once the sub-cache boundary is known; the planner
			// only needs to keep libobjc from crossing a boundary
			// prematurely, so its own TEXT size is all that's counted
			// here.
		}
		if limit != 0 && accum+sz > limit && i > start {
			plans = append(plans, Plan{TextFirstDylib: start, TextNumDylibs: i - start})
			start = i
			accum = 0
		}
		accum += sz
	}
	plans = append(plans, Plan{TextFirstDylib: start, TextNumDylibs: len(sorted) - start})

	if layout.UseSplitCacheLayout {
		for i := range plans {
			plans[i].HasOwnData = false
			plans[i].HasOwnLinkedit = false
		}
		plans = append(plans, Plan{IsDataOnly: true, HasOwnData: true, DataFirstDylib: 0, DataNumDylibs: len(sorted)})
		plans = append(plans, Plan{IsLinkeditOnly: true, HasOwnLinkedit: true, LinkeditFirstDylib: 0, LinkeditNumDylibs: len(sorted)})
		return plans
	}

	const fourGB = uint64(4) * 1024 * 1024 * 1024
	lastOwnsAllLinkedit := totalCacheSizeEstimate <= fourGB

	for i := range plans {
		plans[i].HasOwnData = true
		plans[i].DataFirstDylib = plans[i].TextFirstDylib
		plans[i].DataNumDylibs = plans[i].TextNumDylibs

		if lastOwnsAllLinkedit {
			plans[i].HasOwnLinkedit = (i == len(plans)-1)
		} else {
			plans[i].HasOwnLinkedit = true
			plans[i].LinkeditFirstDylib = plans[i].TextFirstDylib
			plans[i].LinkeditNumDylibs = plans[i].TextNumDylibs
		}
	}
	if lastOwnsAllLinkedit {
		last := len(plans) - 1
		plans[last].LinkeditFirstDylib = 0
		plans[last].LinkeditNumDylibs = len(sorted)
	}

	return plans
}
