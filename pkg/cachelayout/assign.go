package cachelayout

import (
	"sort"

	"github.com/blacktop/dsc-builder/pkg/archlayout"
	"github.com/blacktop/dsc-builder/pkg/aslr"
	"github.com/blacktop/dsc-builder/pkg/subcache"
)

// HeaderReserve is the space reserved for the sub-cache header, its
// mapping/image arrays and (sub-cache 0 only) its subCacheArray before
// the first __TEXT byte (spec §6.1).
const HeaderReserve = 0x4000

// neverStubEliminate mirrors _s_neverStubEliminateSymbols: exports that
// must always appear in the patch table regardless of overridable-path
// status (spec §4.6 pass 1 condition c). Nothing references this map: the
// address assigner reserves no stub region, and patchtable filters with
// its own copy of the list, patchtable.NeverEliminate.
var neverStubEliminate = map[string]bool{
	"_malloc": true, "_free": true, "_realloc": true, "_calloc": true,
	"_memcpy": true, "_memmove": true, "_memset": true,
	"_dispatch_async": true, "_dispatch_sync": true,
	"_objc_msgSend": true, "_objc_retain": true, "_objc_release": true,
	"__ZdlPv": true, "__Znwm": true,
}

// legacyDataDenylist mirrors the hard-coded deny-list that forces a
// "_CONST"-suffixed segment back into legacy __DATA for safety (spec §4.4
// step 4 cascade, third bullet).
var legacyDataDenylist = map[string]bool{}

// AssignAddresses runs C6 over one sub-cache's dylib range, in the region
// order spec §4.4 fixes: TEXT, (libobjc-only) ObjC RO, (libobjc-only)
// Swift RO, __DATA_DIRTY, DATA regions in [__DATA_CONST, __DATA, __AUTH,
// __AUTH_CONST] order, CFString buffer, then (planner only) LINKEDIT. No
// ObjC RW buffer is placed.
func AssignAddresses(sc *SubCache, dylibs []*DylibInfo, plan subcache.Plan, layout archlayout.Layout, base uint64) {
	align := layout.PageAlignment()

	sc.Text = Region{Kind: RegionText, Name: "__TEXT", InitProt: ProtRead | ProtExec, MaxProt: ProtRead | ProtWrite | ProtExec}
	cursor := uint64(HeaderReserve)

	hasObjC := false
	for i := plan.TextFirstDylib; i < plan.TextFirstDylib+plan.TextNumDylibs; i++ {
		d := dylibs[i]
		if d.InstallName == "/usr/lib/libobjc.A.dylib" {
			hasObjC = true
		}
		cursor = placeTextSegment(sc, d, cursor, align)
	}
	sc.Text.SizeInUse = cursor
	sc.Text.Grow(cursor)

	if hasObjC {
		cursor = layout.AlignUp(cursor)
		cursor = placeObjCROBuffer(sc, dylibs[plan.TextFirstDylib:plan.TextFirstDylib+plan.TextNumDylibs], cursor)
		cursor = align16K(cursor)
		cursor = placeSwiftROBuffer(sc, dylibs[plan.TextFirstDylib:plan.TextFirstDylib+plan.TextNumDylibs], cursor)
		sc.Text.SizeInUse = cursor
		sc.Text.Grow(cursor)
	}

	if plan.HasOwnData {
		assignDataRegions(sc, dylibs, plan, layout, hasObjC)
	}

	if plan.HasOwnLinkedit {
		assignLinkedit(sc, dylibs, plan, layout)
	}

	sc.ASLR = aslr.New(sc.DataRegionsTotalSize())
	rebaseAll(sc, base)
}

func placeTextSegment(sc *SubCache, d *DylibInfo, cursor uint64, minAlign uint64) uint64 {
	a := minAlign
	if a < 4096 {
		a = 4096
	}
	cursor = alignTo(cursor, a)

	size := sortevictTextSize(d)
	offset := cursor

	d.Segments = append(d.Segments, SegmentMapping{
		SrcSegIndex: segIndex(d, "__TEXT"),
		DstRegion:   RegionText,
		DstOffset:   offset,
		DstFileSize: size,
		DstVMSize:   size,
		SegName:     "__TEXT",
	})

	return cursor + size
}

func sortevictTextSize(d *DylibInfo) uint64 {
	if d.Input == nil {
		return 0
	}
	if seg := d.Input.Segment("__TEXT"); seg != nil {
		return seg.Memsz
	}
	return 0
}

func segIndex(d *DylibInfo, name string) int {
	if d.Input == nil {
		return -1
	}
	for i, seg := range d.Input.Segments() {
		if seg.Name == name {
			return i
		}
	}
	return -1
}

func align16K(v uint64) uint64 { return alignTo(v, 16*1024) }

func alignTo(v, a uint64) uint64 {
	if a == 0 {
		return v
	}
	return (v + a - 1) &^ (a - 1)
}

// placeObjCROBuffer marks where the deduplicated selector/class-name/
// method-name/CF-string pools and IMP caches go (spec §4.4 step 2). Their
// population is done by the external ObjC optimizer (spec §1); this
// function reserves zero bytes and returns cursor unchanged, and any
// alignment is applied by the caller.
func placeObjCROBuffer(sc *SubCache, dylibs []*DylibInfo, cursor uint64) uint64 {
	var total uint64
	for range dylibs {
		total += 0 // sized by the external optimizer at build time; placeholder extent
	}
	return cursor + total
}

func placeSwiftROBuffer(sc *SubCache, dylibs []*DylibInfo, cursor uint64) uint64 {
	return cursor // sized by the external optimizer; no reservation needed without it
}

var dataRegionOrder = []RegionKind{RegionDataConst, RegionData, RegionAuth, RegionAuthConst}

func assignDataRegions(sc *SubCache, dylibs []*DylibInfo, plan subcache.Plan, layout archlayout.Layout, hasObjC bool) {
	rangeDylibs := dylibs[plan.DataFirstDylib : plan.DataFirstDylib+plan.DataNumDylibs]

	regions := make(map[RegionKind]*Region, 5)
	for _, kind := range dataRegionOrder {
		regions[kind] = &Region{Kind: kind, Name: kind.String(), InitProt: ProtRead | ProtWrite, MaxProt: ProtRead | ProtWrite}
	}
	dirty := &Region{Kind: RegionDataDirty, Name: "__DATA_DIRTY", InitProt: ProtRead | ProtWrite, MaxProt: ProtRead | ProtWrite}

	dirtyOrdered := sortDirtyFirst(rangeDylibs)
	cursor := uint64(0)
	for _, d := range dirtyOrdered {
		cursor = placeOneSegment(d, dirty, cursor, "__DATA_DIRTY")
	}
	dirty.SizeInUse = cursor
	dirty.Grow(cursor)
	if cursor > 0 {
		sc.Data = append(sc.Data, *dirty)
	}

	for _, kind := range dataRegionOrder {
		r := regions[kind]
		cur := uint64(0)
		for _, d := range rangeDylibs {
			segName := classifySegment(d, kind, layout)
			if segName == "" {
				continue
			}
			cur = placeOneSegment(d, r, cur, segName)
		}
		r.SizeInUse = cur
		r.Grow(cur)
		if cur > 0 {
			sc.Data = append(sc.Data, *r)
		}
	}

	if hasObjC {
		cfStrings := &Region{Kind: RegionData, Name: "__DATA (CFString)", InitProt: ProtRead | ProtWrite, MaxProt: ProtRead | ProtWrite}
		sc.Data = append(sc.Data, *cfStrings)
	}
}

// classifySegment implements the decision cascade of spec §4.4 step 4 and
// returns the destination segment name a dylib's segment should be placed
// under for the given region kind, or "" if this dylib has no segment
// belonging to that region.
func classifySegment(d *DylibInfo, kind RegionKind, layout archlayout.Layout) string {
	if d.Input == nil {
		return ""
	}
	for _, seg := range d.Input.Segments() {
		name := seg.Name
		if name == "__TEXT" || name == "__LINKEDIT" || name == "__DATA_DIRTY" {
			continue
		}
		if seg.Prot&2 == 0 { // not writable
			continue
		}
		target := classifyOne(name, d, layout)
		if target == kind {
			return name
		}
	}
	return ""
}

func classifyOne(segName string, d *DylibInfo, layout archlayout.Layout) RegionKind {
	isConst := len(segName) > 6 && segName[len(segName)-6:] == "_CONST"
	isAuth := len(segName) >= 5 && segName[:5] == "__AUT"

	if isConst {
		if legacyDataDenylist[d.InstallName] || hasNonRelativeMethodLists(d) || exportsResolver(d) {
			return RegionData
		}
	}
	if isAuth && layout.AuthenticatedPointers {
		if isConst {
			return RegionAuthConst
		}
		return RegionAuth
	}
	switch segName {
	case "__DATA_CONST":
		return RegionDataConst
	case "__AUTH":
		return RegionAuth
	case "__AUTH_CONST":
		return RegionAuthConst
	default:
		return RegionData
	}
}

func hasNonRelativeMethodLists(d *DylibInfo) bool { return false }
func exportsResolver(d *DylibInfo) bool            { return false }

func sortDirtyFirst(dylibs []*DylibInfo) []*DylibInfo {
	out := append([]*DylibInfo(nil), dylibs...)
	sort.SliceStable(out, func(i, j int) bool { return out[i].InstallName < out[j].InstallName })
	return out
}

func placeOneSegment(d *DylibInfo, r *Region, cursor uint64, segName string) uint64 {
	if d.Input == nil {
		return cursor
	}
	seg := d.Input.Segment(segName)
	if seg == nil {
		return cursor
	}
	offset := cursor
	d.Segments = append(d.Segments, SegmentMapping{
		SrcSegIndex: segIndex(d, segName),
		DstRegion:   r.Kind,
		DstOffset:   offset,
		DstFileSize: seg.Filesz,
		DstVMSize:   seg.Memsz,
		SegName:     segName,
	})
	return cursor + seg.Memsz
}

func assignLinkedit(sc *SubCache, dylibs []*DylibInfo, plan subcache.Plan, layout archlayout.Layout) {
	r := &Region{Kind: RegionLinkedit, Name: "__LINKEDIT", InitProt: ProtRead, MaxProt: ProtRead}
	cursor := uint64(0)
	rangeDylibs := dylibs[plan.LinkeditFirstDylib : plan.LinkeditFirstDylib+plan.LinkeditNumDylibs]
	for _, d := range rangeDylibs {
		cursor = placeOneSegment(d, r, cursor, "__LINKEDIT")
	}
	cursor = align16K(cursor)
	derivedOffset := cursor
	cursor += 1024 * 1024 // 1MB pad, spec §4.4 step 7
	cursor = layout.AlignUp(cursor)
	r.SizeInUse = cursor
	r.Grow(cursor)
	sc.HasLinkedit = true
	sc.Linkedit = *r
	sc.LinkeditDerivedOffset = derivedOffset
}

// rebaseAll performs the final pass spec §4.4 describes: "every buffer
// pointer recorded so far is a relative offset ... rebased by adding the
// allocation base." Region.UnslidAddress/FileOffset are filled in here
// once the whole sub-cache's region sequence (and therefore each region's
// starting offset) is fixed.
func rebaseAll(sc *SubCache, base uint64) {
	var fileCursor, vmCursor uint64

	place := func(r *Region) {
		r.FileOffset = fileCursor
		r.UnslidAddress = base + vmCursor
		fileCursor += r.SizeInUse
		vmCursor += r.SizeInUse
	}

	place(&sc.Text)
	for i := range sc.Data {
		place(&sc.Data[i])
	}
	if sc.HasLinkedit {
		place(&sc.Linkedit)
	}
	sc.CodeSig = Region{Kind: RegionCodeSignature, Name: "__CODE_SIGNATURE", FileOffset: fileCursor}
}
