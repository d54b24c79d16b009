// Package cachelayout holds the builder's in-memory address-space data
// model (spec §3: Region, SubCache, DylibInfo, SegmentMapping) and the
// address assigner (C6) that populates it.
//
// Grounded on SharedCacheBuilder::SubCache / CacheBuilder::Region /
// CacheBuilder::DylibInfo (original_source/dyld/cache-builder/
// SharedCacheBuilder.h and CacheBuilder.h, reached via its forward
// declarations).
package cachelayout

import (
	"encoding/binary"
	"fmt"

	macho "github.com/blacktop/go-macho"

	"github.com/blacktop/dsc-builder/pkg/aslr"
)

// RegionKind names the coalesced region classes a dylib's segments land in
// (spec §2 "segment classification into TEXT / DATA / DATA_CONST /
// DATA_DIRTY / AUTH* / LINKEDIT").
type RegionKind int

const (
	RegionText RegionKind = iota
	RegionDataConst
	RegionData
	RegionAuth
	RegionAuthConst
	RegionDataDirty
	RegionLinkedit
	RegionCodeSignature
)

func (k RegionKind) String() string {
	switch k {
	case RegionText:
		return "__TEXT"
	case RegionDataConst:
		return "__DATA_CONST"
	case RegionData:
		return "__DATA"
	case RegionAuth:
		return "__AUTH"
	case RegionAuthConst:
		return "__AUTH_CONST"
	case RegionDataDirty:
		return "__DATA_DIRTY"
	case RegionLinkedit:
		return "__LINKEDIT"
	case RegionCodeSignature:
		return "__CODE_SIGNATURE"
	default:
		return fmt.Sprintf("RegionKind(%d)", int(k))
	}
}

// VMProt mirrors the Mach-O VM_PROT_* bits used for a Region's
// initial/max protection.
type VMProt uint32

const (
	ProtNone  VMProt = 0
	ProtRead  VMProt = 1 << 0
	ProtWrite VMProt = 1 << 1
	ProtExec  VMProt = 1 << 2
)

// Region is one contiguous-in-VM-and-file chunk of a SubCache (spec §3
// "Region").
type Region struct {
	Kind RegionKind
	Name string

	Buffer        []byte // post-vm_allocate backing store
	BufferSize    uint64
	SizeInUse     uint64
	UnslidAddress uint64
	FileOffset    uint64
	InitProt      VMProt
	MaxProt       VMProt
}

// Grow ensures the region's buffer can hold at least n bytes, zero-extending
// it. Used incrementally by the address assigner.
func (r *Region) Grow(n uint64) {
	if n <= uint64(len(r.Buffer)) {
		return
	}
	grown := make([]byte, n)
	copy(grown, r.Buffer)
	r.Buffer = grown
	if n > r.BufferSize {
		r.BufferSize = n
	}
}

// SegmentMapping records where one source-Mach-O segment landed (spec §3
// "SegmentMapping").
type SegmentMapping struct {
	SrcSegIndex int
	DstRegion   RegionKind
	DstOffset   uint64 // offset within the destination Region's buffer
	DstFileSize uint64 // bytes actually copied (may be < source vmsize, e.g. coalesced tails excised)
	DstVMSize   uint64 // bytes reserved in VM (>= DstFileSize for bss-like tails)
	SegName     string
}

// TextCoalesceRecord documents which string/constant sections of a dylib
// were deduplicated into the shared string pool during TEXT placement
// (spec §3 "text-coalescer record").
type TextCoalesceRecord struct {
	SectionName string
	SrcOffset   uint64
	SrcSize     uint64
}

// DylibInfo is one cached dylib's placement record (spec §3 "DylibInfo").
type DylibInfo struct {
	Input *macho.File // borrowed; owned by dylibinput

	InstallName string
	RuntimePath string

	Segments  []SegmentMapping
	Coalesced []TextCoalesceRecord

	// SubCacheIndex is the index into cachebuild's per-build sub-cache
	// slice of the sub-cache whose ASLR tracker owns this dylib's DATA
	// fixups.
	SubCacheIndex int

	// CacheIndex is this dylib's position in the sorted dylib list —
	// the index used throughout the patch table and trie.
	CacheIndex int

	IsOverridablePath bool
	HasWeakExports    bool
}

// SubCache is one output file's worth of regions (spec §3 "SubCache").
type SubCache struct {
	Text       Region
	Data       []Region // e.g. __DATA_CONST, __DATA, __AUTH, __AUTH_CONST, __DATA_DIRTY
	HasLinkedit bool
	Linkedit   Region

	// LinkeditDerivedOffset is where the 1MB pad reserved after every
	// dylib's own __LINKEDIT content begins (spec §4.4 step 7); C8/C9/C10
	// place the patch table, export tries, and slide info there.
	LinkeditDerivedOffset uint64
	CodeSig    Region

	// SlideInfoFileOffset/SlideInfoFileSize record where C10 placed this
	// sub-cache's encoded slide-info blob within Linkedit's derived pad,
	// for the header assembler's single flat MappingWithSlideInfo entry.
	SlideInfoFileOffset uint64
	SlideInfoFileSize   uint64

	ASLR *aslr.Tracker

	TextFirstDylib, TextNumDylibs         int
	DataFirstDylib, DataNumDylibs         int
	LinkeditFirstDylib, LinkeditNumDylibs int

	CDHashFirst  [20]byte
	CDHashSecond [20]byte
	UUID         [16]byte

	// AddPaddingAfterText / AddPaddingAfterData mirror the teacher's
	// per-SubCache padding-suppression flags (spec §4.3 split layout and
	// Open Question 1). Nothing sets or reads them: the address assigner
	// places regions back to back with no padding in every layout.
	AddPaddingAfterText bool
	AddPaddingAfterData bool

	RosettaReadOnlyAddr, RosettaReadOnlySize   uint64
	RosettaReadWriteAddr, RosettaReadWriteSize uint64
}

// DataRegion returns the Data region of the given kind, or nil.
func (s *SubCache) DataRegion(kind RegionKind) *Region {
	for i := range s.Data {
		if s.Data[i].Kind == kind {
			return &s.Data[i]
		}
	}
	return nil
}

// FirstDataRegion returns the earliest DATA region by address, or nil.
func (s *SubCache) FirstDataRegion() *Region {
	var best *Region
	for i := range s.Data {
		if best == nil || s.Data[i].UnslidAddress < best.UnslidAddress {
			best = &s.Data[i]
		}
	}
	return best
}

// LastDataRegion returns the latest DATA region by address, or nil.
func (s *SubCache) LastDataRegion() *Region {
	var best *Region
	for i := range s.Data {
		if best == nil || s.Data[i].UnslidAddress > best.UnslidAddress {
			best = &s.Data[i]
		}
	}
	return best
}

// DataRegionsTotalSize sums the buffer size of every DATA region.
func (s *SubCache) DataRegionsTotalSize() uint64 {
	var total uint64
	for _, d := range s.Data {
		total += d.BufferSize
	}
	return total
}

// HighestFileOffset returns the highest file offset at the end of this
// SubCache: the end of LINKEDIT if present, else the end of the last DATA
// region, else the end of TEXT.
func (s *SubCache) HighestFileOffset() uint64 {
	if s.HasLinkedit {
		return s.Linkedit.FileOffset + s.Linkedit.SizeInUse
	}
	if last := s.LastDataRegion(); last != nil {
		return last.FileOffset + last.SizeInUse
	}
	return s.Text.FileOffset + s.Text.SizeInUse
}

// HighestVMAddress mirrors HighestFileOffset but in address space.
func (s *SubCache) HighestVMAddress() uint64 {
	if s.HasLinkedit {
		return s.Linkedit.UnslidAddress + s.Linkedit.SizeInUse
	}
	if last := s.LastDataRegion(); last != nil {
		return last.UnslidAddress + last.SizeInUse
	}
	return s.Text.UnslidAddress + s.Text.SizeInUse
}

// DataBaseOffset returns the start of the given DATA-class region within
// the concatenated DATA-region offset space that the ASLR tracker and the
// slide-info encoder address (spec §3 "SubCache.Data is laid out back to
// back in VM and file order, dirty region first when present"). Fixup
// walking and slide-info both need this: a fixup's destination offset is
// expressed relative to a single region's buffer, but the tracker and
// encoder see one flat DATA address space spanning every region.
func (s *SubCache) DataBaseOffset(kind RegionKind) (uint64, bool) {
	var base uint64
	for i := range s.Data {
		if s.Data[i].Kind == kind {
			return base, true
		}
		base += s.Data[i].BufferSize
	}
	return 0, false
}

// dataRegionAt resolves a flat DATA-space offset back to its owning Region
// and the offset local to that region's buffer.
func (s *SubCache) dataRegionAt(offset uint64) (*Region, uint64, bool) {
	var base uint64
	for i := range s.Data {
		size := s.Data[i].BufferSize
		if offset < base+size {
			return &s.Data[i], offset - base, true
		}
		base += size
	}
	return nil, 0, false
}

// ReadDataWord reads the little-endian 64-bit word at the given flat
// DATA-space offset, or 0 if the offset falls outside every DATA region.
func (s *SubCache) ReadDataWord(offset uint64) uint64 {
	r, local, ok := s.dataRegionAt(offset)
	if !ok || local+8 > uint64(len(r.Buffer)) {
		return 0
	}
	return binary.LittleEndian.Uint64(r.Buffer[local : local+8])
}

// WriteDataWord writes v as a little-endian 64-bit word at the given flat
// DATA-space offset. A write past every DATA region is silently dropped;
// callers only ever address offsets the address assigner already reserved.
func (s *SubCache) WriteDataWord(offset uint64, v uint64) {
	r, local, ok := s.dataRegionAt(offset)
	if !ok || local+8 > uint64(len(r.Buffer)) {
		return
	}
	binary.LittleEndian.PutUint64(r.Buffer[local:local+8], v)
}

// AllRegions returns every region of the sub-cache in file-offset order:
// TEXT, DATA..., LINKEDIT, CodeSignature (spec §3 invariant).
func (s *SubCache) AllRegions() []*Region {
	out := make([]*Region, 0, 3+len(s.Data))
	out = append(out, &s.Text)
	for i := range s.Data {
		out = append(out, &s.Data[i])
	}
	if s.HasLinkedit {
		out = append(out, &s.Linkedit)
	}
	out = append(out, &s.CodeSig)
	return out
}
