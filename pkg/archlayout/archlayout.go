// Package archlayout supplies the compile-time table mapping a CPU
// architecture name to the address-space and layout constants a shared
// cache build needs for that architecture.
//
// Grounded on SharedCacheBuilder::ArchLayout / _s_archLayout
// (original_source/dyld/cache-builder/SharedCacheBuilder.h).
package archlayout

import "fmt"

// Layout is the immutable per-architecture address-space and layout
// description (spec §3 "ArchLayout").
type Layout struct {
	Name string

	SharedMemoryStart uint64
	SharedMemorySize  uint64

	// SubCacheTextLimit is the TEXT-size budget for one sub-cache. Zero
	// means "never split: one sub-cache holds all TEXT".
	SubCacheTextLimit uint64

	SharedRegionPadding uint64
	PointerDeltaMask    uint64

	CodeSigningPageSize uint16

	SharedRegionAlignmentP2 uint8
	SlideInfoBytesPerPage  uint8

	// SharedRegionsAreDiscontiguous marks architectures (e.g. watchOS
	// armv7k) whose VM layout is not a single contiguous range.
	SharedRegionsAreDiscontiguous bool
	Is64                          bool
	UseValueAdd                   bool
	// UseSplitCacheLayout selects the split layout described in spec §4.3:
	// all DATA in one appended sub-cache, all LINKEDIT in a final one.
	UseSplitCacheLayout bool

	// AuthenticatedPointers is true for arm64e-family architectures whose
	// chained fixups carry PAC authentication metadata (spec §4.8 V3).
	AuthenticatedPointers bool
}

const pageSize4K = 4096
const pageSize16K = 16384

// table is the compile-time constant array of supported architectures. Its
// entries are not sorted by arch name; lookups scan it in order.
var table = []Layout{
	{
		Name:                    "x86_64",
		SharedMemoryStart:       0x00007FFF00000000,
		SharedMemorySize:        0x40000000,
		SubCacheTextLimit:       0, // single sub-cache
		SharedRegionPadding:     0x08000000,
		PointerDeltaMask:        0x00FFFFFFFFFFFFFF,
		CodeSigningPageSize:     pageSize4K,
		SharedRegionAlignmentP2: 12,
		SlideInfoBytesPerPage:   2,
		Is64:                    true,
		UseValueAdd:             true,
	},
	{
		Name:                    "x86_64h",
		SharedMemoryStart:       0x00007FFF00000000,
		SharedMemorySize:        0x40000000,
		SubCacheTextLimit:       0,
		SharedRegionPadding:     0x08000000,
		PointerDeltaMask:        0x00FFFFFFFFFFFFFF,
		CodeSigningPageSize:     pageSize4K,
		SharedRegionAlignmentP2: 12,
		SlideInfoBytesPerPage:   2,
		Is64:                    true,
		UseValueAdd:             true,
	},
	{
		Name:                    "arm64",
		SharedMemoryStart:       0x180000000,
		SharedMemorySize:        0x100000000,
		SubCacheTextLimit:       0x40000000,
		SharedRegionPadding:     0x04000000,
		PointerDeltaMask:        0x00FFFFFFFFFFFFFF,
		CodeSigningPageSize:     pageSize16K,
		SharedRegionAlignmentP2: 14,
		SlideInfoBytesPerPage:   2,
		Is64:                    true,
		UseValueAdd:             false,
	},
	{
		Name:                    "arm64e",
		SharedMemoryStart:       0x180000000,
		SharedMemorySize:        0x100000000,
		SubCacheTextLimit:       0x40000000,
		SharedRegionPadding:     0x04000000,
		PointerDeltaMask:        0x00FFFFFFFFFFFFFF,
		CodeSigningPageSize:     pageSize16K,
		SharedRegionAlignmentP2: 14,
		SlideInfoBytesPerPage:   8,
		Is64:                    true,
		UseValueAdd:             false,
		UseSplitCacheLayout:     true,
		AuthenticatedPointers:   true,
	},
	{
		Name:                          "armv7k",
		SharedMemoryStart:             0x1A000000,
		SharedMemorySize:              0x28000000,
		SubCacheTextLimit:             0,
		SharedRegionPadding:           0x01000000,
		PointerDeltaMask:              0x0, // 32-bit: no in-situ delta, side table only
		CodeSigningPageSize:           pageSize4K,
		SharedRegionAlignmentP2:       14,
		SlideInfoBytesPerPage:         2,
		Is64:                          false,
		SharedRegionsAreDiscontiguous: true,
	},
	{
		Name:                    "arm64_32",
		SharedMemoryStart:       0x1800000000,
		SharedMemorySize:        0x100000000,
		SubCacheTextLimit:       0,
		SharedRegionPadding:     0x04000000,
		PointerDeltaMask:        0x0,
		CodeSigningPageSize:     pageSize16K,
		SharedRegionAlignmentP2: 14,
		SlideInfoBytesPerPage:   2,
		Is64:                    false,
	},
}

// Lookup returns the Layout for archName, or an error if the architecture is
// not recognized (spec §7 "Configuration: unsupported arch name").
func Lookup(archName string) (Layout, error) {
	for _, l := range table {
		if l.Name == archName {
			return l, nil
		}
	}
	return Layout{}, fmt.Errorf("unsupported architecture: %q", archName)
}

// PageAlignment returns 1<<SharedRegionAlignmentP2.
func (l Layout) PageAlignment() uint64 {
	return 1 << l.SharedRegionAlignmentP2
}

// AlignUp rounds v up to the architecture's shared-region alignment.
func (l Layout) AlignUp(v uint64) uint64 {
	a := l.PageAlignment()
	return (v + a - 1) &^ (a - 1)
}
