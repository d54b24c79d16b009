// Package cacheformat defines the bit-exact on-disk struct layout of a
// sub-cache file header and its trailing arrays, per spec §6.1-§6.3.
//
// Grounded on original_source/dyld/common/DyldSharedCache.h's field
// accessors (unslidLoadAddress, mappedSize, numSubCaches, imagesCount,
// patchInfoVersion, forEachSlideInfo, getCodeSignAddress, ...), which
// name the fields this header packs, and on the teacher's own
// load-command Write idiom (cmds.go: fixed-size struct, binary.Write
// against an explicit byte order) for how to serialize it.
package cacheformat

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// Magic is the fixed 15-byte, space-padded "dyld_v1" prefix followed by
// the architecture name, NUL-terminated, spec §6.1.
func Magic(archName string) [16]byte {
	var m [16]byte
	copy(m[:], "dyld_v1")
	for i := 7; i < 15; i++ {
		m[i] = ' '
	}
	copy(m[7:15], fmt.Sprintf("%8s", archName))
	m[15] = 0
	return m
}

// MappingInfo is one {address, size, fileOffset, maxProt, initProt}
// record in the mappingOffset array.
type MappingInfo struct {
	Address    uint64
	Size       uint64
	FileOffset uint64
	MaxProt    uint32
	InitProt   uint32
}

const (
	MappingFlagAuthData  = 1
	MappingFlagDirtyData = 2
	MappingFlagConstData = 4
)

// MappingWithSlideInfo extends MappingInfo with the region's slide-info
// location and flag bits (spec §6.1).
type MappingWithSlideInfo struct {
	Address           uint64
	Size              uint64
	FileOffset        uint64
	SlideInfoFileOffset uint64
	SlideInfoFileSize   uint64
	Flags             uint64
	MaxProt           uint32
	InitProt          uint32
}

// ImageInfo is one imagesOffset array entry: a cached dylib or alias.
type ImageInfo struct {
	Address        uint64
	ModTime        uint64
	Inode          uint64
	PathFileOffset uint32
	Pad            uint32
}

// ImageTextInfo is one imagesTextOffset array entry.
type ImageTextInfo struct {
	UUID            [16]byte
	LoadAddress     uint64
	TextSegmentSize uint32
	PathOffset      uint32
}

// SubCacheEntry is one subCacheArrayOffset trailing entry (only present
// in the first sub-cache's header).
type SubCacheEntry struct {
	UUID          [16]byte
	CacheVMOffset uint64
}

const (
	FormatVersion = 1

	FlagDylibsExpectedOnDisk    = 1 << 0
	FlagSimulator               = 1 << 1
	FlagLocallyBuiltCache       = 1 << 2
	FlagBuiltFromChainedFixups = 1 << 3
)

// Header is the fixed-size portion of a sub-cache file header, spec
// §6.1. Variable-length arrays (mappings, images, patch info, tries,
// sub-cache entries) are appended immediately after, at the offsets
// this struct records.
type Header struct {
	Magic [16]byte

	MappingOffset uint32
	MappingCount  uint32

	MappingWithSlideOffset uint32
	MappingWithSlideCount  uint32

	ImagesOffset uint32
	ImagesCount  uint32

	ImagesTextOffset uint32
	ImagesTextCount  uint32

	PatchInfoAddr uint32
	PatchInfoSize uint32

	DylibsTrieAddr uint32
	DylibsTrieSize uint32

	ProgramTrieAddr uint32
	ProgramTrieSize uint32

	DylibsPBLSetAddr      uint64
	ProgramsPBLSetPoolAddr uint64
	ProgramsPBLSetPoolSize uint64

	SubCacheArrayOffset uint32
	SubCacheArrayCount  uint32

	CodeSignatureOffset uint64
	CodeSignatureSize   uint64

	LocalSymbolsOffset uint64
	LocalSymbolsSize   uint64

	UUID           [16]byte
	SymbolFileUUID [16]byte

	Platform      uint8
	FormatVersion uint8
	Flags         uint8
	_pad0         uint8

	SharedRegionStart uint64
	SharedRegionSize  uint64
	MaxSlide          uint64

	RosettaReadOnlyAddr  uint64
	RosettaReadOnlySize  uint64
	RosettaReadWriteAddr uint64
	RosettaReadWriteSize uint64

	OSVersion    uint64
	AltPlatform  uint32
	_pad1        uint32
	AltOSVersion uint64
}

// Write serializes h in little-endian form (dyld caches are always
// little-endian regardless of host byte order, since every supported
// architecture — x86_64, arm64, arm64e — is little-endian).
func (h *Header) Write(buf *bytes.Buffer) error {
	return binary.Write(buf, binary.LittleEndian, h)
}

// WriteMappingInfos appends a mappingOffset array in order.
func WriteMappingInfos(buf *bytes.Buffer, infos []MappingInfo) error {
	for _, m := range infos {
		if err := binary.Write(buf, binary.LittleEndian, m); err != nil {
			return fmt.Errorf("failed to write mapping info: %w", err)
		}
	}
	return nil
}

// WriteMappingWithSlideInfos appends a mappingWithSlideOffset array.
func WriteMappingWithSlideInfos(buf *bytes.Buffer, infos []MappingWithSlideInfo) error {
	for _, m := range infos {
		if err := binary.Write(buf, binary.LittleEndian, m); err != nil {
			return fmt.Errorf("failed to write mapping-with-slide info: %w", err)
		}
	}
	return nil
}

// WriteImageInfos appends an imagesOffset array.
func WriteImageInfos(buf *bytes.Buffer, infos []ImageInfo) error {
	for _, i := range infos {
		if err := binary.Write(buf, binary.LittleEndian, i); err != nil {
			return fmt.Errorf("failed to write image info: %w", err)
		}
	}
	return nil
}

// WriteImageTextInfos appends an imagesTextOffset array.
func WriteImageTextInfos(buf *bytes.Buffer, infos []ImageTextInfo) error {
	for _, i := range infos {
		if err := binary.Write(buf, binary.LittleEndian, i); err != nil {
			return fmt.Errorf("failed to write image-text info: %w", err)
		}
	}
	return nil
}

// WriteSubCacheEntries appends the first sub-cache's trailing
// subCacheArrayOffset array.
func WriteSubCacheEntries(buf *bytes.Buffer, entries []SubCacheEntry) error {
	for _, e := range entries {
		if err := binary.Write(buf, binary.LittleEndian, e); err != nil {
			return fmt.Errorf("failed to write sub-cache entry: %w", err)
		}
	}
	return nil
}

// PatchInfoV2 is the fixed header preceding the six parallel patch-table
// arrays (spec §6.2), bit-exact with original_source's
// dyld_cache_patch_info_v2.
type PatchInfoV2 struct {
	PatchTableVersion  uint32
	PatchLocationVersion uint32

	PatchTableArrayAddr  uint64
	PatchTableArrayCount uint64

	PatchImageExportsArrayAddr  uint64
	PatchImageExportsArrayCount uint64

	PatchClientsArrayAddr  uint64
	PatchClientsArrayCount uint64

	PatchClientExportsArrayAddr  uint64
	PatchClientExportsArrayCount uint64

	PatchLocationArrayAddr  uint64
	PatchLocationArrayCount uint64

	PatchExportNamesAddr uint64
	PatchExportNamesSize uint64
}

// NewPatchInfoV2 fills in the fixed version fields; callers set the
// addr/count fields once the patch table's arrays have been placed.
func NewPatchInfoV2() PatchInfoV2 {
	return PatchInfoV2{PatchTableVersion: 2, PatchLocationVersion: 0}
}

func (p *PatchInfoV2) Write(buf *bytes.Buffer) error {
	return binary.Write(buf, binary.LittleEndian, p)
}

// SlideInfoVersionHeader reads just the leading version field so a
// caller can dispatch to the right typed header.
type SlideInfoVersionHeader struct {
	Version uint32
}

// SlideInfoV2Header is spec §6.3's V2 layout; V4 reuses this shape with
// Version=4 and a different end-bit convention applied by the slideinfo
// package, not by this header.
type SlideInfoV2Header struct {
	Version          uint32
	PageSize         uint32
	DeltaMask        uint64
	ValueAdd         uint64
	PageStartsOffset uint32
	PageStartsCount  uint32
	PageExtrasOffset uint32
	PageExtrasCount  uint32
}

func (h *SlideInfoV2Header) Write(buf *bytes.Buffer) error {
	return binary.Write(buf, binary.LittleEndian, h)
}

// SlideInfoV3Header is spec §6.3's V3 layout (arm64e chained fixups).
type SlideInfoV3Header struct {
	Version        uint32
	PageSize       uint32
	PageStartsCount uint32
	AuthValueAdd   uint64
}

func (h *SlideInfoV3Header) Write(buf *bytes.Buffer) error {
	return binary.Write(buf, binary.LittleEndian, h)
}
