// header.go assembles C9/C10's output plus the fixed-size cache header
// (spec §6.1) into each sub-cache's TEXT header reserve and LINKEDIT
// derived-data pad, and drives the codesign "key twist" (spec §4.9): the
// UUID and the code-signature size are both functions of the signed
// bytes, so each is written as zero, the sub-cache is signed once to
// learn the real value, the header is patched in place, and only page 0
// is re-hashed before the final SuperBlob is kept.
//
// Grounded on cacheformat's Header/MappingInfo/... structs (spec §6.1)
// and codesign.Sign/RehashPageZero's documented two-step contract.
package cachebuild

import (
	"bytes"
	"fmt"

	"github.com/blacktop/dsc-builder/pkg/archlayout"
	"github.com/blacktop/dsc-builder/pkg/cacheconfig"
	"github.com/blacktop/dsc-builder/pkg/cacheformat"
	"github.com/blacktop/dsc-builder/pkg/cachelayout"
	"github.com/blacktop/dsc-builder/pkg/codesign"
	"github.com/blacktop/dsc-builder/pkg/patchtable"
	"github.com/blacktop/dsc-builder/pkg/slideinfo"
)

var (
	mappingInfoSize          = sizeOfOne(func(buf *bytes.Buffer) error { return cacheformat.WriteMappingInfos(buf, []cacheformat.MappingInfo{{}}) })
	mappingWithSlideInfoSize = sizeOfOne(func(buf *bytes.Buffer) error { return cacheformat.WriteMappingWithSlideInfos(buf, []cacheformat.MappingWithSlideInfo{{}}) })
	imageInfoSize            = sizeOfOne(func(buf *bytes.Buffer) error { return cacheformat.WriteImageInfos(buf, []cacheformat.ImageInfo{{}}) })
	imageTextInfoSize        = sizeOfOne(func(buf *bytes.Buffer) error { return cacheformat.WriteImageTextInfos(buf, []cacheformat.ImageTextInfo{{}}) })
	subCacheEntrySize        = sizeOfOne(func(buf *bytes.Buffer) error { return cacheformat.WriteSubCacheEntries(buf, []cacheformat.SubCacheEntry{{}}) })
)

func sizeOfOne(write func(*bytes.Buffer) error) uint64 {
	var buf bytes.Buffer
	_ = write(&buf)
	return uint64(buf.Len())
}

// platformCode maps the config's platform name to dyld's numeric
// Platform enum (spec §6.1 "u8 platform"); an unrecognized name falls
// back to 0, the value dyld itself uses for a cache with no specific
// target platform.
func platformCode(name string) uint8 {
	switch name {
	case "macos", "macOS":
		return 1
	case "ios", "iOS":
		return 2
	case "tvos", "tvOS":
		return 3
	case "watchos", "watchOS":
		return 4
	case "bridgeos", "bridgeOS":
		return 5
	case "ios-simulator", "iOSSimulator":
		return 7
	case "tvos-simulator", "tvOSSimulator":
		return 8
	case "watchos-simulator", "watchOSSimulator":
		return 9
	case "driverkit", "driverKit":
		return 10
	default:
		return 0
	}
}

// primaryLastOrder returns every sub-cache index with 0 moved to the
// end: sub-cache 0 alone carries the subCacheArray, so it must be built
// and signed last, once every other sub-cache's final UUID is known.
func primaryLastOrder(n int) []int {
	order := make([]int, 0, n)
	for i := 1; i < n; i++ {
		order = append(order, i)
	}
	return append(order, 0)
}

type signedSubCache struct {
	uuid          [16]byte
	cacheVMOffset uint64
	cdHash        [20]byte
	altCDHash     [20]byte
}

// assembleAndSign runs C10 (slide info) through C11 (codesign) for every
// sub-cache: it encodes and places slide info, places the patch table,
// dylibs trie and path pool (sub-cache 0 only) into LINKEDIT, builds and
// writes the header and its trailing arrays into TEXT, then signs.
func (b *Builder) assembleAndSign(
	subCaches []*cachelayout.SubCache,
	dylibInfos []*cachelayout.DylibInfo,
	layout archlayout.Layout,
	archName string,
	table patchtable.Table,
	dylibsTrie []byte,
	digest codesign.DigestMode,
) ([][20]byte, [][20]byte, error) {
	headerSize := sizeOfOne(func(buf *bytes.Buffer) error {
		var h cacheformat.Header
		return h.Write(buf)
	})

	order := primaryLastOrder(len(subCaches))
	results := make(map[int]signedSubCache, len(subCaches))

	for _, i := range order {
		sc := subCaches[i]

		var cursor uint64
		if sc.HasLinkedit {
			cursor = sc.LinkeditDerivedOffset
		}

		var patchOff, patchSz, trieOff, trieSz uint64
		var images []cacheformat.ImageInfo
		var imagesText []cacheformat.ImageTextInfo
		var subEntries []cacheformat.SubCacheEntry

		if i == 0 {
			_, patchBlob := table.Serialize()
			patchOff, patchSz, cursor = placeInLinkedit(sc, cursor, patchBlob)
			trieOff, trieSz, cursor = placeInLinkedit(sc, cursor, dylibsTrie)

			pathOffset := make(map[string]uint32, len(dylibInfos))
			var pathsPool []byte
			for _, d := range dylibInfos {
				if _, ok := pathOffset[d.InstallName]; ok {
					continue
				}
				pathOffset[d.InstallName] = uint32(len(pathsPool))
				pathsPool = append(pathsPool, []byte(d.InstallName)...)
				pathsPool = append(pathsPool, 0)
			}
			var pathsOff uint64
			pathsOff, _, cursor = placeInLinkedit(sc, cursor, pathsPool)
			images, imagesText = buildImageArrays(subCaches, dylibInfos, pathsOff, pathOffset)

			for _, j := range order {
				if j == 0 {
					continue
				}
				r := results[j]
				subEntries = append(subEntries, cacheformat.SubCacheEntry{UUID: r.uuid, CacheVMOffset: r.cacheVMOffset})
			}
		}

		if sc.ASLR != nil && sc.DataRegionsTotalSize() > 0 {
			blob, err := encodeSlideInfo(sc, layout)
			if err != nil {
				return nil, nil, err
			}
			var slideOff, slideSz uint64
			slideOff, slideSz, cursor = placeInLinkedit(sc, cursor, blob)
			sc.SlideInfoFileOffset, sc.SlideInfoFileSize = slideOff, slideSz
		}

		mappings, mappingsWithSlide := buildMappings(sc)
		hdr := buildHeaderFields(sc, archName, layout, b.Config, headerSize, mappings, mappingsWithSlide, images, imagesText, subEntries, patchOff, patchSz, trieOff, trieSz)
		arrays := serializeArrays(mappings, mappingsWithSlide, images, imagesText, subEntries)

		if err := renderHeader(sc, hdr, arrays); err != nil {
			return nil, nil, err
		}

		data := concatenateRegions(sc)
		signed, err := codesign.Sign(codesign.Input{
			Data:       data,
			PageSize:   uint32(layout.CodeSigningPageSize),
			Identifier: identifierFor(b.Config, i),
			Digest:     digest,
		})
		if err != nil {
			return nil, nil, err
		}

		hdr.UUID = signed.UUID
		hdr.CodeSignatureSize = uint64(len(signed.SuperBlob))
		if err := renderHeader(sc, hdr, arrays); err != nil {
			return nil, nil, err
		}

		data = concatenateRegions(sc)
		finalBlob := codesign.RehashPageZero(signed.SuperBlob, data, uint32(layout.CodeSigningPageSize), digest)

		sc.UUID = signed.UUID
		sc.CDHashFirst = signed.CDHash
		sc.CDHashSecond = signed.AltCDHash
		sc.CodeSig = cachelayout.Region{
			Kind:       cachelayout.RegionCodeSignature,
			Name:       "__CODE_SIGNATURE",
			Buffer:     finalBlob,
			SizeInUse:  uint64(len(finalBlob)),
			FileOffset: sc.CodeSig.FileOffset,
		}

		results[i] = signedSubCache{
			uuid:          signed.UUID,
			cacheVMOffset: sc.Text.UnslidAddress - subCaches[0].Text.UnslidAddress,
			cdHash:        signed.CDHash,
			altCDHash:     signed.AltCDHash,
		}
	}

	cdHashes := make([][20]byte, len(subCaches))
	altCDHashes := make([][20]byte, len(subCaches))
	for i := range subCaches {
		cdHashes[i] = results[i].cdHash
		altCDHashes[i] = results[i].altCDHash
	}
	return cdHashes, altCDHashes, nil
}

// placeInLinkedit copies b into sc.Linkedit's buffer starting at cursor,
// returning its absolute file offset, size, and the next 8-byte-aligned
// cursor. A zero-length b is a no-op that just hands the cursor back.
func placeInLinkedit(sc *cachelayout.SubCache, cursor uint64, b []byte) (fileOff, size, nextCursor uint64) {
	if len(b) == 0 {
		return 0, 0, cursor
	}
	end := cursor + uint64(len(b))
	sc.Linkedit.Grow(end)
	copy(sc.Linkedit.Buffer[cursor:end], b)
	if sc.Linkedit.SizeInUse < end {
		sc.Linkedit.SizeInUse = end
	}
	nextCursor = (end + 7) &^ 7
	return sc.Linkedit.FileOffset + cursor, uint64(len(b)), nextCursor
}

// encodeSlideInfo runs C10 for one sub-cache's DATA space, writing the
// resolved chain-delta words back into the DATA region buffers as a side
// effect (spec §4.8: the on-disk DATA bytes themselves carry the chain).
func encodeSlideInfo(sc *cachelayout.SubCache, layout archlayout.Layout) ([]byte, error) {
	if layout.AuthenticatedPointers {
		read := func(off uint64) slideinfo.Arm64eDescriptor { return slideinfo.DecodeArm64eDescriptor(sc.ReadDataWord(off)) }
		write := func(off uint64, v uint64) { sc.WriteDataWord(off, v) }
		pages, err := slideinfo.EncodeV3(sc.ASLR, sc.DataRegionsTotalSize(), uint64(layout.CodeSigningPageSize), 0, sc.Text.UnslidAddress, read, write)
		if err != nil {
			return nil, err
		}
		return slideinfo.SerializeV3(pages), nil
	}

	read := func(off uint64) uint64 { return sc.ReadDataWord(off) }
	write := func(off uint64, v uint64) { sc.WriteDataWord(off, v) }
	pages, err := slideinfo.EncodeV2(sc.ASLR, sc.DataRegionsTotalSize(), uint64(layout.CodeSigningPageSize), layout.PointerDeltaMask, 0, 2, read, write)
	if err != nil {
		return nil, err
	}
	return slideinfo.SerializeV2(pages), nil
}

func buildMappings(sc *cachelayout.SubCache) ([]cacheformat.MappingInfo, []cacheformat.MappingWithSlideInfo) {
	mappings := []cacheformat.MappingInfo{regionMapping(&sc.Text)}
	for i := range sc.Data {
		mappings = append(mappings, regionMapping(&sc.Data[i]))
	}
	if sc.HasLinkedit {
		mappings = append(mappings, regionMapping(&sc.Linkedit))
	}

	var withSlide []cacheformat.MappingWithSlideInfo
	if first := sc.FirstDataRegion(); first != nil && sc.ASLR != nil {
		var flags uint64
		if sc.DataRegion(cachelayout.RegionAuth) != nil || sc.DataRegion(cachelayout.RegionAuthConst) != nil {
			flags |= cacheformat.MappingFlagAuthData
		}
		if sc.DataRegion(cachelayout.RegionDataDirty) != nil {
			flags |= cacheformat.MappingFlagDirtyData
		}
		if sc.DataRegion(cachelayout.RegionDataConst) != nil {
			flags |= cacheformat.MappingFlagConstData
		}
		withSlide = append(withSlide, cacheformat.MappingWithSlideInfo{
			Address:             first.UnslidAddress,
			Size:                sc.DataRegionsTotalSize(),
			FileOffset:          first.FileOffset,
			SlideInfoFileOffset: sc.SlideInfoFileOffset,
			SlideInfoFileSize:   sc.SlideInfoFileSize,
			Flags:               flags,
			MaxProt:             uint32(first.MaxProt),
			InitProt:            uint32(first.InitProt),
		})
	}
	return mappings, withSlide
}

func regionMapping(r *cachelayout.Region) cacheformat.MappingInfo {
	return cacheformat.MappingInfo{Address: r.UnslidAddress, Size: r.SizeInUse, FileOffset: r.FileOffset, MaxProt: uint32(r.MaxProt), InitProt: uint32(r.InitProt)}
}

// buildImageArrays builds the global imagesOffset/imagesTextOffset
// arrays (sub-cache 0 only, spec's disclosed simplification: dyld
// itself duplicates these per sub-cache header, but every entry would
// be identical since they describe the whole cache).
func buildImageArrays(subCaches []*cachelayout.SubCache, dylibInfos []*cachelayout.DylibInfo, pathsOff uint64, pathOffset map[string]uint32) ([]cacheformat.ImageInfo, []cacheformat.ImageTextInfo) {
	images := make([]cacheformat.ImageInfo, 0, len(dylibInfos))
	imagesText := make([]cacheformat.ImageTextInfo, 0, len(dylibInfos))

	for _, d := range dylibInfos {
		sc := subCaches[d.SubCacheIndex]
		addr := textLoadAddress(sc, d)
		pathOff := uint32(pathsOff) + pathOffset[d.InstallName]

		images = append(images, cacheformat.ImageInfo{
			Address:        addr,
			Inode:          uint64(d.CacheIndex),
			PathFileOffset: pathOff,
		})

		var uuidBytes [16]byte
		if d.Input != nil {
			if u := d.Input.UUID(); u != nil {
				copy(uuidBytes[:], u.UUID[:])
			}
		}
		imagesText = append(imagesText, cacheformat.ImageTextInfo{
			UUID:            uuidBytes,
			LoadAddress:     addr,
			TextSegmentSize: uint32(textSegmentSize(d)),
			PathOffset:      pathOff,
		})
	}
	return images, imagesText
}

func textLoadAddress(sc *cachelayout.SubCache, d *cachelayout.DylibInfo) uint64 {
	for _, seg := range d.Segments {
		if seg.SegName == "__TEXT" {
			return sc.Text.UnslidAddress + seg.DstOffset
		}
	}
	return sc.Text.UnslidAddress
}

func textSegmentSize(d *cachelayout.DylibInfo) uint64 {
	for _, seg := range d.Segments {
		if seg.SegName == "__TEXT" {
			return seg.DstVMSize
		}
	}
	return 0
}

func buildHeaderFields(
	sc *cachelayout.SubCache,
	archName string,
	layout archlayout.Layout,
	cfg cacheconfig.Config,
	headerSize uint64,
	mappings []cacheformat.MappingInfo,
	mappingsWithSlide []cacheformat.MappingWithSlideInfo,
	images []cacheformat.ImageInfo,
	imagesText []cacheformat.ImageTextInfo,
	subEntries []cacheformat.SubCacheEntry,
	patchOff, patchSz, trieOff, trieSz uint64,
) cacheformat.Header {
	var hdr cacheformat.Header
	hdr.Magic = cacheformat.Magic(archName)

	cursor := headerSize
	hdr.MappingOffset, hdr.MappingCount = uint32(cursor), uint32(len(mappings))
	cursor += uint64(len(mappings)) * mappingInfoSize

	hdr.MappingWithSlideOffset, hdr.MappingWithSlideCount = uint32(cursor), uint32(len(mappingsWithSlide))
	cursor += uint64(len(mappingsWithSlide)) * mappingWithSlideInfoSize

	hdr.ImagesOffset, hdr.ImagesCount = uint32(cursor), uint32(len(images))
	cursor += uint64(len(images)) * imageInfoSize

	hdr.ImagesTextOffset, hdr.ImagesTextCount = uint32(cursor), uint32(len(imagesText))
	cursor += uint64(len(imagesText)) * imageTextInfoSize

	hdr.SubCacheArrayOffset, hdr.SubCacheArrayCount = uint32(cursor), uint32(len(subEntries))

	hdr.PatchInfoAddr, hdr.PatchInfoSize = uint32(patchOff), uint32(patchSz)
	hdr.DylibsTrieAddr, hdr.DylibsTrieSize = uint32(trieOff), uint32(trieSz)
	// ProgramTrieAddr/Size stay zero: no main-executable program trie is
	// built (DESIGN.md disclosed simplification).

	hdr.CodeSignatureOffset = sc.CodeSig.FileOffset
	// CodeSignatureSize is patched in by assembleAndSign after the first
	// Sign call produces the real SuperBlob length.

	hdr.Platform = platformCode(cfg.Platform)
	hdr.FormatVersion = cacheformat.FormatVersion

	var flags uint8
	if !cfg.DylibsRemovedDuringMastering {
		flags |= cacheformat.FlagDylibsExpectedOnDisk
	}
	if cfg.ForSimulator {
		flags |= cacheformat.FlagSimulator
	}
	if cfg.IsLocallyBuiltCache {
		flags |= cacheformat.FlagLocallyBuiltCache
	}
	flags |= cacheformat.FlagBuiltFromChainedFixups // the binder always emits chained fixups
	hdr.Flags = flags

	hdr.SharedRegionStart = layout.SharedMemoryStart
	hdr.SharedRegionSize = layout.SharedMemorySize
	hdr.MaxSlide = layout.SharedRegionPadding

	hdr.RosettaReadOnlyAddr = sc.RosettaReadOnlyAddr
	hdr.RosettaReadOnlySize = sc.RosettaReadOnlySize
	hdr.RosettaReadWriteAddr = sc.RosettaReadWriteAddr
	hdr.RosettaReadWriteSize = sc.RosettaReadWriteSize

	return hdr
}

func serializeArrays(
	mappings []cacheformat.MappingInfo,
	mappingsWithSlide []cacheformat.MappingWithSlideInfo,
	images []cacheformat.ImageInfo,
	imagesText []cacheformat.ImageTextInfo,
	subEntries []cacheformat.SubCacheEntry,
) []byte {
	var buf bytes.Buffer
	cacheformat.WriteMappingInfos(&buf, mappings)
	cacheformat.WriteMappingWithSlideInfos(&buf, mappingsWithSlide)
	cacheformat.WriteImageInfos(&buf, images)
	cacheformat.WriteImageTextInfos(&buf, imagesText)
	cacheformat.WriteSubCacheEntries(&buf, subEntries)
	return buf.Bytes()
}

// renderHeader serializes hdr followed by arrays into sc.Text's header
// reserve. Called twice per sub-cache: once with a zeroed UUID/
// CodeSignatureSize to produce the bytes that get signed, and again
// after Sign to bake in the real values before RehashPageZero.
func renderHeader(sc *cachelayout.SubCache, hdr cacheformat.Header, arrays []byte) error {
	var buf bytes.Buffer
	if err := hdr.Write(&buf); err != nil {
		return err
	}
	buf.Write(arrays)
	if uint64(buf.Len()) > cachelayout.HeaderReserve {
		return fmt.Errorf("sub-cache header overflowed the %d-byte reserve by %d bytes", cachelayout.HeaderReserve, uint64(buf.Len())-cachelayout.HeaderReserve)
	}
	sc.Text.Grow(uint64(buf.Len()))
	copy(sc.Text.Buffer, buf.Bytes())
	return nil
}
