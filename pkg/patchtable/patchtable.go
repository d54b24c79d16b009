// Package patchtable implements the V2 patch-table emitter (C8): it
// compresses the Binder's recorded (producer, export, client, location)
// tuples into six parallel on-disk arrays.
//
// Grounded bit-exact on
// original_source/dyld/cache-builder/CachePatching.h's dyld_cache_patch_info_v2
// / dyld_cache_image_patches_v2 / dyld_cache_image_export_v2 /
// dyld_cache_image_clients_v2 / dyld_cache_patchable_location_v2 structs.
package patchtable

import (
	"bytes"
	"encoding/binary"
	"sort"

	"github.com/blacktop/dsc-builder/pkg/aslr"
	"github.com/blacktop/dsc-builder/pkg/bind"
	"github.com/blacktop/dsc-builder/pkg/cacheformat"
)

// ImagePatch is one imagePatches[] entry: the slice of imageExports this
// producer contributes.
type ImagePatch struct {
	ExportsStart, ExportsCount uint32
}

// ImageExport is one imageExports[] entry, extended with the
// clients-slice it owns (the indirection the invariant in spec §4.6
// assumes: "every imageExportIndex points back into the same producer's
// image-exports slice" requires clientExports to be reachable from an
// export via an intermediate per-client grouping).
type ImageExport struct {
	DylibOffsetOfImpl uint32
	ExportNameOffset  uint32
	ClientsStart      uint32
	ClientsCount      uint32
}

// Client is one clients[] entry.
type Client struct {
	ClientDylibIndex       uint32
	ClientExportsStart     uint32
	ClientExportsCount     uint32
}

// ClientExport is one clientExports[] entry.
type ClientExport struct {
	ImageExportIndex  uint32
	LocationsStart    uint32
	LocationsCount    uint32
}

// PatchableLocationV2 is the bit-packed 8-byte location record (spec §6.2):
// u32 dylibOffsetOfUse, then a packed u32 {high7:7, addend:5,
// authenticated:1, usesAddressDiversity:1, key:2, discriminator:16}.
type PatchableLocationV2 struct {
	DylibOffsetOfUse uint32
	High7            uint8
	Addend           int8 // sign-extended 5-bit value
	Authenticated    bool
	AddressDiversity bool
	Key              uint8
	Discriminator    uint16
}

// Encode packs the location into its on-disk 8-byte form.
func (p PatchableLocationV2) Encode() [8]byte {
	var out [8]byte
	binary.LittleEndian.PutUint32(out[0:4], p.DylibOffsetOfUse)

	addend5 := uint32(p.Addend) & 0x1F
	var packed uint32
	packed |= uint32(p.High7) & 0x7F
	packed |= addend5 << 7
	if p.Authenticated {
		packed |= 1 << 12
	}
	if p.AddressDiversity {
		packed |= 1 << 13
	}
	packed |= (uint32(p.Key) & 0x3) << 14
	packed |= (uint32(p.Discriminator) & 0xFFFF) << 16

	binary.LittleEndian.PutUint32(out[4:8], packed)
	return out
}

// DecodeAddend returns the sign-extended 5-bit addend field, per spec §6.2:
// "the sign-extended value of (addend << 52) >> 52" — here applied to the
// 5-bit field directly since Go has no 59-bit shift-in-place equivalent
// for a 32-bit host word.
func DecodeAddend(raw uint8) int64 {
	v := int64(raw&0x1F) << 59
	return v >> 59
}

// Table is the fully built V2 patch table plus the export-name pool,
// ready for the writer to place at patchInfoAddr.
type Table struct {
	ImagePatches  []ImagePatch
	ImageExports  []ImageExport
	Clients       []Client
	ClientExports []ClientExport
	Locations     []PatchableLocationV2
	ExportNames   []byte // NUL-terminated, 4-byte padded
}

// NeverEliminate mirrors _s_neverStubEliminateSymbols (cachelayout keeps an identical, unused copy):
// exports in this set are always emitted (spec §4.6 pass 1 condition c).
var NeverEliminate = map[string]bool{
	"_malloc": true, "_free": true, "_realloc": true, "_calloc": true,
	"_memcpy": true, "_memmove": true, "_memset": true,
	"_dispatch_async": true, "_dispatch_sync": true,
	"_objc_msgSend": true, "_objc_retain": true, "_objc_release": true,
	"__ZdlPv": true, "__Znwm": true,
}

// OverridablePathSet holds the install names on a root-override path;
// IsOverridable reports membership (spec scenario 3: "one cached dylib has install-name
// '/usr/lib/system/libdispatch.dylib'"). A real deployment derives this
// from a root-dylib list handed in by the out-of-scope CLI/config layer;
// this package exposes the single decision point so cachebuild can wire
// it to that list without patchtable depending on cacheconfig.
type OverridablePathSet map[string]bool

func (s OverridablePathSet) IsOverridable(installName string) bool { return s[installName] }

// shouldEmit implements spec §4.6 pass 1's export filter: emit only if
// the producer is overridable, the export is weak-def, or the name is in
// the never-eliminate set.
func shouldEmit(producerInstallName, exportName string, weak bool, overridable OverridablePathSet) bool {
	return overridable.IsOverridable(producerInstallName) || weak || NeverEliminate[exportName]
}

// Build performs the two-pass construction spec §4.6 describes: pass 1
// counts required slots (applying shouldEmit); pass 2 fills the arrays.
func Build(numDylibs int, installNameOf func(int) string, uses []bind.Use, overridable OverridablePathSet) Table {
	type key struct {
		producer int
		export   uint64
		name     string
	}
	exportIndex := make(map[key]int)
	var imageExportsByProducer = make(map[int][]ImageExport)
	var exportKeyOrder = make(map[int][]key)

	usesByExport := make(map[key][]bind.Use)

	for _, u := range uses {
		name := u.ExportName
		if !shouldEmit(installNameOf(u.ProducerIndex), name, u.WeakDef, overridable) {
			continue
		}
		k := key{producer: u.ProducerIndex, export: u.ExportDylibVMOffset, name: name}
		if _, ok := exportIndex[k]; !ok {
			exportIndex[k] = len(imageExportsByProducer[u.ProducerIndex])
			exportKeyOrder[u.ProducerIndex] = append(exportKeyOrder[u.ProducerIndex], k)
		}
		usesByExport[k] = append(usesByExport[k], u)
	}

	var names bytes.Buffer
	nameOffset := make(map[string]uint32)
	var sortedNames []string
	for k := range exportIndex {
		if _, ok := nameOffset[k.name]; !ok {
			sortedNames = append(sortedNames, k.name)
		}
	}
	sort.Strings(sortedNames)
	for _, n := range sortedNames {
		nameOffset[n] = uint32(names.Len())
		names.WriteString(n)
		names.WriteByte(0)
	}
	for names.Len()%4 != 0 {
		names.WriteByte(0)
	}

	var t Table
	t.ImagePatches = make([]ImagePatch, numDylibs)

	for producer := 0; producer < numDylibs; producer++ {
		keys := exportKeyOrder[producer]
		start := uint32(len(t.ImageExports))
		t.ImagePatches[producer] = ImagePatch{ExportsStart: start, ExportsCount: uint32(len(keys))}

		for _, k := range keys {
			exportIdx := uint32(len(t.ImageExports))
			clientUses := groupByClient(usesByExport[k])
			clientIdxs := make([]int, 0, len(clientUses))
			for ci := range clientUses {
				clientIdxs = append(clientIdxs, ci)
			}
			sort.Ints(clientIdxs)

			clientsStart := uint32(len(t.Clients))
			for _, clientIdx := range clientIdxs {
				locStart := uint32(len(t.Locations))
				for _, u := range clientUses[clientIdx] {
					t.Locations = append(t.Locations, PatchableLocationV2{
						DylibOffsetOfUse: uint32(u.LocationDylibVMOffset),
						High7:            uint8(u.Auth.Diversity & 0x7F),
						Addend:           int8(u.Addend),
						Authenticated:    u.Auth != (aslr.Auth{}),
						AddressDiversity: u.Auth.AddrDiv,
						Key:              u.Auth.Key,
						Discriminator:    u.Auth.Diversity,
					})
				}
				clientExportsStart := uint32(len(t.ClientExports))
				t.ClientExports = append(t.ClientExports, ClientExport{
					ImageExportIndex: exportIdx,
					LocationsStart:   locStart,
					LocationsCount:   uint32(len(t.Locations)) - locStart,
				})
				t.Clients = append(t.Clients, Client{
					ClientDylibIndex:   uint32(clientIdx),
					ClientExportsStart: clientExportsStart,
					ClientExportsCount: uint32(len(t.ClientExports)) - clientExportsStart,
				})
			}

			t.ImageExports = append(t.ImageExports, ImageExport{
				DylibOffsetOfImpl: uint32(k.export),
				ExportNameOffset:  nameOffset[k.name],
				ClientsStart:      clientsStart,
				ClientsCount:      uint32(len(t.Clients)) - clientsStart,
			})
		}
	}

	t.ExportNames = names.Bytes()
	return t
}

// Serialize lays out the six parallel arrays back to back behind a
// PatchInfoV2 header (spec §6.1's patchInfoAddr region), every *ArrayAddr
// field already relative to the start of the returned blob; the caller
// only has to add the LINKEDIT base + patchInfoAddr once it knows where
// the blob itself lands.
func (t Table) Serialize() (cacheformat.PatchInfoV2, []byte) {
	header := cacheformat.NewPatchInfoV2()

	var headerBuf bytes.Buffer
	header.Write(&headerBuf) // only to learn the fixed header's byte size
	headerSize := uint64(headerBuf.Len())

	var arrays bytes.Buffer

	header.PatchTableArrayAddr = headerSize + uint64(arrays.Len())
	header.PatchTableArrayCount = uint64(len(t.ImagePatches))
	for _, p := range t.ImagePatches {
		binary.Write(&arrays, binary.LittleEndian, p)
	}

	header.PatchImageExportsArrayAddr = headerSize + uint64(arrays.Len())
	header.PatchImageExportsArrayCount = uint64(len(t.ImageExports))
	for _, e := range t.ImageExports {
		binary.Write(&arrays, binary.LittleEndian, e)
	}

	header.PatchClientsArrayAddr = headerSize + uint64(arrays.Len())
	header.PatchClientsArrayCount = uint64(len(t.Clients))
	for _, c := range t.Clients {
		binary.Write(&arrays, binary.LittleEndian, c)
	}

	header.PatchClientExportsArrayAddr = headerSize + uint64(arrays.Len())
	header.PatchClientExportsArrayCount = uint64(len(t.ClientExports))
	for _, ce := range t.ClientExports {
		binary.Write(&arrays, binary.LittleEndian, ce)
	}

	header.PatchLocationArrayAddr = headerSize + uint64(arrays.Len())
	header.PatchLocationArrayCount = uint64(len(t.Locations))
	for _, l := range t.Locations {
		enc := l.Encode()
		arrays.Write(enc[:])
	}

	header.PatchExportNamesAddr = headerSize + uint64(arrays.Len())
	header.PatchExportNamesSize = uint64(len(t.ExportNames))
	arrays.Write(t.ExportNames)

	var out bytes.Buffer
	header.Write(&out)
	out.Write(arrays.Bytes())
	return header, out.Bytes()
}

func groupByClient(uses []bind.Use) map[int][]bind.Use {
	out := make(map[int][]bind.Use)
	for _, u := range uses {
		out[u.ClientIndex] = append(out[u.ClientIndex], u)
	}
	return out
}
