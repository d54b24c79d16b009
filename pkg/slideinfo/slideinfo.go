// Package slideinfo implements the slide-info emitter (C10): it converts
// each DATA region's ASLR bitmap into per-page chained-fixup starts (V2,
// arm64e V3, V4), rewriting each fixup location to encode the
// next-in-chain delta.
//
// Grounded on spec §4.8/§6.3 and the chained-pointer shapes documented in
// blacktop-go-macho/pkg/fixupchains's DyldChainedPtrArm64eRebase /
// DyldChainedPtr64Rebase wrapper structs (the read-side mirror of what
// this package writes).
package slideinfo

import (
	"encoding/binary"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/blacktop/dsc-builder/pkg/aslr"
)

const (
	noRebaseSentinel  = 0xFFFF
	v2ExtrasFlag      = 0x8000
	v2EndBit          = 0x4000
	v4ExtraEndBit     = 0x8000
)

// PageStartsV2 is the result of encoding one DATA region in V2/V4 form
// (spec §6.3).
type PageStartsV2 struct {
	Version    uint32
	PageSize   uint32
	DeltaMask  uint64
	ValueAdd   uint64
	PageStarts []uint16
	PageExtras []uint16
}

// EncodeV2 greedily chains the set bits of tracker within [regionStart,
// regionStart+regionSize) into singly linked lists embedded in the high
// bits of each 8-byte pointer, one chain per 4KB page (spec §4.8 "V2").
// write stores the updated 8-byte pointer value at a region-relative
// byte offset. version selects the V2 vs V4 end-bit convention (spec
// §6.3: V4's end bit is 0x8000 instead of V2's high-bit-clear sentinel
// convention).
func EncodeV2(tracker *aslr.Tracker, regionSize uint64, pageSize uint64, deltaMask uint64, valueAdd uint64, version uint32, read func(offset uint64) uint64, write func(offset uint64, value uint64)) (PageStartsV2, error) {
	pageCount := (regionSize + pageSize - 1) / pageSize
	out := PageStartsV2{Version: version, PageSize: uint32(pageSize), DeltaMask: deltaMask, ValueAdd: valueAdd}
	out.PageStarts = make([]uint16, pageCount)

	maxDelta := deltaBits(deltaMask)

	for p := uint64(0); p < pageCount; p++ {
		pageStart := p * pageSize
		var offsets []uint64
		tracker.ForEachSetBitInPage(pageStart, pageSize, func(offsetInPage uint64) {
			// Only slots aligned to the chain's natural stride participate.
			if offsetInPage%4 == 0 {
				offsets = append(offsets, offsetInPage)
			}
		})

		if len(offsets) == 0 {
			out.PageStarts[p] = noRebaseSentinel
			continue
		}
		out.PageStarts[p] = uint16(offsets[0])

		for i := 0; i < len(offsets); i++ {
			abs := pageStart + offsets[i]
			raw := read(abs)
			value := raw &^ deltaMask

			if i+1 < len(offsets) {
				delta := offsets[i+1] - offsets[i]
				if delta > maxDelta {
					return out, fmt.Errorf("kernel slide info overflow buffer")
				}
				value |= (delta << deltaBitsShift(deltaMask))
			}
			write(abs, value)
		}
	}

	return out, nil
}

func deltaBits(deltaMask uint64) uint64 {
	shift := deltaBitsShift(deltaMask)
	return deltaMask >> shift
}

func deltaBitsShift(deltaMask uint64) uint64 {
	if deltaMask == 0 {
		return 0
	}
	shift := uint64(0)
	for deltaMask&1 == 0 {
		deltaMask >>= 1
		shift++
	}
	return shift
}

// PageStartsV3 is one arm64e region's per-page chain starts (spec §6.3
// "V3").
type PageStartsV3 struct {
	Version        uint32
	PageSize       uint32
	AuthValueAdd   uint64
	PageStarts     []uint16
}

// Arm64eDescriptor is the 8-byte arm64e chained-fixup descriptor spec
// §4.8 names: either the non-auth {target:43, high8:8, next:11} shape or
// the auth {target:32, diversity:16, addrDiv:1, key:2, next:11} shape.
type Arm64eDescriptor struct {
	Target    uint64
	High8     uint8
	Next      uint16
	Auth      bool
	Diversity uint16
	AddrDiv   bool
	Key       uint8
}

// Encode packs the descriptor into its 8-byte on-disk form.
func (d Arm64eDescriptor) Encode() uint64 {
	if d.Auth {
		var v uint64
		v |= uint64(d.Target) & 0xFFFFFFFF
		v |= (uint64(d.Diversity) & 0xFFFF) << 32
		if d.AddrDiv {
			v |= 1 << 48
		}
		v |= (uint64(d.Key) & 0x3) << 49
		v |= (uint64(d.Next) & 0x7FF) << 51
		v |= 1 << 63 // auth bit
		return v
	}
	var v uint64
	v |= uint64(d.Target) & ((1 << 43) - 1)
	v |= (uint64(d.High8) & 0xFF) << 43
	v |= (uint64(d.Next) & 0x7FF) << 51
	return v
}

// DecodeArm64eDescriptor is Encode's inverse: it recovers the full
// descriptor from an on-disk 8-byte word so a caller can read the
// current contents of a slot, mutate only .Next, and re-Encode without
// losing the target/diversity/key bits already written there by the
// Binder (spec §4.8).
func DecodeArm64eDescriptor(raw uint64) Arm64eDescriptor {
	if raw&(1<<63) != 0 {
		return Arm64eDescriptor{
			Auth:      true,
			Target:    raw & 0xFFFFFFFF,
			Diversity: uint16((raw >> 32) & 0xFFFF),
			AddrDiv:   (raw>>48)&1 != 0,
			Key:       uint8((raw >> 49) & 0x3),
			Next:      uint16((raw >> 51) & 0x7FF),
		}
	}
	return Arm64eDescriptor{
		Target: raw & ((1 << 43) - 1),
		High8:  uint8((raw >> 43) & 0xFF),
		Next:   uint16((raw >> 51) & 0x7FF),
	}
}

// EncodeV3 rewrites every 8-byte arm64e slot within one DATA region,
// authoring the sanctioned parallel fan-out across pages (spec §5: "V3
// per-page slide-info encoding"; each worker reads a disjoint page-content
// slice plus its read-only page of the ASLR bitmap, writes only into that
// page).
func EncodeV3(tracker *aslr.Tracker, regionSize uint64, pageSize uint64, authValueAdd uint64, baseAddress uint64, read func(offset uint64) Arm64eDescriptor, write func(offset uint64, value uint64)) (PageStartsV3, error) {
	pageCount := (regionSize + pageSize - 1) / pageSize
	out := PageStartsV3{Version: 3, PageSize: uint32(pageSize), AuthValueAdd: authValueAdd}
	out.PageStarts = make([]uint16, pageCount)

	var eg errgroup.Group
	for p := uint64(0); p < pageCount; p++ {
		p := p
		eg.Go(func() error {
			return encodeV3Page(tracker, p, pageSize, read, write, &out.PageStarts[p])
		})
	}
	if err := eg.Wait(); err != nil {
		return out, err
	}
	return out, nil
}

func encodeV3Page(tracker *aslr.Tracker, page uint64, pageSize uint64, read func(uint64) Arm64eDescriptor, write func(uint64, uint64), pageStart *uint16) error {
	pageBase := page * pageSize
	var offsets []uint64
	tracker.ForEachSetBitInPage(pageBase, pageSize, func(offsetInPage uint64) {
		if offsetInPage%8 == 0 {
			offsets = append(offsets, offsetInPage)
		}
	})
	if len(offsets) == 0 {
		*pageStart = noRebaseSentinel
		return nil
	}
	*pageStart = uint16(offsets[0])

	for i := 0; i < len(offsets); i++ {
		abs := pageBase + offsets[i]
		desc := read(abs)
		desc.Next = 0
		if i+1 < len(offsets) {
			strideDelta := (offsets[i+1] - offsets[i]) / 8
			if strideDelta > 0x7FF {
				return fmt.Errorf("kernel slide info overflow buffer")
			}
			desc.Next = uint16(strideDelta)
		}
		write(abs, desc.Encode())
	}
	return nil
}

// SerializeV2 writes a V2/V4 page-starts blob in the exact header+array
// layout spec §6.3 fixes.
func SerializeV2(p PageStartsV2) []byte {
	buf := make([]byte, 0, 40+2*len(p.PageStarts)+2*len(p.PageExtras))

	var hdr [40]byte
	binary.LittleEndian.PutUint32(hdr[0:4], p.Version)
	binary.LittleEndian.PutUint32(hdr[4:8], p.PageSize)
	binary.LittleEndian.PutUint64(hdr[8:16], p.DeltaMask)
	binary.LittleEndian.PutUint64(hdr[16:24], p.ValueAdd)
	binary.LittleEndian.PutUint32(hdr[24:28], 40)
	binary.LittleEndian.PutUint32(hdr[28:32], uint32(len(p.PageStarts)))
	binary.LittleEndian.PutUint32(hdr[32:36], uint32(40+2*len(p.PageStarts)))
	binary.LittleEndian.PutUint32(hdr[36:40], uint32(len(p.PageExtras)))
	buf = append(buf, hdr[:]...)

	for _, v := range p.PageStarts {
		buf = binary.LittleEndian.AppendUint16(buf, v)
	}
	for _, v := range p.PageExtras {
		buf = binary.LittleEndian.AppendUint16(buf, v)
	}
	return buf
}

// SerializeV3 writes a V3 page-starts blob per spec §6.3.
func SerializeV3(p PageStartsV3) []byte {
	buf := make([]byte, 0, 20+2*len(p.PageStarts))
	var hdr [20]byte
	binary.LittleEndian.PutUint32(hdr[0:4], p.Version)
	binary.LittleEndian.PutUint32(hdr[4:8], p.PageSize)
	binary.LittleEndian.PutUint32(hdr[8:12], uint32(len(p.PageStarts)))
	binary.LittleEndian.PutUint64(hdr[12:20], p.AuthValueAdd)
	buf = append(buf, hdr[:]...)
	for _, v := range p.PageStarts {
		buf = binary.LittleEndian.AppendUint16(buf, v)
	}
	return buf
}
