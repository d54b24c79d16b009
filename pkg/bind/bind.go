// Package bind implements the Binder (C7): it walks each dylib's fixups,
// resolves every bind against the producing dylib's symbol/export table,
// writes the resolved target into the mapped segment, and records the
// location in the sub-cache's ASLR tracker and the patch-table
// accumulator.
//
// Grounded on spec §4.5 and the external reader's fixup-visitor contract
// (github.com/blacktop/go-macho/pkg/fixupchains), which this package
// consumes rather than reimplements (spec §1's fixed external collaborator).
package bind

import (
	"fmt"

	"github.com/blacktop/go-macho/pkg/fixupchains"
	"github.com/pkg/errors"

	"github.com/blacktop/dsc-builder/pkg/aslr"
	"github.com/blacktop/dsc-builder/pkg/cachelayout"
)

// Use is one recorded (producer, export, client, location) tuple (spec
// §4.5's "record (producer → client-list → use)"), the raw material for
// the C8 patch-table emitter.
type Use struct {
	ProducerIndex      int
	ExportDylibVMOffset uint64
	ExportName         string
	WeakDef            bool

	ClientIndex         int
	LocationDylibVMOffset uint64

	Addend int64
	Auth   aslr.Auth
}

// Accumulator collects every Use recorded across all dylibs of a build,
// keyed implicitly by ProducerIndex (the patch-table emitter groups them).
type Accumulator struct {
	Uses        []Use
	WeakExports map[int]map[uint64]bool // producerIndex -> exportOffset -> true
}

func NewAccumulator() *Accumulator {
	return &Accumulator{WeakExports: make(map[int]map[uint64]bool)}
}

func (a *Accumulator) recordWeak(producerIndex int, exportOffset uint64) {
	m, ok := a.WeakExports[producerIndex]
	if !ok {
		m = make(map[uint64]bool)
		a.WeakExports[producerIndex] = m
	}
	m[exportOffset] = true
}

// ExportResolver resolves a symbolic bind ordinal + name against the
// producing dylib's export table (a thin wrapper the caller builds once
// over all cached dylibs' DyldExports(), since the Binder must not
// re-parse Mach-O export tries itself).
type ExportResolver interface {
	// Resolve returns the producer's cache index, its export's offset
	// from that dylib's own TEXT base, and whether the export is
	// weak-def.
	Resolve(clientIndex int, libOrdinal int, symbolName string) (producerIndex int, exportOffset uint64, weak bool, err error)
}

// BindDylib runs C7 for one dylib against its already-placed segments,
// writing resolved targets into sc's concatenated DATA space and
// recording rebase bits into sc.ASLR. cacheOffsetOf maps a producer's
// cache index to the unslid address of that dylib's own __TEXT segment;
// a bound value is that address plus the export offset plus the addend.
//
// Each of the reader's chain starts is index-aligned with the source
// Mach-O's segment list (fixupchains.DyldChainedFixups.Starts[i] holds
// the fixups of segment i); this is joined against the placement table
// C6 built (DylibInfo.Segments[*].SrcSegIndex) to turn a dylib-relative
// fixup file-offset into this dylib's destination region and, from
// there, into sc's flat DATA-space offset.
func BindDylib(d *cachelayout.DylibInfo, clientIndex int, sc *cachelayout.SubCache, resolver ExportResolver, cacheOffsetOf func(producerIndex int) uint64, acc *Accumulator) error {
	if d.Input == nil || !d.Input.HasFixups() {
		return nil
	}

	chains, err := d.Input.DyldChainedFixups()
	if err != nil {
		return errors.Wrapf(err, "parsing fixups, applying fixups to %s", d.InstallName)
	}
	if chains == nil || sc.ASLR == nil {
		return nil
	}

	segBySrcIndex := make(map[int]cachelayout.SegmentMapping, len(d.Segments))
	for _, seg := range d.Segments {
		segBySrcIndex[seg.SrcSegIndex] = seg
	}

	var walkErr error
	for segIdx, start := range chains.Starts {
		if start.PageStarts == nil {
			continue
		}
		mapping, ok := segBySrcIndex[segIdx]
		if !ok || mapping.DstRegion == cachelayout.RegionText || mapping.DstRegion == cachelayout.RegionLinkedit {
			continue
		}
		dataBase, ok := sc.DataBaseOffset(mapping.DstRegion)
		if !ok {
			continue
		}

		for _, fx := range start.Fixups {
			within := fx.Offset() - start.SegmentOffset
			locationOffset := dataBase + mapping.DstOffset + within

			write := func(offset uint64, value uint64) { sc.WriteDataWord(offset, value) }

			var authMeta *aslr.Auth
			if a, ok := fx.(fixupchains.Auth); ok {
				authMeta = &aslr.Auth{
					Diversity: uint16(a.Diversity()),
					AddrDiv:   a.AddrDiv() != 0,
					Key:       uint8(a.Key()),
				}
			}

			switch bf := fx.(type) {
			case fixupchains.Bind:
				ordinal := int(bf.Ordinal())
				var libOrdinal int
				var addend int64
				var name string
				if ordinal >= 0 && ordinal < len(chains.Imports) {
					imp := chains.Imports[ordinal]
					libOrdinal = int(imp.LibOrdinal())
					addend = int64(imp.Addend())
					name = imp.Name
				}
				if name == "" {
					name = bf.Name()
				}
				addend += int64(bf.Addend())
				if err := resolveOne(clientIndex, locationOffset, libOrdinal, name, addend, false, 0, authMeta, sc.ASLR, resolver, cacheOffsetOf, acc, write); err != nil {
					walkErr = errors.Wrapf(err, "dylib %s", d.InstallName)
				}
			case fixupchains.Rebase:
				target := uint64(bf.Target())
				if err := resolveOne(clientIndex, locationOffset, 0, "", 0, true, target, authMeta, sc.ASLR, resolver, cacheOffsetOf, acc, write); err != nil {
					walkErr = errors.Wrapf(err, "dylib %s", d.InstallName)
				}
			}
		}
	}

	if walkErr != nil {
		return errors.Wrapf(walkErr, "applying fixups to %s", d.InstallName)
	}

	return nil
}

// resolveOne resolves a single fixup location, writing the result through
// write and recording rebase/bind bookkeeping. It takes the fixup's fields
// as plain values, so this package's tests drive it directly with
// synthetic fixup descriptions and no Mach-O fixture.
func resolveOne(
	clientIndex int,
	locationOffset uint64,
	libOrdinal int,
	symbolName string,
	addend int64,
	isRebase bool,
	rebaseTarget uint64,
	authMeta *aslr.Auth,
	tracker *aslr.Tracker,
	resolver ExportResolver,
	cacheOffsetOf func(int) uint64,
	acc *Accumulator,
	write func(offset uint64, value uint64),
) error {
	if isRebase {
		write(locationOffset, rebaseTarget)
		tracker.SetBit(locationOffset)
		if authMeta != nil {
			tracker.SetAuth(locationOffset, *authMeta)
		}
		return nil
	}

	if symbolName == "" {
		// Absolute bind: written as-is, never recorded in the bitmap.
		write(locationOffset, rebaseTarget)
		return nil
	}

	producerIndex, exportOffset, weak, err := resolver.Resolve(clientIndex, libOrdinal, symbolName)
	if err != nil {
		return fmt.Errorf("unresolved symbol '%s', applying fixups", symbolName)
	}

	target := cacheOffsetOf(producerIndex) + exportOffset
	value := uint64(int64(target) + addend)
	write(locationOffset, value)
	tracker.SetBit(locationOffset)
	if authMeta != nil {
		tracker.SetAuth(locationOffset, *authMeta)
	}

	acc.Uses = append(acc.Uses, Use{
		ProducerIndex:         producerIndex,
		ExportDylibVMOffset:   exportOffset,
		ExportName:            symbolName,
		WeakDef:               weak,
		ClientIndex:           clientIndex,
		LocationDylibVMOffset: locationOffset,
		Addend:                addend,
	})
	if weak {
		acc.recordWeak(producerIndex, exportOffset)
	}

	return nil
}
