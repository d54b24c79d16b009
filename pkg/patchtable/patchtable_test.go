package patchtable

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/blacktop/dsc-builder/pkg/aslr"
	"github.com/blacktop/dsc-builder/pkg/bind"
)

func TestSignedAddendRoundTrip(t *testing.T) {
	// spec §8 boundary behavior: a signed 5-bit addend of -1 round-trips:
	// encoded as 0x1F, decoded as 0xFFFFFFFFFFFFFFFF.
	loc := PatchableLocationV2{DylibOffsetOfUse: 0x100, Addend: -1}
	enc := loc.Encode()
	packed := uint32(enc[4]) | uint32(enc[5])<<8 | uint32(enc[6])<<16 | uint32(enc[7])<<24
	addend5 := uint8((packed >> 7) & 0x1F)
	require.EqualValues(t, 0x1F, addend5)
	require.EqualValues(t, -1, DecodeAddend(addend5))
}

func TestZeroAddendZeroHigh8(t *testing.T) {
	loc := PatchableLocationV2{DylibOffsetOfUse: 0x10}
	enc := loc.Encode()
	packed := uint32(enc[4]) | uint32(enc[5])<<8 | uint32(enc[6])<<16 | uint32(enc[7])<<24
	require.EqualValues(t, 0, packed&0x7F)    // high7
	require.EqualValues(t, 0, (packed>>7)&0x1F) // addend
}

func TestBuildOnlyNeverEliminateWithoutOverridable(t *testing.T) {
	installName := func(i int) string {
		if i == 0 {
			return "/usr/lib/libsystem_malloc.dylib"
		}
		return "/usr/lib/libclient.dylib"
	}
	uses := []bind.Use{
		{ProducerIndex: 0, ExportDylibVMOffset: 0x10, ExportName: "_malloc", ClientIndex: 1, LocationDylibVMOffset: 0x1234},
		{ProducerIndex: 0, ExportDylibVMOffset: 0x20, ExportName: "_internalHelper", ClientIndex: 1, LocationDylibVMOffset: 0x1300},
	}
	table := Build(2, installName, uses, OverridablePathSet{})

	require.Len(t, table.ImageExports, 1, "only the never-eliminate export should be emitted")
	require.Equal(t, uint32(0x10), table.ImageExports[0].DylibOffsetOfImpl)
}

func TestBuildOverridableProducerEmitsAllExports(t *testing.T) {
	installName := func(i int) string { return "/usr/lib/system/libdispatch.dylib" }
	uses := []bind.Use{
		{ProducerIndex: 0, ExportDylibVMOffset: 0x10, ExportName: "_dispatch_foo", ClientIndex: 1, LocationDylibVMOffset: 0x1234, Auth: aslr.Auth{Key: 1, AddrDiv: true, Diversity: 7}},
	}
	table := Build(2, installName, uses, OverridablePathSet{"/usr/lib/system/libdispatch.dylib": true})

	require.Len(t, table.ImageExports, 1)
	require.Len(t, table.Clients, 1)
	require.Len(t, table.ClientExports, 1)
	require.Len(t, table.Locations, 1)
	require.True(t, table.Locations[0].Authenticated)
}
