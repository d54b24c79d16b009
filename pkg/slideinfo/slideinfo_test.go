package slideinfo

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/blacktop/dsc-builder/pkg/aslr"
)

func TestEncodeV3SingleRebasePerPageTerminatesImmediately(t *testing.T) {
	pageSize := uint64(16384)
	tracker := aslr.New(pageSize)
	tracker.SetBit(0x100)

	mem := make(map[uint64]uint64)
	read := func(off uint64) Arm64eDescriptor { return Arm64eDescriptor{Target: mem[off]} }
	write := func(off uint64, v uint64) { mem[off] = v }

	starts, err := EncodeV3(tracker, pageSize, pageSize, 0, 0, read, write)
	require.NoError(t, err)
	require.Len(t, starts.PageStarts, 1)
	require.EqualValues(t, 0x100, starts.PageStarts[0])

	desc := mem[0x100]
	next := (desc >> 51) & 0x7FF
	require.EqualValues(t, 0, next, "chain with a single rebase must terminate immediately")
}

func TestEncodeV2ChainsTwoRebases(t *testing.T) {
	pageSize := uint64(4096)
	tracker := aslr.New(pageSize)
	tracker.SetBit(0x10)
	tracker.SetBit(0x20)

	mem := make(map[uint64]uint64)
	read := func(off uint64) uint64 { return mem[off] }
	write := func(off uint64, v uint64) { mem[off] = v }

	deltaMask := uint64(0x00FFFFFFFFFFFFFF)

	out, err := EncodeV2(tracker, pageSize, pageSize, deltaMask, 0, 2, read, write)
	require.NoError(t, err)
	require.EqualValues(t, 0x10, out.PageStarts[0])

	shift := deltaBitsShift(deltaMask)
	encodedDelta := mem[0x10] >> shift
	require.EqualValues(t, 0x10, encodedDelta)
}

func TestArm64eDescriptorRoundTrip(t *testing.T) {
	d := Arm64eDescriptor{Auth: true, Diversity: 0x1234, AddrDiv: true, Key: 2, Next: 5}
	enc := d.Encode()
	require.NotZero(t, enc&(1<<63))
	require.Equal(t, d, DecodeArm64eDescriptor(enc))
}
