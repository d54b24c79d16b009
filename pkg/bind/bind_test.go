package bind

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/blacktop/dsc-builder/pkg/aslr"
)

type fakeResolver struct {
	producerIndex int
	exportOffset  uint64
	weak          bool
	err           error
}

func (r fakeResolver) Resolve(clientIndex int, libOrdinal int, symbolName string) (int, uint64, bool, error) {
	if r.err != nil {
		return 0, 0, false, r.err
	}
	return r.producerIndex, r.exportOffset, r.weak, nil
}

func TestResolveOneRebaseWritesTargetAndSetsBit(t *testing.T) {
	tracker := aslr.New(4096)
	acc := NewAccumulator()
	var written map[uint64]uint64 = make(map[uint64]uint64)
	write := func(offset, value uint64) { written[offset] = value }

	err := resolveOne(0, 0x100, 0, "", 0, true, 0xfeed, nil, tracker, fakeResolver{}, func(int) uint64 { return 0 }, acc, write)

	require.NoError(t, err)
	require.EqualValues(t, 0xfeed, written[0x100])
	require.True(t, tracker.IsSet(0x100))
	require.Empty(t, acc.Uses)
}

func TestResolveOneAbsoluteBindSkipsTheBitmap(t *testing.T) {
	tracker := aslr.New(4096)
	acc := NewAccumulator()
	written := make(map[uint64]uint64)
	write := func(offset, value uint64) { written[offset] = value }

	err := resolveOne(0, 0x200, 0, "", 0, false, 0x77, nil, tracker, fakeResolver{}, func(int) uint64 { return 0 }, acc, write)

	require.NoError(t, err)
	require.EqualValues(t, 0x77, written[0x200])
	require.False(t, tracker.IsSet(0x200), "absolute binds are never recorded in the ASLR bitmap")
}

func TestResolveOneSymbolicBindRecordsAUseAndAddsAddend(t *testing.T) {
	tracker := aslr.New(4096)
	acc := NewAccumulator()
	written := make(map[uint64]uint64)
	write := func(offset, value uint64) { written[offset] = value }
	resolver := fakeResolver{producerIndex: 3, exportOffset: 0x40, weak: true}
	cacheOffsetOf := func(producerIndex int) uint64 {
		require.Equal(t, 3, producerIndex)
		return 0x1000
	}

	err := resolveOne(7, 0x300, 0, "_foo", 8, false, 0, nil, tracker, resolver, cacheOffsetOf, acc, write)

	require.NoError(t, err)
	require.EqualValues(t, 0x1048, written[0x300]) // 0x1000 + 0x40 + addend 8
	require.True(t, tracker.IsSet(0x300))
	require.Len(t, acc.Uses, 1)
	use := acc.Uses[0]
	require.Equal(t, 3, use.ProducerIndex)
	require.Equal(t, "_foo", use.ExportName)
	require.True(t, use.WeakDef)
	require.True(t, acc.WeakExports[3][0x40])
}

func TestResolveOneUnresolvedSymbolReturnsError(t *testing.T) {
	tracker := aslr.New(4096)
	acc := NewAccumulator()
	write := func(offset, value uint64) {}
	resolver := fakeResolver{err: errors.New("no producer exports it")}

	err := resolveOne(0, 0x10, 0, "_missing", 0, false, 0, nil, tracker, resolver, func(int) uint64 { return 0 }, acc, write)

	require.Error(t, err)
}

func TestResolveOneRecordsAuthMetadataWhenPresent(t *testing.T) {
	tracker := aslr.New(4096)
	acc := NewAccumulator()
	write := func(offset, value uint64) {}
	auth := aslr.Auth{Diversity: 0xbeef, AddrDiv: true, Key: 1}

	err := resolveOne(0, 0x10, 0, "", 0, true, 0x5, &auth, tracker, fakeResolver{}, func(int) uint64 { return 0 }, acc, write)

	require.NoError(t, err)
	got, ok := tracker.GetAuth(0x10)
	require.True(t, ok)
	require.Equal(t, auth, got)
}
