package aslr

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSetBitIsIdempotentAndVisibleToIsSet(t *testing.T) {
	tr := New(4096)
	require.False(t, tr.IsSet(0x100))
	tr.SetBit(0x100)
	require.True(t, tr.IsSet(0x100))
	tr.SetBit(0x100) // second call must not panic or flip anything off
	require.True(t, tr.IsSet(0x100))
}

func TestSetBitConcurrentDisjointOffsetsAllSurvive(t *testing.T) {
	tr := New(4096)
	var wg sync.WaitGroup
	for i := uint64(0); i < 256; i++ {
		wg.Add(1)
		go func(slot uint64) {
			defer wg.Done()
			tr.SetBit(slot * slotSize)
		}(i)
	}
	wg.Wait()

	for i := uint64(0); i < 256; i++ {
		require.True(t, tr.IsSet(i*slotSize), "slot %d should be set", i)
	}
}

func TestForEachSetBitVisitsInAscendingOrder(t *testing.T) {
	tr := New(4096)
	tr.SetBit(0x200)
	tr.SetBit(0x8)
	tr.SetBit(0x400)

	var seen []uint64
	tr.ForEachSetBit(func(offset uint64) { seen = append(seen, offset) })

	require.Equal(t, []uint64{0x8, 0x200, 0x400}, seen)
}

func TestForEachSetBitInPageScopesToPageWindow(t *testing.T) {
	tr := New(8192)
	tr.SetBit(0x10)   // page 0
	tr.SetBit(0x1008) // page 1

	var inPage0 []uint64
	tr.ForEachSetBitInPage(0, 0x1000, func(offsetInPage uint64) {
		inPage0 = append(inPage0, offsetInPage)
	})
	require.Equal(t, []uint64{0x10}, inPage0)

	var inPage1 []uint64
	tr.ForEachSetBitInPage(0x1000, 0x1000, func(offsetInPage uint64) {
		inPage1 = append(inPage1, offsetInPage)
	})
	require.Equal(t, []uint64{0x8}, inPage1)
}

func TestExplicitTargetHighByteAndAuthRoundTrip(t *testing.T) {
	tr := New(4096)

	_, ok := tr.ExplicitTarget(0x10)
	require.False(t, ok)
	tr.SetExplicitTarget(0x10, 0xdeadbeef)
	v, ok := tr.ExplicitTarget(0x10)
	require.True(t, ok)
	require.EqualValues(t, 0xdeadbeef, v)

	require.Zero(t, tr.HighByte(0x20))
	tr.SetHighByte(0x20, 0xab)
	require.EqualValues(t, 0xab, tr.HighByte(0x20))
	tr.SetHighByte(0x24, 0) // zero high byte is a no-op per SetHighByte's contract
	_, recorded := tr.highByte[0x24]
	require.False(t, recorded)

	want := Auth{Diversity: 0x1234, AddrDiv: true, Key: 2}
	tr.SetAuth(0x30, want)
	got, ok := tr.GetAuth(0x30)
	require.True(t, ok)
	require.Equal(t, want, got)
}
