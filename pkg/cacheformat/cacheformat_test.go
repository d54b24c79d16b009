package cacheformat

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMagicPadsArchNameAndNulTerminates(t *testing.T) {
	m := Magic("arm64e")
	require.Equal(t, byte(0), m[15])
	require.Equal(t, "dyld_v1", string(m[0:7]))
}

func TestHeaderWriteProducesFixedSize(t *testing.T) {
	var h Header
	h.Magic = Magic("arm64e")
	h.FormatVersion = FormatVersion

	var buf bytes.Buffer
	require.NoError(t, h.Write(&buf))
	require.NotZero(t, buf.Len())

	h.MappingCount = 7
	h.UUID[0] = 0xAB
	var buf2 bytes.Buffer
	require.NoError(t, h.Write(&buf2))
	require.Equal(t, buf.Len(), buf2.Len(), "Header must serialize to a fixed size regardless of field values")
}

func TestNewPatchInfoV2SetsFixedVersionFields(t *testing.T) {
	p := NewPatchInfoV2()
	require.EqualValues(t, 2, p.PatchTableVersion)
	require.EqualValues(t, 0, p.PatchLocationVersion)
}

func TestWriteMappingInfosAppendsOnePerRecord(t *testing.T) {
	var buf bytes.Buffer
	infos := []MappingInfo{
		{Address: 0x1000, Size: 0x4000, FileOffset: 0},
		{Address: 0x5000, Size: 0x4000, FileOffset: 0x4000},
	}
	require.NoError(t, WriteMappingInfos(&buf, infos))

	var one bytes.Buffer
	require.NoError(t, WriteMappingInfos(&one, infos[:1]))
	require.Equal(t, 2*one.Len(), buf.Len())
}
