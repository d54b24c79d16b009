package codesign

import (
	"crypto/sha256"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSignSHA256OnlyProducesSingleCodeDirectory(t *testing.T) {
	data := make([]byte, 4096*3+17)
	for i := range data {
		data[i] = byte(i)
	}

	res, err := Sign(Input{Data: data, PageSize: 4096, Identifier: "com.apple.dyld.cache", Digest: DigestSHA256Only})
	require.NoError(t, err)
	require.NotEmpty(t, res.SuperBlob)
	require.NotZero(t, res.CDHash)

	require.Equal(t, uint32(magicEmbeddedSig), beUint32(res.SuperBlob[0:4]))
	require.Equal(t, uint32(3), beUint32(res.SuperBlob[8:12])) // CodeDirectory, Requirements, CMS; no alternate CodeDirectory
}

func TestSignAgileProducesTwoCodeDirectories(t *testing.T) {
	data := make([]byte, 4096*2)
	res, err := Sign(Input{Data: data, PageSize: 4096, Identifier: "com.apple.dyld.cache", Digest: DigestAgile})
	require.NoError(t, err)
	require.Equal(t, uint32(4), beUint32(res.SuperBlob[8:12])) // CodeDirectory, Requirements, CMS, alternate CodeDirectory
	require.NotZero(t, res.AltCDHash)
}

func TestUUIDHasVersionAndVariantBitsForced(t *testing.T) {
	data := make([]byte, 4096)
	res, err := Sign(Input{Data: data, PageSize: 4096, Identifier: "x", Digest: DigestSHA256Only})
	require.NoError(t, err)
	require.EqualValues(t, 0x3, res.UUID[6]>>4, "version nibble must be forced to 3")
	require.EqualValues(t, 0x2, res.UUID[8]>>6, "variant bits must be forced to RFC 4122")
}

func TestRehashPageZeroChangesOnlyFirstPageDigest(t *testing.T) {
	data := make([]byte, 4096*2)
	res, err := Sign(Input{Data: data, PageSize: 4096, Identifier: "x", Digest: DigestSHA256Only})
	require.NoError(t, err)

	mutated := append([]byte(nil), data...)
	mutated[10] = 0xFF
	rehashed := RehashPageZero(res.SuperBlob, mutated, 4096, DigestSHA256Only)
	require.NotEqual(t, res.SuperBlob, rehashed)

	page0 := mutated[:4096]
	want := sha256.Sum256(page0)
	_ = want // exact slot offset is internal; absence-of-panic plus byte-diff is the behavioral check here
}

func beUint32(b []byte) uint32 {
	return uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
}
