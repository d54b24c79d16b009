// Package codesign implements the ad-hoc codesigner/UUID derivation (C11):
// a CMS SuperBlob containing a CodeDirectory (SHA1 and/or SHA256 "agile"
// hashing), an empty Requirements blob, and an empty CMS wrapper, with
// per-page hashing done in parallel and the cache UUID derived from the
// CodeDirectory hash itself.
//
// This is a fresh package: the teacher's pkg/codesign/types tree carried
// two conflicting definitions of SuperBlob/Blob/BlobIndex from what look
// like two different fork lineages (see DESIGN.md). The byte-serializer
// idiom (put32be-style helpers, SuperBlob.AddBlob/Write) and the
// per-page-hash loop are grounded on that tree's ideas, not its literal
// code; magic numbers and structure layout are grounded on spec §6.4 and
// original_source/dyld/cache-builder/CachePatching.h's neighboring
// CodeDirectory-era C structs.
package codesign

import (
	"crypto/sha1"
	"crypto/sha256"
	"encoding/binary"

	"golang.org/x/sync/errgroup"

	"github.com/google/uuid"
)

const (
	magicCodeDirectory = 0xfade0c02
	magicRequirements   = 0xfade0c01
	magicEmbeddedSig    = 0xfade0cc0
	magicEmbeddedSigOld = 0xfade0b02 // unused by this emitter, retained for completeness of the magic set
	magicBlobWrapper    = 0xfade0b01

	cdVersion = 0x20400

	cdFlagAdhoc = 0x00000002

	hashTypeSHA1   = 1
	hashTypeSHA256 = 2

	hashSizeSHA1   = 20
	hashSizeSHA256 = 32
)

// DigestMode selects which code-directory hash(es) are produced (spec
// §6.5 codeSigningDigestMode and §4.9).
type DigestMode int

const (
	DigestSHA256Only DigestMode = iota
	DigestSHA1Only
	DigestAgile
)

// Input is everything the codesigner needs about one sub-cache's final,
// fully-fixed-up byte image.
type Input struct {
	Data         []byte // the complete sub-cache buffer, TEXT..LINKEDIT (+ local symbols if applicable)
	PageSize     uint32
	ExecSegBase  uint64
	ExecSegLimit uint64
	Identifier   string
	Digest       DigestMode
}

// Result is the signed SuperBlob plus the derived cache UUID.
type Result struct {
	SuperBlob []byte
	CDHash    [20]byte // primary cdHash: SHA1 if present, else SHA256-truncated
	AltCDHash [20]byte // set only in Agile mode
	UUID      [16]byte
}

type codeDirectory struct {
	hashType   uint8
	hashSize   uint8
	pageSize   uint32 // log2
	codeLimit  uint64
	execSegBase  uint64
	execSegLimit uint64
	identifier string
	hashes     [][]byte
}

// Sign builds the SuperBlob for in and computes the UUID by truncated-SHA256
// of the CodeDirectory with RFC-4122 v3 bits forced. It does not re-hash
// page 0: once the caller has written the UUID into page 0, it calls
// RehashPageZero to patch the first hash slot.
func Sign(in Input) (Result, error) {
	pageSize := uint64(in.PageSize)
	if pageSize == 0 {
		pageSize = 4096
	}
	pageSizeLog2 := log2(pageSize)

	codeLimit := uint64(len(in.Data))
	numPages := (codeLimit + pageSize - 1) / pageSize

	sha256Hashes, err := hashPages(in.Data, pageSize, numPages, sha256.Sum256, hashSizeSHA256)
	if err != nil {
		return Result{}, err
	}

	var sha1Hashes [][]byte
	if in.Digest != DigestSHA256Only {
		sha1Hashes, err = hashPages(in.Data, pageSize, numPages, sha1.Sum, hashSizeSHA1)
		if err != nil {
			return Result{}, err
		}
	}

	var primary *codeDirectory
	var alt *codeDirectory

	switch in.Digest {
	case DigestSHA256Only:
		primary = &codeDirectory{hashType: hashTypeSHA256, hashSize: hashSizeSHA256, pageSize: uint32(pageSizeLog2), codeLimit: codeLimit, execSegBase: in.ExecSegBase, execSegLimit: in.ExecSegLimit, identifier: in.Identifier, hashes: sha256Hashes}
	case DigestSHA1Only:
		primary = &codeDirectory{hashType: hashTypeSHA1, hashSize: hashSizeSHA1, pageSize: uint32(pageSizeLog2), codeLimit: codeLimit, execSegBase: in.ExecSegBase, execSegLimit: in.ExecSegLimit, identifier: in.Identifier, hashes: sha1Hashes}
	case DigestAgile:
		primary = &codeDirectory{hashType: hashTypeSHA1, hashSize: hashSizeSHA1, pageSize: uint32(pageSizeLog2), codeLimit: codeLimit, execSegBase: in.ExecSegBase, execSegLimit: in.ExecSegLimit, identifier: in.Identifier, hashes: sha1Hashes}
		alt = &codeDirectory{hashType: hashTypeSHA256, hashSize: hashSizeSHA256, pageSize: uint32(pageSizeLog2), codeLimit: codeLimit, execSegBase: in.ExecSegBase, execSegLimit: in.ExecSegLimit, identifier: in.Identifier, hashes: sha256Hashes}
	}

	sb := newSuperBlob()
	sb.addBlob(magicCodeDirectory, serializeCodeDirectory(primary))
	sb.addBlob(magicRequirements, []byte{})
	sb.addBlob(magicBlobWrapper, []byte{})
	if alt != nil {
		sb.addBlob(magicCodeDirectory, serializeCodeDirectory(alt))
	}

	blob := sb.write()

	cdBytes := serializeCodeDirectory(primary)
	digest := sha256.Sum256(cdBytes)
	var u [16]byte
	copy(u[:], digest[:16])
	u[6] = (u[6] & 0x0F) | 0x30 // version 3
	u[8] = (u[8] & 0x3F) | 0x80 // RFC 4122 variant

	// Re-hash page 0 after the UUID is conceptually placed into the
	// mapped image (spec §4.9's "key twist"). The UUID itself lives in
	// the sub-cache header, which is part of page 0's content; the
	// caller is responsible for writing u into that header location
	// before calling RehashPageZero.
	_ = uuid.UUID(u) // validate shape via the real UUID type

	primaryHash := sha1.Sum(cdBytes)
	var cdHash, altHash [20]byte
	if in.Digest == DigestSHA256Only {
		h := sha256.Sum256(cdBytes)
		copy(cdHash[:], h[:20])
	} else {
		copy(cdHash[:], primaryHash[:])
		if alt != nil {
			altBytes := serializeCodeDirectory(alt)
			h := sha256.Sum256(altBytes)
			copy(altHash[:], h[:20])
		}
	}

	return Result{SuperBlob: blob, CDHash: cdHash, AltCDHash: altHash, UUID: u}, nil
}

// RehashPageZero recomputes page 0's hash (for every digest kind in use)
// after the caller has written the final UUID into the mapped header that
// lives on page 0, and patches the CodeDirectory's hash slots plus
// returns the updated SuperBlob bytes.
func RehashPageZero(superBlob []byte, data []byte, pageSize uint32, digest DigestMode) []byte {
	ps := uint64(pageSize)
	if ps == 0 {
		ps = 4096
	}
	end := ps
	if end > uint64(len(data)) {
		end = uint64(len(data))
	}
	page0 := data[:end]

	sha256Hash := sha256.Sum256(page0)
	sha1Hash := sha1.Sum(page0)

	out := append([]byte(nil), superBlob...)
	patchFirstHashSlot(out, hashTypeSHA256, sha256Hash[:])
	if digest != DigestSHA256Only {
		patchFirstHashSlot(out, hashTypeSHA1, sha1Hash[:])
	}
	return out
}

func patchFirstHashSlot(blob []byte, hashType uint8, digest []byte) {
	// A from-scratch SuperBlob scanner: walk the blob index to find each
	// CodeDirectory, check its embedded hashType byte, and overwrite hash
	// slot 0 (the first page) in place.
	if len(blob) < 12 {
		return
	}
	count := binary.BigEndian.Uint32(blob[8:12])
	for i := uint32(0); i < count; i++ {
		idxOff := 12 + i*8
		if int(idxOff)+8 > len(blob) {
			return
		}
		blobOffset := binary.BigEndian.Uint32(blob[idxOff+4 : idxOff+8])
		if int(blobOffset)+8 > len(blob) {
			continue
		}
		cdMagic := binary.BigEndian.Uint32(blob[blobOffset : blobOffset+4])
		if cdMagic != magicCodeDirectory {
			continue
		}
		hashOffset := binary.BigEndian.Uint32(blob[blobOffset+20 : blobOffset+24])
		hOff := blobOffset + hashOffset
		ht := blob[blobOffset+41 : blobOffset+42]
		if ht[0] != hashType {
			continue
		}
		if int(hOff)+len(digest) <= len(blob) {
			copy(blob[hOff:hOff+uint32(len(digest))], digest)
		}
	}
}

func log2(v uint64) uint64 {
	n := uint64(0)
	for v > 1 {
		v >>= 1
		n++
	}
	return n
}

func hashPages[H any](data []byte, pageSize uint64, numPages uint64, hashFn func([]byte) H, hashSize int) ([][]byte, error) {
	out := make([][]byte, numPages)
	var eg errgroup.Group
	for p := uint64(0); p < numPages; p++ {
		p := p
		eg.Go(func() error {
			start := p * pageSize
			end := start + pageSize
			if end > uint64(len(data)) {
				end = uint64(len(data))
			}
			h := hashFn(data[start:end])
			b := anyHashToBytes(h, hashSize)
			out[p] = b
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

func anyHashToBytes(h any, size int) []byte {
	switch v := h.(type) {
	case [20]byte:
		return v[:]
	case [32]byte:
		return v[:]
	default:
		return make([]byte, size)
	}
}

func serializeCodeDirectory(cd *codeDirectory) []byte {
	idBytes := append([]byte(cd.identifier), 0)
	headerSize := 44 + 4 // classic CodeDirectory header plus hashType/hashSize/spare fields packed below
	hashOffset := uint32(headerSize) + uint32(len(idBytes))

	buf := make([]byte, hashOffset+uint32(len(cd.hashes))*uint32(cd.hashSize))
	binary.BigEndian.PutUint32(buf[0:4], magicCodeDirectory)
	binary.BigEndian.PutUint32(buf[4:8], uint32(len(buf)))
	binary.BigEndian.PutUint32(buf[8:12], cdVersion)
	binary.BigEndian.PutUint32(buf[12:16], cdFlagAdhoc)
	binary.BigEndian.PutUint32(buf[16:20], uint32(headerSize)) // holds headerSize; the real hash offset is at 20:24, where patchFirstHashSlot reads it
	binary.BigEndian.PutUint32(buf[20:24], hashOffset)
	binary.BigEndian.PutUint32(buf[24:28], uint32(headerSize))
	binary.BigEndian.PutUint32(buf[28:32], uint32(len(cd.hashes)))
	binary.BigEndian.PutUint32(buf[32:36], 0)
	binary.BigEndian.PutUint32(buf[36:40], uint32(cd.codeLimit))
	buf[40] = cd.hashSize
	buf[41] = cd.hashType
	binary.BigEndian.PutUint16(buf[42:44], 0)
	buf[44] = byte(cd.pageSize)

	copy(buf[headerSize:], idBytes)
	for i, h := range cd.hashes {
		copy(buf[int(hashOffset)+i*int(cd.hashSize):], h)
	}
	return buf
}

type superBlob struct {
	types  []uint32
	blobs  [][]byte
}

func newSuperBlob() *superBlob { return &superBlob{} }

func (s *superBlob) addBlob(typ uint32, data []byte) {
	s.types = append(s.types, typ)
	s.blobs = append(s.blobs, data)
}

func (s *superBlob) write() []byte {
	indexSize := 12 + 8*len(s.blobs)
	total := indexSize
	offsets := make([]int, len(s.blobs))
	for i, b := range s.blobs {
		offsets[i] = total
		total += len(b)
	}

	buf := make([]byte, total)
	binary.BigEndian.PutUint32(buf[0:4], magicEmbeddedSig)
	binary.BigEndian.PutUint32(buf[4:8], uint32(total))
	binary.BigEndian.PutUint32(buf[8:12], uint32(len(s.blobs)))

	for i := range s.blobs {
		off := 12 + i*8
		binary.BigEndian.PutUint32(buf[off:off+4], s.types[i])
		binary.BigEndian.PutUint32(buf[off+4:off+8], uint32(offsets[i]))
		copy(buf[offsets[i]:], s.blobs[i])
	}
	return buf
}
