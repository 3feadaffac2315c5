// Package pssh locates the private data carried in a protection system
// specific header box.
//
// Box layout, all fields big-endian:
//
//	size       uint32   total box size, including this field
//	type       uint32   'pssh'
//	header     uint32   version and flags, ignored
//	system id  [16]byte Common Encryption identifier
//	kid count  uint32
//	kids       [count][16]byte
//	length     uint32
//	data       [length]byte
package pssh

import (
	"bytes"

	"github.com/lanikai/alohacdm/internal/packet"
)

// Negative results of FindPrivateData.
const (
	ErrInsufficientData int32 = -1
	ErrTypeMismatch     int32 = -2
	ErrSystemIDMismatch int32 = -3
)

// BoxType is 'pssh' as a big-endian integer.
const BoxType uint32 = 0x70737368

const kidSize = 16

// SystemID is the Common Encryption system identifier
// 1077efec-c0b2-4d02-ace3-3c1e52e2fb4b.
var SystemID = [16]byte{
	0x10, 0x77, 0xef, 0xec, 0xc0, 0xb2, 0x4d, 0x02,
	0xac, 0xe3, 0x3c, 0x1e, 0x52, 0xe2, 0xfb, 0x4b,
}

// FindPrivateData returns the private data embedded in box together with
// its length. On failure it returns nil and one of ErrInsufficientData,
// ErrTypeMismatch or ErrSystemIDMismatch. The returned slice aliases box.
//
// The declared box size bounds every read. A declared size larger than the
// buffer is clamped to the buffer, so truncated input reports
// ErrInsufficientData instead of reading past the end.
func FindPrivateData(box []byte) ([]byte, int32) {
	r := packet.NewReader(box)
	if r.CheckRemaining(4) != nil {
		return nil, ErrInsufficientData
	}
	size := r.ReadUint32()
	if uint64(size) < uint64(len(box)) {
		r.Limit(int(size))
	}

	if r.CheckRemaining(4) != nil {
		return nil, ErrInsufficientData
	}
	if r.ReadUint32() != BoxType {
		return nil, ErrTypeMismatch
	}

	if r.CheckRemaining(4) != nil {
		return nil, ErrInsufficientData
	}
	r.Skip(4)

	if r.CheckRemaining(len(SystemID)) != nil {
		return nil, ErrInsufficientData
	}
	if !bytes.Equal(r.ReadSlice(len(SystemID)), SystemID[:]) {
		return nil, ErrSystemIDMismatch
	}

	if r.CheckRemaining(4) != nil {
		return nil, ErrInsufficientData
	}
	count := uint64(r.ReadUint32())
	if count*kidSize > uint64(r.Remaining()) {
		return nil, ErrInsufficientData
	}
	r.Skip(int(count * kidSize))

	if r.CheckRemaining(4) != nil {
		return nil, ErrInsufficientData
	}
	length := uint64(r.ReadUint32())
	if length > uint64(r.Remaining()) {
		return nil, ErrInsufficientData
	}
	if r.Remaining() != int(length) {
		log.Debug("%d trailing bytes after private data", r.Remaining()-int(length))
	}
	return r.ReadSlice(int(length)), int32(length)
}

// Build encodes a box carrying the given key ids and private data.
func Build(kids [][16]byte, private []byte) []byte {
	w := packet.NewWriterSize(32 + len(kids)*kidSize + len(private))
	w.WriteUint32(0)
	w.WriteUint32(BoxType)
	// Version 1, no flags.
	w.WriteUint32(1 << 24)
	w.WriteSlice(SystemID[:])
	w.WriteUint32(uint32(len(kids)))
	for i := range kids {
		w.WriteSlice(kids[i][:])
	}
	w.WriteUint32(uint32(len(private)))
	w.WriteSlice(private)
	w.PatchUint32(0, uint32(w.Length()))
	return w.Bytes()
}
