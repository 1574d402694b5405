// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package encode

import (
	"encoding/binary"
)

var (
	// KeyCoder is the integer byte-encoding order of database keys. KeyCoder
	// must be BigEndian so that keys sort in numeric order.
	KeyCoder = binary.BigEndian
	// SeedCoder is the integer byte-encoding order of address derivation seeds
	// and program instruction fields.
	SeedCoder = binary.LittleEndian
)

// Uint32Bytes converts the uint32 to a length-4, big-endian encoded byte slice.
func Uint32Bytes(i uint32) []byte {
	b := make([]byte, 4)
	KeyCoder.PutUint32(b, i)
	return b
}

// Uint64Bytes converts the uint64 to a length-8, big-endian encoded byte slice.
func Uint64Bytes(i uint64) []byte {
	b := make([]byte, 8)
	KeyCoder.PutUint64(b, i)
	return b
}

// Uint64LE converts the uint64 to a length-8, little-endian encoded byte
// slice, the layout of a nonce seed.
func Uint64LE(i uint64) []byte {
	b := make([]byte, 8)
	SeedCoder.PutUint64(b, i)
	return b
}
