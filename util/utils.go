package util

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
)

// RandomBytes returns n bytes read from the system CSPRNG.
func RandomBytes(n int) []byte {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		panic(err)
	}
	return b
}

// RandomHex returns the hex encoding of n random bytes.
func RandomHex(n int) string {
	return fmt.Sprintf("%x", RandomBytes(n))
}

// TrimHex trims the '0x' prefix from a hex string.
func TrimHex(s string) string {
	if len(s) >= 2 && s[0] == '0' && (s[1] == 'x' || s[1] == 'X') {
		return s[2:]
	}
	return s
}

// Uint64ToBytes encodes v as 8 big-endian bytes, so encoded values sort in
// numeric order when used as database keys.
func Uint64ToBytes(v uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, v)
	return b
}

// BytesToUint64 decodes a big-endian uint64, returning 0 for short inputs.
func BytesToUint64(b []byte) uint64 {
	if len(b) < 8 {
		return 0
	}
	return binary.BigEndian.Uint64(b)
}

// LengthPrefixed encodes each part as a 2-byte big-endian length followed by
// the bytes themselves. Parts longer than 65535 bytes cause a panic.
func LengthPrefixed(parts ...[]byte) []byte {
	size := 0
	for _, p := range parts {
		size += 2 + len(p)
	}
	out := make([]byte, 0, size)
	for _, p := range parts {
		if len(p) > 0xffff {
			panic(fmt.Sprintf("length prefixed part too long: %d", len(p)))
		}
		out = binary.BigEndian.AppendUint16(out, uint16(len(p)))
		out = append(out, p...)
	}
	return out
}
