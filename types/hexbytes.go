package types

import (
	"crypto/subtle"
	"encoding/hex"
	"fmt"

	"github.com/vocdoni/anonvote/util"
)

// HexBytes is a []byte which encodes as a 0x prefixed hexadecimal string in
// JSON, as opposed to the base64 default. Group elements, hashes and
// signatures travel as HexBytes in every API payload.
type HexBytes []byte

// Bytes returns the underlying byte slice.
func (b HexBytes) Bytes() []byte {
	return b
}

// Hex returns the hexadecimal representation without prefix.
func (b HexBytes) Hex() string {
	return hex.EncodeToString(b)
}

// String returns the hexadecimal representation prefixed with "0x".
func (b HexBytes) String() string {
	return "0x" + b.Hex()
}

// Equal compares b and other in constant time for equal lengths.
func (b HexBytes) Equal(other HexBytes) bool {
	return len(b) == len(other) && subtle.ConstantTimeCompare(b, other) == 1
}

// Clone returns a copy of b.
func (b HexBytes) Clone() HexBytes {
	if b == nil {
		return nil
	}
	out := make(HexBytes, len(b))
	copy(out, b)
	return out
}

// MarshalJSON implements json.Marshaler.
func (b HexBytes) MarshalJSON() ([]byte, error) {
	enc := make([]byte, hex.EncodedLen(len(b))+4)
	enc[0], enc[1], enc[2] = '"', '0', 'x'
	hex.Encode(enc[3:], b)
	enc[len(enc)-1] = '"'
	return enc, nil
}

// UnmarshalJSON implements json.Unmarshaler. The 0x prefix is optional.
func (b *HexBytes) UnmarshalJSON(data []byte) error {
	if len(data) < 2 || data[0] != '"' || data[len(data)-1] != '"' {
		return fmt.Errorf("invalid JSON string: %q", data)
	}
	decoded, err := HexStringToHexBytes(string(data[1 : len(data)-1]))
	if err != nil {
		return err
	}
	*b = decoded
	return nil
}

// HexStringToHexBytes decodes a hex string with or without 0x prefix.
func HexStringToHexBytes(s string) (HexBytes, error) {
	out, err := hex.DecodeString(util.TrimHex(s))
	if err != nil {
		return nil, fmt.Errorf("invalid hex string %q: %w", s, err)
	}
	return out, nil
}

// HexStringToHexBytesMustUnmarshal is HexStringToHexBytes for constants and
// tests. It panics on malformed input.
func HexStringToHexBytesMustUnmarshal(s string) HexBytes {
	out, err := HexStringToHexBytes(s)
	if err != nil {
		panic(err)
	}
	return out
}
