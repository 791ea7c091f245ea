package oprf

import (
	"crypto/sha512"
	"errors"

	"github.com/gtank/ristretto255"
)

const (
	hashBlockSize  = sha512.BlockSize
	hashOutputSize = sha512.Size
	// uniformBytes is the input size of the ristretto255 one-way map and
	// of the wide scalar reduction.
	uniformBytes = 64
)

var errExpandLength = errors.New("expand_message_xmd: invalid length")

// expandMessageXMD is expand_message_xmd from RFC 9380 section 5.3.1
// instantiated with SHA-512.
func expandMessageXMD(msg, dst []byte, length int) ([]byte, error) {
	ell := (length + hashOutputSize - 1) / hashOutputSize
	if ell > 255 || length > 0xffff || len(dst) > 255 || length == 0 {
		return nil, errExpandLength
	}
	dstPrime := append(append([]byte{}, dst...), byte(len(dst)))

	h := sha512.New()
	h.Write(make([]byte, hashBlockSize))
	h.Write(msg)
	h.Write([]byte{byte(length >> 8), byte(length), 0})
	h.Write(dstPrime)
	b0 := h.Sum(nil)

	h.Reset()
	h.Write(b0)
	h.Write([]byte{1})
	h.Write(dstPrime)
	bi := h.Sum(nil)

	out := make([]byte, 0, ell*hashOutputSize)
	out = append(out, bi...)
	for i := 2; i <= ell; i++ {
		x := make([]byte, hashOutputSize)
		for j := range x {
			x[j] = b0[j] ^ bi[j]
		}
		h.Reset()
		h.Write(x)
		h.Write([]byte{byte(i)})
		h.Write(dstPrime)
		bi = h.Sum(nil)
		out = append(out, bi...)
	}
	return out[:length], nil
}

// hashToGroup maps msg to a ristretto255 element (RFC 9380 appendix B,
// ristretto255_XMD:SHA-512_R255MAP_RO_).
func hashToGroup(msg, dst []byte) *ristretto255.Element {
	uniform, err := expandMessageXMD(msg, dst, uniformBytes)
	if err != nil {
		// only reachable with an oversized DST, which is a constant
		panic(err)
	}
	return ristretto255.NewElement().FromUniformBytes(uniform)
}

// hashToScalar maps msg to a scalar by wide reduction of 64 uniform bytes.
func hashToScalar(msg, dst []byte) *ristretto255.Scalar {
	uniform, err := expandMessageXMD(msg, dst, uniformBytes)
	if err != nil {
		panic(err)
	}
	return ristretto255.NewScalar().FromUniformBytes(uniform)
}

// HashToGroup hashes input to a group element with the suite DST.
func HashToGroup(input []byte) *ristretto255.Element {
	return hashToGroup(input, dstHashToGroup)
}

// HashToScalar hashes input to a scalar with the suite DST.
func HashToScalar(input []byte) *ristretto255.Scalar {
	return hashToScalar(input, dstHashToScalar)
}
