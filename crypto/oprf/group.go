package oprf

import (
	"crypto/rand"

	"github.com/gtank/ristretto255"
)

const (
	// ElementSize is the size of a canonical ristretto255 encoding.
	ElementSize = 32
	// ScalarSize is the size of a canonical little-endian scalar.
	ScalarSize = 32
)

var identity = ristretto255.NewElement()

// DecodeElement parses a canonical element encoding, rejecting the identity.
// Every ristretto255 encoding that decodes is a member of the prime-order
// group, so no further subgroup check is needed.
func DecodeElement(b []byte) (*ristretto255.Element, error) {
	if len(b) != ElementSize {
		return nil, ErrInvalidElement
	}
	e := ristretto255.NewElement()
	if err := e.Decode(b); err != nil {
		return nil, ErrInvalidElement
	}
	if isIdentity(e) {
		return nil, ErrInvalidElement
	}
	return e, nil
}

// EncodeElement returns the canonical encoding of e.
func EncodeElement(e *ristretto255.Element) []byte {
	return e.Encode(make([]byte, 0, ElementSize))
}

// DecodeScalar parses a canonical (reduced) scalar encoding.
func DecodeScalar(b []byte) (*ristretto255.Scalar, error) {
	if len(b) != ScalarSize {
		return nil, ErrInvalidScalar
	}
	s := ristretto255.NewScalar()
	if err := s.Decode(b); err != nil {
		return nil, ErrInvalidScalar
	}
	return s, nil
}

// EncodeScalar returns the canonical encoding of s.
func EncodeScalar(s *ristretto255.Scalar) []byte {
	return s.Encode(make([]byte, 0, ScalarSize))
}

// RandomScalar returns a uniformly random non-zero scalar.
func RandomScalar() *ristretto255.Scalar {
	buf := make([]byte, uniformBytes)
	for {
		if _, err := rand.Read(buf); err != nil {
			panic(err)
		}
		s := ristretto255.NewScalar().FromUniformBytes(buf)
		if !isZero(s) {
			return s
		}
	}
}

func isIdentity(e *ristretto255.Element) bool {
	return e.Equal(identity) == 1
}

func isZero(s *ristretto255.Scalar) bool {
	return s.Equal(ristretto255.NewScalar()) == 1
}

// inverse returns 1/s. The inversion is a fixed exponentiation, so it runs in
// time independent of s.
func inverse(s *ristretto255.Scalar) (*ristretto255.Scalar, error) {
	if isZero(s) {
		return nil, ErrInverse
	}
	return ristretto255.NewScalar().Invert(s), nil
}
