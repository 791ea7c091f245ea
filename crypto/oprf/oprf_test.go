package oprf

import (
	"bytes"
	"encoding/hex"
	"math"
	"testing"

	qt "github.com/frankban/quicktest"
	"github.com/gtank/ristretto255"
	"github.com/vocdoni/anonvote/util"
)

func TestExpandMessageXMD(t *testing.T) {
	c := qt.New(t)
	// RFC 9380 appendix K.3
	out, err := expandMessageXMD([]byte(""), []byte("QUUX-V01-CS02-with-expander-SHA512-256"), 0x20)
	c.Assert(err, qt.IsNil)
	c.Assert(hex.EncodeToString(out), qt.Equals, "6b9a7312411d92f921c6f68ca0b6380730a1a4d982c507211a90964c394179ba")

	long, err := expandMessageXMD([]byte("abc"), []byte("dst"), 200)
	c.Assert(err, qt.IsNil)
	c.Assert(long, qt.HasLen, 200)
	c.Assert(bytes.Equal(long[:64], long[64:128]), qt.IsFalse)

	_, err = expandMessageXMD(nil, []byte("dst"), 0)
	c.Assert(err, qt.IsNotNil)
	_, err = expandMessageXMD(nil, bytes.Repeat([]byte{1}, 256), 32)
	c.Assert(err, qt.IsNotNil)
}

func TestDeriveKeyPair(t *testing.T) {
	c := qt.New(t)
	seed := bytes.Repeat([]byte{0xa3}, 32)
	k1, err := DeriveKeyPair(seed, []byte("epoch 1"))
	c.Assert(err, qt.IsNil)
	k1b, err := DeriveKeyPair(seed, []byte("epoch 1"))
	c.Assert(err, qt.IsNil)
	c.Assert(k1.PublicBytes(), qt.DeepEquals, k1b.PublicBytes())

	k2, err := DeriveKeyPair(seed, []byte("epoch 2"))
	c.Assert(err, qt.IsNil)
	c.Assert(bytes.Equal(k1.PublicBytes(), k2.PublicBytes()), qt.IsFalse)

	_, err = DeriveKeyPair(seed[:31], nil)
	c.Assert(err, qt.ErrorIs, ErrDeriveKeyPair)
}

func TestBlindEvaluateUnblind(t *testing.T) {
	c := qt.New(t)
	key := GenerateKeyPair()
	input := TokenInput("p1", util.RandomBytes(InputNonceSize))
	info := []byte("p1")

	blinded, blind, err := Blind(input)
	c.Assert(err, qt.IsNil)
	evaluated, err := Evaluate(key.Secret, blinded, info)
	c.Assert(err, qt.IsNil)
	element, err := Unblind(evaluated, blind)
	c.Assert(err, qt.IsNil)

	direct, err := evaluateDirect(key.Secret, input, info)
	c.Assert(err, qt.IsNil)
	c.Assert(element, qt.DeepEquals, direct)

	// a second blind of the same input evaluates to the same element
	blinded2, blind2, err := Blind(input)
	c.Assert(err, qt.IsNil)
	c.Assert(bytes.Equal(blinded, blinded2), qt.IsFalse)
	evaluated2, err := Evaluate(key.Secret, blinded2, info)
	c.Assert(err, qt.IsNil)
	element2, err := Unblind(evaluated2, blind2)
	c.Assert(err, qt.IsNil)
	c.Assert(element2, qt.DeepEquals, element)

	// the poll is part of the evaluation
	other, err := evaluateDirect(key.Secret, input, []byte("p2"))
	c.Assert(err, qt.IsNil)
	c.Assert(bytes.Equal(other, element), qt.IsFalse)
}

func TestEvaluateRejectsInvalidElements(t *testing.T) {
	c := qt.New(t)
	key := GenerateKeyPair()

	_, err := Evaluate(key.Secret, EncodeElement(ristretto255.NewElement()), []byte("p1"))
	c.Assert(err, qt.ErrorIs, ErrInvalidElement)

	_, err = Evaluate(key.Secret, bytes.Repeat([]byte{0xff}, ElementSize), []byte("p1"))
	c.Assert(err, qt.ErrorIs, ErrInvalidElement)

	_, err = Evaluate(key.Secret, []byte{1, 2, 3}, []byte("p1"))
	c.Assert(err, qt.ErrorIs, ErrInvalidElement)

	// negative field element encodings are not canonical
	neg := make([]byte, ElementSize)
	neg[0] = 1
	_, err = Evaluate(key.Secret, neg, []byte("p1"))
	c.Assert(err, qt.ErrorIs, ErrInvalidElement)
}

func TestEvaluateRejectsZeroTweak(t *testing.T) {
	c := qt.New(t)
	info := []byte("p1")
	// secret chosen so that sk + m = 0
	sk := ristretto255.NewScalar().Negate(infoScalar(info))
	blinded, _, err := Blind([]byte("input"))
	c.Assert(err, qt.IsNil)
	_, err = Evaluate(sk, blinded, info)
	c.Assert(err, qt.ErrorIs, ErrInverse)
}

func TestDecodeScalar(t *testing.T) {
	c := qt.New(t)
	s := RandomScalar()
	back, err := DecodeScalar(EncodeScalar(s))
	c.Assert(err, qt.IsNil)
	c.Assert(back.Equal(s), qt.Equals, 1)

	_, err = DecodeScalar(bytes.Repeat([]byte{0xff}, ScalarSize))
	c.Assert(err, qt.ErrorIs, ErrInvalidScalar)
	_, err = DecodeScalar([]byte{1})
	c.Assert(err, qt.ErrorIs, ErrInvalidScalar)
}

func TestEvaluationProof(t *testing.T) {
	c := qt.New(t)
	key := GenerateKeyPair()
	info := []byte("p1")
	blinded, _, err := Blind([]byte("input"))
	c.Assert(err, qt.IsNil)
	evaluated, err := Evaluate(key.Secret, blinded, info)
	c.Assert(err, qt.IsNil)

	proof, err := ProveEvaluation(key.Secret, blinded, evaluated, info)
	c.Assert(err, qt.IsNil)
	c.Assert(VerifyEvaluation(key.Public, blinded, evaluated, info, proof), qt.IsTrue)

	decoded, err := DecodeProof(proof.Encode())
	c.Assert(err, qt.IsNil)
	c.Assert(VerifyEvaluation(key.Public, blinded, evaluated, info, decoded), qt.IsTrue)

	c.Assert(VerifyEvaluation(GenerateKeyPair().Public, blinded, evaluated, info, proof), qt.IsFalse)
	c.Assert(VerifyEvaluation(key.Public, blinded, evaluated, []byte("p2"), proof), qt.IsFalse)

	// evaluation under another key does not verify against the published one
	rogue := GenerateKeyPair()
	rogueEval, err := Evaluate(rogue.Secret, blinded, info)
	c.Assert(err, qt.IsNil)
	rogueProof, err := ProveEvaluation(rogue.Secret, blinded, rogueEval, info)
	c.Assert(err, qt.IsNil)
	c.Assert(VerifyEvaluation(key.Public, blinded, rogueEval, info, rogueProof), qt.IsFalse)
}

func TestBatchedProofIsDeterministicForNonce(t *testing.T) {
	c := qt.New(t)
	k := RandomScalar()
	G := ristretto255.NewElement().Base()
	B := ristretto255.NewElement().ScalarBaseMult(k)
	var cs, ds []*ristretto255.Element
	for range 3 {
		ci := ristretto255.NewElement().ScalarBaseMult(RandomScalar())
		cs = append(cs, ci)
		ds = append(ds, ristretto255.NewElement().ScalarMult(k, ci))
	}
	r := RandomScalar()
	p1 := generateProofWith(k, G, B, cs, ds, r)
	p2 := generateProofWith(k, G, B, cs, ds, r)
	c.Assert(p1.Encode(), qt.DeepEquals, p2.Encode())
	c.Assert(VerifyProof(G, B, cs, ds, p1), qt.IsTrue)

	// swapping one pair breaks the batch
	ds[0], ds[1] = ds[1], ds[0]
	c.Assert(VerifyProof(G, B, cs, ds, p1), qt.IsFalse)
	c.Assert(VerifyProof(G, B, nil, nil, p1), qt.IsFalse)
}

func TestBlindedOutputsLookUniform(t *testing.T) {
	c := qt.New(t)
	const trials = 4000
	input := TokenInput("p1", bytes.Repeat([]byte{7}, InputNonceSize))

	// bit 0 (sign of s) and bit 255 (s < p) are fixed by the encoding
	var ones [256]int
	seen := make(map[string]bool, trials)
	for range trials {
		blinded, _, err := Blind(input)
		c.Assert(err, qt.IsNil)
		c.Assert(seen[string(blinded)], qt.IsFalse)
		seen[string(blinded)] = true
		for i := 1; i < 255; i++ {
			if blinded[i/8]>>(i%8)&1 == 1 {
				ones[i]++
			}
		}
	}
	// 6 sigma of a fair coin over trials flips
	bound := 6 * math.Sqrt(trials) / 2
	for i := 1; i < 255; i++ {
		dev := math.Abs(float64(ones[i]) - trials/2)
		c.Assert(dev < bound, qt.IsTrue, qt.Commentf("bit %d set %d times out of %d", i, ones[i], trials))
	}
}

func TestTokenInput(t *testing.T) {
	c := qt.New(t)
	nonce := util.RandomBytes(InputNonceSize)
	poll, n, err := ParseTokenInput(TokenInput("p1", nonce))
	c.Assert(err, qt.IsNil)
	c.Assert(poll, qt.Equals, "p1")
	c.Assert(n, qt.DeepEquals, nonce)

	_, _, err = ParseTokenInput([]byte("anonvote-v1"))
	c.Assert(err, qt.ErrorIs, ErrInvalidInput)
	_, _, err = ParseTokenInput(TokenInput("p1", nonce[:5]))
	c.Assert(err, qt.ErrorIs, ErrInvalidInput)
	_, _, err = ParseTokenInput(append([]byte("other-v1"), nonce...))
	c.Assert(err, qt.ErrorIs, ErrInvalidInput)
}
