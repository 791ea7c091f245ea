package types

import (
	"cmp"
	"fmt"
	"slices"
	"time"

	"github.com/vocdoni/anonvote/util"
)

// VerificationKey is the public OPRF key of one IA key epoch. Tokens carry
// the epoch they were issued under and are checked against the matching key.
type VerificationKey struct {
	Epoch     uint32     `json:"epoch" cbor:"0,keyasint"`
	PublicKey HexBytes   `json:"publicKey" cbor:"1,keyasint"`
	NotBefore time.Time  `json:"notBefore" cbor:"2,keyasint"`
	NotAfter  *time.Time `json:"notAfter,omitempty" cbor:"3,keyasint,omitempty"`
}

// ValidAt reports whether tokens of this epoch are accepted at t.
func (k *VerificationKey) ValidAt(t time.Time) bool {
	if t.Before(k.NotBefore) {
		return false
	}
	return k.NotAfter == nil || t.Before(*k.NotAfter)
}

// VerificationKeySet is the versioned, signed artifact the IA publishes and
// the PO consumes offline.
type VerificationKeySet struct {
	Version   uint64            `json:"version" cbor:"0,keyasint"`
	Keys      []VerificationKey `json:"keys" cbor:"1,keyasint"`
	Signer    HexBytes          `json:"signer" cbor:"2,keyasint"`
	Signature HexBytes          `json:"signature" cbor:"3,keyasint"`
}

const keySetDomain = "anonvote-keys-v1"

// SignedPayload is the message covered by Signature. Keys are encoded in
// epoch order.
func (s *VerificationKeySet) SignedPayload() []byte {
	keys := slices.Clone(s.Keys)
	slices.SortFunc(keys, func(a, b VerificationKey) int { return cmp.Compare(a.Epoch, b.Epoch) })
	out := util.LengthPrefixed([]byte(keySetDomain))
	out = append(out, util.Uint64ToBytes(s.Version)...)
	for _, k := range keys {
		out = append(out, util.Uint64ToBytes(uint64(k.Epoch))...)
		out = append(out, util.LengthPrefixed(k.PublicKey)...)
		out = append(out, util.Uint64ToBytes(uint64(k.NotBefore.Unix()))...)
		notAfter := uint64(0)
		if k.NotAfter != nil {
			notAfter = uint64(k.NotAfter.Unix())
		}
		out = append(out, util.Uint64ToBytes(notAfter)...)
	}
	return out
}

// Key returns the key of epoch.
func (s *VerificationKeySet) Key(epoch uint32) (*VerificationKey, error) {
	for i := range s.Keys {
		if s.Keys[i].Epoch == epoch {
			return &s.Keys[i], nil
		}
	}
	return nil, fmt.Errorf("unknown key epoch %d", epoch)
}
