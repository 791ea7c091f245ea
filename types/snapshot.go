package types

import (
	"time"

	"github.com/vocdoni/anonvote/util"
)

// RootSnapshot is a published Merkle root over the first LeafCount leaves of
// a poll. Once stored it never changes.
type RootSnapshot struct {
	PollID      string    `json:"pollId" cbor:"0,keyasint"`
	Root        HexBytes  `json:"root" cbor:"1,keyasint"`
	LeafCount   uint64    `json:"leafCount" cbor:"2,keyasint"`
	PublishedAt time.Time `json:"publishedAt" cbor:"3,keyasint"`
	Signer      HexBytes  `json:"signer,omitempty" cbor:"4,keyasint,omitempty"`
	Signature   HexBytes  `json:"signature,omitempty" cbor:"5,keyasint,omitempty"`
	CID         string    `json:"cid,omitempty" cbor:"6,keyasint,omitempty"`
}

const snapshotDomain = "anonvote-root-v1"

// SignedPayload is the message covered by Signature.
func (s *RootSnapshot) SignedPayload() []byte {
	out := util.LengthPrefixed([]byte(snapshotDomain), []byte(s.PollID), s.Root)
	out = append(out, util.Uint64ToBytes(s.LeafCount)...)
	return append(out, util.Uint64ToBytes(uint64(s.PublishedAt.Unix()))...)
}

// MerkleProof proves that the leaf with SequenceNo is included in the
// snapshot with Root. LeafCount is the size of that snapshot; the verifier
// needs it to know where the last node of a level was duplicated.
type MerkleProof struct {
	PollID     string     `json:"pollId"`
	SequenceNo uint64     `json:"sequenceNo"`
	LeafIndex  uint64     `json:"leafIndex"`
	LeafCount  uint64     `json:"leafCount"`
	Leaf       HexBytes   `json:"leaf"`
	Siblings   []HexBytes `json:"siblings"`
	Root       HexBytes   `json:"root"`
}
