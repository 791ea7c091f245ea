package types

import (
	"fmt"

	"github.com/vocdoni/anonvote/util"
)

// CommitmentSize is the size of a vote payload commitment (a SHA-256 hash of
// the vote content, computed by the caller).
const CommitmentSize = 32

// VoteCommitment is the payload of one Merkle leaf.
type VoteCommitment struct {
	PollID     string   `json:"pollId" cbor:"0,keyasint"`
	Commitment HexBytes `json:"commitment" cbor:"1,keyasint"`
	SequenceNo uint64   `json:"sequenceNo" cbor:"2,keyasint"`
}

// ValidateCommitment checks the commitment size.
func ValidateCommitment(commitment []byte) error {
	if len(commitment) != CommitmentSize {
		return fmt.Errorf("commitment must be %d bytes, got %d", CommitmentSize, len(commitment))
	}
	return nil
}

// LeafBytes returns the canonical leaf data hashed into the audit tree:
// len16(poll) || poll || uint64be(seq) || commitment.
func (v *VoteCommitment) LeafBytes() []byte {
	out := util.LengthPrefixed([]byte(v.PollID))
	out = append(out, util.Uint64ToBytes(v.SequenceNo)...)
	return append(out, v.Commitment...)
}
