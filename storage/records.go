package storage

import (
	"time"

	"github.com/vocdoni/anonvote/types"
)

// ProofRefRecord binds a single-use identity proof reference to the subject
// the identity hook verified.
type ProofRefRecord struct {
	Ref         string     `json:"ref" cbor:"0,keyasint"`
	Subject     string     `json:"subject" cbor:"1,keyasint"`
	CreatedAt   time.Time  `json:"createdAt" cbor:"2,keyasint"`
	ExpiresAt   time.Time  `json:"expiresAt" cbor:"3,keyasint"`
	ConsumedAt  *time.Time `json:"consumedAt,omitempty" cbor:"4,keyasint,omitempty"`
	ConsumedFor string     `json:"consumedFor,omitempty" cbor:"5,keyasint,omitempty"`
}

// Expired reports whether the reference can no longer be used at now.
func (r *ProofRefRecord) Expired(now time.Time) bool {
	return !now.Before(r.ExpiresAt)
}

// IssuanceRecord marks that a subject received its token for a poll. It is
// the only record where identity and poll appear together.
type IssuanceRecord struct {
	Subject  string    `json:"subject" cbor:"0,keyasint"`
	PollID   string    `json:"pollId" cbor:"1,keyasint"`
	ProofRef string    `json:"proofRef" cbor:"2,keyasint"`
	Epoch    uint32    `json:"epoch" cbor:"3,keyasint"`
	IssuedAt time.Time `json:"issuedAt" cbor:"4,keyasint"`
}

// IssuanceSession is the issuer side state of the two round token proof.
// Challenge and Response are set once the client sent its blinded
// challenge; a session never answers a second, different challenge.
type IssuanceSession struct {
	ID        string         `json:"id" cbor:"0,keyasint"`
	PollID    string         `json:"pollId" cbor:"1,keyasint"`
	Epoch     uint32         `json:"epoch" cbor:"2,keyasint"`
	Blinded   types.HexBytes `json:"blinded" cbor:"3,keyasint"`
	Evaluated types.HexBytes `json:"evaluated" cbor:"4,keyasint"`
	CreatedAt time.Time      `json:"createdAt" cbor:"5,keyasint"`
	ExpiresAt time.Time      `json:"expiresAt" cbor:"6,keyasint"`
	Challenge types.HexBytes `json:"challenge,omitempty" cbor:"7,keyasint,omitempty"`
	Response  types.HexBytes `json:"response,omitempty" cbor:"8,keyasint,omitempty"`
}

// Answered reports whether the session already produced a response.
func (s *IssuanceSession) Answered() bool {
	return len(s.Response) > 0
}

// RateCounter counts the issuances of a subject inside a fixed window.
type RateCounter struct {
	WindowStart time.Time `json:"windowStart" cbor:"0,keyasint"`
	Count       uint32    `json:"count" cbor:"1,keyasint"`
}

// SpentToken records that the token with Tag was redeemed in a poll, and the
// sequence number of the vote it was redeemed for.
type SpentToken struct {
	PollID     string         `json:"pollId" cbor:"0,keyasint"`
	Tag        types.HexBytes `json:"tag" cbor:"1,keyasint"`
	SequenceNo uint64         `json:"sequenceNo" cbor:"2,keyasint"`
	SpentAt    time.Time      `json:"spentAt" cbor:"3,keyasint"`
}
