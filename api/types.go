package api

import (
	"github.com/vocdoni/anonvote/crypto/oprf"
	"github.com/vocdoni/anonvote/types"
)

// Node modes reported by the info endpoint.
const (
	ModeIA = "ia"
	ModePO = "po"
)

// IdentityRequest carries an identity provider credential.
type IdentityRequest struct {
	Credential types.HexBytes `json:"credential"`
}

// IdentityResponse carries the single-use identity proof reference.
type IdentityResponse struct {
	IdentityProofRef string `json:"identityProofRef"`
}

// TokenChallengeRequest is the blinded challenge of the second issuance
// round.
type TokenChallengeRequest struct {
	Challenge types.HexBytes `json:"challenge"`
}

// TokenChallengeResponse is the issuer response to the blinded challenge.
type TokenChallengeResponse struct {
	Response types.HexBytes `json:"response"`
}

// Vote is what a voter submits to the PO.
type Vote struct {
	PollID     string         `json:"pollId"`
	Token      *oprf.Token    `json:"token"`
	Commitment types.HexBytes `json:"commitment"`
}

// VoteResponse is the response returned by the vote submission endpoint.
type VoteResponse struct {
	PollID     string `json:"pollId"`
	SequenceNo uint64 `json:"sequenceNo"`
}

// SpentResponse reports whether a token tag was spent in a poll.
type SpentResponse struct {
	PollID string         `json:"pollId"`
	Tag    types.HexBytes `json:"tag"`
	Spent  bool           `json:"spent"`
}

// NewPollRequest opens a poll.
type NewPollRequest struct {
	PollID string `json:"pollId"`
}

// PollList is the response of the poll listing endpoint.
type PollList struct {
	Polls []types.Poll `json:"polls"`
}

// ClosePollResponse carries the closed poll and its final root.
type ClosePollResponse struct {
	Poll *types.Poll         `json:"poll"`
	Root *types.RootSnapshot `json:"root"`
}

// RootList is every snapshot published for a poll, oldest first.
type RootList struct {
	PollID string               `json:"pollId"`
	Roots  []types.RootSnapshot `json:"roots"`
}

// EventsResponse carries the security event counters of a poll.
type EventsResponse struct {
	PollID string              `json:"pollId"`
	Events types.EventCounters `json:"events"`
}

// NodeInfo describes the node to clients.
type NodeInfo struct {
	Mode    string         `json:"mode"`
	Version string         `json:"version"`
	Signer  types.HexBytes `json:"signer,omitempty"`
}
