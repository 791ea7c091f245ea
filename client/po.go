package client

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/vocdoni/anonvote/api"
	"github.com/vocdoni/anonvote/auditlog"
	"github.com/vocdoni/anonvote/crypto/oprf"
	"github.com/vocdoni/anonvote/merkle"
	"github.com/vocdoni/anonvote/types"
)

func pollPath(endpoint, pollID string) string {
	return api.EndpointWithParam(endpoint, api.PollURLParam, pollID)
}

// SubmitVote submits a vote and returns its sequence number.
func (c *HTTPclient) SubmitVote(ctx context.Context, pollID string, token *oprf.Token, commitment []byte) (uint64, error) {
	resp := &api.VoteResponse{}
	err := c.call(ctx, http.MethodPost, &api.Vote{PollID: pollID, Token: token, Commitment: commitment}, resp, nil, api.VotesEndpoint)
	return resp.SequenceNo, err
}

// Spent reports whether tag was spent in pollID.
func (c *HTTPclient) Spent(ctx context.Context, pollID string, tag []byte) (bool, error) {
	resp := &api.SpentResponse{}
	endpoint := api.EndpointWithParam(pollPath(api.VoteSpentEndpoint, pollID), api.TagURLParam, types.HexBytes(tag).Hex())
	return resp.Spent, c.call(ctx, http.MethodGet, nil, resp, nil, endpoint)
}

// OpenPoll opens a poll. It needs the admin token.
func (c *HTTPclient) OpenPoll(ctx context.Context, pollID string) (*types.Poll, error) {
	poll := &types.Poll{}
	return poll, c.call(ctx, http.MethodPost, &api.NewPollRequest{PollID: pollID}, poll, nil, api.PollsEndpoint)
}

// ClosePoll closes a poll and returns its final root. It needs the admin
// token.
func (c *HTTPclient) ClosePoll(ctx context.Context, pollID string) (*api.ClosePollResponse, error) {
	resp := &api.ClosePollResponse{}
	return resp, c.call(ctx, http.MethodPost, nil, resp, nil, pollPath(api.PollCloseEndpoint, pollID))
}

// Poll returns a poll.
func (c *HTTPclient) Poll(ctx context.Context, pollID string) (*types.Poll, error) {
	poll := &types.Poll{}
	return poll, c.call(ctx, http.MethodGet, nil, poll, nil, pollPath(api.PollEndpoint, pollID))
}

// LoadKeys pushes a verification key set to a PO. It needs the admin token.
func (c *HTTPclient) LoadKeys(ctx context.Context, set *types.VerificationKeySet) error {
	return c.call(ctx, http.MethodPost, set, nil, nil, api.KeysEndpoint)
}

// Root returns the latest root published for pollID.
func (c *HTTPclient) Root(ctx context.Context, pollID string) (*types.RootSnapshot, error) {
	snap := &types.RootSnapshot{}
	return snap, c.call(ctx, http.MethodGet, nil, snap, nil, pollPath(api.RootEndpoint, pollID))
}

// Roots returns every root published for pollID.
func (c *HTTPclient) Roots(ctx context.Context, pollID string) ([]types.RootSnapshot, error) {
	resp := &api.RootList{}
	return resp.Roots, c.call(ctx, http.MethodGet, nil, resp, nil, pollPath(api.RootsEndpoint, pollID))
}

// PublishRoot asks the PO to publish a root now. It needs the admin token.
func (c *HTTPclient) PublishRoot(ctx context.Context, pollID string) (*types.RootSnapshot, error) {
	snap := &types.RootSnapshot{}
	return snap, c.call(ctx, http.MethodPost, nil, snap, nil, pollPath(api.RootsEndpoint, pollID))
}

// Proof returns the inclusion proof of vote seq. A zero leafCount asks for
// the proof against the latest root.
func (c *HTTPclient) Proof(ctx context.Context, pollID string, seq, leafCount uint64) (*types.MerkleProof, error) {
	var params []string
	if leafCount > 0 {
		params = []string{api.LeafCountQueryArg, strconv.FormatUint(leafCount, 10)}
	}
	endpoint := api.EndpointWithParam(pollPath(api.ProofEndpoint, pollID), api.SequenceURLParam, strconv.FormatUint(seq, 10))
	proof := &types.MerkleProof{}
	return proof, c.call(ctx, http.MethodGet, nil, proof, params, endpoint)
}

// Events returns the security event counters of pollID.
func (c *HTTPclient) Events(ctx context.Context, pollID string) (types.EventCounters, error) {
	resp := &api.EventsResponse{}
	return resp.Events, c.call(ctx, http.MethodGet, nil, resp, nil, pollPath(api.EventsEndpoint, pollID))
}

// WaitForRoot polls the PO until a root covering vote seq is published.
func (c *HTTPclient) WaitForRoot(ctx context.Context, pollID string, seq uint64, interval time.Duration) (*types.RootSnapshot, error) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		snap, err := c.Root(ctx, pollID)
		switch {
		case err == nil && snap.LeafCount > seq:
			return snap, nil
		case err != nil && !errors.Is(err, api.ErrNoRootPublished):
			return nil, err
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// AuditVote fetches the latest root of pollID and the inclusion proof of
// vote seq against it, and checks that the vote with commitment is
// included. poSigner is the expected root signer; the zero address skips
// the signature check.
func (c *HTTPclient) AuditVote(ctx context.Context, pollID string, seq uint64, commitment []byte, poSigner common.Address) (*types.RootSnapshot, error) {
	snap, err := c.Root(ctx, pollID)
	if err != nil {
		return nil, err
	}
	proof, err := c.Proof(ctx, pollID, seq, snap.LeafCount)
	if err != nil {
		return nil, err
	}
	return snap, VerifyVote(snap, proof, pollID, seq, commitment, poSigner)
}

// VerifyVote checks offline that the vote (pollID, seq, commitment) is
// included in snap according to proof.
func VerifyVote(snap *types.RootSnapshot, proof *types.MerkleProof, pollID string, seq uint64, commitment []byte, poSigner common.Address) error {
	if err := auditlog.VerifySnapshot(snap, poSigner); err != nil {
		return err
	}
	switch {
	case snap.PollID != pollID || proof.PollID != pollID:
		return fmt.Errorf("root or proof of another poll")
	case proof.SequenceNo != seq || proof.LeafIndex != seq:
		return fmt.Errorf("proof of another vote")
	case proof.LeafCount != snap.LeafCount || !proof.Root.Equal(snap.Root):
		return fmt.Errorf("proof against another root")
	}
	leaf := (&types.VoteCommitment{PollID: pollID, SequenceNo: seq, Commitment: commitment}).LeafBytes()
	if !types.HexBytes(leaf).Equal(proof.Leaf) {
		return fmt.Errorf("proof of another commitment")
	}
	if !merkle.VerifyInclusion(snap.Root, leaf, proof) {
		return fmt.Errorf("inclusion proof does not verify")
	}
	return nil
}
