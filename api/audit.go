package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/vocdoni/anonvote/types"
)

// root returns the latest published root of a poll.
// GET /root/{pollId}
func (a *API) root(w http.ResponseWriter, r *http.Request) {
	pollID, ok := pollIDParam(w, r)
	if !ok {
		return
	}
	if _, err := a.voting.Poll(pollID); err != nil {
		writeVotingError(w, err)
		return
	}
	snap, err := a.audit.Root(pollID)
	if err != nil {
		writeVotingError(w, err)
		return
	}
	httpWriteJSON(w, snap)
}

// roots returns every root published for a poll, oldest first.
// GET /roots/{pollId}
func (a *API) roots(w http.ResponseWriter, r *http.Request) {
	pollID, ok := pollIDParam(w, r)
	if !ok {
		return
	}
	if _, err := a.voting.Poll(pollID); err != nil {
		writeVotingError(w, err)
		return
	}
	roots, err := a.audit.Roots(pollID)
	if err != nil {
		writeVotingError(w, err)
		return
	}
	if roots == nil {
		roots = []types.RootSnapshot{}
	}
	httpWriteJSON(w, &RootList{PollID: pollID, Roots: roots})
}

// publishRoot publishes a root over every vote accepted so far. If nothing
// changed since the last root, that root is returned.
// POST /roots/{pollId}
func (a *API) publishRoot(w http.ResponseWriter, r *http.Request) {
	pollID, ok := pollIDParam(w, r)
	if !ok {
		return
	}
	if _, err := a.voting.Poll(pollID); err != nil {
		writeVotingError(w, err)
		return
	}
	snap, _, err := a.audit.Snapshot(r.Context(), pollID)
	if err != nil {
		writeVotingError(w, err)
		return
	}
	httpWriteJSON(w, snap)
}

// proof returns the inclusion proof of a vote against the latest root, or
// against the root over leafCount votes when that query argument is set.
// GET /proof/{pollId}/{sequenceNo}
func (a *API) proof(w http.ResponseWriter, r *http.Request) {
	pollID, ok := pollIDParam(w, r)
	if !ok {
		return
	}
	seq, ok := uintParam(w, SequenceURLParam, chi.URLParam(r, SequenceURLParam))
	if !ok {
		return
	}
	if _, err := a.voting.Poll(pollID); err != nil {
		writeVotingError(w, err)
		return
	}
	var (
		proof *types.MerkleProof
		err   error
	)
	if raw := r.URL.Query().Get(LeafCountQueryArg); raw != "" {
		leafCount, ok := uintParam(w, LeafCountQueryArg, raw)
		if !ok {
			return
		}
		proof, err = a.audit.ProveInclusionAt(pollID, seq, leafCount)
	} else {
		proof, err = a.audit.ProveInclusion(pollID, seq)
	}
	if err != nil {
		writeVotingError(w, err)
		return
	}
	httpWriteJSON(w, proof)
}
