package api

import (
	"errors"
	"net/http"

	"github.com/vocdoni/anonvote/storage"
	"github.com/vocdoni/anonvote/types"
	"github.com/vocdoni/anonvote/voting"
)

// info describes the node.
// GET /info
func (a *API) info(w http.ResponseWriter, _ *http.Request) {
	httpWriteJSON(w, &NodeInfo{
		Mode:    a.mode(),
		Version: Version,
		Signer:  a.signer,
	})
}

// keys returns the signed verification key set: the one the IA publishes,
// or the one the PO verifies tokens with.
// GET /keys
func (a *API) keys(w http.ResponseWriter, _ *http.Request) {
	var (
		set *types.VerificationKeySet
		err error
	)
	if a.issuer != nil {
		set, err = a.issuer.VerificationKeys()
	} else {
		set, err = a.voting.Keys()
	}
	if err != nil {
		ErrKeysUnavailable.WithErr(err).Write(w)
		return
	}
	httpWriteJSON(w, set)
}

// loadKeys replaces the verification keys of the PO.
// POST /keys
func (a *API) loadKeys(w http.ResponseWriter, r *http.Request) {
	set := &types.VerificationKeySet{}
	if !decodeJSON(w, r, set) {
		return
	}
	if err := a.voting.LoadKeys(set); err != nil {
		switch {
		case errors.Is(err, voting.ErrInvalidKeySet):
			ErrInvalidKeySet.WithErr(err).Write(w)
		case errors.Is(err, storage.ErrStaleKeySet):
			ErrKeySetStale.Write(w)
		default:
			ErrStorageUnavailable.WithErr(err).Write(w)
		}
		return
	}
	httpWriteJSON(w, set)
}

// events returns the security event counters of a poll.
// GET /events/{pollId}
func (a *API) events(w http.ResponseWriter, r *http.Request) {
	pollID, ok := pollIDParam(w, r)
	if !ok {
		return
	}
	var (
		events types.EventCounters
		err    error
	)
	if a.issuer != nil {
		events, err = a.issuer.Events(pollID)
	} else {
		events, err = a.voting.Events(pollID)
	}
	if err != nil {
		writeVotingError(w, err)
		return
	}
	httpWriteJSON(w, &EventsResponse{PollID: pollID, Events: events})
}
