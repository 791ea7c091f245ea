package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/vocdoni/anonvote/auditlog"
	"github.com/vocdoni/anonvote/log"
	"github.com/vocdoni/anonvote/types"
	"github.com/vocdoni/anonvote/voting"
)

// submitVote verifies the token of a vote and appends its commitment to the
// audit log.
// POST /votes
func (a *API) submitVote(w http.ResponseWriter, r *http.Request) {
	vote := &Vote{}
	if !decodeJSON(w, r, vote) {
		return
	}
	seq, err := a.voting.SubmitVote(r.Context(), vote.PollID, vote.Token, vote.Commitment)
	if err != nil {
		writeVotingError(w, err)
		return
	}
	httpWriteJSON(w, &VoteResponse{PollID: vote.PollID, SequenceNo: seq})
}

// voteSpent reports whether a token tag was already spent in a poll.
// GET /votes/{pollId}/tag/{tag}
func (a *API) voteSpent(w http.ResponseWriter, r *http.Request) {
	pollID, ok := pollIDParam(w, r)
	if !ok {
		return
	}
	tag, err := types.HexStringToHexBytes(chi.URLParam(r, TagURLParam))
	if err != nil {
		ErrMalformedParam.Withf("tag: %v", err).Write(w)
		return
	}
	spent, err := a.voting.IsTagSpent(pollID, tag)
	if err != nil {
		writeVotingError(w, err)
		return
	}
	httpWriteJSON(w, &SpentResponse{PollID: pollID, Tag: tag, Spent: spent})
}

// writeVotingError maps vote service and audit log errors to API errors.
func writeVotingError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, voting.ErrInvalidRequest):
		ErrInvalidRequest.WithErr(err).Write(w)
	case errors.Is(err, voting.ErrInvalidToken):
		ErrInvalidToken.Write(w)
	case errors.Is(err, voting.ErrDoubleSpend):
		ErrDoubleSpend.Write(w)
	case errors.Is(err, voting.ErrPollClosed):
		ErrPollClosed.Write(w)
	case errors.Is(err, voting.ErrPollNotFound):
		ErrPollNotFound.Write(w)
	case errors.Is(err, voting.ErrPollExists):
		ErrPollAlreadyExists.Write(w)
	case errors.Is(err, auditlog.ErrNoSnapshot):
		ErrNoRootPublished.Write(w)
	case errors.Is(err, auditlog.ErrLeafNotPublished):
		ErrLeafNotPublished.Write(w)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		ErrStorageUnavailable.WithErr(err).Write(w)
	default:
		if !errors.Is(err, voting.ErrStorageUnavailable) {
			log.Warnw("vote service failure", "error", err.Error())
		}
		ErrStorageUnavailable.Write(w)
	}
}
