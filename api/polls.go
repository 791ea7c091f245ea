package api

import (
	"net/http"
)

// polls lists every poll of the PO.
// GET /polls
func (a *API) polls(w http.ResponseWriter, _ *http.Request) {
	polls, err := a.voting.Polls()
	if err != nil {
		writeVotingError(w, err)
		return
	}
	httpWriteJSON(w, &PollList{Polls: polls})
}

// newPoll opens a poll.
// POST /polls
func (a *API) newPoll(w http.ResponseWriter, r *http.Request) {
	req := &NewPollRequest{}
	if !decodeJSON(w, r, req) {
		return
	}
	poll, err := a.voting.OpenPoll(req.PollID)
	if err != nil {
		writeVotingError(w, err)
		return
	}
	httpWriteJSON(w, poll)
}

// poll returns a poll.
// GET /polls/{pollId}
func (a *API) poll(w http.ResponseWriter, r *http.Request) {
	pollID, ok := pollIDParam(w, r)
	if !ok {
		return
	}
	poll, err := a.voting.Poll(pollID)
	if err != nil {
		writeVotingError(w, err)
		return
	}
	httpWriteJSON(w, poll)
}

// closePoll stops accepting votes and publishes the final root.
// POST /polls/{pollId}/close
func (a *API) closePoll(w http.ResponseWriter, r *http.Request) {
	pollID, ok := pollIDParam(w, r)
	if !ok {
		return
	}
	poll, root, err := a.voting.ClosePoll(r.Context(), pollID)
	if err != nil {
		writeVotingError(w, err)
		return
	}
	httpWriteJSON(w, &ClosePollResponse{Poll: poll, Root: root})
}
