package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/vocdoni/anonvote/log"
	"github.com/vocdoni/anonvote/types"
)

// maxRequestBodySize bounds every JSON request body.
const maxRequestBodySize = 64 << 10

// httpWriteJSON helper function allows to write a JSON response.
func httpWriteJSON(w http.ResponseWriter, data any) {
	jdata, err := json.Marshal(data)
	if err != nil {
		ErrMarshalingServerJSONFailed.WithErr(err).Write(w)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	n, err := w.Write(jdata)
	if err != nil {
		log.Warnw("failed to write http response", "error", err)
		return
	}
	if _, err := w.Write([]byte("\n")); err != nil {
		log.Warnw("failed to write on response", "error", err)
		return
	}
	if !DisabledLogging && log.Level() == log.LogLevelDebug {
		log.Debugw("api response", "bytes", n, "data", strings.ReplaceAll(string(jdata), "\"", ""))
	}
}

// httpWriteOK helper function allows to write an OK response.
func httpWriteOK(w http.ResponseWriter) {
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write([]byte("\n")); err != nil {
		log.Warnw("failed to write on response", "error", err)
	}
}

// decodeJSON reads a bounded JSON body into out, writing the API error and
// returning false on failure.
func decodeJSON(w http.ResponseWriter, r *http.Request, out any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBodySize))
	dec.DisallowUnknownFields()
	if err := dec.Decode(out); err != nil {
		var tooBig *http.MaxBytesError
		if errors.As(err, &tooBig) {
			ErrMalformedBody.With("body too large").Write(w)
			return false
		}
		ErrMalformedBody.WithErr(err).Write(w)
		return false
	}
	return true
}

// pollIDParam returns the validated poll ID of the route.
func pollIDParam(w http.ResponseWriter, r *http.Request) (string, bool) {
	pollID := chi.URLParam(r, PollURLParam)
	if err := types.ValidatePollID(pollID); err != nil {
		ErrMalformedPollID.WithErr(err).Write(w)
		return "", false
	}
	return pollID, true
}

// uintParam parses a decimal uint64 from s, writing the API error on
// failure.
func uintParam(w http.ResponseWriter, name, s string) (uint64, bool) {
	v, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		ErrMalformedParam.Withf("%s: %v", name, err).Write(w)
		return 0, false
	}
	return v, true
}
