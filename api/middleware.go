package api

import (
	"bytes"
	"crypto/subtle"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/vocdoni/anonvote/log"
)

// DisabledLogging is a global flag to disable logging middleware
var DisabledLogging = false

// requestLogConfig tunes the debug request log.
type requestLogConfig struct {
	maxBody int
	// skipped paths are not logged at all
	skipped []string
	// redacted paths are logged without their body
	redacted []string
}

func newRequestLogConfig(maxBody int) requestLogConfig {
	return requestLogConfig{
		maxBody:  maxBody,
		skipped:  LogExcludedPrefixes,
		redacted: LogRedactedPrefixes,
	}
}

func hasAnyPrefix(path string, prefixes []string) bool {
	for _, prefix := range prefixes {
		if strings.HasPrefix(path, prefix) {
			return true
		}
	}
	return false
}

// skip reports whether r is left out of the log.
func (lc requestLogConfig) skip(r *http.Request) bool {
	return DisabledLogging || log.Level() != log.LogLevelDebug || hasAnyPrefix(r.URL.Path, lc.skipped)
}

// body returns the loggable form of a request body: JSON only, truncated,
// and nothing for redacted paths.
func (lc requestLogConfig) body(path string, raw []byte) string {
	if hasAnyPrefix(path, lc.redacted) {
		return "<redacted>"
	}
	if !json.Valid(raw) {
		return ""
	}
	s := string(raw)
	if len(s) > lc.maxBody {
		s = s[:lc.maxBody] + "..."
	}
	return strings.ReplaceAll(s, "\"", "")
}

// statusRecorder captures the status code and size of a response.
type statusRecorder struct {
	http.ResponseWriter
	status int
	size   int
}

func (sr *statusRecorder) WriteHeader(code int) {
	if sr.status == 0 {
		sr.status = code
	}
	sr.ResponseWriter.WriteHeader(code)
}

func (sr *statusRecorder) Write(b []byte) (int, error) {
	if sr.status == 0 {
		sr.status = http.StatusOK
	}
	n, err := sr.ResponseWriter.Write(b)
	sr.size += n
	return n, err
}

// loggingMiddleware logs requests and responses at debug level. Identity
// credentials never reach the log.
func loggingMiddleware(maxBodyLog int) func(http.Handler) http.Handler {
	lc := newRequestLogConfig(maxBodyLog)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if lc.skip(r) {
				next.ServeHTTP(w, r)
				return
			}
			start := time.Now()

			var body string
			if r.Body != nil && r.ContentLength > 0 {
				raw, err := io.ReadAll(r.Body)
				if err != nil {
					log.Error(err)
					http.Error(w, "unable to read request body", http.StatusInternalServerError)
					return
				}
				r.Body = io.NopCloser(bytes.NewReader(raw))
				body = lc.body(r.URL.Path, raw)
			}

			rec := &statusRecorder{ResponseWriter: w}
			log.Debugw("api request", "method", r.Method, "url", r.URL.String(), "body", body)
			next.ServeHTTP(rec, r)
			log.Debugw("api response",
				"method", r.Method,
				"url", r.URL.String(),
				"status", rec.status,
				"bytes", rec.size,
				"took", time.Since(start).String(),
			)
		})
	}
}

// adminMiddleware rejects requests that do not carry the admin bearer
// token. An empty token rejects every request.
func adminMiddleware(token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			bearer, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
			if token == "" || !ok || subtle.ConstantTimeCompare([]byte(bearer), []byte(token)) != 1 {
				ErrUnauthorized.Write(w)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
