package log_test

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	qt "github.com/frankban/quicktest"
	"github.com/vocdoni/anonvote/log"
)

func TestInitLevels(t *testing.T) {
	c := qt.New(t)
	defer log.Init(log.LogLevelError, "stderr", nil)

	for _, lvl := range []string{log.LogLevelDebug, log.LogLevelInfo, log.LogLevelWarn, log.LogLevelError} {
		log.Init(lvl, "stderr", nil)
		c.Assert(log.Level(), qt.Equals, lvl)
	}
	c.Assert(func() { log.Init("verbose", "stderr", nil) }, qt.PanicMatches, `invalid log level: "verbose"`)
}

func TestErrorOutputOnlyWarnings(t *testing.T) {
	c := qt.New(t)
	defer log.Init(log.LogLevelError, "stderr", nil)

	var errOut bytes.Buffer
	log.Init(log.LogLevelDebug, filepath.Join(t.TempDir(), "node.log"), &errOut)

	log.Infow("token issued", "poll", "p1")
	c.Assert(errOut.String(), qt.Equals, "")

	log.Warnw("double spend attempt", "poll", "p1")
	c.Assert(errOut.String(), qt.Contains, "double spend attempt")
	c.Assert(errOut.String(), qt.Contains, "poll=p1")
}

func TestJSONFileOutput(t *testing.T) {
	c := qt.New(t)
	defer log.Init(log.LogLevelError, "stderr", nil)

	out := filepath.Join(t.TempDir(), "node.json")
	log.Init(log.LogLevelInfo, out, nil)
	log.Monitor("snapshot published", map[string]any{"poll": "p1", "leaves": 3})

	data, err := os.ReadFile(out)
	c.Assert(err, qt.IsNil)
	c.Assert(string(data), qt.Contains, `"message":"snapshot published"`)
	c.Assert(string(data), qt.Contains, `"leaves":3`)
}
