package storage

import (
	"bytes"
	"testing"
	"time"

	qt "github.com/frankban/quicktest"
	"github.com/vocdoni/anonvote/types"
)

func TestArtifactEncodings(t *testing.T) {
	c := qt.New(t)
	closedAt := time.Date(2026, 3, 1, 10, 0, 0, 123456789, time.UTC)
	poll := &types.Poll{
		ID:        "p1",
		Status:    types.PollClosed,
		CreatedAt: closedAt.Add(-time.Hour),
		ClosedAt:  &closedAt,
	}

	for _, enc := range []ArtifactEncoding{ArtifactEncodingCBOR, ArtifactEncodingJSON} {
		data, err := EncodeArtifact(poll, enc)
		c.Assert(err, qt.IsNil)
		decoded := &types.Poll{}
		c.Assert(DecodeArtifact(data, decoded, enc), qt.IsNil)
		c.Assert(decoded.ID, qt.Equals, poll.ID)
		c.Assert(decoded.Status, qt.Equals, poll.Status)
		// nanoseconds survive, so a stored poll compares equal to the original
		c.Assert(decoded.ClosedAt.Equal(closedAt), qt.IsTrue)
		c.Assert(decoded.CreatedAt.Equal(poll.CreatedAt), qt.IsTrue)
	}

	_, err := EncodeArtifact(poll, ArtifactEncoding(100))
	c.Assert(err, qt.ErrorMatches, "unknown artifact encoding: 100")
	c.Assert(DecodeArtifact(nil, &types.Poll{}, ArtifactEncoding(100)), qt.IsNotNil)
}

func TestArtifactEncodingIsDeterministic(t *testing.T) {
	c := qt.New(t)
	events := types.EventCounters{
		types.EventDoubleVote:   3,
		types.EventInvalidToken: 1,
		types.EventPollClosed:   7,
	}
	first, err := EncodeArtifact(events)
	c.Assert(err, qt.IsNil)
	for range 20 {
		again, err := EncodeArtifact(events)
		c.Assert(err, qt.IsNil)
		c.Assert(bytes.Equal(first, again), qt.IsTrue)
	}
}
