package storage

import (
	"bytes"
	"testing"
	"time"

	qt "github.com/frankban/quicktest"
	"github.com/vocdoni/anonvote/types"
)

func TestSnapshots(t *testing.T) {
	forEachBackend(t, func(c *qt.C, st *Storage) {
		_, err := st.LatestSnapshot("p1")
		c.Assert(err, qt.ErrorIs, ErrNotFound)

		snap := func(count uint64, root byte) *types.RootSnapshot {
			return &types.RootSnapshot{
				PollID:      "p1",
				Root:        bytes.Repeat([]byte{root}, 32),
				LeafCount:   count,
				PublishedAt: testNow.Add(time.Duration(count) * time.Second),
			}
		}
		c.Assert(st.PutSnapshot(snap(2, 1)), qt.IsNil)
		c.Assert(st.PutSnapshot(snap(5, 2)), qt.IsNil)
		c.Assert(st.PutSnapshot(snap(5, 2)), qt.IsNil)
		c.Assert(st.PutSnapshot(snap(5, 3)), qt.ErrorIs, ErrKeyAlreadyExists)
		// older than the latest one: stored, latest unchanged
		c.Assert(st.PutSnapshot(snap(3, 4)), qt.IsNil)

		latest, err := st.LatestSnapshot("p1")
		c.Assert(err, qt.IsNil)
		c.Assert(latest.LeafCount, qt.Equals, uint64(5))
		c.Assert([]byte(latest.Root), qt.DeepEquals, bytes.Repeat([]byte{2}, 32))

		got, err := st.Snapshot("p1", 2)
		c.Assert(err, qt.IsNil)
		c.Assert(got.Root[0], qt.Equals, byte(1))
		_, err = st.Snapshot("p1", 4)
		c.Assert(err, qt.ErrorIs, ErrNotFound)

		all, err := st.Snapshots("p1")
		c.Assert(err, qt.IsNil)
		c.Assert(all, qt.HasLen, 3)
		for i, want := range []uint64{2, 3, 5} {
			c.Assert(all[i].LeafCount, qt.Equals, want)
		}
		none, err := st.Snapshots("p10")
		c.Assert(err, qt.IsNil)
		c.Assert(none, qt.HasLen, 0)
	})
}

func TestEvents(t *testing.T) {
	forEachBackend(t, func(c *qt.C, st *Storage) {
		c.Assert(st.IncEvent("p1", types.EventDoubleVote), qt.IsNil)
		c.Assert(st.IncEvent("p1", types.EventDoubleVote), qt.IsNil)
		c.Assert(st.IncEvent("p1", types.EventInvalidToken), qt.IsNil)
		c.Assert(st.IncEvent("p2", types.EventDoubleVote), qt.IsNil)

		events, err := st.Events("p1")
		c.Assert(err, qt.IsNil)
		c.Assert(events, qt.DeepEquals, types.EventCounters{
			types.EventDoubleVote:   2,
			types.EventInvalidToken: 1,
		})
		events, err = st.Events("p3")
		c.Assert(err, qt.IsNil)
		c.Assert(events, qt.HasLen, 0)
	})
}

func TestVerificationKeys(t *testing.T) {
	forEachBackend(t, func(c *qt.C, st *Storage) {
		_, err := st.VerificationKeys()
		c.Assert(err, qt.ErrorIs, ErrNotFound)

		set := &types.VerificationKeySet{
			Version: 2,
			Keys:    []types.VerificationKey{{Epoch: 1, PublicKey: []byte{1}, NotBefore: testNow}},
		}
		c.Assert(st.SetVerificationKeys(set), qt.IsNil)
		got, err := st.VerificationKeys()
		c.Assert(err, qt.IsNil)
		c.Assert(got.Version, qt.Equals, uint64(2))
		c.Assert(got.Keys, qt.HasLen, 1)

		c.Assert(st.SetVerificationKeys(&types.VerificationKeySet{Version: 1}), qt.ErrorIs, ErrStaleKeySet)
		c.Assert(st.SetVerificationKeys(&types.VerificationKeySet{Version: 2}), qt.IsNil)
	})
}
