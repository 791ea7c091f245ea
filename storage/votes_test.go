package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"testing"

	qt "github.com/frankban/quicktest"
	"github.com/vocdoni/anonvote/types"
)

func commitment(i int) []byte {
	return bytes.Repeat([]byte{byte(i + 1)}, types.CommitmentSize)
}

func TestPolls(t *testing.T) {
	forEachBackend(t, func(c *qt.C, st *Storage) {
		ctx := context.Background()
		poll, err := st.CreatePoll("p1", testNow)
		c.Assert(err, qt.IsNil)
		c.Assert(poll.IsOpen(), qt.IsTrue)

		_, err = st.CreatePoll("p1", testNow)
		c.Assert(err, qt.ErrorIs, ErrPollExists)
		_, err = st.CreatePoll("bad id!", testNow)
		c.Assert(err, qt.IsNotNil)
		_, err = st.Poll("p2")
		c.Assert(err, qt.ErrorIs, ErrPollNotFound)

		closed, err := st.ClosePoll(ctx, "p1", testNow)
		c.Assert(err, qt.IsNil)
		c.Assert(closed.Status, qt.Equals, types.PollClosed)
		c.Assert(closed.ClosedAt, qt.IsNotNil)

		got, err := st.Poll("p1")
		c.Assert(err, qt.IsNil)
		c.Assert(got.IsOpen(), qt.IsFalse)

		_, err = st.ClosePoll(ctx, "p1", testNow)
		c.Assert(err, qt.IsNil)
		_, err = st.ClosePoll(ctx, "p2", testNow)
		c.Assert(err, qt.ErrorIs, ErrPollNotFound)

		_, err = st.CreatePoll("p0", testNow)
		c.Assert(err, qt.IsNil)
		polls, err := st.ListPolls()
		c.Assert(err, qt.IsNil)
		c.Assert(polls, qt.HasLen, 2)
		c.Assert(polls[0].ID, qt.Equals, "p0")
	})
}

func TestAppendSpent(t *testing.T) {
	forEachBackend(t, func(c *qt.C, st *Storage) {
		ctx := context.Background()
		_, err := st.AppendSpent(ctx, "p1", []byte("tag0"), commitment(0), testNow)
		c.Assert(err, qt.ErrorIs, ErrPollNotFound)

		_, err = st.CreatePoll("p1", testNow)
		c.Assert(err, qt.IsNil)
		_, err = st.CreatePoll("p2", testNow)
		c.Assert(err, qt.IsNil)

		for i := range 3 {
			leaf, err := st.AppendSpent(ctx, "p1", fmt.Appendf(nil, "tag%d", i), commitment(i), testNow)
			c.Assert(err, qt.IsNil)
			c.Assert(leaf.SequenceNo, qt.Equals, uint64(i))
		}
		_, err = st.AppendSpent(ctx, "p1", []byte("tag1"), commitment(9), testNow)
		c.Assert(err, qt.ErrorIs, ErrDoubleSpend)

		// the same tag is independent in another poll
		leaf, err := st.AppendSpent(ctx, "p2", []byte("tag1"), commitment(9), testNow)
		c.Assert(err, qt.IsNil)
		c.Assert(leaf.SequenceNo, qt.Equals, uint64(0))

		count, err := st.LeafCount("p1")
		c.Assert(err, qt.IsNil)
		c.Assert(count, qt.Equals, uint64(3))

		spent, err := st.IsSpent("p1", []byte("tag2"))
		c.Assert(err, qt.IsNil)
		c.Assert(spent, qt.IsTrue)
		rec, err := st.SpentToken("p1", []byte("tag2"))
		c.Assert(err, qt.IsNil)
		c.Assert(rec.SequenceNo, qt.Equals, uint64(2))
		spent, err = st.IsSpent("p1", []byte("tag3"))
		c.Assert(err, qt.IsNil)
		c.Assert(spent, qt.IsFalse)

		got, err := st.Leaf("p1", 1)
		c.Assert(err, qt.IsNil)
		c.Assert([]byte(got.Commitment), qt.DeepEquals, commitment(1))

		_, err = st.AppendSpent(ctx, "p1", []byte("tagX"), []byte("short"), testNow)
		c.Assert(err, qt.IsNotNil)

		_, err = st.ClosePoll(ctx, "p1", testNow)
		c.Assert(err, qt.IsNil)
		_, err = st.AppendSpent(ctx, "p1", []byte("tag9"), commitment(9), testNow)
		c.Assert(err, qt.ErrorIs, ErrPollClosed)
		_, err = st.Append(ctx, "p1", commitment(9))
		c.Assert(err, qt.ErrorIs, ErrPollClosed)
	})
}

func TestAppendSpentCanceled(t *testing.T) {
	forEachBackend(t, func(c *qt.C, st *Storage) {
		_, err := st.CreatePoll("p1", testNow)
		c.Assert(err, qt.IsNil)

		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		_, err = st.AppendSpent(ctx, "p1", []byte("tag"), commitment(0), testNow)
		c.Assert(err, qt.ErrorIs, context.Canceled)

		spent, err := st.IsSpent("p1", []byte("tag"))
		c.Assert(err, qt.IsNil)
		c.Assert(spent, qt.IsFalse)
		count, err := st.LeafCount("p1")
		c.Assert(err, qt.IsNil)
		c.Assert(count, qt.Equals, uint64(0))
	})
}

func TestAppendSpentConcurrent(t *testing.T) {
	forEachBackend(t, func(c *qt.C, st *Storage) {
		ctx := context.Background()
		for _, p := range []string{"p1", "p2"} {
			_, err := st.CreatePoll(p, testNow)
			c.Assert(err, qt.IsNil)
		}

		c.Run("same tag", func(c *qt.C) {
			const attempts = 32
			var (
				wg      sync.WaitGroup
				mu      sync.Mutex
				success int
			)
			for i := range attempts {
				wg.Add(1)
				go func() {
					defer wg.Done()
					_, err := st.AppendSpent(ctx, "p1", []byte("shared"), commitment(i), testNow)
					if err != nil && !errors.Is(err, ErrDoubleSpend) {
						t.Errorf("unexpected error: %v", err)
						return
					}
					if err == nil {
						mu.Lock()
						success++
						mu.Unlock()
					}
				}()
			}
			wg.Wait()
			c.Assert(success, qt.Equals, 1)
			count, err := st.LeafCount("p1")
			c.Assert(err, qt.IsNil)
			c.Assert(count, qt.Equals, uint64(1))
		})

		c.Run("distinct tags across polls", func(c *qt.C) {
			const perPoll = 20
			var (
				wg   sync.WaitGroup
				mu   sync.Mutex
				seqs = map[string][]uint64{}
			)
			for _, poll := range []string{"p1", "p2"} {
				for i := range perPoll {
					wg.Add(1)
					go func() {
						defer wg.Done()
						leaf, err := st.AppendSpent(ctx, poll, fmt.Appendf(nil, "t%d", i), commitment(i), testNow)
						if err != nil {
							t.Errorf("append %s/%d: %v", poll, i, err)
							return
						}
						mu.Lock()
						seqs[poll] = append(seqs[poll], leaf.SequenceNo)
						mu.Unlock()
					}()
				}
			}
			wg.Wait()

			// p1 already holds the leaf of the "same tag" subtest
			first := map[string]uint64{"p1": 1, "p2": 0}
			for poll, got := range seqs {
				slices.Sort(got)
				c.Assert(got, qt.HasLen, perPoll)
				for i, seq := range got {
					c.Assert(seq, qt.Equals, first[poll]+uint64(i), qt.Commentf("poll %s", poll))
				}
			}
		})

		var leaves []uint64
		c.Assert(st.IterateLeaves("p1", 0, 100, func(l *types.VoteCommitment) bool {
			leaves = append(leaves, l.SequenceNo)
			return true
		}), qt.IsNil)
		c.Assert(leaves, qt.HasLen, 21)
		for i, seq := range leaves {
			c.Assert(seq, qt.Equals, uint64(i))
		}

		leaves = leaves[:0]
		c.Assert(st.IterateLeaves("p1", 5, 8, func(l *types.VoteCommitment) bool {
			leaves = append(leaves, l.SequenceNo)
			return true
		}), qt.IsNil)
		c.Assert(leaves, qt.DeepEquals, []uint64{5, 6, 7})
	})
}

func TestAppend(t *testing.T) {
	forEachBackend(t, func(c *qt.C, st *Storage) {
		ctx := context.Background()
		_, err := st.Append(ctx, "p1", commitment(0))
		c.Assert(err, qt.ErrorIs, ErrPollNotFound)
		_, err = st.CreatePoll("p1", testNow)
		c.Assert(err, qt.IsNil)

		leaf, err := st.Append(ctx, "p1", commitment(0))
		c.Assert(err, qt.IsNil)
		c.Assert(leaf.SequenceNo, qt.Equals, uint64(0))
		leaf, err = st.AppendSpent(ctx, "p1", []byte("tag"), commitment(1), testNow)
		c.Assert(err, qt.IsNil)
		c.Assert(leaf.SequenceNo, qt.Equals, uint64(1))
	})
}
