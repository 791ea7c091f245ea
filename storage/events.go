package storage

import (
	"github.com/vocdoni/anonvote/db/prefixeddb"
	"github.com/vocdoni/anonvote/types"
	"github.com/vocdoni/anonvote/util"
)

// IncEvent increments the counter of event for pollID.
func (s *Storage) IncEvent(pollID string, event types.SecurityEvent) error {
	unlock := s.locks.Lock("events/" + pollID)
	defer unlock()

	wTx := prefixeddb.NewPrefixedDatabase(s.db, eventPrefix).WriteTx()
	defer wTx.Discard()
	key := pollKey(pollID, []byte(event))
	count, err := counter(wTx, key)
	if err != nil {
		return err
	}
	if err := wTx.Set(key, util.Uint64ToBytes(count+1)); err != nil {
		return err
	}
	return wTx.Commit()
}

// Events returns the security event counters of pollID.
func (s *Storage) Events(pollID string) (types.EventCounters, error) {
	counters := types.EventCounters{}
	err := prefixeddb.NewPrefixedReader(s.db, eventPrefix).Iterate(pollKey(pollID), func(k, v []byte) bool {
		counters[types.SecurityEvent(k)] = util.BytesToUint64(v)
		return true
	})
	if err != nil {
		return nil, err
	}
	return counters, nil
}
