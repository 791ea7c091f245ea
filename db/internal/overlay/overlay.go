// Package overlay buffers the pending writes of a transaction for backends
// whose native batches cannot be read back, merges them over committed data
// during iteration, and records the read set those backends validate on
// commit.
package overlay

import (
	"bytes"
	"slices"

	"github.com/vocdoni/anonvote/db"
)

// Writes maps a key to its pending value. A nil value marks a deletion.
type Writes struct {
	m map[string]*[]byte
}

// New returns an empty set of pending writes.
func New() *Writes {
	return &Writes{m: make(map[string]*[]byte)}
}

// Set records a pending write.
func (w *Writes) Set(key, value []byte) {
	v := bytes.Clone(value)
	if v == nil {
		v = []byte{}
	}
	w.m[string(key)] = &v
}

// Delete records a pending deletion.
func (w *Writes) Delete(key []byte) {
	w.m[string(key)] = nil
}

// Get returns the pending value for key. found is false when the tx did not
// touch the key; a pending deletion returns db.ErrKeyNotFound.
func (w *Writes) Get(key []byte) (value []byte, found bool, err error) {
	v, ok := w.m[string(key)]
	if !ok {
		return nil, false, nil
	}
	if v == nil {
		return nil, true, db.ErrKeyNotFound
	}
	return bytes.Clone(*v), true, nil
}

// Merge copies every pending write of other into w.
func (w *Writes) Merge(other *Writes) {
	for k, v := range other.m {
		if v == nil {
			w.m[k] = nil
			continue
		}
		c := bytes.Clone(*v)
		w.m[k] = &c
	}
}

// Len returns the number of pending keys.
func (w *Writes) Len() int {
	return len(w.m)
}

// Reset drops every pending write.
func (w *Writes) Reset() {
	w.m = make(map[string]*[]byte)
}

// Each calls fn for every pending write in ascending key order. value is nil
// for deletions.
func (w *Writes) Each(fn func(key, value []byte) error) error {
	for _, k := range w.sortedKeys(nil) {
		var v []byte
		if p := w.m[k]; p != nil {
			v = *p
		}
		if err := fn([]byte(k), v); err != nil {
			return err
		}
	}
	return nil
}

func (w *Writes) sortedKeys(prefix []byte) []string {
	keys := make([]string, 0, len(w.m))
	for k := range w.m {
		if bytes.HasPrefix([]byte(k), prefix) {
			keys = append(keys, k)
		}
	}
	slices.Sort(keys)
	return keys
}

// Iterate walks committed data from base merged with the pending writes, in
// ascending key order, stripping prefix from the keys passed to callback.
func (w *Writes) Iterate(base db.Reader, prefix []byte, callback func(key, value []byte) bool) error {
	pending := w.sortedKeys(prefix)
	if len(pending) == 0 {
		return base.Iterate(prefix, callback)
	}
	committed := make(map[string][]byte)
	if err := base.Iterate(prefix, func(k, v []byte) bool {
		committed[string(prefix)+string(k)] = bytes.Clone(v)
		return true
	}); err != nil {
		return err
	}
	for _, k := range pending {
		if v := w.m[k]; v == nil {
			delete(committed, k)
		} else {
			committed[k] = *v
		}
	}
	keys := make([]string, 0, len(committed))
	for k := range committed {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	for _, k := range keys {
		if !callback([]byte(k)[len(prefix):], committed[k]) {
			break
		}
	}
	return nil
}

// Read is the state of a key the first time a transaction read it. Value is
// kept by backends that validate by content, Version by those that keep a
// per-key version.
type Read struct {
	Found   bool
	Value   []byte
	Version int64
}

// Reads is the read set of a transaction.
type Reads struct {
	m map[string]Read
}

// NewReads returns an empty read set.
func NewReads() *Reads {
	return &Reads{m: make(map[string]Read)}
}

// Track records read for key unless the key was already read, so the set
// always holds the first observation.
func (r *Reads) Track(key []byte, read Read) {
	if _, ok := r.m[string(key)]; ok {
		return
	}
	read.Value = bytes.Clone(read.Value)
	r.m[string(key)] = read
}

// Get returns the recorded read of key.
func (r *Reads) Get(key []byte) (Read, bool) {
	read, ok := r.m[string(key)]
	return read, ok
}

// Merge adds the reads of other that r does not hold yet.
func (r *Reads) Merge(other *Reads) {
	for k, v := range other.m {
		r.Track([]byte(k), v)
	}
}

// Len returns the number of keys read.
func (r *Reads) Len() int {
	return len(r.m)
}

// Reset forgets every read.
func (r *Reads) Reset() {
	r.m = make(map[string]Read)
}

// Each calls fn for every read in ascending key order.
func (r *Reads) Each(fn func(key []byte, read Read) error) error {
	keys := make([]string, 0, len(r.m))
	for k := range r.m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	for _, k := range keys {
		if err := fn([]byte(k), r.m[k]); err != nil {
			return err
		}
	}
	return nil
}
