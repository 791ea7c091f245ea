// Package merkle implements the binary hash tree of the audit log.
//
// Leaves are hashed as SHA-256(0x00 || data) and inner nodes as
// SHA-256(0x01 || left || right), so a leaf can never be taken for a node.
// When a level has an odd number of nodes the last one is paired with
// itself. The published root commits to the leaf count as
// SHA-256(0x02 || uint64be(count) || top), so a proof cannot claim a tree
// shape other than the one the root was computed over. The root of an empty
// tree is SHA-256 of the empty string.
package merkle

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"fmt"

	"github.com/vocdoni/anonvote/types"
)

const (
	leafPrefix = 0x00
	nodePrefix = 0x01
	rootPrefix = 0x02
)

// HashSize is the size of every tree hash.
const HashSize = sha256.Size

// LeafHash returns the hash of leaf data.
func LeafHash(data []byte) []byte {
	h := sha256.New()
	h.Write([]byte{leafPrefix})
	h.Write(data)
	return h.Sum(nil)
}

// NodeHash returns the hash of an inner node.
func NodeHash(left, right []byte) []byte {
	h := sha256.New()
	h.Write([]byte{nodePrefix})
	h.Write(left)
	h.Write(right)
	return h.Sum(nil)
}

// EmptyRoot is the root of a tree without leaves.
func EmptyRoot() []byte {
	sum := sha256.Sum256(nil)
	return sum[:]
}

// countedRoot binds the top node of a tree of count leaves to count.
func countedRoot(count uint64, top []byte) []byte {
	h := sha256.New()
	h.Write([]byte{rootPrefix})
	h.Write(binary.BigEndian.AppendUint64(nil, count))
	h.Write(top)
	return h.Sum(nil)
}

// Tree keeps every level of a tree built over a fixed list of leaf hashes.
type Tree struct {
	levels [][][]byte
}

// NewTree builds the tree over leafHashes. The slice is not copied.
func NewTree(leafHashes [][]byte) *Tree {
	t := &Tree{levels: [][][]byte{leafHashes}}
	for level := leafHashes; len(level) > 1; {
		next := make([][]byte, 0, (len(level)+1)/2)
		for i := 0; i < len(level); i += 2 {
			right := level[i]
			if i+1 < len(level) {
				right = level[i+1]
			}
			next = append(next, NodeHash(level[i], right))
		}
		t.levels = append(t.levels, next)
		level = next
	}
	return t
}

// LeafCount returns the number of leaves.
func (t *Tree) LeafCount() uint64 {
	return uint64(len(t.levels[0]))
}

// Root returns the root hash.
func (t *Tree) Root() []byte {
	top := t.levels[len(t.levels)-1]
	if len(top) == 0 {
		return EmptyRoot()
	}
	return countedRoot(t.LeafCount(), top[0])
}

// Siblings returns the sibling path of leaf index, bottom up. A node paired
// with itself contributes no sibling.
func (t *Tree) Siblings(index uint64) ([][]byte, error) {
	if index >= t.LeafCount() {
		return nil, fmt.Errorf("leaf %d out of range, tree has %d leaves", index, t.LeafCount())
	}
	var path [][]byte
	idx := index
	for _, level := range t.levels[:len(t.levels)-1] {
		sibling := idx ^ 1
		if sibling < uint64(len(level)) {
			path = append(path, level[sibling])
		}
		idx /= 2
	}
	return path, nil
}

// Root returns the root over leafHashes.
func Root(leafHashes [][]byte) []byte {
	return NewTree(leafHashes).Root()
}

// VerifyInclusion recomputes the root from the leaf data and the proof,
// including its leaf count, and compares it with root. It needs no storage
// access.
func VerifyInclusion(root, leaf []byte, proof *types.MerkleProof) bool {
	if proof == nil || proof.LeafIndex >= proof.LeafCount {
		return false
	}
	h := LeafHash(leaf)
	idx, n := proof.LeafIndex, proof.LeafCount
	siblings := proof.Siblings
	for n > 1 {
		switch {
		case idx%2 == 1:
			if len(siblings) == 0 {
				return false
			}
			h = NodeHash(siblings[0], h)
			siblings = siblings[1:]
		case idx == n-1:
			h = NodeHash(h, h)
		default:
			if len(siblings) == 0 {
				return false
			}
			h = NodeHash(h, siblings[0])
			siblings = siblings[1:]
		}
		idx /= 2
		n = (n + 1) / 2
	}
	return len(siblings) == 0 && bytes.Equal(countedRoot(proof.LeafCount, h), root)
}
