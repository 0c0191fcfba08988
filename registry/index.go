// Copyright (c) 2026 The Ember developers

// Distributed under the GNU Lesser General Public License v3.0 software license, see the accompanying
// file LICENSE or <https://www.gnu.org/licenses/lgpl-3.0.html>

package registry

import (
	"io"
	"sort"

	"github.com/btcsuite/btcd/wire"
)

// operatorIndex provides a forward and reverse mapping between collateral
// outpoints and small integers. The mapping is normally add-only and is
// expected to be permanent; it is only rebuilt when its size exceeds both
// the expected maximum number of operators and the current number of known
// operators.
type operatorIndex struct {
	size    int
	forward map[wire.OutPoint]int
	reverse map[int]wire.OutPoint
}

func newOperatorIndex() *operatorIndex {
	return &operatorIndex{
		forward: make(map[wire.OutPoint]int),
		reverse: make(map[int]wire.OutPoint),
	}
}

func (ix *operatorIndex) Size() int { return ix.size }

// Get retrieves the outpoint behind an index value.
func (ix *operatorIndex) Get(i int) (wire.OutPoint, bool) {
	op, ok := ix.reverse[i]
	return op, ok
}

// IndexOf returns the index of an outpoint, -1 when unknown.
func (ix *operatorIndex) IndexOf(op wire.OutPoint) int {
	if i, ok := ix.forward[op]; ok {
		return i
	}
	return -1
}

// Add assigns the next index to an unknown outpoint.
func (ix *operatorIndex) Add(op wire.OutPoint) {
	if _, ok := ix.forward[op]; ok {
		return
	}
	i := ix.size
	ix.forward[op] = i
	ix.reverse[i] = op
	ix.size++
}

// Clear drops all entries.
func (ix *operatorIndex) Clear() {
	ix.forward = make(map[wire.OutPoint]int)
	ix.reverse = make(map[int]wire.OutPoint)
	ix.size = 0
}

// encodeTo persists the forward mapping in deterministic order; the
// reverse side is rebuilt on load.
func (ix *operatorIndex) encodeTo(w io.Writer) error {
	if err := wire.WriteVarInt(w, pver, uint64(len(ix.forward))); err != nil {
		return err
	}
	ops := make([]wire.OutPoint, 0, len(ix.forward))
	for op := range ix.forward {
		ops = append(ops, op)
	}
	sort.Slice(ops, func(i, j int) bool { return outPointLess(ops[i], ops[j]) })
	for _, op := range ops {
		op := op
		if err := writeOutPoint(w, &op); err != nil {
			return err
		}
		if err := writeInt32(w, int32(ix.forward[op])); err != nil {
			return err
		}
	}
	return nil
}

func (ix *operatorIndex) decodeFrom(r io.Reader) error {
	ix.Clear()
	n, err := wire.ReadVarInt(r, pver)
	if err != nil {
		return err
	}
	for i := uint64(0); i < n; i++ {
		var op wire.OutPoint
		if err := readOutPoint(r, &op); err != nil {
			return err
		}
		var idx int32
		if err := readInt32(r, &idx); err != nil {
			return err
		}
		ix.forward[op] = int(idx)
		ix.reverse[int(idx)] = op
	}
	ix.size = len(ix.forward)
	return nil
}

// outPointLess orders outpoints by hash bytes, index last. This is the tie
// break order of the payment queue.
func outPointLess(a, b wire.OutPoint) bool {
	for i := range a.Hash {
		if a.Hash[i] != b.Hash[i] {
			return a.Hash[i] < b.Hash[i]
		}
	}
	return a.Index < b.Index
}
