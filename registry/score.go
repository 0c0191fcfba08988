// Copyright (c) 2026 The Ember developers

// Distributed under the GNU Lesser General Public License v3.0 software license, see the accompanying
// file LICENSE or <https://www.gnu.org/licenses/lgpl-3.0.html>

package registry

import (
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/holiman/uint256"
)

// uint256FromHashLE interprets a serialized 256-bit hash (stored little
// endian) as an integer.
func uint256FromHashLE(h chainhash.Hash) *uint256.Int {
	var be [32]byte
	for i := range be {
		be[i] = h[31-i]
	}
	return new(uint256.Int).SetBytes(be[:])
}

// hashLEFromUint256 serializes an integer back to the little-endian hash
// layout used when it is fed into a hasher.
func hashLEFromUint256(z *uint256.Int) (h chainhash.Hash) {
	be := z.Bytes32()
	for i := range h {
		h[i] = be[31-i]
	}
	return
}

// CalculateScore derives an operator's score for the block whose hash is
// seed. The score is the absolute 256-bit distance between two hash
// derivations: one of the seed alone, one of the seed followed by the
// collateral identity (outpoint hash plus index). Every node computes the
// same score for the same seed, which makes payee selection and rank
// ordering deterministic across the network.
func CalculateScore(op wire.OutPoint, seed chainhash.Hash) *uint256.Int {
	aux := uint256FromHashLE(op.Hash)
	aux.AddUint64(aux, uint64(op.Index))
	auxHash := hashLEFromUint256(aux)

	h2 := chainhash.DoubleHashH(seed[:])
	buf := make([]byte, 0, 64)
	buf = append(buf, seed[:]...)
	buf = append(buf, auxHash[:]...)
	h3 := chainhash.DoubleHashH(buf)

	n2 := uint256FromHashLE(h2)
	n3 := uint256FromHashLE(h3)
	if n3.Gt(n2) {
		return n3.Sub(n3, n2)
	}
	return n2.Sub(n2, n3)
}
