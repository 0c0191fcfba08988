// Copyright (c) 2026 The Ember developers

// Distributed under the GNU Lesser General Public License v3.0 software license, see the accompanying
// file LICENSE or <https://www.gnu.org/licenses/lgpl-3.0.html>

package ember

import (
	"encoding/hex"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
)

// KeyID is the 20-byte hash160 identity of a public key. It appears in
// signed-message strings and in the P2PKH script an operator's collateral
// must pay to.
type KeyID [20]byte

// NewKeyID computes the identity of a public key.
func NewKeyID(pub *btcec.PublicKey) (id KeyID) {
	copy(id[:], btcutil.Hash160(pub.SerializeCompressed()))
	return
}

// Hex returns the lowercase hex form used in signed-message strings.
func (id KeyID) Hex() string {
	return hex.EncodeToString(id[:])
}

// Bytes returns the byte slice form.
func (id KeyID) Bytes() []byte {
	return id[:]
}

// IsZero reports whether the id is unset.
func (id KeyID) IsZero() bool {
	return id == KeyID{}
}
