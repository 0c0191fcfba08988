// Copyright (c) 2026 The Ember developers

// Distributed under the GNU Lesser General Public License v3.0 software license, see the accompanying
// file LICENSE or <https://www.gnu.org/licenses/lgpl-3.0.html>

// Package cry wraps the secp256k1 primitives behind the two operations the
// service-node protocol needs: signing a human-readable message string and
// verifying it against a key identity.
package cry

import (
	"bytes"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/ecdsa"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/pkg/errors"

	"github.com/emberchain/ember/ember"
)

// messagePrefix salts every signed message so a signature can never be
// replayed as a transaction signature.
const messagePrefix = "Ember Signed Message:\n"

// MessageHash returns the double-SHA256 digest of the prefixed message
// envelope.
func MessageHash(msg string) chainhash.Hash {
	var buf bytes.Buffer
	_ = wire.WriteVarString(&buf, 0, messagePrefix)
	_ = wire.WriteVarString(&buf, 0, msg)
	return chainhash.DoubleHashH(buf.Bytes())
}

// SignMessage produces a 65-byte compact recoverable signature over msg.
func SignMessage(msg string, priv *btcec.PrivateKey) ([]byte, error) {
	hash := MessageHash(msg)
	sig := ecdsa.SignCompact(priv, hash[:], true)
	return sig, nil
}

// VerifyMessage recovers the signer from sig and checks it against the
// expected key identity.
func VerifyMessage(id ember.KeyID, sig []byte, msg string) error {
	hash := MessageHash(msg)
	pub, _, err := ecdsa.RecoverCompact(sig, hash[:])
	if err != nil {
		return errors.Wrap(err, "recover signer")
	}
	if ember.NewKeyID(pub) != id {
		return errors.New("signer mismatch")
	}
	return nil
}
