// Copyright (c) 2026 The Ember developers

// Distributed under the GNU Lesser General Public License v3.0 software license, see the accompanying
// file LICENSE or <https://www.gnu.org/licenses/lgpl-3.0.html>

package payments

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"io"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/pkg/errors"

	"github.com/emberchain/ember/cry"
	"github.com/emberchain/ember/ember"
	"github.com/emberchain/ember/registry"
)

// CmdPaymentVote is the transport command of a payment vote payload.
const CmdPaymentVote = "mnw"

const (
	maxSigSize    = 144
	maxScriptSize = 10_000
	pver          = 0
)

// PaymentVote endorses one payee script for one block height, signed by an
// enabled operator's key.
type PaymentVote struct {
	Vin         wire.TxIn
	BlockHeight int32
	Payee       []byte
	Sig         []byte
}

func (v *PaymentVote) Command() string { return CmdPaymentVote }

// Voter returns the collateral identity of the voting operator.
func (v *PaymentVote) Voter() wire.OutPoint {
	return v.Vin.PreviousOutPoint
}

// EncodeTo writes the canonical encoding.
func (v *PaymentVote) EncodeTo(w io.Writer) error {
	if err := writeTxIn(w, &v.Vin); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, v.BlockHeight); err != nil {
		return err
	}
	if err := wire.WriteVarBytes(w, pver, v.Payee); err != nil {
		return err
	}
	return wire.WriteVarBytes(w, pver, v.Sig)
}

// DecodeFrom reads the canonical encoding.
func (v *PaymentVote) DecodeFrom(r io.Reader) error {
	if err := readTxIn(r, &v.Vin); err != nil {
		return err
	}
	if err := binary.Read(r, binary.LittleEndian, &v.BlockHeight); err != nil {
		return err
	}
	var err error
	if v.Payee, err = wire.ReadVarBytes(r, pver, maxScriptSize, "payee"); err != nil {
		return err
	}
	v.Sig, err = wire.ReadVarBytes(r, pver, maxSigSize, "sig")
	return err
}

// Hash identifies the vote in seen-caches and relays. It covers payee,
// height and voter, so a re-signed vote keeps its identity.
func (v *PaymentVote) Hash() chainhash.Hash {
	var buf bytes.Buffer
	_ = wire.WriteVarBytes(&buf, pver, v.Payee)
	_ = binary.Write(&buf, binary.LittleEndian, v.BlockHeight)
	_ = writeOutPoint(&buf, &v.Vin.PreviousOutPoint)
	return chainhash.DoubleHashH(buf.Bytes())
}

func (v *PaymentVote) signString() string {
	return registry.OutPointShort(v.Voter()) +
		fmt.Sprintf("%d", v.BlockHeight) +
		hex.EncodeToString(v.Payee)
}

// Sign signs the vote with the operator key.
func (v *PaymentVote) Sign(priv *btcec.PrivateKey) error {
	sig, err := cry.SignMessage(v.signString(), priv)
	if err != nil {
		return err
	}
	v.Sig = sig
	return nil
}

// CheckSignature verifies the vote against the voter's operator key. The
// DoS score applies only once the winners list is synced; while syncing, a
// stale key usually means we lag behind, so the vote is just dropped.
func (v *PaymentVote) CheckSignature(operatorID ember.KeyID, winnersSynced bool) (int, error) {
	if err := cry.VerifyMessage(operatorID, v.Sig, v.signString()); err != nil {
		dos := 0
		if winnersSynced {
			dos = 20
		}
		return dos, errors.WithMessage(err, "bad payment vote signature")
	}
	return 0, nil
}

// IsVerified reports whether the vote still carries its signature.
func (v *PaymentVote) IsVerified() bool { return len(v.Sig) > 0 }

// MarkUnverified strips the signature, forcing re-validation on reload.
func (v *PaymentVote) MarkUnverified() { v.Sig = nil }

func (v *PaymentVote) String() string {
	return fmt.Sprintf("vote %s, height %d, payee %x", registry.OutPointShort(v.Voter()), v.BlockHeight, v.Payee)
}

// local copies of the registry codec helpers; the vote layout must stay
// bit-compatible with the collateral txin encoding used there.

func writeOutPoint(w io.Writer, op *wire.OutPoint) error {
	if _, err := w.Write(op.Hash[:]); err != nil {
		return err
	}
	return binary.Write(w, binary.LittleEndian, op.Index)
}

func readOutPoint(r io.Reader, op *wire.OutPoint) error {
	if _, err := io.ReadFull(r, op.Hash[:]); err != nil {
		return err
	}
	return binary.Read(r, binary.LittleEndian, &op.Index)
}

func writeTxIn(w io.Writer, in *wire.TxIn) error {
	if err := writeOutPoint(w, &in.PreviousOutPoint); err != nil {
		return err
	}
	if err := wire.WriteVarBytes(w, pver, in.SignatureScript); err != nil {
		return err
	}
	return binary.Write(w, binary.LittleEndian, in.Sequence)
}

func readTxIn(r io.Reader, in *wire.TxIn) error {
	if err := readOutPoint(r, &in.PreviousOutPoint); err != nil {
		return err
	}
	script, err := wire.ReadVarBytes(r, pver, maxScriptSize, "scriptSig")
	if err != nil {
		return err
	}
	in.SignatureScript = script
	return binary.Read(r, binary.LittleEndian, &in.Sequence)
}
