// Copyright (c) 2026 The Ember developers

// Distributed under the GNU Lesser General Public License v3.0 software license, see the accompanying
// file LICENSE or <https://www.gnu.org/licenses/lgpl-3.0.html>

package registry

import (
	"bytes"
	"fmt"
	"io"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/pkg/errors"

	"github.com/emberchain/ember/chainview"
	"github.com/emberchain/ember/ember"
	"github.com/emberchain/ember/cry"
)

// CmdHeartbeat is the transport command of a heartbeat payload.
const CmdHeartbeat = "mnp"

// Heartbeat is the periodic liveness message of an operator. It references
// a block a fixed depth below the tip at signing time, proving the signer
// follows the active chain.
type Heartbeat struct {
	Vin       wire.TxIn
	BlockHash chainhash.Hash
	SigTime   int64
	Sig       []byte
}

func (hb *Heartbeat) Command() string { return CmdHeartbeat }

// Collateral returns the operator identity the heartbeat belongs to.
func (hb *Heartbeat) Collateral() wire.OutPoint {
	return hb.Vin.PreviousOutPoint
}

// IsZero reports an unset heartbeat.
func (hb *Heartbeat) IsZero() bool {
	return hb.SigTime == 0 && len(hb.Sig) == 0 && hb.BlockHash == chainhash.Hash{}
}

// NewHeartbeat builds an unsigned heartbeat for the collateral, anchored at
// the required tip depth. Fails while the chain is shorter than the anchor
// depth.
func NewHeartbeat(chain chainview.Chain, op wire.OutPoint, now int64) (*Heartbeat, error) {
	tip, err := chain.Tip()
	if err != nil {
		return nil, err
	}
	if tip.Height < ember.HeartbeatTipDepth {
		return nil, errors.New("chain too short for heartbeat anchor")
	}
	anchor, err := chain.BlockHash(tip.Height - ember.HeartbeatTipDepth)
	if err != nil {
		return nil, err
	}
	return &Heartbeat{
		Vin:       collateralTxIn(op),
		BlockHash: anchor,
		SigTime:   now,
	}, nil
}

// EncodeTo writes the canonical encoding.
func (hb *Heartbeat) EncodeTo(w io.Writer) error {
	if err := writeTxIn(w, &hb.Vin); err != nil {
		return err
	}
	if err := writeHash(w, &hb.BlockHash); err != nil {
		return err
	}
	if err := writeInt64(w, hb.SigTime); err != nil {
		return err
	}
	return wire.WriteVarBytes(w, pver, hb.Sig)
}

// DecodeFrom reads the canonical encoding.
func (hb *Heartbeat) DecodeFrom(r io.Reader) error {
	if err := readTxIn(r, &hb.Vin); err != nil {
		return err
	}
	if err := readHash(r, &hb.BlockHash); err != nil {
		return err
	}
	if err := readInt64(r, &hb.SigTime); err != nil {
		return err
	}
	sig, err := wire.ReadVarBytes(r, pver, maxSigSize, "sig")
	if err != nil {
		return err
	}
	hb.Sig = sig
	return nil
}

// Hash identifies the heartbeat in seen-caches and inventories.
func (hb *Heartbeat) Hash() chainhash.Hash {
	var buf bytes.Buffer
	_ = writeTxIn(&buf, &hb.Vin)
	_ = writeInt64(&buf, hb.SigTime)
	return chainhash.DoubleHashH(buf.Bytes())
}

func (hb *Heartbeat) signString() string {
	return txInString(&hb.Vin) + hb.BlockHash.String() + fmt.Sprintf("%d", hb.SigTime)
}

// Sign signs the heartbeat with the operator key.
func (hb *Heartbeat) Sign(priv *btcec.PrivateKey, now int64) error {
	hb.SigTime = now
	sig, err := cry.SignMessage(hb.signString(), priv)
	if err != nil {
		return err
	}
	hb.Sig = sig
	return nil
}

// CheckSignature verifies the signature against an operator key identity.
// Returns the DoS score to charge on failure.
func (hb *Heartbeat) CheckSignature(operatorID ember.KeyID) (int, error) {
	if err := cry.VerifyMessage(operatorID, hb.Sig, hb.signString()); err != nil {
		return 33, errors.WithMessage(err, "bad heartbeat signature")
	}
	return 0, nil
}

// SimpleCheck runs the stateless and chain-local admission checks: clock
// skew and anchor-block knowledge. An unknown anchor is not an offence,
// the sender may be on a fork.
func (hb *Heartbeat) SimpleCheck(chain chainview.Chain, now int64) (dos int, err error) {
	if hb.SigTime >= now+ember.FutureSkewSeconds {
		return 1, errors.New("heartbeat sig time too far in the future")
	}
	if _, err := chain.HeightOf(hb.BlockHash); err != nil {
		return 0, errors.WithMessage(err, "unknown heartbeat anchor block")
	}
	return 0, nil
}

// IsExpired reports whether the heartbeat is old enough to be dropped from
// seen-caches.
func (hb *Heartbeat) IsExpired(now int64) bool {
	return now-hb.SigTime > ember.NewStartRequiredSeconds
}
