// Copyright (c) 2026 The Ember developers

// Distributed under the GNU Lesser General Public License v3.0 software license, see the accompanying
// file LICENSE or <https://www.gnu.org/licenses/lgpl-3.0.html>

package registry

import (
	"bytes"
	"fmt"
	"io"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/pkg/errors"

	"github.com/emberchain/ember/chainview"
	"github.com/emberchain/ember/ember"
	"github.com/emberchain/ember/cry"
)

// CmdAnnounce is the transport command of an announce payload.
const CmdAnnounce = "mnb"

// Announce declares that an operator exists at an address with the given
// keys, backed by a collateral outpoint. It embeds the operator's freshest
// heartbeat so receivers can admit the record in one step.
type Announce struct {
	Vin              wire.TxIn
	Addr             ember.NetAddr
	PubKeyCollateral []byte
	PubKeyOperator   []byte
	Sig              []byte
	SigTime          int64
	ProtocolVersion  int32
	LastHeartbeat    Heartbeat
	ActiveState      State

	// Recovery marks a quorum-approved replacement announce; it is never
	// serialized and bypasses the newer-sig-time replacement rule.
	Recovery bool
}

func (a *Announce) Command() string { return CmdAnnounce }

// Collateral returns the operator identity.
func (a *Announce) Collateral() wire.OutPoint {
	return a.Vin.PreviousOutPoint
}

// CollateralKeyID returns the identity of the collateral key.
func (a *Announce) CollateralKeyID() ember.KeyID {
	var id ember.KeyID
	copy(id[:], btcutil.Hash160(a.PubKeyCollateral))
	return id
}

// OperatorKeyID returns the identity of the operator key.
func (a *Announce) OperatorKeyID() ember.KeyID {
	var id ember.KeyID
	copy(id[:], btcutil.Hash160(a.PubKeyOperator))
	return id
}

// EncodeTo writes the canonical encoding.
func (a *Announce) EncodeTo(w io.Writer) error {
	if err := writeTxIn(w, &a.Vin); err != nil {
		return err
	}
	if err := writeNetAddr(w, &a.Addr); err != nil {
		return err
	}
	if err := wire.WriteVarBytes(w, pver, a.PubKeyCollateral); err != nil {
		return err
	}
	if err := wire.WriteVarBytes(w, pver, a.PubKeyOperator); err != nil {
		return err
	}
	if err := wire.WriteVarBytes(w, pver, a.Sig); err != nil {
		return err
	}
	if err := writeInt64(w, a.SigTime); err != nil {
		return err
	}
	if err := writeInt32(w, a.ProtocolVersion); err != nil {
		return err
	}
	if err := a.LastHeartbeat.EncodeTo(w); err != nil {
		return err
	}
	return writeInt32(w, int32(a.ActiveState))
}

// DecodeFrom reads the canonical encoding.
func (a *Announce) DecodeFrom(r io.Reader) error {
	if err := readTxIn(r, &a.Vin); err != nil {
		return err
	}
	if err := readNetAddr(r, &a.Addr); err != nil {
		return err
	}
	var err error
	if a.PubKeyCollateral, err = wire.ReadVarBytes(r, pver, maxPubKeySize, "pubKeyCollateral"); err != nil {
		return err
	}
	if a.PubKeyOperator, err = wire.ReadVarBytes(r, pver, maxPubKeySize, "pubKeyOperator"); err != nil {
		return err
	}
	if a.Sig, err = wire.ReadVarBytes(r, pver, maxSigSize, "sig"); err != nil {
		return err
	}
	if err := readInt64(r, &a.SigTime); err != nil {
		return err
	}
	if err := readInt32(r, &a.ProtocolVersion); err != nil {
		return err
	}
	if err := a.LastHeartbeat.DecodeFrom(r); err != nil {
		return err
	}
	var state int32
	if err := readInt32(r, &state); err != nil {
		return err
	}
	a.ActiveState = State(state)
	return nil
}

// Hash identifies the announce in seen-caches, inventories and recovery
// bookkeeping. It covers the fields a re-broadcast may not change.
func (a *Announce) Hash() chainhash.Hash {
	var buf bytes.Buffer
	_ = writeTxIn(&buf, &a.Vin)
	_ = wire.WriteVarBytes(&buf, pver, a.PubKeyCollateral)
	_ = writeInt64(&buf, a.SigTime)
	return chainhash.DoubleHashH(buf.Bytes())
}

func (a *Announce) signString() string {
	return a.Addr.String() +
		fmt.Sprintf("%d", a.SigTime) +
		a.CollateralKeyID().Hex() +
		a.OperatorKeyID().Hex() +
		fmt.Sprintf("%d", a.ProtocolVersion)
}

// Sign signs the announce with the collateral key.
func (a *Announce) Sign(priv *btcec.PrivateKey, now int64) error {
	a.SigTime = now
	sig, err := cry.SignMessage(a.signString(), priv)
	if err != nil {
		return err
	}
	a.Sig = sig
	// self-check, a broken signer must never go on the wire
	if _, err := a.CheckSignature(); err != nil {
		return err
	}
	return nil
}

// CheckSignature verifies the announce signature against the embedded
// collateral key. Returns the DoS score to charge on failure.
func (a *Announce) CheckSignature() (int, error) {
	if err := cry.VerifyMessage(a.CollateralKeyID(), a.Sig, a.signString()); err != nil {
		return 100, errors.WithMessage(err, "bad announce signature")
	}
	return 0, nil
}

// SimpleCheck runs the stateless admission rules of §announce admission:
// address form, clock skew, embedded heartbeat, protocol floor, key and
// script shape, port policy. A failed embedded heartbeat does not reject
// the announce; the record is admitted as EXPIRED instead.
func (a *Announce) SimpleCheck(params ember.Params, chain chainview.Chain, now int64) (dos int, err error) {
	if !params.AnyAddressAllowed && !a.Addr.IsRoutable() {
		return 0, errors.Errorf("invalid addr %s", a.Addr)
	}
	if a.SigTime >= now+ember.FutureSkewSeconds {
		return 1, errors.New("announce sig time too far in the future")
	}
	if a.LastHeartbeat.IsZero() {
		a.ActiveState = StateExpired
	} else if _, hbErr := a.LastHeartbeat.SimpleCheck(chain, now); hbErr != nil {
		// the sender may be forked; mark expired and keep processing
		a.ActiveState = StateExpired
	}
	if a.ProtocolVersion < ember.MinPaymentsProtoVersion {
		return 0, errors.Errorf("outdated protocol version %d", a.ProtocolVersion)
	}
	if _, err := btcec.ParsePubKey(a.PubKeyCollateral); err != nil {
		return 100, errors.WithMessage(err, "bad collateral pubkey")
	}
	if _, err := btcec.ParsePubKey(a.PubKeyOperator); err != nil {
		return 100, errors.WithMessage(err, "bad operator pubkey")
	}
	if len(a.Vin.SignatureScript) != 0 {
		return 100, errors.New("collateral input carries a script")
	}
	if !params.ValidPort(a.Addr.Port) {
		return 0, errors.Errorf("invalid port %d on %s net", a.Addr.Port, params.Name)
	}
	return 0, nil
}

// checkCollateral verifies the announce against the UTXO set: the outpoint
// must hold exactly the collateral denomination, pay to the collateral key,
// be buried under the confirmation minimum, and have matured before the
// announce was signed. Returns the collateral height for age bookkeeping.
// chainview.ErrBusy is returned unchanged so callers can defer instead of
// rejecting.
func (a *Announce) checkCollateral(params ember.Params, chain chainview.Chain) (height int32, dos int, err error) {
	utxo, err := chain.UTXO(a.Collateral())
	if err != nil {
		return 0, 0, err
	}
	if utxo.Value != params.Collateral {
		return 0, 0, errors.Errorf("collateral value %v, want %v", utxo.Value, params.Collateral)
	}
	script, err := scriptForKeyID(a.CollateralKeyID())
	if err != nil {
		return 0, 0, err
	}
	if !bytes.Equal(utxo.PkScript, script) {
		return 0, 33, errors.New("collateral not payable to collateral key")
	}
	tip, err := chain.Tip()
	if err != nil {
		return 0, 0, err
	}
	if tip.Height-utxo.Height+1 < params.MinConfirmations {
		return 0, 0, errors.Errorf("collateral has %d confirmations, want %d",
			tip.Height-utxo.Height+1, params.MinConfirmations)
	}
	// the block burying the collateral must predate the signature
	conf, err := chain.BlockRefAt(utxo.Height + params.MinConfirmations - 1)
	if err == nil && conf.Time > a.SigTime {
		return 0, 0, errors.Errorf("sig time %d predates collateral maturity at %d", a.SigTime, conf.Time)
	}
	return utxo.Height, 0, nil
}
