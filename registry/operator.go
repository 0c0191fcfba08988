// Copyright (c) 2026 The Ember developers

// Distributed under the GNU Lesser General Public License v3.0 software license, see the accompanying
// file LICENSE or <https://www.gnu.org/licenses/lgpl-3.0.html>

package registry

import (
	"io"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"

	"github.com/emberchain/ember/chainview"
	"github.com/emberchain/ember/ember"
)

// State is the activity state of an operator record.
type State int32

const (
	StatePreEnabled State = iota
	StateEnabled
	StateExpired
	StateOutpointSpent
	StateUpdateRequired
	StateWatchdogExpired
	StateNewStartRequired
	StatePoSeBan
)

func (s State) String() string {
	switch s {
	case StatePreEnabled:
		return "PRE_ENABLED"
	case StateEnabled:
		return "ENABLED"
	case StateExpired:
		return "EXPIRED"
	case StateOutpointSpent:
		return "OUTPOINT_SPENT"
	case StateUpdateRequired:
		return "UPDATE_REQUIRED"
	case StateWatchdogExpired:
		return "WATCHDOG_EXPIRED"
	case StateNewStartRequired:
		return "NEW_START_REQUIRED"
	case StatePoSeBan:
		return "POSE_BAN"
	default:
		return "UNKNOWN"
	}
}

// IsValidStateForAutoStart is the set of states a recovery reply may
// project a record into and still count as a good reply, and the set the
// local driver accepts for a remote start.
func IsValidStateForAutoStart(s State) bool {
	switch s {
	case StateEnabled, StatePreEnabled, StateExpired, StateWatchdogExpired:
		return true
	}
	return false
}

// Operator is one record of the registry. It is only ever mutated under
// the registry lock; everything handed outside is a value snapshot.
type Operator struct {
	Vin              wire.TxIn
	Addr             ember.NetAddr
	PubKeyCollateral []byte
	PubKeyOperator   []byte
	Sig              []byte
	SigTime          int64
	ProtocolVersion  int32

	LastHeartbeat    Heartbeat
	ActiveState      State
	PoSeBanScore     int32
	PoSeBanHeight    int32
	BlockLastPaid    int32
	TimeLastPaid     int64
	TimeLastWatchdog int64
	CollateralBlock  int32 // cached height of the collateral tx, 0 when unknown
	LastDsq          int64

	timeLastChecked int64
	govVotes        map[chainhash.Hash]int
}

func newOperator(a *Announce) *Operator {
	return &Operator{
		Vin:              a.Vin,
		Addr:             a.Addr,
		PubKeyCollateral: a.PubKeyCollateral,
		PubKeyOperator:   a.PubKeyOperator,
		Sig:              a.Sig,
		SigTime:          a.SigTime,
		ProtocolVersion:  a.ProtocolVersion,
		LastHeartbeat:    a.LastHeartbeat,
		ActiveState:      a.ActiveState,
		TimeLastWatchdog: a.SigTime,
		govVotes:         make(map[chainhash.Hash]int),
	}
}

// Collateral returns the record identity.
func (o *Operator) Collateral() wire.OutPoint {
	return o.Vin.PreviousOutPoint
}

// CollateralKeyID returns the identity of the collateral key.
func (o *Operator) CollateralKeyID() ember.KeyID {
	var id ember.KeyID
	copy(id[:], btcutil.Hash160(o.PubKeyCollateral))
	return id
}

// OperatorKeyID returns the identity of the operator key.
func (o *Operator) OperatorKeyID() ember.KeyID {
	var id ember.KeyID
	copy(id[:], btcutil.Hash160(o.PubKeyOperator))
	return id
}

// PayeeScript returns the P2PKH script rewards for this operator pay to.
func (o *Operator) PayeeScript() []byte {
	script, _ := scriptForKeyID(o.CollateralKeyID())
	return script
}

func (o *Operator) isEnabled() bool    { return o.ActiveState == StateEnabled }
func (o *Operator) isPreEnabled() bool { return o.ActiveState == StatePreEnabled }
func (o *Operator) isPoSeBanned() bool { return o.ActiveState == StatePoSeBan }

// isPoSeVerified reports a record whose score sank to the trusted floor by
// repeatedly passing verification.
func (o *Operator) isPoSeVerified() bool {
	return o.PoSeBanScore <= -ember.PoSeBanMaxScore
}

func (o *Operator) increasePoSeBanScore() {
	if o.PoSeBanScore < ember.PoSeBanMaxScore {
		o.PoSeBanScore++
	}
}

func (o *Operator) decreasePoSeBanScore() {
	if o.PoSeBanScore > -ember.PoSeBanMaxScore {
		o.PoSeBanScore--
	}
}

// isValidForPayment gates payee candidacy.
func (o *Operator) isValidForPayment() bool {
	return o.isEnabled() && !o.isPoSeBanned()
}

// pingedWithin reports whether the last heartbeat arrived within the given
// window before at.
func (o *Operator) pingedWithin(seconds int64, at int64) bool {
	if o.LastHeartbeat.IsZero() {
		return false
	}
	return at-o.LastHeartbeat.SigTime < seconds
}

// broadcastedWithin reports whether the record's announce is younger than
// the window.
func (o *Operator) broadcastedWithin(seconds int64, now int64) bool {
	return now-o.SigTime < seconds
}

// checkEnv carries the inputs of one state recomputation.
type checkEnv struct {
	now            int64
	height         int32
	chain          chainview.Chain
	listSynced     bool
	watchdogActive bool
	registrySize   int
	ourOperator    bool
	force          bool
}

// check recomputes the activity state. The transition order is fixed:
// spent collateral, PoSe ban, protocol floor, heartbeat windows, watchdog,
// pre-enable grace. First match wins.
func (o *Operator) check(env checkEnv) {
	if !env.force && env.now-o.timeLastChecked < ember.CheckSeconds {
		return
	}
	o.timeLastChecked = env.now

	// once spent, stop doing the checks; the sweep erases the record
	if o.ActiveState == StateOutpointSpent {
		return
	}

	if env.chain != nil {
		switch _, err := env.chain.UTXO(o.Collateral()); err {
		case nil:
		case chainview.ErrBusy:
			return // defer, not the record's fault
		default:
			o.ActiveState = StateOutpointSpent
			return
		}
	}

	if o.isPoSeBanned() {
		if env.height < o.PoSeBanHeight {
			return // still banned
		}
		// back in the list, but on the edge: a single failed verification
		// round can ban it again
		o.decreasePoSeBanScore()
	} else if o.PoSeBanScore >= ember.PoSeBanMaxScore {
		o.ActiveState = StatePoSeBan
		// ban for the whole payment cycle
		o.PoSeBanHeight = env.height + int32(env.registrySize)
		return
	}

	if o.ProtocolVersion < ember.MinPaymentsProtoVersion {
		o.ActiveState = StateUpdateRequired
		return
	}

	// keep stale records around while the list is still syncing, they may
	// receive updates shortly
	waitForPing := !env.listSynced && !o.pingedWithin(ember.MinHeartbeatSeconds, env.now)
	if waitForPing && !env.ourOperator {
		switch o.ActiveState {
		case StateExpired, StateWatchdogExpired, StateNewStartRequired:
			return
		}
	}

	if !waitForPing || env.ourOperator {
		if !o.pingedWithin(ember.NewStartRequiredSeconds, env.now) {
			o.ActiveState = StateNewStartRequired
			return
		}

		if env.watchdogActive && env.now-o.TimeLastWatchdog > ember.WatchdogMaxSeconds {
			o.ActiveState = StateWatchdogExpired
			return
		}

		if !o.pingedWithin(ember.ExpirationSeconds, env.now) {
			o.ActiveState = StateExpired
			return
		}
	}

	if o.LastHeartbeat.SigTime-o.SigTime < ember.MinHeartbeatSeconds {
		o.ActiveState = StatePreEnabled
		return
	}

	o.ActiveState = StateEnabled
}

// updateFromAnnounce merges a newer announce into the record. Returns false
// when the announce is not newer (unless it carries the recovery flag).
func (o *Operator) updateFromAnnounce(a *Announce) bool {
	if a.SigTime <= o.SigTime && !a.Recovery {
		return false
	}
	o.PubKeyOperator = a.PubKeyOperator
	o.SigTime = a.SigTime
	o.Sig = a.Sig
	o.ProtocolVersion = a.ProtocolVersion
	o.Addr = a.Addr
	o.PoSeBanScore = 0
	o.PoSeBanHeight = 0
	o.timeLastChecked = 0
	return true
}

// toAnnounce rebuilds the announce form of the record for list serving and
// hashing.
func (o *Operator) toAnnounce() *Announce {
	return &Announce{
		Vin:              o.Vin,
		Addr:             o.Addr,
		PubKeyCollateral: o.PubKeyCollateral,
		PubKeyOperator:   o.PubKeyOperator,
		Sig:              o.Sig,
		SigTime:          o.SigTime,
		ProtocolVersion:  o.ProtocolVersion,
		LastHeartbeat:    o.LastHeartbeat,
		ActiveState:      o.ActiveState,
	}
}

// Info is the immutable snapshot of a record handed to other components.
type Info struct {
	Collateral      wire.OutPoint
	Addr            ember.NetAddr
	CollateralKeyID ember.KeyID
	OperatorKeyID   ember.KeyID
	PayeeScript     []byte
	SigTime         int64
	HeartbeatTime   int64
	State           State
	ProtocolVersion int32
	BlockLastPaid   int32
	TimeLastPaid    int64
	CollateralBlock int32
	PoSeBanScore    int32
	Valid           bool
}

func (o *Operator) info() Info {
	return Info{
		Collateral:      o.Collateral(),
		Addr:            o.Addr,
		CollateralKeyID: o.CollateralKeyID(),
		OperatorKeyID:   o.OperatorKeyID(),
		PayeeScript:     o.PayeeScript(),
		SigTime:         o.SigTime,
		HeartbeatTime:   o.LastHeartbeat.SigTime,
		State:           o.ActiveState,
		ProtocolVersion: o.ProtocolVersion,
		BlockLastPaid:   o.BlockLastPaid,
		TimeLastPaid:    o.TimeLastPaid,
		CollateralBlock: o.CollateralBlock,
		PoSeBanScore:    o.PoSeBanScore,
		Valid:           true,
	}
}

// IsEnabled reports the ENABLED state.
func (i Info) IsEnabled() bool { return i.State == StateEnabled }

// IsValidForPayment gates payee candidacy on a snapshot.
func (i Info) IsValidForPayment() bool {
	return i.State == StateEnabled
}

// scriptForKeyID builds the P2PKH script paying to a key identity.
func scriptForKeyID(id ember.KeyID) ([]byte, error) {
	return txscript.NewScriptBuilder().
		AddOp(txscript.OP_DUP).
		AddOp(txscript.OP_HASH160).
		AddData(id.Bytes()).
		AddOp(txscript.OP_EQUALVERIFY).
		AddOp(txscript.OP_CHECKSIG).
		Script()
}

// encodeTo serializes the full record for the registry snapshot.
func (o *Operator) encodeTo(w io.Writer) error {
	ann := o.toAnnounce()
	if err := ann.EncodeTo(w); err != nil {
		return err
	}
	for _, v := range []int64{o.TimeLastPaid, o.TimeLastWatchdog, o.LastDsq} {
		if err := writeInt64(w, v); err != nil {
			return err
		}
	}
	for _, v := range []int32{o.PoSeBanScore, o.PoSeBanHeight, o.BlockLastPaid, o.CollateralBlock} {
		if err := writeInt32(w, v); err != nil {
			return err
		}
	}
	return nil
}

// decodeOperator restores a record from the registry snapshot.
func decodeOperator(r io.Reader) (*Operator, error) {
	var ann Announce
	if err := ann.DecodeFrom(r); err != nil {
		return nil, err
	}
	o := newOperator(&ann)
	for _, v := range []*int64{&o.TimeLastPaid, &o.TimeLastWatchdog, &o.LastDsq} {
		if err := readInt64(r, v); err != nil {
			return nil, err
		}
	}
	for _, v := range []*int32{&o.PoSeBanScore, &o.PoSeBanHeight, &o.BlockLastPaid, &o.CollateralBlock} {
		if err := readInt32(r, v); err != nil {
			return nil, err
		}
	}
	return o, nil
}
