// Copyright (c) 2026 The Ember developers

// Distributed under the GNU Lesser General Public License v3.0 software license, see the accompanying
// file LICENSE or <https://www.gnu.org/licenses/lgpl-3.0.html>

// Package active drives a configured local operator from idle to running:
// it detects the external address, confirms the collateral, publishes the
// initial announce and keeps emitting heartbeats.
package active

import (
	"fmt"
	"sync"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/wire"
	"github.com/inconshreveable/log15"

	"github.com/emberchain/ember/chainview"
	"github.com/emberchain/ember/ember"
	"github.com/emberchain/ember/gossip"
	"github.com/emberchain/ember/registry"
)

var log = log15.New("pkg", "active")

// State is the activation progress of the local operator.
type State int

const (
	StateInitial State = iota
	StateSyncInProcess
	StateInputTooNew
	StateNotCapable
	StateStarted
)

func (s State) String() string {
	switch s {
	case StateInitial:
		return "INITIAL"
	case StateSyncInProcess:
		return "SYNC_IN_PROCESS"
	case StateInputTooNew:
		return "INPUT_TOO_NEW"
	case StateNotCapable:
		return "NOT_CAPABLE"
	case StateStarted:
		return "STARTED"
	default:
		return "UNKNOWN"
	}
}

// Type tells how the operator was started.
type Type int

const (
	TypeUnknown Type = iota
	TypeRemote
	TypeLocal
)

func (t Type) String() string {
	switch t {
	case TypeRemote:
		return "REMOTE"
	case TypeLocal:
		return "LOCAL"
	default:
		return "UNKNOWN"
	}
}

// Wallet is the slice of the host wallet this package consumes.
type Wallet interface {
	// CollateralInput picks an unspent collateral-denomination output and
	// returns it with its key pair.
	CollateralInput() (wire.OutPoint, *btcec.PrivateKey, error)

	// LockCoin protects the collateral from being spent by the wallet.
	LockCoin(op wire.OutPoint)

	// IsLocked reports an encrypted, locked wallet.
	IsLocked() bool

	// Balance returns the spendable balance.
	Balance() btcutil.Amount
}

// SyncTracker is the slice of the sync controller this package consumes.
type SyncTracker interface {
	IsBlockchainSynced() bool
}

// Options configures the Driver.
type Options struct {
	Params   ember.Params
	Chain    chainview.Chain
	Pool     gossip.Pool
	Registry *registry.Registry
	Wallet   Wallet
	Sync     SyncTracker

	// OperatorKey is the operator signing key from the configuration.
	OperatorKey *btcec.PrivateKey

	// ExternalAddr overrides external address detection when set.
	ExternalAddr ember.NetAddr

	// Now overrides the clock, for tests.
	Now func() int64
}

// Driver is the local activation state machine.
type Driver struct {
	params ember.Params
	chain  chainview.Chain
	pool   gossip.Pool
	reg    *registry.Registry
	wallet Wallet
	sync   SyncTracker
	now    func() int64

	operatorKey  *btcec.PrivateKey
	externalAddr ember.NetAddr

	mu            sync.Mutex
	state         State
	typ           Type
	service       ember.NetAddr
	vin           wire.TxIn
	pingerEnabled bool
	reason        string
}

// New creates a Driver in the INITIAL state.
func New(opts Options) *Driver {
	now := opts.Now
	if now == nil {
		now = func() int64 { return time.Now().Unix() }
	}
	return &Driver{
		params:       opts.Params,
		chain:        opts.Chain,
		pool:         opts.Pool,
		reg:          opts.Registry,
		wallet:       opts.Wallet,
		sync:         opts.Sync,
		now:          now,
		operatorKey:  opts.OperatorKey,
		externalAddr: opts.ExternalAddr,
	}
}

// State returns the current activation state.
func (d *Driver) State() State {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

// Type returns how the operator was (or will be) started.
func (d *Driver) Type() Type {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.typ
}

// Status renders the user-visible status line.
func (d *Driver) Status() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	switch d.state {
	case StateInitial:
		return "Node just started, not yet activated"
	case StateSyncInProcess:
		return "Sync in progress. Must wait until sync is complete to start operator"
	case StateInputTooNew:
		return fmt.Sprintf("Operator input must have at least %d confirmations", d.params.MinConfirmations)
	case StateNotCapable:
		return "Not capable operator: " + d.reason
	case StateStarted:
		return "Operator successfully started"
	default:
		return "Unknown"
	}
}

func (d *Driver) notCapable(reason string) {
	d.mu.Lock()
	d.state = StateNotCapable
	d.reason = reason
	d.mu.Unlock()
	log.Warn("operator not capable", "reason", reason)
}

// ManageState runs one activation pass. Call it on a timer and whenever
// the registry reports a local-match announce.
func (d *Driver) ManageState() {
	if d.operatorKey == nil {
		// not configured as an operator
		return
	}

	if !d.params.AnyAddressAllowed && !d.sync.IsBlockchainSynced() {
		d.mu.Lock()
		d.state = StateSyncInProcess
		d.mu.Unlock()
		log.Info("waiting for blockchain sync", "state", StateSyncInProcess)
		return
	}

	d.mu.Lock()
	if d.state == StateSyncInProcess {
		d.state = StateInitial
	}
	typ := d.typ
	d.mu.Unlock()

	if typ == TypeUnknown {
		d.manageInitial()
	}

	d.mu.Lock()
	typ = d.typ
	d.mu.Unlock()

	switch typ {
	case TypeRemote:
		d.manageRemote()
	case TypeLocal:
		// try the remote path first so a restarted operator doesn't need a
		// fresh announce
		d.manageRemote()
		if d.State() != StateStarted {
			d.manageLocal()
		}
	}

	d.SendHeartbeat()
}

func (d *Driver) manageInitial() {
	// find the address peers can reach us at
	service := d.externalAddr
	if service.IsZero() {
		reflected, ok := d.pool.ReflectedAddr()
		if !ok {
			d.notCapable("Can't detect valid external address. Will retry when there are some connections available.")
			return
		}
		service = reflected
	}
	if !d.params.AnyAddressAllowed && !service.IsRoutable() {
		d.notCapable("Can't detect valid external address. Please consider using the externaladdr configuration option if problem persists. Make sure to use IPv4 address only.")
		return
	}
	if !d.params.ValidPort(service.Port) {
		if d.params.IsMainNet() {
			d.notCapable(fmt.Sprintf("Invalid port %d, only %d is supported on mainnet.", service.Port, d.params.DefaultPort))
		} else {
			d.notCapable(fmt.Sprintf("Invalid port %d, %d is only supported on mainnet.", service.Port, ember.MainNet().DefaultPort))
		}
		return
	}

	log.Info("checking inbound connection to self", "addr", service)
	if _, err := d.pool.Connect(service); err != nil {
		d.notCapable("Could not connect to " + service.String())
		return
	}

	d.mu.Lock()
	d.service = service
	d.typ = TypeRemote
	d.mu.Unlock()

	if d.wallet == nil {
		log.Warn("wallet not available, staying in remote mode")
		return
	}
	if d.wallet.IsLocked() {
		log.Warn("wallet is locked, staying in remote mode")
		return
	}
	if d.wallet.Balance() < d.params.Collateral {
		log.Warn("wallet balance below collateral, staying in remote mode",
			"balance", d.wallet.Balance())
		return
	}
	if _, _, err := d.wallet.CollateralInput(); err == nil {
		d.mu.Lock()
		d.typ = TypeLocal
		d.mu.Unlock()
	}
}

func (d *Driver) manageRemote() {
	pub := d.operatorKey.PubKey().SerializeCompressed()
	d.reg.CheckOperatorByKey(pub)
	info := d.reg.GetInfoByOperatorKey(pub)
	if !info.Valid {
		d.notCapable("Operator not in operator list")
		return
	}
	if info.ProtocolVersion != ember.ProtocolVersion {
		d.notCapable("Invalid protocol version")
		return
	}
	d.mu.Lock()
	service := d.service
	d.mu.Unlock()
	if !service.Equal(info.Addr) {
		d.notCapable("Broadcasted IP doesn't match our external address. Make sure you issued a new broadcast if the address of this operator changed recently.")
		return
	}
	if !registry.IsValidStateForAutoStart(info.State) {
		d.notCapable(fmt.Sprintf("Operator in %s state", info.State))
		return
	}

	d.mu.Lock()
	if d.state != StateStarted {
		log.Info("operator started remotely", "operator", registry.OutPointShort(info.Collateral))
		d.vin = wire.TxIn{PreviousOutPoint: info.Collateral, Sequence: wire.MaxTxInSequenceNum}
		d.service = info.Addr
		d.pingerEnabled = true
		d.state = StateStarted
	}
	vin := d.vin
	service = d.service
	d.mu.Unlock()

	d.reg.SetLocalOperator(&registry.LocalOperator{
		Vin:     vin,
		Addr:    service,
		PrivKey: d.operatorKey,
		PubKey:  pub,
	})
}

func (d *Driver) manageLocal() {
	if d.State() == StateStarted {
		return
	}

	op, collateralKey, err := d.wallet.CollateralInput()
	if err != nil {
		log.Debug("no collateral input available", "err", err)
		return
	}

	utxo, err := d.chain.UTXO(op)
	if err != nil {
		log.Debug("collateral lookup failed", "err", err)
		return
	}
	tip, err := d.chain.Tip()
	if err != nil {
		return
	}
	confirmations := tip.Height - utxo.Height + 1
	if confirmations < d.params.MinConfirmations {
		d.mu.Lock()
		d.state = StateInputTooNew
		d.reason = fmt.Sprintf("%d confirmations", confirmations)
		d.mu.Unlock()
		log.Warn("collateral input too new", "confirmations", confirmations,
			"want", d.params.MinConfirmations)
		return
	}

	d.wallet.LockCoin(op)

	d.mu.Lock()
	service := d.service
	d.mu.Unlock()

	ann, err := d.createAnnounce(op, collateralKey, service)
	if err != nil {
		d.notCapable("Error creating operator broadcast: " + err.Error())
		return
	}

	d.mu.Lock()
	d.vin = ann.Vin
	d.pingerEnabled = true
	d.state = StateStarted
	d.mu.Unlock()

	d.reg.SetLocalOperator(&registry.LocalOperator{
		Vin:     ann.Vin,
		Addr:    service,
		PrivKey: d.operatorKey,
		PubKey:  d.operatorKey.PubKey().SerializeCompressed(),
	})

	log.Info("publishing operator broadcast", "operator", registry.OutPointShort(op))
	res := d.reg.SubmitAnnounce(nil, ann)
	if res.Outcome != registry.OutcomeAccepted && res.Outcome != registry.OutcomeAlreadyKnown {
		d.notCapable("Operator broadcast rejected: " + res.Outcome.String())
	}
}

// createAnnounce builds and signs the initial announce: a fresh heartbeat
// signed by the operator key wrapped in a broadcast signed by the
// collateral key.
func (d *Driver) createAnnounce(op wire.OutPoint, collateralKey *btcec.PrivateKey, service ember.NetAddr) (*registry.Announce, error) {
	now := d.now()
	hb, err := registry.NewHeartbeat(d.chain, op, now)
	if err != nil {
		return nil, err
	}
	if err := hb.Sign(d.operatorKey, now); err != nil {
		return nil, err
	}

	ann := &registry.Announce{
		Vin:              wire.TxIn{PreviousOutPoint: op, Sequence: wire.MaxTxInSequenceNum},
		Addr:             service,
		PubKeyCollateral: collateralKey.PubKey().SerializeCompressed(),
		PubKeyOperator:   d.operatorKey.PubKey().SerializeCompressed(),
		ProtocolVersion:  ember.ProtocolVersion,
		LastHeartbeat:    *hb,
	}
	if err := ann.Sign(collateralKey, now); err != nil {
		return nil, err
	}
	return ann, nil
}

// SendHeartbeat emits one heartbeat for the running operator, subject to
// the not-too-soon rule.
func (d *Driver) SendHeartbeat() bool {
	d.mu.Lock()
	enabled := d.pingerEnabled
	vin := d.vin
	d.mu.Unlock()

	if !enabled {
		return false
	}
	op := vin.PreviousOutPoint

	if !d.reg.Has(op) {
		d.notCapable("Operator not in operator list")
		return false
	}

	now := d.now()
	hb, err := registry.NewHeartbeat(d.chain, op, now)
	if err != nil {
		log.Warn("can't build heartbeat", "err", err)
		return false
	}
	if err := hb.Sign(d.operatorKey, now); err != nil {
		log.Error("couldn't sign heartbeat", "err", err)
		return false
	}

	if d.reg.PingedWithin(op, ember.MinHeartbeatSeconds, hb.SigTime) {
		log.Debug("too early to send heartbeat")
		return false
	}

	d.reg.SetLastHeartbeat(op, hb)
	log.Info("relaying heartbeat", "operator", registry.OutPointShort(op))
	d.pool.Broadcast(gossip.Inv{Type: gossip.InvHeartbeat, Hash: hb.Hash()})
	return true
}
