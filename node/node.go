// Copyright (c) 2026 The Ember developers

// Distributed under the GNU Lesser General Public License v3.0 software license, see the accompanying
// file LICENSE or <https://www.gnu.org/licenses/lgpl-3.0.html>

// Package node is the owning context of the service-node subsystem. It
// wires the registry, the payment book, the sync controller, the local
// activation driver and the notification fan-out together, runs their
// tickers and owns the snapshot files. The host daemon creates one Node
// and feeds it inbound transport payloads.
package node

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/inconshreveable/log15"
	"github.com/pkg/errors"

	"github.com/emberchain/ember/active"
	"github.com/emberchain/ember/chainview"
	"github.com/emberchain/ember/co"
	"github.com/emberchain/ember/ember"
	"github.com/emberchain/ember/gossip"
	"github.com/emberchain/ember/notify"
	"github.com/emberchain/ember/payments"
	"github.com/emberchain/ember/registry"
	"github.com/emberchain/ember/snsync"
)

var log = log15.New("pkg", "node")

const (
	registrySnapshotFile = "sncache.dat"
	paymentsSnapshotFile = "snpayments.dat"

	maintenanceInterval = time.Minute
)

// Options configures a Node.
type Options struct {
	Params ember.Params
	Chain  chainview.Chain
	Pool   gossip.Pool

	// DataDir holds the snapshot files; empty disables persistence.
	DataDir string

	// Wallet and OperatorKey turn the node into a configured operator.
	Wallet       active.Wallet
	OperatorKey  *btcec.PrivateKey
	ExternalAddr ember.NetAddr

	// Governance plugs the external governance subsystem into the sync
	// controller; optional.
	Governance snsync.GovernanceSource

	// Now overrides the clock, for tests.
	Now func() int64
}

// Node owns all service-node subsystems.
type Node struct {
	params    ember.Params
	chain     chainview.Chain
	pool      gossip.Pool
	fulfilled *gossip.FulfilledReqs
	dataDir   string

	Registry *registry.Registry
	Payments *payments.Payments
	Sync     *snsync.Manager
	Driver   *active.Driver
	notifier *notify.Notifier

	goes   co.Goes
	ctx    context.Context
	cancel context.CancelFunc
}

// New wires a Node. Nothing runs until Start.
func New(opts Options) *Node {
	ctx, cancel := context.WithCancel(context.Background())
	fulfilled := gossip.NewFulfilledReqs()

	reg := registry.New(registry.Options{
		Params:    opts.Params,
		Chain:     opts.Chain,
		Pool:      opts.Pool,
		Fulfilled: fulfilled,
		Now:       opts.Now,
	})
	pay := payments.New(payments.Options{
		Params:   opts.Params,
		Chain:    opts.Chain,
		Pool:     opts.Pool,
		Registry: reg,
		Now:      opts.Now,
	})
	reg.SetPayeeHistory(pay)

	n := &Node{
		params:    opts.Params,
		chain:     opts.Chain,
		pool:      opts.Pool,
		fulfilled: fulfilled,
		dataDir:   opts.DataDir,
		Registry:  reg,
		Payments:  pay,
		notifier:  notify.New(opts.Chain),
		ctx:       ctx,
		cancel:    cancel,
	}

	n.Sync = snsync.New(snsync.Options{
		Params:     opts.Params,
		Chain:      opts.Chain,
		Pool:       opts.Pool,
		Fulfilled:  fulfilled,
		Operators:  reg,
		Payments:   pay,
		Governance: opts.Governance,
		OnFinished: func() {
			// try to activate our operator as soon as the data is in
			if n.Driver != nil {
				n.Driver.ManageState()
			}
		},
		Now: opts.Now,
	})
	reg.SetSyncTracker(n.Sync)
	pay.SetSyncTracker(n.Sync)

	if opts.OperatorKey != nil {
		n.Driver = active.New(active.Options{
			Params:       opts.Params,
			Chain:        opts.Chain,
			Pool:         opts.Pool,
			Registry:     reg,
			Wallet:       opts.Wallet,
			Sync:         n.Sync,
			OperatorKey:  opts.OperatorKey,
			ExternalAddr: opts.ExternalAddr,
			Now:          opts.Now,
		})
	}

	n.notifier.OnTip(func(ref chainview.BlockRef) {
		n.Sync.NoteBlockAccepted()
		reg.UpdatedTip(ref)
		pay.UpdatedTip(ref)
	})

	return n
}

// Start loads the snapshots and launches the loops.
func (n *Node) Start() error {
	if err := n.loadSnapshots(); err != nil {
		log.Warn("snapshot load failed, starting clean", "err", err)
	}
	if tip, err := n.chain.Tip(); err == nil {
		n.Registry.UpdatedTip(tip)
		n.Payments.UpdatedTip(tip)
	}

	n.notifier.Start(n.ctx)
	n.goes.Go(n.syncLoop)
	n.goes.Go(n.maintenanceLoop)
	log.Info("service-node subsystem started", "network", n.params.Name,
		"operator", n.Driver != nil)
	return nil
}

// Stop winds the loops down and persists the snapshots.
func (n *Node) Stop() {
	n.cancel()
	n.goes.Wait()
	n.notifier.Wait()
	if err := n.saveSnapshots(); err != nil {
		log.Error("snapshot save failed", "err", err)
	}
	n.Registry.Close()
	log.Info("service-node subsystem stopped")
}

// syncLoop drives the sync controller at a one second cadence; the
// controller itself acts on every sixth tick.
func (n *Node) syncLoop() {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-n.ctx.Done():
			return
		case <-ticker.C:
			n.Sync.Tick()
		}
	}
}

// maintenanceLoop runs the sweeps: registry check-and-remove, payment
// pruning, verification rounds, activation management and the directed
// recovery connections.
func (n *Node) maintenanceLoop() {
	ticker := time.NewTicker(maintenanceInterval)
	defer ticker.Stop()
	for {
		select {
		case <-n.ctx.Done():
			return
		case <-ticker.C:
			n.Registry.CheckAndRemove()
			n.Payments.CheckAndRemove()
			n.Registry.DoVerificationStep()
			n.drainRecoveryConns()
			if n.Driver != nil {
				n.Driver.ManageState()
			}
		}
	}
}

// drainRecoveryConns opens the directed connections the sweep scheduled
// and asks each target for the announces under recovery.
func (n *Node) drainRecoveryConns() {
	for {
		addr, hashes := n.Registry.PopScheduledRecoveryConn()
		if len(hashes) == 0 {
			return
		}
		peer, err := n.pool.Connect(addr)
		if err != nil {
			log.Debug("recovery connection failed", "addr", addr, "err", err)
			continue
		}
		for _, hash := range hashes {
			peer.AskFor(gossip.Inv{Type: gossip.InvAnnounce, Hash: hash})
		}
	}
}

// HandleMessage feeds one inbound transport payload into the right
// subsystem. The transport calls this from its receive workers; per-peer
// ordering is preserved by the caller.
func (n *Node) HandleMessage(peer gossip.Peer, msg gossip.Msg) {
	// everything below needs chain context; don't touch inbound data until
	// the block download caught up
	if !n.Sync.IsBlockchainSynced() {
		return
	}

	switch m := msg.(type) {
	case *registry.Announce:
		n.Registry.SubmitAnnounce(peer, m)
	case *registry.Heartbeat:
		n.Registry.SubmitHeartbeat(peer, m)
	case *registry.Verification:
		n.Registry.HandleVerification(peer, m)
	case gossip.ListRequest:
		n.Registry.ServeListRequest(peer, m)
	case *payments.PaymentVote:
		n.Payments.AddVote(peer, m)
	case gossip.PaymentSync:
		n.Payments.Sync(peer)
	case gossip.SyncStatusCount:
		n.Sync.HandleStatusCount(peer, m)
	default:
		log.Debug("unhandled message", "command", msg.Command(), "peer", peer.ID())
	}
}

// Status summarizes the subsystem for RPC.
func (n *Node) Status() string {
	s := fmt.Sprintf("sync: %s, %s", n.Sync.Asset(), n.Registry)
	if n.Driver != nil {
		s += ", operator: " + n.Driver.Status()
	}
	return s
}

func (n *Node) loadSnapshots() error {
	if n.dataDir == "" {
		return nil
	}
	if err := loadSnapshot(filepath.Join(n.dataDir, registrySnapshotFile), n.Registry.Load); err != nil {
		return err
	}
	return loadSnapshot(filepath.Join(n.dataDir, paymentsSnapshotFile), n.Payments.Load)
}

func (n *Node) saveSnapshots() error {
	if n.dataDir == "" {
		return nil
	}
	if err := saveSnapshot(filepath.Join(n.dataDir, registrySnapshotFile), n.Registry.Save); err != nil {
		return err
	}
	return saveSnapshot(filepath.Join(n.dataDir, paymentsSnapshotFile), n.Payments.Save)
}

func loadSnapshot(path string, load func(r io.Reader) error) error {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return errors.Wrap(err, "open snapshot")
	}
	defer f.Close()
	return load(f)
}

func saveSnapshot(path string, save func(w io.Writer) error) error {
	tmp := path + ".new"
	f, err := os.Create(tmp)
	if err != nil {
		return errors.Wrap(err, "create snapshot")
	}
	if err := save(f); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return errors.Wrap(os.Rename(tmp, path), "replace snapshot")
}
