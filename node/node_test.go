// Copyright (c) 2026 The Ember developers

// Distributed under the GNU Lesser General Public License v3.0 software license, see the accompanying
// file LICENSE or <https://www.gnu.org/licenses/lgpl-3.0.html>

package node

import (
	"net"
	"sync/atomic"
	"testing"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/emberchain/ember/chainview"
	"github.com/emberchain/ember/ember"
	"github.com/emberchain/ember/gossip"
	"github.com/emberchain/ember/registry"
)

type nodeEnv struct {
	t     *testing.T
	chain *chainview.Mem
	pool  *gossip.FakePool
	node  *Node
	clock int64
}

func newNodeEnv(t *testing.T, dataDir string) *nodeEnv {
	env := &nodeEnv{
		t:     t,
		chain: chainview.NewMem(),
		pool:  gossip.NewFakePool(),
		clock: 1_000_000,
	}
	env.chain.Extend(120, env.clock-60)
	env.pool.AddPeer(&gossip.FakePeer{
		PeerID:   "seed",
		PeerAddr: ember.NetAddr{IP: net.IPv4(198, 51, 100, 1).To4(), Port: 8884},
		Proto:    ember.ProtocolVersion,
	})
	env.node = New(Options{
		Params:  ember.MainNet(),
		Chain:   env.chain,
		Pool:    env.pool,
		DataDir: dataDir,
		Now:     func() int64 { return atomic.LoadInt64(&env.clock) },
	})
	return env
}

func (e *nodeEnv) signedAnnounce() (*registry.Announce, wire.OutPoint) {
	collateralKey, err := btcec.NewPrivateKey()
	require.NoError(e.t, err)
	operatorKey, err := btcec.NewPrivateKey()
	require.NoError(e.t, err)

	var txHash chainhash.Hash
	txHash[0] = 0xdd
	op := wire.OutPoint{Hash: txHash, Index: 0}
	script, err := txscript.NewScriptBuilder().
		AddOp(txscript.OP_DUP).
		AddOp(txscript.OP_HASH160).
		AddData(ember.NewKeyID(collateralKey.PubKey()).Bytes()).
		AddOp(txscript.OP_EQUALVERIFY).
		AddOp(txscript.OP_CHECKSIG).
		Script()
	require.NoError(e.t, err)
	e.chain.AddUTXO(op, chainview.UTXO{Value: ember.MainNet().Collateral, Height: 1, PkScript: script})

	now := atomic.LoadInt64(&e.clock)
	hb, err := registry.NewHeartbeat(e.chain, op, now)
	require.NoError(e.t, err)
	require.NoError(e.t, hb.Sign(operatorKey, now))

	ann := &registry.Announce{
		Vin:              wire.TxIn{PreviousOutPoint: op, Sequence: wire.MaxTxInSequenceNum},
		Addr:             ember.NetAddr{IP: net.IPv4(203, 0, 113, 1).To4(), Port: 8884},
		PubKeyCollateral: collateralKey.PubKey().SerializeCompressed(),
		PubKeyOperator:   operatorKey.PubKey().SerializeCompressed(),
		ProtocolVersion:  ember.ProtocolVersion,
		LastHeartbeat:    *hb,
	}
	require.NoError(e.t, ann.Sign(collateralKey, now))
	return ann, op
}

func TestNodeDispatchAndPersistence(t *testing.T) {
	dir := t.TempDir()
	env := newNodeEnv(t, dir)
	require.NoError(t, env.node.Start())

	ann, op := env.signedAnnounce()
	peer := &gossip.FakePeer{
		PeerID:   "p1",
		PeerAddr: ember.NetAddr{IP: net.IPv4(198, 51, 100, 7).To4(), Port: 8884},
		Proto:    ember.ProtocolVersion,
	}
	env.node.HandleMessage(peer, ann)
	require.True(t, env.node.Registry.Has(op))
	assert.Contains(t, env.node.Status(), "operators: 1")

	env.node.Stop()

	// a fresh node over the same data dir restores the registry
	env2 := newNodeEnv(t, dir)
	require.NoError(t, env2.node.Start())
	assert.True(t, env2.node.Registry.Has(op))
	env2.node.Stop()
}

func TestNodeIgnoresMessagesWhileChainUnsynced(t *testing.T) {
	env := newNodeEnv(t, "")
	require.NoError(t, env.node.Start())
	defer env.node.Stop()

	// make the tip look ancient
	atomic.AddInt64(&env.clock, 10*60*60)

	ann, op := env.signedAnnounce()
	env.node.HandleMessage(&gossip.FakePeer{PeerID: "p"}, ann)
	assert.False(t, env.node.Registry.Has(op))
}
