// Copyright (c) 2026 The Ember developers

// Distributed under the GNU Lesser General Public License v3.0 software license, see the accompanying
// file LICENSE or <https://www.gnu.org/licenses/lgpl-3.0.html>

package registry

import (
	"net"
	"sync/atomic"
	"testing"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/stretchr/testify/require"

	"github.com/emberchain/ember/chainview"
	"github.com/emberchain/ember/ember"
	"github.com/emberchain/ember/gossip"
)

// testEnv bundles a registry over an in-memory chain with a controllable
// clock.
type testEnv struct {
	t      *testing.T
	params ember.Params
	chain  *chainview.Mem
	pool   *gossip.FakePool
	reg    *Registry
	clock  int64
}

func newTestEnv(t *testing.T) *testEnv {
	env := &testEnv{
		t:      t,
		params: ember.MainNet(),
		chain:  chainview.NewMem(),
		pool:   gossip.NewFakePool(),
		clock:  1_000_000,
	}
	env.chain.Extend(120, 100)
	env.reg = New(Options{
		Params: env.params,
		Chain:  env.chain,
		Pool:   env.pool,
		Now:    env.now,
	})
	tip, err := env.chain.Tip()
	require.NoError(t, err)
	env.reg.UpdatedTip(tip)
	return env
}

func (e *testEnv) now() int64 { return atomic.LoadInt64(&e.clock) }

func (e *testEnv) advance(seconds int64) {
	atomic.AddInt64(&e.clock, seconds)
}

// testOperator is one synthetic operator with its keys and collateral.
type testOperator struct {
	collateralKey *btcec.PrivateKey
	operatorKey   *btcec.PrivateKey
	outpoint      wire.OutPoint
	addr          ember.NetAddr
}

// newOperatorFixture funds a collateral for a fresh operator at the given
// index and declares its UTXO on the chain.
func (e *testEnv) newOperatorFixture(i byte) *testOperator {
	collateralKey, err := btcec.NewPrivateKey()
	require.NoError(e.t, err)
	operatorKey, err := btcec.NewPrivateKey()
	require.NoError(e.t, err)

	var txHash chainhash.Hash
	txHash[0] = 0xaa
	txHash[1] = i
	op := wire.OutPoint{Hash: txHash, Index: 0}

	script, err := scriptForKeyID(keyIDOf(collateralKey))
	require.NoError(e.t, err)
	e.chain.AddUTXO(op, chainview.UTXO{
		Value:    e.params.Collateral,
		Height:   1,
		PkScript: script,
	})

	return &testOperator{
		collateralKey: collateralKey,
		operatorKey:   operatorKey,
		outpoint:      op,
		addr: ember.NetAddr{
			IP:   net.IPv4(203, 0, 113, i).To4(),
			Port: e.params.DefaultPort,
		},
	}
}

func keyIDOf(priv *btcec.PrivateKey) ember.KeyID {
	return ember.NewKeyID(priv.PubKey())
}

// signedHeartbeat builds a valid heartbeat at the current clock.
func (e *testEnv) signedHeartbeat(op *testOperator) *Heartbeat {
	hb, err := NewHeartbeat(e.chain, op.outpoint, e.now())
	require.NoError(e.t, err)
	require.NoError(e.t, hb.Sign(op.operatorKey, e.now()))
	return hb
}

// signedAnnounce builds a valid announce with an embedded fresh heartbeat,
// signed at the current clock.
func (e *testEnv) signedAnnounce(op *testOperator) *Announce {
	hb := e.signedHeartbeat(op)
	ann := &Announce{
		Vin:              collateralTxIn(op.outpoint),
		Addr:             op.addr,
		PubKeyCollateral: op.collateralKey.PubKey().SerializeCompressed(),
		PubKeyOperator:   op.operatorKey.PubKey().SerializeCompressed(),
		ProtocolVersion:  ember.ProtocolVersion,
		LastHeartbeat:    *hb,
	}
	require.NoError(e.t, ann.Sign(op.collateralKey, e.now()))
	return ann
}

func fakePeer(i byte) *gossip.FakePeer {
	return &gossip.FakePeer{
		PeerID:   string(rune('a' + i)),
		PeerAddr: ember.NetAddr{IP: net.IPv4(198, 51, 100, i).To4(), Port: 8884},
		Proto:    ember.ProtocolVersion,
	}
}
