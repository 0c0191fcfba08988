// Copyright (c) 2026 The Ember developers

// Distributed under the GNU Lesser General Public License v3.0 software license, see the accompanying
// file LICENSE or <https://www.gnu.org/licenses/lgpl-3.0.html>

package registry

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/emberchain/ember/cry"
	"github.com/emberchain/ember/ember"
	"github.com/emberchain/ember/gossip"
)

func TestCheckSameAddrBansDuplicates(t *testing.T) {
	env := newTestEnv(t)

	// three operators, two of them claiming the same address
	a := env.newOperatorFixture(1)
	b := env.newOperatorFixture(2)
	c := env.newOperatorFixture(3)
	b.addr = a.addr

	for _, op := range []*testOperator{a, b, c} {
		require.Equal(t, OutcomeAccepted, env.reg.SubmitAnnounce(nil, env.signedAnnounce(op)).Outcome)
	}

	// nobody is verified yet: nothing happens
	env.reg.CheckSameAddr()
	assert.Zero(t, env.reg.GetInfo(b.outpoint).PoSeBanScore)

	// once one of the two is verified, the other gets the strike
	env.reg.mu.Lock()
	env.reg.records[a.outpoint].PoSeBanScore = -ember.PoSeBanMaxScore
	env.reg.mu.Unlock()
	env.reg.CheckSameAddr()

	assert.Zero(t, env.reg.GetInfo(c.outpoint).PoSeBanScore)
	assert.Equal(t, int32(1), env.reg.GetInfo(b.outpoint).PoSeBanScore)
}

func TestVerifyReplyFlow(t *testing.T) {
	env := newTestEnv(t)

	// prover is a listed operator; we are a second operator doing the
	// verification round
	prover := env.newOperatorFixture(1)
	me := env.newOperatorFixture(2)
	for _, op := range []*testOperator{prover, me} {
		require.Equal(t, OutcomeAccepted, env.reg.SubmitAnnounce(nil, env.signedAnnounce(op)).Outcome)
	}
	env.reg.SetLocalOperator(&LocalOperator{
		Vin:     collateralTxIn(me.outpoint),
		Addr:    me.addr,
		PrivKey: me.operatorKey,
		PubKey:  me.operatorKey.PubKey().SerializeCompressed(),
	})

	require.True(t, env.reg.sendVerifyRequest(prover.addr, env.reg.TipHeight()-1))
	// a second request inside the window is suppressed
	require.False(t, env.reg.sendVerifyRequest(prover.addr, env.reg.TipHeight()-1))

	env.reg.mu.Lock()
	challenge := env.reg.weAskedForVerification[prover.addr.Key()]
	env.reg.mu.Unlock()
	require.NotNil(t, challenge)

	blockHash, err := env.chain.BlockHash(challenge.BlockHeight)
	require.NoError(t, err)

	reply := &Verification{
		Addr:        prover.addr,
		Nonce:       challenge.Nonce,
		BlockHeight: challenge.BlockHeight,
	}
	sig, err := cry.SignMessage(reply.replyString(blockHash), prover.operatorKey)
	require.NoError(t, err)
	reply.Sig1 = sig

	proverPeer := &gossip.FakePeer{PeerID: "prover", PeerAddr: prover.addr, Proto: ember.ProtocolVersion}
	before := env.reg.GetInfo(prover.outpoint).PoSeBanScore
	env.reg.HandleVerification(proverPeer, reply)

	after := env.reg.GetInfo(prover.outpoint).PoSeBanScore
	assert.Equal(t, before-1, after, "passing verification must lower the ban score")

	// the signed broadcast goes out to the network
	var sawBroadcast bool
	for _, inv := range env.pool.Broadcasts() {
		if inv.Type == gossip.InvVerification {
			sawBroadcast = true
		}
	}
	assert.True(t, sawBroadcast)
}

func TestVerifyReplyWrongNonce(t *testing.T) {
	env := newTestEnv(t)
	prover := env.newOperatorFixture(1)
	me := env.newOperatorFixture(2)
	for _, op := range []*testOperator{prover, me} {
		require.Equal(t, OutcomeAccepted, env.reg.SubmitAnnounce(nil, env.signedAnnounce(op)).Outcome)
	}
	env.reg.SetLocalOperator(&LocalOperator{
		Vin:     collateralTxIn(me.outpoint),
		Addr:    me.addr,
		PrivKey: me.operatorKey,
		PubKey:  me.operatorKey.PubKey().SerializeCompressed(),
	})

	require.True(t, env.reg.sendVerifyRequest(prover.addr, env.reg.TipHeight()-1))
	env.reg.mu.Lock()
	challenge := env.reg.weAskedForVerification[prover.addr.Key()]
	env.reg.mu.Unlock()

	reply := &Verification{
		Addr:        prover.addr,
		Nonce:       challenge.Nonce + 1,
		BlockHeight: challenge.BlockHeight,
		Sig1:        []byte{1},
	}
	proverPeer := &gossip.FakePeer{PeerID: "prover", PeerAddr: prover.addr, Proto: ember.ProtocolVersion}
	env.reg.HandleVerification(proverPeer, reply)

	assert.Equal(t, 20, env.pool.DoS[proverPeer.ID()])
	assert.Zero(t, env.reg.GetInfo(prover.outpoint).PoSeBanScore)
}

func TestVerifyReplyUnansweredChallenge(t *testing.T) {
	env := newTestEnv(t)
	peer := fakePeer(9)

	v := &Verification{Addr: peer.PeerAddr, Nonce: 7, BlockHeight: 1, Sig1: []byte{1}}
	env.reg.HandleVerification(peer, v)
	assert.Equal(t, 20, env.pool.DoS[peer.ID()], "unrequested replies are an offence")
}

func TestSelfVerificationBroadcastPunished(t *testing.T) {
	env := newTestEnv(t)
	op := env.newOperatorFixture(1)
	require.Equal(t, OutcomeAccepted, env.reg.SubmitAnnounce(nil, env.signedAnnounce(op)).Outcome)

	peer := fakePeer(9)
	v := &Verification{
		Addr:        op.addr,
		Nonce:       1,
		BlockHeight: env.reg.TipHeight() - 1,
		Sig1:        []byte{1},
		Sig2:        []byte{2},
		Vin1:        collateralTxIn(op.outpoint),
		Vin2:        collateralTxIn(op.outpoint),
	}
	env.reg.HandleVerification(peer, v)
	assert.Equal(t, 100, env.pool.DoS[peer.ID()])
}

func TestVerifyRequestAnsweredByLocalOperator(t *testing.T) {
	env := newTestEnv(t)
	me := env.newOperatorFixture(1)
	require.Equal(t, OutcomeAccepted, env.reg.SubmitAnnounce(nil, env.signedAnnounce(me)).Outcome)
	env.reg.SetLocalOperator(&LocalOperator{
		Vin:     collateralTxIn(me.outpoint),
		Addr:    me.addr,
		PrivKey: me.operatorKey,
		PubKey:  me.operatorKey.PubKey().SerializeCompressed(),
	})

	verifier := fakePeer(9)
	request := &Verification{Addr: me.addr, Nonce: 12345, BlockHeight: env.reg.TipHeight() - 1}
	env.reg.HandleVerification(verifier, request)

	msgs := verifier.SentMsgs()
	require.Len(t, msgs, 1)
	reply, ok := msgs[0].(*Verification)
	require.True(t, ok)
	require.NotEmpty(t, reply.Sig1)

	blockHash, err := env.chain.BlockHash(request.BlockHeight)
	require.NoError(t, err)
	msg := fmt.Sprintf("%s%d%s", me.addr, request.Nonce, blockHash)
	assert.NoError(t, cry.VerifyMessage(ember.NewKeyID(me.operatorKey.PubKey()), reply.Sig1, msg))

	// asking twice in a row is reply spam
	env.reg.HandleVerification(verifier, request)
	assert.Equal(t, 20, env.pool.DoS[verifier.ID()])
}
