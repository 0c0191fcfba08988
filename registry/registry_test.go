// Copyright (c) 2026 The Ember developers

// Distributed under the GNU Lesser General Public License v3.0 software license, see the accompanying
// file LICENSE or <https://www.gnu.org/licenses/lgpl-3.0.html>

package registry

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/emberchain/ember/ember"
	"github.com/emberchain/ember/gossip"
)

func TestSingleOperatorBootstrap(t *testing.T) {
	env := newTestEnv(t)
	op := env.newOperatorFixture(1)

	ann := env.signedAnnounce(op)
	res := env.reg.SubmitAnnounce(fakePeer(1), ann)
	require.Equal(t, OutcomeAccepted, res.Outcome, "err: %v", res.Err)

	info := env.reg.GetInfo(op.outpoint)
	require.True(t, info.Valid)
	assert.Equal(t, StatePreEnabled, info.State)
	assert.Equal(t, 1, env.reg.Size())

	// a fresh heartbeat after the pre-enable grace flips the record on
	env.advance(601)
	hb := env.signedHeartbeat(op)
	res = env.reg.SubmitHeartbeat(fakePeer(2), hb)
	require.Equal(t, OutcomeAccepted, res.Outcome, "err: %v", res.Err)

	info = env.reg.GetInfo(op.outpoint)
	assert.Equal(t, StateEnabled, info.State)
}

func TestDuplicateAnnounce(t *testing.T) {
	env := newTestEnv(t)
	op := env.newOperatorFixture(1)
	ann := env.signedAnnounce(op)

	res1 := env.reg.SubmitAnnounce(fakePeer(1), ann)
	require.Equal(t, OutcomeAccepted, res1.Outcome)

	// the identical payload from another peer changes nothing
	res2 := env.reg.SubmitAnnounce(fakePeer(2), ann)
	assert.Equal(t, OutcomeAlreadyKnown, res2.Outcome)

	relays := 0
	for _, inv := range env.pool.Broadcasts() {
		if inv.Type == gossip.InvAnnounce {
			relays++
		}
	}
	assert.Equal(t, 1, relays, "duplicate must not be re-relayed")
	assert.Equal(t, 1, env.reg.Size())
}

func TestAnnounceReplacement(t *testing.T) {
	env := newTestEnv(t)
	op := env.newOperatorFixture(1)

	ann1 := env.signedAnnounce(op)
	oldHash := ann1.Hash()
	require.Equal(t, OutcomeAccepted, env.reg.SubmitAnnounce(fakePeer(1), ann1).Outcome)

	// a newer announce moves the operator to a new address
	env.advance(ember.MinAnnounceSeconds + 1)
	op.addr = ember.NetAddr{IP: net.IPv4(203, 0, 113, 77).To4(), Port: op.addr.Port}
	ann2 := env.signedAnnounce(op)
	require.NotEqual(t, oldHash, ann2.Hash())
	res := env.reg.SubmitAnnounce(fakePeer(2), ann2)
	require.Equal(t, OutcomeAccepted, res.Outcome, "err: %v", res.Err)

	info := env.reg.GetInfo(op.outpoint)
	assert.True(t, op.addr.Equal(info.Addr))

	env.reg.mu.Lock()
	_, oldSeen := env.reg.seenAnnounce[oldHash]
	_, newSeen := env.reg.seenAnnounce[ann2.Hash()]
	env.reg.mu.Unlock()
	assert.False(t, oldSeen, "superseded announce must leave the seen cache")
	assert.True(t, newSeen)
}

func TestOlderAnnounceRejected(t *testing.T) {
	env := newTestEnv(t)
	op := env.newOperatorFixture(1)

	env.advance(1000)
	ann2 := env.signedAnnounce(op)
	require.Equal(t, OutcomeAccepted, env.reg.SubmitAnnounce(fakePeer(1), ann2).Outcome)

	env.advance(-500)
	ann1 := env.signedAnnounce(op)
	res := env.reg.SubmitAnnounce(fakePeer(2), ann1)
	assert.Equal(t, OutcomeRejected, res.Outcome)
	assert.Zero(t, res.DoS)
}

func TestAnnounceFutureSigTimeBoundary(t *testing.T) {
	env := newTestEnv(t)

	op := env.newOperatorFixture(1)
	ann := env.signedAnnounce(op)
	// re-stamp the signature time into the future without re-signing; the
	// simple check runs before the signature check
	base := env.now()

	ann.SigTime = base + ember.FutureSkewSeconds
	dos, err := ann.SimpleCheck(env.params, env.chain, base)
	assert.Error(t, err)
	assert.Equal(t, 1, dos)

	ann2 := env.signedAnnounce(op)
	ann2.SigTime = base + ember.FutureSkewSeconds - 1
	_, err = ann2.SimpleCheck(env.params, env.chain, base)
	assert.NoError(t, err)
}

func TestHeartbeatAntiFloodBoundary(t *testing.T) {
	env := newTestEnv(t)
	op := env.newOperatorFixture(1)
	ann := env.signedAnnounce(op)
	require.Equal(t, OutcomeAccepted, env.reg.SubmitAnnounce(fakePeer(1), ann).Outcome)
	prev := ann.LastHeartbeat.SigTime

	// one second inside the anti-flood window: dropped without a score
	env.advance(ember.MinHeartbeatSeconds - 61)
	hb := env.signedHeartbeat(op)
	require.Equal(t, prev+ember.MinHeartbeatSeconds-61, hb.SigTime)
	res := env.reg.SubmitHeartbeat(fakePeer(2), hb)
	assert.Equal(t, OutcomeRejected, res.Outcome)
	assert.Zero(t, res.DoS)

	// one second outside: accepted
	env.advance(2)
	hb = env.signedHeartbeat(op)
	res = env.reg.SubmitHeartbeat(fakePeer(2), hb)
	assert.Equal(t, OutcomeAccepted, res.Outcome, "err: %v", res.Err)
}

func TestHeartbeatUnknownOperatorAsksSender(t *testing.T) {
	env := newTestEnv(t)
	op := env.newOperatorFixture(1)
	peer := fakePeer(3)

	hb := env.signedHeartbeat(op)
	res := env.reg.SubmitHeartbeat(peer, hb)
	assert.Equal(t, OutcomeNotFound, res.Outcome)

	// the sender is asked for the matching announce exactly once
	require.Len(t, peer.SentMsgs(), 1)
	req, ok := peer.SentMsgs()[0].(gossip.ListRequest)
	require.True(t, ok)
	require.NotNil(t, req.Entry)
	assert.Equal(t, op.outpoint.Hash, *req.Entry)

	// asking again within the window is suppressed
	env.reg.AskForEntry(peer, op.outpoint)
	assert.Len(t, peer.SentMsgs(), 1)
}

func TestBadAnnounceSignatureScores100(t *testing.T) {
	env := newTestEnv(t)
	op := env.newOperatorFixture(1)
	peer := fakePeer(1)

	// an existing record forces the signature path
	good := env.signedAnnounce(op)
	require.Equal(t, OutcomeAccepted, env.reg.SubmitAnnounce(nil, good).Outcome)
	env.advance(ember.MinAnnounceSeconds + 1)
	ann2 := env.signedAnnounce(op)
	ann2.Sig[12] ^= 0x40
	res := env.reg.SubmitAnnounce(peer, ann2)
	assert.Equal(t, OutcomeRejected, res.Outcome)
	assert.Equal(t, 100, res.DoS)
	assert.Equal(t, 100, env.pool.DoS[peer.ID()])
}

func TestSweepRemovesSpentCollateral(t *testing.T) {
	env := newTestEnv(t)
	op := env.newOperatorFixture(1)
	require.Equal(t, OutcomeAccepted, env.reg.SubmitAnnounce(nil, env.signedAnnounce(op)).Outcome)
	require.Equal(t, 1, env.reg.Size())

	env.chain.Spend(op.outpoint)
	env.advance(ember.CheckSeconds + 1)
	env.reg.CheckAndRemove()

	assert.Zero(t, env.reg.Size())
	assert.False(t, env.reg.Has(op.outpoint))
	// unknown operators report the state that forces a fresh announce
	assert.Equal(t, StateNewStartRequired, env.reg.State(op.outpoint))
}

func TestListServingRateLimit(t *testing.T) {
	env := newTestEnv(t)
	op := env.newOperatorFixture(1)
	require.Equal(t, OutcomeAccepted, env.reg.SubmitAnnounce(nil, env.signedAnnounce(op)).Outcome)

	peer := fakePeer(5)
	env.reg.ServeListRequest(peer, gossip.ListRequest{})
	first := len(peer.SentMsgs())
	require.GreaterOrEqual(t, first, 2) // announce + heartbeat + status count

	// an immediate repeat is an offence
	env.reg.ServeListRequest(peer, gossip.ListRequest{})
	assert.Equal(t, first, len(peer.SentMsgs()))
	assert.Equal(t, 34, env.pool.DoS[peer.ID()])

	// a single-entry request is always fine
	hash := op.outpoint.Hash
	env.reg.ServeListRequest(peer, gossip.ListRequest{Entry: &hash})
	assert.Greater(t, len(peer.SentMsgs()), first)
}

func TestDeferredOnChainContention(t *testing.T) {
	env := newTestEnv(t)
	op := env.newOperatorFixture(1)
	ann := env.signedAnnounce(op)

	env.chain.FailNextLookup()
	res := env.reg.SubmitAnnounce(fakePeer(1), ann)
	assert.Equal(t, OutcomeDeferred, res.Outcome)
	assert.Zero(t, res.DoS)

	// retry goes through once the chain lock frees up
	res = env.reg.SubmitAnnounce(fakePeer(1), ann)
	assert.Equal(t, OutcomeAccepted, res.Outcome)
}

func TestCountsAndInfoQueries(t *testing.T) {
	env := newTestEnv(t)
	a := env.newOperatorFixture(1)
	b := env.newOperatorFixture(2)
	require.Equal(t, OutcomeAccepted, env.reg.SubmitAnnounce(nil, env.signedAnnounce(a)).Outcome)
	require.Equal(t, OutcomeAccepted, env.reg.SubmitAnnounce(nil, env.signedAnnounce(b)).Outcome)

	assert.Equal(t, 2, env.reg.Count(0))
	assert.Zero(t, env.reg.CountEnabled(0)) // both still pre-enabled

	byKey := env.reg.GetInfoByOperatorKey(a.operatorKey.PubKey().SerializeCompressed())
	require.True(t, byKey.Valid)
	assert.Equal(t, a.outpoint, byKey.Collateral)

	byPayee := env.reg.GetInfoByPayee(byKey.PayeeScript)
	require.True(t, byPayee.Valid)
	assert.Equal(t, a.outpoint, byPayee.Collateral)

	infos := env.reg.AllInfo()
	require.Len(t, infos, 2)
	assert.True(t, lessInfo(infos[0], infos[1]), "snapshots must be ordered")
}

func lessInfo(a, b Info) bool {
	return outPointLess(a.Collateral, b.Collateral)
}
