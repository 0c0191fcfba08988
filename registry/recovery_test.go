// Copyright (c) 2026 The Ember developers

// Distributed under the GNU Lesser General Public License v3.0 software license, see the accompanying
// file LICENSE or <https://www.gnu.org/licenses/lgpl-3.0.html>

package registry

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/emberchain/ember/ember"
	"github.com/emberchain/ember/gossip"
)

// recoverySetup admits one target operator plus a few enabled helpers,
// then lets the target age into NEW_START_REQUIRED.
func recoverySetup(t *testing.T) (*testEnv, *testOperator, *Announce) {
	env := newTestEnv(t)

	target := env.newOperatorFixture(1)
	targetAnn := env.signedAnnounce(target)
	require.Equal(t, OutcomeAccepted, env.reg.SubmitAnnounce(nil, targetAnn).Outcome)

	var helpers []*testOperator
	for i := byte(2); i <= 4; i++ {
		h := env.newOperatorFixture(i)
		require.Equal(t, OutcomeAccepted, env.reg.SubmitAnnounce(nil, env.signedAnnounce(h)).Outcome)
		helpers = append(helpers, h)
	}

	env.advance(ember.NewStartRequiredSeconds + 1)

	// keep the helpers alive across the jump
	env.reg.mu.Lock()
	for _, h := range helpers {
		rec := env.reg.records[h.outpoint]
		rec.LastHeartbeat.SigTime = env.now() - 10
		rec.check(env.reg.checkEnvLocked(rec, true))
		require.Equal(t, StateEnabled, rec.ActiveState)
	}
	env.reg.mu.Unlock()

	return env, target, targetAnn
}

func TestRecoveryAsksRankedPeers(t *testing.T) {
	env, target, targetAnn := recoverySetup(t)

	env.reg.CheckAndRemove()

	require.Equal(t, StateNewStartRequired, env.reg.State(target.outpoint))
	assert.True(t, env.reg.IsRecoveryRequested(targetAnn.Hash()))

	addr, hashes := env.reg.PopScheduledRecoveryConn()
	require.NotEmpty(t, hashes)
	assert.Contains(t, hashes, targetAnn.Hash())
	assert.False(t, addr.IsZero())

	// popping again drains the remaining scheduled addresses
	for {
		_, more := env.reg.PopScheduledRecoveryConn()
		if len(more) == 0 {
			break
		}
	}
}

func TestRecoveryReplyBookkeeping(t *testing.T) {
	env, target, targetAnn := recoverySetup(t)
	env.reg.CheckAndRemove()

	// find a peer address the sweep actually asked
	env.reg.mu.Lock()
	req := env.reg.recoveryRequests[targetAnn.Hash()]
	require.NotNil(t, req)
	var askedKey string
	for k := range req.asked {
		askedKey = k
		break
	}
	env.reg.mu.Unlock()
	require.NotEmpty(t, askedKey)

	addr, err := ember.ParseNetAddr(askedKey + ":8884")
	require.NoError(t, err)
	peer := &gossip.FakePeer{PeerID: "helper", PeerAddr: addr, Proto: ember.ProtocolVersion}

	// the helper returns the same announce with a fresher heartbeat
	reply := *targetAnn
	hb := env.signedHeartbeat(target)
	reply.LastHeartbeat = *hb

	res := env.reg.SubmitAnnounce(peer, &reply)
	assert.Equal(t, OutcomeAlreadyKnown, res.Outcome)

	env.reg.mu.Lock()
	replies := env.reg.recoveryGoodReply[targetAnn.Hash()]
	_, stillAsked := env.reg.recoveryRequests[targetAnn.Hash()].asked[askedKey]
	env.reg.mu.Unlock()
	require.Len(t, replies, 1, "fresh reply from an asked peer must be recorded")
	assert.False(t, stillAsked, "one reply per asked peer")

	// below the quorum the buffered replies are dropped after the wait
	// window
	env.advance(recoveryWaitSeconds + 1)
	env.reg.CheckAndRemove()
	env.reg.mu.Lock()
	_, buffered := env.reg.recoveryGoodReply[targetAnn.Hash()]
	env.reg.mu.Unlock()
	assert.False(t, buffered)
}
