// Copyright (c) 2026 The Ember developers

// Distributed under the GNU Lesser General Public License v3.0 software license, see the accompanying
// file LICENSE or <https://www.gnu.org/licenses/lgpl-3.0.html>

package registry

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/emberchain/ember/ember"
)

// stateFixture admits one operator and returns direct access to its
// record for white-box state machine checks.
func stateFixture(t *testing.T) (*testEnv, *testOperator, *Operator) {
	env := newTestEnv(t)
	op := env.newOperatorFixture(1)
	require.Equal(t, OutcomeAccepted, env.reg.SubmitAnnounce(nil, env.signedAnnounce(op)).Outcome)
	env.reg.mu.Lock()
	rec := env.reg.records[op.outpoint]
	env.reg.mu.Unlock()
	return env, op, rec
}

func (e *testEnv) recheck(rec *Operator) {
	e.reg.mu.Lock()
	rec.check(e.reg.checkEnvLocked(rec, true))
	e.reg.mu.Unlock()
}

func TestStateExpiration(t *testing.T) {
	env, _, rec := stateFixture(t)

	env.advance(ember.ExpirationSeconds + 1)
	env.recheck(rec)
	assert.Equal(t, StateExpired, rec.ActiveState)

	env.advance(ember.NewStartRequiredSeconds - ember.ExpirationSeconds)
	env.recheck(rec)
	assert.Equal(t, StateNewStartRequired, rec.ActiveState)
}

func TestStateUpdateRequired(t *testing.T) {
	env, _, rec := stateFixture(t)

	rec.ProtocolVersion = ember.MinPaymentsProtoVersion - 1
	env.recheck(rec)
	assert.Equal(t, StateUpdateRequired, rec.ActiveState)
}

func TestPoSeBanThreshold(t *testing.T) {
	env, op, rec := stateFixture(t)

	// four strikes keep the record out of the ban
	env.reg.mu.Lock()
	for i := 0; i < ember.PoSeBanMaxScore-1; i++ {
		rec.increasePoSeBanScore()
	}
	env.reg.mu.Unlock()
	env.recheck(rec)
	assert.NotEqual(t, StatePoSeBan, rec.ActiveState)

	// the fifth crosses into the ban for a full payment cycle
	env.reg.mu.Lock()
	rec.increasePoSeBanScore()
	env.reg.mu.Unlock()
	env.recheck(rec)
	require.Equal(t, StatePoSeBan, rec.ActiveState)
	assert.Equal(t, env.reg.TipHeight()+int32(env.reg.Size()), rec.PoSeBanHeight)

	// banned records cannot be replaced by ordinary announces
	env.advance(ember.MinAnnounceSeconds + 1)
	res := env.reg.SubmitAnnounce(nil, env.signedAnnounce(op))
	assert.Equal(t, OutcomeRejected, res.Outcome)

	// once the ban height passes, the score decays instead of resetting
	env.chain.Extend(int(env.reg.Size())+1, env.now())
	tip, err := env.chain.Tip()
	require.NoError(t, err)
	env.reg.UpdatedTip(tip)
	env.advance(ember.CheckSeconds + 1)
	env.recheck(rec)
	assert.NotEqual(t, StatePoSeBan, rec.ActiveState)
	assert.Equal(t, int32(ember.PoSeBanMaxScore-1), rec.PoSeBanScore)
}

func TestScoreDeterminism(t *testing.T) {
	env := newTestEnv(t)
	seed, err := env.chain.BlockHash(10)
	require.NoError(t, err)

	a := env.newOperatorFixture(1)
	b := env.newOperatorFixture(2)

	s1 := CalculateScore(a.outpoint, seed)
	s2 := CalculateScore(a.outpoint, seed)
	assert.Zero(t, s1.Cmp(s2), "identical inputs must produce identical scores")
	assert.NotZero(t, CalculateScore(b.outpoint, seed).Cmp(s1))
}

func TestRanksOrderedByScore(t *testing.T) {
	env := newTestEnv(t)
	for i := byte(1); i <= 5; i++ {
		op := env.newOperatorFixture(i)
		ann := env.signedAnnounce(op)
		require.Equal(t, OutcomeAccepted, env.reg.SubmitAnnounce(nil, ann).Outcome)
		// lift the record into ENABLED
		env.reg.mu.Lock()
		rec := env.reg.records[op.outpoint]
		rec.LastHeartbeat.SigTime = rec.SigTime + ember.MinHeartbeatSeconds
		rec.check(env.reg.checkEnvLocked(rec, true))
		env.reg.mu.Unlock()
	}

	ranks := env.reg.GetRanks(env.reg.TipHeight()-1, 0)
	require.Len(t, ranks, 5)
	seed, err := env.chain.BlockHash(env.reg.TipHeight() - 1)
	require.NoError(t, err)
	for i := 0; i < len(ranks)-1; i++ {
		hi := CalculateScore(ranks[i].Info.Collateral, seed)
		lo := CalculateScore(ranks[i+1].Info.Collateral, seed)
		assert.True(t, hi.Cmp(lo) >= 0, "ranks must fall with score")
		assert.Equal(t, i+1, ranks[i].Rank)
	}

	top := env.reg.GetRank(ranks[0].Info.Collateral, env.reg.TipHeight()-1, 0)
	assert.Equal(t, 1, top)
}
