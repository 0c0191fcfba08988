// Copyright (c) 2026 The Ember developers

// Distributed under the GNU Lesser General Public License v3.0 software license, see the accompanying
// file LICENSE or <https://www.gnu.org/licenses/lgpl-3.0.html>

package registry

import (
	"bytes"
	"testing"

	"github.com/btcsuite/btcd/wire"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSnapshotRoundTrip(t *testing.T) {
	env := newTestEnv(t)
	for i := byte(1); i <= 3; i++ {
		op := env.newOperatorFixture(i)
		require.Equal(t, OutcomeAccepted, env.reg.SubmitAnnounce(nil, env.signedAnnounce(op)).Outcome)
	}
	env.reg.UpdateWatchdogVoteTime(env.reg.AllInfo()[0].Collateral)

	var buf bytes.Buffer
	require.NoError(t, env.reg.Save(&buf))

	restored := New(Options{Params: env.params, Chain: env.chain, Now: env.now})
	require.NoError(t, restored.Load(bytes.NewReader(buf.Bytes())))

	assert.Equal(t, env.reg.Size(), restored.Size())
	for _, want := range env.reg.AllInfo() {
		got := restored.GetInfo(want.Collateral)
		require.True(t, got.Valid)
		assert.Equal(t, want.SigTime, got.SigTime)
		assert.Equal(t, want.HeartbeatTime, got.HeartbeatTime)
		assert.True(t, want.Addr.Equal(got.Addr))
		assert.Equal(t, want.CollateralBlock, got.CollateralBlock)
	}

	// saving the restored registry reproduces the same bytes
	var buf2 bytes.Buffer
	require.NoError(t, restored.Save(&buf2))
	assert.Equal(t, buf.Bytes(), buf2.Bytes())
}

func TestSnapshotVersionMismatchClears(t *testing.T) {
	env := newTestEnv(t)
	op := env.newOperatorFixture(1)
	require.Equal(t, OutcomeAccepted, env.reg.SubmitAnnounce(nil, env.signedAnnounce(op)).Outcome)

	var buf bytes.Buffer
	require.NoError(t, wire.WriteVarString(&buf, 0, "OperatorRegistry-Version-3"))

	err := env.reg.Load(&buf)
	assert.Error(t, err)
	assert.Zero(t, env.reg.Size(), "stale snapshot must clear the registry")
}

func TestOperatorIndexStability(t *testing.T) {
	ix := newOperatorIndex()
	var ops []wire.OutPoint
	for i := byte(0); i < 5; i++ {
		var op wire.OutPoint
		op.Hash[0] = i
		ops = append(ops, op)
		ix.Add(op)
	}
	// duplicate adds don't shift anything
	ix.Add(ops[0])
	assert.Equal(t, 5, ix.Size())

	for i, op := range ops {
		assert.Equal(t, i, ix.IndexOf(op))
		got, ok := ix.Get(i)
		require.True(t, ok)
		assert.Equal(t, op, got)
	}
	assert.Equal(t, -1, ix.IndexOf(wire.OutPoint{Index: 9}))

	var buf bytes.Buffer
	require.NoError(t, ix.encodeTo(&buf))
	restored := newOperatorIndex()
	require.NoError(t, restored.decodeFrom(&buf))
	assert.Equal(t, ix.Size(), restored.Size())
	for i, op := range ops {
		assert.Equal(t, i, restored.IndexOf(op))
	}
}
