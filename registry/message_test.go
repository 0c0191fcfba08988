// Copyright (c) 2026 The Ember developers

// Distributed under the GNU Lesser General Public License v3.0 software license, see the accompanying
// file LICENSE or <https://www.gnu.org/licenses/lgpl-3.0.html>

package registry

import (
	"bytes"
	"net"
	"testing"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/emberchain/ember/ember"
)

func TestAnnounceCodecRoundTrip(t *testing.T) {
	env := newTestEnv(t)
	op := env.newOperatorFixture(7)
	ann := env.signedAnnounce(op)
	ann.ActiveState = StateEnabled

	var buf bytes.Buffer
	require.NoError(t, ann.EncodeTo(&buf))

	var got Announce
	require.NoError(t, got.DecodeFrom(bytes.NewReader(buf.Bytes())))

	assert.Equal(t, ann.Vin, got.Vin)
	assert.True(t, ann.Addr.Equal(got.Addr))
	assert.Equal(t, ann.PubKeyCollateral, got.PubKeyCollateral)
	assert.Equal(t, ann.PubKeyOperator, got.PubKeyOperator)
	assert.Equal(t, ann.Sig, got.Sig)
	assert.Equal(t, ann.SigTime, got.SigTime)
	assert.Equal(t, ann.ProtocolVersion, got.ProtocolVersion)
	assert.Equal(t, ann.ActiveState, got.ActiveState)
	assert.Equal(t, ann.Hash(), got.Hash())

	// the decoded signature still verifies
	_, err := got.CheckSignature()
	assert.NoError(t, err)

	// re-encoding is byte identical
	var buf2 bytes.Buffer
	require.NoError(t, got.EncodeTo(&buf2))
	assert.Equal(t, buf.Bytes(), buf2.Bytes())
}

func TestHeartbeatCodecRoundTrip(t *testing.T) {
	env := newTestEnv(t)
	op := env.newOperatorFixture(7)
	hb := env.signedHeartbeat(op)

	var buf bytes.Buffer
	require.NoError(t, hb.EncodeTo(&buf))

	var got Heartbeat
	require.NoError(t, got.DecodeFrom(bytes.NewReader(buf.Bytes())))
	assert.Equal(t, *hb, got)
	assert.Equal(t, hb.Hash(), got.Hash())
}

func TestVerificationCodecRoundTrip(t *testing.T) {
	var h1, h2 chainhash.Hash
	h1[0], h2[0] = 0x11, 0x22
	v := &Verification{
		Addr:        ember.NetAddr{IP: net.IPv4(203, 0, 113, 9).To4(), Port: 8884},
		Nonce:       424242,
		BlockHeight: 1200,
		Sig1:        []byte{1, 2, 3},
		Sig2:        []byte{4, 5},
		Vin1:        collateralTxIn(wire.OutPoint{Hash: h1, Index: 1}),
		Vin2:        collateralTxIn(wire.OutPoint{Hash: h2, Index: 0}),
	}

	var buf bytes.Buffer
	require.NoError(t, v.EncodeTo(&buf))

	var got Verification
	require.NoError(t, got.DecodeFrom(bytes.NewReader(buf.Bytes())))
	assert.True(t, v.Addr.Equal(got.Addr))
	assert.Equal(t, v.Nonce, got.Nonce)
	assert.Equal(t, v.BlockHeight, got.BlockHeight)
	assert.Equal(t, v.Sig1, got.Sig1)
	assert.Equal(t, v.Sig2, got.Sig2)
	assert.Equal(t, v.Hash(), got.Hash())
}

func TestSignedMessageStrings(t *testing.T) {
	var h chainhash.Hash
	h[31] = 0x01
	in := collateralTxIn(wire.OutPoint{Hash: h, Index: 3})

	// the exact rendering is consensus-relevant: peers verify signatures
	// over these strings byte for byte
	assert.Equal(t,
		"0100000000000000000000000000000000000000000000000000000000000000-3",
		OutPointShort(in.PreviousOutPoint))
	assert.Equal(t,
		"CTxIn(COutPoint(0100000000, 3), scriptSig=)",
		txInString(&in))
}
