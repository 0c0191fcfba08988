// Copyright (c) 2026 The Ember developers

// Distributed under the GNU Lesser General Public License v3.0 software license, see the accompanying
// file LICENSE or <https://www.gnu.org/licenses/lgpl-3.0.html>

package ember

import (
	"testing"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseNetAddr(t *testing.T) {
	addr, err := ParseNetAddr("203.0.113.9:8884")
	require.NoError(t, err)
	assert.Equal(t, "203.0.113.9:8884", addr.String())
	assert.True(t, addr.IsIPv4())
	assert.True(t, addr.IsRoutable())

	_, err = ParseNetAddr("not-an-addr")
	assert.Error(t, err)
	_, err = ParseNetAddr("203.0.113.9:70000")
	assert.Error(t, err)
}

func TestRoutability(t *testing.T) {
	tests := []struct {
		addr     string
		routable bool
	}{
		{"203.0.113.9:8884", true},
		{"8.8.8.8:8884", true},
		{"127.0.0.1:8884", false},
		{"10.1.2.3:8884", false},
		{"192.168.0.1:8884", false},
		{"0.0.0.0:8884", false},
		{"[2001:db8::1]:8884", false}, // IPv6 is not admitted
	}
	for _, tt := range tests {
		addr, err := ParseNetAddr(tt.addr)
		require.NoError(t, err)
		assert.Equal(t, tt.routable, addr.IsRoutable(), tt.addr)
	}
}

func TestNetAddrOrdering(t *testing.T) {
	a, _ := ParseNetAddr("10.0.0.1:8884")
	b, _ := ParseNetAddr("10.0.0.2:8884")
	c, _ := ParseNetAddr("10.0.0.2:9999")

	assert.True(t, a.Less(b))
	assert.False(t, b.Less(a))
	assert.True(t, b.Less(c))
	assert.True(t, a.Equal(a))
	assert.False(t, a.Equal(b))
	assert.Equal(t, "10.0.0.2", b.Key())
	assert.Equal(t, b.Key(), c.Key(), "the host key ignores the port")
}

func TestParamsPortPolicy(t *testing.T) {
	main := MainNet()
	test := TestNet()

	assert.True(t, main.ValidPort(8884))
	assert.False(t, main.ValidPort(18884))
	assert.True(t, test.ValidPort(18884))
	assert.False(t, test.ValidPort(8884))
	assert.True(t, RegTest().ValidPort(8888))

	assert.Equal(t, btcutil.Amount(2500*COIN), main.Collateral)
	assert.EqualValues(t, 15, main.MinConfirmations)
	assert.EqualValues(t, 1, test.MinConfirmations)
}
