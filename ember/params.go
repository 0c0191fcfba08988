// Copyright (c) 2026 The Ember developers

// Distributed under the GNU Lesser General Public License v3.0 software license, see the accompanying
// file LICENSE or <https://www.gnu.org/licenses/lgpl-3.0.html>

package ember

import (
	"time"

	"github.com/btcsuite/btcd/btcutil"
)

// Protocol versions understood by the service-node subsystem.
const (
	// ProtocolVersion is the version advertised by this build.
	ProtocolVersion int32 = 70208

	// MinPaymentsProtoVersion is the lowest peer version that may vote for
	// payments or be elected as a payee.
	MinPaymentsProtoVersion int32 = 70206

	// MinPoSeProtoVersion is the lowest peer version that participates in
	// proof-of-service verification.
	MinPoSeProtoVersion int32 = 70203
)

// COIN is the number of base units in one EMB.
const COIN = 100_000_000

// Timing constants of the operator liveness protocol, in seconds unless
// noted. These are consensus-relevant: all nodes must agree on them.
const (
	// MinHeartbeatSeconds is the earliest gap between two heartbeats of the
	// same operator.
	MinHeartbeatSeconds = 10 * 60

	// MinAnnounceSeconds throttles re-broadcasts of the same operator.
	MinAnnounceSeconds = 5 * 60

	// ExpirationSeconds without a heartbeat marks an operator EXPIRED.
	ExpirationSeconds = 65 * 60

	// NewStartRequiredSeconds without a heartbeat makes a record
	// non-recoverable without a fresh announce.
	NewStartRequiredSeconds = 3 * ExpirationSeconds

	// WatchdogMaxSeconds of watchdog silence marks WATCHDOG_EXPIRED while
	// the watchdog is active.
	WatchdogMaxSeconds = 2 * 60 * 60

	// CheckSeconds is the minimum interval between state recomputations of
	// a single record.
	CheckSeconds = 5

	// FutureSkewSeconds is the tolerated clock skew for inbound sig times.
	FutureSkewSeconds = 60 * 60
)

// PoSeBanMaxScore is the ban-score threshold; reaching it puts a record
// into the POSE_BAN state for a full payment cycle.
const PoSeBanMaxScore = 5

// Heartbeats reference a block this deep below the tip at signing time,
// and are rejected once the referenced block sinks below the max depth.
const (
	HeartbeatTipDepth    = 12
	HeartbeatMaxTipDepth = 24
)

// Params bundles the per-network parameters the subsystem reads from the
// chain configuration.
type Params struct {
	Name               string
	DefaultPort        uint16
	Collateral         btcutil.Amount
	MinConfirmations   int32
	MaxTipAge          time.Duration
	AnyAddressAllowed  bool // regtest accepts unroutable addresses
	SingleRequestSkips bool // skip list-request rate limits (regtest)
}

// mainnetDefaultPort is referenced by every network's port validity rule.
const mainnetDefaultPort uint16 = 8884

// MainNet returns the production network parameters.
func MainNet() Params {
	return Params{
		Name:             "main",
		DefaultPort:      mainnetDefaultPort,
		Collateral:       2500 * COIN,
		MinConfirmations: 15,
		MaxTipAge:        90 * time.Minute,
	}
}

// TestNet returns the public test network parameters.
func TestNet() Params {
	return Params{
		Name:             "test",
		DefaultPort:      18884,
		Collateral:       2500 * COIN,
		MinConfirmations: 1,
		MaxTipAge:        time.Duration(1<<31-1) * time.Second,
	}
}

// RegTest returns the regression test network parameters.
func RegTest() Params {
	return Params{
		Name:               "regtest",
		DefaultPort:        8888,
		Collateral:         2500 * COIN,
		MinConfirmations:   1,
		MaxTipAge:          6 * time.Hour,
		AnyAddressAllowed:  true,
		SingleRequestSkips: true,
	}
}

// IsMainNet reports whether p is the production network.
func (p Params) IsMainNet() bool {
	return p.Name == "main"
}

// ValidPort reports whether a service-node port is acceptable on this
// network: the default port on mainnet, anything but the mainnet default
// elsewhere.
func (p Params) ValidPort(port uint16) bool {
	if p.IsMainNet() {
		return port == mainnetDefaultPort
	}
	return port != mainnetDefaultPort
}
