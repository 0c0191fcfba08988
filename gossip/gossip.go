// Copyright (c) 2026 The Ember developers

// Distributed under the GNU Lesser General Public License v3.0 software license, see the accompanying
// file LICENSE or <https://www.gnu.org/licenses/lgpl-3.0.html>

// Package gossip is the contract between the service-node subsystem and the
// host daemon's peer-to-peer transport. The transport owns sockets, message
// framing and peer banning; this subsystem hands it payloads and inventory
// hashes and receives inbound payloads through a handler.
package gossip

import (
	"github.com/btcsuite/btcd/chaincfg/chainhash"

	"github.com/emberchain/ember/ember"
)

// Inventory type codes carried in relay announcements.
const (
	InvAnnounce     = 14
	InvHeartbeat    = 15
	InvPaymentVote  = 16
	InvPaymentBlock = 17
	InvVerification = 19
)

// Inv names one relayable payload.
type Inv struct {
	Type int
	Hash chainhash.Hash
}

// Msg is any payload the subsystem sends through the transport. The
// transport frames it with the host envelope, which is out of scope here.
type Msg interface {
	Command() string
}

// Peer is one connected remote node.
type Peer interface {
	// ID is a stable identifier for logging and per-peer bookkeeping.
	ID() string

	// Addr is the remote endpoint.
	Addr() ember.NetAddr

	// Version is the protocol version the peer advertised.
	Version() int32

	// Inbound reports whether the peer dialed us.
	Inbound() bool

	// Send queues a payload for delivery. Errors are handled by the
	// transport; senders never block on them.
	Send(msg Msg)

	// AskFor requests the payload behind an inventory entry.
	AskFor(inv Inv)

	// Disconnect drops the connection to free the slot.
	Disconnect(reason string)
}

// Pool is the peer set the transport maintains.
type Pool interface {
	// Peers snapshots the currently connected peers.
	Peers() []Peer

	// Connect dials an address, returning the peer once the handshake is
	// complete.
	Connect(addr ember.NetAddr) (Peer, error)

	// Broadcast relays an inventory entry to every peer that has not seen
	// it yet.
	Broadcast(inv Inv)

	// Misbehaving raises the transport-side DoS score of a peer.
	Misbehaving(id string, score int, reason string)

	// ReflectedAddr returns the external address of this node as peers see
	// it, when known.
	ReflectedAddr() (ember.NetAddr, bool)
}

// Command strings of the small request payloads owned by this subsystem.
const (
	CmdListRequest    = "dseg"
	CmdPaymentSync    = "mnget"
	CmdSyncStatus     = "ssc"
	CmdGetSporks      = "getsporks"
	CmdGovernanceSync = "govsync"
)

// ListRequest asks a peer for its operator list, or a single entry when
// Entry is set.
type ListRequest struct {
	Entry *chainhash.Hash // collateral tx hash, nil for the full list
	Index uint32          // collateral output index
}

func (ListRequest) Command() string { return CmdListRequest }

// PaymentSync asks a peer for its stored payment votes.
type PaymentSync struct {
	Limit int32
}

func (PaymentSync) Command() string { return CmdPaymentSync }

// Wire identifiers of the sync assets, shared between the sync controller
// and the packages serving each asset.
const (
	SyncAssetSporks     int32 = 1
	SyncAssetList       int32 = 2
	SyncAssetPayments   int32 = 3
	SyncAssetGovernance int32 = 4
)

// SyncStatusCount reports how many items of one sync asset were sent.
type SyncStatusCount struct {
	Asset int32
	Count int32
}

func (SyncStatusCount) Command() string { return CmdSyncStatus }

// GetSporks asks a peer for the current network spork set.
type GetSporks struct{}

func (GetSporks) Command() string { return CmdGetSporks }

// GovernanceSync asks a peer for governance objects. The governance
// subsystem consumes the replies; the sync controller only issues the
// request.
type GovernanceSync struct{}

func (GovernanceSync) Command() string { return CmdGovernanceSync }
