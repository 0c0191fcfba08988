// Copyright (c) 2026 The Ember developers

// Distributed under the GNU Lesser General Public License v3.0 software license, see the accompanying
// file LICENSE or <https://www.gnu.org/licenses/lgpl-3.0.html>

// Package snsync bootstraps the service-node data from peers in stages:
// sporks first, then the operator list, the payment votes and finally the
// governance objects. Each stage times out independently and requests are
// issued to every peer at most once.
package snsync

import (
	"sync"
	"time"

	"github.com/inconshreveable/log15"
	"github.com/pkg/errors"

	"github.com/emberchain/ember/chainview"
	"github.com/emberchain/ember/ember"
	"github.com/emberchain/ember/gossip"
	"github.com/emberchain/ember/metrics"
)

var log = log15.New("pkg", "snsync")

var metricAsset = metrics.LazyLoadGauge("sync_asset")

// Asset identifies one bootstrap stage.
type Asset int32

const (
	AssetFailed     Asset = -1
	AssetInitial    Asset = 0
	AssetSporks     Asset = 1
	AssetList       Asset = 2
	AssetPayments   Asset = 3
	AssetGovernance Asset = 4
	AssetFinished   Asset = 999
)

func (a Asset) String() string {
	switch a {
	case AssetFailed:
		return "FAILED"
	case AssetInitial:
		return "INITIAL"
	case AssetSporks:
		return "SPORKS"
	case AssetList:
		return "LIST"
	case AssetPayments:
		return "PAYMENTS"
	case AssetGovernance:
		return "GOVERNANCE"
	case AssetFinished:
		return "FINISHED"
	default:
		return "UNKNOWN"
	}
}

// Timing of the controller.
const (
	// TickSeconds is the cadence of actual work; Tick is called every
	// second and acts on every sixth call.
	TickSeconds = 6

	// TimeoutSeconds without progress ends a stage.
	TimeoutSeconds = 30

	// EnoughPeers is a peer count; IsBlockchainSynced does not read it and
	// does not count peers at our height.
	EnoughPeers = 6

	// FailRetrySeconds is the cooldown after a failed bootstrap.
	FailRetrySeconds = 60
)

// OperatorSource is the slice of the registry this package consumes.
type OperatorSource interface {
	Count(minProto int32) int
	RequestFullList(peer gossip.Peer)
}

// PaymentSource is the slice of the payment book this package consumes.
type PaymentSource interface {
	IsEnoughData() bool
	StorageLimit() int32
	RequestLowDataPaymentBlocks(peer gossip.Peer)
}

// GovernanceSource lets the governance subsystem drive its per-object vote
// requests during the governance stage. The core only emits hooks.
type GovernanceSource interface {
	// RequestObjectVotes returns how many objects are left to ask the peer
	// for.
	RequestObjectVotes(peer gossip.Peer) int
	// VoteCount returns the number of governance votes received so far.
	VoteCount() int
}

type noGovernance struct{}

func (noGovernance) RequestObjectVotes(gossip.Peer) int { return 0 }
func (noGovernance) VoteCount() int                     { return 0 }

// Options configures a Manager.
type Options struct {
	Params    ember.Params
	Chain     chainview.Chain
	Pool      gossip.Pool
	Fulfilled *gossip.FulfilledReqs
	Operators OperatorSource
	Payments  PaymentSource

	// Governance is optional; nil disables the per-object vote chatter.
	Governance GovernanceSource

	// OnFinished runs once whenever a bootstrap round completes.
	OnFinished func()

	// Now overrides the clock, for tests.
	Now func() int64
}

// Manager walks the sync assets.
type Manager struct {
	params    ember.Params
	chain     chainview.Chain
	pool      gossip.Pool
	fulfilled *gossip.FulfilledReqs
	operators OperatorSource
	payments  PaymentSource
	gov       GovernanceSource
	onDone    func()
	now       func() int64

	mu              sync.Mutex
	asset           Asset
	attempt         int
	assetStarted    int64
	lastList        int64
	lastPaymentVote int64
	lastGovItem     int64
	lastFailure     int64
	failures        int
	tick            int

	// blockchain-synced heuristic state
	chainSynced   bool
	lastProcess   int64
	blockAccepted bool

	// governance quiet-period tracking
	noObjectsSince int64
	lastGovTick    int
	lastGovVotes   int
}

// New creates a Manager in the INITIAL state.
func New(opts Options) *Manager {
	now := opts.Now
	if now == nil {
		now = func() int64 { return time.Now().Unix() }
	}
	gov := opts.Governance
	if gov == nil {
		gov = noGovernance{}
	}
	m := &Manager{
		params:    opts.Params,
		chain:     opts.Chain,
		pool:      opts.Pool,
		fulfilled: opts.Fulfilled,
		operators: opts.Operators,
		payments:  opts.Payments,
		gov:       gov,
		onDone:    opts.OnFinished,
		now:       now,
	}
	m.Reset()
	return m
}

// Reset restarts the bootstrap from INITIAL.
func (m *Manager) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.asset = AssetInitial
	m.attempt = 0
	now := m.now()
	m.assetStarted = now
	m.lastList = now
	m.lastPaymentVote = now
	m.lastGovItem = now
	m.lastFailure = 0
	m.failures = 0
	metricAsset().Set(int64(m.asset))
}

func (m *Manager) fail() {
	m.lastFailure = m.now()
	m.failures++
	m.asset = AssetFailed
	metricAsset().Set(int64(m.asset))
}

// Asset returns the current stage.
func (m *Manager) Asset() Asset {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.asset
}

// Attempt returns how many peers the current asset was requested from.
func (m *Manager) Attempt() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.attempt
}

// IsSynced reports a finished bootstrap.
func (m *Manager) IsSynced() bool { return m.Asset() == AssetFinished }

// IsFailed reports a failed bootstrap awaiting its cooldown.
func (m *Manager) IsFailed() bool { return m.Asset() == AssetFailed }

// IsListSynced reports that the operator list stage completed.
func (m *Manager) IsListSynced() bool {
	a := m.Asset()
	return a > AssetList || a == AssetFinished
}

// IsWinnersSynced reports that the payment stage completed.
func (m *Manager) IsWinnersSynced() bool {
	a := m.Asset()
	return a > AssetPayments || a == AssetFinished
}

// BumpList notes operator-list progress.
func (m *Manager) BumpList() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastList = m.now()
}

// BumpPayments notes payment-vote progress.
func (m *Manager) BumpPayments() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastPaymentVote = m.now()
}

// BumpGovernance notes governance progress.
func (m *Manager) BumpGovernance() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastGovItem = m.now()
}

// Status renders the user-visible sync status line.
func (m *Manager) Status() string {
	switch m.Asset() {
	case AssetInitial:
		return "Synchronization pending..."
	case AssetSporks:
		return "Synchronizing sporks..."
	case AssetList:
		return "Synchronizing operators..."
	case AssetPayments:
		return "Synchronizing operator payments..."
	case AssetGovernance:
		return "Synchronizing governance objects..."
	case AssetFailed:
		return "Synchronization failed"
	case AssetFinished:
		return "Synchronization finished"
	default:
		return ""
	}
}

// IsBlockchainSynced estimates whether the block download caught up: the
// tip must be fresh relative to the network's max tip age and, unless any
// address is allowed, at least one peer must be connected. A long gap
// between calls (laptop sleep) resets the whole bootstrap.
func (m *Manager) IsBlockchainSynced() bool {
	m.mu.Lock()
	now := m.now()
	if m.lastProcess > 0 && now-m.lastProcess > 60*60 {
		// woke up from sleep, resync everything
		m.mu.Unlock()
		m.Reset()
		m.mu.Lock()
		m.chainSynced = false
	}
	m.lastProcess = now
	if m.chainSynced {
		m.mu.Unlock()
		return true
	}
	m.mu.Unlock()

	tip, err := m.chain.Tip()
	if err != nil {
		return false
	}
	if time.Duration(now-tip.Time)*time.Second > m.params.MaxTipAge {
		return false
	}
	if !m.params.AnyAddressAllowed && len(m.pool.Peers()) == 0 {
		return false
	}

	m.mu.Lock()
	m.chainSynced = true
	m.mu.Unlock()
	return true
}

// NoteBlockAccepted feeds block-accepted events into the synced heuristic.
func (m *Manager) NoteBlockAccepted() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.asset != AssetFinished {
		m.blockAccepted = true
		m.chainSynced = false
		m.lastProcess = m.now()
	}
}

// SwitchToNextAsset advances the bootstrap one stage.
func (m *Manager) SwitchToNextAsset() {
	m.mu.Lock()
	var finished bool
	switch m.asset {
	case AssetFailed:
		m.mu.Unlock()
		// callers must Reset() first; getting here is an internal bug
		panic(errors.New("can't switch to next asset from failed, reset first"))
	case AssetInitial:
		m.asset = AssetSporks
	case AssetSporks:
		m.lastList = m.now()
		m.asset = AssetList
	case AssetList:
		m.lastPaymentVote = m.now()
		m.asset = AssetPayments
	case AssetPayments:
		m.lastGovItem = m.now()
		m.asset = AssetGovernance
	case AssetGovernance:
		m.asset = AssetFinished
		finished = true
	}
	m.attempt = 0
	m.assetStarted = m.now()
	asset := m.asset
	m.mu.Unlock()

	metricAsset().Set(int64(asset))
	log.Info("starting sync asset", "asset", asset)

	if asset == AssetSporks {
		// fresh bootstrap: allow asking everyone again
		for _, peer := range m.pool.Peers() {
			m.fulfilled.RemoveSync(peer.Addr())
		}
	}
	if finished {
		log.Info("sync has finished")
		for _, peer := range m.pool.Peers() {
			m.fulfilled.Add(peer.Addr(), gossip.ReqFullSync)
		}
		if m.onDone != nil {
			m.onDone()
		}
	}
}

// HandleStatusCount processes a peer's sync-status count reply; it only
// feeds logging and progress stamps.
func (m *Manager) HandleStatusCount(peer gossip.Peer, msg gossip.SyncStatusCount) {
	if m.IsSynced() || m.IsFailed() {
		return
	}
	log.Debug("got inventory count", "asset", msg.Asset, "count", msg.Count, "peer", peer.ID())
}

// Tick runs the controller. Call once per second; work happens on every
// sixth call.
func (m *Manager) Tick() {
	m.mu.Lock()
	m.tick++
	if m.tick%TickSeconds != 0 {
		m.mu.Unlock()
		return
	}
	asset := m.asset
	m.mu.Unlock()

	opCount := m.operators.Count(0)

	if asset == AssetFinished {
		if opCount == 0 {
			// lost all operators, sleep/wake or a failed initial sync
			log.Warn("not enough data, restarting sync")
			m.Reset()
		} else {
			for _, peer := range m.pool.Peers() {
				m.gov.RequestObjectVotes(peer)
			}
		}
		return
	}
	if asset == AssetFailed {
		m.mu.Lock()
		retry := m.now()-m.lastFailure > FailRetrySeconds
		m.mu.Unlock()
		if retry {
			m.Reset()
		}
		return
	}

	// sporks synced but the chain is not: hold until the tip is recent
	if !m.params.AnyAddressAllowed && asset > AssetSporks && !m.IsBlockchainSynced() {
		log.Debug("blockchain is not synced yet", "asset", asset)
		m.mu.Lock()
		now := m.now()
		m.lastList, m.lastPaymentVote, m.lastGovItem = now, now, now
		m.mu.Unlock()
		return
	}

	if asset == AssetInitial || (asset == AssetSporks && m.IsBlockchainSynced()) {
		m.SwitchToNextAsset()
	}

	for _, peer := range m.pool.Peers() {
		if m.tickPeer(peer) {
			return
		}
	}
}

// tickPeer issues at most one request to the peer; returning true stops
// the peer walk for this tick so each peer gets one request per tick.
func (m *Manager) tickPeer(peer gossip.Peer) bool {
	addr := peer.Addr()

	if m.fulfilled.Has(addr, gossip.ReqFullSync) {
		// we already synced everything from this peer recently; free the
		// slot for someone new
		peer.Disconnect("recently synced")
		log.Debug("disconnecting from recently synced peer", "peer", peer.ID())
		return false
	}

	// sporks are requested from every peer exactly once, before anything
	// else
	if !m.fulfilled.Has(addr, gossip.ReqSporkSync) {
		m.fulfilled.Add(addr, gossip.ReqSporkSync)
		peer.Send(gossip.GetSporks{})
		log.Debug("requested sporks", "peer", peer.ID())
		return false
	}

	switch m.Asset() {
	case AssetList:
		return m.tickList(peer)
	case AssetPayments:
		return m.tickPayments(peer)
	case AssetGovernance:
		return m.tickGovernance(peer)
	}
	return false
}

func (m *Manager) tickList(peer gossip.Peer) bool {
	m.mu.Lock()
	timedOut := m.lastList < m.now()-TimeoutSeconds
	attempt := m.attempt
	m.mu.Unlock()

	if timedOut {
		log.Warn("timeout syncing operator list", "attempt", attempt)
		if attempt == 0 {
			// no way to continue without the operator list
			m.mu.Lock()
			m.fail()
			m.mu.Unlock()
			log.Error("failed to sync operator list")
			return true
		}
		m.SwitchToNextAsset()
		return true
	}

	if m.fulfilled.Has(peer.Addr(), gossip.ReqListSync) {
		return false
	}
	m.fulfilled.Add(peer.Addr(), gossip.ReqListSync)

	if peer.Version() < ember.MinPaymentsProtoVersion {
		return false
	}
	m.mu.Lock()
	m.attempt++
	m.mu.Unlock()

	m.operators.RequestFullList(peer)
	// one request per tick keeps the load spread over the peers
	return true
}

func (m *Manager) tickPayments(peer gossip.Peer) bool {
	m.mu.Lock()
	timedOut := m.lastPaymentVote < m.now()-TimeoutSeconds
	attempt := m.attempt
	m.mu.Unlock()

	// this may take longer than the timeout due to new blocks, which is
	// fine; it will time out eventually
	if timedOut {
		log.Warn("timeout syncing payment votes", "attempt", attempt)
		if attempt == 0 {
			m.mu.Lock()
			m.fail()
			m.mu.Unlock()
			log.Error("failed to sync payment votes")
			return true
		}
		m.SwitchToNextAsset()
		return true
	}

	// enough data already, but insist on at least two peers
	if attempt > 1 && m.payments.IsEnoughData() {
		log.Info("found enough payment data")
		m.SwitchToNextAsset()
		return true
	}

	if m.fulfilled.Has(peer.Addr(), gossip.ReqPaymentSync) {
		return false
	}
	m.fulfilled.Add(peer.Addr(), gossip.ReqPaymentSync)

	if peer.Version() < ember.MinPaymentsProtoVersion {
		return false
	}
	m.mu.Lock()
	m.attempt++
	m.mu.Unlock()

	// all votes it has; new nodes only return votes for future payments
	peer.Send(gossip.PaymentSync{Limit: m.payments.StorageLimit()})
	// ask for the missing pieces explicitly
	m.payments.RequestLowDataPaymentBlocks(peer)
	return true
}

func (m *Manager) tickGovernance(peer gossip.Peer) bool {
	m.mu.Lock()
	timedOut := m.now()-m.lastGovItem > TimeoutSeconds
	attempt := m.attempt
	m.mu.Unlock()

	if timedOut {
		log.Warn("timeout syncing governance objects", "attempt", attempt)
		// skipping governance is tolerable, we'll catch up later
		m.SwitchToNextAsset()
		return true
	}

	if m.fulfilled.Has(peer.Addr(), gossip.ReqGovSync) {
		// object list requested already; ask for votes per object until
		// nothing is left and the line has been quiet for a full timeout
		left := m.gov.RequestObjectVotes(peer)
		if left == 0 {
			m.mu.Lock()
			now := m.now()
			if m.noObjectsSince == 0 {
				m.noObjectsSince = now
			}
			sameTick := m.lastGovTick == m.tick
			votes := m.gov.VoteCount()
			quiet := now-m.noObjectsSince > TimeoutSeconds &&
				votes-m.lastGovVotes < max(votes/10000, TickSeconds)
			m.lastGovTick = m.tick
			m.lastGovVotes = votes
			m.mu.Unlock()
			if quiet && !sameTick {
				log.Info("asked for all governance objects, nothing to do")
				m.mu.Lock()
				m.noObjectsSince = 0
				m.mu.Unlock()
				m.SwitchToNextAsset()
				return true
			}
		}
		return false
	}
	m.fulfilled.Add(peer.Addr(), gossip.ReqGovSync)

	m.mu.Lock()
	m.attempt++
	m.mu.Unlock()

	peer.Send(gossip.GovernanceSync{})
	return true
}
