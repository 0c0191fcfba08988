// Copyright (c) 2026 The Ember developers

// Distributed under the GNU Lesser General Public License v3.0 software license, see the accompanying
// file LICENSE or <https://www.gnu.org/licenses/lgpl-3.0.html>

// Package registry owns the replicated table of collateral-backed operator
// records: admission of announces and heartbeats, the per-record activity
// state machine, proof-of-service verification, rank queries and list
// serving. All records are mutated under one lock; everything handed to
// other components is a value snapshot.
package registry

import (
	"bytes"
	"fmt"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/ethereum/go-ethereum/event"
	"github.com/holiman/uint256"
	"github.com/inconshreveable/log15"
	"github.com/pkg/errors"

	"github.com/emberchain/ember/chainview"
	"github.com/emberchain/ember/ember"
	"github.com/emberchain/ember/gossip"
	"github.com/emberchain/ember/metrics"
)

var log = log15.New("pkg", "registry")

var (
	metricOperators  = metrics.LazyLoadGauge("operators")
	metricAnnounces  = metrics.LazyLoadCounterVec("announces_total", []string{"outcome"})
	metricHeartbeats = metrics.LazyLoadCounterVec("heartbeats_total", []string{"outcome"})
)

const (
	// DsegUpdateSeconds is the per-peer window of full-list requests, both
	// directions.
	DsegUpdateSeconds = 3 * 60 * 60

	// LastPaidScanBlocks bounds the routine last-paid scan depth.
	LastPaidScanBlocks = 100

	maxExpectedIndexSize = 30000
	minIndexRebuildSecs  = 3600

	recoveryQuorumTotal    = 10
	recoveryQuorumRequired = 6
	recoveryMaxAskEntries  = 10
	recoveryWaitSeconds    = 60
	recoveryRetrySeconds   = 3 * 60 * 60

	serializationVersion = "OperatorRegistry-Version-4"
)

// SyncTracker is the slice of the sync controller the registry consumes.
type SyncTracker interface {
	IsSynced() bool
	IsListSynced() bool
	IsBlockchainSynced() bool
	BumpList()
}

// alwaysSynced is the default tracker, letting the registry run stand-alone
// in tests.
type alwaysSynced struct{}

func (alwaysSynced) IsSynced() bool           { return true }
func (alwaysSynced) IsListSynced() bool       { return true }
func (alwaysSynced) IsBlockchainSynced() bool { return true }
func (alwaysSynced) BumpList()                {}

// PayeeHistory is the slice of the payment scheduler the registry consumes
// for last-paid scans.
type PayeeHistory interface {
	HasPayeeWithVotes(height int32, payee []byte, minVotes int) bool
	StorageLimit() int32
}

// LocalOperator is the identity of this daemon's own operator, when it is
// configured as one. The activation driver installs it.
type LocalOperator struct {
	Vin     wire.TxIn
	Addr    ember.NetAddr
	PrivKey *btcec.PrivateKey
	PubKey  []byte
}

// EventType classifies registry events.
type EventType int

const (
	// EventAdded fires when a new record is admitted.
	EventAdded EventType = iota
	// EventRemoved fires when a record is erased.
	EventRemoved
	// EventLocalMatch fires when an announce matching the local operator
	// key is admitted; the activation driver reacts to it.
	EventLocalMatch
)

// Event is delivered to registry subscribers.
type Event struct {
	Type EventType
	Info Info
}

// Options configures a Registry.
type Options struct {
	Params    ember.Params
	Chain     chainview.Chain
	Pool      gossip.Pool
	Fulfilled *gossip.FulfilledReqs

	// Now overrides the clock, for tests.
	Now func() int64
}

type seenAnnounceEntry struct {
	firstSeen int64
	ann       *Announce
}

type recoveryRequest struct {
	expiresAt int64
	asked     map[string]struct{}
}

type scheduledConn struct {
	addr ember.NetAddr
	hash chainhash.Hash
}

// Registry is the authoritative operator table.
type Registry struct {
	params    ember.Params
	chain     chainview.Chain
	pool      gossip.Pool
	fulfilled *gossip.FulfilledReqs
	now       func() int64

	mu      sync.Mutex
	records map[wire.OutPoint]*Operator

	// who asked us for the list, who we asked, which entries we asked for
	askedUsForList  map[string]int64
	weAskedForList  map[string]int64
	weAskedForEntry map[wire.OutPoint]map[string]int64

	// outstanding verification requests by remote host
	weAskedForVerification map[string]*Verification

	// recovery of NEW_START_REQUIRED records
	recoveryRequests  map[chainhash.Hash]*recoveryRequest
	recoveryGoodReply map[chainhash.Hash][]*Announce
	scheduledConns    []scheduledConn

	seenAnnounce     map[chainhash.Hash]*seenAnnounceEntry
	seenHeartbeat    map[chainhash.Hash]*Heartbeat
	seenVerification map[chainhash.Hash]*Verification

	index            *operatorIndex
	indexOld         *operatorIndex
	indexRebuilt     bool
	lastIndexRebuild int64

	opsAdded      bool
	opsRemoved    bool
	pendingEvents []Event
	dirtyGov      []chainhash.Hash

	lastWatchdogVote int64
	watchdogEnabled  bool // dormant; kept off pending a network-wide decision
	dsqCount         int64

	tip chainview.BlockRef

	sync   SyncTracker
	payees PayeeHistory
	local  *LocalOperator

	feed  event.Feed
	scope event.SubscriptionScope
}

// New creates an empty registry.
func New(opts Options) *Registry {
	now := opts.Now
	if now == nil {
		now = func() int64 { return time.Now().Unix() }
	}
	fulfilled := opts.Fulfilled
	if fulfilled == nil {
		fulfilled = gossip.NewFulfilledReqs()
	}
	return &Registry{
		params:                 opts.Params,
		chain:                  opts.Chain,
		pool:                   opts.Pool,
		fulfilled:              fulfilled,
		now:                    now,
		records:                make(map[wire.OutPoint]*Operator),
		askedUsForList:         make(map[string]int64),
		weAskedForList:         make(map[string]int64),
		weAskedForEntry:        make(map[wire.OutPoint]map[string]int64),
		weAskedForVerification: make(map[string]*Verification),
		recoveryRequests:       make(map[chainhash.Hash]*recoveryRequest),
		recoveryGoodReply:      make(map[chainhash.Hash][]*Announce),
		seenAnnounce:           make(map[chainhash.Hash]*seenAnnounceEntry),
		seenHeartbeat:          make(map[chainhash.Hash]*Heartbeat),
		seenVerification:       make(map[chainhash.Hash]*Verification),
		index:                  newOperatorIndex(),
		indexOld:               newOperatorIndex(),
		sync:                   alwaysSynced{},
	}
}

// SetSyncTracker wires the sync controller in.
func (r *Registry) SetSyncTracker(t SyncTracker) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sync = t
}

// SetPayeeHistory wires the payment scheduler's vote history in.
func (r *Registry) SetPayeeHistory(p PayeeHistory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.payees = p
}

// SetLocalOperator installs (or clears) the local operator identity.
func (r *Registry) SetLocalOperator(lo *LocalOperator) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.local = lo
}

// SubscribeEvents delivers add/remove/local-match events.
func (r *Registry) SubscribeEvents(ch chan<- Event) event.Subscription {
	return r.scope.Track(r.feed.Subscribe(ch))
}

// Close releases subscriptions.
func (r *Registry) Close() {
	r.scope.Close()
}

func (r *Registry) punish(peer gossip.Peer, dos int, reason string) {
	if peer != nil && dos > 0 && r.pool != nil {
		r.pool.Misbehaving(peer.ID(), dos, reason)
	}
}

func (r *Registry) relay(inv gossip.Inv) {
	if r.pool != nil {
		r.pool.Broadcast(inv)
	}
}

func (r *Registry) localMatches(pubKeyOperator []byte) bool {
	return r.local != nil && bytes.Equal(r.local.PubKey, pubKeyOperator)
}

// checkEnvLocked builds the state-machine input for one record.
func (r *Registry) checkEnvLocked(o *Operator, force bool) checkEnv {
	return checkEnv{
		now:            r.now(),
		height:         r.tip.Height,
		chain:          r.chain,
		listSynced:     r.sync.IsListSynced(),
		watchdogActive: r.watchdogActiveLocked(),
		registrySize:   len(r.records),
		ourOperator:    r.localMatches(o.PubKeyOperator),
		force:          force,
	}
}

func (r *Registry) watchdogActiveLocked() bool {
	if !r.watchdogEnabled {
		return false
	}
	return r.now()-r.lastWatchdogVote <= ember.WatchdogMaxSeconds
}

// WatchdogActive reports whether the watchdog mechanism is live. It is
// deliberately kept off by default.
func (r *Registry) WatchdogActive() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.watchdogActiveLocked()
}

// addLocked inserts a record new to the registry.
func (r *Registry) addLocked(o *Operator) bool {
	op := o.Collateral()
	if _, ok := r.records[op]; ok {
		return false
	}
	log.Debug("adding new operator", "addr", o.Addr, "count", len(r.records)+1)
	r.records[op] = o
	r.index.Add(op)
	r.opsAdded = true
	metricOperators().Set(int64(len(r.records)))
	return true
}

// SubmitAnnounce verifies an inbound announce and merges it into the
// registry. Accepted announces are relayed; duplicates refresh recovery
// bookkeeping.
func (r *Registry) SubmitAnnounce(peer gossip.Peer, a *Announce) Result {
	r.mu.Lock()
	res, relayInv := r.submitAnnounceLocked(peer, a)
	events := r.drainEventsLocked()
	r.mu.Unlock()

	if relayInv != nil {
		r.relay(*relayInv)
	}
	for _, ev := range events {
		r.feed.Send(ev)
	}
	if res.DoS > 0 && res.Err != nil {
		r.punish(peer, res.DoS, res.Err.Error())
	}
	metricAnnounces().AddWithLabel(1, map[string]string{"outcome": res.Outcome.String()})
	return res
}

// drainEventsLocked collects the pending add/remove flags as events so they
// can be published outside the lock.
func (r *Registry) drainEventsLocked() []Event {
	events := r.pendingEvents
	r.pendingEvents = nil
	if r.opsAdded {
		r.opsAdded = false
		events = append(events, Event{Type: EventAdded})
	}
	if r.opsRemoved {
		r.opsRemoved = false
		events = append(events, Event{Type: EventRemoved})
	}
	return events
}

func (r *Registry) submitAnnounceLocked(peer gossip.Peer, a *Announce) (Result, *gossip.Inv) {
	now := r.now()
	hash := a.Hash()
	op := a.Collateral()

	if entry, ok := r.seenAnnounce[hash]; ok && !a.Recovery {
		// fewer than two heartbeat periods left before the record turns
		// non-recoverable: treat the duplicate as list-sync progress
		if now-entry.firstSeen > ember.NewStartRequiredSeconds-ember.MinHeartbeatSeconds*2 {
			entry.firstSeen = now
			r.sync.BumpList()
		}
		if peer != nil {
			r.noteRecoveryReplyLocked(peer, hash, a, entry)
		}
		return alreadyKnown(), nil
	}
	r.seenAnnounce[hash] = &seenAnnounceEntry{firstSeen: now, ann: a}

	if dos, err := a.SimpleCheck(r.params, r.chain, now); err != nil {
		log.Debug("announce failed simple check", "operator", OutPointShort(op), "err", err)
		return rejected(dos, err), nil
	}

	if existing, ok := r.records[op]; ok {
		return r.updateExistingLocked(existing, a, hash)
	}

	// brand new record: the collateral must pass the UTXO test
	collateralHeight, dos, err := a.checkCollateral(r.params, r.chain)
	switch {
	case errors.Is(err, chainview.ErrBusy):
		// not the announce's fault; forget it so it can be reprocessed
		delete(r.seenAnnounce, hash)
		return deferred(), nil
	case errors.Is(err, chainview.ErrNotFound):
		log.Debug("collateral utxo not found yet", "operator", OutPointShort(op))
		return rejected(0, err), nil
	case err != nil:
		log.Warn("rejected operator announce", "operator", OutPointShort(op), "addr", a.Addr, "err", err)
		if errors.Is(err, chainview.ErrSpent) {
			return rejected(0, err), nil
		}
		// short confirmations are rechecked later
		delete(r.seenAnnounce, hash)
		return rejected(dos, err), nil
	}

	o := newOperator(a)
	o.CollateralBlock = collateralHeight
	r.addLocked(o)
	o.check(r.checkEnvLocked(o, true))
	if !a.LastHeartbeat.IsZero() {
		r.seenHeartbeat[a.LastHeartbeat.Hash()] = &a.LastHeartbeat
	}
	r.sync.BumpList()

	if r.localMatches(a.PubKeyOperator) {
		// our own record arrived from the network
		o.PoSeBanScore = -ember.PoSeBanMaxScore
		if a.ProtocolVersion == ember.ProtocolVersion {
			log.Info("got own operator entry, remotely activated",
				"operator", OutPointShort(op), "addr", a.Addr)
			r.feedLocalMatchLocked(o)
		} else {
			log.Warn("own operator entry carries wrong protocol version, re-activation needed",
				"got", a.ProtocolVersion, "want", ember.ProtocolVersion)
			return rejected(0, errors.New("own entry with stale protocol version")), nil
		}
	}

	inv := gossip.Inv{Type: gossip.InvAnnounce, Hash: hash}
	return accepted(), &inv
}

func (r *Registry) feedLocalMatchLocked(o *Operator) {
	r.pendingEvents = append(r.pendingEvents, Event{Type: EventLocalMatch, Info: o.info()})
}

func (r *Registry) updateExistingLocked(o *Operator, a *Announce, hash chainhash.Hash) (Result, *gossip.Inv) {
	if o.SigTime == a.SigTime && !a.Recovery {
		// legit duplicate that slipped past the seen cache
		return alreadyKnown(), nil
	}
	if o.SigTime > a.SigTime {
		return rejected(0, errors.Errorf("announce older than record: %d < %d", a.SigTime, o.SigTime)), nil
	}

	o.check(r.checkEnvLocked(o, false))

	if o.isPoSeBanned() {
		return rejected(0, errors.New("record is PoSe-banned")), nil
	}
	if !bytes.Equal(o.PubKeyCollateral, a.PubKeyCollateral) {
		return rejected(33, errors.New("mismatched collateral key for outpoint")), nil
	}
	if dos, err := a.CheckSignature(); err != nil {
		return rejected(dos, err), nil
	}

	var inv *gossip.Inv
	if !o.broadcastedWithin(ember.MinAnnounceSeconds, r.now()) || r.localMatches(a.PubKeyOperator) {
		oldHash := o.toAnnounce().Hash()
		if o.updateFromAnnounce(a) {
			if !a.LastHeartbeat.IsZero() {
				if _, err := a.LastHeartbeat.CheckSignature(o.OperatorKeyID()); err == nil {
					o.LastHeartbeat = a.LastHeartbeat
					r.seenHeartbeat[a.LastHeartbeat.Hash()] = &a.LastHeartbeat
				}
			}
			o.check(r.checkEnvLocked(o, true))
			if hash != oldHash {
				delete(r.seenAnnounce, oldHash)
			}
			inv = &gossip.Inv{Type: gossip.InvAnnounce, Hash: hash}
		}
		r.sync.BumpList()
	}
	return accepted(), inv
}

// noteRecoveryReplyLocked files a duplicate announce as a recovery reply
// when we asked this peer for it.
func (r *Registry) noteRecoveryReplyLocked(peer gossip.Peer, hash chainhash.Hash, a *Announce, entry *seenAnnounceEntry) {
	req, ok := r.recoveryRequests[hash]
	if !ok || r.now() >= req.expiresAt {
		return
	}
	key := peer.Addr().Key()
	if _, asked := req.asked[key]; !asked {
		return
	}
	// one reply per asked peer
	delete(req.asked, key)
	if a.LastHeartbeat.SigTime <= entry.ann.LastHeartbeat.SigTime {
		return
	}
	// project the record state the reply would produce
	tmp := newOperator(a)
	tmp.check(r.checkEnvLocked(tmp, true))
	if IsValidStateForAutoStart(tmp.ActiveState) {
		log.Debug("good recovery reply", "operator", OutPointShort(a.Collateral()),
			"peer", peer.ID(), "state", tmp.ActiveState)
		r.recoveryGoodReply[hash] = append(r.recoveryGoodReply[hash], a)
	}
}

// SubmitHeartbeat verifies an inbound heartbeat and applies it to its
// record. Heartbeats for unknown records trigger a targeted ask back to
// the sender.
func (r *Registry) SubmitHeartbeat(peer gossip.Peer, hb *Heartbeat) Result {
	r.mu.Lock()
	res, relayInv, askBack := r.submitHeartbeatLocked(peer, hb)
	r.mu.Unlock()

	if relayInv != nil {
		r.relay(*relayInv)
	}
	if askBack && peer != nil {
		r.AskForEntry(peer, hb.Collateral())
	}
	if res.DoS > 0 && res.Err != nil {
		r.punish(peer, res.DoS, res.Err.Error())
	}
	metricHeartbeats().AddWithLabel(1, map[string]string{"outcome": res.Outcome.String()})
	return res
}

func (r *Registry) submitHeartbeatLocked(peer gossip.Peer, hb *Heartbeat) (Result, *gossip.Inv, bool) {
	now := r.now()
	hash := hb.Hash()
	op := hb.Collateral()

	if _, ok := r.seenHeartbeat[hash]; ok {
		return alreadyKnown(), nil, false
	}
	r.seenHeartbeat[hash] = hb

	if dos, err := hb.SimpleCheck(r.chain, now); err != nil {
		return rejected(dos, err), nil, false
	}

	o, ok := r.records[op]
	if !ok {
		// unknown record: drop, ask the sender for the announce once
		return notFound(errors.Errorf("heartbeat for unknown operator %s", OutPointShort(op))), nil, true
	}

	if o.ActiveState == StateNewStartRequired {
		return rejected(0, errors.New("operator needs a fresh announce, heartbeat ignored")), nil, false
	}
	if o.ActiveState == StateUpdateRequired {
		return rejected(0, errors.New("operator protocol outdated, heartbeat ignored")), nil, false
	}

	// anchor must still be recent
	if h, err := r.chain.HeightOf(hb.BlockHash); err == nil {
		if h < r.tip.Height-ember.HeartbeatMaxTipDepth {
			return rejected(0, errors.Errorf("heartbeat anchor too old: %d < %d",
				h, r.tip.Height-ember.HeartbeatMaxTipDepth)), nil, false
		}
	}

	// anti-flood: min gap between heartbeats, with a one minute allowance
	if o.pingedWithin(ember.MinHeartbeatSeconds-60, hb.SigTime) {
		return rejected(0, errors.New("heartbeat arrived too early")), nil, false
	}

	if dos, err := hb.CheckSignature(o.OperatorKeyID()); err != nil {
		return rejected(dos, err), nil, false
	}

	// a long-quiet record coming back during sync counts as progress
	if !r.sync.IsListSynced() && !o.pingedWithin(ember.ExpirationSeconds/2, now) {
		r.sync.BumpList()
	}

	o.LastHeartbeat = *hb
	// refresh the embedded heartbeat of the seen announce, it is stale now
	if entry, ok := r.seenAnnounce[o.toAnnounce().Hash()]; ok {
		entry.ann.LastHeartbeat = *hb
	}

	o.check(r.checkEnvLocked(o, true))
	if !o.isEnabled() {
		return accepted(), nil, false
	}
	inv := gossip.Inv{Type: gossip.InvHeartbeat, Hash: hash}
	return accepted(), &inv, false
}

// AskForEntry sends a targeted list request for one outpoint, remembering
// the (outpoint, peer) pair so the same peer is not asked again within the
// window.
func (r *Registry) AskForEntry(peer gossip.Peer, op wire.OutPoint) {
	if peer == nil {
		return
	}
	r.mu.Lock()
	key := peer.Addr().Key()
	window, ok := r.weAskedForEntry[op]
	if ok {
		if deadline, asked := window[key]; asked && r.now() < deadline {
			r.mu.Unlock()
			return
		}
	} else {
		window = make(map[string]int64)
		r.weAskedForEntry[op] = window
	}
	window[key] = r.now() + DsegUpdateSeconds
	r.mu.Unlock()

	log.Debug("asking peer for operator entry", "peer", peer.ID(), "operator", OutPointShort(op))
	hashCopy := op.Hash
	peer.Send(gossip.ListRequest{Entry: &hashCopy, Index: op.Index})
}

// RequestFullList asks a peer for its whole operator list, at most once per
// window per peer.
func (r *Registry) RequestFullList(peer gossip.Peer) {
	r.mu.Lock()
	key := peer.Addr().Key()
	if r.params.IsMainNet() && !peer.Addr().IsLocal() {
		if deadline, ok := r.weAskedForList[key]; ok && r.now() < deadline {
			r.mu.Unlock()
			log.Debug("already asked peer for the list", "peer", peer.ID())
			return
		}
	}
	r.weAskedForList[key] = r.now() + DsegUpdateSeconds
	r.mu.Unlock()

	peer.Send(gossip.ListRequest{})
	log.Debug("asked peer for the operator list", "peer", peer.ID())
}

// ServeListRequest answers a full-list or single-entry request, enforcing
// the per-peer rate limit on full lists.
func (r *Registry) ServeListRequest(peer gossip.Peer, req gossip.ListRequest) {
	if !r.sync.IsSynced() {
		// the list is heavy; don't serve it while we are still syncing
		return
	}

	r.mu.Lock()
	full := req.Entry == nil
	if full {
		isLocal := peer.Addr().IsLocal()
		if !isLocal && r.params.IsMainNet() {
			if deadline, ok := r.askedUsForList[peer.Addr().Key()]; ok && r.now() < deadline {
				r.mu.Unlock()
				r.punish(peer, 34, "peer asked for the list again too soon")
				return
			}
			r.askedUsForList[peer.Addr().Key()] = r.now() + DsegUpdateSeconds
		}
	}

	var sent int
	var payloads []gossip.Msg
	for _, o := range r.sortedRecordsLocked() {
		if !full && (o.Collateral().Hash != *req.Entry || o.Collateral().Index != req.Index) {
			continue
		}
		if o.Addr.IsLocal() {
			continue // do not hand out local-network operators
		}
		if o.ActiveState == StateUpdateRequired {
			continue
		}
		ann := o.toAnnounce()
		hash := ann.Hash()
		if _, ok := r.seenAnnounce[hash]; !ok {
			r.seenAnnounce[hash] = &seenAnnounceEntry{firstSeen: r.now(), ann: ann}
		}
		payloads = append(payloads, ann)
		if !o.LastHeartbeat.IsZero() {
			hb := o.LastHeartbeat
			payloads = append(payloads, &hb)
		}
		sent++
		if !full {
			break
		}
	}
	r.mu.Unlock()

	for _, msg := range payloads {
		peer.Send(msg)
	}
	if full {
		peer.Send(gossip.SyncStatusCount{Asset: gossip.SyncAssetList, Count: int32(sent)})
		log.Debug("served operator list", "peer", peer.ID(), "entries", sent)
	} else if sent == 0 {
		log.Debug("asked for unknown operator entry", "peer", peer.ID())
	}
}

// sortedRecordsLocked snapshots the records in deterministic outpoint
// order.
func (r *Registry) sortedRecordsLocked() []*Operator {
	out := make([]*Operator, 0, len(r.records))
	for _, o := range r.records {
		out = append(out, o)
	}
	sort.Slice(out, func(i, j int) bool {
		return outPointLess(out[i].Collateral(), out[j].Collateral())
	})
	return out
}

// Check recomputes the state of every record.
func (r *Registry) Check() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, o := range r.records {
		o.check(r.checkEnvLocked(o, false))
	}
}

// CheckOperator force-checks one record by collateral.
func (r *Registry) CheckOperator(op wire.OutPoint) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if o, ok := r.records[op]; ok {
		o.check(r.checkEnvLocked(o, true))
	}
}

// CheckOperatorByKey force-checks one record by operator key.
func (r *Registry) CheckOperatorByKey(pubKeyOperator []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if o := r.findByOperatorKeyLocked(pubKeyOperator); o != nil {
		o.check(r.checkEnvLocked(o, true))
	}
}

// CheckAndRemove runs the full sweep: recompute states, erase spent
// records, initiate recovery for non-recoverable ones, process recovery
// replies and expire all window maps and caches.
func (r *Registry) CheckAndRemove() {
	if !r.sync.IsListSynced() {
		return
	}

	r.mu.Lock()
	now := r.now()

	for _, o := range r.records {
		o.check(r.checkEnvLocked(o, false))
	}

	// erase spent records, schedule recovery asks for expired ones
	var ranks []RankedInfo
	asksLeft := recoveryMaxAskEntries
	for op, o := range r.records {
		hash := o.toAnnounce().Hash()
		if o.ActiveState == StateOutpointSpent {
			log.Debug("removing operator", "state", o.ActiveState, "addr", o.Addr, "count", len(r.records)-1)
			delete(r.seenAnnounce, hash)
			delete(r.weAskedForEntry, op)
			for gov := range o.govVotes {
				r.dirtyGov = append(r.dirtyGov, gov)
			}
			delete(r.records, op)
			r.opsRemoved = true
			continue
		}

		_, requested := r.recoveryRequests[hash]
		if asksLeft > 0 && r.sync.IsSynced() && o.ActiveState == StateNewStartRequired && !requested {
			if ranks == nil {
				// rank at a random past height so all nodes don't hammer
				// the same top operators
				h := int32(0)
				if r.tip.Height > 0 {
					h = rand.Int31n(r.tip.Height)
				}
				ranks = r.ranksLocked(h, ember.MinPaymentsProtoVersion)
			}
			asked := make(map[string]struct{})
			for _, rank := range ranks {
				if len(asked) >= recoveryQuorumTotal {
					break
				}
				key := rank.Info.Addr.Key()
				if window, ok := r.weAskedForEntry[op]; ok {
					if _, already := window[key]; already {
						continue // avoid banning
					}
				}
				asked[key] = struct{}{}
				r.scheduledConns = append(r.scheduledConns, scheduledConn{addr: rank.Info.Addr, hash: hash})
			}
			if len(asked) > 0 {
				log.Debug("recovery initiated", "operator", OutPointShort(op))
				asksLeft--
			}
			r.recoveryRequests[hash] = &recoveryRequest{
				expiresAt: now + recoveryWaitSeconds,
				asked:     asked,
			}
		}
	}

	// process replies for records under recovery
	var reprocess []*Announce
	for hash, replies := range r.recoveryGoodReply {
		req, ok := r.recoveryRequests[hash]
		if ok && req.expiresAt >= now {
			continue // all asked peers should have replied by the deadline
		}
		if len(replies) >= recoveryQuorumRequired {
			// a majority of the asked peers agrees the record is fine;
			// reprocess one reply as authoritative
			log.Debug("reprocessing recovery announce", "operator", OutPointShort(replies[0].Collateral()))
			replies[0].Recovery = true
			reprocess = append(reprocess, replies[0])
		}
		delete(r.recoveryGoodReply, hash)
	}

	// let recovery entries retry after the retry window
	for hash, req := range r.recoveryRequests {
		if now-req.expiresAt > recoveryRetrySeconds {
			delete(r.recoveryRequests, hash)
		}
	}

	for key, deadline := range r.askedUsForList {
		if deadline < now {
			delete(r.askedUsForList, key)
		}
	}
	for key, deadline := range r.weAskedForList {
		if deadline < now {
			delete(r.weAskedForList, key)
		}
	}
	for op, window := range r.weAskedForEntry {
		for key, deadline := range window {
			if deadline < now {
				delete(window, key)
			}
		}
		if len(window) == 0 {
			delete(r.weAskedForEntry, op)
		}
	}
	for key, v := range r.weAskedForVerification {
		if v.BlockHeight < r.tip.Height-maxPoSeBlocks {
			delete(r.weAskedForVerification, key)
		}
	}

	// announces are never expired here; they are cleaned on updates.
	// heartbeats and verifications do expire.
	for hash, hb := range r.seenHeartbeat {
		if hb.IsExpired(now) {
			delete(r.seenHeartbeat, hash)
		}
	}
	for hash, v := range r.seenVerification {
		if v.BlockHeight < r.tip.Height-maxPoSeBlocks {
			delete(r.seenVerification, hash)
		}
	}

	if r.opsRemoved {
		r.rebuildIndexLocked()
	}
	metricOperators().Set(int64(len(r.records)))
	log.Info(r.stringLocked())
	events := r.drainEventsLocked()
	r.mu.Unlock()

	for _, a := range reprocess {
		r.SubmitAnnounce(nil, a)
	}
	for _, ev := range events {
		r.feed.Send(ev)
	}
}

// PopScheduledRecoveryConn pops the directed connections scheduled for one
// address, squashing all hashes aimed at it.
func (r *Registry) PopScheduledRecoveryConn() (ember.NetAddr, []chainhash.Hash) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.scheduledConns) == 0 {
		return ember.NetAddr{}, nil
	}
	sort.SliceStable(r.scheduledConns, func(i, j int) bool {
		return r.scheduledConns[i].addr.Less(r.scheduledConns[j].addr)
	})
	front := r.scheduledConns[0].addr
	var hashes []chainhash.Hash
	rest := r.scheduledConns[:0]
	for _, c := range r.scheduledConns {
		if c.addr.Equal(front) {
			hashes = append(hashes, c.hash)
		} else {
			rest = append(rest, c)
		}
	}
	r.scheduledConns = rest
	return front, hashes
}

// IsRecoveryRequested reports whether a recovery round is pending for the
// announce hash.
func (r *Registry) IsRecoveryRequested(hash chainhash.Hash) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.recoveryRequests[hash]
	return ok
}

// Clear wipes the registry.
func (r *Registry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.clearLocked()
}

// Count returns the number of records at or above the protocol floor;
// minProto <= 0 selects the payment floor.
func (r *Registry) Count(minProto int32) int {
	if minProto <= 0 {
		minProto = ember.MinPaymentsProtoVersion
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, o := range r.records {
		if o.ProtocolVersion >= minProto {
			n++
		}
	}
	return n
}

// CountEnabled returns the number of ENABLED records at or above the
// protocol floor.
func (r *Registry) CountEnabled(minProto int32) int {
	if minProto <= 0 {
		minProto = ember.MinPaymentsProtoVersion
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.countEnabledLocked(minProto)
}

func (r *Registry) countEnabledLocked(minProto int32) int {
	n := 0
	for _, o := range r.records {
		if o.ProtocolVersion >= minProto && o.isEnabled() {
			n++
		}
	}
	return n
}

// Size returns the number of records.
func (r *Registry) Size() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.records)
}

// Has reports whether a record exists for the collateral.
func (r *Registry) Has(op wire.OutPoint) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.records[op]
	return ok
}

func (r *Registry) findByOperatorKeyLocked(pubKeyOperator []byte) *Operator {
	for _, o := range r.records {
		if bytes.Equal(o.PubKeyOperator, pubKeyOperator) {
			return o
		}
	}
	return nil
}

func (r *Registry) findByPayeeLocked(payee []byte) *Operator {
	for _, o := range r.records {
		if bytes.Equal(o.PayeeScript(), payee) {
			return o
		}
	}
	return nil
}

// GetInfo snapshots one record by collateral.
func (r *Registry) GetInfo(op wire.OutPoint) Info {
	r.mu.Lock()
	defer r.mu.Unlock()
	if o, ok := r.records[op]; ok {
		return o.info()
	}
	return Info{}
}

// GetInfoByOperatorKey snapshots one record by operator key.
func (r *Registry) GetInfoByOperatorKey(pubKeyOperator []byte) Info {
	r.mu.Lock()
	defer r.mu.Unlock()
	if o := r.findByOperatorKeyLocked(pubKeyOperator); o != nil {
		return o.info()
	}
	return Info{}
}

// GetInfoByPayee snapshots one record by payout script.
func (r *Registry) GetInfoByPayee(payee []byte) Info {
	r.mu.Lock()
	defer r.mu.Unlock()
	if o := r.findByPayeeLocked(payee); o != nil {
		return o.info()
	}
	return Info{}
}

// AllInfo snapshots every record in deterministic order.
func (r *Registry) AllInfo() []Info {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Info, 0, len(r.records))
	for _, o := range r.sortedRecordsLocked() {
		out = append(out, o.info())
	}
	return out
}

// State returns the activity state of a record; unknown collaterals report
// NEW_START_REQUIRED, which is what an operator that dropped off the list
// must do.
func (r *Registry) State(op wire.OutPoint) State {
	r.mu.Lock()
	defer r.mu.Unlock()
	if o, ok := r.records[op]; ok {
		return o.ActiveState
	}
	return StateNewStartRequired
}

// PingedWithin reports whether a record heartbeated within the window
// before at (at < 0 means now).
func (r *Registry) PingedWithin(op wire.OutPoint, seconds int64, at int64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if at < 0 {
		at = r.now()
	}
	o, ok := r.records[op]
	return ok && o.pingedWithin(seconds, at)
}

// SetLastHeartbeat installs a locally produced heartbeat on our own record
// and refreshes the caches, the path the activation driver uses.
func (r *Registry) SetLastHeartbeat(op wire.OutPoint, hb *Heartbeat) {
	r.mu.Lock()
	defer r.mu.Unlock()
	o, ok := r.records[op]
	if !ok {
		return
	}
	o.LastHeartbeat = *hb
	r.seenHeartbeat[hb.Hash()] = hb
	if entry, ok := r.seenAnnounce[o.toAnnounce().Hash()]; ok {
		entry.ann.LastHeartbeat = *hb
	}
}

// RankedInfo pairs a record snapshot with its rank.
type RankedInfo struct {
	Rank int
	Info Info
}

// ranksLocked scores every eligible record at the given height and orders
// them best first (highest score wins rank 1).
func (r *Registry) ranksLocked(height int32, minProto int32) []RankedInfo {
	seed, err := r.chain.BlockHash(height)
	if err != nil {
		log.Warn("failed to get block hash for ranks", "height", height, "err", err)
		return nil
	}
	type scored struct {
		score *uint256.Int
		o     *Operator
	}
	var list []scored
	for _, o := range r.sortedRecordsLocked() {
		if o.ProtocolVersion < minProto || !o.isEnabled() {
			continue
		}
		list = append(list, scored{score: CalculateScore(o.Collateral(), seed), o: o})
	}
	sort.SliceStable(list, func(i, j int) bool {
		return list[i].score.Gt(list[j].score)
	})
	out := make([]RankedInfo, 0, len(list))
	for i, s := range list {
		out = append(out, RankedInfo{Rank: i + 1, Info: s.o.info()})
	}
	return out
}

// GetRanks returns the full rank order at a height.
func (r *Registry) GetRanks(height int32, minProto int32) []RankedInfo {
	if minProto <= 0 {
		minProto = ember.MinPaymentsProtoVersion
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.ranksLocked(height, minProto)
}

// GetRank returns the rank of one record at a height, -1 when unranked.
func (r *Registry) GetRank(op wire.OutPoint, height int32, minProto int32) int {
	for _, ri := range r.GetRanks(height, minProto) {
		if ri.Info.Collateral == op {
			return ri.Rank
		}
	}
	return -1
}

// UpdateWatchdogVoteTime notes a watchdog vote for a record.
func (r *Registry) UpdateWatchdogVoteTime(op wire.OutPoint) {
	r.mu.Lock()
	defer r.mu.Unlock()
	o, ok := r.records[op]
	if !ok {
		return
	}
	o.TimeLastWatchdog = r.now()
	r.lastWatchdogVote = o.TimeLastWatchdog
}

// AddGovernanceVote counts a governance vote cast by a record.
func (r *Registry) AddGovernanceVote(op wire.OutPoint, object chainhash.Hash) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	o, ok := r.records[op]
	if !ok {
		return false
	}
	o.govVotes[object]++
	return true
}

// RemoveGovernanceObject forgets an object on every record.
func (r *Registry) RemoveGovernanceObject(object chainhash.Hash) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, o := range r.records {
		delete(o.govVotes, object)
	}
}

// GetAndClearDirtyGovernanceHashes drains the hashes the governance
// subsystem must re-evaluate.
func (r *Registry) GetAndClearDirtyGovernanceHashes() []chainhash.Hash {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := r.dirtyGov
	r.dirtyGov = nil
	return out
}

// rebuildIndexLocked rebuilds the sidecar when it outgrew both the
// expected ceiling and the record count, at most once per hour. The old
// generation stays queryable until cleared.
func (r *Registry) rebuildIndexLocked() {
	if r.now()-r.lastIndexRebuild < minIndexRebuildSecs {
		return
	}
	if r.index.Size() <= maxExpectedIndexSize {
		return
	}
	if r.index.Size() <= len(r.records) {
		return
	}
	r.indexOld = r.index
	r.index = newOperatorIndex()
	for _, o := range r.sortedRecordsLocked() {
		r.index.Add(o.Collateral())
	}
	r.indexRebuilt = true
	r.lastIndexRebuild = r.now()
	log.Info("operator index rebuilt", "size", r.index.Size())
}

// IndexOf returns the stable index of a collateral, -1 when unknown.
func (r *Registry) IndexOf(op wire.OutPoint) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.index.IndexOf(op)
}

// ByIndex resolves a stable index back to a collateral.
func (r *Registry) ByIndex(i int) (wire.OutPoint, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.index.Get(i)
}

// ClearOldIndex drops the retired index generation.
func (r *Registry) ClearOldIndex() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.indexOld.Clear()
	r.indexRebuilt = false
}

// UpdateLastPaid refreshes last-paid markers from recent blocks. The scan
// is bounded by LastPaidScanBlocks except on the first run after a winners
// sync, when the whole storage window is scanned.
func (r *Registry) UpdateLastPaid(fullScan bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.payees == nil || r.tip.Height == 0 {
		return
	}
	maxScan := int32(LastPaidScanBlocks)
	if fullScan {
		maxScan = r.payees.StorageLimit()
	}
	for _, o := range r.records {
		r.updateLastPaidLocked(o, maxScan)
	}
}

func (r *Registry) updateLastPaidLocked(o *Operator, maxScan int32) {
	payee := o.PayeeScript()
	for h := r.tip.Height; h > o.BlockLastPaid && h > r.tip.Height-maxScan && h > 0; h-- {
		if !r.payees.HasPayeeWithVotes(h, payee, 2) {
			continue
		}
		block, err := r.chain.ReadBlock(h)
		if err != nil || block.Coinbase() == nil {
			continue
		}
		var totalOut btcutil.Amount
		for _, out := range block.Coinbase().TxOut {
			totalOut += btcutil.Amount(out.Value)
		}
		amount := r.chain.OperatorPayment(h, totalOut)
		for _, out := range block.Coinbase().TxOut {
			if bytes.Equal(out.PkScript, payee) && btcutil.Amount(out.Value) == amount {
				o.BlockLastPaid = h
				o.TimeLastPaid = block.Ref.Time
				log.Debug("found last paid block", "operator", OutPointShort(o.Collateral()), "height", h)
				return
			}
		}
	}
	// not found in the window; keep the old marker
}

// UpdatedTip moves the registry's view of the chain tip.
func (r *Registry) UpdatedTip(ref chainview.BlockRef) {
	r.mu.Lock()
	r.tip = ref
	r.mu.Unlock()
	log.Debug("updated block tip", "height", ref.Height)

	r.CheckSameAddr()
	if r.LocalOperatorSet() {
		// operators refresh payment info every block; plain nodes on demand
		r.UpdateLastPaid(false)
	}
}

// LocalOperatorSet reports whether a local operator identity is installed.
func (r *Registry) LocalOperatorSet() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.local != nil
}

// LocalOperator returns the installed local operator identity, nil when
// this node is not an operator.
func (r *Registry) LocalOperator() *LocalOperator {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.local
}

// TipHeight returns the registry's view of the chain height.
func (r *Registry) TipHeight() int32 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.tip.Height
}

// DsqCount returns the mixing-queue counter carried for the host.
func (r *Registry) DsqCount() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.dsqCount
}

// BumpDsqCount increments the mixing-queue counter.
func (r *Registry) BumpDsqCount() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.dsqCount++
	return r.dsqCount
}

func (r *Registry) stringLocked() string {
	return fmt.Sprintf("operators: %d, asked us for list: %d, we asked for list: %d, entries we asked for: %d, index size: %d, dsq count: %d",
		len(r.records), len(r.askedUsForList), len(r.weAskedForList), len(r.weAskedForEntry), r.index.Size(), r.dsqCount)
}

// String summarizes the registry for logs and status RPCs.
func (r *Registry) String() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stringLocked()
}
