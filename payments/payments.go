// Copyright (c) 2026 The Ember developers

// Distributed under the GNU Lesser General Public License v3.0 software license, see the accompanying
// file LICENSE or <https://www.gnu.org/licenses/lgpl-3.0.html>

// Package payments keeps track of who should be paid for which blocks: it
// aggregates payment votes, selects the next payee deterministically and
// validates candidate blocks against the aggregated votes.
package payments

import (
	"bytes"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/holiman/uint256"
	"github.com/inconshreveable/log15"
	"github.com/pkg/errors"

	"github.com/emberchain/ember/chainview"
	"github.com/emberchain/ember/ember"
	"github.com/emberchain/ember/gossip"
	"github.com/emberchain/ember/metrics"
	"github.com/emberchain/ember/registry"
)

var log = log15.New("pkg", "payments")

var (
	metricVotes  = metrics.LazyLoadCounterVec("payment_votes_total", []string{"outcome"})
	metricBlocks = metrics.LazyLoadGauge("payment_blocks")
)

const (
	// SignaturesRequired votes make a payee mandatory for a block.
	SignaturesRequired = 6

	// SignaturesTotal is the rank floor for voting: only the top ranked
	// operators at a height may vote for it.
	SignaturesTotal = 10

	// ScheduledAhead is how many future blocks the scheduler looks at when
	// excluding already-scheduled payees.
	ScheduledAhead = 8

	// VoteLeadBlocks is how far ahead of the tip local votes are cast.
	VoteLeadBlocks = 10

	// SeedDepth: the selection seed is the hash of the block this far
	// below the target height.
	SeedDepth = 101

	// FreshnessCoeffSeconds filters operators announced less than
	// count×156 seconds ago out of the payment queue. The integer value is
	// consensus-relevant.
	FreshnessCoeffSeconds = 156

	// futureVoteWindow tolerates votes this many blocks past the tip.
	futureVoteWindow = 20

	storageCoeff     = 1.25
	minBlocksToStore = 5000

	serializationVersion = "OperatorPayments-Version-3"
)

// SyncTracker is the slice of the sync controller this package consumes.
type SyncTracker interface {
	IsSynced() bool
	IsWinnersSynced() bool
	BumpPayments()
}

type alwaysSynced struct{}

func (alwaysSynced) IsSynced() bool        { return true }
func (alwaysSynced) IsWinnersSynced() bool { return true }
func (alwaysSynced) BumpPayments()         {}

// Options configures a Payments manager.
type Options struct {
	Params   ember.Params
	Chain    chainview.Chain
	Pool     gossip.Pool
	Registry *registry.Registry

	// Now overrides the clock, for tests.
	Now func() int64
}

// Payments is the payment vote book and scheduler.
type Payments struct {
	params ember.Params
	chain  chainview.Chain
	pool   gossip.Pool
	reg    *registry.Registry
	now    func() int64

	mu       sync.Mutex
	votes    map[chainhash.Hash]*PaymentVote
	blocks   map[int32]*BlockPayees
	lastVote map[wire.OutPoint]int32
	tip      int32

	sync SyncTracker
}

// New creates an empty payment book.
func New(opts Options) *Payments {
	now := opts.Now
	if now == nil {
		now = func() int64 { return time.Now().Unix() }
	}
	return &Payments{
		params:   opts.Params,
		chain:    opts.Chain,
		pool:     opts.Pool,
		reg:      opts.Registry,
		now:      now,
		votes:    make(map[chainhash.Hash]*PaymentVote),
		blocks:   make(map[int32]*BlockPayees),
		lastVote: make(map[wire.OutPoint]int32),
		sync:     alwaysSynced{},
	}
}

// SetSyncTracker wires the sync controller in.
func (m *Payments) SetSyncTracker(t SyncTracker) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sync = t
}

// StorageLimit is how many payment blocks are kept: the bigger of the
// operator count scaled by the storage coefficient and the fixed floor.
func (m *Payments) StorageLimit() int32 {
	n := int32(float64(m.reg.Count(0)) * storageCoeff)
	if n < minBlocksToStore {
		return minBlocksToStore
	}
	return n
}

// BlockCount returns the number of heights with votes.
func (m *Payments) BlockCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.blocks)
}

// VoteCount returns the number of stored votes.
func (m *Payments) VoteCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.votes)
}

// IsEnoughData reports whether enough payment history is stored to stop
// syncing it.
func (m *Payments) IsEnoughData() bool {
	limit := m.StorageLimit()
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.tip < limit {
		// young chain: everything there is to know fits already
		return len(m.blocks) >= int(m.tip)
	}
	return len(m.blocks) >= int(limit)
}

// HasVerifiedVote reports whether a signed vote with the hash is stored.
func (m *Payments) HasVerifiedVote(hash chainhash.Hash) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.votes[hash]
	return ok && v.IsVerified()
}

// HasPayeeWithVotes reports whether some payee at the height reached the
// vote floor; registry last-paid scans use it.
func (m *Payments) HasPayeeWithVotes(height int32, payee []byte, minVotes int) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.blocks[height]
	return ok && b.HasPayeeWithVotes(payee, minVotes)
}

// CanVote reports whether the voter has not voted for the height yet, and
// reserves the vote slot when it can.
func (m *Payments) CanVote(voter wire.OutPoint, height int32) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if last, ok := m.lastVote[voter]; ok && last >= height {
		return false
	}
	m.lastVote[voter] = height
	return true
}

// AddVote admits an inbound payment vote: window check, per-voter
// de-duplication, voter rank floor and signature. Accepted votes are
// stored and relayed.
func (m *Payments) AddVote(peer gossip.Peer, v *PaymentVote) registry.Result {
	res := m.addVote(peer, v)
	if res.DoS > 0 && peer != nil && m.pool != nil && res.Err != nil {
		m.pool.Misbehaving(peer.ID(), res.DoS, res.Err.Error())
	}
	metricVotes().AddWithLabel(1, map[string]string{"outcome": res.Outcome.String()})
	return res
}

func (m *Payments) addVote(peer gossip.Peer, v *PaymentVote) registry.Result {
	hash := v.Hash()

	m.mu.Lock()
	tip := m.tip
	if _, ok := m.votes[hash]; ok {
		m.mu.Unlock()
		return registry.Result{Outcome: registry.OutcomeAlreadyKnown}
	}
	limit := int32(minBlocksToStore)
	m.mu.Unlock()

	if v.BlockHeight < tip-limit || v.BlockHeight > tip+futureVoteWindow {
		return registry.Result{Outcome: registry.OutcomeRejected,
			Err: errors.Errorf("vote height %d out of window around %d", v.BlockHeight, tip)}
	}

	if !m.CanVote(v.Voter(), v.BlockHeight) {
		return registry.Result{Outcome: registry.OutcomeRejected,
			Err: errors.Errorf("operator %s already voted for height %d", registry.OutPointShort(v.Voter()), v.BlockHeight)}
	}

	info := m.reg.GetInfo(v.Voter())
	if !info.Valid {
		// ask the sender for the missing announce, the vote may be fine
		if peer != nil {
			m.reg.AskForEntry(peer, v.Voter())
		}
		return registry.Result{Outcome: registry.OutcomeNotFound,
			Err: errors.Errorf("vote from unknown operator %s", registry.OutPointShort(v.Voter()))}
	}

	rank := m.reg.GetRank(v.Voter(), v.BlockHeight-SeedDepth, ember.MinPaymentsProtoVersion)
	if rank == -1 {
		return registry.Result{Outcome: registry.OutcomeRejected,
			Err: errors.New("can't calculate voter rank")}
	}
	if rank > SignaturesTotal {
		dos := 0
		if m.sync.IsWinnersSynced() {
			dos = 2
		}
		return registry.Result{Outcome: registry.OutcomeRejected, DoS: dos,
			Err: errors.Errorf("voter rank %d above floor %d", rank, SignaturesTotal)}
	}

	if dos, err := v.CheckSignature(info.OperatorKeyID, m.sync.IsWinnersSynced()); err != nil {
		return registry.Result{Outcome: registry.OutcomeRejected, DoS: dos, Err: err}
	}

	m.mu.Lock()
	m.votes[hash] = v
	b, ok := m.blocks[v.BlockHeight]
	if !ok {
		b = &BlockPayees{Height: v.BlockHeight}
		m.blocks[v.BlockHeight] = b
	}
	b.AddVote(v)
	m.mu.Unlock()

	metricBlocks().Set(int64(m.BlockCount()))
	m.sync.BumpPayments()
	if m.pool != nil {
		m.pool.Broadcast(gossip.Inv{Type: gossip.InvPaymentVote, Hash: hash})
	}
	log.Debug("payment vote accepted", "voter", registry.OutPointShort(v.Voter()),
		"height", v.BlockHeight)
	return registry.Result{Outcome: registry.OutcomeAccepted}
}

// GetVote returns a stored vote by hash.
func (m *Payments) GetVote(hash chainhash.Hash) (*PaymentVote, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.votes[hash]
	return v, ok
}

// GetBlockPayee returns the winning payee script of a height.
func (m *Payments) GetBlockPayee(height int32) ([]byte, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if b, ok := m.blocks[height]; ok {
		return b.BestPayee()
	}
	return nil, false
}

// RequiredPaymentsString renders the qualified payees of a height.
func (m *Payments) RequiredPaymentsString(height int32) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if b, ok := m.blocks[height]; ok {
		return b.RequiredPaymentsString()
	}
	return "Unknown"
}

// IsScheduled reports whether the operator is the projected winner of any
// of the next ScheduledAhead blocks, skipping notAtHeight.
func (m *Payments) IsScheduled(info registry.Info, notAtHeight int32) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.sync.IsSynced() {
		return false
	}
	payee := info.PayeeScript
	for h := m.tip; h <= m.tip+ScheduledAhead; h++ {
		if h == notAtHeight {
			continue
		}
		if b, ok := m.blocks[h]; ok {
			if best, ok := b.BestPayee(); ok && bytes.Equal(best, payee) {
				return true
			}
		}
	}
	return false
}

// IsTransactionValid validates a candidate coinbase at a height against
// the aggregated votes.
func (m *Payments) IsTransactionValid(coinbase *wire.MsgTx, height int32) bool {
	if !m.sync.IsWinnersSynced() {
		// not enough data, accept whatever we see
		return true
	}
	var totalOut btcutil.Amount
	for _, out := range coinbase.TxOut {
		totalOut += btcutil.Amount(out.Value)
	}
	required := m.chain.OperatorPayment(height, totalOut)

	m.mu.Lock()
	b, ok := m.blocks[height]
	m.mu.Unlock()
	if !ok {
		// no votes for this block, all good
		return true
	}
	ok, wanted := b.IsTransactionValid(coinbase, required)
	if !ok {
		log.Warn("invalid operator payment", "height", height,
			"required", required, "should-pay", wanted)
	}
	return ok
}

// NextPayee deterministically selects the operator to be paid at the given
// height. With filterFresh, recently announced operators are excluded
// unless that would shrink the candidate set below a third of the enabled
// operators. Returns the winner and the candidate count.
func (m *Payments) NextPayee(height int32, filterFresh bool) (registry.Info, int, bool) {
	enabled := m.reg.CountEnabled(0)
	now := m.now()

	type candidate struct {
		lastPaid int32
		info     registry.Info
	}
	var candidates []candidate
	for _, info := range m.reg.AllInfo() {
		if !info.IsValidForPayment() {
			continue
		}
		if info.ProtocolVersion < ember.MinPaymentsProtoVersion {
			continue
		}
		// scheduled within the propagation horizon, skip it
		if m.IsScheduled(info, height) {
			continue
		}
		// too new, wait for a full cycle
		if filterFresh && info.SigTime+int64(enabled)*FreshnessCoeffSeconds > now {
			continue
		}
		// the collateral must be at least as old as the list is long
		if info.CollateralBlock <= 0 || int(height-info.CollateralBlock) < enabled {
			continue
		}
		candidates = append(candidates, candidate{lastPaid: info.BlockLastPaid, info: info})
	}

	count := len(candidates)
	// while the network upgrades, don't penalize recently restarted nodes
	if filterFresh && count < enabled/3 {
		return m.NextPayee(height, false)
	}
	if count == 0 {
		return registry.Info{}, 0, false
	}

	// oldest last-paid first, ties by outpoint bytes
	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].lastPaid != candidates[j].lastPaid {
			return candidates[i].lastPaid < candidates[j].lastPaid
		}
		return lessOutPoint(candidates[i].info.Collateral, candidates[j].info.Collateral)
	})

	seed, err := m.chain.BlockHash(height - SeedDepth)
	if err != nil {
		log.Error("failed to get selection seed", "height", height-SeedDepth, "err", err)
		return registry.Info{}, count, false
	}

	// look at the tenth of the queue that waited longest and pay the best
	// scoring one
	tenth := enabled / 10
	if tenth < 1 {
		tenth = 1
	}
	var best registry.Info
	var bestScore *uint256.Int
	for i, c := range candidates {
		if i >= tenth {
			break
		}
		score := registry.CalculateScore(c.info.Collateral, seed)
		if bestScore == nil || score.Gt(bestScore) {
			bestScore = score
			best = c.info
		}
	}
	return best, count, bestScore != nil
}

// FillBlockPayee computes the operator output a miner must append to the
// coinbase at the height.
func (m *Payments) FillBlockPayee(height int32, totalReward btcutil.Amount) ([]byte, btcutil.Amount, bool) {
	payee, ok := m.GetBlockPayee(height)
	if !ok {
		// no votes; fall back to the scheduler
		info, _, found := m.NextPayee(height, true)
		if !found {
			return nil, 0, false
		}
		payee = info.PayeeScript
	}
	return payee, m.chain.OperatorPayment(height, totalReward), true
}

// ProcessBlock casts our own vote for a future height when this node is an
// active operator ranked within the voting floor.
func (m *Payments) ProcessBlock(height int32) bool {
	local := m.reg.LocalOperator()
	if local == nil || !m.sync.IsWinnersSynced() {
		return false
	}

	rank := m.reg.GetRank(local.Vin.PreviousOutPoint, height-SeedDepth, ember.MinPaymentsProtoVersion)
	if rank == -1 {
		log.Debug("unknown rank, can't vote", "height", height)
		return false
	}
	if rank > SignaturesTotal {
		log.Debug("rank too low to vote", "rank", rank, "floor", SignaturesTotal)
		return false
	}

	info, count, ok := m.NextPayee(height, true)
	if !ok {
		log.Warn("no payee to vote for", "height", height, "candidates", count)
		return false
	}

	vote := &PaymentVote{
		Vin:         local.Vin,
		BlockHeight: height,
		Payee:       info.PayeeScript,
	}
	if err := vote.Sign(local.PrivKey); err != nil {
		log.Error("failed to sign payment vote", "err", err)
		return false
	}
	log.Info("voting for operator payment", "payee", registry.OutPointShort(info.Collateral),
		"height", height)
	res := m.AddVote(nil, vote)
	return res.Outcome == registry.OutcomeAccepted
}

// Sync serves the stored votes for recent and future blocks to a peer.
func (m *Payments) Sync(peer gossip.Peer) {
	if !m.sync.IsWinnersSynced() {
		return
	}
	limit := m.StorageLimit()

	m.mu.Lock()
	var toSend []*PaymentVote
	for _, v := range m.votes {
		if v.BlockHeight >= m.tip-limit && v.IsVerified() {
			toSend = append(toSend, v)
		}
	}
	m.mu.Unlock()

	sort.Slice(toSend, func(i, j int) bool {
		if toSend[i].BlockHeight != toSend[j].BlockHeight {
			return toSend[i].BlockHeight < toSend[j].BlockHeight
		}
		return lessOutPoint(toSend[i].Voter(), toSend[j].Voter())
	})
	for _, v := range toSend {
		peer.Send(v)
	}
	peer.Send(gossip.SyncStatusCount{Asset: gossip.SyncAssetPayments, Count: int32(len(toSend))})
	log.Debug("served payment votes", "peer", peer.ID(), "votes", len(toSend))
}

// RequestLowDataPaymentBlocks asks a peer for heights where we hold fewer
// votes than the signature floor.
func (m *Payments) RequestLowDataPaymentBlocks(peer gossip.Peer) {
	limit := m.StorageLimit()

	m.mu.Lock()
	var heights []int32
	start := m.tip - limit
	if start < 1 {
		start = 1
	}
	for h := start; h <= m.tip; h++ {
		b, ok := m.blocks[h]
		if !ok || !b.HasPayeeWithVotes(nil, SignaturesRequired) {
			heights = append(heights, h)
		}
	}
	m.mu.Unlock()

	asked := 0
	for _, h := range heights {
		hash, err := m.chain.BlockHash(h)
		if err != nil {
			continue
		}
		peer.AskFor(gossip.Inv{Type: gossip.InvPaymentBlock, Hash: hash})
		asked++
		if asked >= maxLowDataRequests {
			break
		}
	}
	if asked > 0 {
		log.Debug("asked for low-data payment blocks", "peer", peer.ID(), "blocks", asked)
	}
}

// maxLowDataRequests bounds one low-data ask round.
const maxLowDataRequests = 200

// CheckAndRemove prunes votes below the storage window.
func (m *Payments) CheckAndRemove() {
	if !m.sync.IsWinnersSynced() {
		return
	}
	limit := m.StorageLimit()

	m.mu.Lock()
	for hash, v := range m.votes {
		if v.BlockHeight < m.tip-limit {
			delete(m.votes, hash)
			delete(m.blocks, v.BlockHeight)
		}
	}
	for voter, h := range m.lastVote {
		if h < m.tip-limit {
			delete(m.lastVote, voter)
		}
	}
	size := len(m.blocks)
	m.mu.Unlock()

	metricBlocks().Set(int64(size))
}

// UpdatedTip moves the cached height and casts the lead vote.
func (m *Payments) UpdatedTip(ref chainview.BlockRef) {
	m.mu.Lock()
	m.tip = ref.Height
	m.mu.Unlock()
	log.Debug("updated block tip", "height", ref.Height)

	m.ProcessBlock(ref.Height + VoteLeadBlocks)
}

// TipHeight returns the cached chain height.
func (m *Payments) TipHeight() int32 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.tip
}

// Clear wipes the book.
func (m *Payments) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.votes = make(map[chainhash.Hash]*PaymentVote)
	m.blocks = make(map[int32]*BlockPayees)
	m.lastVote = make(map[wire.OutPoint]int32)
}

// Save persists the vote book.
func (m *Payments) Save(w io.Writer) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := wire.WriteVarString(w, pver, serializationVersion); err != nil {
		return errors.Wrap(err, "write version")
	}

	hashes := make([]chainhash.Hash, 0, len(m.votes))
	for h := range m.votes {
		hashes = append(hashes, h)
	}
	sort.Slice(hashes, func(i, j int) bool { return bytes.Compare(hashes[i][:], hashes[j][:]) < 0 })
	if err := wire.WriteVarInt(w, pver, uint64(len(hashes))); err != nil {
		return err
	}
	for _, h := range hashes {
		if err := m.votes[h].EncodeTo(w); err != nil {
			return errors.Wrap(err, "write vote")
		}
	}

	heights := make([]int32, 0, len(m.blocks))
	for h := range m.blocks {
		heights = append(heights, h)
	}
	sort.Slice(heights, func(i, j int) bool { return heights[i] < heights[j] })
	if err := wire.WriteVarInt(w, pver, uint64(len(heights))); err != nil {
		return err
	}
	for _, h := range heights {
		if err := m.blocks[h].encodeTo(w); err != nil {
			return errors.Wrap(err, "write block payees")
		}
	}
	return nil
}

// Load restores the vote book; a version mismatch leaves it cleared.
func (m *Payments) Load(r io.Reader) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	version, err := wire.ReadVarString(r, pver)
	if err != nil {
		return errors.Wrap(err, "read version")
	}
	if version != serializationVersion {
		m.votes = make(map[chainhash.Hash]*PaymentVote)
		m.blocks = make(map[int32]*BlockPayees)
		return errors.Errorf("snapshot version %q, want %q", version, serializationVersion)
	}

	n, err := wire.ReadVarInt(r, pver)
	if err != nil {
		return err
	}
	votes := make(map[chainhash.Hash]*PaymentVote, n)
	for i := uint64(0); i < n; i++ {
		var v PaymentVote
		if err := v.DecodeFrom(r); err != nil {
			return errors.Wrap(err, "read vote")
		}
		votes[v.Hash()] = &v
	}

	nb, err := wire.ReadVarInt(r, pver)
	if err != nil {
		return err
	}
	blocks := make(map[int32]*BlockPayees, nb)
	for i := uint64(0); i < nb; i++ {
		var b BlockPayees
		if err := b.decodeFrom(r); err != nil {
			return errors.Wrap(err, "read block payees")
		}
		blocks[b.Height] = &b
	}

	m.votes = votes
	m.blocks = blocks
	log.Info("payment snapshot loaded", "votes", len(votes), "blocks", len(blocks))
	return nil
}

func lessOutPoint(a, b wire.OutPoint) bool {
	if c := bytes.Compare(a.Hash[:], b.Hash[:]); c != 0 {
		return c < 0
	}
	return a.Index < b.Index
}
