// Copyright (c) 2026 The Ember developers

// Distributed under the GNU Lesser General Public License v3.0 software license, see the accompanying
// file LICENSE or <https://www.gnu.org/licenses/lgpl-3.0.html>

package registry

import (
	"bytes"
	"fmt"
	"io"
	"math/rand"
	"sort"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"

	"github.com/emberchain/ember/cry"
	"github.com/emberchain/ember/ember"
	"github.com/emberchain/ember/gossip"
)

// Proof-of-service verification bounds.
const (
	maxPoSeRank        = 10
	maxPoSeConnections = 10
	maxPoSeBlocks      = 10
)

// CmdVerification is the transport command of a verification payload.
const CmdVerification = "mnv"

// Verification is the three-step proof-of-service message. A request
// carries neither signature; a reply carries Sig1 by the prover; a
// broadcast carries both and names the two collaterals involved.
type Verification struct {
	Addr        ember.NetAddr
	Nonce       uint32
	BlockHeight int32
	Sig1        []byte
	Sig2        []byte
	Vin1        wire.TxIn
	Vin2        wire.TxIn
}

func (v *Verification) Command() string { return CmdVerification }

// EncodeTo writes the canonical encoding.
func (v *Verification) EncodeTo(w io.Writer) error {
	if err := writeTxIn(w, &v.Vin1); err != nil {
		return err
	}
	if err := writeTxIn(w, &v.Vin2); err != nil {
		return err
	}
	if err := writeNetAddr(w, &v.Addr); err != nil {
		return err
	}
	if err := writeInt32(w, int32(v.Nonce)); err != nil {
		return err
	}
	if err := writeInt32(w, v.BlockHeight); err != nil {
		return err
	}
	if err := wire.WriteVarBytes(w, pver, v.Sig1); err != nil {
		return err
	}
	return wire.WriteVarBytes(w, pver, v.Sig2)
}

// DecodeFrom reads the canonical encoding.
func (v *Verification) DecodeFrom(r io.Reader) error {
	if err := readTxIn(r, &v.Vin1); err != nil {
		return err
	}
	if err := readTxIn(r, &v.Vin2); err != nil {
		return err
	}
	if err := readNetAddr(r, &v.Addr); err != nil {
		return err
	}
	var nonce int32
	if err := readInt32(r, &nonce); err != nil {
		return err
	}
	v.Nonce = uint32(nonce)
	if err := readInt32(r, &v.BlockHeight); err != nil {
		return err
	}
	var err error
	if v.Sig1, err = wire.ReadVarBytes(r, pver, maxSigSize, "sig1"); err != nil {
		return err
	}
	v.Sig2, err = wire.ReadVarBytes(r, pver, maxSigSize, "sig2")
	return err
}

// Hash identifies the verification in seen-caches.
func (v *Verification) Hash() chainhash.Hash {
	var buf bytes.Buffer
	_ = writeTxIn(&buf, &v.Vin1)
	_ = writeTxIn(&buf, &v.Vin2)
	_ = writeNetAddr(&buf, &v.Addr)
	_ = writeInt32(&buf, int32(v.Nonce))
	_ = writeInt32(&buf, v.BlockHeight)
	return chainhash.DoubleHashH(buf.Bytes())
}

func (v *Verification) replyString(blockHash chainhash.Hash) string {
	return v.Addr.String() + fmt.Sprintf("%d", v.Nonce) + blockHash.String()
}

func (v *Verification) broadcastString(blockHash chainhash.Hash) string {
	return v.replyString(blockHash) +
		OutPointShort(v.Vin1.PreviousOutPoint) +
		OutPointShort(v.Vin2.PreviousOutPoint)
}

// DoVerificationStep sends one round of verification requests. Only
// operators ranked within the top maxPoSeRank verify; each verifies up to
// maxPoSeConnections targets picked by rank offset, striding so verifiers
// don't pile onto the same targets.
func (r *Registry) DoVerificationStep() {
	r.mu.Lock()
	local := r.local
	synced := r.sync.IsSynced()
	tip := r.tip
	r.mu.Unlock()

	if local == nil || !synced || tip.Height == 0 {
		return
	}

	ranks := r.GetRanks(tip.Height-1, ember.MinPoSeProtoVersion)

	myRank := -1
	for _, ri := range ranks {
		if ri.Rank > maxPoSeRank {
			log.Debug("must be in top rank to send verify requests", "top", maxPoSeRank)
			return
		}
		if ri.Info.Collateral == local.Vin.PreviousOutPoint {
			myRank = ri.Rank
			break
		}
	}
	if myRank == -1 {
		// list too short or we are not enabled
		return
	}
	log.Debug("verifying operators", "rank", myRank, "total", len(ranks), "max", maxPoSeConnections)

	offset := maxPoSeRank + myRank - 1
	if offset >= len(ranks) {
		return
	}

	count := 0
	for i := offset; i < len(ranks); i += maxPoSeConnections {
		target := ranks[i].Info
		r.mu.Lock()
		o, ok := r.records[target.Collateral]
		skip := ok && (o.isPoSeVerified() || o.isPoSeBanned())
		r.mu.Unlock()
		if !ok || skip {
			continue
		}
		log.Debug("verifying operator", "operator", OutPointShort(target.Collateral),
			"rank", ranks[i].Rank, "addr", target.Addr)
		if r.sendVerifyRequest(target.Addr, tip.Height-1) {
			count++
			if count >= maxPoSeConnections {
				break
			}
		}
	}
	log.Debug("sent verification requests", "count", count)
}

// sendVerifyRequest opens a directed connection and challenges whatever
// operator answers at the address.
func (r *Registry) sendVerifyRequest(addr ember.NetAddr, height int32) bool {
	if r.fulfilled.Has(addr, gossip.ReqVerifyRequest) {
		// asked recently, avoid getting banned for spam
		return false
	}
	peer, err := r.pool.Connect(addr)
	if err != nil {
		log.Warn("can't connect to operator to verify it", "addr", addr, "err", err)
		return false
	}
	r.fulfilled.Add(addr, gossip.ReqVerifyRequest)

	v := &Verification{Addr: addr, Nonce: uint32(rand.Intn(999999)), BlockHeight: height}
	r.mu.Lock()
	r.weAskedForVerification[addr.Key()] = v
	r.mu.Unlock()
	log.Debug("verifying node", "nonce", v.Nonce, "addr", addr)
	peer.Send(v)
	return true
}

// HandleVerification dispatches an inbound verification payload by its
// signature shape: request, reply or broadcast.
func (r *Registry) HandleVerification(peer gossip.Peer, v *Verification) {
	switch {
	case len(v.Sig1) == 0:
		// someone asks us to prove the address we are using
		r.sendVerifyReply(peer, v)
	case len(v.Sig2) == 0:
		// probably the reply we requested from some operator
		r.processVerifyReply(peer, v)
	default:
		// a broadcast signed by an operator that verified another one
		r.processVerifyBroadcast(peer, v)
	}
}

// sendVerifyReply proves our address by signing the challenge with the
// operator key. Regular nodes stay silent; a malicious challenger may be
// probing somebody else's address through us.
func (r *Registry) sendVerifyReply(peer gossip.Peer, v *Verification) {
	r.mu.Lock()
	local := r.local
	r.mu.Unlock()
	if local == nil {
		return
	}

	if r.fulfilled.Has(peer.Addr(), gossip.ReqVerifyReply) {
		log.Warn("peer is asking for verification too often", "peer", peer.ID())
		r.punish(peer, 20, "verify reply spam")
		return
	}

	blockHash, err := r.chain.BlockHash(v.BlockHeight)
	if err != nil {
		log.Warn("can't get block hash for verification", "height", v.BlockHeight, "peer", peer.ID())
		return
	}

	reply := *v
	reply.Addr = local.Addr
	sig, err := cry.SignMessage(reply.replyString(blockHash), local.PrivKey)
	if err != nil {
		log.Error("failed to sign verification reply", "err", err)
		return
	}
	reply.Sig1 = sig
	peer.Send(&reply)
	r.fulfilled.Add(peer.Addr(), gossip.ReqVerifyReply)
}

// processVerifyReply checks a reply against the outstanding challenge for
// the peer's address, adjusts ban scores of every record at that address
// and, when we are an active operator, signs and relays the broadcast.
func (r *Registry) processVerifyReply(peer gossip.Peer, v *Verification) {
	addrKey := peer.Addr().Key()

	if !r.fulfilled.Has(peer.Addr(), gossip.ReqVerifyRequest) {
		log.Warn("unrequested verification reply", "peer", peer.ID())
		r.punish(peer, 20, "unrequested verify reply")
		return
	}

	r.mu.Lock()
	asked := r.weAskedForVerification[addrKey]
	r.mu.Unlock()
	if asked == nil || asked.Nonce != v.Nonce {
		log.Warn("wrong verification nonce", "peer", peer.ID())
		r.punish(peer, 20, "wrong verify nonce")
		return
	}
	if asked.BlockHeight != v.BlockHeight {
		log.Warn("wrong verification height", "peer", peer.ID())
		r.punish(peer, 20, "wrong verify height")
		return
	}

	blockHash, err := r.chain.BlockHash(v.BlockHeight)
	if err != nil {
		log.Warn("can't get block hash for verification reply", "height", v.BlockHeight)
		return
	}

	if r.fulfilled.Has(peer.Addr(), gossip.ReqVerifyDone) {
		log.Warn("already verified this address recently", "addr", peer.Addr())
		r.punish(peer, 20, "verify done spam")
		return
	}

	r.mu.Lock()
	var real *Operator
	var toBan []*Operator
	msg1 := peer.Addr().String() + fmt.Sprintf("%d", v.Nonce) + blockHash.String()
	for _, o := range r.sortedRecordsLocked() {
		if !o.Addr.Equal(peer.Addr()) {
			continue
		}
		if cry.VerifyMessage(o.OperatorKeyID(), v.Sig1, msg1) == nil {
			real = o
			if !o.isPoSeVerified() {
				o.decreasePoSeBanScore()
			}
		} else {
			toBan = append(toBan, o)
		}
	}

	var broadcast *Verification
	if real != nil {
		r.fulfilled.Add(peer.Addr(), gossip.ReqVerifyDone)
		if local := r.local; local != nil {
			b := *v
			b.Addr = real.Addr
			b.Vin1 = real.Vin
			b.Vin2 = local.Vin
			if sig, err := cry.SignMessage(b.broadcastString(blockHash), local.PrivKey); err == nil {
				b.Sig2 = sig
				r.weAskedForVerification[addrKey] = &b
				broadcast = &b
			} else {
				log.Error("failed to sign verification broadcast", "err", err)
			}
		}
		for _, o := range toBan {
			o.increasePoSeBanScore()
			log.Debug("increased ban score for fake operator",
				"operator", OutPointShort(o.Collateral()), "score", o.PoSeBanScore)
		}
		log.Info("verified real operator", "operator", OutPointShort(real.Collateral()),
			"addr", peer.Addr(), "banned", len(toBan))
	}
	r.mu.Unlock()

	if real == nil {
		// only happens when someone games the protocol
		log.Warn("no real operator found for verified address", "addr", peer.Addr())
		r.punish(peer, 20, "no operator at verified address")
		return
	}
	if broadcast != nil {
		r.mu.Lock()
		r.seenVerification[broadcast.Hash()] = broadcast
		r.mu.Unlock()
		r.relay(gossip.Inv{Type: gossip.InvVerification, Hash: broadcast.Hash()})
	}
}

// processVerifyBroadcast applies a relayed verification: confirm both
// signatures, then lower the real operator's ban score and raise it for
// every other record sharing the address.
func (r *Registry) processVerifyBroadcast(peer gossip.Peer, v *Verification) {
	r.mu.Lock()
	if _, ok := r.seenVerification[v.Hash()]; ok {
		r.mu.Unlock()
		return
	}
	r.seenVerification[v.Hash()] = v
	tip := r.tip
	r.mu.Unlock()

	// we don't care about history
	if v.BlockHeight < tip.Height-maxPoSeBlocks {
		log.Debug("outdated verification broadcast", "current", tip.Height, "height", v.BlockHeight)
		return
	}
	if v.Vin1.PreviousOutPoint == v.Vin2.PreviousOutPoint {
		log.Warn("operator verified itself", "operator", OutPointShort(v.Vin1.PreviousOutPoint))
		// cheating deserves the maximum score
		r.punish(peer, 100, "self verification")
		return
	}

	blockHash, err := r.chain.BlockHash(v.BlockHeight)
	if err != nil {
		log.Warn("can't get block hash for verification broadcast", "height", v.BlockHeight)
		return
	}

	rank := r.GetRank(v.Vin2.PreviousOutPoint, v.BlockHeight, ember.MinPoSeProtoVersion)
	if rank == -1 {
		log.Debug("can't calculate verifier rank", "operator", OutPointShort(v.Vin2.PreviousOutPoint))
		return
	}
	if rank > maxPoSeRank {
		log.Debug("verifier is not in top rank", "rank", rank, "max", maxPoSeRank)
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	prover, ok := r.records[v.Vin1.PreviousOutPoint]
	if !ok {
		log.Warn("can't find prover of verification", "operator", OutPointShort(v.Vin1.PreviousOutPoint))
		return
	}
	verifier, ok := r.records[v.Vin2.PreviousOutPoint]
	if !ok {
		log.Warn("can't find verifier of verification", "operator", OutPointShort(v.Vin2.PreviousOutPoint))
		return
	}
	if !prover.Addr.Equal(v.Addr) {
		log.Warn("verification address mismatch", "addr", v.Addr, "record", prover.Addr)
		return
	}

	if err := cry.VerifyMessage(prover.OperatorKeyID(), v.Sig1, v.replyString(blockHash)); err != nil {
		log.Warn("bad prover signature on verification broadcast", "err", err)
		return
	}
	if err := cry.VerifyMessage(verifier.OperatorKeyID(), v.Sig2, v.broadcastString(blockHash)); err != nil {
		log.Warn("bad verifier signature on verification broadcast", "err", err)
		return
	}

	if !prover.isPoSeVerified() {
		prover.decreasePoSeBanScore()
	}

	banned := 0
	for _, o := range r.records {
		if !o.Addr.Equal(v.Addr) || o.Collateral() == v.Vin1.PreviousOutPoint {
			continue
		}
		o.increasePoSeBanScore()
		banned++
	}
	log.Info("verified operator", "operator", OutPointShort(prover.Collateral()),
		"addr", v.Addr, "banned", banned)
}

// RelayVerification publishes a verification broadcast by inventory.
// processVerifyBroadcast does not call it, so an accepted broadcast is not
// relayed onward by that path.
func (r *Registry) RelayVerification(v *Verification) {
	r.relay(gossip.Inv{Type: gossip.InvVerification, Hash: v.Hash()})
}

// CheckSameAddr finds records sharing an address: once one of them is
// verified, all others at that address are banned. When none is verified
// yet, none is touched; it can take several passes until the duplicates
// are gone.
func (r *Registry) CheckSameAddr() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.sync.IsSynced() || len(r.records) == 0 {
		return
	}

	sorted := make([]*Operator, 0, len(r.records))
	for _, o := range r.records {
		sorted = append(sorted, o)
	}
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Addr.Less(sorted[j].Addr) })

	var ban []*Operator
	var prev, verified *Operator
	for _, o := range sorted {
		if !o.isEnabled() && !o.isPreEnabled() {
			continue
		}
		if prev == nil {
			prev = o
			if o.isPoSeVerified() {
				verified = o
			}
			continue
		}
		if o.Addr.Equal(prev.Addr) {
			if verified != nil {
				// another record at the same ip is verified, ban this one
				ban = append(ban, o)
			} else if o.isPoSeVerified() {
				// this one is verified, ban the previous ones
				ban = append(ban, prev)
				verified = o
			}
		} else {
			verified = nil
			if o.isPoSeVerified() {
				verified = o
			}
		}
		prev = o
	}

	for _, o := range ban {
		log.Debug("increasing ban score for duplicate address",
			"operator", OutPointShort(o.Collateral()), "addr", o.Addr)
		o.increasePoSeBanScore()
	}
}
