// Copyright (c) 2026 The Ember developers

// Distributed under the GNU Lesser General Public License v3.0 software license, see the accompanying
// file LICENSE or <https://www.gnu.org/licenses/lgpl-3.0.html>

package gossip

import (
	"sync"

	"github.com/emberchain/ember/ember"
)

// FakePeer records everything sent to it. Used by tests across packages.
type FakePeer struct {
	PeerID   string
	PeerAddr ember.NetAddr
	Proto    int32
	In       bool

	mu           sync.Mutex
	Sent         []Msg
	Asked        []Inv
	Disconnected string
}

func (p *FakePeer) ID() string          { return p.PeerID }
func (p *FakePeer) Addr() ember.NetAddr { return p.PeerAddr }
func (p *FakePeer) Version() int32      { return p.Proto }
func (p *FakePeer) Inbound() bool       { return p.In }

func (p *FakePeer) Send(msg Msg) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Sent = append(p.Sent, msg)
}

func (p *FakePeer) AskFor(inv Inv) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Asked = append(p.Asked, inv)
}

func (p *FakePeer) Disconnect(reason string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Disconnected = reason
}

// SentMsgs snapshots the send log.
func (p *FakePeer) SentMsgs() []Msg {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Msg(nil), p.Sent...)
}

// FakePool is a Pool whose peer set is managed by the test.
type FakePool struct {
	mu        sync.Mutex
	peers     []Peer
	bcasts    []Inv
	DoS       map[string]int
	ConnectFn func(addr ember.NetAddr) (Peer, error)
	External  ember.NetAddr
}

// NewFakePool creates an empty pool.
func NewFakePool(peers ...Peer) *FakePool {
	return &FakePool{peers: peers, DoS: make(map[string]int)}
}

// AddPeer attaches a peer.
func (p *FakePool) AddPeer(peer Peer) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.peers = append(p.peers, peer)
}

func (p *FakePool) Peers() []Peer {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Peer(nil), p.peers...)
}

func (p *FakePool) Connect(addr ember.NetAddr) (Peer, error) {
	if p.ConnectFn != nil {
		return p.ConnectFn(addr)
	}
	peer := &FakePeer{PeerID: addr.String(), PeerAddr: addr}
	p.AddPeer(peer)
	return peer, nil
}

func (p *FakePool) Broadcast(inv Inv) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.bcasts = append(p.bcasts, inv)
}

func (p *FakePool) Misbehaving(id string, score int, reason string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.DoS[id] += score
}

func (p *FakePool) ReflectedAddr() (ember.NetAddr, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.External, !p.External.IsZero()
}

// Broadcasts snapshots the broadcast log.
func (p *FakePool) Broadcasts() []Inv {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Inv(nil), p.bcasts...)
}

var (
	_ Peer = (*FakePeer)(nil)
	_ Pool = (*FakePool)(nil)
)
